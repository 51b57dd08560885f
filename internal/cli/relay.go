package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/fed"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen      string
	MetricsAddr string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay <topology>",
		Short: "Serve a federation's coordination relay",
		Long: `Start the relay for a federation topology.

The relay accepts every federate named by the topology, negotiates the
common start time, and then forwards tagged messages between them. In
centralized mode it also grants logical time advances; in
decentralized mode federates advance on safe-to-process offsets and
the relay only carries traffic. The command returns when the last
federate resigns.

Exit codes:
  0 - Federation completed
  1 - Relay error (protocol violation, connection failure)
  2 - Command error (topology missing or invalid)

Examples:
  lockstep relay ./fed.yaml
  lockstep relay ./fed.yaml --listen 0.0.0.0:15045
  lockstep relay ./fed.yaml --metrics-addr :9090`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "override the topology's relay address")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runRelay(opts *RelayOptions, topologyPath string, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)

	cfg, err := fed.Load(topologyPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load topology", err)
	}

	relayOpts := []fed.RelayOption{}
	if opts.Listen != "" {
		relayOpts = append(relayOpts, fed.WithListenAddress(opts.Listen))
	}

	var metricsSrv *http.Server
	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		relayOpts = append(relayOpts, fed.WithRelayMetrics(fed.NewMetrics(reg)))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: opts.MetricsAddr, Handler: mux}
	}

	relay := fed.NewRelay(cfg, relayOpts...)
	if err := relay.Listen(); err != nil {
		return WrapExitError(ExitCommandError, "failed to bind relay", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if metricsSrv != nil {
		go func() {
			slog.Info("metrics listening", "addr", opts.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutCancel()
			_ = metricsSrv.Shutdown(shutCtx)
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s (%d federates)\n",
		relay.Addr(), len(cfg.Federates))

	serveErr := relay.Serve(ctx)
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return WrapExitError(ExitFailure, "relay failed", serveErr)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Federation complete.")
	return nil
}
