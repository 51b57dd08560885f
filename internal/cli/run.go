package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/compiler"
	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/fed"
	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/harness"
	"github.com/roach88/lockstep/internal/trace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Fast      bool
	Keepalive bool
	Timeout   time.Duration
	Workers   int
	TracePath string

	Topology string
	Federate string
	Relay    string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Execute a reactor program",
		Long: `Compile a reactor program and execute it.

Reaction bodies bind by name from the builtin registry (print, noop,
stop); programs needing host behavior embed the engine as a library
instead. Without a timeout the run ends when the event queue drains,
unless --keepalive holds it open for physical actions.

With --topology and --federate the program joins a federation: logical
time advances only as the coordinator grants it, and network-bound
ports exchange tagged messages through the relay.

Exit codes:
  0 - Run completed
  1 - Runtime error (reaction failure, federation protocol violation)
  2 - Command error (program missing or invalid, bad topology)

Examples:
  lockstep run ./program.cue --timeout 10s
  lockstep run ./program.cue --fast --trace run.lstr
  lockstep run ./sensor.cue --topology fed.yaml --federate sensor`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgram(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Fast, "fast", "f", false, "do not wait for physical time to catch up")
	cmd.Flags().BoolVarP(&opts.Keepalive, "keepalive", "k", false, "keep running on an empty event queue")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "o", 0, "stop after this much logical time")
	cmd.Flags().IntVar(&opts.Workers, "workers", 1, "worker pool size")
	cmd.Flags().StringVar(&opts.TracePath, "trace", "", "write a binary trace log to this path")
	cmd.Flags().StringVar(&opts.Topology, "topology", "", "federation topology YAML")
	cmd.Flags().StringVar(&opts.Federate, "federate", "", "join the federation as this federate")
	cmd.Flags().StringVar(&opts.Relay, "relay", "", "override the topology's relay address")

	return cmd
}

func runProgram(opts *RunOptions, path string, cmd *cobra.Command) error {
	configureLogging(opts.Verbose)

	if (opts.Topology == "") != (opts.Federate == "") {
		return NewExitError(ExitCommandError, "--topology and --federate go together")
	}

	asm, err := buildProgram(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile program", err)
	}
	slog.Info("program compiled", "program", asm.Program.Name,
		"reactors", asm.Counts.Reactors, "reactions", asm.Counts.Reactions)

	engOpts := []engine.Option{
		engine.WithFast(opts.Fast),
		engine.WithKeepalive(opts.Keepalive),
		engine.WithWorkers(opts.Workers),
	}
	if opts.Timeout > 0 {
		engOpts = append(engOpts, engine.WithTimeout(opts.Timeout))
	}

	if opts.TracePath != "" {
		tw, err := trace.Create(opts.TracePath, trace.Header{
			Start:       time.Now().UnixNano(),
			Program:     asm.Program.Name,
			ProgramHash: asm.Hash,
			Objects:     trace.Objects(asm),
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create trace log", err)
		}
		defer func() {
			if err := tw.Close(); err != nil {
				slog.Error("closing trace log", "error", err)
			}
		}()
		engOpts = append(engOpts, engine.WithTracer(tw))
		slog.Info("tracing", "path", opts.TracePath)
	}

	var federate *fed.Federate
	if opts.Topology != "" {
		cfg, err := fed.Load(opts.Topology)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load topology", err)
		}
		fedOpts := []fed.FederateOption{}
		if opts.Relay != "" {
			fedOpts = append(fedOpts, fed.WithRelayAddress(opts.Relay))
		}
		federate, err = fed.NewFederate(cfg, opts.Federate, fedOpts...)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to join topology", err)
		}
		engOpts = append(engOpts, engine.WithCoordinator(federate))
	}

	eng := engine.New(asm, harness.Builtins(), engOpts...)
	if federate != nil {
		if err := federate.Bind(eng); err != nil {
			return WrapExitError(ExitCommandError, "failed to bind federation links", err)
		}
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	slog.Info("engine starting", "program", asm.Program.Name, "workers", opts.Workers)
	runErr := eng.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "run failed", runErr)
	}

	elapsed := time.Duration(eng.CurrentTag().Time - eng.StartTime())
	fmt.Fprintf(cmd.OutOrStdout(), "Run complete at (%s, %d)\n", elapsed, eng.CurrentTag().Microstep)
	return nil
}

// buildProgram compiles and validates a program down to an assembly.
func buildProgram(path string) (*graph.Assembly, error) {
	prog, err := LoadProgram(path)
	if err != nil {
		return nil, err
	}
	if errs := compiler.Validate(prog); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid program: %s", strings.Join(msgs, "; "))
	}
	for _, warn := range compiler.AnalyzeCycles(prog) {
		slog.Warn("zero-delay loop", "message", warn.Message)
	}
	return graph.Build(prog)
}

// configureLogging routes slog to stderr at a level matching the
// verbose flag.
func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// signalContext derives a context cancelled by SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
