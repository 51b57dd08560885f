package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/trace"
)

// TraceOptions holds flags shared by the trace subcommands.
type TraceOptions struct {
	*RootOptions
	Database string
}

// NewTraceCommand creates the trace command and its subcommands.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Convert and query binary trace logs",
		Long: `Work with trace logs recorded by lockstep run --trace.

The runtime writes traces as an append-only binary log it never reads
back. These commands load logs into a SQLite database and query them:

  convert  load a log file into the database as a new run
  runs     list converted runs
  records  list records of one run, filtered
  summary  aggregate per-reaction counts and worst-case lateness`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newTraceConvertCommand(opts))
	cmd.AddCommand(newTraceRunsCommand(opts))
	cmd.AddCommand(newTraceRecordsCommand(opts))
	cmd.AddCommand(newTraceSummaryCommand(opts))

	return cmd
}

// newTraceConvertCommand loads a binary log into the database.
func newTraceConvertCommand(opts *TraceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <log>",
		Short: "Load a trace log into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceConvert(opts, args[0], cmd)
		},
	}
}

func runTraceConvert(opts *TraceOptions, logPath string, cmd *cobra.Command) error {
	reader, err := trace.Open(logPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open trace log", err)
	}
	defer reader.Close()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	runID, n, err := st.Convert(cmd.Context(), reader)
	if err != nil {
		return WrapExitError(ExitFailure, "conversion failed", err)
	}

	formatter := newFormatter(opts.RootOptions, cmd)
	if formatter.Format == "json" {
		return formatter.Success(map[string]any{
			"run":     runID,
			"records": n,
			"program": reader.Header().Program,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Converted %d records into run %d (%s)\n",
		n, runID, reader.Header().Program)
	return nil
}

// newTraceRunsCommand lists converted runs.
func newTraceRunsCommand(opts *TraceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List converted runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceRuns(opts, cmd)
		},
	}
}

// RunView describes one converted run.
type RunView struct {
	ID          int64  `json:"id"`
	Program     string `json:"program"`
	ProgramHash string `json:"program_hash"`
	Start       int64  `json:"start"`
	CreatedAt   string `json:"created_at"`
	Records     int64  `json:"records"`
}

func runTraceRuns(opts *TraceOptions, cmd *cobra.Command) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	runs, err := st.Runs(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}

	views := make([]RunView, len(runs))
	for i, r := range runs {
		views[i] = RunView{
			ID:          r.ID,
			Program:     r.Program,
			ProgramHash: r.ProgramHash,
			Start:       r.Start,
			CreatedAt:   r.CreatedAt,
			Records:     r.Records,
		}
	}

	formatter := newFormatter(opts.RootOptions, cmd)
	if formatter.Format == "json" {
		return formatter.Success(views)
	}

	w := cmd.OutOrStdout()
	if len(views) == 0 {
		fmt.Fprintln(w, "No runs.")
		return nil
	}
	for _, r := range views {
		fmt.Fprintf(w, "run %d: %s (%d records, converted %s)\n",
			r.ID, r.Program, r.Records, r.CreatedAt)
		if opts.Verbose {
			fmt.Fprintf(w, "  hash %s, started %s\n", r.ProgramHash, time.Unix(0, r.Start).Format(time.RFC3339Nano))
		}
	}
	return nil
}

// traceRecordsOptions holds the records filter flags.
type traceRecordsOptions struct {
	Run     int64
	Reactor string
	Kinds   []string
	From    time.Duration
	To      time.Duration
	Limit   int
}

// newTraceRecordsCommand lists filtered records of one run.
func newTraceRecordsCommand(opts *TraceOptions) *cobra.Command {
	ro := &traceRecordsOptions{}

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List records of one run",
		Long: `List records of one run in log order.

Filters combine: --reactor narrows to objects under an instance path,
--kind to record kinds, --from/--to to a tag window given as logical
time elapsed since the run's start.

Examples:
  lockstep trace records --db trace.db --run 1
  lockstep trace records --db trace.db --run 1 --reactor main.sensor
  lockstep trace records --db trace.db --run 1 --kind deadline_miss,tardy
  lockstep trace records --db trace.db --run 1 --from 10ms --to 20ms --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceRecords(opts, ro, cmd)
		},
	}

	cmd.Flags().Int64Var(&ro.Run, "run", 0, "run id (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&ro.Reactor, "reactor", "", "filter to objects under this instance path")
	cmd.Flags().StringSliceVar(&ro.Kinds, "kind", nil, "filter to these record kinds")
	cmd.Flags().DurationVar(&ro.From, "from", 0, "window start, elapsed logical time")
	cmd.Flags().DurationVar(&ro.To, "to", 0, "window end, elapsed logical time")
	cmd.Flags().IntVar(&ro.Limit, "limit", 0, "maximum records to list")

	return cmd
}

// RecordView is one record with times rebased to the run's start.
type RecordView struct {
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	Object    string `json:"object,omitempty"`
	Time      int64  `json:"time"`
	Microstep uint32 `json:"microstep"`
	Physical  int64  `json:"physical"`
	Worker    int    `json:"worker"`
}

func runTraceRecords(opts *TraceOptions, ro *traceRecordsOptions, cmd *cobra.Command) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	start, err := runStart(cmd.Context(), st, ro.Run)
	if err != nil {
		return err
	}

	filter := store.Filter{
		Run:     ro.Run,
		Reactor: ro.Reactor,
		Kinds:   ro.Kinds,
		Limit:   ro.Limit,
	}
	// Tags in the log are absolute; the window flags are elapsed.
	if cmd.Flags().Changed("from") {
		filter.From = &engine.Tag{Time: start + ro.From.Nanoseconds()}
	}
	if cmd.Flags().Changed("to") {
		filter.To = &engine.Tag{Time: start + ro.To.Nanoseconds(), Microstep: ^uint32(0)}
	}

	rows, err := st.Records(cmd.Context(), filter)
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}

	views := make([]RecordView, len(rows))
	for i, r := range rows {
		views[i] = RecordView{
			Seq:       r.Seq,
			Kind:      r.Kind,
			Object:    r.Object,
			Time:      r.Tag.Time - start,
			Microstep: r.Tag.Microstep,
			Physical:  r.Physical - start,
			Worker:    r.Worker,
		}
	}

	formatter := newFormatter(opts.RootOptions, cmd)
	if formatter.Format == "json" {
		return formatter.Success(views)
	}

	w := cmd.OutOrStdout()
	if len(views) == 0 {
		fmt.Fprintln(w, "No records.")
		return nil
	}
	for _, v := range views {
		tag := fmt.Sprintf("(%s, %d)", time.Duration(v.Time), v.Microstep)
		if v.Object != "" {
			fmt.Fprintf(w, "[%d] %s %s @ %s worker %d\n", v.Seq, v.Kind, v.Object, tag, v.Worker)
		} else {
			fmt.Fprintf(w, "[%d] %s @ %s worker %d\n", v.Seq, v.Kind, tag, v.Worker)
		}
	}
	return nil
}

// newTraceSummaryCommand aggregates one run per reaction.
func newTraceSummaryCommand(opts *TraceOptions) *cobra.Command {
	var run int64

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate a run per reaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceSummary(opts, run, cmd)
		},
	}

	cmd.Flags().Int64Var(&run, "run", 0, "run id (required)")
	_ = cmd.MarkFlagRequired("run")

	return cmd
}

// SummaryView aggregates one reaction over a run.
type SummaryView struct {
	Reaction     string `json:"reaction"`
	Executions   int64  `json:"executions"`
	DeadlineMiss int64  `json:"deadline_miss"`
	Tardy        int64  `json:"tardy"`
	WorstLag     int64  `json:"worst_lag"`
}

func runTraceSummary(opts *TraceOptions, run int64, cmd *cobra.Command) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	summaries, err := st.Summary(cmd.Context(), run)
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}

	views := make([]SummaryView, len(summaries))
	for i, s := range summaries {
		views[i] = SummaryView{
			Reaction:     s.Reaction,
			Executions:   s.Executions,
			DeadlineMiss: s.DeadlineMiss,
			Tardy:        s.Tardy,
			WorstLag:     s.WorstLag.Nanoseconds(),
		}
	}

	formatter := newFormatter(opts.RootOptions, cmd)
	if formatter.Format == "json" {
		return formatter.Success(views)
	}

	w := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No reactions recorded.")
		return nil
	}
	fmt.Fprintf(w, "%-40s %10s %9s %6s %12s\n", "reaction", "executions", "deadline", "tardy", "worst lag")
	for _, s := range summaries {
		fmt.Fprintf(w, "%-40s %10d %9d %6d %12s\n",
			s.Reaction, s.Executions, s.DeadlineMiss, s.Tardy, s.WorstLag)
	}
	return nil
}

// runStart reads the recorded start time of a run.
func runStart(ctx context.Context, st *store.Store, run int64) (int64, error) {
	runs, err := st.Runs(ctx)
	if err != nil {
		return 0, WrapExitError(ExitFailure, "query failed", err)
	}
	for _, r := range runs {
		if r.ID == run {
			return r.Start, nil
		}
	}
	return 0, NewExitError(ExitCommandError, fmt.Sprintf("no run %d in database", run))
}

// newFormatter builds an OutputFormatter wired to the command's
// streams.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
