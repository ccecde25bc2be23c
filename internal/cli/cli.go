// ============================================================================
// imgpipe CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end for the two-stage image conversion run
//
// Command Structure:
//   imgpipe                        # Root command
//   ├── run                        # Convert one tree (TIF → JP2 → JPEG)
//   │   ├── --source, -s           # Raw masters root
//   │   ├── --destination, -d      # Output root
//   │   ├── --threads, -t          # Worker count (default 12)
//   │   └── --broken, -b           # Quarantine folder name (default _broken)
//   ├── check                      # Verify the conversion tools are on PATH
//   ├── prune <dir>...             # Remove empty folders bottom-up
//   ├── history [run-id]           # Past runs from the SQLite ledger
//   └── --config, -c               # YAML config (default configs/default.yaml)
//
// run Command:
//   1. Load config, apply flag overrides, validate
//   2. Take the single-instance lock (/tmp/convert.lock)
//   3. Start /metrics and the gRPC health service if configured
//   4. Run both stages, flush the report (mail/ntfy + log file)
//   5. Record the run in the ledger, print the summary table
//
//   SIGINT/SIGTERM cancels the run: running tools are killed, their inputs
//   stay where they were, and the report is still flushed.
//
//   Examples:
//     ./imgpipe run -s /archive/incoming -d /archive/converted
//     ./imgpipe run -c /etc/imgpipe.yaml -t 4
//
// Exit status:
//   Non-zero when the lock is held, a tool is missing, a directory cannot be
//   created or the run was interrupted. Per-file conversion failures are
//   reported, not fatal.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/imgpipe/internal/fsutil"
	"github.com/ChuLiYu/imgpipe/internal/history"
	"github.com/ChuLiYu/imgpipe/internal/lock"
	"github.com/ChuLiYu/imgpipe/internal/logging"
	"github.com/ChuLiYu/imgpipe/internal/metrics"
	"github.com/ChuLiYu/imgpipe/internal/pipeline"
	"github.com/ChuLiYu/imgpipe/internal/report"
	"github.com/ChuLiYu/imgpipe/internal/server"
	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "1.0.0"

var configFile string

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "imgpipe",
		Short:         "Batch image conversion pipeline",
		Long:          "Converts raw TIF masters to JP2 intermediates and JPEG derivatives, quarantining anything a tool complains about",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "Config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCheckCommand())
	rootCmd.AddCommand(buildPruneCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runFlags struct {
	source      string
	destination string
	threads     int
	broken      string
	noPrune     bool
}

func buildRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Convert a source tree",
		Long:  "Run stage 1 (TIF to JP2) and stage 2 (JP2 to JPEG derivatives) over the source tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversion(cmd, f)
		},
	}

	f.register(cmd)
	return cmd
}

func (f *runFlags) register(cmd *cobra.Command) {
	defaults := pipeline.DefaultConfig()
	cmd.Flags().StringVarP(&f.source, "source", "s", "", "Source root holding raw masters")
	cmd.Flags().StringVarP(&f.destination, "destination", "d", "", "Destination root")
	cmd.Flags().IntVarP(&f.threads, "threads", "t", defaults.Workers, "Number of conversion workers")
	cmd.Flags().StringVarP(&f.broken, "broken", "b", defaults.QuarantineName, "Quarantine folder name under the destination")
	cmd.Flags().BoolVar(&f.noPrune, "no-prune", false, "Keep empty folders after the run")
}

// apply copies the flags the user actually set over the file values.
func (f runFlags) apply(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Pipeline.Source = f.source
	}
	if flags.Changed("destination") {
		cfg.Pipeline.Destination = f.destination
	}
	if flags.Changed("threads") {
		cfg.Pipeline.Workers = f.threads
	}
	if flags.Changed("broken") {
		cfg.Pipeline.QuarantineName = f.broken
	}
	if f.noPrune {
		cfg.Pipeline.PruneEmpty = false
	}
}

func runConversion(cmd *cobra.Command, f runFlags) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	f.apply(cmd, cfg)
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return err
	}
	classify, _ := cfg.classifier()

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	guard := lock.New(cfg.LockPath)
	if err := guard.Acquire(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintln(cmd.ErrOrStderr(), "unable to obtain lock")
		}
		return err
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Warn("Failed to release lock", "path", guard.Path(), "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Side services outlive an interrupted run long enough to report it.
	serveCtx, stopServing := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServing()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := collector.Serve(serveCtx, cfg.Metrics.Addr); err != nil {
				logger.Error("Metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		logger.Info("Metrics server started", "addr", cfg.Metrics.Addr)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(collector),
		pipeline.WithNotifier(cfg.notifier()),
		pipeline.WithReportWriter(report.NewFileSink(cfg.LogDir)),
		pipeline.WithClassifier(classify),
	}
	if cfg.Status.Addr != "" {
		status := server.NewServer(logger)
		opts = append(opts, pipeline.WithObserver(status))
		go func() {
			if err := status.ListenAndServe(serveCtx, cfg.Status.Addr); err != nil {
				logger.Error("Status server failed", "addr", cfg.Status.Addr, "error", err)
			}
		}()
	}

	runner, err := pipeline.NewRunner(cfg.Pipeline, opts...)
	if err != nil {
		return err
	}
	res, runErr := runner.Run(ctx)

	if cfg.Metrics.Textfile != "" {
		if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Error("Failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}
	if cfg.HistoryDB != "" {
		if err := recordRun(ctx, cfg, res, runErr); err != nil {
			logger.Error("Failed to record run history", "path", cfg.HistoryDB, "error", err)
		}
	}

	printSummary(cmd.OutOrStdout(), res)
	return runErr
}

func recordRun(ctx context.Context, cfg *Config, res *pipeline.Result, runErr error) error {
	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	totals := res.Totals()
	run := history.Run{
		ID:          res.RunID,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		Source:      cfg.Pipeline.Source,
		Destination: cfg.Pipeline.Destination,
		Workers:     cfg.Pipeline.Workers,
		Submitted:   totals.Submitted,
		Succeeded:   totals.Succeeded,
		Failed:      totals.Failed,
		Faults:      res.Faults,
		ReportPath:  res.ReportPath,
		Failures:    res.Failures,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	return store.Record(context.WithoutCancel(ctx), run)
}

func printSummary(w io.Writer, res *pipeline.Result) {
	var rows [][]string
	for _, stage := range []types.StageName{types.StageRaw, types.StageDerivative} {
		s, ok := res.Stages[stage]
		if !ok {
			continue
		}
		rows = append(rows, statsRow(string(stage), s))
	}
	rows = append(rows, statsRow("total", res.Totals()))

	fmt.Fprintln(w, renderTable(w,
		[]string{"Stage", "Submitted", "Succeeded", "Failed"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight}))

	fmt.Fprintf(w, "Run %s finished in %s\n", res.RunID, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.Faults > 0 {
		fmt.Fprintf(w, "Worker faults: %d\n", res.Faults)
	}
	if res.ReportPath != "" {
		fmt.Fprintf(w, "Report: %s\n", res.ReportPath)
	}
}

func statsRow(name string, s types.StageStats) []string {
	return []string{name, strconv.Itoa(s.Submitted), strconv.Itoa(s.Succeeded), strconv.Itoa(s.Failed)}
}

// ============================================================================
// check
// ============================================================================

func buildCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the conversion tools are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return checkTools(cmd.OutOrStdout(), cfg.Pipeline.Tools())
		},
	}
}

// checkTools reports every tool and returns the first missing one.
func checkTools(w io.Writer, tools []string) error {
	var (
		rows    [][]string
		missing error
	)
	for _, tool := range tools {
		path, err := lookPath(tool)
		if err != nil {
			rows = append(rows, []string{tool, "-", "missing"})
			if missing == nil {
				missing = &pipeline.ToolMissingError{Tool: tool}
			}
			continue
		}
		rows = append(rows, []string{tool, path, "ok"})
	}
	fmt.Fprintln(w, renderTable(w, []string{"Tool", "Path", "Status"}, rows, nil))
	return missing
}

// ============================================================================
// prune
// ============================================================================

func buildPruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune <dir>...",
		Short: "Remove empty folders bottom-up",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			total := 0
			for _, dir := range args {
				if !fsutil.Exists(dir) {
					return fmt.Errorf("%w: %s", pipeline.ErrSourceMissing, dir)
				}
				removed, err := fsutil.PruneEmptyDirs(dir)
				for _, path := range removed {
					fmt.Fprintf(w, "Removed empty folder %s\n", path)
				}
				total += len(removed)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(w, "Removed %d empty folders\n", total)
			return nil
		},
	}
	return cmd
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.HistoryDB == "" {
				return errors.New("history_db is not configured")
			}
			store, err := history.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(cmd.Context(), cmd.OutOrStdout(), store, args[0])
			}
			return listRuns(cmd.Context(), cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	return cmd
}

func listRuns(ctx context.Context, w io.Writer, store *history.Store, limit int) error {
	runs, err := store.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		status := "ok"
		if run.Error != "" {
			status = run.Error
		}
		rows = append(rows, []string{
			run.ID,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Source,
			strconv.Itoa(run.Succeeded),
			strconv.Itoa(run.Failed),
			status,
		})
	}
	fmt.Fprintln(w, renderTable(w,
		[]string{"Run", "Started", "Source", "Succeeded", "Failed", "Status"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
	return nil
}

func showRun(ctx context.Context, w io.Writer, store *history.Store, id string) error {
	run, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", id)
	}

	fmt.Fprintf(w, "Run:         %s\n", run.ID)
	fmt.Fprintf(w, "Started:     %s\n", run.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Finished:    %s\n", run.FinishedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Source:      %s\n", run.Source)
	fmt.Fprintf(w, "Destination: %s\n", run.Destination)
	fmt.Fprintf(w, "Jobs:        %d submitted, %d succeeded, %d failed\n", run.Submitted, run.Succeeded, run.Failed)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", run.Error)
	}
	if run.ReportPath != "" {
		fmt.Fprintf(w, "Report:      %s\n", run.ReportPath)
	}
	if len(run.Failures) == 0 {
		return nil
	}

	rows := make([][]string, 0, len(run.Failures))
	for _, rec := range run.Failures {
		rows = append(rows, []string{string(rec.Stage), rec.SourceFile, rec.QuarantinePath, rec.Diagnostic})
	}
	fmt.Fprintln(w, renderTable(w, []string{"Stage", "Source", "Quarantined", "Diagnostic"}, rows, nil))
	return nil
}
