// ============================================================================
// imgpipe Runner - 兩階段轉換管線協調器
// ============================================================================
//
// Package: internal/pipeline
// 文件: runner.go
// 功能: 驅動單次執行的狀態機，組合 Walker + Worker Pool + Executor
//
// 狀態機（嚴格依序，停用的階段也會發出轉換）:
//   Idle → Stage1Dispatching → Stage1Draining → Stage2Dispatching
//        → Stage2Draining → Reporting → Cleanup → Terminal
//
// Stage 1 (tif_to_jp2):
//   1. 走訪 source，於 destination 建立鏡像目錄（先建目錄再分派）
//   2. 每個 .tif 一個 job：kdu_compress，成功後把原檔移到鏡像目錄
//   3. AwaitCompletion() 屏障：Stage 2 依賴 Stage 1 的完整輸出
//
// Stage 2 (jp2_to_jpeg):
//   1. 走訪 destination（不鏡像）
//   2. 每個 .jp2 × 每個衍生規格一個 job，沒有 post action
//   3. 最終屏障
//
// 失敗處理:
//   - 單檔轉換失敗：Executor 就地隔離，執行繼續
//   - 工具缺失 / 目錄無法建立 / source 不存在：致命，報告後返回錯誤
//   - ctx 取消：停止分派，終止執行中的工具，報告後返回
//
// 已知限制:
//   沒有單一 job 的逾時；卡住的外部工具會一直佔住它的 worker。
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/imgpipe/internal/fsutil"
	"github.com/ChuLiYu/imgpipe/internal/metrics"
	"github.com/ChuLiYu/imgpipe/internal/notify"
	"github.com/ChuLiYu/imgpipe/internal/report"
	"github.com/ChuLiYu/imgpipe/internal/walker"
	"github.com/ChuLiYu/imgpipe/internal/worker"
	"github.com/ChuLiYu/imgpipe/pkg/types"
)

const notifyTimeout = time.Minute

// ============================================================================
// 資料結構定義
// ============================================================================

// Observer is told about every state transition, in order, from the
// goroutine calling Run.
type Observer interface {
	OnState(from, to types.RunState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(from, to types.RunState)

// OnState calls f(from, to).
func (f ObserverFunc) OnState(from, to types.RunState) { f(from, to) }

// ReportWriter persists a rendered report and returns where it went.
type ReportWriter interface {
	Write(body string) (string, error)
}

// ExecutorFactory builds the executor for one stage. rec receives failures.
type ExecutorFactory func(rec worker.Recorder, logger *slog.Logger) worker.Executor

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithObserver adds a state observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// WithNotifier sets the sink that receives a non-empty report.
func WithNotifier(s notify.Sink) Option {
	return func(r *Runner) { r.notifier = s }
}

// WithReportWriter sets where a non-empty report is persisted.
func WithReportWriter(w ReportWriter) Option {
	return func(r *Runner) { r.reportWriter = w }
}

// WithMetrics records job and state metrics into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithLookPath replaces exec.LookPath for the tool check.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Runner) { r.lookPath = fn }
}

// WithExecutorFactory replaces the subprocess executor.
func WithExecutorFactory(fn ExecutorFactory) Option {
	return func(r *Runner) { r.newExecutor = fn }
}

// WithClassifier sets the success predicate of the default executor.
func WithClassifier(c worker.Classifier) Option {
	return func(r *Runner) { r.classifier = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner executes conversion runs for one Config.
type Runner struct {
	cfg        Config
	src, dst   string // absolute roots
	quarantine string // absolute quarantine directory

	log          *slog.Logger
	observers    []Observer
	notifier     notify.Sink
	reportWriter ReportWriter
	metrics      *metrics.Collector
	lookPath     func(string) (string, error)
	newExecutor  ExecutorFactory
	classifier   worker.Classifier
	now          func() time.Time

	mu    sync.Mutex
	state types.RunState
}

// Result summarizes a finished run.
type Result struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Stages     map[types.StageName]types.StageStats
	Faults     int64
	Failures   []types.FailureRecord
	Report     *report.Report
	ReportPath string // empty when nothing was persisted
	Notified   bool
	Pruned     []string
}

// Totals sums the per-stage counters.
func (r *Result) Totals() types.StageStats {
	var t types.StageStats
	for _, s := range r.Stages {
		t.Submitted += s.Submitted
		t.Succeeded += s.Succeeded
		t.Failed += s.Failed
	}
	return t
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewRunner validates cfg and resolves its roots to absolute paths.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src, err := filepath.Abs(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}
	dst, err := filepath.Abs(cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	r := &Runner{
		cfg:        cfg,
		src:        src,
		dst:        dst,
		quarantine: filepath.Join(dst, cfg.QuarantineName),
		notifier:   notify.Noop{},
		lookPath:   exec.LookPath,
		now:        time.Now,
		state:      types.StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.newExecutor == nil {
		r.newExecutor = func(rec worker.Recorder, logger *slog.Logger) worker.Executor {
			execOpts := []worker.ExecOption{worker.WithExecLogger(logger)}
			if r.classifier != nil {
				execOpts = append(execOpts, worker.WithClassifier(r.classifier))
			}
			return worker.NewCommandExecutor(rec, execOpts...)
		}
	}
	return r, nil
}

// State returns the current state.
func (r *Runner) State() types.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run performs one complete run. Per-file failures are reported in the
// Result; the returned error is non-nil only for run-level failures, after
// the report has been flushed.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	started := r.now()
	runID := uuid.NewString()
	rep := report.New(runID, started)
	res := &Result{
		RunID:     runID,
		StartedAt: started,
		Stages:    make(map[types.StageName]types.StageStats),
		Report:    rep,
	}
	log := r.log.With("run_id", runID)
	log.Info("Run starting", "source", r.src, "destination", r.dst, "workers", r.cfg.Workers)

	runErr := r.prepare(log)

	// Stage 1
	r.transition(log, types.StateStage1Dispatching)
	var raw *stageRun
	if runErr == nil && r.cfg.Raw.Enabled {
		raw, runErr = r.startStage(types.StageRaw, rep, log)
		if runErr == nil {
			runErr = r.dispatchRaw(ctx, raw, rep, log)
		}
	}
	r.transition(log, types.StateStage1Draining)
	if raw != nil {
		if err := raw.drain(ctx); err != nil && runErr == nil {
			runErr = err
		}
		raw.collect(res)
	}

	// Stage 2
	r.transition(log, types.StateStage2Dispatching)
	var derivative *stageRun
	if runErr == nil && r.cfg.Derivative.Enabled {
		derivative, runErr = r.startStage(types.StageDerivative, rep, log)
		if runErr == nil {
			runErr = r.dispatchDerivatives(ctx, derivative, rep, log)
		}
	}
	r.transition(log, types.StateStage2Draining)
	if derivative != nil {
		if err := derivative.drain(ctx); err != nil && runErr == nil {
			runErr = err
		}
		derivative.collect(res)
	}

	if runErr != nil {
		rep.RecordFatal(fatalMessage(runErr))
		log.Error("Run aborted", "error", runErr)
	}

	r.transition(log, types.StateReporting)
	r.flush(ctx, rep, res, log)

	r.transition(log, types.StateCleanup)
	if runErr == nil && r.cfg.PruneEmpty {
		for _, root := range []string{r.src, r.dst} {
			removed, err := fsutil.PruneEmptyDirs(root)
			res.Pruned = append(res.Pruned, removed...)
			if err != nil {
				log.Warn("Failed to prune empty directories", "root", root, "error", err)
			}
		}
		for _, dir := range res.Pruned {
			log.Debug("Removed empty folder", "path", dir)
		}
	}

	res.Failures = rep.Failures()
	res.FinishedAt = r.now()
	r.transition(log, types.StateTerminal)

	totals := res.Totals()
	log.Info("Run finished",
		"submitted", totals.Submitted,
		"succeeded", totals.Succeeded,
		"failed", totals.Failed,
		"faults", res.Faults,
		"duration", res.FinishedAt.Sub(started))
	return res, runErr
}

// prepare checks the source root and every enabled tool, then creates the
// destination and quarantine directories.
func (r *Runner) prepare(log *slog.Logger) error {
	info, err := os.Stat(r.src)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrSourceMissing, r.src)
	}

	for _, tool := range r.cfg.Tools() {
		path, err := r.lookPath(tool)
		if err != nil {
			return &ToolMissingError{Tool: tool}
		}
		log.Info("Tool found", "tool", tool, "path", path)
	}

	for _, dir := range []string{r.dst, r.quarantine} {
		if !fsutil.Exists(dir) {
			log.Info("Directory does not exist, creating", "path", dir)
		}
		if err := fsutil.MakeDir(dir); err != nil {
			return &DirectoryError{Path: dir, Err: err}
		}
	}
	return nil
}

func (r *Runner) transition(log *slog.Logger, to types.RunState) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()

	log.Debug("State transition", "from", from, "to", to)
	r.metrics.SetState(to)
	for _, o := range r.observers {
		o.OnState(from, to)
	}
}

// ============================================================================
// 階段分派
// ============================================================================

func (r *Runner) dispatchRaw(ctx context.Context, s *stageRun, rep *report.Report, log *slog.Logger) error {
	w := &walker.Walker{
		Root:           r.src,
		MirrorRoot:     r.dst,
		QuarantineName: r.cfg.QuarantineName,
		Extensions:     r.cfg.Raw.Extensions,
		Exclude:        []string{r.dst},
		IgnorePrefix:   worker.StagingPrefix,
	}
	announced := make(map[string]bool)

	err := w.Walk(ctx, nil, func(f walker.File) error {
		if !announced[f.Dir.Path] {
			announced[f.Dir.Path] = true
			narrate(rep, log, "Converting contents of "+displayRel(f.Dir.Rel)+" from TIF to JP2")
		}
		base := strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
		job := types.ConversionJob{
			Stage:           types.StageRaw,
			Command:         r.cfg.Raw.Command,
			PostAction:      fsutil.MoveAction{From: f.Path, To: filepath.Join(f.Dir.Mirror, f.Name)},
			SourceFile:      f.Path,
			DestinationRoot: r.dst,
			QuarantineDir:   r.quarantine,
			FileName:        f.Name,
			OutputPath:      filepath.Join(f.Dir.Mirror, base+r.cfg.Raw.OutputExt),
		}
		log.Debug("Creating output", "output", job.OutputPath)
		return s.submit(ctx, job)
	})
	return walkError(types.StageRaw, err)
}

func (r *Runner) dispatchDerivatives(ctx context.Context, s *stageRun, rep *report.Report, log *slog.Logger) error {
	w := &walker.Walker{
		Root:           r.dst,
		QuarantineName: r.cfg.QuarantineName,
		Extensions:     r.cfg.Derivative.Extensions,
		IgnorePrefix:   worker.StagingPrefix,
	}
	announced := make(map[string]bool)

	err := w.Walk(ctx, nil, func(f walker.File) error {
		if !announced[f.Dir.Path] {
			announced[f.Dir.Path] = true
			narrate(rep, log, "Converting contents of "+displayRel(f.Dir.Rel)+" from JP2 to JPEG")
		}
		base := strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
		for _, d := range r.cfg.Derivatives {
			job := types.ConversionJob{
				Stage:           types.StageDerivative,
				Command:         bindSize(r.cfg.Derivative.Command, d.Size),
				SourceFile:      f.Path,
				DestinationRoot: r.dst,
				QuarantineDir:   r.quarantine,
				FileName:        f.Name,
				OutputPath:      filepath.Join(f.Dir.Path, base+"_"+d.Suffix),
			}
			log.Debug("Creating output", "output", job.OutputPath)
			if err := s.submit(ctx, job); err != nil {
				return err
			}
		}
		return nil
	})
	return walkError(types.StageDerivative, err)
}

// flush renders a non-empty report once and hands it to both sinks. Sink
// failures are logged; they never change the run's outcome.
func (r *Runner) flush(ctx context.Context, rep *report.Report, res *Result, log *slog.Logger) {
	if rep.Empty() {
		log.Info("Nothing to report")
		return
	}
	body := rep.Render()

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := r.notifier.Notify(nctx, report.Subject(res.StartedAt), body); err != nil {
		log.Error("Failed to send report", "sink", r.notifier.Name(), "error", err)
	} else {
		res.Notified = true
	}

	if r.reportWriter != nil {
		path, err := r.reportWriter.Write(body)
		if err != nil {
			log.Error("Failed to write report", "error", err)
			return
		}
		res.ReportPath = path
		log.Info("Report written", "path", path)
	}
}

// ============================================================================
// 單一階段的 Pool 與統計
// ============================================================================

type stageRun struct {
	name    types.StageName
	pool    *worker.Pool
	metrics *metrics.Collector
	log     *slog.Logger

	mu    sync.Mutex
	stats types.StageStats
}

func (r *Runner) startStage(name types.StageName, rep *report.Report, log *slog.Logger) (*stageRun, error) {
	log = log.With("stage", name)
	s := &stageRun{name: name, metrics: r.metrics, log: log}

	s.pool = worker.NewPool(r.cfg.Workers, r.newExecutor(rep, log),
		worker.WithLogger(log),
		worker.WithFaultRecorder(rep),
		worker.WithResultHook(s.onResult),
	)
	if err := s.pool.Start(r.cfg.Workers); err != nil {
		return nil, fmt.Errorf("start %s pool: %w", name, err)
	}
	log.Info("Stage started", "workers", r.cfg.Workers)
	return s, nil
}

func (s *stageRun) submit(ctx context.Context, job types.ConversionJob) error {
	if err := s.pool.Submit(ctx, job); err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.Submitted++
	s.mu.Unlock()
	s.metrics.RecordSubmit(s.name, s.pool.QueueDepth())
	return nil
}

func (s *stageRun) onResult(res worker.Result) {
	s.mu.Lock()
	if res.Success() {
		s.stats.Succeeded++
	} else {
		s.stats.Failed++
	}
	s.mu.Unlock()
	s.metrics.RecordResult(s.name, res.Outcome, res.Duration)
	s.metrics.SetQueueDepth(s.pool.QueueDepth())
}

// drain is the stage barrier. The pool is stopped whether or not the
// barrier was reached; a cancelled ctx kills the tools still running.
func (s *stageRun) drain(ctx context.Context) error {
	defer s.pool.Stop()
	if err := s.pool.AwaitCompletion(ctx); err != nil {
		return fmt.Errorf("drain %s: %w", s.name, err)
	}
	s.log.Info("Stage complete")
	return nil
}

func (s *stageRun) collect(res *Result) {
	s.mu.Lock()
	res.Stages[s.name] = s.stats
	s.mu.Unlock()
	res.Faults += s.pool.Faults()
}

// ============================================================================
// 輔助函數
// ============================================================================

func bindSize(c types.Command, size string) types.Command {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = strings.ReplaceAll(a, TokenSize, size)
	}
	return types.Command{Program: c.Program, Args: args}
}

func walkError(stage types.StageName, err error) error {
	if err == nil {
		return nil
	}
	var mirrorErr *walker.MirrorError
	if errors.As(err, &mirrorErr) {
		return &DirectoryError{Path: mirrorErr.Path, Err: mirrorErr.Err}
	}
	return fmt.Errorf("dispatch %s: %w", stage, err)
}

func fatalMessage(err error) string {
	var toolErr *ToolMissingError
	var dirErr *DirectoryError
	switch {
	case errors.As(err, &toolErr):
		return toolErr.Tool + " not found.  Exiting."
	case errors.As(err, &dirErr):
		return "Unable to create " + dirErr.Path
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Run interrupted: " + err.Error()
	default:
		return err.Error()
	}
}

func narrate(rep *report.Report, log *slog.Logger, msg string) {
	rep.Note(msg)
	log.Info(msg)
}

func displayRel(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}
