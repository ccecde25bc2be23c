package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/imgpipe/internal/fsutil"
	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// StagingPrefix marks in-progress outputs. Walkers ignore files carrying it.
const StagingPrefix = ".partial-"

const stagingIDLen = 8

// Diagnostic is what a finished tool invocation left behind.
type Diagnostic struct {
	Stderr  []byte
	ExitErr error // non-nil when the process exited unsuccessfully
}

// Classifier decides whether a tool invocation succeeded.
type Classifier func(d Diagnostic) bool

// EmptyDiagnostic is the default success predicate: a tool succeeded when it
// wrote nothing to stderr, whatever its exit status. Warnings and fatal
// errors are indistinguishable under this policy; both quarantine the input.
func EmptyDiagnostic(d Diagnostic) bool {
	return len(d.Stderr) == 0
}

// ExitStatus treats a zero exit status as success and ignores stderr.
func ExitStatus(d Diagnostic) bool {
	return d.ExitErr == nil
}

// ExecOption configures a CommandExecutor.
type ExecOption func(*CommandExecutor)

// WithClassifier replaces the success predicate.
func WithClassifier(c Classifier) ExecOption {
	return func(e *CommandExecutor) { e.classify = c }
}

// WithExecLogger sets the executor's logger.
func WithExecLogger(l *slog.Logger) ExecOption {
	return func(e *CommandExecutor) { e.log = l }
}

// CommandExecutor runs a job's command as a subprocess and applies the
// success or recovery path. It never creates directories: the mirror and
// quarantine must exist before the job is dispatched.
type CommandExecutor struct {
	recorder Recorder
	classify Classifier
	log      *slog.Logger
}

// NewCommandExecutor returns an executor that reports failures to rec.
func NewCommandExecutor(rec Recorder, opts ...ExecOption) *CommandExecutor {
	e := &CommandExecutor{
		recorder: rec,
		classify: EmptyDiagnostic,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Execute runs job to a terminal outcome. Exactly one of the success path or
// the failure path runs.
func (e *CommandExecutor) Execute(ctx context.Context, job types.ConversionJob) Result {
	start := time.Now()
	staging := stagingPath(job.OutputPath)
	argv := job.Command.Argv(job.SourceFile, staging)

	diag, err := run(ctx, argv)
	if ctx.Err() != nil {
		return e.abort(ctx, job, staging, start)
	}
	if err != nil {
		return e.fail(job, staging, err.Error(), start)
	}
	if !e.classify(diag) {
		text := string(diag.Stderr)
		if text == "" && diag.ExitErr != nil {
			text = diag.ExitErr.Error()
		}
		return e.fail(job, staging, text, start)
	}

	if fsutil.Exists(staging) {
		if err := os.Rename(staging, job.OutputPath); err != nil {
			return e.fail(job, staging, fmt.Sprintf("promote output: %v", err), start)
		}
	}
	if job.PostAction != nil {
		if err := job.PostAction.Run(); err != nil {
			return e.fail(job, staging, fmt.Sprintf("post action %s: %v", job.PostAction, err), start)
		}
	}

	e.log.Debug("Conversion succeeded", "output", job.OutputPath, "duration", time.Since(start))
	return Result{
		Job:      job,
		Outcome:  types.OutcomeSucceeded,
		Duration: time.Since(start),
	}
}

// fail records the failure, quarantines the source and removes any output.
// Files that are already gone are skipped silently.
func (e *CommandExecutor) fail(job types.ConversionJob, staging, diagnostic string, start time.Time) Result {
	rec := types.FailureRecord{
		Stage:         job.Stage,
		Command:       job.CommandLine(),
		Diagnostic:    strings.TrimRight(diagnostic, "\n"),
		SourceFile:    job.SourceFile,
		RemovedOutput: job.OutputPath,
		Time:          time.Now(),
	}
	rec.QuarantinePath, rec.Diagnostic = recoverJob(job, rec.Diagnostic, staging, job.OutputPath)

	if e.recorder != nil {
		e.recorder.RecordFailure(rec)
	}
	e.log.Warn("Conversion failed, input quarantined",
		"stage", job.Stage,
		"source", job.SourceFile,
		"quarantine", rec.QuarantinePath)

	return Result{
		Job:        job,
		Outcome:    types.OutcomeFailed,
		Diagnostic: rec.Diagnostic,
		Duration:   time.Since(start),
	}
}

// recoverJob moves the job's source into quarantine under a name no other
// failure holds, then deletes the given outputs. It returns where the source
// went, empty when this job found nothing to move (a sibling derivative job
// may already have quarantined it), and diagnostic with any recovery errors
// appended.
func recoverJob(job types.ConversionJob, diagnostic string, outputs ...string) (string, string) {
	var (
		quarantined  string
		recoveryErrs []string
	)
	if fsutil.Exists(job.SourceFile) {
		dst, err := fsutil.MoveUnique(job.SourceFile, job.QuarantinePath())
		quarantined = dst
		if err != nil {
			recoveryErrs = append(recoveryErrs, fmt.Sprintf("quarantine %s: %v", job.SourceFile, err))
		}
	}
	for _, path := range outputs {
		if _, err := fsutil.RemoveIfExists(path); err != nil {
			recoveryErrs = append(recoveryErrs, fmt.Sprintf("remove %s: %v", path, err))
		}
	}
	if len(recoveryErrs) > 0 {
		diagnostic += "\nRecovery errors:\n" + strings.Join(recoveryErrs, "\n")
	}
	return quarantined, diagnostic
}

// stagingFiles lists staging files left for output by an executor that never
// reached its own cleanup.
func stagingFiles(output string) []string {
	dir, name := filepath.Split(output)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		n := e.Name()
		if len(n) == len(StagingPrefix)+stagingIDLen+1+len(name) &&
			strings.HasPrefix(n, StagingPrefix) && strings.HasSuffix(n, "-"+name) {
			paths = append(paths, filepath.Join(dir, n))
		}
	}
	return paths
}

// abort handles a job whose tool was killed because the run was cancelled.
// The source stays where it is so the next run picks it up again.
func (e *CommandExecutor) abort(ctx context.Context, job types.ConversionJob, staging string, start time.Time) Result {
	if _, err := fsutil.RemoveIfExists(staging); err != nil {
		e.log.Error("Failed to remove staging output", "path", staging, "error", err)
	}
	if e.recorder != nil {
		e.recorder.RecordFailure(types.FailureRecord{
			Stage:      job.Stage,
			Command:    job.CommandLine(),
			Diagnostic: "interrupted: " + ctx.Err().Error(),
			SourceFile: job.SourceFile,
			Time:       time.Now(),
		})
	}
	e.log.Warn("Conversion interrupted", "stage", job.Stage, "source", job.SourceFile)
	return Result{
		Job:      job,
		Outcome:  types.OutcomeFailed,
		Error:    ctx.Err(),
		Duration: time.Since(start),
	}
}

// run starts argv, discards stdout and reads stderr until the process
// closes it. The returned error is non-nil only when the process could not
// be started.
func run(ctx context.Context, argv []string) (Diagnostic, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Diagnostic{}, err
	}
	if err := cmd.Start(); err != nil {
		return Diagnostic{}, err
	}

	var buf bytes.Buffer
	_, readErr := io.Copy(&buf, stderr)
	waitErr := cmd.Wait()
	if readErr != nil && waitErr == nil {
		waitErr = readErr
	}
	return Diagnostic{Stderr: buf.Bytes(), ExitErr: waitErr}, nil
}

func stagingPath(output string) string {
	dir, name := filepath.Split(output)
	return filepath.Join(dir, StagingPrefix+uuid.NewString()[:stagingIDLen]+"-"+name)
}
