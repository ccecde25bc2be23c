// ============================================================================
// imgpipe Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in its own goroutine and owns one claimed job
//           at a time until it is terminal
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for {                        │   │
//   │  │   job := queue.Claim()       │   │
//   │  │   ├─ executor.Execute(job)   │   │
//   │  │   ├─ report result           │   │
//   │  │   └─ queue.MarkDone()        │   │
//   │  │ }                            │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// MarkDone is deferred around every execution, so neither a failed job nor
// a panicking executor can leak an outstanding count and hang the barrier.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// Worker represents a work execution unit.
type Worker struct {
	id   int   // Worker unique identifier, used for logging
	pool *Pool // owning pool: queue, executor and hooks
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run claims and executes jobs until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.pool.queue.Claim(ctx)
		if err != nil {
			return
		}
		w.process(ctx, job)
	}
}

// process executes one job, publishes its result and always marks it done.
// The result hook runs before MarkDone so observers are complete once the
// stage barrier releases.
func (w *Worker) process(ctx context.Context, job types.ConversionJob) {
	defer w.pool.queue.MarkDone()

	result := w.execute(ctx, job)
	if w.pool.onResult != nil {
		w.pool.onResult(result)
	}
}

func (w *Worker) execute(ctx context.Context, job types.ConversionJob) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = w.fault(job, r, start)
		}
	}()

	result = w.pool.executor.Execute(ctx, job)
	result.Job = job
	result.WorkerID = w.id
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	return result
}

// fault converts a recovered panic into a failure result and record. The
// executor never reached its own recovery, so the job is recovered here: the
// source is quarantined and any staging or declared output removed.
func (w *Worker) fault(job types.ConversionJob, r any, start time.Time) Result {
	w.pool.faults.Add(1)
	err := fmt.Errorf("executor panic: %v", r)
	w.pool.log.Error("Worker recovered from executor panic",
		"worker", w.id,
		"job", job.String(),
		"panic", r,
		"stack", string(debug.Stack()))

	outputs := append(stagingFiles(job.OutputPath), job.OutputPath)
	quarantined, diagnostic := recoverJob(job, err.Error(), outputs...)

	if w.pool.faultRecorder != nil {
		w.pool.faultRecorder.RecordFailure(types.FailureRecord{
			Stage:          job.Stage,
			Command:        job.CommandLine(),
			Diagnostic:     diagnostic,
			SourceFile:     job.SourceFile,
			QuarantinePath: quarantined,
			RemovedOutput:  job.OutputPath,
			Time:           time.Now(),
		})
	}

	return Result{
		Job:        job,
		WorkerID:   w.id,
		Outcome:    types.OutcomeFault,
		Error:      err,
		Diagnostic: diagnostic,
		Duration:   time.Since(start),
	}
}
