package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, backpressure, barrier, fault isolation
// ============================================================================

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// collector is a concurrency-safe Recorder for tests.
type collector struct {
	mu      sync.Mutex
	records []types.FailureRecord
}

func (c *collector) RecordFailure(rec types.FailureRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *collector) all() []types.FailureRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.FailureRecord(nil), c.records...)
}

func succeed(ctx context.Context, job types.ConversionJob) Result {
	return Result{Job: job, Outcome: types.OutcomeSucceeded}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, ExecutorFunc(succeed))
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, ExecutorFunc(succeed))

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(4))

	pool.Stop()
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	pool := NewPool(1, ExecutorFunc(succeed))
	assert.Error(t, pool.Start(0))
	assert.False(t, pool.IsStarted())
}

func TestWorkerExecution(t *testing.T) {
	var mu sync.Mutex
	results := make(map[string]Result)
	pool := NewPool(4, ExecutorFunc(succeed), WithResultHook(func(r Result) {
		mu.Lock()
		results[r.Job.SourceFile] = r
		mu.Unlock()
	}))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx := context.Background()
	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(ctx, testJob(i)))
	}
	require.NoError(t, pool.AwaitCompletion(ctx))

	// The hook runs before MarkDone, so every result is visible here.
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, results, taskCount)
	for _, r := range results {
		assert.True(t, r.Success())
		assert.Equal(t, 0, r.WorkerID)
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	workerCount := 8
	taskCount := 64

	var running, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, job types.ConversionJob) Result {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return Result{Outcome: types.OutcomeSucceeded}
	})

	pool := NewPool(workerCount, exec)
	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(ctx, testJob(i)))
	}
	require.NoError(t, pool.AwaitCompletion(ctx))
	duration := time.Since(start)

	t.Logf("Processed %d jobs in %v with %d workers (peak %d)", taskCount, duration, workerCount, peak.Load())
	assert.LessOrEqual(t, peak.Load(), int32(workerCount))
	assert.Greater(t, peak.Load(), int32(1), "jobs should run in parallel")
	// Serial execution would take ~1.3s.
	assert.Less(t, duration, 1*time.Second)
}

// TestPoolBackpressure: N busy workers and N buffered jobs; the next submit
// blocks until a worker completes.
func TestPoolBackpressure(t *testing.T) {
	const n = 2
	release := make(chan struct{})
	var started atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, job types.ConversionJob) Result {
		started.Add(1)
		<-release
		return Result{Outcome: types.OutcomeSucceeded}
	})

	pool := NewPool(n, exec)
	require.NoError(t, pool.Start(n))
	defer pool.Stop()
	ctx := context.Background()

	for i := 0; i < n; i++ {
		require.NoError(t, pool.Submit(ctx, testJob(i)))
	}
	require.Eventually(t, func() bool { return started.Load() == n }, 2*time.Second, 5*time.Millisecond)

	for i := n; i < 2*n; i++ {
		require.NoError(t, pool.Submit(ctx, testJob(i)))
	}
	assert.Equal(t, n, pool.QueueDepth())

	blocked := make(chan error, 1)
	go func() { blocked <- pool.Submit(ctx, testJob(2*n)) }()

	select {
	case <-blocked:
		t.Fatal("submit should block while the queue is full and every worker is busy")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-blocked:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit should unblock once a worker completes")
	}
	require.NoError(t, pool.AwaitCompletion(ctx))
}

// ============================================================================
// Fault Isolation Tests
// ============================================================================

func TestWorkerRecoversFromPanic(t *testing.T) {
	rec := &collector{}
	var outcomes sync.Map
	exec := ExecutorFunc(func(ctx context.Context, job types.ConversionJob) Result {
		if job.FileName == "1.tif" {
			panic("boom")
		}
		return Result{Outcome: types.OutcomeSucceeded}
	})

	pool := NewPool(2, exec, WithFaultRecorder(rec), WithResultHook(func(r Result) {
		outcomes.Store(r.Job.FileName, r.Outcome)
	}))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(ctx, testJob(i)))
	}

	// The barrier must release even though one job panicked.
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, pool.AwaitCompletion(waitCtx))

	assert.Equal(t, int64(1), pool.Faults())
	records := rec.all()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Diagnostic, "boom")
	assert.Equal(t, "/src/1.tif", records[0].SourceFile)

	got, _ := outcomes.Load("1.tif")
	assert.Equal(t, types.OutcomeFault, got)
	got, _ = outcomes.Load("2.tif")
	assert.Equal(t, types.OutcomeSucceeded, got, "the worker keeps running after a fault")
}

// TestWorkerFaultRecoversJob: a panicking executor still leaves the input
// in quarantine and no staging file behind.
func TestWorkerFaultRecoversJob(t *testing.T) {
	f := newFixture(t, fakeCompress)
	rec := &collector{}
	job := f.job(t, "1.tif")

	exec := ExecutorFunc(func(ctx context.Context, job types.ConversionJob) Result {
		assert.NoError(t, os.WriteFile(stagingPath(job.OutputPath), []byte("half"), 0o644))
		panic("decoder state corrupt")
	})
	var result Result
	pool := NewPool(1, exec, WithFaultRecorder(rec), WithResultHook(func(r Result) { result = r }))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Submit(ctx, job))
	require.NoError(t, pool.AwaitCompletion(ctx))

	assert.Equal(t, types.OutcomeFault, result.Outcome)
	assert.NoFileExists(t, job.SourceFile)
	assert.FileExists(t, job.QuarantinePath())
	assert.Empty(t, stagingLeftovers(t, f.dst))

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, job.QuarantinePath(), records[0].QuarantinePath)
	assert.Contains(t, records[0].Diagnostic, "decoder state corrupt")
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, ExecutorFunc(succeed))
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, ExecutorFunc(succeed))
	err := pool.Submit(context.Background(), testJob(0))
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, ExecutorFunc(succeed))
	require.NoError(t, pool.Start(2))

	pool.Stop()

	err := pool.Submit(context.Background(), testJob(0))
	assert.Equal(t, ErrPoolClosed, err)
}

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(4, ExecutorFunc(succeed))
	require.NoError(t, pool.Start(4))

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop should return once idle workers exit")
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(64, ExecutorFunc(succeed))
	pool.Start(8)
	defer pool.Stop()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(ctx, testJob(i))
	}
	pool.AwaitCompletion(ctx)
}
