// ============================================================================
// imgpipe Worker Pool - Concurrent Conversion Executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of N worker goroutines bound to one Queue
//
// Architecture:
//   ┌─────────────┐
//   │  Pipeline   │ --Submit()--> Queue (cap = N)
//   └─────────────┘                 │
//         │                         ├──> Worker 1 ─┐
//   AwaitCompletion()               ├──> Worker 2 ─┼──> Executor
//         │                         └──> Worker N ─┘
//         └──── blocks until every submitted job is marked done
//
// Lifecycle:
//   1. NewPool(bufferSize, exec) - create the pool and its queue
//   2. Start(n)                  - launch n workers
//   3. Submit(ctx, job)          - enqueue, blocking while the queue is full
//   4. AwaitCompletion(ctx)      - stage barrier
//   5. Stop()                    - close the queue and wait for workers
//
// A pool that is never stopped does not keep the process alive; workers are
// plain goroutines parked on Claim.
//
// Fault isolation:
//   A panic inside the executor is recovered by the worker, counted in
//   Faults(), recorded through the fault recorder, and the job is still marked
//   done. The worker keeps running.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used by workers.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithResultHook registers fn to observe every job result. fn is called from
// worker goroutines and must be safe for concurrent use.
func WithResultHook(fn func(Result)) Option {
	return func(p *Pool) { p.onResult = fn }
}

// WithFaultRecorder routes recovered executor panics to r as failure records.
func WithFaultRecorder(r Recorder) Option {
	return func(p *Pool) { p.faultRecorder = r }
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	queue         *Queue         // 共享的有界任務佇列
	executor      Executor       // 實際執行任務的邏輯
	workers       []*Worker      // Worker 列表
	wg            sync.WaitGroup // 等待所有 Worker 完成的同步工具
	ctx           context.Context
	cancel        context.CancelFunc
	started       bool       // 標誌 Pool 是否已啟動
	stopped       bool       // 標誌 Pool 是否已停止
	mu            sync.Mutex // 保護 started 和 stopped 狀態的互斥鎖
	faults        atomic.Int64
	log           *slog.Logger
	onResult      func(Result)
	faultRecorder Recorder
}

// NewPool builds a pool whose queue buffers at most bufferSize jobs.
func NewPool(bufferSize int, executor Executor, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:    NewQueue(bufferSize),
		executor: executor,
		workers:  make([]*Worker, 0),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit enqueues job, blocking while the queue is at capacity.
func (p *Pool) Submit(ctx context.Context, job types.ConversionJob) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	err := p.queue.Enqueue(ctx, job)
	if errors.Is(err, ErrQueueClosed) {
		return ErrPoolClosed
	}
	return err
}

// AwaitCompletion blocks until every submitted job has been marked done.
func (p *Pool) AwaitCompletion(ctx context.Context) error {
	return p.queue.AwaitCompletion(ctx)
}

// Stop closes the queue, cancels in-flight executions and waits for every
// worker goroutine to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.queue.Close()
	p.cancel()
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Faults returns how many executor panics the workers have recovered.
func (p *Pool) Faults() int64 {
	return p.faults.Load()
}

// QueueDepth returns the number of buffered jobs not yet claimed.
func (p *Pool) QueueDepth() int {
	return p.queue.Len()
}
