package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// ErrQueueClosed is returned by Enqueue and Claim once Close has been called.
var ErrQueueClosed = errors.New("task queue is closed")

// Queue is a bounded FIFO of pending conversion jobs.
//
// Capacity bounds how many jobs wait ahead of execution: Enqueue blocks the
// producer while the buffer is full. Outstanding counts jobs that were
// enqueued and not yet marked done, and drives AwaitCompletion.
type Queue struct {
	jobs   chan types.ConversionJob
	closed chan struct{}

	mu          sync.Mutex
	outstanding int
	idle        chan struct{} // closed while outstanding == 0
	closeOnce   sync.Once
}

// NewQueue creates a queue buffering at most capacity jobs.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		jobs:   make(chan types.ConversionJob, capacity),
		closed: make(chan struct{}),
		idle:   idle,
	}
}

// Enqueue adds job, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, job types.ConversionJob) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	q.mu.Lock()
	if q.outstanding == 0 {
		q.idle = make(chan struct{})
	}
	q.outstanding++
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		q.MarkDone()
		return ctx.Err()
	case <-q.closed:
		q.MarkDone()
		return ErrQueueClosed
	}
}

// Claim blocks until a job is available and hands it to exactly one caller.
func (q *Queue) Claim(ctx context.Context) (types.ConversionJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return types.ConversionJob{}, ctx.Err()
	case <-q.closed:
		return types.ConversionJob{}, ErrQueueClosed
	}
}

// MarkDone records that a claimed job reached a terminal state.
func (q *Queue) MarkDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding == 0 {
		return
	}
	q.outstanding--
	if q.outstanding == 0 {
		close(q.idle)
	}
}

// AwaitCompletion blocks until every enqueued job has been marked done.
func (q *Queue) AwaitCompletion(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close wakes blocked claimants and rejects further enqueues. Buffered jobs
// that were never claimed stay outstanding.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Len returns the number of buffered, unclaimed jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Outstanding returns the number of enqueued jobs not yet marked done.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}
