// Package tasks runs detached background work, such as cache revalidation,
// on a bounded worker pool with its own error boundary.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatus/internal/observability"
)

// Task is a unit of background work. Its context is detached from the request
// that scheduled it and is cancelled only when the queue shuts down or the
// task timeout elapses.
type Task func(ctx context.Context) error

// Config holds worker pool options.
type Config struct {
	// Workers is the number of goroutines running tasks (default: 4)
	Workers int

	// QueueSize is the number of tasks that may wait for a worker (default: 256)
	QueueSize int

	// TaskTimeout bounds a single task (default: 30s)
	TaskTimeout time.Duration
}

type job struct {
	id   string
	name string
	fn   Task
}

// Queue is a bounded background executor. Task errors and panics are caught
// and logged so they never surface to a page.
type Queue struct {
	cfg     Config
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	jobs    chan job
	workers sync.WaitGroup
	submits sync.WaitGroup // tracks in-flight Submit calls
	closed  atomic.Bool

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
}

// NewQueue starts the worker pool.
func NewQueue(cfg Config, metrics *observability.Metrics) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan job, cfg.QueueSize),
	}
	q.idle = sync.NewCond(&q.mu)

	for i := 0; i < cfg.Workers; i++ {
		q.workers.Add(1)
		go q.work()
	}
	return q
}

// Submit schedules fn without blocking. It returns false if the queue is full
// or closed; the task is then dropped and the caller decides what to do.
func (q *Queue) Submit(name string, fn Task) bool {
	if q.closed.Load() {
		return false
	}

	q.submits.Add(1)
	defer q.submits.Done()

	// Close() may have started between the first check and Add(1).
	if q.closed.Load() {
		return false
	}

	q.mu.Lock()
	q.pending++
	q.mu.Unlock()

	select {
	case q.jobs <- job{id: uuid.NewString(), name: name, fn: fn}:
		q.metrics.SetQueueLength(len(q.jobs))
		return true
	default:
		q.done()
		slog.Warn("background queue full, dropping task", "task", name)
		q.metrics.BackgroundTask("dropped")
		return false
	}
}

// Wait blocks until every submitted task has finished.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 {
		q.idle.Wait()
	}
}

// Pending returns the number of submitted tasks that have not finished.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close stops accepting tasks, runs the ones already queued and stops the workers.
// Close is idempotent.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	q.submits.Wait()
	close(q.jobs)
	q.workers.Wait()
	q.cancel()
	return nil
}

func (q *Queue) work() {
	defer q.workers.Done()
	for j := range q.jobs {
		q.metrics.SetQueueLength(len(q.jobs))
		q.run(j)
		q.done()
	}
}

// run executes one job inside the error boundary.
func (q *Queue) run(j job) {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.TaskTimeout)
	defer cancel()

	err := safeCall(ctx, j.fn)
	switch {
	case err == nil:
		q.metrics.BackgroundTask("ok")
	case isPanic(err):
		slog.Error("background task panicked", "task", j.name, "task_id", j.id, "error", err)
		q.metrics.BackgroundTask("panic")
	default:
		slog.Debug("background task failed", "task", j.name, "task_id", j.id, "error", err)
		q.metrics.BackgroundTask("error")
	}
}

func (q *Queue) done() {
	q.mu.Lock()
	q.pending--
	if q.pending == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.value, e.stack)
}

func isPanic(err error) bool {
	_, ok := err.(*panicError)
	return ok
}

func safeCall(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
