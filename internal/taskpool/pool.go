// Package taskpool runs blocking work on a bounded set of slots so that slow
// operations never tie up connection handling.
//
// Submissions beyond the pool size wait in FIFO order. A failure or panic in
// one task is captured on that task and reported only to its submitter.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolClosed is reported by tasks submitted to, or still queued in, a
	// closed pool.
	ErrPoolClosed = errors.New("taskpool: pool closed")
	// ErrTaskTimeout is reported when a task outlives the pool's task deadline.
	ErrTaskTimeout = errors.New("taskpool: task deadline exceeded")
)

// Status is the lifecycle state of a Task.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Work is a blocking unit of work. The context is cancelled when the task
// deadline passes or the pool is force-closed.
type Work func(ctx context.Context) (any, error)

// TaskFailure wraps the error or panic raised by a task's work.
type TaskFailure struct {
	TaskID string
	Err    error
	Panic  any
}

func (f *TaskFailure) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("task %s panicked: %v", f.TaskID, f.Panic)
	}
	return fmt.Sprintf("task %s failed: %v", f.TaskID, f.Err)
}

func (f *TaskFailure) Unwrap() error { return f.Err }

// Task is the submitter's handle on one unit of work.
type Task struct {
	ID          string
	SubmittedAt time.Time

	work   Work
	status atomic.Int32
	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

// Status returns the task's current state.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// Done is closed once the task has a result.
func (t *Task) Done() <-chan struct{} { return t.done }

// Await blocks until the task finishes and returns its result. A failed task
// yields a *TaskFailure; a task the pool never started yields ErrPoolClosed.
// If ctx ends first, Await returns ctx.Err() and the
// task keeps running.
func (t *Task) Await(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) finish(result any, err error) bool {
	first := false
	t.once.Do(func() {
		first = true
		t.result, t.err = result, err
		if err != nil {
			t.status.Store(int32(StatusFailed))
		} else {
			t.status.Store(int32(StatusDone))
		}
		close(t.done)
	})
	return first
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Size        int `json:"size"`
	Pending     int `json:"pending"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	PeakRunning int `json:"peak_running"`
}

// Pool is a bounded executor. It is safe for concurrent use.
type Pool struct {
	size    int64
	slots   *semaphore.Weighted
	timeout time.Duration
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []*Task
	closed  bool
	running int
	stats   Stats
}

// Option configures a Pool.
type Option func(*Pool)

// WithTaskTimeout bounds each task's running time. Zero disables it.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) {
		p.log = l
	}
}

// New creates a pool with size slots. Sizes below one are raised to one.
func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:   int64(size),
		slots:  semaphore.NewWeighted(int64(size)),
		log:    zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
	}
	p.stats.Size = size
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// Submit queues work and returns immediately. Only the returned handle can
// observe the result.
func (p *Pool) Submit(id string, work Work) *Task {
	t := &Task{
		ID:          id,
		SubmittedAt: time.Now(),
		work:        work,
		done:        make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.finish(nil, ErrPoolClosed)
		return t
	}
	p.queue = append(p.queue, t)
	p.dispatchLocked()
	p.mu.Unlock()

	return t
}

// dispatchLocked starts queued tasks in order while slots are free.
func (p *Pool) dispatchLocked() {
	for len(p.queue) > 0 && !p.closed {
		if !p.slots.TryAcquire(1) {
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		p.running++
		if p.running > p.stats.PeakRunning {
			p.stats.PeakRunning = p.running
		}
		t.status.Store(int32(StatusRunning))
		go p.run(t)
	}
}

func (p *Pool) run(t *Task) {
	ctx, cancel := context.WithCancel(p.ctx)
	var timer *time.Timer
	if p.timeout > 0 {
		timer = time.AfterFunc(p.timeout, func() {
			if t.finish(nil, &TaskFailure{TaskID: t.ID, Err: ErrTaskTimeout}) {
				p.log.Warn().Str("task_id", t.ID).Dur("timeout", p.timeout).Msg("task deadline exceeded")
			}
			cancel()
		})
	}

	start := time.Now()
	result, err := p.invoke(ctx, t)
	if timer != nil {
		timer.Stop()
	}
	cancel()

	var failure *TaskFailure
	if err != nil && !errors.As(err, &failure) {
		err = &TaskFailure{TaskID: t.ID, Err: err}
	}
	t.finish(result, err)

	p.mu.Lock()
	p.running--
	if t.Status() == StatusFailed {
		p.stats.Failed++
	} else {
		p.stats.Completed++
	}
	p.slots.Release(1)
	p.dispatchLocked()
	p.mu.Unlock()

	p.log.Debug().Str("task_id", t.ID).Dur("elapsed", time.Since(start)).Str("status", t.Status().String()).Msg("task finished")
}

// invoke runs the work, converting a panic into a TaskFailure.
func (p *Pool) invoke(ctx context.Context, t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("task_id", t.ID).Interface("panic", r).Msg("recovered from panic in task")
			result = nil
			err = &TaskFailure{TaskID: t.ID, Panic: r, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return t.work(ctx)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pending = len(p.queue)
	s.Running = p.running
	return s
}

// Close stops accepting work, fails every queued task with ErrPoolClosed and
// waits for running tasks to return. If ctx ends first, running tasks have
// their contexts cancelled and ctx.Err() is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, t := range pending {
		t.finish(nil, ErrPoolClosed)
	}
	if len(pending) > 0 {
		p.log.Info().Int("pending", len(pending)).Msg("discarded queued tasks")
	}

	if err := p.slots.Acquire(ctx, p.size); err != nil {
		p.cancel()
		return fmt.Errorf("taskpool: waiting for running tasks: %w", err)
	}
	p.cancel()
	return nil
}
