// Package queue serializes mutations of the recall graph onto a single
// worker goroutine so that the audio thread never races a topology change
// against another topology change.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue and RunSync after Close.
var ErrClosed = errors.New("queue closed")

// ErrNotInitialized is returned when a nil or zero Queue is used.
var ErrNotInitialized = errors.New("queue not initialized")

// Op is a graph mutation operation. It should be quick and must not block on
// the audio thread; any heavy work should be prepared in advance. It receives
// a context that is canceled on shutdown.
// It returns an error only for unrecoverable failures; idempotent no-ops
// should return nil.
type Op interface {
	Apply(ctx context.Context) error
}

// Func adapts a function into an Op.
type Func func(ctx context.Context) error

func (f Func) Apply(ctx context.Context) error { return f(ctx) }

// ErrorFunc receives errors returned by asynchronously enqueued ops.
type ErrorFunc func(error)

// Queue serializes operations onto a single goroutine in FIFO order.
// Use Enqueue to push operations, RunSync to wait for one, and Close to drain.
type Queue struct {
	ch      chan Op
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	onError ErrorFunc
}

// New creates a queue with a fixed buffer.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ch: make(chan Op, buffer), ctx: ctx, cancel: cancel}
}

// OnError installs a callback for errors returned by ops. Call before Start.
func (q *Queue) OnError(fn ErrorFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = fn
}

// Start begins the worker goroutine. Safe to call multiple times.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.loop(q.onError)
}

func (q *Queue) loop(onError ErrorFunc) {
	defer q.wg.Done()
	apply := func(op Op) {
		if op == nil {
			return
		}
		if err := op.Apply(q.ctx); err != nil && onError != nil {
			onError(err)
		}
	}
	for {
		select {
		case <-q.ctx.Done():
			// drain outstanding ops best-effort with short deadline
			drainUntil := time.After(10 * time.Millisecond)
			for {
				select {
				case op := <-q.ch:
					apply(op)
				case <-drainUntil:
					return
				default:
					return
				}
			}
		case op := <-q.ch:
			apply(op)
		}
	}
}

// Enqueue adds an operation to the queue.
func (q *Queue) Enqueue(op Op) error {
	if q == nil || q.ch == nil {
		return ErrNotInitialized
	}
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case q.ch <- op:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// RunSync enqueues fn and waits for it to complete, returning its error.
// It must not be called from inside an op running on the same queue.
func (q *Queue) RunSync(fn Func) error {
	if q == nil || q.ch == nil {
		return ErrNotInitialized
	}
	done := make(chan error, 1)
	if err := q.Enqueue(Func(func(ctx context.Context) error {
		err := fn(ctx)
		// Non-blocking send in case caller gave up
		select {
		case done <- err:
		default:
		}
		return nil
	})); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-q.ctx.Done():
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	if q == nil {
		return true
	}
	return q.ctx.Err() != nil
}

// Close stops the worker and waits for it to finish.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}
