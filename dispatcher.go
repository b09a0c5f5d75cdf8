package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaban/sequencer/queue"
)

// DispatcherStats summarizes dispatcher performance.
type DispatcherStats struct {
	Last       time.Duration `json:"last"`
	Max        time.Duration `json:"max"`
	Budget     time.Duration `json:"budget"`
	Operations uint64        `json:"operations"`
	Slow       uint64        `json:"slow"`
}

// Dispatcher serializes every mutation of the recall graph onto one
// goroutine. Ticks never go through it.
type Dispatcher struct {
	size    int
	budget  time.Duration
	errs    ErrorHandler
	metrics MetricsHook
	after   func()

	mu        sync.RWMutex
	q         *queue.Queue
	isRunning bool

	// Performance tracking
	lastOperationDuration time.Duration
	maxOperationDuration  time.Duration
	operations            uint64
	slow                  uint64
}

// NewDispatcher creates a stopped dispatcher. Operations slower than budget
// are reported to errs.
func NewDispatcher(size int, budget time.Duration, errs ErrorHandler, metrics MetricsHook) *Dispatcher {
	if budget <= 0 {
		budget = 300 * time.Millisecond
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Dispatcher{size: size, budget: budget, errs: errs, metrics: metrics}
}

// AfterEach installs fn to run on the dispatcher goroutine after every
// operation. Call before Start.
func (d *Dispatcher) AfterEach(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.after = fn
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}
	d.q = queue.New(d.size)
	d.q.OnError(d.handle)
	d.q.Start()
	d.isRunning = true
	return nil
}

// Stop drains and halts the dispatcher.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	q := d.q
	d.isRunning = false
	d.mu.Unlock()
	q.Close()
	return nil
}

// IsRunning returns whether the dispatcher is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// GetPerformanceStats returns dispatcher performance statistics.
func (d *Dispatcher) GetPerformanceStats() DispatcherStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DispatcherStats{
		Last:       d.lastOperationDuration,
		Max:        d.maxOperationDuration,
		Budget:     d.budget,
		Operations: d.operations,
		Slow:       d.slow,
	}
}

func (d *Dispatcher) current() (*queue.Queue, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.isRunning {
		return nil, ErrEngineClosed
	}
	return d.q, nil
}

// Do runs fn on the dispatcher goroutine and waits for its result. It must
// not be called from inside another operation.
func (d *Dispatcher) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := d.current()
	if err != nil {
		return err
	}
	err = q.RunSync(func(context.Context) error {
		return d.execute(ctx, name, fn)
	})
	if errors.Is(err, queue.ErrClosed) {
		return fmt.Errorf("%s: %w", name, ErrEngineClosed)
	}
	return err
}

// Post enqueues fn without waiting. Its error goes to the error handler.
func (d *Dispatcher) Post(name string, fn func(ctx context.Context) error) error {
	q, err := d.current()
	if err != nil {
		return err
	}
	if err := q.Enqueue(queue.Func(func(ctx context.Context) error {
		return d.execute(ctx, name, fn)
	})); err != nil {
		return fmt.Errorf("%s: %w", name, ErrEngineClosed)
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	d.mu.Lock()
	d.lastOperationDuration = duration
	if duration > d.maxOperationDuration {
		d.maxOperationDuration = duration
	}
	d.operations++
	slow := duration > d.budget
	if slow {
		d.slow++
	}
	after := d.after
	d.mu.Unlock()

	if slow {
		d.handle(fmt.Errorf("operation %s took %v, target is sub-%v", name, duration, d.budget))
	}
	d.metrics.OnOperation(name, duration, err)
	if after != nil {
		after()
	}
	return err
}

func (d *Dispatcher) handle(err error) {
	if d.errs != nil && err != nil {
		d.errs.HandleError(err)
	}
}
