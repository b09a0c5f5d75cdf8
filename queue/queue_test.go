package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_Enqueue_And_Close(t *testing.T) {
	q := New(8)
	q.Start()
	defer q.Close()

	var count int64
	for i := 0; i < 10; i++ {
		if err := q.Enqueue(Func(func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		})); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := q.RunSync(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("barrier: %v", err)
	}

	if c := atomic.LoadInt64(&count); c != 10 {
		t.Fatalf("want 10 ops applied, got %d", c)
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := New(4)
	q.Start()
	defer q.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		if err := q.Enqueue(Func(func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.RunSync(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("barrier: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestQueue_RunSyncReturnsError(t *testing.T) {
	q := New(1)
	q.Start()
	defer q.Close()

	want := errors.New("boom")
	if err := q.RunSync(func(ctx context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("RunSync err = %v, want %v", err, want)
	}
}

func TestQueue_OnError(t *testing.T) {
	q := New(1)
	got := make(chan error, 1)
	q.OnError(func(err error) { got <- err })
	q.Start()
	defer q.Close()

	want := errors.New("async failure")
	if err := q.Enqueue(Func(func(ctx context.Context) error { return want })); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case err := <-got:
		if !errors.Is(err, want) {
			t.Fatalf("OnError got %v, want %v", err, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnError")
	}
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := New(1)
	q.Start()
	q.Close()

	if !q.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	if err := q.Enqueue(Func(func(ctx context.Context) error { return nil })); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after Close err = %v, want ErrClosed", err)
	}
}

func TestQueue_NilQueue(t *testing.T) {
	var q *Queue
	if err := q.Enqueue(Func(func(ctx context.Context) error { return nil })); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("nil queue Enqueue err = %v", err)
	}
	q.Close()
}
