package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"telegram-ingest-fabric/internal/infra/ingesterror"
	"telegram-ingest-fabric/internal/infra/worker"
)

// fakeQueue is an in-memory queue.Queue: a plain slice guarded by a mutex,
// enough to drive Class.Run without a Redis instance.
type fakeQueue struct {
	mu    sync.Mutex
	items []string
}

func (q *fakeQueue) Put(_ context.Context, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, value)
	return nil
}

func (q *fakeQueue) Insert(_ context.Context, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]string{value}, q.items...)
	return nil
}

func (q *fakeQueue) Get(_ context.Context) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

func (q *fakeQueue) QSize(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *fakeQueue) Delete(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	return nil
}

func (q *fakeQueue) Name() string { return "fake_queue" }

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// fakeStatus is an in-memory StatusStore.
type fakeStatus struct {
	mu   sync.Mutex
	vals map[string]string
}

func newFakeStatus() *fakeStatus { return &fakeStatus{vals: make(map[string]string)} }

func (s *fakeStatus) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[key], nil
}

func (s *fakeStatus) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
	return nil
}

// TestClass_AtLeastOnceDelivery exercises invariant 1: a message that fails
// any number of times is never lost — it keeps reappearing on the queue
// until a Handler finally accepts it.
func TestClass_AtLeastOnceDelivery(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	if err := q.Put(context.Background(), "payload-1"); err != nil {
		t.Fatalf("seed put: %v", err)
	}

	const failuresBeforeSuccess = 3
	var attempts int
	var mu sync.Mutex
	done := make(chan struct{})

	c := &worker.Class{
		Name:   "t1",
		Queue:  q,
		Status: newFakeStatus(),
		Handler: func(_ context.Context, payload string) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if payload != "payload-1" {
				t.Errorf("unexpected payload %q", payload)
			}
			if n <= failuresBeforeSuccess {
				return ingesterror.New(ingesterror.Transient, errors.New("not yet"))
			}
			close(done)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded: message may have been lost")
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != failuresBeforeSuccess+1 {
		t.Fatalf("attempts = %d, want %d", got, failuresBeforeSuccess+1)
	}

	// Give Run one more idle-poll cycle to persist status before we cancel.
	time.Sleep(20 * time.Millisecond)
	if n := q.len(); n != 0 {
		t.Fatalf("queue should be drained after success, has %d items", n)
	}
}

// TestClass_TerminalErrorDropsMessage exercises the documented exception to
// at-least-once: a Handler-classified NotFound/QuotaExhausted error is the
// Handler's own decision to drop, not a transient failure to retry.
func TestClass_TerminalErrorDropsMessage(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	if err := q.Put(context.Background(), "payload-x"); err != nil {
		t.Fatalf("seed put: %v", err)
	}

	var calls int
	var mu sync.Mutex
	c := &worker.Class{
		Name:   "t2",
		Queue:  q,
		Status: newFakeStatus(),
		Handler: func(_ context.Context, _ string) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return ingesterror.New(ingesterror.NotFound, errors.New("row gone"))
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 1 {
		t.Fatalf("handler should be invoked exactly once for a dropped message, got %d calls", n)
	}
	if qn := q.len(); qn != 0 {
		t.Fatalf("dropped message must not remain on the queue, got %d items", qn)
	}
}
