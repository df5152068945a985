package discover_test

import (
	"context"
	"sync"
	"testing"

	"telegram-ingest-fabric/internal/domain/discover"
	"telegram-ingest-fabric/internal/infra/ingesterror"
)

// fakeGlobalCount is an in-memory discover.GlobalCountStore.
type fakeGlobalCount struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeGlobalCount() *fakeGlobalCount { return &fakeGlobalCount{data: map[string]string{}} }

func (s *fakeGlobalCount) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *fakeGlobalCount) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// TestJoinWorker_ChannelsTooMuchLatchesOnce exercises scenario S5: a
// QuotaExhausted (ChannelsTooMuch) error must latch global_count["full"]
// and notify admins only on the 0->1 transition, not on every occurrence.
func TestJoinWorker_ChannelsTooMuchLatchesOnce(t *testing.T) {
	t.Parallel()

	store := newFakeGlobalCount()
	var notifications []string
	notify := func(_ context.Context, text string) error {
		notifications = append(notifications, text)
		return nil
	}

	joinPublic := func(context.Context, string) error {
		return ingesterror.New(ingesterror.QuotaExhausted, nil)
	}

	w := discover.NewJoinWorker(joinPublic, nil, store, nil, notify)

	payload := `{"kind":"public","target":"somechan"}`
	for i := 0; i < 3; i++ {
		if err := w.Handle(context.Background(), payload); err == nil {
			t.Fatal("expected the QuotaExhausted error to propagate")
		}
	}

	if got, _ := store.Get(context.Background(), "full"); got != "1" {
		t.Fatalf("global_count[full] = %q, want 1", got)
	}
	if len(notifications) != 1 {
		t.Fatalf("notify called %d times, want exactly 1 (only on the 0->1 transition)", len(notifications))
	}
}
