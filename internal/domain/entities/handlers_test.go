package entities_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"telegram-ingest-fabric/internal/domain/entities"
	"telegram-ingest-fabric/internal/infra/store"
)

// fakeDeletionStore is an in-memory stand-in for *store.MySQL's MarkDeleted,
// tracking how many times a given row's deleted bit has actually flipped.
type fakeDeletionStore struct {
	mu        sync.Mutex
	notFound  map[[2]int64]int // rows still to report ErrMessageNotFound this many more times
	markCalls map[[2]int64]int
}

func newFakeDeletionStore() *fakeDeletionStore {
	return &fakeDeletionStore{
		notFound:  make(map[[2]int64]int),
		markCalls: make(map[[2]int64]int),
	}
}

func (s *fakeDeletionStore) MarkDeleted(_ context.Context, chatID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{chatID, messageID}
	s.markCalls[key]++
	if s.notFound[key] > 0 {
		s.notFound[key]--
		return store.ErrMessageNotFound
	}
	return nil
}

func (s *fakeDeletionStore) calls(chatID, messageID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCalls[[2]int64{chatID, messageID}]
}

// TestMarkDeletedHandler_Idempotent exercises invariant 4: applying the Mark
// handler to the same (chat_id, message_id) twice must not duplicate any
// effect — MarkDeleted is called exactly once per invocation and neither
// call errors once the row exists.
func TestMarkDeletedHandler_Idempotent(t *testing.T) {
	t.Parallel()

	db := newFakeDeletionStore()
	handler := entities.MarkDeletedHandler(db, func(context.Context, string) error {
		t.Fatal("requeue should not be called once the row is found")
		return nil
	})

	payload, err := json.Marshal(entities.MarkTask{ChatID: -100, MessageID: 42})
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if err := handler(context.Background(), string(payload)); err != nil {
		t.Fatalf("first Mark call: %v", err)
	}
	if err := handler(context.Background(), string(payload)); err != nil {
		t.Fatalf("second (duplicate) Mark call: %v", err)
	}
	if got := db.calls(-100, 42); got != 2 {
		t.Fatalf("MarkDeleted invoked %d times, want 2 (once per handler call)", got)
	}
}

// TestMarkDeletedHandler_RescheduleUntilBound exercises scenario S4: a
// Delete racing ahead of the Insert worker reschedules up to MarkRetryBound
// attempts, then the row appears and the subsequent Mark run finally
// succeeds.
func TestMarkDeletedHandler_RescheduleUntilBound(t *testing.T) {
	t.Parallel()

	db := newFakeDeletionStore()
	db.notFound[[2]int64{-100, 42}] = 1 // row not yet written on the first attempt

	var requeued []entities.MarkTask
	handler := entities.MarkDeletedHandler(db, func(_ context.Context, payload string) error {
		var task entities.MarkTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			t.Fatalf("unmarshal requeued payload: %v", err)
		}
		requeued = append(requeued, task)
		return nil
	})

	payload, _ := json.Marshal(entities.MarkTask{ChatID: -100, MessageID: 42})
	if err := handler(context.Background(), string(payload)); err != nil {
		t.Fatalf("first (racing) Mark call: %v", err)
	}
	if len(requeued) != 1 || requeued[0].Attempt != 1 {
		t.Fatalf("expected exactly one reschedule with Attempt=1, got %+v", requeued)
	}

	next, _ := json.Marshal(requeued[0])
	if err := handler(context.Background(), string(next)); err != nil {
		t.Fatalf("second (post-insert) Mark call: %v", err)
	}
	if got := db.calls(-100, 42); got != 2 {
		t.Fatalf("MarkDeleted invoked %d times, want 2", got)
	}
}

func TestMarkDeletedHandler_DropsAfterRetryBound(t *testing.T) {
	t.Parallel()

	db := newFakeDeletionStore()
	db.notFound[[2]int64{-100, 42}] = entities.MarkRetryBound + 5 // row never appears

	requeueCalls := 0
	handler := entities.MarkDeletedHandler(db, func(_ context.Context, payload string) error {
		requeueCalls++
		return nil
	})

	task := entities.MarkTask{ChatID: -100, MessageID: 42}
	for i := 0; i <= entities.MarkRetryBound; i++ {
		payload, _ := json.Marshal(task)
		err := handler(context.Background(), string(payload))
		if i < entities.MarkRetryBound {
			if err != nil {
				t.Fatalf("attempt %d: unexpected error %v", i, err)
			}
			task.Attempt++
		} else if err == nil {
			t.Fatalf("attempt %d: expected a terminal NotFound error once the retry bound is exceeded", i)
		}
	}
	if requeueCalls != entities.MarkRetryBound {
		t.Fatalf("requeue called %d times, want %d", requeueCalls, entities.MarkRetryBound)
	}
}
