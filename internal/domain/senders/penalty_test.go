package senders_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"telegram-ingest-fabric/internal/domain/senders"
)

// fakeStore is an in-memory senders.PenaltyStore.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[string]string{}} }

func (s *fakeStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *fakeStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// TestBotPenalty_AvailableByDefault: a token never penalized is usable.
func TestBotPenalty_AvailableByDefault(t *testing.T) {
	t.Parallel()

	p := senders.NewBotPenalty(newFakeStore())
	ok, err := p.Available(context.Background(), "tok-1", time.Now())
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if !ok {
		t.Fatal("a token with no prior penalty must be available")
	}
}

// TestBotPenalty_PenalizeLatchesUntilExpiry: invariant 6 (bot penalty
// honouring). A bot penalized after a RetryAfter response must not be
// selected again until the penalty window has elapsed.
func TestBotPenalty_PenalizeLatchesUntilExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p := senders.NewBotPenalty(newFakeStore())

	if err := p.Penalize(context.Background(), "tok-1", now.Add(60*time.Second)); err != nil {
		t.Fatalf("Penalize: %v", err)
	}

	ok, err := p.Available(context.Background(), "tok-1", now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if ok {
		t.Fatal("token still within its penalty window must not be available")
	}

	ok, err = p.Available(context.Background(), "tok-1", now.Add(61*time.Second))
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if !ok {
		t.Fatal("token must become available again once the penalty window has passed")
	}
}

// TestGetAvailableBot_SkipsPenalizedTokens exercises scenario S6: a bot
// returns RetryAfter(60); getChat rotation must not hand that token back out
// within the window, even when other bots remain eligible.
func TestGetAvailableBot_SkipsPenalizedTokens(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p := senders.NewBotPenalty(newFakeStore())
	tokens := []string{"a", "b", "c", "d"}

	if err := p.Penalize(context.Background(), "a", now.Add(60*time.Second)); err != nil {
		t.Fatalf("Penalize: %v", err)
	}

	for i := 0; i < 20; i++ {
		tok, ok, err := senders.GetAvailableBot(context.Background(), p, tokens, now)
		if err != nil {
			t.Fatalf("GetAvailableBot: %v", err)
		}
		if !ok {
			t.Fatal("expected an eligible bot among the remaining three")
		}
		if tok == "a" {
			t.Fatal("penalized token must never be selected within its window")
		}
	}
}

// TestGetAvailableBot_BelowFloorAbandonsCandidate: invariant 6's other half
// — once fewer than MinUsableBots remain eligible, the caller must abandon
// the probe rather than hammer the few healthy bots left.
func TestGetAvailableBot_BelowFloorAbandonsCandidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p := senders.NewBotPenalty(newFakeStore())
	tokens := []string{"a", "b", "c"}

	for _, tok := range tokens[:2] {
		if err := p.Penalize(context.Background(), tok, now.Add(60*time.Second)); err != nil {
			t.Fatalf("Penalize: %v", err)
		}
	}

	_, ok, err := senders.GetAvailableBot(context.Background(), p, tokens, now)
	if err != nil {
		t.Fatalf("GetAvailableBot: %v", err)
	}
	if ok {
		t.Fatal("expected the candidate to be abandoned with only one bot left eligible")
	}
}
