package concurrency_test

import (
	"testing"
	"time"

	"telegram-ingest-fabric/internal/infra/concurrency"
)

func TestDeduplicator_DedupSeen(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(60)

	if d.DedupSeen(100, 1, 0) {
		t.Fatal("first sighting must not be reported as a repeat")
	}
	if !d.DedupSeen(100, 1, 0) {
		t.Fatal("second sighting within the window must be reported as a repeat")
	}

	// An edit bumps editDate, which changes the signature and must be
	// treated as a fresh event rather than a repeat of the original.
	if d.DedupSeen(100, 1, 42) {
		t.Fatal("an edited message (new editDate) must not be treated as a repeat")
	}

	// A different chat or message id is an independent signature.
	if d.DedupSeen(200, 1, 0) {
		t.Fatal("different chatID must not collide with an existing signature")
	}
	if d.DedupSeen(100, 2, 0) {
		t.Fatal("different msgID must not collide with an existing signature")
	}
}

func TestDeduplicator_WindowExpiry(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(0) // zero window: every check is immediately expired
	d.DedupSeen(1, 1, 0)
	time.Sleep(time.Millisecond)
	if d.DedupSeen(1, 1, 0) {
		t.Fatal("a zero-second window must not suppress a check made after it has elapsed")
	}
}

func TestDeduplicator_CleanupRemovesExpired(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDeduplicator(0)
	d.DedupSeen(1, 1, 0)
	time.Sleep(time.Millisecond)
	d.DedupCleanup()

	// Re-seeing after cleanup must behave exactly like the first sighting,
	// proving the stale entry was actually removed, not just ignored.
	if d.DedupSeen(1, 1, 0) {
		t.Fatal("signature should have been purged by DedupCleanup")
	}
}
