package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestAddToOutbox_Defaults(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AddToOutbox(ctx, &OutboxItem{
		ProjectID: "p1",
		Kind:      KindPlanEdit,
		Payload:   json.RawMessage(`{"title":"v2"}`),
	})
	if err != nil {
		t.Fatalf("AddToOutbox() failed: %v", err)
	}
	if id == "" {
		t.Fatal("AddToOutbox() returned empty id")
	}

	item, err := s.GetOutboxItem(ctx, id)
	if err != nil {
		t.Fatalf("GetOutboxItem() failed: %v", err)
	}

	if item.Status != StatusQueued {
		t.Errorf("status = %v, want %v", item.Status, StatusQueued)
	}
	if item.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", item.Attempts)
	}
	if item.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max_attempts = %d, want %d", item.MaxAttempts, DefaultMaxAttempts)
	}
	if item.CreatedAt.IsZero() || item.UpdatedAt.IsZero() {
		t.Error("timestamps were not stamped")
	}
	if item.NextRunAt.After(s.now()) {
		t.Errorf("next_run_at = %v, want <= now", item.NextRunAt)
	}
}

func TestAddToOutbox_RejectsUnknownKind(t *testing.T) {
	s := testStore(t)

	_, err := s.AddToOutbox(context.Background(), &OutboxItem{
		Kind:    Kind("teleport"),
		Payload: json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("AddToOutbox() accepted an unknown kind")
	}
}

func TestGetQueuedItems_DueOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"v":1}`)

	dueID, err := s.AddToOutbox(ctx, &OutboxItem{Kind: KindCommentAdd, Payload: payload})
	if err != nil {
		t.Fatalf("AddToOutbox() failed: %v", err)
	}
	futureID, err := s.AddToOutbox(ctx, &OutboxItem{Kind: KindCommentAdd, Payload: payload})
	if err != nil {
		t.Fatalf("AddToOutbox() failed: %v", err)
	}

	future := s.now().Add(1 * time.Hour)
	if err := s.UpdateOutboxItem(ctx, futureID, OutboxUpdate{NextRunAt: &future}); err != nil {
		t.Fatalf("UpdateOutboxItem() failed: %v", err)
	}

	items, err := s.GetQueuedItems(ctx, 10)
	if err != nil {
		t.Fatalf("GetQueuedItems() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d due items, want 1", len(items))
	}
	if items[0].ID != dueID {
		t.Errorf("due item = %s, want %s", items[0].ID, dueID)
	}
}

func TestGetQueuedItems_FIFOAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"v":1}`)

	// Widen created_at spacing so ordering is unambiguous.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return tick }
		id, err := s.AddToOutbox(ctx, &OutboxItem{Kind: KindSpecSync, Payload: payload})
		if err != nil {
			t.Fatalf("AddToOutbox() failed: %v", err)
		}
		ids = append(ids, id)
	}
	s.now = func() time.Time { return base.Add(time.Hour) }

	items, err := s.GetQueuedItems(ctx, 3)
	if err != nil {
		t.Fatalf("GetQueuedItems() failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3 (limit)", len(items))
	}
	for i, item := range items {
		if item.ID != ids[i] {
			t.Errorf("position %d = %s, want %s (oldest first)", i, item.ID, ids[i])
		}
	}
}

func TestUpdateOutboxItem_MergesFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AddToOutbox(ctx, &OutboxItem{
		Kind:    KindMicrostepUpdate,
		Payload: json.RawMessage(`{"step":3}`),
	})
	if err != nil {
		t.Fatalf("AddToOutbox() failed: %v", err)
	}

	attempts := 2
	lastErr := "connection refused"
	if err := s.UpdateOutboxItem(ctx, id, OutboxUpdate{Attempts: &attempts, LastError: &lastErr}); err != nil {
		t.Fatalf("UpdateOutboxItem() failed: %v", err)
	}

	item, err := s.GetOutboxItem(ctx, id)
	if err != nil {
		t.Fatalf("GetOutboxItem() failed: %v", err)
	}
	if item.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", item.Attempts)
	}
	if item.LastError != lastErr {
		t.Errorf("last_error = %q, want %q", item.LastError, lastErr)
	}
	if item.Status != StatusQueued {
		t.Errorf("status changed to %v, want untouched %v", item.Status, StatusQueued)
	}
}

func TestUpdateOutboxItem_Missing(t *testing.T) {
	s := testStore(t)

	attempts := 1
	err := s.UpdateOutboxItem(context.Background(), "no-such-id", OutboxUpdate{Attempts: &attempts})
	if err == nil {
		t.Fatal("UpdateOutboxItem() on missing id succeeded")
	}
}

func TestClearCompletedItems_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AddToOutbox(ctx, &OutboxItem{Kind: KindCommentAdd, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("AddToOutbox() failed: %v", err)
	}
	completed := StatusCompleted
	if err := s.UpdateOutboxItem(ctx, id, OutboxUpdate{Status: &completed}); err != nil {
		t.Fatalf("UpdateOutboxItem() failed: %v", err)
	}

	n, err := s.ClearCompletedItems(ctx)
	if err != nil {
		t.Fatalf("ClearCompletedItems() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("first clear removed %d, want 1", n)
	}

	n, err = s.ClearCompletedItems(ctx)
	if err != nil {
		t.Fatalf("second ClearCompletedItems() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second clear removed %d, want 0", n)
	}
}

func TestRetryFailedItems_Resets(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AddToOutbox(ctx, &OutboxItem{Kind: KindStateUpdate, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("AddToOutbox() failed: %v", err)
	}
	failed := StatusFailed
	attempts := 5
	lastErr := "gone"
	if err := s.UpdateOutboxItem(ctx, id, OutboxUpdate{Status: &failed, Attempts: &attempts, LastError: &lastErr}); err != nil {
		t.Fatalf("UpdateOutboxItem() failed: %v", err)
	}

	n, err := s.RetryFailedItems(ctx, time.Time{})
	if err != nil {
		t.Fatalf("RetryFailedItems() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d items, want 1", n)
	}

	item, err := s.GetOutboxItem(ctx, id)
	if err != nil {
		t.Fatalf("GetOutboxItem() failed: %v", err)
	}
	if item.Status != StatusQueued || item.Attempts != 0 || item.LastError != "" {
		t.Errorf("item after retry = status=%v attempts=%d lastErr=%q, want queued/0/empty",
			item.Status, item.Attempts, item.LastError)
	}
}

func TestReclaimStale_RequeuesProcessing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	id, err := s.AddToOutbox(ctx, &OutboxItem{Kind: KindFileUpload, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("AddToOutbox() failed: %v", err)
	}
	processing := StatusProcessing
	if err := s.UpdateOutboxItem(ctx, id, OutboxUpdate{Status: &processing}); err != nil {
		t.Fatalf("UpdateOutboxItem() failed: %v", err)
	}

	// Not yet stale.
	n, err := s.ReclaimStale(ctx, base.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale() failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d items before staleness, want 0", n)
	}

	// Stale now.
	n, err = s.ReclaimStale(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d items, want 1", n)
	}

	item, err := s.GetOutboxItem(ctx, id)
	if err != nil {
		t.Fatalf("GetOutboxItem() failed: %v", err)
	}
	if item.Status != StatusQueued {
		t.Errorf("status = %v, want %v", item.Status, StatusQueued)
	}
}
