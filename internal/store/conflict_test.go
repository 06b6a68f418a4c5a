package store

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestAddConflict_Unresolved(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AddConflict(ctx, &Conflict{
		ProjectID: "p1",
		Entity:    "plan",
		EntityID:  "X",
		Base:      json.RawMessage(`{"v":"base"}`),
		Local:     json.RawMessage(`{"v":"local"}`),
		Remote:    json.RawMessage(`{"v":"remote"}`),
	})
	if err != nil {
		t.Fatalf("AddConflict() failed: %v", err)
	}

	c, err := s.GetConflict(ctx, id)
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if c.ResolvedAt != nil {
		t.Errorf("resolved_at = %v, want unset", c.ResolvedAt)
	}
	if c.EntityID != "X" {
		t.Errorf("entity_id = %q, want %q", c.EntityID, "X")
	}
	if !bytes.Equal(c.Local, json.RawMessage(`{"v":"local"}`)) {
		t.Errorf("local = %s, want local payload preserved", c.Local)
	}
	if !bytes.Equal(c.Remote, json.RawMessage(`{"v":"remote"}`)) {
		t.Errorf("remote = %s, want remote payload preserved", c.Remote)
	}
}

func TestResolveConflict_OneTime(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.AddConflict(ctx, &Conflict{Entity: "plan", EntityID: "X", ProjectID: "p1"})
	if err != nil {
		t.Fatalf("AddConflict() failed: %v", err)
	}

	chosen := json.RawMessage(`{"v":"local"}`)
	if err := s.ResolveConflict(ctx, id, chosen, StrategyManualLocal, false); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	c, err := s.GetConflict(ctx, id)
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if c.ResolvedAt == nil {
		t.Fatal("resolved_at not stamped")
	}
	if c.ResolutionStrategy != StrategyManualLocal {
		t.Errorf("strategy = %v, want %v", c.ResolutionStrategy, StrategyManualLocal)
	}
	if !bytes.Equal(c.Resolution, chosen) {
		t.Errorf("resolution = %s, want %s", c.Resolution, chosen)
	}

	// Resolved conflicts no longer appear as unresolved.
	unresolved, err := s.GetUnresolvedConflicts(ctx, "")
	if err != nil {
		t.Fatalf("GetUnresolvedConflicts() failed: %v", err)
	}
	if len(unresolved) != 0 {
		t.Errorf("unresolved = %d, want 0", len(unresolved))
	}

	// Second resolve is rejected.
	err = s.ResolveConflict(ctx, id, chosen, StrategyManualRemote, false)
	if err != ErrAlreadyResolved {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveConflict_Missing(t *testing.T) {
	s := testStore(t)

	err := s.ResolveConflict(context.Background(), "no-such-id", nil, StrategyManualLocal, false)
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetUnresolvedConflicts_ProjectFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.AddConflict(ctx, &Conflict{Entity: "plan", EntityID: "a", ProjectID: "p1"}); err != nil {
		t.Fatalf("AddConflict() failed: %v", err)
	}
	if _, err := s.AddConflict(ctx, &Conflict{Entity: "plan", EntityID: "b", ProjectID: "p2"}); err != nil {
		t.Fatalf("AddConflict() failed: %v", err)
	}

	all, err := s.GetUnresolvedConflicts(ctx, "")
	if err != nil {
		t.Fatalf("GetUnresolvedConflicts() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all conflicts = %d, want 2", len(all))
	}

	p1, err := s.GetUnresolvedConflicts(ctx, "p1")
	if err != nil {
		t.Fatalf("GetUnresolvedConflicts(p1) failed: %v", err)
	}
	if len(p1) != 1 || p1[0].EntityID != "a" {
		t.Errorf("p1 conflicts = %+v, want one conflict for entity a", p1)
	}
}
