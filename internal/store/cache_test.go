package store

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestCachePlan_UpsertClearsDirty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.MarkPlanDirty(ctx, "p1", json.RawMessage(`{"draft":true}`)); err != nil {
		t.Fatalf("MarkPlanDirty() failed: %v", err)
	}

	item, err := s.GetCachedPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetCachedPlan() failed: %v", err)
	}
	if !item.IsDirty {
		t.Error("item not dirty after MarkPlanDirty")
	}
	if item.SyncedAt != nil {
		t.Errorf("synced_at = %v, want unset for a dirty-only item", item.SyncedAt)
	}

	confirmed := json.RawMessage(`{"draft":false}`)
	if err := s.CachePlan(ctx, "p1", confirmed, "v2"); err != nil {
		t.Fatalf("CachePlan() failed: %v", err)
	}

	item, err = s.GetCachedPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetCachedPlan() failed: %v", err)
	}
	if item.IsDirty {
		t.Error("item still dirty after confirmed sync")
	}
	if item.SyncedAt == nil {
		t.Error("synced_at not stamped after confirmed sync")
	}
	if item.Version != "v2" {
		t.Errorf("version = %q, want %q", item.Version, "v2")
	}
	if !bytes.Equal(item.Data, confirmed) {
		t.Errorf("data = %s, want %s", item.Data, confirmed)
	}
	if item.Key != "plan_p1" {
		t.Errorf("key = %q, want %q", item.Key, "plan_p1")
	}
}

func TestMarkStateDirty_PreservesSyncedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CacheState(ctx, "p1", json.RawMessage(`{"foo":1}`), "v1"); err != nil {
		t.Fatalf("CacheState() failed: %v", err)
	}
	before, err := s.GetCachedState(ctx, "p1")
	if err != nil {
		t.Fatalf("GetCachedState() failed: %v", err)
	}

	if err := s.MarkStateDirty(ctx, "p1", json.RawMessage(`{"foo":2}`)); err != nil {
		t.Fatalf("MarkStateDirty() failed: %v", err)
	}

	after, err := s.GetCachedState(ctx, "p1")
	if err != nil {
		t.Fatalf("GetCachedState() failed: %v", err)
	}
	if !after.IsDirty {
		t.Error("state not dirty after MarkStateDirty")
	}
	if after.SyncedAt == nil || !after.SyncedAt.Equal(*before.SyncedAt) {
		t.Errorf("synced_at = %v, want preserved %v", after.SyncedAt, before.SyncedAt)
	}
}

func TestGetCachedPlan_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetCachedPlan(context.Background(), "nope")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCache_PlanAndStateIndependent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CachePlan(ctx, "p1", json.RawMessage(`{"plan":1}`), "a"); err != nil {
		t.Fatalf("CachePlan() failed: %v", err)
	}
	if _, err := s.GetCachedState(ctx, "p1"); err != ErrNotFound {
		t.Errorf("GetCachedState() err = %v, want ErrNotFound (families independent)", err)
	}
}
