package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Snapshot cache families.
const (
	familyPlan  = "plan"
	familyState = "state"
)

func cacheKey(family, projectID string) string {
	return fmt.Sprintf("%s_%s", family, projectID)
}

// CachePlan stores a remote-confirmed plan snapshot for a project, clearing
// the dirty flag and stamping synced_at.
func (s *Store) CachePlan(ctx context.Context, projectID string, data json.RawMessage, version string) error {
	return s.cacheSnapshot(ctx, familyPlan, projectID, data, version)
}

// CacheState stores a remote-confirmed state snapshot for a project.
func (s *Store) CacheState(ctx context.Context, projectID string, data json.RawMessage, version string) error {
	return s.cacheSnapshot(ctx, familyState, projectID, data, version)
}

func (s *Store) cacheSnapshot(ctx context.Context, family, projectID string, data json.RawMessage, version string) error {
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	now := formatTime(s.now().UTC())

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO snapshot_cache (key, project_id, family, data, version, is_dirty, last_modified, synced_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			is_dirty = 0,
			last_modified = excluded.last_modified,
			synced_at = excluded.synced_at`,
		cacheKey(family, projectID), projectID, family, string(data), version, now, now)
	if err != nil {
		return fmt.Errorf("failed to cache %s snapshot for %s: %w", family, projectID, err)
	}
	return nil
}

// GetCachedPlan returns the cached plan snapshot for a project, or
// ErrNotFound.
func (s *Store) GetCachedPlan(ctx context.Context, projectID string) (*CacheItem, error) {
	return s.getSnapshot(ctx, familyPlan, projectID)
}

// GetCachedState returns the cached state snapshot for a project, or
// ErrNotFound.
func (s *Store) GetCachedState(ctx context.Context, projectID string) (*CacheItem, error) {
	return s.getSnapshot(ctx, familyState, projectID)
}

func (s *Store) getSnapshot(ctx context.Context, family, projectID string) (*CacheItem, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT key, project_id, data, version, is_dirty, last_modified, synced_at
		FROM snapshot_cache
		WHERE key = ?`, cacheKey(family, projectID))

	var item CacheItem
	var data string
	var version sql.NullString
	var dirty int
	var lastModified string
	var syncedAt sql.NullString

	err := row.Scan(&item.Key, &item.ProjectID, &data, &version, &dirty, &lastModified, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s snapshot for %s: %w", family, projectID, err)
	}

	item.Data = []byte(data)
	item.Version = version.String
	item.IsDirty = dirty != 0
	item.LastModified = parseTime(lastModified)
	item.SyncedAt = nullToTime(syncedAt)

	return &item, nil
}

// MarkPlanDirty records a local, not-yet-confirmed plan edit. synced_at is
// left untouched so the last confirmed sync remains visible.
func (s *Store) MarkPlanDirty(ctx context.Context, projectID string, data json.RawMessage) error {
	return s.markDirty(ctx, familyPlan, projectID, data)
}

// MarkStateDirty records a local, not-yet-confirmed state edit.
func (s *Store) MarkStateDirty(ctx context.Context, projectID string, data json.RawMessage) error {
	return s.markDirty(ctx, familyState, projectID, data)
}

func (s *Store) markDirty(ctx context.Context, family, projectID string, data json.RawMessage) error {
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	now := formatTime(s.now().UTC())

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO snapshot_cache (key, project_id, family, data, version, is_dirty, last_modified, synced_at)
		VALUES (?, ?, ?, ?, NULL, 1, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			is_dirty = 1,
			last_modified = excluded.last_modified`,
		cacheKey(family, projectID), projectID, family, string(data), now)
	if err != nil {
		return fmt.Errorf("failed to mark %s snapshot dirty for %s: %w", family, projectID, err)
	}
	return nil
}
