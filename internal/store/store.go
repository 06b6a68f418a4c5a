// Package store provides the durable local database for the sync agent.
//
// The store is the single source of truth for all client-resident sync
// state: the outbox of pending mutations, cached plan and state snapshots,
// unresolved conflicts, and health probe results. It is an embedded SQLite
// database (WAL mode) so queued mutations survive process restarts.
//
// All timestamp fields are stamped by the store itself on write; callers
// never supply created_at/updated_at values.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Retention windows applied by CleanupOldData.
const (
	completedRetention = 7 * 24 * time.Hour
	healthRetention    = 24 * time.Hour
	resolvedRetention  = 30 * 24 * time.Hour
)

// Store wraps the SQLite connection holding all sync agent state.
type Store struct {
	conn *sql.DB
	path string

	// now is overridable in tests.
	now func() time.Time
}

// Open creates or opens the sync database at the given path.
//
// The database is opened in WAL mode with a 5s busy timeout. The schema is
// created if missing. The caller must Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single queue loop plus CLI readers; a small pool is plenty.
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		now:  time.Now,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// initSchema creates the five record-family tables. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		next_run_at TEXT NOT NULL,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Plan and state snapshots share one table, keyed plan_{project} /
	-- state_{project}.
	CREATE TABLE IF NOT EXISTS snapshot_cache (
		key TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		family TEXT NOT NULL,  -- plan, state
		data TEXT NOT NULL,
		version TEXT,
		is_dirty INTEGER NOT NULL DEFAULT 0,
		last_modified TEXT NOT NULL,
		synced_at TEXT
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		base TEXT,
		local TEXT,
		remote TEXT,
		resolution TEXT,
		resolution_strategy TEXT,
		auto_resolved INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE TABLE IF NOT EXISTS health (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		ok INTEGER NOT NULL,
		latency_ms INTEGER,
		status_code INTEGER,
		error TEXT,
		metadata TEXT,
		taken_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_run_at, created_at);
	CREATE INDEX IF NOT EXISTS idx_cache_family ON snapshot_cache(family);
	CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved ON conflicts(resolved_at, project_id);
	CREATE INDEX IF NOT EXISTS idx_health_target ON health(target, taken_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// CleanupOldData removes records past their retention windows: completed
// outbox items after 7 days, health snapshots after 24 hours (keeping the
// most recent per target), resolved conflicts after 30 days. Idempotent.
func (s *Store) CleanupOldData(ctx context.Context) error {
	now := s.now().UTC()

	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = ? AND updated_at < ?`,
		StatusCompleted, formatTime(now.Add(-completedRetention)))
	if err != nil {
		return fmt.Errorf("failed to prune completed outbox items: %w", err)
	}

	// Keep the newest snapshot per target regardless of age. SQLite's
	// bare-column GROUP BY picks the row matching MAX(taken_at).
	_, err = s.conn.ExecContext(ctx,
		`DELETE FROM health WHERE taken_at < ?
		 AND id NOT IN (SELECT id FROM (SELECT id, MAX(taken_at) FROM health GROUP BY target))`,
		formatTime(now.Add(-healthRetention)))
	if err != nil {
		return fmt.Errorf("failed to prune health snapshots: %w", err)
	}

	_, err = s.conn.ExecContext(ctx,
		`DELETE FROM conflicts WHERE resolved_at IS NOT NULL AND resolved_at < ?`,
		formatTime(now.Add(-resolvedRetention)))
	if err != nil {
		return fmt.Errorf("failed to prune resolved conflicts: %w", err)
	}

	return nil
}

// Stats returns aggregate counts across all record families.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count outbox items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		stats.OutboxTotal += count
		switch status {
		case StatusQueued:
			stats.OutboxQueued = count
		case StatusProcessing:
			stats.OutboxProcessing = count
		case StatusCompleted:
			stats.OutboxCompleted = count
		case StatusFailed:
			stats.OutboxFailed = count
		case StatusConflict:
			stats.OutboxConflict = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating outbox counts: %w", err)
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM conflicts WHERE resolved_at IS NULL`, &stats.UnresolvedConflicts},
		{`SELECT COUNT(*) FROM snapshot_cache WHERE family = 'plan'`, &stats.PlanCacheSize},
		{`SELECT COUNT(*) FROM snapshot_cache WHERE family = 'state'`, &stats.StateCacheSize},
		{`SELECT COUNT(DISTINCT target) FROM health`, &stats.HealthTargets},
	}
	for _, c := range counts {
		if err := s.conn.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return stats, fmt.Errorf("failed to count rows: %w", err)
		}
	}

	return stats, nil
}

// formatTime renders a timestamp the way all store columns are stored.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNull converts an optional timestamp to a nullable column value.
func timeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullToTime converts a nullable column value back to an optional timestamp.
func nullToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
