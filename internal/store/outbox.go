package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is applied when an enqueued item does not specify one.
const DefaultMaxAttempts = 5

// AddToOutbox persists a new pending mutation and returns its id.
//
// The caller supplies kind, payload, optional project scope, and optionally
// max_attempts; the store assigns the id, stamps timestamps, and sets
// status=queued with next_run_at=now. Storage faults propagate to the
// caller; nothing is swallowed.
func (s *Store) AddToOutbox(ctx context.Context, item *OutboxItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", fmt.Errorf("invalid outbox item: %w", err)
	}

	id := uuid.NewString()
	now := s.now().UTC()
	maxAttempts := item.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO outbox (
			id, project_id, kind, payload, status, attempts, max_attempts,
			next_run_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, '', ?, ?)`,
		id,
		item.ProjectID,
		string(item.Kind),
		string(item.Payload),
		string(StatusQueued),
		maxAttempts,
		formatTime(now),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return "", fmt.Errorf("failed to add outbox item: %w", err)
	}

	return id, nil
}

// GetQueuedItems returns up to limit queued items whose next_run_at has
// passed, oldest first. Items scheduled in the future are never returned.
func (s *Store) GetQueuedItems(ctx context.Context, limit int) ([]*OutboxItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, project_id, kind, payload, status, attempts, max_attempts,
		       next_run_at, last_error, created_at, updated_at
		FROM outbox
		WHERE status = ? AND next_run_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`,
		string(StatusQueued), formatTime(s.now().UTC()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued items: %w", err)
	}
	defer rows.Close()

	return scanOutboxItems(rows)
}

// GetFailedItems returns all items with exhausted attempts, oldest first.
func (s *Store) GetFailedItems(ctx context.Context) ([]*OutboxItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, project_id, kind, payload, status, attempts, max_attempts,
		       next_run_at, last_error, created_at, updated_at
		FROM outbox
		WHERE status = ?
		ORDER BY created_at ASC`,
		string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed items: %w", err)
	}
	defer rows.Close()

	return scanOutboxItems(rows)
}

// GetOutboxItem returns a single item by id, or ErrNotFound.
func (s *Store) GetOutboxItem(ctx context.Context, id string) (*OutboxItem, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, project_id, kind, payload, status, attempts, max_attempts,
		       next_run_at, last_error, created_at, updated_at
		FROM outbox
		WHERE id = ?`, id)

	item, err := scanOutboxItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox item %s: %w", id, err)
	}
	return item, nil
}

// UpdateOutboxItem merges the non-nil fields of update into the item and
// refreshes updated_at.
func (s *Store) UpdateOutboxItem(ctx context.Context, id string, update OutboxUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{formatTime(s.now().UTC())}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, formatTime(*update.NextRunAt))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *update.LastError)
	}

	args = append(args, id)
	res, err := s.conn.ExecContext(ctx,
		"UPDATE outbox SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox item %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update outbox item %s: %w", id, ErrNotFound)
	}
	return nil
}

// RemoveFromOutbox deletes an item. Idempotent.
func (s *Store) RemoveFromOutbox(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove outbox item %s: %w", id, err)
	}
	return nil
}

// ClearCompletedItems deletes all completed items and returns how many were
// removed.
func (s *Store) ClearCompletedItems(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM outbox WHERE status = ?`, string(StatusCompleted))
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared items: %w", err)
	}
	return int(n), nil
}

// RetryFailedItems resets every failed item back to queued with zeroed
// attempts, next_run_at=notBefore, and a cleared last_error. Returns the
// number of items reset. Explicit operator action, never automatic.
func (s *Store) RetryFailedItems(ctx context.Context, notBefore time.Time) (int, error) {
	now := s.now().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, attempts = 0, next_run_at = ?, last_error = '', updated_at = ?
		WHERE status = ?`,
		string(StatusQueued), formatTime(notBefore), formatTime(now), string(StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retried items: %w", err)
	}
	return int(n), nil
}

// ReclaimStale returns items stuck in processing since before staleBefore
// back to queued. Covers crashes that interrupt the loop mid-item.
func (s *Store) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(StatusQueued), formatTime(s.now().UTC()),
		string(StatusProcessing), formatTime(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reclaimed items: %w", err)
	}
	return int(n), nil
}

// scanOutboxItems scans rows from any outbox SELECT with the full column list.
func scanOutboxItems(rows *sql.Rows) ([]*OutboxItem, error) {
	var items []*OutboxItem

	for rows.Next() {
		item, err := scanOutboxItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox items: %w", err)
	}

	return items, nil
}

func scanOutboxItem(scan func(...interface{}) error) (*OutboxItem, error) {
	var item OutboxItem
	var kind, payload, status string
	var nextRunAt, createdAt, updatedAt string
	var projectID, lastError sql.NullString

	err := scan(
		&item.ID,
		&projectID,
		&kind,
		&payload,
		&status,
		&item.Attempts,
		&item.MaxAttempts,
		&nextRunAt,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.ProjectID = projectID.String
	item.Kind = Kind(kind)
	item.Payload = []byte(payload)
	item.Status = Status(status)
	item.LastError = lastError.String
	item.NextRunAt = parseTime(nextRunAt)
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)

	return &item, nil
}
