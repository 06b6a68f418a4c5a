package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrAlreadyResolved is returned when resolving a conflict twice.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// AddConflict records a detected mismatch between a local edit and the
// remote state, returning the new conflict id.
func (s *Store) AddConflict(ctx context.Context, c *Conflict) (string, error) {
	if c.Entity == "" || c.EntityID == "" {
		return "", fmt.Errorf("conflict entity and entity id are required")
	}

	id := uuid.NewString()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (
			id, project_id, entity, entity_id, base, local, remote,
			resolution, resolution_strategy, auto_resolved, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?, NULL)`,
		id,
		c.ProjectID,
		c.Entity,
		c.EntityID,
		rawOrNull(c.Base),
		rawOrNull(c.Local),
		rawOrNull(c.Remote),
		formatTime(s.now().UTC()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to add conflict: %w", err)
	}

	return id, nil
}

// GetUnresolvedConflicts returns conflicts without a resolution, oldest
// first. A non-empty projectID narrows the result to one project.
func (s *Store) GetUnresolvedConflicts(ctx context.Context, projectID string) ([]*Conflict, error) {
	query := `
		SELECT id, project_id, entity, entity_id, base, local, remote,
		       resolution, resolution_strategy, auto_resolved, created_at, resolved_at
		FROM conflicts
		WHERE resolved_at IS NULL`
	args := []interface{}{}

	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

// GetConflict returns one conflict by id, or ErrNotFound.
func (s *Store) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, project_id, entity, entity_id, base, local, remote,
		       resolution, resolution_strategy, auto_resolved, created_at, resolved_at
		FROM conflicts
		WHERE id = ?`, id)

	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

// ResolveConflict settles a conflict exactly once, freezing the chosen
// resolution and stamping resolved_at. Resolving an already-resolved
// conflict returns ErrAlreadyResolved.
func (s *Store) ResolveConflict(ctx context.Context, id string, resolution json.RawMessage, strategy ResolutionStrategy, autoResolved bool) error {
	auto := 0
	if autoResolved {
		auto = 1
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE conflicts
		SET resolution = ?, resolution_strategy = ?, auto_resolved = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		rawOrNull(resolution), string(strategy), auto, formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if n == 0 {
		// Distinguish missing from already-resolved.
		if _, err := s.GetConflict(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func scanConflict(scan func(...interface{}) error) (*Conflict, error) {
	var c Conflict
	var projectID, base, local, remote, resolution, strategy sql.NullString
	var auto int
	var createdAt string
	var resolvedAt sql.NullString

	err := scan(
		&c.ID,
		&projectID,
		&c.Entity,
		&c.EntityID,
		&base,
		&local,
		&remote,
		&resolution,
		&strategy,
		&auto,
		&createdAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ProjectID = projectID.String
	c.Base = nullToRaw(base)
	c.Local = nullToRaw(local)
	c.Remote = nullToRaw(remote)
	c.Resolution = nullToRaw(resolution)
	c.ResolutionStrategy = ResolutionStrategy(strategy.String)
	c.AutoResolved = auto != 0
	c.CreatedAt = parseTime(createdAt)
	c.ResolvedAt = nullToTime(resolvedAt)

	return &c, nil
}

func rawOrNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullToRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
