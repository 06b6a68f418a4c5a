package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RecordHealthSnapshot appends a probe result for a named target.
func (s *Store) RecordHealthSnapshot(ctx context.Context, snap *HealthSnapshot) (string, error) {
	if snap.Target == "" {
		return "", fmt.Errorf("health snapshot target is required")
	}

	var metadata sql.NullString
	if len(snap.Metadata) > 0 {
		data, err := json.Marshal(snap.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal health metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	ok := 0
	if snap.OK {
		ok = 1
	}

	id := uuid.NewString()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO health (id, target, ok, latency_ms, status_code, error, metadata, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, snap.Target, ok, snap.LatencyMS, snap.StatusCode, snap.Error,
		metadata, formatTime(s.now().UTC()))
	if err != nil {
		return "", fmt.Errorf("failed to record health snapshot: %w", err)
	}

	return id, nil
}

// GetLatestHealthSnapshots returns the most recent snapshot per distinct
// target.
func (s *Store) GetLatestHealthSnapshots(ctx context.Context) ([]*HealthSnapshot, error) {
	// SQLite's bare-column GROUP BY selects the row matching MAX(taken_at).
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, target, ok, latency_ms, status_code, error, metadata, MAX(taken_at)
		FROM health
		GROUP BY target
		ORDER BY target ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query health snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*HealthSnapshot
	for rows.Next() {
		var snap HealthSnapshot
		var ok int
		var latency, statusCode sql.NullInt64
		var errText, metadata sql.NullString
		var takenAt string

		err := rows.Scan(&snap.ID, &snap.Target, &ok, &latency, &statusCode, &errText, &metadata, &takenAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health snapshot: %w", err)
		}

		snap.OK = ok != 0
		snap.LatencyMS = latency.Int64
		snap.StatusCode = int(statusCode.Int64)
		snap.Error = errText.String
		snap.TakenAt = parseTime(takenAt)

		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &snap.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal health metadata: %w", err)
			}
		}

		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health snapshots: %w", err)
	}

	return snaps, nil
}
