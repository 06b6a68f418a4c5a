package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the mutation type of an outbox item. The set is closed;
// unknown kinds are rejected at enqueue time.
type Kind string

const (
	KindPlanEdit        Kind = "plan_edit"
	KindMicrostepUpdate Kind = "microstep_update"
	KindSpecSync        Kind = "spec_sync"
	KindStateUpdate     Kind = "state_update"
	KindCommentAdd      Kind = "comment_add"
	KindFileUpload      Kind = "file_upload"
)

// Valid reports whether k is a known mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPlanEdit, KindMicrostepUpdate, KindSpecSync,
		KindStateUpdate, KindCommentAdd, KindFileUpload:
		return true
	}
	return false
}

// Status is the lifecycle state of an outbox item.
type Status string

const (
	// StatusQueued means the item is awaiting dispatch.
	StatusQueued Status = "queued"
	// StatusProcessing means the item is claimed by the queue loop.
	StatusProcessing Status = "processing"
	// StatusCompleted means the remote accepted the mutation.
	StatusCompleted Status = "completed"
	// StatusFailed means attempts are exhausted; only an explicit retry
	// returns the item to queued.
	StatusFailed Status = "failed"
	// StatusConflict means the remote reported a version conflict; the item
	// waits for conflict resolution and is never retried automatically.
	StatusConflict Status = "conflict"
)

// OutboxItem is a pending mutation awaiting delivery to the backend.
type OutboxItem struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id,omitempty"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Validate checks the fields a caller must supply before enqueueing.
func (i *OutboxItem) Validate() error {
	if !i.Kind.Valid() {
		return fmt.Errorf("unknown mutation kind %q", i.Kind)
	}
	if len(i.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if i.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative (got %d)", i.MaxAttempts)
	}
	return nil
}

// OutboxUpdate is a partial update applied to an outbox item. Nil fields are
// left unchanged; updated_at is always refreshed by the store.
type OutboxUpdate struct {
	Status    *Status
	Attempts  *int
	NextRunAt *time.Time
	LastError *string
}

// CacheItem is a last-known-good snapshot of a project's plan or state,
// keyed one-per-project.
type CacheItem struct {
	Key          string          `json:"key"`
	ProjectID    string          `json:"project_id"`
	Data         json.RawMessage `json:"data"`
	Version      string          `json:"version,omitempty"`
	IsDirty      bool            `json:"is_dirty"`
	LastModified time.Time       `json:"last_modified"`
	SyncedAt     *time.Time      `json:"synced_at,omitempty"`
}

// ResolutionStrategy records how a conflict was settled.
type ResolutionStrategy string

const (
	StrategyAuto         ResolutionStrategy = "auto"
	StrategyManualLocal  ResolutionStrategy = "manual_local"
	StrategyManualRemote ResolutionStrategy = "manual_remote"
	StrategyManualMerge  ResolutionStrategy = "manual_merge"
)

// Conflict records a detected divergence between a local edit and the
// remote state for one entity. A nil ResolvedAt means still unresolved.
type Conflict struct {
	ID                 string             `json:"id"`
	ProjectID          string             `json:"project_id,omitempty"`
	Entity             string             `json:"entity"`
	EntityID           string             `json:"entity_id"`
	Base               json.RawMessage    `json:"base,omitempty"`
	Local              json.RawMessage    `json:"local,omitempty"`
	Remote             json.RawMessage    `json:"remote,omitempty"`
	Resolution         json.RawMessage    `json:"resolution,omitempty"`
	ResolutionStrategy ResolutionStrategy `json:"resolution_strategy,omitempty"`
	AutoResolved       bool               `json:"auto_resolved"`
	CreatedAt          time.Time          `json:"created_at"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
}

// HealthSnapshot is a point-in-time reachability probe result.
type HealthSnapshot struct {
	ID         string            `json:"id"`
	Target     string            `json:"target"`
	OK         bool              `json:"ok"`
	LatencyMS  int64             `json:"latency_ms,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TakenAt    time.Time         `json:"taken_at"`
}

// Stats aggregates store counters for observability.
type Stats struct {
	OutboxTotal         int `json:"outbox_total"`
	OutboxQueued        int `json:"outbox_queued"`
	OutboxProcessing    int `json:"outbox_processing"`
	OutboxCompleted     int `json:"outbox_completed"`
	OutboxFailed        int `json:"outbox_failed"`
	OutboxConflict      int `json:"outbox_conflict"`
	UnresolvedConflicts int `json:"unresolved_conflicts"`
	PlanCacheSize       int `json:"plan_cache_size"`
	StateCacheSize      int `json:"state_cache_size"`
	HealthTargets       int `json:"health_targets"`
}
