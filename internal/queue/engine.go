// Package queue implements the sync queue engine that drains the outbox.
//
// The engine is the only component with a scheduling loop. Callers enqueue
// typed mutations; a periodic tick pulls due items from the durable store
// and dispatches each one, sequentially and oldest-first, through the
// circuit breaker to its kind-specific remote operation. Failures reschedule
// with exponential backoff; version conflicts are captured into the
// conflicts table instead of being retried blindly.
//
// Enqueue never blocks on the network: delivery is asynchronous by design,
// and delivery failures surface only through Stats, GetFailedItems, and the
// conflicts table.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/buildrunner/brsync/internal/backoff"
	"github.com/buildrunner/brsync/internal/breaker"
	"github.com/buildrunner/brsync/internal/probe"
	"github.com/buildrunner/brsync/internal/remote"
	"github.com/buildrunner/brsync/internal/store"
)

// RemoteSyncer is the set of kind-specific remote operations the engine
// dispatches to. *remote.Client implements it.
type RemoteSyncer interface {
	SyncPlan(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error)
	SyncMicrostep(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error)
	SyncSpec(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error)
	SyncState(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error)
	AddComment(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error)
	UploadFile(ctx context.Context, projectID string, payload json.RawMessage) (json.RawMessage, error)
}

// Notifier receives engine events, e.g. for the status dashboard. All
// methods must be non-blocking.
type Notifier interface {
	ItemUpdated(item *store.OutboxItem)
	ConflictDetected(conflict *store.Conflict)
	BreakerState(state breaker.State)
}

// Resolver is a pluggable automatic conflict-resolution hook. It returns
// the chosen resolution payload and true to resolve the conflict record
// automatically. There is no default merge algorithm; manual resolution is
// the safe path.
type Resolver func(ctx context.Context, conflict *store.Conflict) (json.RawMessage, bool)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// Interval between polling ticks. Default 1s.
	Interval time.Duration

	// BatchSize is the maximum number of due items per tick. Default 10.
	BatchSize int

	// StaleAfter is how long an item may sit in processing before it is
	// reclaimed back to queued (crash recovery). Default 5m.
	StaleAfter time.Duration

	// Backoff is the retry delay policy. Zero value uses backoff.Default.
	Backoff backoff.Policy

	// Breaker configures the circuit breaker gating all remote calls.
	Breaker breaker.Config

	// Notifier receives engine events. Optional.
	Notifier Notifier

	// Resolver is the automatic conflict-resolution hook. Optional.
	Resolver Resolver

	// Logger for engine activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// Stats merges store counters with circuit breaker state.
type Stats struct {
	Store   store.Stats   `json:"store"`
	Breaker breaker.Stats `json:"breaker"`
	Running bool          `json:"running"`
}

// Engine orchestrates enqueue, dispatch, and outcome handling.
type Engine struct {
	store   *store.Store
	remote  RemoteSyncer
	probe   probe.Probe
	breaker *breaker.Breaker
	backoff backoff.Policy

	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	notifier   Notifier
	resolver   Resolver
	logger     *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// now is overridable in tests.
	now func() time.Time
}

// New creates an engine. The store, remote syncer, and probe are required;
// cfg may be nil for defaults.
func New(st *store.Store, rs RemoteSyncer, p probe.Probe, cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	pol := cfg.Backoff
	if pol.Min == 0 && pol.Max == 0 {
		pol = backoff.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	return &Engine{
		store:      st,
		remote:     rs,
		probe:      p,
		breaker:    breaker.New(cfg.Breaker),
		backoff:    pol,
		interval:   interval,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		notifier:   cfg.Notifier,
		resolver:   cfg.Resolver,
		logger:     logger,
		now:        time.Now,
	}
}

// SetNotifier installs the event notifier. Call before StartProcessing.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Enqueue persists a mutation for later delivery and ensures the processing
// loop is running. It never blocks on the network; a storage fault fails
// the caller.
//
// Plan edits and state updates also mark the corresponding cache snapshot
// dirty so readers can tell a local candidate from remote-confirmed truth.
func (e *Engine) Enqueue(ctx context.Context, kind store.Kind, payload json.RawMessage, projectID string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown mutation kind %q", kind)
	}

	if projectID != "" {
		switch kind {
		case store.KindPlanEdit:
			if err := e.store.MarkPlanDirty(ctx, projectID, payload); err != nil {
				return "", err
			}
		case store.KindStateUpdate:
			if err := e.store.MarkStateDirty(ctx, projectID, payload); err != nil {
				return "", err
			}
		}
	}

	id, err := e.store.AddToOutbox(ctx, &store.OutboxItem{
		ProjectID: projectID,
		Kind:      kind,
		Payload:   payload,
	})
	if err != nil {
		return "", err
	}

	e.StartProcessing()
	return id, nil
}

// StartProcessing starts the polling loop. Idempotent.
func (e *Engine) StartProcessing() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx)

	e.logger.Printf("Processing started (interval=%v batch=%d)", e.interval, e.batchSize)
}

// StopProcessing halts future ticks and waits for the current tick to
// finish. Idempotent. An in-flight remote call is not aborted beyond its
// own request timeout.
func (e *Engine) StopProcessing() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Println("Processing stopped")
}

// Running reports whether the polling loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one polling cycle: reclaim stale items, skip entirely while
// offline, then process up to batchSize due items strictly in createdAt
// order.
func (e *Engine) tick(ctx context.Context) {
	if n, err := e.store.ReclaimStale(ctx, e.now().Add(-e.staleAfter)); err != nil {
		e.logger.Printf("WARNING: failed to reclaim stale items: %v", err)
	} else if n > 0 {
		e.logger.Printf("Reclaimed %d stale processing items", n)
	}

	// No dispatch attempts while known-offline; they would all fail.
	if !e.probe.Online(ctx) {
		return
	}

	items, err := e.store.GetQueuedItems(ctx, e.batchSize)
	if err != nil {
		e.logger.Printf("WARNING: failed to fetch due items: %v", err)
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		e.processItem(ctx, item)
	}
}

// processItem drives one item through the dispatch state machine.
func (e *Engine) processItem(ctx context.Context, item *store.OutboxItem) {
	processing := store.StatusProcessing
	if err := e.store.UpdateOutboxItem(ctx, item.ID, store.OutboxUpdate{Status: &processing}); err != nil {
		e.logger.Printf("WARNING: failed to claim item %s: %v", item.ID, err)
		return
	}

	var body json.RawMessage
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		body, opErr = e.dispatch(ctx, item)
		return opErr
	})

	if err == nil {
		e.completeItem(ctx, item, body)
		return
	}

	var conflictErr *remote.ConflictError
	if errors.As(err, &conflictErr) {
		e.conflictItem(ctx, item, conflictErr)
		return
	}

	e.retryOrFail(ctx, item, err)
	e.notifyBreaker()
}

// dispatch routes an item to its kind-specific remote operation. The kind
// set is closed; enqueue rejects anything else.
func (e *Engine) dispatch(ctx context.Context, item *store.OutboxItem) (json.RawMessage, error) {
	switch item.Kind {
	case store.KindPlanEdit:
		return e.remote.SyncPlan(ctx, item.ProjectID, item.Payload)
	case store.KindMicrostepUpdate:
		return e.remote.SyncMicrostep(ctx, item.ProjectID, item.Payload)
	case store.KindSpecSync:
		return e.remote.SyncSpec(ctx, item.ProjectID, item.Payload)
	case store.KindStateUpdate:
		return e.remote.SyncState(ctx, item.ProjectID, item.Payload)
	case store.KindCommentAdd:
		return e.remote.AddComment(ctx, item.ProjectID, item.Payload)
	case store.KindFileUpload:
		return e.remote.UploadFile(ctx, item.ProjectID, item.Payload)
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", item.Kind)
	}
}

// completeItem marks an item delivered and refreshes the plan/state cache
// from the backend's response where applicable.
func (e *Engine) completeItem(ctx context.Context, item *store.OutboxItem, body json.RawMessage) {
	completed := store.StatusCompleted
	if err := e.store.UpdateOutboxItem(ctx, item.ID, store.OutboxUpdate{Status: &completed}); err != nil {
		e.logger.Printf("WARNING: failed to mark item %s completed: %v", item.ID, err)
		return
	}

	if item.ProjectID != "" && len(body) > 0 {
		switch item.Kind {
		case store.KindPlanEdit:
			if err := e.store.CachePlan(ctx, item.ProjectID, body, extractVersion(body)); err != nil {
				e.logger.Printf("WARNING: failed to refresh plan cache for %s: %v", item.ProjectID, err)
			}
		case store.KindStateUpdate:
			if err := e.store.CacheState(ctx, item.ProjectID, body, extractVersion(body)); err != nil {
				e.logger.Printf("WARNING: failed to refresh state cache for %s: %v", item.ProjectID, err)
			}
		}
	}

	e.logger.Printf("Synced %s item %s (project=%s)", item.Kind, item.ID, item.ProjectID)
	item.Status = store.StatusCompleted
	e.notifyItem(item)
}

// conflictItem records the conflict and parks the item in the terminal
// conflict status. Conflict detection short-circuits retries: exactly one
// ConflictItem is recorded per conflicted item, and only an external
// resolution (or operator retry) moves the item again.
func (e *Engine) conflictItem(ctx context.Context, item *store.OutboxItem, conflictErr *remote.ConflictError) {
	entityID := conflictErr.EntityID
	if entityID == "" {
		entityID = item.ProjectID
	}

	conflict := &store.Conflict{
		ProjectID: item.ProjectID,
		Entity:    conflictErr.Entity,
		EntityID:  entityID,
		Base:      conflictErr.Base,
		Local:     item.Payload,
		Remote:    conflictErr.Remote,
	}

	conflictID, err := e.store.AddConflict(ctx, conflict)
	if err != nil {
		// The conflict record failed; leave the item retryable rather than
		// lose the divergence entirely.
		e.logger.Printf("WARNING: failed to record conflict for item %s: %v", item.ID, err)
		e.retryOrFail(ctx, item, err)
		return
	}
	conflict.ID = conflictID

	status := store.StatusConflict
	lastErr := conflictErr.Error()
	if err := e.store.UpdateOutboxItem(ctx, item.ID, store.OutboxUpdate{Status: &status, LastError: &lastErr}); err != nil {
		e.logger.Printf("WARNING: failed to mark item %s conflicted: %v", item.ID, err)
	}

	e.logger.Printf("Conflict on %s %s (item %s, conflict %s)", conflict.Entity, conflict.EntityID, item.ID, conflictID)

	if e.resolver != nil {
		if resolution, ok := e.resolver(ctx, conflict); ok {
			if err := e.store.ResolveConflict(ctx, conflictID, resolution, store.StrategyAuto, true); err != nil {
				e.logger.Printf("WARNING: auto-resolution of conflict %s failed: %v", conflictID, err)
			} else {
				e.logger.Printf("Conflict %s auto-resolved", conflictID)
			}
		}
	}

	item.Status = store.StatusConflict
	e.notifyItem(item)
	if e.notifier != nil {
		e.notifier.ConflictDetected(conflict)
	}
}

// retryOrFail advances the attempt counter and either reschedules the item
// with backoff or marks it permanently failed. Circuit-open rejections
// count as attempts too; they just cost no network round-trip.
func (e *Engine) retryOrFail(ctx context.Context, item *store.OutboxItem, cause error) {
	attempts := item.Attempts + 1
	lastErr := cause.Error()

	if attempts >= item.MaxAttempts {
		failed := store.StatusFailed
		if err := e.store.UpdateOutboxItem(ctx, item.ID, store.OutboxUpdate{
			Status:    &failed,
			Attempts:  &attempts,
			LastError: &lastErr,
		}); err != nil {
			e.logger.Printf("WARNING: failed to mark item %s failed: %v", item.ID, err)
			return
		}
		e.logger.Printf("Item %s failed permanently after %d attempts: %v", item.ID, attempts, cause)
		item.Status = store.StatusFailed
		item.Attempts = attempts
		e.notifyItem(item)
		return
	}

	queued := store.StatusQueued
	nextRun := e.backoff.NextRun(e.now(), attempts)
	if err := e.store.UpdateOutboxItem(ctx, item.ID, store.OutboxUpdate{
		Status:    &queued,
		Attempts:  &attempts,
		NextRunAt: &nextRun,
		LastError: &lastErr,
	}); err != nil {
		e.logger.Printf("WARNING: failed to reschedule item %s: %v", item.ID, err)
		return
	}

	e.logger.Printf("Item %s attempt %d/%d failed, retrying at %s: %v",
		item.ID, attempts, item.MaxAttempts, nextRun.Format(time.RFC3339), cause)
	item.Status = store.StatusQueued
	item.Attempts = attempts
	item.NextRunAt = nextRun
	e.notifyItem(item)
}

// RetryFailed resets every failed item back to queued. Operator action.
func (e *Engine) RetryFailed(ctx context.Context, notBefore time.Time) (int, error) {
	return e.store.RetryFailedItems(ctx, notBefore)
}

// ClearCompleted removes delivered items from the outbox.
func (e *Engine) ClearCompleted(ctx context.Context) (int, error) {
	return e.store.ClearCompletedItems(ctx)
}

// ResetCircuitBreaker forces the breaker closed. Operator action.
func (e *Engine) ResetCircuitBreaker() {
	e.breaker.Reset()
	e.notifyBreaker()
}

// Stats merges store counters with breaker state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	storeStats, err := e.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Store:   storeStats,
		Breaker: e.breaker.Stats(),
		Running: e.Running(),
	}, nil
}

func (e *Engine) notifyItem(item *store.OutboxItem) {
	if e.notifier != nil {
		e.notifier.ItemUpdated(item)
	}
}

func (e *Engine) notifyBreaker() {
	if e.notifier != nil {
		e.notifier.BreakerState(e.breaker.State())
	}
}

// extractVersion pulls the version tag out of a response body, if present.
func extractVersion(body json.RawMessage) string {
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	return v.Version
}
