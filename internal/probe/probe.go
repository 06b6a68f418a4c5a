// Package probe supplies the "is the backend reachable" signal that gates
// the sync loop, and records the probe results as health snapshots.
//
// The queue engine only consumes the boolean verdict; everything else
// (latency, status codes, retention) is observability handled through the
// store.
package probe

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/buildrunner/brsync/internal/remote"
	"github.com/buildrunner/brsync/internal/store"
)

// Probe reports whether the backend is currently reachable.
type Probe interface {
	Online(ctx context.Context) bool
}

// Static is a fixed-verdict probe for tests and --assume-online mode.
type Static bool

// Online implements Probe.
func (s Static) Online(ctx context.Context) bool { return bool(s) }

// HealthChecker is the slice of the remote client the probe needs.
type HealthChecker interface {
	CheckHealth(ctx context.Context) remote.HealthResult
	BaseURL() string
}

// HTTPProbe pings the backend health endpoint and caches the verdict for a
// TTL so the 1s queue tick does not turn into a health-check flood.
type HTTPProbe struct {
	checker HealthChecker
	store   *store.Store
	ttl     time.Duration
	logger  *log.Logger

	mu          sync.Mutex
	lastChecked time.Time
	lastVerdict bool

	// now is overridable in tests.
	now func() time.Time
}

// NewHTTPProbe creates a probe. A zero ttl defaults to 10s. If logger is
// nil, a default stderr logger is used.
func NewHTTPProbe(checker HealthChecker, st *store.Store, ttl time.Duration, logger *log.Logger) *HTTPProbe {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}
	return &HTTPProbe{
		checker: checker,
		store:   st,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Online implements Probe. Each fresh check is recorded as a HealthSnapshot
// for the backend target.
func (p *HTTPProbe) Online(ctx context.Context) bool {
	p.mu.Lock()
	if p.now().Sub(p.lastChecked) < p.ttl && !p.lastChecked.IsZero() {
		verdict := p.lastVerdict
		p.mu.Unlock()
		return verdict
	}
	p.mu.Unlock()

	res := p.checker.CheckHealth(ctx)

	if p.store != nil {
		_, err := p.store.RecordHealthSnapshot(ctx, &store.HealthSnapshot{
			Target:     p.checker.BaseURL(),
			OK:         res.OK,
			LatencyMS:  res.Latency.Milliseconds(),
			StatusCode: res.StatusCode,
			Error:      res.Err,
		})
		if err != nil {
			p.logger.Printf("WARNING: failed to record health snapshot: %v", err)
		}
	}

	p.mu.Lock()
	p.lastChecked = p.now()
	p.lastVerdict = res.OK
	p.mu.Unlock()

	if !res.OK {
		p.logger.Printf("Backend unreachable: status=%d err=%s", res.StatusCode, res.Err)
	}

	return res.OK
}
