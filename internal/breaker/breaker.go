// Package breaker provides a tri-state circuit breaker for remote calls.
//
// The breaker protects the sync loop from hammering a failing backend:
// after a run of consecutive failures it opens and rejects calls locally,
// then after a cooldown it half-opens and lets a bounded number of probe
// calls through. Enough consecutive probe successes close it again; any
// probe failure reopens it.
//
// One breaker instance gates all remote calls made by one queue engine.
// State is in-memory only; a process restart always begins closed.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State identifies the breaker's current mode.
type State string

const (
	// StateClosed passes operations through normally.
	StateClosed State = "closed"
	// StateOpen rejects operations without invoking them.
	StateOpen State = "open"
	// StateHalfOpen allows a bounded number of probe operations.
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the breaker is open and the cooldown has not
// elapsed. No network call was attempted.
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyProbes is returned when the breaker is half-open and the probe
// budget for this recovery window is exhausted.
var ErrTooManyProbes = errors.New("circuit breaker half-open probe limit exceeded")

// Config holds breaker tuning parameters.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int

	// SuccessThreshold is the consecutive-success count while half-open that
	// closes the breaker.
	SuccessThreshold int

	// Cooldown is how long the breaker stays open before allowing probes.
	Cooldown time.Duration

	// HalfOpenMaxCalls bounds concurrent-window probe calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultConfig returns the defaults used by the sync queue.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	State        State     `json:"state"`
	Failures     int       `json:"failures"`
	Successes    int       `json:"successes"`
	ProbeCalls   int       `json:"probe_calls"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	TotalOpens   int       `json:"total_opens"`
	TotalRejects int       `json:"total_rejects"`
}

// Breaker is a tri-state failure gate. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	probeCalls   int
	lastFailure  time.Time
	openedAt     time.Time
	totalOpens   int
	totalRejects int

	// now is overridable in tests.
	now func() time.Time
}

// New creates a closed breaker. Zero-valued config fields fall back to
// DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}

	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Execute runs op through the breaker.
//
// If the breaker is open and the cooldown has not elapsed, it returns
// ErrOpen without invoking op. If it is half-open and the probe budget is
// spent, it returns ErrTooManyProbes. Otherwise op runs and its outcome
// updates the breaker counters.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

// admit decides whether a call may proceed, transitioning open → half-open
// when the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			b.totalRejects++
			return ErrOpen
		}
		// Cooldown elapsed; allow a probe window.
		b.state = StateHalfOpen
		b.successes = 0
		b.probeCalls = 1
		return nil

	case StateHalfOpen:
		if b.probeCalls >= b.cfg.HalfOpenMaxCalls {
			b.totalRejects++
			return ErrTooManyProbes
		}
		b.probeCalls++
		return nil

	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.successes = 0
			b.probeCalls = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		// A single probe failure reopens immediately.
		b.open()
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

// open transitions to the open state. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = StateOpen
	b.successes = 0
	b.probeCalls = 0
	b.openedAt = b.now()
	b.totalOpens++
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		ProbeCalls:   b.probeCalls,
		LastFailure:  b.lastFailure,
		OpenedAt:     b.openedAt,
		TotalOpens:   b.totalOpens,
		TotalRejects: b.totalRejects,
	}
}

// Reset forces the breaker closed and zeroes all counters. Intended for
// operator recovery and tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probeCalls = 0
	b.lastFailure = time.Time{}
	b.openedAt = time.Time{}
}
