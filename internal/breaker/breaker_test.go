package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRemote = errors.New("remote unavailable")

// testBreaker returns a breaker with a controllable clock.
func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			return errRemote
		})
		if !errors.Is(err, errRemote) {
			t.Fatalf("failure %d: err = %v, want %v", i+1, err, errRemote)
		}
	}
}

// TestExecute_OpensAfterThreshold verifies closed → open after 5 failures
// and that the 6th call is rejected without invoking the operation.
func TestExecute_OpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(Config{})

	failN(t, b, 5)

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 5 failures = %v, want %v", got, StateOpen)
	}

	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if invoked {
		t.Error("operation was invoked while breaker open")
	}
}

// TestExecute_HalfOpenAfterCooldown verifies open → half-open once the
// cooldown elapses, and that the probe call is allowed through.
func TestExecute_HalfOpenAfterCooldown(t *testing.T) {
	b, now := testBreaker(Config{})

	failN(t, b, 5)
	*now = now.Add(61 * time.Second)

	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if !invoked {
		t.Fatal("probe operation was not invoked")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Errorf("state = %v, want %v", got, StateHalfOpen)
	}
}

// TestExecute_ClosesAfterSuccessThreshold verifies half-open → closed after
// 3 consecutive probe successes.
func TestExecute_ClosesAfterSuccessThreshold(t *testing.T) {
	b, now := testBreaker(Config{})

	failN(t, b, 5)
	*now = now.Add(61 * time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("probe %d failed: %v", i+1, err)
		}
	}

	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want %v", got, StateClosed)
	}
}

// TestExecute_HalfOpenFailureReopens verifies a single probe failure sends
// the breaker straight back to open and resets the success count.
func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(Config{})

	failN(t, b, 5)
	*now = now.Add(61 * time.Second)

	// Two good probes, then a bad one.
	for i := 0; i < 2; i++ {
		if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("probe %d failed: %v", i+1, err)
		}
	}
	failN(t, b, 1)

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want %v", got, StateOpen)
	}

	// Still within the new cooldown: rejected locally.
	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

// TestExecute_ProbeBudget verifies the half-open probe limit.
func TestExecute_ProbeBudget(t *testing.T) {
	b, now := testBreaker(Config{SuccessThreshold: 10})

	failN(t, b, 5)
	*now = now.Add(61 * time.Second)

	// The half-open window admits 3 calls; the 4th is rejected.
	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("probe %d failed: %v", i+1, err)
		}
	}
	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrTooManyProbes) {
		t.Errorf("err = %v, want ErrTooManyProbes", err)
	}
}

// TestExecute_SuccessResetsFailures verifies a success while closed clears
// the consecutive-failure count.
func TestExecute_SuccessResetsFailures(t *testing.T) {
	b, _ := testBreaker(Config{})

	failN(t, b, 4)
	if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("success call failed: %v", err)
	}
	failN(t, b, 4)

	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want %v (failure streak should have reset)", got, StateClosed)
	}
}

// TestReset verifies Reset forces closed and zeroes counters.
func TestReset(t *testing.T) {
	b, _ := testBreaker(Config{})

	failN(t, b, 5)
	b.Reset()

	if got := b.State(); got != StateClosed {
		t.Errorf("state after Reset = %v, want %v", got, StateClosed)
	}
	stats := b.Stats()
	if stats.Failures != 0 || stats.Successes != 0 || stats.ProbeCalls != 0 {
		t.Errorf("counters after Reset = %+v, want zeroes", stats)
	}
}

// TestStats_TracksRejects verifies rejected calls are counted.
func TestStats_TracksRejects(t *testing.T) {
	b, _ := testBreaker(Config{})

	failN(t, b, 5)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	}

	stats := b.Stats()
	if stats.TotalRejects != 3 {
		t.Errorf("TotalRejects = %d, want 3", stats.TotalRejects)
	}
	if stats.TotalOpens != 1 {
		t.Errorf("TotalOpens = %d, want 1", stats.TotalOpens)
	}
}
