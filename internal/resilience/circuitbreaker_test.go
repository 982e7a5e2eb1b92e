package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testBreaker(cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(cfg)
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func fail(cb *CircuitBreaker) error    { return cb.Execute(func() error { return errBoom }) }
func succeed(cb *CircuitBreaker) error { return cb.Execute(func() error { return nil }) }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := testBreaker(BreakerConfig{MaxFailures: 3})

	for range 3 {
		if err := fail(cb); !errors.Is(err, errBoom) {
			t.Fatalf("got %v, want errBoom", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := fail(cb); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker returned %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	cb, _ := testBreaker(BreakerConfig{MaxFailures: 3})

	fail(cb)
	fail(cb)
	succeed(cb)
	fail(cb)
	fail(cb)
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed (streak was reset)", cb.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb, now := testBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 30 * time.Second, HalfOpenMax: 2})

	fail(cb)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	*now = now.Add(31 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after reset timeout", cb.State())
	}

	// Enough successful probes close the breaker.
	if err := succeed(cb); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := succeed(cb); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after probes", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := testBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 30 * time.Second})

	fail(cb)
	*now = now.Add(31 * time.Second)
	fail(cb) // failed probe
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want re-opened", cb.State())
	}
}

func TestBreakerReset(t *testing.T) {
	cb, _ := testBreaker(BreakerConfig{MaxFailures: 1})

	fail(cb)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after reset", cb.State())
	}
	if err := succeed(cb); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}
