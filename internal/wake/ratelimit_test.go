package wake

import (
	"testing"
	"time"
)

func testLimiter(s RateLimitSettings) (*Limiter, *time.Time) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	l := NewLimiter(func() RateLimitSettings { return s })
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterCooldown(t *testing.T) {
	l, now := testLimiter(RateLimitSettings{
		Enabled: true, CooldownS: 3, MaxPerMinute: 15, PerSession: true,
	})

	if !l.Admit("s-1") {
		t.Fatal("first admission rejected")
	}
	*now = now.Add(time.Second)
	if l.Admit("s-1") {
		t.Error("admission within cooldown accepted")
	}
	*now = now.Add(3 * time.Second)
	if !l.Admit("s-1") {
		t.Error("admission after cooldown rejected")
	}
}

func TestLimiterPerMinuteCap(t *testing.T) {
	l, now := testLimiter(RateLimitSettings{
		Enabled: true, CooldownS: 0, MaxPerMinute: 3, PerSession: true,
	})

	for i := range 3 {
		if !l.Admit("s-1") {
			t.Fatalf("admission %d rejected", i)
		}
		*now = now.Add(time.Second)
	}
	if l.Admit("s-1") {
		t.Error("admission over per-minute cap accepted")
	}

	// Window slides: a minute past the first admission frees a slot.
	*now = now.Add(rollingWindow)
	if !l.Admit("s-1") {
		t.Error("admission after window slid rejected")
	}
}

func TestLimiterSessionsIndependent(t *testing.T) {
	l, _ := testLimiter(RateLimitSettings{
		Enabled: true, CooldownS: 3, MaxPerMinute: 15, PerSession: true,
	})

	if !l.Admit("s-1") {
		t.Fatal("first admission rejected")
	}
	if !l.Admit("s-2") {
		t.Error("other session blocked by s-1's cooldown")
	}
}

func TestLimiterSharedWindowWhenNotPerSession(t *testing.T) {
	l, _ := testLimiter(RateLimitSettings{
		Enabled: true, CooldownS: 3, MaxPerMinute: 15, PerSession: false,
	})

	if !l.Admit("s-1") {
		t.Fatal("first admission rejected")
	}
	if l.Admit("s-2") {
		t.Error("shared window did not apply across sessions")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l, _ := testLimiter(RateLimitSettings{Enabled: false})
	for range 100 {
		if !l.Admit("s-1") {
			t.Fatal("disabled limiter rejected an admission")
		}
	}
}

func TestLimiterSweepsIdleSessions(t *testing.T) {
	l, now := testLimiter(RateLimitSettings{
		Enabled: true, CooldownS: 0, MaxPerMinute: 15, PerSession: true,
	})

	l.Admit("s-old")
	*now = now.Add(2 * rollingWindow)
	l.Admit("s-new")

	l.mu.Lock()
	_, oldKept := l.sessions["s-old"]
	l.mu.Unlock()
	if oldKept {
		t.Error("idle session survived the sweep")
	}
}
