package wake

import (
	"context"
	"sync"
	"time"

	"github.com/ravenhq/ravenpipe/internal/observe"
)

// rollingWindow is the trailing interval the per-minute cap applies to.
const rollingWindow = time.Minute

// sweepEvery bounds how often the limiter walks the whole session map to
// drop idle entries.
const sweepEvery = time.Minute

// Limiter admits wake detections per session: at most one per cooldown and
// at most maxPerMinute in any rolling 60 s window. Safe for concurrent use.
type Limiter struct {
	settings func() RateLimitSettings
	now      func() time.Time
	metrics  *observe.Metrics

	mu        sync.Mutex
	sessions  map[string]*sessionWindow
	lastSweep time.Time
}

type sessionWindow struct {
	admitted []time.Time
}

// NewLimiter builds a limiter reading its settings per call, so pattern-file
// reloads apply immediately.
func NewLimiter(settings func() RateLimitSettings) *Limiter {
	return &Limiter{
		settings: settings,
		now:      time.Now,
		sessions: make(map[string]*sessionWindow),
	}
}

// Admit reports whether a detection for sessionUID may proceed now, and
// records it if so.
func (l *Limiter) Admit(sessionUID string) bool {
	s := l.settings()
	if !s.Enabled {
		return true
	}
	if !s.PerSession {
		// One shared window for the whole process.
		sessionUID = ""
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweep(now)

	w := l.sessions[sessionUID]
	if w == nil {
		w = &sessionWindow{}
		l.sessions[sessionUID] = w
		if l.metrics != nil {
			l.metrics.ActiveSessions.Add(context.Background(), 1)
		}
	}
	w.prune(now)

	if n := len(w.admitted); n > 0 {
		last := w.admitted[n-1]
		cooldown := time.Duration(s.CooldownS * float64(time.Second))
		if now.Sub(last) < cooldown {
			return false
		}
		if n >= s.MaxPerMinute {
			return false
		}
	}
	w.admitted = append(w.admitted, now)
	return true
}

// prune drops admissions older than the rolling window.
func (w *sessionWindow) prune(now time.Time) {
	cutoff := now.Add(-rollingWindow)
	i := 0
	for i < len(w.admitted) && w.admitted[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.admitted = append(w.admitted[:0], w.admitted[i:]...)
	}
}

// maybeSweep drops sessions with no recent admissions. Caller holds the
// lock.
func (l *Limiter) maybeSweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepEvery {
		return
	}
	l.lastSweep = now
	cutoff := now.Add(-rollingWindow)
	for uid, w := range l.sessions {
		n := len(w.admitted)
		if n == 0 || w.admitted[n-1].Before(cutoff) {
			delete(l.sessions, uid)
			if l.metrics != nil {
				l.metrics.ActiveSessions.Add(context.Background(), -1)
			}
		}
	}
}
