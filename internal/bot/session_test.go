package bot

import "testing"

func TestSessionBindingMatch(t *testing.T) {
	b := NewSessionBinding("C1", "M1", nil)

	// Before the recognizer binds, only the connection id matches.
	if got := b.Match("C1"); got != MatchConnection {
		t.Errorf("Match(connection id) = %v, want MatchConnection", got)
	}
	if got := b.Match("S1"); got != MatchNone {
		t.Errorf("Match(unknown) = %v, want MatchNone", got)
	}

	b.UpdateSessionUID("S1")
	if got := b.Match("S1"); got != MatchSession {
		t.Errorf("Match(session uid) = %v, want MatchSession", got)
	}
	if got := b.Match("C1"); got != MatchConnection {
		t.Errorf("Match(connection id) = %v, want MatchConnection", got)
	}
	if got := b.Match("S2"); got != MatchNone {
		t.Errorf("Match(foreign uid) = %v, want MatchNone", got)
	}
}

func TestSessionBindingRebind(t *testing.T) {
	b := NewSessionBinding("C1", "M1", nil)
	b.UpdateSessionUID("S1")
	b.UpdateSessionUID("S2")

	if got := b.SessionUID(); got != "S2" {
		t.Fatalf("SessionUID = %q, want S2", got)
	}
	if got := b.Match("S1"); got != MatchNone {
		t.Errorf("stale uid still matches: %v", got)
	}
	if got := b.Match("S2"); got != MatchSession {
		t.Errorf("Match(new uid) = %v, want MatchSession", got)
	}
}

func TestSessionBindingAccessors(t *testing.T) {
	b := NewSessionBinding("C1", "M1", nil)
	if b.ConnectionID() != "C1" || b.MeetingID() != "M1" {
		t.Fatalf("accessors = %q/%q, want C1/M1", b.ConnectionID(), b.MeetingID())
	}
	if b.SessionUID() != "" {
		t.Fatalf("SessionUID before bind = %q, want empty", b.SessionUID())
	}
}
