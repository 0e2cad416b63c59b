package track

import "time"

// GateState is the resync gate's view of the cache.
type GateState int

const (
	// Stale means a bulk pull is due: no sync yet, or the refresh interval has
	// elapsed since the last one.
	Stale GateState = iota
	// Fresh means the last bulk pull is recent enough to skip this tick.
	Fresh
)

func (g GateState) String() string {
	switch g {
	case Stale:
		return "stale"
	case Fresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// Gate decides, once per scheduled tick, whether a bulk pull is due.
type Gate struct {
	// Refresh is the minimum time between bulk pulls.
	Refresh time.Duration
}

// Evaluate returns the gate state for s at now.
func (g Gate) Evaluate(s *State, now time.Time) GateState {
	if s == nil || s.LastSyncAt == nil {
		return Stale
	}
	if now.Sub(*s.LastSyncAt) >= g.Refresh {
		return Stale
	}
	return Fresh
}

// Due reports whether a bulk pull should run for s at now.
func (g Gate) Due(s *State, now time.Time) bool {
	return g.Evaluate(s, now) == Stale
}
