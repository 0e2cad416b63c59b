package track

import (
	"testing"
	"time"
)

func TestGate_NoSyncIsStale(t *testing.T) {
	g := Gate{Refresh: time.Second}
	if got := g.Evaluate(NewState(), ms(0)); got != Stale {
		t.Errorf("got %v, want stale", got)
	}
	if !g.Due(nil, ms(0)) {
		t.Error("nil state should be due")
	}
}

func TestGate_Hysteresis(t *testing.T) {
	const T, R = 10_000, 1_000
	st := NewState()
	st.MergeBulk(nil, ms(T))
	g := Gate{Refresh: R * time.Millisecond}

	tests := []struct {
		now  int64
		want GateState
	}{
		{T, Fresh},
		{T + R - 1, Fresh},
		{T + R, Stale},
		{T + R + 1, Stale},
	}
	for _, tc := range tests {
		if got := g.Evaluate(st, ms(tc.now)); got != tc.want {
			t.Errorf("now=%d: got %v, want %v", tc.now, got, tc.want)
		}
	}
}

func TestGate_FreshScenario(t *testing.T) {
	st := NewState()
	st.MergeBulk(nil, ms(4500))
	g := Gate{Refresh: 1000 * time.Millisecond}

	if g.Due(st, ms(5000)) {
		t.Error("sync 500ms ago with 1s refresh should not be due")
	}
}
