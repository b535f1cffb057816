package pipeline

import (
	"sync"
	"time"

	"nightpilot/internal/cooldown"
)

// Gate is the process-wide cooldown gate. A cooling verdict from any job
// closes it until the verdict's resume time; while closed no subprocess is
// spawned.
type Gate struct {
	mu       sync.Mutex
	enabled  bool
	until    time.Time
	verdict  cooldown.Verdict
	trips    int
	deferred int
}

type GateState struct {
	Enabled  bool          `json:"enabled"`
	Closed   bool          `json:"closed"`
	Until    time.Time     `json:"until,omitempty"`
	Pattern  string        `json:"pattern,omitempty"`
	Trips    int           `json:"trips"`
	Deferred int           `json:"deferred"`
	Message  string        `json:"message,omitempty"`
	Remain   time.Duration `json:"remaining,omitempty"`
}

func NewGate(enabled bool) *Gate { return &Gate{enabled: enabled} }

func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	if !enabled {
		g.until = time.Time{}
	}
	g.mu.Unlock()
}

// Closed reports whether executions must be deferred, and until when. An
// expired gate reopens on first check.
func (g *Gate) Closed(now time.Time) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled || g.until.IsZero() {
		return false, time.Time{}
	}
	if !now.Before(g.until) {
		g.until = time.Time{}
		return false, time.Time{}
	}
	g.deferred++
	return true, g.until
}

// Trip closes the gate for v. A later resume time extends it; an earlier one
// never shortens it.
func (g *Gate) Trip(v cooldown.Verdict) {
	if !v.IsCooling || v.ResumeAt.IsZero() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return
	}
	g.trips++
	if v.ResumeAt.After(g.until) {
		g.until = v.ResumeAt
		g.verdict = v
	}
}

func (g *Gate) State(now time.Time) GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := GateState{Enabled: g.enabled, Trips: g.trips, Deferred: g.deferred}
	if g.enabled && !g.until.IsZero() && now.Before(g.until) {
		st.Closed = true
		st.Until = g.until
		st.Remain = g.until.Sub(now)
		st.Pattern = string(g.verdict.Pattern)
		st.Message = g.verdict.RawMessage
	}
	return st
}
