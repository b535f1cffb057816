// Package usage estimates how many minutes remain in the external CLI's
// current usage block. Adaptive schedules poll it to fire close to the end of
// a block. The estimate is advisory: probes may fail or be stale.
package usage

import (
	"context"
	"time"
)

// Info is one estimate.
type Info struct {
	RemainingMinutes float64   `json:"remaining_minutes"`
	TotalMinutes     float64   `json:"total_minutes"`
	ResetAt          time.Time `json:"reset_at,omitempty"`
	// Known is false when no source produced an estimate.
	Known     bool      `json:"known"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsedFraction is 0..1, or 0 when unknown.
func (i Info) UsedFraction() float64 {
	if !i.Known || i.TotalMinutes <= 0 {
		return 0
	}
	f := 1 - i.RemainingMinutes/i.TotalMinutes
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

type Source interface {
	RemainingMinutes(ctx context.Context) (Info, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Info, error)

func (f SourceFunc) RemainingMinutes(ctx context.Context) (Info, error) { return f(ctx) }

// Static always reports the given remaining minutes.
func Static(remaining, total float64) Source {
	return SourceFunc(func(context.Context) (Info, error) {
		now := time.Now()
		return newInfo(remaining, total, "static", now), nil
	})
}

func newInfo(remaining, total float64, source string, now time.Time) Info {
	if remaining < 0 {
		remaining = 0
	}
	if total <= 0 {
		total = DefaultBlockMinutes
	}
	i := Info{RemainingMinutes: remaining, TotalMinutes: total, Known: true, Source: source, UpdatedAt: now}
	if remaining > 0 {
		i.ResetAt = now.Add(time.Duration(remaining * float64(time.Minute)))
	}
	return i
}
