package cooldown

import (
	"context"
	"fmt"
	"time"
)

// SmartWait blocks for v.Remaining, or until ctx is done. It returns at once
// when v is not cooling.
func SmartWait(ctx context.Context, v Verdict) error {
	if !v.IsCooling || v.Remaining <= 0 {
		return nil
	}
	tmr := time.NewTimer(v.Remaining)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// FormatRemaining renders d as "1h 1m 1s", "2m 5s" or "45s".
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
