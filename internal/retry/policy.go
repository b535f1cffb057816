// Package retry decides whether a failed attempt is retried and how long to
// wait first. It never sleeps itself; callers own the wait so it stays
// cancellable.
package retry

import (
	"math"
	"time"

	"nightpilot/internal/errors"
)

type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyCustom      Strategy = "custom"
)

// Policy is a backoff shape plus an attempt budget.
type Policy struct {
	MaxRetries int      `json:"max_retries"`
	Strategy   Strategy `json:"strategy"`
	// Base is the fixed interval, the exponential/linear base, and the
	// fallback for custom lists.
	Base       time.Duration `json:"base"`
	Multiplier float64       `json:"multiplier,omitempty"`
	// Max caps computed delays; zero means uncapped.
	Max       time.Duration   `json:"max,omitempty"`
	Intervals []time.Duration `json:"intervals,omitempty"`
	// Jitter is a +/- fraction applied to every delay, 0..1.
	Jitter float64 `json:"jitter,omitempty"`
}

func DefaultPolicy() Policy {
	return Exponential(3, time.Second, 2.0, 60*time.Second)
}

func Fixed(maxRetries int, interval time.Duration) Policy {
	return Policy{MaxRetries: maxRetries, Strategy: StrategyFixed, Base: interval}
}

func Exponential(maxRetries int, base time.Duration, mult float64, maxDelay time.Duration) Policy {
	return Policy{MaxRetries: maxRetries, Strategy: StrategyExponential, Base: base, Multiplier: mult, Max: maxDelay}
}

func Linear(maxRetries int, base time.Duration) Policy {
	return Policy{MaxRetries: maxRetries, Strategy: StrategyLinear, Base: base}
}

func Custom(maxRetries int, fallback time.Duration, intervals ...time.Duration) Policy {
	return Policy{MaxRetries: maxRetries, Strategy: StrategyCustom, Base: fallback, Intervals: intervals}
}

func (p Policy) IsZero() bool {
	return p.Strategy == "" && p.MaxRetries == 0 && p.Base == 0 && p.Max == 0 && len(p.Intervals) == 0
}

func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.Newf("max retries %d must not be negative", p.MaxRetries)
	}
	if p.Base < 0 || p.Max < 0 {
		return errors.New("retry delays must not be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.Newf("retry jitter %g out of range 0..1", p.Jitter)
	}
	switch p.Strategy {
	case StrategyFixed, StrategyLinear, StrategyCustom, "":
	case StrategyExponential:
		if p.Multiplier != 0 && p.Multiplier < 1 {
			return errors.Newf("exponential multiplier %g must be >= 1", p.Multiplier)
		}
	default:
		return errors.Newf("unknown retry strategy %q", p.Strategy)
	}
	for i, d := range p.Intervals {
		if d < 0 {
			return errors.Newf("retry interval %d is negative", i)
		}
	}
	return nil
}

// Delay is the un-jittered wait before retrying after the given failed
// attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyExponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2
		}
		f := float64(p.Base) * math.Pow(mult, float64(attempt))
		if p.Max > 0 && f > float64(p.Max) {
			return p.Max
		}
		if f >= math.MaxInt64 || math.IsInf(f, 0) {
			return time.Duration(math.MaxInt64)
		}
		d = time.Duration(f)
	case StrategyLinear:
		d = p.Base * time.Duration(attempt+1)
	case StrategyCustom:
		if attempt-1 < len(p.Intervals) {
			d = p.Intervals[attempt-1]
		} else {
			d = p.Base
		}
	default:
		d = p.Base
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
