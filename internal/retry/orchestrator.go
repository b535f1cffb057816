package retry

import (
	"math/rand"
	"sync"
	"time"

	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

const defaultHistorySize = 200

// Decision is the verdict for one failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Class  Class
	Reason string
}

// Record is one entry of the attempt history.
type Record struct {
	JobID   string        `json:"job_id"`
	Attempt int           `json:"attempt"`
	At      time.Time     `json:"at"`
	Class   Class         `json:"class,omitempty"`
	Error   string        `json:"error,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

type Stats struct {
	TotalAttempts int           `json:"total_attempts"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	Retries       int           `json:"retries"`
	TotalDelay    time.Duration `json:"total_delay"`
	ByClass       map[Class]int `json:"by_class,omitempty"`
	SuccessRate   float64       `json:"success_rate"`
}

// Orchestrator is safe for concurrent use by many pipelines.
type Orchestrator struct {
	log logx.Logger

	mu          sync.Mutex
	rng         *rand.Rand
	history     []Record
	historySize int
	stats       Stats
}

func New(log logx.Logger, historySize int) *Orchestrator {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Orchestrator{
		log:         log,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		historySize: historySize,
		stats:       Stats{ByClass: map[Class]int{}},
	}
}

// ShouldRetry decides for a failed attempt (1-based). Permanent errors and
// auth failures stop immediately; otherwise retries stop once attempt reaches
// MaxRetries.
func (o *Orchestrator) ShouldRetry(err error, attempt int, p Policy) Decision {
	if err == nil {
		return Decision{Reason: "succeeded"}
	}
	class := Classify(err)
	d := Decision{Class: class}
	switch {
	case errors.IsPermanent(err):
		d.Reason = "permanent error"
		return d
	case class == ClassAuth:
		d.Reason = "authentication failure"
		return d
	case class == ClassCooldown:
		d.Reason = "cooldown is handled by the detector"
		return d
	case attempt >= p.MaxRetries:
		d.Reason = "retries exhausted"
		return d
	}

	delay := o.jitter(p.Delay(attempt), p.Jitter)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	d.Retry = true
	d.Delay = delay
	d.Reason = "retryable " + string(class)
	return d
}

func (o *Orchestrator) jitter(d time.Duration, j float64) time.Duration {
	if j <= 0 || d <= 0 {
		return d
	}
	o.mu.Lock()
	r := (o.rng.Float64()*2 - 1) * j
	o.mu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}

// Observe records an attempt result. A nil err counts as a success.
func (o *Orchestrator) Observe(jobID string, attempt int, err error, d Decision) {
	rec := Record{JobID: jobID, Attempt: attempt, At: time.Now()}
	if err != nil {
		rec.Class = d.Class
		rec.Error = err.Error()
		rec.Delay = d.Delay
	}

	o.mu.Lock()
	o.stats.TotalAttempts++
	if err == nil {
		o.stats.Successes++
	} else {
		o.stats.Failures++
		o.stats.ByClass[d.Class]++
		if d.Retry {
			o.stats.Retries++
			o.stats.TotalDelay += d.Delay
		}
	}
	o.history = append(o.history, rec)
	if len(o.history) > o.historySize {
		o.history = o.history[len(o.history)-o.historySize:]
	}
	o.mu.Unlock()

	if err != nil && !o.log.IsZero() {
		o.log.Debug("retry.observed", logx.String("job_id", jobID), logx.Int("attempt", attempt), logx.String("class", string(d.Class)), logx.Bool("retry", d.Retry), logx.Duration("delay", d.Delay))
	}
}

// History returns up to limit most recent records, newest first.
func (o *Orchestrator) History(limit int) []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, o.history[i])
	}
	return out
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.ByClass = make(map[Class]int, len(o.stats.ByClass))
	for k, v := range o.stats.ByClass {
		s.ByClass[k] = v
	}
	if s.TotalAttempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.TotalAttempts)
	}
	return s
}
