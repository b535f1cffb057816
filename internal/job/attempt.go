package job

import "time"

type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeCooldownDeferred OutcomeKind = "cooldown_deferred"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeCancelled        OutcomeKind = "cancelled"
)

type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	Output   string      `json:"output,omitempty"`
	ResumeAt time.Time   `json:"resume_at,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Usage is what the CLI reported for one invocation.
type Usage struct {
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CacheReadTokens int64   `json:"cache_read_tokens,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	Model           string  `json:"model,omitempty"`
}

func (u Usage) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

// ExecutionAttempt is one subprocess run on behalf of a job.
type ExecutionAttempt struct {
	JobID         string        `json:"job_id"`
	AttemptNumber int           `json:"attempt"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Outcome       Outcome       `json:"outcome"`
	Duration      time.Duration `json:"duration"`
	Usage         *Usage        `json:"usage,omitempty"`
}

// UsageStats aggregates attempts of one job.
type UsageStats struct {
	JobID           string        `json:"job_id"`
	Attempts        int           `json:"attempts"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	Deferred        int           `json:"deferred"`
	InputTokens     int64         `json:"input_tokens"`
	OutputTokens    int64         `json:"output_tokens"`
	CacheReadTokens int64         `json:"cache_read_tokens"`
	CostUSD         float64       `json:"cost_usd"`
	TotalDuration   time.Duration `json:"total_duration"`
	LastModel       string        `json:"last_model,omitempty"`
	LastAttemptAt   time.Time     `json:"last_attempt_at,omitempty"`
}

func (u *UsageStats) Add(a ExecutionAttempt) {
	u.Attempts++
	switch a.Outcome.Kind {
	case OutcomeSuccess:
		u.Successes++
	case OutcomeFailed:
		u.Failures++
	case OutcomeCooldownDeferred:
		u.Deferred++
	}
	u.TotalDuration += a.Duration
	if a.CompletedAt.After(u.LastAttemptAt) {
		u.LastAttemptAt = a.CompletedAt
	}
	if a.Usage != nil {
		u.InputTokens += a.Usage.InputTokens
		u.OutputTokens += a.Usage.OutputTokens
		u.CacheReadTokens += a.Usage.CacheReadTokens
		u.CostUSD += a.Usage.CostUSD
		if a.Usage.Model != "" {
			u.LastModel = a.Usage.Model
		}
	}
}

func (u UsageStats) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

// SuccessRate is successes over finished (success or failed) attempts.
func (u UsageStats) SuccessRate() float64 {
	n := u.Successes + u.Failures
	if n == 0 {
		return 0
	}
	return float64(u.Successes) / float64(n)
}
