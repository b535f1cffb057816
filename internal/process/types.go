package process

import (
	"time"

	"nightpilot/internal/job"
)

type Config struct {
	// MaxConcurrent bounds in-flight subprocesses across all jobs.
	MaxConcurrent int
	// DefaultTimeout applies when Spec.Timeout is 0.
	DefaultTimeout time.Duration
	HistorySize    int
}

const (
	DefaultMaxConcurrent = 3
	defaultHistorySize   = 200
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = job.DefaultTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Spec describes one subprocess run.
type Spec struct {
	JobID   string
	Attempt int
	Timeout time.Duration
	// MaxParallel is the per-job slot ceiling; 0 means 1.
	MaxParallel int
	Invocation  Invocation
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Result is what Handle.Wait returns.
type Result struct {
	Status   Status
	Output   Output
	Err      error
	Started  time.Time
	Finished time.Time
}

func (r Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// HandleInfo is a read-only view of an in-flight handle.
type HandleInfo struct {
	ID      string        `json:"id"`
	JobID   string        `json:"job_id"`
	Attempt int           `json:"attempt"`
	Started time.Time     `json:"started"`
	Timeout time.Duration `json:"timeout"`
}

type HistoryItem struct {
	ID       string        `json:"id"`
	JobID    string        `json:"job_id"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
}

type Stats struct {
	MaxConcurrent int            `json:"max_concurrent"`
	Running       int            `json:"running"`
	Submitted     uint64         `json:"submitted"`
	Rejected      uint64         `json:"rejected"`
	ByStatus      map[Status]int `json:"by_status"`
	History       []HistoryItem  `json:"history,omitempty"`
}
