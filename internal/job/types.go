package job

import (
	"time"

	"nightpilot/internal/retry"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusCooldown  Status = "cooldown"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusRunning, StatusCompleted, StatusCancelled, StatusFailed, StatusCooldown:
		return true
	}
	return false
}

const (
	DefaultPriority    = 5
	DefaultTimeout     = 300 * time.Second
	DefaultMaxParallel = 1
)

// Options controls how a single execution of the job runs.
type Options struct {
	Timeout         time.Duration     `json:"timeout"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	MaxParallel     int               `json:"max_parallel"`
	SkipIfRunning   bool              `json:"skip_if_running,omitempty"`
	SkipPermissions bool              `json:"skip_permissions,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	// ExtraArgs is appended to the CLI invocation after shell-style splitting.
	ExtraArgs string `json:"extra_args,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = DefaultMaxParallel
	}
	return o
}

// Job is one scheduled unit of work: a prompt for the external CLI plus when
// and how to run it.
type Job struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PromptRef string `json:"prompt_ref,omitempty"`
	// Prompt is inline prompt text; it wins over PromptRef when set.
	Prompt string `json:"prompt,omitempty"`

	Schedule Schedule     `json:"schedule"`
	Status   Status       `json:"status"`
	Priority int          `json:"priority"`
	Retry    retry.Policy `json:"retry"`
	Options  Options      `json:"options"`

	// ParentID is a lookup-only back-reference; the parent owns ChildIDs.
	ParentID string   `json:"parent_id,omitempty"`
	ChildIDs []string `json:"child_ids,omitempty"`

	ExecutionCount int `json:"execution_count"`
	// FailureCount counts failed attempts since the last success.
	FailureCount int `json:"failure_count"`
	// FailedRuns counts executions that ended Failed.
	FailedRuns    int       `json:"failed_runs"`
	LastError     string    `json:"last_error,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`

	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
}
