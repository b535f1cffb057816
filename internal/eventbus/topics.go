package eventbus

import "time"

const (
	JobAdded     = "job.added"
	JobRemoved   = "job.removed"
	JobPaused    = "job.paused"
	JobResumed   = "job.resumed"
	JobCancelled = "job.cancelled"
	JobFired     = "job.fired"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobCooldown  = "job.cooldown"
	JobSkipped   = "job.skipped"

	ExecutionStarted  = "execution.started"
	ExecutionAttempt  = "execution.attempt"
	ExecutionFinished = "execution.finished"

	LogRecord      = "log.record"
	ConfigReloaded = "config.reloaded"
	ConfigError    = "config.error"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name,omitempty"`
	Status   string    `json:"status,omitempty"`
	Source   string    `json:"source,omitempty"`
	ResumeAt time.Time `json:"resume_at,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ExecutionEvent is the payload of execution.* events.
type ExecutionEvent struct {
	ExecID   string        `json:"exec_id"`
	JobID    string        `json:"job_id"`
	Attempt  int           `json:"attempt,omitempty"`
	Status   string        `json:"status,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
