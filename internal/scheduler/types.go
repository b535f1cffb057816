package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"nightpilot/internal/job"
	"nightpilot/internal/pipeline"
	"nightpilot/internal/process"
	"nightpilot/internal/retry"
)

const (
	DefaultHealthDeadline = 500 * time.Millisecond
	DefaultDispatchBuffer = 64
	defaultPersistTimeout = 5 * time.Second

	loopRestartMin      = 10 * time.Millisecond
	loopRestartMax      = time.Second
	defaultStatsHistory = 1000
)

// Config controls the scheduler.
type Config struct {
	Timezone       string // IANA TZ for cron jobs without their own; empty means Local
	HealthDeadline time.Duration
	DispatchBuffer int
	// DefaultRetry is given to jobs added without a retry policy. Zero keeps
	// retry.DefaultPolicy.
	DefaultRetry retry.Policy

	// Adaptive fills interval schedules that leave their poll table empty.
	Adaptive AdaptiveConfig
}

type AdaptiveConfig struct {
	Thresholds   []job.Threshold
	PollInterval time.Duration
	FinalMinutes float64
}

func (c Config) withDefaults() Config {
	if c.HealthDeadline <= 0 {
		c.HealthDeadline = DefaultHealthDeadline
	}
	if c.DispatchBuffer <= 0 {
		c.DispatchBuffer = DefaultDispatchBuffer
	}
	return c
}

// Source names what caused a run.
type Source string

const (
	SourceCron     Source = "cron"
	SourceOnce     Source = "once"
	SourceCooldown Source = "cooldown"
	SourcePoll     Source = "poll"
	SourceManual   Source = "manual"
)

// dueEvent asks the dispatch loop to consider a job. Timer events carry the
// version of the timer that produced them; a re-armed job ignores older ones.
type dueEvent struct {
	JobID  string
	At     time.Time
	Source Source
	ver    uint64
}

// entry is one row of the job table. Guarded by Service.mu.
type entry struct {
	job *job.Job

	cronID   cron.EntryID
	timer    *time.Timer
	timerSrc Source
	timerVer uint64

	// running counts executions in flight for this job.
	running int
	// before is the status the job had when its first in-flight run started.
	before job.Status
}

// execution is one in-flight run. Guarded by Service.emu.
type execution struct {
	id     uint64
	jobID  string
	source Source
	start  time.Time
	cancel context.CancelFunc
}

// ExecutionSummary is what TriggerJob reports.
type ExecutionSummary struct {
	JobID    string             `json:"job_id"`
	Outcome  job.Outcome        `json:"outcome"`
	Attempts int                `json:"attempts"`
	Skipped  bool               `json:"skipped,omitempty"`
	Usage    *job.Usage         `json:"usage,omitempty"`
	Duration time.Duration      `json:"duration"`
	Status   job.Status         `json:"status"`
	Children []ExecutionSummary `json:"children,omitempty"`
}

// TriggerOption tunes a manual run.
type TriggerOption func(*triggerOptions)

type triggerOptions struct {
	cascade bool
}

// WithCascade triggers the job's children, depth first, after a successful
// run of the job itself.
func WithCascade() TriggerOption { return func(o *triggerOptions) { o.cascade = true } }

// Node is one job in a hierarchy view.
type Node struct {
	Job      *job.Job `json:"job"`
	Children []Node   `json:"children,omitempty"`
}

// ActiveExecution describes one run in flight.
type ActiveExecution struct {
	JobID   string        `json:"job_id"`
	Source  Source        `json:"source"`
	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`
}

type Snapshot struct {
	Running    bool               `json:"running"`
	Timezone   string             `json:"timezone"`
	Jobs       int                `json:"jobs"`
	ByStatus   map[job.Status]int `json:"by_status"`
	CronJobs   int                `json:"cron_entries"`
	Timers     int                `json:"timers"`
	Executions []ActiveExecution  `json:"executions,omitempty"`
	Dispatched uint64             `json:"dispatched"`
	Stale      uint64             `json:"stale"`
	Process    process.Stats      `json:"process"`
	Gate       pipeline.GateState `json:"gate"`
	Retry      retry.Stats        `json:"retry"`
}
