package job

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"nightpilot/internal/errors"
	"nightpilot/internal/retry"
)

// New returns an Active job with defaults applied and a fresh ID.
func New(name, prompt string, sched Schedule) *Job {
	j := &Job{Name: name, Prompt: prompt, Schedule: sched}
	j.ApplyDefaults(time.Now())
	return j
}

func NewID() string { return uuid.NewString() }

// ApplyDefaults fills zero-valued fields. It never overrides explicit values.
func (j *Job) ApplyDefaults(now time.Time) {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.Status == "" {
		j.Status = StatusActive
	}
	if j.Priority == 0 {
		j.Priority = DefaultPriority
	}
	if j.Retry.IsZero() {
		j.Retry = retry.DefaultPolicy()
	}
	if j.Schedule.Kind == "" {
		j.Schedule.Kind = KindTriggered
	}
	j.Options = j.Options.withDefaults()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
}

func (j *Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return errors.WithHint(errors.New("job name is required"), "pass --name")
	}
	if strings.TrimSpace(j.Prompt) == "" && strings.TrimSpace(j.PromptRef) == "" {
		return errors.New("job needs a prompt or a prompt reference")
	}
	if j.Priority < 1 || j.Priority > 10 {
		return errors.Newf("priority %d out of range 1..10", j.Priority)
	}
	if !j.Status.Valid() {
		return errors.Newf("unknown status %q", j.Status)
	}
	if j.Options.Timeout < 0 {
		return errors.Newf("negative timeout %s", j.Options.Timeout)
	}
	if err := j.Retry.Validate(); err != nil {
		return err
	}
	return j.Schedule.Validate()
}

func (j *Job) IsTerminal() bool { return j.Status.Terminal() }

// Runnable reports whether timed fires should execute the job.
func (j *Job) Runnable() bool {
	return j.Status == StatusActive || j.Status == StatusCooldown
}

// StartExecution moves the job to Running. Terminal and already running jobs
// are rejected.
func (j *Job) StartExecution(now time.Time) error {
	if j.IsTerminal() {
		return errors.Newf("job %s is %s", j.ID, j.Status)
	}
	if j.Status == StatusRunning {
		return errors.Mark(errors.Newf("job %s is already running", j.ID), errors.ErrConcurrencyLimitExceeded)
	}
	j.Status = StatusRunning
	j.LastRunAt = now
	j.UpdatedAt = now
	return nil
}

// RecordAttemptFailure notes one failed attempt inside a running execution.
func (j *Job) RecordAttemptFailure(now time.Time, msg string) {
	j.FailureCount++
	j.LastError = msg
	j.UpdatedAt = now
}

// CompleteExecution ends a run. A successful run of a non-repeating schedule
// completes the job; a failed run marks it Failed. A job cancelled while it
// was running stays Cancelled.
func (j *Job) CompleteExecution(now time.Time, success bool, errMsg string) {
	if j.Status == StatusCancelled {
		return
	}
	j.ExecutionCount++
	j.LastRunAt = now
	j.UpdatedAt = now
	if success {
		j.FailureCount = 0
		j.LastError = ""
		j.CooldownUntil = time.Time{}
		if j.Schedule.Repeating() {
			j.Status = StatusActive
		} else {
			j.Status = StatusCompleted
			j.NextRunAt = time.Time{}
		}
		return
	}
	j.FailedRuns++
	if errMsg != "" {
		j.LastError = errMsg
	}
	j.Status = StatusFailed
	j.NextRunAt = time.Time{}
}

// EnterCooldown parks the job until resumeAt. It does not count as a failure.
func (j *Job) EnterCooldown(now, resumeAt time.Time) {
	if j.IsTerminal() {
		return
	}
	j.Status = StatusCooldown
	j.CooldownUntil = resumeAt
	j.NextRunAt = resumeAt
	j.UpdatedAt = now
}

// ExitCooldown returns a cooling job to Active.
func (j *Job) ExitCooldown(now time.Time) bool {
	if j.Status != StatusCooldown {
		return false
	}
	j.Status = StatusActive
	j.CooldownUntil = time.Time{}
	j.UpdatedAt = now
	return true
}

func (j *Job) Pause(now time.Time) bool {
	if j.Status != StatusActive && j.Status != StatusCooldown {
		return false
	}
	j.Status = StatusPaused
	j.UpdatedAt = now
	return true
}

func (j *Job) Resume(now time.Time) bool {
	if j.Status != StatusPaused {
		return false
	}
	j.Status = StatusActive
	j.CooldownUntil = time.Time{}
	j.UpdatedAt = now
	return true
}

// Cancel is a no-op on terminal jobs and reports whether anything changed.
func (j *Job) Cancel(now time.Time) bool {
	if j.IsTerminal() {
		return false
	}
	j.Status = StatusCancelled
	j.NextRunAt = time.Time{}
	j.UpdatedAt = now
	return true
}

// SuccessRate is the share of finished executions that did not fail.
func (j *Job) SuccessRate() float64 {
	if j.ExecutionCount == 0 {
		return 0
	}
	ok := j.ExecutionCount - j.FailedRuns
	if ok < 0 {
		ok = 0
	}
	return float64(ok) / float64(j.ExecutionCount)
}

func (j *Job) HasChild(id string) bool { return slices.Contains(j.ChildIDs, id) }

func (j *Job) AddChild(id string) {
	if !j.HasChild(id) {
		j.ChildIDs = append(j.ChildIDs, id)
	}
}

func (j *Job) RemoveChild(id string) {
	j.ChildIDs = slices.DeleteFunc(j.ChildIDs, func(c string) bool { return c == id })
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ChildIDs = slices.Clone(j.ChildIDs)
	c.Tags = slices.Clone(j.Tags)
	c.Metadata = maps.Clone(j.Metadata)
	c.Options.Env = maps.Clone(j.Options.Env)
	c.Schedule.Thresholds = slices.Clone(j.Schedule.Thresholds)
	c.Retry.Intervals = slices.Clone(j.Retry.Intervals)
	return &c
}
