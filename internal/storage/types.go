package storage

import (
	"context"
	"time"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty it defaults to "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Prompt is a named, reusable prompt text. Jobs refer to it by Name.
type Prompt struct {
	Name        string    `json:"name"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Repository is the persistence API the scheduler and the CLI use.
type Repository interface {
	SaveJob(ctx context.Context, j *job.Job) error
	DeleteJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	// ListJobs returns every stored job, terminal ones included.
	ListJobs(ctx context.Context) ([]*job.Job, error)
	// LoadPendingJobs returns the jobs that must be re-armed on startup.
	LoadPendingJobs(ctx context.Context) ([]*job.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status job.Status, nextRunAt time.Time) error

	AppendExecutionResult(ctx context.Context, jobID string, a job.ExecutionAttempt) error
	// ListExecutions returns up to limit attempts, newest first. limit <= 0
	// means all.
	ListExecutions(ctx context.Context, jobID string, limit int) ([]job.ExecutionAttempt, error)

	SavePrompt(ctx context.Context, p Prompt) error
	GetPrompt(ctx context.Context, name string) (Prompt, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)

	Close() error
}

// Pending reports whether a stored job is re-armed on startup. Running jobs
// were interrupted mid-run and are run again.
func Pending(s job.Status) bool {
	switch s {
	case job.StatusActive, job.StatusPaused, job.StatusCooldown, job.StatusRunning:
		return true
	}
	return false
}

func promptNotFound(name string) error {
	return errors.Mark(errors.Newf("prompt %q not found", name), errors.ErrNotFound)
}
