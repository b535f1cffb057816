package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
)

// Memory is an in-memory Repository. It backs the "none" driver and tests.
type Memory struct {
	mu      sync.Mutex
	closed  bool
	jobs    map[string]*job.Job
	execs   map[string][]job.ExecutionAttempt
	prompts map[string]Prompt
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    map[string]*job.Job{},
		execs:   map[string][]job.ExecutionAttempt{},
		prompts: map[string]Prompt{},
	}
}

func (m *Memory) SaveJob(_ context.Context, j *job.Job) error {
	if j == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.jobs, id)
	delete(m.execs, id)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.NotFound(id)
	}
	return j.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context) ([]*job.Job, error) {
	return m.list(func(*job.Job) bool { return true }), nil
}

func (m *Memory) LoadPendingJobs(_ context.Context) ([]*job.Job, error) {
	return m.list(func(j *job.Job) bool { return Pending(j.Status) }), nil
}

func (m *Memory) list(keep func(*job.Job) bool) []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out
}

func (m *Memory) UpdateJobStatus(_ context.Context, id string, status job.Status, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	j, ok := m.jobs[id]
	if !ok {
		return errors.NotFound(id)
	}
	j.Status = status
	j.NextRunAt = nextRunAt
	j.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) AppendExecutionResult(_ context.Context, jobID string, a job.ExecutionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	a.JobID = jobID
	if a.Usage != nil {
		u := *a.Usage
		a.Usage = &u
	}
	m.execs[jobID] = append(m.execs[jobID], a)
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, jobID string, limit int) ([]job.ExecutionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.execs[jobID])
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SavePrompt(_ context.Context, p Prompt) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("prompt name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	p = stampPrompt(p, m.prompts[p.Name], time.Now())
	m.prompts[p.Name] = p
	return nil
}

func (m *Memory) GetPrompt(_ context.Context, name string) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[strings.TrimSpace(name)]
	if !ok {
		return Prompt{}, promptNotFound(name)
	}
	return p, nil
}

func (m *Memory) ListPrompts(_ context.Context) ([]Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Prompt, 0, len(m.prompts))
	for _, p := range m.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// sortJobs orders by creation time, then id.
func sortJobs(js []*job.Job) {
	sort.Slice(js, func(i, k int) bool {
		if !js[i].CreatedAt.Equal(js[k].CreatedAt) {
			return js[i].CreatedAt.Before(js[k].CreatedAt)
		}
		return js[i].ID < js[k].ID
	})
}

// stampPrompt keeps the original creation time on overwrite.
func stampPrompt(p, prev Prompt, now time.Time) Prompt {
	if !prev.CreatedAt.IsZero() {
		p.CreatedAt = prev.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return p
}
