package scheduler

import (
	"context"
	"sort"
	"strings"

	"nightpilot/internal/errors"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

// AddJob validates and registers a job and returns its id. A job with a
// ParentID is linked under that parent as by AddChildJob. On error the table
// is unchanged.
func (s *Service) AddJob(ctx context.Context, j *job.Job) (string, error) {
	if j == nil {
		return "", errors.New("nil job")
	}
	if strings.TrimSpace(j.ParentID) != "" {
		return s.AddChildJob(ctx, j.ParentID, j)
	}
	j, err := s.prepare(j)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", errors.ErrNotRunning
	}
	if _, ok := s.jobs[j.ID]; ok {
		s.mu.Unlock()
		return "", errors.Newf("job %s already exists", j.ID)
	}
	snap := s.insertLocked(j)
	s.mu.Unlock()

	s.persist(snap)
	s.publish(eventbus.JobAdded, eventbus.JobEvent{JobID: snap.ID, Name: snap.Name, Status: string(snap.Status)})
	s.log.Info("job added", logx.String("job_id", snap.ID), logx.String("name", snap.Name), logx.String("schedule", snap.Schedule.String()))
	return snap.ID, nil
}

// prepare copies j, fills defaults and validates it.
func (s *Service) prepare(in *job.Job) (*job.Job, error) {
	j := in.Clone()
	s.mu.RLock()
	def := s.cfg.DefaultRetry
	s.mu.RUnlock()
	if j.Retry.IsZero() && !def.IsZero() {
		j.Retry = def
	}
	j.ApplyDefaults(s.now())
	switch j.Status {
	case job.StatusActive, job.StatusPaused:
	case job.StatusRunning, job.StatusCooldown:
		j.Status = job.StatusActive
	default:
		return nil, errors.Newf("cannot add a job in status %s", j.Status)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// insertLocked puts a validated job into the table and arms it.
func (s *Service) insertLocked(j *job.Job) *job.Job {
	now := s.now()
	j.NextRunAt = s.nextRunLocked(j, now)
	e := &entry{job: j}
	s.jobs[j.ID] = e
	if s.running {
		s.armLocked(e, now)
	}
	return j.Clone()
}

// RemoveJob deregisters a job, cancels its in-flight runs and deletes it.
// Its children are detached. Removing an unknown id is a no-op.
func (s *Service) RemoveJob(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.disarmLocked(e)
	delete(s.jobs, id)
	var touched []*job.Job
	if p, ok := s.jobs[e.job.ParentID]; ok {
		p.job.RemoveChild(id)
		touched = append(touched, p.job.Clone())
	}
	for _, cid := range e.job.ChildIDs {
		if c, ok := s.jobs[cid]; ok {
			c.job.ParentID = ""
			touched = append(touched, c.job.Clone())
		}
	}
	name := e.job.Name
	s.mu.Unlock()

	s.cancelExecutions(func(x *execution) bool { return x.jobID == id })
	if s.pipe != nil {
		s.pipe.Processes().Forget(id)
	}
	s.smu.Lock()
	delete(s.stats, id)
	s.smu.Unlock()

	if err := s.repo.DeleteJob(ctx, id); err != nil {
		s.warnThrottled("delete:"+id, "job deletion not persisted", logx.String("job_id", id), logx.Err(err))
	}
	for _, j := range touched {
		s.persist(j)
	}
	s.publish(eventbus.JobRemoved, eventbus.JobEvent{JobID: id, Name: name})
	s.log.Info("job removed", logx.String("job_id", id), logx.String("name", name))
	return true
}

// PauseJob moves an Active or Cooldown job to Paused. The cron entry stays
// registered; its ticks are dropped until ResumeJob.
func (s *Service) PauseJob(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, errors.NotFound(id)
	}
	if !e.job.Pause(s.now()) {
		s.mu.Unlock()
		return false, nil
	}
	s.stopTimerLocked(e)
	snap := e.job.Clone()
	s.mu.Unlock()

	s.persist(snap)
	s.publish(eventbus.JobPaused, eventbus.JobEvent{JobID: id, Name: snap.Name, Status: string(snap.Status)})
	return true, nil
}

// ResumeJob moves a Paused job back to Active and re-arms its timers.
func (s *Service) ResumeJob(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, errors.NotFound(id)
	}
	now := s.now()
	if !e.job.Resume(now) {
		s.mu.Unlock()
		return false, nil
	}
	if e.job.Schedule.Kind == job.KindCron {
		e.job.NextRunAt = s.nextRunLocked(e.job, now)
	}
	if s.running {
		s.armLocked(e, now)
	}
	snap := e.job.Clone()
	s.mu.Unlock()

	s.persist(snap)
	s.publish(eventbus.JobResumed, eventbus.JobEvent{JobID: id, Name: snap.Name, Status: string(snap.Status)})
	return true, nil
}

// CancelJob moves a non-terminal job and all its descendants to Cancelled
// and cancels their in-flight runs. It reports false, changing nothing, when
// the job is already terminal.
func (s *Service) CancelJob(ctx context.Context, id string) (bool, error) {
	_ = ctx
	now := s.now()

	s.mu.Lock()
	root, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, errors.NotFound(id)
	}
	if root.job.IsTerminal() {
		s.mu.Unlock()
		return false, nil
	}
	var cancelled []*job.Job
	for _, jid := range s.subtreeLocked(id) {
		e := s.jobs[jid]
		if e == nil || !e.job.Cancel(now) {
			continue
		}
		s.disarmLocked(e)
		cancelled = append(cancelled, e.job.Clone())
	}
	s.mu.Unlock()

	ids := make(map[string]bool, len(cancelled))
	for _, j := range cancelled {
		ids[j.ID] = true
	}
	s.cancelExecutions(func(x *execution) bool { return ids[x.jobID] })
	for _, j := range cancelled {
		s.persist(j)
		s.publish(eventbus.JobCancelled, eventbus.JobEvent{JobID: j.ID, Name: j.Name, Status: string(j.Status)})
	}
	s.log.Info("job cancelled", logx.String("job_id", id), logx.Int("cascade", len(cancelled)-1))
	return true, nil
}

// TriggerJob runs a job once now, whatever its schedule, and waits for the
// outcome. NextRunAt is left alone. A Paused job stays Paused afterwards.
func (s *Service) TriggerJob(ctx context.Context, id string, opts ...TriggerOption) (ExecutionSummary, error) {
	var o triggerOptions
	for _, fn := range opts {
		fn(&o)
	}
	s.mu.RLock()
	_, ok := s.jobs[id]
	stopped := s.stopped
	s.mu.RUnlock()
	if !ok {
		return ExecutionSummary{}, errors.NotFound(id)
	}
	if stopped {
		return ExecutionSummary{}, errors.ErrNotRunning
	}

	sum, err := s.execute(ctx, id, SourceManual)
	if err != nil || !o.cascade || sum.Outcome.Kind != job.OutcomeSuccess {
		return sum, err
	}

	s.mu.RLock()
	var children []string
	if e, ok := s.jobs[id]; ok {
		children = append(children, e.job.ChildIDs...)
	}
	s.mu.RUnlock()
	for _, cid := range children {
		if ctx.Err() != nil {
			break
		}
		child, err := s.TriggerJob(ctx, cid, opts...)
		if err != nil {
			s.log.Warn("cascade trigger failed", logx.String("parent_id", id), logx.String("job_id", cid), logx.Err(err))
			continue
		}
		sum.Children = append(sum.Children, child)
	}
	return sum, nil
}

// AddChildJob links j under parentID. If a job with j's id already exists it
// is re-parented and the other fields of j are ignored; otherwise j is added.
// Linking a job under its own descendant fails with ErrCyclicDependency and
// leaves the table unchanged.
func (s *Service) AddChildJob(ctx context.Context, parentID string, j *job.Job) (string, error) {
	_ = ctx
	if j == nil {
		return "", errors.New("nil job")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", errors.ErrNotRunning
	}
	parent, ok := s.jobs[parentID]
	if !ok {
		s.mu.Unlock()
		return "", errors.NotFound(parentID)
	}

	existing, isExisting := s.jobs[j.ID]
	if isExisting && j.ID != "" {
		if s.isAncestorLocked(j.ID, parentID) {
			s.mu.Unlock()
			return "", errors.Wrapf(errors.ErrCyclicDependency, "%s is an ancestor of %s", j.ID, parentID)
		}
		touched := []*job.Job{}
		if old, ok := s.jobs[existing.job.ParentID]; ok && old != parent {
			old.job.RemoveChild(j.ID)
			touched = append(touched, old.job.Clone())
		}
		existing.job.ParentID = parentID
		existing.job.UpdatedAt = s.now()
		parent.job.AddChild(j.ID)
		touched = append(touched, existing.job.Clone(), parent.job.Clone())
		s.mu.Unlock()

		for _, t := range touched {
			s.persist(t)
		}
		return j.ID, nil
	}
	s.mu.Unlock()

	child := j.Clone()
	child.ParentID = ""
	child, err := s.prepare(child)
	if err != nil {
		return "", err
	}
	child.ParentID = parentID

	s.mu.Lock()
	parent, ok = s.jobs[parentID]
	if !ok {
		s.mu.Unlock()
		return "", errors.NotFound(parentID)
	}
	if _, dup := s.jobs[child.ID]; dup {
		s.mu.Unlock()
		return "", errors.Newf("job %s already exists", child.ID)
	}
	snap := s.insertLocked(child)
	parent.job.AddChild(child.ID)
	psnap := parent.job.Clone()
	s.mu.Unlock()

	s.persist(snap)
	s.persist(psnap)
	s.publish(eventbus.JobAdded, eventbus.JobEvent{JobID: snap.ID, Name: snap.Name, Status: string(snap.Status)})
	s.log.Info("child job added", logx.String("job_id", snap.ID), logx.String("parent_id", parentID))
	return snap.ID, nil
}

// isAncestorLocked reports whether candidate is id itself or one of its
// ancestors, walking ParentID upward.
func (s *Service) isAncestorLocked(candidate, id string) bool {
	seen := map[string]bool{}
	for cur := id; cur != "" && !seen[cur]; {
		if cur == candidate {
			return true
		}
		seen[cur] = true
		e, ok := s.jobs[cur]
		if !ok {
			return false
		}
		cur = e.job.ParentID
	}
	return false
}

// subtreeLocked lists id and its descendants, parents first.
func (s *Service) subtreeLocked(id string) []string {
	out := []string{id}
	seen := map[string]bool{id: true}
	for i := 0; i < len(out); i++ {
		e, ok := s.jobs[out[i]]
		if !ok {
			continue
		}
		for _, c := range e.job.ChildIDs {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// GetJobState returns a copy of the job.
func (s *Service) GetJobState(id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound(id)
	}
	return e.job.Clone(), nil
}

// GetAllJobStates returns copies of every job, oldest first.
func (s *Service) GetAllJobStates() []*job.Job {
	return s.collect(func(*job.Job) bool { return true })
}

// ListActiveJobs returns the jobs that can currently fire: Active, Running
// and Cooldown.
func (s *Service) ListActiveJobs() []*job.Job {
	return s.collect(func(j *job.Job) bool {
		return j.Status == job.StatusActive || j.Status == job.StatusRunning || j.Status == job.StatusCooldown
	})
}

func (s *Service) collect(keep func(*job.Job) bool) []*job.Job {
	s.mu.RLock()
	out := make([]*job.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		if keep(e.job) {
			out = append(out, e.job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Hierarchy returns the subtree rooted at id.
func (s *Service) Hierarchy(id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[id]; !ok {
		return Node{}, errors.NotFound(id)
	}
	return s.nodeLocked(id, map[string]bool{}), nil
}

func (s *Service) nodeLocked(id string, seen map[string]bool) Node {
	seen[id] = true
	e := s.jobs[id]
	n := Node{Job: e.job.Clone()}
	for _, c := range e.job.ChildIDs {
		if _, ok := s.jobs[c]; ok && !seen[c] {
			n.Children = append(n.Children, s.nodeLocked(c, seen))
		}
	}
	return n
}

// UsageStats aggregates the attempts recorded for a job.
func (s *Service) UsageStats(id string) (job.UsageStats, error) {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return job.UsageStats{}, errors.NotFound(id)
	}
	s.smu.Lock()
	defer s.smu.Unlock()
	if st, ok := s.stats[id]; ok {
		return *st, nil
	}
	return job.UsageStats{JobID: id}, nil
}
