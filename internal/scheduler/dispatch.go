package scheduler

import (
	"context"
	"strings"
	"time"

	"nightpilot/internal/errors"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	"nightpilot/internal/pipeline"
	logx "nightpilot/pkg/logx"
)

// dispatch handles one due event. It never blocks on an execution.
func (s *Service) dispatch(ev dueEvent) {
	s.dispatched.Add(1)

	s.mu.Lock()
	e, ok := s.jobs[ev.JobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if ev.Source != SourceCron && ev.Source != SourceManual {
		if ev.ver != e.timerVer {
			s.mu.Unlock()
			s.stale.Add(1)
			return
		}
		e.timer, e.timerSrc = nil, ""
	}
	status := e.job.Status
	cooling := coolingLocked(e, ev.Source, s.now())
	s.mu.Unlock()

	switch {
	case status.Terminal():
		return
	case status == job.StatusPaused:
		s.log.Debug("tick dropped for paused job", logx.String("job_id", ev.JobID), logx.String("source", string(ev.Source)))
		return
	case cooling:
		s.log.Debug("tick dropped for cooling job", logx.String("job_id", ev.JobID), logx.String("source", string(ev.Source)))
		return
	}

	if ev.Source == SourcePoll {
		s.runWG.Add(1)
		go s.poll(ev)
		return
	}
	s.fire(ev)
}

// fire starts a timed run in its own goroutine unless the job is busy.
func (s *Service) fire(ev dueEvent) {
	s.mu.Lock()
	e, ok := s.jobs[ev.JobID]
	if !ok || !e.job.Runnable() && e.job.Status != job.StatusRunning || coolingLocked(e, ev.Source, s.now()) {
		s.mu.Unlock()
		return
	}
	if e.running > 0 && (e.job.Options.SkipIfRunning || e.job.Options.MaxParallel <= 1) {
		name := e.job.Name
		s.mu.Unlock()
		s.log.Info("fire skipped: job still running", logx.String("job_id", ev.JobID), logx.String("source", string(ev.Source)))
		s.publish(eventbus.JobSkipped, eventbus.JobEvent{JobID: ev.JobID, Name: name, Source: string(ev.Source), Status: string(job.StatusRunning)})
		return
	}
	s.mu.Unlock()

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		if _, err := s.execute(context.Background(), ev.JobID, ev.Source); err != nil {
			s.log.Debug("fire not executed", logx.String("job_id", ev.JobID), logx.Err(err))
		}
	}()
}

// coolingLocked reports whether an event must wait for the job's cooldown
// to end. Only the cooldown timer and manual triggers start a cooling job.
func coolingLocked(e *entry, src Source, now time.Time) bool {
	if src == SourceCooldown || src == SourceManual {
		return false
	}
	return e.job.Status == job.StatusCooldown && now.Before(e.job.CooldownUntil)
}

// execute runs one execution of a job through the pipeline and applies the
// outcome to the job.
func (s *Service) execute(parent context.Context, id string, src Source) (ExecutionSummary, error) {
	start := s.now()

	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ExecutionSummary{}, errors.NotFound(id)
	}
	j := e.job
	if j.Status == job.StatusCancelled {
		s.mu.Unlock()
		return ExecutionSummary{JobID: id, Status: j.Status}, errors.NoRetry(errors.Newf("job %s is cancelled", id))
	}
	if e.running == 0 {
		if j.IsTerminal() {
			// A manual run revives a finished job.
			j.Status = job.StatusActive
		}
		e.before = j.Status
		if err := j.StartExecution(start); err != nil {
			s.mu.Unlock()
			return ExecutionSummary{JobID: id, Status: j.Status}, err
		}
		if src == SourcePoll || src == SourceOnce || src == SourceCooldown {
			j.NextRunAt = time.Time{}
		}
	}
	e.running++
	snap := j.Clone()
	s.mu.Unlock()

	s.persistStatus(snap)
	s.publish(eventbus.JobFired, eventbus.JobEvent{JobID: id, Name: snap.Name, Status: string(snap.Status), Source: string(src)})
	log := s.log.With(logx.String("job_id", id), logx.String("name", snap.Name), logx.String("source", string(src)))
	log.Info("job fired")

	ctx, cancel := context.WithCancel(parent)
	x := s.track(id, src, start, cancel)
	defer s.untrack(x)

	var res pipeline.Result
	prompt, err := s.resolvePrompt(ctx, snap)
	if err != nil {
		res = pipeline.Result{
			Outcome: job.Outcome{Kind: job.OutcomeFailed, Error: err.Error()},
			Err:     errors.NoRetry(err),
		}
	} else if s.pipe == nil {
		err = errors.New("no execution pipeline configured")
		res = pipeline.Result{Outcome: job.Outcome{Kind: job.OutcomeFailed, Error: err.Error()}, Err: err}
	} else {
		req := pipeline.RequestFor(snap, prompt)
		req.OnAttempt = s.recordAttempt
		res = s.pipe.Execute(ctx, req)
	}

	status := s.finishRun(id, src, res)
	sum := ExecutionSummary{
		JobID:    id,
		Outcome:  res.Outcome,
		Attempts: res.Attempts,
		Skipped:  res.Skipped,
		Usage:    res.Usage,
		Duration: s.now().Sub(start),
		Status:   status,
	}
	log.Info("job finished",
		logx.String("outcome", string(res.Outcome.Kind)),
		logx.Int("attempts", res.Attempts),
		logx.String("status", string(status)),
		logx.Duration("took", sum.Duration),
	)
	return sum, nil
}

// finishRun applies a pipeline result to the job and returns its new status.
func (s *Service) finishRun(id string, src Source, res pipeline.Result) job.Status {
	now := s.now()

	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		// Removed while running.
		s.mu.Unlock()
		return ""
	}
	e.running--
	j := e.job
	evType := ""
	evErr := ""

	switch {
	case res.Skipped:
		if j.Status == job.StatusRunning {
			j.Status = e.before
		}
		// A skipped cooldown resume is not retried; the job rejoins its
		// schedule.
		j.ExitCooldown(now)
		evType = eventbus.JobSkipped
	case res.Outcome.Kind == job.OutcomeCooldownDeferred:
		j.EnterCooldown(now, res.Outcome.ResumeAt)
		evType = eventbus.JobCooldown
	case res.Outcome.Kind == job.OutcomeSuccess:
		j.CompleteExecution(now, true, "")
		evType = eventbus.JobCompleted
	case res.Outcome.Kind == job.OutcomeCancelled:
		if j.Status == job.StatusRunning {
			// Interrupted by shutdown or removal, not by CancelJob: run again
			// next time.
			j.Status = e.before
			j.UpdatedAt = now
		}
	default:
		evErr = res.Outcome.Error
		if evErr == "" && res.Err != nil {
			evErr = res.Err.Error()
		}
		j.CompleteExecution(now, false, evErr)
		evType = eventbus.JobFailed
	}

	if e.running > 0 && !j.IsTerminal() {
		j.Status = job.StatusRunning
	}
	if e.running == 0 && src == SourceManual && e.before == job.StatusPaused && !j.IsTerminal() {
		j.Status = job.StatusPaused
	}
	// Skipped one-shot fires are not requeued.
	if e.running == 0 && !(res.Skipped && j.Schedule.Kind == job.KindOnce) {
		s.rescheduleLocked(e, src, now)
	}
	snap := j.Clone()
	s.mu.Unlock()

	s.persist(snap)
	if evType != "" {
		s.publish(evType, eventbus.JobEvent{
			JobID:    id,
			Name:     snap.Name,
			Status:   string(snap.Status),
			Source:   string(src),
			ResumeAt: snap.CooldownUntil,
			Error:    evErr,
		})
	}
	return snap.Status
}

// recordAttempt is the pipeline's per-attempt callback.
func (s *Service) recordAttempt(a job.ExecutionAttempt) {
	now := s.now()
	s.mu.Lock()
	if e, ok := s.jobs[a.JobID]; ok && a.Outcome.Kind == job.OutcomeFailed {
		e.job.RecordAttemptFailure(now, a.Outcome.Error)
	}
	s.mu.Unlock()

	s.smu.Lock()
	st, ok := s.stats[a.JobID]
	if !ok {
		st = &job.UsageStats{JobID: a.JobID}
		s.stats[a.JobID] = st
	}
	st.Add(a)
	s.smu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()
	if err := s.repo.AppendExecutionResult(ctx, a.JobID, a); err != nil {
		s.warnThrottled("append:"+a.JobID, "execution result not persisted", logx.String("job_id", a.JobID), logx.Err(err))
	}
	s.publish(eventbus.ExecutionAttempt, eventbus.ExecutionEvent{
		JobID:    a.JobID,
		Attempt:  a.AttemptNumber,
		Status:   string(a.Outcome.Kind),
		Duration: a.Duration,
		Error:    a.Outcome.Error,
	})
}

func (s *Service) resolvePrompt(ctx context.Context, j *job.Job) (string, error) {
	if p := strings.TrimSpace(j.Prompt); p != "" {
		return j.Prompt, nil
	}
	p, err := s.repo.GetPrompt(ctx, j.PromptRef)
	if err != nil {
		return "", errors.Wrapf(err, "resolve prompt %q", j.PromptRef)
	}
	return p.Content, nil
}

func (s *Service) track(jobID string, src Source, start time.Time, cancel context.CancelFunc) *execution {
	s.emu.Lock()
	defer s.emu.Unlock()
	s.seq++
	x := &execution{id: s.seq, jobID: jobID, source: src, start: start, cancel: cancel}
	s.execs[x.id] = x
	return x
}

func (s *Service) untrack(x *execution) {
	s.emu.Lock()
	delete(s.execs, x.id)
	s.emu.Unlock()
	x.cancel()
}

// cancelExecutions cancels every tracked execution matching keep and reports
// how many it cancelled.
func (s *Service) cancelExecutions(match func(*execution) bool) int {
	s.emu.Lock()
	var cancels []context.CancelFunc
	for _, x := range s.execs {
		if match(x) {
			cancels = append(cancels, x.cancel)
		}
	}
	s.emu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

func (s *Service) persist(j *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()
	if err := s.repo.SaveJob(ctx, j); err != nil {
		s.warnThrottled("save:"+j.ID, "job not persisted", logx.String("job_id", j.ID), logx.Err(err))
	}
}

func (s *Service) persistStatus(j *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()
	if err := s.repo.UpdateJobStatus(ctx, j.ID, j.Status, j.NextRunAt); err != nil {
		s.warnThrottled("status:"+j.ID, "job status not persisted", logx.String("job_id", j.ID), logx.Err(err))
	}
}
