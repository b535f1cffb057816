package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

// zoned evaluates a cron schedule in its own location, independent of the
// engine's.
type zoned struct {
	cron.Schedule
	loc *time.Location
}

func (z zoned) Next(t time.Time) time.Time { return z.Schedule.Next(t.In(z.loc)) }

func cronScheduleFor(sch job.Schedule, fallback *time.Location) (cron.Schedule, error) {
	parsed, err := job.ParseCron(sch.Cron)
	if err != nil {
		return nil, err
	}
	loc, err := job.LoadLocation(sch.TZ, fallback)
	if err != nil {
		return nil, err
	}
	return zoned{Schedule: parsed, loc: loc}, nil
}

// firstPollDelay is how soon a newly armed adaptive job first reads usage.
const firstPollDelay = time.Second

// armLocked registers whatever time sources the job's kind and status need.
// Call with s.mu held.
func (s *Service) armLocked(e *entry, now time.Time) {
	j := e.job
	if j.IsTerminal() {
		s.disarmLocked(e)
		return
	}
	if j.Schedule.Kind == job.KindCron && e.cronID == 0 {
		s.registerCronLocked(e, now)
	}
	switch j.Status {
	case job.StatusPaused:
		// The cron entry stays; ticks are dropped at dispatch.
		s.stopTimerLocked(e)
		return
	case job.StatusRunning:
		return
	case job.StatusCooldown:
		s.armTimerLocked(e, j.CooldownUntil, SourceCooldown, now)
		return
	}

	switch j.Schedule.Kind {
	case job.KindInterval:
		j.NextRunAt = now.Add(firstPollDelay)
		s.armTimerLocked(e, j.NextRunAt, SourcePoll, now)
	case job.KindOnce:
		at := j.NextRunAt
		if at.IsZero() {
			at = s.nextRunLocked(j, now)
			j.NextRunAt = at
		}
		s.armTimerLocked(e, at, SourceOnce, now)
	}
}

// disarmLocked removes the cron entry and stops the timer.
func (s *Service) disarmLocked(e *entry) {
	s.stopTimerLocked(e)
	if e.cronID != 0 {
		if s.engine != nil {
			s.engine.Remove(e.cronID)
		}
		e.cronID = 0
	}
}

func (s *Service) registerCronLocked(e *entry, now time.Time) {
	if s.engine == nil {
		return
	}
	sched, err := cronScheduleFor(e.job.Schedule, s.loc)
	if err != nil {
		// AddJob validated it; only a vanished zone database gets here.
		s.log.Error("cron entry not registered", logx.String("job_id", e.job.ID), logx.Err(err))
		return
	}
	id := e.job.ID
	e.cronID = s.engine.Schedule(sched, cron.FuncJob(func() {
		s.emit(dueEvent{JobID: id, At: s.now(), Source: SourceCron})
	}))
	if e.job.Status == job.StatusActive {
		e.job.NextRunAt = sched.Next(now)
	}
}

// armTimerLocked replaces the job's timer. Bumping the version makes events
// of any previous timer stale.
func (s *Service) armTimerLocked(e *entry, at time.Time, src Source, now time.Time) {
	s.stopTimerLocked(e)
	if !s.running {
		return
	}
	ver := e.timerVer
	id := e.job.ID
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e.timerSrc = src
	e.timer = time.AfterFunc(delay, func() {
		s.emit(dueEvent{JobID: id, At: at, Source: src, ver: ver})
	})
}

func (s *Service) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerSrc = ""
	e.timerVer++
}

// nextRunLocked is the next timed occurrence of j after now; zero for manual
// jobs.
func (s *Service) nextRunLocked(j *job.Job, now time.Time) time.Time {
	next, err := j.Schedule.Next(now, s.loc)
	if err != nil {
		s.log.Warn("next run not computable", logx.String("job_id", j.ID), logx.Err(err))
		return time.Time{}
	}
	return next
}

// rescheduleLocked sets NextRunAt and arms the timer after a run ended.
// Call with s.mu held.
func (s *Service) rescheduleLocked(e *entry, src Source, now time.Time) {
	j := e.job
	if j.IsTerminal() {
		s.disarmLocked(e)
		return
	}
	switch j.Status {
	case job.StatusCooldown:
		s.armTimerLocked(e, j.CooldownUntil, SourceCooldown, now)
		return
	case job.StatusPaused, job.StatusRunning:
		return
	}
	if e.timerSrc == SourceCooldown {
		// The run ended the cooldown early.
		s.stopTimerLocked(e)
	}

	switch j.Schedule.Kind {
	case job.KindCron:
		j.NextRunAt = s.nextRunLocked(j, now)
	case job.KindInterval:
		if src == SourceManual && e.timer != nil {
			return
		}
		// The block that triggered the run may not have reset yet; wait at
		// least the final threshold before polling again.
		_, def, final := s.pollParams(j.Schedule)
		delay := max(def, time.Duration(final*float64(time.Minute)))
		j.NextRunAt = now.Add(delay)
		s.armTimerLocked(e, j.NextRunAt, SourcePoll, now)
	case job.KindOnce:
		if src == SourceManual && e.timer != nil {
			return
		}
		j.NextRunAt = s.nextRunLocked(j, now)
		s.armTimerLocked(e, j.NextRunAt, SourceOnce, now)
	}
}
