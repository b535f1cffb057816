package scheduler

import (
	"context"
	"time"

	"nightpilot/internal/job"
	"nightpilot/internal/usage"
	logx "nightpilot/pkg/logx"
)

const usageProbeTimeout = 30 * time.Second

// PickInterval returns the poll interval of the first threshold the
// remaining minutes exceed, else def. Thresholds are ordered by descending
// minutes.
func PickInterval(thresholds []job.Threshold, def time.Duration, remaining float64) time.Duration {
	for _, th := range thresholds {
		if remaining > th.Minutes {
			return th.Interval
		}
	}
	return def
}

// pollParams resolves an interval schedule's table: the job's own values,
// then the configured ones, then package defaults.
func (s *Service) pollParams(sch job.Schedule) ([]job.Threshold, time.Duration, float64) {
	ad := s.cfg.Adaptive
	if len(sch.Thresholds) == 0 && len(ad.Thresholds) > 0 {
		sch.Thresholds = ad.Thresholds
	}
	if sch.DefaultInterval <= 0 && ad.PollInterval > 0 {
		sch.DefaultInterval = ad.PollInterval
	}
	if sch.FinalMinutes <= 0 && ad.FinalMinutes > 0 {
		sch.FinalMinutes = ad.FinalMinutes
	}
	return sch.Poll()
}

// pollDecision is what one usage reading means for an adaptive job.
type pollDecision struct {
	fire  bool
	delay time.Duration
}

func decidePoll(info usage.Info, thresholds []job.Threshold, def time.Duration, final float64) pollDecision {
	if !info.Known {
		return pollDecision{delay: def}
	}
	if info.RemainingMinutes <= final {
		return pollDecision{fire: true}
	}
	return pollDecision{delay: PickInterval(thresholds, def, info.RemainingMinutes)}
}

// poll reads the usage source for one adaptive job and either fires it or
// re-arms the poll timer. Runs in its own goroutine.
func (s *Service) poll(ev dueEvent) {
	defer s.runWG.Done()

	s.mu.RLock()
	e, ok := s.jobs[ev.JobID]
	if !ok {
		s.mu.RUnlock()
		return
	}
	thresholds, def, final := s.pollParams(e.job.Schedule)
	s.mu.RUnlock()

	info := s.readUsage()
	d := decidePoll(info, thresholds, def, final)
	log := s.log.With(logx.String("job_id", ev.JobID))
	if d.fire {
		log.Info("adaptive threshold reached", logx.Float64("remaining_min", info.RemainingMinutes), logx.Float64("final_min", final))
		s.fire(dueEvent{JobID: ev.JobID, At: s.now(), Source: SourcePoll})
		return
	}
	log.Debug("adaptive poll", logx.Bool("known", info.Known), logx.Float64("remaining_min", info.RemainingMinutes), logx.Duration("next", d.delay))

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.jobs[ev.JobID]
	// Anything that re-armed or stopped the job meanwhile wins.
	if !ok || e.timerVer != ev.ver || e.job.Status != job.StatusActive {
		return
	}
	e.job.NextRunAt = now.Add(d.delay)
	s.armTimerLocked(e, e.job.NextRunAt, SourcePoll, now)
}

func (s *Service) readUsage() usage.Info {
	if s.usage == nil {
		return usage.Info{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), usageProbeTimeout)
	defer cancel()
	info, err := s.usage.RemainingMinutes(ctx)
	if err != nil {
		s.warnThrottled("usage", "usage source failed", logx.Err(err))
		return usage.Info{}
	}
	return info
}
