package scheduler

import (
	"sort"

	"nightpilot/internal/job"
)

// Snapshot reports scheduler diagnostics for front ends.
func (s *Service) Snapshot() Snapshot {
	now := s.now()

	s.mu.RLock()
	snap := Snapshot{
		Running:  s.running,
		Timezone: s.loc.String(),
		Jobs:     len(s.jobs),
		ByStatus: map[job.Status]int{},
	}
	for _, e := range s.jobs {
		snap.ByStatus[e.job.Status]++
		if e.cronID != 0 {
			snap.CronJobs++
		}
		if e.timer != nil {
			snap.Timers++
		}
	}
	s.mu.RUnlock()

	s.emu.Lock()
	for _, x := range s.execs {
		snap.Executions = append(snap.Executions, ActiveExecution{
			JobID:   x.jobID,
			Source:  x.source,
			Started: x.start,
			Elapsed: now.Sub(x.start),
		})
	}
	s.emu.Unlock()
	sort.Slice(snap.Executions, func(i, k int) bool { return snap.Executions[i].Started.Before(snap.Executions[k].Started) })

	snap.Dispatched = s.dispatched.Load()
	snap.Stale = s.stale.Load()
	if s.pipe != nil {
		snap.Process = s.pipe.Processes().Stats()
		snap.Gate = s.pipe.Gate().State(now)
		snap.Retry = s.pipe.Retry().Stats()
	}
	return snap
}
