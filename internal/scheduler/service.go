package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"nightpilot/internal/errors"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	"nightpilot/internal/pipeline"
	"nightpilot/internal/runtime/supervisor"
	"nightpilot/internal/storage"
	"nightpilot/internal/usage"
	logx "nightpilot/pkg/logx"
)

// Service is the unified scheduler. Create one with New; it holds all
// scheduler state and nothing is global.
//
// Lock order: mu before emu. Neither is held across a blocking call.
type Service struct {
	mu      sync.RWMutex
	cfg     Config
	loc     *time.Location
	jobs    map[string]*entry
	running bool
	stopped bool
	engine  *cron.Cron
	events  chan dueEvent
	quit    chan struct{}
	sup     *supervisor.Supervisor

	emu   sync.Mutex
	execs map[uint64]*execution
	seq   uint64
	runWG sync.WaitGroup

	smu   sync.Mutex
	stats map[string]*job.UsageStats

	pipe  *pipeline.Pipeline
	repo  storage.Repository
	usage usage.Source
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	dispatched atomic.Uint64
	stale      atomic.Uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithUsageSource sets where adaptive schedules read the remaining minutes.
func WithUsageSource(src usage.Source) Option { return func(s *Service) { s.usage = src } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

// New builds a stopped scheduler. repo may be nil, in which case state lives
// in memory only.
func New(cfg Config, pipe *pipeline.Pipeline, repo storage.Repository, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if repo == nil {
		repo = storage.NewMemory()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		jobs:     map[string]*entry{},
		execs:    map[uint64]*execution{},
		stats:    map[string]*job.UsageStats{},
		pipe:     pipe,
		repo:     repo,
		log:      log,
		now:      time.Now,
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation(s.cfg.Timezone)
	return s
}

func (s *Service) Pipeline() *pipeline.Pipeline   { return s.pipe }
func (s *Service) Repository() storage.Repository { return s.repo }

// Apply swaps the config at runtime. A timezone change re-registers every
// cron entry in the new location.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocation(cfg.Timezone)
	var old *cron.Cron
	if s.running {
		old = s.restartEngineLocked()
	}
	s.mu.Unlock()

	// Cron callbacks take s.mu, so the old engine is drained unlocked.
	if old != nil {
		<-old.Stop().Done()
	}
}

// Load reads every pending job from the repository into the table. Jobs
// interrupted mid-run go back to Active. Timers are armed on Start.
func (s *Service) Load(ctx context.Context) (int, error) {
	jobs, err := s.repo.LoadPendingJobs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load pending jobs")
	}
	now := s.now()
	var recovered []*job.Job
	s.mu.Lock()
	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			continue
		}
		j.ApplyDefaults(now)
		if j.Status == job.StatusRunning {
			j.Status = job.StatusActive
			j.UpdatedAt = now
			recovered = append(recovered, j.Clone())
		}
		e := &entry{job: j}
		s.jobs[j.ID] = e
		if s.running {
			s.armLocked(e, now)
		}
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.seedStats(ctx, j.ID)
	}
	for _, j := range recovered {
		s.log.Info("job recovered after interrupted run", logx.String("job_id", j.ID), logx.String("name", j.Name))
		s.persist(j)
	}
	s.log.Info("jobs loaded", logx.Int("count", len(jobs)), logx.Int("recovered", len(recovered)))
	return len(jobs), nil
}

func (s *Service) seedStats(ctx context.Context, jobID string) {
	attempts, err := s.repo.ListExecutions(ctx, jobID, defaultStatsHistory)
	if err != nil || len(attempts) == 0 {
		return
	}
	st := &job.UsageStats{JobID: jobID}
	for i := len(attempts) - 1; i >= 0; i-- {
		st.Add(attempts[i])
	}
	s.smu.Lock()
	s.stats[jobID] = st
	s.smu.Unlock()
}

// Start starts the cron engine and the dispatch loop and arms every timer.
// Executions are not bound to ctx; Stop ends them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.Wrap(errors.ErrNotRunning, "scheduler was stopped")
	}
	if s.running {
		return nil
	}
	s.events = make(chan dueEvent, s.cfg.DispatchBuffer)
	s.quit = make(chan struct{})
	s.engine = s.newEngineLocked()
	s.running = true

	now := s.now()
	for _, e := range s.jobs {
		s.armLocked(e, now)
	}
	s.engine.Start()

	// A panic in dispatch restarts the loop; queued events survive in the
	// channel.
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	events := s.events
	s.sup.GoRestart("scheduler.dispatch", func(ctx context.Context) error {
		return s.loop(ctx, events)
	}, supervisor.WithBackoff(loopRestartMin, loopRestartMax))

	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop stops the cron engine, the dispatch loop and every pending timer.
// Running executions are allowed to finish until ctx is done; then they are
// cancelled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	engine, sup := s.engine, s.sup
	s.engine = nil
	for _, e := range s.jobs {
		s.disarmLocked(e)
	}
	close(s.quit)
	s.mu.Unlock()

	if engine != nil {
		select {
		case <-engine.Stop().Done():
		case <-ctx.Done():
		}
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("dispatch loop did not stop in time", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n := s.cancelExecutions(func(*execution) bool { return true })
		s.log.Warn("stop deadline reached; cancelling executions", logx.Int("cancelled", n))
		<-done
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Running reports whether Start has been called and Stop has not.
func (s *Service) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// HealthCheck is true iff the scheduler is running and the cron engine
// answers within the configured deadline.
func (s *Service) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	running, engine, deadline := s.running, s.engine, s.cfg.HealthDeadline
	s.mu.RUnlock()
	if !running || engine == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	answered := make(chan struct{})
	go func() {
		_ = engine.Entries()
		close(answered)
	}()
	select {
	case <-answered:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) loop(ctx context.Context, events <-chan dueEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			s.dispatch(ev)
		}
	}
}

// emit hands ev to the dispatch loop. It gives up once the scheduler stops.
func (s *Service) emit(ev dueEvent) {
	s.mu.RLock()
	events, quit, running := s.events, s.quit, s.running
	s.mu.RUnlock()
	if !running {
		return
	}
	select {
	case events <- ev:
	case <-quit:
	}
}

func (s *Service) newEngineLocked() *cron.Cron {
	return cron.New(cron.WithLocation(s.loc), cron.WithChain(cron.Recover(cronLogger{s.log})))
}

// restartEngineLocked replaces the cron engine, re-registers cron jobs and
// returns the old engine for the caller to stop. Call with s.mu held.
func (s *Service) restartEngineLocked() *cron.Cron {
	old := s.engine
	s.engine = s.newEngineLocked()
	for _, e := range s.jobs {
		e.cronID = 0
		if e.job.Schedule.Kind == job.KindCron && !e.job.IsTerminal() {
			s.registerCronLocked(e, s.now())
		}
	}
	s.engine.Start()
	s.log.Info("cron engine restarted", logx.String("tz", s.loc.String()))
	return old
}

func (s *Service) loadLocation(tz string) *time.Location {
	loc, err := job.LoadLocation(tz, time.Local)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) publish(typ string, data any) {
	eventbus.Publish(s.bus, typ, data)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
