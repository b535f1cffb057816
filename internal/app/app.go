package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"nightpilot/internal/config"
	"nightpilot/internal/errors"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/observability/debugserver"
	"nightpilot/internal/runtime/supervisor"
	logx "nightpilot/pkg/logx"
)

// App is the daemon: the execution stack plus config hot reload, event
// logging and systemd integration.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	comp  *Components
	debug *debugserver.Server
	sd    notifier

	stopOnce sync.Once
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(cfg.LogOptions(), busSink{bus: bus})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	dcfg, err := cfg.DebugOptions()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	comp, err := Build(cfg, log, bus)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		comp:  comp,
		debug: debugserver.New(dcfg, comp.Scheduler, comp.Processes, log.With(logx.String("comp", "debug"))),
		sd:    notifier{log: log.With(logx.String("comp", "systemd"))},
	}, nil
}

func (a *App) Components() *Components { return a.comp }
func (a *App) Bus() eventbus.Bus       { return a.bus }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start loads persisted jobs, starts the scheduler and the background loops
// and reports READY to systemd.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	n, err := a.comp.Scheduler.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load jobs")
	}
	if err := a.comp.Scheduler.Start(a.sup.Context()); err != nil {
		return err
	}
	a.log.Info("jobs restored", logx.Int("count", n))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if e.Type == eventbus.LogRecord {
					continue
				}
				// Debug keeps frequent cron ticks out of the default log.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.GoRestart("systemd.watchdog", func(c context.Context) error {
		return a.sd.watchdog(c, a.comp.Scheduler.HealthCheck)
	}, supervisor.WithMaxRestarts(3))

	a.sup.GoRestart("debug.http", a.debug.Run, supervisor.WithBackoff(500*time.Millisecond, time.Minute))

	a.sd.Ready()
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(newCfg.LogOptions())
	if err := a.comp.Apply(newCfg); err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		eventbus.Publish(a.bus, eventbus.ConfigError, err.Error())
		return
	}
	if dcfg, err := newCfg.DebugOptions(); err == nil {
		a.debug.Apply(dcfg)
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
}

// Stop shuts down in order: scheduler (running executions get the
// remaining deadline), supervised loops, storage, then logging.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() {
		err = a.stop(ctx, reason)
	})
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 30*time.Second, func(c context.Context) error {
		a.comp.Scheduler.Stop(c)
		return nil
	})
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
			err := a.sup.Wait(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		return a.comp.Repo.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline, so
// one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
