package app

import (
	"context"

	"nightpilot/internal/config"
	"nightpilot/internal/cooldown"
	"nightpilot/internal/errors"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/pipeline"
	"nightpilot/internal/process"
	"nightpilot/internal/retry"
	"nightpilot/internal/scheduler"
	"nightpilot/internal/storage"
	"nightpilot/internal/usage"
	logx "nightpilot/pkg/logx"
)

// Components is the execution stack built from one config: storage,
// subprocess orchestration, cooldown handling, retries and the scheduler.
// The daemon starts it; one-shot CLI commands use it without Start.
type Components struct {
	Repo      storage.Repository
	Runner    *process.CLIRunner
	Processes *process.Orchestrator
	Detector  *cooldown.Detector
	Retry     *retry.Orchestrator
	Gate      *pipeline.Gate
	Pipeline  *pipeline.Pipeline
	Usage     *usage.CCUsage
	Scheduler *scheduler.Service
}

// Build wires every component. The caller owns Close.
func Build(cfg *config.Config, log logx.Logger, bus eventbus.Bus) (*Components, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	sc, err := cfg.StorageOptions()
	if err != nil {
		return nil, err
	}
	pc, err := cfg.ProcessOptions()
	if err != nil {
		return nil, err
	}
	cc, err := cfg.CooldownOptions()
	if err != nil {
		return nil, err
	}
	uc, err := cfg.UsageOptions()
	if err != nil {
		return nil, err
	}
	schc, err := cfg.SchedulerOptions()
	if err != nil {
		return nil, err
	}

	repo, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}

	c := &Components{Repo: repo}
	c.Runner = cfg.NewRunner(log.With(logx.String("comp", "runner")))
	c.Processes = process.New(pc, c.Runner, log.With(logx.String("comp", "process")), bus)
	c.Detector = cooldown.New(cc)
	c.Retry = retry.New(log.With(logx.String("comp", "retry")), pc.HistorySize)
	c.Gate = pipeline.NewGate(cfg.GateEnabled())
	c.Pipeline = pipeline.New(c.Processes, c.Detector, c.Retry, c.Gate, log.With(logx.String("comp", "pipeline")))
	c.Usage = usage.NewCCUsage(uc, log.With(logx.String("comp", "usage")))
	c.Scheduler = scheduler.New(schc, c.Pipeline, repo, log.With(logx.String("comp", "scheduler")),
		scheduler.WithBus(bus),
		scheduler.WithUsageSource(c.Usage),
	)
	return c, nil
}

// Apply pushes the live-reloadable parts of cfg. Storage, runner binary and
// cooldown parsing settings need a restart.
func (c *Components) Apply(cfg *config.Config) error {
	pc, err := cfg.ProcessOptions()
	if err != nil {
		return err
	}
	schc, err := cfg.SchedulerOptions()
	if err != nil {
		return err
	}
	c.Processes.Apply(pc)
	c.Gate.SetEnabled(cfg.GateEnabled())
	c.Scheduler.Apply(schc)
	return nil
}

// Close stops the scheduler (if started) and closes storage.
func (c *Components) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.Scheduler != nil && c.Scheduler.Running() {
		c.Scheduler.Stop(ctx)
	}
	if c.Repo != nil {
		return c.Repo.Close()
	}
	return nil
}
