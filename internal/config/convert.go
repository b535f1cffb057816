package config

import (
	"strconv"
	"strings"
	"time"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	"nightpilot/internal/observability/debugserver"
	"nightpilot/internal/process"
	"nightpilot/internal/retry"
	"nightpilot/internal/scheduler"
	"nightpilot/internal/storage"
	"nightpilot/internal/usage"
	logx "nightpilot/pkg/logx"
)

// Default is the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			EventSink: LoggingEventSinkConfig{
				Enabled:    true,
				MinLevel:   "warn",
				RatePerSec: 5,
			},
		},
		Executor: ExecutorConfig{
			Binary:         process.DefaultBinary,
			MaxConcurrent:  process.DefaultMaxConcurrent,
			DefaultTimeout: job.DefaultTimeout.String(),
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/nightpilot.db"},
	}
}

// Validate parses every derived section so a bad file is rejected as a whole.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.SchedulerOptions(); err != nil {
		return err
	}
	if _, err := c.ProcessOptions(); err != nil {
		return err
	}
	if _, err := c.CooldownOptions(); err != nil {
		return err
	}
	if _, err := c.UsageOptions(); err != nil {
		return err
	}
	if _, err := c.StorageOptions(); err != nil {
		return err
	}
	if _, err := c.DebugOptions(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "none", "memory":
	default:
		return errors.WithHint(errors.Newf("storage.driver: unknown driver %q", c.Storage.Driver), "use sqlite, file or none")
	}
	return nil
}

func (c *Config) LogOptions() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       c.Logging.File.Path,
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
			MaxAgeDays: c.Logging.File.MaxAgeDays,
		},
		Events: logx.EventsConfig{
			Enabled:    c.Logging.EventSink.Enabled,
			MinLevel:   c.Logging.EventSink.MinLevel,
			RatePerSec: c.Logging.EventSink.RatePerSec,
		},
	}
}

func (c *Config) SchedulerOptions() (scheduler.Config, error) {
	var out scheduler.Config
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, errors.Wrapf(err, "scheduler.timezone: %q", tz)
		}
	}
	deadline, err := ParseDurationOrDefault("scheduler.health_deadline", c.Scheduler.HealthDeadline, scheduler.DefaultHealthDeadline)
	if err != nil {
		return out, err
	}
	if c.Scheduler.DispatchBuffer < 0 {
		return out, errors.New("scheduler.dispatch_buffer must be >= 0")
	}
	adaptive, err := c.adaptiveOptions()
	if err != nil {
		return out, err
	}
	policy, err := c.RetryPolicy()
	if err != nil {
		return out, err
	}
	out = scheduler.Config{
		Timezone:       tz,
		HealthDeadline: deadline,
		DispatchBuffer: c.Scheduler.DispatchBuffer,
		DefaultRetry:   policy,
		Adaptive:       adaptive,
	}
	return out, nil
}

func (c *Config) adaptiveOptions() (scheduler.AdaptiveConfig, error) {
	var out scheduler.AdaptiveConfig
	for i, th := range c.Adaptive.Thresholds {
		path := "adaptive.thresholds[" + strconv.Itoa(i) + "]"
		if th.Minutes <= 0 {
			return out, errors.Newf("%s.minutes must be > 0", path)
		}
		d, err := ParseDurationField(path+".interval", th.Interval)
		if err != nil {
			return out, err
		}
		if d <= 0 {
			return out, errors.Newf("%s.interval must be > 0", path)
		}
		out.Thresholds = append(out.Thresholds, job.Threshold{Minutes: th.Minutes, Interval: d})
	}
	poll, err := ParseDurationField("adaptive.poll_interval", c.Adaptive.PollInterval)
	if err != nil {
		return out, err
	}
	if c.Adaptive.FinalMinutes < 0 {
		return out, errors.New("adaptive.final_minutes must be >= 0")
	}
	out.PollInterval = poll
	out.FinalMinutes = c.Adaptive.FinalMinutes
	return out, nil
}

// RetryPolicy returns the configured default policy, or a zero Policy when
// the section is empty.
func (c *Config) RetryPolicy() (retry.Policy, error) {
	r := c.Retry
	if strings.TrimSpace(r.Strategy) == "" && r.MaxRetries == nil && strings.TrimSpace(r.Base) == "" && len(r.Intervals) == 0 {
		return retry.Policy{}, nil
	}
	p := retry.DefaultPolicy()
	if s := strings.ToLower(strings.TrimSpace(r.Strategy)); s != "" {
		p.Strategy = retry.Strategy(s)
	}
	if r.MaxRetries != nil {
		p.MaxRetries = *r.MaxRetries
	}
	var err error
	if p.Base, err = ParseDurationOrDefault("retry.base", r.Base, p.Base); err != nil {
		return retry.Policy{}, err
	}
	if p.Max, err = ParseDurationOrDefault("retry.max", r.Max, p.Max); err != nil {
		return retry.Policy{}, err
	}
	if r.Multiplier != 0 {
		p.Multiplier = r.Multiplier
	}
	p.Jitter = r.Jitter
	p.Intervals = nil
	for i, raw := range r.Intervals {
		d, err := ParseDurationField("retry.intervals["+strconv.Itoa(i)+"]", raw)
		if err != nil {
			return retry.Policy{}, err
		}
		p.Intervals = append(p.Intervals, d)
	}
	if err := p.Validate(); err != nil {
		return retry.Policy{}, errors.Wrap(err, "retry")
	}
	return p, nil
}

func (c *Config) ProcessOptions() (process.Config, error) {
	if c.Executor.MaxConcurrent < 0 {
		return process.Config{}, errors.New("executor.max_concurrent must be >= 0")
	}
	timeout, err := ParseDurationOrDefault("executor.default_timeout", c.Executor.DefaultTimeout, job.DefaultTimeout)
	if err != nil {
		return process.Config{}, err
	}
	return process.Config{
		MaxConcurrent:  c.Executor.MaxConcurrent,
		DefaultTimeout: timeout,
		HistorySize:    c.Executor.HistorySize,
	}, nil
}

// NewRunner builds the CLI runner described by the executor section.
func (c *Config) NewRunner(log logx.Logger) *process.CLIRunner {
	r := process.NewCLIRunner(c.Executor.Binary, c.Executor.ExtraArgs, log)
	r.SkipPermissions = c.Executor.SkipPermissions
	return r
}

func (c *Config) CooldownOptions() (cooldown.Config, error) {
	var out cooldown.Config
	var err error
	if out.QuotaWait, err = ParseDurationOrDefault("cooldown.quota_wait", c.Cooldown.QuotaWait, cooldown.DefaultQuotaWait); err != nil {
		return out, err
	}
	if out.MaxResetWindow, err = ParseDurationOrDefault("cooldown.max_reset_window", c.Cooldown.MaxResetWindow, cooldown.DefaultMaxResetWindow); err != nil {
		return out, err
	}
	tz := strings.TrimSpace(c.Cooldown.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(c.Scheduler.Timezone)
	}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, errors.Wrapf(err, "cooldown.timezone: %q", tz)
		}
		out.Location = loc
	}
	return out, nil
}

func (c *Config) GateEnabled() bool {
	return c.Cooldown.GateEnabled == nil || *c.Cooldown.GateEnabled
}

func (c *Config) UsageOptions() (usage.Config, error) {
	var out usage.Config
	var err error
	out.CCUsage = c.Usage.CCUsage == nil || *c.Usage.CCUsage
	if out.CacheTTL, err = ParseDurationOrDefault("usage.cache_ttl", c.Usage.CacheTTL, usage.DefaultCacheTTL); err != nil {
		return out, err
	}
	if out.ProbeTimeout, err = ParseDurationOrDefault("usage.probe_timeout", c.Usage.ProbeTimeout, usage.DefaultProbeTimeout); err != nil {
		return out, err
	}
	if c.Usage.BlockMinutes < 0 {
		return out, errors.New("usage.block_minutes must be >= 0")
	}
	out.ActivityFile = strings.TrimSpace(c.Usage.ActivityFile)
	out.BlockMinutes = c.Usage.BlockMinutes
	return out, nil
}

func (c *Config) StorageOptions() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func (c *Config) DebugOptions() (debugserver.Config, error) {
	out := debugserver.Config{
		Enabled:              c.Debug.Enabled,
		Addr:                 strings.TrimSpace(c.Debug.Addr),
		Token:                strings.TrimSpace(c.Debug.Token),
		AllowInsecure:        c.Debug.AllowInsecure,
		Pprof:                c.Debug.Pprof,
		MutexProfileFraction: c.Debug.MutexProfileFraction,
		BlockProfileRate:     c.Debug.BlockProfileRate,
	}
	if !out.Enabled {
		return out, nil
	}
	if err := debugserver.CheckBind(out); err != nil {
		return out, errors.Wrap(err, "debug")
	}
	return out, nil
}
