package config

// Config is the on-disk configuration, JSON or YAML.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). Omitted
// or zero values fall back to the package defaults of the component that
// consumes them.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Retry     RetryConfig     `json:"retry"`
	Cooldown  CooldownConfig  `json:"cooldown"`
	Adaptive  AdaptiveConfig  `json:"adaptive"`
	Usage     UsageConfig     `json:"usage"`
	Storage   StorageConfig   `json:"storage"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`

	File      LoggingFileConfig      `json:"file"`
	EventSink LoggingEventSinkConfig `json:"event_sink"`
}

type LoggingFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// LoggingEventSinkConfig republishes WARN+ log records onto the event bus.
type LoggingEventSinkConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name applied to cron jobs that carry none.
	Timezone       string `json:"timezone,omitempty"`
	HealthDeadline string `json:"health_deadline,omitempty"`
	DispatchBuffer int    `json:"dispatch_buffer,omitempty"`
}

type ExecutorConfig struct {
	Binary          string `json:"binary,omitempty"`
	ExtraArgs       string `json:"extra_args,omitempty"`
	SkipPermissions bool   `json:"skip_permissions,omitempty"`
	MaxConcurrent   int    `json:"max_concurrent,omitempty"`
	DefaultTimeout  string `json:"default_timeout,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// RetryConfig is the policy applied to jobs that carry no policy of their own.
type RetryConfig struct {
	Strategy   string   `json:"strategy,omitempty"`
	MaxRetries *int     `json:"max_retries,omitempty"`
	Base       string   `json:"base,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty"`
	Max        string   `json:"max,omitempty"`
	Intervals  []string `json:"intervals,omitempty"`
	Jitter     float64  `json:"jitter,omitempty"`
}

type CooldownConfig struct {
	QuotaWait      string `json:"quota_wait,omitempty"`
	MaxResetWindow string `json:"max_reset_window,omitempty"`
	// GateEnabled is a pointer so an omitted value keeps the gate on.
	GateEnabled *bool `json:"gate_enabled,omitempty"`
	// Timezone resolves clock times like "reset at 4pm"; empty uses
	// scheduler.timezone, then Local.
	Timezone string `json:"timezone,omitempty"`
}

type AdaptiveThreshold struct {
	Minutes  float64 `json:"minutes"`
	Interval string  `json:"interval"`
}

type AdaptiveConfig struct {
	Thresholds   []AdaptiveThreshold `json:"thresholds,omitempty"`
	PollInterval string              `json:"poll_interval,omitempty"`
	FinalMinutes float64             `json:"final_minutes,omitempty"`
}

type UsageConfig struct {
	// CCUsage is a pointer so an omitted value keeps the ccusage probes on.
	CCUsage      *bool   `json:"ccusage,omitempty"`
	CacheTTL     string  `json:"cache_ttl,omitempty"`
	ProbeTimeout string  `json:"probe_timeout,omitempty"`
	ActivityFile string  `json:"activity_file,omitempty"`
	BlockMinutes float64 `json:"block_minutes,omitempty"`
}

type StorageConfig struct {
	// Driver is one of: sqlite, file, none.
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DebugConfig is the daemon's local HTTP status server.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
