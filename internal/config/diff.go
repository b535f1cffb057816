package config

import (
	"reflect"
	"strings"

	logx "nightpilot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging the reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.event_sink", newCfg.Logging.EventSink.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.health_deadline", strings.TrimSpace(newCfg.Scheduler.HealthDeadline)),
		)
	}

	// Extra args may carry secrets; only report whether they are set.
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.binary", strings.TrimSpace(newCfg.Executor.Binary)),
			logx.Bool("executor.extra_args_set", strings.TrimSpace(newCfg.Executor.ExtraArgs) != ""),
			logx.Bool("executor.skip_permissions", newCfg.Executor.SkipPermissions),
			logx.Int("executor.max_concurrent", newCfg.Executor.MaxConcurrent),
			logx.String("executor.default_timeout", strings.TrimSpace(newCfg.Executor.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs, logx.String("retry.strategy", strings.TrimSpace(newCfg.Retry.Strategy)))
	}

	if !reflect.DeepEqual(oldCfg.Cooldown, newCfg.Cooldown) {
		changed = append(changed, "cooldown")
		attrs = append(attrs,
			logx.Bool("cooldown.gate_enabled", newCfg.GateEnabled()),
			logx.String("cooldown.quota_wait", strings.TrimSpace(newCfg.Cooldown.QuotaWait)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Adaptive, newCfg.Adaptive) {
		changed = append(changed, "adaptive")
		attrs = append(attrs,
			logx.Int("adaptive.thresholds", len(newCfg.Adaptive.Thresholds)),
			logx.Float64("adaptive.final_minutes", newCfg.Adaptive.FinalMinutes),
		)
	}

	if !reflect.DeepEqual(oldCfg.Usage, newCfg.Usage) {
		changed = append(changed, "usage")
		attrs = append(attrs, logx.Bool("usage.ccusage", newCfg.Usage.CCUsage == nil || *newCfg.Usage.CCUsage))
	}

	// Storage is opened once; a change needs a restart.
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.restart_required", true),
		)
	}

	// The token is never logged.
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
		)
	}

	return changed, attrs
}
