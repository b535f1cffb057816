package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nightpilot/internal/errors"
	"nightpilot/internal/retry"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  health_deadline: 250ms
executor:
  binary: /usr/local/bin/claude
  max_concurrent: 2
  default_timeout: 10m
retry:
  strategy: exponential
  max_retries: 5
  base: 10s
  multiplier: 2
  max: 1h
cooldown:
  quota_wait: 30m
adaptive:
  thresholds:
    - minutes: 60
      interval: 15m
    - minutes: 10
      interval: 1m
  poll_interval: 45s
  final_minutes: 3
storage:
  driver: file
  path: /tmp/np
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	sc, err := cfg.SchedulerOptions()
	if err != nil {
		t.Fatalf("SchedulerOptions: %v", err)
	}
	if sc.Timezone != "UTC" || sc.HealthDeadline != 250*time.Millisecond {
		t.Fatalf("scheduler = %+v", sc)
	}
	if len(sc.Adaptive.Thresholds) != 2 || sc.Adaptive.Thresholds[1].Interval != time.Minute {
		t.Fatalf("thresholds = %+v", sc.Adaptive.Thresholds)
	}
	if sc.Adaptive.PollInterval != 45*time.Second || sc.Adaptive.FinalMinutes != 3 {
		t.Fatalf("adaptive = %+v", sc.Adaptive)
	}
	want := retry.Policy{MaxRetries: 5, Strategy: retry.StrategyExponential, Base: 10 * time.Second, Multiplier: 2, Max: time.Hour}
	if sc.DefaultRetry.MaxRetries != want.MaxRetries || sc.DefaultRetry.Strategy != want.Strategy ||
		sc.DefaultRetry.Base != want.Base || sc.DefaultRetry.Max != want.Max {
		t.Fatalf("retry = %+v, want %+v", sc.DefaultRetry, want)
	}

	pc, err := cfg.ProcessOptions()
	if err != nil {
		t.Fatalf("ProcessOptions: %v", err)
	}
	if pc.MaxConcurrent != 2 || pc.DefaultTimeout != 10*time.Minute {
		t.Fatalf("process = %+v", pc)
	}

	cc, err := cfg.CooldownOptions()
	if err != nil {
		t.Fatalf("CooldownOptions: %v", err)
	}
	if cc.QuotaWait != 30*time.Minute || cc.Location == nil || cc.Location.String() != "UTC" {
		t.Fatalf("cooldown = %+v", cc)
	}
	if !cfg.GateEnabled() {
		t.Fatalf("gate should default to enabled")
	}

	st, err := cfg.StorageOptions()
	if err != nil {
		t.Fatalf("StorageOptions: %v", err)
	}
	if st.Driver != "file" || st.Path != "/tmp/np" {
		t.Fatalf("storage = %+v", st)
	}

	// Omitted sections keep defaults.
	if cfg.Logging.EventSink.RatePerSec != 5 {
		t.Fatalf("event sink defaults lost: %+v", cfg.Logging.EventSink)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		body string
	}{
		{"unknown field", "c.json", `{"scheduler":{"timezon":"UTC"}}`},
		{"trailing data", "c.json", `{"logging":{}} {"logging":{}}`},
		{"bad duration", "c.json", `{"executor":{"default_timeout":"soon"}}`},
		{"negative duration", "c.json", `{"cooldown":{"quota_wait":"-1m"}}`},
		{"bad timezone", "c.yaml", "scheduler:\n  timezone: Mars/Olympus\n"},
		{"bad strategy", "c.json", `{"retry":{"strategy":"random"}}`},
		{"bad driver", "c.json", `{"storage":{"driver":"postgres"}}`},
		{"zero threshold", "c.json", `{"adaptive":{"thresholds":[{"minutes":0,"interval":"1m"}]}}`},
		{"public debug bind", "c.json", `{"debug":{"enabled":true,"addr":"0.0.0.0:6061"}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatalf("expected error for %s", tc.body)
			}
		})
	}
}

func TestEmptyRetrySectionKeepsJobDefaults(t *testing.T) {
	t.Parallel()

	p, err := Default().RetryPolicy()
	if err != nil {
		t.Fatalf("RetryPolicy: %v", err)
	}
	if !p.IsZero() {
		t.Fatalf("expected zero policy, got %+v", p)
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "missing.json"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || m.Get() != cfg {
		t.Fatalf("expected committed defaults, got %+v", cfg.Storage)
	}

	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"none"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m = NewManager(path)
	cfg, err = m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "none" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}

	if err := os.WriteFile(path, []byte(`{"nope":1}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected decode error")
	}
	if m.Get().Storage.Driver != "none" {
		t.Fatalf("failed load must keep the committed config")
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Logging.Level = "debug"
	m.publish(a)
	m.publish(b)

	got := <-ch
	if got != b {
		t.Fatalf("subscriber should see the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after Unsubscribe")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := Default()
	newCfg := Default()
	newCfg.Executor.ExtraArgs = "--model opus"
	newCfg.Storage.Driver = "file"

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "executor" || changed[1] != "storage" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	changed, _ = SummarizeConfigChange(oldCfg, Default())
	if len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestReloadValidatesBeforeCommit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return errors.New("trace not allowed")
		}
		return nil
	})
	if err := os.WriteFile(path, []byte("logging:\n  level: trace\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	if m.Get().Logging.Level != "info" || len(ch) != 0 {
		t.Fatalf("rejected config must not be committed or published")
	}

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	if got := <-ch; got.Logging.Level != "debug" || m.Get() != got {
		t.Fatalf("accepted config not committed")
	}

	// unchanged content is not republished
	m.reload(context.Background())
	if len(ch) != 0 {
		t.Fatalf("unchanged config was republished")
	}
}

func TestWatchPublishesFileChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	// rewrite until the watcher is up and sees it
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case got := <-ch:
			if got.Executor.MaxConcurrent != 5 {
				t.Fatalf("max_concurrent = %d", got.Executor.MaxConcurrent)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(`{"executor":{"max_concurrent":5}}`), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
