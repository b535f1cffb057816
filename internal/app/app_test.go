package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nightpilot/internal/config"
	"nightpilot/internal/eventbus"
	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestBuildWiresComponents(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Storage.Driver = "none"
	cfg.Executor.MaxConcurrent = 2
	cfg.Executor.SkipPermissions = true

	c, err := Build(cfg, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close(context.Background())

	if c.Scheduler.Pipeline() != c.Pipeline || c.Scheduler.Repository() != c.Repo {
		t.Fatalf("scheduler not wired to the built pipeline/repository")
	}
	if got := c.Processes.Stats().MaxConcurrent; got != 2 {
		t.Fatalf("max concurrent = %d", got)
	}
	if !c.Runner.SkipPermissions {
		t.Fatalf("runner should carry skip_permissions")
	}

	// A handle that was never started still manages jobs.
	id, err := c.Scheduler.AddJob(context.Background(), job.New("nightly", "summarize the repo", job.CronSchedule("0 3 * * *", "")))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := c.Repo.GetJob(context.Background(), id); err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
}

func TestComponentsApply(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Storage.Driver = "none"
	c, err := Build(cfg, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close(context.Background())

	next := config.Default()
	next.Storage.Driver = "none"
	next.Executor.MaxConcurrent = 7
	off := false
	next.Cooldown.GateEnabled = &off
	if err := c.Apply(next); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := c.Processes.Stats().MaxConcurrent; got != 7 {
		t.Fatalf("max concurrent = %d", got)
	}
	if c.Gate.State(time.Now()).Enabled {
		t.Fatalf("gate should be disabled")
	}
}

func TestBusSinkPublishesRecords(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	busSink{bus: bus}.PublishLog(logx.Record{Level: "warn", Message: "disk almost full"})
	select {
	case e := <-ch:
		if e.Type != eventbus.LogRecord {
			t.Fatalf("type = %q", e.Type)
		}
		if r, ok := e.Data.(logx.Record); !ok || r.Message != "disk almost full" {
			t.Fatalf("data = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}

	// nil bus is a no-op
	busSink{}.PublishLog(logx.Record{Message: "dropped"})
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"logging":{"level":"error"},"storage":{"driver":"none"}}`)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sched := a.Components().Scheduler
	if !sched.Running() {
		t.Fatalf("scheduler should be running")
	}
	if !sched.HealthCheck(ctx) {
		t.Fatalf("health check failed on a running scheduler")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sched.Running() {
		t.Fatalf("scheduler still running after Stop")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done should be closed after Stop")
	}
	// second Stop is a no-op
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"storage":{"driver":"postgres"}}`)
	if _, err := New(path); err == nil {
		t.Fatalf("expected error for unknown storage driver")
	}
}
