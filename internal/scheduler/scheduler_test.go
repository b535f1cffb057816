package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	"nightpilot/internal/pipeline"
	"nightpilot/internal/process"
	"nightpilot/internal/retry"
	"nightpilot/internal/storage"
	"nightpilot/internal/usage"
	logx "nightpilot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type reply struct {
	out process.Output
	err error
}

// fakeRunner replays replies in order; the last one repeats.
type fakeRunner struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

func (r *fakeRunner) Run(ctx context.Context, inv process.Invocation) (process.Output, error) {
	r.mu.Lock()
	i := len(r.prompts)
	r.prompts = append(r.prompts, inv.Prompt)
	rep := reply{out: process.Output{Text: "ok"}}
	if len(r.replies) > 0 {
		rep = r.replies[min(i, len(r.replies)-1)]
	}
	r.mu.Unlock()
	return rep.out, rep.err
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

type fixture struct {
	svc    *Service
	runner *fakeRunner
	repo   *storage.Memory
	clock  *clock
}

func newFixture(t *testing.T, replies ...reply) *fixture {
	t.Helper()
	f := &fixture{runner: &fakeRunner{replies: replies}, repo: storage.NewMemory(), clock: &clock{now: t0}}
	proc := process.New(process.Config{MaxConcurrent: 3, DefaultTimeout: time.Minute}, f.runner, logx.Nop(), nil)
	pipe := pipeline.New(proc, cooldown.New(cooldown.Config{Location: time.UTC}), retry.New(logx.Nop(), 0), pipeline.NewGate(true), logx.Nop(),
		pipeline.WithClock(f.clock.Now),
		pipeline.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	f.svc = New(Config{Timezone: "UTC"}, pipe, f.repo, logx.Nop(), WithClock(f.clock.Now))
	return f
}

// fireAndWait pushes ev through the dispatch loop entry point and waits for
// the execution it starts.
func (f *fixture) fireAndWait(ev dueEvent) {
	f.svc.dispatch(ev)
	f.svc.runWG.Wait()
}

func (f *fixture) add(t *testing.T, j *job.Job) string {
	t.Helper()
	id, err := f.svc.AddJob(context.Background(), j)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return id
}

func (f *fixture) state(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.svc.GetJobState(id)
	if err != nil {
		t.Fatalf("GetJobState: %v", err)
	}
	return j
}

func TestCronJobFiresOnDispatch(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"0 */1 * * * *", "*/1 * * * *"} {
		f := newFixture(t)
		id := f.add(t, job.New("minutely", "check", job.CronSchedule(expr, "")))

		j := f.state(t, id)
		if want := t0.Add(time.Minute); !j.NextRunAt.Equal(want) {
			t.Fatalf("%q: NextRunAt = %s, want %s", expr, j.NextRunAt, want)
		}

		f.clock.Set(t0.Add(time.Minute))
		f.fireAndWait(dueEvent{JobID: id, At: t0.Add(time.Minute), Source: SourceCron})

		j = f.state(t, id)
		if j.ExecutionCount != 1 || j.Status != job.StatusActive {
			t.Fatalf("%q: count=%d status=%s", expr, j.ExecutionCount, j.Status)
		}
		if !j.NextRunAt.After(t0.Add(time.Minute)) {
			t.Fatalf("%q: NextRunAt %s not in the future", expr, j.NextRunAt)
		}
		if got, _ := f.repo.GetJob(context.Background(), id); got == nil || got.ExecutionCount != 1 {
			t.Fatalf("%q: persisted job = %+v", expr, got)
		}
	}
}

func TestCooldownVerdictParksJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reply{out: process.Output{Text: "Rate limited, retry in 120 seconds"}, err: errors.New("exit status 1")})
	id := f.add(t, job.New("cooling", "work", job.CronSchedule("0 */1 * * * *", "")))

	f.fireAndWait(dueEvent{JobID: id, At: t0, Source: SourceCron})

	j := f.state(t, id)
	if j.Status != job.StatusCooldown {
		t.Fatalf("status = %s", j.Status)
	}
	if want := t0.Add(120 * time.Second); !j.NextRunAt.Equal(want) || !j.CooldownUntil.Equal(want) {
		t.Fatalf("NextRunAt = %s CooldownUntil = %s, want %s", j.NextRunAt, j.CooldownUntil, want)
	}
	if j.FailureCount != 0 || j.ExecutionCount != 0 {
		t.Fatalf("failure=%d executions=%d", j.FailureCount, j.ExecutionCount)
	}
	if f.runner.Calls() != 1 {
		t.Fatalf("runner calls = %d", f.runner.Calls())
	}
}

func TestInvalidScheduleLeavesTableUnchanged(t *testing.T) {
	t.Parallel()
	cases := []job.Schedule{
		job.CronSchedule("not a cron", ""),
		job.CronSchedule("* * * * * * * *", ""),
		job.CronSchedule("0 * * * *", "Mars/Olympus"),
		job.SessionAt("25:00", false),
		{Kind: "weekly"},
	}
	for _, sch := range cases {
		f := newFixture(t)
		_, err := f.svc.AddJob(context.Background(), job.New("bad", "x", sch))
		if !errors.Is(err, errors.ErrInvalidSchedule) {
			t.Fatalf("%v: err = %v", sch, err)
		}
		if n := len(f.svc.GetAllJobStates()); n != 0 {
			t.Fatalf("%v: table has %d jobs", sch, n)
		}
	}
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, job.New("c", "x", job.Triggered()))

	f.clock.Set(t0.Add(time.Minute))
	ok, err := f.svc.CancelJob(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first cancel = %v, %v", ok, err)
	}
	before := f.state(t, id)

	f.clock.Set(t0.Add(time.Hour))
	ok, err = f.svc.CancelJob(ctx, id)
	if err != nil || ok {
		t.Fatalf("second cancel = %v, %v", ok, err)
	}
	after := f.state(t, id)
	if after.Status != job.StatusCancelled || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("state changed: %s %s -> %s %s", before.Status, before.UpdatedAt, after.Status, after.UpdatedAt)
	}

	if _, err := f.svc.CancelJob(ctx, "missing"); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestCancelCascadesToChildren(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	parent := f.add(t, job.New("parent", "x", job.Triggered()))
	child, err := f.svc.AddChildJob(ctx, parent, job.New("child", "y", job.Triggered()))
	if err != nil {
		t.Fatalf("AddChildJob: %v", err)
	}
	grand, err := f.svc.AddChildJob(ctx, child, job.New("grandchild", "z", job.Triggered()))
	if err != nil {
		t.Fatalf("AddChildJob: %v", err)
	}

	if ok, err := f.svc.CancelJob(ctx, parent); !ok || err != nil {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	for _, id := range []string{parent, child, grand} {
		if st := f.state(t, id).Status; st != job.StatusCancelled {
			t.Fatalf("%s status = %s", id, st)
		}
	}
}

func TestAddChildJobRejectsCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, job.New("a", "x", job.Triggered()))
	b, err := f.svc.AddChildJob(ctx, a, job.New("b", "x", job.Triggered()))
	if err != nil {
		t.Fatalf("add b: %v", err)
	}
	c, err := f.svc.AddChildJob(ctx, b, job.New("c", "x", job.Triggered()))
	if err != nil {
		t.Fatalf("add c: %v", err)
	}

	for _, parent := range []string{c, b, a} {
		_, err = f.svc.AddChildJob(ctx, parent, &job.Job{ID: a})
		if !errors.Is(err, errors.ErrCyclicDependency) {
			t.Fatalf("parent %s: err = %v", parent, err)
		}
	}
	if j := f.state(t, a); j.ParentID != "" {
		t.Fatalf("a re-parented to %s", j.ParentID)
	}
	if j := f.state(t, c); len(j.ChildIDs) != 0 {
		t.Fatalf("c children = %v", j.ChildIDs)
	}

	root, err := f.svc.Hierarchy(a)
	if err != nil {
		t.Fatalf("Hierarchy: %v", err)
	}
	if len(root.Children) != 1 || root.Children[0].Job.ID != b || len(root.Children[0].Children) != 1 {
		t.Fatalf("hierarchy = %+v", root)
	}

	// Moving c directly under a is not a cycle.
	if _, err := f.svc.AddChildJob(ctx, a, &job.Job{ID: c}); err != nil {
		t.Fatalf("re-parent: %v", err)
	}
	if j := f.state(t, b); len(j.ChildIDs) != 0 {
		t.Fatalf("b still lists children %v", j.ChildIDs)
	}
}

func TestPausedJobDropsTicks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, job.New("p", "x", job.CronSchedule("*/5 * * * *", "")))

	if ok, err := f.svc.PauseJob(ctx, id); !ok || err != nil {
		t.Fatalf("pause = %v, %v", ok, err)
	}
	f.fireAndWait(dueEvent{JobID: id, At: t0, Source: SourceCron})
	if f.runner.Calls() != 0 {
		t.Fatalf("paused job ran")
	}

	if ok, err := f.svc.ResumeJob(ctx, id); !ok || err != nil {
		t.Fatalf("resume = %v, %v", ok, err)
	}
	f.fireAndWait(dueEvent{JobID: id, At: t0, Source: SourceCron})
	if f.runner.Calls() != 1 {
		t.Fatalf("resumed job calls = %d", f.runner.Calls())
	}
}

func TestFailedRunAfterRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reply{err: errors.New("exit status 2: boom")})
	j := job.New("flaky", "x", job.CronSchedule("@hourly", ""))
	j.Retry = retry.Fixed(3, time.Second)
	id := f.add(t, j)

	f.fireAndWait(dueEvent{JobID: id, At: t0, Source: SourceCron})

	got := f.state(t, id)
	if got.Status != job.StatusFailed || got.FailureCount != 3 || got.ExecutionCount != 1 || got.LastError == "" {
		t.Fatalf("job = status %s failures %d executions %d err %q", got.Status, got.FailureCount, got.ExecutionCount, got.LastError)
	}
	if !got.NextRunAt.IsZero() {
		t.Fatalf("failed job still scheduled at %s", got.NextRunAt)
	}
	execs, _ := f.repo.ListExecutions(context.Background(), id, 0)
	if len(execs) != 3 {
		t.Fatalf("persisted attempts = %d", len(execs))
	}
	st, _ := f.svc.UsageStats(id)
	if st.Attempts != 3 || st.Failures != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTriggerJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reply{out: process.Output{Text: "done", Usage: &job.Usage{InputTokens: 5, OutputTokens: 7}}})
	ctx := context.Background()
	id := f.add(t, job.New("manual", "x", job.CronSchedule("0 3 * * *", "")))
	next := f.state(t, id).NextRunAt

	if ok, _ := f.svc.PauseJob(ctx, id); !ok {
		t.Fatalf("pause failed")
	}
	sum, err := f.svc.TriggerJob(ctx, id)
	if err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	if sum.Outcome.Kind != job.OutcomeSuccess || sum.Outcome.Output != "done" || sum.Attempts != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	j := f.state(t, id)
	if j.Status != job.StatusPaused || j.ExecutionCount != 1 || !j.NextRunAt.Equal(next) {
		t.Fatalf("job = %s count %d next %s (want %s)", j.Status, j.ExecutionCount, j.NextRunAt, next)
	}
	st, _ := f.svc.UsageStats(id)
	if st.TotalTokens() != 12 {
		t.Fatalf("tokens = %d", st.TotalTokens())
	}

	if _, err := f.svc.TriggerJob(ctx, "missing"); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestTriggerCascade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	p := f.add(t, job.New("p", "parent prompt", job.Triggered()))
	c1, _ := f.svc.AddChildJob(ctx, p, job.New("c1", "child one", job.Triggered()))
	c2, _ := f.svc.AddChildJob(ctx, p, job.New("c2", "child two", job.Triggered()))

	sum, err := f.svc.TriggerJob(ctx, p, WithCascade())
	if err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	if len(sum.Children) != 2 || sum.Children[0].JobID != c1 || sum.Children[1].JobID != c2 {
		t.Fatalf("children = %+v", sum.Children)
	}
	if f.runner.Calls() != 3 {
		t.Fatalf("calls = %d", f.runner.Calls())
	}
}

func TestPromptReference(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.repo.SavePrompt(ctx, storage.Prompt{Name: "nightly", Content: "review open PRs"}); err != nil {
		t.Fatalf("SavePrompt: %v", err)
	}
	j := job.New("ref", "", job.Triggered())
	j.PromptRef = "nightly"
	id := f.add(t, j)

	if _, err := f.svc.TriggerJob(ctx, id); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	if f.runner.prompts[0] != "review open PRs" {
		t.Fatalf("prompt = %q", f.runner.prompts[0])
	}

	bad := job.New("dangling", "", job.Triggered())
	bad.PromptRef = "missing"
	bid := f.add(t, bad)
	sum, _ := f.svc.TriggerJob(ctx, bid)
	if sum.Status != job.StatusFailed || f.runner.Calls() != 1 {
		t.Fatalf("dangling prompt summary = %+v calls=%d", sum, f.runner.Calls())
	}
}

func TestSessionDailyRearm(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.add(t, job.New("session", "start", job.SessionAt("13:00", true)))

	if want := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC); !f.state(t, id).NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %s", f.state(t, id).NextRunAt)
	}

	f.clock.Set(time.Date(2026, 3, 1, 13, 0, 1, 0, time.UTC))
	f.fireAndWait(dueEvent{JobID: id, Source: SourceOnce})

	j := f.state(t, id)
	if want := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC); j.Status != job.StatusActive || !j.NextRunAt.Equal(want) {
		t.Fatalf("status %s next %s", j.Status, j.NextRunAt)
	}

	once := f.add(t, job.New("once", "start", job.SessionAt("08:00", false)))
	if want := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC); !f.state(t, once).NextRunAt.Equal(want) {
		t.Fatalf("past time did not roll to tomorrow: %s", f.state(t, once).NextRunAt)
	}
	f.fireAndWait(dueEvent{JobID: once, Source: SourceOnce})
	if st := f.state(t, once).Status; st != job.StatusCompleted {
		t.Fatalf("one-shot status = %s", st)
	}
}

func TestStaleTimerEventIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.add(t, job.New("once", "x", job.OnceAt(t0.Add(time.Hour))))

	f.fireAndWait(dueEvent{JobID: id, Source: SourceOnce, ver: 99})
	if f.runner.Calls() != 0 {
		t.Fatalf("stale event ran the job")
	}
	if f.svc.Snapshot().Stale != 1 {
		t.Fatalf("stale counter not bumped")
	}
}

func TestLoadRecoversInterruptedRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	running := job.New("crashed", "x", job.CronSchedule("@hourly", ""))
	running.Status = job.StatusRunning
	done := job.New("done", "x", job.Triggered())
	done.Status = job.StatusCompleted
	for _, j := range []*job.Job{running, done} {
		_ = f.repo.SaveJob(ctx, j)
	}
	_ = f.repo.AppendExecutionResult(ctx, running.ID, job.ExecutionAttempt{AttemptNumber: 1, Outcome: job.Outcome{Kind: job.OutcomeSuccess}})

	n, err := f.svc.Load(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Load = %d, %v", n, err)
	}
	if st := f.state(t, running.ID).Status; st != job.StatusActive {
		t.Fatalf("recovered status = %s", st)
	}
	if stored, _ := f.repo.GetJob(ctx, running.ID); stored.Status != job.StatusActive {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if st, _ := f.svc.UsageStats(running.ID); st.Attempts != 1 {
		t.Fatalf("seeded stats = %+v", st)
	}
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	p := f.add(t, job.New("p", "x", job.Triggered()))
	c, _ := f.svc.AddChildJob(ctx, p, job.New("c", "x", job.Triggered()))

	if !f.svc.RemoveJob(ctx, p) {
		t.Fatalf("remove returned false")
	}
	if f.svc.RemoveJob(ctx, p) {
		t.Fatalf("second remove returned true")
	}
	if _, err := f.svc.GetJobState(p); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("removed job still present: %v", err)
	}
	if j := f.state(t, c); j.ParentID != "" {
		t.Fatalf("child still points at %s", j.ParentID)
	}
	if _, err := f.repo.GetJob(ctx, p); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("removed job still stored: %v", err)
	}
}

func TestListActiveJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, job.New("a", "x", job.Triggered()))
	b := f.add(t, job.New("b", "x", job.Triggered()))
	c := f.add(t, job.New("c", "x", job.Triggered()))
	_, _ = f.svc.PauseJob(ctx, b)
	_, _ = f.svc.CancelJob(ctx, c)

	got := f.svc.ListActiveJobs()
	if len(got) != 1 || got[0].ID != a {
		t.Fatalf("active = %+v", got)
	}
	if len(f.svc.GetAllJobStates()) != 3 {
		t.Fatalf("all states")
	}
}

func TestHealthCheckFollowsLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if f.svc.HealthCheck(ctx) {
		t.Fatalf("healthy before start")
	}
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.svc.HealthCheck(ctx) {
		t.Fatalf("unhealthy while running")
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)
	if f.svc.HealthCheck(ctx) {
		t.Fatalf("healthy after stop")
	}
	if _, err := f.svc.AddJob(ctx, job.New("late", "x", job.Triggered())); !errors.Is(err, errors.ErrNotRunning) {
		t.Fatalf("AddJob after stop err = %v", err)
	}
}

func TestPickInterval(t *testing.T) {
	t.Parallel()
	table := []job.Threshold{{Minutes: 30, Interval: 10 * time.Minute}, {Minutes: 5, Interval: 2 * time.Minute}}
	cases := []struct {
		remaining float64
		want      time.Duration
	}{
		{120, 10 * time.Minute},
		{30, 2 * time.Minute},
		{10, 2 * time.Minute},
		{5, 30 * time.Second},
		{3, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := PickInterval(table, 30*time.Second, tc.remaining); got != tc.want {
			t.Fatalf("PickInterval(%v) = %s, want %s", tc.remaining, got, tc.want)
		}
	}
}

func TestDecidePoll(t *testing.T) {
	t.Parallel()
	table := job.DefaultThresholds
	cases := []struct {
		name string
		info usage.Info
		fire bool
		wait time.Duration
	}{
		{"unknown", usage.Info{}, false, 30 * time.Second},
		{"far", usage.Info{Known: true, RemainingMinutes: 200}, false, 10 * time.Minute},
		{"near", usage.Info{Known: true, RemainingMinutes: 4}, false, 30 * time.Second},
		{"final", usage.Info{Known: true, RemainingMinutes: 2}, true, 0},
		{"past", usage.Info{Known: true, RemainingMinutes: 0}, true, 0},
	}
	for _, tc := range cases {
		d := decidePoll(tc.info, table, 30*time.Second, 2)
		if d.fire != tc.fire || d.delay != tc.wait {
			t.Fatalf("%s: %+v", tc.name, d)
		}
	}
}

func TestAdaptivePollFiresAtFinalThreshold(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var remaining float64 = 60
	var mu sync.Mutex
	f.svc.usage = usage.SourceFunc(func(context.Context) (usage.Info, error) {
		mu.Lock()
		defer mu.Unlock()
		return usage.Info{Known: true, RemainingMinutes: remaining, TotalMinutes: 300}, nil
	})
	id := f.add(t, job.New("adaptive", "x", job.AdaptiveSchedule(nil, 0, 0)))

	f.fireAndWait(dueEvent{JobID: id, Source: SourcePoll})
	if f.runner.Calls() != 0 {
		t.Fatalf("fired with 60 minutes left")
	}
	if j := f.state(t, id); !j.NextRunAt.Equal(t0.Add(10 * time.Minute)) {
		t.Fatalf("next poll = %s", j.NextRunAt)
	}

	mu.Lock()
	remaining = 1.5
	mu.Unlock()
	ver := func() uint64 {
		f.svc.mu.RLock()
		defer f.svc.mu.RUnlock()
		return f.svc.jobs[id].timerVer
	}()
	f.fireAndWait(dueEvent{JobID: id, Source: SourcePoll, ver: ver})
	f.svc.runWG.Wait()
	if f.runner.Calls() != 1 {
		t.Fatalf("calls = %d", f.runner.Calls())
	}
	j := f.state(t, id)
	if j.Status != job.StatusActive || j.ExecutionCount != 1 || !j.NextRunAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("after fire: %s count %d next %s", j.Status, j.ExecutionCount, j.NextRunAt)
	}
}

func TestCooldownDropsTimedTicks(t *testing.T) {
	t.Parallel()
	for _, gate := range []bool{true, false} {
		f := newFixture(t,
			reply{out: process.Output{Text: "Rate limited, retry in 120 seconds"}, err: errors.New("exit status 1")},
			reply{out: process.Output{Text: "done"}},
		)
		f.svc.Pipeline().Gate().SetEnabled(gate)
		id := f.add(t, job.New("cooling", "work", job.CronSchedule("0 */1 * * * *", "")))

		f.fireAndWait(dueEvent{JobID: id, At: t0, Source: SourceCron})
		before := f.state(t, id)
		if before.Status != job.StatusCooldown {
			t.Fatalf("gate=%v: status = %s", gate, before.Status)
		}

		f.clock.Set(t0.Add(time.Minute))
		f.fireAndWait(dueEvent{JobID: id, At: t0.Add(time.Minute), Source: SourceCron})
		j := f.state(t, id)
		if f.runner.Calls() != 1 || j.Status != job.StatusCooldown {
			t.Fatalf("gate=%v: tick during cooldown ran: calls=%d status=%s", gate, f.runner.Calls(), j.Status)
		}
		if !j.LastRunAt.Equal(before.LastRunAt) || !j.CooldownUntil.Equal(t0.Add(120*time.Second)) {
			t.Fatalf("gate=%v: lastRunAt %s -> %s, cooldownUntil %s", gate, before.LastRunAt, j.LastRunAt, j.CooldownUntil)
		}

		f.clock.Set(t0.Add(120 * time.Second))
		f.svc.mu.RLock()
		ver := f.svc.jobs[id].timerVer
		f.svc.mu.RUnlock()
		f.fireAndWait(dueEvent{JobID: id, At: t0.Add(120 * time.Second), Source: SourceCooldown, ver: ver})
		j = f.state(t, id)
		if f.runner.Calls() != 2 || j.Status != job.StatusActive || j.ExecutionCount != 1 {
			t.Fatalf("gate=%v: resume: calls=%d status=%s count=%d", gate, f.runner.Calls(), j.Status, j.ExecutionCount)
		}
	}
}

func TestManualRunEndsCooldownTimer(t *testing.T) {
	t.Parallel()
	f := newFixture(t,
		reply{out: process.Output{Text: "Rate limited, retry in 120 seconds"}, err: errors.New("exit status 1")},
		reply{out: process.Output{Text: "done"}},
	)
	f.svc.Pipeline().Gate().SetEnabled(false)
	ctx := context.Background()
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		f.svc.Stop(stopCtx)
	})
	id := f.add(t, job.New("yearly", "work", job.CronSchedule("0 0 1 1 *", "")))

	f.fireAndWait(dueEvent{JobID: id, At: t0, Source: SourceCron})
	timer := func() (bool, Source) {
		f.svc.mu.RLock()
		defer f.svc.mu.RUnlock()
		e := f.svc.jobs[id]
		return e.timer != nil, e.timerSrc
	}
	if armed, src := timer(); !armed || src != SourceCooldown {
		t.Fatalf("cooldown timer armed=%v src=%q", armed, src)
	}

	f.clock.Set(t0.Add(time.Minute))
	sum, err := f.svc.TriggerJob(ctx, id)
	if err != nil || sum.Outcome.Kind != job.OutcomeSuccess {
		t.Fatalf("TriggerJob = %+v, %v", sum, err)
	}
	if armed, src := timer(); armed || src != "" {
		t.Fatalf("cooldown timer left armed after manual run: src=%q", src)
	}
	if j := f.state(t, id); j.Status != job.StatusActive || !j.CooldownUntil.IsZero() {
		t.Fatalf("job = %s cooldownUntil %s", j.Status, j.CooldownUntil)
	}
}

func TestStartedSchedulerFiresCronAndOneShot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		f.svc.Stop(stopCtx)
	})
	cronID := f.add(t, job.New("every-second", "tick", job.CronSchedule("* * * * * *", "")))
	onceID := f.add(t, job.New("soon", "once", job.OnceAt(t0.Add(300*time.Millisecond))))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, o := f.state(t, cronID), f.state(t, onceID)
		if c.ExecutionCount >= 1 && o.Status == job.StatusCompleted {
			if o.ExecutionCount != 1 {
				t.Fatalf("one-shot ran %d times", o.ExecutionCount)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("cron=%+v once=%+v", f.state(t, cronID), f.state(t, onceID))
}

func TestAdaptiveJobNextRunInFuture(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, job.New("adaptive", "x", job.AdaptiveSchedule(nil, 0, 0)))
	if j := f.state(t, id); !j.NextRunAt.After(t0) {
		t.Fatalf("NextRunAt %s not after %s", j.NextRunAt, t0)
	}
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		f.svc.Stop(stopCtx)
	}()
	if j := f.state(t, id); !j.NextRunAt.After(t0) {
		t.Fatalf("after Start NextRunAt %s not after %s", j.NextRunAt, t0)
	}
}
