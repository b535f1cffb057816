package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	"nightpilot/internal/process"
	"nightpilot/internal/retry"
	logx "nightpilot/pkg/logx"
)

type step struct {
	out process.Output
	err error
}

// scriptRunner replays steps in order; the last step repeats.
type scriptRunner struct {
	mu    sync.Mutex
	steps []step
	calls int
	block chan struct{}
}

func (s *scriptRunner) Run(ctx context.Context, _ process.Invocation) (process.Output, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	st := s.steps[min(i, len(s.steps)-1)]
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return process.Output{}, ctx.Err()
		}
	}
	return st.out, st.err
}

func (s *scriptRunner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	p      *Pipeline
	runner *scriptRunner
	sleeps []time.Duration
}

func newHarness(maxConcurrent int, steps ...step) *harness {
	h := &harness{runner: &scriptRunner{steps: steps}}
	proc := process.New(process.Config{MaxConcurrent: maxConcurrent, DefaultTimeout: time.Minute}, h.runner, logx.Nop(), nil)
	det := cooldown.New(cooldown.Config{Location: time.UTC})
	h.p = New(proc, det, retry.New(logx.Nop(), 0), NewGate(true), logx.Nop(),
		WithClock(func() time.Time { return t0 }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		}),
	)
	return h
}

func req(policy retry.Policy, attempts *[]job.ExecutionAttempt) Request {
	return Request{
		JobID:      "job-1",
		Policy:     policy,
		Invocation: process.Invocation{Prompt: "do it"},
		OnAttempt: func(a job.ExecutionAttempt) {
			if attempts != nil {
				*attempts = append(*attempts, a)
			}
		},
	}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	usage := &job.Usage{InputTokens: 3, OutputTokens: 4}
	h := newHarness(3, step{out: process.Output{Text: "ok", Usage: usage}})
	var attempts []job.ExecutionAttempt
	res := h.p.Execute(context.Background(), req(retry.DefaultPolicy(), &attempts))

	if res.Outcome.Kind != job.OutcomeSuccess || res.Outcome.Output != "ok" || res.Attempts != 1 || res.Usage != usage {
		t.Fatalf("res=%+v", res)
	}
	if len(attempts) != 1 || attempts[0].AttemptNumber != 1 || attempts[0].Outcome.Kind != job.OutcomeSuccess {
		t.Fatalf("attempts=%+v", attempts)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	fail := step{out: process.Output{Text: "boom", ExitCode: 1}, err: errors.New("exit status 1")}
	h := newHarness(3, fail, fail, step{out: process.Output{Text: "ok"}})
	var attempts []job.ExecutionAttempt
	res := h.p.Execute(context.Background(), req(retry.Fixed(3, 5*time.Second), &attempts))

	if res.Outcome.Kind != job.OutcomeSuccess || res.Attempts != 3 {
		t.Fatalf("res=%+v", res)
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 5*time.Second {
		t.Fatalf("sleeps=%v", h.sleeps)
	}
	if len(attempts) != 3 || attempts[0].Outcome.Kind != job.OutcomeFailed || attempts[2].Outcome.Kind != job.OutcomeSuccess {
		t.Fatalf("attempts=%+v", attempts)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(3, step{err: errors.New("exit status 2")})
	res := h.p.Execute(context.Background(), req(retry.Fixed(3, time.Second), nil))

	if res.Outcome.Kind != job.OutcomeFailed || res.Attempts != 3 || h.runner.Calls() != 3 {
		t.Fatalf("res=%+v calls=%d", res, h.runner.Calls())
	}
	if !errors.Is(res.Err, errors.ErrExecutionFailed) {
		t.Fatalf("err=%v", res.Err)
	}
}

func TestExecuteNonRetryableStopsAtOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(3, step{err: errors.NoRetry(errors.New("bad args"))})
	res := h.p.Execute(context.Background(), req(retry.Fixed(5, time.Second), nil))
	if res.Outcome.Kind != job.OutcomeFailed || h.runner.Calls() != 1 || len(h.sleeps) != 0 {
		t.Fatalf("res=%+v calls=%d", res, h.runner.Calls())
	}
}

func TestExecuteCooldownDefersAndClosesGate(t *testing.T) {
	t.Parallel()

	h := newHarness(3, step{out: process.Output{Text: "Please retry in 120 seconds", ExitCode: 1}, err: errors.New("exit status 1")})
	var attempts []job.ExecutionAttempt
	res := h.p.Execute(context.Background(), req(retry.Fixed(3, time.Second), &attempts))

	want := t0.Add(120 * time.Second)
	if res.Outcome.Kind != job.OutcomeCooldownDeferred || !res.Outcome.ResumeAt.Equal(want) {
		t.Fatalf("res=%+v", res)
	}
	if !errors.Is(res.Err, errors.ErrCooldownDeferred) || res.Verdict.Pattern != cooldown.PatternRateLimit {
		t.Fatalf("err=%v verdict=%+v", res.Err, res.Verdict)
	}
	if h.runner.Calls() != 1 || len(h.sleeps) != 0 {
		t.Fatalf("cooldown must not consume retries: calls=%d sleeps=%v", h.runner.Calls(), h.sleeps)
	}
	if len(attempts) != 1 || attempts[0].Outcome.Kind != job.OutcomeCooldownDeferred {
		t.Fatalf("attempts=%+v", attempts)
	}

	again := h.p.Execute(context.Background(), req(retry.Fixed(3, time.Second), nil))
	if again.Outcome.Kind != job.OutcomeCooldownDeferred || !again.Outcome.ResumeAt.Equal(want) || h.runner.Calls() != 1 {
		t.Fatalf("gate should defer without spawning: res=%+v calls=%d", again, h.runner.Calls())
	}
	if st := h.p.Gate().State(t0); !st.Closed || st.Trips != 1 || st.Deferred != 1 {
		t.Fatalf("gate=%+v", st)
	}
}

func TestExecuteSkipsWhenSlotsBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(1, step{out: process.Output{Text: "ok"}})
	h.runner.block = make(chan struct{})

	done := make(chan Result, 1)
	go func() { done <- h.p.Execute(context.Background(), req(retry.DefaultPolicy(), nil)) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.p.Processes().Active()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first execution never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := h.p.Execute(context.Background(), req(retry.DefaultPolicy(), nil))
	if !second.Skipped || !errors.Is(second.Err, errors.ErrConcurrencyLimitExceeded) {
		t.Fatalf("second=%+v", second)
	}
	close(h.runner.block)
	if first := <-done; first.Outcome.Kind != job.OutcomeSuccess {
		t.Fatalf("first=%+v", first)
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(3, step{err: errors.New("exit status 1")})
	ctx, cancel := context.WithCancel(context.Background())
	h.p.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	res := h.p.Execute(ctx, req(retry.Fixed(3, time.Second), nil))
	if res.Outcome.Kind != job.OutcomeCancelled || res.Attempts != 1 {
		t.Fatalf("res=%+v", res)
	}
}

func TestGate(t *testing.T) {
	t.Parallel()

	g := NewGate(true)
	if closed, _ := g.Closed(t0); closed {
		t.Fatalf("new gate closed")
	}
	g.Trip(cooldown.Verdict{IsCooling: true, ResumeAt: t0.Add(time.Minute)})
	g.Trip(cooldown.Verdict{IsCooling: true, ResumeAt: t0.Add(30 * time.Second)})
	if closed, until := g.Closed(t0); !closed || !until.Equal(t0.Add(time.Minute)) {
		t.Fatalf("closed=%v until=%v", closed, until)
	}
	if closed, _ := g.Closed(t0.Add(time.Minute)); closed {
		t.Fatalf("gate should reopen at resume time")
	}

	off := NewGate(false)
	off.Trip(cooldown.Verdict{IsCooling: true, ResumeAt: t0.Add(time.Hour)})
	if closed, _ := off.Closed(t0); closed {
		t.Fatalf("disabled gate closed")
	}
}
