// Package pipeline runs one job execution end to end: cooldown gate,
// subprocess submission, cooldown detection, and retries.
package pipeline

import (
	"context"
	"strings"
	"time"

	"nightpilot/internal/cooldown"
	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	"nightpilot/internal/process"
	"nightpilot/internal/retry"
	logx "nightpilot/pkg/logx"
)

// Request is one execution of a job.
type Request struct {
	JobID       string
	Policy      retry.Policy
	Timeout     time.Duration
	MaxParallel int
	Invocation  process.Invocation
	// OnAttempt is called after every subprocess attempt, synchronously.
	OnAttempt func(job.ExecutionAttempt)
}

// RequestFor builds a request from a job and its resolved prompt.
func RequestFor(j *job.Job, prompt string) Request {
	return Request{
		JobID:       j.ID,
		Policy:      j.Retry,
		Timeout:     j.Options.Timeout,
		MaxParallel: j.Options.MaxParallel,
		Invocation: process.Invocation{
			Prompt:          prompt,
			WorkingDir:      j.Options.WorkingDir,
			Env:             j.Options.Env,
			ExtraArgs:       j.Options.ExtraArgs,
			SkipPermissions: j.Options.SkipPermissions,
		},
	}
}

type Result struct {
	Outcome  job.Outcome
	Attempts int
	Usage    *job.Usage
	// Skipped means the execution never started because every slot was busy.
	Skipped bool
	Verdict cooldown.Verdict
	// Err is the last attempt error; nil on success.
	Err error
}

type Pipeline struct {
	proc     *process.Orchestrator
	detector *cooldown.Detector
	retry    *retry.Orchestrator
	gate     *Gate
	log      logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Pipeline)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithSleep replaces the retry backoff wait, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

func New(proc *process.Orchestrator, det *cooldown.Detector, ret *retry.Orchestrator, gate *Gate, log logx.Logger, opts ...Option) *Pipeline {
	if gate == nil {
		gate = NewGate(true)
	}
	p := &Pipeline{proc: proc, detector: det, retry: ret, gate: gate, log: log, now: time.Now, sleep: sleepCtx}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) Gate() *Gate                      { return p.gate }
func (p *Pipeline) Detector() *cooldown.Detector     { return p.detector }
func (p *Pipeline) Retry() *retry.Orchestrator       { return p.retry }
func (p *Pipeline) Processes() *process.Orchestrator { return p.proc }

// Execute runs req to a terminal outcome. It never returns while a
// subprocess it started is still registered.
func (p *Pipeline) Execute(ctx context.Context, req Request) Result {
	log := p.log.With(logx.String("job_id", req.JobID))

	if closed, until := p.gate.Closed(p.now()); closed {
		log.Debug("pipeline.deferred_by_gate", logx.Time("resume_at", until))
		return Result{
			Outcome: job.Outcome{Kind: job.OutcomeCooldownDeferred, ResumeAt: until},
			Err:     errors.Wrapf(errors.ErrCooldownDeferred, "gate closed until %s", until.Format(time.RFC3339)),
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		h, err := p.proc.Submit(ctx, process.Spec{
			JobID:       req.JobID,
			Attempt:     attempt,
			Timeout:     req.Timeout,
			MaxParallel: req.MaxParallel,
			Invocation:  req.Invocation,
		})
		if err != nil {
			if errors.Is(err, errors.ErrConcurrencyLimitExceeded) {
				log.Info("pipeline.skipped", logx.Err(err))
				return Result{Skipped: true, Attempts: attempt - 1, Outcome: job.Outcome{Kind: job.OutcomeFailed, Error: err.Error()}, Err: err}
			}
			return Result{Attempts: attempt - 1, Outcome: job.Outcome{Kind: job.OutcomeFailed, Error: err.Error()}, Err: err}
		}

		res := h.Wait(ctx)
		if res.Status == process.StatusRunning {
			// ctx ended while waiting.
			p.proc.Cancel(h.ID())
			res = h.Wait(context.Background())
		}
		a := job.ExecutionAttempt{
			JobID:         req.JobID,
			AttemptNumber: attempt,
			StartedAt:     res.Started,
			CompletedAt:   res.Finished,
			Duration:      res.Duration(),
			Usage:         res.Output.Usage,
		}

		switch {
		case res.Status == process.StatusSucceeded:
			a.Outcome = job.Outcome{Kind: job.OutcomeSuccess, Output: res.Output.Text}
			p.retry.Observe(req.JobID, attempt, nil, retry.Decision{})
			report(req, a)
			return Result{Outcome: a.Outcome, Attempts: attempt, Usage: res.Output.Usage}

		case res.Status == process.StatusCancelled:
			a.Outcome = job.Outcome{Kind: job.OutcomeCancelled, Error: errString(res.Err)}
			report(req, a)
			return Result{Outcome: a.Outcome, Attempts: attempt, Err: res.Err}
		}

		lastErr = res.Err
		if lastErr == nil {
			lastErr = errors.Mark(errors.Newf("attempt %d ended %s", attempt, res.Status), errors.ErrExecutionFailed)
		}

		if v := p.detector.Detect(res.Output.Text+"\n"+lastErr.Error(), p.now()); v.IsCooling {
			p.gate.Trip(v)
			a.Outcome = job.Outcome{Kind: job.OutcomeCooldownDeferred, ResumeAt: v.ResumeAt, Error: v.RawMessage}
			report(req, a)
			log.Warn("pipeline.cooldown", logx.String("pattern", string(v.Pattern)), logx.Duration("remaining", v.Remaining), logx.Time("resume_at", v.ResumeAt))
			return Result{
				Outcome:  a.Outcome,
				Attempts: attempt,
				Verdict:  v,
				Err:      errors.Wrap(errors.Mark(lastErr, errors.ErrCooldownDeferred), "cooldown"),
			}
		}

		d := p.retry.ShouldRetry(lastErr, attempt, req.Policy)
		p.retry.Observe(req.JobID, attempt, lastErr, d)
		a.Outcome = job.Outcome{Kind: job.OutcomeFailed, Error: failureText(res, lastErr)}
		report(req, a)

		if !d.Retry {
			log.Warn("pipeline.failed", logx.Int("attempts", attempt), logx.String("reason", d.Reason), logx.Err(lastErr))
			return Result{
				Outcome:  job.Outcome{Kind: job.OutcomeFailed, Error: a.Outcome.Error},
				Attempts: attempt,
				Usage:    res.Output.Usage,
				Err:      errors.Mark(lastErr, errors.ErrExecutionFailed),
			}
		}

		log.Debug("pipeline.retry_scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", d.Delay), logx.String("class", string(d.Class)))
		if err := p.sleep(ctx, d.Delay); err != nil {
			return Result{Outcome: job.Outcome{Kind: job.OutcomeCancelled, Error: err.Error()}, Attempts: attempt, Err: err}
		}
	}
}

func report(req Request, a job.ExecutionAttempt) {
	if req.OnAttempt != nil {
		req.OnAttempt(a)
	}
}

func failureText(res process.Result, err error) string {
	msg := err.Error()
	if t := strings.TrimSpace(res.Output.Text); t != "" && !strings.Contains(msg, t) {
		if len(t) > 2000 {
			t = t[len(t)-2000:]
		}
		msg += "\n" + t
	}
	return msg
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
