package retry

import (
	"context"
	"testing"
	"time"

	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

func TestPolicyDelay(t *testing.T) {
	t.Parallel()

	exp := Exponential(10, 10*time.Second, 2.0, 3600*time.Second)
	cases := []struct {
		name    string
		p       Policy
		attempt int
		want    time.Duration
	}{
		{"fixed", Fixed(3, 7*time.Second), 4, 7 * time.Second},
		{"exp attempt1", exp, 1, 20 * time.Second},
		{"exp attempt2", exp, 2, 40 * time.Second},
		{"exp attempt5", exp, 5, 320 * time.Second},
		{"exp attempt8", exp, 8, 2560 * time.Second},
		{"exp attempt9 capped", exp, 9, 3600 * time.Second},
		{"exp attempt40 capped", exp, 40, 3600 * time.Second},
		{"linear attempt1", Linear(3, 5*time.Second), 1, 10 * time.Second},
		{"linear attempt3", Linear(3, 5*time.Second), 3, 20 * time.Second},
		{"custom in range", Custom(5, time.Minute, time.Second, 3*time.Second), 2, 3 * time.Second},
		{"custom past end", Custom(5, time.Minute, time.Second, 3*time.Second), 3, time.Minute},
		{"default attempt1", DefaultPolicy(), 1, 2 * time.Second},
		{"default capped", DefaultPolicy(), 10, 60 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.p.Delay(tc.attempt); got != tc.want {
				t.Fatalf("Delay(%d)=%s want %s", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestExponentialNeverExceedsCap(t *testing.T) {
	t.Parallel()

	p := Exponential(100, 10*time.Second, 2.0, 3600*time.Second)
	for a := 1; a <= 100; a++ {
		if d := p.Delay(a); d > 3600*time.Second || d <= 0 {
			t.Fatalf("attempt %d delay %s", a, d)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	o := New(logx.Nop(), 0)
	p := Fixed(3, time.Second)

	cases := []struct {
		name      string
		err       error
		attempt   int
		wantRetry bool
		wantClass Class
	}{
		{"transient first", errors.New("exit status 1"), 1, true, ClassUnknown},
		{"transient second", errors.New("exit status 1"), 2, true, ClassUnknown},
		{"exhausted", errors.New("exit status 1"), 3, false, ClassUnknown},
		{"timeout consumes attempt", errors.Timeout(nil), 1, true, ClassTimeout},
		{"network", errors.New("dial tcp: connection refused"), 1, true, ClassNetwork},
		{"no retry", errors.NoRetry(errors.New("bad workdir")), 1, false, ClassUnknown},
		{"invalid schedule", errors.InvalidSchedulef("x"), 1, false, ClassUnknown},
		{"auth", errors.New("Invalid API key, please run /login"), 1, false, ClassAuth},
		{"cooldown", errors.ErrCooldownDeferred, 1, false, ClassCooldown},
		{"ctx deadline", context.DeadlineExceeded, 1, true, ClassTimeout},
		{"auth status code", errors.New("api error: 401 Unauthorized"), 1, false, ClassAuth},
		{"forbidden code", errors.New("request failed with status 403"), 1, false, ClassAuth},
		{"row count with 401", errors.New("claude exited with code 1: processed 1401 rows before crash"), 1, true, ClassUnknown},
		{"byte count with 403", errors.New("claude exited with code 1: wrote 4030 bytes"), 1, true, ClassUnknown},
		{"cooldown word in text", errors.New("claude exited with code 1: cooldown timer config invalid"), 1, true, ClassUnknown},
		{"rate limit code", errors.New("http 429"), 1, true, ClassRateLimit},
		{"429 inside a number", errors.New("exit status 1 after 14290 tokens"), 1, true, ClassUnknown},
	}
	for _, tc := range cases {
		d := o.ShouldRetry(tc.err, tc.attempt, p)
		if d.Retry != tc.wantRetry {
			t.Fatalf("%s: retry=%v want %v (%s)", tc.name, d.Retry, tc.wantRetry, d.Reason)
		}
		if d.Class != tc.wantClass {
			t.Fatalf("%s: class=%s want %s", tc.name, d.Class, tc.wantClass)
		}
		if d.Retry && d.Delay != time.Second {
			t.Fatalf("%s: delay=%s", tc.name, d.Delay)
		}
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	t.Parallel()

	o := New(logx.Nop(), 0)
	p := Fixed(5, 10*time.Second)
	p.Jitter = 0.2
	for i := 0; i < 50; i++ {
		d := o.ShouldRetry(errors.New("flaky"), 1, p)
		if d.Delay < 8*time.Second || d.Delay > 12*time.Second {
			t.Fatalf("jittered delay %s out of bounds", d.Delay)
		}
	}
}

func TestHistoryAndStats(t *testing.T) {
	t.Parallel()

	o := New(logx.Nop(), 2)
	p := Fixed(3, time.Second)
	err := errors.New("rate limit hit")
	d := o.ShouldRetry(err, 1, p)
	o.Observe("j1", 1, err, d)
	o.Observe("j1", 2, nil, Decision{})
	o.Observe("j2", 1, nil, Decision{})

	h := o.History(0)
	if len(h) != 2 || h[0].JobID != "j2" || h[1].Attempt != 2 {
		t.Fatalf("history=%+v", h)
	}
	s := o.Stats()
	if s.TotalAttempts != 3 || s.Successes != 2 || s.Failures != 1 || s.Retries != 1 {
		t.Fatalf("stats=%+v", s)
	}
	if s.ByClass[ClassRateLimit] != 1 {
		t.Fatalf("by class=%v", s.ByClass)
	}
	if s.SuccessRate < 0.66 || s.SuccessRate > 0.67 {
		t.Fatalf("success rate=%v", s.SuccessRate)
	}
}
