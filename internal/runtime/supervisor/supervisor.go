// Package supervisor runs the daemon's long-lived loops (config watch,
// systemd watchdog, event logging) under one cancellable context.
package supervisor

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// A loop that survived this long restarts from the minimum backoff.
	stableRun = 30 * time.Second
)

// Supervisor owns a set of named goroutines. Panics are recovered and
// recorded; the first error is kept for health reporting.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	active  atomic.Int64
	started atomic.Uint64

	mu    sync.Mutex
	loops map[string]*LoopStats
}

// LoopStats aggregates every goroutine started under one name.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Starts      uint64    `json:"starts"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first error returned
// by a Go function.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		loops:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.loops {
		snap.Loops = append(snap.Loops, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Loops, func(i, j int) bool { return snap.Loops[i].Name < snap.Loops[j].Name })
	return snap
}

func (s *Supervisor) stat(name string) *LoopStats {
	st := s.loops[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stat(name)
	st.Active++
	st.Starts++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.mu.Lock()
	st := s.stat(name)
	if st.Active > 0 {
		st.Active--
	}
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	}
	s.mu.Unlock()
}

// runOnce calls fn and converts a panic into an error.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = errors.Newf("panic in %s: %v", name, r)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A returned error (other than cancellation) is recorded
// and, with WithCancelOnError, stops every other goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))
		err, panicked := s.runOnce(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = errors.Wrap(err, name)
			s.noteStop(name, err, panicked)
			s.fail(err)
			return
		}
		s.noteStop(name, nil, false)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

type restartConfig struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int
	// restartOnNil treats a clean return as a crash.
	restartOnNil bool
}

type RestartOption func(*restartConfig)

func WithBackoff(min, max time.Duration) RestartOption {
	return func(c *restartConfig) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; 0 means never.
func WithMaxRestarts(n int) RestartOption { return func(c *restartConfig) { c.maxRestarts = n } }

func WithRestartOnCleanExit() RestartOption {
	return func(c *restartConfig) { c.restartOnNil = true }
}

// GoRestart keeps fn running until the context ends, restarting it after an
// error or panic with jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartConfig{minBackoff: defaultMinBackoff, maxBackoff: defaultMaxBackoff}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			if s.ctx.Err() != nil {
				return
			}
			startedAt := s.noteStart(name, restarts > 0)
			err, panicked := s.runOnce(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil, panicked)
				return
			}
			if err == nil {
				if !cfg.restartOnNil {
					s.noteStop(name, nil, false)
					return
				}
				err = errors.New("exited")
			}
			err = errors.Wrap(err, name)
			s.noteStop(name, err, panicked)

			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(startedAt) >= stableRun {
				backoff = cfg.minBackoff
			}
			wait := jitter(backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	}()
}

// jitter adds up to 20%.
func jitter(d time.Duration) time.Duration {
	j := int64(d) / 5
	if j <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%(j+1))
}

// Stop cancels the context and waits for every goroutine or ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}
