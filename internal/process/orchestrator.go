// Package process bounds concurrent subprocess executions of the external
// CLI, tracks them by handle, and cancels them on request.
package process

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nightpilot/internal/errors"
	"nightpilot/internal/eventbus"
	logx "nightpilot/pkg/logx"
)

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	runner Runner
	log    logx.Logger
	bus    eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	active map[string]*Handle
	slots  slotTable

	hmu      sync.Mutex
	history  []HistoryItem
	byStatus map[Status]int

	submitted atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config, runner Runner, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	return &Orchestrator{
		runner:   runner,
		log:      log,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		active:   make(map[string]*Handle),
		byStatus: make(map[Status]int),
	}
}

// Apply swaps the config. Running handles keep their settings; a lower
// ceiling only affects new submissions.
func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) Runner() Runner { return o.runner }

// Handle is one in-flight subprocess.
type Handle struct {
	id      string
	jobID   string
	attempt int
	started time.Time
	timeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	result Result
}

func (h *Handle) ID() string    { return h.id }
func (h *Handle) JobID() string { return h.jobID }

func (h *Handle) Info() HandleInfo {
	return HandleInfo{ID: h.id, JobID: h.jobID, Attempt: h.attempt, Started: h.started, Timeout: h.timeout}
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process finishes or ctx is done. Cancelling ctx does
// not stop the process; use Orchestrator.Cancel for that.
func (h *Handle) Wait(ctx context.Context) Result {
	select {
	case <-h.done:
		return h.result
	case <-ctx.Done():
		return Result{Status: StatusRunning, Err: ctx.Err(), Started: h.started}
	}
}

// Submit registers a handle and starts the subprocess. It fails fast with
// ErrConcurrencyLimitExceeded when the global ceiling or the job's own slot
// ceiling is reached. The process runs under ctx and its own timeout.
func (o *Orchestrator) Submit(ctx context.Context, spec Spec) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.runner == nil {
		return nil, errors.NoRetry(errors.New("process runner is nil"))
	}
	now := time.Now()

	o.mu.Lock()
	cfg := o.cfg
	if len(o.active) >= cfg.MaxConcurrent {
		o.mu.Unlock()
		o.rejected.Add(1)
		return nil, errors.Mark(
			errors.Newf("%d of %d execution slots in use", cfg.MaxConcurrent, cfg.MaxConcurrent),
			errors.ErrConcurrencyLimitExceeded)
	}
	releaseSlot, ok := o.slots.tryAcquire(spec.JobID, spec.MaxParallel)
	if !ok {
		o.mu.Unlock()
		o.rejected.Add(1)
		return nil, errors.Mark(
			errors.Newf("job %s already has %d execution(s) in flight", spec.JobID, max(spec.MaxParallel, 1)),
			errors.ErrConcurrencyLimitExceeded)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	h := &Handle{
		id:      "exe-" + uuid.NewString(),
		jobID:   spec.JobID,
		attempt: spec.Attempt,
		started: now,
		timeout: timeout,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	o.active[h.id] = h
	o.mu.Unlock()
	o.submitted.Add(1)

	eventbus.Publish(o.bus, eventbus.ExecutionStarted, eventbus.ExecutionEvent{ExecID: h.id, JobID: h.jobID, Attempt: h.attempt, Status: string(StatusRunning)})
	o.log.Debug("process.started", logx.String("exec_id", h.id), logx.String("job_id", h.jobID), logx.Int("attempt", h.attempt), logx.Duration("timeout", timeout))

	go o.run(runCtx, h, spec.Invocation, releaseSlot)
	return h, nil
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, inv Invocation, releaseSlot func()) {
	defer h.cancel()

	var (
		out Output
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("panic: %v", r)
				o.log.Error("process.panic", logx.String("exec_id", h.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		out, err = o.runner.Run(ctx, inv)
	}()

	res := Result{Output: out, Err: err, Started: h.started, Finished: time.Now()}
	switch {
	case err == nil:
		res.Status = StatusSucceeded
	case errors.Is(err, errors.ErrTimeout), errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimedOut
		if !errors.Is(err, errors.ErrTimeout) {
			res.Err = errors.Timeout(err)
		}
	case ctx.Err() != nil:
		res.Status = StatusCancelled
	default:
		res.Status = StatusFailed
	}
	releaseSlot()
	o.finish(h, res)
}

// finish records the result once. The handle leaves the active table
// before Done is closed so a waiter can resubmit immediately.
func (o *Orchestrator) finish(h *Handle, res Result) {
	first := false
	h.once.Do(func() {
		first = true
		o.mu.Lock()
		delete(o.active, h.id)
		historySize := o.cfg.HistorySize
		o.mu.Unlock()

		item := HistoryItem{ID: h.id, JobID: h.jobID, Attempt: h.attempt, Started: h.started, Duration: res.Duration(), Status: res.Status}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		o.hmu.Lock()
		o.byStatus[res.Status]++
		o.history = append(o.history, item)
		if len(o.history) > historySize {
			o.history = o.history[len(o.history)-historySize:]
		}
		o.hmu.Unlock()

		h.result = res
		close(h.done)
	})
	if !first {
		return
	}

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	eventbus.Publish(o.bus, eventbus.ExecutionFinished, eventbus.ExecutionEvent{
		ExecID: h.id, JobID: h.jobID, Attempt: h.attempt, Status: string(res.Status), Duration: res.Duration(), Error: errMsg,
	})
	if res.Status == StatusSucceeded {
		o.log.Debug("process.finished", logx.String("exec_id", h.id), logx.String("job_id", h.jobID), logx.Duration("dur", res.Duration()))
	} else {
		o.log.Info("process.finished", logx.String("exec_id", h.id), logx.String("job_id", h.jobID), logx.String("status", string(res.Status)), logx.Duration("dur", res.Duration()), logx.String("err", errMsg))
	}
}

// Cancel terminates the handle's process (best effort) and marks it
// cancelled. The handle leaves the active table whether or not the kill
// succeeds.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	h := o.active[id]
	o.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel()
	o.finish(h, Result{Status: StatusCancelled, Err: context.Canceled, Started: h.started, Finished: time.Now()})
	return true
}

// CancelJob cancels every in-flight handle of jobID and returns how many.
func (o *Orchestrator) CancelJob(jobID string) int {
	o.mu.Lock()
	ids := make([]string, 0, 1)
	for id, h := range o.active {
		if h.jobID == jobID {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()
	n := 0
	for _, id := range ids {
		if o.Cancel(id) {
			n++
		}
	}
	return n
}

// CancelAll cancels every in-flight handle.
func (o *Orchestrator) CancelAll() int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	n := 0
	for _, id := range ids {
		if o.Cancel(id) {
			n++
		}
	}
	return n
}

// Forget drops per-job bookkeeping for a removed job.
func (o *Orchestrator) Forget(jobID string) { o.slots.forget(jobID) }

// Active lists in-flight handles, oldest first.
func (o *Orchestrator) Active() []HandleInfo {
	o.mu.Lock()
	out := make([]HandleInfo, 0, len(o.active))
	for _, h := range o.active {
		out = append(out, h.Info())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	running := len(o.active)
	maxC := o.cfg.MaxConcurrent
	o.mu.Unlock()

	o.hmu.Lock()
	by := make(map[Status]int, len(o.byStatus)+1)
	for k, v := range o.byStatus {
		by[k] = v
	}
	h := make([]HistoryItem, len(o.history))
	copy(h, o.history)
	o.hmu.Unlock()
	by[StatusRunning] = running

	return Stats{
		MaxConcurrent: maxC,
		Running:       running,
		Submitted:     o.submitted.Load(),
		Rejected:      o.rejected.Load(),
		ByStatus:      by,
		History:       h,
	}
}
