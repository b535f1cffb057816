package process

import (
	"strings"
	"sync"
)

// slotSemaphore is a channel semaphore pre-filled with limit tokens.
type slotSemaphore struct {
	limit int
	ch    chan struct{}
}

func newSlotSemaphore(limit int) *slotSemaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &slotSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *slotSemaphore) tryAcquire() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *slotSemaphore) release() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *slotSemaphore) idle() bool { return len(s.ch) == s.limit }

// slotTable holds one semaphore per job. An idle semaphore is rebuilt when
// the job's limit changes; a busy one keeps its limit until it drains.
type slotTable struct {
	mu sync.Mutex
	m  map[string]*slotSemaphore
}

func (t *slotTable) tryAcquire(jobID string, limit int) (release func(), ok bool) {
	k := strings.TrimSpace(jobID)
	if k == "" {
		return func() {}, true
	}
	if limit <= 0 {
		limit = 1
	}

	t.mu.Lock()
	if t.m == nil {
		t.m = make(map[string]*slotSemaphore)
	}
	s := t.m[k]
	if s == nil || (s.limit != limit && s.idle()) {
		s = newSlotSemaphore(limit)
		t.m[k] = s
	}
	t.mu.Unlock()

	if !s.tryAcquire() {
		return nil, false
	}
	return s.release, true
}

// forget drops idle semaphores for removed jobs.
func (t *slotTable) forget(jobID string) {
	t.mu.Lock()
	if s := t.m[jobID]; s != nil && s.idle() {
		delete(t.m, jobID)
	}
	t.mu.Unlock()
}
