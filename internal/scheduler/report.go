package scheduler

import (
	"time"

	logx "nightpilot/pkg/logx"
)

const warnThrottle = 30 * time.Second

// warnThrottled logs at WARN at most once per key per warnThrottle. Storage
// outages otherwise log once per attempt of every job.
func (s *Service) warnThrottled(key, msg string, fields ...logx.Field) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()

	s.log.Warn(msg, fields...)
}
