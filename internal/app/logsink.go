package app

import (
	"nightpilot/internal/eventbus"
	logx "nightpilot/pkg/logx"
)

// busSink republishes log records as log.record events.
type busSink struct {
	bus eventbus.Bus
}

func (s busSink) PublishLog(r logx.Record) {
	if s.bus == nil {
		return
	}
	eventbus.Publish(s.bus, eventbus.LogRecord, r)
}
