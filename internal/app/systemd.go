package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "nightpilot/pkg/logx"
)

// notifier reports lifecycle state to systemd. Outside a notify unit every
// call is a no-op.
type notifier struct {
	log logx.Logger
}

func (n notifier) send(state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n notifier) Stopping() { n.send(daemon.SdNotifyStopping) }
func (n notifier) Reloading() {
	n.send(daemon.SdNotifyReloading)
}

// watchdog pings systemd at half the configured WatchdogSec while healthy
// reports true. It returns immediately when no watchdog is configured.
func (n notifier) watchdog(ctx context.Context, healthy func(context.Context) bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy(ctx) {
				n.log.Warn("health check failed; withholding watchdog ping")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
