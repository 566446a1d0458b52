package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"watchbot/internal/ops"
	logx "watchbot/pkg/logx"
)

// NotifyReady tells systemd (Type=notify) that startup finished. It is a
// no-op outside systemd.
func NotifyReady(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyReady)
}

func NotifyStopping(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyStopping)
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half its interval while the app
// reports healthy. It returns at once when WatchdogSec is unset.
func watchdogLoop(ctx context.Context, log logx.Logger, health func() ops.Health) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if health != nil && !health().OK {
				log.Warn("skipping watchdog ping: app unhealthy")
				continue
			}
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
