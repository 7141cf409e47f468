package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "ilswbot/pkg/logx"
)

// sdNotify sends a state to the service manager. Outside systemd
// (NOTIFY_SOCKET unset) it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

// startWatchdog pings the systemd watchdog at half its interval when
// WatchdogSec is configured for the unit.
func (a *App) startWatchdog() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				a.sdNotify(daemon.SdNotifyWatchdog)
			}
		}
	})
}
