package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "lurker/pkg/logx"
)

const (
	stateReady    = daemon.SdNotifyReady
	stateStopping = daemon.SdNotifyStopping
)

// notifier reports service state to the service manager. It returns false
// when no manager is listening.
type notifier func(state string) (bool, error)

func sdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

// startWatchdog pings the systemd watchdog at half its interval when the unit
// enables one.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if _, err := a.notify(daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("systemd watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}
