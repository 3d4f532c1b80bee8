// Package systemd speaks the sd_notify protocol so `sync --watch` can run as
// a Type=notify unit. Every call is a no-op outside systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "notebookrunner/pkg/logx"
)

// Notify sends state to the service manager. sent is false when
// NOTIFY_SOCKET is unset.
func Notify(state string) (sent bool, err error) {
	return daemon.SdNotify(false, state)
}

func Ready() (bool, error)     { return Notify(daemon.SdNotifyReady) }
func Reloading() (bool, error) { return Notify(daemon.SdNotifyReloading) }
func Stopping() (bool, error)  { return Notify(daemon.SdNotifyStopping) }

// Status publishes a free-form status line shown by `systemctl status`.
func Status(msg string) (bool, error) { return Notify("STATUS=" + msg) }

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns immediately when WatchdogSec is not set for the unit.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog misconfigured", logx.Err(err))
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
			if _, err := Notify(daemon.SdNotifyWatchdog); err != nil {
				log.Debug("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
