// Package systemd reports service state to systemd via sd_notify. Every
// call is a no-op when the process is not running under systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notify sends a raw state string, e.g. daemon.SdNotifyReady. It reports
// whether the notification was delivered.
func Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func Ready() (bool, error) { return Notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return Notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return Notify("STATUS=" + msg) }

// WatchdogInterval returns the keepalive period (half the configured
// WatchdogSec), or 0 when the watchdog is disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval until ctx is done.
func Watchdog(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := Notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
