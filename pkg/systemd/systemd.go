// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when the process is not run by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier is the sd_notify surface; the default one talks to $NOTIFY_SOCKET.
type Notifier interface {
	Notify(state string) (bool, error)
}

type socketNotifier struct{}

func (socketNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

// Default notifies through $NOTIFY_SOCKET.
var Default Notifier = socketNotifier{}

func Ready(n Notifier) (bool, error) { return n.Notify(daemon.SdNotifyReady) }

func Stopping(n Notifier) (bool, error) { return n.Notify(daemon.SdNotifyStopping) }

func Status(n Notifier, text string) (bool, error) { return n.Notify("STATUS=" + text) }

// WatchdogInterval returns half the configured WatchdogSec, or 0 when the
// watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings the watchdog every interval while healthy reports true.
func Watchdog(ctx context.Context, n Notifier, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				_, _ = n.Notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
