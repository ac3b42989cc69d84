// Package sdnotify speaks the systemd readiness and watchdog protocol.
// Outside systemd (no NOTIFY_SOCKET) every call is inert, so the daemon can
// use it unconditionally.
package sdnotify

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "testrig/pkg/logx"
)

// Notifier reports lifecycle state to systemd.
type Notifier struct {
	log logx.Logger
	// override replaces the half-of-WATCHDOG_USEC ping cadence.
	override time.Duration
}

func New(override time.Duration, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("component", "sdnotify")),
		override: override,
	}
}

// Ready signals startup completion (Type=notify units unblock here).
func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

// Stopping signals the beginning of shutdown.
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status publishes a one-line human-readable state shown by systemctl.
func (n *Notifier) Status(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	n.send("STATUS=" + text)
}

func (n *Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

// WatchdogInterval resolves the ping cadence: the configured override when
// set, otherwise half the WATCHDOG_USEC window, otherwise 0 (watchdog off).
func (n *Notifier) WatchdogInterval() time.Duration {
	if n.override > 0 {
		return n.override
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings WATCHDOG=1 until ctx is canceled. It returns nil
// immediately when the watchdog is not armed.
func (n *Notifier) RunWatchdog(ctx context.Context) error {
	interval := n.WatchdogInterval()
	if interval <= 0 {
		return nil
	}
	n.log.Info("watchdog armed", logx.Duration("interval", interval))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
