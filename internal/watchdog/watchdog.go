//go:build !nowatchdog
// +build !nowatchdog

/*
DESCRIPTION
  watchdog.go provides a tool for notifying a systemd watchdog under
  healthy operation of the live transcript worker.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package watchdog notifies a systemd watchdog while the worker is
// healthy, so a wedged process is restarted by the service manager. Build
// with the nowatchdog tag to compile the notifications out entirely.
package watchdog

import (
	"context"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/coreos/go-systemd/daemon"
)

// Notifier notifies the systemd watchdog at half its configured interval.
// Healthy, when non-nil, gates each notification; returning false holds
// the notification back so systemd restarts the process once the watchdog
// interval elapses.
type Notifier struct {
	Healthy func() bool
	Log     logging.Logger
}

// unhealthyWait is how long Notify pauses before re-checking a Healthy
// gate that returned false.
const unhealthyWait = time.Second

// Notify is to be called as a routine. It signals readiness to systemd,
// reads the watchdog interval from the service settings, and then
// notifies at half that interval until ctx is done. If the process is not
// running under systemd, or the service has no watchdog configured,
// Notify logs and returns; the worker runs fine without one.
func (n *Notifier) Notify(ctx context.Context) {
	const clearEnvVars = false

	ok, err := daemon.SdNotify(clearEnvVars, daemon.SdNotifyReady)
	if err != nil {
		n.Log.Error("unexpected watchdog ready-notify error", "error", err)
		return
	}
	if !ok {
		n.Log.Info("not running under systemd, watchdog notification disabled")
		return
	}

	interval, err := daemon.SdWatchdogEnabled(clearEnvVars)
	if err != nil {
		n.Log.Error("unexpected watchdog interval read error", "error", err)
		return
	}
	if interval == 0 {
		n.Log.Info("systemd watchdog not enabled for this service")
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n.Healthy != nil && !n.Healthy() {
			n.Log.Warning("worker unhealthy, withholding watchdog notification")
			select {
			case <-ctx.Done():
				return
			case <-time.After(unhealthyWait):
			}
			continue
		}

		n.Log.Debug("notifying watchdog")
		supported, err := daemon.SdNotify(clearEnvVars, daemon.SdNotifyWatchdog)
		if err != nil {
			// A notify failure here indicates a systemd service
			// configuration issue, and therefore operator error.
			n.Log.Fatal("error from systemd watchdog notify", "error", err)
		}
		if !supported {
			n.Log.Fatal("watchdog notification not supported")
		}
	}
}
