//go:build nowatchdog
// +build nowatchdog

/*
DESCRIPTION
  nowatchdog.go compiles the systemd watchdog notifier out, for running
  the worker outside a systemd unit.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package watchdog

import (
	"context"

	"github.com/ausocean/utils/logging"
)

// Notifier is a no-op under the nowatchdog build tag.
type Notifier struct {
	Healthy func() bool
	Log     logging.Logger
}

// Notify returns immediately; no watchdog is notified.
func (n *Notifier) Notify(ctx context.Context) {
	n.Log.Info("built with nowatchdog, watchdog notification disabled")
}
