/*
DESCRIPTION
  status.go implements the periodic status reporter: a single task that
  publishes the worker's version, build time and watched keys to the relay
  once a minute.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package status publishes a periodic worker status report to the relay.
package status

import (
	"context"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/relay"
)

// defaultInterval is the tick between status reports.
const defaultInterval = time.Minute

// Reporter periodically publishes a StatusReport to the relay. Keys is
// called on each tick so a hot config reload is reflected in the next
// report without restarting the task.
type Reporter struct {
	Client    *relay.Client
	Version   string
	BuildTime string
	Keys      func() []string
	Interval  time.Duration // 0 means defaultInterval.
	Log       logging.Logger
}

func (r *Reporter) interval() time.Duration {
	if r.Interval == 0 {
		return defaultInterval
	}
	return r.Interval
}

// Run publishes one report immediately, then one per interval, until stop
// is closed or ctx is done. A disabled relay client makes every publish a
// no-op, so the task parks cheaply rather than needing a separate
// enabled/disabled code path in the caller.
func (r *Reporter) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	r.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Reporter) publish(ctx context.Context) {
	report := relay.StatusReport{
		Version:   r.Version,
		BuildTime: r.BuildTime,
	}
	if r.Keys != nil {
		report.Keys = r.Keys()
	}

	reqCtx, cancel := relay.WithTimeout(ctx)
	defer cancel()
	if err := r.Client.Status(reqCtx, report); err != nil {
		r.Log.Warning("could not publish status report", "error", err)
		return
	}
	r.Log.Debug("status report published", "keys", len(report.Keys))
}
