/*
DESCRIPTION
  watcher.go implements the per-key supervisor loop: probe each configured
  URL in turn, skip blacklisted stream ids, activate the Store and hand the
  stream to the right chunking strategy, deactivate once the chunker
  returns, then sleep a jittered retry interval before going round again.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package watcher drives one long-lived supervisor per configured,
// active streamer key: probe, activate, chunk, deactivate, repeat.
package watcher

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/chunker"
	"github.com/ausocean/livetranscript/internal/probe"
	"github.com/ausocean/livetranscript/internal/types"
)

// probeValidStartRetries bounds probe.Prober.StatsUntilValidStart's wait for
// a live stream's start time to populate.
const probeValidStartRetries = 3

// jitterMinSeconds and jitterMaxSeconds bound the uniform jitter applied
// to the between-retry sleep so probing is not synchronised across keys.
const (
	jitterMinSeconds = -5.0
	jitterMaxSeconds = 10.0
)

// activator is the subset of *store.Store a Watcher depends on.
type activator interface {
	Activate(ctx context.Context, info types.StreamInfo) error
	Deactivate(ctx context.Context, key, streamID string) error
}

// prober is the subset of *probe.Prober a Watcher depends on.
type prober interface {
	StatsUntilValidStart(ctx context.Context, url, key string, mediaType types.MediaType, n int) (types.StreamInfo, error)
}

// Chunkers holds one shared instance of each chunking strategy; Select
// picks among them by URL host.
type Chunkers struct {
	FixedBitrate chunker.Chunker
	Buffered     chunker.Chunker
	DASH         chunker.Chunker
}

// Select returns the chunker for url: Twitch -> FixedBitrate, YouTube ->
// DASH, anything else -> Buffered.
func (c Chunkers) Select(url string) chunker.Chunker {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "twitch.tv"):
		return c.FixedBitrate
	case strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be"):
		return c.DASH
	default:
		return c.Buffered
	}
}

// Watcher supervises one configured streamer key.
type Watcher struct {
	Streamer     types.StreamerConfig
	Prober       prober
	Store        activator
	Chunkers     Chunkers
	Out          chan<- types.Chunk
	Blacklist    func() []string // Hot-reloadable; may be nil.
	RetrySeconds func() int      // Called before every retry sleep; returns seconds_between_channel_retry.
	Log          logging.Logger

	// jitterSeconds returns the per-iteration sleep jitter; overridable in
	// tests for determinism.
	jitterSeconds func() float64

	// lastStreamID is the most recent stream id this watcher saw live,
	// surfaced to Deactivate on shutdown so the relay observes the stream
	// going offline even when the final deactivation raced the stop.
	lastStreamID string
}

func (w *Watcher) jitter() float64 {
	if w.jitterSeconds != nil {
		return w.jitterSeconds()
	}
	return jitterMinSeconds + rand.Float64()*(jitterMaxSeconds-jitterMinSeconds)
}

func (w *Watcher) retryDelay() time.Duration {
	base := 20
	if w.RetrySeconds != nil {
		base = w.RetrySeconds()
	}
	total := float64(base) + w.jitter()
	if total < 0 {
		total = 0
	}
	return time.Duration(total * float64(time.Second))
}

func blacklisted(streamID string, list []string) bool {
	for _, b := range list {
		if b == streamID {
			return true
		}
	}
	return false
}

// Run polls this key's URLs until stop is closed or ctx is done. On
// shutdown mid-stream, the chunker's own stop handling unwinds first and
// Deactivate is still called with the last known stream id so the relay
// observes the stream going offline.
func (w *Watcher) Run(ctx context.Context, stop <-chan struct{}) {
	defer w.finalDeactivate(ctx)
	for {
		if shouldStop(ctx, stop) {
			return
		}

		for _, url := range w.Streamer.URLs {
			if shouldStop(ctx, stop) {
				return
			}
			w.runURL(ctx, stop, url)
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(w.retryDelay()):
		}
	}
}

// finalDeactivate reports the last known stream id offline as the loop
// exits. Deactivate skips the relay for an empty id, so a watcher that
// never saw a live stream causes no extra relay traffic here.
func (w *Watcher) finalDeactivate(ctx context.Context) {
	if err := w.Store.Deactivate(ctx, w.Streamer.Key, w.lastStreamID); err != nil {
		w.Log.Error("could not deactivate on shutdown", "key", w.Streamer.Key, "streamId", w.lastStreamID, "error", err)
	}
}

func shouldStop(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Watcher) runURL(ctx context.Context, stop <-chan struct{}, url string) {
	info, err := w.Prober.StatsUntilValidStart(ctx, url, w.Streamer.Key, w.Streamer.MediaType, probeValidStartRetries)
	if err != nil {
		w.Log.Warning("probe failed", "key", w.Streamer.Key, "url", url, "error", err)
		return
	}
	if !info.IsLive {
		return
	}

	var blacklist []string
	if w.Blacklist != nil {
		blacklist = w.Blacklist()
	}
	if blacklisted(info.StreamID, blacklist) {
		w.Log.Info("stream id is blacklisted, skipping", "key", w.Streamer.Key, "streamId", info.StreamID)
		return
	}

	info.MediaType = probe.GetMediaType(url, w.Streamer.MediaType)
	w.lastStreamID = info.StreamID

	if err := w.Store.Activate(ctx, info); err != nil {
		w.Log.Error("could not activate stream", "key", w.Streamer.Key, "streamId", info.StreamID, "error", err)
	}

	ck := w.Chunkers.Select(url)
	if err := ck.Run(ctx, info, w.Out, stop); err != nil && ctx.Err() == nil {
		w.Log.Warning("chunker exited with error", "key", w.Streamer.Key, "url", url, "error", err)
	}

	if err := w.Store.Deactivate(ctx, w.Streamer.Key, info.StreamID); err != nil {
		w.Log.Error("could not deactivate stream", "key", w.Streamer.Key, "streamId", info.StreamID, "error", err)
	}
}
