/*
DESCRIPTION
  transcriber.go implements the single global consumer of the Chunk queue:
  it lazily loads the ASR model, transcribes each Chunk's raw media, drops
  chunks the engine reports as too short, decensors and timestamps the
  resulting segments, and publishes the finished TranscriptLine through the
  Store. A model left idle for 10 minutes is unloaded; the next Chunk
  reloads it.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package transcribe

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/types"
)

// defaultIdleTimeout is how long the Transcriber waits without a dequeue
// before releasing the loaded model.
const defaultIdleTimeout = 10 * time.Minute

// minChunkDuration is the shortest engine-reported media duration treated
// as a real chunk; anything shorter is dropped as an ad artifact, most
// commonly seen under the FixedBitrate chunker. The gate is on the audio's
// length, not on recognised speech: a long silent chunk still produces a
// line with an empty segment list.
const minChunkDuration = 0.5

// queueWarnThreshold is the backlog length at which the Transcriber's queue
// is considered to be falling behind; this is a back-pressure signal, not a
// drop.
const queueWarnThreshold = 10

// queueCapacity bounds the Chunk queue's buffer. The queue is not meant to
// ever fill under normal operation -- a single transcriber consumer keeps
// pace with a handful of producers -- so this exists to make Enqueue
// non-blocking in practice, not as a hard backlog limit.
const queueCapacity = 1024

// publisher is the subset of *store.Store the Transcriber depends on,
// letting tests substitute a stub instead of a full Store.
type publisher interface {
	AddLine(ctx context.Context, key string, line types.TranscriptLine, raw []byte) error
}

// Transcriber drives the ASR model against the shared Chunk queue.
type Transcriber struct {
	Engine      Engine
	Store       publisher
	Model       string
	Device      string
	ComputeType string
	IdleTimeout time.Duration // 0 means defaultIdleTimeout.
	Log         logging.Logger

	queue chan types.Chunk

	mu     sync.Mutex
	loaded bool
}

// New returns a Transcriber publishing through store and driving engine,
// with model/device/computeType passed to Engine.Load.
func New(engine Engine, store publisher, model, device, computeType string, log logging.Logger) *Transcriber {
	return &Transcriber{
		Engine:      engine,
		Store:       store,
		Model:       model,
		Device:      device,
		ComputeType: computeType,
		Log:         log,
		queue:       make(chan types.Chunk, queueCapacity),
	}
}

// Enqueue hands a Chunk to the Transcriber for processing. Producers never
// coordinate among themselves; this is the only synchronisation point.
func (t *Transcriber) Enqueue(c types.Chunk) {
	if n := len(t.queue); n >= queueWarnThreshold {
		t.Log.Warning("transcriber queue backing up", "length", n, "key", c.Key)
	}
	t.queue <- c
}

// QueueLen reports the current backlog.
func (t *Transcriber) QueueLen() int {
	return len(t.queue)
}

func (t *Transcriber) idleTimeout() time.Duration {
	if t.IdleTimeout == 0 {
		return defaultIdleTimeout
	}
	return t.IdleTimeout
}

// Run consumes the queue until stop is closed and the queue is empty, or
// ctx is done. On an idle timeout with no dequeue, the model is unloaded;
// the next dequeue reloads it.
func (t *Transcriber) Run(ctx context.Context, stop <-chan struct{}) error {
	timer := time.NewTimer(t.idleTimeout())
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.idleTimeout())
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			t.unload()
			timer.Reset(t.idleTimeout())
		case c := <-t.queue:
			resetTimer()
			t.process(ctx, c)
		case <-stop:
			return t.drain(ctx)
		}
	}
}

// drain processes every Chunk already queued before returning, so a
// shutdown never silently discards work a producer already committed to
// the queue.
func (t *Transcriber) drain(ctx context.Context) error {
	for {
		select {
		case c := <-t.queue:
			t.process(ctx, c)
		default:
			return nil
		}
	}
}

// process transcribes a single Chunk and publishes the resulting line.
func (t *Transcriber) process(ctx context.Context, c types.Chunk) {
	if len(c.Raw) == 0 {
		return
	}

	t.ensureLoaded(ctx)

	result, err := t.Engine.Transcribe(ctx, c.Raw, TranscribeOptions{
		Language:         "en",
		VADFilter:        true,
		MinSilenceMillis: 100,
	})
	if err != nil {
		t.Log.Warning("ASR engine error, treating as empty segment list", "key", c.Key, "error", err)
		result = Result{}
	} else if result.Duration < minChunkDuration {
		t.Log.Debug("dropping chunk below minimum duration", "key", c.Key, "duration", result.Duration)
		return
	}

	segments := make([]types.Segment, 0, len(result.Segments))
	for _, s := range result.Segments {
		segments = append(segments, types.Segment{
			Timestamp: int64(math.Floor(c.AudioStartTime + s.Start)),
			Text:      Decensor(strings.TrimSpace(s.Text)),
		})
	}

	line := types.TranscriptLine{
		ID:        -1,
		Timestamp: int64(math.Floor(c.AudioStartTime)),
		Segments:  segments,
	}

	raw := c.Raw
	if c.MediaType == types.MediaNone {
		raw = nil
	}

	if err := t.Store.AddLine(ctx, c.Key, line, raw); err != nil {
		t.Log.Error("could not publish transcript line", "key", c.Key, "error", err)
	}
}

func (t *Transcriber) ensureLoaded(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return
	}
	t.Log.Info("loading ASR model", "model", t.Model, "device", t.Device, "computeType", t.ComputeType)
	if err := t.Engine.Load(ctx, t.Model, t.Device, t.ComputeType); err != nil {
		t.Log.Error("could not load ASR model", "model", t.Model, "error", err)
		return
	}
	t.loaded = true
}

func (t *Transcriber) unload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return
	}
	t.Log.Info("idle timeout elapsed, unloading ASR model")
	if err := t.Engine.Unload(); err != nil {
		t.Log.Error("could not unload ASR model", "error", err)
		return
	}
	t.loaded = false
}
