/*
DESCRIPTION
  buffered.go implements the Buffered chunking strategy: two cooperating
  goroutines, one appending downloader stdout into a shared byte buffer
  under a mutex, the other polling to cut a Chunk once the buffer both
  exceeds a minimum size and represents at least bufferSizeSeconds of
  media, measured by probing the buffer's own container metadata. Tolerant
  of variable bitrate and mixed audio/video, at the cost of a container
  probe per poll tick.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/mtsprobe"
	"github.com/ausocean/livetranscript/internal/types"
)

// minBufferedBytes is the minimum accumulated size, regardless of measured
// duration, before the Buffered chunker will even attempt a duration probe
// or a final flush.
const minBufferedBytes = 8 * 1024

// durationProber measures the playable duration of a buffer of MPEG-TS
// media; satisfied by *mtsprobe.Prober in production and a stub in tests.
type durationProber interface {
	Duration(ctx context.Context, data []byte) (float64, error)
}

// Buffered cuts Chunks by wall-clock duration of the accumulated container,
// rather than assumed byte rate.
type Buffered struct {
	Open              DownloaderOpener
	BufferSizeSeconds int
	LiveLatencySec    float64
	Prober            durationProber
	PollInterval      time.Duration // 0 means 1s.
	Log               logging.Logger
}

// Run implements Chunker.
func (b *Buffered) Run(ctx context.Context, info types.StreamInfo, out chan<- types.Chunk, stop <-chan struct{}) error {
	stream, err := b.Open(ctx, info)
	if err != nil {
		return fmt.Errorf("buffered: could not start downloader for %s: %w", info.Key, err)
	}

	pollInterval := b.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	latency := b.LiveLatencySec
	if latency == 0 {
		latency = defaultLiveLatencySeconds
	}

	var (
		mu          sync.Mutex
		buf         []byte
		downloadErr error
	)

	downloaderDone := make(chan struct{})
	go func() {
		defer close(downloaderDone)
		reads := pump(stream)
		for res := range reads {
			if len(res.data) > 0 {
				mu.Lock()
				buf = append(buf, res.data...)
				mu.Unlock()
			}
			if res.err != nil {
				mu.Lock()
				downloadErr = res.err
				mu.Unlock()
				return
			}
		}
	}()

	currentStart := nowSeconds() - latency
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// Only ctx, not stop, can abort this send: emit is also used to flush
	// the residual once stop has already fired, and racing that same
	// closed channel against the send would drop the chunk about half the
	// time instead of delivering it.
	emit := func(data []byte, cutTime float64) {
		chunk := types.Chunk{Raw: data, AudioStartTime: currentStart, Key: info.Key, MediaType: info.MediaType}
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
		currentStart = cutTime
	}

	// flushFinal is only called from the Run goroutine itself, after the
	// downloader goroutine has exited (downloaderDone closed) or is about
	// to be forced to via stream.Close(), so buf needs no further locking
	// here.
	flushFinal := func() {
		if len(buf) >= minBufferedBytes {
			snapshot := buf
			buf = nil
			emit(snapshot, nowSeconds())
		}
	}

	finish := func() error {
		stream.Close()
		<-downloaderDone
		flushFinal()
		return nil
	}

	for {
		select {
		case <-stop:
			return finish()
		case <-ctx.Done():
			finish()
			return ctx.Err()
		case <-downloaderDone:
			flushFinal()
			if downloadErr != nil && !errors.Is(downloadErr, io.EOF) {
				b.Log.Warning("buffered: downloader stream ended with error", "key", info.Key, "error", downloadErr)
			}
			return nil
		case <-ticker.C:
			mu.Lock()
			if len(buf) < minBufferedBytes {
				mu.Unlock()
				continue
			}
			snapshot := append([]byte(nil), buf...)
			mu.Unlock()

			if !mtsprobe.LooksLikeMPEGTS(snapshot) {
				b.Log.Debug("buffered: buffer is not aligned MPEG-TS yet, skipping probe", "key", info.Key)
				continue
			}

			dur, perr := b.Prober.Duration(ctx, snapshot)
			if perr != nil {
				b.Log.Debug("buffered: duration probe failed, will retry", "key", info.Key, "error", perr)
				continue
			}
			if dur < float64(b.BufferSizeSeconds) {
				continue
			}

			mu.Lock()
			cut := buf[:len(snapshot)]
			cutCopy := append([]byte(nil), cut...)
			buf = append([]byte(nil), buf[len(snapshot):]...)
			mu.Unlock()

			emit(cutCopy, nowSeconds())
		}
	}
}
