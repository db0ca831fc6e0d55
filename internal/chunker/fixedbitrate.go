/*
DESCRIPTION
  fixedbitrate.go implements the FixedBitrate chunking strategy: cutting
  Chunks by assumed byte rate rather than measured container duration.
  Simple and resilient to the unreliable variable-bitrate cues Twitch's
  container emits, at the cost of timestamp drift proportional to
  true-vs-assumed bitrate.

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

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/types"
)

// FixedBitrate reads a raw MPEG-TS byte stream and cuts a Chunk once the
// accumulated buffer reaches bufferSizeSeconds worth of bytes at the
// stream's assumed sample rate.
type FixedBitrate struct {
	Open              DownloaderOpener
	BufferSizeSeconds int
	LiveLatencySec    float64      // 0 means defaultLiveLatencySeconds.
	SampleRate        func(url string) int // nil means the package SampleRate table.
	Log               logging.Logger
}

// Run implements Chunker.
func (f *FixedBitrate) Run(ctx context.Context, info types.StreamInfo, out chan<- types.Chunk, stop <-chan struct{}) error {
	stream, err := f.Open(ctx, info)
	if err != nil {
		return fmt.Errorf("fixedbitrate: could not start downloader for %s: %w", info.Key, err)
	}

	sampleRate := f.SampleRate
	if sampleRate == nil {
		sampleRate = SampleRate
	}
	target := f.BufferSizeSeconds * sampleRate(info.URL)
	if target <= 0 {
		stream.Close()
		return fmt.Errorf("fixedbitrate: non-positive byte target for %s", info.Key)
	}

	latency := f.LiveLatencySec
	if latency == 0 {
		latency = defaultLiveLatencySeconds
	}

	currentStart := nowSeconds() - latency
	buf := make([]byte, 0, target)
	reads := pump(stream)

	closed := false
	closeStream := func() {
		if closed {
			return
		}
		closed = true
		stream.Close()
		drain(reads)
	}
	defer closeStream()

	emit := func() {
		if len(buf) == 0 {
			return
		}
		cut := nowSeconds()
		chunk := types.Chunk{
			Raw:            append([]byte(nil), buf...),
			AudioStartTime: currentStart,
			Key:            info.Key,
			MediaType:      info.MediaType,
		}
		// Only ctx, not stop, can abort this send: emit is also called to
		// flush the residual once stop has already fired, and racing that
		// same closed channel against the send would drop the chunk about
		// half the time instead of delivering it.
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
		buf = buf[:0]
		currentStart = cut
	}

	for {
		select {
		case <-stop:
			emit()
			return nil
		case <-ctx.Done():
			emit()
			return ctx.Err()
		case res, ok := <-reads:
			if !ok {
				return nil
			}
			if len(res.data) > 0 {
				buf = append(buf, res.data...)
				if len(buf) >= target {
					emit()
				}
			}
			if res.err != nil {
				// Residual buffer is always flushed on downloader EOF or
				// failure: dropping a short trailing clip would silently
				// lose transcript coverage for no benefit.
				emit()
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				f.Log.Warning("fixedbitrate: downloader stream ended with error", "key", info.Key, "error", res.err)
				return nil
			}
		}
	}
}
