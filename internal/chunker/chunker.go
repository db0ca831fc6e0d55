/*
DESCRIPTION
  chunker.go defines the capability all three chunking strategies implement,
  and the shared machinery they're built from: a process-backed stream
  opener for the downloader contract, and interruptible, goroutine-backed
  reads so a blocking stdout read never stalls shutdown.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package chunker turns a live media byte or fragment stream into
// time-aligned types.Chunk records. Three strategies share one small
// capability interface (Chunker) rather than a common base type: fixed-rate
// byte slicing, time-based buffered slicing, and DASH fragment assembly.
package chunker

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/ausocean/livetranscript/internal/types"
)

// Chunker is the capability shared by all three chunking strategies: spawn
// the external downloader for info, emit Chunks onto out in FIFO order for
// this stream, and return when the downloader exits, stop is closed, or an
// unrecoverable error occurs.
type Chunker interface {
	Run(ctx context.Context, info types.StreamInfo, out chan<- types.Chunk, stop <-chan struct{}) error
}

// defaultLiveLatencySeconds is subtracted from the wall-clock time to set
// the first Chunk's AudioStartTime, approximating the delay between a byte
// being produced upstream and it reaching our downloader.
const defaultLiveLatencySeconds = 1.0

// readChunkSize is the size of each read from a downloader's stdout, for
// the FixedBitrate and Buffered chunkers.
const readChunkSize = 4096

// nowSeconds returns the current wall-clock time as fractional seconds
// since the epoch, matching types.Chunk.AudioStartTime's unit.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// DownloaderOpener spawns the external downloader for info and returns its
// stdout. Closing the returned ReadCloser must terminate the downloader
// process; this is how chunkers honour the stop signal against a blocking
// read.
type DownloaderOpener func(ctx context.Context, info types.StreamInfo) (io.ReadCloser, error)

// processStream wraps a running *exec.Cmd and its stdout pipe so Close
// both releases the pipe and kills the process, unblocking any read that
// was waiting on it.
type processStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *processStream) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *processStream) Close() error {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.stdout.Close()
	return p.cmd.Wait()
}

// NewExecDownloader returns a DownloaderOpener that runs binary with args,
// substituting the literal token "{url}" with info.URL in each argument,
// and streams the resulting process's stdout. This is the production
// downloader: an external child process that writes a continuous MPEG-TS
// byte stream to stdout.
func NewExecDownloader(binary string, args ...string) DownloaderOpener {
	return func(ctx context.Context, info types.StreamInfo) (io.ReadCloser, error) {
		resolved := make([]string, len(args))
		for i, a := range args {
			resolved[i] = strings.ReplaceAll(a, "{url}", info.URL)
		}

		cmd := exec.CommandContext(ctx, binary, resolved...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &processStream{cmd: cmd, stdout: stdout}, nil
	}
}

// readResult is one outcome of a pump goroutine's blocking Read call.
type readResult struct {
	data []byte
	err  error
}

// pump reads r in readChunkSize chunks on its own goroutine and publishes
// each result on the returned channel, which is closed once a non-nil
// error (including io.EOF) has been delivered. This lets callers select
// between a blocking read and a stop/cancellation signal instead of
// blocking on Read directly.
func pump(r io.Reader) <-chan readResult {
	ch := make(chan readResult)
	go func() {
		defer close(ch)
		for {
			buf := make([]byte, readChunkSize)
			n, err := r.Read(buf)
			if n > 0 {
				ch <- readResult{data: buf[:n]}
			}
			if err != nil {
				ch <- readResult{err: err}
				return
			}
		}
	}()
	return ch
}

// drain discards any further values from a pump channel without blocking
// the caller; used after a stream has been closed so its pump goroutine's
// final, unread result doesn't leak the goroutine.
func drain(ch <-chan readResult) {
	go func() {
		for range ch {
		}
	}()
}

// Sample rates, in bytes per second, used by the FixedBitrate chunker to
// convert a configured buffer duration into a byte-count cut threshold.
// Empirical per-provider constants; see DESIGN.md for why no
// recalibration strategy is implemented.
const (
	youtubeAudioSampleRate = 20000
	twitchAudioSampleRate  = 25540
)

// SampleRate resolves the assumed byte rate of url's audio-only stream.
func SampleRate(url string) int {
	if strings.Contains(strings.ToLower(url), "twitch.tv") {
		return twitchAudioSampleRate
	}
	return youtubeAudioSampleRate
}
