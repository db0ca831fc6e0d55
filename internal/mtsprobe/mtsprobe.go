/*
DESCRIPTION
  mtsprobe.go probes a buffer or file of MPEG-TS media for its playable
  duration, used by the Buffered chunker to decide when enough media has
  accumulated to cut a Chunk, and by the DASH chunker to learn the precise
  duration of a freshly muxed fragment payload.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package mtsprobe wraps ffprobe to measure the duration of MPEG-TS media,
// with a packet-alignment sanity check borrowed from
// github.com/ausocean/av/container/mts so a clearly truncated buffer is
// rejected before the external process is even spawned.
package mtsprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ausocean/av/container/mts"
)

const defaultBinary = "ffprobe"

// probeTimeout bounds a single ffprobe invocation against an in-memory
// buffer; these are small (a few chunker intervals' worth of media at most)
// so this is generous.
const probeTimeout = 10 * time.Second

// Prober measures the duration of MPEG-TS media with ffprobe.
type Prober struct {
	binary string
}

// New returns a Prober invoking binary, or the default "ffprobe" if binary
// is empty.
func New(binary string) *Prober {
	if binary == "" {
		binary = defaultBinary
	}
	return &Prober{binary: binary}
}

// LooksLikeMPEGTS is a cheap sanity check that data is plausibly aligned
// MPEG-TS: every mts.PacketSize-byte packet starts with the 0x47 sync byte.
// It does not validate PIDs or PSI tables; it exists only to skip an
// expensive ffprobe invocation on a buffer that is obviously not TS yet
// (e.g. still accumulating the first packet).
func LooksLikeMPEGTS(data []byte) bool {
	if len(data) < mts.PacketSize {
		return false
	}
	n := len(data) / mts.PacketSize
	for i := 0; i < n; i++ {
		if data[i*mts.PacketSize] != 0x47 {
			return false
		}
	}
	return true
}

type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	Duration   string `json:"duration"`
	TimeBase   string `json:"time_base"`
	DurationTS int64  `json:"duration_ts"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// Duration runs ffprobe against a copy of data and returns the container's
// reported duration in seconds. Used by the Buffered chunker to decide
// whether enough wall-clock media has accumulated to cut a Chunk.
func (p *Prober) Duration(ctx context.Context, data []byte) (float64, error) {
	payload, err := p.probe(ctx, data)
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("mtsprobe: could not parse container duration: %w", err)
	}
	return d, nil
}

// frame is the subset of `ffprobe -show_frames` output needed to sum audio
// sample counts into a precise duration.
type frame struct {
	MediaType string `json:"media_type"`
	NBSamples int     `json:"nb_samples"`
	SampleFmt string  `json:"sample_fmt"`
}

type framesPayload struct {
	Frames []frame `json:"frames"`
}

// PreciseDuration computes the duration of the MPEG-TS payload at path to
// sub-frame accuracy, used by the DASH chunker where timestamp drift
// compounds across a long-running stream. It tries three strategies in
// order, exactly as spec'd: decode the audio track and sum
// frame.samples/frame.sampleRate; failing that, the video stream's
// duration*time_base; failing that, the container's own duration field.
func (p *Prober) PreciseDuration(ctx context.Context, path string) (float64, error) {
	if d, ok, err := p.audioFrameDuration(ctx, path); err == nil && ok {
		return d, nil
	}

	payload, err := p.probeFile(ctx, path)
	if err != nil {
		return 0, err
	}

	for _, s := range payload.Streams {
		if s.CodecType != "video" {
			continue
		}
		if d, ok := streamDuration(s); ok {
			return d, nil
		}
	}

	d, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("mtsprobe: no usable duration for %s: %w", path, err)
	}
	return d, nil
}

// streamDuration resolves one stream's duration, preferring the explicit
// "duration" field and falling back to duration_ts*time_base.
func streamDuration(s probeStream) (float64, bool) {
	if s.Duration != "" {
		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > 0 {
			return d, true
		}
	}
	if s.DurationTS == 0 || s.TimeBase == "" {
		return 0, false
	}
	parts := strings.SplitN(s.TimeBase, "/", 2)
	if len(parts) != 2 {
		return 0, false
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0, false
	}
	return float64(s.DurationTS) * (num / den), true
}

// audioFrameDuration sums nb_samples/sample_rate across every decoded audio
// frame in path's first audio stream. ok is false (with a nil error) when
// the file has no audio stream to decode, so the caller falls through to
// the next strategy rather than treating it as failure.
func (p *Prober) audioFrameDuration(ctx context.Context, path string) (float64, bool, error) {
	sampleRate, ok, err := p.audioSampleRate(ctx, path)
	if err != nil || !ok {
		return 0, false, err
	}

	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, p.binary,
		"-v", "quiet",
		"-select_streams", "a:0",
		"-show_entries", "frame=media_type,nb_samples",
		"-print_format", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, false, fmt.Errorf("mtsprobe: ffprobe frame decode failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var payload framesPayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return 0, false, fmt.Errorf("mtsprobe: could not decode frame listing: %w", err)
	}
	if len(payload.Frames) == 0 {
		return 0, false, nil
	}

	var samples int64
	for _, f := range payload.Frames {
		samples += int64(f.NBSamples)
	}
	return float64(samples) / sampleRate, true, nil
}

func (p *Prober) audioSampleRate(ctx context.Context, path string) (float64, bool, error) {
	type streamWithRate struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
	}
	type payload struct {
		Streams []streamWithRate `json:"streams"`
	}

	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, p.binary,
		"-v", "quiet",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_type,sample_rate",
		"-print_format", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, false, fmt.Errorf("mtsprobe: ffprobe stream listing failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var out payload
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return 0, false, fmt.Errorf("mtsprobe: could not decode stream listing: %w", err)
	}
	if len(out.Streams) == 0 {
		return 0, false, nil
	}
	rate, err := strconv.ParseFloat(out.Streams[0].SampleRate, 64)
	if err != nil || rate == 0 {
		return 0, false, nil
	}
	return rate, true, nil
}

func (p *Prober) probe(ctx context.Context, data []byte) (probePayload, error) {
	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, p.binary,
		"-v", "quiet",
		"-f", "mpegts",
		"-print_format", "json",
		"-show_format",
		"-i", "pipe:0",
	)
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return probePayload{}, fmt.Errorf("mtsprobe: ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var payload probePayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return probePayload{}, fmt.Errorf("mtsprobe: could not decode ffprobe output: %w", err)
	}
	return payload, nil
}

// StreamTypes returns the codec_type ("video", "audio", ...) of each
// stream ffprobe finds in path, used by the DASH chunker to decide whether
// a single fragment file already carries both an audio and a video track.
func (p *Prober) StreamTypes(ctx context.Context, path string) ([]string, error) {
	payload, err := p.probeFile(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(payload.Streams))
	for i, s := range payload.Streams {
		out[i] = s.CodecType
	}
	return out, nil
}

func (p *Prober) probeFile(ctx context.Context, path string) (probePayload, error) {
	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return probePayload{}, fmt.Errorf("mtsprobe: ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var payload probePayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return probePayload{}, fmt.Errorf("mtsprobe: could not decode ffprobe output: %w", err)
	}
	return payload, nil
}
