/*
DESCRIPTION
  dash.go implements the DASH chunking strategy: the downloader is launched
  once with "live from start, keep fragments" semantics and left to write
  numbered fragment files to a per-key directory; a monitor loop scans that
  directory, muxes each ready sequence into a stream-copied MPEG-TS payload,
  and accumulates payloads until enough precise duration has built up to cut
  a Chunk. Progress is persisted to a sidecar file after every emission so a
  restart can resume mid-stream without re-downloading already-muxed
  fragments.

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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/types"
)

// defaultScanInterval is how often the monitor loop re-scans the fragment
// directory for newly-written sequences.
const defaultScanInterval = time.Second

// emitSlackSeconds is subtracted from BufferSizeSeconds so the accumulated
// payload is cut slightly early rather than waiting on one more sequence
// that may not arrive for a while.
const emitSlackSeconds = 0.2

// FragmentDownloader spawns the external downloader for info, writing its
// numbered fragment files into fragDir, and blocks until ctx is cancelled or
// the downloader process exits on its own (e.g. the stream ended).
type FragmentDownloader interface {
	Run(ctx context.Context, info types.StreamInfo, fragDir string) error
}

// FragmentDownloaderFunc adapts a function to FragmentDownloader.
type FragmentDownloaderFunc func(ctx context.Context, info types.StreamInfo, fragDir string) error

func (f FragmentDownloaderFunc) Run(ctx context.Context, info types.StreamInfo, fragDir string) error {
	return f(ctx, info, fragDir)
}

// NewYtDlpFragmentDownloader returns a FragmentDownloader that runs yt-dlp
// (or binary, if non-empty) with live-from-start and fragment-retention
// flags, constraining the format selector to the avc/mp4a codecs the DASH
// chunker's muxing step expects when info.MediaType is types.MediaVideo.
func NewYtDlpFragmentDownloader(binary string) FragmentDownloader {
	if binary == "" {
		binary = "yt-dlp"
	}
	return FragmentDownloaderFunc(func(ctx context.Context, info types.StreamInfo, fragDir string) error {
		format := "bestaudio"
		if info.MediaType == types.MediaVideo {
			format = "bestvideo[vcodec^=avc]+bestaudio[acodec^=mp4a]"
		}
		args := []string{
			"--no-part",
			"--live-from-start",
			"--hls-use-mpegts",
			"--keep-fragments",
			"-f", format,
			"-o", filepath.Join(fragDir, info.StreamID+".%(format_id)s.Frag%(fragment_index)s.ts"),
			info.URL,
		}
		cmd := exec.CommandContext(ctx, binary, args...)
		return cmd.Run()
	})
}

// Muxer stream-copies a ready sequence's input fragment files into a single
// MPEG-TS payload at outputPath, without re-encoding.
type Muxer interface {
	Mux(ctx context.Context, inputs []string, outputPath string) error
}

type execMuxer struct{ binary string }

// NewExecMuxer returns a Muxer backed by ffmpeg (or binary, if non-empty),
// mapping every stream of every input into a single stream-copied mpegts
// output.
func NewExecMuxer(binary string) Muxer {
	if binary == "" {
		binary = "ffmpeg"
	}
	return execMuxer{binary: binary}
}

func (m execMuxer) Mux(ctx context.Context, inputs []string, outputPath string) error {
	args := []string{"-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	for i := range inputs {
		args = append(args, "-map", strconv.Itoa(i))
	}
	args = append(args, "-c", "copy", "-f", "mpegts", outputPath)

	cmd := exec.CommandContext(ctx, m.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("dash: mux failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// preciseDurationProber measures the exact duration of a muxed sequence
// payload; satisfied by *mtsprobe.Prober in production.
type preciseDurationProber interface {
	PreciseDuration(ctx context.Context, path string) (float64, error)
}

// streamInspector lists the codec types present in a file; satisfied by
// *mtsprobe.Prober in production.
type streamInspector interface {
	StreamTypes(ctx context.Context, path string) ([]string, error)
}

// sidecarState is the on-disk record the DASH chunker persists after every
// Chunk emission, letting a restart resume mid-stream rather than
// re-muxing from the first fragment.
type sidecarState struct {
	StreamID           string  `json:"stream_id"`
	LastSequence       int     `json:"last_sequence"`
	CurrentStreamTime  float64 `json:"current_stream_time"`
}

func loadSidecar(path string) (sidecarState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sidecarState{}, err
	}
	var s sidecarState
	if err := json.Unmarshal(data, &s); err != nil {
		return sidecarState{}, err
	}
	return s, nil
}

func saveSidecar(path string, s sidecarState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// fragPattern extracts a fragment's sequence number from its filename, e.g.
// "abc123.137.Frag42.ts" -> 42. Files ending in ".part" or ".ytdl" are
// still-downloading markers and never match a ready sequence.
var fragPattern = regexp.MustCompile(`\.Frag(\d+)`)

func scanFragments(dir string) (map[int][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	groups := map[int][]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		m := fragPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		groups[seq] = append(groups[seq], filepath.Join(dir, name))
	}
	for seq := range groups {
		sort.Strings(groups[seq])
	}
	return groups, nil
}

func sortedSeqs(groups map[int][]string) []int {
	seqs := make([]int, 0, len(groups))
	for seq := range groups {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs
}

// DASH assembles Chunks from a continuously-downloaded sequence of DASH-style
// media fragments, muxing each sequence as it becomes ready and cutting a
// Chunk once enough precise duration has accumulated.
type DASH struct {
	Download     FragmentDownloader
	Mux          Muxer
	Prober       preciseDurationProber
	Inspector    streamInspector
	BaseDir      string // per-key working directory is BaseDir/<key>.
	BufferSizeSeconds int
	ScanInterval time.Duration // 0 means defaultScanInterval.
	Log          logging.Logger
}

func (d *DASH) workDir(key string) string     { return filepath.Join(d.BaseDir, key) }
func (d *DASH) fragDir(key string) string     { return filepath.Join(d.workDir(key), "fragments") }
func (d *DASH) sidecarPath(key string) string { return filepath.Join(d.workDir(key), "dash_state.json") }

func (d *DASH) scanInterval() time.Duration {
	if d.ScanInterval == 0 {
		return defaultScanInterval
	}
	return d.ScanInterval
}

func parseEpochSeconds(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nowSeconds()
	}
	return v
}

// Run implements Chunker.
func (d *DASH) Run(ctx context.Context, info types.StreamInfo, out chan<- types.Chunk, stop <-chan struct{}) error {
	key := info.Key
	fragDir := d.fragDir(key)
	sidecar := d.sidecarPath(key)

	state, err := loadSidecar(sidecar)
	fresh := err != nil || state.StreamID == "" || state.StreamID != info.StreamID
	if fresh {
		if rmErr := os.RemoveAll(fragDir); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("dash: could not reset fragment dir for %s: %w", key, rmErr)
		}
		state = sidecarState{
			StreamID:          info.StreamID,
			LastSequence:      -1,
			CurrentStreamTime: parseEpochSeconds(info.StartTime),
		}
	} else {
		d.Log.Info("dash: resuming stream", "key", key, "streamId", info.StreamID, "lastSequence", state.LastSequence)
	}

	if err := os.MkdirAll(fragDir, 0755); err != nil {
		return fmt.Errorf("dash: could not create fragment dir for %s: %w", key, err)
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-dctx.Done():
		}
	}()

	downloadDone := make(chan error, 1)
	go func() { downloadDone <- d.Download.Run(dctx, info, fragDir) }()

	ticker := time.NewTicker(d.scanInterval())
	defer ticker.Stop()

	var buf []byte
	var bufDur float64

	maybeEmit := func() {
		threshold := float64(d.BufferSizeSeconds) - emitSlackSeconds
		if len(buf) == 0 || bufDur < threshold {
			return
		}
		chunk := types.Chunk{
			Raw:            buf,
			AudioStartTime: state.CurrentStreamTime,
			Key:            key,
			MediaType:      info.MediaType,
		}
		// Only ctx, not stop, can abort this send: maybeEmit also runs to
		// flush the accumulated payload once stop has already fired, and
		// racing that same closed channel against the send would drop the
		// chunk about half the time instead of delivering it.
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
		state.CurrentStreamTime += bufDur
		buf = nil
		bufDur = 0
		if serr := saveSidecar(sidecar, state); serr != nil {
			d.Log.Error("dash: could not persist sidecar", "key", key, "error", serr)
		}
	}

	scanOnce := func() {
		groups, serr := scanFragments(fragDir)
		if serr != nil {
			d.Log.Debug("dash: fragment scan failed", "key", key, "error", serr)
			return
		}
		d.processReady(dctx, info, groups, &state, &buf, &bufDur)
		maybeEmit()
	}

	for {
		select {
		case <-stop:
			<-downloadDone
			scanOnce()
			return nil
		case <-ctx.Done():
			<-downloadDone
			scanOnce()
			return ctx.Err()
		case derr := <-downloadDone:
			scanOnce()
			if derr != nil && !errors.Is(derr, context.Canceled) {
				d.Log.Warning("dash: downloader exited with error", "key", key, "error", derr)
			}
			return nil
		case <-ticker.C:
			scanOnce()
		}
	}
}

// processReady muxes and accumulates every sequence, in ascending order,
// that is ready and immediately follows the last one incorporated. It never
// skips ahead of a not-yet-ready sequence, since the assembled Chunk must be
// gap-free.
func (d *DASH) processReady(ctx context.Context, info types.StreamInfo, groups map[int][]string, state *sidecarState, buf *[]byte, bufDur *float64) {
	videoMode := info.MediaType == types.MediaVideo
	for _, seq := range sortedSeqs(groups) {
		if seq <= state.LastSequence {
			continue
		}
		files := groups[seq]
		ready, err := d.sequenceReady(ctx, files, videoMode)
		if err != nil {
			d.Log.Debug("dash: could not determine sequence readiness, will retry", "key", info.Key, "seq", seq, "error", err)
			return
		}
		if !ready {
			return
		}

		outPath := filepath.Join(d.workDir(info.Key), fmt.Sprintf("merged_%d.ts", seq))
		if err := d.Mux.Mux(ctx, files, outPath); err != nil {
			d.Log.Error("dash: mux failed, will retry", "key", info.Key, "seq", seq, "error", err)
			return
		}

		dur, derr := d.Prober.PreciseDuration(ctx, outPath)
		if derr != nil {
			d.Log.Warning("dash: precise duration probe failed", "key", info.Key, "seq", seq, "error", derr)
		}

		payload, rerr := os.ReadFile(outPath)
		os.Remove(outPath)
		if rerr != nil {
			d.Log.Error("dash: could not read muxed payload", "key", info.Key, "seq", seq, "error", rerr)
			return
		}

		*buf = append(*buf, payload...)
		*bufDur += dur
		state.LastSequence = seq
	}
}

// sequenceReady reports whether seq's fragment files are complete enough to
// mux: in video mode, two distinct files (audio and video) or one file
// already carrying both streams; otherwise, a single file suffices.
func (d *DASH) sequenceReady(ctx context.Context, files []string, videoMode bool) (bool, error) {
	if !videoMode {
		return len(files) >= 1, nil
	}
	if len(files) >= 2 {
		return true, nil
	}
	if len(files) == 0 {
		return false, nil
	}
	streamTypes, err := d.Inspector.StreamTypes(ctx, files[0])
	if err != nil {
		return false, err
	}
	var hasAudio, hasVideo bool
	for _, s := range streamTypes {
		switch s {
		case "audio":
			hasAudio = true
		case "video":
			hasVideo = true
		}
	}
	return hasAudio && hasVideo, nil
}
