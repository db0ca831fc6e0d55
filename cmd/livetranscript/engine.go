/*
DESCRIPTION
  engine.go implements the transcribe.Engine capability on top of the
  whisper-ctranslate2 command line tool, the process-level front end to
  the faster-whisper model family.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/mtsprobe"
	"github.com/ausocean/livetranscript/internal/transcribe"
)

// whisperEngine shells out to whisper-ctranslate2 per Chunk. "Loading" an
// exec-backed model means verifying the binary is present and remembering
// the model parameters; each Transcribe invocation pays the model load
// itself, which the tool amortises through its local download cache.
type whisperEngine struct {
	binary string
	prober *mtsprobe.Prober
	log    logging.Logger

	model       string
	device      string
	computeType string
	loaded      bool
}

func newWhisperEngine(binary string, prober *mtsprobe.Prober, log logging.Logger) *whisperEngine {
	if binary == "" {
		binary = "whisper-ctranslate2"
	}
	return &whisperEngine{binary: binary, prober: prober, log: log}
}

// Load implements transcribe.Engine.
func (e *whisperEngine) Load(ctx context.Context, model, device, computeType string) error {
	if _, err := exec.LookPath(e.binary); err != nil {
		return fmt.Errorf("could not find ASR binary %s: %w", e.binary, err)
	}
	e.model = model
	e.device = device
	e.computeType = computeType
	e.loaded = true
	e.log.Info("ASR engine loaded", "model", model, "device", device, "computeType", computeType)
	return nil
}

// Unload implements transcribe.Engine.
func (e *whisperEngine) Unload() error {
	e.loaded = false
	e.log.Info("ASR engine unloaded")
	return nil
}

// whisperSegment and whisperOutput mirror the fields of the tool's JSON
// output file that we consume.
type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperOutput struct {
	Segments []whisperSegment `json:"segments"`
}

// Transcribe implements transcribe.Engine. The raw MPEG-TS bytes are
// staged to a temp file, the tool is run against it with JSON output, and
// the resulting segment list is translated to the engine contract. The
// reported duration is the media's own container duration, so the
// Transcriber's too-short gate measures the audio length, not speech
// coverage: a long silent chunk still yields an empty-segment line rather
// than being dropped.
func (e *whisperEngine) Transcribe(ctx context.Context, raw []byte, opts transcribe.TranscribeOptions) (transcribe.Result, error) {
	if !e.loaded {
		return transcribe.Result{}, fmt.Errorf("ASR engine not loaded")
	}

	dir, err := os.MkdirTemp("", "livetranscript-asr-")
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("could not create ASR temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	mediaPath := filepath.Join(dir, "chunk.ts")
	if err := os.WriteFile(mediaPath, raw, 0644); err != nil {
		return transcribe.Result{}, fmt.Errorf("could not stage media for ASR: %w", err)
	}

	args := []string{
		mediaPath,
		"--model", e.model,
		"--device", e.device,
		"--compute_type", e.computeType,
		"--output_format", "json",
		"--output_dir", dir,
		"--verbose", "False",
	}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.VADFilter {
		args = append(args, "--vad_filter", "True")
		args = append(args, "--vad_min_silence_duration_ms", strconv.Itoa(opts.MinSilenceMillis))
	}

	cmd := exec.CommandContext(ctx, e.binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return transcribe.Result{}, fmt.Errorf("ASR invocation failed: %w (output: %s)", err, string(out))
	}

	data, err := os.ReadFile(filepath.Join(dir, "chunk.json"))
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("could not read ASR output: %w", err)
	}

	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return transcribe.Result{}, fmt.Errorf("could not parse ASR output: %w", err)
	}

	res := transcribe.Result{}
	for _, s := range out.Segments {
		res.Segments = append(res.Segments, transcribe.EngineSegment{Start: s.Start, Text: s.Text})
	}

	dur, derr := e.prober.Duration(ctx, raw)
	if derr != nil {
		// Fall back to the recognised-speech extent; better a possibly
		// short duration than failing a chunk the tool already decoded.
		e.log.Warning("could not probe media duration, using last segment end", "error", derr)
		for _, s := range out.Segments {
			if s.End > dur {
				dur = s.End
			}
		}
	}
	res.Duration = dur
	return res, nil
}
