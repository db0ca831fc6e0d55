/*
DESCRIPTION
  engine.go defines the capability the Transcriber drives: a lazily
  loaded/unloaded speech-to-text model. Production wiring plugs in an
  engine backed by an external ASR process or library; tests use a stub.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package transcribe drives the single global consumer of the Chunk queue:
// it owns the ASR model's lazy-load/idle-unload lifecycle, invokes the
// engine per Chunk, decensors and timestamps the resulting segments, and
// hands the finished TranscriptLine to the Store for publication.
package transcribe

import "context"

// TranscribeOptions holds the fixed ASR invocation parameters: English
// language, voice-activity filtering on, a 100ms minimum silence
// duration.
type TranscribeOptions struct {
	Language         string
	VADFilter        bool
	MinSilenceMillis int
}

// EngineSegment is one span of recognised speech within a Chunk, as the
// engine reports it: Start is seconds relative to the Chunk's own start.
type EngineSegment struct {
	Start float64
	Text  string
}

// Result is the outcome of one Transcribe call.
type Result struct {
	Segments []EngineSegment
	Duration float64 // Seconds; < 0 signals a decode failure already logged by the engine.
}

// Engine is the ASR model capability the Transcriber drives. Load is called
// lazily on first use and again after an idle-unload; Unload releases the
// model's resources after 10 minutes without a dequeue.
type Engine interface {
	Load(ctx context.Context, model, device, computeType string) error
	Unload() error
	Transcribe(ctx context.Context, raw []byte, opts TranscribeOptions) (Result, error)
}
