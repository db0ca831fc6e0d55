/*
DESCRIPTION
  types.go defines the data types shared across the ingestion-to-transcript
  pipeline: stream metadata snapshots, media chunks, transcript lines and
  the per-key persisted state.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package types holds the data structures passed between the watcher,
// chunker, transcriber, store and upload queue.
package types

import "github.com/google/uuid"

// MediaType describes what kind of media, if any, a Chunk carries.
type MediaType string

// The three media types a streamer can be configured with.
const (
	MediaNone  MediaType = "none"
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// StreamInfo is an immutable snapshot describing the result of one liveness
// probe of a streamer's URL.
type StreamInfo struct {
	URL         string
	IsLive      bool
	StreamID    string
	StreamTitle string
	StartTime   string // seconds since epoch, as text; "0" if unknown.
	Key         string
	MediaType   MediaType
}

// Chunk is a unit of work handed from a chunker to the transcriber: a slice
// of media with the wall-clock time its first byte was captured.
type Chunk struct {
	Raw            []byte // May be nil/empty when MediaType is MediaNone.
	AudioStartTime float64
	Key            string
	MediaType      MediaType
}

// Segment is one ASR-recognised span of speech within a Chunk.
type Segment struct {
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// TranscriptLine is the unit of work published to the relay and persisted
// in a KeyState's transcript. ID is assigned by the Store; -1 is the
// sentinel a producer uses to mean "not yet assigned".
type TranscriptLine struct {
	ID              int       `json:"id"`
	Timestamp       int64     `json:"timestamp"`
	MediaAvailable  bool      `json:"mediaAvailable"`
	Segments        []Segment `json:"segments"`
}

// KeyState is the durable, per-key record the Store maintains.
type KeyState struct {
	ActiveID    string            `json:"activeId"`
	ActiveTitle string            `json:"activeTitle"`
	StartTime   string            `json:"startTime"`
	MediaType   MediaType         `json:"mediaType"`
	IsLive      bool              `json:"isLive"`
	Transcript  []TranscriptLine  `json:"transcript"`
}

// MediaUpload is one queued upload: the line it belongs to and the path of
// the file on disk holding its payload. ID disambiguates two in-memory
// records that happen to reference the same on-disk path (a crash-recovery
// re-enqueue racing a fresh enqueue for the same line id) for logging and
// queue-length bookkeeping; it has no on-disk representation.
type MediaUpload struct {
	ID       uuid.UUID
	Key      string
	StreamID string
	LineID   int
	Path     string
}

// StreamerConfig is one entry of the configured streamer list.
type StreamerConfig struct {
	Key       string
	URLs      []string
	Active    bool
	MediaType MediaType
}
