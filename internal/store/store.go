/*
DESCRIPTION
  store.go implements the per-key persistent state: the transcript and
  activation record kept on disk, a plain-text transcript fallback used
  when the relay is disabled, and the activate/deactivate/line/sync
  operations that drive both.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package store holds the per-key persistent state of the live transcript
// worker and mediates between it, the relay client and the upload queue.
// It replaces the original singleton with an explicitly constructed
// service; callers pass a shared *Store to every watcher and the
// transcriber, and each key's state is guarded by its own lock so
// concurrent producers never interleave writes to the same key.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/relay"
	"github.com/ausocean/livetranscript/internal/types"
	"github.com/ausocean/livetranscript/internal/upload"
)

// Store is the durable, per-key state service.
type Store struct {
	baseDir string
	log     logging.Logger
	relay   *relay.Client
	queue   *upload.Queue

	mu    sync.Mutex // guards locks
	locks map[string]*sync.Mutex
}

// New returns a Store rooted at baseDir, publishing through client and
// enqueueing media onto queue.
func New(baseDir string, log logging.Logger, client *relay.Client, queue *upload.Queue) *Store {
	return &Store{
		baseDir: baseDir,
		log:     log,
		relay:   client,
		queue:   queue,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) stateFile(key string) string {
	return filepath.Join(s.baseDir, key, "state.gob")
}

func (s *Store) transcriptFile(key string) string {
	return filepath.Join(s.baseDir, key, "transcript.text")
}

// CreatePaths ensures the state directory, transcript fallback file and
// upload queue directory exist for key.
func (s *Store) CreatePaths(key string) error {
	for _, dir := range []string{
		filepath.Dir(s.stateFile(key)),
		filepath.Dir(s.transcriptFile(key)),
		upload.QueuePath(s.baseDir, key),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("could not create directory %s: %w", dir, err)
		}
	}
	return nil
}

func readState(path string) types.KeyState {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.KeyState{}
	}
	var state types.KeyState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return types.KeyState{}
	}
	return state
}

func writeState(path string, state types.KeyState) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("could not encode key state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create state directory: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Activate records info as the active stream for info.Key and, if enabled,
// notifies the relay. A change of stream id resets the key's transcript and
// clears any media still queued for the previous stream.
func (s *Store) Activate(ctx context.Context, info types.StreamInfo) error {
	lock := s.lockFor(info.Key)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	path := s.stateFile(info.Key)
	state := readState(path)

	if info.StreamID != state.ActiveID {
		s.log.Info("new stream id, resetting state", "key", info.Key, "streamId", info.StreamID)
		state = types.KeyState{
			ActiveID:    info.StreamID,
			ActiveTitle: info.StreamTitle,
			StartTime:   info.StartTime,
			MediaType:   info.MediaType,
			IsLive:      true,
			Transcript:  nil,
		}
		if err := writeState(path, state); err != nil {
			return err
		}

		if !s.relay.Enabled {
			banner := fmt.Sprintf("Activating stream %s [%s] started at [%s]\n", info.StreamTitle, info.StreamID, info.StartTime)
			if err := os.WriteFile(s.transcriptFile(info.Key), []byte(banner), 0644); err != nil {
				s.log.Error("could not write transcript banner", "key", info.Key, "error", err)
			}
		}

		if err := s.clearQueueFolder(info.Key); err != nil {
			s.log.Error("could not clear queue folder", "key", info.Key, "error", err)
		}
	} else {
		s.log.Info("same stream id, updating liveness", "key", info.Key, "streamId", info.StreamID)
		state.IsLive = true
		state.ActiveTitle = info.StreamTitle
		state.StartTime = info.StartTime
		if err := writeState(path, state); err != nil {
			return err
		}
	}

	if s.relay.Enabled {
		reqCtx, cancel := relay.WithTimeout(ctx)
		defer cancel()
		if err := s.relay.Activate(reqCtx, info); err != nil {
			s.log.Warning("relay did not accept activation", "key", info.Key, "elapsed", time.Since(start).Seconds(), "error", err)
		} else {
			s.log.Info("stream activated", "key", info.Key, "streamId", info.StreamID, "elapsed", time.Since(start).Seconds())
		}
	}
	return nil
}

// Deactivate marks key as not live and, if enabled, notifies the relay
// provided streamID is non-empty.
func (s *Store) Deactivate(ctx context.Context, key, streamID string) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	path := s.stateFile(key)
	state := readState(path)
	state.IsLive = false
	if err := writeState(path, state); err != nil {
		return err
	}

	if s.relay.Enabled && streamID != "" {
		reqCtx, cancel := relay.WithTimeout(ctx)
		defer cancel()
		if err := s.relay.Deactivate(reqCtx, key, streamID); err != nil {
			s.log.Warning("relay did not accept deactivation", "key", key, "elapsed", time.Since(start).Seconds(), "error", err)
		} else {
			s.log.Info("stream deactivated", "key", key, "streamId", streamID, "elapsed", time.Since(start).Seconds())
		}
	} else {
		s.log.Info("stream deactivated locally", "key", key, "streamId", streamID)
	}
	return nil
}

// AddLine assigns the next sequential id to line, persists it, publishes it
// to the relay (or the transcript text fallback) and enqueues raw for
// upload. If the relay reports its transcript is out of sync, the full
// state is synced before the media is enqueued -- enqueueing first would
// let the relay drop media for a line id it doesn't recognise yet.
func (s *Store) AddLine(ctx context.Context, key string, line types.TranscriptLine, raw []byte) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	path := s.stateFile(key)
	state := readState(path)

	lastID := -1
	if n := len(state.Transcript); n > 0 {
		lastID = state.Transcript[n-1].ID
	}
	line.ID = lastID + 1
	line.MediaAvailable = false
	state.Transcript = append(state.Transcript, line)
	if err := writeState(path, state); err != nil {
		return err
	}

	if !s.relay.Enabled {
		return s.appendTranscriptText(key, state.StartTime, line)
	}

	reqCtx, cancel := relay.WithTimeout(ctx)
	defer cancel()
	err := s.relay.Line(reqCtx, key, line)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		s.log.Debug("line published", "key", key, "lineId", line.ID, "elapsed", elapsed)
		s.enqueueMedia(key, line.ID, raw)
	case err == relay.ErrConflict:
		s.log.Warning("relay out of sync, resyncing", "key", key, "lineId", line.ID)
		if serr := s.syncLocked(ctx, key, state); serr != nil {
			s.log.Error("sync after conflict failed", "key", key, "error", serr)
		}
		// Enqueue after the sync so the server has a record of this
		// line before the media referencing it arrives.
		s.enqueueMedia(key, line.ID, raw)
	default:
		s.log.Warning("relay did not accept line", "key", key, "lineId", line.ID, "elapsed", elapsed, "error", err)
	}
	return nil
}

func (s *Store) appendTranscriptText(key, startTimeStr string, line types.TranscriptLine) error {
	var texts []string
	for _, seg := range line.Segments {
		texts = append(texts, seg.Text)
	}

	startTime := parseEpoch(startTimeStr)
	var timestampStr string
	if startTime > 0 {
		elapsed := line.Timestamp - startTime
		timestampStr = fmt.Sprintf("%02d:%02d:%02d", elapsed/3600, (elapsed%3600)/60, elapsed%60)
	} else {
		timestampStr = time.Unix(line.Timestamp-startTime, 0).UTC().Format("15:04:05")
	}

	joined := ""
	for i, t := range texts {
		if i > 0 {
			joined += " "
		}
		joined += t
	}

	f, err := os.OpenFile(s.transcriptFile(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("could not open transcript file: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "[%s] %s\n", timestampStr, joined)
	return err
}

func parseEpoch(s string) int64 {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0
	}
	return v
}

// Sync uploads key's full current state to the relay.
func (s *Store) Sync(ctx context.Context, key string) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	state := readState(s.stateFile(key))
	return s.syncLocked(ctx, key, state)
}

// syncLocked assumes the caller already holds key's lock.
func (s *Store) syncLocked(ctx context.Context, key string, state types.KeyState) error {
	if !s.relay.Enabled {
		return nil
	}
	start := time.Now()
	reqCtx, cancel := relay.WithTimeout(ctx)
	defer cancel()
	err := s.relay.Sync(reqCtx, key, state)
	if err != nil {
		return fmt.Errorf("relay did not accept sync: %w", err)
	}
	s.log.Info("synced full state to relay", "key", key, "elapsed", time.Since(start).Seconds())
	return nil
}

// enqueueMedia writes raw to disk and enqueues it on the upload queue. A
// nil or empty raw is a no-op: not every line carries media.
func (s *Store) enqueueMedia(key string, lineID int, raw []byte) {
	if len(raw) == 0 {
		return
	}
	path := upload.MediaPath(s.baseDir, key, lineID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.log.Error("could not create queue directory", "key", key, "error", err)
		return
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		s.log.Error("could not write media to disk", "key", key, "lineId", lineID, "error", err)
		return
	}
	s.queue.Enqueue(types.MediaUpload{Key: key, LineID: lineID, Path: path})
}

// clearQueueFolder removes and recreates key's on-disk upload queue
// directory, used when a stream restarts under a new stream id.
func (s *Store) clearQueueFolder(key string) error {
	dir := upload.QueuePath(s.baseDir, key)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("could not remove queue folder: %w", err)
	}
	return os.MkdirAll(dir, 0755)
}
