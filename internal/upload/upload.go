/*
DESCRIPTION
  upload.go implements the disk-backed media upload queue: a process-wide
  FIFO of MediaUpload records that a single worker drains to the relay,
  recovering any files left over from a previous run in BFS-fair order.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package upload queues media files for upload to the relay and drains
// them with a single worker, at-least-once, deleting each file from disk
// after the attempt regardless of outcome.
package upload

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/livetranscript/internal/relay"
	"github.com/ausocean/livetranscript/internal/types"
)

// Queue is a disk-backed FIFO of MediaUpload records.
type Queue struct {
	// SettleDelay is how long WaitForUploads waits before polling for an
	// empty queue; 0 means defaultSettleDelay.
	SettleDelay time.Duration

	log    logging.Logger
	client *relay.Client
	ch     chan types.MediaUpload

	mu        sync.Mutex
	pending   int
	recovered []types.MediaUpload
}

// defaultCapacity bounds the in-memory channel; it is generous because the
// durable record is the file on disk, not the channel slot.
const defaultCapacity = 4096

// New returns a Queue that uploads via client.
func New(log logging.Logger, client *relay.Client) *Queue {
	return &Queue{
		log:    log,
		client: client,
		ch:     make(chan types.MediaUpload, defaultCapacity),
	}
}

// Enqueue adds rec to the queue. It never blocks the caller past the
// channel capacity; callers are expected to have already written the
// file to rec.Path before calling. A record id is assigned if the caller
// left it unset, so that two records racing for the same on-disk path (a
// startup recovery re-enqueue overlapping a fresh write) are still
// distinguishable in logs.
func (q *Queue) Enqueue(rec types.MediaUpload) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	q.mu.Lock()
	q.pending++
	q.mu.Unlock()
	q.ch <- rec
}

// Len reports the number of records enqueued but not yet processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// queueFilePrefix and queueFileSuffix bound the filenames Recover looks for
// under each key's queue directory: media_<lineId>.bin.
const (
	queueFilePrefix = "media_"
	queueFileSuffix = ".bin"
)

// QueuePath returns the path of the on-disk queue directory for key, rooted
// at baseDir.
func QueuePath(baseDir, key string) string {
	return filepath.Join(baseDir, key, "queue")
}

// MediaPath returns the path a media file for key/lineID is written to.
func MediaPath(baseDir, key string, lineID int) string {
	return filepath.Join(QueuePath(baseDir, key), queueFilePrefix+strconv.Itoa(lineID)+queueFileSuffix)
}

// Recover scans each key's queue directory under baseDir for files left
// over from a previous run and returns them, for SeedRecovered, in upload
// order. Files across keys
// are interleaved round-robin by ascending line id (breadth-first across
// keys, sorted alphabetically) rather than draining one key's backlog
// before starting the next, so a single stuck key cannot starve the rest.
func Recover(baseDir string, keys []string) []types.MediaUpload {
	perKey := make(map[string][]types.MediaUpload)

	sortedKeys := append([]string(nil), keys...)
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		dir := QueuePath(baseDir, key)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var recs []types.MediaUpload
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.HasPrefix(name, queueFilePrefix) || !strings.HasSuffix(name, queueFileSuffix) {
				continue
			}
			idStr := strings.TrimSuffix(strings.TrimPrefix(name, queueFilePrefix), queueFileSuffix)
			lineID, err := strconv.Atoi(idStr)
			if err != nil {
				continue
			}
			recs = append(recs, types.MediaUpload{ID: uuid.New(), Key: key, LineID: lineID, Path: filepath.Join(dir, name)})
		}
		if len(recs) == 0 {
			continue
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].LineID < recs[j].LineID })
		perKey[key] = recs
	}

	maxLen := 0
	for _, recs := range perKey {
		if len(recs) > maxLen {
			maxLen = len(recs)
		}
	}

	var ordered []types.MediaUpload
	for i := 0; i < maxLen; i++ {
		for _, key := range sortedKeys {
			recs := perKey[key]
			if i < len(recs) {
				ordered = append(ordered, recs[i])
			}
		}
	}
	return ordered
}

// Run drains the queue until ctx is cancelled. Each record is uploaded
// (when the relay is enabled and the file still exists) and then deleted
// from disk, regardless of the upload outcome: the file is a best-effort,
// at-least-once transport detail, not the system of record.
func (q *Queue) Run(ctx context.Context) {
	for _, rec := range q.recovered {
		q.ch <- rec
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-q.ch:
			q.process(ctx, rec)
		}
	}
}

func (q *Queue) process(ctx context.Context, rec types.MediaUpload) {
	defer func() {
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
	}()

	f, err := os.Open(rec.Path)
	if err != nil {
		// File already gone; nothing to upload.
		return
	}

	start := time.Now()
	uploadCtx, cancel := relay.WithTimeout(ctx)
	uerr := q.client.Media(uploadCtx, rec.Key, rec.LineID, f)
	cancel()
	f.Close()

	if uerr != nil {
		q.log.Warning("media upload failed", "key", rec.Key, "lineId", rec.LineID, "recordId", rec.ID, "elapsed", time.Since(start).Seconds(), "error", uerr)
	} else {
		q.log.Debug("media uploaded", "key", rec.Key, "lineId", rec.LineID, "recordId", rec.ID, "elapsed", time.Since(start).Seconds())
	}

	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		q.log.Error("could not delete uploaded media file", "path", rec.Path, "error", err)
	}
}

// SeedRecovered stages previously-queued records (from Recover) to be
// drained first when Run starts.
func (q *Queue) SeedRecovered(recs []types.MediaUpload) {
	q.mu.Lock()
	q.pending += len(recs)
	q.mu.Unlock()
	q.recovered = recs
}

// defaultSettleDelay gives in-flight enqueues (a transcriber still draining
// its own queue at shutdown) time to land before WaitForUploads starts
// polling for emptiness.
const defaultSettleDelay = 3 * time.Second

// WaitForUploads blocks until every queued upload has been processed or
// timeout elapses, whichever comes first. Intended for shutdown: the
// caller has stopped the producers and wants pending media flushed to the
// relay before the worker goroutine is cancelled.
func (q *Queue) WaitForUploads(timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	delay := q.SettleDelay
	if delay == 0 {
		delay = defaultSettleDelay
	}
	if remaining := time.Until(deadline); remaining < delay {
		delay = remaining
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}
