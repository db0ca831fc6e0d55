package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ausocean/livetranscript/internal/relay"
	"github.com/ausocean/livetranscript/internal/types"
)

func testLogger() logging.Logger {
	return logging.New(logging.Debug, io.Discard, false)
}

func writeQueueFile(t *testing.T, baseDir, key string, lineID int, contents string) string {
	t.Helper()
	dir := QueuePath(baseDir, key)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := MediaPath(baseDir, key, lineID)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestRecoverInterleavesKeysBreadthFirst(t *testing.T) {
	base := t.TempDir()
	writeQueueFile(t, base, "alpha", 0, "a0")
	writeQueueFile(t, base, "alpha", 1, "a1")
	writeQueueFile(t, base, "beta", 0, "b0")

	recs := Recover(base, []string{"beta", "alpha"})
	require.Len(t, recs, 3)
	assert.Equal(t, "alpha", recs[0].Key)
	assert.Equal(t, 0, recs[0].LineID)
	assert.Equal(t, "beta", recs[1].Key)
	assert.Equal(t, 0, recs[1].LineID)
	assert.Equal(t, "alpha", recs[2].Key)
	assert.Equal(t, 1, recs[2].LineID)
}

func TestRecoverIgnoresUnrelatedFiles(t *testing.T) {
	base := t.TempDir()
	dir := QueuePath(base, "alpha")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-media.txt"), []byte("x"), 0644))

	recs := Recover(base, []string{"alpha"})
	assert.Empty(t, recs)
}

func TestQueueRunUploadsAndDeletesFile(t *testing.T) {
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		uploaded, _ = io.ReadAll(f)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base := t.TempDir()
	path := writeQueueFile(t, base, "alpha", 0, "media bytes")

	client := relay.New(srv.URL, "key", true)
	q := New(testLogger(), client)

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	q.Enqueue(types.MediaUpload{Key: "alpha", LineID: 0, Path: path})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	assert.Equal(t, "media bytes", string(uploaded))
}

func TestQueueRunSkipsMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("relay should not be called for a missing file")
	}))
	defer srv.Close()

	client := relay.New(srv.URL, "key", true)
	q := New(testLogger(), client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(types.MediaUpload{Key: "alpha", LineID: 0, Path: filepath.Join(t.TempDir(), "missing.bin")})

	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitForUploadsReturnsOnceDrained(t *testing.T) {
	base := t.TempDir()
	path := writeQueueFile(t, base, "alpha", 0, "media")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := relay.New(srv.URL, "key", true)
	q := New(testLogger(), client)
	q.SettleDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(types.MediaUpload{Key: "alpha", LineID: 0, Path: path})
	q.WaitForUploads(2 * time.Second)
	assert.Equal(t, 0, q.Len())
}

func TestWaitForUploadsGivesUpAtDeadline(t *testing.T) {
	// No worker running, so the queue never drains; WaitForUploads must
	// still return once the deadline passes.
	q := New(testLogger(), relay.New("http://unused", "key", false))
	q.SettleDelay = 10 * time.Millisecond
	q.Enqueue(types.MediaUpload{Key: "alpha", LineID: 0, Path: "nowhere.bin"})

	start := time.Now()
	q.WaitForUploads(300 * time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, q.Len())
}

func TestQueueRunDrainsSeededRecoveredFiles(t *testing.T) {
	base := t.TempDir()
	path := writeQueueFile(t, base, "alpha", 0, "recovered")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := relay.New(srv.URL, "key", true)
	q := New(testLogger(), client)
	q.SeedRecovered(Recover(base, []string{"alpha"}))
	assert.Equal(t, 1, q.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}
