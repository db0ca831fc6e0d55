package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ausocean/livetranscript/internal/types"
)

func TestActivateSendsExpectedRequest(t *testing.T) {
	var gotPath, gotKeyHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKeyHeader = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", true)
	err := c.Activate(context.Background(), types.StreamInfo{
		Key: "mykey", StreamID: "123", StreamTitle: "Title", StartTime: "100", MediaType: types.MediaVideo,
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKeyHeader)
	assert.Contains(t, gotPath, "/mykey/activate")
	assert.Contains(t, gotPath, "id=123")
}

func TestActivateDisabledNoRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", false)
	err := c.Activate(context.Background(), types.StreamInfo{Key: "mykey"})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestActivateNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", true)
	err := c.Activate(context.Background(), types.StreamInfo{Key: "mykey"})
	assert.Error(t, err)
}

func TestDeactivateSkippedWhenStreamIDEmpty(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", true)
	err := c.Deactivate(context.Background(), "mykey", "")
	require.NoError(t, err)
	assert.False(t, called)
}

func TestLineReturnsErrConflictOn409(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", true)
	err := c.Line(context.Background(), "mykey", types.TranscriptLine{ID: 0})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLineSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mykey/line", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", true)
	err := c.Line(context.Background(), "mykey", types.TranscriptLine{ID: 1})
	assert.NoError(t, err)
}

func TestSyncSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mykey/sync", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", true)
	err := c.Sync(context.Background(), "mykey", types.KeyState{ActiveID: "123"})
	assert.NoError(t, err)
}

func TestMediaUploadsMultipartFile(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mykey/media/5", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		gotBody, _ = io.ReadAll(f)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", true)
	err := c.Media(context.Background(), "mykey", 5, strings.NewReader("hello media"))
	require.NoError(t, err)
	assert.Equal(t, "hello media", string(gotBody))
}

func TestStatusSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", true)
	err := c.Status(context.Background(), StatusReport{Version: "1.0"})
	assert.NoError(t, err)
}
