package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ausocean/livetranscript/internal/relay"
)

func testLogger() logging.Logger {
	return logging.New(logging.Debug, io.Discard, false)
}

func TestReporterPublishesVersionBuildTimeAndKeys(t *testing.T) {
	var mu sync.Mutex
	var got []relay.StatusReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		var report relay.StatusReport
		require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		mu.Lock()
		got = append(got, report)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := &Reporter{
		Client:    relay.New(srv.URL, "secret", true),
		Version:   "1.2.3",
		BuildTime: "2024-06-01T00:00:00Z",
		Keys:      func() []string { return []string{"alpha", "beta"} },
		Interval:  20 * time.Millisecond,
		Log:       testLogger(),
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		rep.Run(context.Background(), stop)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "1.2.3", got[0].Version)
	assert.Equal(t, "2024-06-01T00:00:00Z", got[0].BuildTime)
	assert.Equal(t, []string{"alpha", "beta"}, got[0].Keys)
}

func TestReporterDisabledRelayMakesNoRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("disabled relay should not be called")
	}))
	defer srv.Close()

	rep := &Reporter{
		Client:   relay.New(srv.URL, "secret", false),
		Keys:     func() []string { return nil },
		Interval: 10 * time.Millisecond,
		Log:      testLogger(),
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		rep.Run(context.Background(), stop)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop was closed")
	}
}
