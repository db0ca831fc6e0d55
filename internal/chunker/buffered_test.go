package chunker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ausocean/av/container/mts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ausocean/livetranscript/internal/types"
)

// fakeProber reports a duration proportional to buffer size, so a
// deterministic byte count can stand in for "bufferSizeSeconds worth of
// media" without invoking ffprobe.
type fakeProber struct {
	bytesPerSecond float64
}

func (f fakeProber) Duration(ctx context.Context, data []byte) (float64, error) {
	return float64(len(data)) / f.bytesPerSecond, nil
}

// tsAligned returns n bytes shaped like an aligned MPEG-TS stream: a 0x47
// sync byte at every packet boundary, so the poll loop's cheap alignment
// check passes and the duration prober is consulted.
func tsAligned(n int) []byte {
	data := make([]byte, n)
	for i := 0; i < n; i += mts.PacketSize {
		data[i] = 0x47
	}
	return data
}

func TestBufferedEmitsOnceDurationThresholdReached(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	out := make(chan types.Chunk, 4)
	stop := make(chan struct{})

	b := &Buffered{
		Open: func(ctx context.Context, info types.StreamInfo) (io.ReadCloser, error) {
			return r, nil
		},
		BufferSizeSeconds: 2,
		Prober:            fakeProber{bytesPerSecond: 1000}, // 2s == 2000 bytes
		PollInterval:      10 * time.Millisecond,
		Log:               testLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), types.StreamInfo{Key: "k"}, out, stop) }()

	stream := tsAligned(9100)

	// Below both the minimum size and the duration threshold at first.
	w.Write(stream[:100])
	time.Sleep(30 * time.Millisecond)
	select {
	case c := <-out:
		t.Fatalf("unexpected early chunk: %d bytes", len(c.Raw))
	default:
	}

	// Push well past 8 KiB and past the 2000-byte duration threshold.
	w.Write(stream[100:])

	var chunk types.Chunk
	require.Eventually(t, func() bool {
		select {
		case chunk = <-out:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, len(chunk.Raw), 2000)

	close(stop)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop was closed")
	}
}

// trappedProber fails the test if the duration probe is ever consulted.
type trappedProber struct {
	t *testing.T
}

func (p trappedProber) Duration(ctx context.Context, data []byte) (float64, error) {
	p.t.Error("duration probe called on a buffer that is not aligned MPEG-TS")
	return 0, nil
}

func TestBufferedSkipsProbeOnUnalignedBuffer(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	out := make(chan types.Chunk, 4)
	stop := make(chan struct{})

	b := &Buffered{
		Open: func(ctx context.Context, info types.StreamInfo) (io.ReadCloser, error) {
			return r, nil
		},
		BufferSizeSeconds: 2,
		Prober:            trappedProber{t},
		PollInterval:      10 * time.Millisecond,
		Log:               testLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), types.StreamInfo{Key: "k"}, out, stop) }()

	// Past the minimum size, but all zero bytes: no sync-byte alignment,
	// so the poll ticks must never reach the prober.
	w.Write(make([]byte, minBufferedBytes+500))
	time.Sleep(50 * time.Millisecond)
	close(stop)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop was closed")
	}
}

func TestBufferedFlushesResidualOnStopAboveMinimum(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	out := make(chan types.Chunk, 4)
	stop := make(chan struct{})

	b := &Buffered{
		Open: func(ctx context.Context, info types.StreamInfo) (io.ReadCloser, error) {
			return r, nil
		},
		BufferSizeSeconds: 1000, // never checked: all-zero bytes fail the MPEG-TS sniff
		Prober:            fakeProber{bytesPerSecond: 1},
		PollInterval:      10 * time.Millisecond,
		Log:               testLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), types.StreamInfo{Key: "k"}, out, stop) }()

	w.Write(make([]byte, minBufferedBytes+500))
	time.Sleep(30 * time.Millisecond)
	close(stop)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop was closed")
	}

	close(out)
	var chunks []types.Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Raw, minBufferedBytes+500)
}

func TestBufferedDropsResidualBelowMinimumOnStop(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	out := make(chan types.Chunk, 4)
	stop := make(chan struct{})

	b := &Buffered{
		Open: func(ctx context.Context, info types.StreamInfo) (io.ReadCloser, error) {
			return r, nil
		},
		BufferSizeSeconds: 1000,
		Prober:            fakeProber{bytesPerSecond: 1},
		PollInterval:      10 * time.Millisecond,
		Log:               testLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), types.StreamInfo{Key: "k"}, out, stop) }()

	w.Write(make([]byte, 100))
	time.Sleep(30 * time.Millisecond)
	close(stop)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop was closed")
	}

	close(out)
	assert.Empty(t, out)
}
