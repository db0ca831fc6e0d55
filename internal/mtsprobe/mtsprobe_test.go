package mtsprobe

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ausocean/av/container/mts"
)

func TestNewDefaultBinary(t *testing.T) {
	assert.Equal(t, "ffprobe", New("").binary)
	assert.Equal(t, "/opt/ffprobe", New("/opt/ffprobe").binary)
}

func TestLooksLikeMPEGTS(t *testing.T) {
	valid := make([]byte, mts.PacketSize*3)
	for i := 0; i < 3; i++ {
		valid[i*mts.PacketSize] = 0x47
	}

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"too short", make([]byte, 10), false},
		{"aligned sync bytes", valid, true},
		{"missing sync byte on second packet", func() []byte {
			b := append([]byte(nil), valid...)
			b[mts.PacketSize] = 0x00
			return b
		}(), false},
		{"empty", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LooksLikeMPEGTS(tc.data))
		})
	}
}

func TestStreamDuration(t *testing.T) {
	tests := []struct {
		name   string
		stream probeStream
		wantOK bool
		want   float64
	}{
		{"explicit duration", probeStream{Duration: "4.5"}, true, 4.5},
		{"duration_ts with time_base", probeStream{DurationTS: 90000, TimeBase: "1/90000"}, true, 1.0},
		{"no duration at all", probeStream{}, false, 0},
		{"zero denominator", probeStream{DurationTS: 1, TimeBase: "1/0"}, false, 0},
		{"malformed time_base", probeStream{DurationTS: 1, TimeBase: "garbage"}, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := streamDuration(tc.stream)
			assert.Equal(t, tc.wantOK, ok)
			if ok {
				assert.InDelta(t, tc.want, got, 0.0001)
			}
		})
	}
}

func ffprobeAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe binary not available, skipping integration test")
	}
}

func TestDurationNonExistentBinary(t *testing.T) {
	p := New("/nonexistent/ffprobe")
	_, err := p.Duration(context.Background(), []byte("not really ts"))
	require.Error(t, err)
}

func TestPreciseDurationNonExistentBinary(t *testing.T) {
	p := New("/nonexistent/ffprobe")
	_, err := p.PreciseDuration(context.Background(), "/dev/null")
	require.Error(t, err)
}

func TestDurationIntegration(t *testing.T) {
	ffprobeAvailable(t)
	p := New("")
	// An empty buffer isn't a valid MPEG-TS stream; ffprobe should fail cleanly
	// rather than hang, which is the behaviour this test actually checks.
	_, err := p.Duration(context.Background(), nil)
	require.Error(t, err)
}
