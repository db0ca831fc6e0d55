package ltconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  enabled: true
  url: "http://localhost:8080"
  apiKey: "secret"
  buffer_size_seconds: 8
streamers:
  - key: mystream
    urls:
      - "https://www.youtube.com/watch?v=abc"
    active: true
    media_type: video
id_blacklist:
  - "blocked123"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 8, cfg.Server.BufferSizeSeconds)
	assert.Equal(t, DefaultSecondsBetweenChannelRetry, cfg.Server.SecondsBetweenChannelRetry)
	assert.Equal(t, DefaultModel, cfg.Transcription.Model)
	assert.Equal(t, DefaultDevice, cfg.Transcription.Device)
	assert.Equal(t, DefaultComputeType, cfg.Transcription.ComputeType)
	require.Len(t, cfg.Streamers, 1)
	assert.Equal(t, "mystream", cfg.Streamers[0].Key)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "streamers: [this is not valid yaml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLiveReloadSwapsStreamersAndBlacklistOnly(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	live, err := NewLive(path)
	require.NoError(t, err)

	assert.Len(t, live.Streamers(), 1)
	assert.Equal(t, "http://localhost:8080", live.Server().URL)

	updated := `
server:
  enabled: true
  url: "http://changed:9090"
streamers:
  - key: mystream
    urls: ["https://www.youtube.com/watch?v=abc"]
    active: false
    media_type: video
  - key: otherstream
    urls: ["https://twitch.tv/other"]
    active: true
    media_type: audio
id_blacklist:
  - "blocked123"
  - "blocked456"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))
	require.NoError(t, live.Reload())

	// Server settings are not hot-reloadable.
	assert.Equal(t, "http://localhost:8080", live.Server().URL)

	streamers := live.Streamers()
	require.Len(t, streamers, 2)
	assert.False(t, streamers[0].Active)
	assert.True(t, streamers[1].Active)

	assert.Equal(t, []string{"blocked123", "blocked456"}, live.IDBlacklist())
}

func TestLiveReloadKeepsOldConfigOnFailure(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	live, err := NewLive(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0644))
	err = live.Reload()
	assert.Error(t, err)

	// Previous streamers are left untouched.
	assert.Len(t, live.Streamers(), 1)
}
