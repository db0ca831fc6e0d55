/*
DESCRIPTION
  config.go loads and holds the YAML configuration for the live transcript
  worker: relay/server settings, transcription model settings and the list
  of configured streamers.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package ltconfig loads the live transcript worker's YAML configuration
// and exposes a live, lockable view of it so a file watcher can hot-reload
// the parts of it that are safe to change without a restart.
package ltconfig

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ausocean/livetranscript/internal/types"
)

// Server holds the relay and chunking parameters.
type Server struct {
	Enabled                   bool   `yaml:"enabled"`
	URL                       string `yaml:"url"`
	APIKey                    string `yaml:"apiKey"`
	BufferSizeSeconds         int    `yaml:"buffer_size_seconds"`
	SecondsBetweenChannelRetry int   `yaml:"seconds_between_channel_retry"`
}

// Transcription holds the ASR model parameters.
type Transcription struct {
	Model       string `yaml:"model"`
	Device      string `yaml:"device"`
	ComputeType string `yaml:"compute_type"`
}

// Streamer is the raw YAML shape of one streamer entry.
type Streamer struct {
	Key       string   `yaml:"key"`
	URLs      []string `yaml:"urls"`
	Active    bool     `yaml:"active"`
	MediaType string   `yaml:"media_type"`
}

// Config is the raw, unmarshalled shape of the config file.
type Config struct {
	Server        Server        `yaml:"server"`
	Transcription Transcription `yaml:"transcription"`
	Streamers     []Streamer    `yaml:"streamers"`
	IDBlacklist   []string      `yaml:"id_blacklist"`
}

// Defaults, applied when the corresponding field is left at its zero value.
const (
	DefaultBufferSizeSeconds          = 6
	DefaultSecondsBetweenChannelRetry = 20
	DefaultModel                      = "base"
	DefaultDevice                     = "cpu"
	DefaultComputeType                = "int8"
)

func (c *Config) applyDefaults() {
	if c.Server.BufferSizeSeconds == 0 {
		c.Server.BufferSizeSeconds = DefaultBufferSizeSeconds
	}
	if c.Server.SecondsBetweenChannelRetry == 0 {
		c.Server.SecondsBetweenChannelRetry = DefaultSecondsBetweenChannelRetry
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = DefaultModel
	}
	if c.Transcription.Device == "" {
		c.Transcription.Device = DefaultDevice
	}
	if c.Transcription.ComputeType == "" {
		c.Transcription.ComputeType = DefaultComputeType
	}
}

// Load reads and parses the YAML file at path. A missing file or invalid
// YAML is a fatal startup error in the caller's eyes; Load just reports it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Live wraps a Config behind a mutex so the fsnotify-driven hot reload in
// watch.go can safely swap the fields it owns while watchers and the status
// reporter read them concurrently.
type Live struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewLive loads path and wraps the result for concurrent, hot-reloadable use.
func NewLive(path string) (*Live, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Live{path: path, cfg: cfg}, nil
}

// Server returns the server settings as loaded at startup; these are not
// hot-reloadable (changing the relay URL/key mid-run would strand in-flight
// per-key state).
func (l *Live) Server() Server {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Server
}

// Transcription returns the transcription settings as loaded at startup.
func (l *Live) Transcription() Transcription {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Transcription
}

// Streamers returns the currently active streamer list, translated into the
// shared types.StreamerConfig shape. Hot-reloadable.
func (l *Live) Streamers() []types.StreamerConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.StreamerConfig, 0, len(l.cfg.Streamers))
	for _, s := range l.cfg.Streamers {
		mt := types.MediaType(s.MediaType)
		if mt == "" {
			mt = types.MediaNone
		}
		out = append(out, types.StreamerConfig{
			Key:       s.Key,
			URLs:      s.URLs,
			Active:    s.Active,
			MediaType: mt,
		})
	}
	return out
}

// IDBlacklist returns the currently configured blacklist. Hot-reloadable.
func (l *Live) IDBlacklist() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.cfg.IDBlacklist))
	copy(out, l.cfg.IDBlacklist)
	return out
}

// Reload re-reads the config file from disk and, on success, swaps in the
// streamers and id_blacklist fields only -- server and transcription
// settings require a process restart to change. Returns the error from
// Load unchanged so the caller can decide whether to log and keep running
// on the old config (the expected behaviour for a hot-reload failure).
func (l *Live) Reload() error {
	cfg, err := Load(l.path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Streamers = cfg.Streamers
	l.cfg.IDBlacklist = cfg.IDBlacklist
	return nil
}
