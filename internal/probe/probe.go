/*
DESCRIPTION
  probe.go probes a streamer's URL with yt-dlp to discover whether the
  stream is currently live and, if so, its id, title and start time.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package probe queries yt-dlp for live-stream metadata: liveness, stream
// id/title and start time, used by the watcher to decide when to activate
// and deactivate a key.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ausocean/livetranscript/internal/types"
)

// defaultBinary is the yt-dlp executable name, assumed to be on PATH.
const defaultBinary = "yt-dlp"

// probeTimeout bounds a single yt-dlp -j invocation; yt-dlp metadata fetches
// are CPU-heavy and occasionally hang against a dead URL.
const probeTimeout = 30 * time.Second

// datePattern strips dates and times embedded in stream titles, e.g.
// "Live Dive 2024-05-01 10:30" becomes "Live Dive".
var datePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b|\b(\d{2}/\d{2}/\d{4})\b|\b(\d{2}:\d{2})\b`)

// RemoveDate strips date/time substrings from title and trims the result.
func RemoveDate(title string) string {
	return strings.TrimSpace(datePattern.ReplaceAllString(title, ""))
}

// Prober probes stream URLs with yt-dlp.
type Prober struct {
	binary string
}

// NewProber returns a Prober invoking binary, or the default "yt-dlp" if
// binary is empty.
func NewProber(binary string) *Prober {
	if binary == "" {
		binary = defaultBinary
	}
	return &Prober{binary: binary}
}

// ytdlpMetadata is the subset of yt-dlp's --dump-json output we use.
type ytdlpMetadata struct {
	IsLive           bool    `json:"is_live"`
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	ReleaseTimestamp float64 `json:"release_timestamp"`
	Timestamp        float64 `json:"timestamp"`
	DisplayID        string  `json:"display_id"`
	Description      string  `json:"description"`
}

// Stats runs yt-dlp -j against url and translates the result into a
// types.StreamInfo. A non-live or unreachable URL is not an error: it is
// reported as IsLive: false, since most probes against an offline streamer
// are expected, not exceptional.
func (p *Prober) Stats(ctx context.Context, url, key string, mediaType types.MediaType) (types.StreamInfo, error) {
	info := types.StreamInfo{URL: url, Key: key, MediaType: mediaType, StreamID: "Unknown ID", StreamTitle: "Unknown Title", StartTime: "0"}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary, "-j", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return info, fmt.Errorf("yt-dlp metadata fetch timed out for %s", url)
	}
	if err != nil {
		// Typically means the stream isn't live yet, is a members-only
		// stream, or yt-dlp otherwise couldn't resolve it. Not fatal.
		return info, nil
	}

	var meta ytdlpMetadata
	if jerr := json.Unmarshal(stdout.Bytes(), &meta); jerr != nil {
		return info, fmt.Errorf("could not decode yt-dlp metadata for %s: %w", url, jerr)
	}

	info.IsLive = meta.IsLive
	if !info.IsLive {
		return info, nil
	}

	info.StreamID = meta.ID
	if info.StreamID == "" {
		info.StreamID = "Unknown ID"
	}
	info.StreamTitle = RemoveDate(meta.Title)
	if info.StreamTitle == "" {
		info.StreamTitle = "Unknown Title"
	}

	startTime := meta.ReleaseTimestamp
	if strings.Contains(strings.ToLower(url), "twitch.tv") {
		display := meta.DisplayID
		if display == "" {
			display = "Unknown Channel"
		}
		desc := meta.Description
		if desc == "" {
			desc = "Unknown Title"
		}
		info.StreamTitle = fmt.Sprintf("%s - %s", display, desc)
		startTime = meta.Timestamp
	}
	if startTime == 0 {
		startTime = meta.Timestamp
	}
	info.StartTime = strconv.FormatFloat(startTime, 'f', -1, 64)

	return info, nil
}

// StatsUntilValidStart calls Stats, retrying up to n times with a 5-second
// pause between attempts while the stream is reported live but its start
// time is unresolved (yt-dlp sometimes reports a live stream before its
// release_timestamp has populated).
func (p *Prober) StatsUntilValidStart(ctx context.Context, url, key string, mediaType types.MediaType, n int) (types.StreamInfo, error) {
	info, err := p.Stats(ctx, url, key, mediaType)
	if err != nil || !info.IsLive {
		return info, err
	}

	for n > 0 && (info.StartTime == "" || info.StartTime == "0") {
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		case <-time.After(5 * time.Second):
		}

		info, err = p.Stats(ctx, url, key, mediaType)
		if err != nil || !info.IsLive {
			return info, err
		}
		n--
	}

	return info, nil
}

// GetMediaType resolves the media type to download for a key's URL. Twitch
// already provides video clipping server-side, so a configured video media
// type is downgraded to audio-only there to avoid duplicating it.
func GetMediaType(url string, configured types.MediaType) types.MediaType {
	if configured == "" {
		return types.MediaNone
	}
	if strings.Contains(strings.ToLower(url), "twitch.tv") && configured == types.MediaVideo {
		return types.MediaAudio
	}
	return configured
}
