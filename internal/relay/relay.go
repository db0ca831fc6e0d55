/*
DESCRIPTION
  relay.go implements the HTTP client used to talk to the relay service:
  activating and deactivating streams, publishing transcript lines,
  uploading media and reporting worker status.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package relay is an HTTP client for the transcript relay service: it
// activates and deactivates keys, publishes transcript lines, uploads
// media and reports status, authenticating every request with an API key.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ausocean/livetranscript/internal/types"
)

// ErrConflict is returned by Line when the relay reports its transcript is
// out of sync with ours (HTTP 409), meaning the caller must Sync before
// retrying.
var ErrConflict = fmt.Errorf("relay: transcript out of sync")

// Client talks to a relay service base URL, authenticating with an API key.
// A Client with Enabled false performs no network requests; callers use
// this to implement the local, request-disabled operating mode.
type Client struct {
	Enabled bool
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a Client for baseURL, authenticating with apiKey. No request
// is made until Enabled is true.
func New(baseURL, apiKey string, enabled bool) *Client {
	return &Client{
		Enabled: enabled,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http:    &http.Client{},
	}
}

func (c *Client) keyURL(key string) string {
	return c.baseURL + "/" + key
}

func (c *Client) newRequest(ctx context.Context, method, rawurl string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	return req, nil
}

// Activate tells the relay that info.Key's stream has gone live.
func (c *Client) Activate(ctx context.Context, info types.StreamInfo) error {
	if !c.Enabled {
		return nil
	}

	q := url.Values{}
	q.Set("id", info.StreamID)
	q.Set("title", info.StreamTitle)
	q.Set("startTime", info.StartTime)
	q.Set("mediaType", string(info.MediaType))
	reqURL := fmt.Sprintf("%s/activate?%s", c.keyURL(info.Key), q.Encode())

	req, err := c.newRequest(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return fmt.Errorf("could not create activate request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send activate request to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay did not accept activation request: %s", resp.Status)
	}
	return nil
}

// Deactivate tells the relay that key's stream streamID has gone offline.
func (c *Client) Deactivate(ctx context.Context, key, streamID string) error {
	if !c.Enabled || streamID == "" {
		return nil
	}

	reqURL := fmt.Sprintf("%s/deactivate?id=%s", c.keyURL(key), url.QueryEscape(streamID))
	req, err := c.newRequest(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return fmt.Errorf("could not create deactivate request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send deactivate request to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay did not accept deactivation request: %s", resp.Status)
	}
	return nil
}

// Line publishes a transcript line for key. ErrConflict itself is returned
// when the relay reports 409: the caller should Sync the full state before
// enqueueing any media belonging to the line.
func (c *Client) Line(ctx context.Context, key string, line types.TranscriptLine) error {
	if !c.Enabled {
		return nil
	}

	payload, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("could not encode transcript line: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.keyURL(key)+"/line", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("could not create line request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send line request to relay: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrConflict
	default:
		return fmt.Errorf("relay did not accept line request: %s", resp.Status)
	}
}

// Sync uploads the entire per-key state to the relay, forcing it to reset
// to this state. Called after Line reports ErrConflict.
func (c *Client) Sync(ctx context.Context, key string, state types.KeyState) error {
	if !c.Enabled {
		return nil
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("could not encode key state: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.keyURL(key)+"/sync", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("could not create sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send sync request to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay did not accept sync request: %s", resp.Status)
	}
	return nil
}

// Media uploads the raw media belonging to key's lineID as a multipart
// form file named "file".
func (c *Client) Media(ctx context.Context, key string, lineID int, r io.Reader) error {
	if !c.Enabled {
		return nil
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	formFile, err := writer.CreateFormFile("file", fmt.Sprintf("media_%d.bin", lineID))
	if err != nil {
		return fmt.Errorf("could not create form file writer: %w", err)
	}
	if _, err := io.Copy(formFile, r); err != nil {
		return fmt.Errorf("could not copy media into form file: %w", err)
	}
	// The writer must be closed before the request is sent, otherwise the
	// relay sees a "multipart EOF" error.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("could not close multipart writer: %w", err)
	}

	reqURL := fmt.Sprintf("%s/media/%d", c.keyURL(key), lineID)
	req, err := c.newRequest(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return fmt.Errorf("could not create media request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send media request to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay did not accept media upload: %s", resp.Status)
	}
	return nil
}

// StatusReport is the payload the status reporter publishes periodically:
// the worker's version and build time, and the keys it is watching.
type StatusReport struct {
	Version   string   `json:"version"`
	BuildTime string   `json:"build_time"`
	Keys      []string `json:"keys"`
}

// Status publishes a worker-wide status report.
func (c *Client) Status(ctx context.Context, report StatusReport) error {
	if !c.Enabled {
		return nil
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("could not encode status report: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/status", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("could not create status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send status request to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay did not accept status report: %s", resp.Status)
	}
	return nil
}

// defaultTimeout bounds requests issued without a caller-supplied deadline.
// Callers generally pass a context with their own deadline; this exists so
// a Client is still safe to use with context.Background().
const defaultTimeout = 30 * time.Second

// WithTimeout returns a context with defaultTimeout applied if ctx has no
// deadline of its own.
func WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}
