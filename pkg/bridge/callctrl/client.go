// Package callctrl talks to the carrier's call-control REST API to
// answer and hang up call legs.
package callctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	log     *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Answer picks up an inbound leg and tells the carrier where to open
// the media stream.
func (c *Client) Answer(ctx context.Context, callControlID, streamURL string) error {
	return c.action(ctx, callControlID, "answer", map[string]any{
		"stream_url":   streamURL,
		"stream_track": "inbound_track",
	})
}

// Hangup terminates a leg. A leg that already ended is not an error;
// the carrier races us on remote hangups all the time.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	err := c.action(ctx, callControlID, "hangup", map[string]any{})
	var status *statusError
	if asStatus(err, &status) && (status.code == http.StatusNotFound || status.code == http.StatusUnprocessableEntity) {
		c.log.Debug("hangup on already-dead leg", "call_control_id", callControlID, "status", status.code)
		return nil
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("callctrl: status %d: %s", e.code, e.body)
}

func asStatus(err error, target **statusError) bool {
	if se, ok := err.(*statusError); ok {
		*target = se
		return true
	}
	return false
}

func (c *Client) action(ctx context.Context, callControlID, action string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("callctrl: encode %s: %w", action, err)
	}
	endpoint := fmt.Sprintf("%s/calls/%s/actions/%s", c.baseURL, url.PathEscape(callControlID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("callctrl: build %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("callctrl: %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	return nil
}
