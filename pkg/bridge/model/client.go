package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stream is the controller's view of the model socket. *Client satisfies
// it; tests substitute a fake.
type Stream interface {
	Send(msg any) error
	Events() <-chan any
	Close() error
}

type ClientConfig struct {
	URL          string
	APIKey       string
	Model        string
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	EventBuffer  int
}

// Client owns the model WebSocket: one reader goroutine decodes typed
// events into a bounded channel; writes are serialized with a mutex and
// per-write deadlines.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn
	cfg  ClientConfig

	writeMu sync.Mutex
	events  chan any

	closeOnce sync.Once
	closeErr  error

	errMu   sync.Mutex
	readErr error
}

// Dial connects to the realtime endpoint with bearer auth and starts the
// reader.
func Dial(ctx context.Context, cfg ClientConfig, log *slog.Logger) (*Client, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("model: invalid url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("model: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("model: dial failed: %w", err)
	}

	c := &Client{
		log:    log,
		conn:   conn,
		cfg:    cfg,
		events: make(chan any, cfg.EventBuffer),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers decoded server events. The channel closes when the
// socket dies; Err reports why.
func (c *Client) Events() <-chan any { return c.events }

// Err returns the terminal read error, if any. A normal close returns nil.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Send marshals and writes one client event.
func (c *Client) Send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("model: set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("model: write: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
			}
			return
		}
		ev, err := DecodeServerEvent(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				c.log.Debug("skipping model event", "err", err)
			} else {
				c.log.Warn("dropping malformed model event", "err", err)
			}
			continue
		}
		// A slow consumer here means the call loop has stalled; dropping
		// audio deltas is preferable to blocking the socket reader.
		select {
		case c.events <- ev:
		default:
			c.log.Warn("model event buffer full, dropping event", "type", fmt.Sprintf("%T", ev))
		}
	}
}
