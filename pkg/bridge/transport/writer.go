// Package transport owns the carrier WebSocket write path. All outbound
// frames funnel through a single writer goroutine; control frames (clear,
// mark, stream teardown) preempt paced media frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBackpressure is returned when the media queue is full. Paced audio
// is droppable; callers skip the frame rather than block the call loop.
var ErrBackpressure = errors.New("transport: outbound queue full")

// WSConn is the subset of *websocket.Conn the writer needs.
type WSConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Frame is one queued outbound message. Media frames carry the flush
// generation they were paced under; frames from a superseded generation
// are dropped at write time instead of reaching the caller's ear.
type Frame struct {
	Payload    []byte
	IsMedia    bool
	Generation uint64
}

type WriterConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Sender is the producer half: it marshals messages and queues them for
// the writer goroutine.
type Sender struct {
	priority chan Frame
	normal   chan Frame
}

func NewSender(queueSize int) *Sender {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Sender{
		priority: make(chan Frame, 16),
		normal:   make(chan Frame, queueSize),
	}
}

// SendMedia queues a paced media frame. Never blocks; a full queue means
// the socket cannot keep up with real time and the frame is sacrificed.
func (s *Sender) SendMedia(msg any, generation uint64) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.normal <- Frame{Payload: payload, IsMedia: true, Generation: generation}:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendControl queues a control frame ahead of all pending media.
func (s *Sender) SendControl(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.priority <- Frame{Payload: payload}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close ends both queues. The writer drains what it can and exits.
func (s *Sender) Close() {
	close(s.priority)
	close(s.normal)
}

// Writer drains a Sender onto the carrier socket.
type Writer struct {
	WS       WSConn
	Ctx      context.Context
	Cfg      WriterConfig
	Priority <-chan Frame
	Normal   <-chan Frame

	// IsStale reports whether a media generation has been flushed.
	IsStale func(generation uint64) bool
}

func NewWriter(ctx context.Context, ws WSConn, cfg WriterConfig, s *Sender, isStale func(uint64) bool) *Writer {
	return &Writer{
		WS:       ws,
		Ctx:      ctx,
		Cfg:      cfg,
		Priority: s.priority,
		Normal:   s.normal,
		IsStale:  isStale,
	}
}

func (w *Writer) Run() error {
	if w == nil || w.WS == nil {
		return nil
	}

	pingInterval := w.Cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.Cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *Frame

	for {
		if w.Ctx != nil {
			select {
			case <-w.Ctx.Done():
				w.flushPriorityOnShutdown(writeTimeout)
				_ = w.WS.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				_ = w.WS.Close()
				return nil
			default:
			}
		}

		// Hard priority: anything queued goes out before media frames.
		select {
		case frame, ok := <-w.Priority:
			if !ok {
				w.Priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		// A pending media frame still yields to a newly-queued control frame.
		if pendingNormal != nil {
			select {
			case frame, ok := <-w.Priority:
				if !ok {
					w.Priority = nil
					continue
				}
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.Priority == nil && w.Normal == nil {
			return nil
		}

		select {
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.WS.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.Priority:
			if !ok {
				w.Priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.Normal:
			if !ok {
				w.Normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

func (w *Writer) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.WS == nil || w.Priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	if flushTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.Priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *Writer) writeFrame(frame Frame, writeTimeout time.Duration) error {
	if frame.IsMedia && w.IsStale != nil && w.IsStale(frame.Generation) {
		return nil
	}
	if len(frame.Payload) == 0 {
		return nil
	}
	if err := w.WS.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.WS.WriteMessage(websocket.TextMessage, frame.Payload)
}
