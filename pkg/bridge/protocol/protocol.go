// Package protocol defines the carrier media-stream wire messages and
// their decoder. The carrier speaks JSON envelopes over a WebSocket:
// one "event" field selects the variant, sibling objects carry the body.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TrackInbound is the caller-to-bridge media track.
	TrackInbound = "inbound"

	// EncodingMulaw is the only media encoding the bridge accepts.
	EncodingMulaw = "PCMU"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// MediaFormat describes the audio shape announced in the stream start event.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// StreamConnected is the first event on a new media stream socket.
type StreamConnected struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

// StreamStart announces call identity and media format.
type StreamStart struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id"`
	Start    struct {
		CallControlID string            `json:"call_control_id"`
		From          string            `json:"from,omitempty"`
		To            string            `json:"to,omitempty"`
		MediaFormat   MediaFormat       `json:"media_format"`
		CustomParams  map[string]string `json:"custom_parameters,omitempty"`
	} `json:"start"`
}

// MediaFrame is one chunk of caller audio. Audio holds the decoded
// mu-law payload; Timestamp is the carrier's media clock in ms.
type MediaFrame struct {
	Event     string
	StreamID  string
	Track     string
	Timestamp int64
	Audio     []byte
}

// StreamStop signals the carrier tore the stream down (remote hangup).
type StreamStop struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id"`
}

// PlaybackMark echoes a mark the bridge previously queued after audio;
// receiving it means the carrier finished playing everything before it.
type PlaybackMark struct {
	Event string `json:"event"`
	Mark  struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// DTMF reports a keypad digit pressed by the caller.
type DTMF struct {
	Event string `json:"event"`
	DTMF  struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

// DecodeStreamMessage parses one carrier frame into its typed variant.
// Unknown events return an unsupported DecodeError so the caller can
// log and skip them without tearing the stream down.
func DecodeStreamMessage(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case "connected":
		var msg StreamConnected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connected frame", "")
		}
		return msg, nil
	case "start":
		var msg StreamStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if strings.TrimSpace(msg.StreamID) == "" {
			return nil, badRequest("start.stream_id is required", "stream_id")
		}
		if strings.TrimSpace(msg.Start.CallControlID) == "" {
			return nil, badRequest("start.call_control_id is required", "call_control_id")
		}
		if enc := msg.Start.MediaFormat.Encoding; enc != "" && !strings.EqualFold(enc, EncodingMulaw) {
			return nil, unsupported("unsupported media encoding", "encoding")
		}
		return msg, nil
	case "media":
		var raw struct {
			Event    string `json:"event"`
			StreamID string `json:"stream_id"`
			Media    *struct {
				Track     string `json:"track"`
				Timestamp int64  `json:"timestamp,string"`
				Payload   string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		if raw.Media == nil {
			return nil, badRequest("media body is required", "media")
		}
		if strings.TrimSpace(raw.Media.Payload) == "" {
			return nil, badRequest("media.payload is required", "payload")
		}
		audio, err := base64.StdEncoding.DecodeString(raw.Media.Payload)
		if err != nil {
			return nil, badRequest("media.payload is not valid base64", "payload")
		}
		return MediaFrame{
			Event:     raw.Event,
			StreamID:  raw.StreamID,
			Track:     raw.Media.Track,
			Timestamp: raw.Media.Timestamp,
			Audio:     audio,
		}, nil
	case "stop":
		var msg StreamStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	case "mark":
		var msg PlaybackMark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark frame", "")
		}
		if strings.TrimSpace(msg.Mark.Name) == "" {
			return nil, badRequest("mark.name is required", "name")
		}
		return msg, nil
	case "dtmf":
		var msg DTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported event", event)
	}
}

// MediaOut builds an outbound media frame carrying one mu-law chunk.
func MediaOut(streamID string, audio []byte) any {
	return map[string]any{
		"event":     "media",
		"stream_id": streamID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(audio),
		},
	}
}

// MarkOut queues a named playback mark behind previously sent audio.
func MarkOut(streamID, name string) any {
	return map[string]any{
		"event":     "mark",
		"stream_id": streamID,
		"mark": map[string]string{
			"name": name,
		},
	}
}

// ClearOut tells the carrier to drop all buffered outbound audio.
// Sent on confirmed barge-in so the caller stops hearing stale speech.
func ClearOut(streamID string) any {
	return map[string]any{
		"event":     "clear",
		"stream_id": streamID,
	}
}
