// Package model drives the realtime speech-to-speech session: WebSocket
// client, typed server events, ordered instruction injection, response
// lifecycle tracking with idempotent cancellation, and the anti-loop
// guard on consecutive assistant utterances.
package model

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownEvent marks server event types this bridge does not consume.
// Callers log at debug and move on.
var ErrUnknownEvent = errors.New("model: unknown event type")

type SessionCreated struct {
	Type string `json:"type"`
}

type SessionUpdated struct {
	Type string `json:"type"`
}

type SpeechStarted struct {
	Type         string `json:"type"`
	AudioStartMS int64  `json:"audio_start_ms"`
}

type SpeechStopped struct {
	Type       string `json:"type"`
	AudioEndMS int64  `json:"audio_end_ms"`
}

// InputTranscription is the model's transcript of what the caller said.
type InputTranscription struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type ResponseCreated struct {
	Type     string `json:"type"`
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}

// AudioDelta carries one chunk of assistant audio, already base64-decoded.
type AudioDelta struct {
	Type       string
	ResponseID string
	ItemID     string
	Audio      []byte
}

// TranscriptDone is the full transcript of one assistant audio item.
type TranscriptDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Transcript string `json:"transcript"`
}

type ResponseDone struct {
	Type     string `json:"type"`
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}

// FunctionCallDone arrives when the model finished streaming a tool
// call's arguments.
type FunctionCallDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
}

type ServerError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Benign reports whether the error is an expected idempotent outcome,
// like cancelling a response that already finished on its own.
func (e ServerError) Benign() bool {
	code := strings.ToLower(e.Error.Code)
	msg := strings.ToLower(e.Error.Message)
	return strings.Contains(code, "no_active_response") ||
		strings.Contains(msg, "no active response") ||
		strings.Contains(msg, "already") && strings.Contains(msg, "cancel")
}

// DecodeServerEvent parses one server frame into its typed variant.
func DecodeServerEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("model: invalid json event: %w", err)
	}

	switch envelope.Type {
	case "session.created":
		var ev SessionCreated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid session.created: %w", err)
		}
		return ev, nil
	case "session.updated":
		var ev SessionUpdated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid session.updated: %w", err)
		}
		return ev, nil
	case "input_audio_buffer.speech_started":
		var ev SpeechStarted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid speech_started: %w", err)
		}
		return ev, nil
	case "input_audio_buffer.speech_stopped":
		var ev SpeechStopped
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid speech_stopped: %w", err)
		}
		return ev, nil
	case "conversation.item.input_audio_transcription.completed":
		var ev InputTranscription
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid input transcription: %w", err)
		}
		return ev, nil
	case "response.created":
		var ev ResponseCreated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid response.created: %w", err)
		}
		return ev, nil
	case "response.output_audio.delta", "response.audio.delta":
		var raw struct {
			Type       string `json:"type"`
			ResponseID string `json:"response_id"`
			ItemID     string `json:"item_id"`
			Delta      string `json:"delta"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("model: invalid audio delta: %w", err)
		}
		audio, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return nil, fmt.Errorf("model: audio delta is not valid base64: %w", err)
		}
		return AudioDelta{
			Type:       raw.Type,
			ResponseID: raw.ResponseID,
			ItemID:     raw.ItemID,
			Audio:      audio,
		}, nil
	case "response.output_audio_transcript.done", "response.audio.transcript.done":
		var ev TranscriptDone
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid transcript done: %w", err)
		}
		return ev, nil
	case "response.done":
		var ev ResponseDone
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid response.done: %w", err)
		}
		return ev, nil
	case "response.function_call_arguments.done":
		var ev FunctionCallDone
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid function call done: %w", err)
		}
		return ev, nil
	case "error":
		var ev ServerError
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("model: invalid error event: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, envelope.Type)
	}
}

// SessionConfig shapes the session.update sent at handshake.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []map[string]any
}

// SessionUpdate builds the handshake event: audio formats for both legs,
// server-side turn detection with input transcription, and tool
// definitions.
func SessionUpdate(cfg SessionConfig) map[string]any {
	session := map[string]any{
		"model":               cfg.Model,
		"output_modalities":   []string{"audio"},
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"turn_detection": map[string]any{
			"type": "server_vad",
		},
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	if cfg.Instructions != "" {
		session["instructions"] = cfg.Instructions
	}
	if len(cfg.Tools) > 0 {
		session["tools"] = cfg.Tools
	}
	return map[string]any{
		"type":    "session.update",
		"session": session,
	}
}

// AudioAppend wraps caller PCM into an input buffer append.
func AudioAppend(pcm []byte) map[string]any {
	return map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	}
}

// SystemItem injects an instruction as a system conversation item.
func SystemItem(text string) map[string]any {
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
}

// FunctionOutputItem answers a tool call.
func FunctionOutputItem(callID, output string) map[string]any {
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
}

func ResponseCreate() map[string]any {
	return map[string]any{"type": "response.create"}
}

// ItemTruncate cuts an assistant audio item at the point the caller has
// actually heard, so the model's view of the conversation matches what
// was played before a barge-in.
func ItemTruncate(itemID string, audioEndMS int64) map[string]any {
	return map[string]any{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  audioEndMS,
	}
}

func ResponseCancel(responseID string) map[string]any {
	ev := map[string]any{"type": "response.cancel"}
	if responseID != "" {
		ev["response_id"] = responseID
	}
	return ev
}
