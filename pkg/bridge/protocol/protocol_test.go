package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeStreamMessageStart(t *testing.T) {
	raw := `{"event":"start","stream_id":"st_1","start":{"call_control_id":"cc_1","from":"+15550001","to":"+15550002","media_format":{"encoding":"PCMU","sample_rate":8000,"channels":1}}}`
	msg, err := DecodeStreamMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := msg.(StreamStart)
	if !ok {
		t.Fatalf("got %T, want StreamStart", msg)
	}
	if start.StreamID != "st_1" || start.Start.CallControlID != "cc_1" {
		t.Fatalf("unexpected ids: %+v", start)
	}
	if start.Start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("sample rate %d, want 8000", start.Start.MediaFormat.SampleRate)
	}
}

func TestDecodeStreamMessageStartRejectsEncoding(t *testing.T) {
	raw := `{"event":"start","stream_id":"st_1","start":{"call_control_id":"cc_1","media_format":{"encoding":"L16","sample_rate":16000,"channels":1}}}`
	_, err := DecodeStreamMessage([]byte(raw))
	var de *DecodeError
	if !errors.As(err, &de) || de.Code != "unsupported" {
		t.Fatalf("got %v, want unsupported DecodeError", err)
	}
}

func TestDecodeStreamMessageMedia(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F, 0x00})
	raw := `{"event":"media","stream_id":"st_1","media":{"track":"inbound","timestamp":"1840","payload":"` + payload + `"}}`
	msg, err := DecodeStreamMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	frame, ok := msg.(MediaFrame)
	if !ok {
		t.Fatalf("got %T, want MediaFrame", msg)
	}
	if frame.Track != TrackInbound {
		t.Fatalf("track %q", frame.Track)
	}
	if frame.Timestamp != 1840 {
		t.Fatalf("timestamp %d, want 1840", frame.Timestamp)
	}
	if len(frame.Audio) != 3 || frame.Audio[0] != 0xFF {
		t.Fatalf("audio %v", frame.Audio)
	}
}

func TestDecodeStreamMessageMediaBadBase64(t *testing.T) {
	raw := `{"event":"media","media":{"track":"inbound","payload":"not base64!!"}}`
	_, err := DecodeStreamMessage([]byte(raw))
	var de *DecodeError
	if !errors.As(err, &de) || de.Param != "payload" {
		t.Fatalf("got %v, want payload DecodeError", err)
	}
}

func TestDecodeStreamMessageMarkAndStop(t *testing.T) {
	msg, err := DecodeStreamMessage([]byte(`{"event":"mark","mark":{"name":"greeting-done"}}`))
	if err != nil {
		t.Fatalf("mark decode: %v", err)
	}
	if m := msg.(PlaybackMark); m.Mark.Name != "greeting-done" {
		t.Fatalf("mark name %q", m.Mark.Name)
	}

	msg, err = DecodeStreamMessage([]byte(`{"event":"stop","stream_id":"st_1"}`))
	if err != nil {
		t.Fatalf("stop decode: %v", err)
	}
	if s := msg.(StreamStop); s.StreamID != "st_1" {
		t.Fatalf("stop stream id %q", s.StreamID)
	}
}

func TestDecodeStreamMessageErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"invalid json", `{`, "bad_request"},
		{"missing event", `{"stream_id":"x"}`, "bad_request"},
		{"unknown event", `{"event":"ringing"}`, "unsupported"},
		{"start without ids", `{"event":"start","start":{}}`, "bad_request"},
		{"media without body", `{"event":"media"}`, "bad_request"},
		{"mark without name", `{"event":"mark","mark":{}}`, "bad_request"},
	}
	for _, tc := range cases {
		_, err := DecodeStreamMessage([]byte(tc.raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: got %v, want DecodeError", tc.name, err)
			continue
		}
		if de.Code != tc.code {
			t.Errorf("%s: code %q, want %q", tc.name, de.Code, tc.code)
		}
	}
}

func TestMediaOutRoundTrip(t *testing.T) {
	out := MediaOut("st_1", []byte{0x01, 0x02})
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := DecodeStreamMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	frame := msg.(MediaFrame)
	if len(frame.Audio) != 2 || frame.Audio[1] != 0x02 {
		t.Fatalf("audio %v", frame.Audio)
	}
}

func TestClearOutShape(t *testing.T) {
	data, err := json.Marshal(ClearOut("st_9"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		Event    string `json:"event"`
		StreamID string `json:"stream_id"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != "clear" || got.StreamID != "st_9" {
		t.Fatalf("got %+v", got)
	}
}
