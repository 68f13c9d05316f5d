package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
	"github.com/sonara-ai/callbridge/pkg/bridge/config"
	"github.com/sonara-ai/callbridge/pkg/bridge/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeScheduler struct{}

func (fakeScheduler) ListAvailableSlots(ctx context.Context, date string, partySize int) ([]backend.Slot, error) {
	return nil, nil
}

func (fakeScheduler) GetSlot(ctx context.Context, slotID string) (backend.Slot, bool, error) {
	return backend.Slot{}, false, nil
}

func (fakeScheduler) CreateBooking(ctx context.Context, req backend.BookingRequest) (backend.Booking, error) {
	return backend.Booking{}, nil
}

type fakeRecords struct {
	mu      sync.Mutex
	records []backend.CallRecord
}

func (f *fakeRecords) SaveCallRecord(ctx context.Context, rec backend.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecords) SaveFollowUp(ctx context.Context, fu backend.FollowUp) error { return nil }

func (f *fakeRecords) reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r.EndReason)
	}
	return out
}

type fakeCallControl struct {
	mu      sync.Mutex
	answers []string
	hangups []string
}

func (f *fakeCallControl) Answer(ctx context.Context, callControlID, streamURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, callControlID+" "+streamURL)
	return nil
}

func (f *fakeCallControl) Hangup(ctx context.Context, callControlID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callControlID)
	return nil
}

func (f *fakeCallControl) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

type fakeModelSession struct {
	mu     sync.Mutex
	sent   []map[string]any
	events chan any
}

func newFakeModelSession() *fakeModelSession {
	return &fakeModelSession{events: make(chan any, 16)}
}

func (f *fakeModelSession) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.(map[string]any))
	return nil
}

func (f *fakeModelSession) Events() <-chan any { return f.events }
func (f *fakeModelSession) Close() error       { return nil }

func testServerConfig() config.Config {
	return config.Config{
		MaxSilence:         20 * time.Second,
		MaxCallDuration:    time.Minute,
		HangupGrace:        10 * time.Millisecond,
		FrameDuration:      20 * time.Millisecond,
		FrameBytes:         160,
		AntiloopSimilarity: 0.85,
		AckTimeout:         time.Second,
		ToolTimeout:        time.Second,
		WSWriteTimeout:     time.Second,
		WSPingInterval:     10 * time.Second,
		OutboundQueue:      64,
		VADFillers:         []string{"uh", "um"},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeRecords, *fakeCallControl, *fakeModelSession) {
	t.Helper()
	records := &fakeRecords{}
	carrier := &fakeCallControl{}
	ms := newFakeModelSession()
	s := New(testServerConfig(), Deps{
		Scheduler:   fakeScheduler{},
		Records:     records,
		CallControl: carrier,
		DialModel: func(ctx context.Context) (model.Stream, error) {
			return ms, nil
		},
	}, discardLogger())
	return s, records, carrier, ms
}

func TestHealthz(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.life.SetDraining(true)
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining status = %d", resp.StatusCode)
	}
}

func postWebhook(t *testing.T, url string, body map[string]any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url+"/v1/calls/webhook", "application/json", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()
	return resp
}

func initiatedEvent(id string) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"id":         id,
			"event_type": "call.initiated",
			"payload": map[string]any{
				"call_control_id": "cc_1",
				"from":            "+15550001",
				"to":              "+15550002",
				"direction":       "incoming",
			},
		},
	}
}

func TestWebhookAnswersInboundCall(t *testing.T) {
	s, _, carrier, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp := postWebhook(t, srv.URL, initiatedEvent("ev_1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if carrier.answerCount() != 1 {
		t.Fatalf("answers = %d, want 1", carrier.answerCount())
	}
	carrier.mu.Lock()
	answered := carrier.answers[0]
	carrier.mu.Unlock()
	if !strings.Contains(answered, "/v1/stream") {
		t.Fatalf("answer missing stream url: %q", answered)
	}
}

func TestWebhookDuplicateDeliveryIdempotent(t *testing.T) {
	s, _, carrier, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	postWebhook(t, srv.URL, initiatedEvent("ev_dup"))
	resp := postWebhook(t, srv.URL, initiatedEvent("ev_dup"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}
	if carrier.answerCount() != 1 {
		t.Fatalf("answers = %d, want 1 after duplicate delivery", carrier.answerCount())
	}
}

func TestWebhookDuplicateHangupTolerated(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	hangup := func(id string) map[string]any {
		return map[string]any{
			"data": map[string]any{
				"id":         id,
				"event_type": "call.hangup",
				"payload":    map[string]any{"call_control_id": "cc_unknown"},
			},
		}
	}
	if resp := postWebhook(t, srv.URL, hangup("h1")); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp := postWebhook(t, srv.URL, hangup("h2")); resp.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
}

func TestWebhookRejectsInvalidBody(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/calls/webhook", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestStreamRunsCallToRemoteHangup(t *testing.T) {
	s, records, _, ms := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeJSON := func(v map[string]any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	writeJSON(map[string]any{"event": "connected", "protocol": "media"})
	writeJSON(map[string]any{
		"event":     "start",
		"stream_id": "stream_1",
		"start": map[string]any{
			"call_control_id": "cc_1",
			"from":            "+15550001",
			"to":              "+15550002",
			"media_format":    map[string]any{"encoding": "PCMU", "sample_rate": 8000, "channels": 1},
		},
	})

	ms.events <- model.SessionCreated{}
	writeJSON(map[string]any{"event": "stop", "stream_id": "stream_1"})

	// The server finishes the call and closes the socket.
	deadline := time.Now().Add(5 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never closed")
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		reasons := records.reasons()
		return len(reasons) == 1 && reasons[0] == "remote_hangup"
	})
}

func TestStreamRejectedWhileDraining(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	s.life.SetDraining(true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/v1/stream", nil)
	if err == nil {
		t.Fatal("dial succeeded while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestStreamRejectsNonStartFirstFrame(t *testing.T) {
	s, records, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"event": "media", "media": map[string]any{"payload": "AAAA"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to drop the socket")
	}
	if len(records.reasons()) != 0 {
		t.Fatal("a call record was written for a failed handshake")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
