package callctrl

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAnswerPostsAction(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, discardLogger())
	if err := c.Answer(context.Background(), "cc_1", "wss://bridge/v1/stream"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if gotPath != "/calls/cc_1/actions/answer" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody["stream_url"] != "wss://bridge/v1/stream" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestHangupOnDeadLegIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"title":"call not found"}]}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, discardLogger())
	if err := c.Hangup(context.Background(), "cc_gone"); err != nil {
		t.Fatalf("hangup on dead leg: %v", err)
	}
}

func TestHangupSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, discardLogger())
	if err := c.Hangup(context.Background(), "cc_1"); err == nil {
		t.Fatal("expected error on 500")
	}
}
