// Package server exposes the bridge's HTTP surface: the carrier media
// stream WebSocket, the call-event webhook, and health.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
	"github.com/sonara-ai/callbridge/pkg/bridge/config"
	"github.com/sonara-ai/callbridge/pkg/bridge/lifecycle"
	"github.com/sonara-ai/callbridge/pkg/bridge/model"
	"github.com/sonara-ai/callbridge/pkg/bridge/sessions"
)

// CallControl is the slice of the carrier API the server uses.
type CallControl interface {
	Answer(ctx context.Context, callControlID, streamURL string) error
	Hangup(ctx context.Context, callControlID string) error
}

// Deps are the external collaborators a call needs. DialModel opens one
// model session per call.
type Deps struct {
	Scheduler   backend.Scheduler
	Directory   backend.Directory
	Records     backend.CallStore
	CallControl CallControl
	DialModel   func(ctx context.Context) (model.Stream, error)
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps     Deps
	tracker  *sessions.Tracker
	life     *lifecycle.Lifecycle
	upgrader websocket.Upgrader

	webhooks *webhookDedupe

	httpServer *http.Server
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		deps:     deps,
		tracker:  sessions.NewTracker(),
		life:     &lifecycle.Lifecycle{},
		webhooks: newWebhookDedupe(128),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin: func(r *http.Request) bool {
				// The carrier connects server to server; origin checks
				// do not apply.
				return true
			},
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/stream", s.handleStream)
	s.mux.HandleFunc("POST /v1/calls/webhook", s.handleWebhook)
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Tracker() *sessions.Tracker { return s.tracker }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.life.IsDraining() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.logger.Info("server starting", "addr", s.cfg.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains: stop accepting new streams, ask live calls to hang
// up, wait for them within the grace period, then hard-cancel stragglers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.life.SetDraining(true)
	requested := s.tracker.HangupAll("completed")
	s.logger.Info("draining", "live_calls", requested)

	if !s.tracker.Wait(ctx) {
		canceled := s.tracker.CancelAll()
		s.logger.Warn("drain grace expired, canceling calls", "canceled", canceled)
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
