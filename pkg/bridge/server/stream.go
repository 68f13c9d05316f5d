package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
	"github.com/sonara-ai/callbridge/pkg/bridge/call"
	"github.com/sonara-ai/callbridge/pkg/bridge/model"
	"github.com/sonara-ai/callbridge/pkg/bridge/pacer"
	"github.com/sonara-ai/callbridge/pkg/bridge/protocol"
	"github.com/sonara-ai/callbridge/pkg/bridge/sessions"
	"github.com/sonara-ai/callbridge/pkg/bridge/tools"
	"github.com/sonara-ai/callbridge/pkg/bridge/transport"
	"github.com/sonara-ai/callbridge/pkg/bridge/vad"
)

// handshakeTimeout bounds how long a fresh socket may sit before it
// announces the stream it carries.
const handshakeTimeout = 10 * time.Second

// readIdleTimeout tears down sockets that stopped delivering media.
const readIdleTimeout = 60 * time.Second

// handleStream runs one call: WS upgrade, start handshake, model dial,
// then the session loop until the call ends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.life.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	start, err := s.awaitStart(conn)
	if err != nil {
		s.logger.Warn("stream handshake failed", "error", err)
		return
	}

	callID := uuid.NewString()
	log := s.logger.With("call_id", callID, "call_control_id", start.Start.CallControlID)
	log.Info("stream started", "from", start.Start.From, "to", start.Start.To)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	bc := s.loadBusinessContext(ctx, start.Start.To)

	modelStream, err := s.deps.DialModel(ctx)
	if err != nil {
		log.Error("model dial failed", "error", err)
		return
	}
	defer modelStream.Close()

	sender := transport.NewSender(s.cfg.OutboundQueue)
	pc := pacer.New(pacer.Config{
		FrameDuration: s.cfg.FrameDuration,
		FrameBytes:    s.cfg.FrameBytes,
	})
	writer := transport.NewWriter(ctx, conn, transport.WriterConfig{
		PingInterval: s.cfg.WSPingInterval,
		WriteTimeout: s.cfg.WSWriteTimeout,
	}, sender, pc.IsStale)
	go func() {
		if err := writer.Run(); err != nil {
			log.Debug("writer stopped", "error", err)
		}
	}()

	var sess *call.Session
	registry := tools.NewRegistry(log, s.cfg.ToolTimeout,
		tools.NewSlotsExecutor(s.deps.Scheduler, log),
		tools.NewBookingExecutor(s.deps.Scheduler, s.deps.Records, callID, log),
		tools.NewEndCallExecutor(func(reason string) {
			if sess != nil {
				sess.RequestHangup(reason)
			}
		}, log),
	)

	ctrl := model.NewController(modelStream, model.ControllerConfig{
		Model:              s.cfg.ModelName,
		Voice:              s.cfg.ModelVoice,
		Tools:              registry.Definitions(),
		Instructions:       instructionsFor(bc),
		AckTimeout:         s.cfg.AckTimeout,
		AntiloopSimilarity: s.cfg.AntiloopSimilarity,
	}, log)

	direction := "inbound"
	if start.Start.CustomParams["direction"] != "" {
		direction = start.Start.CustomParams["direction"]
	}

	inbound := make(chan any, 64)
	sess = call.NewSession(call.Params{
		Log:           log,
		Cfg:           s.cfg,
		ID:            callID,
		Direction:     direction,
		From:          start.Start.From,
		To:            start.Start.To,
		StreamID:      start.StreamID,
		CallControlID: start.Start.CallControlID,
		Controller:    ctrl,
		ModelEvents:   modelStream.Events(),
		ModelClose:    modelStream.Close,
		Sender:        sender,
		Pacer:         pc,
		Detector: vad.New(vad.Config{
			SpeechRMS:       s.cfg.VADSpeechRMS,
			SilenceRMS:      s.cfg.VADSilenceRMS,
			CandidateFrames: s.cfg.VADCandidateFrames,
			CandidateTTL:    s.cfg.VADCandidateTTL,
		}),
		Classifier:  vad.NewClassifier(s.cfg.VADFillers, 2),
		Registry:    registry,
		Records:     s.deps.Records,
		CallControl: s.deps.CallControl,
		Inbound:     inbound,
	})

	unregister := s.tracker.Register(start.Start.CallControlID, sessions.Handle{
		Cancel: cancel,
		Hangup: sess.RequestHangup,
	})
	defer unregister()

	go s.readStream(ctx, conn, inbound, log)

	reason := sess.Run(ctx)
	log.Info("stream finished", "reason", string(reason))
	cancel()
	sender.Close()
}

// awaitStart reads the handshake: an optional connected event followed
// by start. Anything else is a protocol violation.
func (s *Server) awaitStart(conn *websocket.Conn) (protocol.StreamStart, error) {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return protocol.StreamStart{}, err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return protocol.StreamStart{}, fmt.Errorf("read handshake: %w", err)
		}
		msg, err := protocol.DecodeStreamMessage(raw)
		if err != nil {
			return protocol.StreamStart{}, fmt.Errorf("decode handshake: %w", err)
		}
		switch m := msg.(type) {
		case protocol.StreamConnected:
			continue
		case protocol.StreamStart:
			return m, nil
		default:
			return protocol.StreamStart{}, errors.New("first frame must be start")
		}
	}
}

// readStream decodes carrier frames into the session's inbound channel.
// Malformed frames are skipped; a dead socket closes the channel.
func (s *Server) readStream(ctx context.Context, conn *websocket.Conn, inbound chan<- any, log *slog.Logger) {
	defer close(inbound)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug("stream read ended", "error", err)
			return
		}
		msg, err := protocol.DecodeStreamMessage(raw)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				log.Debug("skipping frame", "code", de.Code, "message", de.Message)
				continue
			}
			log.Warn("undecodable frame", "error", err)
			continue
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) loadBusinessContext(ctx context.Context, number string) backend.BusinessContext {
	bc := backend.BusinessContext{
		Name:     "the business",
		Timezone: "UTC",
	}
	if s.deps.Directory == nil {
		return bc
	}
	loaded, err := s.deps.Directory.LoadBusinessContext(ctx, number)
	if err != nil {
		s.logger.Warn("business context load failed, using defaults", "number", number, "error", err)
		return bc
	}
	return loaded
}

func instructionsFor(bc backend.BusinessContext) model.InstructionSet {
	set := model.InstructionSet{
		Behavior: bc.Prompt,
		Context: fmt.Sprintf(
			"You are the phone assistant for %s (timezone %s). "+
				"Never claim an action succeeded unless the tool result says so. "+
				"If a booking fails, say a staff member will call back.",
			bc.Name, bc.Timezone),
		Opening: bc.Greeting,
	}
	if set.Behavior == "" {
		set.Behavior = "You answer the phone, help callers find a time, and book it. Keep answers short and spoken-word natural."
	}
	if set.Opening == "" {
		set.Opening = fmt.Sprintf("Greet the caller briefly as %s and ask how you can help.", bc.Name)
	}
	return set
}
