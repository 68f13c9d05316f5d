// Package call owns the per-call state machine. One goroutine runs the
// session loop; every trigger, whether a telephony frame, a model event,
// a hangup request, or a watchdog tick, arrives as a message into that
// loop, so state transitions never race.
package call

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sonara-ai/callbridge/pkg/bridge/audio"
	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
	"github.com/sonara-ai/callbridge/pkg/bridge/config"
	"github.com/sonara-ai/callbridge/pkg/bridge/model"
	"github.com/sonara-ai/callbridge/pkg/bridge/pacer"
	"github.com/sonara-ai/callbridge/pkg/bridge/protocol"
	"github.com/sonara-ai/callbridge/pkg/bridge/tools"
	"github.com/sonara-ai/callbridge/pkg/bridge/vad"
)

// watchdogInterval is how often the session loop wakes up to enforce
// silence, duration, and handshake deadlines.
const watchdogInterval = 250 * time.Millisecond

// maxSuppressedLoops ends the call when the assistant keeps repeating
// itself after the nudge; nobody is being helped at that point.
const maxSuppressedLoops = 2

// MediaSender is the outbound half of the telephony socket.
type MediaSender interface {
	SendMedia(msg any, generation uint64) error
	SendControl(msg any) error
}

// CallControl hangs up the leg at the carrier.
type CallControl interface {
	Hangup(ctx context.Context, callControlID string) error
}

// Params wires one session together. Everything is built by the server
// handler before the loop starts.
type Params struct {
	Log *slog.Logger
	Cfg config.Config

	ID            string
	Direction     string
	From          string
	To            string
	StreamID      string
	CallControlID string

	Controller  *model.Controller
	ModelEvents <-chan any
	ModelClose  func() error

	Sender     MediaSender
	Pacer      *pacer.Pacer
	Detector   *vad.Detector
	Classifier *vad.Classifier
	Registry   *tools.Registry

	Records     backend.CallStore
	CallControl CallControl

	// Inbound carries decoded telephony messages. The reader closes it
	// when the socket dies.
	Inbound <-chan any
}

// Session is one live call. All fields are owned by the Run goroutine;
// the only concurrent entry point is RequestHangup.
type Session struct {
	log *slog.Logger
	cfg config.Config
	p   Params

	now func() time.Time

	state State
	barge BargeState

	startedAt    time.Time
	lastActivity time.Time

	ended           bool
	endReason       EndReason
	closingDeadline time.Time

	hangupCh chan EndReason

	speakingItemID string
	turnStartedAt  time.Time

	suppressedLoops int
	transcript      []string
	bookingID       string
	stopSeen        bool
}

func NewSession(p Params) *Session {
	return &Session{
		log:      p.Log.With("call_id", p.ID),
		cfg:      p.Cfg,
		p:        p,
		now:      time.Now,
		state:    StateConnecting,
		hangupCh: make(chan EndReason, 4),
	}
}

// RequestHangup asks the session to close gracefully. Safe from any
// goroutine; requests after the first are ignored.
func (s *Session) RequestHangup(reason string) {
	select {
	case s.hangupCh <- endReasonFromString(reason):
	default:
	}
}

func endReasonFromString(reason string) EndReason {
	switch EndReason(strings.ToLower(strings.TrimSpace(reason))) {
	case EndSilenceTimeout:
		return EndSilenceTimeout
	case EndMaxDuration:
		return EndMaxDuration
	case EndRemoteHangup:
		return EndRemoteHangup
	default:
		return EndCompleted
	}
}

// Run drives the call to completion and returns the end reason. It owns
// all session state; the pacer runs beside it feeding the sender.
func (s *Session) Run(ctx context.Context) EndReason {
	s.startedAt = s.now()
	s.lastActivity = s.startedAt

	go s.p.Pacer.Run(ctx, func(frame []byte, generation uint64) error {
		err := s.p.Sender.SendMedia(protocol.MediaOut(s.p.StreamID, frame), generation)
		if err != nil {
			s.log.Debug("outbound media frame dropped", "error", err)
		}
		return err
	})

	if err := s.p.Controller.Start(); err != nil {
		s.log.Error("model session start failed", "error", err)
		s.finish(EndModelError)
		return s.endReason
	}
	s.setState(StateGreeting)

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for !s.ended {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.log.Info("server draining, closing call")
			s.beginClose(EndCompleted)
		case msg, ok := <-s.p.Inbound:
			if !ok {
				s.onTransportClosed()
				continue
			}
			s.handleTelephony(msg)
		case ev, ok := <-s.p.ModelEvents:
			if !ok {
				s.log.Error("model event stream closed")
				s.finish(EndModelError)
				continue
			}
			s.handleModel(ctx, ev)
		case reason := <-s.hangupCh:
			s.beginClose(reason)
		case now := <-ticker.C:
			s.tick(now)
		}
	}
	return s.endReason
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.Debug("state transition", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *Session) onTransportClosed() {
	if s.stopSeen {
		s.finish(EndRemoteHangup)
		return
	}
	s.log.Warn("telephony stream closed unexpectedly")
	s.finish(EndTransportError)
}

// handleTelephony dispatches one decoded carrier message. Duplicate and
// out-of-order lifecycle events are tolerated.
func (s *Session) handleTelephony(msg any) {
	switch m := msg.(type) {
	case protocol.StreamConnected:
		s.log.Debug("stream connected", "protocol", m.Protocol)
	case protocol.StreamStart:
		// The handler consumed the first start; repeats carry no news.
		s.log.Debug("duplicate stream start", "stream_id", m.StreamID)
	case protocol.MediaFrame:
		s.onCallerAudio(m)
	case protocol.StreamStop:
		s.stopSeen = true
		s.log.Info("caller hung up")
		s.finish(EndRemoteHangup)
	case protocol.PlaybackMark:
		s.log.Debug("playback mark", "name", m.Mark.Name)
	case protocol.DTMF:
		s.log.Debug("dtmf", "digit", m.DTMF.Digit)
	default:
		s.log.Debug("unhandled telephony message")
	}
}

// onCallerAudio runs one inbound frame through the energy detector and,
// when the half-duplex gate allows, forwards it to the model. While the
// assistant speaks the gate stays shut until sustained caller energy
// opens it, so the model can corroborate a pending barge-in.
func (s *Session) onCallerAudio(frame protocol.MediaFrame) {
	samples := audio.MulawDecodeChunk(frame.Audio)

	switch s.p.Detector.ObserveFrame(samples) {
	case vad.EventCandidate:
		s.lastActivity = s.now()
		if s.state == StateAISpeaking && s.barge == BargeNone {
			s.barge = BargePending
			s.log.Debug("barge-in candidate", "protected", s.p.Detector.InProtection())
		}
	case vad.EventCandidateExpired:
		if s.barge == BargePending {
			s.barge = BargeNone
		}
	}

	if !s.p.Controller.Started() {
		return
	}
	if s.state == StateAISpeaking && s.barge != BargePending {
		return
	}
	up := audio.ResampleLinear(samples, audio.TelephonyRate, audio.ModelInputRate)
	if err := s.p.Controller.AppendAudio(audio.PCMToBytes(up)); err != nil {
		s.log.Error("audio append failed", "error", err)
		s.finish(EndModelError)
	}
}

func (s *Session) handleModel(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case model.SessionCreated, model.SessionUpdated:
		if err := s.p.Controller.HandleSessionAck(); err != nil {
			s.log.Error("session handshake failed", "error", err)
			s.finish(EndModelError)
		}
	case model.SpeechStarted:
		s.lastActivity = s.now()
		if s.state == StateAISpeaking && s.p.Detector.ConfirmModelSpeech() {
			s.confirmBarge()
		}
	case model.SpeechStopped:
		s.log.Debug("caller speech stopped", "audio_end_ms", e.AudioEndMS)
	case model.InputTranscription:
		s.onCallerTranscript(e.Transcript)
	case model.ResponseCreated:
		s.p.Controller.OnResponseCreated(e.Response.ID)
	case model.AudioDelta:
		s.onAssistantAudio(e)
	case model.TranscriptDone:
		s.onAssistantTranscript(e.Transcript)
	case model.ResponseDone:
		s.onResponseDone(e)
	case model.FunctionCallDone:
		s.onToolCall(ctx, e)
	case model.ServerError:
		if err := s.p.Controller.HandleError(e); err != nil {
			s.log.Error("model session error", "error", err)
			s.finish(EndModelError)
		}
	default:
		s.log.Debug("unhandled model event")
	}
}

func (s *Session) onCallerTranscript(text string) {
	if !s.p.Classifier.Meaningful(text) {
		s.log.Debug("ignoring filler transcript", "text", text)
		return
	}
	s.lastActivity = s.now()
	s.suppressedLoops = 0
	s.p.Controller.ObserveUserContent()
	s.transcript = append(s.transcript, "caller: "+text)
	if s.state == StateAISpeaking && s.p.Detector.ConfirmTranscript(text, s.p.Classifier) {
		s.confirmBarge()
	}
}

func (s *Session) onAssistantAudio(e model.AudioDelta) {
	if !s.p.Controller.AcceptAudio(e.ResponseID) {
		s.log.Debug("dropping stale assistant audio", "response_id", e.ResponseID)
		return
	}
	s.lastActivity = s.now()
	if s.state == StateGreeting || s.state == StateListening {
		s.setState(StateAISpeaking)
		s.turnStartedAt = s.now()
		s.p.Detector.Protect(s.protectionWindow())
	}
	s.speakingItemID = e.ItemID

	pcm := audio.BytesToPCM(e.Audio)
	down := audio.ResampleLinear(pcm, audio.ModelOutputRate, audio.TelephonyRate)
	s.p.Pacer.Push(audio.MulawEncodeChunk(down))
}

func (s *Session) protectionWindow() time.Duration {
	if s.p.Direction == "outbound" {
		return s.cfg.GreetingProtectionOutbound
	}
	return s.cfg.GreetingProtectionInbound
}

// confirmBarge stops assistant playback: flush the local queue, clear
// the carrier's playout buffer, truncate the model's view of the item,
// and only then ask for cancellation.
func (s *Session) confirmBarge() {
	s.barge = BargeConfirmed
	generation := s.p.Pacer.Flush()
	if err := s.p.Sender.SendControl(protocol.ClearOut(s.p.StreamID)); err != nil {
		s.log.Warn("clear playout failed", "error", err)
	}
	heardMS := s.now().Sub(s.turnStartedAt).Milliseconds()
	if err := s.p.Controller.TruncateItem(s.speakingItemID, heardMS); err != nil {
		s.log.Warn("item truncate failed", "error", err)
	}
	if err := s.p.Controller.RequestCancel(); err != nil {
		s.log.Error("response cancel failed", "error", err)
		s.finish(EndModelError)
		return
	}
	s.log.Info("barge-in confirmed", "generation", generation, "heard_ms", heardMS)
	s.barge = BargeNone
	s.speakingItemID = ""
	s.p.Detector.Reset()
	s.setState(StateListening)
	s.lastActivity = s.now()
}

func (s *Session) onAssistantTranscript(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.transcript = append(s.transcript, "assistant: "+text)
	action, err := s.p.Controller.ObserveAssistantTranscript(text)
	if err != nil {
		s.log.Error("anti-loop handling failed", "error", err)
		s.finish(EndModelError)
		return
	}
	if action == model.LoopSuppress {
		s.suppressedLoops++
		if s.suppressedLoops >= maxSuppressedLoops {
			s.log.Warn("conversation stuck in a loop, ending call")
			s.beginClose(EndBargeLoop)
		}
	}
}

func (s *Session) onResponseDone(e model.ResponseDone) {
	cancelled, handled, err := s.p.Controller.OnResponseDone(e.Response.ID, e.Response.Status)
	if err != nil {
		s.log.Error("response completion handling failed", "error", err)
		s.finish(EndModelError)
		return
	}
	if !handled {
		return
	}
	s.p.Pacer.EndTurn()
	s.speakingItemID = ""
	if s.state == StateAISpeaking {
		s.p.Detector.Reset()
		s.setState(StateListening)
	}
	if cancelled {
		s.log.Debug("response cancelled", "response_id", e.Response.ID)
	}
}

// onToolCall executes the requested tool and always answers the model,
// success or failure.
func (s *Session) onToolCall(ctx context.Context, e model.FunctionCallDone) {
	result := s.p.Registry.Execute(ctx, e.Name, e.Arguments)
	if result.Status == tools.StatusOK {
		if id, ok := result.Data["booking_id"].(string); ok {
			s.bookingID = id
		}
	}
	if err := s.p.Controller.SubmitToolResult(e.CallID, result.JSON()); err != nil {
		s.log.Error("tool result submit failed", "error", err)
		s.finish(EndModelError)
	}
}

// tick enforces the watchdogs and drives the closing drain.
func (s *Session) tick(now time.Time) {
	if s.state == StateClosing {
		if s.p.Pacer.Idle() || !now.Before(s.closingDeadline) {
			s.finish(s.endReason)
		}
		return
	}
	if err := s.p.Controller.Tick(now); err != nil {
		s.log.Error("model handshake failed", "error", err)
		s.finish(EndModelError)
		return
	}
	if now.Sub(s.lastActivity) > s.cfg.MaxSilence {
		s.log.Info("silence timeout", "max_silence", s.cfg.MaxSilence)
		s.beginClose(EndSilenceTimeout)
		return
	}
	if now.Sub(s.startedAt) > s.cfg.MaxCallDuration {
		s.log.Info("max call duration reached", "max_duration", s.cfg.MaxCallDuration)
		s.beginClose(EndMaxDuration)
	}
}

// beginClose records the end reason and, for graceful reasons, lets the
// pacer drain briefly before tearing the call down.
func (s *Session) beginClose(reason EndReason) {
	if s.ended || s.state == StateClosing {
		return
	}
	if !reason.graceful() {
		s.finish(reason)
		return
	}
	s.endReason = reason
	s.setState(StateClosing)
	s.closingDeadline = s.now().Add(s.cfg.HangupGrace)
	s.p.Pacer.EndTurn()
}

// finish is the single terminal path: idempotent, hangs up at the
// carrier, closes the model session, and persists the call record.
// Already-closed sockets and dead carrier legs are tolerated.
func (s *Session) finish(reason EndReason) {
	if s.ended {
		return
	}
	s.ended = true
	if s.endReason == "" {
		s.endReason = reason
	}
	s.setState(StateEnded)

	if s.p.ModelClose != nil {
		if err := s.p.ModelClose(); err != nil {
			s.log.Debug("model close", "error", err)
		}
	}
	if s.p.CallControl != nil && s.p.CallControlID != "" && s.endReason != EndRemoteHangup {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HangupGrace+time.Second)
		if err := s.p.CallControl.Hangup(ctx, s.p.CallControlID); err != nil {
			s.log.Warn("carrier hangup failed", "error", err)
		}
		cancel()
	}
	s.persistRecord()
	s.log.Info("call ended", "reason", string(s.endReason), "duration", s.now().Sub(s.startedAt))
}

func (s *Session) persistRecord() {
	if s.p.Records == nil {
		return
	}
	rec := backend.CallRecord{
		ID:         s.p.ID,
		Direction:  s.p.Direction,
		From:       s.p.From,
		To:         s.p.To,
		StartedAt:  s.startedAt,
		EndedAt:    s.now(),
		EndReason:  string(s.endReason),
		Transcript: strings.Join(s.transcript, "\n"),
		BookingID:  s.bookingID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.p.Records.SaveCallRecord(ctx, rec); err != nil {
		s.log.Error("call record save failed", "error", err)
	}
}
