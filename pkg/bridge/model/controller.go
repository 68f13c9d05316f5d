package model

import (
	"fmt"
	"log/slog"
	"time"
)

const defaultNudge = "You appear to be repeating yourself. Do not repeat the previous sentence. Ask the caller one short clarifying question instead."

type ControllerConfig struct {
	Model        string
	Voice        string
	Tools        []map[string]any
	Instructions InstructionSet

	// AckTimeout bounds the wait for the session.updated ack. On expiry
	// the handshake proceeds as if acked; a session that never acks will
	// fail loudly on the next send instead of hanging the call.
	AckTimeout time.Duration

	AntiloopSimilarity float64
	NudgeText          string
}

// Controller sequences the model session: handshake, ordered instruction
// injection, response lifecycle, tool answers, and the anti-loop guard.
// All methods are called from the owning call goroutine.
type Controller struct {
	log    *slog.Logger
	stream Stream
	cfg    ControllerConfig

	injector *Injector
	tracker  *Tracker
	guard    *AntiLoop

	acked       bool
	started     bool
	ackDeadline time.Time

	// pendingNudge holds the anti-loop response.create until the active
	// response finishes; creating a response while one is live is a
	// protocol error.
	pendingNudge bool
}

func NewController(stream Stream, cfg ControllerConfig, log *slog.Logger) *Controller {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.NudgeText == "" {
		cfg.NudgeText = defaultNudge
	}
	return &Controller{
		log:      log,
		stream:   stream,
		cfg:      cfg,
		injector: NewInjector(),
		tracker:  NewTracker(log),
		guard:    NewAntiLoop(cfg.AntiloopSimilarity),
	}
}

// Start sends the session.update handshake and arms the ack deadline.
// Injection waits for HandleSessionAck or the deadline via Tick.
func (c *Controller) Start() error {
	err := c.stream.Send(SessionUpdate(SessionConfig{
		Model: c.cfg.Model,
		Voice: c.cfg.Voice,
		Tools: c.cfg.Tools,
	}))
	if err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	c.ackDeadline = time.Now().Add(c.cfg.AckTimeout)
	return nil
}

// HandleSessionAck reacts to session.created/session.updated. Duplicate
// acks are no-ops.
func (c *Controller) HandleSessionAck() error {
	if c.acked {
		return nil
	}
	c.acked = true
	return c.begin()
}

// Tick enforces the ack timeout: past the deadline the session proceeds
// as acked with a warning rather than stalling the call.
func (c *Controller) Tick(now time.Time) error {
	if c.acked || c.started || c.ackDeadline.IsZero() || now.Before(c.ackDeadline) {
		return nil
	}
	c.log.Warn("session ack timeout, proceeding without ack")
	c.acked = true
	return c.begin()
}

func (c *Controller) begin() error {
	if c.started {
		return nil
	}
	if err := c.injector.InjectAll(c.stream.Send, c.cfg.Instructions); err != nil {
		return err
	}
	if err := c.stream.Send(ResponseCreate()); err != nil {
		return fmt.Errorf("first response create: %w", err)
	}
	c.started = true
	return nil
}

// Started reports whether the opening response.create has been issued.
func (c *Controller) Started() bool { return c.started }

// AppendAudio forwards caller PCM to the model input buffer.
func (c *Controller) AppendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.stream.Send(AudioAppend(pcm))
}

func (c *Controller) OnResponseCreated(id string) {
	c.tracker.OnCreated(id)
}

// AcceptAudio reports whether a delta for this response should reach the
// caller; stale and cancelled audio is dropped.
func (c *Controller) AcceptAudio(responseID string) bool {
	return c.tracker.OnAudioDelta(responseID)
}

// OnResponseDone applies a terminal ack; duplicates are idempotent. A
// deferred anti-loop nudge fires here, once the session can accept a
// new response. A cancelled response means the caller barged in, so the
// nudge is dropped rather than spoken over them.
func (c *Controller) OnResponseDone(id, status string) (cancelled, handled bool, err error) {
	cancelled, handled = c.tracker.OnDone(id, status)
	if handled && c.pendingNudge {
		c.pendingNudge = false
		if !cancelled {
			if sendErr := c.stream.Send(ResponseCreate()); sendErr != nil {
				return cancelled, handled, fmt.Errorf("nudge response create: %w", sendErr)
			}
		}
	}
	return cancelled, handled, nil
}

// ResponseActive reports whether the model is mid-response.
func (c *Controller) ResponseActive() bool {
	_, ok := c.tracker.Active()
	return ok
}

// RequestCancel asks the model to stop the in-progress response. Without
// a cancellable response it does nothing, which makes racing a natural
// completion safe.
func (c *Controller) RequestCancel() error {
	id, ok := c.tracker.RequestCancel()
	if !ok {
		c.log.Debug("cancel requested with no cancellable response")
		return nil
	}
	return c.stream.Send(ResponseCancel(id))
}

// TruncateItem tells the model how much of an assistant audio item the
// caller actually heard before an interruption.
func (c *Controller) TruncateItem(itemID string, audioEndMS int64) error {
	if itemID == "" {
		return nil
	}
	return c.stream.Send(ItemTruncate(itemID, audioEndMS))
}

// HandleError classifies a server error event. Benign errors (cancelling
// an already-finished response) are logged and swallowed.
func (c *Controller) HandleError(ev ServerError) error {
	if ev.Benign() {
		c.log.Debug("benign model error", "code", ev.Error.Code, "message", ev.Error.Message)
		return nil
	}
	return fmt.Errorf("model error: %s (%s)", ev.Error.Message, ev.Error.Code)
}

// ObserveUserContent feeds meaningful caller speech to the loop guard.
func (c *Controller) ObserveUserContent() {
	c.guard.ObserveUser()
}

// ObserveAssistantTranscript runs the anti-loop guard on a finished
// assistant utterance. On the first repeat it injects one disambiguation
// nudge; further repeats are suppressed. The transcript arrives before
// the response's terminal ack, so the nudge item goes out immediately
// but its response.create waits for OnResponseDone while a response is
// still active.
func (c *Controller) ObserveAssistantTranscript(transcript string) (LoopAction, error) {
	action := c.guard.ObserveAssistant(transcript)
	switch action {
	case LoopNudge:
		c.log.Info("assistant repeating itself, injecting nudge")
		if err := c.stream.Send(SystemItem(c.cfg.NudgeText)); err != nil {
			return action, err
		}
		if c.ResponseActive() {
			c.pendingNudge = true
			return action, nil
		}
		if err := c.stream.Send(ResponseCreate()); err != nil {
			return action, err
		}
	case LoopSuppress:
		c.log.Warn("assistant still repeating after nudge, suppressing re-prompt")
	}
	return action, nil
}

// SubmitToolResult answers a function call and asks the model to speak
// the outcome. Every tool path ends here, success or failure.
func (c *Controller) SubmitToolResult(callID, output string) error {
	if err := c.stream.Send(FunctionOutputItem(callID, output)); err != nil {
		return fmt.Errorf("tool output: %w", err)
	}
	if err := c.stream.Send(ResponseCreate()); err != nil {
		return fmt.Errorf("tool response create: %w", err)
	}
	return nil
}
