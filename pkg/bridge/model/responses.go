package model

import (
	"log/slog"
	"sync"
)

// maxFinalizedResponseIDs bounds the remembered terminal ids so late or
// duplicate acks stay recognizable without unbounded growth.
const maxFinalizedResponseIDs = 64

type ResponseState int

const (
	ResponseCreatedState ResponseState = iota
	ResponseInProgress
	ResponseDoneState
	ResponseCancelled
)

func (s ResponseState) String() string {
	switch s {
	case ResponseCreatedState:
		return "created"
	case ResponseInProgress:
		return "in_progress"
	case ResponseDoneState:
		return "done"
	case ResponseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Tracker enforces the response lifecycle: at most one live response,
// created to in_progress on first audio, exactly one terminal transition,
// and idempotent handling of duplicate or late acks.
type Tracker struct {
	log *slog.Logger

	mu             sync.Mutex
	activeID       string
	state          ResponseState
	cancelInFlight bool

	finalized     map[string]struct{}
	finalizedList []string
}

func NewTracker(log *slog.Logger) *Tracker {
	return &Tracker{
		log:       log,
		finalized: make(map[string]struct{}),
	}
}

// OnCreated registers a new response. A still-active previous response
// means an ack went missing; it is finalized defensively so the new one
// can own the session.
func (t *Tracker) OnCreated(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeID != "" && t.activeID != id {
		t.log.Warn("response created while another was active, finalizing stale",
			"stale_id", t.activeID, "new_id", id)
		t.finalizeLocked(t.activeID)
	}
	t.activeID = id
	t.state = ResponseCreatedState
	t.cancelInFlight = false
}

// OnAudioDelta reports whether audio for this response should play.
// First delta moves created to in_progress; audio for a finalized or
// unknown response is stale and must be dropped.
func (t *Tracker) OnAudioDelta(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.finalized[id]; done {
		return false
	}
	if id != t.activeID {
		return false
	}
	if t.state == ResponseCreatedState {
		t.state = ResponseInProgress
	}
	return t.state == ResponseInProgress
}

// RequestCancel returns the id to cancel, or ok=false when there is
// nothing cancellable: no live response, not yet producing, or a cancel
// already in flight.
func (t *Tracker) RequestCancel() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeID == "" || t.state != ResponseInProgress || t.cancelInFlight {
		return "", false
	}
	t.cancelInFlight = true
	return t.activeID, true
}

// OnDone applies a terminal ack. Returns cancelled=true when the
// response ended by cancellation, and handled=false for duplicate or
// late acks (an expected idempotent outcome).
func (t *Tracker) OnDone(id, status string) (cancelled, handled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.finalized[id]; done {
		t.log.Debug("duplicate terminal ack ignored", "response_id", id, "status", status)
		return false, false
	}
	if id != t.activeID {
		t.log.Debug("terminal ack for unknown response ignored", "response_id", id)
		t.finalizeLocked(id)
		return false, false
	}

	cancelled = status == "cancelled" || t.cancelInFlight
	t.finalizeLocked(id)
	t.activeID = ""
	t.cancelInFlight = false
	if cancelled {
		t.state = ResponseCancelled
	} else {
		t.state = ResponseDoneState
	}
	return cancelled, true
}

// Active reports the live response id, if any.
func (t *Tracker) Active() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeID, t.activeID != ""
}

// InProgress reports whether the live response has produced audio.
func (t *Tracker) InProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeID != "" && t.state == ResponseInProgress
}

func (t *Tracker) finalizeLocked(id string) {
	if id == "" {
		return
	}
	if _, ok := t.finalized[id]; ok {
		return
	}
	t.finalized[id] = struct{}{}
	t.finalizedList = append(t.finalizedList, id)
	if len(t.finalizedList) > maxFinalizedResponseIDs {
		evict := t.finalizedList[0]
		t.finalizedList = t.finalizedList[1:]
		delete(t.finalized, evict)
	}
}
