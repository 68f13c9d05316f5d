package call

// State is the lifecycle phase of one call session.
type State int

const (
	StateConnecting State = iota
	StateGreeting
	StateListening
	StateAISpeaking
	StateClosing
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateAISpeaking:
		return "ai_speaking"
	case StateClosing:
		return "closing"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// BargeState tracks an interruption attempt while the assistant speaks.
type BargeState int

const (
	BargeNone BargeState = iota
	// BargePending means sustained caller energy was detected but not yet
	// corroborated by the model.
	BargePending
	// BargeConfirmed means the interruption is real and playback must stop.
	BargeConfirmed
)

func (b BargeState) String() string {
	switch b {
	case BargeNone:
		return "none"
	case BargePending:
		return "pending"
	case BargeConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// EndReason records why a call terminated.
type EndReason string

const (
	EndCompleted      EndReason = "completed"
	EndSilenceTimeout EndReason = "silence_timeout"
	EndBargeLoop      EndReason = "barge_loop"
	EndMaxDuration    EndReason = "max_duration"
	EndTransportError EndReason = "transport_error"
	EndModelError     EndReason = "model_error"
	EndRemoteHangup   EndReason = "remote_hangup"
)

// graceful reports whether outbound audio should drain before hangup.
// Error and remote-hangup paths tear down immediately.
func (r EndReason) graceful() bool {
	switch r {
	case EndCompleted, EndSilenceTimeout, EndMaxDuration, EndBargeLoop:
		return true
	default:
		return false
	}
}
