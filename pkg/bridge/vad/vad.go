// Package vad implements the two-stage voice activity detector used for
// barge-in. Stage one watches frame energy and promotes sustained voice
// to a candidate; stage two waits for corroborating evidence from the
// model (a speech-started event or a meaningful transcript) before the
// candidate becomes a confirmed interruption.
package vad

import (
	"time"

	"github.com/sonara-ai/callbridge/pkg/bridge/audio"
)

type State int

const (
	StateIdle State = iota
	StateCandidate
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCandidate:
		return "candidate"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Event reports what a frame observation changed.
type Event int

const (
	EventNone Event = iota
	// EventCandidate fires once when sustained voice energy promotes
	// idle to candidate.
	EventCandidate
	// EventCandidateExpired fires when a candidate saw no confirmation
	// within the TTL and the detector fell back to idle.
	EventCandidateExpired
)

type Config struct {
	// SpeechRMS is the energy level that counts a frame as voiced.
	SpeechRMS float64
	// SilenceRMS is the lower hysteresis bound; frames below it reset
	// the voiced run.
	SilenceRMS float64
	// CandidateFrames is how many consecutive voiced frames promote
	// idle to candidate.
	CandidateFrames int
	// CandidateTTL bounds how long a candidate waits for confirmation.
	CandidateTTL time.Duration
}

type Detector struct {
	cfg Config
	now func() time.Time

	state          State
	speechRun      int
	candidateSince time.Time
	protectedUntil time.Time
}

func New(cfg Config) *Detector {
	if cfg.SpeechRMS <= 0 {
		cfg.SpeechRMS = 0.015
	}
	if cfg.SilenceRMS <= 0 {
		cfg.SilenceRMS = 0.008
	}
	if cfg.CandidateFrames <= 0 {
		cfg.CandidateFrames = 5
	}
	if cfg.CandidateTTL <= 0 {
		cfg.CandidateTTL = 2 * time.Second
	}
	return &Detector{cfg: cfg, now: time.Now}
}

func (d *Detector) State() State { return d.state }

// Protect suppresses confirmations until the window elapses. Candidate
// tracking keeps running so speech spanning the boundary still confirms.
func (d *Detector) Protect(window time.Duration) {
	until := d.now().Add(window)
	if until.After(d.protectedUntil) {
		d.protectedUntil = until
	}
}

func (d *Detector) InProtection() bool {
	return d.now().Before(d.protectedUntil)
}

// ObserveFrame feeds one PCM frame of caller audio through the energy
// stage. Hysteresis: only frames at or above SpeechRMS extend the voiced
// run; frames below SilenceRMS reset it; the band between leaves it alone.
func (d *Detector) ObserveFrame(samples []int16) Event {
	level := audio.RMS(samples)

	if d.state == StateCandidate && d.now().Sub(d.candidateSince) > d.cfg.CandidateTTL {
		d.state = StateIdle
		d.speechRun = 0
		return EventCandidateExpired
	}

	switch {
	case level >= d.cfg.SpeechRMS:
		d.speechRun++
	case level < d.cfg.SilenceRMS:
		d.speechRun = 0
	}

	if d.state == StateIdle && d.speechRun >= d.cfg.CandidateFrames {
		d.state = StateCandidate
		d.candidateSince = d.now()
		return EventCandidate
	}
	return EventNone
}

// ConfirmModelSpeech upgrades a candidate on the model's speech-started
// signal. Returns true only on the candidate-to-confirmed edge; repeats
// and confirmations inside a protection window are ignored.
func (d *Detector) ConfirmModelSpeech() bool {
	return d.confirm(false)
}

// ConfirmTranscript upgrades a candidate when the model produced a
// transcript the classifier considers meaningful speech. A validated
// transcript is strong enough evidence to override the protection
// window; bare energy is not.
func (d *Detector) ConfirmTranscript(text string, c *Classifier) bool {
	if !c.Meaningful(text) {
		return false
	}
	return d.confirm(true)
}

func (d *Detector) confirm(overrideProtection bool) bool {
	if d.state != StateCandidate {
		return false
	}
	if !overrideProtection && d.InProtection() {
		return false
	}
	d.state = StateConfirmed
	return true
}

// Reset returns to idle. Called after a confirmed barge-in has been acted
// on, and whenever the assistant turn boundary changes.
func (d *Detector) Reset() {
	d.state = StateIdle
	d.speechRun = 0
	d.candidateSince = time.Time{}
}
