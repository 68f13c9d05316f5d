package model

import "strings"

// LoopAction is the guard's verdict on a completed assistant utterance.
type LoopAction int

const (
	// LoopAllow: not a repeat, continue normally.
	LoopAllow LoopAction = iota
	// LoopNudge: first repeat detected, issue one disambiguation nudge.
	LoopNudge
	// LoopSuppress: still repeating after the nudge, stop autonomous
	// re-prompts entirely.
	LoopSuppress
)

// AntiLoop detects the assistant saying the same thing twice in a row
// with no caller content in between. Detection is token-set similarity
// so rephrasings with identical vocabulary still count.
type AntiLoop struct {
	threshold float64

	lastTokens map[string]struct{}
	userSince  bool
	nudged     bool
}

func NewAntiLoop(threshold float64) *AntiLoop {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &AntiLoop{threshold: threshold, userSince: true}
}

// ObserveUser records meaningful caller content, which breaks any repeat
// chain and re-arms the nudge.
func (a *AntiLoop) ObserveUser() {
	a.userSince = true
	a.nudged = false
}

// ObserveAssistant classifies a completed assistant utterance.
func (a *AntiLoop) ObserveAssistant(transcript string) LoopAction {
	tokens := tokenSet(transcript)

	repeat := false
	if !a.userSince && len(a.lastTokens) > 0 && len(tokens) > 0 {
		repeat = jaccard(a.lastTokens, tokens) >= a.threshold
	}

	a.lastTokens = tokens
	a.userSince = false

	if !repeat {
		return LoopAllow
	}
	if !a.nudged {
		a.nudged = true
		return LoopNudge
	}
	return LoopSuppress
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:'\"()")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
