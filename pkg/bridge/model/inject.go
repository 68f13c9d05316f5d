package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// InstructionKind orders the fixed injection sequence: behavior rules
// first, then per-call context, then the opening utterance directive.
type InstructionKind string

const (
	KindBehavior InstructionKind = "behavior"
	KindContext  InstructionKind = "context"
	KindOpening  InstructionKind = "opening"
)

var instructionOrder = []InstructionKind{KindBehavior, KindContext, KindOpening}

// Injector guarantees each instruction kind is injected at most once per
// session. Two guards back each other: a per-kind flag, and a content
// hash that blocks re-injection of identical text even if the flag were
// ever reset.
type Injector struct {
	injected map[InstructionKind]bool
	hashes   map[string]struct{}
}

func NewInjector() *Injector {
	return &Injector{
		injected: make(map[InstructionKind]bool),
		hashes:   make(map[string]struct{}),
	}
}

func contentHash(kind InstructionKind, text string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Inject sends one instruction as a system item if neither guard has
// seen it. Returns whether it was sent.
func (i *Injector) Inject(send func(msg any) error, kind InstructionKind, text string) (bool, error) {
	if text == "" {
		return false, nil
	}
	if i.injected[kind] {
		return false, nil
	}
	h := contentHash(kind, text)
	if _, seen := i.hashes[h]; seen {
		return false, nil
	}
	if err := send(SystemItem(text)); err != nil {
		return false, fmt.Errorf("inject %s: %w", kind, err)
	}
	i.injected[kind] = true
	i.hashes[h] = struct{}{}
	return true, nil
}

// InstructionSet is the per-call instruction payload.
type InstructionSet struct {
	Behavior string
	Context  string
	Opening  string
}

func (s InstructionSet) text(kind InstructionKind) string {
	switch kind {
	case KindBehavior:
		return s.Behavior
	case KindContext:
		return s.Context
	case KindOpening:
		return s.Opening
	default:
		return ""
	}
}

// InjectAll runs the fixed order. Partial failure stops the sequence so
// ordering is never violated on retry.
func (i *Injector) InjectAll(send func(msg any) error, set InstructionSet) error {
	for _, kind := range instructionOrder {
		if _, err := i.Inject(send, kind, set.text(kind)); err != nil {
			return err
		}
	}
	return nil
}
