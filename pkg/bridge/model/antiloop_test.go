package model

import "testing"

func TestAntiLoopAllowsDistinctUtterances(t *testing.T) {
	g := NewAntiLoop(0.85)

	if got := g.ObserveAssistant("What time works for you?"); got != LoopAllow {
		t.Fatalf("first utterance: %v", got)
	}
	if got := g.ObserveAssistant("We have seven and nine tonight."); got != LoopAllow {
		t.Fatalf("distinct follow-up: %v", got)
	}
}

func TestAntiLoopNudgeThenSuppress(t *testing.T) {
	g := NewAntiLoop(0.85)

	phrase := "Sorry, I did not catch that, could you repeat it?"
	g.ObserveAssistant(phrase)
	if got := g.ObserveAssistant(phrase); got != LoopNudge {
		t.Fatalf("first repeat: %v, want nudge", got)
	}
	if got := g.ObserveAssistant(phrase); got != LoopSuppress {
		t.Fatalf("second repeat: %v, want suppress", got)
	}
	if got := g.ObserveAssistant(phrase); got != LoopSuppress {
		t.Fatalf("third repeat: %v, want suppress", got)
	}
}

func TestAntiLoopUserContentBreaksChain(t *testing.T) {
	g := NewAntiLoop(0.85)

	phrase := "Which day would you like to book?"
	g.ObserveAssistant(phrase)
	g.ObserveUser()
	if got := g.ObserveAssistant(phrase); got != LoopAllow {
		t.Fatalf("repeat after user content: %v, want allow", got)
	}
}

func TestAntiLoopUserContentRearmsNudge(t *testing.T) {
	g := NewAntiLoop(0.85)

	phrase := "Could you say that again please?"
	g.ObserveAssistant(phrase)
	if got := g.ObserveAssistant(phrase); got != LoopNudge {
		t.Fatalf("first repeat: %v", got)
	}
	g.ObserveUser()
	g.ObserveAssistant(phrase)
	if got := g.ObserveAssistant(phrase); got != LoopNudge {
		t.Fatalf("repeat after re-arm: %v, want nudge again", got)
	}
}

func TestAntiLoopRephrasingWithSameTokensCounts(t *testing.T) {
	g := NewAntiLoop(0.8)
	g.ObserveAssistant("what time works for you today")
	if got := g.ObserveAssistant("today, what time works for you?"); got != LoopNudge {
		t.Fatalf("token-identical rephrase: %v, want nudge", got)
	}
}

func TestJaccard(t *testing.T) {
	a := tokenSet("a b c d")
	b := tokenSet("a b c e")
	got := jaccard(a, b)
	if got < 0.59 || got > 0.61 {
		t.Fatalf("jaccard = %v, want 0.6", got)
	}
	if jaccard(tokenSet(""), b) != 0 {
		t.Fatal("empty set similarity should be 0")
	}
}
