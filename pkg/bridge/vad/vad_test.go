package vad

import (
	"testing"
	"time"
)

func voicedFrame() []int16 {
	f := make([]int16, 160)
	for i := range f {
		f[i] = 2000
	}
	return f
}

func silentFrame() []int16 {
	return make([]int16, 160)
}

func newTestDetector(now *time.Time) *Detector {
	d := New(Config{
		SpeechRMS:       0.015,
		SilenceRMS:      0.008,
		CandidateFrames: 5,
		CandidateTTL:    2 * time.Second,
	})
	d.now = func() time.Time { return *now }
	return d
}

func TestDetectorPromotesAfterSustainedVoice(t *testing.T) {
	now := time.Now()
	d := newTestDetector(&now)

	for i := 0; i < 4; i++ {
		if ev := d.ObserveFrame(voicedFrame()); ev != EventNone {
			t.Fatalf("frame %d: event %v, want none", i, ev)
		}
	}
	if ev := d.ObserveFrame(voicedFrame()); ev != EventCandidate {
		t.Fatalf("fifth frame: event %v, want candidate", ev)
	}
	if d.State() != StateCandidate {
		t.Fatalf("state %v, want candidate", d.State())
	}
}

func TestDetectorSilenceResetsRun(t *testing.T) {
	now := time.Now()
	d := newTestDetector(&now)

	for i := 0; i < 4; i++ {
		d.ObserveFrame(voicedFrame())
	}
	d.ObserveFrame(silentFrame())
	// Run restarted; four more voiced frames are not enough.
	for i := 0; i < 4; i++ {
		if ev := d.ObserveFrame(voicedFrame()); ev != EventNone {
			t.Fatalf("event %v after reset, want none", ev)
		}
	}
	if d.State() != StateIdle {
		t.Fatalf("state %v, want idle", d.State())
	}
}

func TestDetectorCandidateExpires(t *testing.T) {
	now := time.Now()
	d := newTestDetector(&now)

	for i := 0; i < 5; i++ {
		d.ObserveFrame(voicedFrame())
	}
	if d.State() != StateCandidate {
		t.Fatalf("state %v, want candidate", d.State())
	}

	now = now.Add(3 * time.Second)
	if ev := d.ObserveFrame(silentFrame()); ev != EventCandidateExpired {
		t.Fatalf("event %v, want expired", ev)
	}
	if d.State() != StateIdle {
		t.Fatalf("state %v, want idle", d.State())
	}
}

func TestDetectorConfirmRequiresCandidate(t *testing.T) {
	now := time.Now()
	d := newTestDetector(&now)

	if d.ConfirmModelSpeech() {
		t.Fatal("confirmed without a candidate")
	}

	for i := 0; i < 5; i++ {
		d.ObserveFrame(voicedFrame())
	}
	if !d.ConfirmModelSpeech() {
		t.Fatal("candidate did not confirm")
	}
	if d.State() != StateConfirmed {
		t.Fatalf("state %v, want confirmed", d.State())
	}
	// Second confirmation is a no-op.
	if d.ConfirmModelSpeech() {
		t.Fatal("double confirmation")
	}
}

func TestDetectorProtectionSuppressesConfirmation(t *testing.T) {
	now := time.Now()
	d := newTestDetector(&now)
	d.Protect(1500 * time.Millisecond)

	for i := 0; i < 5; i++ {
		d.ObserveFrame(voicedFrame())
	}
	if d.ConfirmModelSpeech() {
		t.Fatal("confirmed inside protection window")
	}
	if d.State() != StateCandidate {
		t.Fatalf("state %v, want candidate preserved", d.State())
	}

	// Window elapsed: the still-standing candidate confirms.
	now = now.Add(1600 * time.Millisecond)
	if !d.ConfirmModelSpeech() {
		t.Fatal("candidate did not confirm after protection elapsed")
	}
}

func TestDetectorProtectNeverShrinks(t *testing.T) {
	now := time.Now()
	d := newTestDetector(&now)
	d.Protect(2 * time.Second)
	d.Protect(500 * time.Millisecond)

	now = now.Add(1 * time.Second)
	if !d.InProtection() {
		t.Fatal("later shorter Protect call shrank the window")
	}
}

func TestDetectorConfirmTranscript(t *testing.T) {
	now := time.Now()
	d := newTestDetector(&now)
	c := NewClassifier([]string{"uh", "um", "hmm"}, 2)

	for i := 0; i < 5; i++ {
		d.ObserveFrame(voicedFrame())
	}
	if d.ConfirmTranscript("uh hmm", c) {
		t.Fatal("filler transcript confirmed")
	}
	if !d.ConfirmTranscript("yes please", c) {
		t.Fatal("meaningful transcript did not confirm")
	}
}

func TestDetectorTranscriptOverridesProtection(t *testing.T) {
	now := time.Now()
	d := newTestDetector(&now)
	c := NewClassifier([]string{"uh", "um"}, 2)
	d.Protect(2 * time.Second)

	for i := 0; i < 5; i++ {
		d.ObserveFrame(voicedFrame())
	}
	if d.ConfirmModelSpeech() {
		t.Fatal("energy-only confirmation inside protection window")
	}
	if !d.ConfirmTranscript("yes book it", c) {
		t.Fatal("validated transcript did not override protection")
	}
}

func TestClassifierMeaningful(t *testing.T) {
	c := NewClassifier([]string{"uh", "um", "hmm", "mm"}, 2)

	cases := []struct {
		text string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"...", false},
		{"a", false},
		{"uh", false},
		{"um, hmm...", false},
		{"Uh  UM", false},
		{"yes", true},
		{"uh yes", true},
		{"book a table", true},
		{"at 7", true},
	}
	for _, tc := range cases {
		if got := c.Meaningful(tc.text); got != tc.want {
			t.Errorf("Meaningful(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
