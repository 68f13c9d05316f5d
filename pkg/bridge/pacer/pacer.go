// Package pacer drains buffered assistant audio onto the carrier at a
// fixed frame cadence. Model audio arrives in bursts; the carrier needs
// one mu-law frame every 20ms. The pacer absorbs the burst, clocks it
// out in real time, fills underruns with silence mid-turn, and resyncs
// its schedule instead of racing to catch up after a stall.
package pacer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonara-ai/callbridge/pkg/bridge/audio"
)

type Config struct {
	// FrameDuration is the carrier cadence, normally 20ms.
	FrameDuration time.Duration
	// FrameBytes is the mu-law payload per frame, normally 160.
	FrameBytes int
}

// Stats is a snapshot of pacer counters. Dropped stays zero in steady
// state; a nonzero value means the transport rejected frames under
// backpressure.
type Stats struct {
	FramesSent    uint64
	SilenceFrames uint64
	Dropped       uint64
	Resyncs       uint64
	Flushes       uint64
}

// Emit delivers one paced frame. The generation tags the frame so the
// transport can drop it if a flush happened after it was queued. A
// non-nil error means the frame never left (backpressure, closed
// socket) and counts as dropped.
type Emit func(frame []byte, generation uint64) error

type Pacer struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	buf    []byte
	active bool
	stats  Stats

	generation atomic.Uint64
}

func New(cfg Config) *Pacer {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 160
	}
	return &Pacer{cfg: cfg, now: time.Now}
}

// Push appends model audio (already mu-law 8kHz) to the playout buffer
// and marks the turn active.
func (p *Pacer) Push(mulaw []byte) {
	if len(mulaw) == 0 {
		return
	}
	p.mu.Lock()
	p.buf = append(p.buf, mulaw...)
	p.active = true
	p.mu.Unlock()
}

// EndTurn stops silence fill once the buffer drains. Buffered audio
// still plays out.
func (p *Pacer) EndTurn() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
}

// Flush discards all buffered audio and advances the generation so
// frames already queued downstream are dropped too. Returns the new
// generation.
func (p *Pacer) Flush() uint64 {
	p.mu.Lock()
	p.buf = p.buf[:0]
	p.active = false
	p.stats.Flushes++
	p.mu.Unlock()
	return p.generation.Add(1)
}

// Generation returns the current flush generation.
func (p *Pacer) Generation() uint64 {
	return p.generation.Load()
}

// IsStale reports whether a frame tagged with gen predates the latest
// flush.
func (p *Pacer) IsStale(gen uint64) bool {
	return gen < p.generation.Load()
}

// Buffered returns how many mu-law bytes are waiting to play out.
func (p *Pacer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Idle reports that nothing is buffered and the turn has ended.
func (p *Pacer) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) == 0 && !p.active
}

func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// nextFrame pops one frame from the buffer. Mid-turn underruns (buffer
// empty but turn active) produce a silence frame so the carrier clock
// never starves. A partial tail is padded with silence.
func (p *Pacer) nextFrame() ([]byte, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.cfg.FrameBytes
	switch {
	case len(p.buf) >= n:
		frame := make([]byte, n)
		copy(frame, p.buf[:n])
		p.buf = p.buf[n:]
		p.stats.FramesSent++
		return frame, p.generation.Load(), true
	case len(p.buf) > 0:
		frame := audio.SilenceFrame(n)
		copy(frame, p.buf)
		p.buf = p.buf[:0]
		p.stats.FramesSent++
		return frame, p.generation.Load(), true
	case p.active:
		p.stats.SilenceFrames++
		return audio.SilenceFrame(n), p.generation.Load(), true
	default:
		return nil, 0, false
	}
}

// Run clocks frames out until the context ends. The schedule advances
// by exactly one frame duration per tick; if the loop falls more than a
// frame behind (scheduler stall, slow write) it resyncs to now instead
// of emitting a burst of catch-up frames.
func (p *Pacer) Run(ctx context.Context, emit Emit) {
	frameDur := p.cfg.FrameDuration
	nextSend := p.now().Add(frameDur)

	timer := time.NewTimer(frameDur)
	defer timer.Stop()

	for {
		now := p.now()
		if wait := nextSend.Sub(now); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		nextSend = nextSend.Add(frameDur)
		if p.now().After(nextSend) {
			nextSend = p.now().Add(frameDur)
			p.mu.Lock()
			p.stats.Resyncs++
			p.mu.Unlock()
		}

		if frame, gen, ok := p.nextFrame(); ok {
			if err := emit(frame, gen); err != nil {
				p.mu.Lock()
				p.stats.Dropped++
				p.mu.Unlock()
			}
		}
	}
}
