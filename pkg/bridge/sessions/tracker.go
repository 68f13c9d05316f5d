// Package sessions tracks live calls so graceful shutdown can ask each
// one to hang up and then wait for the loops to finish.
package sessions

import (
	"context"
	"sync"
)

// Handle is what the tracker can do to one live call. Hangup asks the
// call to close on its own terms; Cancel tears its context down.
type Handle struct {
	Cancel func()
	Hangup func(reason string)
}

type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		calls: make(map[string]*trackedCall),
	}
}

// Register adds a call under its id. Re-registering the same id
// unregisters the previous entry first.
func (t *Tracker) Register(callID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[callID]
	t.calls[callID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls != nil && t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Hangup asks one call to close gracefully. Returns false when no call
// is registered under the id, which makes duplicate hangup deliveries
// harmless.
func (t *Tracker) Hangup(callID, reason string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	entry := t.calls[callID]
	t.mu.Unlock()
	if entry == nil || entry.handle.Hangup == nil {
		return false
	}
	entry.handle.Hangup(reason)
	return true
}

// HangupAll asks every live call to close gracefully. Best effort; the
// calls drain on their own schedule.
func (t *Tracker) HangupAll(reason string) (requested int) {
	if t == nil {
		return 0
	}

	var hangups []func(reason string)
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Hangup == nil {
			continue
		}
		hangups = append(hangups, entry.handle.Hangup)
	}
	t.mu.Unlock()

	for _, hangup := range hangups {
		hangup(reason)
		requested++
	}
	return requested
}

// CancelAll hard-cancels every call context. Used when the drain grace
// ran out.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered, or the
// context expires.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
