package window

import (
	"slices"
	"sync"
	"time"

	"folio/internal/live"
)

// presenceTracker derives the Online/Offline/Typing header label for
// the other participant of a conversation. It holds no durable state:
// everything here is rebuilt from live events after a reload, which is
// correct for ephemeral data.
type presenceTracker struct {
	mu       sync.Mutex
	otherID  string
	timeout  time.Duration
	onExpire func()

	online bool
	typing bool
	timer  *time.Timer
}

// newPresenceTracker tracks otherID. onExpire is called (from a timer
// goroutine, without the tracker lock held) when a typing indicator
// times out without a refresh.
func newPresenceTracker(otherID string, timeout time.Duration, onExpire func()) *presenceTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &presenceTracker{
		otherID:  otherID,
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// Apply folds a presence event into the tracker and returns the
// resulting label. Events about other users (including self) only
// matter through the sync snapshot.
func (t *presenceTracker) Apply(event live.Event) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case live.EventPresenceSync:
		t.online = slices.Contains(event.Present, t.otherID)
	case live.EventPresenceJoin:
		if event.UserID == t.otherID {
			t.online = true
		}
	case live.EventPresenceLeave:
		if event.UserID == t.otherID {
			t.online = false
			t.stopTimerLocked()
			t.typing = false
		}
	}
	return t.statusLocked()
}

// SetTyping records a typing signal from the other participant. A true
// signal arms (or re-arms) the display timeout; a false signal reverts
// to the presence-derived label immediately.
func (t *presenceTracker) SetTyping(active bool) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if active {
		t.typing = true
		t.stopTimerLocked()
		t.timer = time.AfterFunc(t.timeout, t.expire)
	} else {
		t.typing = false
		t.stopTimerLocked()
	}
	return t.statusLocked()
}

func (t *presenceTracker) expire() {
	t.mu.Lock()
	if !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire()
	}
}

// Status recomputes the label from current state. Typing wins while
// set; otherwise the presence-derived label is re-evaluated rather
// than assumed.
func (t *presenceTracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *presenceTracker) statusLocked() Status {
	switch {
	case t.typing:
		return StatusTyping
	case t.online:
		return StatusOnline
	default:
		return StatusOffline
	}
}

// Stop releases the typing display timer.
func (t *presenceTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
	t.typing = false
}

func (t *presenceTracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
