package window

import (
	"sync"
	"time"
)

// DefaultTypingTimeout is how long after the last keystroke the
// typing-false signal fires, and how long a received typing indicator
// is displayed without a refresh.
const DefaultTypingTimeout = 2 * time.Second

// typingDebouncer turns a stream of keystrokes into exactly one
// typing-true broadcast on the first keystroke after idle and exactly
// one typing-false broadcast once the keystrokes stop. The timer is
// reset on every keystroke; Cancel is the single guaranteed teardown
// call on window close.
type typingDebouncer struct {
	mu        sync.Mutex
	timeout   time.Duration
	broadcast func(active bool)
	timer     *time.Timer
	active    bool
}

func newTypingDebouncer(timeout time.Duration, broadcast func(active bool)) *typingDebouncer {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &typingDebouncer{
		timeout:   timeout,
		broadcast: broadcast,
	}
}

func (d *typingDebouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		d.active = true
		d.broadcast(true)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.timeout, d.expire)
}

func (d *typingDebouncer) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return
	}
	d.active = false
	d.timer = nil
	d.broadcast(false)
}

// Cancel stops the timer without broadcasting. Used on teardown, where
// the presence-leave event already tells the room the composer is gone.
func (d *typingDebouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = false
}
