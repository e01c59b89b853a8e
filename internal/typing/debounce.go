package typing

import (
	"sync"
	"time"
)

// DebounceWindow is how long after the last keystroke the automatic
// "stopped typing" signal is sent.
const DebounceWindow = 2000 * time.Millisecond

// SendFunc emits one typing signal for a conversation. Errors are the
// sender's concern; typing signals are best-effort.
type SendFunc func(conversationID string, isTyping bool)

// Debouncer enforces the sender-side contract: one "typing" signal when a
// burst starts, one "stopped" signal after DebounceWindow of inactivity,
// with the timer restarting on every keystroke.
type Debouncer struct {
	send   SendFunc
	window time.Duration

	mu     sync.Mutex
	active map[string]*time.Timer
	closed bool
}

// NewDebouncer returns a Debouncer emitting through send
// (DebounceWindow when window is zero).
func NewDebouncer(window time.Duration, send SendFunc) *Debouncer {
	if window <= 0 {
		window = DebounceWindow
	}
	return &Debouncer{
		send:   send,
		window: window,
		active: make(map[string]*time.Timer),
	}
}

// Keystroke registers local typing activity in a conversation. The first
// keystroke of a burst emits a start signal; later ones only push the stop
// timer out.
func (d *Debouncer) Keystroke(conversationID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	prev, started := d.active[conversationID]
	if started {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.window, func() { d.timeout(conversationID, t) })
	d.active[conversationID] = t
	d.mu.Unlock()

	if !started {
		d.send(conversationID, true)
	}
}

// Stop ends the burst immediately, emitting the stop signal if one was due.
func (d *Debouncer) Stop(conversationID string) {
	d.mu.Lock()
	t, started := d.active[conversationID]
	if started {
		t.Stop()
		delete(d.active, conversationID)
	}
	d.mu.Unlock()

	if started {
		d.send(conversationID, false)
	}
}

// Close cancels all pending timers without emitting further signals.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.active {
		t.Stop()
		delete(d.active, id)
	}
}

func (d *Debouncer) timeout(conversationID string, t *time.Timer) {
	d.mu.Lock()
	cur, ok := d.active[conversationID]
	fire := ok && cur == t && !d.closed
	if fire {
		delete(d.active, conversationID)
	}
	d.mu.Unlock()

	if fire {
		d.send(conversationID, false)
	}
}
