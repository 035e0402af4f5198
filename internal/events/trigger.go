// Package events provides the coalescing trigger used to debounce
// change notifications: a burst of mutations inside one tick collapses
// into a single emission, so listeners repaint at most once per batch.
// The policy manager runs three independent triggers (alerted, changed,
// updated); keeping them separate avoids cross-channel interference
// where one busy channel would starve another's emission.
package events

import (
	"sync"
	"time"
)

// DefaultTick is the coalescing window. Anything activated within one
// window fires together at its boundary.
const DefaultTick = 200 * time.Millisecond

// Trigger coalesces Activate calls: the first call in an idle window
// arms a one-shot timer, later calls in the same window are absorbed,
// and the callback runs exactly once when the window closes.
type Trigger struct {
	mu      sync.Mutex
	tick    time.Duration
	fn      func()
	timer   *time.Timer
	armed   bool
	stopped bool
}

// NewTrigger creates a trigger with the given window. A non-positive
// tick falls back to DefaultTick.
func NewTrigger(tick time.Duration, fn func()) *Trigger {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Trigger{tick: tick, fn: fn}
}

// Activate arms the trigger if idle; otherwise it is absorbed into the
// pending emission.
func (t *Trigger) Activate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed || t.stopped {
		return
	}
	t.armed = true
	t.timer = time.AfterFunc(t.tick, t.fire)
}

func (t *Trigger) fire() {
	t.mu.Lock()
	t.armed = false
	stopped := t.stopped
	t.mu.Unlock()

	if !stopped {
		t.fn()
	}
}

// Stop cancels any pending emission and disables the trigger.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = false
}
