// Package timer provides the single round timer of a consensus node.
package timer

import (
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// Key identifies the round a timer belongs to. A fired key that no longer
// matches the round is stale and ignored by the receiver.
type Key struct {
	Height uint32
	View   types.ViewNumber
}

func (k Key) String() string { return fmt.Sprintf("%d/%d", k.Height, k.View) }

// Timer holds at most one live deadline. Scheduling a new one cancels the
// previous one under the same lock, so two timers never race to fire.
type Timer struct {
	mu       sync.Mutex
	key      Key
	deadline time.Time
	timer    *time.Timer
	gen      uint64
	active   bool

	ch  chan Key
	now func() time.Time
}

// New creates an idle timer.
func New() *Timer {
	return &Timer{
		ch:  make(chan Key, 1),
		now: time.Now,
	}
}

// C delivers the key of each timer that fires.
func (t *Timer) C() <-chan Key { return t.ch }

// Change cancels the live timer and schedules key to fire after delay.
func (t *Timer) Change(key Key, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.key = key
	t.deadline = t.now().Add(delay)
	t.active = true
	t.schedule(delay)
}

// Extend moves the deadline of the live timer later by `by`. The remaining
// time is kept, never reset. It reports false when key is not live.
func (t *Timer) Extend(key Key, by time.Duration) bool {
	if by <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || t.key != key {
		return false
	}
	remaining := t.deadline.Sub(t.now())
	if remaining < 0 {
		remaining = 0
	}
	t.stopLocked()
	t.active = true
	t.deadline = t.now().Add(remaining + by)
	t.schedule(remaining + by)
	return true
}

// Remaining returns the time left on the live timer, or zero.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return 0
	}
	if d := t.deadline.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}

// Key returns the live key.
func (t *Timer) Key() (Key, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key, t.active
}

// Stop cancels the live timer.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.active = false
}

func (t *Timer) schedule(delay time.Duration) {
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(delay, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	key := t.key
	t.mu.Unlock()

	// Only the latest key matters; replace an undelivered one.
	for {
		select {
		case t.ch <- key:
			return
		default:
		}
		select {
		case <-t.ch:
		default:
		}
	}
}
