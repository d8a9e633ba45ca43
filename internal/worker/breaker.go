package worker

import (
	"sync"
	"time"
)

// Breaker states mirror the app_state breaker_state key.
const (
	BreakerOK         = "ok"
	BreakerTripped    = "tripped"
	BreakerKillswitch = "killswitch"
)

// breaker counts unexpected handler failures in a sliding window. Once
// tripped it stays open until an explicit reset (state.resume); the
// kill-switch latches it to a distinct state so dashboards can tell the two
// apart.
type breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	errors    []time.Time
	state     string
}

func newBreaker(threshold int, window time.Duration) *breaker {
	return &breaker{threshold: threshold, window: window, state: BreakerOK}
}

// Record adds one failure and reports whether this failure tripped the
// breaker (false when already open).
func (b *breaker) Record(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.errors = append(b.errors, now)
	cutoff := now.Add(-b.window)
	for len(b.errors) > 0 && b.errors[0].Before(cutoff) {
		b.errors = b.errors[1:]
	}

	if b.state != BreakerOK {
		return false
	}
	if len(b.errors) >= b.threshold {
		b.state = BreakerTripped
		return true
	}
	return false
}

// Open reports whether handler execution is halted.
func (b *breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != BreakerOK
}

func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecentErrors returns the failure timestamps still inside the window.
func (b *breaker) RecentErrors() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.errors))
	for i, t := range b.errors {
		out[i] = t.Unix()
	}
	return out
}

// Reset closes the breaker and clears the failure history. Reports whether
// anything actually changed.
func (b *breaker) Reset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := b.state != BreakerOK || len(b.errors) > 0
	b.state = BreakerOK
	b.errors = nil
	return changed
}

// Kill latches the breaker into the kill-switch state.
func (b *breaker) Kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerKillswitch
	b.errors = nil
}
