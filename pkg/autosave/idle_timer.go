// Package autosave persists a continuously edited draft configuration
// without data loss, redundant writes, or unbounded retries. It composes a
// debounce primitive (IdleTimer), a bounded-retry save wrapper
// (RetryableSaveExecutor), and a controller that owns dirty detection and
// throttling over a ConsoleState cell.
package autosave

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrInvalidIdleDelay indicates a non-positive debounce delay.
	ErrInvalidIdleDelay = errors.New("autosave: idle delay must be positive")
	// ErrMissingIdleCallback indicates no callback was supplied.
	ErrMissingIdleCallback = errors.New("autosave: idle callback is required")
)

// IdleTimer fires a callback after a fixed quiet period. Each Reset restarts
// the countdown, so a burst of resets produces a single fire once the burst
// stops. It carries no retry or throttle logic.
type IdleTimer struct {
	mu         sync.Mutex
	delay      time.Duration
	onIdle     func()
	timer      *time.Timer
	generation uint64
	running    bool
}

// NewIdleTimer constructs a stopped timer; nothing fires until Reset.
func NewIdleTimer(delay time.Duration, onIdle func()) (*IdleTimer, error) {
	if delay <= 0 {
		return nil, ErrInvalidIdleDelay
	}
	if onIdle == nil {
		return nil, ErrMissingIdleCallback
	}
	return &IdleTimer{delay: delay, onIdle: onIdle}, nil
}

// Reset (re)starts the countdown from the full delay.
func (t *IdleTimer) Reset() {
	t.ResetFor(t.delay)
}

// ResetFor (re)starts the countdown with a custom duration. The throttle
// path uses this to defer a save by the remaining wait only.
func (t *IdleTimer) ResetFor(delay time.Duration) {
	if delay <= 0 {
		delay = t.delay
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	generation := t.generation
	t.running = true
	t.timer = time.AfterFunc(delay, func() {
		t.fire(generation)
	})
	t.mu.Unlock()
}

// Cancel stops any pending countdown. Idempotent; a cancelled timer never
// fires until Reset is called again.
func (t *IdleTimer) Cancel() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	t.running = false
	t.mu.Unlock()
}

// IsRunning reports whether a countdown is currently pending.
func (t *IdleTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *IdleTimer) fire(generation uint64) {
	t.mu.Lock()
	// A stale expiry can race a Reset or Cancel; only the countdown that is
	// still current may deliver the callback.
	if generation != t.generation || !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.timer = nil
	t.mu.Unlock()

	t.onIdle()
}
