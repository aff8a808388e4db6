package backoff

import (
	"sync"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	BaseDelay   time.Duration // delay before the first retry
	CapDelay    time.Duration // upper bound on any delay
	MaxAttempts int           // attempts before the reconnector turns terminal
}

// DefaultPolicy matches the signaling reconnect schedule:
// 1s, 2s, 4s, ... capped at 30s, ten attempts total.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		CapDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given attempt (1-based):
// min(base * 2^(attempt-1), cap).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.CapDelay {
			return p.CapDelay
		}
	}
	if d > p.CapDelay {
		return p.CapDelay
	}
	return d
}

// Timer is the single timer abstraction the reconnector is driven by.
// The real implementation wraps time.AfterFunc; tests substitute a
// manual one to step the schedule synchronously.
type Timer interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type realTimer struct{}

func (realTimer) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// RealTimer returns a Timer backed by time.AfterFunc.
func RealTimer() Timer { return realTimer{} }

// Reconnector is the reconnect state machine: attempt counter, next
// delay, terminal flag. It owns no transport; the caller supplies the
// dial function and reacts to Terminal().
type Reconnector struct {
	policy Policy
	timer  Timer

	mu       sync.Mutex
	attempt  int
	terminal bool
	stopped  bool
	cancel   func()
}

// NewReconnector builds a reconnector over the given policy and timer.
func NewReconnector(policy Policy, timer Timer) *Reconnector {
	if timer == nil {
		timer = RealTimer()
	}
	return &Reconnector{policy: policy, timer: timer}
}

// Schedule arms the timer for the next attempt and returns the delay
// that was armed. It returns false when attempts are exhausted; the
// reconnector is then terminal and fn will never run.
func (r *Reconnector) Schedule(fn func(attempt int)) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal || r.stopped {
		return 0, false
	}
	if r.attempt >= r.policy.MaxAttempts {
		r.terminal = true
		return 0, false
	}

	r.attempt++
	attempt := r.attempt
	delay := r.policy.Delay(attempt)
	r.cancel = r.timer.AfterFunc(delay, func() {
		fn(attempt)
	})
	return delay, true
}

// Reset clears the attempt counter after a successful connect.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.terminal = false
}

// Stop cancels any armed timer. A stopped reconnector schedules nothing.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Terminal reports whether the attempt budget is exhausted.
func (r *Reconnector) Terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// Attempt returns the number of attempts made since the last reset.
func (r *Reconnector) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}
