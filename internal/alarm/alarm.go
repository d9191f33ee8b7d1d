package alarm

import (
	"sync"
	"time"
)

// Alarm is a one-shot deadline. Setting an armed alarm restarts it.
type Alarm struct {
	mu       sync.Mutex
	clock    Clock
	armed    bool
	deadline time.Time
	duration time.Duration
}

func New(clock Clock) *Alarm {
	if clock == nil {
		clock = SystemClock()
	}
	return &Alarm{clock: clock}
}

// Set arms the alarm to expire d from now.
func (a *Alarm) Set(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = true
	a.duration = d
	a.deadline = a.clock.Now().Add(d)
}

// Restart re-arms the alarm with its last duration.
func (a *Alarm) Restart() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = true
	a.deadline = a.clock.Now().Add(a.duration)
}

func (a *Alarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = false
}

func (a *Alarm) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

// Due reports whether the alarm is armed and its deadline has passed. It does
// not disarm; callers Stop or Set as their transition requires.
func (a *Alarm) Due() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed && !a.clock.Now().Before(a.deadline)
}

// Remaining is the time until expiry, zero when disarmed or overdue.
func (a *Alarm) Remaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.armed {
		return 0
	}
	left := a.deadline.Sub(a.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}
