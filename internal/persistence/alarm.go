package persistence

import (
	"sync"
	"time"
)

// AlarmScheduler arms a single-shot alarm per entity. Scheduling a new alarm
// replaces any pending one; controllers use this for retry backoff and
// periodic sweeps. The callback runs on its own goroutine and is expected to
// re-enter the controller through its serialized public surface.
type AlarmScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
}

// NewAlarmScheduler creates an alarm scheduler with no pending alarm.
func NewAlarmScheduler() *AlarmScheduler {
	return &AlarmScheduler{}
}

// Schedule arms the alarm to fire fn after d, replacing any pending alarm.
func (a *AlarmScheduler) Schedule(d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, func() {
		a.mu.Lock()
		a.timer = nil
		a.mu.Unlock()
		fn()
	})
}

// Cancel stops any pending alarm.
func (a *AlarmScheduler) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Pending reports whether an alarm is armed.
func (a *AlarmScheduler) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}
