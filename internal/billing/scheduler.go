package billing

import "time"

// Timer is a cancelable pending callback.
type Timer interface {
	// Stop prevents the callback from running; it reports false when it already fired.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(delay time.Duration, fn func()) Timer
}

// WallClock schedules on the runtime timer heap.
type WallClock struct{}

// AfterFunc wraps time.AfterFunc.
func (WallClock) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}
