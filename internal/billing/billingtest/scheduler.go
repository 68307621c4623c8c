// Package billingtest provides a deterministic scheduler for timer-driven tests.
package billingtest

import (
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
)

// ManualScheduler holds callbacks until Advance moves its clock past their deadline.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
}

type manualTimer struct {
	owner    *ManualScheduler
	deadline time.Time
	fn       func()
	done     bool
}

// NewManualScheduler starts a manual clock at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now returns the manual clock.
func (scheduler *ManualScheduler) Now() time.Time {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	return scheduler.now
}

// AfterFunc registers fn at now+delay.
func (scheduler *ManualScheduler) AfterFunc(delay time.Duration, fn func()) billing.Timer {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	timer := &manualTimer{owner: scheduler, deadline: scheduler.now.Add(delay), fn: fn}
	scheduler.pending = append(scheduler.pending, timer)
	return timer
}

// Pending counts callbacks that have neither fired nor been stopped.
func (scheduler *ManualScheduler) Pending() int {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	count := 0
	for _, timer := range scheduler.pending {
		if !timer.done {
			count++
		}
	}
	return count
}

// Advance moves the clock forward, running due callbacks in deadline order on the caller's goroutine.
func (scheduler *ManualScheduler) Advance(step time.Duration) {
	scheduler.mu.Lock()
	target := scheduler.now.Add(step)
	scheduler.mu.Unlock()
	for {
		scheduler.mu.Lock()
		due := scheduler.nextDueLocked(target)
		if due == nil {
			scheduler.now = target
			scheduler.mu.Unlock()
			return
		}
		due.done = true
		if due.deadline.After(scheduler.now) {
			scheduler.now = due.deadline
		}
		scheduler.mu.Unlock()
		due.fn()
	}
}

func (scheduler *ManualScheduler) nextDueLocked(target time.Time) *manualTimer {
	live := scheduler.pending[:0]
	for _, timer := range scheduler.pending {
		if !timer.done {
			live = append(live, timer)
		}
	}
	scheduler.pending = live
	sort.SliceStable(scheduler.pending, func(left, right int) bool {
		return scheduler.pending[left].deadline.Before(scheduler.pending[right].deadline)
	})
	for _, timer := range scheduler.pending {
		if !timer.deadline.After(target) {
			return timer
		}
	}
	return nil
}

func (timer *manualTimer) Stop() bool {
	timer.owner.mu.Lock()
	defer timer.owner.mu.Unlock()
	if timer.done {
		return false
	}
	timer.done = true
	return true
}
