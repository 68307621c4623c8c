package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTickTimeout = 15 * time.Second

var (
	// ErrMeterRunning is returned when a session already has a meter.
	ErrMeterRunning = errors.New("billing meter already running")
	// ErrInvalidMeterConfig is returned for unusable meter settings.
	ErrInvalidMeterConfig = errors.New("invalid meter config")
)

// TickFunc runs one billing cycle; returning false stops the meter.
type TickFunc func(ctx context.Context) bool

// Meter keeps one repeating timer per session.
type Meter struct {
	mu          sync.Mutex
	runs        map[string]*meterRun
	scheduler   Scheduler
	logger      *zap.Logger
	tickTimeout time.Duration
}

type meterRun struct {
	sessionID string
	interval  time.Duration
	tick      TickFunc
	timer     Timer
	stopped   bool
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithTickTimeout bounds how long a single tick may take.
func WithTickTimeout(timeout time.Duration) MeterOption {
	return func(meter *Meter) {
		if timeout > 0 {
			meter.tickTimeout = timeout
		}
	}
}

// NewMeter builds a meter over scheduler.
func NewMeter(scheduler Scheduler, logger *zap.Logger, options ...MeterOption) (*Meter, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is nil", ErrInvalidMeterConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := &Meter{
		runs:        make(map[string]*meterRun),
		scheduler:   scheduler,
		logger:      logger,
		tickTimeout: defaultTickTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(meter)
		}
	}
	return meter, nil
}

// Start schedules tick every interval for sessionID. The first tick fires after one
// interval; callers charge the opening unit themselves.
func (meter *Meter) Start(sessionID string, interval time.Duration, tick TickFunc) error {
	return meter.StartAfter(sessionID, interval, interval, tick)
}

// StartAfter is Start with the first tick delayed by firstDelay instead of interval.
func (meter *Meter) StartAfter(sessionID string, firstDelay time.Duration, interval time.Duration, tick TickFunc) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidMeterConfig)
	}
	if firstDelay < 0 {
		firstDelay = 0
	}
	if tick == nil {
		return fmt.Errorf("%w: tick is nil", ErrInvalidMeterConfig)
	}
	meter.mu.Lock()
	defer meter.mu.Unlock()
	if _, exists := meter.runs[sessionID]; exists {
		return fmt.Errorf("%w: %s", ErrMeterRunning, sessionID)
	}
	run := &meterRun{sessionID: sessionID, interval: interval, tick: tick}
	run.timer = meter.scheduler.AfterFunc(firstDelay, func() { meter.fire(run) })
	meter.runs[sessionID] = run
	meter.logger.Debug("billing meter started", zap.String("session_id", sessionID), zap.Duration("interval", interval))
	return nil
}

// Stop cancels the timer for sessionID. Calling it again is a no-op.
func (meter *Meter) Stop(sessionID string) bool {
	meter.mu.Lock()
	defer meter.mu.Unlock()
	run, exists := meter.runs[sessionID]
	if !exists {
		return false
	}
	meter.stopLocked(run)
	meter.logger.Debug("billing meter stopped", zap.String("session_id", sessionID))
	return true
}

// Running reports whether a meter is scheduled for sessionID.
func (meter *Meter) Running(sessionID string) bool {
	meter.mu.Lock()
	defer meter.mu.Unlock()
	_, exists := meter.runs[sessionID]
	return exists
}

// StopAll cancels every meter.
func (meter *Meter) StopAll() {
	meter.mu.Lock()
	defer meter.mu.Unlock()
	for _, run := range meter.runs {
		meter.stopLocked(run)
	}
}

func (meter *Meter) stopLocked(run *meterRun) {
	run.stopped = true
	if run.timer != nil {
		run.timer.Stop()
	}
	if meter.runs[run.sessionID] == run {
		delete(meter.runs, run.sessionID)
	}
}

func (meter *Meter) fire(run *meterRun) {
	meter.mu.Lock()
	if run.stopped {
		meter.mu.Unlock()
		return
	}
	meter.mu.Unlock()

	keepGoing := meter.runTick(run)

	meter.mu.Lock()
	defer meter.mu.Unlock()
	if run.stopped {
		return
	}
	if !keepGoing {
		meter.stopLocked(run)
		return
	}
	run.timer = meter.scheduler.AfterFunc(run.interval, func() { meter.fire(run) })
}

func (meter *Meter) runTick(run *meterRun) (keepGoing bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			meter.logger.Error("billing tick panicked", zap.String("session_id", run.sessionID), zap.Any("panic", recovered))
			keepGoing = true
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), meter.tickTimeout)
	defer cancel()
	return run.tick(ctx)
}
