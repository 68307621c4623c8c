package session

import (
	"fmt"
	"strings"
	"time"
)

// Status is a lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusActive    Status = "active"
	StatusRejected  Status = "rejected"
	StatusEnded     Status = "ended"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusRejected},
	StatusConfirmed: {StatusActive, StatusRejected},
	StatusActive:    {StatusEnded},
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	switch status {
	case StatusPending, StatusConfirmed, StatusActive, StatusRejected, StatusEnded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

func (status Status) String() string {
	return string(status)
}

// Terminal reports whether no further transition is possible.
func (status Status) Terminal() bool {
	return status == StatusRejected || status == StatusEnded
}

// Open reports whether the status counts against exclusivity.
func (status Status) Open() bool {
	return status == StatusPending || status == StatusConfirmed || status == StatusActive
}

// CanTransition reports whether from → to is an edge of the lifecycle.
func CanTransition(from Status, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(from Status, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionFinalized, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// monotonic keeps lifecycle timestamps non-decreasing.
func monotonic(previous time.Time, at time.Time) time.Time {
	if at.Before(previous) {
		return previous
	}
	return at
}

func (session Session) latestTimestamp() time.Time {
	latest := session.CreatedAt
	for _, candidate := range []*time.Time{session.ConfirmedAt, session.ActiveAt, session.EndedAt} {
		if candidate != nil && candidate.After(latest) {
			latest = *candidate
		}
	}
	return latest
}

// Confirm moves pending → confirmed.
func (session Session) Confirm(at time.Time) (Session, error) {
	if err := checkTransition(session.Status, StatusConfirmed); err != nil {
		return session, err
	}
	next := session
	confirmedAt := monotonic(session.latestTimestamp(), at)
	next.Status = StatusConfirmed
	next.ConfirmedAt = &confirmedAt
	return next, nil
}

// Activate moves confirmed → active and captures the rate snapshot.
func (session Session) Activate(at time.Time, rate Rate, unit time.Duration) (Session, error) {
	if err := checkTransition(session.Status, StatusActive); err != nil {
		return session, err
	}
	if err := rate.Validate(); err != nil {
		return session, err
	}
	if unit < time.Second {
		return session, fmt.Errorf("%w: billing unit must be at least one second", ErrInvalidRate)
	}
	next := session
	activeAt := monotonic(session.latestTimestamp(), at)
	next.Status = StatusActive
	next.ActiveAt = &activeAt
	next.Rate = rate
	next.UnitSeconds = int64(unit / time.Second)
	return next, nil
}

// Reject moves pending or confirmed → rejected.
func (session Session) Reject(by Party, reason string, at time.Time) (Session, error) {
	if err := checkTransition(session.Status, StatusRejected); err != nil {
		return session, err
	}
	if by == PartyNone {
		return session, fmt.Errorf("%w: rejecting party is required", ErrInvalidParty)
	}
	next := session
	endedAt := monotonic(session.latestTimestamp(), at)
	next.Status = StatusRejected
	next.RejectedBy = by
	next.Reason = reason
	next.EndedAt = &endedAt
	return next, nil
}

// End moves active → ended.
func (session Session) End(by Party, reason string, at time.Time) (Session, error) {
	if err := checkTransition(session.Status, StatusEnded); err != nil {
		return session, err
	}
	return session.finish(by, reason, at)
}

// Cancel ends a session that never became active; the ordinary table has no such edge.
func (session Session) Cancel(by Party, reason string, at time.Time) (Session, error) {
	if session.Status.Terminal() {
		return session, fmt.Errorf("%w: %s", ErrSessionFinalized, session.Status)
	}
	if session.Status == StatusActive {
		return session.End(by, reason, at)
	}
	return session.finish(by, reason, at)
}

func (session Session) finish(by Party, reason string, at time.Time) (Session, error) {
	if by == PartyNone {
		return session, fmt.Errorf("%w: ending party is required", ErrInvalidParty)
	}
	next := session
	endedAt := monotonic(session.latestTimestamp(), at)
	next.Status = StatusEnded
	next.EndedBy = by
	next.Reason = reason
	next.EndedAt = &endedAt
	return next, nil
}

// BilledUnits is max(1, ceil(elapsed/unit)) for a session that was active, zero otherwise.
func (session Session) BilledUnits(endedAt time.Time) int64 {
	if session.ActiveAt == nil || session.UnitSeconds <= 0 {
		return 0
	}
	elapsed := endedAt.Sub(*session.ActiveAt)
	unit := session.UnitDuration()
	if elapsed <= 0 {
		return 1
	}
	units := int64(elapsed / unit)
	if elapsed%unit != 0 {
		units++
	}
	if units < 1 {
		return 1
	}
	return units
}
