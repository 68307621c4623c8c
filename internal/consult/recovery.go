package consult

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"go.uber.org/zap"
)

// Resume re-arms timeouts and meters for sessions left open by a previous process.
// Overdue timeouts fire immediately; meters restart at the next unit boundary.
// Participants of an active session who are offline get a disconnect grace.
func (coordinator *Coordinator) Resume(ctx context.Context) (int, error) {
	open, err := coordinator.sessions.ListUnsettled(ctx)
	if err != nil {
		return 0, err
	}
	now := coordinator.now()
	resumed := 0
	for _, current := range open {
		switch current.Status {
		case session.StatusPending:
			deadline := current.CreatedAt.Add(coordinator.timings.ResponseTimeout)
			coordinator.armTimeout(current.ID, deadline.Sub(now), coordinator.expirePending)
		case session.StatusConfirmed:
			deadline := current.CreatedAt
			if current.ConfirmedAt != nil {
				deadline = *current.ConfirmedAt
			}
			coordinator.armTimeout(current.ID, deadline.Add(coordinator.timings.RingTimeout).Sub(now), coordinator.expireRing)
		case session.StatusActive:
			if err := coordinator.resumeMeter(ctx, current, now); err != nil {
				coordinator.logger.Error("billing meter resume failed", zap.String("session_id", current.ID.String()), zap.Error(err))
				continue
			}
			for _, actorID := range []string{current.ConsumerID, current.ProviderID} {
				if !coordinator.presence.Online(actorID) {
					coordinator.HandleDisconnect(actorID)
				}
			}
		default:
			continue
		}
		resumed++
	}
	coordinator.logger.Info("sessions resumed", zap.Int("count", resumed))
	return resumed, nil
}

func (coordinator *Coordinator) resumeMeter(ctx context.Context, current session.Session, now time.Time) error {
	if !current.WasActive() || current.UnitSeconds <= 0 {
		return errors.New("active session without rate snapshot")
	}
	if err := coordinator.providers.SetAvailability(ctx, current.ProviderID, session.AvailabilityBusy); err != nil {
		coordinator.logger.Warn("provider availability update failed", zap.String("provider_id", current.ProviderID), zap.Error(err))
	}
	unit := current.UnitDuration()
	nextBoundary := current.ActiveAt.Add(time.Duration(current.ChargedUnits) * unit)
	err := coordinator.meter.StartAfter(current.ID.String(), nextBoundary.Sub(now), unit, coordinator.tickFunc(current.ID))
	if errors.Is(err, billing.ErrMeterRunning) {
		return nil
	}
	return err
}

// Shutdown stops every meter and timeout without touching stored sessions, so a later
// Resume picks them up.
func (coordinator *Coordinator) Shutdown() {
	coordinator.meter.StopAll()
	coordinator.timersMu.Lock()
	defer coordinator.timersMu.Unlock()
	for id, timer := range coordinator.timers {
		timer.Stop()
		delete(coordinator.timers, id)
	}
	for actorID, timer := range coordinator.graces {
		timer.Stop()
		delete(coordinator.graces, actorID)
	}
}
