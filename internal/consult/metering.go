package consult

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"go.uber.org/zap"
)

// tickFunc is the meter callback for one session. It re-reads the session under its lock
// so a tick racing a termination never charges a closed session.
func (coordinator *Coordinator) tickFunc(id session.ID) billing.TickFunc {
	return func(ctx context.Context) bool {
		release := coordinator.locks.Lock(sessionKey(id.String()))
		defer release()
		current, err := coordinator.sessions.GetSession(ctx, id)
		if err != nil {
			coordinator.logger.Warn("billing tick session lookup failed", zap.String("session_id", id.String()), zap.Error(err))
			return !errors.Is(err, session.ErrSessionNotFound)
		}
		if current.Status != session.StatusActive || current.Settled() {
			return false
		}
		_, keepBilling := coordinator.billLocked(ctx, current)
		return keepBilling
	}
}

// billLocked charges the next unit of an active session and reports whether metering continues.
func (coordinator *Coordinator) billLocked(ctx context.Context, current session.Session) (session.Session, bool) {
	result := coordinator.biller.ChargeNext(ctx, current)
	fields := []zap.Field{
		zap.String("session_id", current.ID.String()),
		zap.Int64("unit", result.Unit),
		zap.String("outcome", result.Outcome.String()),
	}
	switch result.Outcome {
	case billing.OutcomeCharged, billing.OutcomeAlreadyCharged:
		next := current
		next.ChargedUnits = result.Unit
		next.ChargedAmount = ledger.Coins(result.Unit) * current.Rate.UnitPrice
		if err := coordinator.sessions.UpdateSession(ctx, next, current.Status); err != nil {
			coordinator.logger.Warn("billing accumulator update failed", append(fields, zap.Error(err))...)
			return current, !errors.Is(err, session.ErrStaleSession)
		}
		coordinator.notifyBoth(next, EventTimerTick, map[string]any{
			"elapsedUnits":  next.ChargedUnits,
			"chargedAmount": next.ChargedAmount.Int64(),
			"unitSeconds":   next.UnitSeconds,
		})
		if result.LowBalance {
			coordinator.notify(next.ConsumerID, EventLowBalance, next.ID.String(), map[string]any{
				"balance":   result.Balance.Int64(),
				"unitPrice": next.Rate.UnitPrice.Int64(),
			})
		}
		coordinator.logger.Debug("billing unit charged", append(fields, zap.Int64("balance", result.Balance.Int64()))...)
		return next, true
	case billing.OutcomeInsufficientFunds:
		coordinator.logger.Info("billing stopped on insufficient funds", append(fields, zap.Int64("balance", result.Balance.Int64()))...)
		ended, err := coordinator.endLocked(ctx, current, session.PartySystem, reasonInsufficientFunds)
		if err != nil {
			coordinator.logger.Error("session end after insufficient funds failed", append(fields, zap.Error(err))...)
			return current, false
		}
		return ended, false
	case billing.OutcomeBalanceUnavailable:
		return current, true
	default:
		next := current
		if !current.BillingDegraded {
			next.BillingDegraded = true
			if err := coordinator.sessions.UpdateSession(ctx, next, current.Status); err != nil {
				coordinator.logger.Warn("billing degraded flag update failed", append(fields, zap.Error(err))...)
				next = current
			}
		}
		coordinator.notifyBoth(next, EventBillingDegraded, map[string]any{"unit": result.Unit})
		return next, true
	}
}
