package consult

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"go.uber.org/zap"
)

const reasonInsufficientFunds = "insufficient funds"

// EndInput asks to close a session.
type EndInput struct {
	SessionID string
	ActorID   string
	Reason    string
}

// EndSession closes a session for one of its participants. Active sessions are settled;
// pending and confirmed ones are cancelled. Ending an already ended session returns its
// stored summary and changes nothing.
func (coordinator *Coordinator) EndSession(ctx context.Context, input EndInput) (session.Summary, error) {
	actorID := strings.TrimSpace(input.ActorID)
	release, current, err := coordinator.lockParticipant(ctx, input.SessionID, actorID, session.PartySystem)
	if err != nil {
		coordinator.notifyError(actorID, input.SessionID, err)
		return session.Summary{}, err
	}
	defer release()

	party := current.Participant(actorID)
	if party == session.PartyNone {
		err := reject(ReasonNotParticipant, nil)
		coordinator.notifyError(actorID, input.SessionID, err)
		return session.Summary{}, err
	}
	switch current.Status {
	case session.StatusEnded:
		return Summarize(current), nil
	case session.StatusRejected:
		err := classify(session.ErrSessionFinalized)
		coordinator.notifyError(actorID, input.SessionID, err)
		return session.Summary{}, err
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = fmt.Sprintf("ended by %s", party)
	}
	ended, err := coordinator.endLocked(ctx, current, party, reason)
	if err != nil {
		coordinator.notifyError(actorID, input.SessionID, err)
		return session.Summary{}, err
	}
	return Summarize(ended), nil
}

// EndForSystem closes a session on behalf of the platform, for example when a participant
// disconnects for good.
func (coordinator *Coordinator) EndForSystem(ctx context.Context, rawSessionID string, reason string) (session.Summary, error) {
	release, current, err := coordinator.lockParticipant(ctx, rawSessionID, "", session.PartySystem)
	if err != nil {
		return session.Summary{}, err
	}
	defer release()
	switch current.Status {
	case session.StatusEnded:
		return Summarize(current), nil
	case session.StatusRejected:
		return session.Summary{}, classify(session.ErrSessionFinalized)
	}
	ended, err := coordinator.endLocked(ctx, current, session.PartySystem, reason)
	if err != nil {
		return session.Summary{}, err
	}
	return Summarize(ended), nil
}

// endLocked settles and closes current. The caller holds the session lock.
func (coordinator *Coordinator) endLocked(ctx context.Context, current session.Session, by session.Party, reason string) (session.Session, error) {
	coordinator.meter.Stop(current.ID.String())
	coordinator.cancelTimeout(current.ID)

	endedAt := coordinator.now()
	wasActive := current.Status == session.StatusActive
	settling := current
	if wasActive {
		settling = coordinator.chargeOutstanding(ctx, current, endedAt)
	}
	ended, err := settling.Cancel(by, reason, endedAt)
	if err != nil {
		return session.Session{}, classify(err)
	}
	settledAt := *ended.EndedAt
	ended.SettledAt = &settledAt
	if err := coordinator.sessions.UpdateSession(ctx, ended, current.Status); err != nil {
		return session.Session{}, classify(err)
	}

	coordinator.appendSystemMessage(ctx, ended, fmt.Sprintf("session ended by %s: %s", by, reason))
	coordinator.releaseProvider(ctx, ended, wasActive)
	summary := Summarize(ended)
	coordinator.notifyBoth(ended, EventEnded, map[string]any{
		"totalUnits":      summary.TotalUnits,
		"totalAmount":     summary.TotalAmount.Int64(),
		"endedBy":         summary.EndedBy.String(),
		"reason":          summary.Reason,
		"durationSeconds": int64(summary.Duration / time.Second),
	})
	coordinator.logger.Info("session ended",
		zap.String("session_id", ended.ID.String()),
		zap.String("ended_by", by.String()),
		zap.String("reason", reason),
		zap.Int64("units", summary.TotalUnits),
		zap.Int64("amount", summary.TotalAmount.Int64()),
		zap.Bool("billing_degraded", ended.BillingDegraded),
	)
	return ended, nil
}

// chargeOutstanding bills units the meter had not reached yet, stopping at the first unit
// the consumer cannot pay.
func (coordinator *Coordinator) chargeOutstanding(ctx context.Context, current session.Session, endedAt time.Time) session.Session {
	owed := current.BilledUnits(endedAt)
	settling := current
	for settling.ChargedUnits < owed {
		result := coordinator.biller.ChargeNext(ctx, settling)
		if result.Outcome != billing.OutcomeCharged && result.Outcome != billing.OutcomeAlreadyCharged {
			if result.Outcome == billing.OutcomeChargeFailed {
				settling.BillingDegraded = true
			}
			coordinator.logger.Info("settlement stopped short",
				zap.String("session_id", current.ID.String()),
				zap.Int64("owed_units", owed),
				zap.Int64("charged_units", settling.ChargedUnits),
				zap.String("outcome", result.Outcome.String()),
			)
			break
		}
		settling.ChargedUnits = result.Unit
		settling.ChargedAmount = ledger.Coins(result.Unit) * settling.Rate.UnitPrice
	}
	return settling
}

// Summarize reports the final accounting of a closed session.
func Summarize(closed session.Session) session.Summary {
	summary := session.Summary{
		SessionID:   closed.ID,
		Status:      closed.Status,
		EndedBy:     closed.EndedBy,
		Reason:      closed.Reason,
		TotalUnits:  closed.ChargedUnits,
		TotalAmount: closed.ChargedAmount,
	}
	if closed.WasActive() && closed.EndedAt != nil {
		summary.Duration = closed.EndedAt.Sub(*closed.ActiveAt)
	}
	return summary
}
