package consult

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"go.uber.org/zap"
)

// ErrWaitlisted marks an already-in-session refusal that queued the consumer.
var ErrWaitlisted = errors.New("consumer queued on provider waitlist")

func (coordinator *Coordinator) notify(actorID string, eventType EventType, sessionID string, payload map[string]any) {
	if actorID == "" {
		return
	}
	delivered := coordinator.notifier.Notify(actorID, Event{Type: eventType, SessionID: sessionID, Payload: payload})
	if !delivered {
		coordinator.logger.Debug("event not delivered",
			zap.String("actor_id", actorID),
			zap.String("event", string(eventType)),
			zap.String("session_id", sessionID),
		)
	}
}

func (coordinator *Coordinator) notifyBoth(current session.Session, eventType EventType, payload map[string]any) {
	coordinator.notify(current.ConsumerID, eventType, current.ID.String(), payload)
	coordinator.notify(current.ProviderID, eventType, current.ID.String(), payload)
}

func (coordinator *Coordinator) notifyError(actorID string, sessionID string, err error) {
	reason := ReasonOf(err)
	payload := map[string]any{"reason": reason.String(), "message": reason.Message()}
	if errors.Is(err, ErrWaitlisted) {
		payload["waitlisted"] = true
	}
	coordinator.notify(actorID, EventError, sessionID, payload)
}

func (coordinator *Coordinator) pushAsync(actorID string, title string, body string) {
	if coordinator.pusher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), coordinator.timings.PushTimeout)
		defer cancel()
		if err := coordinator.pusher.SendExternalNotification(ctx, actorID, title, body); err != nil {
			coordinator.logger.Warn("push notification failed", zap.String("actor_id", actorID), zap.Error(err))
		}
	}()
}

func (coordinator *Coordinator) appendSystemMessage(ctx context.Context, current session.Session, body string) {
	message := session.Message{
		SessionID:  current.ID,
		SenderID:   string(session.PartySystem),
		SenderKind: session.PartySystem,
		Body:       body,
		BodyKind:   session.BodySystem,
		CreatedAt:  coordinator.now(),
	}
	err := coordinator.sessions.AppendMessage(ctx, message)
	if err != nil && !errors.Is(err, session.ErrTranscriptClosed) {
		coordinator.logger.Warn("system message append failed", zap.String("session_id", current.ID.String()), zap.Error(err))
	}
}

// armTimeout schedules expire for id, replacing any timer already armed for it.
func (coordinator *Coordinator) armTimeout(id session.ID, delay time.Duration, expire func(session.ID)) {
	if delay < 0 {
		delay = 0
	}
	coordinator.timersMu.Lock()
	defer coordinator.timersMu.Unlock()
	if previous, ok := coordinator.timers[id.String()]; ok {
		previous.Stop()
	}
	coordinator.timers[id.String()] = coordinator.scheduler.AfterFunc(delay, func() {
		expire(id)
	})
}

func (coordinator *Coordinator) cancelTimeout(id session.ID) {
	coordinator.timersMu.Lock()
	defer coordinator.timersMu.Unlock()
	if timer, ok := coordinator.timers[id.String()]; ok {
		timer.Stop()
		delete(coordinator.timers, id.String())
	}
}

func (coordinator *Coordinator) expirePending(id session.ID) {
	coordinator.expire(id, session.StatusPending, "provider did not respond")
}

func (coordinator *Coordinator) expireRing(id session.ID) {
	coordinator.expire(id, session.StatusConfirmed, "consumer did not join")
}

func (coordinator *Coordinator) expire(id session.ID, expected session.Status, reason string) {
	ctx := context.Background()
	release := coordinator.locks.Lock(sessionKey(id.String()))
	defer release()
	current, err := coordinator.sessions.GetSession(ctx, id)
	if err != nil {
		coordinator.logger.Warn("timeout session lookup failed", zap.String("session_id", id.String()), zap.Error(err))
		return
	}
	if current.Status != expected {
		return
	}
	if _, err := coordinator.rejectLocked(ctx, current, session.PartySystem, reason); err != nil {
		coordinator.logger.Warn("timeout rejection failed", zap.String("session_id", id.String()), zap.Error(err))
		return
	}
	coordinator.logger.Info("session timed out", zap.String("session_id", id.String()), zap.String("status", expected.String()))
}

// releaseProvider runs after a session closes: it frees the provider when nothing else
// holds them and tells the longest waiting consumer.
func (coordinator *Coordinator) releaseProvider(ctx context.Context, closed session.Session, restoreAvailability bool) {
	release := coordinator.locks.Lock(actorKey(closed.ProviderID))
	defer release()
	busy, err := coordinator.actorBusy(ctx, closed.ProviderID)
	if err != nil {
		coordinator.logger.Warn("provider release lookup failed", zap.String("provider_id", closed.ProviderID), zap.Error(err))
		return
	}
	if busy {
		return
	}
	if restoreAvailability {
		if err := coordinator.providers.SetAvailability(ctx, closed.ProviderID, session.AvailabilityAvailable); err != nil {
			coordinator.logger.Warn("provider availability update failed", zap.String("provider_id", closed.ProviderID), zap.Error(err))
		}
	}
	consumerID, found, err := coordinator.waitlist.Next(ctx, closed.ProviderID)
	if err != nil {
		coordinator.logger.Warn("waitlist pop failed", zap.String("provider_id", closed.ProviderID), zap.Error(err))
		return
	}
	if !found {
		return
	}
	coordinator.notify(consumerID, EventProviderAvailable, "", map[string]any{"providerId": closed.ProviderID})
}
