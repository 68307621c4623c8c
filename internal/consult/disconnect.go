package consult

import (
	"context"
	"strings"

	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"go.uber.org/zap"
)

const reasonDisconnected = "participant disconnected"

// HandleDisconnect starts the grace period of an actor whose socket closed. When the
// actor is still offline once it runs out, every active session it takes part in is
// ended by the platform. Pending and confirmed sessions are left to their own timeouts.
func (coordinator *Coordinator) HandleDisconnect(actorID string) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return
	}
	coordinator.timersMu.Lock()
	defer coordinator.timersMu.Unlock()
	if previous, ok := coordinator.graces[actorID]; ok {
		previous.Stop()
	}
	coordinator.graces[actorID] = coordinator.scheduler.AfterFunc(coordinator.timings.DisconnectGrace, func() {
		coordinator.expireGrace(actorID)
	})
}

func (coordinator *Coordinator) expireGrace(actorID string) {
	coordinator.timersMu.Lock()
	delete(coordinator.graces, actorID)
	coordinator.timersMu.Unlock()
	if coordinator.presence.Online(actorID) {
		return
	}

	ctx := context.Background()
	for _, party := range []session.Party{session.PartyConsumer, session.PartyProvider} {
		open, err := coordinator.sessions.ListOpenSessions(ctx, actorID, party)
		if err != nil {
			coordinator.logger.Warn("disconnect session lookup failed", zap.String("actor_id", actorID), zap.Error(err))
			continue
		}
		for _, current := range open {
			if current.Status != session.StatusActive {
				continue
			}
			if _, err := coordinator.EndForSystem(ctx, current.ID.String(), reasonDisconnected); err != nil {
				coordinator.logger.Warn("disconnect end failed", zap.String("session_id", current.ID.String()), zap.Error(err))
				continue
			}
			coordinator.logger.Info("session ended after disconnect", zap.String("session_id", current.ID.String()), zap.String("actor_id", actorID))
		}
	}
}
