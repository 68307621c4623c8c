package consult

import (
	"context"
	"strings"

	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageInput is one chat line sent by a participant.
type MessageInput struct {
	SessionID string
	SenderID  string
	Body      string
	BodyKind  string
}

// SendMessage appends a participant's message to the transcript and routes it to the
// other side. Bodies carrying contact details are refused.
func (coordinator *Coordinator) SendMessage(ctx context.Context, input MessageInput) (session.Message, error) {
	senderID := strings.TrimSpace(input.SenderID)
	message, err := coordinator.sendMessage(ctx, senderID, input)
	if err != nil {
		coordinator.notifyError(senderID, input.SessionID, err)
		return session.Message{}, err
	}
	return message, nil
}

func (coordinator *Coordinator) sendMessage(ctx context.Context, senderID string, input MessageInput) (session.Message, error) {
	release, current, err := coordinator.lockParticipant(ctx, input.SessionID, senderID, session.PartySystem)
	if err != nil {
		return session.Message{}, err
	}
	defer release()

	party := current.Participant(senderID)
	if party == session.PartyNone {
		return session.Message{}, reject(ReasonNotParticipant, nil)
	}
	if current.Status != session.StatusConfirmed && current.Status != session.StatusActive {
		return session.Message{}, classify(stateError(current, current.Status))
	}
	bodyKind, err := session.ParseBodyKind(input.BodyKind)
	if err != nil {
		return session.Message{}, reject(ReasonInvalidRequest, err)
	}
	if bodyKind == session.BodySystem {
		return session.Message{}, reject(ReasonInvalidRequest, session.ErrInvalidBodyKind)
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return session.Message{}, reject(ReasonInvalidRequest, nil)
	}
	if coordinator.filter.IsRestricted(body) {
		coordinator.logger.Info("restricted message refused",
			zap.String("session_id", current.ID.String()),
			zap.String("sender_id", senderID),
		)
		return session.Message{}, reject(ReasonRestrictedContent, nil)
	}

	message := session.Message{
		ID:         uuid.NewString(),
		SessionID:  current.ID,
		SenderID:   senderID,
		SenderKind: party,
		Body:       body,
		BodyKind:   bodyKind,
		CreatedAt:  coordinator.now(),
	}
	if err := coordinator.sessions.AppendMessage(ctx, message); err != nil {
		return session.Message{}, classify(err)
	}
	coordinator.notify(current.Counterpart(party), EventMessage, current.ID.String(), map[string]any{
		"messageId": message.ID,
		"senderId":  message.SenderID,
		"body":      message.Body,
		"bodyKind":  message.BodyKind.String(),
		"createdAt": message.CreatedAt,
	})
	return message, nil
}
