package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/consult/internal/consult"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"go.uber.org/zap"
)

// Inbound message types.
const (
	TypeRequestSession  = "request-session"
	TypeProviderRespond = "provider-respond"
	TypeConsumerRespond = "consumer-respond"
	TypeJoinSession     = "join-session"
	TypeSendMessage     = "send-message"
	TypeEndSession      = "end-session"

	typeAck   = "ack"
	typeError = "error"
)

// Sessions is the coordinator surface the socket exposes.
type Sessions interface {
	RequestSession(ctx context.Context, input consult.RequestInput) (session.Session, error)
	RespondAsProvider(ctx context.Context, sessionID, providerID string, confirm bool) (session.Session, error)
	RespondAsConsumer(ctx context.Context, sessionID, consumerID string, accept bool) (session.Session, error)
	JoinAsConsumer(ctx context.Context, sessionID, consumerID string) (session.Session, error)
	SendMessage(ctx context.Context, input consult.MessageInput) (session.Message, error)
	EndSession(ctx context.Context, input consult.EndInput) (session.Summary, error)
}

// Envelope is one inbound frame.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type requestPayload struct {
	ProviderID   string `json:"providerId"`
	Kind         string `json:"kind"`
	JoinWaitlist bool   `json:"joinWaitlist"`
}

type respondPayload struct {
	SessionID string `json:"sessionId"`
	Accept    bool   `json:"accept"`
}

type messagePayload struct {
	SessionID string `json:"sessionId"`
	Body      string `json:"body"`
	BodyKind  string `json:"bodyKind"`
}

type endPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Reply acknowledges or refuses one inbound frame.
type Reply struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	RequestType string `json:"requestType"`
	SessionID   string `json:"sessionId,omitempty"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Router turns inbound frames into coordinator calls. The authenticated actor is always
// the acting party; frames cannot name someone else.
type Router struct {
	sessions Sessions
	logger   *zap.Logger
}

// NewRouter builds a Router.
func NewRouter(sessions Sessions, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{sessions: sessions, logger: logger}
}

// Process handles one frame from actorID and returns the encoded reply.
func (router *Router) Process(ctx context.Context, actorID string, raw []byte) []byte {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return router.encode(Reply{Type: typeError, Reason: consult.ReasonInvalidRequest.String(), Message: "malformed frame"})
	}
	reply, err := router.dispatch(ctx, actorID, envelope)
	reply.ID = envelope.ID
	reply.RequestType = envelope.Type
	if err != nil {
		reason := consult.ReasonOf(err)
		reply.Type = typeError
		reply.Reason = reason.String()
		reply.Message = reason.Message()
		router.logger.Debug("socket request refused",
			zap.String("actor_id", actorID),
			zap.String("type", envelope.Type),
			zap.String("reason", reason.String()),
		)
		return router.encode(reply)
	}
	reply.Type = typeAck
	return router.encode(reply)
}

func (router *Router) dispatch(ctx context.Context, actorID string, envelope Envelope) (Reply, error) {
	switch envelope.Type {
	case TypeRequestSession:
		var payload requestPayload
		if err := decodePayload(envelope.Payload, &payload); err != nil {
			return Reply{}, err
		}
		created, err := router.sessions.RequestSession(ctx, consult.RequestInput{
			ConsumerID:   actorID,
			ProviderID:   payload.ProviderID,
			Kind:         payload.Kind,
			JoinWaitlist: payload.JoinWaitlist,
		})
		return sessionReply(created, err)
	case TypeProviderRespond:
		var payload respondPayload
		if err := decodePayload(envelope.Payload, &payload); err != nil {
			return Reply{}, err
		}
		return sessionReply(router.sessions.RespondAsProvider(ctx, payload.SessionID, actorID, payload.Accept))
	case TypeConsumerRespond:
		var payload respondPayload
		if err := decodePayload(envelope.Payload, &payload); err != nil {
			return Reply{}, err
		}
		return sessionReply(router.sessions.RespondAsConsumer(ctx, payload.SessionID, actorID, payload.Accept))
	case TypeJoinSession:
		var payload respondPayload
		if err := decodePayload(envelope.Payload, &payload); err != nil {
			return Reply{}, err
		}
		return sessionReply(router.sessions.JoinAsConsumer(ctx, payload.SessionID, actorID))
	case TypeSendMessage:
		var payload messagePayload
		if err := decodePayload(envelope.Payload, &payload); err != nil {
			return Reply{}, err
		}
		message, err := router.sessions.SendMessage(ctx, consult.MessageInput{
			SessionID: payload.SessionID,
			SenderID:  actorID,
			Body:      payload.Body,
			BodyKind:  payload.BodyKind,
		})
		if err != nil {
			return Reply{}, err
		}
		return Reply{SessionID: message.SessionID.String()}, nil
	case TypeEndSession:
		var payload endPayload
		if err := decodePayload(envelope.Payload, &payload); err != nil {
			return Reply{}, err
		}
		summary, err := router.sessions.EndSession(ctx, consult.EndInput{SessionID: payload.SessionID, ActorID: actorID, Reason: payload.Reason})
		if err != nil {
			return Reply{}, err
		}
		return Reply{SessionID: summary.SessionID.String(), Status: summary.Status.String()}, nil
	default:
		return Reply{}, &consult.RejectionError{Reason: consult.ReasonInvalidRequest, Err: fmt.Errorf("unknown frame type %q", envelope.Type)}
	}
}

func sessionReply(current session.Session, err error) (Reply, error) {
	if err != nil {
		return Reply{}, err
	}
	return Reply{SessionID: current.ID.String(), Status: current.Status.String()}, nil
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return &consult.RejectionError{Reason: consult.ReasonInvalidRequest, Err: fmt.Errorf("payload is required")}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &consult.RejectionError{Reason: consult.ReasonInvalidRequest, Err: err}
	}
	return nil
}

func (router *Router) encode(reply Reply) []byte {
	encoded, err := json.Marshal(reply)
	if err != nil {
		router.logger.Error("socket reply encode failed", zap.Error(err))
		return nil
	}
	return encoded
}
