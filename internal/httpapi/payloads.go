package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/session"
)

type sessionRequest struct {
	ProviderID   string `json:"provider_id"`
	Kind         string `json:"kind"`
	JoinWaitlist bool   `json:"join_waitlist"`
}

type respondRequest struct {
	Accept bool `json:"accept"`
}

type messageRequest struct {
	Body     string `json:"body"`
	BodyKind string `json:"body_kind"`
}

type endRequest struct {
	Reason string `json:"reason"`
}

type providerProfileRequest struct {
	DisplayName string `json:"display_name"`
}

type rateRequest struct {
	UnitPrice int64 `json:"unit_price"`
}

type ratePayload struct {
	Kind       string `json:"kind"`
	UnitPrice  int64  `json:"unit_price"`
	Commission int64  `json:"commission"`
}

type deviceTokenRequest struct {
	Token string `json:"token"`
}

type walletResponse struct {
	Balance int64          `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Direction      string `json:"direction"`
	Amount         int64  `json:"amount"`
	Category       string `json:"category"`
	SessionID      string `json:"session_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type sessionPayload struct {
	SessionID       string     `json:"session_id"`
	Kind            string     `json:"kind"`
	ConsumerID      string     `json:"consumer_id"`
	ProviderID      string     `json:"provider_id"`
	Status          string     `json:"status"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	EndedBy         string     `json:"ended_by,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	UnitPrice       int64      `json:"unit_price"`
	UnitSeconds     int64      `json:"unit_seconds"`
	ChargedUnits    int64      `json:"charged_units"`
	ChargedAmount   int64      `json:"charged_amount"`
	BillingDegraded bool       `json:"billing_degraded"`
	CreatedAt       time.Time  `json:"created_at"`
	ActiveAt        *time.Time `json:"active_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

func newSessionPayload(current session.Session) sessionPayload {
	return sessionPayload{
		SessionID:       current.ID.String(),
		Kind:            current.Kind.String(),
		ConsumerID:      current.ConsumerID,
		ProviderID:      current.ProviderID,
		Status:          current.Status.String(),
		RejectedBy:      current.RejectedBy.String(),
		EndedBy:         current.EndedBy.String(),
		Reason:          current.Reason,
		UnitPrice:       current.Rate.UnitPrice.Int64(),
		UnitSeconds:     current.UnitSeconds,
		ChargedUnits:    current.ChargedUnits,
		ChargedAmount:   current.ChargedAmount.Int64(),
		BillingDegraded: current.BillingDegraded,
		CreatedAt:       current.CreatedAt,
		ActiveAt:        current.ActiveAt,
		EndedAt:         current.EndedAt,
	}
}

type messagePayload struct {
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	SenderKind string    `json:"sender_kind"`
	Body       string    `json:"body"`
	BodyKind   string    `json:"body_kind"`
	CreatedAt  time.Time `json:"created_at"`
}

func newMessagePayload(message session.Message) messagePayload {
	return messagePayload{
		MessageID:  message.ID,
		SenderID:   message.SenderID,
		SenderKind: message.SenderKind.String(),
		Body:       message.Body,
		BodyKind:   message.BodyKind.String(),
		CreatedAt:  message.CreatedAt,
	}
}

type summaryPayload struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	EndedBy         string `json:"ended_by"`
	Reason          string `json:"reason"`
	TotalUnits      int64  `json:"total_units"`
	TotalAmount     int64  `json:"total_amount"`
	DurationSeconds int64  `json:"duration_seconds"`
}
