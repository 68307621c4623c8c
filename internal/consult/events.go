package consult

import "context"

// EventType names an outbound realtime event.
type EventType string

const (
	EventRequestReceived   EventType = "request-received"
	EventConfirmed         EventType = "confirmed"
	EventRejected          EventType = "rejected"
	EventStarted           EventType = "started"
	EventTimerTick         EventType = "timer-tick"
	EventLowBalance        EventType = "low-balance-warning"
	EventEnded             EventType = "ended"
	EventError             EventType = "error"
	EventBillingDegraded   EventType = "billing-degraded"
	EventMessage           EventType = "message"
	EventProviderAvailable EventType = "provider-available"
)

// Event is one notification addressed to a single actor.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier delivers events to connected actors; delivery is best effort.
type Notifier interface {
	Notify(actorID string, event Event) bool
}

// Pusher sends an out-of-band notification such as a mobile push.
type Pusher interface {
	SendExternalNotification(ctx context.Context, actorID string, title string, body string) error
}

// Presence answers whether an actor currently holds a realtime connection.
type Presence interface {
	Online(actorID string) bool
}

// ContentFilter decides whether a chat body leaks contact details.
type ContentFilter interface {
	IsRestricted(text string) bool
}
