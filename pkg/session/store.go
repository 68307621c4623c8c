package session

import (
	"context"
	"time"
)

// Store is the persistence contract for sessions and their transcripts.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id ID) (Session, error)
	// UpdateSession persists session when the stored status still equals expected.
	UpdateSession(ctx context.Context, session Session, expected Status) error
	// ListOpenSessions returns pending, confirmed and active sessions where actorID plays party.
	ListOpenSessions(ctx context.Context, actorID string, party Party) ([]Session, error)
	// ListUnsettled returns every session that still needs a timer or a meter.
	ListUnsettled(ctx context.Context) ([]Session, error)
	OpenTranscript(ctx context.Context, id ID, at time.Time) error
	AppendMessage(ctx context.Context, message Message) error
	ListMessages(ctx context.Context, id ID, limit int) ([]Message, error)
}

// ProviderDirectory tracks whether providers can take a session.
type ProviderDirectory interface {
	SetAvailability(ctx context.Context, providerID string, availability Availability) error
	Availability(ctx context.Context, providerID string) (Availability, error)
	IsProvider(ctx context.Context, actorID string) (bool, error)
}
