package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var openStatuses = []string{
	session.StatusPending.String(),
	session.StatusConfirmed.String(),
	session.StatusActive.String(),
}

// SessionStore implements session.Store using GORM.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore returns a SessionStore backed by gorm.DB.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *SessionStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore session.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &SessionStore{db: transaction})
	})
}

func (store *SessionStore) CreateSession(ctx context.Context, current session.Session) error {
	row := sessionRow(current)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isSessionConflict(err) {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, session.ErrSessionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

func (store *SessionStore) GetSession(ctx context.Context, id session.ID) (session.Session, error) {
	var row Session
	err := store.db.WithContext(ctx).Where("session_id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, session.ErrSessionNotFound)
	}
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	mapped, err := mapSession(row)
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *SessionStore) UpdateSession(ctx context.Context, current session.Session, expected session.Status) error {
	row := sessionRow(current)
	result := store.db.WithContext(ctx).
		Model(&Session{}).
		Where("session_id = ? AND status = ?", row.SessionID, expected.String()).
		Updates(map[string]interface{}{
			"status":           row.Status,
			"rejected_by":      row.RejectedBy,
			"ended_by":         row.EndedBy,
			"reason":           row.Reason,
			"unit_price":       row.UnitPrice,
			"commission":       row.Commission,
			"unit_seconds":     row.UnitSeconds,
			"charged_units":    row.ChargedUnits,
			"charged_amount":   row.ChargedAmount,
			"billing_degraded": row.BillingDegraded,
			"confirmed_at":     row.ConfirmedAt,
			"active_at":        row.ActiveAt,
			"ended_at":         row.EndedAt,
			"settled_at":       row.SettledAt,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetSession(ctx, current.ID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, session.ErrStaleSession)
	}
	return nil
}

func (store *SessionStore) ListOpenSessions(ctx context.Context, actorID string, party session.Party) ([]session.Session, error) {
	var column string
	switch party {
	case session.PartyConsumer:
		column = "consumer_id"
	case session.PartyProvider:
		column = "provider_id"
	default:
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, fmt.Errorf("%w: party %q", session.ErrInvalidStoreArgument, party))
	}
	var rows []Session
	err := store.db.WithContext(ctx).
		Where(column+" = ? AND status IN ?", actorID, openStatuses).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	return mapSessions(rows)
}

func (store *SessionStore) ListUnsettled(ctx context.Context) ([]session.Session, error) {
	var rows []Session
	err := store.db.WithContext(ctx).
		Where("status IN ? AND settled_at IS NULL", openStatuses).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	return mapSessions(rows)
}

func (store *SessionStore) OpenTranscript(ctx context.Context, id session.ID, at time.Time) error {
	row := Transcript{SessionID: id.String(), OpenedAt: at.UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectTranscript, errorCodeCreate, err)
	}
	return nil
}

func (store *SessionStore) AppendMessage(ctx context.Context, message session.Message) error {
	var count int64
	err := store.db.WithContext(ctx).Model(&Transcript{}).Where("session_id = ?", message.SessionID.String()).Count(&count).Error
	if err != nil {
		return wrapStoreError(errorSubjectMessage, errorCodeInsert, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectMessage, errorCodeInsert, session.ErrTranscriptClosed)
	}
	row := Message{
		MessageID:  message.ID,
		SessionID:  message.SessionID.String(),
		SenderID:   message.SenderID,
		SenderKind: message.SenderKind.String(),
		Body:       message.Body,
		BodyKind:   message.BodyKind.String(),
		CreatedAt:  message.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectMessage, errorCodeInsert, err)
	}
	return nil
}

func (store *SessionStore) ListMessages(ctx context.Context, id session.ID, limit int) ([]session.Message, error) {
	query := store.db.WithContext(ctx).
		Where("session_id = ?", id.String()).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectMessage, errorCodeList, err)
	}
	messages := make([]session.Message, 0, len(rows))
	for _, row := range rows {
		message, err := mapMessage(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMessage, errorCodeInvalid, err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func sessionRow(current session.Session) Session {
	return Session{
		SessionID:       current.ID.String(),
		Kind:            current.Kind.String(),
		ConsumerID:      current.ConsumerID,
		ProviderID:      current.ProviderID,
		Status:          current.Status.String(),
		RejectedBy:      current.RejectedBy.String(),
		EndedBy:         current.EndedBy.String(),
		Reason:          current.Reason,
		UnitPrice:       current.Rate.UnitPrice.Int64(),
		Commission:      current.Rate.Commission.Int64(),
		UnitSeconds:     current.UnitSeconds,
		ChargedUnits:    current.ChargedUnits,
		ChargedAmount:   current.ChargedAmount.Int64(),
		BillingDegraded: current.BillingDegraded,
		CreatedAt:       current.CreatedAt.UTC(),
		ConfirmedAt:     utcPointer(current.ConfirmedAt),
		ActiveAt:        utcPointer(current.ActiveAt),
		EndedAt:         utcPointer(current.EndedAt),
		SettledAt:       utcPointer(current.SettledAt),
	}
}

func mapSessions(rows []Session) ([]session.Session, error) {
	sessions := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapSession(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
		}
		sessions = append(sessions, mapped)
	}
	return sessions, nil
}

func mapSession(row Session) (session.Session, error) {
	id, err := session.NewID(row.SessionID)
	if err != nil {
		return session.Session{}, err
	}
	kind, err := session.ParseKind(row.Kind)
	if err != nil {
		return session.Session{}, err
	}
	status, err := session.ParseStatus(row.Status)
	if err != nil {
		return session.Session{}, err
	}
	rejectedBy, err := optionalParty(row.RejectedBy)
	if err != nil {
		return session.Session{}, err
	}
	endedBy, err := optionalParty(row.EndedBy)
	if err != nil {
		return session.Session{}, err
	}
	return session.Session{
		ID:              id,
		Kind:            kind,
		ConsumerID:      row.ConsumerID,
		ProviderID:      row.ProviderID,
		Status:          status,
		RejectedBy:      rejectedBy,
		EndedBy:         endedBy,
		Reason:          row.Reason,
		CreatedAt:       row.CreatedAt.UTC(),
		ConfirmedAt:     utcPointer(row.ConfirmedAt),
		ActiveAt:        utcPointer(row.ActiveAt),
		EndedAt:         utcPointer(row.EndedAt),
		Rate:            session.Rate{UnitPrice: ledger.Coins(row.UnitPrice), Commission: ledger.Coins(row.Commission)},
		UnitSeconds:     row.UnitSeconds,
		ChargedUnits:    row.ChargedUnits,
		ChargedAmount:   ledger.Coins(row.ChargedAmount),
		BillingDegraded: row.BillingDegraded,
		SettledAt:       utcPointer(row.SettledAt),
	}, nil
}

func mapMessage(row Message) (session.Message, error) {
	id, err := session.NewID(row.SessionID)
	if err != nil {
		return session.Message{}, err
	}
	senderKind, err := session.ParseParty(row.SenderKind)
	if err != nil {
		return session.Message{}, err
	}
	bodyKind, err := session.ParseBodyKind(row.BodyKind)
	if err != nil {
		return session.Message{}, err
	}
	return session.Message{
		ID:         row.MessageID,
		SessionID:  id,
		SenderID:   row.SenderID,
		SenderKind: senderKind,
		Body:       row.Body,
		BodyKind:   bodyKind,
		CreatedAt:  row.CreatedAt.UTC(),
	}, nil
}

func optionalParty(raw string) (session.Party, error) {
	if raw == "" {
		return session.PartyNone, nil
	}
	return session.ParseParty(raw)
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}
