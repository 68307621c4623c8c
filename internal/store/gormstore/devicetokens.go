package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceTokenStore keeps push registration tokens per actor.
type DeviceTokenStore struct {
	db *gorm.DB
}

// NewDeviceTokenStore returns a DeviceTokenStore backed by gorm.DB.
func NewDeviceTokenStore(db *gorm.DB) *DeviceTokenStore {
	return &DeviceTokenStore{db: db}
}

// SaveToken registers token for actorID, refreshing its timestamp when already known.
func (store *DeviceTokenStore) SaveToken(ctx context.Context, actorID string, token string) error {
	row := DeviceToken{ActorID: actorID, Token: token, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "actor_id"}, {Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectDeviceToken, errorCodeUpsert, err)
	}
	return nil
}

// Tokens returns actorID's tokens, most recently refreshed first.
func (store *DeviceTokenStore) Tokens(ctx context.Context, actorID string) ([]string, error) {
	var tokens []string
	err := store.db.WithContext(ctx).
		Model(&DeviceToken{}).
		Where("actor_id = ?", actorID).
		Order("updated_at DESC").
		Pluck("token", &tokens).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDeviceToken, errorCodeList, err)
	}
	return tokens, nil
}

// DeleteToken forgets a token the push provider reported as unregistered.
func (store *DeviceTokenStore) DeleteToken(ctx context.Context, actorID string, token string) error {
	err := store.db.WithContext(ctx).
		Where("actor_id = ? AND token = ?", actorID, token).
		Delete(&DeviceToken{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectDeviceToken, errorCodeDelete, err)
	}
	return nil
}
