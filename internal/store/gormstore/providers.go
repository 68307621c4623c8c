package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProviderDirectory implements session.ProviderDirectory using GORM.
type ProviderDirectory struct {
	db *gorm.DB
}

// NewProviderDirectory returns a ProviderDirectory backed by gorm.DB.
func NewProviderDirectory(db *gorm.DB) *ProviderDirectory {
	return &ProviderDirectory{db: db}
}

// RegisterProvider makes providerID known as available; re-registering only refreshes the name.
func (directory *ProviderDirectory) RegisterProvider(ctx context.Context, providerID string, displayName string) error {
	row := Provider{
		ProviderID:   providerID,
		DisplayName:  displayName,
		Availability: session.AvailabilityAvailable.String(),
		UpdatedAt:    time.Now().UTC(),
	}
	err := directory.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectProvider, errorCodeUpsert, err)
	}
	return nil
}

func (directory *ProviderDirectory) SetAvailability(ctx context.Context, providerID string, availability session.Availability) error {
	result := directory.db.WithContext(ctx).
		Model(&Provider{}).
		Where("provider_id = ?", providerID).
		Updates(map[string]interface{}{
			"availability": availability.String(),
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectProvider, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectProvider, errorCodeUpdate, session.ErrUnknownProvider)
	}
	return nil
}

func (directory *ProviderDirectory) Availability(ctx context.Context, providerID string) (session.Availability, error) {
	var row Provider
	err := directory.db.WithContext(ctx).Where("provider_id = ?", providerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", wrapStoreError(errorSubjectProvider, errorCodeGet, session.ErrUnknownProvider)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectProvider, errorCodeGet, err)
	}
	availability, err := session.ParseAvailability(row.Availability)
	if err != nil {
		return "", wrapStoreError(errorSubjectProvider, errorCodeInvalid, err)
	}
	return availability, nil
}

func (directory *ProviderDirectory) IsProvider(ctx context.Context, actorID string) (bool, error) {
	var count int64
	err := directory.db.WithContext(ctx).Model(&Provider{}).Where("provider_id = ?", actorID).Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectProvider, errorCodeGet, err)
	}
	return count > 0, nil
}
