package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/ratecard"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateCardStore implements ratecard.Source using GORM.
type RateCardStore struct {
	db *gorm.DB
}

// NewRateCardStore returns a RateCardStore backed by gorm.DB.
func NewRateCardStore(db *gorm.DB) *RateCardStore {
	return &RateCardStore{db: db}
}

// UpsertCard stores or replaces the card of (card.ProviderID, card.Kind).
func (store *RateCardStore) UpsertCard(ctx context.Context, card ratecard.Card) error {
	row := RateCard{
		ProviderID:        card.ProviderID,
		Kind:              card.Kind.String(),
		UnitPrice:         card.UnitPrice.Int64(),
		CommissionPercent: card.CommissionPercent,
		UpdatedAt:         time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}, {Name: "kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"unit_price", "commission_percent", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectRateCard, errorCodeUpsert, err)
	}
	return nil
}

func (store *RateCardStore) FindCard(ctx context.Context, providerID string, kind session.Kind) (ratecard.Card, bool, error) {
	var row RateCard
	err := store.db.WithContext(ctx).
		Where("provider_id = ? AND kind = ?", providerID, kind.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ratecard.Card{}, false, nil
	}
	if err != nil {
		return ratecard.Card{}, false, wrapStoreError(errorSubjectRateCard, errorCodeGet, err)
	}
	return ratecard.Card{
		ProviderID:        row.ProviderID,
		Kind:              kind,
		UnitPrice:         ledger.Coins(row.UnitPrice),
		CommissionPercent: row.CommissionPercent,
	}, true, nil
}
