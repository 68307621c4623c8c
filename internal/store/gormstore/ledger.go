package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

func (store *LedgerStore) LockBalance(ctx context.Context, account ledger.Account) (ledger.Balance, error) {
	seed := Balance{ActorKind: account.Kind.String(), ActorID: account.ID.String(), UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var row Balance
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("actor_kind = ? AND actor_id = ?", account.Kind.String(), account.ID.String()).
		Take(&row).Error
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return mapBalance(account, row)
}

func (store *LedgerStore) GetBalance(ctx context.Context, account ledger.Account) (ledger.Balance, error) {
	var row Balance
	err := store.db.WithContext(ctx).
		Where("actor_kind = ? AND actor_id = ?", account.Kind.String(), account.ID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Balance{Account: account}, nil
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(account, row)
}

func (store *LedgerStore) UpdateBalance(ctx context.Context, account ledger.Account, coins ledger.Coins, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("actor_kind = ? AND actor_id = ? AND version = ?", account.Kind.String(), account.ID.String(), expectedVersion).
		Updates(map[string]interface{}{
			"coins":      coins.Int64(),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrBalanceConflict)
	}
	return nil
}

func (store *LedgerStore) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:        entry.EntryID,
		ActorKind:      entry.Account.Kind.String(),
		ActorID:        entry.Account.ID.String(),
		Direction:      entry.Direction.String(),
		Amount:         entry.Amount.Int64(),
		Category:       entry.Category.String(),
		SessionID:      entry.SessionID,
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *LedgerStore) ListEntries(ctx context.Context, account ledger.Account, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("actor_kind = ? AND actor_id = ? AND created_at < ?", account.Kind.String(), account.ID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapBalance(account ledger.Account, row Balance) (ledger.Balance, error) {
	coins, err := ledger.NewCoins(row.Coins)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.Balance{Account: account, Coins: coins, Version: row.Version}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	kind, err := ledger.ParseActorKind(row.ActorKind)
	if err != nil {
		return ledger.Entry{}, err
	}
	account, err := ledger.NewAccount(kind, row.ActorID)
	if err != nil {
		return ledger.Entry{}, err
	}
	direction, err := ledger.ParseDirection(row.Direction)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveCoins(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	category, err := ledger.ParseCategory(row.Category)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		Account:        account,
		Direction:      direction,
		Amount:         amount,
		Category:       category,
		SessionID:      row.SessionID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}
