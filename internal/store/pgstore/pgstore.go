// Package pgstore implements ledger.Store directly on a pgx pool.
package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintEntryIdempotency = "uniq_ledger_entries_idempotency"
	pgUniqueViolationCode      = "23505"
	errorOperationStore        = "store"
	errorSubjectBalance        = "balance"
	errorSubjectEntry          = "entry"
	errorSubjectTransaction    = "transaction"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeUpdate            = "update"

	sqlSeedBalance = `
		insert into balances(actor_kind, actor_id, coins, version, updated_at)
		values ($1, $2, 0, 0, now())
		on conflict (actor_kind, actor_id) do nothing
	`

	sqlLockBalance = `
		select coins, version from balances
		where actor_kind = $1 and actor_id = $2
		for update
	`

	sqlSelectBalance = `
		select coins, version from balances
		where actor_kind = $1 and actor_id = $2
	`

	sqlUpdateBalance = `
		update balances
		set coins = $3, version = version + 1, updated_at = now()
		where actor_kind = $1 and actor_id = $2 and version = $4
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, actor_kind, actor_id, direction, amount, category, session_id, idempotency_key, metadata, created_at
		)
		values(
			coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			actor_kind,
			actor_id,
			direction,
			amount,
			category,
			session_id,
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where actor_kind = $1 and actor_id = $2 and created_at < to_timestamp($3)
		order by created_at desc
		limit $4
	`
)

// querier is the statement surface shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	statements
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	statements
}

type statements struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, statements: statements{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{statements: statements{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (statements statements) LockBalance(ctx context.Context, account ledger.Account) (ledger.Balance, error) {
	if _, err := statements.db.Exec(ctx, sqlSeedBalance, account.Kind.String(), account.ID.String()); err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var coins, version int64
	if err := statements.db.QueryRow(ctx, sqlLockBalance, account.Kind.String(), account.ID.String()).Scan(&coins, &version); err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return balanceOf(account, coins, version)
}

func (statements statements) GetBalance(ctx context.Context, account ledger.Account) (ledger.Balance, error) {
	var coins, version int64
	err := statements.db.QueryRow(ctx, sqlSelectBalance, account.Kind.String(), account.ID.String()).Scan(&coins, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{Account: account}, nil
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balanceOf(account, coins, version)
}

func (statements statements) UpdateBalance(ctx context.Context, account ledger.Account, coins ledger.Coins, expectedVersion int64) error {
	tag, err := statements.db.Exec(ctx, sqlUpdateBalance, account.Kind.String(), account.ID.String(), coins.Int64(), expectedVersion)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrBalanceConflict)
	}
	return nil
}

func (statements statements) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := statements.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.Account.Kind.String(),
		entry.Account.ID.String(),
		entry.Direction.String(),
		entry.Amount.Int64(),
		entry.Category.String(),
		entry.SessionID,
		entry.IdempotencyKey.String(),
		entry.Metadata.String(),
		entry.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (statements statements) ListEntries(ctx context.Context, account ledger.Account, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := statements.db.Query(ctx, sqlListEntriesBefore, account.Kind.String(), account.ID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			actorKindValue   string
			actorIDValue     string
			directionValue   string
			amountValue      int64
			categoryValue    string
			sessionIDValue   string
			idempotencyValue string
			metadataValue    string
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&actorKindValue,
			&actorIDValue,
			&directionValue,
			&amountValue,
			&categoryValue,
			&sessionIDValue,
			&idempotencyValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		kind, err := ledger.ParseActorKind(actorKindValue)
		if err != nil {
			return nil, err
		}
		account, err := ledger.NewAccount(kind, actorIDValue)
		if err != nil {
			return nil, err
		}
		direction, err := ledger.ParseDirection(directionValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewPositiveCoins(amountValue)
		if err != nil {
			return nil, err
		}
		category, err := ledger.ParseCategory(categoryValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.Entry{
			EntryID:        entryIDValue,
			Account:        account,
			Direction:      direction,
			Amount:         amount,
			Category:       category,
			SessionID:      sessionIDValue,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: createdAtUnixUTC,
		})
	}
	return entries, rows.Err()
}

func balanceOf(account ledger.Account, coins int64, version int64) (ledger.Balance, error) {
	amount, err := ledger.NewCoins(coins)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.Balance{Account: account, Coins: amount, Version: version}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotency
	}
	return false
}
