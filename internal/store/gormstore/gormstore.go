// Package gormstore persists wallets, sessions and their satellites through GORM.
package gormstore

import (
	"errors"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintEntryIdempotency = "uniq_ledger_entries_idempotency"
	constraintSessionPrimary   = "sessions_pkey"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
	errorOperationStore        = "store"
	errorSubjectBalance        = "balance"
	errorSubjectDeviceToken    = "device_token"
	errorSubjectEntry          = "entry"
	errorSubjectMessage        = "message"
	errorSubjectProvider       = "provider"
	errorSubjectRateCard       = "rate_card"
	errorSubjectSession        = "session"
	errorSubjectTranscript     = "transcript"
	errorCodeCreate            = "create"
	errorCodeDelete            = "delete"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeUpdate            = "update"
	errorCodeUpsert            = "upsert"
)

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	return isUniqueViolation(err, constraintEntryIdempotency)
}

func isSessionConflict(err error) bool {
	return isUniqueViolation(err, constraintSessionPrimary)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}
