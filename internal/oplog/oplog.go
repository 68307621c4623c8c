// Package oplog writes wallet operations to zap.
package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"go.uber.org/zap"
)

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New wraps logger; a nil logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

// LogOperation records one wallet operation. Failures log at warn, the rest at info.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("account", entry.Account.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("category", entry.Category.String()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
	}
	if entry.Counterparty != nil {
		fields = append(fields, zap.String("counterparty", entry.Counterparty.String()))
	}
	if entry.SessionID != "" {
		fields = append(fields, zap.String("session_id", entry.SessionID))
	}
	if entry.Error != nil {
		var operationError ledger.OperationError
		if errors.As(entry.Error, &operationError) {
			fields = append(fields, zap.String("error_code", operationError.Operation()+"."+operationError.Subject()+"."+operationError.Code()))
		}
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
