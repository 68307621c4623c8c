package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerLevels(test *testing.T) {
	test.Parallel()

	const (
		caseSuccess = "success logs info"
		caseFailure = "failure logs warn"
		caseStore   = "store failure logs its code"
	)

	account, err := ledger.NewAccount(ledger.ActorConsumer, "user-1")
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	provider, err := ledger.NewAccount(ledger.ActorProvider, "astro-1")
	if err != nil {
		test.Fatalf("provider: %v", err)
	}

	testCases := []struct {
		name          string
		entry         ledger.OperationLog
		expectedLevel zapcore.Level
		expectedMsg   string
		expectedCode  string
	}{
		{
			name:          caseSuccess,
			entry:         ledger.OperationLog{Operation: "charge_unit", Account: account, Counterparty: &provider, SessionID: "session-1", Amount: 30, Status: "ok"},
			expectedLevel: zapcore.InfoLevel,
			expectedMsg:   "ledger operation",
		},
		{
			name:          caseFailure,
			entry:         ledger.OperationLog{Operation: "debit", Account: account, Amount: 30, Status: "error", Error: ledger.ErrInsufficientFunds},
			expectedLevel: zapcore.WarnLevel,
			expectedMsg:   "ledger operation failed",
		},
		{
			name:          caseStore,
			entry:         ledger.OperationLog{Operation: "credit", Account: account, Amount: 100, Status: "error", Error: ledger.WrapError("store", "entry", "insert", errors.New("disk full"))},
			expectedLevel: zapcore.WarnLevel,
			expectedMsg:   "ledger operation failed",
			expectedCode:  "store.entry.insert",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			core, logs := observer.New(zapcore.DebugLevel)
			New(zap.New(core)).LogOperation(context.Background(), testCase.entry)
			entries := logs.All()
			if len(entries) != 1 {
				test.Fatalf("expected one log entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.expectedLevel || entries[0].Message != testCase.expectedMsg {
				test.Fatalf("unexpected entry %s %q", entries[0].Level, entries[0].Message)
			}
			fields := entries[0].ContextMap()
			if fields["account"] != "consumer:user-1" || fields["operation"] != testCase.entry.Operation {
				test.Fatalf("unexpected fields %v", fields)
			}
			if testCase.entry.Error != nil {
				if message, _ := fields["error"].(string); message == "" {
					test.Fatalf("expected error field, got %v", fields)
				}
			}
			if code, _ := fields["error_code"].(string); code != testCase.expectedCode {
				test.Fatalf("expected error code %q, got %q", testCase.expectedCode, code)
			}
		})
	}
}

func TestNewToleratesNilLogger(test *testing.T) {
	test.Parallel()
	New(nil).LogOperation(context.Background(), ledger.OperationLog{Operation: "credit"})
}
