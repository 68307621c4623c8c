package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"go.uber.org/zap"
)

const (
	caseCharged          = "charged above threshold"
	caseChargedLow       = "charged into low balance"
	caseChargedStillLow  = "charged while already low"
	caseInsufficient     = "balance below price"
	caseReplayed         = "replayed unit"
	caseRaceInsufficient = "insufficient at commit"
	caseBalanceError     = "balance read error"
	caseChargeError      = "atomic group error"
)

var errWalletFailure = errors.New("wallet unavailable")

type stubWallet struct {
	balance    ledger.Coins
	balanceErr error
	chargeErr  error
	charges    []ledger.UnitCharge
}

func (wallet *stubWallet) Balance(_ context.Context, account ledger.Account) (ledger.Balance, error) {
	if wallet.balanceErr != nil {
		return ledger.Balance{}, wallet.balanceErr
	}
	return ledger.Balance{Account: account, Coins: wallet.balance}, nil
}

func (wallet *stubWallet) ChargeUnit(_ context.Context, charge ledger.UnitCharge) (ledger.ChargeResult, error) {
	wallet.charges = append(wallet.charges, charge)
	if wallet.chargeErr != nil {
		return ledger.ChargeResult{}, wallet.chargeErr
	}
	wallet.balance -= charge.Price
	return ledger.ChargeResult{Consumer: ledger.Balance{Coins: wallet.balance}}, nil
}

func TestBillerChargeNextOutcomes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		wallet      *stubWallet
		wantOutcome billing.Outcome
		wantBalance ledger.Coins
		wantLow     bool
		wantCharges int
	}{
		{name: caseCharged, wallet: &stubWallet{balance: 200}, wantOutcome: billing.OutcomeCharged, wantBalance: 170, wantCharges: 1},
		{name: caseChargedLow, wallet: &stubWallet{balance: 100}, wantOutcome: billing.OutcomeCharged, wantBalance: 70, wantLow: true, wantCharges: 1},
		{name: caseChargedStillLow, wallet: &stubWallet{balance: 80}, wantOutcome: billing.OutcomeCharged, wantBalance: 50, wantCharges: 1},
		{name: caseInsufficient, wallet: &stubWallet{balance: 10}, wantOutcome: billing.OutcomeInsufficientFunds, wantBalance: 10, wantLow: true},
		{name: caseReplayed, wallet: &stubWallet{balance: 200, chargeErr: ledger.ErrDuplicateIdempotencyKey}, wantOutcome: billing.OutcomeAlreadyCharged, wantBalance: 200, wantCharges: 1},
		{name: caseRaceInsufficient, wallet: &stubWallet{balance: 40, chargeErr: ledger.ErrInsufficientFunds}, wantOutcome: billing.OutcomeInsufficientFunds, wantBalance: 40, wantLow: true, wantCharges: 1},
		{name: caseBalanceError, wallet: &stubWallet{balanceErr: errWalletFailure}, wantOutcome: billing.OutcomeBalanceUnavailable},
		{name: caseChargeError, wallet: &stubWallet{balance: 200, chargeErr: errWalletFailure}, wantOutcome: billing.OutcomeChargeFailed, wantBalance: 200, wantCharges: 1},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			biller, err := billing.NewBiller(testCase.wallet, zap.NewNop())
			if err != nil {
				test.Fatalf("new biller: %v", err)
			}
			result := biller.ChargeNext(context.Background(), activeSession(test, 2))
			if result.Outcome != testCase.wantOutcome {
				test.Fatalf("expected outcome %s, got %s (%v)", testCase.wantOutcome, result.Outcome, result.Err)
			}
			if result.Balance != testCase.wantBalance || result.LowBalance != testCase.wantLow {
				test.Fatalf("expected balance %d low=%t, got %d low=%t", testCase.wantBalance, testCase.wantLow, result.Balance, result.LowBalance)
			}
			if result.Unit != 3 {
				test.Fatalf("expected unit 3, got %d", result.Unit)
			}
			if len(testCase.wallet.charges) != testCase.wantCharges {
				test.Fatalf("expected %d charge attempts, got %d", testCase.wantCharges, len(testCase.wallet.charges))
			}
		})
	}
}

func TestBillerChargeCarriesRateSnapshotAndUnitKey(test *testing.T) {
	test.Parallel()
	wallet := &stubWallet{balance: 500}
	biller, err := billing.NewBiller(wallet, zap.NewNop(), billing.WithLowBalanceMultiplier(5))
	if err != nil {
		test.Fatalf("new biller: %v", err)
	}
	result := biller.ChargeNext(context.Background(), activeSession(test, 0))
	if result.Outcome != billing.OutcomeCharged {
		test.Fatalf("expected charge, got %s", result.Outcome)
	}
	if result.LowBalance {
		test.Fatalf("470 is not below 5x30")
	}
	charge := wallet.charges[0]
	if charge.Price != 30 || charge.Commission != 6 || charge.Category != ledger.CategoryCall {
		test.Fatalf("unexpected charge: %+v", charge)
	}
	if charge.IdempotencyKey.String() != "session:session-1:unit:1" {
		test.Fatalf("unexpected unit key %q", charge.IdempotencyKey.String())
	}
}

func TestBillerWarnsWhenOpeningUnitLeavesBalanceLow(test *testing.T) {
	test.Parallel()
	biller, err := billing.NewBiller(&stubWallet{balance: 50}, zap.NewNop())
	if err != nil {
		test.Fatalf("new biller: %v", err)
	}
	result := biller.ChargeNext(context.Background(), activeSession(test, 0))
	if result.Outcome != billing.OutcomeCharged || result.Balance != 20 {
		test.Fatalf("expected charge down to 20, got %s %d", result.Outcome, result.Balance)
	}
	if !result.LowBalance {
		test.Fatalf("opening unit below the threshold must warn")
	}
}

func TestBillerHasFundsForUnit(test *testing.T) {
	test.Parallel()
	biller, err := billing.NewBiller(&stubWallet{balance: 29}, zap.NewNop())
	if err != nil {
		test.Fatalf("new biller: %v", err)
	}
	enough, balance, err := biller.HasFundsForUnit(context.Background(), "user-1", 30)
	if err != nil {
		test.Fatalf("has funds: %v", err)
	}
	if enough || balance != 29 {
		test.Fatalf("expected insufficient 29, got %t %d", enough, balance)
	}
}

func activeSession(test *testing.T, chargedUnits int64) session.Session {
	test.Helper()
	id, err := session.NewID("session-1")
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	activeAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return session.Session{
		ID:           id,
		Kind:         session.KindAudio,
		ConsumerID:   "user-1",
		ProviderID:   "astro-1",
		Status:       session.StatusActive,
		ActiveAt:     &activeAt,
		Rate:         session.Rate{UnitPrice: 30, Commission: 6},
		UnitSeconds:  60,
		ChargedUnits: chargedUnits,
	}
}
