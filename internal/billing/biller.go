package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"go.uber.org/zap"
)

const defaultLowBalanceMultiplier = 3

// Outcome classifies what one charge attempt did.
type Outcome int

const (
	// OutcomeCharged means all three legs were written.
	OutcomeCharged Outcome = iota
	// OutcomeAlreadyCharged means the unit had been written before (replayed tick).
	OutcomeAlreadyCharged
	// OutcomeInsufficientFunds means the consumer cannot pay a full unit.
	OutcomeInsufficientFunds
	// OutcomeBalanceUnavailable means the balance read failed; nothing was written.
	OutcomeBalanceUnavailable
	// OutcomeChargeFailed means the atomic group failed and was rolled back.
	OutcomeChargeFailed
)

func (outcome Outcome) String() string {
	switch outcome {
	case OutcomeCharged:
		return "charged"
	case OutcomeAlreadyCharged:
		return "already_charged"
	case OutcomeInsufficientFunds:
		return "insufficient_funds"
	case OutcomeBalanceUnavailable:
		return "balance_unavailable"
	case OutcomeChargeFailed:
		return "charge_failed"
	default:
		return "unknown"
	}
}

// Wallet is the slice of the ledger service the biller needs.
type Wallet interface {
	Balance(ctx context.Context, account ledger.Account) (ledger.Balance, error)
	ChargeUnit(ctx context.Context, charge ledger.UnitCharge) (ledger.ChargeResult, error)
}

// Result reports a single charge attempt.
type Result struct {
	Outcome Outcome
	Unit    int64
	Balance ledger.Coins
	// LowBalance is set on the charge that takes the balance under the warning threshold.
	LowBalance bool
	Err        error
}

// Biller charges one unit of a session against the wallet.
type Biller struct {
	wallet               Wallet
	lowBalanceMultiplier int64
	logger               *zap.Logger
}

// BillerOption configures a Biller.
type BillerOption func(*Biller)

// WithLowBalanceMultiplier sets the warning threshold as a multiple of the unit price.
func WithLowBalanceMultiplier(multiplier int64) BillerOption {
	return func(biller *Biller) {
		if multiplier > 0 {
			biller.lowBalanceMultiplier = multiplier
		}
	}
}

// NewBiller wires a Biller.
func NewBiller(wallet Wallet, logger *zap.Logger, options ...BillerOption) (*Biller, error) {
	if wallet == nil {
		return nil, fmt.Errorf("%w: wallet is nil", ErrInvalidMeterConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	biller := &Biller{wallet: wallet, lowBalanceMultiplier: defaultLowBalanceMultiplier, logger: logger}
	for _, option := range options {
		if option != nil {
			option(biller)
		}
	}
	return biller, nil
}

// UnitKey is the idempotency key of the unit-th charge of a session.
func UnitKey(sessionID session.ID, unit int64) (ledger.IdempotencyKey, error) {
	return ledger.NewIdempotencyKey(fmt.Sprintf("session:%s:unit:%d", sessionID.String(), unit))
}

// ChargeNext charges unit number ChargedUnits+1 of an active session at its captured rate.
func (biller *Biller) ChargeNext(ctx context.Context, current session.Session) Result {
	unit := current.ChargedUnits + 1
	price := current.Rate.UnitPrice
	fields := []zap.Field{zap.String("session_id", current.ID.String()), zap.Int64("unit", unit)}

	consumerAccount, err := ledger.NewAccount(ledger.ActorConsumer, current.ConsumerID)
	if err != nil {
		return Result{Outcome: OutcomeChargeFailed, Unit: unit, Err: err}
	}
	balance, err := biller.wallet.Balance(ctx, consumerAccount)
	if err != nil {
		biller.logger.Warn("billing balance read failed", append(fields, zap.Error(err))...)
		return Result{Outcome: OutcomeBalanceUnavailable, Unit: unit, Err: err}
	}
	if balance.Coins < price {
		return Result{Outcome: OutcomeInsufficientFunds, Unit: unit, Balance: balance.Coins, LowBalance: true}
	}

	key, err := UnitKey(current.ID, unit)
	if err != nil {
		return Result{Outcome: OutcomeChargeFailed, Unit: unit, Err: err}
	}
	consumerID, err := ledger.NewActorID(current.ConsumerID)
	if err != nil {
		return Result{Outcome: OutcomeChargeFailed, Unit: unit, Err: err}
	}
	providerID, err := ledger.NewActorID(current.ProviderID)
	if err != nil {
		return Result{Outcome: OutcomeChargeFailed, Unit: unit, Err: err}
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"unit":%d,"kind":%q}`, unit, current.Kind.String()))
	if err != nil {
		return Result{Outcome: OutcomeChargeFailed, Unit: unit, Err: err}
	}
	charged, err := biller.wallet.ChargeUnit(ctx, ledger.UnitCharge{
		Consumer:       consumerID,
		Provider:       providerID,
		Price:          price,
		Commission:     current.Rate.Commission,
		Category:       current.Kind.LedgerCategory(),
		SessionID:      current.ID.String(),
		IdempotencyKey: key,
		Metadata:       metadata,
	})
	switch {
	case err == nil:
		remaining := charged.Consumer.Coins
		threshold := biller.threshold(price)
		return Result{
			Outcome:    OutcomeCharged,
			Unit:       unit,
			Balance:    remaining,
			LowBalance: remaining < threshold && (unit == 1 || balance.Coins >= threshold),
		}
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		biller.logger.Info("billing unit already recorded", fields...)
		return Result{Outcome: OutcomeAlreadyCharged, Unit: unit, Balance: balance.Coins}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return Result{Outcome: OutcomeInsufficientFunds, Unit: unit, Balance: balance.Coins, LowBalance: true}
	default:
		biller.logger.Error("billing charge failed", append(fields, zap.Error(err))...)
		return Result{Outcome: OutcomeChargeFailed, Unit: unit, Balance: balance.Coins, Err: err}
	}
}

// HasFundsForUnit reports whether consumerID can pay one unit at price.
func (biller *Biller) HasFundsForUnit(ctx context.Context, consumerID string, price ledger.Coins) (bool, ledger.Coins, error) {
	account, err := ledger.NewAccount(ledger.ActorConsumer, consumerID)
	if err != nil {
		return false, 0, err
	}
	balance, err := biller.wallet.Balance(ctx, account)
	if err != nil {
		return false, 0, err
	}
	return balance.Coins >= price, balance.Coins, nil
}

func (biller *Biller) threshold(price ledger.Coins) ledger.Coins {
	return price * ledger.Coins(biller.lowBalanceMultiplier)
}
