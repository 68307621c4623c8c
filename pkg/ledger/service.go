package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Service contains the wallet logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current balance of an account (zero when it was never touched).
func (service *Service) Balance(ctx context.Context, account Account) (Balance, error) {
	return service.store.GetBalance(ctx, account)
}

// Credit appends a credit entry and raises the balance.
func (service *Service) Credit(ctx context.Context, account Account, amount Coins, category Category, sessionID string, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Balance, error) {
	var updated Balance
	operationError := service.postSingle(ctx, account, DirectionCredit, amount, category, sessionID, idempotencyKey, metadata, &updated)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		Account:        account,
		SessionID:      sessionID,
		Category:       category,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return updated, operationError
}

// Debit appends a debit entry; only consumer balances may be debited and never below zero.
func (service *Service) Debit(ctx context.Context, account Account, amount Coins, category Category, sessionID string, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Balance, error) {
	var updated Balance
	operationError := service.postSingle(ctx, account, DirectionDebit, amount, category, sessionID, idempotencyKey, metadata, &updated)
	service.logOperation(ctx, OperationLog{
		Operation:      operationDebit,
		Account:        account,
		SessionID:      sessionID,
		Category:       category,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return updated, operationError
}

// ChargeUnit debits the consumer, credits the provider its share and the platform its
// commission inside one transaction. Either every leg is applied or none is.
func (service *Service) ChargeUnit(ctx context.Context, charge UnitCharge) (ChargeResult, error) {
	var result ChargeResult
	operationError := charge.Validate()
	if operationError == nil {
		consumerAccount := Account{Kind: ActorConsumer, ID: charge.Consumer}
		providerAccount := Account{Kind: ActorProvider, ID: charge.Provider}
		postings := []Posting{
			{Account: consumerAccount, Direction: DirectionDebit, Amount: charge.Price, Category: charge.Category, suffix: idempotencySuffixConsumer},
			{Account: providerAccount, Direction: DirectionCredit, Amount: charge.ProviderShare(), Category: charge.Category, suffix: idempotencySuffixProvider},
			{Account: PlatformAccount(), Direction: DirectionCredit, Amount: charge.Commission, Category: CategoryCommission, suffix: idempotencySuffixPlatform},
		}
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balances, entries, err := service.post(ctx, transactionStore, postings, charge.SessionID, charge.IdempotencyKey, charge.Metadata)
			if err != nil {
				return err
			}
			result = ChargeResult{
				Consumer: balances[consumerAccount.String()],
				Provider: balances[providerAccount.String()],
				Platform: balances[PlatformAccount().String()],
				Entries:  entries,
			}
			return nil
		})
	}
	providerAccount := Account{Kind: ActorProvider, ID: charge.Provider}
	service.logOperation(ctx, OperationLog{
		Operation:      operationChargeUnit,
		Account:        Account{Kind: ActorConsumer, ID: charge.Consumer},
		Counterparty:   &providerAccount,
		SessionID:      charge.SessionID,
		Category:       charge.Category,
		Amount:         charge.Price,
		IdempotencyKey: charge.IdempotencyKey,
		Metadata:       charge.Metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return ChargeResult{}, operationError
	}
	return result, nil
}

// ListEntries lists ledger entries for an account before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, account Account, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, account, beforeUnixUTC, limit)
}

func (service *Service) postSingle(ctx context.Context, account Account, direction Direction, amount Coins, category Category, sessionID string, idempotencyKey IdempotencyKey, metadata MetadataJSON, updated *Balance) error {
	if _, err := NewPositiveCoins(amount.Int64()); err != nil {
		return err
	}
	if _, err := ParseCategory(category.String()); err != nil {
		return err
	}
	if idempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		postings := []Posting{{Account: account, Direction: direction, Amount: amount, Category: category}}
		balances, _, err := service.post(ctx, transactionStore, postings, sessionID, idempotencyKey, metadata)
		if err != nil {
			return err
		}
		*updated = balances[account.String()]
		return nil
	})
}

// post applies postings inside an open transaction: every account is locked in a stable
// order, each entry is written before its balance update.
func (service *Service) post(ctx context.Context, transactionStore Store, postings []Posting, sessionID string, baseKey IdempotencyKey, metadata MetadataJSON) (map[string]Balance, []Entry, error) {
	lockOrder := make([]Account, 0, len(postings))
	seen := make(map[string]struct{}, len(postings))
	for _, posting := range postings {
		if _, ok := seen[posting.Account.String()]; ok {
			continue
		}
		seen[posting.Account.String()] = struct{}{}
		lockOrder = append(lockOrder, posting.Account)
	}
	sort.Slice(lockOrder, func(left, right int) bool {
		return lockOrder[left].String() < lockOrder[right].String()
	})

	balances := make(map[string]Balance, len(lockOrder))
	for _, account := range lockOrder {
		balance, err := transactionStore.LockBalance(ctx, account)
		if err != nil {
			return nil, nil, err
		}
		balances[account.String()] = balance
	}

	nowUnixUTC := service.nowFn()
	entries := make([]Entry, 0, len(postings))
	for _, posting := range postings {
		if posting.Amount == 0 {
			continue
		}
		current := balances[posting.Account.String()]
		next, err := applyPosting(current, posting)
		if err != nil {
			return nil, nil, err
		}
		entryKey := baseKey
		if posting.suffix != "" {
			entryKey, err = deriveIdempotencyKey(baseKey, posting.suffix)
			if err != nil {
				return nil, nil, err
			}
		}
		entry := Entry{
			EntryID:        uuid.NewString(),
			Account:        posting.Account,
			Direction:      posting.Direction,
			Amount:         posting.Amount,
			Category:       posting.Category,
			SessionID:      sessionID,
			IdempotencyKey: entryKey,
			Metadata:       metadata,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return nil, nil, err
		}
		if err := transactionStore.UpdateBalance(ctx, posting.Account, next.Coins, current.Version); err != nil {
			return nil, nil, err
		}
		balances[posting.Account.String()] = next
		entries = append(entries, entry)
	}
	return balances, entries, nil
}

func applyPosting(current Balance, posting Posting) (Balance, error) {
	next := current
	next.Version = current.Version + 1
	switch posting.Direction {
	case DirectionCredit:
		next.Coins = current.Coins + posting.Amount
	case DirectionDebit:
		if posting.Account.Kind != ActorConsumer {
			return Balance{}, fmt.Errorf("%w: %s", ErrDebitNotAllowed, posting.Account.Kind)
		}
		if current.Coins < posting.Amount {
			return Balance{}, ErrInsufficientFunds
		}
		next.Coins = current.Coins - posting.Amount
	default:
		return Balance{}, fmt.Errorf("%w: %q", ErrInvalidDirection, posting.Direction)
	}
	if next.Coins < 0 {
		return Balance{}, WrapError("service", "balance", "negative", ErrInvalidBalance)
	}
	return next, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}
