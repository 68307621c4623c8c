package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Coins is an integer amount in the platform's smallest coin unit.
type Coins int64

// Int64 returns the raw amount.
func (coins Coins) Int64() int64 {
	return int64(coins)
}

// NewCoins validates a non-negative amount.
func NewCoins(raw int64) (Coins, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Coins(raw), nil
}

// NewPositiveCoins validates an amount and ensures it is strictly positive.
func NewPositiveCoins(raw int64) (Coins, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Coins(raw), nil
}

// ActorKind separates the three wallet owners.
type ActorKind string

const (
	ActorConsumer ActorKind = "consumer"
	ActorProvider ActorKind = "provider"
	ActorPlatform ActorKind = "platform"
)

// ParseActorKind validates an actor kind string.
func ParseActorKind(raw string) (ActorKind, error) {
	switch ActorKind(strings.TrimSpace(raw)) {
	case ActorConsumer:
		return ActorConsumer, nil
	case ActorProvider:
		return ActorProvider, nil
	case ActorPlatform:
		return ActorPlatform, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidActorKind, raw)
	}
}

func (kind ActorKind) String() string {
	return string(kind)
}

// ActorID identifies a wallet owner within its kind.
type ActorID struct {
	value string
}

// NewActorID validates and normalizes an actor id.
func NewActorID(raw string) (ActorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActorID{}, fmt.Errorf("%w: empty value", ErrInvalidActorID)
	}
	return ActorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ActorID) String() string {
	return id.value
}

// Account addresses one balance row.
type Account struct {
	Kind ActorKind
	ID   ActorID
}

// NewAccount validates an account reference.
func NewAccount(kind ActorKind, rawID string) (Account, error) {
	if _, err := ParseActorKind(kind.String()); err != nil {
		return Account{}, err
	}
	actorID, err := NewActorID(rawID)
	if err != nil {
		return Account{}, err
	}
	return Account{Kind: kind, ID: actorID}, nil
}

// PlatformAccount returns the commission account.
func PlatformAccount() Account {
	return Account{Kind: ActorPlatform, ID: ActorID{value: PlatformActorID}}
}

// String renders kind:id, used for lock ordering and logs.
func (account Account) String() string {
	return account.Kind.String() + idempotencyKeyDelimiter + account.ID.String()
}

// Direction marks an entry as increasing or decreasing a balance.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// ParseDirection validates a direction string.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.TrimSpace(raw)) {
	case DirectionCredit:
		return DirectionCredit, nil
	case DirectionDebit:
		return DirectionDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

func (direction Direction) String() string {
	return string(direction)
}

// Category tags what an entry paid for.
type Category string

const (
	CategoryChat       Category = "chat"
	CategoryCall       Category = "call"
	CategoryVideo      Category = "video"
	CategoryRecharge   Category = "recharge"
	CategoryGift       Category = "gift"
	CategoryOrder      Category = "order"
	CategoryCommission Category = "commission"
	CategoryPayout     Category = "payout"
)

var knownCategories = map[Category]struct{}{
	CategoryChat:       {},
	CategoryCall:       {},
	CategoryVideo:      {},
	CategoryRecharge:   {},
	CategoryGift:       {},
	CategoryOrder:      {},
	CategoryCommission: {},
	CategoryPayout:     {},
}

// ParseCategory validates a category string.
func ParseCategory(raw string) (Category, error) {
	category := Category(strings.TrimSpace(raw))
	if _, ok := knownCategories[category]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
	}
	return category, nil
}

func (category Category) String() string {
	return string(category)
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	Account        Account
	Direction      Direction
	Amount         Coins
	Category       Category
	SessionID      string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Balance is the mutable current amount of one account.
type Balance struct {
	Account Account
	Coins   Coins
	Version int64
}

// Posting is one leg of an atomic group of entries.
type Posting struct {
	Account   Account
	Direction Direction
	Amount    Coins
	Category  Category
	suffix    string
}

// UnitCharge describes one billed unit split between consumer, provider and platform.
type UnitCharge struct {
	Consumer       ActorID
	Provider       ActorID
	Price          Coins
	Commission     Coins
	Category       Category
	SessionID      string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
}

// ProviderShare is what the provider earns for the unit.
func (charge UnitCharge) ProviderShare() Coins {
	return charge.Price - charge.Commission
}

// Validate rejects negative legs and a commission that leaves the provider nothing.
func (charge UnitCharge) Validate() error {
	if charge.Consumer.String() == "" || charge.Provider.String() == "" {
		return fmt.Errorf("%w: consumer and provider are required", ErrInvalidCharge)
	}
	if charge.Price <= 0 {
		return fmt.Errorf("%w: price must be greater than zero", ErrInvalidCharge)
	}
	if charge.Commission < 0 || charge.Commission >= charge.Price {
		return fmt.Errorf("%w: commission %d out of range for price %d", ErrInvalidCharge, charge.Commission, charge.Price)
	}
	if _, err := ParseCategory(charge.Category.String()); err != nil {
		return err
	}
	if charge.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidCharge)
	}
	return nil
}

// ChargeResult reports balances after a unit charge.
type ChargeResult struct {
	Consumer Balance
	Provider Balance
	Platform Balance
	Entries  []Entry
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockBalance returns the balance row, creating it at zero, and locks it for the transaction.
	LockBalance(ctx context.Context, account Account) (Balance, error)
	// GetBalance reads a balance without creating it; a missing row is a zero balance.
	GetBalance(ctx context.Context, account Account) (Balance, error)
	// UpdateBalance writes coins when the stored version still equals expectedVersion.
	UpdateBalance(ctx context.Context, account Account, coins Coins, expectedVersion int64) error
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, account Account, beforeUnixUTC int64, limit int) ([]Entry, error)
}
