// Package ratecard resolves the per-unit price and platform commission of a provider.
package ratecard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	// ErrRateNotFound is returned when neither a provider card nor a default exists.
	ErrRateNotFound = errors.New("rate card not found")
	// ErrInvalidDefaults is returned for an unusable defaults document.
	ErrInvalidDefaults = errors.New("invalid rate card defaults")

	hundred = decimal.NewFromInt(100)
)

// Card is a provider's price for one session kind.
type Card struct {
	ProviderID        string
	Kind              session.Kind
	UnitPrice         ledger.Coins
	CommissionPercent decimal.Decimal
}

// Rate converts the card to a validated rate snapshot.
func (card Card) Rate() (session.Rate, error) {
	if card.CommissionPercent.IsNegative() || card.CommissionPercent.GreaterThan(hundred) {
		return session.Rate{}, fmt.Errorf("%w: commission percent %s", session.ErrInvalidRate, card.CommissionPercent.String())
	}
	rate := session.Rate{
		UnitPrice:  card.UnitPrice,
		Commission: Commission(card.UnitPrice, card.CommissionPercent),
	}
	if err := rate.Validate(); err != nil {
		return session.Rate{}, err
	}
	return rate, nil
}

// Commission is round_half_up(price * percent / 100).
func Commission(price ledger.Coins, percent decimal.Decimal) ledger.Coins {
	amount := decimal.NewFromInt(price.Int64()).Mul(percent).Div(hundred).Round(0)
	return ledger.Coins(amount.IntPart())
}

// Source looks up stored provider cards.
type Source interface {
	FindCard(ctx context.Context, providerID string, kind session.Kind) (Card, bool, error)
}

// Resolver prefers a provider's own card and falls back to per-kind defaults.
type Resolver struct {
	source   Source
	defaults Defaults
}

// NewResolver wires a Resolver; source may be nil to serve defaults only.
func NewResolver(source Source, defaults Defaults) *Resolver {
	return &Resolver{source: source, defaults: defaults}
}

// GetRate returns the rate a new session of kind with providerID would capture.
func (resolver *Resolver) GetRate(ctx context.Context, providerID string, kind session.Kind) (session.Rate, error) {
	if resolver.source != nil {
		card, found, err := resolver.source.FindCard(ctx, providerID, kind)
		if err != nil {
			return session.Rate{}, err
		}
		if found {
			return card.Rate()
		}
	}
	card, found := resolver.defaults.Card(kind)
	if !found {
		return session.Rate{}, fmt.Errorf("%w: provider %s kind %s", ErrRateNotFound, providerID, kind)
	}
	return card.Rate()
}

// Defaults holds the fallback card per session kind.
type Defaults struct {
	cards map[session.Kind]Card
}

type defaultsDocument struct {
	Kinds map[string]defaultCard `yaml:"kinds"`
}

type defaultCard struct {
	UnitPrice         int64  `yaml:"unit_price"`
	CommissionPercent string `yaml:"commission_percent"`
}

// LoadDefaults reads a YAML defaults file.
func LoadDefaults(path string) (Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("read rate defaults: %w", err)
	}
	return ParseDefaults(data)
}

// ParseDefaults decodes a YAML document of the form
//
//	kinds:
//	  text: {unit_price: 20, commission_percent: "30"}
func ParseDefaults(data []byte) (Defaults, error) {
	var document defaultsDocument
	if err := yaml.Unmarshal(data, &document); err != nil {
		return Defaults{}, fmt.Errorf("%w: %v", ErrInvalidDefaults, err)
	}
	cards := make([]Card, 0, len(document.Kinds))
	for rawKind, entry := range document.Kinds {
		kind, err := session.ParseKind(rawKind)
		if err != nil {
			return Defaults{}, fmt.Errorf("%w: %v", ErrInvalidDefaults, err)
		}
		percent, err := decimal.NewFromString(strings.TrimSpace(entry.CommissionPercent))
		if err != nil {
			return Defaults{}, fmt.Errorf("%w: kind %s commission_percent: %v", ErrInvalidDefaults, kind, err)
		}
		card := Card{Kind: kind, UnitPrice: ledger.Coins(entry.UnitPrice), CommissionPercent: percent}
		if _, err := card.Rate(); err != nil {
			return Defaults{}, fmt.Errorf("%w: kind %s: %v", ErrInvalidDefaults, kind, err)
		}
		cards = append(cards, card)
	}
	return NewDefaults(cards...), nil
}

// NewDefaults builds defaults from cards keyed by their kind.
func NewDefaults(cards ...Card) Defaults {
	indexed := make(map[session.Kind]Card, len(cards))
	for _, card := range cards {
		indexed[card.Kind] = card
	}
	return Defaults{cards: indexed}
}

// Card returns the default for kind.
func (defaults Defaults) Card(kind session.Kind) (Card, bool) {
	card, found := defaults.cards[kind]
	return card, found
}
