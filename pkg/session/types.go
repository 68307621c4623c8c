package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
)

// Kind is the medium of a consultation.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind validates a session kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindText:
		return KindText, nil
	case KindAudio:
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

func (kind Kind) String() string {
	return string(kind)
}

// LedgerCategory maps the medium onto the wallet category used for its charges.
func (kind Kind) LedgerCategory() ledger.Category {
	switch kind {
	case KindAudio:
		return ledger.CategoryCall
	case KindVideo:
		return ledger.CategoryVideo
	default:
		return ledger.CategoryChat
	}
}

// Party names who acted on a session.
type Party string

const (
	PartyNone     Party = ""
	PartyConsumer Party = "consumer"
	PartyProvider Party = "provider"
	PartySystem   Party = "system"
)

// ParseParty validates a party; the empty string is rejected.
func ParseParty(raw string) (Party, error) {
	switch Party(strings.TrimSpace(raw)) {
	case PartyConsumer:
		return PartyConsumer, nil
	case PartyProvider:
		return PartyProvider, nil
	case PartySystem:
		return PartySystem, nil
	default:
		return PartyNone, fmt.Errorf("%w: %q", ErrInvalidParty, raw)
	}
}

func (party Party) String() string {
	return string(party)
}

// ID identifies a session.
type ID struct {
	value string
}

// NewID validates and normalizes a session id.
func NewID(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return ID{value: trimmed}, nil
}

func (id ID) String() string {
	return id.value
}

// Rate is the price snapshot billed per unit.
type Rate struct {
	UnitPrice  ledger.Coins
	Commission ledger.Coins
}

// Validate rejects a commission that would leave the provider nothing.
func (rate Rate) Validate() error {
	if rate.UnitPrice <= 0 {
		return fmt.Errorf("%w: unit price must be greater than zero", ErrInvalidRate)
	}
	if rate.Commission < 0 || rate.Commission >= rate.UnitPrice {
		return fmt.Errorf("%w: commission %d must be below unit price %d", ErrInvalidRate, rate.Commission, rate.UnitPrice)
	}
	return nil
}

// Session is one consultation between a consumer and a provider.
type Session struct {
	ID              ID
	Kind            Kind
	ConsumerID      string
	ProviderID      string
	Status          Status
	RejectedBy      Party
	EndedBy         Party
	Reason          string
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
	ActiveAt        *time.Time
	EndedAt         *time.Time
	Rate            Rate
	UnitSeconds     int64
	ChargedUnits    int64
	ChargedAmount   ledger.Coins
	BillingDegraded bool
	SettledAt       *time.Time
}

// Participant reports which side actorID is on, or PartyNone.
func (session Session) Participant(actorID string) Party {
	switch strings.TrimSpace(actorID) {
	case session.ConsumerID:
		return PartyConsumer
	case session.ProviderID:
		return PartyProvider
	default:
		return PartyNone
	}
}

// Counterpart returns the actor id on the other side of party.
func (session Session) Counterpart(party Party) string {
	if party == PartyConsumer {
		return session.ProviderID
	}
	return session.ConsumerID
}

// Settled reports whether termination already ran.
func (session Session) Settled() bool {
	return session.SettledAt != nil
}

// WasActive reports whether the session ever reached active.
func (session Session) WasActive() bool {
	return session.ActiveAt != nil
}

// UnitDuration is the billing unit captured at activation.
func (session Session) UnitDuration() time.Duration {
	return time.Duration(session.UnitSeconds) * time.Second
}

// Summary is the final accounting reported when a session ends.
type Summary struct {
	SessionID   ID
	Status      Status
	EndedBy     Party
	Reason      string
	TotalUnits  int64
	TotalAmount ledger.Coins
	Duration    time.Duration
}

// BodyKind separates plain text, uploaded media and system notes.
type BodyKind string

const (
	BodyText   BodyKind = "text"
	BodyMedia  BodyKind = "media"
	BodySystem BodyKind = "system"
)

// ParseBodyKind validates a message body kind; empty means text.
func ParseBodyKind(raw string) (BodyKind, error) {
	switch BodyKind(strings.TrimSpace(raw)) {
	case "", BodyText:
		return BodyText, nil
	case BodyMedia:
		return BodyMedia, nil
	case BodySystem:
		return BodySystem, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBodyKind, raw)
	}
}

// Message is one transcript line.
type Message struct {
	ID         string
	SessionID  ID
	SenderID   string
	SenderKind Party
	Body       string
	BodyKind   BodyKind
	CreatedAt  time.Time
}

// Availability is whether a provider can take a new session.
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
)

// ParseAvailability validates a provider availability value.
func ParseAvailability(raw string) (Availability, error) {
	switch Availability(strings.TrimSpace(raw)) {
	case AvailabilityAvailable:
		return AvailabilityAvailable, nil
	case AvailabilityBusy:
		return AvailabilityBusy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAvailability, raw)
	}
}

func (availability Availability) String() string {
	return string(availability)
}

func (bodyKind BodyKind) String() string {
	return string(bodyKind)
}
