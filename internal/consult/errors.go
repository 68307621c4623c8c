package consult

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/consult/internal/ratecard"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
)

// Reason is the stable code reported to clients when an operation is refused.
type Reason string

const (
	ReasonNoFunds             Reason = "no-funds"
	ReasonProviderUnreachable Reason = "provider-unreachable"
	ReasonAlreadyInSession    Reason = "already-in-session"
	ReasonDuplicateRequest    Reason = "duplicate-request"
	ReasonNotFound            Reason = "not-found"
	ReasonInvalidRequest      Reason = "invalid-request"
	ReasonInvalidState        Reason = "invalid-state"
	ReasonSessionFinalized    Reason = "session-finalized"
	ReasonNotParticipant      Reason = "not-participant"
	ReasonRestrictedContent   Reason = "restricted-content"
	ReasonRateMisconfigured   Reason = "rate-misconfigured"
	ReasonInternal            Reason = "internal"
)

var reasonMessages = map[Reason]string{
	ReasonNoFunds:             "wallet balance does not cover one billing unit",
	ReasonProviderUnreachable: "provider is offline",
	ReasonAlreadyInSession:    "a participant is already in another session",
	ReasonDuplicateRequest:    "a request to this provider is already pending",
	ReasonNotFound:            "session not found",
	ReasonInvalidRequest:      "request is invalid",
	ReasonInvalidState:        "session is not in a state that allows this action",
	ReasonSessionFinalized:    "session already finalized",
	ReasonNotParticipant:      "actor is not a participant of this session",
	ReasonRestrictedContent:   "message contains contact details",
	ReasonRateMisconfigured:   "provider rate is misconfigured",
	ReasonInternal:            "internal error",
}

func (reason Reason) String() string {
	return string(reason)
}

// Message is the human readable text for reason.
func (reason Reason) Message() string {
	if message, ok := reasonMessages[reason]; ok {
		return message
	}
	return reasonMessages[ReasonInternal]
}

// ErrInvalidCoordinatorConfig is returned when required dependencies are missing.
var ErrInvalidCoordinatorConfig = errors.New("invalid coordinator config")

// RejectionError is a refused operation carrying its client-facing reason.
type RejectionError struct {
	Reason Reason
	Err    error
}

func (rejection *RejectionError) Error() string {
	if rejection == nil {
		return ""
	}
	if rejection.Err == nil {
		return rejection.Reason.String()
	}
	return fmt.Sprintf("%s: %v", rejection.Reason, rejection.Err)
}

func (rejection *RejectionError) Unwrap() error {
	if rejection == nil {
		return nil
	}
	return rejection.Err
}

func reject(reason Reason, err error) error {
	if err == nil {
		err = errors.New(reason.Message())
	}
	return &RejectionError{Reason: reason, Err: err}
}

// ReasonOf maps any error returned by the coordinator to a reason code.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ReasonNotFound
	case errors.Is(err, session.ErrSessionFinalized):
		return ReasonSessionFinalized
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrStaleSession):
		return ReasonInvalidState
	case errors.Is(err, session.ErrInvalidRate), errors.Is(err, ratecard.ErrRateNotFound), errors.Is(err, ledger.ErrInvalidCharge):
		return ReasonRateMisconfigured
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ReasonNoFunds
	case errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, session.ErrInvalidKind),
		errors.Is(err, session.ErrInvalidParty),
		errors.Is(err, session.ErrInvalidBodyKind),
		errors.Is(err, ledger.ErrInvalidActorID):
		return ReasonInvalidRequest
	default:
		return ReasonInternal
	}
}

// classify wraps a state machine or store error with its reason.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return err
	}
	return reject(ReasonOf(err), err)
}
