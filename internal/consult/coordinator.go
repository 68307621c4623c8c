// Package consult coordinates consultation sessions: requests, responses, billing,
// termination and chat between a consumer and a provider.
package consult

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultResponseTimeout      = 5 * time.Minute
	defaultRingTimeout          = 30 * time.Second
	defaultBillingUnit          = time.Minute
	defaultPushTimeout          = 5 * time.Second
	defaultLowBalanceMultiplier = 3
	defaultDisconnectGrace      = 2 * time.Minute
)

// Timings holds the coordinator's clock-driven settings.
type Timings struct {
	ResponseTimeout      time.Duration
	RingTimeout          time.Duration
	BillingUnit          time.Duration
	PushTimeout          time.Duration
	LowBalanceMultiplier int64
	// DisconnectGrace is how long an active participant may stay offline before the
	// platform ends the session.
	DisconnectGrace time.Duration
}

// DefaultTimings returns the production defaults.
func DefaultTimings() Timings {
	return Timings{
		ResponseTimeout:      defaultResponseTimeout,
		RingTimeout:          defaultRingTimeout,
		BillingUnit:          defaultBillingUnit,
		PushTimeout:          defaultPushTimeout,
		LowBalanceMultiplier: defaultLowBalanceMultiplier,
		DisconnectGrace:      defaultDisconnectGrace,
	}
}

func (timings Timings) withDefaults() Timings {
	defaults := DefaultTimings()
	if timings.ResponseTimeout <= 0 {
		timings.ResponseTimeout = defaults.ResponseTimeout
	}
	if timings.RingTimeout <= 0 {
		timings.RingTimeout = defaults.RingTimeout
	}
	if timings.BillingUnit < time.Second {
		timings.BillingUnit = defaults.BillingUnit
	}
	if timings.PushTimeout <= 0 {
		timings.PushTimeout = defaults.PushTimeout
	}
	if timings.LowBalanceMultiplier <= 0 {
		timings.LowBalanceMultiplier = defaults.LowBalanceMultiplier
	}
	if timings.DisconnectGrace <= 0 {
		timings.DisconnectGrace = defaults.DisconnectGrace
	}
	return timings
}

// Wallet is the part of the ledger the coordinator bills against.
type Wallet interface {
	billing.Wallet
}

// RateSource resolves the rate a new session captures.
type RateSource interface {
	GetRate(ctx context.Context, providerID string, kind session.Kind) (session.Rate, error)
}

// Dependencies wires a Coordinator. Pusher, Waitlist, Scheduler, Clock and Logger are optional.
type Dependencies struct {
	Sessions  session.Store
	Providers session.ProviderDirectory
	Wallet    Wallet
	Rates     RateSource
	Presence  Presence
	Notifier  Notifier
	Filter    ContentFilter
	Pusher    Pusher
	Waitlist  Waitlist
	Scheduler billing.Scheduler
	Clock     func() time.Time
	Logger    *zap.Logger
	Timings   Timings
}

// Coordinator owns every session state change.
type Coordinator struct {
	sessions  session.Store
	providers session.ProviderDirectory
	rates     RateSource
	presence  Presence
	notifier  Notifier
	filter    ContentFilter
	pusher    Pusher
	waitlist  Waitlist
	scheduler billing.Scheduler
	biller    *billing.Biller
	meter     *billing.Meter
	clock     func() time.Time
	logger    *zap.Logger
	timings   Timings

	locks    *keyedMutex
	timersMu sync.Mutex
	timers   map[string]billing.Timer
	// graces holds one disconnect timer per offline actor.
	graces map[string]billing.Timer
}

// NewCoordinator validates dependencies and builds a Coordinator.
func NewCoordinator(dependencies Dependencies) (*Coordinator, error) {
	switch {
	case dependencies.Sessions == nil:
		return nil, fmt.Errorf("%w: session store is nil", ErrInvalidCoordinatorConfig)
	case dependencies.Providers == nil:
		return nil, fmt.Errorf("%w: provider directory is nil", ErrInvalidCoordinatorConfig)
	case dependencies.Wallet == nil:
		return nil, fmt.Errorf("%w: wallet is nil", ErrInvalidCoordinatorConfig)
	case dependencies.Rates == nil:
		return nil, fmt.Errorf("%w: rate source is nil", ErrInvalidCoordinatorConfig)
	case dependencies.Presence == nil:
		return nil, fmt.Errorf("%w: presence is nil", ErrInvalidCoordinatorConfig)
	case dependencies.Notifier == nil:
		return nil, fmt.Errorf("%w: notifier is nil", ErrInvalidCoordinatorConfig)
	case dependencies.Filter == nil:
		return nil, fmt.Errorf("%w: content filter is nil", ErrInvalidCoordinatorConfig)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := dependencies.Scheduler
	if scheduler == nil {
		scheduler = billing.WallClock{}
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = time.Now
	}
	waitlist := dependencies.Waitlist
	if waitlist == nil {
		waitlist = NewMemoryWaitlist()
	}
	timings := dependencies.Timings.withDefaults()

	biller, err := billing.NewBiller(dependencies.Wallet, logger, billing.WithLowBalanceMultiplier(timings.LowBalanceMultiplier))
	if err != nil {
		return nil, err
	}
	// A tick must finish before the next unit is due.
	meter, err := billing.NewMeter(scheduler, logger, billing.WithTickTimeout(timings.BillingUnit))
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		sessions:  dependencies.Sessions,
		providers: dependencies.Providers,
		rates:     dependencies.Rates,
		presence:  dependencies.Presence,
		notifier:  dependencies.Notifier,
		filter:    dependencies.Filter,
		pusher:    dependencies.Pusher,
		waitlist:  waitlist,
		scheduler: scheduler,
		biller:    biller,
		meter:     meter,
		clock:     clock,
		logger:    logger,
		timings:   timings,
		locks:     newKeyedMutex(),
		timers:    make(map[string]billing.Timer),
		graces:    make(map[string]billing.Timer),
	}, nil
}

// RequestInput is a consumer's request for a session.
type RequestInput struct {
	ConsumerID   string
	ProviderID   string
	Kind         string
	JoinWaitlist bool
}

// RequestSession creates a pending session after checking every precondition.
// A refusal notifies the consumer and creates nothing.
func (coordinator *Coordinator) RequestSession(ctx context.Context, input RequestInput) (session.Session, error) {
	consumerID := strings.TrimSpace(input.ConsumerID)
	created, err := coordinator.requestSession(ctx, consumerID, strings.TrimSpace(input.ProviderID), input.Kind, input.JoinWaitlist)
	if err != nil {
		coordinator.notifyError(consumerID, "", err)
		return session.Session{}, err
	}
	coordinator.notify(created.ProviderID, EventRequestReceived, created.ID.String(), map[string]any{
		"consumerId": created.ConsumerID,
		"kind":       created.Kind.String(),
		"createdAt":  created.CreatedAt,
	})
	coordinator.pushAsync(created.ProviderID, "New consultation request", fmt.Sprintf("A %s consultation is waiting for you", created.Kind))
	return created, nil
}

func (coordinator *Coordinator) requestSession(ctx context.Context, consumerID, providerID, rawKind string, joinWaitlist bool) (session.Session, error) {
	if consumerID == "" || providerID == "" {
		return session.Session{}, reject(ReasonInvalidRequest, fmt.Errorf("%w: consumer and provider are required", ledger.ErrInvalidActorID))
	}
	if consumerID == providerID {
		return session.Session{}, reject(ReasonInvalidRequest, fmt.Errorf("%w: consumer cannot consult themselves", ledger.ErrInvalidActorID))
	}
	kind, err := session.ParseKind(rawKind)
	if err != nil {
		return session.Session{}, reject(ReasonInvalidRequest, err)
	}
	isProvider, err := coordinator.providers.IsProvider(ctx, providerID)
	if err != nil {
		return session.Session{}, reject(ReasonInternal, err)
	}
	if !isProvider {
		return session.Session{}, reject(ReasonNotFound, fmt.Errorf("%w: %s", session.ErrUnknownProvider, providerID))
	}
	rate, err := coordinator.rates.GetRate(ctx, providerID, kind)
	if err != nil {
		return session.Session{}, classify(err)
	}
	if err := rate.Validate(); err != nil {
		return session.Session{}, reject(ReasonRateMisconfigured, err)
	}
	if !coordinator.presence.Online(providerID) {
		return session.Session{}, reject(ReasonProviderUnreachable, nil)
	}

	release := coordinator.locks.LockAll(actorKey(consumerID), actorKey(providerID))
	defer release()

	consumerSessions, err := coordinator.sessions.ListOpenSessions(ctx, consumerID, session.PartyConsumer)
	if err != nil {
		return session.Session{}, reject(ReasonInternal, err)
	}
	// An active session does not block queueing one request elsewhere; activation re-checks.
	for _, open := range consumerSessions {
		if open.Status == session.StatusActive {
			continue
		}
		if open.ProviderID == providerID {
			return session.Session{}, reject(ReasonDuplicateRequest, nil)
		}
		return session.Session{}, reject(ReasonAlreadyInSession, nil)
	}
	busy, err := coordinator.actorBusy(ctx, providerID)
	if err != nil {
		return session.Session{}, reject(ReasonInternal, err)
	}
	if busy {
		if joinWaitlist {
			if err := coordinator.waitlist.Enqueue(ctx, providerID, consumerID); err != nil {
				coordinator.logger.Warn("waitlist enqueue failed", zap.String("provider_id", providerID), zap.String("consumer_id", consumerID), zap.Error(err))
			} else {
				return session.Session{}, reject(ReasonAlreadyInSession, ErrWaitlisted)
			}
		}
		return session.Session{}, reject(ReasonAlreadyInSession, nil)
	}
	consumerBusy, err := coordinator.actorBusyAsProvider(ctx, consumerID)
	if err != nil {
		return session.Session{}, reject(ReasonInternal, err)
	}
	if consumerBusy {
		return session.Session{}, reject(ReasonAlreadyInSession, nil)
	}

	enough, _, err := coordinator.biller.HasFundsForUnit(ctx, consumerID, rate.UnitPrice)
	if err != nil {
		return session.Session{}, reject(ReasonInternal, err)
	}
	if !enough {
		return session.Session{}, reject(ReasonNoFunds, nil)
	}

	id, err := session.NewID(uuid.NewString())
	if err != nil {
		return session.Session{}, reject(ReasonInternal, err)
	}
	created := session.Session{
		ID:         id,
		Kind:       kind,
		ConsumerID: consumerID,
		ProviderID: providerID,
		Status:     session.StatusPending,
		CreatedAt:  coordinator.now(),
	}
	if err := coordinator.sessions.CreateSession(ctx, created); err != nil {
		return session.Session{}, reject(ReasonInternal, err)
	}
	if err := coordinator.waitlist.Remove(ctx, providerID, consumerID); err != nil {
		coordinator.logger.Warn("waitlist remove failed", zap.String("provider_id", providerID), zap.Error(err))
	}
	coordinator.armTimeout(created.ID, coordinator.timings.ResponseTimeout, coordinator.expirePending)
	coordinator.logger.Info("session requested",
		zap.String("session_id", created.ID.String()),
		zap.String("consumer_id", consumerID),
		zap.String("provider_id", providerID),
		zap.String("kind", kind.String()),
	)
	return created, nil
}

// actorBusy reports whether providerID already holds an open session as provider.
func (coordinator *Coordinator) actorBusy(ctx context.Context, providerID string) (bool, error) {
	open, err := coordinator.sessions.ListOpenSessions(ctx, providerID, session.PartyProvider)
	if err != nil {
		return false, err
	}
	if len(open) > 0 {
		return true, nil
	}
	asConsumer, err := coordinator.sessions.ListOpenSessions(ctx, providerID, session.PartyConsumer)
	if err != nil {
		return false, err
	}
	return len(asConsumer) > 0, nil
}

func (coordinator *Coordinator) actorBusyAsProvider(ctx context.Context, actorID string) (bool, error) {
	open, err := coordinator.sessions.ListOpenSessions(ctx, actorID, session.PartyProvider)
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

// RespondAsProvider confirms or rejects a pending session.
func (coordinator *Coordinator) RespondAsProvider(ctx context.Context, rawSessionID, providerID string, confirm bool) (session.Session, error) {
	release, current, err := coordinator.lockParticipant(ctx, rawSessionID, providerID, session.PartyProvider)
	if err != nil {
		coordinator.notifyError(providerID, rawSessionID, err)
		return session.Session{}, err
	}
	defer release()

	if current.Status != session.StatusPending {
		err := classify(stateError(current, session.StatusConfirmed))
		coordinator.notifyError(providerID, rawSessionID, err)
		return session.Session{}, err
	}
	if !confirm {
		rejected, err := coordinator.rejectLocked(ctx, current, session.PartyProvider, "rejected by provider")
		if err != nil {
			coordinator.notifyError(providerID, rawSessionID, err)
			return session.Session{}, err
		}
		if err := coordinator.waitlist.Remove(ctx, current.ProviderID, current.ConsumerID); err != nil {
			coordinator.logger.Warn("waitlist remove failed", zap.String("session_id", rawSessionID), zap.Error(err))
		}
		return rejected, nil
	}

	confirmed, err := current.Confirm(coordinator.now())
	if err != nil {
		err = classify(err)
		coordinator.notifyError(providerID, rawSessionID, err)
		return session.Session{}, err
	}
	if err := coordinator.sessions.UpdateSession(ctx, confirmed, current.Status); err != nil {
		err = classify(err)
		coordinator.notifyError(providerID, rawSessionID, err)
		return session.Session{}, err
	}
	coordinator.cancelTimeout(confirmed.ID)
	if err := coordinator.sessions.OpenTranscript(ctx, confirmed.ID, *confirmed.ConfirmedAt); err != nil {
		coordinator.logger.Error("transcript open failed", zap.String("session_id", rawSessionID), zap.Error(err))
	}
	coordinator.armTimeout(confirmed.ID, coordinator.timings.RingTimeout, coordinator.expireRing)
	payload := map[string]any{"kind": confirmed.Kind.String(), "ringSeconds": int64(coordinator.timings.RingTimeout / time.Second)}
	coordinator.notifyBoth(confirmed, EventConfirmed, payload)
	coordinator.logger.Info("session confirmed", zap.String("session_id", rawSessionID))
	return confirmed, nil
}

// RespondAsConsumer joins a confirmed session or declines it.
func (coordinator *Coordinator) RespondAsConsumer(ctx context.Context, rawSessionID, consumerID string, accept bool) (session.Session, error) {
	if accept {
		return coordinator.JoinAsConsumer(ctx, rawSessionID, consumerID)
	}
	release, current, err := coordinator.lockParticipant(ctx, rawSessionID, consumerID, session.PartyConsumer)
	if err != nil {
		coordinator.notifyError(consumerID, rawSessionID, err)
		return session.Session{}, err
	}
	defer release()
	rejected, err := coordinator.rejectLocked(ctx, current, session.PartyConsumer, "declined by consumer")
	if err != nil {
		coordinator.notifyError(consumerID, rawSessionID, err)
		return session.Session{}, err
	}
	return rejected, nil
}

// JoinAsConsumer activates a confirmed session, charges the first unit and starts the meter.
func (coordinator *Coordinator) JoinAsConsumer(ctx context.Context, rawSessionID, consumerID string) (session.Session, error) {
	release, current, err := coordinator.lockParticipant(ctx, rawSessionID, consumerID, session.PartyConsumer)
	if err != nil {
		coordinator.notifyError(consumerID, rawSessionID, err)
		return session.Session{}, err
	}
	defer release()

	started, err := coordinator.activateLocked(ctx, current)
	if err != nil {
		coordinator.notifyError(consumerID, rawSessionID, err)
		return session.Session{}, err
	}
	return started, nil
}

func (coordinator *Coordinator) activateLocked(ctx context.Context, current session.Session) (session.Session, error) {
	if current.Status != session.StatusConfirmed {
		return session.Session{}, classify(stateError(current, session.StatusActive))
	}
	rate, err := coordinator.rates.GetRate(ctx, current.ProviderID, current.Kind)
	if err != nil {
		return session.Session{}, classify(err)
	}
	active, err := current.Activate(coordinator.now(), rate, coordinator.timings.BillingUnit)
	if err != nil {
		return session.Session{}, classify(err)
	}
	if err := coordinator.commitActivation(ctx, active, current.Status); err != nil {
		return session.Session{}, err
	}
	coordinator.cancelTimeout(active.ID)
	if err := coordinator.providers.SetAvailability(ctx, active.ProviderID, session.AvailabilityBusy); err != nil {
		coordinator.logger.Warn("provider availability update failed", zap.String("provider_id", active.ProviderID), zap.Error(err))
	}
	coordinator.appendSystemMessage(ctx, active, "session started")
	coordinator.notifyBoth(active, EventStarted, map[string]any{
		"unitPrice":   active.Rate.UnitPrice.Int64(),
		"unitSeconds": active.UnitSeconds,
		"activeAt":    *active.ActiveAt,
	})
	coordinator.logger.Info("session started",
		zap.String("session_id", active.ID.String()),
		zap.Int64("unit_price", active.Rate.UnitPrice.Int64()),
		zap.Int64("commission", active.Rate.Commission.Int64()),
	)

	billed, keepBilling := coordinator.billLocked(ctx, active)
	if !keepBilling {
		return billed, nil
	}
	if err := coordinator.meter.Start(billed.ID.String(), billed.UnitDuration(), coordinator.tickFunc(billed.ID)); err != nil {
		coordinator.logger.Error("billing meter start failed", zap.String("session_id", billed.ID.String()), zap.Error(err))
	}
	return billed, nil
}

// commitActivation stores the activated session unless its consumer is already in another active one.
func (coordinator *Coordinator) commitActivation(ctx context.Context, active session.Session, expected session.Status) error {
	release := coordinator.locks.Lock(actorKey(active.ConsumerID))
	defer release()
	consumerSessions, err := coordinator.sessions.ListOpenSessions(ctx, active.ConsumerID, session.PartyConsumer)
	if err != nil {
		return reject(ReasonInternal, err)
	}
	for _, open := range consumerSessions {
		if open.ID != active.ID && open.Status == session.StatusActive {
			return reject(ReasonAlreadyInSession, nil)
		}
	}
	if err := coordinator.sessions.UpdateSession(ctx, active, expected); err != nil {
		return classify(err)
	}
	return nil
}

// GetSession returns a session to one of its participants.
func (coordinator *Coordinator) GetSession(ctx context.Context, rawSessionID, actorID string) (session.Session, error) {
	id, err := session.NewID(rawSessionID)
	if err != nil {
		return session.Session{}, classify(err)
	}
	current, err := coordinator.sessions.GetSession(ctx, id)
	if err != nil {
		return session.Session{}, classify(err)
	}
	if current.Participant(actorID) == session.PartyNone {
		return session.Session{}, reject(ReasonNotParticipant, nil)
	}
	return current, nil
}

// ListMessages returns the transcript of a session to one of its participants.
func (coordinator *Coordinator) ListMessages(ctx context.Context, rawSessionID, actorID string, limit int) ([]session.Message, error) {
	current, err := coordinator.GetSession(ctx, rawSessionID, actorID)
	if err != nil {
		return nil, err
	}
	messages, err := coordinator.sessions.ListMessages(ctx, current.ID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return messages, nil
}

// lockParticipant takes the session lock and loads the session for an actor expected to play party.
func (coordinator *Coordinator) lockParticipant(ctx context.Context, rawSessionID, actorID string, party session.Party) (func(), session.Session, error) {
	id, err := session.NewID(rawSessionID)
	if err != nil {
		return nil, session.Session{}, classify(err)
	}
	release := coordinator.locks.Lock(sessionKey(id.String()))
	current, err := coordinator.sessions.GetSession(ctx, id)
	if err != nil {
		release()
		return nil, session.Session{}, classify(err)
	}
	if party != session.PartySystem && current.Participant(actorID) != party {
		release()
		return nil, session.Session{}, reject(ReasonNotParticipant, nil)
	}
	return release, current, nil
}

func (coordinator *Coordinator) rejectLocked(ctx context.Context, current session.Session, by session.Party, reason string) (session.Session, error) {
	rejected, err := current.Reject(by, reason, coordinator.now())
	if err != nil {
		return session.Session{}, classify(err)
	}
	if err := coordinator.sessions.UpdateSession(ctx, rejected, current.Status); err != nil {
		return session.Session{}, classify(err)
	}
	coordinator.cancelTimeout(rejected.ID)
	coordinator.notifyBoth(rejected, EventRejected, map[string]any{
		"rejectedBy": rejected.RejectedBy.String(),
		"reason":     rejected.Reason,
	})
	coordinator.logger.Info("session rejected",
		zap.String("session_id", rejected.ID.String()),
		zap.String("rejected_by", by.String()),
		zap.String("reason", reason),
	)
	coordinator.releaseProvider(ctx, rejected, false)
	return rejected, nil
}

func stateError(current session.Session, target session.Status) error {
	if current.Status.Terminal() {
		return session.ErrSessionFinalized
	}
	return fmt.Errorf("%w: %s to %s", session.ErrInvalidTransition, current.Status, target)
}

func (coordinator *Coordinator) now() time.Time {
	return coordinator.clock().UTC()
}
