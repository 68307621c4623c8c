package consult

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/ratecard"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"github.com/shopspring/decimal"
)

func TestNewCoordinatorRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewCoordinator(Dependencies{}); !errors.Is(err, ErrInvalidCoordinatorConfig) {
		test.Fatalf("expected ErrInvalidCoordinatorConfig, got %v", err)
	}
}

func TestRequestSessionRefusals(test *testing.T) {
	test.Parallel()

	const (
		caseUnreachable  = "provider offline"
		caseUnknown      = "unknown provider"
		caseSelf         = "consumer equals provider"
		caseBadKind      = "unknown kind"
		caseNoFunds      = "balance below one unit"
		caseMissingActor = "blank consumer"
	)

	testCases := []struct {
		name       string
		consumerID string
		providerID string
		kind       string
		funds      ledger.Coins
		offline    bool
		expected   Reason
	}{
		{name: caseUnreachable, consumerID: testConsumerID, providerID: testProviderID, kind: "text", funds: 100, offline: true, expected: ReasonProviderUnreachable},
		{name: caseUnknown, consumerID: testConsumerID, providerID: "astro-404", kind: "text", funds: 100, expected: ReasonNotFound},
		{name: caseSelf, consumerID: testProviderID, providerID: testProviderID, kind: "text", funds: 100, expected: ReasonInvalidRequest},
		{name: caseBadKind, consumerID: testConsumerID, providerID: testProviderID, kind: "smoke-signal", funds: 100, expected: ReasonInvalidRequest},
		{name: caseNoFunds, consumerID: testConsumerID, providerID: testProviderID, kind: "text", funds: 29, expected: ReasonNoFunds},
		{name: caseMissingActor, consumerID: " ", providerID: testProviderID, kind: "text", funds: 0, expected: ReasonInvalidRequest},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			testHarness := newHarness(test)
			if testCase.funds > 0 {
				testHarness.fund(test, testConsumerID, testCase.funds)
			}
			if testCase.offline {
				testHarness.presence.set(testProviderID, false)
			}
			_, err := testHarness.coordinator.RequestSession(context.Background(), RequestInput{
				ConsumerID: testCase.consumerID,
				ProviderID: testCase.providerID,
				Kind:       testCase.kind,
			})
			expectReason(test, err, testCase.expected)

			open, err := testHarness.sessions.ListOpenSessions(context.Background(), testProviderID, session.PartyProvider)
			if err != nil {
				test.Fatalf("list open: %v", err)
			}
			if len(open) != 0 {
				test.Fatalf("refused request must not create a session, got %d", len(open))
			}
			if testCase.consumerID == testConsumerID {
				errorsSent := testHarness.notifier.eventsFor(testConsumerID, EventError)
				if len(errorsSent) != 1 || errorsSent[0].Payload["reason"] != testCase.expected.String() {
					test.Fatalf("expected one error event with %s, got %+v", testCase.expected, errorsSent)
				}
			}
		})
	}
}

func TestRequestSessionRejectsMisconfiguredRate(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	card := ratecard.Card{ProviderID: testProviderID, Kind: session.KindText, UnitPrice: 30, CommissionPercent: decimal.NewFromInt(100)}
	if err := testHarness.rateCards.UpsertCard(context.Background(), card); err != nil {
		test.Fatalf("upsert card: %v", err)
	}
	_, err := testHarness.coordinator.RequestSession(context.Background(), RequestInput{ConsumerID: testConsumerID, ProviderID: testProviderID, Kind: "text"})
	expectReason(test, err, ReasonRateMisconfigured)
}

func TestRequestSessionNotifiesProviderAndArmsTimeout(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)

	created := testHarness.request(test, testConsumerID)
	if created.Status != session.StatusPending || created.Kind != session.KindText {
		test.Fatalf("unexpected session %+v", created)
	}
	received := testHarness.notifier.eventsFor(testProviderID, EventRequestReceived)
	if len(received) != 1 || received[0].SessionID != created.ID.String() || received[0].Payload["consumerId"] != testConsumerID {
		test.Fatalf("unexpected request-received events %+v", received)
	}
	if testHarness.coordinator.pendingTimeouts() != 1 {
		test.Fatalf("expected response timeout to be armed")
	}
}

func TestRequestSessionExclusivity(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	testHarness.fund(test, testOtherConsumerID, 100)
	ctx := context.Background()

	first := testHarness.request(test, testConsumerID)

	_, err := testHarness.coordinator.RequestSession(ctx, RequestInput{ConsumerID: testConsumerID, ProviderID: testProviderID, Kind: "text"})
	expectReason(test, err, ReasonDuplicateRequest)

	_, err = testHarness.coordinator.RequestSession(ctx, RequestInput{ConsumerID: testOtherConsumerID, ProviderID: testProviderID, Kind: "text"})
	expectReason(test, err, ReasonAlreadyInSession)

	_, err = testHarness.coordinator.RequestSession(ctx, RequestInput{ConsumerID: testOtherConsumerID, ProviderID: testProviderID, Kind: "text", JoinWaitlist: true})
	expectReason(test, err, ReasonAlreadyInSession)
	if !errors.Is(err, ErrWaitlisted) {
		test.Fatalf("expected waitlisted refusal, got %v", err)
	}
	refusals := testHarness.notifier.eventsFor(testOtherConsumerID, EventError)
	if len(refusals) != 2 || refusals[1].Payload["waitlisted"] != true {
		test.Fatalf("unexpected refusals %+v", refusals)
	}

	if _, err := testHarness.coordinator.RespondAsProvider(ctx, first.ID.String(), testProviderID, false); err != nil {
		test.Fatalf("reject: %v", err)
	}
	available := testHarness.notifier.eventsFor(testOtherConsumerID, EventProviderAvailable)
	if len(available) != 1 || available[0].Payload["providerId"] != testProviderID {
		test.Fatalf("expected provider-available for waiting consumer, got %+v", available)
	}

	second := testHarness.request(test, testOtherConsumerID)
	if second.ConsumerID != testOtherConsumerID {
		test.Fatalf("unexpected second session %+v", second)
	}
}

func TestRequestWhileActiveQueuesOneSessionElsewhere(test *testing.T) {
	test.Parallel()
	const secondProviderID = "astro-2"
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 1000)
	ctx := context.Background()
	if err := testHarness.providers.RegisterProvider(ctx, secondProviderID, "Astro Two"); err != nil {
		test.Fatalf("register provider: %v", err)
	}
	testHarness.presence.set(secondProviderID, true)

	active := testHarness.start(test, testConsumerID)
	queued, err := testHarness.coordinator.RequestSession(ctx, RequestInput{ConsumerID: testConsumerID, ProviderID: secondProviderID, Kind: "text"})
	if err != nil {
		test.Fatalf("request while active: %v", err)
	}
	if queued.Status != session.StatusPending {
		test.Fatalf("expected pending request, got %s", queued.Status)
	}

	_, err = testHarness.coordinator.RequestSession(ctx, RequestInput{ConsumerID: testConsumerID, ProviderID: secondProviderID, Kind: "text"})
	expectReason(test, err, ReasonDuplicateRequest)

	if _, err := testHarness.coordinator.RespondAsProvider(ctx, queued.ID.String(), secondProviderID, true); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	_, err = testHarness.coordinator.JoinAsConsumer(ctx, queued.ID.String(), testConsumerID)
	expectReason(test, err, ReasonAlreadyInSession)
	if current := testHarness.load(test, queued.ID); current.Status != session.StatusConfirmed {
		test.Fatalf("refused join must leave the session confirmed, got %s", current.Status)
	}

	if _, err := testHarness.coordinator.EndSession(ctx, EndInput{SessionID: active.ID.String(), ActorID: testConsumerID}); err != nil {
		test.Fatalf("end: %v", err)
	}
	started, err := testHarness.coordinator.JoinAsConsumer(ctx, queued.ID.String(), testConsumerID)
	if err != nil {
		test.Fatalf("join after ending the first session: %v", err)
	}
	if started.Status != session.StatusActive || started.ChargedUnits != 1 {
		test.Fatalf("expected active session with its opening unit, got %+v", started)
	}
}

func TestProviderRejectionIsFinal(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	ctx := context.Background()
	created := testHarness.request(test, testConsumerID)

	rejected, err := testHarness.coordinator.RespondAsProvider(ctx, created.ID.String(), testProviderID, false)
	if err != nil {
		test.Fatalf("reject: %v", err)
	}
	if rejected.Status != session.StatusRejected || rejected.RejectedBy != session.PartyProvider {
		test.Fatalf("unexpected rejection %+v", rejected)
	}
	for _, actorID := range []string{testConsumerID, testProviderID} {
		if events := testHarness.notifier.eventsFor(actorID, EventRejected); len(events) != 1 {
			test.Fatalf("expected %s to be told about the rejection, got %+v", actorID, events)
		}
	}
	_, err = testHarness.coordinator.RespondAsProvider(ctx, created.ID.String(), testProviderID, true)
	expectReason(test, err, ReasonSessionFinalized)
	if testHarness.coordinator.pendingTimeouts() != 0 {
		test.Fatalf("rejection must cancel the response timeout")
	}
}

func TestRespondValidatesActorAndSession(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	ctx := context.Background()
	created := testHarness.request(test, testConsumerID)

	_, err := testHarness.coordinator.RespondAsProvider(ctx, created.ID.String(), testStrangerID, true)
	expectReason(test, err, ReasonNotParticipant)

	_, err = testHarness.coordinator.RespondAsProvider(ctx, created.ID.String(), testConsumerID, true)
	expectReason(test, err, ReasonNotParticipant)

	_, err = testHarness.coordinator.RespondAsProvider(ctx, "missing-session", testProviderID, true)
	expectReason(test, err, ReasonNotFound)

	_, err = testHarness.coordinator.JoinAsConsumer(ctx, created.ID.String(), testConsumerID)
	expectReason(test, err, ReasonInvalidState)

	if current := testHarness.load(test, created.ID); current.Status != session.StatusPending {
		test.Fatalf("failed responses must not mutate the session, got %s", current.Status)
	}
}

func TestPendingSessionTimesOut(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	created := testHarness.request(test, testConsumerID)

	testHarness.scheduler.Advance(5*time.Minute - time.Second)
	if current := testHarness.load(test, created.ID); current.Status != session.StatusPending {
		test.Fatalf("expected pending before the deadline, got %s", current.Status)
	}
	testHarness.scheduler.Advance(time.Second)

	current := testHarness.load(test, created.ID)
	if current.Status != session.StatusRejected || current.RejectedBy != session.PartySystem {
		test.Fatalf("expected system rejection, got %+v", current)
	}
	for _, actorID := range []string{testConsumerID, testProviderID} {
		if events := testHarness.notifier.eventsFor(actorID, EventRejected); len(events) != 1 {
			test.Fatalf("expected %s to be notified, got %+v", actorID, events)
		}
	}
	if testHarness.coordinator.pendingTimeouts() != 0 {
		test.Fatalf("expired timeout must be forgotten")
	}
}

func TestConfirmedSessionRingTimesOut(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	created := testHarness.request(test, testConsumerID)
	testHarness.confirm(test, created.ID)

	confirmed := testHarness.load(test, created.ID)
	if confirmed.Status != session.StatusConfirmed || confirmed.ConfirmedAt == nil {
		test.Fatalf("unexpected confirmed session %+v", confirmed)
	}
	if events := testHarness.notifier.eventsFor(testConsumerID, EventConfirmed); len(events) != 1 {
		test.Fatalf("expected confirmed event, got %+v", events)
	}

	testHarness.scheduler.Advance(30 * time.Second)
	current := testHarness.load(test, created.ID)
	if current.Status != session.StatusRejected || current.RejectedBy != session.PartySystem {
		test.Fatalf("expected ring timeout rejection, got %+v", current)
	}
}

func TestConsumerDeclinesConfirmedSession(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	created := testHarness.request(test, testConsumerID)
	testHarness.confirm(test, created.ID)

	declined, err := testHarness.coordinator.RespondAsConsumer(context.Background(), created.ID.String(), testConsumerID, false)
	if err != nil {
		test.Fatalf("decline: %v", err)
	}
	if declined.Status != session.StatusRejected || declined.RejectedBy != session.PartyConsumer {
		test.Fatalf("unexpected decline %+v", declined)
	}
	if testHarness.balance(test, ledger.ActorConsumer, testConsumerID) != 100 {
		test.Fatalf("declined session must not charge")
	}
}

func TestBillingRunsUntilFundsRunOut(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)

	active := testHarness.start(test, testConsumerID)
	if active.Status != session.StatusActive || active.ChargedUnits != 1 {
		test.Fatalf("expected first unit charged on join, got %+v", active)
	}
	if balance := testHarness.balance(test, ledger.ActorConsumer, testConsumerID); balance != 70 {
		test.Fatalf("expected 70 after the opening unit, got %d", balance)
	}
	availability, err := testHarness.providers.Availability(context.Background(), testProviderID)
	if err != nil || availability != session.AvailabilityBusy {
		test.Fatalf("expected provider busy, got %s (%v)", availability, err)
	}

	testHarness.scheduler.Advance(time.Minute)
	if balance := testHarness.balance(test, ledger.ActorConsumer, testConsumerID); balance != 40 {
		test.Fatalf("expected 40 after the second unit, got %d", balance)
	}
	testHarness.scheduler.Advance(time.Minute)
	if balance := testHarness.balance(test, ledger.ActorConsumer, testConsumerID); balance != 10 {
		test.Fatalf("expected 10 after the third unit, got %d", balance)
	}
	testHarness.scheduler.Advance(time.Minute)

	ended := testHarness.load(test, active.ID)
	if ended.Status != session.StatusEnded || ended.EndedBy != session.PartySystem || ended.Reason != reasonInsufficientFunds {
		test.Fatalf("expected system end on insufficient funds, got %+v", ended)
	}
	if ended.ChargedUnits != 3 || ended.ChargedAmount != 90 || !ended.Settled() {
		test.Fatalf("expected 3 units for 90, got %d for %d", ended.ChargedUnits, ended.ChargedAmount)
	}
	if balance := testHarness.balance(test, ledger.ActorConsumer, testConsumerID); balance != 10 {
		test.Fatalf("insufficient funds must not partially charge, got %d", balance)
	}
	if earned := testHarness.balance(test, ledger.ActorProvider, testProviderID); earned != 72 {
		test.Fatalf("expected provider share 72, got %d", earned)
	}
	if commission := testHarness.balance(test, ledger.ActorPlatform, ""); commission != 18 {
		test.Fatalf("expected platform commission 18, got %d", commission)
	}

	ticks := testHarness.notifier.eventsFor(testProviderID, EventTimerTick)
	if len(ticks) != 3 {
		test.Fatalf("expected 3 ticks for the provider, got %d", len(ticks))
	}
	warnings := testHarness.notifier.eventsFor(testConsumerID, EventLowBalance)
	if len(warnings) != 1 {
		test.Fatalf("expected a single low balance warning when the balance crossed 90, got %d", len(warnings))
	}
	if warnings[0].Payload["balance"] != int64(70) {
		test.Fatalf("expected the warning on the charge leaving 70, got %+v", warnings[0].Payload)
	}
	endedEvents := testHarness.notifier.eventsFor(testConsumerID, EventEnded)
	if len(endedEvents) != 1 || endedEvents[0].Payload["totalUnits"] != int64(3) || endedEvents[0].Payload["totalAmount"] != int64(90) {
		test.Fatalf("unexpected ended events %+v", endedEvents)
	}
	availability, err = testHarness.providers.Availability(context.Background(), testProviderID)
	if err != nil || availability != session.AvailabilityAvailable {
		test.Fatalf("expected provider available again, got %s (%v)", availability, err)
	}
	if testHarness.scheduler.Pending() != 0 {
		test.Fatalf("expected no scheduled callbacks, got %d", testHarness.scheduler.Pending())
	}
}

func TestJoinWithoutFundsEndsUnbilled(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 30)
	created := testHarness.request(test, testConsumerID)
	testHarness.confirm(test, created.ID)

	card := ratecard.Card{ProviderID: testProviderID, Kind: session.KindText, UnitPrice: 50, CommissionPercent: decimal.NewFromInt(20)}
	if err := testHarness.rateCards.UpsertCard(context.Background(), card); err != nil {
		test.Fatalf("upsert card: %v", err)
	}
	joined, err := testHarness.coordinator.JoinAsConsumer(context.Background(), created.ID.String(), testConsumerID)
	if err != nil {
		test.Fatalf("join: %v", err)
	}
	if joined.Status != session.StatusEnded || joined.ChargedUnits != 0 || joined.ChargedAmount != 0 {
		test.Fatalf("expected unbilled end, got %+v", joined)
	}
	if testHarness.balance(test, ledger.ActorConsumer, testConsumerID) != 30 {
		test.Fatalf("unbilled session must not move money")
	}
}

func TestEndSessionBillsMinimumUnitAndIsIdempotent(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	ctx := context.Background()
	active := testHarness.start(test, testConsumerID)

	testHarness.scheduler.Advance(10 * time.Second)
	summary, err := testHarness.coordinator.EndSession(ctx, EndInput{SessionID: active.ID.String(), ActorID: testConsumerID})
	if err != nil {
		test.Fatalf("end: %v", err)
	}
	if summary.TotalUnits != 1 || summary.TotalAmount != testUnitPrice || summary.EndedBy != session.PartyConsumer {
		test.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Duration != 10*time.Second {
		test.Fatalf("expected 10s duration, got %s", summary.Duration)
	}
	eventsAfterFirstEnd := testHarness.notifier.count()

	again, err := testHarness.coordinator.EndSession(ctx, EndInput{SessionID: active.ID.String(), ActorID: testProviderID})
	if err != nil {
		test.Fatalf("second end: %v", err)
	}
	if again != summary {
		test.Fatalf("second end must return the stored summary, got %+v", again)
	}
	if testHarness.notifier.count() != eventsAfterFirstEnd {
		test.Fatalf("second end must not notify")
	}
	if testHarness.balance(test, ledger.ActorConsumer, testConsumerID) != 70 {
		test.Fatalf("second end must not charge")
	}

	messages, err := testHarness.coordinator.ListMessages(ctx, active.ID.String(), testConsumerID, 0)
	if err != nil {
		test.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 || messages[1].BodyKind != session.BodySystem {
		test.Fatalf("expected start and end system messages, got %+v", messages)
	}
}

func TestEndSessionCancelsPendingWithoutCharge(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	created := testHarness.request(test, testConsumerID)

	summary, err := testHarness.coordinator.EndSession(context.Background(), EndInput{SessionID: created.ID.String(), ActorID: testConsumerID, Reason: "changed my mind"})
	if err != nil {
		test.Fatalf("end: %v", err)
	}
	if summary.Status != session.StatusEnded || summary.TotalUnits != 0 || summary.TotalAmount != 0 || summary.Reason != "changed my mind" {
		test.Fatalf("unexpected summary %+v", summary)
	}
	if testHarness.coordinator.pendingTimeouts() != 0 {
		test.Fatalf("cancel must disarm the response timeout")
	}
	_, err = testHarness.coordinator.EndSession(context.Background(), EndInput{SessionID: created.ID.String(), ActorID: testStrangerID})
	expectReason(test, err, ReasonNotParticipant)
}

func TestEndSessionChargesOutstandingUnits(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	active := testHarness.start(test, testConsumerID)

	testHarness.coordinator.meter.Stop(active.ID.String())
	testHarness.scheduler.Advance(150 * time.Second)
	summary, err := testHarness.coordinator.EndSession(context.Background(), EndInput{SessionID: active.ID.String(), ActorID: testProviderID})
	if err != nil {
		test.Fatalf("end: %v", err)
	}
	if summary.TotalUnits != 3 || summary.TotalAmount != 90 {
		test.Fatalf("expected catch-up to three units, got %+v", summary)
	}
	if testHarness.balance(test, ledger.ActorConsumer, testConsumerID) != 10 {
		test.Fatalf("expected 10 left after catch-up")
	}
}

func TestBillingFailureMarksSessionDegraded(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	active := testHarness.start(test, testConsumerID)

	testHarness.wallet.failCharges.Store(true)
	testHarness.scheduler.Advance(time.Minute)

	current := testHarness.load(test, active.ID)
	if !current.BillingDegraded || current.Status != session.StatusActive || current.ChargedUnits != 1 {
		test.Fatalf("expected degraded active session with one unit, got %+v", current)
	}
	for _, actorID := range []string{testConsumerID, testProviderID} {
		if events := testHarness.notifier.eventsFor(actorID, EventBillingDegraded); len(events) != 1 {
			test.Fatalf("expected billing-degraded for %s, got %+v", actorID, events)
		}
	}
	if !testHarness.coordinator.meter.Running(active.ID.String()) {
		test.Fatalf("meter must keep running after a failed charge")
	}

	testHarness.wallet.failCharges.Store(false)
	testHarness.scheduler.Advance(time.Minute)
	if current := testHarness.load(test, active.ID); current.ChargedUnits != 2 {
		test.Fatalf("expected the next tick to charge unit 2, got %d", current.ChargedUnits)
	}
}

func TestSendMessage(test *testing.T) {
	test.Parallel()

	const (
		casePlain      = "plain text reaches provider"
		casePhone      = "phone number refused"
		caseMedia      = "media upload allowed"
		caseEmpty      = "empty body refused"
		caseSystemKind = "system body kind refused"
		caseStranger   = "stranger refused"
	)

	testCases := []struct {
		name     string
		senderID string
		body     string
		bodyKind string
		expected Reason
	}{
		{name: casePlain, senderID: testConsumerID, body: "Will Saturn bother me this year?"},
		{name: casePhone, senderID: testConsumerID, body: "call me at 98765 43210", expected: ReasonRestrictedContent},
		{name: caseMedia, senderID: testProviderID, body: "https://media.consult.app/uploads/9876543210.jpg", bodyKind: "media"},
		{name: caseEmpty, senderID: testConsumerID, body: "   ", expected: ReasonInvalidRequest},
		{name: caseSystemKind, senderID: testConsumerID, body: "hello", bodyKind: "system", expected: ReasonInvalidRequest},
		{name: caseStranger, senderID: testStrangerID, body: "hello", expected: ReasonNotParticipant},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			testHarness := newHarness(test)
			testHarness.fund(test, testConsumerID, 100)
			created := testHarness.request(test, testConsumerID)
			testHarness.confirm(test, created.ID)

			message, err := testHarness.coordinator.SendMessage(context.Background(), MessageInput{
				SessionID: created.ID.String(),
				SenderID:  testCase.senderID,
				Body:      testCase.body,
				BodyKind:  testCase.bodyKind,
			})
			if testCase.expected != "" {
				expectReason(test, err, testCase.expected)
				if errorsSent := testHarness.notifier.eventsFor(testCase.senderID, EventError); len(errorsSent) != 1 {
					test.Fatalf("expected an error event for the sender, got %+v", errorsSent)
				}
				return
			}
			if err != nil {
				test.Fatalf("send: %v", err)
			}
			current := testHarness.load(test, created.ID)
			recipient := current.Counterpart(current.Participant(testCase.senderID))
			delivered := testHarness.notifier.eventsFor(recipient, EventMessage)
			if len(delivered) != 1 || delivered[0].Payload["messageId"] != message.ID {
				test.Fatalf("expected message routed to %s, got %+v", recipient, delivered)
			}
		})
	}
}

func TestSendMessageRequiresOpenTranscript(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	created := testHarness.request(test, testConsumerID)

	_, err := testHarness.coordinator.SendMessage(context.Background(), MessageInput{SessionID: created.ID.String(), SenderID: testConsumerID, Body: "hello"})
	expectReason(test, err, ReasonInvalidState)
}

func TestResumeRestartsMetersAndTimeouts(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	testHarness.fund(test, testOtherConsumerID, 100)
	active := testHarness.start(test, testConsumerID)

	testHarness.coordinator.Shutdown()
	if testHarness.scheduler.Pending() != 0 {
		test.Fatalf("shutdown must cancel every callback, got %d", testHarness.scheduler.Pending())
	}
	testHarness.scheduler.Advance(40 * time.Second)

	restarted := testHarness.newCoordinator(test)
	resumed, err := restarted.Resume(context.Background())
	if err != nil {
		test.Fatalf("resume: %v", err)
	}
	if resumed != 1 {
		test.Fatalf("expected one resumed session, got %d", resumed)
	}
	testHarness.scheduler.Advance(20 * time.Second)
	if current := testHarness.load(test, active.ID); current.ChargedUnits != 2 {
		test.Fatalf("expected unit 2 at the next boundary, got %d", current.ChargedUnits)
	}
	if testHarness.balance(test, ledger.ActorConsumer, testConsumerID) != 40 {
		test.Fatalf("expected 40 after the resumed tick")
	}
}

func TestResumeArmsDisconnectGraceForOfflineParticipants(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 1000)
	active := testHarness.start(test, testConsumerID)

	testHarness.coordinator.Shutdown()
	testHarness.presence.set(testConsumerID, false)

	restarted := testHarness.newCoordinator(test)
	if _, err := restarted.Resume(context.Background()); err != nil {
		test.Fatalf("resume: %v", err)
	}
	restarted.timersMu.Lock()
	_, consumerGrace := restarted.graces[testConsumerID]
	_, providerGrace := restarted.graces[testProviderID]
	restarted.timersMu.Unlock()
	if !consumerGrace || providerGrace {
		test.Fatalf("expected grace only for the offline consumer, got consumer=%t provider=%t", consumerGrace, providerGrace)
	}

	testHarness.scheduler.Advance(defaultDisconnectGrace)
	ended := testHarness.load(test, active.ID)
	if ended.Status != session.StatusEnded || ended.EndedBy != session.PartySystem || ended.Reason != reasonDisconnected {
		test.Fatalf("expected system end after the grace, got %s by %s (%q)", ended.Status, ended.EndedBy, ended.Reason)
	}
	if !ended.Settled() {
		test.Fatalf("expected the abandoned session settled")
	}
}

func TestResumeExpiresOverdueRequests(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	created := testHarness.request(test, testConsumerID)

	testHarness.coordinator.Shutdown()
	testHarness.scheduler.Advance(10 * time.Minute)

	restarted := testHarness.newCoordinator(test)
	if _, err := restarted.Resume(context.Background()); err != nil {
		test.Fatalf("resume: %v", err)
	}
	testHarness.scheduler.Advance(0)
	if current := testHarness.load(test, created.ID); current.Status != session.StatusRejected || current.RejectedBy != session.PartySystem {
		test.Fatalf("expected overdue request rejected, got %+v", current)
	}
}

func TestGetSessionHidesFromStrangers(test *testing.T) {
	test.Parallel()
	testHarness := newHarness(test)
	testHarness.fund(test, testConsumerID, 100)
	created := testHarness.request(test, testConsumerID)

	fetched, err := testHarness.coordinator.GetSession(context.Background(), created.ID.String(), testProviderID)
	if err != nil || fetched.ID != created.ID {
		test.Fatalf("provider lookup: %+v %v", fetched, err)
	}
	_, err = testHarness.coordinator.GetSession(context.Background(), created.ID.String(), testStrangerID)
	expectReason(test, err, ReasonNotParticipant)
}
