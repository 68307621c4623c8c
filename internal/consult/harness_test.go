package consult

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/billing/billingtest"
	"github.com/MarkoPoloResearchLab/consult/internal/moderation"
	"github.com/MarkoPoloResearchLab/consult/internal/ratecard"
	"github.com/MarkoPoloResearchLab/consult/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testConsumerID      = "user-1"
	testOtherConsumerID = "user-2"
	testProviderID      = "astro-1"
	testStrangerID      = "user-9"
	testUnitPrice       = 30
)

var testStart = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

type recordedEvent struct {
	actorID string
	event   Event
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (notifier *recordingNotifier) Notify(actorID string, event Event) bool {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.events = append(notifier.events, recordedEvent{actorID: actorID, event: event})
	return true
}

func (notifier *recordingNotifier) eventsFor(actorID string, eventType EventType) []Event {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	var matched []Event
	for _, recorded := range notifier.events {
		if recorded.actorID == actorID && recorded.event.Type == eventType {
			matched = append(matched, recorded.event)
		}
	}
	return matched
}

func (notifier *recordingNotifier) count() int {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	return len(notifier.events)
}

type stubPresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (presence *stubPresence) Online(actorID string) bool {
	presence.mu.Lock()
	defer presence.mu.Unlock()
	return presence.online[actorID]
}

func (presence *stubPresence) set(actorID string, online bool) {
	presence.mu.Lock()
	defer presence.mu.Unlock()
	presence.online[actorID] = online
}

// flakyWallet fails the atomic charge group while failCharges is set.
type flakyWallet struct {
	*ledger.Service
	failCharges atomic.Bool
}

var errChargeUnavailable = errors.New("charge unavailable")

func (wallet *flakyWallet) ChargeUnit(ctx context.Context, charge ledger.UnitCharge) (ledger.ChargeResult, error) {
	if wallet.failCharges.Load() {
		return ledger.ChargeResult{}, errChargeUnavailable
	}
	return wallet.Service.ChargeUnit(ctx, charge)
}

type harness struct {
	db          *gorm.DB
	scheduler   *billingtest.ManualScheduler
	notifier    *recordingNotifier
	presence    *stubPresence
	sessions    *gormstore.SessionStore
	providers   *gormstore.ProviderDirectory
	rateCards   *gormstore.RateCardStore
	wallet      *flakyWallet
	waitlist    *MemoryWaitlist
	coordinator *Coordinator
}

func newHarness(test *testing.T) *harness {
	test.Helper()
	ctx := context.Background()
	db, cleanup, err := gormstore.OpenMemory(ctx)
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	test.Cleanup(func() { _ = cleanup() })

	scheduler := billingtest.NewManualScheduler(testStart)
	service, err := ledger.NewService(gormstore.NewLedgerStore(db), func() int64 { return scheduler.Now().Unix() })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	providers := gormstore.NewProviderDirectory(db)
	if err := providers.RegisterProvider(ctx, testProviderID, "Astro One"); err != nil {
		test.Fatalf("register provider: %v", err)
	}
	testHarness := &harness{
		db:        db,
		scheduler: scheduler,
		notifier:  &recordingNotifier{},
		presence:  &stubPresence{online: map[string]bool{testProviderID: true, testConsumerID: true, testOtherConsumerID: true}},
		sessions:  gormstore.NewSessionStore(db),
		providers: providers,
		rateCards: gormstore.NewRateCardStore(db),
		wallet:    &flakyWallet{Service: service},
		waitlist:  NewMemoryWaitlist(),
	}
	testHarness.coordinator = testHarness.newCoordinator(test)
	return testHarness
}

func (testHarness *harness) newCoordinator(test *testing.T) *Coordinator {
	test.Helper()
	defaults := ratecard.NewDefaults(
		ratecard.Card{Kind: session.KindText, UnitPrice: testUnitPrice, CommissionPercent: decimal.NewFromInt(20)},
		ratecard.Card{Kind: session.KindAudio, UnitPrice: 40, CommissionPercent: decimal.NewFromInt(25)},
	)
	coordinator, err := NewCoordinator(Dependencies{
		Sessions:  testHarness.sessions,
		Providers: testHarness.providers,
		Wallet:    testHarness.wallet,
		Rates:     ratecard.NewResolver(testHarness.rateCards, defaults),
		Presence:  testHarness.presence,
		Notifier:  testHarness.notifier,
		Filter:    moderation.NewFilter(moderation.DefaultMediaPrefixes),
		Waitlist:  testHarness.waitlist,
		Scheduler: testHarness.scheduler,
		Clock:     testHarness.scheduler.Now,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		test.Fatalf("coordinator: %v", err)
	}
	test.Cleanup(coordinator.Shutdown)
	return coordinator
}

func (testHarness *harness) fund(test *testing.T, consumerID string, amount ledger.Coins) {
	test.Helper()
	account := mustAccount(test, ledger.ActorConsumer, consumerID)
	key, err := ledger.NewIdempotencyKey("recharge:" + consumerID)
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	if _, err := testHarness.wallet.Credit(context.Background(), account, amount, ledger.CategoryRecharge, "", key, ledger.MetadataJSON{}); err != nil {
		test.Fatalf("credit: %v", err)
	}
}

func (testHarness *harness) balance(test *testing.T, kind ledger.ActorKind, actorID string) ledger.Coins {
	test.Helper()
	account := ledger.PlatformAccount()
	if kind != ledger.ActorPlatform {
		account = mustAccount(test, kind, actorID)
	}
	balance, err := testHarness.wallet.Balance(context.Background(), account)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance.Coins
}

func (testHarness *harness) load(test *testing.T, id session.ID) session.Session {
	test.Helper()
	current, err := testHarness.sessions.GetSession(context.Background(), id)
	if err != nil {
		test.Fatalf("get session: %v", err)
	}
	return current
}

func (testHarness *harness) request(test *testing.T, consumerID string) session.Session {
	test.Helper()
	created, err := testHarness.coordinator.RequestSession(context.Background(), RequestInput{
		ConsumerID: consumerID,
		ProviderID: testProviderID,
		Kind:       "text",
	})
	if err != nil {
		test.Fatalf("request session: %v", err)
	}
	return created
}

func (testHarness *harness) confirm(test *testing.T, id session.ID) {
	test.Helper()
	if _, err := testHarness.coordinator.RespondAsProvider(context.Background(), id.String(), testProviderID, true); err != nil {
		test.Fatalf("confirm: %v", err)
	}
}

func (testHarness *harness) start(test *testing.T, consumerID string) session.Session {
	test.Helper()
	created := testHarness.request(test, consumerID)
	testHarness.confirm(test, created.ID)
	active, err := testHarness.coordinator.JoinAsConsumer(context.Background(), created.ID.String(), consumerID)
	if err != nil {
		test.Fatalf("join: %v", err)
	}
	return active
}

func mustAccount(test *testing.T, kind ledger.ActorKind, id string) ledger.Account {
	test.Helper()
	account, err := ledger.NewAccount(kind, id)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	return account
}

func expectReason(test *testing.T, err error, expected Reason) {
	test.Helper()
	if err == nil {
		test.Fatalf("expected %s rejection, got nil", expected)
	}
	if reason := ReasonOf(err); reason != expected {
		test.Fatalf("expected reason %s, got %s (%v)", expected, reason, err)
	}
}

func (coordinator *Coordinator) pendingTimeouts() int {
	coordinator.timersMu.Lock()
	defer coordinator.timersMu.Unlock()
	return len(coordinator.timers)
}
