package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bodashield/bodashield-system/internal/gateway"
	"github.com/bodashield/bodashield-system/internal/model"
	"github.com/bodashield/bodashield-system/internal/quote"
	"github.com/bodashield/bodashield-system/internal/repository"
)

type fakeGateway struct {
	mu       sync.Mutex
	pushRef  string
	pushErr  error
	statuses []gateway.Status
	checks   int
}

func (g *fakeGateway) StartPush(ctx context.Context, phone string, amountKsh float64) (string, error) {
	return g.pushRef, g.pushErr
}

func (g *fakeGateway) CheckStatus(ctx context.Context, checkoutRef string) (gateway.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.checks
	g.checks++
	if idx >= len(g.statuses) {
		idx = len(g.statuses) - 1
	}
	return g.statuses[idx], nil
}

func (g *fakeGateway) checkCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks
}

type fakeLedger struct {
	mu      sync.Mutex
	balance int64
	debits  map[string]string
	seq     int
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{balance: balance, debits: make(map[string]string)}
}

func (l *fakeLedger) GetBalance(ctx context.Context, phone string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

func (l *fakeLedger) Debit(ctx context.Context, phone string, amountCents int64, idempotencyKey string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ref, ok := l.debits[idempotencyKey]; ok {
		return ref, nil
	}
	if l.balance < amountCents {
		return "", repository.ErrInsufficientBalance
	}

	l.balance -= amountCents
	l.seq++
	ref := "tx-" + string(rune('0'+l.seq))
	l.debits[idempotencyKey] = ref
	return ref, nil
}

func (l *fakeLedger) debitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.debits)
}

type fakeIntents struct {
	mu        sync.Mutex
	intents   map[string]*model.PaymentIntent
	setRefErr error
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{intents: make(map[string]*model.PaymentIntent)}
}

func (s *fakeIntents) CreatePaymentIntent(ctx context.Context, intent *model.PaymentIntent) (bool, *model.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.intents[intent.IdempotencyKey]; ok {
		cp := *existing
		return false, &cp, nil
	}

	cp := *intent
	s.intents[intent.IdempotencyKey] = &cp
	return true, nil, nil
}

func (s *fakeIntents) GetPaymentIntent(ctx context.Context, idempotencyKey string) (*model.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[idempotencyKey]
	if !ok {
		return nil, repository.ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (s *fakeIntents) ListAwaitingIntents(ctx context.Context) ([]model.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.PaymentIntent
	for _, intent := range s.intents {
		if intent.Status == model.IntentStatusAwaiting {
			res = append(res, *intent)
		}
	}
	return res, nil
}

func (s *fakeIntents) SetIntentExternalRef(ctx context.Context, idempotencyKey, externalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setRefErr != nil {
		return s.setRefErr
	}
	if intent, ok := s.intents[idempotencyKey]; ok {
		intent.ExternalRef = externalRef
	}
	return nil
}

func (s *fakeIntents) MarkIntentSettled(ctx context.Context, idempotencyKey, externalRef string, settledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[idempotencyKey]
	if !ok {
		return false, repository.ErrIntentNotFound
	}
	if intent.Status != model.IntentStatusAwaiting && intent.Status != model.IntentStatusPending {
		return false, nil
	}

	intent.Status = model.IntentStatusSettled
	intent.ExternalRef = externalRef
	intent.SettledAt = &settledAt
	return true, nil
}

func (s *fakeIntents) MarkIntentFailed(ctx context.Context, idempotencyKey, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[idempotencyKey]
	if !ok {
		return false, repository.ErrIntentNotFound
	}
	if intent.Status != model.IntentStatusAwaiting && intent.Status != model.IntentStatusPending {
		return false, nil
	}

	intent.Status = model.IntentStatusFailed
	intent.FailReason = reason
	return true, nil
}

func (s *fakeIntents) MarkIntentPending(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[idempotencyKey]
	if !ok {
		return false, repository.ErrIntentNotFound
	}
	if intent.Status != model.IntentStatusAwaiting {
		return false, nil
	}

	intent.Status = model.IntentStatusPending
	return true, nil
}

func (s *fakeIntents) status(idempotencyKey string) model.IntentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intent, ok := s.intents[idempotencyKey]; ok {
		return intent.Status
	}
	return ""
}

type fakeActivator struct {
	mu        sync.Mutex
	activated map[string][]model.Policy
	calls     int
}

func newFakeActivator() *fakeActivator {
	return &fakeActivator{activated: make(map[string][]model.Policy)}
}

func (a *fakeActivator) Activate(ctx context.Context, intent *model.PaymentIntent) ([]model.Policy, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if existing, ok := a.activated[intent.IdempotencyKey]; ok {
		return existing, nil
	}

	policies := make([]model.Policy, 0, len(intent.Selections))
	for _, sel := range intent.Selections {
		policies = append(policies, model.Policy{
			ID:             intent.IdempotencyKey + "/" + string(sel.ProtectionType),
			RiderPhone:     intent.RiderPhone,
			ProtectionType: sel.ProtectionType,
			Duration:       sel.Duration,
			Active:         true,
		})
	}
	a.activated[intent.IdempotencyKey] = policies
	return policies, nil
}

func (a *fakeActivator) policyCount(idempotencyKey string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.activated[idempotencyKey])
}

type engineFixture struct {
	engine    *Engine
	gateway   *fakeGateway
	ledger    *fakeLedger
	intents   *fakeIntents
	activator *fakeActivator
}

func newEngineFixture(gw *fakeGateway, balance int64) *engineFixture {
	f := &engineFixture{
		gateway:   gw,
		ledger:    newFakeLedger(balance),
		intents:   newFakeIntents(),
		activator: newFakeActivator(),
	}

	f.engine = NewEngine(Config{
		Gateway:      f.gateway,
		Ledger:       f.ledger,
		Intents:      f.intents,
		Activator:    f.activator,
		Quotes:       quote.NewCalculator(12.9),
		PollInterval: time.Millisecond,
		PollAttempts: 12,
	})

	return f
}

func testRider(balanceCents int64) *model.Rider {
	return &model.Rider{
		Phone:        "+254712345678",
		Name:         "Test Rider",
		BalanceCents: balanceCents,
	}
}

func riderDaily() []model.Selection {
	return []model.Selection{
		{ProtectionType: model.ProtectionRider, Duration: model.DurationDaily},
	}
}

func waitForStatus(t *testing.T, intents *fakeIntents, key string, want model.IntentStatus) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if intents.status(key) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("intent %q status = %s, want %s", key, intents.status(key), want)
}

func TestInitiate_WalletSuccess(t *testing.T) {
	f := newEngineFixture(&fakeGateway{}, 1000)

	outcome, err := f.engine.Initiate(context.Background(), testRider(1000), riderDaily(), model.RailWalletToken, "key-1")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if outcome.Status != model.IntentStatusSettled {
		t.Fatalf("Status = %s, want SETTLED", outcome.Status)
	}
	if len(outcome.Policies) != 1 {
		t.Fatalf("len(Policies) = %d, want 1", len(outcome.Policies))
	}
	if f.ledger.balance != 1000-93 {
		t.Errorf("balance = %d, want %d", f.ledger.balance, 1000-93)
	}
	if f.ledger.debitCount() != 1 {
		t.Errorf("debits = %d, want 1", f.ledger.debitCount())
	}
}

func TestInitiate_WalletInsufficientBalance(t *testing.T) {
	// Кэшированный баланс завышен, авторитетная проверка — в леджере.
	f := newEngineFixture(&fakeGateway{}, 50)

	_, err := f.engine.Initiate(context.Background(), testRider(1000), riderDaily(), model.RailWalletToken, "key-1")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if got := f.intents.status("key-1"); got != model.IntentStatusFailed {
		t.Errorf("intent status = %s, want FAILED", got)
	}
	if f.ledger.balance != 50 {
		t.Errorf("balance = %d, want 50", f.ledger.balance)
	}
}

func TestInitiate_WalletCombinedPlansOverBalance(t *testing.T) {
	// 4.65 + 10.85 HBAR при балансе 10 HBAR.
	f := newEngineFixture(&fakeGateway{}, 1000)

	selections := []model.Selection{
		{ProtectionType: model.ProtectionRider, Duration: model.DurationWeekly},
		{ProtectionType: model.ProtectionBike, Duration: model.DurationMonthly},
	}

	_, err := f.engine.Initiate(context.Background(), testRider(1000), selections, model.RailWalletToken, "key-1")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	intent, err := f.intents.GetPaymentIntent(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("GetPaymentIntent: %v", err)
	}
	if intent.TotalCents != 1550 {
		t.Errorf("TotalCents = %d, want 1550", intent.TotalCents)
	}
	if intent.Status != model.IntentStatusFailed {
		t.Errorf("intent status = %s, want FAILED", intent.Status)
	}
}

func TestInitiate_WalletCachedBalanceReject(t *testing.T) {
	f := newEngineFixture(&fakeGateway{}, 1000)

	_, err := f.engine.Initiate(context.Background(), testRider(10), riderDaily(), model.RailWalletToken, "key-1")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if f.ledger.debitCount() != 0 {
		t.Errorf("debits = %d, want 0", f.ledger.debitCount())
	}
}

func TestInitiate_IdempotentReplay(t *testing.T) {
	f := newEngineFixture(&fakeGateway{}, 1000)

	first, err := f.engine.Initiate(context.Background(), testRider(1000), riderDaily(), model.RailWalletToken, "key-1")
	if err != nil {
		t.Fatalf("first Initiate: %v", err)
	}

	second, err := f.engine.Initiate(context.Background(), testRider(1000), riderDaily(), model.RailWalletToken, "key-1")
	if err != nil {
		t.Fatalf("second Initiate: %v", err)
	}

	if f.ledger.debitCount() != 1 {
		t.Fatalf("debits = %d, want 1: replay must not debit again", f.ledger.debitCount())
	}
	if second.Status != model.IntentStatusSettled {
		t.Fatalf("replay Status = %s, want SETTLED", second.Status)
	}
	if len(first.Policies) != len(second.Policies) || first.Policies[0].ID != second.Policies[0].ID {
		t.Errorf("replay returned different policies")
	}
	if f.activator.policyCount("key-1") != 1 {
		t.Errorf("stored policies = %d, want 1", f.activator.policyCount("key-1"))
	}
}

func TestInitiate_KeyRequired(t *testing.T) {
	f := newEngineFixture(&fakeGateway{}, 1000)

	_, err := f.engine.Initiate(context.Background(), testRider(1000), riderDaily(), model.RailWalletToken, "")
	if !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("err = %v, want ErrIdempotencyKeyRequired", err)
	}
}

func TestInitiate_MobileMoneyConfirmed(t *testing.T) {
	gw := &fakeGateway{
		pushRef: "co-1",
		statuses: []gateway.Status{
			gateway.StatusPending, gateway.StatusPending, gateway.StatusCompleted,
		},
	}
	f := newEngineFixture(gw, 0)
	defer f.engine.Shutdown()

	outcome, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if outcome.Status != model.IntentStatusAwaiting {
		t.Fatalf("Status = %s, want AWAITING_CONFIRMATION", outcome.Status)
	}
	if outcome.ExternalRef != "co-1" {
		t.Fatalf("ExternalRef = %q, want co-1", outcome.ExternalRef)
	}

	waitForStatus(t, f.intents, "key-1", model.IntentStatusSettled)

	if f.activator.policyCount("key-1") != 1 {
		t.Errorf("stored policies = %d, want 1", f.activator.policyCount("key-1"))
	}
	if f.ledger.debitCount() != 0 {
		t.Errorf("debits = %d, want 0 for mobile money", f.ledger.debitCount())
	}
}

func TestInitiate_MobileMoneyConfirmedOnLastAttempt(t *testing.T) {
	statuses := make([]gateway.Status, 12)
	for i := 0; i < 11; i++ {
		statuses[i] = gateway.StatusPending
	}
	statuses[11] = gateway.StatusCompleted

	gw := &fakeGateway{pushRef: "co-1", statuses: statuses}
	f := newEngineFixture(gw, 0)
	defer f.engine.Shutdown()

	if _, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	waitForStatus(t, f.intents, "key-1", model.IntentStatusSettled)

	if got := gw.checkCount(); got != 12 {
		t.Errorf("gateway checks = %d, want 12", got)
	}
	if f.activator.policyCount("key-1") != 1 {
		t.Errorf("stored policies = %d, want 1", f.activator.policyCount("key-1"))
	}
}

func TestInitiate_MobileMoneyDeclined(t *testing.T) {
	gw := &fakeGateway{
		pushRef:  "co-1",
		statuses: []gateway.Status{gateway.StatusPending, gateway.StatusFailed},
	}
	f := newEngineFixture(gw, 0)
	defer f.engine.Shutdown()

	if _, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	waitForStatus(t, f.intents, "key-1", model.IntentStatusFailed)

	if f.activator.policyCount("key-1") != 0 {
		t.Errorf("policies were activated for a declined payment")
	}
}

func TestInitiate_MobileMoneyWindowElapsed(t *testing.T) {
	gw := &fakeGateway{
		pushRef:  "co-1",
		statuses: []gateway.Status{gateway.StatusPending},
	}
	f := newEngineFixture(gw, 0)
	defer f.engine.Shutdown()

	if _, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Окно опроса исчерпано, но исход не терминальный.
	waitForStatus(t, f.intents, "key-1", model.IntentStatusPending)

	if got := gw.checkCount(); got != 12 {
		t.Errorf("gateway checks = %d, want 12", got)
	}
}

func TestInitiate_MobileMoneyPushError(t *testing.T) {
	gw := &fakeGateway{pushErr: gateway.ErrGateway}
	f := newEngineFixture(gw, 0)

	_, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1")
	if !errors.Is(err, gateway.ErrGateway) {
		t.Fatalf("err = %v, want ErrGateway", err)
	}

	if got := f.intents.status("key-1"); got != model.IntentStatusFailed {
		t.Errorf("intent status = %s, want FAILED", got)
	}
}

func TestInitiate_MobileMoneyRefStoreFailure(t *testing.T) {
	gw := &fakeGateway{
		pushRef:  "co-1",
		statuses: []gateway.Status{gateway.StatusPending},
	}
	f := newEngineFixture(gw, 0)
	f.intents.setRefErr = errors.New("db down")

	_, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1")
	if err == nil {
		t.Fatal("expected error when checkout reference cannot be stored")
	}

	// Push отправлен, ссылка потеряна: намерение не должно зависнуть
	// в ожидании без поллера.
	if got := f.intents.status("key-1"); got != model.IntentStatusPending {
		t.Errorf("intent status = %s, want PENDING", got)
	}

	done := make(chan struct{})
	go func() {
		f.engine.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return: a poller was started without a stored reference")
	}
}

func TestPoll_PendingAfterWindow(t *testing.T) {
	gw := &fakeGateway{
		pushRef:  "co-1",
		statuses: []gateway.Status{gateway.StatusPending},
	}
	f := newEngineFixture(gw, 0)
	defer f.engine.Shutdown()

	if _, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	waitForStatus(t, f.intents, "key-1", model.IntentStatusPending)

	outcome, err := f.engine.Poll(context.Background(), "key-1")
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("err = %v, want ErrConfirmationTimeout", err)
	}
	if outcome.Status != model.IntentStatusPending {
		t.Fatalf("Status = %s, want PENDING", outcome.Status)
	}
}

func TestPoll_LateConfirmation(t *testing.T) {
	gw := &fakeGateway{
		pushRef:  "co-1",
		statuses: []gateway.Status{gateway.StatusPending},
	}
	f := newEngineFixture(gw, 0)
	defer f.engine.Shutdown()

	if _, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	waitForStatus(t, f.intents, "key-1", model.IntentStatusPending)

	// Подтверждение пришло после закрытия окна опроса.
	gw.mu.Lock()
	gw.statuses = []gateway.Status{gateway.StatusCompleted}
	gw.mu.Unlock()

	outcome, err := f.engine.Poll(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if outcome.Status != model.IntentStatusSettled {
		t.Fatalf("Status = %s, want SETTLED", outcome.Status)
	}
	if len(outcome.Policies) != 1 {
		t.Fatalf("len(Policies) = %d, want 1", len(outcome.Policies))
	}
}

func TestPoll_UnknownKey(t *testing.T) {
	f := newEngineFixture(&fakeGateway{}, 0)

	if _, err := f.engine.Poll(context.Background(), "missing"); !errors.Is(err, repository.ErrIntentNotFound) {
		t.Fatalf("err = %v, want ErrIntentNotFound", err)
	}
}

func TestCancel_StopsPoller(t *testing.T) {
	gw := &fakeGateway{
		pushRef:  "co-1",
		statuses: []gateway.Status{gateway.StatusPending},
	}
	f := &engineFixture{
		gateway:   gw,
		ledger:    newFakeLedger(0),
		intents:   newFakeIntents(),
		activator: newFakeActivator(),
	}
	f.engine = NewEngine(Config{
		Gateway:      gw,
		Ledger:       f.ledger,
		Intents:      f.intents,
		Activator:    f.activator,
		Quotes:       quote.NewCalculator(12.9),
		PollInterval: time.Hour,
		PollAttempts: 12,
	})

	if _, err := f.engine.Initiate(context.Background(), testRider(0), riderDaily(), model.RailMobileMoney, "key-1"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	f.engine.Cancel("key-1")

	done := make(chan struct{})
	go func() {
		f.engine.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after Cancel")
	}

	// Отмена останавливает опрос, намерение остаётся открытым.
	if got := f.intents.status("key-1"); got != model.IntentStatusAwaiting {
		t.Errorf("intent status = %s, want AWAITING_CONFIRMATION", got)
	}
}

func TestResumeAwaiting(t *testing.T) {
	gw := &fakeGateway{
		statuses: []gateway.Status{gateway.StatusCompleted},
	}
	f := newEngineFixture(gw, 0)
	defer f.engine.Shutdown()

	// Намерение осталось после перезапуска сервиса.
	f.intents.intents["key-1"] = &model.PaymentIntent{
		IdempotencyKey: "key-1",
		RiderPhone:     "+254712345678",
		Selections:     riderDaily(),
		TotalCents:     93,
		Rail:           model.RailMobileMoney,
		ExternalRef:    "co-1",
		Status:         model.IntentStatusAwaiting,
	}

	if err := f.engine.ResumeAwaiting(context.Background()); err != nil {
		t.Fatalf("ResumeAwaiting: %v", err)
	}

	waitForStatus(t, f.intents, "key-1", model.IntentStatusSettled)
}

func TestInitiate_ConcurrentWalletDebits(t *testing.T) {
	f := newEngineFixture(&fakeGateway{}, 100)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	keys := []string{"key-1", "key-2"}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Initiate(context.Background(), testRider(100), riderDaily(), model.RailWalletToken, keys[i])
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repository.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Баланса хватает только на одно списание.
	if ok != 1 || insufficient != 1 {
		t.Fatalf("ok = %d, insufficient = %d, want 1 and 1", ok, insufficient)
	}
	if f.ledger.balance != 100-93 {
		t.Errorf("balance = %d, want %d", f.ledger.balance, 100-93)
	}
}
