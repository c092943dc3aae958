// Package payment реализует конечный автомат расчёта премии по двум каналам.
//
// Канал мобильных денег асинхронный: после push-запроса намерение ждёт
// подтверждения, которое опрашивается фоновым поллером. Канал кошелька
// синхронный: списание с леджера атомарно, подтверждения ждать не нужно.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/bodashield/bodashield-system/internal/gateway"
	"github.com/bodashield/bodashield-system/internal/model"
	"github.com/bodashield/bodashield-system/internal/quote"
	"github.com/bodashield/bodashield-system/internal/repository"
)

var (
	// ErrConfirmationTimeout сообщает, что окно подтверждения исчерпано.
	// Это не отказ: платёж может прийти позже, состояние стоит перепроверить.
	ErrConfirmationTimeout = errors.New("payment confirmation window elapsed")
	// ErrIdempotencyKeyRequired возвращается при вызове без ключа идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
)

// Gateway описывает внешний шлюз мобильных денег.
type Gateway interface {
	StartPush(ctx context.Context, phone string, amountKsh float64) (string, error)
	CheckStatus(ctx context.Context, checkoutRef string) (gateway.Status, error)
}

// Ledger описывает кошельковый леджер с атомарным списанием.
type Ledger interface {
	GetBalance(ctx context.Context, phone string) (int64, error)
	Debit(ctx context.Context, phone string, amountCents int64, idempotencyKey string) (string, error)
}

// IntentStore хранит платёжные намерения по ключу идемпотентности.
type IntentStore interface {
	CreatePaymentIntent(ctx context.Context, intent *model.PaymentIntent) (bool, *model.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, idempotencyKey string) (*model.PaymentIntent, error)
	ListAwaitingIntents(ctx context.Context) ([]model.PaymentIntent, error)
	SetIntentExternalRef(ctx context.Context, idempotencyKey, externalRef string) error
	MarkIntentSettled(ctx context.Context, idempotencyKey, externalRef string, settledAt time.Time) (bool, error)
	MarkIntentFailed(ctx context.Context, idempotencyKey, reason string) (bool, error)
	MarkIntentPending(ctx context.Context, idempotencyKey string) (bool, error)
}

// Activator активирует полисы после успешного расчёта.
type Activator interface {
	Activate(ctx context.Context, intent *model.PaymentIntent) ([]model.Policy, error)
}

// Outcome — результат обращения к конечному автомату расчёта.
type Outcome struct {
	Status      model.IntentStatus
	ExternalRef string
	Policies    []model.Policy
	// Reason — человекочитаемое описание для неуспешных исходов.
	// Внутренние идентификаторы транзакций сюда не попадают.
	Reason string
}

// Config задаёт зависимости и параметры конечного автомата расчёта.
type Config struct {
	Gateway   Gateway
	Ledger    Ledger
	Intents   IntentStore
	Activator Activator
	Quotes    *quote.Calculator
	Logger    *zap.Logger
	// PollInterval — период опроса подтверждения, по умолчанию 5 секунд.
	PollInterval time.Duration
	// PollAttempts — число попыток опроса, по умолчанию 12.
	PollAttempts uint64
	// Now — источник времени, по умолчанию time.Now.
	Now func() time.Time
}

// Engine управляет расчётом премии: идемпотентность, списание,
// подтверждение и активация полисов.
type Engine struct {
	gateway   Gateway
	ledger    Ledger
	intents   IntentStore
	activator Activator
	quotes    *quote.Calculator
	logger    *zap.Logger
	now       func() time.Time

	pollInterval time.Duration
	pollAttempts uint64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine создаёт конечный автомат расчёта с указанными зависимостями.
func NewEngine(cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollAttempts == 0 {
		cfg.PollAttempts = 12
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Engine{
		gateway:      cfg.Gateway,
		ledger:       cfg.Ledger,
		intents:      cfg.Intents,
		activator:    cfg.Activator,
		quotes:       cfg.Quotes,
		logger:       cfg.Logger,
		now:          cfg.Now,
		pollInterval: cfg.PollInterval,
		pollAttempts: cfg.PollAttempts,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Initiate запускает расчёт премии по выбранным планам. Повторный вызов
// с тем же ключом идемпотентности не выполняет повторного списания или
// push-запроса: возвращается прежний исход либо текущее состояние.
func (e *Engine) Initiate(ctx context.Context, rider *model.Rider, selections []model.Selection, rail model.Rail, idempotencyKey string) (*Outcome, error) {
	if idempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	q, err := e.quotes.Quote(selections)
	if err != nil {
		return nil, err
	}

	intent := &model.PaymentIntent{
		IdempotencyKey: idempotencyKey,
		RiderPhone:     rider.Phone,
		Selections:     selections,
		TotalCents:     q.TotalCents,
		Rail:           rail,
		Status:         model.IntentStatusAwaiting,
		CreatedAt:      e.now(),
	}

	created, stored, err := e.intents.CreatePaymentIntent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	if !created {
		return e.outcomeFromIntent(ctx, stored)
	}

	switch rail {
	case model.RailWalletToken:
		return e.initiateWallet(ctx, rider, intent)
	case model.RailMobileMoney:
		return e.initiateMobileMoney(ctx, rider, intent, q.TotalKsh)
	default:
		return nil, fmt.Errorf("unknown settlement rail: %s", rail)
	}
}

func (e *Engine) initiateWallet(ctx context.Context, rider *model.Rider, intent *model.PaymentIntent) (*Outcome, error) {
	// Быстрая проверка по кэшированному балансу. Авторитетная проверка
	// выполняется леджером внутри списания, кэш может быть устаревшим.
	if rider.BalanceCents < intent.TotalCents {
		if _, err := e.intents.MarkIntentFailed(ctx, intent.IdempotencyKey, "insufficient wallet balance"); err != nil {
			e.logger.Error("mark intent failed", zap.Error(err), zap.String("key", intent.IdempotencyKey))
		}
		return nil, repository.ErrInsufficientBalance
	}

	txRef, err := e.ledger.Debit(ctx, rider.Phone, intent.TotalCents, intent.IdempotencyKey)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			if _, markErr := e.intents.MarkIntentFailed(ctx, intent.IdempotencyKey, "insufficient wallet balance"); markErr != nil {
				e.logger.Error("mark intent failed", zap.Error(markErr), zap.String("key", intent.IdempotencyKey))
			}
		}
		return nil, err
	}

	return e.settle(ctx, intent.IdempotencyKey, txRef)
}

func (e *Engine) initiateMobileMoney(ctx context.Context, rider *model.Rider, intent *model.PaymentIntent, amountKsh float64) (*Outcome, error) {
	checkoutRef, err := e.gateway.StartPush(ctx, rider.Phone, amountKsh)
	if err != nil {
		if _, markErr := e.intents.MarkIntentFailed(ctx, intent.IdempotencyKey, "payment request could not be sent, please try again"); markErr != nil {
			e.logger.Error("mark intent failed", zap.Error(markErr), zap.String("key", intent.IdempotencyKey))
		}
		return nil, err
	}

	if err := e.intents.SetIntentExternalRef(ctx, intent.IdempotencyKey, checkoutRef); err != nil {
		// Push уже отправлен, но ссылка не сохранилась: опрашивать нечем,
		// а платёж ещё может прийти. Намерение помечается неподтверждённым,
		// чтобы оно не зависло в ожидании без поллера.
		if _, markErr := e.intents.MarkIntentPending(ctx, intent.IdempotencyKey); markErr != nil {
			e.logger.Error("mark intent pending", zap.Error(markErr), zap.String("key", intent.IdempotencyKey))
		}
		return nil, fmt.Errorf("store checkout reference: %w", err)
	}

	e.startPoller(intent.IdempotencyKey, checkoutRef)

	return &Outcome{
		Status:      model.IntentStatusAwaiting,
		ExternalRef: checkoutRef,
		Reason:      "approve the payment request on your phone",
	}, nil
}

// startPoller запускает фоновый опрос подтверждения платежа. Жизненный
// цикл поллера не привязан к исходному запросу: вызывающая сторона может
// уйти, опрос продолжится до терминального или отложенного исхода.
func (e *Engine) startPoller(idempotencyKey, checkoutRef string) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.cancels[idempotencyKey] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.cancels, idempotencyKey)
			e.mu.Unlock()
			cancel()
			e.wg.Done()
		}()

		backoff := retry.WithMaxRetries(e.pollAttempts-1, retry.NewConstant(e.pollInterval))

		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			status, checkErr := e.gateway.CheckStatus(ctx, checkoutRef)
			if checkErr != nil {
				return retry.RetryableError(checkErr)
			}

			switch status {
			case gateway.StatusCompleted:
				if _, settleErr := e.settle(ctx, idempotencyKey, checkoutRef); settleErr != nil {
					e.logger.Error("settle after confirmation", zap.Error(settleErr), zap.String("key", idempotencyKey))
				}
				return nil
			case gateway.StatusFailed:
				e.fail(ctx, idempotencyKey, "payment was declined")
				return nil
			default:
				return retry.RetryableError(ErrConfirmationTimeout)
			}
		})

		if err != nil && ctx.Err() == nil {
			// Окно опроса исчерпано без подтверждения. Платёж может прийти
			// позже, поэтому намерение остаётся открытым, а не проваленным.
			if _, markErr := e.intents.MarkIntentPending(context.Background(), idempotencyKey); markErr != nil {
				e.logger.Error("mark intent pending", zap.Error(markErr), zap.String("key", idempotencyKey))
			}
		}
	}()
}

// settle переводит намерение в SETTLED и активирует полисы. Отмена опроса
// не должна откатывать завершившийся расчёт, поэтому запись выполняется
// на отдельном контексте.
func (e *Engine) settle(_ context.Context, idempotencyKey, externalRef string) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settledAt := e.now()

	updated, err := e.intents.MarkIntentSettled(ctx, idempotencyKey, externalRef, settledAt)
	if err != nil {
		return nil, err
	}

	intent, err := e.intents.GetPaymentIntent(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !updated && intent.Status != model.IntentStatusSettled {
		// Конкурирующий переход успел раньше (отказ или параллельный поллер).
		return e.outcomeFromIntent(ctx, intent)
	}

	policies, err := e.activator.Activate(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("activate policies: %w", err)
	}

	e.logger.Info("payment settled",
		zap.String("key", idempotencyKey),
		zap.String("rail", string(intent.Rail)),
		zap.Int("policies", len(policies)))

	return &Outcome{
		Status:      model.IntentStatusSettled,
		ExternalRef: intent.ExternalRef,
		Policies:    policies,
	}, nil
}

func (e *Engine) fail(ctx context.Context, idempotencyKey, reason string) {
	if _, err := e.intents.MarkIntentFailed(ctx, idempotencyKey, reason); err != nil {
		e.logger.Error("mark intent failed", zap.Error(err), zap.String("key", idempotencyKey))
	}
}

// Poll возвращает текущее состояние расчёта по ключу идемпотентности.
// Для намерений, ожидающих подтверждения, шлюз опрашивается ещё раз:
// платёж мог завершиться после закрытия окна опроса.
func (e *Engine) Poll(ctx context.Context, idempotencyKey string) (*Outcome, error) {
	intent, err := e.intents.GetPaymentIntent(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case model.IntentStatusSettled, model.IntentStatusFailed:
		return e.outcomeFromIntent(ctx, intent)
	}

	if intent.ExternalRef == "" {
		return e.outcomeFromIntent(ctx, intent)
	}

	status, err := e.gateway.CheckStatus(ctx, intent.ExternalRef)
	if err != nil {
		return nil, err
	}

	switch status {
	case gateway.StatusCompleted:
		return e.settle(ctx, idempotencyKey, intent.ExternalRef)
	case gateway.StatusFailed:
		e.fail(ctx, idempotencyKey, "payment was declined")
		return &Outcome{Status: model.IntentStatusFailed, Reason: "payment was declined"}, nil
	default:
		if intent.Status == model.IntentStatusPending {
			return &Outcome{
				Status: model.IntentStatusPending,
				Reason: "payment still pending, check again later",
			}, ErrConfirmationTimeout
		}
		return &Outcome{
			Status: model.IntentStatusAwaiting,
			Reason: "approve the payment request on your phone",
		}, nil
	}
}

// Cancel останавливает фоновый опрос подтверждения. Отмена не откатывает
// уже отправленный push-запрос и не трогает завершившийся расчёт.
func (e *Engine) Cancel(idempotencyKey string) {
	e.mu.Lock()
	cancel, ok := e.cancels[idempotencyKey]
	e.mu.Unlock()

	if ok {
		cancel()
	}
}

// ResumeAwaiting возобновляет опрос подтверждения для намерений, оставшихся
// в ожидании после перезапуска сервиса.
func (e *Engine) ResumeAwaiting(ctx context.Context) error {
	intents, err := e.intents.ListAwaitingIntents(ctx)
	if err != nil {
		return fmt.Errorf("list awaiting intents: %w", err)
	}

	for _, intent := range intents {
		if intent.Rail != model.RailMobileMoney || intent.ExternalRef == "" {
			continue
		}
		e.startPoller(intent.IdempotencyKey, intent.ExternalRef)
	}

	if len(intents) > 0 {
		e.logger.Info("resumed confirmation polling", zap.Int("intents", len(intents)))
	}

	return nil
}

// Shutdown останавливает все фоновые поллеры и дожидается их завершения.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) outcomeFromIntent(ctx context.Context, intent *model.PaymentIntent) (*Outcome, error) {
	out := &Outcome{
		Status:      intent.Status,
		ExternalRef: intent.ExternalRef,
		Reason:      intent.FailReason,
	}

	switch intent.Status {
	case model.IntentStatusSettled:
		// Activate идемпотентен: для рассчитанного намерения он только
		// возвращает уже созданные полисы.
		policies, err := e.activator.Activate(ctx, intent)
		if err != nil {
			return nil, fmt.Errorf("load activated policies: %w", err)
		}
		out.Policies = policies
	case model.IntentStatusAwaiting:
		out.Reason = "approve the payment request on your phone"
	case model.IntentStatusPending:
		out.Reason = "payment still pending, check again later"
	}

	return out, nil
}
