// Package service реализует бизнес-логику сервиса бода-страхования.
package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bodashield/bodashield-system/internal/catalog"
	"github.com/bodashield/bodashield-system/internal/claims"
	"github.com/bodashield/bodashield-system/internal/model"
	"github.com/bodashield/bodashield-system/internal/payment"
	"github.com/bodashield/bodashield-system/internal/quote"
	"github.com/bodashield/bodashield-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateRider(ctx context.Context, rider *model.Rider) error
	GetRiderByPhone(ctx context.Context, phone string) (*model.Rider, error)
	GetBalance(ctx context.Context, phone string) (int64, error)
	CreditWallet(ctx context.Context, phone string, amountCents int64) error
	GetPaymentIntent(ctx context.Context, idempotencyKey string) (*model.PaymentIntent, error)
	GetPoliciesByRider(ctx context.Context, phone string, page, limit int) ([]model.Policy, int, error)
	GetClaimByID(ctx context.Context, claimID string) (*model.Claim, error)
	DeactivatePolicy(ctx context.Context, policyID string) error
}

// Service связывает расчёт премий, активацию полисов и обращения за выплатой.
type Service struct {
	repo        Repository
	engine      *payment.Engine
	adjudicator *claims.Adjudicator
	quotes      *quote.Calculator
	kshPerHbar  float64
}

// NewService создаёт сервис с указанными зависимостями.
func NewService(repo Repository, engine *payment.Engine, adjudicator *claims.Adjudicator, quotes *quote.Calculator, kshPerHbar float64) *Service {
	return &Service{
		repo:        repo,
		engine:      engine,
		adjudicator: adjudicator,
		quotes:      quotes,
		kshPerHbar:  kshPerHbar,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterRider регистрирует нового водителя.
// Проверка номера по OTP выполняется до этого вызова и сюда не входит.
func (s *Service) RegisterRider(ctx context.Context, rider *model.Rider) error {
	return s.repo.CreateRider(ctx, rider)
}

// AuthenticateRider возвращает водителя по подтверждённому номеру телефона.
func (s *Service) AuthenticateRider(ctx context.Context, phone string) (*model.Rider, error) {
	return s.repo.GetRiderByPhone(ctx, phone)
}

// GetWalletBalance возвращает баланс кошелька в HBAR и фиатный эквивалент.
func (s *Service) GetWalletBalance(ctx context.Context, phone string) (*model.WalletBalance, error) {
	balance, err := s.repo.GetBalance(ctx, phone)
	if err != nil {
		return nil, err
	}
	return &model.WalletBalance{
		HBAR: model.CentsToHBAR(balance),
		Ksh:  model.CentsToKsh(balance, s.kshPerHbar),
	}, nil
}

// PlanCatalog возвращает все тарифные планы.
func (s *Service) PlanCatalog() []catalog.Tier {
	return catalog.List()
}

// Quote рассчитывает премию и покрытие по выбранным планам.
func (s *Service) Quote(selections []model.Selection) (*quote.Quote, error) {
	return s.quotes.Quote(selections)
}

// InitiatePayment запускает расчёт премии для водителя.
func (s *Service) InitiatePayment(ctx context.Context, phone string, selections []model.Selection, rail model.Rail, idempotencyKey string) (*payment.Outcome, error) {
	rider, err := s.repo.GetRiderByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	return s.engine.Initiate(ctx, rider, selections, rail, idempotencyKey)
}

// PollPayment возвращает текущее состояние расчёта. Намерение должно
// принадлежать запрашивающему водителю.
func (s *Service) PollPayment(ctx context.Context, phone, idempotencyKey string) (*payment.Outcome, error) {
	if err := s.checkIntentOwner(ctx, phone, idempotencyKey); err != nil {
		return nil, err
	}

	return s.engine.Poll(ctx, idempotencyKey)
}

// CancelPayment останавливает фоновый опрос подтверждения платежа.
func (s *Service) CancelPayment(ctx context.Context, phone, idempotencyKey string) error {
	if err := s.checkIntentOwner(ctx, phone, idempotencyKey); err != nil {
		return err
	}

	s.engine.Cancel(idempotencyKey)
	return nil
}

func (s *Service) checkIntentOwner(ctx context.Context, phone, idempotencyKey string) error {
	intent, err := s.repo.GetPaymentIntent(ctx, idempotencyKey)
	if err != nil {
		return err
	}
	// Чужое намерение неотличимо от несуществующего.
	if intent.RiderPhone != phone {
		return repository.ErrIntentNotFound
	}
	return nil
}

// GetPoliciesByRider возвращает страницу полисов водителя и общее количество.
func (s *Service) GetPoliciesByRider(ctx context.Context, phone string, page, limit int) ([]model.Policy, int, error) {
	return s.repo.GetPoliciesByRider(ctx, phone, page, limit)
}

// ListEligiblePolicies возвращает полисы, по которым можно подать обращение.
func (s *Service) ListEligiblePolicies(ctx context.Context, phone string) ([]model.Policy, error) {
	return s.adjudicator.ListEligible(ctx, phone)
}

// SubmitClaim регистрирует обращение за выплатой.
func (s *Service) SubmitClaim(ctx context.Context, phone, policyID, details, evidenceRef string) (*model.Claim, error) {
	return s.adjudicator.Submit(ctx, phone, policyID, details, evidenceRef)
}

// GetClaimsByRider возвращает обращения водителя.
func (s *Service) GetClaimsByRider(ctx context.Context, phone string) ([]model.Claim, error) {
	return s.adjudicator.ListByRider(ctx, phone)
}

// AdjudicateClaim переводит обращение в новый статус по решению внешней
// адъюдикации. Перевод в Processed выплачивает указанную сумму на кошелёк
// водителя и деактивирует полис.
func (s *Service) AdjudicateClaim(ctx context.Context, claimID string, next model.ClaimStatus, payoutCents int64) (*model.Claim, error) {
	claim, err := s.repo.GetClaimByID(ctx, claimID)
	if err != nil {
		return nil, err
	}

	// Допустимость перехода проверяется до любых побочных эффектов:
	// отклонённый переход не должен оставить за собой зачисление
	// или деактивированный полис.
	if !claim.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: cannot transition claim from %s to %s", claims.ErrValidation, claim.Status, next)
	}

	payoutRef := ""
	if next == model.ClaimStatusProcessed {
		if payoutCents <= 0 {
			return nil, fmt.Errorf("%w: payout amount must be positive", claims.ErrValidation)
		}

		payoutRef = uuid.NewString()
		if err := s.repo.CreditWallet(ctx, claim.RiderPhone, payoutCents); err != nil {
			return nil, fmt.Errorf("credit payout: %w", err)
		}
		if err := s.repo.DeactivatePolicy(ctx, claim.PolicyID); err != nil {
			return nil, fmt.Errorf("deactivate policy: %w", err)
		}
	}

	if err := s.adjudicator.Transition(ctx, claim, next, payoutRef); err != nil {
		return nil, err
	}

	return claim, nil
}
