// Package claims проверяет право на страховую выплату и регистрирует обращения.
package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bodashield/bodashield-system/internal/model"
	"github.com/bodashield/bodashield-system/internal/repository"
)

var (
	// ErrPolicyInactive возвращается для полиса без действующего покрытия:
	// хранимый флаг снят либо срок действия истёк.
	ErrPolicyInactive = errors.New("policy is not active")
	// ErrValidation возвращается для обращения без описания или подтверждения.
	ErrValidation = errors.New("invalid claim request")
)

// Store описывает контракт хранилища, используемый арбитром обращений.
type Store interface {
	GetPolicy(ctx context.Context, policyID string) (*model.Policy, error)
	ListPoliciesByRider(ctx context.Context, phone string) ([]model.Policy, error)
	GetClaimByPolicy(ctx context.Context, policyID string) (*model.Claim, error)
	CreateClaim(ctx context.Context, claim *model.Claim) error
	ListClaimsByRider(ctx context.Context, phone string) ([]model.Claim, error)
	UpdateClaimStatus(ctx context.Context, claimID string, status model.ClaimStatus, payoutRef string) error
}

// Adjudicator проверяет право на обращение и регистрирует его.
// Право на обращение: действующий полис без зарегистрированных обращений.
type Adjudicator struct {
	store Store
	now   func() time.Time
}

// NewAdjudicator создаёт арбитра обращений с указанным хранилищем.
func NewAdjudicator(store Store) *Adjudicator {
	return &Adjudicator{
		store: store,
		now:   time.Now,
	}
}

// WithClock заменяет источник времени. Используется в тестах.
func (a *Adjudicator) WithClock(now func() time.Time) *Adjudicator {
	a.now = now
	return a
}

// Submit регистрирует обращение по полису. Проверки выполняются по
// порядку, первая неудачная определяет ошибку: принадлежность полиса,
// действующее покрытие, отсутствие прежнего обращения, полнота данных.
func (a *Adjudicator) Submit(ctx context.Context, riderPhone, policyID, details, evidenceRef string) (*model.Claim, error) {
	p, err := a.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	// Чужой полис неотличим от несуществующего.
	if p.RiderPhone != riderPhone {
		return nil, fmt.Errorf("%w: %s", repository.ErrPolicyNotFound, policyID)
	}

	if !p.EffectivelyActive(a.now()) {
		return nil, fmt.Errorf("%w: %s", ErrPolicyInactive, policyID)
	}

	_, err = a.store.GetClaimByPolicy(ctx, policyID)
	if err == nil {
		return nil, fmt.Errorf("%w: policy %s", repository.ErrDuplicateClaim, policyID)
	}
	if !errors.Is(err, repository.ErrClaimNotFound) {
		return nil, err
	}

	if strings.TrimSpace(details) == "" {
		return nil, fmt.Errorf("%w: details are required", ErrValidation)
	}
	if evidenceRef == "" {
		return nil, fmt.Errorf("%w: evidence is required", ErrValidation)
	}

	claim := &model.Claim{
		ID:           uuid.NewString(),
		ClaimID:      newClaimID(),
		PolicyID:     policyID,
		RiderPhone:   riderPhone,
		PremiumCents: p.PremiumCents,
		Details:      details,
		EvidenceRef:  evidenceRef,
		Status:       model.ClaimStatusPending,
		CreatedAt:    a.now(),
	}

	// Уникальный индекс хранилища закрывает гонку двух одновременных
	// обращений по одному полису.
	if err := a.store.CreateClaim(ctx, claim); err != nil {
		return nil, err
	}

	return claim, nil
}

// ListEligible возвращает полисы, по которым можно подать обращение:
// действующие и без зарегистрированных обращений. Набор пересчитывается
// при каждом вызове, успешная подача сразу исключает полис из выдачи.
func (a *Adjudicator) ListEligible(ctx context.Context, riderPhone string) ([]model.Policy, error) {
	policies, err := a.store.ListPoliciesByRider(ctx, riderPhone)
	if err != nil {
		return nil, err
	}

	claims, err := a.store.ListClaimsByRider(ctx, riderPhone)
	if err != nil {
		return nil, err
	}

	claimed := make(map[string]struct{}, len(claims))
	for _, c := range claims {
		claimed[c.PolicyID] = struct{}{}
	}

	now := a.now()
	eligible := make([]model.Policy, 0, len(policies))
	for _, p := range policies {
		if !p.EffectivelyActive(now) {
			continue
		}
		if _, ok := claimed[p.ID]; ok {
			continue
		}
		eligible = append(eligible, p)
	}

	return eligible, nil
}

// ListByRider возвращает все обращения водителя.
func (a *Adjudicator) ListByRider(ctx context.Context, riderPhone string) ([]model.Claim, error) {
	return a.store.ListClaimsByRider(ctx, riderPhone)
}

// Transition переводит обращение в новый статус. Переходы монотонны,
// откат запрещён. Сама адъюдикация (одобрение, отказ, выплата) приходит
// извне, арбитр только охраняет инвариант переходов.
func (a *Adjudicator) Transition(ctx context.Context, claim *model.Claim, next model.ClaimStatus, payoutRef string) error {
	if !claim.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: cannot transition claim from %s to %s", ErrValidation, claim.Status, next)
	}

	if err := a.store.UpdateClaimStatus(ctx, claim.ClaimID, next, payoutRef); err != nil {
		return err
	}

	claim.Status = next
	claim.PayoutRef = payoutRef
	return nil
}

func newClaimID() string {
	return "CLM-" + strings.ToUpper(uuid.NewString()[:8])
}
