// Package policy активирует страховые полисы после успешного расчёта премии.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bodashield/bodashield-system/internal/catalog"
	"github.com/bodashield/bodashield-system/internal/model"
)

// Store описывает контракт хранилища полисов, используемый активатором.
type Store interface {
	CreatePolicies(ctx context.Context, idempotencyKey string, policies []model.Policy) (bool, error)
	GetPoliciesByIntent(ctx context.Context, idempotencyKey string) ([]model.Policy, error)
}

// Activator создаёт полисы по рассчитанному платёжному намерению.
type Activator struct {
	store Store
	now   func() time.Time
}

// NewActivator создаёт активатор с указанным хранилищем.
func NewActivator(store Store) *Activator {
	return &Activator{
		store: store,
		now:   time.Now,
	}
}

// WithClock заменяет источник времени. Используется в тестах.
func (a *Activator) WithClock(now func() time.Time) *Activator {
	a.now = now
	return a
}

// Activate создаёт по одному полису на каждый выбранный вид защиты.
// Полисы одного намерения создаются в одной транзакции: либо все,
// либо ни одного. Повторный вызов для уже активированного намерения
// не создаёт дубликатов и возвращает существующие полисы.
func (a *Activator) Activate(ctx context.Context, intent *model.PaymentIntent) ([]model.Policy, error) {
	settledAt := a.now()
	if intent.SettledAt != nil {
		settledAt = *intent.SettledAt
	}

	policies := make([]model.Policy, 0, len(intent.Selections))
	for _, sel := range intent.Selections {
		tier, err := catalog.GetTier(sel.ProtectionType, sel.Duration)
		if err != nil {
			return nil, fmt.Errorf("resolve tier: %w", err)
		}

		policies = append(policies, model.Policy{
			ID:             uuid.NewString(),
			RiderPhone:     intent.RiderPhone,
			ProtectionType: sel.ProtectionType,
			Duration:       sel.Duration,
			PremiumCents:   tier.PremiumCents,
			Rail:           intent.Rail,
			TransactionRef: intent.ExternalRef,
			CreatedAt:      settledAt,
			// Срок действия отсчитывается строго от момента расчёта:
			// ровно 1, 7 или 30 суток.
			ExpiryAt: settledAt.Add(time.Duration(sel.Duration.Days()) * 24 * time.Hour),
			Active:   true,
		})
	}

	created, err := a.store.CreatePolicies(ctx, intent.IdempotencyKey, policies)
	if err != nil {
		return nil, fmt.Errorf("create policies: %w", err)
	}

	if !created {
		existing, err := a.store.GetPoliciesByIntent(ctx, intent.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("load existing policies: %w", err)
		}
		return existing, nil
	}

	return policies, nil
}
