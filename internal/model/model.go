// Package model содержит доменные сущности сервиса бода-страхования.
package model

import "time"

// ProtectionType — вид защиты, который покрывает полис.
type ProtectionType string

const (
	ProtectionRider ProtectionType = "rider"
	ProtectionBike  ProtectionType = "bike"
)

// PlanDuration — срок действия тарифного плана.
type PlanDuration string

const (
	DurationDaily   PlanDuration = "Daily"
	DurationWeekly  PlanDuration = "Weekly"
	DurationMonthly PlanDuration = "Monthly"
)

// Days возвращает фиксированную длительность плана в днях.
func (d PlanDuration) Days() int {
	switch d {
	case DurationDaily:
		return 1
	case DurationWeekly:
		return 7
	case DurationMonthly:
		return 30
	default:
		return 0
	}
}

// Rail — канал расчёта премии.
type Rail string

const (
	RailMobileMoney Rail = "mpesa"
	RailWalletToken Rail = "hbar"
)

// Rider представляет зарегистрированного водителя мототакси.
type Rider struct {
	Phone         string
	Name          string
	NationalID    string
	Email         string
	WalletAddress string
	// BalanceCents — кэшированный баланс кошелька в сотых долях HBAR.
	// Источником истины остаётся леджер: перед списанием сумма
	// проверяется повторно внутри транзакции.
	BalanceCents int64
	CreatedAt    time.Time
}

// Selection — выбранная комбинация вида защиты и срока плана.
type Selection struct {
	ProtectionType ProtectionType `json:"protectionType"`
	Duration       PlanDuration   `json:"duration"`
}

// Policy — страховой полис, созданный после успешного расчёта премии.
type Policy struct {
	ID             string
	RiderPhone     string
	ProtectionType ProtectionType
	Duration       PlanDuration
	PremiumCents   int64
	Rail           Rail
	TransactionRef string
	CreatedAt      time.Time
	ExpiryAt       time.Time
	// Active — хранимый флаг. Сам по себе он не означает действующее
	// покрытие: бизнес-правила обязаны использовать EffectivelyActive.
	Active bool
}

// EffectivelyActive сообщает, действует ли покрытие в момент now.
// Хранимый флаг и срок действия проверяются совместно: просроченный
// полис с невыключенным флагом покрытия не даёт.
func (p *Policy) EffectivelyActive(now time.Time) bool {
	return p.Active && now.Before(p.ExpiryAt)
}

// ClaimStatus описывает статус обращения за выплатой.
type ClaimStatus string

const (
	ClaimStatusPending   ClaimStatus = "Pending"
	ClaimStatusApproved  ClaimStatus = "Approved"
	ClaimStatusRejected  ClaimStatus = "Rejected"
	ClaimStatusProcessed ClaimStatus = "Processed"
)

// CanTransitionTo проверяет допустимость перехода статуса.
// Переходы монотонны: Pending -> Approved|Rejected -> Processed, откатов нет.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	switch s {
	case ClaimStatusPending:
		return next == ClaimStatusApproved || next == ClaimStatusRejected
	case ClaimStatusApproved, ClaimStatusRejected:
		return next == ClaimStatusProcessed
	default:
		return false
	}
}

// Claim — обращение за страховой выплатой по полису.
type Claim struct {
	ID         string
	ClaimID    string
	PolicyID   string
	RiderPhone string
	// PremiumCents — премия полиса на момент подачи обращения.
	// Снимок нужен, потому что тарифы задаются конфигурацией и могут меняться.
	PremiumCents int64
	Details      string
	EvidenceRef  string
	Status       ClaimStatus
	CreatedAt    time.Time
	PayoutRef    string
}

// IntentStatus — состояние платёжного намерения.
type IntentStatus string

const (
	IntentStatusAwaiting IntentStatus = "AWAITING_CONFIRMATION"
	IntentStatusSettled  IntentStatus = "SETTLED"
	IntentStatusFailed   IntentStatus = "FAILED"
	// IntentStatusPending — окно подтверждения исчерпано, но платёж
	// ещё может прийти со стороны шлюза. Состояние не терминальное.
	IntentStatusPending IntentStatus = "PENDING"
)

// PaymentIntent — платёжное намерение, привязанное к ключу идемпотентности.
type PaymentIntent struct {
	IdempotencyKey string
	RiderPhone     string
	Selections     []Selection
	TotalCents     int64
	Rail           Rail
	ExternalRef    string
	Status         IntentStatus
	FailReason     string
	CreatedAt      time.Time
	SettledAt      *time.Time
}

// CentsToHBAR переводит сумму из сотых долей HBAR в HBAR.
func CentsToHBAR(cents int64) float64 {
	return float64(cents) / 100
}

// CentsToKsh переводит сумму из сотых долей HBAR в KSh по указанному курсу.
func CentsToKsh(cents int64, kshPerHbar float64) float64 {
	return float64(cents) / 100 * kshPerHbar
}

// WalletBalance содержит баланс кошелька и его фиатный эквивалент.
type WalletBalance struct {
	HBAR float64 `json:"hbar"`
	Ksh  float64 `json:"ksh"`
}
