// Package handler содержит HTTP-обработчики API сервиса бода-страхования.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bodashield/bodashield-system/internal/catalog"
	"github.com/bodashield/bodashield-system/internal/claims"
	"github.com/bodashield/bodashield-system/internal/gateway"
	"github.com/bodashield/bodashield-system/internal/middleware"
	"github.com/bodashield/bodashield-system/internal/model"
	"github.com/bodashield/bodashield-system/internal/payment"
	"github.com/bodashield/bodashield-system/internal/quote"
	"github.com/bodashield/bodashield-system/internal/repository"
	"github.com/bodashield/bodashield-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterRider(ctx context.Context, rider *model.Rider) error
	AuthenticateRider(ctx context.Context, phone string) (*model.Rider, error)
	GetWalletBalance(ctx context.Context, phone string) (*model.WalletBalance, error)
	PlanCatalog() []catalog.Tier
	Quote(selections []model.Selection) (*quote.Quote, error)
	InitiatePayment(ctx context.Context, phone string, selections []model.Selection, rail model.Rail, idempotencyKey string) (*payment.Outcome, error)
	PollPayment(ctx context.Context, phone, idempotencyKey string) (*payment.Outcome, error)
	CancelPayment(ctx context.Context, phone, idempotencyKey string) error
	GetPoliciesByRider(ctx context.Context, phone string, page, limit int) ([]model.Policy, int, error)
	ListEligiblePolicies(ctx context.Context, phone string) ([]model.Policy, error)
	SubmitClaim(ctx context.Context, phone, policyID, details, evidenceRef string) (*model.Claim, error)
	GetClaimsByRider(ctx context.Context, phone string) ([]model.Claim, error)
	AdjudicateClaim(ctx context.Context, claimID string, next model.ClaimStatus, payoutCents int64) (*model.Claim, error)
}

// Handler реализует HTTP-обработчики API сервиса бода-страхования.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	operatorToken  string
	kshPerHbar     float64
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, operatorToken string, kshPerHbar float64) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		operatorToken:  operatorToken,
		kshPerHbar:     kshPerHbar,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

type registerRequest struct {
	Phone         string `json:"phone"`
	Name          string `json:"name"`
	NationalID    string `json:"idNumber"`
	Email         string `json:"email"`
	WalletAddress string `json:"wallet"`
}

// Register обрабатывает регистрацию нового водителя. Номер приходит уже
// подтверждённым по OTP: доставка кода — забота внешнего слоя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidPhone(req.Phone) || req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rider := &model.Rider{
		Phone:         req.Phone,
		Name:          req.Name,
		NationalID:    req.NationalID,
		Email:         req.Email,
		WalletAddress: req.WalletAddress,
	}

	if err := h.service.RegisterRider(r.Context(), rider); err != nil {
		if errors.Is(err, repository.ErrRiderExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register rider error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, rider.Phone)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Phone string `json:"phone"`
}

// Login аутентифицирует водителя по подтверждённому номеру и ставит cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidPhone(req.Phone) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rider, err := h.service.AuthenticateRider(r.Context(), req.Phone)
	if err != nil {
		if errors.Is(err, repository.ErrRiderNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login rider error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, rider.Phone)
	w.WriteHeader(http.StatusOK)
}

type planResponse struct {
	ProtectionType string           `json:"protectionType"`
	Duration       string           `json:"duration"`
	PremiumHbar    float64          `json:"premiumHbar"`
	PremiumKsh     float64          `json:"premiumKsh"`
	Coverage       map[string]int64 `json:"coverage"`
}

// GetPlans возвращает таблицу тарифных планов.
func (h *Handler) GetPlans(w http.ResponseWriter, r *http.Request) {
	tiers := h.service.PlanCatalog()

	resp := make([]planResponse, 0, len(tiers))
	for _, t := range tiers {
		resp = append(resp, planResponse{
			ProtectionType: string(t.ProtectionType),
			Duration:       string(t.Duration),
			PremiumHbar:    model.CentsToHBAR(t.PremiumCents),
			PremiumKsh:     t.PremiumKsh(h.kshPerHbar),
			Coverage:       t.Coverage,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetWalletBalance возвращает баланс кошелька текущего водителя.
func (h *Handler) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	phone, ok := middleware.GetRiderPhoneFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetWalletBalance(r.Context(), phone)
	if err != nil {
		h.logger.Error("get wallet balance error", zap.Error(err), zap.String("phone", phone))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type quoteRequest struct {
	Selections []model.Selection `json:"selections"`
}

type quoteResponse struct {
	TotalHbar   float64                     `json:"totalHbar"`
	TotalKsh    float64                     `json:"totalKsh"`
	PerType     map[string]float64          `json:"perType"`
	Coverage    map[string]map[string]int64 `json:"coverage"`
	RewardUnits int64                       `json:"rewardUnits"`
}

// Quote рассчитывает премию по выбранным планам.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	q, err := h.service.Quote(req.Selections)
	if err != nil {
		if errors.Is(err, quote.ErrInvalidSelection) || errors.Is(err, catalog.ErrTierNotFound) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("quote error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := quoteResponse{
		TotalHbar:   model.CentsToHBAR(q.TotalCents),
		TotalKsh:    q.TotalKsh,
		PerType:     make(map[string]float64, len(q.PerType)),
		Coverage:    make(map[string]map[string]int64, len(q.Coverage)),
		RewardUnits: q.RewardUnits,
	}
	for pt, cents := range q.PerType {
		resp.PerType[string(pt)] = model.CentsToHBAR(cents)
	}
	for pt, coverage := range q.Coverage {
		resp.Coverage[string(pt)] = coverage
	}

	writeJSON(w, http.StatusOK, resp)
}

type payRequest struct {
	Selections     []model.Selection `json:"selections"`
	Rail           string            `json:"paymentMethod"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type paymentResponse struct {
	Status      string           `json:"status"`
	CheckoutRef string           `json:"checkoutRef,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Policies    []policyResponse `json:"policies,omitempty"`
}

// InitiatePayment запускает расчёт премии по выбранному каналу.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	phone, ok := middleware.GetRiderPhoneFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rail := model.Rail(req.Rail)
	if rail != model.RailMobileMoney && rail != model.RailWalletToken {
		http.Error(w, "unknown payment method", http.StatusBadRequest)
		return
	}

	outcome, err := h.service.InitiatePayment(r.Context(), phone, req.Selections, rail, req.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, quote.ErrInvalidSelection),
			errors.Is(err, catalog.ErrTierNotFound),
			errors.Is(err, payment.ErrIdempotencyKeyRequired):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, "insufficient wallet balance, top up or pay via M-Pesa", http.StatusPaymentRequired)
		case errors.Is(err, gateway.ErrGateway):
			h.logger.Error("gateway error", zap.Error(err), zap.String("phone", phone))
			http.Error(w, "payment request could not be sent, please try again", http.StatusBadGateway)
		default:
			h.logger.Error("initiate payment error", zap.Error(err), zap.String("phone", phone))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	statusCode := http.StatusOK
	if outcome.Status == model.IntentStatusAwaiting || outcome.Status == model.IntentStatusPending {
		statusCode = http.StatusAccepted
	}

	writeJSON(w, statusCode, h.paymentResponse(outcome))
}

func (h *Handler) paymentResponse(outcome *payment.Outcome) paymentResponse {
	resp := paymentResponse{
		Status: string(outcome.Status),
		Reason: outcome.Reason,
	}
	if outcome.Status != model.IntentStatusSettled {
		// Внутренние ссылки транзакций наружу не отдаются, checkout-ссылка
		// нужна только для незавершённых push-платежей.
		resp.CheckoutRef = outcome.ExternalRef
	}
	for _, p := range outcome.Policies {
		resp.Policies = append(resp.Policies, h.policyResponse(p))
	}
	return resp
}

// PollPayment возвращает текущее состояние расчёта по ключу идемпотентности.
func (h *Handler) PollPayment(w http.ResponseWriter, r *http.Request) {
	phone, ok := middleware.GetRiderPhoneFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	key := pathParam(r, "key")

	outcome, err := h.service.PollPayment(r.Context(), phone, key)
	if err != nil && !errors.Is(err, payment.ErrConfirmationTimeout) {
		switch {
		case errors.Is(err, repository.ErrIntentNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, gateway.ErrGateway):
			h.logger.Error("gateway error on poll", zap.Error(err), zap.String("key", key))
			http.Error(w, "payment status unavailable, please try again", http.StatusBadGateway)
		default:
			h.logger.Error("poll payment error", zap.Error(err), zap.String("key", key))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, h.paymentResponse(outcome))
}

// CancelPayment останавливает опрос подтверждения. Уже отправленный
// push-запрос отменить нельзя.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	phone, ok := middleware.GetRiderPhoneFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	key := pathParam(r, "key")

	if err := h.service.CancelPayment(r.Context(), phone, key); err != nil {
		if errors.Is(err, repository.ErrIntentNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("cancel payment error", zap.Error(err), zap.String("key", key))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type policyResponse struct {
	ID             string  `json:"id"`
	ProtectionType string  `json:"protectionType"`
	Plan           string  `json:"plan"`
	PremiumHbar    float64 `json:"premiumHbar"`
	PremiumKsh     float64 `json:"premiumKsh"`
	Rail           string  `json:"paymentMethod"`
	TransactionRef string  `json:"transactionId"`
	CreatedAt      string  `json:"createdAt"`
	ExpiryAt       string  `json:"expiryDate"`
	Active         bool    `json:"active"`
}

func (h *Handler) policyResponse(p model.Policy) policyResponse {
	return policyResponse{
		ID:             p.ID,
		ProtectionType: string(p.ProtectionType),
		Plan:           string(p.Duration),
		PremiumHbar:    model.CentsToHBAR(p.PremiumCents),
		PremiumKsh:     model.CentsToKsh(p.PremiumCents, h.kshPerHbar),
		Rail:           string(p.Rail),
		TransactionRef: p.TransactionRef,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
		ExpiryAt:       p.ExpiryAt.Format(time.RFC3339),
		Active:         p.EffectivelyActive(time.Now()),
	}
}

type policiesResponse struct {
	Policies   []policyResponse `json:"policies"`
	Page       int              `json:"page"`
	TotalPages int              `json:"totalPages"`
}

// GetPolicies возвращает страницу полисов текущего водителя.
func (h *Handler) GetPolicies(w http.ResponseWriter, r *http.Request) {
	phone, ok := middleware.GetRiderPhoneFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 5
	}

	policies, total, err := h.service.GetPoliciesByRider(r.Context(), phone, page, limit)
	if err != nil {
		h.logger.Error("get policies error", zap.Error(err), zap.String("phone", phone))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := policiesResponse{
		Policies:   make([]policyResponse, 0, len(policies)),
		Page:       page,
		TotalPages: (total + limit - 1) / limit,
	}
	for _, p := range policies {
		resp.Policies = append(resp.Policies, h.policyResponse(p))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetEligiblePolicies возвращает полисы, по которым можно подать обращение.
// Набор считается заново при каждом запросе.
func (h *Handler) GetEligiblePolicies(w http.ResponseWriter, r *http.Request) {
	phone, ok := middleware.GetRiderPhoneFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	policies, err := h.service.ListEligiblePolicies(r.Context(), phone)
	if err != nil {
		h.logger.Error("get eligible policies error", zap.Error(err), zap.String("phone", phone))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]policyResponse, 0, len(policies))
	for _, p := range policies {
		resp = append(resp, h.policyResponse(p))
	}

	writeJSON(w, http.StatusOK, resp)
}

type claimRequest struct {
	PolicyID    string `json:"policyId"`
	Details     string `json:"details"`
	EvidenceRef string `json:"evidenceRef"`
}

type claimResponse struct {
	ClaimID     string  `json:"claimId"`
	PolicyID    string  `json:"policyId"`
	PremiumHbar float64 `json:"premiumHbar"`
	Details     string  `json:"details"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
	PayoutRef   string  `json:"payoutTransactionId,omitempty"`
}

func claimToResponse(c *model.Claim) claimResponse {
	return claimResponse{
		ClaimID:     c.ClaimID,
		PolicyID:    c.PolicyID,
		PremiumHbar: model.CentsToHBAR(c.PremiumCents),
		Details:     c.Details,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		PayoutRef:   c.PayoutRef,
	}
}

// SubmitClaim регистрирует обращение за выплатой по полису.
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	phone, ok := middleware.GetRiderPhoneFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	claim, err := h.service.SubmitClaim(r.Context(), phone, req.PolicyID, req.Details, req.EvidenceRef)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPolicyNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, claims.ErrPolicyInactive):
			http.Error(w, "policy has expired or is not active", http.StatusConflict)
		case errors.Is(err, repository.ErrDuplicateClaim):
			http.Error(w, "a claim has already been filed for this policy", http.StatusConflict)
		case errors.Is(err, claims.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("submit claim error", zap.Error(err), zap.String("phone", phone))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, claimToResponse(claim))
}

// GetClaims возвращает обращения текущего водителя.
func (h *Handler) GetClaims(w http.ResponseWriter, r *http.Request) {
	phone, ok := middleware.GetRiderPhoneFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	riderClaims, err := h.service.GetClaimsByRider(r.Context(), phone)
	if err != nil {
		h.logger.Error("get claims error", zap.Error(err), zap.String("phone", phone))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(riderClaims) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]claimResponse, 0, len(riderClaims))
	for i := range riderClaims {
		resp = append(resp, claimToResponse(&riderClaims[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type adjudicateRequest struct {
	Status     string  `json:"status"`
	PayoutHbar float64 `json:"payoutHbar"`
}

// AdjudicateClaim фиксирует решение внешней адъюдикации по обращению.
func (h *Handler) AdjudicateClaim(w http.ResponseWriter, r *http.Request) {
	var req adjudicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	claimID := pathParam(r, "claimID")
	// Округление до цента: произведение float64 может дать 267.4999...
	payoutCents := int64(math.Round(req.PayoutHbar * 100))

	claim, err := h.service.AdjudicateClaim(r.Context(), claimID, model.ClaimStatus(req.Status), payoutCents)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrClaimNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, claims.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("adjudicate claim error", zap.Error(err), zap.String("claimID", claimID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, claimToResponse(claim))
}
