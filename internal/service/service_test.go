package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bodashield/bodashield-system/internal/claims"
	"github.com/bodashield/bodashield-system/internal/model"
	"github.com/bodashield/bodashield-system/internal/payment"
	"github.com/bodashield/bodashield-system/internal/quote"
	"github.com/bodashield/bodashield-system/internal/repository"
)

type stubRepo struct {
	rider    *model.Rider
	riderErr error

	balance    int64
	balanceErr error

	intent    *model.PaymentIntent
	intentErr error

	claim    *model.Claim
	claimErr error

	creditedPhone  string
	creditedCents  int64
	creditErr      error
	deactivatedIDs []string
}

func (r *stubRepo) Close() error { return nil }

func (r *stubRepo) CreateRider(ctx context.Context, rider *model.Rider) error {
	return r.riderErr
}

func (r *stubRepo) GetRiderByPhone(ctx context.Context, phone string) (*model.Rider, error) {
	if r.riderErr != nil {
		return nil, r.riderErr
	}
	return r.rider, nil
}

func (r *stubRepo) GetBalance(ctx context.Context, phone string) (int64, error) {
	return r.balance, r.balanceErr
}

func (r *stubRepo) CreditWallet(ctx context.Context, phone string, amountCents int64) error {
	if r.creditErr != nil {
		return r.creditErr
	}
	r.creditedPhone = phone
	r.creditedCents = amountCents
	return nil
}

func (r *stubRepo) GetPaymentIntent(ctx context.Context, idempotencyKey string) (*model.PaymentIntent, error) {
	if r.intentErr != nil {
		return nil, r.intentErr
	}
	return r.intent, nil
}

func (r *stubRepo) GetPoliciesByRider(ctx context.Context, phone string, page, limit int) ([]model.Policy, int, error) {
	return nil, 0, nil
}

func (r *stubRepo) GetClaimByID(ctx context.Context, claimID string) (*model.Claim, error) {
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	return r.claim, nil
}

func (r *stubRepo) DeactivatePolicy(ctx context.Context, policyID string) error {
	r.deactivatedIDs = append(r.deactivatedIDs, policyID)
	return nil
}

type stubClaimStore struct {
	updatedStatus model.ClaimStatus
	updatedPayout string
	updateErr     error
}

func (s *stubClaimStore) GetPolicy(ctx context.Context, policyID string) (*model.Policy, error) {
	return nil, repository.ErrPolicyNotFound
}

func (s *stubClaimStore) ListPoliciesByRider(ctx context.Context, phone string) ([]model.Policy, error) {
	return nil, nil
}

func (s *stubClaimStore) GetClaimByPolicy(ctx context.Context, policyID string) (*model.Claim, error) {
	return nil, repository.ErrClaimNotFound
}

func (s *stubClaimStore) CreateClaim(ctx context.Context, claim *model.Claim) error {
	return nil
}

func (s *stubClaimStore) ListClaimsByRider(ctx context.Context, phone string) ([]model.Claim, error) {
	return nil, nil
}

func (s *stubClaimStore) UpdateClaimStatus(ctx context.Context, claimID string, status model.ClaimStatus, payoutRef string) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updatedStatus = status
	s.updatedPayout = payoutRef
	return nil
}

func newTestService(repo *stubRepo, claimStore *stubClaimStore) *Service {
	quotes := quote.NewCalculator(12.9)
	engine := payment.NewEngine(payment.Config{
		Quotes: quotes,
	})
	adjudicator := claims.NewAdjudicator(claimStore)

	return NewService(repo, engine, adjudicator, quotes, 12.9)
}

func TestGetWalletBalance(t *testing.T) {
	repo := &stubRepo{balance: 1250}
	svc := newTestService(repo, &stubClaimStore{})

	balance, err := svc.GetWalletBalance(context.Background(), "+254712345678")
	if err != nil {
		t.Fatalf("GetWalletBalance: %v", err)
	}

	if balance.HBAR != 12.5 {
		t.Errorf("HBAR = %f, want 12.5", balance.HBAR)
	}
	want := 12.5 * 12.9
	if diff := balance.Ksh - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Ksh = %f, want %f", balance.Ksh, want)
	}
}

func TestPlanCatalog(t *testing.T) {
	svc := newTestService(&stubRepo{}, &stubClaimStore{})

	if got := len(svc.PlanCatalog()); got != 6 {
		t.Fatalf("len(PlanCatalog()) = %d, want 6", got)
	}
}

func TestPollPayment_ForeignIntent(t *testing.T) {
	repo := &stubRepo{
		intent: &model.PaymentIntent{
			IdempotencyKey: "key-1",
			RiderPhone:     "+254798765432",
		},
	}
	svc := newTestService(repo, &stubClaimStore{})

	_, err := svc.PollPayment(context.Background(), "+254712345678", "key-1")
	if !errors.Is(err, repository.ErrIntentNotFound) {
		t.Fatalf("err = %v, want ErrIntentNotFound", err)
	}
}

func TestCancelPayment_ForeignIntent(t *testing.T) {
	repo := &stubRepo{intentErr: repository.ErrIntentNotFound}
	svc := newTestService(repo, &stubClaimStore{})

	err := svc.CancelPayment(context.Background(), "+254712345678", "missing")
	if !errors.Is(err, repository.ErrIntentNotFound) {
		t.Fatalf("err = %v, want ErrIntentNotFound", err)
	}
}

func TestCancelPayment_Owned(t *testing.T) {
	repo := &stubRepo{
		intent: &model.PaymentIntent{
			IdempotencyKey: "key-1",
			RiderPhone:     "+254712345678",
		},
	}
	svc := newTestService(repo, &stubClaimStore{})

	if err := svc.CancelPayment(context.Background(), "+254712345678", "key-1"); err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}
}

func pendingClaim(status model.ClaimStatus) *model.Claim {
	return &model.Claim{
		ID:           "id-1",
		ClaimID:      "CLM-ABCDEF01",
		PolicyID:     "p1",
		RiderPhone:   "+254712345678",
		PremiumCents: 465,
		Status:       status,
		CreatedAt:    time.Now(),
	}
}

func TestAdjudicateClaim_Approve(t *testing.T) {
	repo := &stubRepo{claim: pendingClaim(model.ClaimStatusPending)}
	claimStore := &stubClaimStore{}
	svc := newTestService(repo, claimStore)

	claim, err := svc.AdjudicateClaim(context.Background(), "CLM-ABCDEF01", model.ClaimStatusApproved, 0)
	if err != nil {
		t.Fatalf("AdjudicateClaim: %v", err)
	}

	if claim.Status != model.ClaimStatusApproved {
		t.Errorf("Status = %s, want Approved", claim.Status)
	}
	// Одобрение само по себе ничего не выплачивает.
	if repo.creditedCents != 0 {
		t.Errorf("creditedCents = %d, want 0", repo.creditedCents)
	}
	if len(repo.deactivatedIDs) != 0 {
		t.Errorf("deactivated policies on approve: %v", repo.deactivatedIDs)
	}
}

func TestAdjudicateClaim_Payout(t *testing.T) {
	repo := &stubRepo{claim: pendingClaim(model.ClaimStatusApproved)}
	claimStore := &stubClaimStore{}
	svc := newTestService(repo, claimStore)

	claim, err := svc.AdjudicateClaim(context.Background(), "CLM-ABCDEF01", model.ClaimStatusProcessed, 50000)
	if err != nil {
		t.Fatalf("AdjudicateClaim: %v", err)
	}

	if claim.Status != model.ClaimStatusProcessed {
		t.Errorf("Status = %s, want Processed", claim.Status)
	}
	if claim.PayoutRef == "" {
		t.Errorf("PayoutRef is empty")
	}
	if repo.creditedPhone != "+254712345678" || repo.creditedCents != 50000 {
		t.Errorf("credited %q %d, want +254712345678 50000", repo.creditedPhone, repo.creditedCents)
	}
	if len(repo.deactivatedIDs) != 1 || repo.deactivatedIDs[0] != "p1" {
		t.Errorf("deactivatedIDs = %v, want [p1]", repo.deactivatedIDs)
	}
	if claimStore.updatedPayout != claim.PayoutRef {
		t.Errorf("stored payout ref %q, want %q", claimStore.updatedPayout, claim.PayoutRef)
	}
}

func TestAdjudicateClaim_PayoutAmountRequired(t *testing.T) {
	repo := &stubRepo{claim: pendingClaim(model.ClaimStatusApproved)}
	svc := newTestService(repo, &stubClaimStore{})

	_, err := svc.AdjudicateClaim(context.Background(), "CLM-ABCDEF01", model.ClaimStatusProcessed, 0)
	if !errors.Is(err, claims.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if repo.creditedCents != 0 {
		t.Errorf("wallet was credited without a payout amount")
	}
}

func TestAdjudicateClaim_NoPayoutOnRejectedTransition(t *testing.T) {
	// Перескок Pending -> Processed отклоняется до зачисления:
	// отказ не должен оставить за собой выплату или снятый полис.
	repo := &stubRepo{claim: pendingClaim(model.ClaimStatusPending)}
	svc := newTestService(repo, &stubClaimStore{})

	_, err := svc.AdjudicateClaim(context.Background(), "CLM-ABCDEF01", model.ClaimStatusProcessed, 50000)
	if !errors.Is(err, claims.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if repo.creditedCents != 0 {
		t.Errorf("creditedCents = %d, want 0: wallet credited despite rejected transition", repo.creditedCents)
	}
	if len(repo.deactivatedIDs) != 0 {
		t.Errorf("deactivatedIDs = %v, want none: policy deactivated despite rejected transition", repo.deactivatedIDs)
	}
}

func TestAdjudicateClaim_InvalidTransition(t *testing.T) {
	repo := &stubRepo{claim: pendingClaim(model.ClaimStatusProcessed)}
	svc := newTestService(repo, &stubClaimStore{})

	_, err := svc.AdjudicateClaim(context.Background(), "CLM-ABCDEF01", model.ClaimStatusApproved, 0)
	if !errors.Is(err, claims.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestAdjudicateClaim_NotFound(t *testing.T) {
	repo := &stubRepo{claimErr: repository.ErrClaimNotFound}
	svc := newTestService(repo, &stubClaimStore{})

	_, err := svc.AdjudicateClaim(context.Background(), "CLM-MISSING", model.ClaimStatusApproved, 0)
	if !errors.Is(err, repository.ErrClaimNotFound) {
		t.Fatalf("err = %v, want ErrClaimNotFound", err)
	}
}
