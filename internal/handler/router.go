package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/bodashield/bodashield-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса бода-страхования.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/plans", h.GetPlans)

		r.Post("/rider/register", h.Register)
		r.Post("/rider/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/wallet/balance", h.GetWalletBalance)

			r.Post("/quote", h.Quote)

			r.Post("/payments", h.InitiatePayment)
			r.Get("/payments/{key}", h.PollPayment)
			r.Delete("/payments/{key}", h.CancelPayment)

			r.Get("/policies", h.GetPolicies)
			r.Get("/policies/eligible", h.GetEligiblePolicies)

			r.Post("/claims", h.SubmitClaim)
			r.Get("/claims", h.GetClaims)
		})

		// Операторский контур: решения по обращениям принимает не водитель.
		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.Operator(h.operatorToken))

			r.Post("/claims/{claimID}/status", h.AdjudicateClaim)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
