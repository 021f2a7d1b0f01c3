package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter собирает маршруты API. Все маршруты, кроме ping и вебхука шлюза, требуют JWT.
func NewRouter(h *Handler, jwtSecret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", h.PingHandler)
		r.Post("/webhooks/payment", h.PaymentWebhookHandler)

		r.Group(func(r chi.Router) {
			r.Use(JWTMiddleware(jwtSecret))

			r.Post("/dealers", h.CreateDealerHandler)

			// заказы
			r.Post("/jobs", h.CreateJobHandler)
			r.Get("/jobs", h.ListOpenJobsHandler)
			r.Route("/jobs/{jobId}", func(r chi.Router) {
				r.Get("/", h.GetJobHandler)
				r.Post("/accept", h.AcceptJobHandler)
				r.Post("/start", h.StartJobHandler)
				r.Post("/complete", h.SubmitCompletionHandler)
				r.Post("/approve", h.ApproveCompletionHandler)
				r.Post("/rework", h.RequestReworkHandler)
				r.Post("/cancel", h.CancelJobHandler)
				r.Post("/bids", h.PlaceBidHandler)
				r.Get("/bids", h.ListBidsForJobHandler)
				r.Get("/payment-split", h.GetPaymentSplitHandler)
				r.Post("/warranty/release", h.ReleaseWarrantyHandler)
				r.Post("/disputes", h.OpenDisputeHandler)
			})

			// предложения (bids)
			r.Post("/bids/{bidId}/counter", h.CounterOfferHandler)
			r.Post("/bids/{bidId}/accept", h.AcceptBidHandler)
			r.Post("/bids/{bidId}/reject", h.RejectBidHandler)
			r.Post("/counter-offers/{counterId}/accept", h.AcceptCounterOfferHandler)
			r.Post("/counter-offers/{counterId}/reject", h.RejectCounterOfferHandler)

			r.Post("/disputes/{disputeId}/resolve", h.ResolveDisputeHandler)
		})
	})
	return r
}
