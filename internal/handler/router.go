package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/akhalidy/smmpanel-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware административного API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/pricing", func(r chi.Router) {
			r.Post("/rules", h.CreatePricingRule)
			r.Get("/rules", h.ListPricingRules)
			r.Get("/rules/{id}", h.GetPricingRule)
			r.Put("/rules/{id}", h.UpdatePricingRule)
			r.Delete("/rules/{id}", h.DeletePricingRule)

			r.Get("/preview", h.PreviewPrice)
			r.Get("/stats", h.PricingStats)
		})

		r.Get("/ranks", h.ListRanks)
		r.Post("/ranks/resync", h.ResyncRanks)

		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/refresh", h.RefreshOrder)

		r.Route("/provider", func(r chi.Router) {
			r.Get("/services", h.ProviderServices)
			r.Get("/balance", h.ProviderBalance)
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
