package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all instrument routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/instruments", func(r chi.Router) {
		r.Get("/options", h.HandleOptions)
		r.Get("/search", h.HandleSearch)
		r.Post("/resolve", h.HandleResolve)
		r.Post("/{symbol}/candles/daily/sync", h.HandleCandleSync)
		r.Get("/{symbol}/indicators", h.HandleIndicators)
	})
}
