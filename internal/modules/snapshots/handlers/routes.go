package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the snapshot endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/snapshots/monthly", h.HandleCreateMonthly)
}
