package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the report endpoints. The caller wraps the
// router with the user-header middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/manager/tree", h.HandleManagerTree)
}
