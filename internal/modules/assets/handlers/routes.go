package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the asset endpoints. Paths are relative to the
// wallet service mount.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/{wallet_id}/metals", h.HandleAddMetal)
	r.Get("/{wallet_id}/metals", h.HandleListMetals)
	r.Post("/{wallet_id}/real-estates", h.HandleAddRealEstate)
	r.Get("/{wallet_id}/real-estates", h.HandleListRealEstates)
	r.Post("/property-prices", h.HandleUpsertPropertyPrice)
}
