package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the wallet management endpoints. The caller
// wraps the router with the user-header middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sync/user", h.HandleSyncUser)
	r.Post("/create/wallet", h.HandleCreateWallet)
	r.Delete("/delete/{wallet_id}", h.HandleDeleteWallet)
	r.Post("/{wallet_id}/account/create", h.HandleCreateAccount)
}
