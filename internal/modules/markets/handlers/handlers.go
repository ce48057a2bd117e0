// Package handlers exposes the market registry over HTTP.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/markets"
)

// Handler handles market HTTP requests.
type Handler struct {
	markets *markets.Repository
	log     zerolog.Logger
}

// NewHandler creates a market handler.
func NewHandler(marketRepo *markets.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		markets: marketRepo,
		log:     log.With().Str("handler", "markets").Logger(),
	}
}

// HandleList handles GET /markets.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.markets.List(r.Context())
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"count": len(items),
		"items": items,
	})
}

// RegisterRoutes registers all market routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/markets", h.HandleList)
}
