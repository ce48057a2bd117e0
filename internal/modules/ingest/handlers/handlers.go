// Package handlers exposes the manual ingestion trigger. The scheduler
// drives the same pipeline entry point.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/ingest"
)

// Handler handles ingestion HTTP requests.
type Handler struct {
	pipeline *ingest.Pipeline
	log      zerolog.Logger
}

// NewHandler creates an ingestion handler.
func NewHandler(pipeline *ingest.Pipeline, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		log:      log.With().Str("handler", "ingest").Logger(),
	}
}

// HandleIngest handles POST /ingest/{market_key}.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	marketKey := chi.URLParam(r, "market_key")

	result, err := h.pipeline.IngestMarket(r.Context(), marketKey)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	status := http.StatusOK
	if result.Skipped {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, result)
}

// HandleMarkets handles GET /ingest/markets, listing the registered
// market keys the trigger accepts.
func (h *Handler) HandleMarkets(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"market_keys": h.pipeline.MarketKeys(),
	})
}

// RegisterRoutes registers all ingestion routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ingest", func(r chi.Router) {
		r.Get("/markets", h.HandleMarkets)
		r.Post("/{market_key}", h.HandleIngest)
	})
}
