// Package handlers exposes the monthly snapshot endpoint.
package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/snapshots"
)

// Handler holds the snapshot engine.
type Handler struct {
	engine *snapshots.Engine
	log    zerolog.Logger
}

// NewHandler creates a snapshots handler.
func NewHandler(engine *snapshots.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "snapshots").Logger(),
	}
}

type monthlyRequest struct {
	MonthKey     string             `json:"month_key"`
	CurrencyRate map[string]float64 `json:"currency_rate"`
}

// HandleCreateMonthly values the user's assets under one month key and
// upserts the snapshot rows. Re-running a month overwrites it.
// POST /wallet/snapshots/monthly
func (h *Handler) HandleCreateMonthly(w http.ResponseWriter, r *http.Request) {
	var req monthlyRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.CreateMonthly(r.Context(), httpx.UserID(r), req.MonthKey, req.CurrencyRate)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
