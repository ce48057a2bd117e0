// Package handlers exposes the wallet manager report over HTTP.
package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/reports"
)

// Handler holds the reports service.
type Handler struct {
	service *reports.Service
	log     zerolog.Logger
}

// NewHandler creates a reports handler.
func NewHandler(service *reports.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "reports").Logger(),
	}
}

type treeRequest struct {
	Months       int                `json:"months"`
	CurrencyRate map[string]float64 `json:"currency_rate"`
	ViewCurrency string             `json:"view_currency"`
}

// HandleManagerTree values every wallet the user owns and returns the
// aggregated tree. The caller supplies the FX map used for the live
// valuation; history months are valued with their stored snapshots.
// POST /wallet/manager/tree
func (h *Handler) HandleManagerTree(w http.ResponseWriter, r *http.Request) {
	var req treeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	tree, err := h.service.BuildTree(r.Context(), httpx.UserID(r), reports.TreeInput{
		Months:       req.Months,
		Rates:        req.CurrencyRate,
		ViewCurrency: req.ViewCurrency,
	})
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tree)
}
