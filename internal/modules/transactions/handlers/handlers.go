// Package handlers exposes the ledger append endpoint.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/transactions"
	"github.com/finledger/finledger/internal/modules/wallets"
)

// Handler holds the transaction engine and the wallet repository for
// ownership checks.
type Handler struct {
	engine  *transactions.Engine
	wallets *wallets.Repository
	log     zerolog.Logger
}

// NewHandler creates a transactions handler.
func NewHandler(engine *transactions.Engine, walletsRepo *wallets.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		wallets: walletsRepo,
		log:     log.With().Str("handler", "transactions").Logger(),
	}
}

type createRequest struct {
	AccountID         string             `json:"account_id"`
	VerifyAmountAfter bool               `json:"verify_amount_after"`
	Transactions      []transactions.Row `json:"transactions"`
}

type createResponse struct {
	Count int                        `json:"count"`
	Items []transactions.Transaction `json:"items"`
}

// HandleCreate appends a batch of ledger rows to one account.
// POST /wallet/transactions/create
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	// not-owned accounts look absent
	if _, err := h.wallets.GetDepositAccountOwned(r.Context(), req.AccountID, httpx.UserID(r)); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	items, err := h.engine.AppendMany(r.Context(), req.AccountID, req.Transactions, req.VerifyAmountAfter)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, createResponse{Count: len(items), Items: items})
}

// RegisterRoutes mounts the transaction endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/transactions/create", h.HandleCreate)
}
