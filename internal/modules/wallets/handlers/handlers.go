// Package handlers exposes wallet and account management over HTTP.
// Every route runs behind the user-header middleware; handlers read the
// authenticated user from the request context.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/wallets"
)

// Handler holds the wallet service.
type Handler struct {
	service *wallets.Service
	log     zerolog.Logger
}

// NewHandler creates a wallet handler.
func NewHandler(service *wallets.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "wallets").Logger(),
	}
}

// HandleSyncUser upserts the user and returns the full overview.
// POST /wallet/sync/user
func (h *Handler) HandleSyncUser(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.SyncUser(r.Context(), httpx.UserID(r))
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, overview)
}

type createWalletRequest struct {
	Name string `json:"name"`
}

// HandleCreateWallet creates a named wallet for the user.
// POST /wallet/create/wallet
func (h *Handler) HandleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	wallet, err := h.service.CreateWallet(r.Context(), httpx.UserID(r), req.Name)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, wallet)
}

// HandleDeleteWallet removes a wallet the user owns.
// DELETE /wallet/delete/{wallet_id}
func (h *Handler) HandleDeleteWallet(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "wallet_id")
	if err := h.service.DeleteWallet(r.Context(), httpx.UserID(r), walletID); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createAccountRequest struct {
	Name          string `json:"name"`
	AccountType   string `json:"account_type"`
	Currency      string `json:"currency"`
	AccountNumber string `json:"account_number"`
	IBAN          string `json:"iban"`
	BankID        *int64 `json:"bank_id"`
}

// HandleCreateAccount creates a deposit account in a wallet. Brokerage
// type additionally creates the paired brokerage account and link.
// POST /wallet/{wallet_id}/account/create
func (h *Handler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.CreateAccount(r.Context(), httpx.UserID(r), wallets.CreateAccountInput{
		WalletID:      chi.URLParam(r, "wallet_id"),
		Name:          req.Name,
		AccountType:   req.AccountType,
		Currency:      req.Currency,
		AccountNumber: req.AccountNumber,
		IBAN:          req.IBAN,
		BankID:        req.BankID,
	})
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}
