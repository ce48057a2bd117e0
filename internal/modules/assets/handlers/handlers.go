// Package handlers exposes metal holdings, real estate and the
// property-price reference table over HTTP.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/assets"
	"github.com/finledger/finledger/internal/modules/wallets"
)

// Handler holds the asset repositories.
type Handler struct {
	wallets *wallets.Repository
	assets  *assets.Repository
	log     zerolog.Logger
}

// NewHandler creates an assets handler.
func NewHandler(walletsRepo *wallets.Repository, assetsRepo *assets.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		wallets: walletsRepo,
		assets:  assetsRepo,
		log:     log.With().Str("handler", "assets").Logger(),
	}
}

// ownedWallet resolves the path wallet and verifies ownership.
func (h *Handler) ownedWallet(r *http.Request) (string, error) {
	walletID := chi.URLParam(r, "wallet_id")
	if _, err := h.wallets.GetWallet(r.Context(), walletID, httpx.UserID(r)); err != nil {
		return "", err
	}
	return walletID, nil
}

type metalRequest struct {
	Metal     string  `json:"metal"`
	Grams     float64 `json:"grams"`
	CostBasis float64 `json:"cost_basis"`
	Currency  string  `json:"currency"`
}

// HandleAddMetal records a physical metal holding in a wallet.
// POST /wallet/{wallet_id}/metals
func (h *Handler) HandleAddMetal(w http.ResponseWriter, r *http.Request) {
	var req metalRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	walletID, err := h.ownedWallet(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	holding := &assets.MetalHolding{
		WalletID:  walletID,
		Metal:     domain.Metal(req.Metal),
		Grams:     req.Grams,
		CostBasis: req.CostBasis,
		Currency:  req.Currency,
	}
	if err := h.assets.AddMetal(r.Context(), holding); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, holding)
}

// HandleListMetals lists a wallet's metal holdings.
// GET /wallet/{wallet_id}/metals
func (h *Handler) HandleListMetals(w http.ResponseWriter, r *http.Request) {
	walletID, err := h.ownedWallet(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	holdings, err := h.assets.ListMetalsByWallet(r.Context(), walletID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, holdings)
}

type estateRequest struct {
	Name      string  `json:"name"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	AreaSqm   float64 `json:"area_sqm"`
	CostBasis float64 `json:"cost_basis"`
	Currency  string  `json:"currency"`
}

// HandleAddRealEstate records a property in a wallet.
// POST /wallet/{wallet_id}/real-estates
func (h *Handler) HandleAddRealEstate(w http.ResponseWriter, r *http.Request) {
	var req estateRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	walletID, err := h.ownedWallet(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	estate := &assets.RealEstate{
		WalletID:  walletID,
		Name:      req.Name,
		Country:   req.Country,
		City:      req.City,
		AreaSqm:   req.AreaSqm,
		CostBasis: req.CostBasis,
		Currency:  req.Currency,
	}
	if err := h.assets.AddRealEstate(r.Context(), estate); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, estate)
}

// HandleListRealEstates lists a wallet's properties.
// GET /wallet/{wallet_id}/real-estates
func (h *Handler) HandleListRealEstates(w http.ResponseWriter, r *http.Request) {
	walletID, err := h.ownedWallet(r)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	estates, err := h.assets.ListRealEstateByWallet(r.Context(), walletID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, estates)
}

type propertyPriceRequest struct {
	Country     string  `json:"country"`
	City        string  `json:"city"`
	PricePerSqm float64 `json:"price_per_sqm"`
	Currency    string  `json:"currency"`
	Quarter     string  `json:"quarter"`
}

// HandleUpsertPropertyPrice stores a reference price used by the
// real-estate valuation fallback chain.
// POST /wallet/property-prices
func (h *Handler) HandleUpsertPropertyPrice(w http.ResponseWriter, r *http.Request) {
	var req propertyPriceRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	price := &assets.PropertyPrice{
		Country:     req.Country,
		City:        req.City,
		PricePerSqm: req.PricePerSqm,
		Currency:    req.Currency,
		Quarter:     req.Quarter,
	}
	if err := h.assets.UpsertPropertyPrice(r.Context(), price); err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, price)
}
