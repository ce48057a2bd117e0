// Package handlers exposes the instrument registry over HTTP: dropdown
// options, accent-insensitive search, resolve-or-create for the wallet
// service, and the per-instrument candle endpoints.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/instruments"
	"github.com/finledger/finledger/internal/modules/markets"
	"github.com/finledger/finledger/internal/modules/quotes"
)

// Handler handles instrument HTTP requests.
type Handler struct {
	registry *instruments.Registry
	markets  *markets.Repository
	candles  *quotes.CandleRepository
	sync     *quotes.CandleSyncService
	log      zerolog.Logger
}

// NewHandler creates an instrument handler.
func NewHandler(
	registry *instruments.Registry,
	marketRepo *markets.Repository,
	candleRepo *quotes.CandleRepository,
	syncService *quotes.CandleSyncService,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		registry: registry,
		markets:  marketRepo,
		candles:  candleRepo,
		sync:     syncService,
		log:      log.With().Str("handler", "instruments").Logger(),
	}
}

// HandleOptions handles GET /instruments/options?mic=XWAR.
func (h *Handler) HandleOptions(w http.ResponseWriter, r *http.Request) {
	mic := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("mic")))
	if mic == "" {
		httpx.Error(w, h.log, domain.Validationf("mic parameter is required"))
		return
	}

	market, err := h.markets.GetByMIC(r.Context(), mic)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	options, err := h.registry.Options(r.Context(), market.ID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"mic":     market.MIC,
		"options": options,
	})
}

// HandleSearch handles GET /instruments/search?q=miedz&limit=20.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httpx.Error(w, h.log, domain.Validationf("q parameter is required"))
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	items, err := h.registry.Search(r.Context(), q, limit)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"query": q,
		"count": len(items),
		"items": items,
	})
}

type resolveRequest struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Kind     string `json:"kind"`
	MIC      string `json:"mic"`
}

// HandleResolve handles POST /instruments/resolve. The wallet service
// calls this when a brokerage event references a symbol it has never
// seen; the instrument is created on miss.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, domain.Validationf("%s", err.Error()))
		return
	}

	mic := strings.ToUpper(strings.TrimSpace(req.MIC))
	if mic == "" {
		mic = "XWAR"
	}
	market, err := h.markets.GetByMIC(r.Context(), mic)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	kind := domain.InstrumentEquity
	if req.Kind != "" {
		parsed, ok := domain.ParseInstrumentKind(req.Kind)
		if !ok {
			httpx.Error(w, h.log, domain.Validationf("unknown instrument kind %q", req.Kind))
			return
		}
		kind = parsed
	}

	inst, err := h.registry.ResolveOrCreate(r.Context(), instruments.ResolveInput{
		MarketID: market.ID,
		Symbol:   req.Symbol,
		Name:     req.Name,
		Currency: req.Currency,
		Kind:     kind,
	})
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inst)
}

type candleSyncRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	OverlapDays  int    `json:"overlap_days"`
	IncludeItems bool   `json:"include_items"`
	ReturnAll    bool   `json:"return_all"`
}

// HandleCandleSync handles POST /instruments/{symbol}/candles/daily/sync.
func (h *Handler) HandleCandleSync(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))

	var req candleSyncRequest
	if r.ContentLength > 0 {
		if err := httpx.Decode(r, &req); err != nil {
			httpx.Error(w, h.log, domain.Validationf("%s", err.Error()))
			return
		}
	}

	inst, err := h.registry.GetBySymbol(r.Context(), symbol)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	result, err := h.sync.Sync(r.Context(), inst.ID, inst.Symbol, quotes.SyncOptions{
		From:         req.From,
		To:           req.To,
		OverlapDays:  req.OverlapDays,
		IncludeItems: req.IncludeItems,
		ReturnAll:    req.ReturnAll,
	})
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// HandleIndicators handles GET /instruments/{symbol}/indicators?period=14.
func (h *Handler) HandleIndicators(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))

	period := 0
	if raw := r.URL.Query().Get("period"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Error(w, h.log, domain.Validationf("invalid period %q", raw))
			return
		}
		period = n
	}

	inst, err := h.registry.GetBySymbol(r.Context(), symbol)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	indicators, err := h.candles.ComputeIndicators(r.Context(), inst.ID, inst.Symbol, period)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, indicators)
}
