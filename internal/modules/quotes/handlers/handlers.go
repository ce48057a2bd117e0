// Package handlers exposes the latest-quote HTTP endpoints.
package handlers

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/markets"
	"github.com/finledger/finledger/internal/modules/quotes"
)

// Handler handles quote HTTP requests.
type Handler struct {
	quotes  *quotes.Repository
	markets *markets.Repository
	log     zerolog.Logger
}

// NewHandler creates a quote handler.
func NewHandler(quoteRepo *quotes.Repository, marketRepo *markets.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		quotes:  quoteRepo,
		markets: marketRepo,
		log:     log.With().Str("handler", "quotes").Logger(),
	}
}

// HandleLatest handles GET /quotes/latest?mic=XWAR&symbol=KGH.
func (h *Handler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		httpx.Error(w, h.log, domain.Validationf("symbol parameter is required"))
		return
	}

	quote, err := h.quotes.GetBySymbol(r.Context(), symbol)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, quote)
}

// HandleLatestBulk handles GET /quotes/latest/bulk?mic=XWAR.
func (h *Handler) HandleLatestBulk(w http.ResponseWriter, r *http.Request) {
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

	items, err := h.quotes.GetByMarket(r.Context(), market.ID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"mic":   market.MIC,
		"count": len(items),
		"items": items,
	})
}

type symbolsRequest struct {
	Symbols []string `json:"symbols"`
}

// symbolPrice is the reduced shape the wallet service consumes.
type symbolPrice struct {
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

// HandleLatestSymbols handles POST /quotes/latest/symbols. Unknown
// symbols are simply absent from the response map.
func (h *Handler) HandleLatestSymbols(w http.ResponseWriter, r *http.Request) {
	var req symbolsRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.log, domain.Validationf("%s", err.Error()))
		return
	}
	if len(req.Symbols) == 0 {
		httpx.JSON(w, http.StatusOK, map[string]symbolPrice{})
		return
	}
	if len(req.Symbols) > 500 {
		httpx.Error(w, h.log, domain.Validationf("too many symbols: %d", len(req.Symbols)))
		return
	}

	normalized := make([]string, 0, len(req.Symbols))
	for _, s := range req.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			normalized = append(normalized, s)
		}
	}

	found, err := h.quotes.GetBySymbols(r.Context(), normalized)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	out := make(map[string]symbolPrice, len(found))
	for sym, q := range found {
		out[sym] = symbolPrice{Price: q.LastPrice, Currency: q.Currency}
	}
	httpx.JSON(w, http.StatusOK, out)
}
