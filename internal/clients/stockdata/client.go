// Package stockdata is the wallet service's client for the market-data
// service. Quote lookups degrade to empty results so portfolio views
// render without prices when the service is down; instrument resolution
// is a hard dependency of event processing and surfaces errors.
package stockdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// SymbolQuote is a reduced quote used by valuation paths.
type SymbolQuote struct {
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

// Instrument mirrors the market-data service's instrument resource.
type Instrument struct {
	ID       int64  `json:"id"`
	Symbol   string `json:"symbol"`
	ISIN     string `json:"isin,omitempty"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	MarketID int64  `json:"market_id"`
	Currency string `json:"currency"`
}

// ResolveRequest proposes an instrument to the registry.
type ResolveRequest struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Currency string `json:"currency,omitempty"`
	Kind     string `json:"kind,omitempty"`
	MIC      string `json:"mic,omitempty"`
}

// CandleSyncOptions forwards the candle sync parameters.
type CandleSyncOptions struct {
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	OverlapDays  int    `json:"overlap_days,omitempty"`
	IncludeItems bool   `json:"include_items,omitempty"`
	ReturnAll    bool   `json:"return_all,omitempty"`
}

// CandleSyncResult carries the sync counts back.
type CandleSyncResult struct {
	Symbol   string            `json:"symbol"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Fetched  int               `json:"fetched"`
	Upserted int               `json:"upserted"`
	Items    []json.RawMessage `json:"items,omitempty"`
}

// Client talks to one stockd instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("client", "stockdata").Logger(),
	}
}

// LatestForSymbols returns the latest price per symbol. Any failure
// (transport, non-200, decode) yields an empty map: valuation callers
// treat missing prices as unpriceable positions, not errors.
func (c *Client) LatestForSymbols(ctx context.Context, symbols []string) map[string]SymbolQuote {
	if len(symbols) == 0 {
		return map[string]SymbolQuote{}
	}

	out := map[string]SymbolQuote{}
	err := c.postJSON(ctx, "/stock/quotes/latest/symbols",
		map[string][]string{"symbols": symbols}, &out)
	if err != nil {
		c.log.Warn().Err(err).Int("symbols", len(symbols)).Msg("Quote lookup failed, returning empty map")
		return map[string]SymbolQuote{}
	}
	return out
}

// ResolveInstrument resolves or creates an instrument in the market-data
// registry. Event processing cannot proceed without it.
func (c *Client) ResolveInstrument(ctx context.Context, req ResolveRequest) (*Instrument, error) {
	var inst Instrument
	if err := c.postJSON(ctx, "/stock/instruments/resolve", req, &inst); err != nil {
		return nil, fmt.Errorf("instrument resolution failed for %s: %w", req.Symbol, err)
	}
	if inst.ID == 0 {
		return nil, fmt.Errorf("instrument resolution returned no id for %s: %w", req.Symbol, domain.ErrUpstream)
	}
	return &inst, nil
}

// SyncDailyCandles triggers a candle sync for one symbol and returns the
// counts.
func (c *Client) SyncDailyCandles(ctx context.Context, symbol string, opts CandleSyncOptions) (*CandleSyncResult, error) {
	var result CandleSyncResult
	path := "/stock/instruments/" + strings.ToUpper(strings.TrimSpace(symbol)) + "/candles/daily/sync"
	if err := c.postJSON(ctx, path, opts, &result); err != nil {
		return nil, fmt.Errorf("candle sync failed for %s: %w", symbol, err)
	}
	return &result, nil
}

// envelope is the standard success wrapper every endpoint uses.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// postJSON sends one POST and decodes the data field of the envelope.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stock service returned status %d: %w", resp.StatusCode, domain.ErrUpstream)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}
