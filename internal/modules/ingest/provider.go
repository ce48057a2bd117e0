// Package ingest pulls quote tables from vendor pages and loads them into
// the instrument registry and quote store under a per-market distributed
// lock. Two provider flavors exist: plain HTTP tables and pages that only
// render inside a browser.
package ingest

import (
	"context"
	"time"
)

// Row is one normalized quote proposal coming off a vendor page.
type Row struct {
	Symbol    string
	Name      string
	LastPrice float64
	ChangePct *float64
	Volume    *int64
	TradeAt   time.Time
}

// ProviderConfig identifies a provider and its vendor endpoints.
type ProviderConfig struct {
	MarketKey    string // scheduler/lock key, e.g. "pl-wse"
	MIC          string // market row to ingest into, e.g. "XWAR"
	Kind         string // "table" or "browser", used in quote provenance
	PageURL      string
	SymbolMapURL string            // optional symbol→ISIN endpoint
	Columns      map[string]string // folded vendor header → canonical column
}

// Provenance is the provider tag stored on each quote row.
func (c ProviderConfig) Provenance() string {
	return c.Kind + ":" + c.MIC
}

// Provider yields the current quote rows for one market.
type Provider interface {
	Config() ProviderConfig
	Rows(ctx context.Context) ([]Row, error)
}
