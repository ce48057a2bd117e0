package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// TableProvider scrapes a server-rendered vendor page whose quotes sit in
// a plain HTML table.
type TableProvider struct {
	cfg    ProviderConfig
	client *http.Client
	loc    *time.Location
	log    zerolog.Logger
}

// NewTableProvider creates a provider for one vendor page. loc is the
// market timezone used to anchor bare clock times.
func NewTableProvider(cfg ProviderConfig, loc *time.Location, log zerolog.Logger) *TableProvider {
	if cfg.Kind == "" {
		cfg.Kind = "table"
	}
	if cfg.Columns == nil {
		cfg.Columns = defaultColumns()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &TableProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		loc:    loc,
		log:    log.With().Str("component", "table_provider").Str("market", cfg.MarketKey).Logger(),
	}
}

// Config returns the provider configuration.
func (p *TableProvider) Config() ProviderConfig { return p.cfg }

// Rows fetches the vendor page and extracts the quote table.
func (p *TableProvider) Rows(ctx context.Context) ([]Row, error) {
	if p.cfg.PageURL == "" {
		return nil, domain.Validationf("no page url configured for market %s", p.cfg.MarketKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.PageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build vendor request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vendor page request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vendor page returned status %d: %w", resp.StatusCode, domain.ErrUpstream)
	}

	rows, err := quoteRows(resp.Body, p.cfg.Columns, p.loc, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to extract quotes from %s: %w", p.cfg.MarketKey, err)
	}

	p.log.Debug().Int("rows", len(rows)).Msg("Vendor table parsed")
	return rows, nil
}
