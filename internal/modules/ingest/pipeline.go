package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/cache"
	"github.com/finledger/finledger/internal/database"
	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/metrics"
	"github.com/finledger/finledger/internal/modules/instruments"
	"github.com/finledger/finledger/internal/modules/markets"
	"github.com/finledger/finledger/internal/modules/quotes"
)

// failedRowThreshold marks a run as broken when nothing succeeded and
// this many rows failed; the scheduler retries such runs.
const failedRowThreshold = 10

// Result summarizes one ingestion run.
type Result struct {
	MarketKey string `json:"market_key"`
	MIC       string `json:"mic"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Skipped   bool   `json:"skipped"`
}

// Pipeline pulls rows from registered providers and loads them into the
// quote store, one market at a time under a distributed lock.
type Pipeline struct {
	db        *sql.DB
	markets   *markets.Repository
	registry  *instruments.Registry
	quotes    *quotes.Repository
	cacheW    *quotes.CacheWriter
	lock      *cache.Lock
	metrics   *metrics.Metrics
	lockTTL   time.Duration
	client    *http.Client
	providers map[string]Provider
	log       zerolog.Logger
}

// NewPipeline creates an ingestion pipeline over the stock database.
func NewPipeline(
	db *sql.DB,
	marketRepo *markets.Repository,
	registry *instruments.Registry,
	quoteRepo *quotes.Repository,
	cacheWriter *quotes.CacheWriter,
	lock *cache.Lock,
	m *metrics.Metrics,
	lockTTL time.Duration,
	log zerolog.Logger,
) *Pipeline {
	if lockTTL <= 0 {
		lockTTL = 13 * time.Minute
	}
	return &Pipeline{
		db:        db,
		markets:   marketRepo,
		registry:  registry,
		quotes:    quoteRepo,
		cacheW:    cacheWriter,
		lock:      lock,
		metrics:   m,
		lockTTL:   lockTTL,
		client:    &http.Client{Timeout: 10 * time.Second},
		providers: make(map[string]Provider),
		log:       log.With().Str("component", "ingest_pipeline").Logger(),
	}
}

// Register binds a provider to its market key.
func (p *Pipeline) Register(provider Provider) {
	p.providers[provider.Config().MarketKey] = provider
}

// MarketKeys lists the registered market keys, sorted.
func (p *Pipeline) MarketKeys() []string {
	keys := make([]string, 0, len(p.providers))
	for k := range p.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LockKey is the distributed-lock key guarding one market's ingestion.
func LockKey(marketKey string) string {
	return "lock:ingest:" + marketKey
}

// IngestMarket runs one full ingestion cycle for a market key. When
// another worker holds the market lock the run returns Skipped without
// touching anything.
func (p *Pipeline) IngestMarket(ctx context.Context, marketKey string) (*Result, error) {
	provider, ok := p.providers[marketKey]
	if !ok {
		return nil, domain.NotFoundf("ingest provider for market %q", marketKey)
	}
	cfg := provider.Config()
	result := &Result{MarketKey: marketKey, MIC: cfg.MIC}

	market, err := p.markets.GetByMIC(ctx, cfg.MIC)
	if err != nil {
		return nil, fmt.Errorf("market %s not registered: %w", cfg.MIC, err)
	}

	acquired, err := p.lock.Acquire(ctx, LockKey(marketKey), p.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire ingest lock: %w", err)
	}
	if !acquired {
		p.log.Info().Str("market", marketKey).Msg("Ingest lock held elsewhere, skipping run")
		p.metrics.IngestRuns.WithLabelValues(marketKey, "skipped").Inc()
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := p.lock.Release(context.Background(), LockKey(marketKey)); err != nil {
			p.log.Warn().Err(err).Str("market", marketKey).Msg("Failed to release ingest lock")
		}
	}()

	started := time.Now()

	rows, err := provider.Rows(ctx)
	if err != nil {
		p.metrics.IngestRuns.WithLabelValues(marketKey, "error").Inc()
		return nil, fmt.Errorf("provider failed for %s: %w", marketKey, err)
	}

	// Best effort: ISIN enrichment never blocks quote ingestion.
	var symbolMap map[string]string
	if cfg.SymbolMapURL != "" {
		symbolMap, err = fetchSymbolMap(ctx, p.client, cfg.SymbolMapURL)
		if err != nil {
			p.log.Warn().Err(err).Str("market", marketKey).Msg("Symbol map fetch failed")
			symbolMap = nil
		}
	}

	for _, row := range rows {
		if err := p.ingestRow(ctx, market, cfg, row, symbolMap); err != nil {
			result.Failed++
			p.log.Warn().Err(err).Str("symbol", row.Symbol).Str("market", marketKey).Msg("Row ingestion failed")
			continue
		}
		result.Processed++
	}

	p.metrics.IngestRowsProcessed.WithLabelValues(marketKey).Add(float64(result.Processed))
	p.metrics.IngestRowsFailed.WithLabelValues(marketKey).Add(float64(result.Failed))

	if result.Processed == 0 && result.Failed > failedRowThreshold {
		p.metrics.IngestRuns.WithLabelValues(marketKey, "error").Inc()
		return nil, fmt.Errorf("ingestion produced no rows for %s (%d failed)", marketKey, result.Failed)
	}

	p.metrics.IngestRuns.WithLabelValues(marketKey, "ok").Inc()
	p.log.Info().
		Str("market", marketKey).
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("Ingestion cycle finished")
	return result, nil
}

// ingestRow commits one row in its own transaction, then mirrors it into
// the advisory cache.
func (p *Pipeline) ingestRow(ctx context.Context, market *markets.Market, cfg ProviderConfig, row Row, symbolMap map[string]string) error {
	var inst *instruments.Instrument

	err := database.WithTransactionContext(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		inst, err = p.registry.ResolveOrCreateTx(ctx, tx, instruments.ResolveInput{
			MarketID: market.ID,
			Symbol:   row.Symbol,
			Name:     row.Name,
			Kind:     domain.InstrumentEquity,
		})
		if err != nil {
			return err
		}
		return p.quotes.UpsertTx(ctx, tx, quotes.UpsertInput{
			InstrumentID: inst.ID,
			LastPrice:    row.LastPrice,
			ChangePct:    row.ChangePct,
			Volume:       row.Volume,
			LastTradeAt:  row.TradeAt,
			Provider:     cfg.Provenance(),
		})
	})
	if err != nil {
		return err
	}

	if len(symbolMap) > 0 {
		if err := p.registry.EnrichISIN(ctx, inst, symbolMap); err != nil {
			p.log.Warn().Err(err).Str("symbol", inst.Symbol).Msg("ISIN enrichment failed")
		}
	}

	p.cacheW.Write(ctx, market.MIC, inst.Symbol, &quotes.Quote{
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		Name:         inst.Name,
		Currency:     inst.Currency,
		LastPrice:    row.LastPrice,
		ChangePct:    row.ChangePct,
		Volume:       row.Volume,
		LastTradeAt:  row.TradeAt,
		Provider:     cfg.Provenance(),
	})
	return nil
}
