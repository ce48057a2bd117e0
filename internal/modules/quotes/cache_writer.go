package quotes

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/cache"
	"github.com/finledger/finledger/internal/domain"
)

// CacheKey builds the hash key quotes of one market live under.
func CacheKey(mic string) string {
	return "latest_quote:" + mic
}

// CachedQuote is the JSON value stored per symbol in the market hash.
type CachedQuote struct {
	Name        string   `json:"name"`
	LastPrice   float64  `json:"last_price"`
	ChangePct   *float64 `json:"change_pct"`
	Volume      *int64   `json:"volume"`
	LastTradeAt string   `json:"last_trade_at"`
}

// CacheWriter mirrors committed quotes into the advisory cache. All writes
// fail open: a broken cache degrades reads, never ingestion.
type CacheWriter struct {
	store *cache.Store
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCacheWriter creates a cache writer with the distribution TTL.
func NewCacheWriter(store *cache.Store, ttl time.Duration, log zerolog.Logger) *CacheWriter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CacheWriter{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "quote_cache").Logger(),
	}
}

// Write stores one quote under latest_quote:<MIC>/<symbol>. Errors are
// logged and swallowed.
func (w *CacheWriter) Write(ctx context.Context, mic, symbol string, q *Quote) {
	cached := CachedQuote{
		Name:        q.Name,
		LastPrice:   q.LastPrice,
		ChangePct:   q.ChangePct,
		Volume:      q.Volume,
		LastTradeAt: domain.FormatTime(q.LastTradeAt),
	}
	if err := w.store.HSet(ctx, CacheKey(mic), symbol, cached, w.ttl); err != nil {
		w.log.Warn().Err(err).Str("mic", mic).Str("symbol", symbol).Msg("Cache write failed")
	}
}

// ReadMarket decodes every cached quote of one market. Used by reads that
// tolerate staleness; the database stays authoritative.
func (w *CacheWriter) ReadMarket(ctx context.Context, mic string) (map[string]CachedQuote, error) {
	raw, err := w.store.HGetAll(ctx, CacheKey(mic))
	if err != nil {
		return nil, err
	}
	out := make(map[string]CachedQuote, len(raw))
	for symbol, value := range raw {
		var q CachedQuote
		if err := json.Unmarshal([]byte(value), &q); err != nil {
			w.log.Warn().Str("mic", mic).Str("symbol", symbol).Msg("Undecodable cached quote")
			continue
		}
		out[symbol] = q
	}
	return out, nil
}
