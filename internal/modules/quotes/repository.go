// Package quotes stores the latest quote per instrument and the daily
// candle history, and mirrors fresh quotes into the advisory cache that
// the reporting layer reads.
package quotes

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// Quote is the latest price snapshot for one instrument.
type Quote struct {
	InstrumentID int64     `json:"instrument_id"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name"`
	Currency     string    `json:"currency"`
	LastPrice    float64   `json:"last_price"`
	ChangePct    *float64  `json:"change_pct,omitempty"`
	Volume       *int64    `json:"volume,omitempty"`
	LastTradeAt  time.Time `json:"last_trade_at"`
	Provider     string    `json:"provider"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UpsertInput carries one normalized quote into the store.
type UpsertInput struct {
	InstrumentID int64
	LastPrice    float64
	ChangePct    *float64
	Volume       *int64
	LastTradeAt  time.Time
	Provider     string
}

// Repository handles quote_latest database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a quote repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "quotes").Logger(),
	}
}

// UpsertTx writes the latest quote inside the caller's transaction. The
// update-then-insert pair is serialized per instrument by the write lock
// the transaction holds, so concurrent writers cannot interleave.
func (r *Repository) UpsertTx(ctx context.Context, tx *sql.Tx, in UpsertInput) error {
	now := domain.FormatTime(time.Now())
	tradeAt := domain.FormatTime(in.LastTradeAt)

	res, err := tx.ExecContext(ctx, `
		UPDATE quote_latest
		SET last_price = ?, change_pct = ?, volume = ?, last_trade_at = ?, provider = ?, updated_at = ?
		WHERE instrument_id = ?`,
		in.LastPrice, nullFloat(in.ChangePct), nullInt(in.Volume), tradeAt, in.Provider, now,
		in.InstrumentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update quote for instrument %d: %w", in.InstrumentID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quote_latest (instrument_id, last_price, change_pct, volume, last_trade_at, provider, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.InstrumentID, in.LastPrice, nullFloat(in.ChangePct), nullInt(in.Volume), tradeAt, in.Provider, now,
	); err != nil {
		return fmt.Errorf("failed to insert quote for instrument %d: %w", in.InstrumentID, err)
	}
	return nil
}

const quoteSelect = `
	SELECT q.instrument_id, i.symbol, i.name, i.currency,
	       q.last_price, q.change_pct, q.volume, q.last_trade_at, q.provider, q.updated_at
	FROM quote_latest q
	JOIN instruments i ON i.id = q.instrument_id`

// GetBySymbol returns the latest quote for one symbol, or ErrNotFound.
func (r *Repository) GetBySymbol(ctx context.Context, symbol string) (*Quote, error) {
	row := r.db.QueryRowContext(ctx, quoteSelect+` WHERE i.symbol = ?`, strings.ToUpper(strings.TrimSpace(symbol)))
	q, err := scanQuote(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("quote for %s", symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quote for %s: %w", symbol, err)
	}
	return q, nil
}

// GetByMarket returns all quotes of one market, alphabetical by symbol.
func (r *Repository) GetByMarket(ctx context.Context, marketID int64) ([]Quote, error) {
	rows, err := r.db.QueryContext(ctx, quoteSelect+` WHERE i.market_id = ? ORDER BY i.symbol`, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query market quotes: %w", err)
	}
	defer rows.Close()
	return collectQuotes(rows)
}

// GetBySymbols returns the latest quotes for the given symbols, keyed by
// symbol. Unknown symbols are simply absent from the result.
func (r *Repository) GetBySymbols(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	placeholders := make([]string, 0, len(symbols))
	args := make([]interface{}, 0, len(symbols))
	for _, s := range symbols {
		placeholders = append(placeholders, "?")
		args = append(args, strings.ToUpper(strings.TrimSpace(s)))
	}

	rows, err := r.db.QueryContext(ctx,
		quoteSelect+` WHERE i.symbol IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes by symbols: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		q, err := scanQuoteRow(rows)
		if err != nil {
			return nil, err
		}
		out[q.Symbol] = *q
	}
	return out, rows.Err()
}

func scanQuote(row *sql.Row) (*Quote, error) {
	var q Quote
	var changePct sql.NullFloat64
	var volume sql.NullInt64
	var tradeAt, updatedAt string
	if err := row.Scan(&q.InstrumentID, &q.Symbol, &q.Name, &q.Currency,
		&q.LastPrice, &changePct, &volume, &tradeAt, &q.Provider, &updatedAt); err != nil {
		return nil, err
	}
	return finishQuote(&q, changePct, volume, tradeAt, updatedAt)
}

func scanQuoteRow(rows *sql.Rows) (*Quote, error) {
	var q Quote
	var changePct sql.NullFloat64
	var volume sql.NullInt64
	var tradeAt, updatedAt string
	if err := rows.Scan(&q.InstrumentID, &q.Symbol, &q.Name, &q.Currency,
		&q.LastPrice, &changePct, &volume, &tradeAt, &q.Provider, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan quote: %w", err)
	}
	return finishQuote(&q, changePct, volume, tradeAt, updatedAt)
}

func finishQuote(q *Quote, changePct sql.NullFloat64, volume sql.NullInt64, tradeAt, updatedAt string) (*Quote, error) {
	if changePct.Valid {
		q.ChangePct = &changePct.Float64
	}
	if volume.Valid {
		q.Volume = &volume.Int64
	}
	var err error
	if q.LastTradeAt, err = domain.ParseTime(tradeAt); err != nil {
		return nil, fmt.Errorf("bad last_trade_at: %w", err)
	}
	if q.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	return q, nil
}

func collectQuotes(rows *sql.Rows) ([]Quote, error) {
	var out []Quote
	for rows.Next() {
		q, err := scanQuoteRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
