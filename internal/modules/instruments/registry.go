// Package instruments resolves (market, symbol) pairs to instrument rows,
// creating them on first sighting. Symbols are globally unique; concurrent
// creators are reconciled by re-reading after a unique-constraint race.
package instruments

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/normalize"
)

// Instrument is one listed security or asset proxy.
type Instrument struct {
	ID       int64                 `json:"id"`
	Symbol   string                `json:"symbol"`
	ISIN     string                `json:"isin,omitempty"`
	Name     string                `json:"name"`
	FullName string                `json:"full_name,omitempty"`
	Kind     domain.InstrumentKind `json:"kind"`
	Status   string                `json:"status"`
	MarketID int64                 `json:"market_id"`
	Currency string                `json:"currency"`
}

// ResolveInput describes an instrument proposal from ingestion or event
// import. Currency may be empty; the registry defaults it to the market's.
type ResolveInput struct {
	MarketID int64
	Symbol   string
	Name     string
	FullName string
	Currency string
	Kind     domain.InstrumentKind
	ISIN     string
}

// Registry handles instrument database operations.
type Registry struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRegistry creates an instrument registry.
func NewRegistry(db *sql.DB, log zerolog.Logger) *Registry {
	return &Registry{
		db:  db,
		log: log.With().Str("repo", "instruments").Logger(),
	}
}

const instrumentColumns = `id, symbol, COALESCE(isin, ''), name, full_name, kind, status, market_id, currency`

// GetBySymbol returns the instrument for a symbol, or nil when absent.
func (r *Registry) GetBySymbol(ctx context.Context, symbol string) (*Instrument, error) {
	sym, ok := normalize.Symbol(symbol)
	if !ok {
		return nil, domain.Validationf("invalid symbol %q", symbol)
	}
	return r.getBySymbol(ctx, r.db, sym)
}

// GetByID returns the instrument for an id, or ErrNotFound.
func (r *Registry) GetByID(ctx context.Context, id int64) (*Instrument, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = ?`, id)
	inst, err := scanInstrument(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("instrument id %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument %d: %w", id, err)
	}
	return inst, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *Registry) getBySymbol(ctx context.Context, q querier, symbol string) (*Instrument, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE symbol = ?`, symbol)
	inst, err := scanInstrument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument %s: %w", symbol, err)
	}
	return inst, nil
}

// ResolveOrCreate looks the symbol up and inserts a new instrument when it
// is unknown. A concurrent creator winning the unique index is not an
// error: the row is re-read and returned. Runs against the pool or inside
// a caller's transaction.
func (r *Registry) ResolveOrCreate(ctx context.Context, in ResolveInput) (*Instrument, error) {
	return r.resolveOrCreate(ctx, r.db, in)
}

// ResolveOrCreateTx is ResolveOrCreate inside an open transaction.
func (r *Registry) ResolveOrCreateTx(ctx context.Context, tx *sql.Tx, in ResolveInput) (*Instrument, error) {
	return r.resolveOrCreate(ctx, tx, in)
}

func (r *Registry) resolveOrCreate(ctx context.Context, q querier, in ResolveInput) (*Instrument, error) {
	sym, ok := normalize.Symbol(in.Symbol)
	if !ok {
		return nil, domain.Validationf("invalid symbol %q", in.Symbol)
	}

	if existing, err := r.getBySymbol(ctx, q, sym); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if in.Currency == "" {
		var marketCurrency string
		err := q.QueryRowContext(ctx,
			`SELECT currency FROM markets WHERE id = ?`, in.MarketID).Scan(&marketCurrency)
		if err == sql.ErrNoRows {
			return nil, domain.NotFoundf("market id %d", in.MarketID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read market currency: %w", err)
		}
		in.Currency = marketCurrency
	}
	if in.Kind == "" {
		in.Kind = domain.InstrumentEquity
	}
	isin := NormalizeISIN(in.ISIN)

	now := domain.FormatTime(time.Now())
	res, err := q.ExecContext(ctx, `
		INSERT INTO instruments (symbol, isin, name, full_name, name_normalized, kind, status, market_id, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym, nullIfEmpty(isin), in.Name, in.FullName, normalize.Fold(in.Name),
		string(in.Kind), domain.InstrumentActive, in.MarketID, strings.ToUpper(in.Currency),
		now, now,
	)
	if err != nil {
		// Lost the race with a concurrent creator: the winner's row is
		// authoritative.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, rerr := r.getBySymbol(ctx, q, sym)
			if rerr != nil {
				return nil, rerr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to insert instrument %s: %w", sym, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument id: %w", err)
	}

	r.log.Info().Str("symbol", sym).Int64("id", id).Msg("Instrument created")
	return &Instrument{
		ID:       id,
		Symbol:   sym,
		ISIN:     isin,
		Name:     in.Name,
		FullName: in.FullName,
		Kind:     in.Kind,
		Status:   domain.InstrumentActive,
		MarketID: in.MarketID,
		Currency: strings.ToUpper(in.Currency),
	}, nil
}

// EnrichISIN fills the instrument's ISIN from a vendor symbol map. Rows
// that already carry a code are left alone, and so are map entries that
// fail ISO 6166 validation.
func (r *Registry) EnrichISIN(ctx context.Context, inst *Instrument, symbolMap map[string]string) error {
	if inst.ISIN != "" {
		return nil
	}
	isin := NormalizeISIN(symbolMap[inst.Symbol])
	if isin == "" {
		return nil
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE instruments SET isin = ?, updated_at = ? WHERE id = ? AND isin IS NULL`,
		isin, domain.FormatTime(time.Now()), inst.ID,
	); err != nil {
		return fmt.Errorf("failed to enrich isin for %s: %w", inst.Symbol, err)
	}
	inst.ISIN = isin
	return nil
}

// Search matches instruments by symbol prefix or accent-folded name
// fragment, active rows first.
func (r *Registry) Search(ctx context.Context, q string, limit int) ([]Instrument, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	folded := normalize.Fold(q)
	if folded == "" {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instrumentColumns+` FROM instruments
		WHERE symbol LIKE ? OR name_normalized LIKE ?
		ORDER BY status = 'active' DESC, symbol
		LIMIT ?`,
		strings.ToUpper(folded)+"%", "%"+folded+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search instruments: %w", err)
	}
	defer rows.Close()
	return collectInstruments(rows)
}

// Option is the dropdown projection of an instrument.
type Option struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

// Options lists active instruments of one market for select inputs.
func (r *Registry) Options(ctx context.Context, marketID int64) ([]Option, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, name, currency FROM instruments
		WHERE market_id = ? AND status = 'active'
		ORDER BY symbol`, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument options: %w", err)
	}
	defer rows.Close()

	var out []Option
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.Symbol, &o.Name, &o.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan instrument option: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListByMarket returns all instruments of one market.
func (r *Registry) ListByMarket(ctx context.Context, marketID int64) ([]Instrument, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE market_id = ? ORDER BY symbol`, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query market instruments: %w", err)
	}
	defer rows.Close()
	return collectInstruments(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstrument(row scanner) (*Instrument, error) {
	var inst Instrument
	var kind string
	if err := row.Scan(&inst.ID, &inst.Symbol, &inst.ISIN, &inst.Name, &inst.FullName,
		&kind, &inst.Status, &inst.MarketID, &inst.Currency); err != nil {
		return nil, err
	}
	inst.Kind = domain.InstrumentKind(kind)
	return &inst, nil
}

func collectInstruments(rows *sql.Rows) ([]Instrument, error) {
	var out []Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
