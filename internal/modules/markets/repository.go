// Package markets holds the venue registry. Markets are seeded by the
// schema and effectively immutable at runtime; everything else keys off
// the 4-character MIC.
package markets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// Market is one trading venue.
type Market struct {
	ID       int64  `json:"id"`
	MIC      string `json:"mic"`
	Name     string `json:"name"`
	Country  string `json:"country"`
	Timezone string `json:"timezone"`
	Currency string `json:"currency"`
	Active   bool   `json:"active"`
}

// Location resolves the market's timezone, falling back to UTC when the
// zone database lacks the name.
func (m *Market) Location() *time.Location {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Repository reads the markets table.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a market repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "markets").Logger(),
	}
}

const marketColumns = `id, mic, name, country, timezone, currency, active`

// GetByMIC returns the market for a MIC, or ErrNotFound.
func (r *Repository) GetByMIC(ctx context.Context, mic string) (*Market, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE mic = ?`, mic)

	m, err := scanMarket(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("market %s", mic)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query market %s: %w", mic, err)
	}
	return m, nil
}

// GetByID returns the market for an id, or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Market, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = ?`, id)

	m, err := scanMarket(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("market id %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query market %d: %w", id, err)
	}
	return m, nil
}

// List returns all markets, active first, alphabetical by MIC.
func (r *Repository) List(ctx context.Context) ([]Market, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY active DESC, mic`)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()

	var out []Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row scanner) (*Market, error) {
	var m Market
	var active int
	if err := row.Scan(&m.ID, &m.MIC, &m.Name, &m.Country, &m.Timezone, &m.Currency, &active); err != nil {
		return nil, err
	}
	m.Active = active == 1
	return &m, nil
}
