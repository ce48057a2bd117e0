// Package assets holds the non-brokerage asset rows a wallet can carry:
// physical metal holdings, real estate, and the reference price table
// the real-estate valuation falls back on.
package assets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// MetalHolding is a physical metal position, weighed in grams.
type MetalHolding struct {
	ID        string       `json:"id"`
	WalletID  string       `json:"wallet_id"`
	Metal     domain.Metal `json:"metal"`
	Grams     float64      `json:"grams"`
	CostBasis float64      `json:"cost_basis"`
	Currency  string       `json:"currency"`
	CreatedAt string       `json:"created_at"`
}

// RealEstate is one property. Valuation multiplies its area by a
// price-per-sqm reference lookup.
type RealEstate struct {
	ID        string  `json:"id"`
	WalletID  string  `json:"wallet_id"`
	Name      string  `json:"name"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	AreaSqm   float64 `json:"area_sqm"`
	CostBasis float64 `json:"cost_basis"`
	Currency  string  `json:"currency"`
	CreatedAt string  `json:"created_at"`
}

// PropertyPrice is one reference price row. city='' carries the country
// aggregate, country='' the global one.
type PropertyPrice struct {
	ID          int64   `json:"id"`
	Country     string  `json:"country"`
	City        string  `json:"city"`
	PricePerSqm float64 `json:"price_per_sqm"`
	Currency    string  `json:"currency"`
	Quarter     string  `json:"quarter"`
}

// Repository provides access to asset rows in the wallet database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an assets repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "assets").Logger()}
}

const metalColumns = `id, wallet_id, metal, grams, cost_basis, currency, created_at`

// AddMetal inserts a metal holding.
func (r *Repository) AddMetal(ctx context.Context, m *MetalHolding) error {
	metal, ok := domain.ParseMetal(string(m.Metal))
	if !ok {
		return domain.Validationf("unknown metal %q", m.Metal)
	}
	if m.Grams <= 0 {
		return domain.Validationf("grams must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(m.Currency))
	if len(currency) != 3 {
		return domain.Validationf("invalid currency %q", m.Currency)
	}

	m.ID = uuid.NewString()
	m.Metal = metal
	m.Currency = currency
	m.CreatedAt = domain.FormatTime(time.Now().UTC())

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metal_holdings (`+metalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WalletID, string(m.Metal), m.Grams, m.CostBasis, m.Currency, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert metal holding: %w", err)
	}

	r.log.Info().Str("wallet_id", m.WalletID).Str("metal", string(m.Metal)).
		Float64("grams", m.Grams).Msg("Metal holding added")
	return nil
}

// ListMetalsByWallet returns a wallet's metal holdings.
func (r *Repository) ListMetalsByWallet(ctx context.Context, walletID string) ([]MetalHolding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+metalColumns+` FROM metal_holdings
		WHERE wallet_id = ? ORDER BY created_at, id`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metal holdings: %w", err)
	}
	defer rows.Close()
	return scanMetals(rows)
}

// ListMetalsByUser returns every metal holding across the user's wallets.
func (r *Repository) ListMetalsByUser(ctx context.Context, userID string) ([]MetalHolding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.wallet_id, m.metal, m.grams, m.cost_basis, m.currency, m.created_at
		FROM metal_holdings m
		JOIN wallets w ON w.id = m.wallet_id
		WHERE w.user_id = ? ORDER BY m.created_at, m.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metal holdings: %w", err)
	}
	defer rows.Close()
	return scanMetals(rows)
}

func scanMetals(rows *sql.Rows) ([]MetalHolding, error) {
	holdings := []MetalHolding{}
	for rows.Next() {
		var m MetalHolding
		if err := rows.Scan(&m.ID, &m.WalletID, &m.Metal, &m.Grams,
			&m.CostBasis, &m.Currency, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metal holding: %w", err)
		}
		holdings = append(holdings, m)
	}
	return holdings, rows.Err()
}

const estateColumns = `id, wallet_id, name, country, city, area_sqm, cost_basis, currency, created_at`

// AddRealEstate inserts a property.
func (r *Repository) AddRealEstate(ctx context.Context, re *RealEstate) error {
	re.Name = strings.TrimSpace(re.Name)
	if re.Name == "" {
		return domain.Validationf("real estate name must not be empty")
	}
	re.Country = strings.ToUpper(strings.TrimSpace(re.Country))
	if re.Country == "" {
		return domain.Validationf("real estate country must not be empty")
	}
	if re.AreaSqm <= 0 {
		return domain.Validationf("area must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(re.Currency))
	if len(currency) != 3 {
		return domain.Validationf("invalid currency %q", re.Currency)
	}

	re.ID = uuid.NewString()
	re.City = strings.TrimSpace(re.City)
	re.Currency = currency
	re.CreatedAt = domain.FormatTime(time.Now().UTC())

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO real_estates (`+estateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		re.ID, re.WalletID, re.Name, re.Country, re.City,
		re.AreaSqm, re.CostBasis, re.Currency, re.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert real estate: %w", err)
	}

	r.log.Info().Str("wallet_id", re.WalletID).Str("name", re.Name).Msg("Real estate added")
	return nil
}

// ListRealEstateByWallet returns a wallet's properties.
func (r *Repository) ListRealEstateByWallet(ctx context.Context, walletID string) ([]RealEstate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+estateColumns+` FROM real_estates
		WHERE wallet_id = ? ORDER BY created_at, id`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query real estates: %w", err)
	}
	defer rows.Close()
	return scanEstates(rows)
}

// ListRealEstateByUser returns every property across the user's wallets.
func (r *Repository) ListRealEstateByUser(ctx context.Context, userID string) ([]RealEstate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.wallet_id, e.name, e.country, e.city, e.area_sqm,
		       e.cost_basis, e.currency, e.created_at
		FROM real_estates e
		JOIN wallets w ON w.id = e.wallet_id
		WHERE w.user_id = ? ORDER BY e.created_at, e.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query real estates: %w", err)
	}
	defer rows.Close()
	return scanEstates(rows)
}

func scanEstates(rows *sql.Rows) ([]RealEstate, error) {
	estates := []RealEstate{}
	for rows.Next() {
		var e RealEstate
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Name, &e.Country, &e.City,
			&e.AreaSqm, &e.CostBasis, &e.Currency, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan real estate: %w", err)
		}
		estates = append(estates, e)
	}
	return estates, rows.Err()
}

// UpsertPropertyPrice writes one reference price row, replacing the
// value for its (country, city, quarter) slot.
func (r *Repository) UpsertPropertyPrice(ctx context.Context, p *PropertyPrice) error {
	if p.PricePerSqm <= 0 {
		return domain.Validationf("price per sqm must be positive")
	}
	if !domain.ValidQuarterKey(p.Quarter) {
		return domain.Validationf("invalid quarter %q", p.Quarter)
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if len(currency) != 3 {
		return domain.Validationf("invalid currency %q", p.Currency)
	}
	p.Country = strings.ToUpper(strings.TrimSpace(p.Country))
	p.City = strings.TrimSpace(p.City)
	p.Currency = currency

	result, err := r.db.ExecContext(ctx, `
		UPDATE property_prices SET price_per_sqm = ?, currency = ?
		WHERE country = ? AND city = ? AND quarter = ?`,
		p.PricePerSqm, p.Currency, p.Country, p.City, p.Quarter)
	if err != nil {
		return fmt.Errorf("failed to update property price: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO property_prices (country, city, price_per_sqm, currency, quarter)
		VALUES (?, ?, ?, ?, ?)`,
		p.Country, p.City, p.PricePerSqm, p.Currency, p.Quarter)
	if err != nil {
		return fmt.Errorf("failed to insert property price: %w", err)
	}
	return nil
}

// LatestPricePerSqm resolves the freshest reference price for a
// location, widening the match until something hits:
// exact (country, city), then the country aggregate, then the global one.
func (r *Repository) LatestPricePerSqm(ctx context.Context, country, city string) (*PropertyPrice, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	city = strings.TrimSpace(city)

	steps := [][2]string{
		{country, city},
		{country, ""},
		{"", ""},
	}
	for _, step := range steps {
		price, err := r.latestPriceFor(ctx, step[0], step[1])
		if err == nil {
			return price, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return nil, domain.NotFoundf("no property price for %s/%s", country, city)
}

func (r *Repository) latestPriceFor(ctx context.Context, country, city string) (*PropertyPrice, error) {
	var p PropertyPrice
	err := r.db.QueryRowContext(ctx, `
		SELECT id, country, city, price_per_sqm, currency, quarter
		FROM property_prices
		WHERE country = ? AND city = ?
		ORDER BY quarter DESC LIMIT 1`, country, city).
		Scan(&p.ID, &p.Country, &p.City, &p.PricePerSqm, &p.Currency, &p.Quarter)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
