// Package gains records realized capital gains: broker P&L on sells,
// dividends, and deposit interest. Rows are written inside the same
// transaction as the ledger row they justify.
package gains

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// CapitalGain is one realized gain or loss event.
type CapitalGain struct {
	ID               string          `json:"id"`
	Kind             domain.GainKind `json:"kind"`
	Amount           float64         `json:"amount"`
	Currency         string          `json:"currency"`
	OccurredAt       string          `json:"occurred_at"`
	DepositAccountID *string         `json:"deposit_account_id,omitempty"`
	TransactionID    *string         `json:"transaction_id,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

// Repository handles capital gain persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a capital gains repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "gains").Logger(),
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InsertTx writes a gain inside the caller's transaction. ID and
// CreatedAt are filled when empty.
func (r *Repository) InsertTx(ctx context.Context, q querier, g *CapitalGain) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt == "" {
		g.CreatedAt = domain.FormatTime(time.Now())
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO capital_gains
			(id, kind, amount, currency, occurred_at, deposit_account_id, transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, string(g.Kind), g.Amount, g.Currency, g.OccurredAt,
		g.DepositAccountID, g.TransactionID, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert capital gain: %w", err)
	}
	return nil
}

const gainColumns = `id, kind, amount, currency, occurred_at, deposit_account_id, transaction_id, created_at`

// ListByAccount returns gains for one deposit account, newest first.
func (r *Repository) ListByAccount(ctx context.Context, accountID string, limit int) ([]CapitalGain, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+gainColumns+` FROM capital_gains
		WHERE deposit_account_id = ?
		ORDER BY occurred_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query capital gains: %w", err)
	}
	defer rows.Close()
	return scanGains(rows)
}

// YearTotals sums gains per kind and currency for the user's accounts in
// one calendar year.
func (r *Repository) YearTotals(ctx context.Context, userID string, year int) (map[string]map[string]float64, error) {
	from := fmt.Sprintf("%04d-01-01", year)
	to := fmt.Sprintf("%04d-01-01", year+1)

	rows, err := r.db.QueryContext(ctx, `
		SELECT g.kind, g.currency, SUM(g.amount)
		FROM capital_gains g
		JOIN deposit_accounts a ON a.id = g.deposit_account_id
		JOIN wallets w ON w.id = a.wallet_id
		WHERE w.user_id = ? AND g.occurred_at >= ? AND g.occurred_at < ?
		GROUP BY g.kind, g.currency`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to sum capital gains: %w", err)
	}
	defer rows.Close()

	totals := map[string]map[string]float64{}
	for rows.Next() {
		var kind, currency string
		var sum float64
		if err := rows.Scan(&kind, &currency, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan gain total: %w", err)
		}
		if totals[kind] == nil {
			totals[kind] = map[string]float64{}
		}
		totals[kind][currency] = sum
	}
	return totals, rows.Err()
}

func scanGains(rows *sql.Rows) ([]CapitalGain, error) {
	var gains []CapitalGain
	for rows.Next() {
		var g CapitalGain
		var kind string
		err := rows.Scan(&g.ID, &kind, &g.Amount, &g.Currency, &g.OccurredAt,
			&g.DepositAccountID, &g.TransactionID, &g.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capital gain: %w", err)
		}
		g.Kind = domain.GainKind(kind)
		gains = append(gains, g)
	}
	return gains, rows.Err()
}
