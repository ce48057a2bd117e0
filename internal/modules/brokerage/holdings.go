package brokerage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// HoldingRepository persists positions. All mutation happens inside the
// event processor's transaction.
type HoldingRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHoldingRepository creates a holdings repository.
func NewHoldingRepository(db *sql.DB, log zerolog.Logger) *HoldingRepository {
	return &HoldingRepository{
		db:  db,
		log: log.With().Str("repo", "holdings").Logger(),
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const holdingColumns = `id, brokerage_account_id, instrument_id, symbol, quantity, avg_cost, currency, updated_at`

// GetTx returns the holding for (account, instrument) inside the
// caller's transaction, or nil when the position does not exist.
func (r *HoldingRepository) GetTx(ctx context.Context, q querier, accountID string, instrumentID int64) (*Holding, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+holdingColumns+` FROM holdings
		WHERE brokerage_account_id = ? AND instrument_id = ?`,
		accountID, instrumentID)

	var h Holding
	err := row.Scan(&h.ID, &h.BrokerageAccountID, &h.InstrumentID, &h.Symbol,
		&h.Quantity, &h.AvgCost, &h.Currency, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query holding: %w", err)
	}
	return &h, nil
}

// UpsertTx writes the holding, updating in place when the (account,
// instrument) row exists.
func (r *HoldingRepository) UpsertTx(ctx context.Context, q querier, h *Holding) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.UpdatedAt = domain.FormatTime(time.Now())

	result, err := q.ExecContext(ctx, `
		UPDATE holdings SET symbol = ?, quantity = ?, avg_cost = ?, currency = ?, updated_at = ?
		WHERE brokerage_account_id = ? AND instrument_id = ?`,
		h.Symbol, h.Quantity, h.AvgCost, h.Currency, h.UpdatedAt,
		h.BrokerageAccountID, h.InstrumentID)
	if err != nil {
		return fmt.Errorf("failed to update holding: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read holding update result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO holdings (`+holdingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.BrokerageAccountID, h.InstrumentID, h.Symbol,
		h.Quantity, h.AvgCost, h.Currency, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert holding: %w", err)
	}
	return nil
}

// DeleteTx removes the position row. Missing rows are not an error:
// rebuilds call this for every emptied position.
func (r *HoldingRepository) DeleteTx(ctx context.Context, q querier, accountID string, instrumentID int64) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM holdings WHERE brokerage_account_id = ? AND instrument_id = ?`,
		accountID, instrumentID)
	if err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

// ListByAccount returns all positions of one brokerage account.
func (r *HoldingRepository) ListByAccount(ctx context.Context, accountID string) ([]Holding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+holdingColumns+` FROM holdings
		WHERE brokerage_account_id = ? ORDER BY symbol`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []Holding
	for rows.Next() {
		var h Holding
		err := rows.Scan(&h.ID, &h.BrokerageAccountID, &h.InstrumentID, &h.Symbol,
			&h.Quantity, &h.AvgCost, &h.Currency, &h.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}
