// Package snapshots freezes monthly point-in-time values for every
// asset a user holds, together with the FX map used to value them.
// Rows are keyed (entity, month-key) so re-running a month overwrites
// instead of duplicating.
package snapshots

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// FXSnapshot is the currency map persisted for one month.
type FXSnapshot struct {
	MonthKey  string             `json:"month_key"`
	Rates     map[string]float64 `json:"rates"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

// DepositSnapshot is one deposit account's month-end balance.
type DepositSnapshot struct {
	AccountID string  `json:"account_id"`
	MonthKey  string  `json:"month_key"`
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
}

// PositionsBreakdown is the stored value of one brokerage account:
// cash routed through deposit links and stock value, both by currency.
type PositionsBreakdown struct {
	Cash   map[string]float64 `json:"cash"`
	Stocks map[string]float64 `json:"stocks"`
}

// BrokerageSnapshot is one brokerage account's month-end breakdown.
type BrokerageSnapshot struct {
	AccountID string             `json:"account_id"`
	MonthKey  string             `json:"month_key"`
	Positions PositionsBreakdown `json:"positions"`
}

// MetalSnapshot is one metal holding's month-end market value.
type MetalSnapshot struct {
	HoldingID string  `json:"holding_id"`
	MonthKey  string  `json:"month_key"`
	Currency  string  `json:"currency"`
	Value     float64 `json:"value"`
}

// EstateSnapshot is one property's month-end reference value.
type EstateSnapshot struct {
	EstateID string  `json:"estate_id"`
	MonthKey string  `json:"month_key"`
	Currency string  `json:"currency"`
	Value    float64 `json:"value"`
}

// Repository persists and reads monthly snapshot rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a snapshots repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "snapshots").Logger()}
}

// UpsertFX stores the FX map for a month, replacing any earlier run.
func (r *Repository) UpsertFX(ctx context.Context, monthKey string, rates map[string]float64) error {
	if rates == nil {
		rates = map[string]float64{}
	}
	encoded, err := json.Marshal(rates)
	if err != nil {
		return fmt.Errorf("failed to encode fx rates: %w", err)
	}
	now := domain.FormatTime(time.Now().UTC())

	result, err := r.db.ExecContext(ctx, `
		UPDATE fx_monthly_snapshots SET rates = ?, updated_at = ?
		WHERE month_key = ?`, string(encoded), now, monthKey)
	if err != nil {
		return fmt.Errorf("failed to update fx snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fx_monthly_snapshots (month_key, rates, created_at, updated_at)
		VALUES (?, ?, ?, ?)`, monthKey, string(encoded), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert fx snapshot: %w", err)
	}
	return nil
}

// GetFX loads the FX map stored for a month.
func (r *Repository) GetFX(ctx context.Context, monthKey string) (*FXSnapshot, error) {
	var snap FXSnapshot
	var encoded string
	err := r.db.QueryRowContext(ctx, `
		SELECT month_key, rates, created_at, updated_at
		FROM fx_monthly_snapshots WHERE month_key = ?`, monthKey).
		Scan(&snap.MonthKey, &encoded, &snap.CreatedAt, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("no fx snapshot for %s", monthKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query fx snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), &snap.Rates); err != nil {
		return nil, fmt.Errorf("failed to decode fx rates for %s: %w", monthKey, err)
	}
	return &snap, nil
}

// UpsertDeposit writes one deposit account's row for the month.
func (r *Repository) UpsertDeposit(ctx context.Context, s DepositSnapshot) error {
	now := domain.FormatTime(time.Now().UTC())

	result, err := r.db.ExecContext(ctx, `
		UPDATE deposit_account_monthly_snapshots
		SET currency = ?, available = ?, updated_at = ?
		WHERE account_id = ? AND month_key = ?`,
		s.Currency, s.Available, now, s.AccountID, s.MonthKey)
	if err != nil {
		return fmt.Errorf("failed to update deposit snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO deposit_account_monthly_snapshots
			(account_id, month_key, currency, available, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.AccountID, s.MonthKey, s.Currency, s.Available, now)
	if err != nil {
		return fmt.Errorf("failed to insert deposit snapshot: %w", err)
	}
	return nil
}

// UpsertBrokerage writes one brokerage account's breakdown for the month.
func (r *Repository) UpsertBrokerage(ctx context.Context, s BrokerageSnapshot) error {
	encoded, err := json.Marshal(s.Positions)
	if err != nil {
		return fmt.Errorf("failed to encode positions: %w", err)
	}
	now := domain.FormatTime(time.Now().UTC())

	result, err := r.db.ExecContext(ctx, `
		UPDATE brokerage_account_monthly_snapshots
		SET positions = ?, updated_at = ?
		WHERE account_id = ? AND month_key = ?`,
		string(encoded), now, s.AccountID, s.MonthKey)
	if err != nil {
		return fmt.Errorf("failed to update brokerage snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO brokerage_account_monthly_snapshots
			(account_id, month_key, positions, updated_at)
		VALUES (?, ?, ?, ?)`,
		s.AccountID, s.MonthKey, string(encoded), now)
	if err != nil {
		return fmt.Errorf("failed to insert brokerage snapshot: %w", err)
	}
	return nil
}

// UpsertMetal writes one metal holding's value for the month.
func (r *Repository) UpsertMetal(ctx context.Context, s MetalSnapshot) error {
	now := domain.FormatTime(time.Now().UTC())

	result, err := r.db.ExecContext(ctx, `
		UPDATE metal_holding_monthly_snapshots
		SET currency = ?, value = ?, updated_at = ?
		WHERE holding_id = ? AND month_key = ?`,
		s.Currency, s.Value, now, s.HoldingID, s.MonthKey)
	if err != nil {
		return fmt.Errorf("failed to update metal snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO metal_holding_monthly_snapshots
			(holding_id, month_key, currency, value, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.HoldingID, s.MonthKey, s.Currency, s.Value, now)
	if err != nil {
		return fmt.Errorf("failed to insert metal snapshot: %w", err)
	}
	return nil
}

// UpsertEstate writes one property's value for the month.
func (r *Repository) UpsertEstate(ctx context.Context, s EstateSnapshot) error {
	now := domain.FormatTime(time.Now().UTC())

	result, err := r.db.ExecContext(ctx, `
		UPDATE real_estate_monthly_snapshots
		SET currency = ?, value = ?, updated_at = ?
		WHERE estate_id = ? AND month_key = ?`,
		s.Currency, s.Value, now, s.EstateID, s.MonthKey)
	if err != nil {
		return fmt.Errorf("failed to update estate snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO real_estate_monthly_snapshots
			(estate_id, month_key, currency, value, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.EstateID, s.MonthKey, s.Currency, s.Value, now)
	if err != nil {
		return fmt.Errorf("failed to insert estate snapshot: %w", err)
	}
	return nil
}

// DepositsForUser returns the user's deposit snapshot rows for a month.
func (r *Repository) DepositsForUser(ctx context.Context, userID, monthKey string) ([]DepositSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.account_id, s.month_key, s.currency, s.available
		FROM deposit_account_monthly_snapshots s
		JOIN deposit_accounts a ON a.id = s.account_id
		JOIN wallets w ON w.id = a.wallet_id
		WHERE w.user_id = ? AND s.month_key = ?`, userID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposit snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []DepositSnapshot{}
	for rows.Next() {
		var s DepositSnapshot
		if err := rows.Scan(&s.AccountID, &s.MonthKey, &s.Currency, &s.Available); err != nil {
			return nil, fmt.Errorf("failed to scan deposit snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// BrokeragesForUser returns the user's brokerage snapshot rows for a month.
func (r *Repository) BrokeragesForUser(ctx context.Context, userID, monthKey string) ([]BrokerageSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.account_id, s.month_key, s.positions
		FROM brokerage_account_monthly_snapshots s
		JOIN brokerage_accounts a ON a.id = s.account_id
		JOIN wallets w ON w.id = a.wallet_id
		WHERE w.user_id = ? AND s.month_key = ?`, userID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query brokerage snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []BrokerageSnapshot{}
	for rows.Next() {
		var s BrokerageSnapshot
		var encoded string
		if err := rows.Scan(&s.AccountID, &s.MonthKey, &encoded); err != nil {
			return nil, fmt.Errorf("failed to scan brokerage snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &s.Positions); err != nil {
			return nil, fmt.Errorf("failed to decode positions for %s: %w", s.AccountID, err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// MetalsForUser returns the user's metal snapshot rows for a month.
func (r *Repository) MetalsForUser(ctx context.Context, userID, monthKey string) ([]MetalSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.holding_id, s.month_key, s.currency, s.value
		FROM metal_holding_monthly_snapshots s
		JOIN metal_holdings m ON m.id = s.holding_id
		JOIN wallets w ON w.id = m.wallet_id
		WHERE w.user_id = ? AND s.month_key = ?`, userID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query metal snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []MetalSnapshot{}
	for rows.Next() {
		var s MetalSnapshot
		if err := rows.Scan(&s.HoldingID, &s.MonthKey, &s.Currency, &s.Value); err != nil {
			return nil, fmt.Errorf("failed to scan metal snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// EstatesForUser returns the user's estate snapshot rows for a month.
func (r *Repository) EstatesForUser(ctx context.Context, userID, monthKey string) ([]EstateSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.estate_id, s.month_key, s.currency, s.value
		FROM real_estate_monthly_snapshots s
		JOIN real_estates e ON e.id = s.estate_id
		JOIN wallets w ON w.id = e.wallet_id
		WHERE w.user_id = ? AND s.month_key = ?`, userID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query estate snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []EstateSnapshot{}
	for rows.Next() {
		var s EstateSnapshot
		if err := rows.Scan(&s.EstateID, &s.MonthKey, &s.Currency, &s.Value); err != nil {
			return nil, fmt.Errorf("failed to scan estate snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
