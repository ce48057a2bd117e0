package wallets

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// Repository handles wallet-domain persistence: users, banks, wallets,
// accounts and balances. All tables live in wallet.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a wallet repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "wallets").Logger(),
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// UpsertUser creates the user on first sight and bumps last_seen_at on
// every call.
func (r *Repository) UpsertUser(ctx context.Context, userID string) (*User, error) {
	now := domain.FormatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, created_at, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		userID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	var u User
	err = r.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_seen_at FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.CreatedAt, &u.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &u, nil
}

// ListBanks returns the seeded bank rows ordered by name.
func (r *Repository) ListBanks(ctx context.Context) ([]Bank, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, country FROM banks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query banks: %w", err)
	}
	defer rows.Close()

	var banks []Bank
	for rows.Next() {
		var b Bank
		if err := rows.Scan(&b.ID, &b.Name, &b.Country); err != nil {
			return nil, fmt.Errorf("failed to scan bank: %w", err)
		}
		banks = append(banks, b)
	}
	return banks, rows.Err()
}

// CreateWallet inserts a wallet for the user. Names are unique per user;
// a duplicate is a conflict.
func (r *Repository) CreateWallet(ctx context.Context, userID, name string) (*Wallet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Validationf("wallet name must not be empty")
	}

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallets WHERE user_id = ? AND name = ?`,
		userID, name).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to check wallet name: %w", err)
	}
	if count > 0 {
		return nil, domain.Conflictf("wallet %q already exists", name)
	}

	w := Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: domain.FormatTime(time.Now()),
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO wallets (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		w.ID, w.UserID, w.Name, w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert wallet: %w", err)
	}
	return &w, nil
}

// ListWalletsByUser returns the user's wallets ordered by creation time.
func (r *Repository) ListWalletsByUser(ctx context.Context, userID string) ([]Wallet, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM wallets
		 WHERE user_id = ? ORDER BY created_at, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// GetWallet returns the wallet only when it belongs to the user.
func (r *Repository) GetWallet(ctx context.Context, walletID, userID string) (*Wallet, error) {
	var w Wallet
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM wallets WHERE id = ? AND user_id = ?`,
		walletID, userID).
		Scan(&w.ID, &w.UserID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("wallet %s", walletID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet: %w", err)
	}
	return &w, nil
}

// DeleteWallet removes the wallet and, through cascades, its accounts,
// holdings, events and ledger rows. Not-owned behaves as not-found.
func (r *Repository) DeleteWallet(ctx context.Context, walletID, userID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM wallets WHERE id = ? AND user_id = ?`, walletID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete wallet: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return domain.NotFoundf("wallet %s", walletID)
	}

	r.log.Info().Str("wallet_id", walletID).Msg("Wallet deleted")
	return nil
}

// RecentTransactions returns the newest ledger rows for an account, most
// recent first. Used by the user overview only; the transactions module
// owns all writes.
func (r *Repository) RecentTransactions(ctx context.Context, accountID string, limit int) ([]AccountTransaction, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, date, amount, amount_after, description, category, status
		FROM transactions WHERE account_id = ?
		ORDER BY date DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent transactions: %w", err)
	}
	defer rows.Close()

	var items []AccountTransaction
	for rows.Next() {
		var t AccountTransaction
		if err := rows.Scan(&t.ID, &t.Date, &t.Amount, &t.AmountAfter,
			&t.Description, &t.Category, &t.Status); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}
