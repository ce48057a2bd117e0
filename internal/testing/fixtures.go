package testing

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/finledger/finledger/internal/domain"
)

// WalletFixture is a ready-made user with one wallet, a PLN current
// account, a USD account paired with a brokerage account, and the USD
// routing link. Balances start at zero; tests adjust them directly.
type WalletFixture struct {
	UserID             string
	WalletID           string
	PLNAccountID       string
	USDAccountID       string
	BrokerageAccountID string
	LinkID             string
}

// SeedWalletFixture inserts the fixture rows into a wallet-schema
// database.
func SeedWalletFixture(t *testing.T, db *sql.DB) WalletFixture {
	t.Helper()

	f := WalletFixture{
		UserID:             uuid.NewString(),
		WalletID:           uuid.NewString(),
		PLNAccountID:       uuid.NewString(),
		USDAccountID:       uuid.NewString(),
		BrokerageAccountID: uuid.NewString(),
		LinkID:             uuid.NewString(),
	}
	now := domain.FormatTime(time.Now())

	mustExec(t, db, `INSERT INTO users (id, created_at, last_seen_at) VALUES (?, ?, ?)`,
		f.UserID, now, now)
	mustExec(t, db, `INSERT INTO wallets (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		f.WalletID, f.UserID, "Main", now)

	mustExec(t, db, `
		INSERT INTO deposit_accounts (id, wallet_id, name, account_type, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.PLNAccountID, f.WalletID, "Bills", "current", "PLN", now)
	mustExec(t, db, `
		INSERT INTO account_balances (account_id, available, blocked, updated_at)
		VALUES (?, 0, 0, ?)`, f.PLNAccountID, now)

	mustExec(t, db, `
		INSERT INTO deposit_accounts (id, wallet_id, name, account_type, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.USDAccountID, f.WalletID, "Broker cash", "brokerage", "USD", now)
	mustExec(t, db, `
		INSERT INTO account_balances (account_id, available, blocked, updated_at)
		VALUES (?, 0, 0, ?)`, f.USDAccountID, now)

	mustExec(t, db, `
		INSERT INTO brokerage_accounts (id, wallet_id, name, created_at)
		VALUES (?, ?, ?, ?)`,
		f.BrokerageAccountID, f.WalletID, "Broker", now)
	mustExec(t, db, `
		INSERT INTO brokerage_deposit_links (id, brokerage_account_id, deposit_account_id, currency)
		VALUES (?, ?, ?, ?)`,
		f.LinkID, f.BrokerageAccountID, f.USDAccountID, "USD")

	return f
}

// SetBalance overwrites an account's available balance.
func SetBalance(t *testing.T, db *sql.DB, accountID string, available float64) {
	t.Helper()
	mustExec(t, db, `UPDATE account_balances SET available = ?, updated_at = ? WHERE account_id = ?`,
		available, domain.FormatTime(time.Now()), accountID)
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("fixture exec failed: %v\nquery: %s", err, query)
	}
}
