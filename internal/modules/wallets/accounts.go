package wallets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/finledger/finledger/internal/domain"
)

const depositAccountColumns = `id, wallet_id, bank_id, name, account_type, currency, created_at`

// CreateDepositAccountTx inserts the account row plus its zeroed balance
// row inside the caller's transaction.
func (r *Repository) CreateDepositAccountTx(ctx context.Context, q querier, a *DepositAccount, accountNumberEnc, ibanFingerprint string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO deposit_accounts
			(id, wallet_id, bank_id, name, account_type, currency, account_number_enc, iban_fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WalletID, a.BankID, a.Name, a.AccountType, a.Currency,
		nullIfEmpty(accountNumberEnc), nullIfEmpty(ibanFingerprint), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert deposit account: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO account_balances (account_id, available, blocked, updated_at)
		VALUES (?, 0, 0, ?)`, a.ID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account balance: %w", err)
	}
	return nil
}

// GetDepositAccount returns the account with its balance attached, or
// ErrNotFound.
func (r *Repository) GetDepositAccount(ctx context.Context, accountID string) (*DepositAccount, error) {
	return r.getDepositAccount(ctx, r.db, accountID)
}

// GetDepositAccountTx is GetDepositAccount inside an open transaction.
func (r *Repository) GetDepositAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (*DepositAccount, error) {
	return r.getDepositAccount(ctx, tx, accountID)
}

func (r *Repository) getDepositAccount(ctx context.Context, q querier, accountID string) (*DepositAccount, error) {
	row := q.QueryRowContext(ctx, `
		SELECT a.id, a.wallet_id, a.bank_id, a.name, a.account_type, a.currency, a.created_at,
		       b.available, b.blocked, b.updated_at
		FROM deposit_accounts a
		JOIN account_balances b ON b.account_id = a.id
		WHERE a.id = ?`, accountID)

	var a DepositAccount
	var bal AccountBalance
	err := row.Scan(&a.ID, &a.WalletID, &a.BankID, &a.Name, &a.AccountType,
		&a.Currency, &a.CreatedAt, &bal.Available, &bal.Blocked, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("deposit account %s", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deposit account: %w", err)
	}

	bal.AccountID = a.ID
	a.Balance = &bal
	return &a, nil
}

// GetDepositAccountOwned resolves the account only when its wallet
// belongs to the user.
func (r *Repository) GetDepositAccountOwned(ctx context.Context, accountID, userID string) (*DepositAccount, error) {
	var walletUser string
	err := r.db.QueryRowContext(ctx, `
		SELECT w.user_id FROM deposit_accounts a
		JOIN wallets w ON w.id = a.wallet_id
		WHERE a.id = ?`, accountID).Scan(&walletUser)
	if err == sql.ErrNoRows || (err == nil && walletUser != userID) {
		return nil, domain.NotFoundf("deposit account %s", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check account owner: %w", err)
	}
	return r.GetDepositAccount(ctx, accountID)
}

// ListDepositAccounts returns a wallet's deposit accounts with balances.
func (r *Repository) ListDepositAccounts(ctx context.Context, walletID string) ([]DepositAccount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.wallet_id, a.bank_id, a.name, a.account_type, a.currency, a.created_at,
		       b.available, b.blocked, b.updated_at
		FROM deposit_accounts a
		JOIN account_balances b ON b.account_id = a.id
		WHERE a.wallet_id = ?
		ORDER BY a.created_at, a.name`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposit accounts: %w", err)
	}
	defer rows.Close()

	var accounts []DepositAccount
	for rows.Next() {
		var a DepositAccount
		var bal AccountBalance
		err := rows.Scan(&a.ID, &a.WalletID, &a.BankID, &a.Name, &a.AccountType,
			&a.Currency, &a.CreatedAt, &bal.Available, &bal.Blocked, &bal.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit account: %w", err)
		}
		bal.AccountID = a.ID
		a.Balance = &bal
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DepositAccountNameExists reports whether the wallet already has a
// deposit account with this name.
func (r *Repository) DepositAccountNameExists(ctx context.Context, q querier, walletID, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deposit_accounts WHERE wallet_id = ? AND name = ?`,
		walletID, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check account name: %w", err)
	}
	return count > 0, nil
}

// IBANFingerprintExists reports whether any account already carries this
// IBAN fingerprint.
func (r *Repository) IBANFingerprintExists(ctx context.Context, q querier, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deposit_accounts WHERE iban_fingerprint = ?`,
		fingerprint).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check iban fingerprint: %w", err)
	}
	return count > 0, nil
}

// UpdateBalanceTx sets the available balance inside the caller's
// transaction. The ledger is the source of truth; this mirrors its last
// amount_after.
func (r *Repository) UpdateBalanceTx(ctx context.Context, q querier, accountID string, available float64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE account_balances SET available = ?, updated_at = ?
		WHERE account_id = ?`,
		available, domain.FormatTime(time.Now()), accountID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read balance update result: %w", err)
	}
	if affected == 0 {
		return domain.NotFoundf("balance for account %s", accountID)
	}
	return nil
}

// GetBalanceTx reads the balance row inside the caller's transaction.
func (r *Repository) GetBalanceTx(ctx context.Context, q querier, accountID string) (*AccountBalance, error) {
	var b AccountBalance
	err := q.QueryRowContext(ctx, `
		SELECT account_id, available, blocked, updated_at
		FROM account_balances WHERE account_id = ?`, accountID).
		Scan(&b.AccountID, &b.Available, &b.Blocked, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("balance for account %s", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	return &b, nil
}

// CreateBrokerageAccountTx inserts a brokerage account inside the
// caller's transaction.
func (r *Repository) CreateBrokerageAccountTx(ctx context.Context, q querier, a *BrokerageAccount) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO brokerage_accounts (id, wallet_id, bank_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.WalletID, a.BankID, a.Name, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert brokerage account: %w", err)
	}
	return nil
}

// BrokerageAccountNameExists reports whether the wallet already has a
// brokerage account with this name.
func (r *Repository) BrokerageAccountNameExists(ctx context.Context, q querier, walletID, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM brokerage_accounts WHERE wallet_id = ? AND name = ?`,
		walletID, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check brokerage name: %w", err)
	}
	return count > 0, nil
}

// GetBrokerageAccount returns the brokerage account, or ErrNotFound.
func (r *Repository) GetBrokerageAccount(ctx context.Context, accountID string) (*BrokerageAccount, error) {
	return r.getBrokerageAccount(ctx, r.db, accountID)
}

// GetBrokerageAccountTx is GetBrokerageAccount inside a transaction.
func (r *Repository) GetBrokerageAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (*BrokerageAccount, error) {
	return r.getBrokerageAccount(ctx, tx, accountID)
}

func (r *Repository) getBrokerageAccount(ctx context.Context, q querier, accountID string) (*BrokerageAccount, error) {
	var a BrokerageAccount
	err := q.QueryRowContext(ctx, `
		SELECT id, wallet_id, bank_id, name, created_at
		FROM brokerage_accounts WHERE id = ?`, accountID).
		Scan(&a.ID, &a.WalletID, &a.BankID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("brokerage account %s", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query brokerage account: %w", err)
	}
	return &a, nil
}

// GetBrokerageAccountOwned resolves the brokerage account only when its
// wallet belongs to the user.
func (r *Repository) GetBrokerageAccountOwned(ctx context.Context, accountID, userID string) (*BrokerageAccount, error) {
	var a BrokerageAccount
	err := r.db.QueryRowContext(ctx, `
		SELECT a.id, a.wallet_id, a.bank_id, a.name, a.created_at
		FROM brokerage_accounts a
		JOIN wallets w ON w.id = a.wallet_id
		WHERE a.id = ? AND w.user_id = ?`, accountID, userID).
		Scan(&a.ID, &a.WalletID, &a.BankID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("brokerage account %s", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query brokerage account: %w", err)
	}
	return &a, nil
}

// ListBrokerageAccounts returns a wallet's brokerage accounts.
func (r *Repository) ListBrokerageAccounts(ctx context.Context, walletID string) ([]BrokerageAccount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, wallet_id, bank_id, name, created_at
		FROM brokerage_accounts WHERE wallet_id = ?
		ORDER BY created_at, name`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query brokerage accounts: %w", err)
	}
	defer rows.Close()

	var accounts []BrokerageAccount
	for rows.Next() {
		var a BrokerageAccount
		if err := rows.Scan(&a.ID, &a.WalletID, &a.BankID, &a.Name, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan brokerage account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CreateLinkTx inserts a brokerage-to-deposit routing link inside the
// caller's transaction. One link per (brokerage account, currency).
func (r *Repository) CreateLinkTx(ctx context.Context, q querier, link *BrokerageDepositLink) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO brokerage_deposit_links (id, brokerage_account_id, deposit_account_id, currency)
		VALUES (?, ?, ?, ?)`,
		link.ID, link.BrokerageAccountID, link.DepositAccountID, link.Currency)
	if err != nil {
		return fmt.Errorf("failed to insert brokerage link: %w", err)
	}
	return nil
}

// ListLinks returns every deposit routing link of one brokerage account.
func (r *Repository) ListLinks(ctx context.Context, brokerageAccountID string) ([]BrokerageDepositLink, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, brokerage_account_id, deposit_account_id, currency
		FROM brokerage_deposit_links
		WHERE brokerage_account_id = ? ORDER BY currency`, brokerageAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query brokerage links: %w", err)
	}
	defer rows.Close()

	links := []BrokerageDepositLink{}
	for rows.Next() {
		var link BrokerageDepositLink
		if err := rows.Scan(&link.ID, &link.BrokerageAccountID,
			&link.DepositAccountID, &link.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan brokerage link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// ResolveLinkTx finds the deposit account that receives this currency's
// cash effects. Missing link is ErrNotFound: the event processor treats
// it as a hard failure.
func (r *Repository) ResolveLinkTx(ctx context.Context, q querier, brokerageAccountID, currency string) (*BrokerageDepositLink, error) {
	var link BrokerageDepositLink
	err := q.QueryRowContext(ctx, `
		SELECT id, brokerage_account_id, deposit_account_id, currency
		FROM brokerage_deposit_links
		WHERE brokerage_account_id = ? AND currency = ?`,
		brokerageAccountID, currency).
		Scan(&link.ID, &link.BrokerageAccountID, &link.DepositAccountID, &link.Currency)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("no deposit link for %s in %s", brokerageAccountID, currency)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve brokerage link: %w", err)
	}
	return &link, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
