// Package wallets owns users, wallets and their accounts: deposit
// accounts with balances and encrypted account numbers, brokerage
// accounts, and the per-currency links that route brokerage cash
// effects into a deposit account.
package wallets

// User is a platform user keyed by the UUID the frontend authenticates
// with. Rows are created lazily on first sync.
type User struct {
	ID         string `json:"id"`
	CreatedAt  string `json:"created_at"`
	LastSeenAt string `json:"last_seen_at"`
}

// Bank is a seeded reference row accounts may point at.
type Bank struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

// Wallet groups accounts and hard assets under a user-chosen name.
type Wallet struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// AccountBalance is the mutable available/blocked pair per deposit
// account. Available tracks the ledger's last amount_after.
type AccountBalance struct {
	AccountID string  `json:"account_id"`
	Available float64 `json:"available"`
	Blocked   float64 `json:"blocked"`
	UpdatedAt string  `json:"updated_at"`
}

// DepositAccount is a cash account. The account number is stored
// encrypted and never serialized; the IBAN only as a fingerprint.
type DepositAccount struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"wallet_id"`
	BankID      *int64          `json:"bank_id,omitempty"`
	Name        string          `json:"name"`
	AccountType string          `json:"account_type"`
	Currency    string          `json:"currency"`
	CreatedAt   string          `json:"created_at"`
	Balance     *AccountBalance `json:"balance,omitempty"`
}

// BrokerageAccount holds instrument positions. Cash flows through the
// linked deposit accounts, never through the brokerage account itself.
type BrokerageAccount struct {
	ID        string `json:"id"`
	WalletID  string `json:"wallet_id"`
	BankID    *int64 `json:"bank_id,omitempty"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// BrokerageDepositLink routes one currency of a brokerage account's
// cash effects to a deposit account.
type BrokerageDepositLink struct {
	ID                 string `json:"id"`
	BrokerageAccountID string `json:"brokerage_account_id"`
	DepositAccountID   string `json:"deposit_account_id"`
	Currency           string `json:"currency"`
}

// AccountTransaction is the reduced ledger row embedded in the user
// overview. The transactions module owns writes; this is a read model.
type AccountTransaction struct {
	ID          string  `json:"id"`
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	AmountAfter float64 `json:"amount_after"`
	Description string  `json:"description"`
	Category    *string `json:"category,omitempty"`
	Status      string  `json:"status"`
}
