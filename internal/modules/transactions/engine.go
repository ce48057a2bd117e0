// Package transactions maintains the append-only per-account ledger.
// Every row carries the balance before and after, so the chain
// after[i] = before[i] + amount[i], before[i+1] = after[i] is verifiable
// end to end. Batches are all-or-nothing: one bad row aborts the lot.
package transactions

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/finledger/finledger/internal/database"
	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/modules/gains"
	"github.com/finledger/finledger/internal/modules/wallets"
)

// Transaction is one persisted ledger row.
type Transaction struct {
	ID           string  `json:"id"`
	AccountID    string  `json:"account_id"`
	Date         string  `json:"date"`
	Amount       float64 `json:"amount"`
	AmountBefore float64 `json:"amount_before"`
	AmountAfter  float64 `json:"amount_after"`
	Description  string  `json:"description"`
	Category     *string `json:"category,omitempty"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
}

// Row is one submitted ledger entry. Date accepts a full timestamp or a
// bare YYYY-MM-DD day. AmountAfter is the bank's claimed balance; in
// verify mode it must match the computed chain exactly.
type Row struct {
	Date            string   `json:"date"`
	Amount          float64  `json:"amount"`
	AmountAfter     *float64 `json:"amount_after,omitempty"`
	Description     string   `json:"description"`
	Category        *string  `json:"category,omitempty"`
	CapitalGainKind string   `json:"capital_gain_kind,omitempty"`
}

// Engine appends ledger rows and keeps account balances in sync.
type Engine struct {
	db      *sql.DB
	wallets *wallets.Repository
	gains   *gains.Repository
	log     zerolog.Logger
}

// NewEngine creates a transaction engine.
func NewEngine(db *sql.DB, walletsRepo *wallets.Repository, gainsRepo *gains.Repository, log zerolog.Logger) *Engine {
	return &Engine{
		db:      db,
		wallets: walletsRepo,
		gains:   gainsRepo,
		log:     log.With().Str("service", "transactions").Logger(),
	}
}

// balancePrecision is the ledger's rounding scale. Balances are money.
const balancePrecision = 2

type orderedRow struct {
	Row
	index int // position in the submitted slice, for error reporting
	at    time.Time
}

// AppendMany appends rows to one account's ledger in a single database
// transaction. Rows may arrive in any order and are applied by date
// ascending; equal dates keep submission order via millisecond offsets.
// With verifyAmountAfter, a provided amount_after that disagrees with
// the computed chain aborts the whole batch.
func (e *Engine) AppendMany(ctx context.Context, accountID string, rows []Row, verifyAmountAfter bool) ([]Transaction, error) {
	if len(rows) == 0 {
		return nil, domain.Validationf("no transactions submitted")
	}

	ordered, err := orderRows(rows)
	if err != nil {
		return nil, err
	}

	var inserted []Transaction
	err = database.WithTransactionContext(ctx, e.db, func(tx *sql.Tx) error {
		account, err := e.wallets.GetDepositAccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}

		lastBalance, err := e.seedBalance(ctx, tx, account, ordered[0])
		if err != nil {
			return err
		}

		var prevAt time.Time
		for _, row := range ordered {
			at := row.at
			if !at.After(prevAt) {
				at = prevAt.Add(time.Millisecond)
			}
			prevAt = at

			txn, newBalance, err := e.appendRow(ctx, tx, account, row, at, lastBalance, verifyAmountAfter)
			if err != nil {
				return err
			}
			lastBalance = newBalance
			inserted = append(inserted, *txn)
		}

		return e.wallets.UpdateBalanceTx(ctx, tx, accountID, lastBalance.InexactFloat64())
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("account_id", accountID).
		Int("rows", len(inserted)).
		Msg("Transactions appended")
	return inserted, nil
}

// orderRows parses dates and sorts ascending, keeping submitted indexes
// for error reporting. The sort is stable so equal dates preserve
// submission order.
func orderRows(rows []Row) ([]orderedRow, error) {
	ordered := make([]orderedRow, len(rows))
	for i, row := range rows {
		at, err := parseRowDate(row.Date)
		if err != nil {
			return nil, &domain.IndexedError{
				Index: i,
				Kind:  domain.ErrValidation,
				Msg:   fmt.Sprintf("invalid date %q", row.Date),
			}
		}
		if row.CapitalGainKind != "" {
			kind, ok := domain.ParseGainKind(row.CapitalGainKind)
			if !ok || (kind != domain.GainDepositInterest && kind != domain.GainBrokerDividend) {
				return nil, &domain.IndexedError{
					Index: i,
					Kind:  domain.ErrValidation,
					Msg:   fmt.Sprintf("unknown capital gain kind %q", row.CapitalGainKind),
				}
			}
		}
		ordered[i] = orderedRow{Row: row, index: i, at: at}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].at.Before(ordered[j].at)
	})
	return ordered, nil
}

func parseRowDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if len(s) == len(domain.DateLayout) {
		return time.Parse(domain.DateLayout, s)
	}
	return domain.ParseTime(s)
}

// seedBalance picks the chain's starting balance: the last ledger row's
// amount_after when history exists; on an empty ledger, a first row that
// states its amount_after anchors the chain backwards from it; otherwise
// the stored available balance.
func (e *Engine) seedBalance(ctx context.Context, tx *sql.Tx, account *wallets.DepositAccount, first orderedRow) (decimal.Decimal, error) {
	last, ok, err := lastAmountAfter(ctx, tx, account.ID)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return last, nil
	}

	if first.AmountAfter != nil {
		return decimal.NewFromFloat(*first.AmountAfter).
			Sub(decimal.NewFromFloat(first.Amount)).
			Round(balancePrecision), nil
	}

	balance, err := e.wallets.GetBalanceTx(ctx, tx, account.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(balance.Available).Round(balancePrecision), nil
}

// lastAmountAfter returns the newest ledger row's amount_after.
func lastAmountAfter(ctx context.Context, q querier, accountID string) (decimal.Decimal, bool, error) {
	var after float64
	err := q.QueryRowContext(ctx, `
		SELECT amount_after FROM transactions
		WHERE account_id = ? ORDER BY date DESC LIMIT 1`, accountID).Scan(&after)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read last balance: %w", err)
	}
	return decimal.NewFromFloat(after).Round(balancePrecision), true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (e *Engine) appendRow(ctx context.Context, tx *sql.Tx, account *wallets.DepositAccount, row orderedRow, at time.Time, before decimal.Decimal, verify bool) (*Transaction, decimal.Decimal, error) {
	amount := decimal.NewFromFloat(row.Amount).Round(balancePrecision)
	after := before.Add(amount).Round(balancePrecision)

	if row.AmountAfter != nil {
		provided := decimal.NewFromFloat(*row.AmountAfter).Round(balancePrecision)
		if verify {
			if !provided.Equal(after) {
				return nil, decimal.Zero, &domain.IndexedError{
					Index: row.index,
					Kind:  domain.ErrValidation,
					Msg: fmt.Sprintf("amount_after mismatch: provided %s, computed %s",
						provided.StringFixed(balancePrecision), after.StringFixed(balancePrecision)),
				}
			}
		} else {
			after = provided
		}
	}

	dateStr := domain.FormatTime(at)
	dup, err := duplicateExists(ctx, tx, account.ID, dateStr, amount.InexactFloat64(), row.Description)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if dup {
		return nil, decimal.Zero, &domain.IndexedError{
			Index: row.index,
			Kind:  domain.ErrConflict,
			Msg:   fmt.Sprintf("duplicate transaction on %s for %s", dateStr, account.ID),
		}
	}

	txn := &Transaction{
		ID:           uuid.NewString(),
		AccountID:    account.ID,
		Date:         dateStr,
		Amount:       amount.InexactFloat64(),
		AmountBefore: before.InexactFloat64(),
		AmountAfter:  after.InexactFloat64(),
		Description:  strings.TrimSpace(row.Description),
		Category:     row.Category,
		Status:       "booked",
		CreatedAt:    domain.FormatTime(time.Now()),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
			(id, account_id, date, amount, amount_before, amount_after, description, category, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.AccountID, txn.Date, txn.Amount, txn.AmountBefore, txn.AmountAfter,
		txn.Description, txn.Category, txn.Status, txn.CreatedAt)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if row.CapitalGainKind != "" && !amount.IsZero() {
		kind, _ := domain.ParseGainKind(row.CapitalGainKind)
		gain := &gains.CapitalGain{
			Kind:             kind,
			Amount:           amount.InexactFloat64(),
			Currency:         account.Currency,
			OccurredAt:       dateStr,
			DepositAccountID: &txn.AccountID,
			TransactionID:    &txn.ID,
		}
		if err := e.gains.InsertTx(ctx, tx, gain); err != nil {
			return nil, decimal.Zero, err
		}
	}

	return txn, after, nil
}

func duplicateExists(ctx context.Context, q querier, accountID, date string, amount float64, description string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE account_id = ? AND date = ? AND amount = ? AND description = ?`,
		accountID, date, amount, strings.TrimSpace(description)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate transaction: %w", err)
	}
	return count > 0, nil
}

// AppendCashEffectTx writes one ledger row inside the caller's open
// transaction and syncs the balance. Used by the brokerage event
// processor for cash effects; seeding follows the same chain rules as
// AppendMany.
func (e *Engine) AppendCashEffectTx(ctx context.Context, tx *sql.Tx, account *wallets.DepositAccount, at time.Time, amount float64, description string) (*Transaction, error) {
	before, ok, err := lastAmountAfter(ctx, tx, account.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		balance, err := e.wallets.GetBalanceTx(ctx, tx, account.ID)
		if err != nil {
			return nil, err
		}
		before = decimal.NewFromFloat(balance.Available).Round(balancePrecision)
	}

	row := orderedRow{
		Row: Row{Amount: amount, Description: description},
		at:  at,
	}
	txn, after, err := e.appendRow(ctx, tx, account, row, at, before, false)
	if err != nil {
		return nil, err
	}
	if err := e.wallets.UpdateBalanceTx(ctx, tx, account.ID, after.InexactFloat64()); err != nil {
		return nil, err
	}
	return txn, nil
}

// CurrencyFlows sums inflow and outflow, both as positive numbers.
type CurrencyFlows struct {
	Income  float64 `json:"income"`
	Expense float64 `json:"expense"`
}

// YearFlowsByCurrency aggregates the user's ledger movement for one
// calendar year, grouped by account currency.
func (e *Engine) YearFlowsByCurrency(ctx context.Context, userID string, year int) (map[string]CurrencyFlows, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT a.currency,
		       COALESCE(SUM(CASE WHEN t.amount > 0 THEN t.amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN t.amount < 0 THEN -t.amount ELSE 0 END), 0)
		FROM transactions t
		JOIN deposit_accounts a ON a.id = t.account_id
		JOIN wallets w ON w.id = a.wallet_id
		WHERE w.user_id = ? AND t.date >= ? AND t.date < ?
		GROUP BY a.currency`,
		userID, fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-01-01", year+1))
	if err != nil {
		return nil, fmt.Errorf("failed to query year flows: %w", err)
	}
	defer rows.Close()

	flows := map[string]CurrencyFlows{}
	for rows.Next() {
		var currency string
		var f CurrencyFlows
		if err := rows.Scan(&currency, &f.Income, &f.Expense); err != nil {
			return nil, fmt.Errorf("failed to scan year flows: %w", err)
		}
		flows[currency] = f
	}
	return flows, rows.Err()
}

// ListByAccount returns the account's ledger rows, newest first, capped
// at limit.
func (e *Engine) ListByAccount(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT id, account_id, date, amount, amount_before, amount_after,
		       description, category, status, created_at
		FROM transactions WHERE account_id = ?
		ORDER BY date DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var items []Transaction
	for rows.Next() {
		var t Transaction
		err := rows.Scan(&t.ID, &t.AccountID, &t.Date, &t.Amount, &t.AmountBefore,
			&t.AmountAfter, &t.Description, &t.Category, &t.Status, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}
