package brokerage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/finledger/finledger/internal/domain"
)

// Event is one persisted brokerage event. Symbol and currency are
// denormalized from the instrument at processing time.
type Event struct {
	ID                 string           `json:"id"`
	BrokerageAccountID string           `json:"brokerage_account_id"`
	InstrumentID       int64            `json:"instrument_id"`
	Symbol             string           `json:"symbol"`
	Kind               domain.EventKind `json:"kind"`
	TradeAt            string           `json:"trade_at"`
	Quantity           float64          `json:"quantity"`
	Price              float64          `json:"price"`
	SplitRatio         *float64         `json:"split_ratio,omitempty"`
	Currency           string           `json:"currency"`
	CreatedAt          string           `json:"created_at"`
}

// terms converts the stored floats into the decimal fold inputs.
func (e *Event) terms() eventTerms {
	t := eventTerms{
		Kind:     e.Kind,
		Quantity: decimal.NewFromFloat(e.Quantity),
		Price:    decimal.NewFromFloat(e.Price),
	}
	if e.SplitRatio != nil {
		ratio := decimal.NewFromFloat(*e.SplitRatio)
		t.SplitRatio = &ratio
	}
	return t
}

// EventRepository persists the brokerage event log.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewEventRepository creates an event repository.
func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log.With().Str("repo", "brokerage_events").Logger(),
	}
}

const eventColumns = `id, brokerage_account_id, instrument_id, symbol, kind, trade_at, quantity, price, split_ratio, currency, created_at`

// ExistsTx checks the duplicate tuple: same account, instrument, kind,
// time, quantity, price and currency means the same real-world event.
func (r *EventRepository) ExistsTx(ctx context.Context, q querier, e *Event) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM brokerage_events
		WHERE brokerage_account_id = ? AND instrument_id = ? AND kind = ?
		  AND trade_at = ? AND quantity = ? AND price = ? AND currency = ?`,
		e.BrokerageAccountID, e.InstrumentID, string(e.Kind),
		e.TradeAt, e.Quantity, e.Price, e.Currency).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate event: %w", err)
	}
	return count > 0, nil
}

// InsertTx writes the event inside the caller's transaction. ID and
// CreatedAt are filled when empty.
func (r *EventRepository) InsertTx(ctx context.Context, q querier, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = domain.FormatTime(time.Now())
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO brokerage_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BrokerageAccountID, e.InstrumentID, e.Symbol, string(e.Kind),
		e.TradeAt, e.Quantity, e.Price, e.SplitRatio, e.Currency, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListForReplayTx returns every event of one position in replay order:
// trade time ascending, insertion order breaking ties.
func (r *EventRepository) ListForReplayTx(ctx context.Context, q querier, accountID string, instrumentID int64) ([]Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM brokerage_events
		WHERE brokerage_account_id = ? AND instrument_id = ?
		ORDER BY trade_at ASC, id ASC`, accountID, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for replay: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetOwnedTx loads an event only when it belongs to one of the user's
// wallets.
func (r *EventRepository) GetOwnedTx(ctx context.Context, q querier, eventID, userID string) (*Event, error) {
	row := q.QueryRowContext(ctx, `
		SELECT e.id, e.brokerage_account_id, e.instrument_id, e.symbol, e.kind,
		       e.trade_at, e.quantity, e.price, e.split_ratio, e.currency, e.created_at
		FROM brokerage_events e
		JOIN brokerage_accounts a ON a.id = e.brokerage_account_id
		JOIN wallets w ON w.id = a.wallet_id
		WHERE e.id = ? AND w.user_id = ?`, eventID, userID)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("event %s", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	return e, nil
}

// EventPatch updates the numeric terms of one event. Nil fields stay
// untouched.
type EventPatch struct {
	ID         string   `json:"id"`
	Quantity   *float64 `json:"quantity,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	SplitRatio *float64 `json:"split_ratio,omitempty"`
}

// PatchTx applies one patch inside the caller's transaction.
func (r *EventRepository) PatchTx(ctx context.Context, q querier, p EventPatch) error {
	sets := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	if p.Quantity != nil {
		sets = append(sets, "quantity = ?")
		args = append(args, *p.Quantity)
	}
	if p.Price != nil {
		sets = append(sets, "price = ?")
		args = append(args, *p.Price)
	}
	if p.SplitRatio != nil {
		sets = append(sets, "split_ratio = ?")
		args = append(args, *p.SplitRatio)
	}
	if len(sets) == 0 {
		return domain.Validationf("patch for event %s changes nothing", p.ID)
	}
	args = append(args, p.ID)

	result, err := q.ExecContext(ctx,
		`UPDATE brokerage_events SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to patch event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read patch result: %w", err)
	}
	if affected == 0 {
		return domain.NotFoundf("event %s", p.ID)
	}
	return nil
}

// DeleteTx removes one event inside the caller's transaction.
func (r *EventRepository) DeleteTx(ctx context.Context, q querier, eventID string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM brokerage_events WHERE id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return domain.NotFoundf("event %s", eventID)
	}
	return nil
}

// EventFilter narrows the event listing. UserID is mandatory; the rest
// are optional.
type EventFilter struct {
	UserID             string
	BrokerageAccountID string
	Kind               string
	Currency           string
	DateFrom           string
	DateTo             string
	Query              string
	Page               int
	Size               int
}

// EventListItem is an event joined with its account context.
type EventListItem struct {
	Event
	AccountName string `json:"account_name"`
	WalletID    string `json:"wallet_id"`
}

// CurrencySums aggregates the filtered events per currency.
type CurrencySums struct {
	Invested  float64 `json:"invested"`
	Divested  float64 `json:"divested"`
	Dividends float64 `json:"dividends"`
	Net       float64 `json:"net"`
}

// EventList is one page of events plus the whole-filter aggregates.
type EventList struct {
	Items []EventListItem         `json:"items"`
	Total int                     `json:"total"`
	Page  int                     `json:"page"`
	Size  int                     `json:"size"`
	Sums  map[string]CurrencySums `json:"sums"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// List returns a filtered, paginated event page. Sums cover the whole
// filter, not just the page.
func (r *EventRepository) List(ctx context.Context, f EventFilter) (*EventList, error) {
	if f.UserID == "" {
		return nil, domain.Validationf("missing user scope")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Size <= 0 {
		f.Size = defaultPageSize
	}
	if f.Size > maxPageSize {
		f.Size = maxPageSize
	}

	where, args := buildEventWhere(f)

	list := &EventList{Page: f.Page, Size: f.Size, Sums: map[string]CurrencySums{}}

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM brokerage_events e
		 JOIN brokerage_accounts a ON a.id = e.brokerage_account_id
		 JOIN wallets w ON w.id = a.wallet_id `+where, args...).Scan(&list.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), f.Size, (f.Page-1)*f.Size)
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.brokerage_account_id, e.instrument_id, e.symbol, e.kind,
		       e.trade_at, e.quantity, e.price, e.split_ratio, e.currency, e.created_at,
		       a.name, a.wallet_id
		FROM brokerage_events e
		JOIN brokerage_accounts a ON a.id = e.brokerage_account_id
		JOIN wallets w ON w.id = a.wallet_id
		`+where+`
		ORDER BY e.trade_at DESC, e.id DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item EventListItem
		var kind string
		err := rows.Scan(&item.ID, &item.BrokerageAccountID, &item.InstrumentID,
			&item.Symbol, &kind, &item.TradeAt, &item.Quantity, &item.Price,
			&item.SplitRatio, &item.Currency, &item.CreatedAt,
			&item.AccountName, &item.WalletID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		item.Kind = domain.EventKind(kind)
		list.Items = append(list.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.sumByCurrency(ctx, where, args, list.Sums); err != nil {
		return nil, err
	}
	return list, nil
}

func buildEventWhere(f EventFilter) (string, []interface{}) {
	clauses := []string{"w.user_id = ?"}
	args := []interface{}{f.UserID}

	if f.BrokerageAccountID != "" {
		clauses = append(clauses, "e.brokerage_account_id = ?")
		args = append(args, f.BrokerageAccountID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "e.kind = ?")
		args = append(args, strings.ToUpper(strings.TrimSpace(f.Kind)))
	}
	if f.Currency != "" {
		clauses = append(clauses, "e.currency = ?")
		args = append(args, strings.ToUpper(strings.TrimSpace(f.Currency)))
	}
	if f.DateFrom != "" {
		clauses = append(clauses, "e.trade_at >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		// inclusive day bound: anything on date_to still matches
		clauses = append(clauses, "e.trade_at < ?")
		args = append(args, f.DateTo+"T23:59:59.999999999Z")
	}
	if f.Query != "" {
		clauses = append(clauses, "e.symbol LIKE ?")
		args = append(args, "%"+strings.ToUpper(strings.TrimSpace(f.Query))+"%")
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

// sumByCurrency aggregates invested/divested/dividend totals per
// currency over the filtered set.
func (r *EventRepository) sumByCurrency(ctx context.Context, where string, args []interface{}, out map[string]CurrencySums) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.currency,
		       COALESCE(SUM(CASE WHEN e.kind = 'BUY' THEN e.quantity * e.price ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN e.kind = 'SELL' THEN e.quantity * e.price ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN e.kind = 'DIV' THEN e.quantity * e.price ELSE 0 END), 0)
		FROM brokerage_events e
		JOIN brokerage_accounts a ON a.id = e.brokerage_account_id
		JOIN wallets w ON w.id = a.wallet_id
		`+where+`
		GROUP BY e.currency`, args...)
	if err != nil {
		return fmt.Errorf("failed to sum events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var currency string
		var sums CurrencySums
		if err := rows.Scan(&currency, &sums.Invested, &sums.Divested, &sums.Dividends); err != nil {
			return fmt.Errorf("failed to scan event sums: %w", err)
		}
		sums.Net = sums.Divested + sums.Dividends - sums.Invested
		out[currency] = sums
	}
	return rows.Err()
}

func scanEvent(row *sql.Row) (*Event, error) {
	var e Event
	var kind string
	err := row.Scan(&e.ID, &e.BrokerageAccountID, &e.InstrumentID, &e.Symbol, &kind,
		&e.TradeAt, &e.Quantity, &e.Price, &e.SplitRatio, &e.Currency, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = domain.EventKind(kind)
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		err := rows.Scan(&e.ID, &e.BrokerageAccountID, &e.InstrumentID, &e.Symbol, &kind,
			&e.TradeAt, &e.Quantity, &e.Price, &e.SplitRatio, &e.Currency, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = domain.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}
