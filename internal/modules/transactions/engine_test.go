package transactions

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/modules/gains"
	"github.com/finledger/finledger/internal/modules/wallets"
	testhelpers "github.com/finledger/finledger/internal/testing"
)

func newTestEngine(t *testing.T) (*Engine, *sql.DB, testhelpers.WalletFixture) {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "wallet")
	t.Cleanup(cleanup)

	conn := db.Conn()
	fixture := testhelpers.SeedWalletFixture(t, conn)

	engine := NewEngine(conn,
		wallets.NewRepository(conn, zerolog.Nop()),
		gains.NewRepository(conn, zerolog.Nop()),
		zerolog.Nop())
	return engine, conn, fixture
}

func availableBalance(t *testing.T, db *sql.DB, accountID string) float64 {
	t.Helper()
	var available float64
	require.NoError(t, db.QueryRow(
		`SELECT available FROM account_balances WHERE account_id = ?`, accountID).
		Scan(&available))
	return available
}

func TestAppendManyLedgerContinuity(t *testing.T) {
	engine, conn, fixture := newTestEngine(t)
	ctx := context.Background()

	// reverse chronological, the way bank exports arrive
	rows := []Row{
		{Date: "2026-03-03", Amount: -120.45, Description: "groceries"},
		{Date: "2026-03-02", Amount: 5000, Description: "salary"},
		{Date: "2026-03-01", Amount: 250.5, Description: "transfer in"},
	}

	items, err := engine.AppendMany(ctx, fixture.PLNAccountID, rows, false)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// applied in date order regardless of submission order
	assert.Equal(t, "transfer in", items[0].Description)
	assert.Equal(t, "salary", items[1].Description)
	assert.Equal(t, "groceries", items[2].Description)

	// after[i] = before[i] + amount[i]; before[i+1] = after[i]
	assert.Equal(t, 0.0, items[0].AmountBefore)
	for i, item := range items {
		assert.InDelta(t, item.AmountBefore+item.Amount, item.AmountAfter, 0.001, "row %d", i)
		if i > 0 {
			assert.Equal(t, items[i-1].AmountAfter, item.AmountBefore, "row %d", i)
		}
	}

	assert.InDelta(t, 5130.05, items[2].AmountAfter, 0.001)
	assert.InDelta(t, 5130.05, availableBalance(t, conn, fixture.PLNAccountID), 0.001)

	// a later batch chains off the persisted tail
	more, err := engine.AppendMany(ctx, fixture.PLNAccountID,
		[]Row{{Date: "2026-03-04", Amount: -30.05, Description: "lunch"}}, false)
	require.NoError(t, err)
	assert.InDelta(t, 5130.05, more[0].AmountBefore, 0.001)
	assert.InDelta(t, 5100.0, more[0].AmountAfter, 0.001)
}

func TestAppendManySeedsFromFirstAmountAfter(t *testing.T) {
	engine, _, fixture := newTestEngine(t)

	after := 1500.5
	items, err := engine.AppendMany(context.Background(), fixture.PLNAccountID, []Row{
		{Date: "2026-01-10", Amount: 500.5, AmountAfter: &after, Description: "opening import"},
	}, true)
	require.NoError(t, err)

	// empty ledger: the first row's claimed balance anchors the chain
	assert.InDelta(t, 1000.0, items[0].AmountBefore, 0.001)
	assert.InDelta(t, 1500.5, items[0].AmountAfter, 0.001)
}

func TestAppendManyVerifyMismatchAbortsBatch(t *testing.T) {
	engine, conn, fixture := newTestEngine(t)
	ctx := context.Background()

	first := 100.0
	wrong := 200.0
	rows := []Row{
		{Date: "2026-02-01", Amount: 100, AmountAfter: &first, Description: "deposit"},
		{Date: "2026-02-02", Amount: 50, AmountAfter: &wrong, Description: "interest"},
	}

	_, err := engine.AppendMany(ctx, fixture.PLNAccountID, rows, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Equal(t, 1, domain.IndexOf(err))

	// scenario: the valid first row must not survive the aborted batch
	var count int
	require.NoError(t, conn.QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE account_id = ?`, fixture.PLNAccountID).
		Scan(&count))
	assert.Zero(t, count)
	assert.Zero(t, availableBalance(t, conn, fixture.PLNAccountID))

	// without verify the provided value is adopted as-is
	items, err := engine.AppendMany(ctx, fixture.PLNAccountID, rows, false)
	require.NoError(t, err)
	assert.Equal(t, 200.0, items[1].AmountAfter)
}

func TestAppendManyDuplicateConflict(t *testing.T) {
	engine, conn, fixture := newTestEngine(t)
	ctx := context.Background()

	rows := []Row{{Date: "2026-02-01", Amount: 75, Description: "refund"}}

	_, err := engine.AppendMany(ctx, fixture.PLNAccountID, rows, false)
	require.NoError(t, err)

	_, err = engine.AppendMany(ctx, fixture.PLNAccountID, rows, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, 0, domain.IndexOf(err))

	var count int
	require.NoError(t, conn.QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE account_id = ?`, fixture.PLNAccountID).
		Scan(&count))
	assert.Equal(t, 1, count)
}

func TestAppendManyEqualDatesKeepSubmissionOrder(t *testing.T) {
	engine, _, fixture := newTestEngine(t)

	rows := []Row{
		{Date: "2026-02-01", Amount: 10, Description: "first"},
		{Date: "2026-02-01", Amount: -5, Description: "second"},
		{Date: "2026-02-01", Amount: 3, Description: "third"},
	}

	items, err := engine.AppendMany(context.Background(), fixture.PLNAccountID, rows, false)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "first", items[0].Description)
	assert.Equal(t, "second", items[1].Description)
	assert.Equal(t, "third", items[2].Description)

	// sub-second offsets make the stored dates strictly increasing
	assert.Less(t, items[0].Date, items[1].Date)
	assert.Less(t, items[1].Date, items[2].Date)

	listed, err := engine.ListByAccount(context.Background(), fixture.PLNAccountID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "third", listed[0].Description)
}

func TestAppendManyGainHints(t *testing.T) {
	engine, conn, fixture := newTestEngine(t)
	ctx := context.Background()

	rows := []Row{
		{Date: "2026-02-01", Amount: 12.34, Description: "quarterly interest", CapitalGainKind: "deposit-interest"},
		{Date: "2026-02-02", Amount: 0, Description: "zero adjustment", CapitalGainKind: "deposit-interest"},
	}
	items, err := engine.AppendMany(ctx, fixture.PLNAccountID, rows, false)
	require.NoError(t, err)

	gainsRepo := gains.NewRepository(conn, zerolog.Nop())
	recorded, err := gainsRepo.ListByAccount(ctx, fixture.PLNAccountID, 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1, "zero amounts must not produce gains")
	assert.Equal(t, domain.GainDepositInterest, recorded[0].Kind)
	assert.InDelta(t, 12.34, recorded[0].Amount, 0.001)
	assert.Equal(t, "PLN", recorded[0].Currency)
	require.NotNil(t, recorded[0].TransactionID)
	assert.Equal(t, items[0].ID, *recorded[0].TransactionID)

	// only interest and dividend hints are accepted here
	_, err = engine.AppendMany(ctx, fixture.PLNAccountID, []Row{
		{Date: "2026-02-03", Amount: 5, Description: "x", CapitalGainKind: "broker-realized-pnl"},
	}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestAppendManyInputValidation(t *testing.T) {
	engine, _, fixture := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AppendMany(ctx, fixture.PLNAccountID, nil, false)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = engine.AppendMany(ctx, fixture.PLNAccountID,
		[]Row{{Date: "not a date", Amount: 1}}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Equal(t, 0, domain.IndexOf(err))

	_, err = engine.AppendMany(ctx, uuid.NewString(),
		[]Row{{Date: "2026-02-01", Amount: 1}}, false)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
