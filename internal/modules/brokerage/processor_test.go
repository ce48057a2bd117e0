package brokerage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/finledger/internal/clients/stockdata"
	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/metrics"
	"github.com/finledger/finledger/internal/modules/gains"
	"github.com/finledger/finledger/internal/modules/transactions"
	"github.com/finledger/finledger/internal/modules/wallets"
	testhelpers "github.com/finledger/finledger/internal/testing"
)

type stubResolver struct {
	err   error
	calls int
}

func (s *stubResolver) ResolveInstrument(_ context.Context, req stockdata.ResolveRequest) (*stockdata.Instrument, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &stockdata.Instrument{
		ID:       42,
		Symbol:   strings.ToUpper(req.Symbol),
		Currency: req.Currency,
	}, nil
}

func newTestProcessor(t *testing.T) (*Processor, *sql.DB, testhelpers.WalletFixture, *stubResolver) {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "wallet")
	t.Cleanup(cleanup)

	conn := db.Conn()
	fixture := testhelpers.SeedWalletFixture(t, conn)

	walletsRepo := wallets.NewRepository(conn, zerolog.Nop())
	gainsRepo := gains.NewRepository(conn, zerolog.Nop())
	resolver := &stubResolver{}

	processor := NewProcessor(conn,
		walletsRepo,
		NewHoldingRepository(conn, zerolog.Nop()),
		NewEventRepository(conn, zerolog.Nop()),
		transactions.NewEngine(conn, walletsRepo, gainsRepo, zerolog.Nop()),
		gainsRepo,
		resolver,
		metrics.New("walletd-test"),
		zerolog.Nop())
	return processor, conn, fixture, resolver
}

func buyInput(symbol string, quantity, price float64, tradeAt string) EventInput {
	return EventInput{
		Symbol:   symbol,
		Kind:     "BUY",
		TradeAt:  tradeAt,
		Quantity: quantity,
		Price:    price,
		Currency: "USD",
	}
}

func eventCount(t *testing.T, db *sql.DB, accountID string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM brokerage_events WHERE brokerage_account_id = ?`, accountID).Scan(&n))
	return n
}

func ledgerCount(t *testing.T, db *sql.DB, accountID string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE account_id = ?`, accountID).Scan(&n))
	return n
}

func usdBalance(t *testing.T, db *sql.DB, fixture testhelpers.WalletFixture) float64 {
	t.Helper()
	var available float64
	require.NoError(t, db.QueryRow(
		`SELECT available FROM account_balances WHERE account_id = ?`, fixture.USDAccountID).Scan(&available))
	return available
}

func TestProcessEventBuy(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()
	testhelpers.SetBalance(t, conn, fixture.USDAccountID, 1000)

	result, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID,
		buyInput("aapl", 10, 100, "2024-03-01"), true)
	require.NoError(t, err)

	require.NotNil(t, result.Holding)
	assert.Equal(t, "AAPL", result.Holding.Symbol)
	assert.Equal(t, int64(42), result.Holding.InstrumentID)
	assert.InDelta(t, 10, result.Holding.Quantity, 1e-9)
	assert.InDelta(t, 100, result.Holding.AvgCost, 1e-9)
	assert.Equal(t, "USD", result.Holding.Currency)

	require.NotNil(t, result.Transaction)
	assert.InDelta(t, -1000, result.Transaction.Amount, 1e-9)
	assert.InDelta(t, 1000, result.Transaction.AmountBefore, 1e-9)
	assert.InDelta(t, 0, result.Transaction.AmountAfter, 1e-9)
	assert.Equal(t, "BUY 10 AAPL @ 100", result.Transaction.Description)
	assert.Nil(t, result.Gain)

	assert.InDelta(t, 0, usdBalance(t, conn, fixture), 1e-9)
}

func TestProcessEventSellRealizesGain(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()
	testhelpers.SetBalance(t, conn, fixture.USDAccountID, 1000)

	_, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID,
		buyInput("AAPL", 10, 100, "2024-03-01"), true)
	require.NoError(t, err)

	result, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID, EventInput{
		Symbol:   "AAPL",
		Kind:     "sell",
		TradeAt:  "2024-03-05",
		Quantity: 4,
		Price:    120,
		Currency: "usd",
	}, true)
	require.NoError(t, err)

	require.NotNil(t, result.Holding)
	assert.InDelta(t, 6, result.Holding.Quantity, 1e-9)
	assert.InDelta(t, 100, result.Holding.AvgCost, 1e-9, "sell must not move the average")

	require.NotNil(t, result.Transaction)
	assert.InDelta(t, 480, result.Transaction.Amount, 1e-9)
	assert.InDelta(t, 480, result.Transaction.AmountAfter, 1e-9)

	require.NotNil(t, result.Gain)
	assert.Equal(t, domain.GainBrokerPnL, result.Gain.Kind)
	assert.InDelta(t, 80, result.Gain.Amount, 1e-9)
	assert.Equal(t, "USD", result.Gain.Currency)
	require.NotNil(t, result.Gain.DepositAccountID)
	assert.Equal(t, fixture.USDAccountID, *result.Gain.DepositAccountID)
	require.NotNil(t, result.Gain.TransactionID)
	assert.Equal(t, result.Transaction.ID, *result.Gain.TransactionID)

	assert.InDelta(t, 480, usdBalance(t, conn, fixture), 1e-9)
}

func TestProcessEventSplit(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID,
		buyInput("AAPL", 10, 100, "2024-03-01"), true)
	require.NoError(t, err)
	rows := ledgerCount(t, conn, fixture.USDAccountID)

	ratio := 2.0
	result, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID, EventInput{
		Symbol:     "AAPL",
		Kind:       "SPLIT",
		TradeAt:    "2024-04-01",
		SplitRatio: &ratio,
		Currency:   "USD",
	}, true)
	require.NoError(t, err)

	require.NotNil(t, result.Holding)
	assert.InDelta(t, 20, result.Holding.Quantity, 1e-9)
	assert.InDelta(t, 50, result.Holding.AvgCost, 1e-9)
	assert.Nil(t, result.Transaction, "splits move no cash")
	assert.Nil(t, result.Gain)
	assert.Equal(t, rows, ledgerCount(t, conn, fixture.USDAccountID))
}

func TestProcessEventDividend(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID,
		buyInput("AAPL", 10, 100, "2024-03-01"), true)
	require.NoError(t, err)
	before := usdBalance(t, conn, fixture)

	result, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID, EventInput{
		Symbol:   "AAPL",
		Kind:     "DIV",
		TradeAt:  "2024-05-10",
		Quantity: 10,
		Price:    1,
		Currency: "USD",
	}, true)
	require.NoError(t, err)

	require.NotNil(t, result.Holding)
	assert.InDelta(t, 10, result.Holding.Quantity, 1e-9)
	assert.InDelta(t, 100, result.Holding.AvgCost, 1e-9)

	require.NotNil(t, result.Transaction)
	assert.InDelta(t, 10, result.Transaction.Amount, 1e-9)
	assert.Equal(t, "DIV AAPL x 1", result.Transaction.Description)
	assert.Nil(t, result.Gain, "cash dividends through the processor are not capital gains")

	assert.InDelta(t, before+10, usdBalance(t, conn, fixture), 1e-9)
}

func TestProcessEventSellAllClosesPosition(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID,
		buyInput("AAPL", 5, 100, "2024-03-01"), true)
	require.NoError(t, err)

	result, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID, EventInput{
		Symbol:   "AAPL",
		Kind:     "SELL",
		TradeAt:  "2024-03-02",
		Quantity: 5,
		Price:    100,
		Currency: "USD",
	}, true)
	require.NoError(t, err)

	assert.Nil(t, result.Holding, "closed positions disappear")
	assert.Nil(t, result.Gain, "selling at cost realizes nothing")

	holdings, err := NewHoldingRepository(conn, zerolog.Nop()).ListByAccount(ctx, fixture.BrokerageAccountID)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestProcessEventDuplicate(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()
	in := buyInput("AAPL", 10, 100, "2024-03-01")

	first, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID, in, true)
	require.NoError(t, err)

	_, err = processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID, in, true)
	require.ErrorIs(t, err, domain.ErrConflict)

	assert.Equal(t, 1, eventCount(t, conn, fixture.BrokerageAccountID))
	holdings, err := NewHoldingRepository(conn, zerolog.Nop()).ListByAccount(ctx, fixture.BrokerageAccountID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.InDelta(t, first.Holding.Quantity, holdings[0].Quantity, 1e-9)
}

func TestProcessEventValidation(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   EventInput
	}{
		{"unknown kind", EventInput{Symbol: "AAPL", Kind: "TRANSFER", TradeAt: "2024-03-01", Quantity: 1, Price: 1, Currency: "USD"}},
		{"bad currency", EventInput{Symbol: "AAPL", Kind: "BUY", TradeAt: "2024-03-01", Quantity: 1, Price: 1, Currency: "DOLLARS"}},
		{"bad trade time", EventInput{Symbol: "AAPL", Kind: "BUY", TradeAt: "yesterday", Quantity: 1, Price: 1, Currency: "USD"}},
		{"empty symbol", EventInput{Symbol: "  ", Kind: "BUY", TradeAt: "2024-03-01", Quantity: 1, Price: 1, Currency: "USD"}},
		{"oversell", EventInput{Symbol: "AAPL", Kind: "SELL", TradeAt: "2024-03-01", Quantity: 1, Price: 1, Currency: "USD"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID, tt.in, true)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	assert.Equal(t, 0, eventCount(t, conn, fixture.BrokerageAccountID))

	_, err := processor.ProcessEvent(ctx, "2c57b4f1-9f1c-4f55-a196-3a8a24c0b109", fixture.BrokerageAccountID,
		buyInput("AAPL", 1, 1, "2024-03-01"), true)
	assert.ErrorIs(t, err, domain.ErrNotFound, "foreign accounts look absent")
}

func TestProcessEventMissingLinkRollsBack(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	// the fixture only links USD, so a EUR cash effect has nowhere to go
	in := buyInput("SAP", 10, 100, "2024-03-01")
	in.Currency = "EUR"

	_, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID, in, true)
	require.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, 0, eventCount(t, conn, fixture.BrokerageAccountID))
	holdings, err := NewHoldingRepository(conn, zerolog.Nop()).ListByAccount(ctx, fixture.BrokerageAccountID)
	require.NoError(t, err)
	assert.Empty(t, holdings, "the aborted transaction must take the holding with it")
}

func TestProcessEventResolverFailure(t *testing.T) {
	processor, conn, fixture, resolver := newTestProcessor(t)
	ctx := context.Background()
	resolver.err = fmt.Errorf("stock service returned status 502: %w", domain.ErrUpstream)

	_, err := processor.ProcessEvent(ctx, fixture.UserID, fixture.BrokerageAccountID,
		buyInput("AAPL", 10, 100, "2024-03-01"), true)
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, 0, eventCount(t, conn, fixture.BrokerageAccountID))
}

func TestImportEvents(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()
	testhelpers.SetBalance(t, conn, fixture.USDAccountID, 5000)

	result, err := processor.ImportEvents(ctx, fixture.UserID, fixture.BrokerageAccountID, []EventInput{
		buyInput("AAPL", 10, 100, "2024-01-02"),
		buyInput("AAPL", 5, 50, "2024-01-15"),
		{Symbol: "AAPL", Kind: "SELL", TradeAt: "2024-02-01", Quantity: 3, Price: 110, Currency: "USD"},
		{Symbol: "AAPL", Kind: "SELL", TradeAt: "2024-02-10", Quantity: 100, Price: 100, Currency: "USD"},
		{Symbol: "AAPL", Kind: "DIV", TradeAt: "2024-03-01", Quantity: 12, Price: 0.5, Currency: "USD"},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Created)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 3, result.Errors[0].Index)
	assert.Contains(t, result.Errors[0].Message, "exceeds holding")

	// imports never touch the ledger or the balance
	assert.Equal(t, 0, ledgerCount(t, conn, fixture.USDAccountID))
	assert.InDelta(t, 5000, usdBalance(t, conn, fixture), 1e-9)

	holdings, err := NewHoldingRepository(conn, zerolog.Nop()).ListByAccount(ctx, fixture.BrokerageAccountID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.InDelta(t, 12, holdings[0].Quantity, 1e-9)
	assert.InDelta(t, 83.33, holdings[0].AvgCost, 1e-9)

	// the sell's realized gain is still recorded, without a ledger link
	gainRows, err := gains.NewRepository(conn, zerolog.Nop()).ListByAccount(ctx, fixture.USDAccountID, 0)
	require.NoError(t, err)
	require.Len(t, gainRows, 1)
	assert.Equal(t, domain.GainBrokerPnL, gainRows[0].Kind)
	assert.InDelta(t, 80.01, gainRows[0].Amount, 1e-9)
	assert.Nil(t, gainRows[0].TransactionID)
}

func TestImportEventsUnknownAccount(t *testing.T) {
	processor, _, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ImportEvents(ctx, fixture.UserID, "b3b9a5c7-28e3-4c6f-9df0-6a2f90f0c111",
		[]EventInput{buyInput("AAPL", 1, 1, "2024-03-01")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = processor.ImportEvents(ctx, fixture.UserID, fixture.BrokerageAccountID, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeleteEventRebuildsHolding(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ImportEvents(ctx, fixture.UserID, fixture.BrokerageAccountID, []EventInput{
		buyInput("AAPL", 10, 100, "2024-01-02"),
		buyInput("AAPL", 10, 200, "2024-02-02"),
	})
	require.NoError(t, err)

	eventsRepo := NewEventRepository(conn, zerolog.Nop())
	list, err := eventsRepo.List(ctx, EventFilter{UserID: fixture.UserID})
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	latest := list.Items[0] // newest first

	holding, err := processor.DeleteEvent(ctx, fixture.UserID, latest.ID)
	require.NoError(t, err)
	require.NotNil(t, holding)
	assert.InDelta(t, 10, holding.Quantity, 1e-9)
	assert.InDelta(t, 100, holding.AvgCost, 1e-9)

	// removing the last event closes the position entirely
	holding, err = processor.DeleteEvent(ctx, fixture.UserID, list.Items[1].ID)
	require.NoError(t, err)
	assert.Nil(t, holding)

	holdings, err := NewHoldingRepository(conn, zerolog.Nop()).ListByAccount(ctx, fixture.BrokerageAccountID)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestDeleteEventOwnership(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ImportEvents(ctx, fixture.UserID, fixture.BrokerageAccountID,
		[]EventInput{buyInput("AAPL", 10, 100, "2024-01-02")})
	require.NoError(t, err)

	list, err := NewEventRepository(conn, zerolog.Nop()).List(ctx, EventFilter{UserID: fixture.UserID})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	_, err = processor.DeleteEvent(ctx, "5b7a1f40-89ab-4a9a-9e1e-3f2f4ce80001", list.Items[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPatchEventsRebuild(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ImportEvents(ctx, fixture.UserID, fixture.BrokerageAccountID, []EventInput{
		buyInput("AAPL", 10, 100, "2024-01-02"),
		{Symbol: "AAPL", Kind: "SELL", TradeAt: "2024-02-01", Quantity: 4, Price: 120, Currency: "USD"},
	})
	require.NoError(t, err)

	eventsRepo := NewEventRepository(conn, zerolog.Nop())
	list, err := eventsRepo.List(ctx, EventFilter{UserID: fixture.UserID, Kind: "SELL"})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	smaller := 2.0
	result, err := processor.PatchEvents(ctx, fixture.UserID, []EventPatch{
		{ID: list.Items[0].ID, Quantity: &smaller},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Patched)
	require.Len(t, result.Holdings, 1)
	assert.InDelta(t, 8, result.Holdings[0].Quantity, 1e-9)
	assert.InDelta(t, 100, result.Holdings[0].AvgCost, 1e-9)
}

func TestPatchEventsInvalidReplayRollsBack(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ImportEvents(ctx, fixture.UserID, fixture.BrokerageAccountID, []EventInput{
		buyInput("AAPL", 10, 100, "2024-01-02"),
		{Symbol: "AAPL", Kind: "SELL", TradeAt: "2024-02-01", Quantity: 10, Price: 100, Currency: "USD"},
	})
	require.NoError(t, err)

	eventsRepo := NewEventRepository(conn, zerolog.Nop())
	list, err := eventsRepo.List(ctx, EventFilter{UserID: fixture.UserID, Kind: "BUY"})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	// shrinking the buy makes the later sell impossible
	smaller := 5.0
	_, err = processor.PatchEvents(ctx, fixture.UserID, []EventPatch{
		{ID: list.Items[0].ID, Quantity: &smaller},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	list, err = eventsRepo.List(ctx, EventFilter{UserID: fixture.UserID, Kind: "BUY"})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.InDelta(t, 10, list.Items[0].Quantity, 1e-9, "failed patches leave the event untouched")

	_, err = processor.PatchEvents(ctx, fixture.UserID, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEventListFiltersAndSums(t *testing.T) {
	processor, conn, fixture, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := processor.ImportEvents(ctx, fixture.UserID, fixture.BrokerageAccountID, []EventInput{
		buyInput("AAPL", 10, 100, "2024-01-02"),
		buyInput("MSFT", 5, 200, "2024-01-03"),
		{Symbol: "AAPL", Kind: "SELL", TradeAt: "2024-02-01", Quantity: 4, Price: 120, Currency: "USD"},
		{Symbol: "AAPL", Kind: "DIV", TradeAt: "2024-03-01", Quantity: 6, Price: 1, Currency: "USD"},
	})
	require.NoError(t, err)

	eventsRepo := NewEventRepository(conn, zerolog.Nop())

	list, err := eventsRepo.List(ctx, EventFilter{UserID: fixture.UserID})
	require.NoError(t, err)
	assert.Equal(t, 4, list.Total)
	require.Len(t, list.Items, 4)
	assert.Equal(t, "DIV", string(list.Items[0].Kind), "newest first")
	assert.Equal(t, "Broker", list.Items[0].AccountName)

	sums, ok := list.Sums["USD"]
	require.True(t, ok)
	assert.InDelta(t, 2000, sums.Invested, 1e-9)  // 10*100 + 5*200
	assert.InDelta(t, 480, sums.Divested, 1e-9)   // 4*120
	assert.InDelta(t, 6, sums.Dividends, 1e-9)    // 6*1
	assert.InDelta(t, -1514, sums.Net, 1e-9)      // 480 + 6 - 2000

	filtered, err := eventsRepo.List(ctx, EventFilter{UserID: fixture.UserID, Query: "msft"})
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.Total)

	paged, err := eventsRepo.List(ctx, EventFilter{UserID: fixture.UserID, Page: 2, Size: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, paged.Total)
	assert.Len(t, paged.Items, 1)

	ranged, err := eventsRepo.List(ctx, EventFilter{
		UserID:   fixture.UserID,
		DateFrom: "2024-01-03",
		DateTo:   "2024-02-01",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ranged.Total)

	// other users see nothing
	foreign, err := eventsRepo.List(ctx, EventFilter{UserID: "11f0a5c7-28e3-4c6f-9df0-6a2f90f0c222"})
	require.NoError(t, err)
	assert.Equal(t, 0, foreign.Total)
	assert.Empty(t, foreign.Sums)
}
