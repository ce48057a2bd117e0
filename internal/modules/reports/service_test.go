package reports

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/finledger/internal/clients/stockdata"
	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/modules/assets"
	"github.com/finledger/finledger/internal/modules/brokerage"
	"github.com/finledger/finledger/internal/modules/gains"
	"github.com/finledger/finledger/internal/modules/snapshots"
	"github.com/finledger/finledger/internal/modules/transactions"
	"github.com/finledger/finledger/internal/modules/wallets"
	testhelpers "github.com/finledger/finledger/internal/testing"
)

type stubQuotes struct {
	quotes map[string]stockdata.SymbolQuote
}

func (s *stubQuotes) LatestForSymbols(_ context.Context, symbols []string) map[string]stockdata.SymbolQuote {
	out := map[string]stockdata.SymbolQuote{}
	for _, symbol := range symbols {
		if q, ok := s.quotes[symbol]; ok {
			out[symbol] = q
		}
	}
	return out
}

type testEnv struct {
	service  *Service
	conn     *sql.DB
	fixture  testhelpers.WalletFixture
	quotes   *stubQuotes
	holdings *brokerage.HoldingRepository
	assets   *assets.Repository
	snaps    *snapshots.Repository
	txns     *transactions.Engine
}

func newTestService(t *testing.T) testEnv {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "wallet")
	t.Cleanup(cleanup)

	conn := db.Conn()
	fixture := testhelpers.SeedWalletFixture(t, conn)

	walletsRepo := wallets.NewRepository(conn, zerolog.Nop())
	holdingsRepo := brokerage.NewHoldingRepository(conn, zerolog.Nop())
	assetsRepo := assets.NewRepository(conn, zerolog.Nop())
	snapsRepo := snapshots.NewRepository(conn, zerolog.Nop())
	txnEngine := transactions.NewEngine(conn, walletsRepo, gains.NewRepository(conn, zerolog.Nop()), zerolog.Nop())
	quotes := &stubQuotes{quotes: map[string]stockdata.SymbolQuote{}}

	service := NewService(walletsRepo, holdingsRepo, assetsRepo, snapsRepo, txnEngine, quotes, "PLN", zerolog.Nop())
	return testEnv{
		service:  service,
		conn:     conn,
		fixture:  fixture,
		quotes:   quotes,
		holdings: holdingsRepo,
		assets:   assetsRepo,
		snaps:    snapsRepo,
		txns:     txnEngine,
	}
}

func TestBuildTreeLiveValuation(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	year := time.Now().UTC().Year()

	// Current-year ledger rows drive both the PLN balance and YTD flows.
	_, err := env.txns.AppendMany(ctx, env.fixture.PLNAccountID, []transactions.Row{
		{Date: fmt.Sprintf("%d-03-10", year), Amount: 3000, Description: "salary"},
		{Date: fmt.Sprintf("%d-03-28", year), Amount: -1200, Description: "rent"},
	}, false)
	require.NoError(t, err)
	testhelpers.SetBalance(t, env.conn, env.fixture.USDAccountID, 480)

	require.NoError(t, env.holdings.UpsertTx(ctx, env.conn, &brokerage.Holding{
		BrokerageAccountID: env.fixture.BrokerageAccountID,
		InstrumentID:       42,
		Symbol:             "AAPL",
		Quantity:           10,
		AvgCost:            100,
		Currency:           "USD",
	}))

	require.NoError(t, env.assets.AddMetal(ctx, &assets.MetalHolding{
		WalletID: env.fixture.WalletID,
		Metal:    domain.MetalGold,
		Grams:    2 * domain.GramsPerTroyOunce,
		Currency: "PLN",
	}))
	require.NoError(t, env.assets.AddRealEstate(ctx, &assets.RealEstate{
		WalletID: env.fixture.WalletID,
		Name:     "Mokotow flat",
		Country:  "PL",
		City:     "Warsaw",
		AreaSqm:  50,
		Currency: "PLN",
	}))
	require.NoError(t, env.assets.UpsertPropertyPrice(ctx, &assets.PropertyPrice{
		Country: "PL", City: "Warsaw", PricePerSqm: 16000, Currency: "PLN", Quarter: "2024-Q2",
	}))

	env.quotes.quotes["AAPL"] = stockdata.SymbolQuote{Price: 150, Currency: "USD"}
	env.quotes.quotes["GC=F"] = stockdata.SymbolQuote{Price: 2400, Currency: "USD"}

	rates := map[string]float64{"USD/PLN": 4.0}
	tree, err := env.service.BuildTree(ctx, env.fixture.UserID, TreeInput{Rates: rates})
	require.NoError(t, err)

	assert.Equal(t, "PLN", tree.ViewCurrency)
	require.Len(t, tree.Wallets, 1)
	node := tree.Wallets[0]

	assert.Equal(t, env.fixture.WalletID, node.WalletID)
	assert.Equal(t, "Main", node.Name)
	assert.InDelta(t, 1800, node.Deposits["PLN"], 1e-9)
	assert.InDelta(t, 480, node.Deposits["USD"], 1e-9)
	assert.InDelta(t, 480, node.BrokerageCash["USD"], 1e-9)
	assert.InDelta(t, 1500, node.Stocks["USD"], 1e-9)
	// 2 troy oz at 2400 USD, converted at 4.0
	assert.InDelta(t, 19200, node.MetalsValue, 1e-9)
	assert.InDelta(t, 800000, node.EstatesValue, 1e-9)

	// deposits + stocks + metals + estates; linked cash counts once
	wantTotal := 1800.0 + 480*4 + 1500*4 + 19200 + 800000
	assert.InDelta(t, wantTotal, node.Total, 1e-9)
	assert.InDelta(t, wantTotal, tree.NetWorth, 1e-9)

	require.Len(t, tree.TopGainers, 1)
	assert.Equal(t, "AAPL", tree.TopGainers[0].Symbol)
	assert.InDelta(t, 500, tree.TopGainers[0].PnL, 1e-9)
	assert.InDelta(t, 0.5, tree.TopGainers[0].PnLPct, 1e-9)
	require.Len(t, tree.TopLosers, 1)
	assert.Equal(t, "AAPL", tree.TopLosers[0].Symbol)

	assert.Equal(t, year, tree.YTD.Year)
	flows := tree.YTD.ByCurrency["PLN"]
	assert.InDelta(t, 3000, flows.Income, 1e-9)
	assert.InDelta(t, 1200, flows.Expense, 1e-9)

	assert.Empty(t, tree.History)
	assert.Nil(t, tree.Stats)

	// Same portfolio viewed in USD uses the inverse rate for PLN amounts.
	usdTree, err := env.service.BuildTree(ctx, env.fixture.UserID, TreeInput{
		Rates:        rates,
		ViewCurrency: "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", usdTree.ViewCurrency)
	wantUSD := 1800.0/4 + 480 + 1500 + 4800 + 200000
	assert.InDelta(t, wantUSD, usdTree.NetWorth, 1e-9)
}

func TestBuildTreeMoversOrdering(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	seed := []brokerage.Holding{
		{BrokerageAccountID: env.fixture.BrokerageAccountID, InstrumentID: 1, Symbol: "AAPL", Quantity: 10, AvgCost: 100, Currency: "USD"},
		{BrokerageAccountID: env.fixture.BrokerageAccountID, InstrumentID: 2, Symbol: "MSFT", Quantity: 5, AvgCost: 200, Currency: "USD"},
		{BrokerageAccountID: env.fixture.BrokerageAccountID, InstrumentID: 3, Symbol: "NVDA", Quantity: 2, AvgCost: 500, Currency: "USD"},
		{BrokerageAccountID: env.fixture.BrokerageAccountID, InstrumentID: 4, Symbol: "TSLA", Quantity: 1, AvgCost: 300, Currency: "USD"},
	}
	for i := range seed {
		require.NoError(t, env.holdings.UpsertTx(ctx, env.conn, &seed[i]))
	}

	env.quotes.quotes["AAPL"] = stockdata.SymbolQuote{Price: 150, Currency: "USD"} // +50%
	env.quotes.quotes["MSFT"] = stockdata.SymbolQuote{Price: 160, Currency: "USD"} // -20%
	env.quotes.quotes["NVDA"] = stockdata.SymbolQuote{Price: 550, Currency: "USD"} // +10%
	// TSLA has no quote and stays out of the ranking.

	tree, err := env.service.BuildTree(ctx, env.fixture.UserID, TreeInput{
		Rates: map[string]float64{"USD/PLN": 4.0},
	})
	require.NoError(t, err)

	gainers := make([]string, 0, len(tree.TopGainers))
	for _, m := range tree.TopGainers {
		gainers = append(gainers, m.Symbol)
	}
	assert.Equal(t, []string{"AAPL", "NVDA", "MSFT"}, gainers)

	losers := make([]string, 0, len(tree.TopLosers))
	for _, m := range tree.TopLosers {
		losers = append(losers, m.Symbol)
	}
	assert.Equal(t, []string{"MSFT", "NVDA", "AAPL"}, losers)

	assert.InDelta(t, 500, tree.TopGainers[0].PnL, 1e-9)
	assert.InDelta(t, -200, tree.TopLosers[0].PnL, 1e-9)
	assert.InDelta(t, -0.2, tree.TopLosers[0].PnLPct, 1e-9)
}

func TestBuildTreeHistoryUsesStoredFX(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	anchor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	months := []string{
		domain.MonthKey(anchor.AddDate(0, -2, 0)),
		domain.MonthKey(anchor.AddDate(0, -1, 0)),
		domain.MonthKey(anchor),
	}
	values := []float64{250, 275, 302.5}

	for i, monthKey := range months {
		require.NoError(t, env.snaps.UpsertFX(ctx, monthKey, map[string]float64{"USD/PLN": 4.0}))
		require.NoError(t, env.snaps.UpsertDeposit(ctx, snapshots.DepositSnapshot{
			AccountID: env.fixture.USDAccountID,
			MonthKey:  monthKey,
			Currency:  "USD",
			Available: values[i],
		}))
		// Brokerage cash mirrors a linked deposit and must not count twice.
		require.NoError(t, env.snaps.UpsertBrokerage(ctx, snapshots.BrokerageSnapshot{
			AccountID: env.fixture.BrokerageAccountID,
			MonthKey:  monthKey,
			Positions: snapshots.PositionsBreakdown{Cash: map[string]float64{"USD": 9999}},
		}))
	}

	// The live rate deliberately disagrees with the stored snapshots.
	tree, err := env.service.BuildTree(ctx, env.fixture.UserID, TreeInput{
		Months: 5,
		Rates:  map[string]float64{"USD/PLN": 8.0},
	})
	require.NoError(t, err)

	// Two requested months have no FX snapshot and are omitted.
	require.Len(t, tree.History, 3)
	for i, month := range tree.History {
		assert.Equal(t, months[i], month.MonthKey)
		assert.InDelta(t, values[i]*4.0, month.NetWorth, 1e-9)
	}

	require.NotNil(t, tree.Stats)
	assert.Equal(t, 2, tree.Stats.Observations)
	assert.InDelta(t, 0.1, tree.Stats.MeanMonthlyReturn, 1e-9)
	assert.InDelta(t, 0, tree.Stats.StdDevMonthlyReturn, 1e-9)
	assert.InDelta(t, 0, tree.Stats.AnnualizedVolatility, 1e-9)
}

func TestBuildTreeSkipsUnconvertible(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	testhelpers.SetBalance(t, env.conn, env.fixture.PLNAccountID, 100)
	testhelpers.SetBalance(t, env.conn, env.fixture.USDAccountID, 480)

	tree, err := env.service.BuildTree(ctx, env.fixture.UserID, TreeInput{})
	require.NoError(t, err)

	require.Len(t, tree.Wallets, 1)
	node := tree.Wallets[0]
	// USD shows up raw but has no FX path into PLN.
	assert.InDelta(t, 480, node.Deposits["USD"], 1e-9)
	assert.InDelta(t, 100, node.Total, 1e-9)
	assert.InDelta(t, 100, tree.NetWorth, 1e-9)
}

func TestBuildTreeValidation(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.service.BuildTree(ctx, env.fixture.UserID, TreeInput{Months: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.service.BuildTree(ctx, env.fixture.UserID, TreeInput{Months: maxHistoryMonths + 1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.service.BuildTree(ctx, env.fixture.UserID, TreeInput{ViewCurrency: "ZLOTY"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuildTreeUnknownUser(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	tree, err := env.service.BuildTree(ctx, "00000000-0000-0000-0000-000000000000", TreeInput{})
	require.NoError(t, err)
	assert.Empty(t, tree.Wallets)
	assert.Zero(t, tree.NetWorth)
	assert.Empty(t, tree.YTD.ByCurrency)
}
