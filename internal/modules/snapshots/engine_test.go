package snapshots

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/finledger/internal/clients/stockdata"
	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/modules/assets"
	"github.com/finledger/finledger/internal/modules/brokerage"
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

func newTestEngine(t *testing.T) (*Engine, *sql.DB, testhelpers.WalletFixture, *stubQuotes) {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "wallet")
	t.Cleanup(cleanup)

	conn := db.Conn()
	fixture := testhelpers.SeedWalletFixture(t, conn)

	quotes := &stubQuotes{quotes: map[string]stockdata.SymbolQuote{}}
	engine := NewEngine(
		NewRepository(conn, zerolog.Nop()),
		wallets.NewRepository(conn, zerolog.Nop()),
		brokerage.NewHoldingRepository(conn, zerolog.Nop()),
		assets.NewRepository(conn, zerolog.Nop()),
		quotes,
		zerolog.Nop())
	return engine, conn, fixture, quotes
}

func TestCreateMonthly(t *testing.T) {
	engine, conn, fixture, quotes := newTestEngine(t)
	ctx := context.Background()

	testhelpers.SetBalance(t, conn, fixture.PLNAccountID, 2500)
	testhelpers.SetBalance(t, conn, fixture.USDAccountID, 480)

	holdingsRepo := brokerage.NewHoldingRepository(conn, zerolog.Nop())
	require.NoError(t, holdingsRepo.UpsertTx(ctx, conn, &brokerage.Holding{
		BrokerageAccountID: fixture.BrokerageAccountID,
		InstrumentID:       42,
		Symbol:             "AAPL",
		Quantity:           10,
		AvgCost:            100,
		Currency:           "USD",
	}))

	assetsRepo := assets.NewRepository(conn, zerolog.Nop())
	metal := &assets.MetalHolding{
		WalletID: fixture.WalletID,
		Metal:    domain.MetalGold,
		Grams:    2 * domain.GramsPerTroyOunce,
		Currency: "PLN",
	}
	require.NoError(t, assetsRepo.AddMetal(ctx, metal))

	estate := &assets.RealEstate{
		WalletID: fixture.WalletID,
		Name:     "Mokotow flat",
		Country:  "PL",
		City:     "Warsaw",
		AreaSqm:  50,
		Currency: "PLN",
	}
	require.NoError(t, assetsRepo.AddRealEstate(ctx, estate))
	require.NoError(t, assetsRepo.UpsertPropertyPrice(ctx, &assets.PropertyPrice{
		Country: "PL", City: "Warsaw", PricePerSqm: 16000, Currency: "PLN", Quarter: "2024-Q2",
	}))

	quotes.quotes["AAPL"] = stockdata.SymbolQuote{Price: 150, Currency: "USD"}
	quotes.quotes["GC=F"] = stockdata.SymbolQuote{Price: 2400, Currency: "USD"}

	fx := map[string]float64{"USD/PLN": 4.0, "EUR/PLN": 4.5}
	result, err := engine.CreateMonthly(ctx, fixture.UserID, "2024-08", fx)
	require.NoError(t, err)

	assert.Equal(t, "2024-08", result.MonthKey)
	assert.Equal(t, 2, result.DepositAccounts)
	assert.Equal(t, 1, result.BrokerageAccounts)
	assert.Equal(t, 1, result.Metals)
	assert.Equal(t, 1, result.RealEstates)

	fxSnap, err := engine.repo.GetFX(ctx, "2024-08")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, fxSnap.Rates["USD/PLN"], 1e-9)

	deposits, err := engine.repo.DepositsForUser(ctx, fixture.UserID, "2024-08")
	require.NoError(t, err)
	require.Len(t, deposits, 2)
	byAccount := map[string]DepositSnapshot{}
	for _, d := range deposits {
		byAccount[d.AccountID] = d
	}
	assert.InDelta(t, 2500, byAccount[fixture.PLNAccountID].Available, 1e-9)
	assert.InDelta(t, 480, byAccount[fixture.USDAccountID].Available, 1e-9)

	brokerages, err := engine.repo.BrokeragesForUser(ctx, fixture.UserID, "2024-08")
	require.NoError(t, err)
	require.Len(t, brokerages, 1)
	assert.InDelta(t, 480, brokerages[0].Positions.Cash["USD"], 1e-9)
	assert.InDelta(t, 1500, brokerages[0].Positions.Stocks["USD"], 1e-9)

	metals, err := engine.repo.MetalsForUser(ctx, fixture.UserID, "2024-08")
	require.NoError(t, err)
	require.Len(t, metals, 1)
	assert.Equal(t, metal.ID, metals[0].HoldingID)
	assert.InDelta(t, 4800, metals[0].Value, 1e-9, "2 troy oz at 2400")
	assert.Equal(t, "USD", metals[0].Currency)

	estates, err := engine.repo.EstatesForUser(ctx, fixture.UserID, "2024-08")
	require.NoError(t, err)
	require.Len(t, estates, 1)
	assert.InDelta(t, 800000, estates[0].Value, 1e-9)
	assert.Equal(t, "PLN", estates[0].Currency)
}

func TestCreateMonthlyIdempotent(t *testing.T) {
	engine, conn, fixture, _ := newTestEngine(t)
	ctx := context.Background()

	testhelpers.SetBalance(t, conn, fixture.PLNAccountID, 1000)
	_, err := engine.CreateMonthly(ctx, fixture.UserID, "2024-08", map[string]float64{"USD/PLN": 4.0})
	require.NoError(t, err)

	// same month again after the balance moved: rows overwrite, never pile up
	testhelpers.SetBalance(t, conn, fixture.PLNAccountID, 1750)
	_, err = engine.CreateMonthly(ctx, fixture.UserID, "2024-08", map[string]float64{"USD/PLN": 4.1})
	require.NoError(t, err)

	var count int
	require.NoError(t, conn.QueryRow(
		`SELECT COUNT(*) FROM deposit_account_monthly_snapshots WHERE month_key = '2024-08'`).Scan(&count))
	assert.Equal(t, 2, count, "one row per account per month")

	deposits, err := engine.repo.DepositsForUser(ctx, fixture.UserID, "2024-08")
	require.NoError(t, err)
	for _, d := range deposits {
		if d.AccountID == fixture.PLNAccountID {
			assert.InDelta(t, 1750, d.Available, 1e-9)
		}
	}

	require.NoError(t, conn.QueryRow(
		`SELECT COUNT(*) FROM fx_monthly_snapshots`).Scan(&count))
	assert.Equal(t, 1, count)

	fxSnap, err := engine.repo.GetFX(ctx, "2024-08")
	require.NoError(t, err)
	assert.InDelta(t, 4.1, fxSnap.Rates["USD/PLN"], 1e-9)
}

func TestCreateMonthlySkipsUnquotedAssets(t *testing.T) {
	engine, conn, fixture, quotes := newTestEngine(t)
	ctx := context.Background()

	holdingsRepo := brokerage.NewHoldingRepository(conn, zerolog.Nop())
	require.NoError(t, holdingsRepo.UpsertTx(ctx, conn, &brokerage.Holding{
		BrokerageAccountID: fixture.BrokerageAccountID,
		InstrumentID:       42, Symbol: "AAPL", Quantity: 10, AvgCost: 100, Currency: "USD",
	}))
	require.NoError(t, holdingsRepo.UpsertTx(ctx, conn, &brokerage.Holding{
		BrokerageAccountID: fixture.BrokerageAccountID,
		InstrumentID:       43, Symbol: "MSFT", Quantity: 5, AvgCost: 300, Currency: "USD",
	}))

	assetsRepo := assets.NewRepository(conn, zerolog.Nop())
	require.NoError(t, assetsRepo.AddMetal(ctx, &assets.MetalHolding{
		WalletID: fixture.WalletID, Metal: domain.MetalPlatinum, Grams: 100, Currency: "PLN",
	}))
	require.NoError(t, assetsRepo.AddRealEstate(ctx, &assets.RealEstate{
		WalletID: fixture.WalletID, Name: "Berlin flat", Country: "DE", City: "Berlin",
		AreaSqm: 40, Currency: "EUR",
	}))

	// only AAPL has a quote; PL=F and the property table stay empty
	quotes.quotes["AAPL"] = stockdata.SymbolQuote{Price: 150, Currency: "USD"}

	result, err := engine.CreateMonthly(ctx, fixture.UserID, "2024-08", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.BrokerageAccounts)
	assert.Equal(t, 0, result.Metals, "unquoted metals are skipped, not guessed")
	assert.Equal(t, 0, result.RealEstates, "unpriced estates are skipped")

	brokerages, err := engine.repo.BrokeragesForUser(ctx, fixture.UserID, "2024-08")
	require.NoError(t, err)
	require.Len(t, brokerages, 1)
	assert.InDelta(t, 1500, brokerages[0].Positions.Stocks["USD"], 1e-9,
		"only the quoted symbol contributes")
}

func TestCreateMonthlyValidation(t *testing.T) {
	engine, _, fixture, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateMonthly(ctx, fixture.UserID, "August 2024", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = engine.CreateMonthly(ctx, fixture.UserID, "2024-13", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
