package snapshots

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/clients/stockdata"
	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/modules/assets"
	"github.com/finledger/finledger/internal/modules/brokerage"
	"github.com/finledger/finledger/internal/modules/wallets"
)

// QuoteSource supplies latest prices for symbols. Lookups degrade: a
// failing source yields an empty map and the affected rows are skipped,
// never guessed.
type QuoteSource interface {
	LatestForSymbols(ctx context.Context, symbols []string) map[string]stockdata.SymbolQuote
}

// Engine values a user's assets for one month and upserts the rows.
// Runs are idempotent: every write lands on an (entity, month-key) slot.
type Engine struct {
	repo     *Repository
	wallets  *wallets.Repository
	holdings *brokerage.HoldingRepository
	assets   *assets.Repository
	quotes   QuoteSource
	log      zerolog.Logger
}

// NewEngine creates a snapshot engine.
func NewEngine(
	repo *Repository,
	walletsRepo *wallets.Repository,
	holdingsRepo *brokerage.HoldingRepository,
	assetsRepo *assets.Repository,
	quotes QuoteSource,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		repo:     repo,
		wallets:  walletsRepo,
		holdings: holdingsRepo,
		assets:   assetsRepo,
		quotes:   quotes,
		log:      log.With().Str("service", "snapshots").Logger(),
	}
}

// Result counts the rows each section wrote.
type Result struct {
	MonthKey          string `json:"month_key"`
	DepositAccounts   int    `json:"deposit_accounts"`
	BrokerageAccounts int    `json:"brokerage_accounts"`
	Metals            int    `json:"metals"`
	RealEstates       int    `json:"real_estates"`
}

// CreateMonthly snapshots everything the user holds under monthKey:
// the FX map as submitted, deposit balances, brokerage cash and stock
// value by currency, metal values from futures quotes, and real-estate
// values from the reference price table.
func (e *Engine) CreateMonthly(ctx context.Context, userID, monthKey string, fxRates map[string]float64) (*Result, error) {
	if !domain.ValidMonthKey(monthKey) {
		return nil, domain.Validationf("invalid month key %q", monthKey)
	}

	if err := e.repo.UpsertFX(ctx, monthKey, fxRates); err != nil {
		return nil, err
	}

	result := &Result{MonthKey: monthKey}

	userWallets, err := e.wallets.ListWalletsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, wallet := range userWallets {
		if err := e.snapshotDeposits(ctx, wallet.ID, monthKey, result); err != nil {
			return nil, err
		}
		if err := e.snapshotBrokerages(ctx, wallet.ID, monthKey, result); err != nil {
			return nil, err
		}
	}

	if err := e.snapshotMetals(ctx, userID, monthKey, result); err != nil {
		return nil, err
	}
	if err := e.snapshotEstates(ctx, userID, monthKey, result); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("user_id", userID).
		Str("month_key", monthKey).
		Int("deposits", result.DepositAccounts).
		Int("brokerages", result.BrokerageAccounts).
		Int("metals", result.Metals).
		Int("estates", result.RealEstates).
		Msg("Monthly snapshot written")
	return result, nil
}

func (e *Engine) snapshotDeposits(ctx context.Context, walletID, monthKey string, result *Result) error {
	accounts, err := e.wallets.ListDepositAccounts(ctx, walletID)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		available := 0.0
		if account.Balance != nil {
			available = account.Balance.Available
		}
		err := e.repo.UpsertDeposit(ctx, DepositSnapshot{
			AccountID: account.ID,
			MonthKey:  monthKey,
			Currency:  account.Currency,
			Available: available,
		})
		if err != nil {
			return err
		}
		result.DepositAccounts++
	}
	return nil
}

func (e *Engine) snapshotBrokerages(ctx context.Context, walletID, monthKey string, result *Result) error {
	accounts, err := e.wallets.ListBrokerageAccounts(ctx, walletID)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		positions, err := e.valueBrokerage(ctx, account.ID)
		if err != nil {
			return err
		}
		err = e.repo.UpsertBrokerage(ctx, BrokerageSnapshot{
			AccountID: account.ID,
			MonthKey:  monthKey,
			Positions: *positions,
		})
		if err != nil {
			return err
		}
		result.BrokerageAccounts++
	}
	return nil
}

// valueBrokerage prices one account: cash is read off the linked deposit
// balances per currency, stock value is Σ(qty × latest price) per quote
// currency. Symbols without a quote are skipped.
func (e *Engine) valueBrokerage(ctx context.Context, accountID string) (*PositionsBreakdown, error) {
	breakdown := &PositionsBreakdown{
		Cash:   map[string]float64{},
		Stocks: map[string]float64{},
	}

	links, err := e.wallets.ListLinks(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		deposit, err := e.wallets.GetDepositAccount(ctx, link.DepositAccountID)
		if err != nil {
			return nil, err
		}
		if deposit.Balance != nil {
			breakdown.Cash[link.Currency] += deposit.Balance.Available
		}
	}

	holdings, err := e.holdings.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(holdings) == 0 {
		return breakdown, nil
	}

	symbols := make([]string, 0, len(holdings))
	for _, h := range holdings {
		symbols = append(symbols, h.Symbol)
	}
	quotes := e.quotes.LatestForSymbols(ctx, symbols)

	for _, h := range holdings {
		quote, ok := quotes[h.Symbol]
		if !ok {
			e.log.Warn().Str("symbol", h.Symbol).Msg("No quote for held symbol, skipping")
			continue
		}
		currency := quote.Currency
		if currency == "" {
			currency = h.Currency
		}
		breakdown.Stocks[currency] += h.Quantity * quote.Price
	}
	return breakdown, nil
}

func (e *Engine) snapshotMetals(ctx context.Context, userID, monthKey string, result *Result) error {
	metals, err := e.assets.ListMetalsByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(metals) == 0 {
		return nil
	}

	seen := map[string]bool{}
	symbols := []string{}
	for _, m := range metals {
		symbol := m.Metal.FuturesSymbol()
		if symbol != "" && !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	quotes := e.quotes.LatestForSymbols(ctx, symbols)

	for _, m := range metals {
		quote, ok := quotes[m.Metal.FuturesSymbol()]
		if !ok {
			e.log.Warn().Str("metal", string(m.Metal)).Msg("No futures quote, skipping metal")
			continue
		}
		currency := quote.Currency
		if currency == "" {
			currency = m.Currency
		}
		value := m.Grams / domain.GramsPerTroyOunce * quote.Price
		err := e.repo.UpsertMetal(ctx, MetalSnapshot{
			HoldingID: m.ID,
			MonthKey:  monthKey,
			Currency:  currency,
			Value:     value,
		})
		if err != nil {
			return err
		}
		result.Metals++
	}
	return nil
}

func (e *Engine) snapshotEstates(ctx context.Context, userID, monthKey string, result *Result) error {
	estates, err := e.assets.ListRealEstateByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, estate := range estates {
		price, err := e.assets.LatestPricePerSqm(ctx, estate.Country, estate.City)
		if errors.Is(err, domain.ErrNotFound) {
			e.log.Warn().Str("estate", estate.Name).Msg("No reference price, skipping estate")
			continue
		}
		if err != nil {
			return err
		}
		err = e.repo.UpsertEstate(ctx, EstateSnapshot{
			EstateID: estate.ID,
			MonthKey: monthKey,
			Currency: price.Currency,
			Value:    price.PricePerSqm * estate.AreaSqm,
		})
		if err != nil {
			return err
		}
		result.RealEstates++
	}
	return nil
}
