package reports

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/finledger/finledger/internal/clients/stockdata"
	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/modules/assets"
	"github.com/finledger/finledger/internal/modules/brokerage"
	"github.com/finledger/finledger/internal/modules/snapshots"
	"github.com/finledger/finledger/internal/modules/transactions"
	"github.com/finledger/finledger/internal/modules/wallets"
)

// topMoverCount caps the gainer and loser lists.
const topMoverCount = 5

// maxHistoryMonths caps the snapshot lookback a single request may ask for.
const maxHistoryMonths = 120

// Service aggregates a user's wallets into the manager tree.
type Service struct {
	wallets  *wallets.Repository
	holdings *brokerage.HoldingRepository
	assets   *assets.Repository
	snaps    *snapshots.Repository
	txns     *transactions.Engine
	quotes   snapshots.QuoteSource
	anchor   string
	log      zerolog.Logger
}

// NewService creates a reports service. anchor is the FX cross currency
// and the default viewing currency; empty means PLN.
func NewService(
	walletsRepo *wallets.Repository,
	holdingsRepo *brokerage.HoldingRepository,
	assetsRepo *assets.Repository,
	snapsRepo *snapshots.Repository,
	txnEngine *transactions.Engine,
	quotes snapshots.QuoteSource,
	anchor string,
	log zerolog.Logger,
) *Service {
	anchor = strings.ToUpper(strings.TrimSpace(anchor))
	if anchor == "" {
		anchor = DefaultAnchor
	}
	return &Service{
		wallets:  walletsRepo,
		holdings: holdingsRepo,
		assets:   assetsRepo,
		snaps:    snapsRepo,
		txns:     txnEngine,
		quotes:   quotes,
		anchor:   anchor,
		log:      log.With().Str("service", "reports").Logger(),
	}
}

// TreeInput selects what the manager tree includes.
type TreeInput struct {
	Months       int
	Rates        map[string]float64
	ViewCurrency string
}

// WalletNode is one wallet's aggregated value. Raw amounts stay in
// their own currency; Total is expressed in the viewing currency.
// Brokerage cash repeats linked deposit balances for display and is
// therefore not added to Total again.
type WalletNode struct {
	WalletID      string             `json:"wallet_id"`
	Name          string             `json:"name"`
	Deposits      map[string]float64 `json:"deposits"`
	BrokerageCash map[string]float64 `json:"brokerage_cash"`
	Stocks        map[string]float64 `json:"stocks"`
	MetalsValue   float64            `json:"metals_value"`
	EstatesValue  float64            `json:"estates_value"`
	Total         float64            `json:"total"`
}

// Mover is one live-quoted position ranked by unrealized P&L percent.
type Mover struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	PnL      float64 `json:"pnl"`
	PnLPct   float64 `json:"pnl_pct"`
}

// YTDFlows is the calendar-year ledger movement per currency.
type YTDFlows struct {
	Year       int                                   `json:"year"`
	ByCurrency map[string]transactions.CurrencyFlows `json:"by_currency"`
}

// MonthTotal is one month's net worth valued with that month's FX
// snapshot.
type MonthTotal struct {
	MonthKey string  `json:"month_key"`
	NetWorth float64 `json:"net_worth"`
}

// SeriesStats summarizes the month-over-month return series of the
// net-worth history.
type SeriesStats struct {
	MeanMonthlyReturn    float64 `json:"mean_monthly_return"`
	StdDevMonthlyReturn  float64 `json:"stddev_monthly_return"`
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	Observations         int     `json:"observations"`
}

// Tree is the full manager view.
type Tree struct {
	ViewCurrency string       `json:"view_currency"`
	NetWorth     float64      `json:"net_worth"`
	Wallets      []WalletNode `json:"wallets"`
	TopGainers   []Mover      `json:"top_gainers"`
	TopLosers    []Mover      `json:"top_losers"`
	YTD          YTDFlows     `json:"ytd"`
	History      []MonthTotal `json:"history,omitempty"`
	Stats        *SeriesStats `json:"stats,omitempty"`
}

// BuildTree assembles the manager tree: every wallet valued live, the
// movers ranking, year-to-date flows, and when months > 0 the monthly
// net-worth history from stored snapshots.
func (s *Service) BuildTree(ctx context.Context, userID string, in TreeInput) (*Tree, error) {
	view := strings.ToUpper(strings.TrimSpace(in.ViewCurrency))
	if view == "" {
		view = s.anchor
	}
	if len(view) != 3 {
		return nil, domain.Validationf("invalid view currency %q", in.ViewCurrency)
	}
	if in.Months < 0 || in.Months > maxHistoryMonths {
		return nil, domain.Validationf("months must be between 0 and %d", maxHistoryMonths)
	}

	userWallets, err := s.wallets.ListWalletsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	tree := &Tree{ViewCurrency: view, Wallets: []WalletNode{}}
	allHoldings := []brokerage.Holding{}

	type walletAssets struct {
		node     WalletNode
		holdings []brokerage.Holding
		metals   []assets.MetalHolding
		estates  []assets.RealEstate
	}
	collected := make([]walletAssets, 0, len(userWallets))
	symbolSeen := map[string]bool{}
	symbols := []string{}
	addSymbol := func(symbol string) {
		if symbol != "" && !symbolSeen[symbol] {
			symbolSeen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}

	for _, wallet := range userWallets {
		wa := walletAssets{node: WalletNode{
			WalletID:      wallet.ID,
			Name:          wallet.Name,
			Deposits:      map[string]float64{},
			BrokerageCash: map[string]float64{},
			Stocks:        map[string]float64{},
		}}

		deposits, err := s.wallets.ListDepositAccounts(ctx, wallet.ID)
		if err != nil {
			return nil, err
		}
		for _, account := range deposits {
			if account.Balance != nil {
				wa.node.Deposits[account.Currency] += account.Balance.Available
			}
		}

		brokerages, err := s.wallets.ListBrokerageAccounts(ctx, wallet.ID)
		if err != nil {
			return nil, err
		}
		for _, account := range brokerages {
			links, err := s.wallets.ListLinks(ctx, account.ID)
			if err != nil {
				return nil, err
			}
			for _, link := range links {
				deposit, err := s.wallets.GetDepositAccount(ctx, link.DepositAccountID)
				if err != nil {
					return nil, err
				}
				if deposit.Balance != nil {
					wa.node.BrokerageCash[link.Currency] += deposit.Balance.Available
				}
			}

			held, err := s.holdings.ListByAccount(ctx, account.ID)
			if err != nil {
				return nil, err
			}
			for _, h := range held {
				addSymbol(h.Symbol)
			}
			wa.holdings = append(wa.holdings, held...)
			allHoldings = append(allHoldings, held...)
		}

		wa.metals, err = s.assets.ListMetalsByWallet(ctx, wallet.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range wa.metals {
			addSymbol(m.Metal.FuturesSymbol())
		}

		wa.estates, err = s.assets.ListRealEstateByWallet(ctx, wallet.ID)
		if err != nil {
			return nil, err
		}

		collected = append(collected, wa)
	}

	quotes := s.quotes.LatestForSymbols(ctx, symbols)

	for i := range collected {
		wa := &collected[i]

		for _, h := range wa.holdings {
			quote, ok := quotes[h.Symbol]
			if !ok {
				s.log.Warn().Str("symbol", h.Symbol).Msg("No quote for held symbol")
				continue
			}
			currency := quote.Currency
			if currency == "" {
				currency = h.Currency
			}
			wa.node.Stocks[currency] += h.Quantity * quote.Price
		}

		for _, m := range wa.metals {
			quote, ok := quotes[m.Metal.FuturesSymbol()]
			if !ok {
				s.log.Warn().Str("metal", string(m.Metal)).Msg("No futures quote for metal")
				continue
			}
			currency := quote.Currency
			if currency == "" {
				currency = m.Currency
			}
			value := m.Grams / domain.GramsPerTroyOunce * quote.Price
			wa.node.MetalsValue += s.toView(value, currency, view, in.Rates)
		}

		for _, estate := range wa.estates {
			price, err := s.assets.LatestPricePerSqm(ctx, estate.Country, estate.City)
			if errors.Is(err, domain.ErrNotFound) {
				s.log.Warn().Str("estate", estate.Name).Msg("No reference price for estate")
				continue
			}
			if err != nil {
				return nil, err
			}
			wa.node.EstatesValue += s.toView(price.PricePerSqm*estate.AreaSqm, price.Currency, view, in.Rates)
		}

		total := wa.node.MetalsValue + wa.node.EstatesValue
		for currency, amount := range wa.node.Deposits {
			total += s.toView(amount, currency, view, in.Rates)
		}
		for currency, amount := range wa.node.Stocks {
			total += s.toView(amount, currency, view, in.Rates)
		}
		wa.node.Total = total
		tree.NetWorth += total
		tree.Wallets = append(tree.Wallets, wa.node)
	}

	tree.TopGainers, tree.TopLosers = rankMovers(allHoldings, quotes)

	year := time.Now().UTC().Year()
	flows, err := s.txns.YearFlowsByCurrency(ctx, userID, year)
	if err != nil {
		return nil, err
	}
	tree.YTD = YTDFlows{Year: year, ByCurrency: flows}

	if in.Months > 0 {
		history, err := s.netWorthHistory(ctx, userID, in.Months, view)
		if err != nil {
			return nil, err
		}
		tree.History = history
		tree.Stats = seriesStats(history)
	}

	return tree, nil
}

// toView converts into the viewing currency, dropping amounts with no
// FX path rather than mixing currencies.
func (s *Service) toView(amount float64, from, view string, rates map[string]float64) float64 {
	converted, ok := Convert(amount, from, view, rates, s.anchor)
	if !ok {
		s.log.Warn().Str("from", from).Str("to", view).Msg("No FX path, amount excluded from total")
		return 0
	}
	return converted
}

// rankMovers orders quoted positions by unrealized P&L percent and
// returns the extremes. Positions without a quote or without cost
// basis are left out.
func rankMovers(holdings []brokerage.Holding, quotes map[string]stockdata.SymbolQuote) ([]Mover, []Mover) {
	movers := []Mover{}
	for _, h := range holdings {
		quote, ok := quotes[h.Symbol]
		if !ok {
			continue
		}
		cost := h.AvgCost * h.Quantity
		if cost <= 0 {
			continue
		}
		pnl := (quote.Price - h.AvgCost) * h.Quantity
		currency := quote.Currency
		if currency == "" {
			currency = h.Currency
		}
		movers = append(movers, Mover{
			Symbol:   h.Symbol,
			Quantity: h.Quantity,
			AvgCost:  h.AvgCost,
			Price:    quote.Price,
			Currency: currency,
			PnL:      pnl,
			PnLPct:   pnl / cost,
		})
	}

	sort.Slice(movers, func(i, j int) bool { return movers[i].PnLPct > movers[j].PnLPct })

	n := len(movers)
	gainers := make([]Mover, 0, topMoverCount)
	for i := 0; i < n && i < topMoverCount; i++ {
		gainers = append(gainers, movers[i])
	}
	losers := make([]Mover, 0, topMoverCount)
	for i := n - 1; i >= 0 && len(losers) < topMoverCount; i-- {
		losers = append(losers, movers[i])
	}
	return gainers, losers
}

// netWorthHistory values the last N calendar months from stored
// snapshot rows, each month with its own persisted FX map. Months
// without an FX snapshot are omitted.
func (s *Service) netWorthHistory(ctx context.Context, userID string, months int, view string) ([]MonthTotal, error) {
	now := time.Now().UTC()
	anchor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	history := []MonthTotal{}
	for i := months - 1; i >= 0; i-- {
		monthKey := domain.MonthKey(anchor.AddDate(0, -i, 0))

		fx, err := s.snaps.GetFX(ctx, monthKey)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		total := 0.0

		deposits, err := s.snaps.DepositsForUser(ctx, userID, monthKey)
		if err != nil {
			return nil, err
		}
		for _, d := range deposits {
			total += s.toView(d.Available, d.Currency, view, fx.Rates)
		}

		brokerages, err := s.snaps.BrokeragesForUser(ctx, userID, monthKey)
		if err != nil {
			return nil, err
		}
		for _, b := range brokerages {
			// cash is already counted through the deposit snapshots
			for currency, amount := range b.Positions.Stocks {
				total += s.toView(amount, currency, view, fx.Rates)
			}
		}

		metals, err := s.snaps.MetalsForUser(ctx, userID, monthKey)
		if err != nil {
			return nil, err
		}
		for _, m := range metals {
			total += s.toView(m.Value, m.Currency, view, fx.Rates)
		}

		estates, err := s.snaps.EstatesForUser(ctx, userID, monthKey)
		if err != nil {
			return nil, err
		}
		for _, e := range estates {
			total += s.toView(e.Value, e.Currency, view, fx.Rates)
		}

		history = append(history, MonthTotal{MonthKey: monthKey, NetWorth: total})
	}
	return history, nil
}

// seriesStats needs at least three observations to say anything about
// the month-over-month return series.
func seriesStats(history []MonthTotal) *SeriesStats {
	returns := []float64{}
	for i := 1; i < len(history); i++ {
		prev := history[i-1].NetWorth
		if prev == 0 {
			continue
		}
		returns = append(returns, history[i].NetWorth/prev-1)
	}
	if len(returns) < 2 {
		return nil
	}

	sd := stat.StdDev(returns, nil)
	return &SeriesStats{
		MeanMonthlyReturn:    stat.Mean(returns, nil),
		StdDevMonthlyReturn:  sd,
		AnnualizedVolatility: sd * math.Sqrt(12),
		Observations:         len(returns),
	}
}
