package brokerage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/finledger/finledger/internal/clients/stockdata"
	"github.com/finledger/finledger/internal/database"
	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/metrics"
	"github.com/finledger/finledger/internal/modules/gains"
	"github.com/finledger/finledger/internal/modules/transactions"
	"github.com/finledger/finledger/internal/modules/wallets"
	"github.com/finledger/finledger/internal/normalize"
)

// InstrumentResolver resolves symbols against the market-data service.
type InstrumentResolver interface {
	ResolveInstrument(ctx context.Context, req stockdata.ResolveRequest) (*stockdata.Instrument, error)
}

// Processor executes brokerage events: one database transaction per
// event covering the duplicate check, the holding fold, the event row,
// the cash-effect ledger append and the realized gain.
type Processor struct {
	db           *sql.DB
	wallets      *wallets.Repository
	holdings     *HoldingRepository
	events       *EventRepository
	transactions *transactions.Engine
	gains        *gains.Repository
	resolver     InstrumentResolver
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

// NewProcessor creates a brokerage event processor.
func NewProcessor(
	db *sql.DB,
	walletsRepo *wallets.Repository,
	holdingsRepo *HoldingRepository,
	eventsRepo *EventRepository,
	txEngine *transactions.Engine,
	gainsRepo *gains.Repository,
	resolver InstrumentResolver,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Processor {
	return &Processor{
		db:           db,
		wallets:      walletsRepo,
		holdings:     holdingsRepo,
		events:       eventsRepo,
		transactions: txEngine,
		gains:        gainsRepo,
		resolver:     resolver,
		metrics:      m,
		log:          log.With().Str("service", "brokerage").Logger(),
	}
}

// EventInput is one submitted brokerage event.
type EventInput struct {
	Symbol     string   `json:"symbol"`
	Name       string   `json:"name,omitempty"`
	MIC        string   `json:"mic,omitempty"`
	Kind       string   `json:"kind"`
	TradeAt    string   `json:"trade_at"`
	Quantity   float64  `json:"quantity"`
	Price      float64  `json:"price"`
	SplitRatio *float64 `json:"split_ratio,omitempty"`
	Currency   string   `json:"currency"`
}

// ProcessResult carries everything one event produced.
type ProcessResult struct {
	Event       *Event                    `json:"event"`
	Holding     *Holding                  `json:"holding,omitempty"`
	Transaction *transactions.Transaction `json:"transaction,omitempty"`
	Gain        *gains.CapitalGain        `json:"gain,omitempty"`
}

// ProcessEvent validates, resolves the instrument and executes one event.
// createTransaction controls whether the cash effect lands in the ledger;
// bulk imports disable it and reconcile cash separately.
func (p *Processor) ProcessEvent(ctx context.Context, userID, accountID string, in EventInput, createTransaction bool) (*ProcessResult, error) {
	account, err := p.wallets.GetBrokerageAccountOwned(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	return p.processOne(ctx, account, in, createTransaction)
}

func (p *Processor) processOne(ctx context.Context, account *wallets.BrokerageAccount, in EventInput, createTransaction bool) (*ProcessResult, error) {
	kind, ok := domain.ParseEventKind(in.Kind)
	if !ok {
		return nil, domain.Validationf("unknown event kind %q", in.Kind)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return nil, domain.Validationf("invalid currency %q", in.Currency)
	}
	symbol, ok := normalize.Symbol(in.Symbol)
	if !ok {
		return nil, domain.Validationf("invalid symbol %q", in.Symbol)
	}
	tradeAt, err := parseTradeAt(in.TradeAt)
	if err != nil {
		return nil, domain.Validationf("invalid trade_at %q", in.TradeAt)
	}

	// network call stays outside the database transaction
	instrument, err := p.resolver.ResolveInstrument(ctx, stockdata.ResolveRequest{
		Symbol:   symbol,
		Name:     in.Name,
		Currency: currency,
		MIC:      in.MIC,
	})
	if err != nil {
		return nil, err
	}

	event := &Event{
		BrokerageAccountID: account.ID,
		InstrumentID:       instrument.ID,
		Symbol:             instrument.Symbol,
		Kind:               kind,
		TradeAt:            domain.FormatTime(tradeAt),
		Quantity:           in.Quantity,
		Price:              in.Price,
		SplitRatio:         in.SplitRatio,
		Currency:           currency,
	}
	terms := event.terms()

	result := &ProcessResult{Event: event}
	err = database.WithTransactionContext(ctx, p.db, func(tx *sql.Tx) error {
		dup, err := p.events.ExistsTx(ctx, tx, event)
		if err != nil {
			return err
		}
		if dup {
			return domain.Conflictf("event already recorded: %s %s %s on %s",
				event.Kind, terms.Quantity.String(), event.Symbol, event.TradeAt)
		}

		holding, err := p.holdings.GetTx(ctx, tx, account.ID, instrument.ID)
		if err != nil {
			return err
		}
		pos := position{Quantity: decimal.Zero, AvgCost: decimal.Zero}
		if holding != nil {
			pos = position{
				Quantity: decimal.NewFromFloat(holding.Quantity),
				AvgCost:  decimal.NewFromFloat(holding.AvgCost),
			}
		}

		// realized P&L computes against the pre-sale average cost
		realizedPnL := decimal.Zero
		if kind == domain.EventSell {
			realizedPnL = terms.Price.Sub(pos.AvgCost).Mul(terms.Quantity).Round(holdingPrecision)
		}

		newPos, err := applyEvent(pos, terms)
		if err != nil {
			return err
		}

		if newPos.isEmpty() {
			if err := p.holdings.DeleteTx(ctx, tx, account.ID, instrument.ID); err != nil {
				return err
			}
			result.Holding = nil
		} else {
			updated := &Holding{
				BrokerageAccountID: account.ID,
				InstrumentID:       instrument.ID,
				Symbol:             instrument.Symbol,
				Quantity:           newPos.Quantity.Round(holdingPrecision).InexactFloat64(),
				AvgCost:            newPos.AvgCost.Round(holdingPrecision).InexactFloat64(),
				Currency:           currency,
			}
			if holding != nil {
				updated.ID = holding.ID
			}
			if err := p.holdings.UpsertTx(ctx, tx, updated); err != nil {
				return err
			}
			result.Holding = updated
		}

		if err := p.events.InsertTx(ctx, tx, event); err != nil {
			return err
		}

		cash := cashEffect(terms)
		if cash.IsZero() {
			return nil
		}

		link, err := p.wallets.ResolveLinkTx(ctx, tx, account.ID, currency)
		if err != nil {
			return err
		}

		if createTransaction {
			deposit, err := p.wallets.GetDepositAccountTx(ctx, tx, link.DepositAccountID)
			if err != nil {
				return err
			}
			// the ledger row lands just after the trade so same-day bank
			// rows keep their order
			txn, err := p.transactions.AppendCashEffectTx(ctx, tx, deposit,
				tradeAt.Add(time.Second), cash.InexactFloat64(), cashDescription(event, terms))
			if err != nil {
				return err
			}
			result.Transaction = txn
		}

		if !realizedPnL.IsZero() {
			gain := &gains.CapitalGain{
				Kind:             domain.GainBrokerPnL,
				Amount:           realizedPnL.InexactFloat64(),
				Currency:         currency,
				OccurredAt:       event.TradeAt,
				DepositAccountID: &link.DepositAccountID,
			}
			if result.Transaction != nil {
				gain.TransactionID = &result.Transaction.ID
			}
			if err := p.gains.InsertTx(ctx, tx, gain); err != nil {
				return err
			}
			result.Gain = gain
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.metrics.BrokerageEvents.WithLabelValues(string(event.Kind)).Inc()
	p.log.Info().
		Str("account_id", account.ID).
		Str("symbol", event.Symbol).
		Str("kind", string(event.Kind)).
		Msg("Event processed")
	return result, nil
}

func cashDescription(e *Event, terms eventTerms) string {
	switch e.Kind {
	case domain.EventDividend:
		return fmt.Sprintf("DIV %s x %s", e.Symbol, terms.Price.String())
	default:
		return fmt.Sprintf("%s %s %s @ %s",
			e.Kind, terms.Quantity.String(), e.Symbol, terms.Price.String())
	}
}

func parseTradeAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty trade time")
	}
	if len(s) == len(domain.DateLayout) {
		return time.Parse(domain.DateLayout, s)
	}
	return domain.ParseTime(s)
}

// ImportError reports one failed row by its zero-based position.
type ImportError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// ImportResult summarizes a bulk import. Rows are isolated: failures
// never roll back their neighbours.
type ImportResult struct {
	Created int           `json:"created"`
	Failed  int           `json:"failed"`
	Errors  []ImportError `json:"errors"`
}

// ImportEvents runs a batch against one brokerage account, each row in
// its own transaction with the cash ledger disabled.
func (p *Processor) ImportEvents(ctx context.Context, userID, accountID string, events []EventInput) (*ImportResult, error) {
	if len(events) == 0 {
		return nil, domain.Validationf("no events submitted")
	}

	account, err := p.wallets.GetBrokerageAccountOwned(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Errors: []ImportError{}}
	for i, in := range events {
		if _, err := p.processOne(ctx, account, in, false); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ImportError{Index: i, Message: err.Error()})
			p.log.Warn().Err(err).Int("index", i).Msg("Import row failed")
			continue
		}
		result.Created++
	}

	p.log.Info().
		Str("account_id", accountID).
		Int("created", result.Created).
		Int("failed", result.Failed).
		Msg("Event import finished")
	return result, nil
}

// DeleteEvent removes one event and rebuilds its position from the
// remaining log. Returns the rebuilt holding, nil when it closed.
func (p *Processor) DeleteEvent(ctx context.Context, userID, eventID string) (*Holding, error) {
	var rebuilt *Holding
	err := database.WithTransactionContext(ctx, p.db, func(tx *sql.Tx) error {
		event, err := p.events.GetOwnedTx(ctx, tx, eventID, userID)
		if err != nil {
			return err
		}
		if err := p.events.DeleteTx(ctx, tx, eventID); err != nil {
			return err
		}

		rebuilt, err = p.rebuildHoldingTx(ctx, tx, event.BrokerageAccountID, event.InstrumentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rebuilt, nil
}

// PatchResult reports a batch patch and the holdings it rebuilt.
type PatchResult struct {
	Patched  int       `json:"patched"`
	Holdings []Holding `json:"holdings"`
}

// PatchEvents applies all patches in one transaction, then rebuilds
// every touched position. A replay that turns invalid rolls the whole
// batch back.
func (p *Processor) PatchEvents(ctx context.Context, userID string, patches []EventPatch) (*PatchResult, error) {
	if len(patches) == 0 {
		return nil, domain.Validationf("no patches submitted")
	}

	result := &PatchResult{}
	err := database.WithTransactionContext(ctx, p.db, func(tx *sql.Tx) error {
		type positionKey struct {
			accountID    string
			instrumentID int64
		}
		touched := map[positionKey]bool{}
		order := []positionKey{}

		for _, patch := range patches {
			event, err := p.events.GetOwnedTx(ctx, tx, patch.ID, userID)
			if err != nil {
				return err
			}
			if err := p.events.PatchTx(ctx, tx, patch); err != nil {
				return err
			}
			key := positionKey{event.BrokerageAccountID, event.InstrumentID}
			if !touched[key] {
				touched[key] = true
				order = append(order, key)
			}
			result.Patched++
		}

		for _, key := range order {
			holding, err := p.rebuildHoldingTx(ctx, tx, key.accountID, key.instrumentID)
			if err != nil {
				return err
			}
			if holding != nil {
				result.Holdings = append(result.Holdings, *holding)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// rebuildHoldingTx replays the full event log of one position and
// persists the outcome: an upsert, or a delete when the fold ends empty.
func (p *Processor) rebuildHoldingTx(ctx context.Context, tx *sql.Tx, accountID string, instrumentID int64) (*Holding, error) {
	events, err := p.events.ListForReplayTx(ctx, tx, accountID, instrumentID)
	if err != nil {
		return nil, err
	}

	pos, err := replayEvents(events)
	if err != nil {
		return nil, fmt.Errorf("event log no longer folds cleanly: %w", err)
	}

	if len(events) == 0 || pos.isEmpty() {
		if err := p.holdings.DeleteTx(ctx, tx, accountID, instrumentID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	existing, err := p.holdings.GetTx(ctx, tx, accountID, instrumentID)
	if err != nil {
		return nil, err
	}

	last := events[len(events)-1]
	holding := &Holding{
		BrokerageAccountID: accountID,
		InstrumentID:       instrumentID,
		Symbol:             last.Symbol,
		Quantity:           pos.Quantity.Round(holdingPrecision).InexactFloat64(),
		AvgCost:            pos.AvgCost.Round(holdingPrecision).InexactFloat64(),
		Currency:           last.Currency,
	}
	if existing != nil {
		holding.ID = existing.ID
	}
	if err := p.holdings.UpsertTx(ctx, tx, holding); err != nil {
		return nil, err
	}
	return holding, nil
}
