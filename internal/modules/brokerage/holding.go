// Package brokerage owns instrument positions and the event log that
// produces them. Holdings are never edited directly: they are the fold
// of BUY/SELL/SPLIT/DIV events, replayable from scratch at any time.
package brokerage

import (
	"github.com/shopspring/decimal"

	"github.com/finledger/finledger/internal/domain"
)

// Holding is one persisted position. Quantity and average cost are
// rounded to 2 decimal places on persist.
type Holding struct {
	ID                 string  `json:"id"`
	BrokerageAccountID string  `json:"brokerage_account_id"`
	InstrumentID       int64   `json:"instrument_id"`
	Symbol             string  `json:"symbol"`
	Quantity           float64 `json:"quantity"`
	AvgCost            float64 `json:"avg_cost"`
	Currency           string  `json:"currency"`
	UpdatedAt          string  `json:"updated_at"`
}

const holdingPrecision = 2

// position is the exact decimal state while events are applied. It only
// becomes a Holding, with rounding, at persist time.
type position struct {
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
}

func (p position) isEmpty() bool {
	return p.Quantity.IsZero()
}

// eventTerms are the numeric inputs of one event, already validated
// decimal values.
type eventTerms struct {
	Kind       domain.EventKind
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	SplitRatio *decimal.Decimal
}

// applyEvent folds one event into the position.
//
//	BUY:   qty += q; avg = (old_qty*old_avg + q*p) / new_qty
//	SELL:  qty -= q; avg unchanged; q > qty is invalid
//	SPLIT: qty *= ratio; avg /= ratio
//	DIV:   position untouched
func applyEvent(pos position, e eventTerms) (position, error) {
	switch e.Kind {
	case domain.EventBuy:
		if e.Quantity.Sign() <= 0 {
			return pos, domain.Validationf("buy quantity must be positive")
		}
		if e.Price.Sign() < 0 {
			return pos, domain.Validationf("buy price must not be negative")
		}
		newQty := pos.Quantity.Add(e.Quantity)
		cost := pos.Quantity.Mul(pos.AvgCost).Add(e.Quantity.Mul(e.Price))
		return position{Quantity: newQty, AvgCost: cost.Div(newQty)}, nil

	case domain.EventSell:
		if e.Quantity.Sign() <= 0 {
			return pos, domain.Validationf("sell quantity must be positive")
		}
		if e.Quantity.GreaterThan(pos.Quantity) {
			return pos, domain.Validationf("sell of %s exceeds holding of %s",
				e.Quantity.String(), pos.Quantity.String())
		}
		return position{Quantity: pos.Quantity.Sub(e.Quantity), AvgCost: pos.AvgCost}, nil

	case domain.EventSplit:
		if e.SplitRatio == nil || e.SplitRatio.Sign() <= 0 {
			return pos, domain.Validationf("split ratio must be positive")
		}
		return position{
			Quantity: pos.Quantity.Mul(*e.SplitRatio),
			AvgCost:  pos.AvgCost.Div(*e.SplitRatio),
		}, nil

	case domain.EventDividend:
		if e.Quantity.Sign() < 0 || e.Price.Sign() < 0 {
			return pos, domain.Validationf("dividend quantity and rate must not be negative")
		}
		return pos, nil
	}

	return pos, domain.Validationf("unknown event kind %q", e.Kind)
}

// cashEffect is the signed ledger impact of one event: BUY pays out,
// SELL and DIV pay in, SPLIT moves nothing.
func cashEffect(e eventTerms) decimal.Decimal {
	gross := e.Quantity.Mul(e.Price).Round(holdingPrecision)
	switch e.Kind {
	case domain.EventBuy:
		return gross.Neg()
	case domain.EventSell, domain.EventDividend:
		return gross
	}
	return decimal.Zero
}

// replayEvents folds a (trade_at asc, id asc) ordered event list from
// the zero position. Any event the fold rejects aborts the replay.
func replayEvents(events []Event) (position, error) {
	pos := position{Quantity: decimal.Zero, AvgCost: decimal.Zero}
	for _, ev := range events {
		next, err := applyEvent(pos, ev.terms())
		if err != nil {
			return pos, err
		}
		pos = next
	}
	return pos, nil
}
