package brokerage

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/finledger/internal/domain"
)

func terms(kind domain.EventKind, quantity, price float64, ratio *float64) eventTerms {
	t := eventTerms{
		Kind:     kind,
		Quantity: decimal.NewFromFloat(quantity),
		Price:    decimal.NewFromFloat(price),
	}
	if ratio != nil {
		r := decimal.NewFromFloat(*ratio)
		t.SplitRatio = &r
	}
	return t
}

func ratio(v float64) *float64 { return &v }

func TestApplyEventBuyWeightedAverage(t *testing.T) {
	pos := position{Quantity: decimal.Zero, AvgCost: decimal.Zero}

	buys := []struct{ qty, price float64 }{
		{10, 100},
		{5, 130},
		{3, 88.5},
	}
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, b := range buys {
		var err error
		pos, err = applyEvent(pos, terms(domain.EventBuy, b.qty, b.price, nil))
		require.NoError(t, err)

		totalQty = totalQty.Add(decimal.NewFromFloat(b.qty))
		totalCost = totalCost.Add(decimal.NewFromFloat(b.qty).Mul(decimal.NewFromFloat(b.price)))
	}

	assert.True(t, pos.Quantity.Equal(totalQty), "quantity %s", pos.Quantity)
	want := totalCost.Div(totalQty)
	assert.True(t, pos.AvgCost.Equal(want), "avg %s want %s", pos.AvgCost, want)
}

func TestApplyEventBuyValidation(t *testing.T) {
	pos := position{Quantity: decimal.NewFromInt(10), AvgCost: decimal.NewFromInt(100)}

	_, err := applyEvent(pos, terms(domain.EventBuy, 0, 100, nil))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = applyEvent(pos, terms(domain.EventBuy, -1, 100, nil))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = applyEvent(pos, terms(domain.EventBuy, 1, -0.01, nil))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestApplyEventSellKeepsAverage(t *testing.T) {
	pos := position{Quantity: decimal.NewFromInt(10), AvgCost: decimal.NewFromInt(100)}

	next, err := applyEvent(pos, terms(domain.EventSell, 4, 120, nil))
	require.NoError(t, err)

	assert.True(t, next.Quantity.Equal(decimal.NewFromInt(6)))
	assert.True(t, next.AvgCost.Equal(decimal.NewFromInt(100)), "sell must not move the average")

	// selling the rest empties the position
	next, err = applyEvent(next, terms(domain.EventSell, 6, 90, nil))
	require.NoError(t, err)
	assert.True(t, next.isEmpty())
}

func TestApplyEventSellExceedingHolding(t *testing.T) {
	pos := position{Quantity: decimal.NewFromInt(5), AvgCost: decimal.NewFromInt(100)}

	_, err := applyEvent(pos, terms(domain.EventSell, 6, 120, nil))
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "exceeds holding")

	// zero position rejects any sell
	_, err = applyEvent(position{Quantity: decimal.Zero, AvgCost: decimal.Zero},
		terms(domain.EventSell, 1, 120, nil))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestApplyEventSplitPreservesValue(t *testing.T) {
	pos := position{Quantity: decimal.NewFromInt(10), AvgCost: decimal.NewFromInt(100)}

	next, err := applyEvent(pos, terms(domain.EventSplit, 0, 0, ratio(2)))
	require.NoError(t, err)
	assert.True(t, next.Quantity.Equal(decimal.NewFromInt(20)))
	assert.True(t, next.AvgCost.Equal(decimal.NewFromInt(50)))

	before := pos.Quantity.Mul(pos.AvgCost)
	after := next.Quantity.Mul(next.AvgCost)
	assert.True(t, before.Equal(after), "split must preserve position value")

	// reverse split
	next, err = applyEvent(next, terms(domain.EventSplit, 0, 0, ratio(0.5)))
	require.NoError(t, err)
	assert.True(t, next.Quantity.Equal(pos.Quantity))
	assert.True(t, next.AvgCost.Equal(pos.AvgCost))
}

func TestApplyEventSplitValidation(t *testing.T) {
	pos := position{Quantity: decimal.NewFromInt(10), AvgCost: decimal.NewFromInt(100)}

	_, err := applyEvent(pos, terms(domain.EventSplit, 0, 0, nil))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = applyEvent(pos, terms(domain.EventSplit, 0, 0, ratio(0)))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = applyEvent(pos, terms(domain.EventSplit, 0, 0, ratio(-2)))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestApplyEventDividendLeavesPosition(t *testing.T) {
	pos := position{Quantity: decimal.NewFromInt(10), AvgCost: decimal.NewFromInt(100)}

	next, err := applyEvent(pos, terms(domain.EventDividend, 10, 1.5, nil))
	require.NoError(t, err)
	assert.True(t, next.Quantity.Equal(pos.Quantity))
	assert.True(t, next.AvgCost.Equal(pos.AvgCost))

	_, err = applyEvent(pos, terms(domain.EventDividend, -1, 1.5, nil))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestApplyEventUnknownKind(t *testing.T) {
	_, err := applyEvent(position{}, eventTerms{Kind: domain.EventKind("TRANSFER")})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCashEffect(t *testing.T) {
	tests := []struct {
		name string
		e    eventTerms
		want string
	}{
		{"buy pays out", terms(domain.EventBuy, 10, 100, nil), "-1000"},
		{"sell pays in", terms(domain.EventSell, 4, 120, nil), "480"},
		{"dividend pays in", terms(domain.EventDividend, 10, 1.5, nil), "15"},
		{"split moves nothing", terms(domain.EventSplit, 0, 0, ratio(2)), "0"},
		{"gross rounds to cents", terms(domain.EventBuy, 3, 33.333, nil), "-100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cashEffect(tt.e)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				"got %s want %s", got, tt.want)
		})
	}
}

func TestReplayEvents(t *testing.T) {
	half := 0.5
	two := 2.0
	events := []Event{
		{Kind: domain.EventBuy, Quantity: 10, Price: 100},
		{Kind: domain.EventBuy, Quantity: 10, Price: 200},
		{Kind: domain.EventSplit, SplitRatio: &two},
		{Kind: domain.EventSell, Quantity: 20, Price: 80},
		{Kind: domain.EventDividend, Quantity: 20, Price: 0.5},
		{Kind: domain.EventSplit, SplitRatio: &half},
	}

	pos, err := replayEvents(events)
	require.NoError(t, err)

	// 20 @ 150 -> split 2 -> 40 @ 75 -> sell 20 -> 20 @ 75 -> split .5 -> 10 @ 150
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)), "qty %s", pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(150)), "avg %s", pos.AvgCost)
}

func TestReplayEventsEmptyAndInvalid(t *testing.T) {
	pos, err := replayEvents(nil)
	require.NoError(t, err)
	assert.True(t, pos.isEmpty())

	_, err = replayEvents([]Event{
		{Kind: domain.EventBuy, Quantity: 5, Price: 100},
		{Kind: domain.EventSell, Quantity: 6, Price: 100},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
