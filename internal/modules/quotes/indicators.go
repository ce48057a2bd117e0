package quotes

import (
	"context"

	"github.com/markcheno/go-talib"

	"github.com/finledger/finledger/internal/domain"
)

// Indicators carries the latest technical indicator values computed from
// an instrument's daily closes. Values are nil when the series is too
// short for the requested period.
type Indicators struct {
	Symbol  string   `json:"symbol"`
	Period  int      `json:"period"`
	Samples int      `json:"samples"`
	RSI     *float64 `json:"rsi"`
	SMA     *float64 `json:"sma"`
	EMA     *float64 `json:"ema"`
}

// DefaultIndicatorPeriod is the lookback used when the caller does not
// pick one.
const DefaultIndicatorPeriod = 14

// ComputeIndicators loads the instrument's recent closes and computes
// RSI, SMA and EMA over the given period.
func (r *CandleRepository) ComputeIndicators(ctx context.Context, instrumentID int64, symbol string, period int) (*Indicators, error) {
	if period <= 0 {
		period = DefaultIndicatorPeriod
	}
	if period > 500 {
		return nil, domain.Validationf("indicator period %d too large", period)
	}

	// RSI needs period+1 samples; fetch some slack for EMA seeding.
	closes, err := r.Closes(ctx, instrumentID, period*4+1)
	if err != nil {
		return nil, err
	}

	out := &Indicators{Symbol: symbol, Period: period, Samples: len(closes)}
	out.RSI = lastIndicator(talib.Rsi, closes, period, period+1)
	out.SMA = lastIndicator(talib.Sma, closes, period, period)
	out.EMA = lastIndicator(talib.Ema, closes, period, period)
	return out, nil
}

// lastIndicator runs a talib series function and extracts the most
// recent value, nil when the series is shorter than min samples or the
// tail is NaN.
func lastIndicator(fn func([]float64, int) []float64, closes []float64, period, min int) *float64 {
	if len(closes) < min {
		return nil
	}
	series := fn(closes, period)
	if len(series) == 0 {
		return nil
	}
	last := series[len(series)-1]
	if last != last { // NaN
		return nil
	}
	return &last
}
