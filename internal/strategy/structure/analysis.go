// Package structure derives the market structure an agent trades from:
// Fibonacci retracements of the last swing, EMA trend, swing structure,
// momentum and volatility.
package structure

import (
	"context"
	"errors"
	"time"

	"g13lab/internal/domain"
	"g13lab/internal/strategy/indicators"
)

const (
	DefaultSwingLookback    = 3
	DefaultMomentumPeriods  = 5
	DefaultVolatilityPeriod = 20
	DefaultRSIPeriod        = 14
	DefaultATRPeriod        = 14
)

// ErrNoCandles is returned when there is nothing to analyze.
var ErrNoCandles = errors.New("no candles to analyze")

// Analysis is the structural view of one symbol and interval.
type Analysis struct {
	Symbol        string
	Interval      string
	Time          time.Time
	Close         float64
	SwingHigh     float64
	SwingLow      float64
	Levels        Levels
	Trend         domain.Trend
	Structure     Structure
	MomentumPct   float64
	VolatilityPct float64
	ATRPct        float64 // Average true range as % of the last close, 0 when short of data
	RSI           float64
	HasRSI        bool
	Candles       int
}

// Analyze computes the structural view from closed candles, oldest first.
func Analyze(klines []*domain.Kline, swingLookback int) (Analysis, error) {
	if len(klines) == 0 {
		return Analysis{}, ErrNoCandles
	}
	if swingLookback <= 0 {
		swingLookback = DefaultSwingLookback
	}
	last := klines[len(klines)-1]
	closes := indicators.Closes(klines)

	high, low := LastSwingRange(klines, swingLookback)
	levels, err := FiboLevels(high, low)
	if err != nil {
		return Analysis{}, err
	}

	a := Analysis{
		Symbol:        last.Symbol,
		Interval:      last.Interval,
		Time:          last.CloseTime,
		Close:         last.Close,
		SwingHigh:     high,
		SwingLow:      low,
		Levels:        levels,
		Trend:         DetectTrend(closes),
		Structure:     MarketStructure(FindSwings(klines, swingLookback)),
		MomentumPct:   indicators.Momentum(closes, DefaultMomentumPeriods),
		VolatilityPct: indicators.Volatility(closes, DefaultVolatilityPeriod),
		Candles:       len(klines),
	}
	if rsi, err := indicators.RSIValue(closes, DefaultRSIPeriod); err == nil {
		a.RSI, a.HasRSI = rsi, true
	}
	atr := indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: DefaultATRPeriod}})
	if v, err := atr.Calculate(context.Background(), klines); err == nil && last.Close > 0 {
		a.ATRPct = v / last.Close * 100
	}
	return a, nil
}
