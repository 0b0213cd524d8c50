// Package capital converts percentage parameters into prices and amounts.
//
// Every exit parameter in the lab is a percentage. The helpers here are the
// only place those percentages become absolute values, so compounding stays
// consistent: callers always pass the capital basis fixed when the position
// was opened.
package capital

import (
	"github.com/shopspring/decimal"

	"g13lab/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// PctToPriceDelta returns pct percent of referencePrice.
func PctToPriceDelta(pct, referencePrice float64) float64 {
	return decimal.NewFromFloat(referencePrice).
		Mul(decimal.NewFromFloat(pct)).
		Div(hundred).
		InexactFloat64()
}

// PctOfCapital returns pct percent of capital.
func PctOfCapital(pct, capital float64) float64 {
	return decimal.NewFromFloat(capital).
		Mul(decimal.NewFromFloat(pct)).
		Div(hundred).
		InexactFloat64()
}

// CapitalPctToPriceDistance converts pct of capital into the price move that
// changes the P&L of a position of the given size by that amount.
func CapitalPctToPriceDistance(pct, capital, size float64) float64 {
	if size <= 0 {
		return 0
	}
	amount := decimal.NewFromFloat(PctOfCapital(pct, capital))
	return amount.Div(decimal.NewFromFloat(size)).InexactFloat64()
}

// GainPct returns the unrealized gain of a position as a percentage of its
// capital basis:
//
//	(price - entry) / entry * sign * 100 * (entry*size / capitalBasis)
func GainPct(dir domain.Direction, entry, price, size, capitalBasis float64) float64 {
	if entry <= 0 || capitalBasis <= 0 {
		return 0
	}
	e := decimal.NewFromFloat(entry)
	notional := e.Mul(decimal.NewFromFloat(size))
	return decimal.NewFromFloat(price).Sub(e).
		Div(e).
		Mul(decimal.NewFromFloat(dir.Sign())).
		Mul(hundred).
		Mul(notional.Div(decimal.NewFromFloat(capitalBasis))).
		InexactFloat64()
}

// Targets returns the initial take-profit and stop-loss prices for an entry.
func Targets(dir domain.Direction, entry float64, cfg domain.TPSLConfig) (tp, sl float64) {
	e := decimal.NewFromFloat(entry)
	sign := decimal.NewFromFloat(dir.Sign())
	tpDelta := decimal.NewFromFloat(PctToPriceDelta(cfg.TPPct, entry)).Mul(sign)
	slDelta := decimal.NewFromFloat(PctToPriceDelta(cfg.SLPct, entry)).Mul(sign)
	return e.Add(tpDelta).InexactFloat64(), e.Sub(slDelta).InexactFloat64()
}

// MarginRequired returns the margin needed to hold size at price.
func MarginRequired(size, price float64, leverage int) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return decimal.NewFromFloat(size).
		Mul(decimal.NewFromFloat(price)).
		Div(decimal.NewFromInt(int64(leverage))).
		InexactFloat64()
}

// SizeForPct returns the quantity whose notional at price is pct of equity.
func SizeForPct(pct, equity, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(PctOfCapital(pct, equity)).
		Div(decimal.NewFromFloat(price)).
		InexactFloat64()
}

// PctChange returns (to - from) / from * 100.
func PctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	f := decimal.NewFromFloat(from)
	return decimal.NewFromFloat(to).Sub(f).Div(f).Mul(hundred).InexactFloat64()
}
