package structure

import (
	"g13lab/internal/domain"
	"g13lab/internal/strategy/indicators"
)

const (
	FastEMAPeriod = 20
	SlowEMAPeriod = 50
	// TrendDeadBandPct is the EMA gap, in percent of the slow EMA, inside
	// which the trend is neutral.
	TrendDeadBandPct = 0.05
)

// DetectTrend compares EMA20 with EMA50. Fewer than 50 closes is neutral.
func DetectTrend(closes []float64) domain.Trend {
	if len(closes) < SlowEMAPeriod {
		return domain.TrendNeutral
	}
	fast, err := indicators.EMA(closes, FastEMAPeriod)
	if err != nil {
		return domain.TrendNeutral
	}
	slow, err := indicators.EMA(closes, SlowEMAPeriod)
	if err != nil || slow == 0 {
		return domain.TrendNeutral
	}
	diff := (fast - slow) / slow * 100
	switch {
	case diff > TrendDeadBandPct:
		return domain.TrendBullish
	case diff < -TrendDeadBandPct:
		return domain.TrendBearish
	default:
		return domain.TrendNeutral
	}
}
