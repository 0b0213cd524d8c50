// Package agent implements the Fibonacci retracement agents and the loop
// that drives them.
package agent

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"g13lab/internal/capital"
	"g13lab/internal/domain"
	"g13lab/internal/ports"
	"g13lab/internal/strategy/indicators"
	"g13lab/internal/strategy/structure"
)

const (
	RSIOverbought = 70.0
	RSIOversold   = 30.0
	// Contrarian sentiment bounds on the 0-100 Fear & Greed scale.
	ExtremeGreed = 75
	ExtremeFear  = 25
)

var rsiGuard = indicators.NewRSI(indicators.RSIConfig{
	IndicatorConfig: indicators.IndicatorConfig{Period: structure.DefaultRSIPeriod},
	Overbought:      RSIOverbought,
	Oversold:        RSIOversold,
})

// Market is everything an agent looks at to decide.
type Market struct {
	Analysis  structure.Analysis
	Quote     domain.Quote
	Sentiment *ports.Sentiment
}

// Decide builds a proposal when price sits at the configured retracement
// level in a direction the trend allows. The second return is the reason
// for skipping when no proposal is produced.
func Decide(cfg domain.AgentConfig, inst domain.Instrument, m Market, equity float64, now time.Time) (*domain.Proposal, string) {
	level, ok := m.Analysis.Levels.Price(cfg.FiboLevel)
	if !ok || level <= 0 {
		return nil, fmt.Sprintf("no price for fibo level %s", cfg.FiboLevel)
	}
	price := m.Quote.Mid()
	if price <= 0 {
		return nil, "no quote"
	}

	tolerance := capital.PctToPriceDelta(cfg.FiboTolerancePct, level)
	if math.Abs(price-level) > tolerance {
		return nil, fmt.Sprintf("price %.5f outside %.5f +/- %.5f", price, level, tolerance)
	}

	dir, ok := direction(m.Analysis.Trend, price, level, cfg.AllowRange)
	if !ok {
		return nil, fmt.Sprintf("trend %s does not allow a trade at %.5f vs level %.5f", m.Analysis.Trend, price, level)
	}
	if reason := guard(cfg, dir, m); reason != "" {
		return nil, reason
	}

	if equity <= 0 {
		return nil, "no equity"
	}
	size := capital.SizeForPct(cfg.PositionSizePct, equity, m.Quote.PriceFor(dir))
	if size <= 0 {
		return nil, "computed size is zero"
	}

	return &domain.Proposal{
		ID:         uuid.NewString(),
		AgentID:    cfg.ID,
		Instrument: inst,
		Direction:  dir,
		Size:       size,
		Condition: domain.StructuralCondition{
			Trend:          m.Analysis.Trend,
			StructureTrend: m.Analysis.Structure.Trend,
			FiboLevel:      cfg.FiboLevel,
			LevelPrice:     level,
			Price:          price,
		},
		TPSL: cfg.TPSL,
		Rules: domain.AdmissionRules{
			MaxOpenPositions: cfg.MaxOpenPositions,
			AllowRange:       cfg.AllowRange,
			RequireStructure: cfg.RequireStructure,
		},
		CreatedAt: now,
		Reason:    fmt.Sprintf("price near fibo %s (%.5f), trend %s", cfg.FiboLevel, level, m.Analysis.Trend),
	}, ""
}

// direction buys pullbacks below the level in an uptrend and sells rallies
// above it in a downtrend. A neutral trend trades the rebound off the level.
func direction(trend domain.Trend, price, level float64, allowRange bool) (domain.Direction, bool) {
	switch trend {
	case domain.TrendBullish:
		if price < level {
			return domain.Long, true
		}
	case domain.TrendBearish:
		if price > level {
			return domain.Short, true
		}
	case domain.TrendNeutral:
		if !allowRange {
			return "", false
		}
		if price < level {
			return domain.Long, true
		}
		return domain.Short, true
	}
	return "", false
}

func guard(cfg domain.AgentConfig, dir domain.Direction, m Market) string {
	if cfg.RSIGuard {
		if !m.Analysis.HasRSI {
			return "rsi unavailable"
		}
		if dir == domain.Long && rsiGuard.IsOverbought(m.Analysis.RSI) {
			return fmt.Sprintf("rsi %.1f overbought", m.Analysis.RSI)
		}
		if dir == domain.Short && rsiGuard.IsOversold(m.Analysis.RSI) {
			return fmt.Sprintf("rsi %.1f oversold", m.Analysis.RSI)
		}
	}
	if cfg.SentimentGuard {
		if m.Sentiment == nil {
			return "sentiment unavailable"
		}
		if dir == domain.Long && m.Sentiment.Value > ExtremeGreed {
			return fmt.Sprintf("sentiment %d extreme greed", m.Sentiment.Value)
		}
		if dir == domain.Short && m.Sentiment.Value <= ExtremeFear {
			return fmt.Sprintf("sentiment %d extreme fear", m.Sentiment.Value)
		}
	}
	return ""
}
