// Package strategist reviews closed trades per agent and tunes agent
// parameters within hard bounds.
package strategist

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"g13lab/internal/ports"
	"g13lab/internal/strategy/analytics"
)

const (
	MinTradesForAnalysis  = 5
	minTradesForTPSL      = 10
	minTradesForIncrease  = 20
	defaultTradeWindow    = 100
	riskManagementLossMul = 2.0
)

// Evaluation grades an agent's recent performance.
type Evaluation string

const (
	EvalInsufficientData Evaluation = "insufficient_data"
	EvalCritical         Evaluation = "critical"
	EvalWarning          Evaluation = "warning"
	EvalNeutral          Evaluation = "neutral"
	EvalGood             Evaluation = "good"
	EvalExcellent        Evaluation = "excellent"
)

// Win-rate bands, percent.
const (
	WinRateCritical  = 30.0
	WinRateWarning   = 45.0
	WinRateGood      = 55.0
	WinRateExcellent = 70.0
)

// Profit-factor bands.
const (
	ProfitFactorCritical  = 0.5
	ProfitFactorWarning   = 1.0
	ProfitFactorGood      = 1.5
	ProfitFactorExcellent = 2.0
)

// SuggestionType names a parameter change the adjuster knows how to apply.
type SuggestionType string

const (
	ReduceTolerance SuggestionType = "REDUCE_TOLERANCE"
	AdjustTPSL      SuggestionType = "ADJUST_TPSL"
	RiskManagement  SuggestionType = "RISK_MANAGEMENT"
	IncreaseRisk    SuggestionType = "INCREASE_RISK"
)

// Priority orders suggestions.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Suggestion is a recommended change for an agent.
type Suggestion struct {
	Type     SuggestionType
	Priority Priority
	Message  string
}

// Report is the strategist's view of one agent.
type Report struct {
	AgentID     string
	Metrics     *analytics.PerformanceMetrics
	Evaluation  Evaluation
	Suggestions []Suggestion
	GeneratedAt time.Time
}

// Config wires a strategist.
type Config struct {
	Archive     ports.TradeArchive
	Logger      ports.Logger
	TradeWindow int // Most recent trades considered per agent
	Clock       func() time.Time
}

// Strategist analyzes the closed-trade archive.
type Strategist struct {
	cfg Config
}

// New creates a strategist.
func New(cfg Config) (*Strategist, error) {
	if cfg.Archive == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for strategist")
	}
	if cfg.TradeWindow <= 0 {
		cfg.TradeWindow = defaultTradeWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Strategist{cfg: cfg}, nil
}

// Analyze builds the report for one agent from its most recent trades.
func (s *Strategist) Analyze(ctx context.Context, agentID string) (Report, error) {
	trades, err := s.cfg.Archive.FindClosedTrades(ctx, agentID, s.cfg.TradeWindow)
	if err != nil {
		return Report{}, fmt.Errorf("load closed trades for %s: %w", agentID, err)
	}
	report := Report{AgentID: agentID, GeneratedAt: s.cfg.Clock()}
	report.Metrics = analytics.AnalyzePerformance(trades, 0)
	if len(trades) < MinTradesForAnalysis {
		report.Evaluation = EvalInsufficientData
		return report, nil
	}
	report.Evaluation = Evaluate(report.Metrics)
	report.Suggestions = Suggest(report.Metrics, report.Evaluation)

	s.cfg.Logger.Debug(ctx, "Strategist analysis complete", map[string]interface{}{
		"agentID":      agentID,
		"trades":       report.Metrics.TotalTrades,
		"winRate":      report.Metrics.WinRate,
		"profitFactor": report.Metrics.ProfitFactor,
		"evaluation":   report.Evaluation,
		"suggestions":  len(report.Suggestions),
	})
	return report, nil
}

// AnalyzeAll builds reports for the given agents in ID order.
func (s *Strategist) AnalyzeAll(ctx context.Context, agentIDs []string) ([]Report, error) {
	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)
	reports := make([]Report, 0, len(ids))
	for _, id := range ids {
		r, err := s.Analyze(ctx, id)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Evaluate grades metrics by win rate first, then by profit factor when the
// win rate sits between the warning and good bands.
func Evaluate(m *analytics.PerformanceMetrics) Evaluation {
	switch {
	case m.TotalTrades < MinTradesForAnalysis:
		return EvalInsufficientData
	case m.WinRate < WinRateCritical:
		return EvalCritical
	case m.WinRate < WinRateWarning:
		return EvalWarning
	case m.WinRate >= WinRateExcellent:
		return EvalExcellent
	case m.WinRate >= WinRateGood:
		return EvalGood
	}

	if m.GrossLoss == 0 {
		return EvalNeutral
	}
	switch {
	case m.ProfitFactor < ProfitFactorCritical:
		return EvalCritical
	case m.ProfitFactor < ProfitFactorWarning:
		return EvalWarning
	case m.ProfitFactor >= ProfitFactorExcellent:
		return EvalExcellent
	case m.ProfitFactor >= ProfitFactorGood:
		return EvalGood
	}
	return EvalNeutral
}

// Suggest derives parameter suggestions from metrics and their grade.
func Suggest(m *analytics.PerformanceMetrics, eval Evaluation) []Suggestion {
	var out []Suggestion
	if eval == EvalCritical {
		out = append(out, Suggestion{
			Type:     ReduceTolerance,
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("critical win rate %.1f%%, tighten entries", m.WinRate),
		})
	}
	if m.GrossLoss > 0 && m.ProfitFactor < ProfitFactorWarning && m.TotalTrades >= minTradesForTPSL {
		out = append(out, Suggestion{
			Type:     AdjustTPSL,
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("profit factor %.2f below 1, losses exceed gains", m.ProfitFactor),
		})
	}
	avgLoss := math.Abs(m.AverageLoss)
	if m.AverageWin > 0 && avgLoss > m.AverageWin*riskManagementLossMul {
		out = append(out, Suggestion{
			Type:     RiskManagement,
			Priority: PriorityMedium,
			Message:  fmt.Sprintf("average loss %.2f exceeds twice the average win %.2f", avgLoss, m.AverageWin),
		})
	}
	if eval == EvalExcellent && m.TotalTrades >= minTradesForIncrease {
		out = append(out, Suggestion{
			Type:     IncreaseRisk,
			Priority: PriorityLow,
			Message:  fmt.Sprintf("excellent win rate %.1f%% over %d trades", m.WinRate, m.TotalTrades),
		})
	}
	return out
}

// Summary aggregates reports across agents.
type Summary struct {
	TotalTrades int
	TotalProfit float64
	WinRate     float64
	BestAgent   string
	WorstAgent  string
	HasData     bool
}

// Summarize aggregates reports. Agents without trades are not ranked.
func Summarize(reports []Report) Summary {
	var s Summary
	var wins int
	bestRate, worstRate := -1.0, math.Inf(1)
	for _, r := range reports {
		if r.Metrics == nil || r.Metrics.TotalTrades == 0 {
			continue
		}
		s.TotalTrades += r.Metrics.TotalTrades
		s.TotalProfit += r.Metrics.TotalProfit
		wins += r.Metrics.WinningTrades
		if r.Metrics.WinRate > bestRate {
			bestRate, s.BestAgent = r.Metrics.WinRate, r.AgentID
		}
		if r.Metrics.WinRate < worstRate {
			worstRate, s.WorstAgent = r.Metrics.WinRate, r.AgentID
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(wins) / float64(s.TotalTrades) * 100
	}
	s.HasData = s.TotalTrades >= MinTradesForAnalysis
	return s
}
