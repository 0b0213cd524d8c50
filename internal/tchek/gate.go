// Package tchek implements the pre-trade admission gate.
package tchek

import (
	"errors"
	"fmt"

	"g13lab/internal/capital"
	"g13lab/internal/domain"
	"g13lab/internal/ports"
)

// Reason identifies why a proposal was rejected.
type Reason string

const (
	ReasonNone           Reason = ""
	TradingHalted        Reason = "TradingHalted"
	AgentSuspended       Reason = "AgentSuspended"
	SpreadTooWide        Reason = "SpreadTooWide"
	OutsideKillzone      Reason = "OutsideKillzone"
	InsufficientBudget   Reason = "InsufficientBudget"
	PositionLimitReached Reason = "PositionLimitReached"
	TrendMismatch        Reason = "TrendMismatch"
)

// Decision is the outcome of an admission evaluation.
type Decision struct {
	Admitted bool
	Reason   Reason
	Detail   string
}

func admit() Decision { return Decision{Admitted: true} }

func reject(r Reason, format string, args ...interface{}) Decision {
	return Decision{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Err returns nil for an admission and a *RejectedError otherwise.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return &RejectedError{Reason: d.Reason, Detail: d.Detail}
}

// RejectedError carries the rejection reason. It wraps ports.ErrAdmissionRejected.
type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ports.ErrAdmissionRejected, e.Reason, e.Detail)
}

func (e *RejectedError) Unwrap() error { return ports.ErrAdmissionRejected }

// ReasonOf extracts the rejection reason from err, or ReasonNone.
func ReasonOf(err error) Reason {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonNone
}

// Config holds the reference data the gate consults.
type Config struct {
	Killzones []domain.Killzone
	// CategorySpreadCaps optionally tightens the spread limit for an asset category.
	CategorySpreadCaps map[domain.AssetCategory]float64
}

// Gate evaluates proposals. It holds read-only reference data and never
// mutates anything it is given.
type Gate struct {
	killzones map[string][]domain.Killzone
	caps      map[domain.AssetCategory]float64
}

// NewGate creates a gate over the given reference data.
func NewGate(cfg Config) *Gate {
	g := &Gate{
		killzones: make(map[string][]domain.Killzone),
		caps:      make(map[domain.AssetCategory]float64, len(cfg.CategorySpreadCaps)),
	}
	for _, kz := range cfg.Killzones {
		g.killzones[kz.Market] = append(g.killzones[kz.Market], kz)
	}
	for k, v := range cfg.CategorySpreadCaps {
		g.caps[k] = v
	}
	return g
}

// Evaluate runs the admission checks in order and stops at the first failure.
// Governor state is checked before the market checks so a halted account or
// suspended agent is reported as such.
func (g *Gate) Evaluate(p domain.Proposal, m domain.MarketSnapshot, a domain.AccountState) Decision {
	if a.EmergencyStop {
		return reject(TradingHalted, "emergency stop is active")
	}
	if a.SuspendedAgents[p.AgentID] {
		return reject(AgentSuspended, "agent %s is suspended", p.AgentID)
	}

	if d := g.checkSpread(p, m); !d.Admitted {
		return d
	}
	if d := g.checkKillzone(p, m); !d.Admitted {
		return d
	}
	if d := checkBudget(p, m, a); !d.Admitted {
		return d
	}
	if d := checkPositionCount(p, a); !d.Admitted {
		return d
	}
	return checkStructure(p, m)
}

// MaxSpreadFor returns the effective spread limit for a proposal.
func (g *Gate) MaxSpreadFor(p domain.Proposal) float64 {
	limit := p.TPSL.MaxSpreadPoints
	if c, ok := g.caps[p.Instrument.Category]; ok && c < limit {
		limit = c
	}
	return limit
}

func (g *Gate) checkSpread(p domain.Proposal, m domain.MarketSnapshot) Decision {
	spread := m.Quote.SpreadPoints(p.Instrument.PointSize)
	limit := g.MaxSpreadFor(p)
	if spread > limit {
		return reject(SpreadTooWide, "spread %.1f points exceeds %.1f", spread, limit)
	}
	return admit()
}

func (g *Gate) checkKillzone(p domain.Proposal, m domain.MarketSnapshot) Decision {
	for _, kz := range g.killzones[p.Instrument.Market] {
		if kz.Contains(m.Time) {
			return admit()
		}
	}
	return reject(OutsideKillzone, "%s is outside every %s window", m.Time.UTC().Format("15:04"), p.Instrument.Market)
}

func checkBudget(p domain.Proposal, m domain.MarketSnapshot, a domain.AccountState) Decision {
	margin := capital.MarginRequired(p.Size, m.Quote.PriceFor(p.Direction), p.Instrument.Leverage)
	if margin > a.FreeCapital {
		return reject(InsufficientBudget, "margin %.2f exceeds free capital %.2f", margin, a.FreeCapital)
	}
	return admit()
}

func checkPositionCount(p domain.Proposal, a domain.AccountState) Decision {
	if n := a.OpenByAgent[p.AgentID]; n >= p.Rules.MaxOpenPositions {
		return reject(PositionLimitReached, "agent %s has %d/%d open", p.AgentID, n, p.Rules.MaxOpenPositions)
	}
	if a.OpenTotal >= a.MaxOpenPositions {
		return reject(PositionLimitReached, "account has %d/%d open", a.OpenTotal, a.MaxOpenPositions)
	}
	return admit()
}

// checkStructure verifies the direction against the EMA trend, the optional
// swing structure and the side of the Fibonacci level the price is on.
func checkStructure(p domain.Proposal, m domain.MarketSnapshot) Decision {
	c := p.Condition
	if c.LevelPrice <= 0 {
		return reject(TrendMismatch, "no fibonacci level in condition")
	}

	switch c.Trend {
	case domain.TrendBullish:
		if p.Direction != domain.Long {
			return reject(TrendMismatch, "%s against bullish trend", p.Direction)
		}
	case domain.TrendBearish:
		if p.Direction != domain.Short {
			return reject(TrendMismatch, "%s against bearish trend", p.Direction)
		}
	default:
		if !p.Rules.AllowRange {
			return reject(TrendMismatch, "neutral trend and range trading disabled")
		}
	}

	if p.Rules.RequireStructure && c.Trend != domain.TrendNeutral && c.StructureTrend != c.Trend {
		return reject(TrendMismatch, "structure %s disagrees with trend %s", c.StructureTrend, c.Trend)
	}

	price := m.Quote.Mid()
	if p.Direction == domain.Long && price > c.LevelPrice {
		return reject(TrendMismatch, "long with price %.5f above level %s (%.5f)", price, c.FiboLevel, c.LevelPrice)
	}
	if p.Direction == domain.Short && price < c.LevelPrice {
		return reject(TrendMismatch, "short with price %.5f below level %s (%.5f)", price, c.FiboLevel, c.LevelPrice)
	}
	return admit()
}
