// Package risk implements the account-wide risk governor.
package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"g13lab/internal/capital"
	"g13lab/internal/domain"
	"g13lab/internal/events"
	"g13lab/internal/ports"
)

// Status is the outcome of a governor check.
type Status string

const (
	Nominal      Status = "Nominal"
	WarnDrawdown Status = "WarnDrawdown"
	HaltTrading  Status = "HaltTrading"
)

// Enforcer closes positions when the governor halts trading.
type Enforcer interface {
	ForceCloseAll(ctx context.Context, reason domain.CloseReason) int
}

// Config holds the governor's initial state.
type Config struct {
	Limits       domain.RiskLimits
	BalanceStart float64 // Must come from a verified account read
	Logger       ports.Logger
	Events       ports.EventSink
	Clock        func() time.Time
}

// Stats is a point-in-time view of the governor counters.
type Stats struct {
	BalanceStart    float64
	Equity          float64
	PeakEquity      float64
	DayStartEquity  float64
	Realized        float64
	Unrealized      float64
	DailyPnLPct     float64
	DrawdownPct     float64
	Status          Status
	EmergencyStop   bool
	SuspendedAgents []string
	StuckPositions  []string
	AgentPnL        map[string]float64
}

// Governor owns the aggregate P&L counters and the emergency-stop latch.
// All counter reads and writes go through mu, and CheckAndEnforce computes
// its decision while holding it.
type Governor struct {
	logger ports.Logger
	events ports.EventSink
	clock  func() time.Time

	mu              sync.Mutex
	limits          domain.RiskLimits
	balanceStart    float64
	dayStart        float64
	day             string
	peak            float64
	realized        float64
	realizedByAgent map[string]float64
	unrealized      map[string]float64 // by position
	positionAgent   map[string]string
	suspended       map[string]bool
	stuck           map[string]bool
	lastStatus      Status
	enforcer        Enforcer
}

// NewGovernor creates a governor. Limits and the starting balance are
// required; nothing is defaulted.
func NewGovernor(cfg Config) (*Governor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for risk governor")
	}
	if cfg.BalanceStart <= 0 {
		return nil, fmt.Errorf("%w: balance_start must be a verified positive account balance, got %v", ports.ErrStaleConfiguration, cfg.BalanceStart)
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("%w: risk limits: %v", ports.ErrStaleConfiguration, err)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = events.NewFanout()
	}
	now := cfg.Clock()
	return &Governor{
		logger:          cfg.Logger,
		events:          cfg.Events,
		clock:           cfg.Clock,
		limits:          cfg.Limits.Clone(),
		balanceStart:    cfg.BalanceStart,
		dayStart:        cfg.BalanceStart,
		day:             dayKey(now),
		peak:            cfg.BalanceStart,
		realizedByAgent: make(map[string]float64),
		unrealized:      make(map[string]float64),
		positionAgent:   make(map[string]string),
		suspended:       make(map[string]bool),
		stuck:           make(map[string]bool),
		lastStatus:      Nominal,
	}, nil
}

// SetEnforcer wires the component that force-closes positions on halt.
func (g *Governor) SetEnforcer(e Enforcer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enforcer = e
}

// AccountState returns equity and governor flags for admission checks.
func (g *Governor) AccountState() domain.AccountState {
	g.mu.Lock()
	defer g.mu.Unlock()
	suspended := make(map[string]bool, len(g.suspended))
	for k, v := range g.suspended {
		suspended[k] = v
	}
	return domain.AccountState{
		Equity:           g.equityLocked(),
		MaxOpenPositions: g.limits.MaxOpenPositions,
		EmergencyStop:    g.limits.EmergencyStop,
		SuspendedAgents:  suspended,
	}
}

// Capital returns the session baseline and current equity.
func (g *Governor) Capital() domain.Capital {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.Capital{BalanceStart: g.balanceStart, Equity: g.equityLocked()}
}

// Limits returns a copy of the current limits.
func (g *Governor) Limits() domain.RiskLimits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits.Clone()
}

// UpdateUnrealized records the mark-to-market P&L of an open position.
func (g *Governor) UpdateUnrealized(agentID, positionID string, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unrealized[positionID] = pnl
	g.positionAgent[positionID] = agentID
}

// RecordRealized books the P&L of a closed position.
func (g *Governor) RecordRealized(ctx context.Context, agentID, positionID string, pnl float64) {
	g.mu.Lock()
	delete(g.unrealized, positionID)
	delete(g.positionAgent, positionID)
	delete(g.stuck, positionID)
	g.realized += pnl
	g.realizedByAgent[agentID] += pnl
	equity := g.equityLocked()
	g.mu.Unlock()

	g.logger.Debug(ctx, "Realized P&L recorded", map[string]interface{}{"agentID": agentID, "positionID": positionID, "pnl": pnl, "equity": equity})
}

// ReportStuck records a position whose close retries are exhausted.
func (g *Governor) ReportStuck(ctx context.Context, pos domain.Position) {
	g.mu.Lock()
	g.stuck[pos.ID] = true
	g.mu.Unlock()

	err := fmt.Errorf("position %s stuck in %s after %d close attempts", pos.ID, pos.State, pos.CloseAttempts)
	g.logger.Error(ctx, err, "Stuck position requires operator attention", map[string]interface{}{"agentID": pos.AgentID, "symbol": pos.Instrument.Symbol})
	g.emit(ctx, domain.EventRisk, "stuck position", pos.AgentID, map[string]interface{}{"positionID": pos.ID, "attempts": pos.CloseAttempts})
}

// CheckAndEnforce evaluates drawdown, daily loss and per-agent limits.
// Calling it repeatedly without P&L changes returns the same status and
// fires enforcement actions only on the first transition.
func (g *Governor) CheckAndEnforce(ctx context.Context) Status {
	g.mu.Lock()
	g.rollDayLocked(g.clock())
	equity := g.equityLocked()
	if equity > g.peak {
		g.peak = equity
	}
	drawdown := pctDrop(g.peak, equity)
	daily := capital.PctChange(g.dayStart, equity)

	status := Nominal
	switch {
	case g.limits.EmergencyStop:
		status = HaltTrading
	case drawdown >= g.limits.MaxDrawdownPct || daily <= -g.limits.MaxDailyLossPct:
		status = HaltTrading
	case drawdown >= g.limits.WarnDrawdownPct:
		status = WarnDrawdown
	}

	var actions []func()
	fields := map[string]interface{}{"equity": equity, "drawdownPct": drawdown, "dailyPnLPct": daily}

	if status == HaltTrading && !g.limits.EmergencyStop {
		g.limits.EmergencyStop = true
		enforcer, forceClose := g.enforcer, g.limits.ForceCloseOnHalt
		actions = append(actions, func() {
			g.logger.Warn(ctx, "Emergency stop engaged, admissions blocked", fields)
			g.emit(ctx, domain.EventRisk, "emergency stop engaged", "", fields)
			if forceClose && enforcer != nil {
				failed := enforcer.ForceCloseAll(ctx, domain.CloseReasonEmergencyStop)
				g.emit(ctx, domain.EventRisk, "force close on halt", "", map[string]interface{}{"failed": failed})
			}
		})
	}
	if status == WarnDrawdown && g.lastStatus != WarnDrawdown {
		actions = append(actions, func() {
			g.logger.Warn(ctx, "Drawdown warning threshold reached", fields)
			g.emit(ctx, domain.EventRisk, "drawdown warning", "", fields)
		})
	}

	for agentID, limit := range g.limits.Agents {
		if g.suspended[agentID] {
			continue
		}
		pnl := g.agentPnLLocked(agentID)
		lossPct := -pnl / g.balanceStart * 100
		if lossPct >= limit.MaxLossPct {
			g.suspended[agentID] = true
			agentFields := map[string]interface{}{"pnl": pnl, "lossPct": lossPct, "maxLossPct": limit.MaxLossPct}
			id := agentID
			actions = append(actions, func() {
				g.logger.Warn(ctx, "Agent suspended on loss limit", map[string]interface{}{"agentID": id, "lossPct": lossPct})
				g.emit(ctx, domain.EventRisk, "agent suspended", id, agentFields)
			})
		}
	}
	g.lastStatus = status
	g.mu.Unlock()

	for _, a := range actions {
		a()
	}
	return status
}

// Stats returns a snapshot of the counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	equity := g.equityLocked()
	peak := g.peak
	if equity > peak {
		peak = equity
	}
	s := Stats{
		BalanceStart:   g.balanceStart,
		Equity:         equity,
		PeakEquity:     peak,
		DayStartEquity: g.dayStart,
		Realized:       g.realized,
		Unrealized:     equity - g.balanceStart - g.realized,
		DailyPnLPct:    capital.PctChange(g.dayStart, equity),
		DrawdownPct:    pctDrop(peak, equity),
		Status:         g.lastStatus,
		EmergencyStop:  g.limits.EmergencyStop,
		AgentPnL:       make(map[string]float64),
	}
	for id := range g.suspended {
		s.SuspendedAgents = append(s.SuspendedAgents, id)
	}
	for id := range g.stuck {
		s.StuckPositions = append(s.StuckPositions, id)
	}
	for id := range g.realizedByAgent {
		s.AgentPnL[id] = g.agentPnLLocked(id)
	}
	for _, id := range g.positionAgent {
		s.AgentPnL[id] = g.agentPnLLocked(id)
	}
	sort.Strings(s.SuspendedAgents)
	sort.Strings(s.StuckPositions)
	return s
}

// LimitsCommand is an explicit request to change risk limits. Nil fields are
// left unchanged. The command is applied completely or not at all.
type LimitsCommand struct {
	MaxDrawdownPct   *float64
	WarnDrawdownPct  *float64
	MaxDailyLossPct  *float64
	MaxOpenPositions *int
	ForceCloseOnHalt *bool
	AgentMaxLossPct  map[string]float64
}

// UpdateLimits validates and applies a limits command.
func (g *Governor) UpdateLimits(ctx context.Context, cmd LimitsCommand) error {
	g.mu.Lock()
	next := g.limits.Clone()
	if cmd.MaxDrawdownPct != nil {
		next.MaxDrawdownPct = *cmd.MaxDrawdownPct
	}
	if cmd.WarnDrawdownPct != nil {
		next.WarnDrawdownPct = *cmd.WarnDrawdownPct
	}
	if cmd.MaxDailyLossPct != nil {
		next.MaxDailyLossPct = *cmd.MaxDailyLossPct
	}
	if cmd.MaxOpenPositions != nil {
		next.MaxOpenPositions = *cmd.MaxOpenPositions
	}
	if cmd.ForceCloseOnHalt != nil {
		next.ForceCloseOnHalt = *cmd.ForceCloseOnHalt
	}
	for id, v := range cmd.AgentMaxLossPct {
		next.Agents[id] = domain.AgentRiskLimit{MaxLossPct: v}
	}
	if err := next.Validate(); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: limits update rejected: %v", ports.ErrConfigurationError, err)
	}
	g.limits = next
	g.mu.Unlock()

	g.logger.Info(ctx, "Risk limits updated", map[string]interface{}{
		"maxDrawdownPct": next.MaxDrawdownPct, "warnDrawdownPct": next.WarnDrawdownPct,
		"maxDailyLossPct": next.MaxDailyLossPct, "maxOpenPositions": next.MaxOpenPositions,
	})
	g.emit(ctx, domain.EventRisk, "limits updated", "", nil)
	return nil
}

// ResetEmergency clears the emergency-stop latch. The peak is rebased to the
// current equity so the same drawdown does not immediately re-halt.
func (g *Governor) ResetEmergency(ctx context.Context) {
	g.mu.Lock()
	g.limits.EmergencyStop = false
	g.peak = g.equityLocked()
	g.dayStart = g.peak
	g.lastStatus = Nominal
	g.mu.Unlock()

	g.logger.Info(ctx, "Emergency stop reset by operator")
	g.emit(ctx, domain.EventRisk, "emergency stop reset", "", nil)
}

// ResumeAgent lifts the suspension of an agent and rebases its P&L.
func (g *Governor) ResumeAgent(ctx context.Context, agentID string) {
	g.mu.Lock()
	delete(g.suspended, agentID)
	g.realizedByAgent[agentID] = 0
	g.mu.Unlock()
	g.emit(ctx, domain.EventRisk, "agent resumed", agentID, nil)
}

func (g *Governor) equityLocked() float64 {
	equity := g.balanceStart + g.realized
	for _, u := range g.unrealized {
		equity += u
	}
	return equity
}

func (g *Governor) agentPnLLocked(agentID string) float64 {
	pnl := g.realizedByAgent[agentID]
	for pos, id := range g.positionAgent {
		if id == agentID {
			pnl += g.unrealized[pos]
		}
	}
	return pnl
}

// rollDayLocked rebases the daily P&L at the first check of a new UTC day.
func (g *Governor) rollDayLocked(now time.Time) {
	key := dayKey(now)
	if key == g.day {
		return
	}
	g.day = key
	g.dayStart = g.equityLocked()
}

func (g *Governor) emit(ctx context.Context, kind domain.EventKind, msg, agentID string, fields map[string]interface{}) {
	ev := events.New(kind, msg, fields)
	ev.AgentID = agentID
	g.events.Emit(ctx, ev)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func pctDrop(peak, equity float64) float64 {
	if peak <= 0 || equity >= peak {
		return 0
	}
	return -capital.PctChange(peak, equity)
}
