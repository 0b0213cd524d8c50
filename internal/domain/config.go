package domain

import (
	"errors"
	"fmt"
	"time"
)

// TPSLConfig holds exit parameters. Every field is a percentage, never an
// absolute currency amount.
type TPSLConfig struct {
	MaxSpreadPoints     float64
	TPPct               float64
	SLPct               float64
	TrailingStartPct    float64
	TrailingDistancePct float64
	BreakEvenPct        float64
}

// Validate checks that all fields are positive and trailing starts before
// the target is reached.
func (c TPSLConfig) Validate() error {
	var errs []error
	check := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}
	check("max_spread_points", c.MaxSpreadPoints)
	check("tp_pct", c.TPPct)
	check("sl_pct", c.SLPct)
	check("trailing_start_pct", c.TrailingStartPct)
	check("trailing_distance_pct", c.TrailingDistancePct)
	check("break_even_pct", c.BreakEvenPct)
	if c.TrailingStartPct >= c.TPPct {
		errs = append(errs, fmt.Errorf("trailing_start_pct (%v) must be below tp_pct (%v)", c.TrailingStartPct, c.TPPct))
	}
	return errors.Join(errs...)
}

// AgentRiskLimit is the loss allocation of a single agent.
type AgentRiskLimit struct {
	MaxLossPct float64 // Suspend the agent once its realized+unrealized loss reaches this share of balance_start
}

// RiskLimits are the account-wide limits enforced by the risk governor.
type RiskLimits struct {
	MaxDrawdownPct   float64
	WarnDrawdownPct  float64
	MaxDailyLossPct  float64
	MaxOpenPositions int
	EmergencyStop    bool
	ForceCloseOnHalt bool
	Agents           map[string]AgentRiskLimit
}

// Validate checks the limits for internal consistency.
func (l RiskLimits) Validate() error {
	var errs []error
	if l.MaxDrawdownPct <= 0 {
		errs = append(errs, fmt.Errorf("max_drawdown_pct must be positive, got %v", l.MaxDrawdownPct))
	}
	if l.WarnDrawdownPct <= 0 || l.WarnDrawdownPct >= l.MaxDrawdownPct {
		errs = append(errs, fmt.Errorf("warn_drawdown_pct must be in (0, max_drawdown_pct), got %v", l.WarnDrawdownPct))
	}
	if l.MaxDailyLossPct <= 0 {
		errs = append(errs, fmt.Errorf("max_daily_loss_pct must be positive, got %v", l.MaxDailyLossPct))
	}
	if l.MaxOpenPositions <= 0 {
		errs = append(errs, fmt.Errorf("max_open_positions must be positive, got %d", l.MaxOpenPositions))
	}
	for id, a := range l.Agents {
		if a.MaxLossPct <= 0 {
			errs = append(errs, fmt.Errorf("agent %s max_loss_pct must be positive, got %v", id, a.MaxLossPct))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of the limits.
func (l RiskLimits) Clone() RiskLimits {
	out := l
	out.Agents = make(map[string]AgentRiskLimit, len(l.Agents))
	for k, v := range l.Agents {
		out.Agents[k] = v
	}
	return out
}

// AgentConfig parameterizes one Fibonacci agent.
type AgentConfig struct {
	ID               string
	Enabled          bool
	Symbol           string
	Interval         string        // Kline interval used for analysis
	FiboLevel        string        // "0.236", "0.382", "0.5", "0.618", "0.786"
	FiboTolerancePct float64       // Allowed distance around the level, % of level price
	Cooldown         time.Duration // Pause after an executed trade
	PositionSizePct  float64       // Notional as % of current equity
	MaxOpenPositions int
	AllowRange       bool // Trade rebounds when the trend is neutral
	RequireStructure bool // Swing structure must agree with the EMA trend
	RSIGuard         bool
	SentimentGuard   bool
	TPSL             TPSLConfig
}

// Validate checks the agent parameters.
func (c AgentConfig) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("agent id must be set"))
	}
	if c.Symbol == "" {
		errs = append(errs, fmt.Errorf("agent %s: symbol must be set", c.ID))
	}
	if _, ok := FiboRatios[c.FiboLevel]; !ok {
		errs = append(errs, fmt.Errorf("agent %s: unknown fibo_level %q", c.ID, c.FiboLevel))
	}
	if c.FiboTolerancePct <= 0 {
		errs = append(errs, fmt.Errorf("agent %s: fibo_tolerance_pct must be positive", c.ID))
	}
	if c.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("agent %s: cooldown cannot be negative", c.ID))
	}
	if c.PositionSizePct <= 0 {
		errs = append(errs, fmt.Errorf("agent %s: position_size_pct must be positive", c.ID))
	}
	if c.MaxOpenPositions <= 0 {
		errs = append(errs, fmt.Errorf("agent %s: max_open_positions must be positive", c.ID))
	}
	if err := c.TPSL.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("agent %s tpsl: %w", c.ID, err))
	}
	return errors.Join(errs...)
}

// FiboRatios maps Fibonacci retracement level names to their ratio.
var FiboRatios = map[string]float64{
	"0":     0,
	"0.236": 0.236,
	"0.382": 0.382,
	"0.5":   0.5,
	"0.618": 0.618,
	"0.786": 0.786,
	"1":     1,
}
