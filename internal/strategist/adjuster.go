package strategist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"g13lab/internal/domain"
	"g13lab/internal/events"
	"g13lab/internal/ports"
)

// Param names a tunable agent parameter.
type Param string

const (
	ParamTolerance    Param = "fibo_tolerance_pct"
	ParamCooldown     Param = "cooldown_seconds"
	ParamPositionSize Param = "position_size_pct"
	ParamTP           Param = "tp_pct"
	ParamSL           Param = "sl_pct"
)

// Bounds is the allowed range of a parameter and its rounding.
type Bounds struct {
	Min, Max float64
	Places   int32
}

// ParamBounds are the hard limits of every tunable parameter.
var ParamBounds = map[Param]Bounds{
	ParamTolerance:    {Min: 0.5, Max: 5.0, Places: 2},
	ParamCooldown:     {Min: 60, Max: 600, Places: 0},
	ParamPositionSize: {Min: 0.5, Max: 5.0, Places: 3},
	ParamTP:           {Min: 0.1, Max: 1.0, Places: 3},
	ParamSL:           {Min: 0.2, Max: 1.0, Places: 3},
}

// Rule steps and guard-rails.
const (
	ToleranceStep         = 0.5
	TPStep                = 0.05
	SLStep                = 0.05
	PositionSizeStep      = 0.5
	MaxSLTPRatio          = 1.5
	MaxChangePct          = 50.0
	DirectionLock         = 4 * time.Hour
	MinAdjustmentInterval = 15 * time.Minute
	MaxAdjustmentsPerHour = 4
)

// ConfigUpdater exposes agent configuration through validated commands.
type ConfigUpdater interface {
	AgentConfig(id string) (domain.AgentConfig, bool)
	// UpdateAgent applies mutate to a copy and commits it only if the result
	// validates.
	UpdateAgent(ctx context.Context, id string, mutate func(*domain.AgentConfig)) (domain.AgentConfig, error)
}

// Retargeter moves the targets of open positions after a TP/SL change.
type Retargeter interface {
	AdjustTargets(ctx context.Context, agentID string, cfg domain.TPSLConfig) (int, error)
}

// AdjusterConfig wires an adjuster.
type AdjusterConfig struct {
	Configs   ConfigUpdater
	Positions Retargeter // Optional
	Log       ports.AdjustmentLog
	Events    ports.EventSink
	Logger    ports.Logger
	Clock     func() time.Time
}

// Adjuster applies parameter changes within bounds and rate limits.
type Adjuster struct {
	cfg AdjusterConfig
	mu  sync.Mutex // Serializes adjustment cycles
}

// NewAdjuster creates an adjuster.
func NewAdjuster(cfg AdjusterConfig) (*Adjuster, error) {
	if cfg.Configs == nil || cfg.Log == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for adjuster")
	}
	if cfg.Events == nil {
		cfg.Events = events.NewFanout()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Adjuster{cfg: cfg}, nil
}

// StepsFor converts suggestions into requested parameter values using the
// fixed rule steps.
func StepsFor(cfg domain.AgentConfig, suggestions []Suggestion) map[Param]float64 {
	out := make(map[Param]float64)
	for _, s := range suggestions {
		switch s.Type {
		case ReduceTolerance:
			out[ParamTolerance] = cfg.FiboTolerancePct - ToleranceStep
		case AdjustTPSL:
			out[ParamTP] = cfg.TPSL.TPPct + TPStep
		case RiskManagement:
			out[ParamSL] = cfg.TPSL.SLPct - SLStep
		case IncreaseRisk:
			out[ParamPositionSize] = cfg.PositionSizePct + PositionSizeStep
		}
	}
	return out
}

// ApplySuggestions converts suggestions to rule steps and applies them.
func (a *Adjuster) ApplySuggestions(ctx context.Context, agentID string, suggestions []Suggestion, reason string) ([]domain.Adjustment, error) {
	cfg, ok := a.cfg.Configs.AgentConfig(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ports.ErrNotFound, agentID)
	}
	return a.ApplyValues(ctx, agentID, StepsFor(cfg, suggestions), reason)
}

// ApplyValues applies requested parameter values after clamping them to
// bounds, capping SL at 1.5x TP, limiting each change to 50% of the current
// value and refusing to reverse a recent change. Nothing is applied when the
// agent was adjusted less than 15 minutes ago or four times in the last hour.
func (a *Adjuster) ApplyValues(ctx context.Context, agentID string, requested map[Param]float64, reason string) ([]domain.Adjustment, error) {
	op := "Adjuster.ApplyValues"
	if len(requested) == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.cfg.Clock()

	history, err := a.cfg.Log.FindAdjustments(ctx, agentID, now.Add(-DirectionLock))
	if err != nil {
		return nil, fmt.Errorf("load adjustment history for %s: %w", agentID, err)
	}
	if err := checkRate(history, now); err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	current, ok := a.cfg.Configs.AgentConfig(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ports.ErrNotFound, agentID)
	}
	planned := a.plan(ctx, current, requested, history, now)
	if len(planned) == 0 {
		return nil, nil
	}

	updated, err := a.cfg.Configs.UpdateAgent(ctx, agentID, func(c *domain.AgentConfig) {
		for p, v := range planned {
			setParam(c, p, v)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("apply adjustment to %s: %w", agentID, err)
	}

	params := make([]Param, 0, len(planned))
	for p := range planned {
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i] < params[j] })

	applied := make([]domain.Adjustment, 0, len(params))
	retarget := false
	for _, p := range params {
		adj := domain.Adjustment{
			AgentID:   agentID,
			Param:     string(p),
			OldValue:  getParam(current, p),
			NewValue:  planned[p],
			Reason:    truncate(reason, 200),
			AppliedAt: now,
		}
		id, err := a.cfg.Log.SaveAdjustment(ctx, &adj)
		if err != nil {
			a.cfg.Logger.Error(ctx, err, op+": Failed to log adjustment", map[string]interface{}{"agentID": agentID, "param": adj.Param})
		}
		adj.ID = id
		applied = append(applied, adj)
		retarget = retarget || p == ParamTP || p == ParamSL

		ev := events.New(domain.EventAdjustment, "parameter adjusted", map[string]interface{}{
			"param": adj.Param, "old": adj.OldValue, "new": adj.NewValue, "reason": adj.Reason,
		})
		ev.AgentID = agentID
		a.cfg.Events.Emit(ctx, ev)
		a.cfg.Logger.Info(ctx, op+": Parameter adjusted", map[string]interface{}{
			"agentID": agentID, "param": adj.Param, "old": adj.OldValue, "new": adj.NewValue,
		})
	}

	if retarget && a.cfg.Positions != nil {
		n, err := a.cfg.Positions.AdjustTargets(ctx, agentID, updated.TPSL)
		switch {
		case errors.Is(err, ports.ErrInvariantViolation):
			a.cfg.Logger.Warn(ctx, op+": Open positions kept their tighter stops", map[string]interface{}{"agentID": agentID, "positions": n, "error": err.Error()})
		case err != nil:
			a.cfg.Logger.Error(ctx, err, op+": Failed to re-target open positions", map[string]interface{}{"agentID": agentID})
		case n > 0:
			a.cfg.Logger.Info(ctx, op+": Open positions re-targeted", map[string]interface{}{"agentID": agentID, "positions": n})
		}
	}
	return applied, nil
}

func (a *Adjuster) plan(ctx context.Context, cfg domain.AgentConfig, requested map[Param]float64, history []*domain.Adjustment, now time.Time) map[Param]float64 {
	want := make(map[Param]float64, len(requested))
	for p, v := range requested {
		if _, ok := ParamBounds[p]; !ok {
			a.cfg.Logger.Warn(ctx, "Ignoring unknown parameter", map[string]interface{}{"agentID": cfg.ID, "param": string(p)})
			continue
		}
		want[p] = clamp(p, v)
	}

	tp, sl := cfg.TPSL.TPPct, cfg.TPSL.SLPct
	if v, ok := want[ParamTP]; ok {
		tp = v
	}
	if v, ok := want[ParamSL]; ok {
		sl = v
	}
	if sl > tp*MaxSLTPRatio {
		want[ParamSL] = clamp(ParamSL, tp*MaxSLTPRatio)
	}

	out := make(map[Param]float64, len(want))
	for p, v := range want {
		cur := getParam(cfg, p)
		if v == cur {
			continue
		}
		if cur > 0 {
			maxDelta := cur * MaxChangePct / 100
			if math.Abs(v-cur) > maxDelta {
				if v > cur {
					v = clamp(p, cur+maxDelta)
				} else {
					v = clamp(p, cur-maxDelta)
				}
			}
		}
		if directionLocked(history, p, cur, v, now) {
			a.cfg.Logger.Info(ctx, "Adjustment blocked by direction lock", map[string]interface{}{"agentID": cfg.ID, "param": string(p), "from": cur, "to": v})
			continue
		}
		if v != cur {
			out[p] = v
		}
	}
	return out
}

func checkRate(history []*domain.Adjustment, now time.Time) error {
	var last time.Time
	cycles := make(map[int64]bool)
	for _, h := range history {
		if h.AppliedAt.After(last) {
			last = h.AppliedAt
		}
		if now.Sub(h.AppliedAt) < time.Hour {
			cycles[h.AppliedAt.UnixNano()] = true
		}
	}
	if !last.IsZero() && now.Sub(last) < MinAdjustmentInterval {
		return fmt.Errorf("%w: last adjustment %s ago", ports.ErrRateLimitedChange, now.Sub(last).Round(time.Second))
	}
	if len(cycles) >= MaxAdjustmentsPerHour {
		return fmt.Errorf("%w: %d adjustment cycles in the last hour", ports.ErrRateLimitedChange, len(cycles))
	}
	return nil
}

// directionLocked reports whether moving p from cur to next reverses the
// most recent change of p made within the lock window.
func directionLocked(history []*domain.Adjustment, p Param, cur, next float64, now time.Time) bool {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Param != string(p) {
			continue
		}
		if now.Sub(h.AppliedAt) >= DirectionLock {
			return false
		}
		lastUp := h.NewValue > h.OldValue
		return lastUp != (next > cur)
	}
	return false
}

func clamp(p Param, v float64) float64 {
	b := ParamBounds[p]
	v = math.Max(b.Min, math.Min(b.Max, v))
	return decimal.NewFromFloat(v).Round(b.Places).InexactFloat64()
}

func getParam(cfg domain.AgentConfig, p Param) float64 {
	switch p {
	case ParamTolerance:
		return cfg.FiboTolerancePct
	case ParamCooldown:
		return cfg.Cooldown.Seconds()
	case ParamPositionSize:
		return cfg.PositionSizePct
	case ParamTP:
		return cfg.TPSL.TPPct
	case ParamSL:
		return cfg.TPSL.SLPct
	}
	return 0
}

func setParam(cfg *domain.AgentConfig, p Param, v float64) {
	switch p {
	case ParamTolerance:
		cfg.FiboTolerancePct = v
	case ParamCooldown:
		cfg.Cooldown = time.Duration(v) * time.Second
	case ParamPositionSize:
		cfg.PositionSizePct = v
	case ParamTP:
		cfg.TPSL.TPPct = v
	case ParamSL:
		cfg.TPSL.SLPct = v
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
