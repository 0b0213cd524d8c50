package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
	"g13lab/internal/risk"
)

const commandResultOK = "ok"

// RiskControls is the operator surface of the risk governor.
type RiskControls interface {
	UpdateLimits(ctx context.Context, cmd risk.LimitsCommand) error
	ResetEmergency(ctx context.Context)
	ResumeAgent(ctx context.Context, agentID string)
}

// Retargeter moves the targets of open positions after a TP/SL change.
type Retargeter interface {
	AdjustTargets(ctx context.Context, agentID string, cfg domain.TPSLConfig) (int, error)
}

// OperatorConfig wires the operator. Positions is optional.
type OperatorConfig struct {
	Queue     ports.CommandQueue
	Risk      RiskControls
	Store     *ConfigStore
	Positions Retargeter
	Logger    ports.Logger
	Clock     func() time.Time
}

// Operator applies commands queued by g13ctl to the running lab.
type Operator struct {
	cfg OperatorConfig
}

// NewOperator validates the wiring and creates an operator.
func NewOperator(cfg OperatorConfig) (*Operator, error) {
	if cfg.Queue == nil || cfg.Risk == nil || cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for operator")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Operator{cfg: cfg}, nil
}

// ApplyPending applies every queued command oldest first and records each
// result. A rejected command is completed with its error text, so it is
// never retried.
func (o *Operator) ApplyPending(ctx context.Context) (int, error) {
	op := "Operator.ApplyPending"
	logger := o.cfg.Logger

	cmds, err := o.cfg.Queue.PendingCommands(ctx)
	if err != nil {
		return 0, fmt.Errorf("load operator commands: %w", err)
	}
	applied := 0
	for _, c := range cmds {
		fields := map[string]interface{}{"commandID": c.ID, "kind": string(c.Kind), "agentID": c.AgentID}
		result := commandResultOK
		if err := o.apply(ctx, c); err != nil {
			result = err.Error()
			logger.Warn(ctx, op+": Operator command rejected", withField(fields, "error", result))
		} else {
			applied++
			logger.Info(ctx, op+": Operator command applied", fields)
		}
		if err := o.cfg.Queue.CompleteCommand(ctx, c.ID, o.cfg.Clock(), result); err != nil {
			return applied, fmt.Errorf("complete operator command %d: %w", c.ID, err)
		}
	}
	return applied, nil
}

func (o *Operator) apply(ctx context.Context, c *domain.OperatorCommand) error {
	switch c.Kind {
	case domain.CommandResetEmergency:
		o.cfg.Risk.ResetEmergency(ctx)
		return nil
	case domain.CommandResumeAgent:
		if _, ok := o.cfg.Store.AgentConfig(c.AgentID); !ok {
			return fmt.Errorf("%w: agent %q", ports.ErrNotFound, c.AgentID)
		}
		o.cfg.Risk.ResumeAgent(ctx, c.AgentID)
		return nil
	case domain.CommandUpdateLimits:
		cmd, err := parseLimitsCommand(c.Payload)
		if err != nil {
			return err
		}
		return o.cfg.Risk.UpdateLimits(ctx, cmd)
	case domain.CommandUpdateAgent:
		return o.updateAgent(ctx, c)
	default:
		return fmt.Errorf("%w: unknown command kind %q", ports.ErrInvalidRequest, c.Kind)
	}
}

func (o *Operator) updateAgent(ctx context.Context, c *domain.OperatorCommand) error {
	cur, ok := o.cfg.Store.AgentConfig(c.AgentID)
	if !ok {
		return fmt.Errorf("%w: agent %q", ports.ErrNotFound, c.AgentID)
	}
	cmd, err := parseAgentCommand(c.Payload, cur)
	if err != nil {
		return err
	}
	next, err := o.cfg.Store.Apply(ctx, cmd)
	if err != nil {
		return err
	}
	if cmd.TPSL == nil || o.cfg.Positions == nil || next.TPSL == cur.TPSL {
		return nil
	}
	n, err := o.cfg.Positions.AdjustTargets(ctx, c.AgentID, next.TPSL)
	switch {
	case errors.Is(err, ports.ErrInvariantViolation):
		o.cfg.Logger.Warn(ctx, "Operator.updateAgent: Open positions kept their tighter stops", map[string]interface{}{"agentID": c.AgentID, "adjusted": n, "reason": err.Error()})
	case err != nil:
		return fmt.Errorf("retarget open positions: %w", err)
	}
	return nil
}

var limitsKeys = map[string]bool{
	"max_drawdown_pct": true, "warn_drawdown_pct": true, "max_daily_loss_pct": true,
	"max_open_positions": true, "force_close_on_halt": true, "agent_max_loss_pct": true,
}

func parseLimitsCommand(raw string) (risk.LimitsCommand, error) {
	var cmd risk.LimitsCommand
	r, err := parsePayload(raw, limitsKeys)
	if err != nil {
		return cmd, err
	}
	if cmd.MaxDrawdownPct, err = floatField(r, "max_drawdown_pct"); err != nil {
		return cmd, err
	}
	if cmd.WarnDrawdownPct, err = floatField(r, "warn_drawdown_pct"); err != nil {
		return cmd, err
	}
	if cmd.MaxDailyLossPct, err = floatField(r, "max_daily_loss_pct"); err != nil {
		return cmd, err
	}
	if cmd.MaxOpenPositions, err = intField(r, "max_open_positions"); err != nil {
		return cmd, err
	}
	if cmd.ForceCloseOnHalt, err = boolField(r, "force_close_on_halt"); err != nil {
		return cmd, err
	}
	if v := r.Get("agent_max_loss_pct"); v.Exists() {
		if !v.IsObject() {
			return cmd, fmt.Errorf("%w: agent_max_loss_pct must be an object", ports.ErrInvalidRequest)
		}
		cmd.AgentMaxLossPct = make(map[string]float64)
		var bad string
		v.ForEach(func(k, pct gjson.Result) bool {
			if pct.Type != gjson.Number {
				bad = k.String()
				return false
			}
			cmd.AgentMaxLossPct[k.String()] = pct.Float()
			return true
		})
		if bad != "" {
			return cmd, fmt.Errorf("%w: agent_max_loss_pct.%s must be a number", ports.ErrInvalidRequest, bad)
		}
	}
	return cmd, nil
}

var agentKeys = map[string]bool{
	"enabled": true, "fibo_tolerance_pct": true, "position_size_pct": true, "max_open_positions": true,
	"tp_pct": true, "sl_pct": true, "trailing_start_pct": true, "trailing_distance_pct": true,
	"break_even_pct": true, "max_spread_points": true,
}

// parseAgentCommand builds an agent command; TP/SL fields are merged into
// the current TPSL so a partial change validates as a whole.
func parseAgentCommand(raw string, cur domain.AgentConfig) (AgentCommand, error) {
	cmd := AgentCommand{AgentID: cur.ID}
	r, err := parsePayload(raw, agentKeys)
	if err != nil {
		return cmd, err
	}
	if cmd.Enabled, err = boolField(r, "enabled"); err != nil {
		return cmd, err
	}
	if cmd.FiboTolerancePct, err = floatField(r, "fibo_tolerance_pct"); err != nil {
		return cmd, err
	}
	if cmd.PositionSizePct, err = floatField(r, "position_size_pct"); err != nil {
		return cmd, err
	}
	if cmd.MaxOpenPositions, err = intField(r, "max_open_positions"); err != nil {
		return cmd, err
	}

	tpsl := cur.TPSL
	changed := false
	for key, dst := range map[string]*float64{
		"tp_pct": &tpsl.TPPct, "sl_pct": &tpsl.SLPct, "trailing_start_pct": &tpsl.TrailingStartPct,
		"trailing_distance_pct": &tpsl.TrailingDistancePct, "break_even_pct": &tpsl.BreakEvenPct,
		"max_spread_points": &tpsl.MaxSpreadPoints,
	} {
		v, err := floatField(r, key)
		if err != nil {
			return cmd, err
		}
		if v != nil {
			*dst = *v
			changed = true
		}
	}
	if changed {
		cmd.TPSL = &tpsl
	}
	return cmd, nil
}

// parsePayload checks that raw is a non-empty JSON object of known keys.
func parsePayload(raw string, allowed map[string]bool) (gjson.Result, error) {
	if !gjson.Valid(raw) {
		return gjson.Result{}, fmt.Errorf("%w: payload is not valid JSON", ports.ErrInvalidRequest)
	}
	r := gjson.Parse(raw)
	if !r.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: payload must be a JSON object", ports.ErrInvalidRequest)
	}
	var unknown string
	n := 0
	r.ForEach(func(k, _ gjson.Result) bool {
		n++
		if !allowed[k.String()] {
			unknown = k.String()
			return false
		}
		return true
	})
	if unknown != "" {
		return gjson.Result{}, fmt.Errorf("%w: unknown field %q", ports.ErrInvalidRequest, unknown)
	}
	if n == 0 {
		return gjson.Result{}, fmt.Errorf("%w: payload changes nothing", ports.ErrInvalidRequest)
	}
	return r, nil
}

func floatField(r gjson.Result, key string) (*float64, error) {
	v := r.Get(key)
	if !v.Exists() {
		return nil, nil
	}
	if v.Type != gjson.Number {
		return nil, fmt.Errorf("%w: %s must be a number", ports.ErrInvalidRequest, key)
	}
	f := v.Float()
	return &f, nil
}

func intField(r gjson.Result, key string) (*int, error) {
	f, err := floatField(r, key)
	if err != nil || f == nil {
		return nil, err
	}
	if *f != math.Trunc(*f) {
		return nil, fmt.Errorf("%w: %s must be an integer", ports.ErrInvalidRequest, key)
	}
	n := int(*f)
	return &n, nil
}

func boolField(r gjson.Result, key string) (*bool, error) {
	v := r.Get(key)
	if !v.Exists() {
		return nil, nil
	}
	if !v.IsBool() {
		return nil, fmt.Errorf("%w: %s must be true or false", ports.ErrInvalidRequest, key)
	}
	b := v.Bool()
	return &b, nil
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
