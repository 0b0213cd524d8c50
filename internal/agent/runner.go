package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
	"g13lab/internal/strategy/structure"
	"g13lab/internal/tchek"
)

const defaultCandleLimit = 100

// ConfigSource returns the current configuration snapshot for an agent and
// the instruments it may trade.
type ConfigSource interface {
	AgentConfig(id string) (domain.AgentConfig, bool)
	Instrument(symbol string) (domain.Instrument, bool)
}

// Submitter hands proposals to the admission gate and lifecycle engine.
type Submitter interface {
	Submit(ctx context.Context, p domain.Proposal) (domain.Position, error)
}

// CapitalSource reports the current equity used for sizing.
type CapitalSource interface {
	Capital() domain.Capital
}

// Action is the outcome class of one decision step.
type Action string

const (
	ActionDisabled Action = "disabled"
	ActionCooldown Action = "cooldown"
	ActionSkip     Action = "skip"
	ActionRejected Action = "rejected"
	ActionOpened   Action = "opened"
)

// Outcome describes one decision step.
type Outcome struct {
	Action   Action
	Reason   string
	Position *domain.Position
}

// RunnerConfig wires a runner.
type RunnerConfig struct {
	AgentID       string
	Configs       ConfigSource
	Market        ports.MarketData
	Sentiment     ports.SentimentSource // Optional
	Engine        Submitter
	Capital       CapitalSource
	Logger        ports.Logger
	PollInterval  time.Duration
	CandleLimit   int
	SwingLookback int
	Clock         func() time.Time
}

// Runner polls the market for one agent and submits proposals.
type Runner struct {
	cfg RunnerConfig

	mu        sync.Mutex
	lastTrade time.Time
}

// NewRunner creates an agent runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.Configs == nil || cfg.Market == nil || cfg.Engine == nil || cfg.Capital == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for agent runner %s", cfg.AgentID)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval for agent %s must be positive", ports.ErrStaleConfiguration, cfg.AgentID)
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = defaultCandleLimit
	}
	if cfg.SwingLookback <= 0 {
		cfg.SwingLookback = structure.DefaultSwingLookback
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Runner{cfg: cfg}, nil
}

// ID returns the agent ID.
func (r *Runner) ID() string { return r.cfg.AgentID }

// Run steps the agent every poll interval until ctx is done. Step errors are
// logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	op := "Runner.Run"
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.cfg.Logger.Info(ctx, op+": Agent loop started", map[string]interface{}{"agentID": r.cfg.AgentID, "interval": r.cfg.PollInterval.String()})
	for {
		select {
		case <-ctx.Done():
			r.cfg.Logger.Info(ctx, op+": Agent loop stopped", map[string]interface{}{"agentID": r.cfg.AgentID})
			return nil
		case <-ticker.C:
			if _, err := r.Step(ctx); err != nil && ctx.Err() == nil {
				r.cfg.Logger.Error(ctx, err, op+": Agent step failed", map[string]interface{}{"agentID": r.cfg.AgentID})
			}
		}
	}
}

// Step runs one decision cycle.
func (r *Runner) Step(ctx context.Context) (Outcome, error) {
	op := "Runner.Step"
	logger := r.cfg.Logger
	now := r.cfg.Clock()

	cfg, ok := r.cfg.Configs.AgentConfig(r.cfg.AgentID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: agent %s has no configuration", ports.ErrNotFound, r.cfg.AgentID)
	}
	if !cfg.Enabled {
		return Outcome{Action: ActionDisabled}, nil
	}
	if until := r.cooldownUntil(cfg.Cooldown); now.Before(until) {
		return Outcome{Action: ActionCooldown, Reason: "cooldown until " + until.UTC().Format(time.RFC3339)}, nil
	}
	inst, ok := r.cfg.Configs.Instrument(cfg.Symbol)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: instrument %s for agent %s", ports.ErrNotFound, cfg.Symbol, cfg.ID)
	}

	klines, err := r.cfg.Market.GetKlines(ctx, cfg.Symbol, cfg.Interval, r.cfg.CandleLimit)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to get klines for %s: %w", cfg.Symbol, err)
	}
	analysis, err := structure.Analyze(klines, r.cfg.SwingLookback)
	if err != nil {
		return Outcome{Action: ActionSkip, Reason: err.Error()}, nil
	}
	quote, err := r.cfg.Market.GetQuote(ctx, cfg.Symbol)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to get quote for %s: %w", cfg.Symbol, err)
	}

	market := Market{Analysis: analysis, Quote: quote}
	if cfg.SentimentGuard && r.cfg.Sentiment != nil {
		s, err := r.cfg.Sentiment.Current(ctx)
		if err != nil {
			logger.Warn(ctx, op+": Sentiment unavailable", map[string]interface{}{"agentID": cfg.ID, "error": err.Error()})
		} else {
			market.Sentiment = &s
		}
	}

	proposal, reason := Decide(cfg, inst, market, r.cfg.Capital.Capital().Equity, now)
	if proposal == nil {
		logger.Debug(ctx, op+": No trade", map[string]interface{}{"agentID": cfg.ID, "reason": reason})
		return Outcome{Action: ActionSkip, Reason: reason}, nil
	}

	logger.Info(ctx, op+": Submitting proposal", map[string]interface{}{
		"agentID":    cfg.ID,
		"proposalID": proposal.ID,
		"direction":  proposal.Direction,
		"size":       proposal.Size,
		"level":      proposal.Condition.LevelPrice,
		"atrPct":     analysis.ATRPct,
	})
	pos, err := r.cfg.Engine.Submit(ctx, *proposal)
	if err != nil {
		if errors.Is(err, ports.ErrAdmissionRejected) {
			return Outcome{Action: ActionRejected, Reason: string(tchek.ReasonOf(err))}, nil
		}
		return Outcome{}, fmt.Errorf("submit proposal %s: %w", proposal.ID, err)
	}

	r.mu.Lock()
	r.lastTrade = now
	r.mu.Unlock()
	return Outcome{Action: ActionOpened, Position: &pos}, nil
}

func (r *Runner) cooldownUntil(cooldown time.Duration) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastTrade.IsZero() {
		return time.Time{}
	}
	return r.lastTrade.Add(cooldown)
}
