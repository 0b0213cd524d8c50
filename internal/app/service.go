package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"g13lab/internal/domain"
	"g13lab/internal/events"
	"g13lab/internal/ports"
	"g13lab/internal/risk"
	"g13lab/internal/strategist"
)

const (
	tickInterval       = "1m"
	streamStopTimeout  = 5 * time.Second
	adjustReasonPrefix = "strategist: "
	qtyTolerance       = 1e-6
)

// Engine is the part of the lifecycle engine the service drives.
type Engine interface {
	OnTick(ctx context.Context, tick domain.Tick) error
	RetryClosing(ctx context.Context)
	Positions() []domain.Position
	OpenCounts() (int, map[string]int)
	Exposure() map[string]domain.Exposure
}

// Governor is the part of the risk governor the service drives.
type Governor interface {
	CheckAndEnforce(ctx context.Context) risk.Status
	Stats() risk.Stats
}

// AgentLoop is one running agent.
type AgentLoop interface {
	ID() string
	Run(ctx context.Context) error
}

// Analyzer builds strategist reports.
type Analyzer interface {
	AnalyzeAll(ctx context.Context, agentIDs []string) ([]strategist.Report, error)
}

// Tuner applies strategist suggestions to agent parameters.
type Tuner interface {
	ApplySuggestions(ctx context.Context, agentID string, suggestions []strategist.Suggestion, reason string) ([]domain.Adjustment, error)
}

// AccountGauge publishes the account view, e.g. to metrics.
type AccountGauge interface {
	SetAccount(equity, drawdownPct float64, status string, openPositions int)
}

// ServiceConfig wires the lab service. Analyzer, Tuner, Gauge, Operator,
// Venue, Account and Events are optional.
type ServiceConfig struct {
	Logger   ports.Logger
	Market   ports.MarketData
	Store    *ConfigStore
	Engine   Engine
	Governor Governor
	Sessions *SessionManager
	Archive  ports.TradeArchive
	Agents   []AgentLoop
	Analyzer Analyzer
	Tuner    Tuner
	Gauge    AccountGauge
	Operator *Operator
	Venue    ports.PositionReader // Reconciled against the engine's exposure
	Account  ports.AccountReader  // Verifies the governor's equity
	Events   ports.EventSink

	AccountAsset         string
	RiskCheckInterval    time.Duration
	StrategistInterval   time.Duration
	BalanceCheckInterval time.Duration
	EquityDriftPct       float64
	AutoAdjust           bool
}

// Service runs the agents, the tick pump, the risk monitor and the
// strategist for one session.
type Service struct {
	cfg ServiceConfig

	mu           sync.Mutex
	lastTick     map[string]time.Time
	drift        map[string]float64 // Last reported venue minus tracked net
	lastBalCheck time.Time
}

// NewService validates the wiring and creates a service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Logger == nil || cfg.Market == nil || cfg.Store == nil || cfg.Engine == nil ||
		cfg.Governor == nil || cfg.Sessions == nil || cfg.Archive == nil {
		return nil, fmt.Errorf("missing required dependencies for lab service")
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("%w: no agents configured", ports.ErrStaleConfiguration)
	}
	if cfg.RiskCheckInterval <= 0 {
		return nil, fmt.Errorf("%w: risk check interval must be positive", ports.ErrStaleConfiguration)
	}
	if cfg.Analyzer != nil && cfg.StrategistInterval <= 0 {
		return nil, fmt.Errorf("%w: strategist interval must be positive", ports.ErrStaleConfiguration)
	}
	if cfg.AutoAdjust && cfg.Tuner == nil {
		return nil, fmt.Errorf("auto adjust requires a tuner")
	}
	if cfg.Account != nil {
		if cfg.AccountAsset == "" || cfg.BalanceCheckInterval <= 0 || cfg.EquityDriftPct <= 0 {
			return nil, fmt.Errorf("%w: account checks need an asset, a positive interval and a positive drift threshold", ports.ErrStaleConfiguration)
		}
	}
	if cfg.Events == nil {
		cfg.Events = events.NewFanout()
	}
	return &Service{cfg: cfg, lastTick: make(map[string]time.Time), drift: make(map[string]float64)}, nil
}

// Start runs the service until SIGINT/SIGTERM or ctx is canceled. The
// session must already be started; it is ended on the way out.
func (s *Service) Start(ctx context.Context) error {
	logger := s.cfg.Logger
	logger.Info(ctx, "Starting lab service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.Run(ctx)
	s.endSession(context.Background())
	logger.Info(context.Background(), "Lab service stopped.")
	return err
}

// Run starts every loop and blocks until ctx is done or a loop fails.
func (s *Service) Run(ctx context.Context) error {
	if _, ok := s.cfg.Sessions.Current(); !ok {
		return fmt.Errorf("%w: session must be started before the service runs", ports.ErrStaleConfiguration)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range s.cfg.Agents {
		a := a
		g.Go(func() error {
			if err := a.Run(gctx); err != nil {
				return fmt.Errorf("agent %s: %w", a.ID(), err)
			}
			return nil
		})
	}
	for _, sym := range s.cfg.Store.Symbols() {
		sym := sym
		g.Go(func() error { return s.pumpTicks(gctx, sym) })
	}
	g.Go(func() error { return s.monitor(gctx) })
	if s.cfg.Analyzer != nil {
		g.Go(func() error { return s.review(gctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pumpTicks feeds the kline stream of one symbol into the engine.
func (s *Service) pumpTicks(ctx context.Context, symbol string) error {
	op := "Service.pumpTicks"
	logger := s.cfg.Logger

	doneCh, stopCh, err := s.cfg.Market.StreamKlines(ctx, symbol, tickInterval, func(k *domain.Kline) {
		// Receipt time, since CloseTime of an open kline is the interval end.
		s.Tick(ctx, domain.Tick{Symbol: symbol, Price: k.Close, Time: time.Now()})
	}, func(err error) {
		logger.Error(ctx, err, op+": Kline stream error", map[string]interface{}{"symbol": symbol})
	})
	if err != nil {
		return fmt.Errorf("start kline stream for %s: %w", symbol, err)
	}
	logger.Info(ctx, op+": Kline stream started", map[string]interface{}{"symbol": symbol, "interval": tickInterval})

	select {
	case <-ctx.Done():
		select {
		case stopCh <- struct{}{}:
		default:
		}
		select {
		case <-doneCh:
			logger.Info(ctx, op+": Kline stream shut down", map[string]interface{}{"symbol": symbol})
		case <-time.After(streamStopTimeout):
			logger.Warn(ctx, op+": Timeout waiting for kline stream to shut down", map[string]interface{}{"symbol": symbol})
		}
		return nil
	case <-doneCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("kline stream for %s stopped unexpectedly", symbol)
	}
}

// Tick hands one price to the engine.
func (s *Service) Tick(ctx context.Context, tick domain.Tick) {
	s.mu.Lock()
	s.lastTick[tick.Symbol] = tick.Time
	s.mu.Unlock()
	if err := s.cfg.Engine.OnTick(ctx, tick); err != nil && ctx.Err() == nil {
		s.cfg.Logger.Error(ctx, err, "Tick processing failed", map[string]interface{}{"symbol": tick.Symbol})
	}
}

func (s *Service) monitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RiskCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// CheckOnce applies queued operator commands, refreshes prices of symbols
// with active positions, runs the governor, retries pending closes and
// checks the books against the venue.
func (s *Service) CheckOnce(ctx context.Context) risk.Status {
	if s.cfg.Operator != nil {
		if _, err := s.cfg.Operator.ApplyPending(ctx); err != nil {
			s.cfg.Logger.Error(ctx, err, "Operator commands failed")
		}
	}
	s.pollQuotes(ctx)
	status := s.cfg.Governor.CheckAndEnforce(ctx)
	s.cfg.Engine.RetryClosing(ctx)
	s.reconcile(ctx)
	s.verifyEquity(ctx)

	if s.cfg.Gauge != nil {
		st := s.cfg.Governor.Stats()
		open, _ := s.cfg.Engine.OpenCounts()
		s.cfg.Gauge.SetAccount(st.Equity, st.DrawdownPct, string(status), open)
	}
	return status
}

// pollQuotes covers the gap when a stream falls behind: a quote mid is
// applied to any symbol whose last tick is older than the check interval.
func (s *Service) pollQuotes(ctx context.Context) {
	seen := make(map[string]bool)
	now := time.Now()
	for _, p := range s.cfg.Engine.Positions() {
		sym := p.Instrument.Symbol
		if seen[sym] || !p.IsActive() {
			continue
		}
		seen[sym] = true

		s.mu.Lock()
		last := s.lastTick[sym]
		s.mu.Unlock()
		if now.Sub(last) < s.cfg.RiskCheckInterval {
			continue
		}
		q, err := s.cfg.Market.GetQuote(ctx, sym)
		if err != nil {
			s.cfg.Logger.Warn(ctx, "Quote poll failed", map[string]interface{}{"symbol": sym, "error": err.Error()})
			continue
		}
		s.Tick(ctx, domain.Tick{Symbol: sym, Price: q.Mid(), Time: q.Time})
	}
}

// reconcile compares the venue's net position per symbol with the engine's
// settled exposure. Each new divergence is reported once as an anomaly.
func (s *Service) reconcile(ctx context.Context) {
	op := "Service.reconcile"
	if s.cfg.Venue == nil {
		return
	}
	before := s.cfg.Engine.Exposure()
	held, err := s.cfg.Venue.GetPositions(ctx)
	if err != nil {
		s.cfg.Logger.Warn(ctx, op+": Venue positions unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	venue := make(map[string]float64)
	for _, p := range held {
		venue[p.Symbol] += p.Amount
	}
	tracked := s.cfg.Engine.Exposure()

	symbols := make([]string, 0, len(venue)+len(tracked))
	seen := make(map[string]bool, len(venue))
	for sym := range venue {
		seen[sym] = true
		symbols = append(symbols, sym)
	}
	s.mu.Lock()
	for sym := range s.drift {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	s.mu.Unlock()
	for sym := range tracked {
		if !seen[sym] {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		exp, ok := tracked[sym]
		if ok && !exp.Settled || exp != before[sym] {
			// Unsettled, or changed while the venue was read.
			continue
		}
		atVenue := venue[sym]
		diff := atVenue - exp.Net
		s.mu.Lock()
		prev, reported := s.drift[sym]
		if math.Abs(diff) <= qtyTolerance*math.Max(1, math.Max(math.Abs(atVenue), math.Abs(exp.Net))) {
			delete(s.drift, sym)
			s.mu.Unlock()
			if reported {
				s.cfg.Logger.Info(ctx, op+": Venue position matches again", map[string]interface{}{"symbol": sym})
			}
			continue
		}
		s.drift[sym] = diff
		s.mu.Unlock()
		if reported && prev == diff {
			continue
		}

		kind := "size_mismatch"
		switch {
		case exp.Net == 0:
			kind = "untracked_at_venue"
		case atVenue == 0:
			kind = "missing_at_venue"
		}
		fields := map[string]interface{}{"symbol": sym, "kind": kind, "venue": atVenue, "tracked": exp.Net}
		s.cfg.Logger.Warn(ctx, op+": Venue position differs from tracked exposure", fields)
		ev := events.New(domain.EventAnomaly, "venue position differs from tracked exposure", fields)
		ev.Symbol = sym
		s.cfg.Events.Emit(ctx, ev)
	}
}

// verifyEquity compares the governor's counter equity with the account at
// most once per balance check interval.
func (s *Service) verifyEquity(ctx context.Context) {
	op := "Service.verifyEquity"
	if s.cfg.Account == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	due := now.Sub(s.lastBalCheck) >= s.cfg.BalanceCheckInterval
	if due {
		s.lastBalCheck = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	bal, err := s.cfg.Account.GetAccountBalance(ctx, s.cfg.AccountAsset)
	if err != nil {
		s.cfg.Logger.Warn(ctx, op+": Account balance unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	if bal.Equity <= 0 {
		s.cfg.Logger.Warn(ctx, op+": Account reports no equity", map[string]interface{}{"asset": s.cfg.AccountAsset})
		return
	}
	counted := s.cfg.Governor.Stats().Equity
	driftPct := math.Abs(counted-bal.Equity) / bal.Equity * 100
	if driftPct < s.cfg.EquityDriftPct {
		return
	}
	fields := map[string]interface{}{"counted": counted, "account": bal.Equity, "driftPct": driftPct}
	s.cfg.Logger.Warn(ctx, op+": Governor equity diverges from the account", fields)
	s.cfg.Events.Emit(ctx, events.New(domain.EventRisk, "governor equity diverges from account", fields))
}

func (s *Service) review(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StrategistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.ReviewOnce(ctx); err != nil && ctx.Err() == nil {
				s.cfg.Logger.Error(ctx, err, "Strategist review failed")
			}
		}
	}
}

// ReviewOnce analyzes every agent and, with auto adjust on, applies the
// suggestions. A rate-limited agent is skipped until the next review.
func (s *Service) ReviewOnce(ctx context.Context) error {
	op := "Service.ReviewOnce"
	logger := s.cfg.Logger
	if s.cfg.Analyzer == nil {
		return nil
	}
	reports, err := s.cfg.Analyzer.AnalyzeAll(ctx, s.cfg.Store.AgentIDs())
	if err != nil {
		return err
	}
	sum := strategist.Summarize(reports)
	logger.Info(ctx, op+": Strategist summary", map[string]interface{}{
		"trades": sum.TotalTrades, "profit": sum.TotalProfit, "winRate": sum.WinRate,
		"best": sum.BestAgent, "worst": sum.WorstAgent,
	})
	if !s.cfg.AutoAdjust {
		return nil
	}

	for _, r := range reports {
		if len(r.Suggestions) == 0 {
			continue
		}
		reason := adjustReasonPrefix + string(r.Evaluation)
		applied, err := s.cfg.Tuner.ApplySuggestions(ctx, r.AgentID, r.Suggestions, reason)
		switch {
		case errors.Is(err, ports.ErrRateLimitedChange):
			logger.Info(ctx, op+": Adjustment deferred", map[string]interface{}{"agentID": r.AgentID, "reason": err.Error()})
		case err != nil:
			logger.Error(ctx, err, op+": Adjustment failed", map[string]interface{}{"agentID": r.AgentID})
		case len(applied) > 0:
			logger.Info(ctx, op+": Adjustments applied", map[string]interface{}{"agentID": r.AgentID, "count": len(applied)})
		}
	}
	return nil
}

func (s *Service) endSession(ctx context.Context) {
	sess, ok := s.cfg.Sessions.Current()
	if !ok {
		return
	}
	trades, err := s.cfg.Archive.FindClosedTrades(ctx, "", 0)
	if err != nil {
		s.cfg.Logger.Error(ctx, err, "Failed to count session trades")
	}
	count := 0
	for _, t := range trades {
		if !t.ExitTime.Before(sess.StartedAt) {
			count++
		}
	}
	if _, err := s.cfg.Sessions.End(ctx, s.closingEquity(ctx), count); err != nil {
		s.cfg.Logger.Error(ctx, err, "Failed to end session", map[string]interface{}{"sessionID": sess.ID})
	}
}

// closingEquity prefers a verified account read and falls back to the
// governor's counters.
func (s *Service) closingEquity(ctx context.Context) float64 {
	counted := s.cfg.Governor.Stats().Equity
	if s.cfg.Account == nil {
		return counted
	}
	bal, err := s.cfg.Account.GetAccountBalance(ctx, s.cfg.AccountAsset)
	if err != nil || bal.Equity <= 0 {
		fields := map[string]interface{}{"counted": counted}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.cfg.Logger.Warn(ctx, "Session ends on counted equity, account read failed", fields)
		return counted
	}
	return bal.Equity
}
