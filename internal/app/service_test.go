package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g13lab/config"
	"g13lab/internal/domain"
	"g13lab/internal/events"
	"g13lab/internal/ports"
	"g13lab/internal/risk"
	"g13lab/internal/strategist"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockMarket struct {
	mu       sync.Mutex
	quote    domain.Quote
	quoteErr error
	streams  []string
	handlers map[string]func(*domain.Kline)
}

func (m *mockMarket) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	q := m.quote
	q.Symbol = symbol
	return q, m.quoteErr
}

func (m *mockMarket) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	return nil, nil
}

func (m *mockMarket) StreamKlines(ctx context.Context, symbol, interval string, handler func(*domain.Kline), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	m.mu.Lock()
	m.streams = append(m.streams, symbol)
	if m.handlers == nil {
		m.handlers = make(map[string]func(*domain.Kline))
	}
	m.handlers[symbol] = handler
	m.mu.Unlock()

	doneCh := make(chan struct{})
	stopCh := make(chan struct{}, 1)
	go func() {
		defer close(doneCh)
		select {
		case <-stopCh:
		case <-ctx.Done():
		}
	}()
	return doneCh, stopCh, nil
}

type mockEngine struct {
	mu        sync.Mutex
	ticks     []domain.Tick
	retries   int
	positions []domain.Position
	exposure  map[string]domain.Exposure
}

func (m *mockEngine) OnTick(ctx context.Context, tick domain.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, tick)
	return nil
}

func (m *mockEngine) RetryClosing(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *mockEngine) Positions() []domain.Position { return m.positions }

func (m *mockEngine) OpenCounts() (int, map[string]int) { return len(m.positions), nil }

func (m *mockEngine) Exposure() map[string]domain.Exposure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.Exposure, len(m.exposure))
	for k, v := range m.exposure {
		out[k] = v
	}
	return out
}

type mockPositions struct {
	held  []ports.VenuePosition
	err   error
	reads int
}

func (m *mockPositions) GetPositions(ctx context.Context) ([]ports.VenuePosition, error) {
	m.reads++
	return m.held, m.err
}

type mockGovernor struct {
	status risk.Status
	stats  risk.Stats
	checks int
}

func (m *mockGovernor) CheckAndEnforce(ctx context.Context) risk.Status {
	m.checks++
	return m.status
}

func (m *mockGovernor) Stats() risk.Stats { return m.stats }

type mockGauge struct {
	equity, drawdown float64
	status           string
	open             int
}

func (m *mockGauge) SetAccount(equity, drawdownPct float64, status string, openPositions int) {
	m.equity, m.drawdown, m.status, m.open = equity, drawdownPct, status, openPositions
}

type mockAgent struct {
	id  string
	err error
	ran chan struct{}
}

func (m *mockAgent) ID() string { return m.id }

func (m *mockAgent) Run(ctx context.Context) error {
	close(m.ran)
	if m.err != nil {
		return m.err
	}
	<-ctx.Done()
	return nil
}

type mockAnalyzer struct {
	reports []strategist.Report
	err     error
	ids     []string
}

func (m *mockAnalyzer) AnalyzeAll(ctx context.Context, ids []string) ([]strategist.Report, error) {
	m.ids = ids
	return m.reports, m.err
}

type mockTuner struct {
	calls map[string][]strategist.Suggestion
	err   error
}

func (m *mockTuner) ApplySuggestions(ctx context.Context, agentID string, s []strategist.Suggestion, reason string) ([]domain.Adjustment, error) {
	if m.calls == nil {
		m.calls = make(map[string][]strategist.Suggestion)
	}
	m.calls[agentID] = s
	if m.err != nil {
		return nil, m.err
	}
	return []domain.Adjustment{{AgentID: agentID}}, nil
}

type mockAccount struct {
	balance ports.AccountBalance
	err     error
	reads   int
}

func (m *mockAccount) GetAccountBalance(ctx context.Context, asset string) (ports.AccountBalance, error) {
	m.reads++
	return m.balance, m.err
}

type memSessions struct {
	created []*domain.Session
	ended   []*domain.Session
}

func (m *memSessions) CreateSession(ctx context.Context, s *domain.Session) error {
	c := *s
	m.created = append(m.created, &c)
	return nil
}

func (m *memSessions) EndSession(ctx context.Context, s *domain.Session) error {
	c := *s
	m.ended = append(m.ended, &c)
	return nil
}

func (m *memSessions) FindSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	return m.created, nil
}

type memArchive struct {
	trades []*domain.ClosedTrade
}

func (m *memArchive) SaveClosedTrade(ctx context.Context, t *domain.ClosedTrade) (int64, error) {
	m.trades = append(m.trades, t)
	return int64(len(m.trades)), nil
}

func (m *memArchive) FindClosedTrades(ctx context.Context, agentID string, limit int) ([]*domain.ClosedTrade, error) {
	return m.trades, nil
}

func testLab() *config.Lab {
	tpsl := domain.TPSLConfig{MaxSpreadPoints: 30, TPPct: 0.4, SLPct: 0.5, TrailingStartPct: 0.2, TrailingDistancePct: 0.1, BreakEvenPct: 0.15}
	agent := func(id, symbol string, enabled bool) domain.AgentConfig {
		return domain.AgentConfig{
			ID: id, Enabled: enabled, Symbol: symbol, Interval: "15m", FiboLevel: "0.618",
			FiboTolerancePct: 2, Cooldown: 5 * time.Minute, PositionSizePct: 2, MaxOpenPositions: 1, TPSL: tpsl,
		}
	}
	return &config.Lab{
		Instruments: map[string]domain.Instrument{
			"BTCUSDT": {Symbol: "BTCUSDT", Category: domain.CategoryCrypto, Market: "crypto", Leverage: 5, PointSize: 0.1},
			"ETHUSDT": {Symbol: "ETHUSDT", Category: domain.CategoryCrypto, Market: "crypto", Leverage: 5, PointSize: 0.01},
		},
		Agents: []domain.AgentConfig{
			agent("a1", "BTCUSDT", true),
			agent("a2", "ETHUSDT", true),
			agent("a3", "BTCUSDT", false),
		},
	}
}

type serviceFixture struct {
	logger   *mockLogger
	market   *mockMarket
	engine   *mockEngine
	governor *mockGovernor
	gauge    *mockGauge
	sessions *SessionManager
	repo     *memSessions
	archive  *memArchive
	store    *ConfigStore
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		logger:   &mockLogger{},
		market:   &mockMarket{quote: domain.Quote{Bid: 100, Ask: 102, Time: time.Now()}},
		engine:   &mockEngine{},
		governor: &mockGovernor{status: risk.Nominal, stats: risk.Stats{Equity: 1050, DrawdownPct: 1.5}},
		gauge:    &mockGauge{},
		repo:     &memSessions{},
		archive:  &memArchive{},
	}
	var err error
	f.store, err = NewConfigStore(testLab(), f.logger)
	require.NoError(t, err)
	f.sessions, err = NewSessionManager(SessionConfig{
		Account: &mockAccount{balance: ports.AccountBalance{Equity: 1000}},
		Repo:    f.repo,
		Logger:  f.logger,
		Asset:   "USDT",
	})
	require.NoError(t, err)
	return f
}

func (f *serviceFixture) config(agents ...AgentLoop) ServiceConfig {
	return ServiceConfig{
		Logger:            f.logger,
		Market:            f.market,
		Store:             f.store,
		Engine:            f.engine,
		Governor:          f.governor,
		Sessions:          f.sessions,
		Archive:           f.archive,
		Agents:            agents,
		Gauge:             f.gauge,
		RiskCheckInterval: time.Hour,
	}
}

func TestNewService_Validation(t *testing.T) {
	f := newFixture(t)
	agent := &mockAgent{id: "a1", ran: make(chan struct{})}

	_, err := NewService(ServiceConfig{})
	assert.Error(t, err)

	cfg := f.config()
	_, err = NewService(cfg)
	assert.ErrorIs(t, err, ports.ErrStaleConfiguration)

	cfg = f.config(agent)
	cfg.RiskCheckInterval = 0
	_, err = NewService(cfg)
	assert.ErrorIs(t, err, ports.ErrStaleConfiguration)

	cfg = f.config(agent)
	cfg.AutoAdjust = true
	_, err = NewService(cfg)
	assert.Error(t, err)

	_, err = NewService(f.config(agent))
	assert.NoError(t, err)
}

func TestService_RunRequiresSession(t *testing.T) {
	f := newFixture(t)
	svc, err := NewService(f.config(&mockAgent{id: "a1", ran: make(chan struct{})}))
	require.NoError(t, err)

	err = svc.Run(context.Background())
	assert.ErrorIs(t, err, ports.ErrStaleConfiguration)
}

func TestService_RunAndShutdown(t *testing.T) {
	f := newFixture(t)
	a1 := &mockAgent{id: "a1", ran: make(chan struct{})}
	a2 := &mockAgent{id: "a2", ran: make(chan struct{})}
	svc, err := NewService(f.config(a1, a2))
	require.NoError(t, err)
	_, err = f.sessions.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	<-a1.ran
	<-a2.ran
	require.Eventually(t, func() bool {
		f.market.mu.Lock()
		defer f.market.mu.Unlock()
		return len(f.market.streams) == 2
	}, time.Second, 10*time.Millisecond)

	f.market.mu.Lock()
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, f.market.streams, "one stream per symbol of an enabled agent")
	handler := f.market.handlers["BTCUSDT"]
	f.market.mu.Unlock()
	handler(&domain.Kline{Symbol: "BTCUSDT", Close: 101.5})

	f.engine.mu.Lock()
	require.Len(t, f.engine.ticks, 1)
	assert.Equal(t, 101.5, f.engine.ticks[0].Price)
	f.engine.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestService_AgentFailureStopsRun(t *testing.T) {
	f := newFixture(t)
	bad := &mockAgent{id: "a1", err: errors.New("boom"), ran: make(chan struct{})}
	svc, err := NewService(f.config(bad))
	require.NoError(t, err)
	_, err = f.sessions.Start(context.Background())
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent a1")
}

func TestService_CheckOnce(t *testing.T) {
	f := newFixture(t)
	f.engine.positions = []domain.Position{
		{ID: "p1", Instrument: domain.Instrument{Symbol: "BTCUSDT"}, State: domain.StateOpen},
		{ID: "p2", Instrument: domain.Instrument{Symbol: "BTCUSDT"}, State: domain.StateClosing},
		{ID: "p3", Instrument: domain.Instrument{Symbol: "ETHUSDT"}, State: domain.StatePending},
	}
	f.governor.status = risk.WarnDrawdown
	svc, err := NewService(f.config(&mockAgent{id: "a1", ran: make(chan struct{})}))
	require.NoError(t, err)

	status := svc.CheckOnce(context.Background())

	assert.Equal(t, risk.WarnDrawdown, status)
	assert.Equal(t, 1, f.governor.checks)
	assert.Equal(t, 1, f.engine.retries)
	require.Len(t, f.engine.ticks, 1, "one polled tick per active symbol")
	assert.Equal(t, "BTCUSDT", f.engine.ticks[0].Symbol)
	assert.Equal(t, 101.0, f.engine.ticks[0].Price)

	assert.Equal(t, 1050.0, f.gauge.equity)
	assert.Equal(t, 1.5, f.gauge.drawdown)
	assert.Equal(t, "WarnDrawdown", f.gauge.status)
	assert.Equal(t, 3, f.gauge.open)

	// A fresh tick suppresses polling.
	svc.CheckOnce(context.Background())
	assert.Len(t, f.engine.ticks, 1)
}

func TestService_CheckOnceAppliesOperatorCommands(t *testing.T) {
	f := newFixture(t)
	queue := &memQueue{}
	controls := &mockRiskControls{}
	op, err := NewOperator(OperatorConfig{Queue: queue, Risk: controls, Store: f.store, Logger: f.logger})
	require.NoError(t, err)
	_, err = queue.EnqueueCommand(context.Background(), &domain.OperatorCommand{Kind: domain.CommandResetEmergency})
	require.NoError(t, err)

	cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
	cfg.Operator = op
	svc, err := NewService(cfg)
	require.NoError(t, err)

	svc.CheckOnce(context.Background())
	assert.Equal(t, 1, controls.resets)
	assert.Equal(t, "ok", queue.result(1))
}

func TestService_Reconcile(t *testing.T) {
	setup := func(t *testing.T) (*serviceFixture, *mockPositions, *events.Recorder, *Service) {
		f := newFixture(t)
		venue := &mockPositions{}
		rec := &events.Recorder{}
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Venue, cfg.Events = venue, rec
		svc, err := NewService(cfg)
		require.NoError(t, err)
		return f, venue, rec, svc
	}

	t.Run("matching books are quiet", func(t *testing.T) {
		f, venue, rec, svc := setup(t)
		f.engine.exposure = map[string]domain.Exposure{"BTCUSDT": {Net: 0.5, Settled: true}}
		venue.held = []ports.VenuePosition{{Symbol: "BTCUSDT", Amount: 0.5, EntryPrice: 100}}

		svc.CheckOnce(context.Background())
		assert.Equal(t, 1, venue.reads)
		assert.Empty(t, rec.OfKind(domain.EventAnomaly))
	})

	t.Run("untracked exposure is reported once", func(t *testing.T) {
		f, venue, rec, svc := setup(t)
		venue.held = []ports.VenuePosition{{Symbol: "ETHUSDT", Amount: -3, EntryPrice: 10}}

		svc.CheckOnce(context.Background())
		svc.CheckOnce(context.Background())
		anomalies := rec.OfKind(domain.EventAnomaly)
		require.Len(t, anomalies, 1)
		assert.Equal(t, "ETHUSDT", anomalies[0].Symbol)
		assert.Equal(t, "untracked_at_venue", anomalies[0].Fields["kind"])
		assert.Equal(t, -3.0, anomalies[0].Fields["venue"])

		// A different drift is reported again; a cleared one logs once.
		venue.held = []ports.VenuePosition{{Symbol: "ETHUSDT", Amount: -5}}
		svc.CheckOnce(context.Background())
		assert.Len(t, rec.OfKind(domain.EventAnomaly), 2)
		venue.held = nil
		svc.CheckOnce(context.Background())
		assert.Len(t, rec.OfKind(domain.EventAnomaly), 2)
		assert.Contains(t, f.logger.infoMsgs, "Service.reconcile: Venue position matches again")
	})

	t.Run("missing and mismatched sizes", func(t *testing.T) {
		f, venue, rec, svc := setup(t)
		f.engine.exposure = map[string]domain.Exposure{
			"BTCUSDT": {Net: 0.5, Settled: true},
			"ETHUSDT": {Net: 2, Settled: true},
		}
		venue.held = []ports.VenuePosition{{Symbol: "ETHUSDT", Amount: 1.5}}

		svc.CheckOnce(context.Background())
		anomalies := rec.OfKind(domain.EventAnomaly)
		require.Len(t, anomalies, 2)
		assert.Equal(t, "missing_at_venue", anomalies[0].Fields["kind"])
		assert.Equal(t, "BTCUSDT", anomalies[0].Symbol)
		assert.Equal(t, "size_mismatch", anomalies[1].Fields["kind"])
		assert.Equal(t, "ETHUSDT", anomalies[1].Symbol)
	})

	t.Run("unsettled symbols are skipped", func(t *testing.T) {
		f, venue, rec, svc := setup(t)
		f.engine.exposure = map[string]domain.Exposure{"BTCUSDT": {Net: 0, Settled: false}}
		venue.held = []ports.VenuePosition{{Symbol: "BTCUSDT", Amount: 0.5}}

		svc.CheckOnce(context.Background())
		assert.Empty(t, rec.OfKind(domain.EventAnomaly))
	})

	t.Run("venue error is logged", func(t *testing.T) {
		f, venue, rec, svc := setup(t)
		venue.err = ports.ErrVenueTimeout

		svc.CheckOnce(context.Background())
		assert.Empty(t, rec.Events())
		assert.Contains(t, f.logger.warnMsgs, "Service.reconcile: Venue positions unavailable")
	})
}

func TestService_VerifyEquity(t *testing.T) {
	setup := func(t *testing.T, account *mockAccount, interval time.Duration) (*serviceFixture, *events.Recorder, *Service) {
		f := newFixture(t)
		rec := &events.Recorder{}
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Account, cfg.Events = account, rec
		cfg.AccountAsset, cfg.BalanceCheckInterval, cfg.EquityDriftPct = "USDT", interval, 1
		svc, err := NewService(cfg)
		require.NoError(t, err)
		return f, rec, svc
	}

	t.Run("drift raises a risk event", func(t *testing.T) {
		account := &mockAccount{balance: ports.AccountBalance{Equity: 1000}}
		_, rec, svc := setup(t, account, time.Hour)

		svc.CheckOnce(context.Background())
		risks := rec.OfKind(domain.EventRisk)
		require.Len(t, risks, 1, "counted 1050 against 1000 is a 5% drift")
		assert.Equal(t, 1050.0, risks[0].Fields["counted"])
		assert.Equal(t, 1000.0, risks[0].Fields["account"])
		assert.InDelta(t, 5.0, risks[0].Fields["driftPct"], 1e-9)

		// Rate limited by the balance check interval.
		svc.CheckOnce(context.Background())
		assert.Equal(t, 1, account.reads)
		assert.Len(t, rec.OfKind(domain.EventRisk), 1)
	})

	t.Run("within threshold is quiet", func(t *testing.T) {
		account := &mockAccount{balance: ports.AccountBalance{Equity: 1045}}
		_, rec, svc := setup(t, account, time.Nanosecond)

		svc.CheckOnce(context.Background())
		time.Sleep(time.Millisecond)
		svc.CheckOnce(context.Background())
		assert.Equal(t, 2, account.reads)
		assert.Empty(t, rec.OfKind(domain.EventRisk))
	})

	t.Run("account error is logged", func(t *testing.T) {
		account := &mockAccount{err: ports.ErrVenueTimeout}
		f, rec, svc := setup(t, account, time.Hour)

		svc.CheckOnce(context.Background())
		assert.Empty(t, rec.OfKind(domain.EventRisk))
		assert.Contains(t, f.logger.warnMsgs, "Service.verifyEquity: Account balance unavailable")
	})

	t.Run("account checks need their settings", func(t *testing.T) {
		f := newFixture(t)
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Account = &mockAccount{}
		_, err := NewService(cfg)
		assert.ErrorIs(t, err, ports.ErrStaleConfiguration)
	})
}

func TestService_ReviewOnce(t *testing.T) {
	suggestion := strategist.Suggestion{Type: strategist.ReduceTolerance, Priority: strategist.PriorityHigh}
	reports := []strategist.Report{
		{AgentID: "a1", Evaluation: strategist.EvalCritical, Suggestions: []strategist.Suggestion{suggestion}},
		{AgentID: "a2", Evaluation: strategist.EvalGood},
	}

	t.Run("report only", func(t *testing.T) {
		f := newFixture(t)
		analyzer := &mockAnalyzer{reports: reports}
		tuner := &mockTuner{}
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Analyzer, cfg.Tuner, cfg.StrategistInterval = analyzer, tuner, time.Hour
		svc, err := NewService(cfg)
		require.NoError(t, err)

		require.NoError(t, svc.ReviewOnce(context.Background()))
		assert.Equal(t, []string{"a1", "a2", "a3"}, analyzer.ids)
		assert.Empty(t, tuner.calls)
	})

	t.Run("auto adjust", func(t *testing.T) {
		f := newFixture(t)
		tuner := &mockTuner{}
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Analyzer, cfg.Tuner, cfg.StrategistInterval, cfg.AutoAdjust = &mockAnalyzer{reports: reports}, tuner, time.Hour, true
		svc, err := NewService(cfg)
		require.NoError(t, err)

		require.NoError(t, svc.ReviewOnce(context.Background()))
		require.Len(t, tuner.calls, 1)
		assert.Equal(t, []strategist.Suggestion{suggestion}, tuner.calls["a1"])
	})

	t.Run("rate limited is deferred", func(t *testing.T) {
		f := newFixture(t)
		tuner := &mockTuner{err: ports.ErrRateLimitedChange}
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Analyzer, cfg.Tuner, cfg.StrategistInterval, cfg.AutoAdjust = &mockAnalyzer{reports: reports}, tuner, time.Hour, true
		svc, err := NewService(cfg)
		require.NoError(t, err)

		require.NoError(t, svc.ReviewOnce(context.Background()))
		assert.Empty(t, f.logger.errorMsgs)
	})

	t.Run("analyzer error", func(t *testing.T) {
		f := newFixture(t)
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Analyzer, cfg.StrategistInterval = &mockAnalyzer{err: ports.ErrQueryFailed}, time.Hour
		svc, err := NewService(cfg)
		require.NoError(t, err)

		assert.ErrorIs(t, svc.ReviewOnce(context.Background()), ports.ErrQueryFailed)
	})
}

func TestService_EndSession(t *testing.T) {
	f := newFixture(t)
	svc, err := NewService(f.config(&mockAgent{id: "a1", ran: make(chan struct{})}))
	require.NoError(t, err)
	sess, err := f.sessions.Start(context.Background())
	require.NoError(t, err)

	f.archive.trades = []*domain.ClosedTrade{
		{ID: 1, ExitTime: sess.StartedAt.Add(-time.Hour)},
		{ID: 2, ExitTime: sess.StartedAt.Add(time.Minute)},
		{ID: 3, ExitTime: sess.StartedAt.Add(2 * time.Minute)},
	}
	svc.endSession(context.Background())

	require.Len(t, f.repo.ended, 1)
	ended := f.repo.ended[0]
	assert.Equal(t, 2, ended.Trades, "only trades closed during the session count")
	assert.Equal(t, 1050.0, ended.BalanceEnd)
	assert.Equal(t, 50.0, ended.Profit)
	_, active := f.sessions.Current()
	assert.False(t, active)
}

func TestService_EndSessionUsesAccount(t *testing.T) {
	t.Run("verified read", func(t *testing.T) {
		f := newFixture(t)
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Account = &mockAccount{balance: ports.AccountBalance{Equity: 1020}}
		cfg.AccountAsset, cfg.BalanceCheckInterval, cfg.EquityDriftPct = "USDT", time.Hour, 1
		svc, err := NewService(cfg)
		require.NoError(t, err)
		_, err = f.sessions.Start(context.Background())
		require.NoError(t, err)

		svc.endSession(context.Background())
		require.Len(t, f.repo.ended, 1)
		assert.Equal(t, 1020.0, f.repo.ended[0].BalanceEnd)
		assert.Equal(t, 20.0, f.repo.ended[0].Profit)
	})

	t.Run("failed read falls back to counters", func(t *testing.T) {
		f := newFixture(t)
		cfg := f.config(&mockAgent{id: "a1", ran: make(chan struct{})})
		cfg.Account = &mockAccount{err: ports.ErrVenueTimeout}
		cfg.AccountAsset, cfg.BalanceCheckInterval, cfg.EquityDriftPct = "USDT", time.Hour, 1
		svc, err := NewService(cfg)
		require.NoError(t, err)
		_, err = f.sessions.Start(context.Background())
		require.NoError(t, err)

		svc.endSession(context.Background())
		require.Len(t, f.repo.ended, 1)
		assert.Equal(t, 1050.0, f.repo.ended[0].BalanceEnd)
		assert.Contains(t, f.logger.warnMsgs, "Session ends on counted equity, account read failed")
	})
}

func TestSessionManager(t *testing.T) {
	repo := &memSessions{}
	rec := &events.Recorder{}
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("balance read fails", func(t *testing.T) {
		m, err := NewSessionManager(SessionConfig{
			Account: &mockAccount{err: ports.ErrExchangeUnavailable},
			Repo:    repo, Logger: &mockLogger{}, Asset: "USDT",
		})
		require.NoError(t, err)
		_, err = m.Start(context.Background())
		assert.ErrorIs(t, err, ports.ErrStaleConfiguration)
		assert.Empty(t, repo.created)
	})

	t.Run("zero equity", func(t *testing.T) {
		m, err := NewSessionManager(SessionConfig{
			Account: &mockAccount{balance: ports.AccountBalance{Equity: 0}},
			Repo:    repo, Logger: &mockLogger{}, Asset: "USDT",
		})
		require.NoError(t, err)
		_, err = m.Start(context.Background())
		assert.ErrorIs(t, err, ports.ErrStaleConfiguration)
	})

	t.Run("start and end", func(t *testing.T) {
		m, err := NewSessionManager(SessionConfig{
			Account: &mockAccount{balance: ports.AccountBalance{Wallet: 990, Equity: 1000}},
			Repo:    repo, Events: rec, Logger: &mockLogger{}, Asset: "USDT",
			Clock: func() time.Time { return now },
		})
		require.NoError(t, err)

		s, err := m.Start(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, 1000.0, s.BalanceStart, "balance_start is the verified equity")
		assert.Equal(t, now, s.StartedAt)

		_, err = m.Start(context.Background())
		assert.ErrorIs(t, err, ports.ErrSessionActive)

		ended, err := m.End(context.Background(), 980, 4)
		require.NoError(t, err)
		assert.Equal(t, -20.0, ended.Profit)
		assert.Equal(t, 4, ended.Trades)
		assert.Len(t, rec.OfKind(domain.EventSession), 2)

		_, err = m.End(context.Background(), 980, 4)
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})
}
