package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"g13lab/internal/domain"
	"g13lab/internal/events"
	"g13lab/internal/ports"
	"g13lab/internal/tchek"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockQuotes struct {
	mu    sync.Mutex
	quote domain.Quote
	err   error
}

func (m *mockQuotes) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quote
	q.Symbol = symbol
	return q, m.err
}

var errVenueDown = errors.New("venue down")

type mockVenue struct {
	mu            sync.Mutex
	openPrice     float64
	closeFailures int
	blockOpen     bool
	fillThenBlock bool // Open fills at the venue but the answer never arrives
	blockClose    bool
	positionsErr  error
	openCalls     int
	closeCalls    int
	held          map[string]float64
}

func (m *mockVenue) book(symbol string, side domain.OrderSide, quantity float64) {
	if m.held == nil {
		m.held = make(map[string]float64)
	}
	if side == domain.Sell {
		quantity = -quantity
	}
	m.held[symbol] += quantity
	if m.held[symbol] == 0 {
		delete(m.held, symbol)
	}
}

func (m *mockVenue) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, reduceOnly bool) (*ports.OrderResponse, error) {
	m.mu.Lock()
	if reduceOnly {
		m.closeCalls++
		if m.blockClose {
			m.mu.Unlock()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if m.closeFailures > 0 {
			m.closeFailures--
			m.mu.Unlock()
			return nil, errVenueDown
		}
		m.book(symbol, side, quantity)
		m.mu.Unlock()
		return &ports.OrderResponse{Symbol: symbol, Status: "FILLED", Side: string(side), ExecutedQty: quantity}, nil
	}
	m.openCalls++
	if m.fillThenBlock {
		m.book(symbol, side, quantity)
	}
	if m.blockOpen || m.fillThenBlock {
		m.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.book(symbol, side, quantity)
	price := m.openPrice
	m.mu.Unlock()
	return &ports.OrderResponse{Symbol: symbol, Status: "FILLED", Side: string(side), AvgPrice: price, ExecutedQty: quantity}, nil
}

func (m *mockVenue) GetPositions(ctx context.Context) ([]ports.VenuePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	var out []ports.VenuePosition
	for symbol, amt := range m.held {
		out = append(out, ports.VenuePosition{Symbol: symbol, Amount: amt})
	}
	return out, nil
}

// rejectingVenue refuses every opening order with a definite answer.
type rejectingVenue struct{ *mockVenue }

func (r rejectingVenue) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, reduceOnly bool) (*ports.OrderResponse, error) {
	if !reduceOnly {
		return nil, errVenueDown
	}
	return r.mockVenue.PlaceMarketOrder(ctx, symbol, side, quantity, reduceOnly)
}

func (m *mockVenue) holding(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[symbol]
}

func (m *mockVenue) set(f func(v *mockVenue)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(m)
}

func (m *mockVenue) setBlockClose(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockClose = v
}

func (m *mockVenue) counts() (open, close int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCalls, m.closeCalls
}

type mockRisk struct {
	mu         sync.Mutex
	state      domain.AccountState
	realized   map[string]float64
	unrealized map[string]float64
	stuck      []string
}

func newMockRisk() *mockRisk {
	return &mockRisk{
		state:      domain.AccountState{Equity: 10000, MaxOpenPositions: 5},
		realized:   make(map[string]float64),
		unrealized: make(map[string]float64),
	}
}

func (m *mockRisk) AccountState() domain.AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockRisk) UpdateUnrealized(agentID, positionID string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealized[positionID] = pnl
}

func (m *mockRisk) RecordRealized(ctx context.Context, agentID, positionID string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unrealized, positionID)
	m.realized[agentID] += pnl
}

func (m *mockRisk) ReportStuck(ctx context.Context, pos domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck = append(m.stuck, pos.ID)
}

type mockArchive struct {
	mu     sync.Mutex
	trades []*domain.ClosedTrade
}

func (m *mockArchive) SaveClosedTrade(ctx context.Context, trade *domain.ClosedTrade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return int64(len(m.trades)), nil
}

func (m *mockArchive) FindClosedTrades(ctx context.Context, agentID string, limit int) ([]*domain.ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trades, nil
}

func (m *mockArchive) all() []*domain.ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.ClosedTrade, len(m.trades))
	copy(out, m.trades)
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	engine   *Engine
	venue    *mockVenue
	risk     *mockRisk
	archive  *mockArchive
	recorder *events.Recorder
	clock    *fakeClock
	quotes   *mockQuotes
}

func defaultTPSL() domain.TPSLConfig {
	return domain.TPSLConfig{
		MaxSpreadPoints:     50,
		TPPct:               0.3,
		SLPct:               0.5,
		TrailingStartPct:    0.2,
		TrailingDistancePct: 0.1,
		BreakEvenPct:        0.15,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		venue:    &mockVenue{openPrice: 100},
		risk:     newMockRisk(),
		archive:  &mockArchive{},
		recorder: &events.Recorder{},
		clock:    &fakeClock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		quotes:   &mockQuotes{quote: domain.Quote{Bid: 99.99, Ask: 100.00}},
	}
	engine, err := NewEngine(Config{
		Gate:            tchek.NewGate(tchek.Config{Killzones: []domain.Killzone{{Market: "crypto"}}}),
		Quotes:          h.quotes,
		Venue:           h.venue,
		Risk:            h.risk,
		Archive:         h.archive,
		Events:          h.recorder,
		Logger:          &mockLogger{},
		VenueTimeout:    50 * time.Millisecond,
		MaxCloseRetries: 3,
		RetryMin:        time.Second,
		RetryMax:        4 * time.Second,
		Clock:           h.clock.Now,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

// proposal sizes the position so its notional equals the 10000 capital
// basis, making gain_pct equal to the price change in percent.
func proposal(dir domain.Direction, cfg domain.TPSLConfig) domain.Proposal {
	levelPrice := 101.0
	trend := domain.TrendBullish
	if dir == domain.Short {
		levelPrice = 99
		trend = domain.TrendBearish
	}
	return domain.Proposal{
		ID:      "prop",
		AgentID: "fibo1",
		Instrument: domain.Instrument{
			Symbol: "BTCUSD", Category: domain.CategoryCrypto, Market: "crypto", Leverage: 10, PointSize: 0.01,
		},
		Direction: dir,
		Size:      100,
		Condition: domain.StructuralCondition{Trend: trend, StructureTrend: trend, FiboLevel: "0.618", LevelPrice: levelPrice},
		TPSL:      cfg,
		Rules:     domain.AdmissionRules{MaxOpenPositions: 10},
	}
}

func (h *harness) open(t *testing.T, dir domain.Direction, cfg domain.TPSLConfig) domain.Position {
	t.Helper()
	pos, err := h.engine.Submit(context.Background(), proposal(dir, cfg))
	require.NoError(t, err)
	require.Equal(t, domain.StateOpen, pos.State)
	return pos
}

// tick advances the clock one second and sends a price for BTCUSD.
func (h *harness) tick(t *testing.T, price float64) {
	t.Helper()
	h.clock.Add(time.Second)
	require.NoError(t, h.engine.OnTick(context.Background(), domain.Tick{Symbol: "BTCUSD", Price: price, Time: h.clock.Now()}))
}

func (h *harness) snapshot(t *testing.T, id string) domain.Position {
	t.Helper()
	pos, ok := h.engine.Snapshot(id)
	require.True(t, ok, "position %s not tracked", id)
	return pos
}
