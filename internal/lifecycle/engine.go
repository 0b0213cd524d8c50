// Package lifecycle owns every position from admission to archive.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"g13lab/internal/capital"
	"g13lab/internal/domain"
	"g13lab/internal/events"
	"g13lab/internal/ports"
	"g13lab/internal/tchek"
)

// QuoteSource provides the quote used to evaluate a proposal.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// RiskState is the part of the risk governor the engine consults and feeds.
type RiskState interface {
	// AccountState returns equity, governor flags and the global position limit.
	AccountState() domain.AccountState
	UpdateUnrealized(agentID, positionID string, pnl float64)
	RecordRealized(ctx context.Context, agentID, positionID string, pnl float64)
	ReportStuck(ctx context.Context, pos domain.Position)
}

// Config holds the engine dependencies and bounds.
type Config struct {
	Gate            *tchek.Gate
	Quotes          QuoteSource
	Venue           ports.ExecutionVenue
	Risk            RiskState
	Archive         ports.TradeArchive
	Events          ports.EventSink
	Logger          ports.Logger
	VenueTimeout    time.Duration
	MaxCloseRetries int
	RetryMin        time.Duration
	RetryMax        time.Duration
	Clock           func() time.Time
}

// qtyTolerance is the relative size difference treated as equal when
// comparing tracked and venue quantities.
const qtyTolerance = 1e-6

var errEntryInFlight = errors.New("opening orders on symbol still in flight")

// managed wraps a position with its own lock so ticks for one position are
// applied sequentially while different positions progress in parallel.
type managed struct {
	mu        sync.Mutex
	pos       domain.Position
	cancel    context.CancelFunc
	retry     *backoff.Backoff
	nextRetry time.Time
	exposed   bool // Size is counted in the symbol's confirmed exposure
}

// Engine is the position lifecycle state machine.
type Engine struct {
	cfg Config

	// mu guards the fields below. Lock order: managed.mu before mu.
	mu         sync.Mutex
	positions  map[string]*managed
	openTotal  int
	openAgent  map[string]int
	marginUsed map[string]float64
	exposure   map[string]float64 // Confirmed net signed size per symbol
	inflight   map[string]int     // Opening orders without a venue answer per symbol
}

// NewEngine validates the configuration and creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Gate == nil || cfg.Quotes == nil || cfg.Venue == nil || cfg.Risk == nil || cfg.Archive == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for lifecycle engine")
	}
	if cfg.VenueTimeout <= 0 {
		return nil, fmt.Errorf("%w: venue timeout must be positive", ports.ErrStaleConfiguration)
	}
	if cfg.MaxCloseRetries <= 0 {
		return nil, fmt.Errorf("%w: max close retries must be positive", ports.ErrStaleConfiguration)
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = events.NewFanout()
	}
	return &Engine{
		cfg:        cfg,
		positions:  make(map[string]*managed),
		openAgent:  make(map[string]int),
		marginUsed: make(map[string]float64),
		exposure:   make(map[string]float64),
		inflight:   make(map[string]int),
	}, nil
}

// Submit evaluates a proposal and, if admitted, opens the position at the
// venue. The slot is reserved atomically with the admission check, so
// concurrent submissions never exceed the position limits.
func (e *Engine) Submit(ctx context.Context, p domain.Proposal) (domain.Position, error) {
	op := "Submit"
	if !p.Direction.Valid() || p.Size <= 0 {
		return domain.Position{}, fmt.Errorf("%w: direction %q size %v", ports.ErrInvalidRequest, p.Direction, p.Size)
	}
	if err := p.TPSL.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("%w: agent %s tpsl: %v", ports.ErrStaleConfiguration, p.AgentID, err)
	}
	if p.Rules.MaxOpenPositions <= 0 {
		return domain.Position{}, fmt.Errorf("%w: agent %s max_open_positions is not set", ports.ErrStaleConfiguration, p.AgentID)
	}

	qctx, qcancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	quote, err := e.cfg.Quotes.GetQuote(qctx, p.Instrument.Symbol)
	qcancel()
	if err != nil {
		return domain.Position{}, fmt.Errorf("failed to read quote for %s: %w", p.Instrument.Symbol, err)
	}
	now := e.cfg.Clock()
	snapshot := domain.MarketSnapshot{Quote: quote, Time: now}

	e.mu.Lock()
	account := e.accountStateLocked()
	decision := e.cfg.Gate.Evaluate(p, snapshot, account)
	if !decision.Admitted {
		e.mu.Unlock()
		e.emitAdmission(ctx, p, decision)
		return domain.Position{}, decision.Err()
	}

	openCtx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	m := &managed{
		pos: domain.Position{
			ID:           newPositionID(now),
			AgentID:      p.AgentID,
			Instrument:   p.Instrument,
			Direction:    p.Direction,
			Size:         p.Size,
			State:        domain.StatePending,
			TPSL:         p.TPSL,
			CapitalBasis: account.Equity,
		},
		cancel: cancel,
		retry:  &backoff.Backoff{Min: e.cfg.RetryMin, Max: e.cfg.RetryMax, Factor: 2},
	}
	e.positions[m.pos.ID] = m
	e.openTotal++
	e.openAgent[p.AgentID]++
	e.marginUsed[m.pos.ID] = capital.MarginRequired(p.Size, quote.PriceFor(p.Direction), p.Instrument.Leverage)
	e.inflight[p.Instrument.Symbol]++
	e.mu.Unlock()

	e.emitAdmission(ctx, p, decision)
	e.emitTransition(ctx, &m.pos, "", domain.StatePending, nil)

	resp, err := e.cfg.Venue.PlaceMarketOrder(openCtx, p.Instrument.Symbol, p.Direction.EntrySide(), p.Size, false)
	cause := openCtx.Err()
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel = nil
	if err != nil {
		unknown := false
		switch {
		case errors.Is(cause, context.DeadlineExceeded):
			err = fmt.Errorf("%w: open %s: %w", ports.ErrVenueTimeout, m.pos.ID, err)
			unknown = true
		case errors.Is(cause, context.Canceled):
			err = fmt.Errorf("%w: open %s canceled: %w", ports.ErrContextCanceled, m.pos.ID, err)
			unknown = true
		}
		if !unknown {
			e.finishOpen(m, false)
			e.cfg.Logger.Warn(ctx, op+": open order rejected, releasing slot", map[string]interface{}{"positionID": m.pos.ID, "agentID": p.AgentID, "error": err.Error()})
			m.pos.State = domain.StateClosed
			m.pos.ClosedAt = e.cfg.Clock()
			e.release(m)
			e.emitTransition(ctx, &m.pos, domain.StatePending, domain.StateClosed, map[string]interface{}{"error": err.Error()})
			return m.pos, err
		}

		// The order may have executed without an answer reaching us. The slot
		// stays reserved until the venue position confirms what happened.
		entry := quote.PriceFor(p.Direction)
		m.pos.EntryPrice = entry
		m.pos.OpenedAt = e.cfg.Clock()
		m.pos.LastPrice = entry
		m.pos.CurrentTP, m.pos.CurrentSL = capital.Targets(p.Direction, entry, p.TPSL)
		m.pos.State = domain.StateClosing
		m.pos.CloseReason = domain.CloseReasonOpenTimeout
		m.pos.EntryUnconfirmed = true
		m.nextRetry = m.pos.OpenedAt
		e.finishOpen(m, false)
		e.cfg.Logger.Warn(ctx, op+": open order outcome unknown, verifying with venue", map[string]interface{}{"positionID": m.pos.ID, "agentID": p.AgentID, "error": err.Error()})
		e.emitTransition(ctx, &m.pos, domain.StatePending, domain.StateClosing, map[string]interface{}{"error": err.Error(), "unconfirmed": true})
		return m.pos, err
	}

	entry := resp.AvgPrice
	if entry <= 0 {
		entry = quote.PriceFor(p.Direction)
	}
	m.pos.EntryPrice = entry
	m.pos.OpenedAt = e.cfg.Clock()
	m.pos.LastPrice = entry
	m.pos.CurrentTP, m.pos.CurrentSL = capital.Targets(p.Direction, entry, p.TPSL)
	m.pos.State = domain.StateOpen
	e.finishOpen(m, true)

	e.cfg.Logger.Info(ctx, op+": position opened", map[string]interface{}{
		"positionID": m.pos.ID, "agentID": p.AgentID, "symbol": p.Instrument.Symbol, "direction": p.Direction,
		"entry": entry, "size": p.Size, "tp": m.pos.CurrentTP, "sl": m.pos.CurrentSL, "capitalBasis": m.pos.CapitalBasis,
	})
	e.emitTransition(ctx, &m.pos, domain.StatePending, domain.StateOpen, map[string]interface{}{"entry": entry, "tp": m.pos.CurrentTP, "sl": m.pos.CurrentSL})
	return m.pos, nil
}

// Cancel aborts a position that is still Pending. Once a position is Open it
// can only be closed through RequestClose.
func (e *Engine) Cancel(id string) error {
	m, ok := e.lookup(id)
	if !ok {
		return fmt.Errorf("position %s: %w", id, ports.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.State != domain.StatePending || m.cancel == nil {
		return fmt.Errorf("%w: cannot cancel position %s in state %s", ports.ErrInvalidTransition, id, m.pos.State)
	}
	m.cancel()
	return nil
}

// OnTick applies a price update to every active position of the tick's
// instrument. Positions are processed in parallel, each under its own lock.
func (e *Engine) OnTick(ctx context.Context, tick domain.Tick) error {
	targets := e.active(func(p *domain.Position) bool { return p.Instrument.Symbol == tick.Symbol })
	if len(targets) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range targets {
		m := m
		g.Go(func() error {
			e.applyTick(gctx, m, tick)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) applyTick(ctx context.Context, m *managed, tick domain.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := &m.pos

	if !pos.IsActive() {
		return
	}
	if tick.Time.Before(pos.LastTickAt) {
		e.cfg.Logger.Debug(ctx, "Discarding out-of-order tick", map[string]interface{}{"positionID": pos.ID, "tickTime": tick.Time, "lastTick": pos.LastTickAt})
		return
	}
	pos.LastTickAt = tick.Time
	pos.LastPrice = tick.Price

	if pos.State == domain.StateClosing {
		if pos.Stuck || e.cfg.Clock().Before(m.nextRetry) {
			return
		}
		e.attemptClose(ctx, m)
		return
	}

	price := tick.Price
	e.cfg.Risk.UpdateUnrealized(pos.AgentID, pos.ID, pos.PnLAt(price))
	gain := capital.GainPct(pos.Direction, pos.EntryPrice, price, pos.Size, pos.CapitalBasis)

	if !pos.TrailingArmed && gain >= pos.TPSL.TrailingStartPct {
		pos.TrailingArmed = true
		e.emitTransition(ctx, pos, domain.StateOpen, domain.StateOpen, map[string]interface{}{"flag": "trailing_armed", "gainPct": gain, "price": price})
	}

	if pos.TrailingArmed {
		dist := capital.CapitalPctToPriceDistance(pos.TPSL.TrailingDistancePct, pos.CapitalBasis, pos.Size)
		candidate := price - pos.Direction.Sign()*dist
		if improves(pos.Direction, pos.CurrentSL, candidate) {
			_ = e.applyStop(ctx, pos, candidate, "trailing")
		}
	}

	if !pos.BreakEvenApplied && gain >= pos.TPSL.BreakEvenPct {
		pos.BreakEvenApplied = true
		if improves(pos.Direction, pos.CurrentSL, pos.EntryPrice) {
			_ = e.applyStop(ctx, pos, pos.EntryPrice, "break_even")
		} else {
			e.cfg.Logger.Debug(ctx, "Break-even skipped, stop already tighter", map[string]interface{}{"positionID": pos.ID, "sl": pos.CurrentSL, "entry": pos.EntryPrice})
		}
		e.emitTransition(ctx, pos, domain.StateOpen, domain.StateOpen, map[string]interface{}{"flag": "break_even_applied", "gainPct": gain, "sl": pos.CurrentSL})
	}

	if reason, hit := crossed(pos, price); hit {
		e.beginClose(ctx, m, reason)
	}
}

// crossed reports whether price has reached the stop or the target.
func crossed(pos *domain.Position, price float64) (domain.CloseReason, bool) {
	hitSL := (pos.Direction == domain.Long && price <= pos.CurrentSL) || (pos.Direction == domain.Short && price >= pos.CurrentSL)
	hitTP := (pos.Direction == domain.Long && price >= pos.CurrentTP) || (pos.Direction == domain.Short && price <= pos.CurrentTP)
	switch {
	case hitSL && pos.TrailingArmed:
		return domain.CloseReasonTrailingStop, true
	case hitSL && pos.BreakEvenApplied:
		return domain.CloseReasonBreakEven, true
	case hitSL:
		return domain.CloseReasonStopLoss, true
	case hitTP:
		return domain.CloseReasonTakeProfit, true
	}
	return "", false
}

// improves reports whether next is strictly tighter than current for dir.
func improves(dir domain.Direction, current, next float64) bool {
	if dir == domain.Short {
		return next < current
	}
	return next > current
}

// applyStop is the only place a stop-loss changes. A move that would loosen
// the stop is rejected and reported as an anomaly.
func (e *Engine) applyStop(ctx context.Context, pos *domain.Position, next float64, cause string) error {
	if next == pos.CurrentSL {
		return nil
	}
	if !improves(pos.Direction, pos.CurrentSL, next) {
		err := fmt.Errorf("%w: %s stop move %.8f -> %.8f would loosen position %s", ports.ErrInvariantViolation, cause, pos.CurrentSL, next, pos.ID)
		e.cfg.Logger.Error(ctx, err, "Rejected stop-loss loosening", map[string]interface{}{"positionID": pos.ID, "cause": cause})
		ev := events.New(domain.EventAnomaly, "stop-loss loosening rejected", map[string]interface{}{"cause": cause, "current": pos.CurrentSL, "rejected": next})
		e.emit(ctx, ev, pos)
		return err
	}
	prev := pos.CurrentSL
	pos.CurrentSL = next
	ev := events.New(domain.EventStopMoved, "stop-loss moved", map[string]interface{}{"cause": cause, "from": prev, "to": next})
	e.emit(ctx, ev, pos)
	return nil
}

func (e *Engine) beginClose(ctx context.Context, m *managed, reason domain.CloseReason) {
	pos := &m.pos
	pos.State = domain.StateClosing
	pos.CloseReason = reason
	e.emitTransition(ctx, pos, domain.StateOpen, domain.StateClosing, map[string]interface{}{"reason": reason, "price": pos.LastPrice})
	e.attemptClose(ctx, m)
}

// attemptClose sends the close order. On failure the position stays Closing
// and the next attempt is scheduled with exponential backoff; once the retry
// budget is spent the position is escalated to the governor as stuck. A
// position whose opening was never confirmed is first checked against the
// venue: an unfilled one is released, a filled one is flattened.
func (e *Engine) attemptClose(ctx context.Context, m *managed) {
	op := "attemptClose"
	pos := &m.pos
	pos.CloseAttempts++

	if pos.EntryUnconfirmed {
		filled, err := e.confirmEntry(ctx, m)
		switch {
		case errors.Is(err, errEntryInFlight):
			pos.CloseAttempts--
			m.nextRetry = e.cfg.Clock().Add(e.cfg.RetryMin)
			return
		case err != nil:
			e.closeFailed(ctx, m, err)
			return
		case filled == 0:
			e.discardUnfilled(ctx, m)
			return
		}
		e.adoptFill(ctx, m, filled)
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	resp, err := e.cfg.Venue.PlaceMarketOrder(cctx, pos.Instrument.Symbol, pos.Direction.ExitSide(), pos.Size, true)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: close %s: %w", ports.ErrVenueTimeout, pos.ID, err)
	}
	cancel()

	if err != nil {
		e.closeFailed(ctx, m, err)
		return
	}

	exit := resp.AvgPrice
	if exit <= 0 {
		exit = pos.LastPrice
	}
	pos.ExitPrice = exit
	pos.ClosedAt = e.cfg.Clock()
	pos.RealizedPnL = pos.PnLAt(exit)
	pos.State = domain.StateClosed

	e.release(m)
	e.cfg.Risk.RecordRealized(ctx, pos.AgentID, pos.ID, pos.RealizedPnL)
	e.emitTransition(ctx, pos, domain.StateClosing, domain.StateClosed, map[string]interface{}{"exit": exit, "pnl": pos.RealizedPnL, "reason": pos.CloseReason})
	e.cfg.Logger.Info(ctx, op+": position closed", map[string]interface{}{
		"positionID": pos.ID, "agentID": pos.AgentID, "exit": exit, "pnl": pos.RealizedPnL, "reason": pos.CloseReason, "attempts": pos.CloseAttempts,
	})

	if _, err := e.cfg.Archive.SaveClosedTrade(ctx, pos.ToClosedTrade()); err != nil {
		e.cfg.Logger.Error(ctx, err, op+": failed to archive closed trade", map[string]interface{}{"positionID": pos.ID})
	}
}

// closeFailed schedules the next attempt. The governor hears about a stuck
// position once, when it becomes stuck.
func (e *Engine) closeFailed(ctx context.Context, m *managed, err error) {
	pos := &m.pos
	m.nextRetry = e.cfg.Clock().Add(m.retry.Duration())
	e.cfg.Logger.Error(ctx, err, "attemptClose: close attempt failed", map[string]interface{}{
		"positionID": pos.ID, "attempt": pos.CloseAttempts, "maxRetries": e.cfg.MaxCloseRetries, "nextRetry": m.nextRetry,
	})
	if pos.CloseAttempts < e.cfg.MaxCloseRetries || pos.Stuck {
		return
	}
	pos.Stuck = true
	ev := events.New(domain.EventStuck, "close retries exhausted", map[string]interface{}{"attempts": pos.CloseAttempts, "error": err.Error()})
	e.emit(ctx, ev, pos)
	e.cfg.Risk.ReportStuck(ctx, *pos)
}

// confirmEntry compares the venue's net position in the symbol with the
// confirmed exposure of every other position and returns how much of this
// position's opening order was filled.
func (e *Engine) confirmEntry(ctx context.Context, m *managed) (float64, error) {
	pos := &m.pos
	symbol := pos.Instrument.Symbol
	expected, busy := e.symbolState(symbol)
	if busy {
		return 0, errEntryInFlight
	}

	vctx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	held, err := e.cfg.Venue.GetPositions(vctx)
	cause := vctx.Err()
	cancel()
	if err != nil {
		if errors.Is(cause, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: verify open %s: %w", ports.ErrVenueTimeout, pos.ID, err)
		}
		return 0, fmt.Errorf("verify open %s: %w", pos.ID, err)
	}
	if after, busy := e.symbolState(symbol); busy || after != expected {
		return 0, errEntryInFlight
	}

	net := 0.0
	for _, vp := range held {
		if vp.Symbol == symbol {
			net += vp.Amount
		}
	}
	gap := (net - expected) * pos.Direction.Sign()
	if gap <= pos.Size*qtyTolerance {
		return 0, nil
	}
	return math.Min(gap, pos.Size), nil
}

// adoptFill turns an unconfirmed opening into tracked exposure so the close
// that follows is accounted like any other.
func (e *Engine) adoptFill(ctx context.Context, m *managed, filled float64) {
	pos := &m.pos
	pos.EntryUnconfirmed = false
	pos.Size = filled
	e.mu.Lock()
	e.addExposureLocked(m)
	e.mu.Unlock()

	e.cfg.Logger.Warn(ctx, "attemptClose: unconfirmed open order was filled, flattening", map[string]interface{}{"positionID": pos.ID, "size": filled})
	ev := events.New(domain.EventAnomaly, "unconfirmed open order filled at venue", map[string]interface{}{"size": filled, "entry": pos.EntryPrice})
	e.emit(ctx, ev, pos)
}

// discardUnfilled releases a position whose opening order never executed.
func (e *Engine) discardUnfilled(ctx context.Context, m *managed) {
	pos := &m.pos
	pos.EntryUnconfirmed = false
	pos.State = domain.StateClosed
	pos.ClosedAt = e.cfg.Clock()
	e.release(m)
	e.cfg.Logger.Info(ctx, "attemptClose: open order never filled, slot released", map[string]interface{}{"positionID": pos.ID, "agentID": pos.AgentID})
	e.emitTransition(ctx, pos, domain.StateClosing, domain.StateClosed, map[string]interface{}{"filled": false})
}

// RetryClosing re-attempts due close orders of positions whose instrument
// has not ticked since the last failure.
func (e *Engine) RetryClosing(ctx context.Context) {
	for _, m := range e.active(func(*domain.Position) bool { return true }) {
		m.mu.Lock()
		if m.pos.State == domain.StateClosing && !m.pos.Stuck && !e.cfg.Clock().Before(m.nextRetry) {
			e.attemptClose(ctx, m)
		}
		m.mu.Unlock()
	}
}

// RequestClose closes an Open position through the normal state machine, or
// retries a Closing one immediately.
func (e *Engine) RequestClose(ctx context.Context, id string, reason domain.CloseReason) error {
	m, ok := e.lookup(id)
	if !ok {
		return fmt.Errorf("position %s: %w", id, ports.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.pos.State {
	case domain.StateOpen:
		e.beginClose(ctx, m, reason)
	case domain.StateClosing:
		e.attemptClose(ctx, m)
	default:
		return fmt.Errorf("%w: cannot close position %s in state %s", ports.ErrInvalidTransition, id, m.pos.State)
	}
	if m.pos.State != domain.StateClosed {
		return fmt.Errorf("position %s still closing after attempt %d", id, m.pos.CloseAttempts)
	}
	return nil
}

// ForceCloseAll cancels pending openings and closes every active position.
// Stuck positions are left to the operator. It returns the number of
// positions that could not be closed.
func (e *Engine) ForceCloseAll(ctx context.Context, reason domain.CloseReason) int {
	failed := 0
	for _, m := range e.active(func(*domain.Position) bool { return true }) {
		m.mu.Lock()
		state, id, cancel, stuck := m.pos.State, m.pos.ID, m.cancel, m.pos.Stuck
		m.mu.Unlock()
		if state == domain.StatePending {
			if cancel != nil {
				cancel()
			}
			continue
		}
		if stuck {
			failed++
			e.cfg.Logger.Warn(ctx, "ForceCloseAll: skipping stuck position", map[string]interface{}{"positionID": id})
			continue
		}
		if err := e.RequestClose(ctx, id, reason); err != nil {
			failed++
			e.cfg.Logger.Warn(ctx, "ForceCloseAll: position not closed", map[string]interface{}{"positionID": id, "error": err.Error()})
		}
	}
	return failed
}

// AdjustTargets re-targets the open positions of an agent after a parameter
// change. Take-profit follows the new config. A stop that would loosen is
// rejected per position and the rejections are returned with the count.
func (e *Engine) AdjustTargets(ctx context.Context, agentID string, cfg domain.TPSLConfig) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ports.ErrStaleConfiguration, err)
	}
	adjusted := 0
	var errs []error
	for _, m := range e.active(func(p *domain.Position) bool { return p.AgentID == agentID }) {
		m.mu.Lock()
		pos := &m.pos
		if pos.State == domain.StateOpen {
			tp, sl := capital.Targets(pos.Direction, pos.EntryPrice, cfg)
			pos.TPSL = cfg
			pos.CurrentTP = tp
			if err := e.applyStop(ctx, pos, sl, "retarget"); err != nil {
				errs = append(errs, err)
			}
			adjusted++
		}
		m.mu.Unlock()
	}
	return adjusted, errors.Join(errs...)
}

// Snapshot returns a copy of a tracked position.
func (e *Engine) Snapshot(id string) (domain.Position, bool) {
	m, ok := e.lookup(id)
	if !ok {
		return domain.Position{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, true
}

// Positions returns copies of all Pending, Open and Closing positions ordered by ID.
func (e *Engine) Positions() []domain.Position {
	tracked := e.active(func(*domain.Position) bool { return true })
	out := make([]domain.Position, 0, len(tracked))
	for _, m := range tracked {
		m.mu.Lock()
		if m.pos.State != domain.StateClosed {
			out = append(out, m.pos)
		}
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenCounts returns the number of reserved or active positions in total and per agent.
func (e *Engine) OpenCounts() (int, map[string]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	per := make(map[string]int, len(e.openAgent))
	for k, v := range e.openAgent {
		per[k] = v
	}
	return e.openTotal, per
}

// accountStateLocked combines the governor view with the engine's counts.
// Caller must hold e.mu.
func (e *Engine) accountStateLocked() domain.AccountState {
	a := e.cfg.Risk.AccountState()
	used := 0.0
	for _, m := range e.marginUsed {
		used += m
	}
	a.FreeCapital = a.Equity - used
	a.OpenTotal = e.openTotal
	a.OpenByAgent = make(map[string]int, len(e.openAgent))
	for k, v := range e.openAgent {
		a.OpenByAgent[k] = v
	}
	return a
}

// Exposure returns the confirmed net size per symbol. A symbol with an
// opening order in flight or unconfirmed is reported unsettled.
func (e *Engine) Exposure() map[string]domain.Exposure {
	unsettled := make(map[string]bool)
	for _, m := range e.active(func(*domain.Position) bool { return true }) {
		m.mu.Lock()
		if m.pos.State == domain.StatePending || m.pos.EntryUnconfirmed {
			unsettled[m.pos.Instrument.Symbol] = true
		}
		m.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]domain.Exposure, len(e.exposure)+len(unsettled))
	for symbol, net := range e.exposure {
		out[symbol] = domain.Exposure{Net: net, Settled: !unsettled[symbol] && e.inflight[symbol] == 0}
	}
	for symbol := range unsettled {
		if _, ok := out[symbol]; !ok {
			out[symbol] = domain.Exposure{}
		}
	}
	for symbol := range e.inflight {
		if _, ok := out[symbol]; !ok {
			out[symbol] = domain.Exposure{}
		}
	}
	return out
}

// finishOpen records that an opening order has answered. filled adds the
// position to its symbol's confirmed exposure.
func (e *Engine) finishOpen(m *managed, filled bool) {
	symbol := m.pos.Instrument.Symbol
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[symbol]--
	if e.inflight[symbol] <= 0 {
		delete(e.inflight, symbol)
	}
	if filled {
		e.addExposureLocked(m)
	}
}

// addExposureLocked counts a filled position. Caller must hold e.mu.
func (e *Engine) addExposureLocked(m *managed) {
	pos := &m.pos
	m.exposed = true
	e.exposure[pos.Instrument.Symbol] += pos.Direction.Sign() * pos.Size
	e.marginUsed[pos.ID] = capital.MarginRequired(pos.Size, pos.EntryPrice, pos.Instrument.Leverage)
}

func (e *Engine) symbolState(symbol string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exposure[symbol], e.inflight[symbol] > 0
}

// release frees the slot of a position that reached Closed.
func (e *Engine) release(m *managed) {
	pos := &m.pos
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.positions[pos.ID]; !ok {
		return
	}
	delete(e.positions, pos.ID)
	delete(e.marginUsed, pos.ID)
	if m.exposed {
		m.exposed = false
		symbol := pos.Instrument.Symbol
		e.exposure[symbol] -= pos.Direction.Sign() * pos.Size
		if math.Abs(e.exposure[symbol]) <= pos.Size*qtyTolerance {
			delete(e.exposure, symbol)
		}
	}
	e.openTotal--
	e.openAgent[pos.AgentID]--
	if e.openAgent[pos.AgentID] <= 0 {
		delete(e.openAgent, pos.AgentID)
	}
}

func (e *Engine) lookup(id string) (*managed, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.positions[id]
	return m, ok
}

// active returns tracked positions matching keep. keep runs without the
// position lock and must only read immutable fields.
func (e *Engine) active(keep func(*domain.Position) bool) []*managed {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*managed, 0, len(e.positions))
	for _, m := range e.positions {
		if keep(&m.pos) {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) emit(ctx context.Context, ev domain.Event, pos *domain.Position) {
	ev.AgentID = pos.AgentID
	ev.PositionID = pos.ID
	ev.Symbol = pos.Instrument.Symbol
	e.cfg.Events.Emit(ctx, ev)
}

func (e *Engine) emitTransition(ctx context.Context, pos *domain.Position, from, to domain.PositionState, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["from"] = string(from)
	fields["to"] = string(to)
	e.emit(ctx, events.New(domain.EventTransition, "position transition", fields), pos)
}

func (e *Engine) emitAdmission(ctx context.Context, p domain.Proposal, d tchek.Decision) {
	msg := "proposal admitted"
	if !d.Admitted {
		msg = "proposal rejected"
	}
	ev := events.New(domain.EventAdmission, msg, map[string]interface{}{
		"proposalID": p.ID, "admitted": d.Admitted, "reason": string(d.Reason), "detail": d.Detail, "direction": p.Direction, "size": p.Size,
	})
	ev.AgentID = p.AgentID
	ev.Symbol = p.Instrument.Symbol
	e.cfg.Events.Emit(ctx, ev)
}
