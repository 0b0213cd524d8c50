// Package paper implements an in-process execution venue that fills market
// orders at the current book price. Used for dry runs and tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"g13lab/internal/domain"
	"g13lab/internal/ports"
)

// QuoteSource provides the book used for fills.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// Config wires a paper venue.
type Config struct {
	Quotes  QuoteSource
	Asset   string  // Account currency reported by GetAccountBalance
	Balance float64 // Starting wallet balance
	Logger  ports.Logger
	Clock   func() time.Time
}

type holding struct {
	qty      float64 // Signed: positive long, negative short
	avgEntry float64
}

// Venue is a paper ports.ExecutionVenue and ports.AccountReader.
type Venue struct {
	cfg Config

	mu       sync.Mutex
	nextID   int64
	realized float64
	holdings map[string]*holding
	failNext int
	failErr  error
	delay    time.Duration
}

// NewVenue creates a paper venue.
func NewVenue(cfg Config) (*Venue, error) {
	if cfg.Quotes == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for paper venue")
	}
	if cfg.Balance <= 0 {
		return nil, fmt.Errorf("%w: paper balance must be positive", ports.ErrStaleConfiguration)
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Venue{cfg: cfg, holdings: make(map[string]*holding)}, nil
}

// FailNext makes the next n orders fail with err.
func (v *Venue) FailNext(n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext, v.failErr = n, err
}

// SetDelay makes every order wait d before filling, honouring ctx.
func (v *Venue) SetDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delay = d
}

// PlaceMarketOrder implements ports.ExecutionVenue.
func (v *Venue) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, reduceOnly bool) (*ports.OrderResponse, error) {
	op := "PaperVenue.PlaceMarketOrder"
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %v", ports.ErrInvalidRequest, quantity)
	}

	v.mu.Lock()
	delay := v.delay
	if v.failNext > 0 {
		v.failNext--
		err := v.failErr
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
	}
	v.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	q, err := v.cfg.Quotes.GetQuote(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: no book for %s: %w", ports.ErrExchangeUnavailable, symbol, err)
	}
	price := q.Ask
	signed := quantity
	if side == domain.Sell {
		price, signed = q.Bid, -quantity
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.holdings[symbol]
	if h == nil {
		h = &holding{}
		v.holdings[symbol] = h
	}
	// Holdings are netted per symbol, so only a close against nothing at all
	// is refused.
	if reduceOnly && h.qty == 0 {
		delete(v.holdings, symbol)
		return nil, fmt.Errorf("%w: reduce-only %s %v on flat %s", ports.ErrPositionNotFound, side, quantity, symbol)
	}
	v.apply(h, signed, price)
	if h.qty == 0 {
		delete(v.holdings, symbol)
	}

	v.nextID++
	resp := &ports.OrderResponse{
		OrderID:      v.nextID,
		Symbol:       symbol,
		AvgPrice:     price,
		OrigQuantity: quantity,
		ExecutedQty:  quantity,
		Status:       "FILLED",
		Side:         string(side),
		Timestamp:    v.cfg.Clock(),
	}
	v.cfg.Logger.Debug(ctx, op+": Filled", map[string]interface{}{"symbol": symbol, "side": side, "qty": quantity, "price": price, "reduceOnly": reduceOnly})
	return resp, nil
}

// apply books a signed fill, realizing P&L on the part that reduces the holding.
func (v *Venue) apply(h *holding, signed, price float64) {
	if h.qty == 0 || math.Signbit(h.qty) == math.Signbit(signed) {
		total := h.qty + signed
		h.avgEntry = (h.avgEntry*math.Abs(h.qty) + price*math.Abs(signed)) / math.Abs(total)
		h.qty = total
		return
	}
	closed := math.Min(math.Abs(signed), math.Abs(h.qty))
	dir := 1.0
	if h.qty < 0 {
		dir = -1
	}
	v.realized += (price - h.avgEntry) * closed * dir
	rest := h.qty + signed
	if math.Abs(rest) < 1e-12 {
		h.qty, h.avgEntry = 0, 0
		return
	}
	if math.Signbit(rest) != math.Signbit(h.qty) {
		h.avgEntry = price
	}
	h.qty = rest
}

// GetAccountBalance implements ports.AccountReader. Equity marks open
// holdings to the current book.
func (v *Venue) GetAccountBalance(ctx context.Context, asset string) (ports.AccountBalance, error) {
	if asset != v.cfg.Asset {
		return ports.AccountBalance{}, fmt.Errorf("asset %s not found in paper account: %w", asset, ports.ErrNotFound)
	}
	v.mu.Lock()
	wallet := v.cfg.Balance + v.realized
	open := make(map[string]holding, len(v.holdings))
	for s, h := range v.holdings {
		open[s] = *h
	}
	v.mu.Unlock()

	equity := wallet
	for symbol, h := range open {
		q, err := v.cfg.Quotes.GetQuote(ctx, symbol)
		if err != nil {
			return ports.AccountBalance{}, fmt.Errorf("mark %s: %w", symbol, err)
		}
		equity += (q.Mid() - h.avgEntry) * h.qty
	}
	return ports.AccountBalance{
		Asset:     asset,
		Wallet:    wallet,
		Equity:    equity,
		Available: wallet,
		ReadAt:    v.cfg.Clock(),
	}, nil
}

// GetPositions implements ports.PositionReader.
func (v *Venue) GetPositions(ctx context.Context) ([]ports.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ports.VenuePosition, 0, len(v.holdings))
	for symbol, h := range v.holdings {
		if h.qty == 0 {
			continue
		}
		out = append(out, ports.VenuePosition{Symbol: symbol, Amount: h.qty, EntryPrice: h.avgEntry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Holding returns the signed net quantity held in symbol.
func (v *Venue) Holding(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if h := v.holdings[symbol]; h != nil {
		return h.qty
	}
	return 0
}
