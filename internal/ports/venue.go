package ports

import (
	"context"
	"time"

	"g13lab/internal/domain"
)

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID      int64     // Venue order ID
	Symbol       string    // Symbol for the order
	AvgPrice     float64   // Average filled price
	OrigQuantity float64   // Original quantity requested
	ExecutedQty  float64   // Quantity filled
	Status       string    // Order status (e.g., NEW, FILLED)
	Side         string    // Order side (BUY, SELL)
	Timestamp    time.Time // Time the order response was generated
}

// VenuePosition is the net exposure the venue holds in one symbol.
type VenuePosition struct {
	Symbol     string
	Amount     float64 // Signed: positive long, negative short
	EntryPrice float64
}

// PositionReader reads the net positions held at the venue.
type PositionReader interface {
	// GetPositions returns every symbol with a non-zero net amount.
	GetPositions(ctx context.Context) ([]VenuePosition, error)
}

// ExecutionVenue executes orders on behalf of the lifecycle engine.
type ExecutionVenue interface {
	// PlaceMarketOrder places a market order. reduceOnly is set when the order
	// closes an existing position.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, reduceOnly bool) (*OrderResponse, error)
	PositionReader
}

// EventSink receives observability events.
type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
}
