package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Direction is the market exposure of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// EntrySide is the order side that opens a position in this direction.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide is the order side that flattens a position in this direction.
func (d Direction) ExitSide() OrderSide {
	if d == Short {
		return Buy
	}
	return Sell
}

// PositionState represents the lifecycle state of a position.
type PositionState string

const (
	StatePending PositionState = "PENDING"
	StateOpen    PositionState = "OPEN"
	StateClosing PositionState = "CLOSING"
	StateClosed  PositionState = "CLOSED"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss      CloseReason = "SL"
	CloseReasonTakeProfit    CloseReason = "TP"
	CloseReasonTrailingStop  CloseReason = "TRAILING"
	CloseReasonBreakEven     CloseReason = "BREAK_EVEN"
	CloseReasonManual        CloseReason = "MANUAL"
	CloseReasonEmergencyStop CloseReason = "EMERGENCY_STOP"
	CloseReasonOpenTimeout   CloseReason = "OPEN_TIMEOUT"
	CloseReasonUnknown       CloseReason = "Unknown"
)

// Trend is the directional bias of a market.
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// AssetCategory groups instruments that share spread and session rules.
type AssetCategory string

const (
	CategoryCrypto    AssetCategory = "crypto"
	CategoryForex     AssetCategory = "forex"
	CategoryIndex     AssetCategory = "index"
	CategoryCommodity AssetCategory = "commodity"
)
