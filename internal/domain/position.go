package domain

import "time"

// Position is a trade governed by the lifecycle engine.
type Position struct {
	ID         string
	AgentID    string
	Instrument Instrument
	Direction  Direction
	EntryPrice float64
	Size       float64
	OpenedAt   time.Time
	State      PositionState

	CurrentSL        float64
	CurrentTP        float64
	TrailingArmed    bool
	BreakEvenApplied bool

	// CapitalBasis is the account capital at open. All percentage-of-capital
	// math for this position uses it for the position's whole lifetime.
	CapitalBasis float64
	TPSL         TPSLConfig

	LastTickAt    time.Time
	LastPrice     float64
	ExitPrice     float64
	ClosedAt      time.Time
	RealizedPnL   float64
	CloseReason   CloseReason
	CloseAttempts int
	Stuck         bool

	// EntryUnconfirmed is set when the open order's outcome is unknown. The
	// venue position must be checked before the slot is released.
	EntryUnconfirmed bool
}

// Notional is the entry value of the position.
func (p *Position) Notional() float64 {
	return p.EntryPrice * p.Size
}

// PnLAt returns the profit or loss of the position if it were closed at price.
func (p *Position) PnLAt(price float64) float64 {
	return (price - p.EntryPrice) * p.Size * p.Direction.Sign()
}

// IsActive reports whether the position still carries market exposure.
func (p *Position) IsActive() bool {
	return p.State == StateOpen || p.State == StateClosing
}

// Exposure is the net signed size the engine tracks in one symbol.
// Settled is false while an opening order is in flight or unconfirmed, so
// the venue may legitimately differ.
type Exposure struct {
	Net     float64
	Settled bool
}

// ClosedTrade is the archived form of a terminal position.
type ClosedTrade struct {
	ID               int64
	PositionID       string
	AgentID          string
	Symbol           string
	Direction        Direction
	EntryPrice       float64
	ExitPrice        float64
	Size             float64
	CapitalBasis     float64
	PNL              float64
	EntryTime        time.Time
	ExitTime         time.Time
	CloseReason      CloseReason
	TrailingArmed    bool
	BreakEvenApplied bool
}

// PNLPct is the realized P&L as a percentage of the capital basis.
func (t *ClosedTrade) PNLPct() float64 {
	if t.CapitalBasis == 0 {
		return 0
	}
	return t.PNL / t.CapitalBasis * 100
}

// ToClosedTrade converts a closed position into its archived form.
func (p *Position) ToClosedTrade() *ClosedTrade {
	return &ClosedTrade{
		PositionID:       p.ID,
		AgentID:          p.AgentID,
		Symbol:           p.Instrument.Symbol,
		Direction:        p.Direction,
		EntryPrice:       p.EntryPrice,
		ExitPrice:        p.ExitPrice,
		Size:             p.Size,
		CapitalBasis:     p.CapitalBasis,
		PNL:              p.RealizedPnL,
		EntryTime:        p.OpenedAt,
		ExitTime:         p.ClosedAt,
		CloseReason:      p.CloseReason,
		TrailingArmed:    p.TrailingArmed,
		BreakEvenApplied: p.BreakEvenApplied,
	}
}
