package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Instrument is a tradable symbol together with its venue properties.
type Instrument struct {
	Symbol    string
	Category  AssetCategory
	Market    string  // Killzone key, e.g. "crypto", "london"
	Leverage  int     // Margin = notional / Leverage
	PointSize float64 // Price increment of one spread point
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Mid returns the midpoint between bid and ask.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// SpreadPoints returns the spread expressed in instrument points.
func (q Quote) SpreadPoints(pointSize float64) float64 {
	if pointSize <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / pointSize
}

// PriceFor returns the price a market order in direction d would fill at.
func (q Quote) PriceFor(d Direction) float64 {
	if d == Short {
		return q.Bid
	}
	return q.Ask
}

// Tick is a single price update for an instrument.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// MarketSnapshot is the market view handed to the admission gate.
type MarketSnapshot struct {
	Quote Quote
	Time  time.Time
}

// Killzone is a daily UTC window during which a market is considered liquid.
// Start and End are offsets from midnight. A window whose End is before its
// Start wraps past midnight; Start == End spans the whole day.
type Killzone struct {
	Market string
	Start  time.Duration
	End    time.Duration
}

// Contains reports whether t falls inside the window.
func (k Killzone) Contains(t time.Time) bool {
	u := t.UTC()
	off := time.Duration(u.Hour())*time.Hour + time.Duration(u.Minute())*time.Minute + time.Duration(u.Second())*time.Second
	switch {
	case k.Start == k.End:
		return true
	case k.Start < k.End:
		return off >= k.Start && off < k.End
	default:
		return off >= k.Start || off < k.End
	}
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
