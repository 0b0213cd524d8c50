package structure

import (
	"time"

	"g13lab/internal/domain"
)

// SwingPoint is a local extreme confirmed by lookback candles on each side.
type SwingPoint struct {
	Index  int
	Time   time.Time
	Price  float64
	IsHigh bool
}

// Label classifies a swing against the previous swing of the same kind.
type Label string

const (
	HigherHigh Label = "HH"
	LowerHigh  Label = "LH"
	HigherLow  Label = "HL"
	LowerLow   Label = "LL"
)

// StructurePoint is a labeled swing.
type StructurePoint struct {
	Label Label
	Swing SwingPoint
}

// Structure summarizes the recent swing structure.
type Structure struct {
	Trend  domain.Trend
	Points []StructurePoint
	HH     int
	HL     int
	LH     int
	LL     int
}

// FindSwings returns swing highs and lows in candle order. A swing high is
// strictly above the lookback candles before and after it.
func FindSwings(klines []*domain.Kline, lookback int) []SwingPoint {
	if lookback <= 0 || len(klines) < lookback*2+1 {
		return nil
	}
	var swings []SwingPoint
	for i := lookback; i < len(klines)-lookback; i++ {
		isHigh, isLow := true, true
		for j := 1; j <= lookback; j++ {
			if klines[i].High <= klines[i-j].High || klines[i].High <= klines[i+j].High {
				isHigh = false
			}
			if klines[i].Low >= klines[i-j].Low || klines[i].Low >= klines[i+j].Low {
				isLow = false
			}
		}
		if isHigh {
			swings = append(swings, SwingPoint{Index: i, Time: klines[i].OpenTime, Price: klines[i].High, IsHigh: true})
		}
		if isLow {
			swings = append(swings, SwingPoint{Index: i, Time: klines[i].OpenTime, Price: klines[i].Low})
		}
	}
	return swings
}

// LastSwingRange returns the most recent swing high and low. Without a
// confirmed swing of a kind it falls back to the raw extreme of the window.
func LastSwingRange(klines []*domain.Kline, lookback int) (high, low float64) {
	if len(klines) == 0 {
		return 0, 0
	}
	high, low = rawRange(klines)
	var haveHigh, haveLow bool
	swings := FindSwings(klines, lookback)
	for i := len(swings) - 1; i >= 0 && !(haveHigh && haveLow); i-- {
		s := swings[i]
		if s.IsHigh && !haveHigh {
			high, haveHigh = s.Price, true
		}
		if !s.IsHigh && !haveLow {
			low, haveLow = s.Price, true
		}
	}
	if high < low {
		// Last swing high sits below the last swing low; use the raw range.
		high, low = rawRange(klines)
	}
	return high, low
}

// MarketStructure labels swings and derives a trend from the last four
// labels. Fewer than four swings is neutral.
func MarketStructure(swings []SwingPoint) Structure {
	s := Structure{Trend: domain.TrendNeutral}
	if len(swings) < 4 {
		return s
	}
	var prevHigh, prevLow *SwingPoint
	for i := range swings {
		sw := swings[i]
		if sw.IsHigh {
			if prevHigh != nil {
				label := LowerHigh
				if sw.Price > prevHigh.Price {
					label = HigherHigh
				}
				s.Points = append(s.Points, StructurePoint{Label: label, Swing: sw})
			}
			prevHigh = &swings[i]
			continue
		}
		if prevLow != nil {
			label := LowerLow
			if sw.Price > prevLow.Price {
				label = HigherLow
			}
			s.Points = append(s.Points, StructurePoint{Label: label, Swing: sw})
		}
		prevLow = &swings[i]
	}

	recent := s.Points
	if len(recent) > 4 {
		recent = recent[len(recent)-4:]
	}
	for _, p := range recent {
		switch p.Label {
		case HigherHigh:
			s.HH++
		case HigherLow:
			s.HL++
		case LowerHigh:
			s.LH++
		case LowerLow:
			s.LL++
		}
	}
	switch {
	case s.HH+s.HL > s.LH+s.LL:
		s.Trend = domain.TrendBullish
	case s.LH+s.LL > s.HH+s.HL:
		s.Trend = domain.TrendBearish
	}
	return s
}

func rawRange(klines []*domain.Kline) (high, low float64) {
	high, low = klines[0].High, klines[0].Low
	for _, k := range klines[1:] {
		if k.High > high {
			high = k.High
		}
		if k.Low < low {
			low = k.Low
		}
	}
	return high, low
}
