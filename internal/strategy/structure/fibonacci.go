package structure

import (
	"fmt"
	"sort"

	"g13lab/internal/domain"
)

// Levels maps a retracement level name to its price.
type Levels map[string]float64

// FiboLevels computes retracements from high (level "0") down to low
// (level "1").
func FiboLevels(high, low float64) (Levels, error) {
	if high <= 0 || low <= 0 || high < low {
		return nil, fmt.Errorf("invalid swing range high=%v low=%v", high, low)
	}
	diff := high - low
	out := make(Levels, len(domain.FiboRatios))
	for name, ratio := range domain.FiboRatios {
		out[name] = high - diff*ratio
	}
	out["0"], out["1"] = high, low
	return out, nil
}

// Price returns the price of a named level.
func (l Levels) Price(name string) (float64, bool) {
	p, ok := l[name]
	return p, ok
}

// Names returns level names ordered from high to low price.
func (l Levels) Names() []string {
	names := make([]string, 0, len(l))
	for n := range l {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return l[names[i]] > l[names[j]] })
	return names
}
