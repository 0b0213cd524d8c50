package indicators

import (
	"context"
	"errors"
	"fmt"

	"g13lab/internal/domain"
)

// ErrInsufficientData is returned when a series is shorter than the period.
var ErrInsufficientData = errors.New("insufficient data")

// Indicator is a technical indicator computed from candles.
type Indicator interface {
	// Calculate computes the indicator value for the given candles
	Calculate(ctx context.Context, klines []*domain.Kline) (float64, error)

	// RequiredDataPoints returns the minimum number of klines needed for calculation
	RequiredDataPoints() int

	// Name returns the name of the indicator
	Name() string
}

// IndicatorConfig holds common configuration for indicators
type IndicatorConfig struct {
	Period int
}

// BaseIndicator provides common functionality for indicators
type BaseIndicator struct {
	Config IndicatorConfig
}

// RequiredDataPoints returns the minimum number of klines needed for calculation
func (b *BaseIndicator) RequiredDataPoints() int {
	return b.Config.Period
}

// Closes extracts close prices in candle order.
func Closes(klines []*domain.Kline) []float64 {
	out := make([]float64, 0, len(klines))
	for _, k := range klines {
		out = append(out, k.Close)
	}
	return out
}

func insufficient(name string, have, need int) error {
	return fmt.Errorf("%w: %s needs %d points, got %d", ErrInsufficientData, name, need, have)
}
