package structure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g13lab/internal/domain"
)

func candle(i int, high, low, close float64) *domain.Kline {
	t := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
	return &domain.Kline{OpenTime: t, CloseTime: t.Add(time.Minute), Symbol: "BTCUSD", Interval: "1m", Open: close, High: high, Low: low, Close: close}
}

func series(closes []float64) []*domain.Kline {
	out := make([]*domain.Kline, len(closes))
	for i, c := range closes {
		out[i] = candle(i, c+0.5, c-0.5, c)
	}
	return out
}

func TestFiboLevels(t *testing.T) {
	levels, err := FiboLevels(200, 100)
	require.NoError(t, err)
	assert.Equal(t, 200.0, levels["0"])
	assert.InDelta(t, 176.4, levels["0.236"], 1e-9)
	assert.InDelta(t, 161.8, levels["0.382"], 1e-9)
	assert.InDelta(t, 150.0, levels["0.5"], 1e-9)
	assert.InDelta(t, 138.2, levels["0.618"], 1e-9)
	assert.InDelta(t, 121.4, levels["0.786"], 1e-9)
	assert.Equal(t, 100.0, levels["1"])
	assert.Equal(t, []string{"0", "0.236", "0.382", "0.5", "0.618", "0.786", "1"}, levels.Names())

	_, err = FiboLevels(100, 200)
	require.Error(t, err)
}

func TestDetectTrend(t *testing.T) {
	rising := make([]float64, 60)
	falling := make([]float64, 60)
	flat := make([]float64, 60)
	for i := range rising {
		rising[i] = 100 + float64(i)
		falling[i] = 200 - float64(i)
		flat[i] = 100
	}

	assert.Equal(t, domain.TrendBullish, DetectTrend(rising))
	assert.Equal(t, domain.TrendBearish, DetectTrend(falling))
	assert.Equal(t, domain.TrendNeutral, DetectTrend(flat))
	assert.Equal(t, domain.TrendNeutral, DetectTrend(rising[:49]), "fewer than 50 candles is neutral")
}

func TestFindSwingsAndStructure(t *testing.T) {
	// Zigzag with rising highs and rising lows.
	closes := []float64{
		100, 102, 104, 106, 104, 102, 100,
		103, 105, 108, 105, 103, 101,
		104, 107, 110, 107, 104, 102,
		105, 108, 112, 108, 105, 103,
	}
	klines := series(closes)
	swings := FindSwings(klines, 2)
	require.NotEmpty(t, swings)

	var highs []float64
	for _, s := range swings {
		if s.IsHigh {
			highs = append(highs, s.Price)
		}
	}
	assert.Equal(t, []float64{106.5, 108.5, 110.5, 112.5}, highs)

	st := MarketStructure(swings)
	assert.Equal(t, domain.TrendBullish, st.Trend)
	assert.Greater(t, st.HH+st.HL, st.LH+st.LL)

	assert.Equal(t, domain.TrendNeutral, MarketStructure(swings[:3]).Trend)
}

func TestLastSwingRange_FallsBackToRawExtremes(t *testing.T) {
	klines := series([]float64{100, 101, 102})
	high, low := LastSwingRange(klines, 3)
	assert.Equal(t, 102.5, high)
	assert.Equal(t, 99.5, low)
}

func TestAnalyze(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i%10)
	}
	a, err := Analyze(series(closes), 0)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSD", a.Symbol)
	assert.Equal(t, 60, a.Candles)
	assert.True(t, a.HasRSI)
	assert.Len(t, a.Levels, 7)
	assert.GreaterOrEqual(t, a.SwingHigh, a.SwingLow)
	assert.Equal(t, a.SwingHigh, a.Levels["0"])
	assert.Greater(t, a.ATRPct, 0.0)

	_, err = Analyze(nil, 3)
	require.ErrorIs(t, err, ErrNoCandles)
}
