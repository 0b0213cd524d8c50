package indicators

import "math"

// Momentum is the percent change of the last close over periods candles.
// Short series yield 0.
func Momentum(closes []float64, periods int) float64 {
	if periods <= 0 || len(closes) < periods+1 {
		return 0
	}
	previous := closes[len(closes)-periods-1]
	if previous == 0 {
		return 0
	}
	return (closes[len(closes)-1] - previous) / previous * 100
}

// Volatility is the population standard deviation of percent returns over
// the last periods closes. Short series yield 0.
func Volatility(closes []float64, periods int) float64 {
	if periods < 2 || len(closes) < periods {
		return 0
	}
	recent := closes[len(closes)-periods:]
	returns := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		if recent[i-1] > 0 {
			returns = append(returns, (recent[i]-recent[i-1])/recent[i-1]*100)
		}
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}
