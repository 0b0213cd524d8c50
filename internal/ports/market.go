package ports

import (
	"context"
	"time"

	"g13lab/internal/domain"
)

// AccountBalance is a verified read of the trading account.
type AccountBalance struct {
	Asset     string
	Wallet    float64 // Realized wallet balance
	Equity    float64 // Wallet plus unrealized P&L
	Available float64 // Free margin
	ReadAt    time.Time
}

// MarketData provides quotes and candles for instruments.
type MarketData interface {
	// GetQuote returns the current best bid/ask for a symbol.
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// GetKlines retrieves the most recent klines for a symbol.
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error)

	// StreamKlines starts a stream of kline updates. The returned doneCh is
	// closed when the stream terminates; sending on stopCh stops it.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// AccountReader reads the account balance from the venue.
type AccountReader interface {
	GetAccountBalance(ctx context.Context, asset string) (AccountBalance, error)
}

// Sentiment is a market-wide sentiment reading.
type Sentiment struct {
	Value          int    // 0 (extreme fear) to 100 (extreme greed)
	Classification string // e.g. "Extreme Fear"
	Time           time.Time
}

// SentimentSource provides the current market sentiment.
type SentimentSource interface {
	Current(ctx context.Context) (Sentiment, error)
}
