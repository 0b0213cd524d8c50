package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"g13lab/internal/domain"
	"g13lab/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements ports.MarketData, ports.AccountReader and
// ports.ExecutionVenue on Binance USD-M futures.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // First reconnect delay, doubled per failed attempt
	MaxReconnectAttempts int           // Consecutive failed attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly order is rejected
			mappedErr = ports.ErrPositionNotFound
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -3041: // Position is not sufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4015: // Leverage is not valid
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		case -4047: // Exceeded the maximum allowable position at current leverage.
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrVenueTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}


// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if _, err := c.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetQuote returns the best bid/ask from the book ticker.
func (c *Client) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	op := "GetQuote"
	tickers, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.Quote{}, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return domain.Quote{}, c.handleError(ctx, fmt.Errorf("no book ticker returned for symbol %s", symbol), op)
	}
	q, err := translateBookTicker(tickers[0], time.Now())
	if err != nil {
		return domain.Quote{}, c.handleError(ctx, err, op)
	}
	return q, nil
}

// GetAccountBalance reads wallet balance, equity and free margin of asset.
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (ports.AccountBalance, error) {
	op := "GetAccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return ports.AccountBalance{}, c.handleError(ctx, err, op)
	}
	for _, bal := range account.Assets {
		if bal.Asset != asset {
			continue
		}
		out, err := translateAccountAsset(bal, time.Now())
		if err != nil {
			return ports.AccountBalance{}, c.handleError(ctx, err, op)
		}
		return out, nil
	}
	err = fmt.Errorf("asset %s not found in account balance: %w", asset, ports.ErrNotFound)
	return ports.AccountBalance{}, c.handleError(ctx, err, op)
}

// PlaceMarketOrder places a market order. Closing orders are reduce-only so a
// retry after an unseen fill cannot open an opposite position.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, reduceOnly bool) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	if quantity <= 0 {
		return nil, fmt.Errorf("%s: %w: quantity must be positive, got %v", op, ports.ErrInvalidRequest, quantity)
	}
	qty := formatQuantity(quantity)

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": side, "quantity": qty, "reduceOnly": reduceOnly,
		"orderID": resp.OrderID, "avgPrice": resp.AvgPrice,
	})
	return resp, nil
}

// GetPositions reads the net position of every symbol with exposure.
func (c *Client) GetPositions(ctx context.Context) ([]ports.VenuePosition, error) {
	op := "GetPositions"
	risks, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]ports.VenuePosition, 0, len(risks))
	for _, r := range risks {
		p, err := translatePositionRisk(r)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if p.Amount != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetKlines retrieves the most recent klines for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}
	return domainKlines, nil
}

// GetKlinesRange fetches all klines for a symbol/interval between start and end time.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	var allKlines []*domain.Kline
	const maxLimit = 1500
	from := start

	for {
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, bk := range klines {
			dk, err := translateBinanceKline(bk, symbol, interval)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
			}
			allKlines = append(allKlines, dk)
		}
		last := klines[len(klines)-1]
		from = time.UnixMilli(last.CloseTime + 1)
		if from.After(end) || len(klines) < maxLimit {
			break
		}
	}
	return allKlines, nil
}

// StreamKlines starts a WebSocket kline stream that reconnects with
// exponential backoff until ctx is done, stopCh is signalled or
// MaxReconnectAttempts consecutive connection attempts fail.
func (c *Client) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamKlines"
	wsCtx, cancelWs := context.WithCancel(ctx)
	fields := map[string]interface{}{"symbol": symbol, "interval": interval}

	wsHandler := func(event *futures.WsKlineEvent) {
		kline, err := translateWsKline(event)
		if err != nil {
			c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket kline event", fields)
			return
		}
		handler(kline)
	}
	wsErrHandler := func(err error) {
		errHandler(c.handleError(wsCtx, err, op+" WebSocket"))
	}

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		defer close(doneCh)
		defer cancelWs()

		b := &backoff.Backoff{Min: c.reconnectDelay, Max: time.Minute, Factor: 2, Jitter: true}
		failures := 0
		for wsCtx.Err() == nil {
			innerDone, innerStop, connectErr := futures.WsKlineServe(symbol, interval, wsHandler, wsErrHandler)
			if connectErr != nil {
				translated := c.handleError(wsCtx, connectErr, op+" connection attempt")
				failures++
				if failures >= c.maxReconnectAttempts {
					c.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up", fields)
					errHandler(translated)
					return
				}
				delay := b.Duration()
				c.logger.Info(wsCtx, op+": Connection failed, retrying", map[string]interface{}{"symbol": symbol, "attempt": failures, "delay": delay.String()})
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			c.logger.Info(wsCtx, op+": WebSocket connection established", fields)
			failures = 0
			b.Reset()

			select {
			case <-innerDone:
				c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly, reconnecting", fields)
			case <-wsCtx.Done():
				close(innerStop)
				<-innerDone
				c.logger.Info(ctx, op+": WebSocket stopped", fields)
				return
			}
		}
	}()

	go func() {
		select {
		case <-stopCh:
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	return doneCh, stopCh, nil
}

// --- Translation Helpers ---

func formatQuantity(q float64) string {
	return decimal.NewFromFloat(q).Truncate(8).String()
}

func parseField(name, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s '%s': %w", name, v, err)
	}
	return f, nil
}

func translateBookTicker(t *futures.BookTicker, now time.Time) (domain.Quote, error) {
	if t == nil {
		return domain.Quote{}, errors.New("received nil book ticker")
	}
	bid, err := parseField("bid price", t.BidPrice)
	if err != nil {
		return domain.Quote{}, err
	}
	ask, err := parseField("ask price", t.AskPrice)
	if err != nil {
		return domain.Quote{}, err
	}
	if bid <= 0 || ask < bid {
		return domain.Quote{}, fmt.Errorf("invalid book for %s: bid %v ask %v", t.Symbol, bid, ask)
	}
	return domain.Quote{Symbol: t.Symbol, Bid: bid, Ask: ask, Time: now.UTC()}, nil
}

func translateAccountAsset(a *futures.AccountAsset, now time.Time) (ports.AccountBalance, error) {
	wallet, err := parseField("wallet balance", a.WalletBalance)
	if err != nil {
		return ports.AccountBalance{}, err
	}
	unrealized, err := parseField("unrealized profit", a.UnrealizedProfit)
	if err != nil {
		return ports.AccountBalance{}, err
	}
	available, err := parseField("available balance", a.AvailableBalance)
	if err != nil {
		return ports.AccountBalance{}, err
	}
	return ports.AccountBalance{
		Asset:     a.Asset,
		Wallet:    wallet,
		Equity:    wallet + unrealized,
		Available: available,
		ReadAt:    now.UTC(),
	}, nil
}

func translatePositionRisk(r *futures.PositionRisk) (ports.VenuePosition, error) {
	if r == nil {
		return ports.VenuePosition{}, errors.New("received nil position risk")
	}
	amt, err := parseField("position amount", r.PositionAmt)
	if err != nil {
		return ports.VenuePosition{}, err
	}
	entry, err := parseField("entry price", r.EntryPrice)
	if err != nil {
		return ports.VenuePosition{}, err
	}
	return ports.VenuePosition{Symbol: r.Symbol, Amount: amt, EntryPrice: entry}, nil
}

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:      order.OrderID,
		Symbol:       order.Symbol,
		AvgPrice:     avgPrice,
		OrigQuantity: origQty,
		ExecutedQty:  execQty,
		Status:       string(order.Status),
		Side:         string(order.Side),
		Timestamp:    time.UnixMilli(order.UpdateTime),
	}
}

func translateOHLCV(open, high, low, cls, vol string) (o, h, l, c, v float64, err error) {
	if o, err = parseField("open price", open); err != nil {
		return
	}
	if h, err = parseField("high price", high); err != nil {
		return
	}
	if l, err = parseField("low price", low); err != nil {
		return
	}
	if c, err = parseField("close price", cls); err != nil {
		return
	}
	v, err = parseField("volume", vol)
	return
}

func translateWsKline(event *futures.WsKlineEvent) (*domain.Kline, error) {
	if event == nil {
		return nil, errors.New("received nil kline event")
	}
	k := event.Kline
	open, high, low, cls, vol, err := translateOHLCV(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return nil, err
	}
	return &domain.Kline{
		OpenTime:  time.UnixMilli(k.StartTime),
		CloseTime: time.UnixMilli(k.EndTime),
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   k.IsFinal,
	}, nil
}

func translateBinanceKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, high, low, cls, vol, err := translateOHLCV(bk.Open, bk.High, bk.Low, bk.Close, bk.Volume)
	if err != nil {
		return nil, err
	}
	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol, // futures.Kline carries no symbol
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   true,
	}, nil
}
