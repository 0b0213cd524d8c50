// Package sentiment reads the crypto Fear & Greed index.
package sentiment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"g13lab/internal/ports"
)

const (
	DefaultURL      = "https://api.alternative.me/fng/?limit=1"
	DefaultCacheTTL = 60 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Config wires a Fear & Greed client.
type Config struct {
	URL        string
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Logger     ports.Logger
	Clock      func() time.Time
}

// FearGreed implements ports.SentimentSource with a short-lived cache.
type FearGreed struct {
	cfg Config

	mu       sync.Mutex
	cached   ports.Sentiment
	cachedAt time.Time
}

// NewFearGreed creates a Fear & Greed client.
func NewFearGreed(cfg Config) (*FearGreed, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for sentiment client")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &FearGreed{cfg: cfg}, nil
}

// Current returns the latest index value, served from cache when fresh.
func (f *FearGreed) Current(ctx context.Context) (ports.Sentiment, error) {
	op := "FearGreed.Current"
	now := f.cfg.Clock()

	f.mu.Lock()
	if !f.cachedAt.IsZero() && now.Sub(f.cachedAt) < f.cfg.CacheTTL {
		s := f.cached
		f.mu.Unlock()
		return s, nil
	}
	f.mu.Unlock()

	s, err := f.fetch(ctx)
	if err != nil {
		f.cfg.Logger.Warn(ctx, op+": Fetch failed", map[string]interface{}{"error": err.Error()})
		return ports.Sentiment{}, err
	}

	f.mu.Lock()
	f.cached, f.cachedAt = s, now
	f.mu.Unlock()
	f.cfg.Logger.Debug(ctx, op+": Index refreshed", map[string]interface{}{"value": s.Value, "classification": s.Classification})
	return s, nil
}

func (f *FearGreed) fetch(ctx context.Context) (ports.Sentiment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return ports.Sentiment{}, fmt.Errorf("build sentiment request: %w", err)
	}
	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return ports.Sentiment{}, fmt.Errorf("%w: fear & greed: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ports.Sentiment{}, fmt.Errorf("%w: fear & greed returned HTTP %d", ports.ErrExchangeUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ports.Sentiment{}, fmt.Errorf("read fear & greed body: %w", err)
	}
	return parse(body)
}

// parse extracts the newest reading from an alternative.me payload.
func parse(body []byte) (ports.Sentiment, error) {
	if !gjson.ValidBytes(body) {
		return ports.Sentiment{}, fmt.Errorf("%w: fear & greed payload is not JSON", ports.ErrInvalidRequest)
	}
	current := gjson.GetBytes(body, "data.0")
	if !current.Exists() {
		return ports.Sentiment{}, fmt.Errorf("%w: fear & greed payload has no data", ports.ErrNotFound)
	}
	value := current.Get("value")
	if !value.Exists() {
		return ports.Sentiment{}, fmt.Errorf("%w: fear & greed reading has no value", ports.ErrNotFound)
	}
	v := int(value.Int())
	if v < 0 || v > 100 {
		return ports.Sentiment{}, fmt.Errorf("%w: fear & greed value %d out of range", ports.ErrInvalidRequest, v)
	}

	s := ports.Sentiment{Value: v, Classification: current.Get("value_classification").String()}
	if s.Classification == "" {
		s.Classification = Classify(v)
	}
	if ts := current.Get("timestamp").Int(); ts > 0 {
		s.Time = time.Unix(ts, 0).UTC()
	}
	return s, nil
}

// Classify names an index value using the alternative.me bands.
func Classify(v int) string {
	switch {
	case v <= 25:
		return "Extreme Fear"
	case v <= 40:
		return "Fear"
	case v <= 60:
		return "Neutral"
	case v <= 75:
		return "Greed"
	default:
		return "Extreme Greed"
	}
}
