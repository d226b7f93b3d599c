// Package marketdata implements the price source capability: a TTL cache in
// front of a fetcher, with an outbound rate limiter and a bounded fetch
// timeout. Exchange lot-size metadata is loaded from config and immutable
// for the life of the process.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
)

// Fetcher retrieves a fresh price for one symbol. Implementations must
// respect ctx cancellation.
type Fetcher interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f FetcherFunc) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

type cacheEntry struct {
	price decimal.Decimal
	at    time.Time
}

// CachedSource serves prices from a per-symbol cache and refreshes through
// the fetcher when the cached value ages past the TTL. Concurrent refreshes
// of the same symbol are collapsed into one upstream call.
type CachedSource struct {
	fetcher Fetcher
	info    map[string]core.SymbolInfo
	ttl     time.Duration
	timeout time.Duration
	limiter *rate.Limiter
	clock   core.IClock
	logger  core.ILogger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group
}

var _ core.IPriceSource = (*CachedSource)(nil)

// NewCachedSource builds a cached price source from validated config.
func NewCachedSource(cfg config.PriceSourceConfig, symbols map[string]config.SymbolConfig, fetcher Fetcher, clock core.IClock, logger core.ILogger) *CachedSource {
	return &CachedSource{
		fetcher: fetcher,
		info:    infoTable(symbols),
		ttl:     time.Duration(cfg.CacheTTLS) * time.Second,
		timeout: time.Duration(cfg.FetchTimeoutMs) * time.Millisecond,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		clock:   clock,
		logger:  logger.WithField("component", "price_source"),
		cache:   make(map[string]cacheEntry),
	}
}

// CurrentPrice returns the cached quote while it is younger than the TTL and
// refreshes otherwise. A failed refresh is reported as
// ErrPriceSourceUnavailable; callers decide whether that is fatal.
func (s *CachedSource) CurrentPrice(ctx context.Context, symbol string) (core.PriceQuote, error) {
	if q, ok := s.cached(symbol, s.clock.Now()); ok {
		return q, nil
	}

	v, err, _ := s.group.Do(symbol, func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the flight.
		if q, ok := s.cached(symbol, s.clock.Now()); ok {
			return q, nil
		}
		return s.refresh(ctx, symbol)
	})
	if err != nil {
		return core.PriceQuote{}, err
	}
	return v.(core.PriceQuote), nil
}

// ExchangeInfo returns the configured lot-size metadata for symbol.
func (s *CachedSource) ExchangeInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	info, ok := s.info[symbol]
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("%w: symbol %s not configured", apperrors.ErrValidation, symbol)
	}
	return info, nil
}

func (s *CachedSource) cached(symbol string, now time.Time) (core.PriceQuote, bool) {
	s.mu.RLock()
	e, ok := s.cache[symbol]
	s.mu.RUnlock()
	if !ok {
		return core.PriceQuote{}, false
	}

	age := now.Sub(e.at)
	if age > s.ttl {
		return core.PriceQuote{}, false
	}
	return core.PriceQuote{Symbol: symbol, Price: e.price, At: e.at, Age: age}, true
}

func (s *CachedSource) refresh(ctx context.Context, symbol string) (core.PriceQuote, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter.Wait(fetchCtx); err != nil {
		return core.PriceQuote{}, fmt.Errorf("%w: %s: rate limit wait: %v", apperrors.ErrPriceSourceUnavailable, symbol, err)
	}

	price, err := s.fetcher.FetchPrice(fetchCtx, symbol)
	if err != nil {
		s.logger.Warn("price fetch failed", "symbol", symbol, "error", err)
		return core.PriceQuote{}, fmt.Errorf("%w: %s: %v", apperrors.ErrPriceSourceUnavailable, symbol, err)
	}

	at := s.clock.Now()
	s.mu.Lock()
	s.cache[symbol] = cacheEntry{price: price, at: at}
	s.mu.Unlock()

	s.logger.Debug("price refreshed", "symbol", symbol, "price", price.String())
	return core.PriceQuote{Symbol: symbol, Price: price, At: at}, nil
}

func infoTable(symbols map[string]config.SymbolConfig) map[string]core.SymbolInfo {
	out := make(map[string]core.SymbolInfo, len(symbols))
	for name, s := range symbols {
		out[name] = core.SymbolInfo{
			Symbol:    name,
			MinQty:    decimal.NewFromFloat(s.MinQty),
			StepSize:  decimal.NewFromFloat(s.StepSize),
			MaxQty:    decimal.NewFromFloat(s.MaxQty),
			PriceStep: decimal.NewFromFloat(s.PriceStep),
		}
	}
	return out
}
