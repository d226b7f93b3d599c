package marketdata

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
)

// StaticSource serves operator-set prices. It backs deployments without a
// price feed URL, where orders execute at accepted prices only and marks
// are maintained by hand.
type StaticSource struct {
	info  map[string]core.SymbolInfo
	clock core.IClock

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

var _ core.IPriceSource = (*StaticSource)(nil)

func NewStaticSource(symbols map[string]config.SymbolConfig, clock core.IClock) *StaticSource {
	return &StaticSource{
		info:   infoTable(symbols),
		clock:  clock,
		prices: make(map[string]decimal.Decimal),
	}
}

// SetPrice pins the price served for symbol.
func (s *StaticSource) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *StaticSource) CurrentPrice(ctx context.Context, symbol string) (core.PriceQuote, error) {
	s.mu.RLock()
	price, ok := s.prices[symbol]
	s.mu.RUnlock()
	if !ok {
		return core.PriceQuote{}, fmt.Errorf("%w: no price set for %s", apperrors.ErrPriceSourceUnavailable, symbol)
	}
	return core.PriceQuote{Symbol: symbol, Price: price, At: s.clock.Now()}, nil
}

func (s *StaticSource) ExchangeInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	info, ok := s.info[symbol]
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("%w: symbol %s not configured", apperrors.ErrValidation, symbol)
	}
	return info, nil
}
