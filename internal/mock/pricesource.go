// Package mock holds the shared test doubles: a price source with scripted
// failures, a movable clock, a scripted random source and capturing sinks.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
)

// MockPriceSource serves scripted quotes. FailNext makes the following
// CurrentPrice calls unavailable, which is how stop-scan skip and degraded
// mark-to-market paths are exercised.
type MockPriceSource struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	infos     map[string]core.SymbolInfo
	clock     core.IClock
	failsLeft int
	calls     int
}

var _ core.IPriceSource = (*MockPriceSource)(nil)

func NewMockPriceSource(clock core.IClock) *MockPriceSource {
	return &MockPriceSource{
		prices: make(map[string]decimal.Decimal),
		infos:  make(map[string]core.SymbolInfo),
		clock:  clock,
	}
}

// SetPrice pins the quote for symbol.
func (m *MockPriceSource) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetInfo pins the lot-size metadata for symbol.
func (m *MockPriceSource) SetInfo(symbol string, info core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.Symbol = symbol
	m.infos[symbol] = info
}

// FailNext makes the next n CurrentPrice calls return unavailable before
// quotes resume.
func (m *MockPriceSource) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failsLeft = n
}

// Calls reports how many CurrentPrice calls were made, failed ones included.
func (m *MockPriceSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockPriceSource) CurrentPrice(_ context.Context, symbol string) (core.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failsLeft > 0 {
		m.failsLeft--
		return core.PriceQuote{}, fmt.Errorf("%w: scripted outage for %s", apperrors.ErrPriceSourceUnavailable, symbol)
	}
	price, ok := m.prices[symbol]
	if !ok {
		return core.PriceQuote{}, fmt.Errorf("%w: no price set for %s", apperrors.ErrPriceSourceUnavailable, symbol)
	}
	return core.PriceQuote{Symbol: symbol, Price: price, At: m.clock.Now()}, nil
}

func (m *MockPriceSource) ExchangeInfo(_ context.Context, symbol string) (core.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[symbol]
	if !ok {
		return core.SymbolInfo{}, fmt.Errorf("%w: symbol %s not configured", apperrors.ErrValidation, symbol)
	}
	return info, nil
}
