package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	fmhttp "github.com/KaisukaTran/findmy-fm/pkg/http"
)

// RESTFetcher pulls spot ticker prices from a Binance-compatible REST API.
// Retries and circuit breaking come from the shared HTTP client.
type RESTFetcher struct {
	client *fmhttp.Client
	logger core.ILogger
}

var _ Fetcher = (*RESTFetcher)(nil)

// NewRESTFetcher builds a fetcher against baseURL. The timeout bounds a
// single request; the caller bounds the whole fetch through ctx.
func NewRESTFetcher(baseURL string, timeout time.Duration, logger core.ILogger) *RESTFetcher {
	return &RESTFetcher{
		client: fmhttp.NewClient(baseURL, fmhttp.WithTimeout(timeout)),
		logger: logger.WithField("component", "rest_fetcher"),
	}
}

func (f *RESTFetcher) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := f.client.Get(ctx, "/api/v3/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, err
	}

	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}

	price, err := decimal.NewFromString(res.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ticker price %q: %w", res.Price, err)
	}
	return price, nil
}
