// Package http is the shared outbound HTTP client. Every remote call the
// platform makes (price ticker pulls, alert webhooks) goes through it, so
// retries, circuit breaking and instrumentation live in one place.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/KaisukaTran/findmy-fm/pkg/telemetry"
)

// StatusError is a non-2xx response. The body is kept verbatim so callers
// can surface the upstream's own error message.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Client wraps http.Client with a retry policy and a circuit breaker.
// Zero-value options give 3 retries with exponential backoff and a breaker
// that opens after 5 failures in a 10-call window.
type Client struct {
	base    string
	hc      *http.Client
	headers map[string]string
	exec    failsafe.Executor[*http.Response]

	retries     int
	backoffMin  time.Duration
	backoffMax  time.Duration
	breakFails  uint
	breakWindow uint
	breakDelay  time.Duration

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// Option adjusts client construction.
type Option func(*Client)

// WithTimeout bounds a single request attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithRetries sets how many times a failed attempt is repeated.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoff sets the exponential backoff bounds between retries.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.backoffMin, c.backoffMax = min, max }
}

// WithBreaker opens the circuit after failures out of window calls and
// keeps it open for delay.
func WithBreaker(failures, window uint, delay time.Duration) Option {
	return func(c *Client) { c.breakFails, c.breakWindow, c.breakDelay = failures, window, delay }
}

// WithHeader attaches a static header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// NewClient builds a client rooted at baseURL. Paths passed to Get/Post are
// appended to it, so an empty baseURL means callers pass absolute URLs.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:        strings.TrimRight(baseURL, "/"),
		hc:          &http.Client{Timeout: 10 * time.Second},
		headers:     make(map[string]string),
		retries:     3,
		backoffMin:  100 * time.Millisecond,
		backoffMax:  2 * time.Second,
		breakFails:  5,
		breakWindow: 10,
		breakDelay:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.exec = failsafe.With[*http.Response](c.retryPolicy(), c.breakerPolicy())

	c.tracer = telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")
	c.requests, _ = meter.Int64Counter("http_client_requests_total",
		metric.WithDescription("Outbound HTTP requests"))
	c.failures, _ = meter.Int64Counter("http_client_failures_total",
		metric.WithDescription("Outbound HTTP requests that errored or returned >=400"))
	c.duration, _ = meter.Float64Histogram("http_client_request_seconds",
		metric.WithDescription("Outbound HTTP request latency in seconds"))
	return c
}

// Transient faults are worth repeating; 4xx other than 429 are not.
func (c *Client) retryPolicy() retrypolicy.RetryPolicy[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(c.backoffMin, c.backoffMax).
		WithMaxRetries(c.retries).
		Build()
}

func (c *Client) breakerPolicy() circuitbreaker.CircuitBreaker[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(c.breakFails, c.breakWindow).
		WithDelay(c.breakDelay).
		Build()
}

// Get issues a GET to base+path with the given query parameters and returns
// the response body.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build GET %s: %w", path, err)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	return c.send(req)
}

// Post issues a POST with a JSON-encoded body and returns the response body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode POST body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, payload)
	if err != nil {
		return nil, fmt.Errorf("build POST %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	ctx, span := c.tracer.Start(req.Context(),
		req.Method+" "+req.URL.Path,
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		))
	defer span.End()
	req = req.WithContext(ctx)

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	labels := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)
	started := time.Now()
	resp, err := c.exec.Get(func() (*http.Response, error) {
		attempt := req
		if req.GetBody != nil {
			// Each retry needs its own body reader; the prior attempt
			// consumed the last one.
			fresh, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attempt = req.Clone(ctx)
			attempt.Body = fresh
		}
		return c.hc.Do(attempt)
	})
	c.requests.Add(ctx, 1, labels)
	c.duration.Record(ctx, time.Since(started).Seconds(), labels)

	if err != nil {
		span.RecordError(err)
		c.failures.Add(ctx, 1, labels)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read %s %s response: %w", req.Method, req.URL.Path, err)
	}

	if resp.StatusCode >= 400 {
		c.failures.Add(ctx, 1, labels)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
