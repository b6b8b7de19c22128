// Package http is a thin REST client used by the exchange adapters. Every
// request passes through a failsafe pipeline (retry with backoff, then a
// circuit breaker) and is traced and measured via OpenTelemetry.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"volharvester/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxRetries     = 3
	backoffFloor   = 100 * time.Millisecond
	backoffCeil    = 2 * time.Second
	breakerDelay   = 10 * time.Second
	breakerFails   = 5
	breakerSamples = 10
)

// APIError is a non-2xx response. The body is kept verbatim so exchange
// adapters can parse venue-specific error codes out of it.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer adds venue authentication to an outgoing request.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client issues JSON requests against a single base URL.
type Client struct {
	httpc    *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]

	tracer    trace.Tracer
	requests  metric.Int64Counter
	failures  metric.Int64Counter
	elapsedHg metric.Float64Histogram
}

// retriable reports whether a response deserves another attempt. Network
// errors, 5xx and 429 all qualify.
func retriable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// NewClient builds a client for baseURL. signer may be nil for public
// endpoints.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(retriable).
		WithBackoff(backoffFloor, backoffCeil).
		WithMaxRetries(maxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(breakerFails, breakerSamples).
		WithDelay(breakerDelay).
		Build()

	meter := telemetry.GetMeter("http-client")
	c := &Client{
		httpc:    &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		signer:   signer,
		pipeline: failsafe.With[*http.Response](retry, breaker),
		tracer:   telemetry.GetTracer("http-client"),
	}
	c.requests, _ = meter.Int64Counter("http_requests_total",
		metric.WithDescription("HTTP requests issued"))
	c.failures, _ = meter.Int64Counter("http_errors_total",
		metric.WithDescription("HTTP requests that failed"))
	c.elapsedHg, _ = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency"))
	return c
}

// Get issues a GET with params encoded into the query string.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.query(ctx, http.MethodGet, path, params)
}

// Delete issues a DELETE with params encoded into the query string.
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.query(ctx, http.MethodDelete, path, params)
}

// Post issues a POST with body marshalled as JSON.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *Client) query(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(req.Context(),
		fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		))
	defer span.End()
	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.httpc.Do(req)
	})

	dims := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)
	c.requests.Add(ctx, 1, dims)
	c.elapsedHg.Record(ctx, time.Since(start).Seconds(), dims)

	if err != nil {
		span.RecordError(err)
		c.failures.Add(ctx, 1, dims)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.failures.Add(ctx, 1, dims)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
