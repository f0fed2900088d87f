// Package integration holds the outbound provider clients used by job
// handlers: mail delivery, user notifications and workspace directories.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/resilience"
)

const defaultTimeout = 10 * time.Second

// Recorder observes provider calls
type Recorder interface {
	RecordProviderCall(ctx context.Context, provider, operation string, success bool, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordProviderCall(context.Context, string, string, bool, time.Duration) {}

// StatusError is a non-2xx provider response
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether retrying may succeed
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Deps are shared by every provider client
type Deps struct {
	Breakers *resilience.CircuitBreakerRegistry
	Recorder Recorder
	Logger   *zap.Logger
	// HTTPClient overrides the default client, mainly for tests
	HTTPClient *http.Client
}

// httpClient calls one provider's JSON API through its circuit breaker
type httpClient struct {
	provider string
	baseURL  string
	apiKey   string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	recorder Recorder
	logger   *zap.Logger
}

func newHTTPClient(provider string, cfg config.ProviderConfig, deps Deps) *httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := deps.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = resilience.NewCircuitBreakerRegistry(deps.Logger)
	}
	var rec Recorder = nopRecorder{}
	if deps.Recorder != nil {
		rec = deps.Recorder
	}
	return &httpClient{
		provider: provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		http:     hc,
		breaker:  breakers.Get(provider),
		recorder: rec,
		logger:   deps.Logger.With(zap.String("provider", provider)),
	}
}

// do sends body as JSON and decodes the response into out when non-nil
func (c *httpClient) do(ctx context.Context, operation, method, path string, body, out any) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, body, out)
	})
	c.recorder.RecordProviderCall(ctx, c.provider, operation, err == nil, time.Since(start))
	if err != nil {
		c.logger.Warn("Provider call failed",
			zap.String("operation", operation),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return fmt.Errorf("%s %s: %w", c.provider, operation, err)
	}
	return nil
}

func (c *httpClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Provider: c.provider, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
