// Package connectivity is the outbound HTTP layer for the third-party
// collaborators (company registry, web search). Every call is gated by the
// shared rate limiter, guarded by a per-service circuit breaker and retried
// on transient failures.
package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Gate is the part of ratelimit.Limiter a Client uses.
type Gate interface {
	AwaitReady(ctx context.Context, service string) error
	RecordRequest(service string)
}

// Config configures a Client.
type Config struct {
	Service string // rate-limit bucket and breaker name. Required.

	HTTP    *http.Client // Default: 20s timeout.
	Gate    Gate         // nil: unmetered
	Breaker *CircuitBreaker
	Retry   RetryPolicy
	// MaxWait bounds the wait for rate-limit permission. Default: 30s.
	MaxWait time.Duration
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 20 * time.Second}
	}
	if c.Breaker == nil {
		c.Breaker = NewCircuitBreaker()
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client performs metered JSON GETs against one service.
type Client struct {
	cfg Config
}

// NewClient returns a Client for cfg.Service.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	cfg.Logger = cfg.Logger.With("service", cfg.Service)
	return &Client{cfg: cfg}
}

// Breaker exposes the client's breaker (status endpoints, tests).
func (c *Client) Breaker() *CircuitBreaker { return c.cfg.Breaker }

// GetJSON fetches url and decodes a 2xx JSON body into out. A 404 is
// returned as a *StatusError with Code 404 and never trips the breaker.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	return retry(ctx, c.cfg.Retry, c.cfg.Logger, func() error {
		if !c.cfg.Breaker.Allow() {
			return &ErrCircuitOpen{Service: c.cfg.Service}
		}
		if c.cfg.Gate != nil {
			waitCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
			err := c.cfg.Gate.AwaitReady(waitCtx, c.cfg.Service)
			cancel()
			if err != nil {
				return &permanent{err}
			}
		}
		err := c.do(ctx, url, header, out)
		if c.cfg.Gate != nil {
			c.cfg.Gate.RecordRequest(c.cfg.Service)
		}
		if ctx.Err() == nil {
			c.cfg.Breaker.Record(breakerOutcome(err))
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("connectivity: %s: build request: %w", c.cfg.Service, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("connectivity: %s: %w", c.cfg.Service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{Service: c.cfg.Service, Code: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("connectivity: %s: decode: %w", c.cfg.Service, err)
	}
	return nil
}

// breakerOutcome keeps client errors (4xx other than 429) from opening
// the circuit: the service answered.
func breakerOutcome(err error) error {
	if se, ok := err.(*StatusError); ok && se.Code < 500 && se.Code != 429 {
		return nil
	}
	return err
}
