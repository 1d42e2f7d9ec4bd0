// Package client implements the Service Client: the engine's single
// outbound caller to downstream computation services, with timeout,
// retry, circuit-breaking, and structured error classification
// (spec.md §4.2).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// Config configures the Service Client.
type Config struct {
	BaseURLs                map[domain.ServiceName]string
	DefaultTimeout          time.Duration
	MaxRetries              int
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
}

// Client is the uniform outbound caller described in spec.md §4.2.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger

	breakers map[domain.ServiceName]*circuitBreaker
	limiters map[domain.ServiceName]*rate.Limiter
}

// New builds a Service Client with one shared *http.Client for connection
// reuse across every downstream call, per spec.md §5.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerCooldown <= 0 {
		cfg.CircuitBreakerCooldown = 60 * time.Second
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.DefaultTimeout},
		log:      log.With().Str("component", "service_client").Logger(),
		breakers: make(map[domain.ServiceName]*circuitBreaker),
		limiters: make(map[domain.ServiceName]*rate.Limiter),
	}
	for _, svc := range domain.AllServices {
		c.breakers[svc] = newCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		// 20 req/s steady-state per service, bursting to 40 — keeps the
		// reducer's bounded fan-out from hammering a single downstream.
		c.limiters[svc] = rate.NewLimiter(rate.Limit(20), 40)
	}
	return c
}

// Call issues a request with the given method against a logical service and
// decodes the JSON response into out (a pointer). A nil body sends no
// request body; a non-nil body is marshalled to JSON.
func (c *Client) Call(ctx context.Context, svc domain.ServiceName, method, path string, body, out any) error {
	baseURL, ok := c.cfg.BaseURLs[svc]
	if !ok {
		return engineerr.New(engineerr.Validation, "client.Call", fmt.Errorf("unknown service %q", svc))
	}

	breaker := c.breakers[svc]
	if breaker != nil && breaker.Open() {
		return engineerr.New(engineerr.ServiceUnavailable, "client.Call",
			fmt.Errorf("circuit open for service %q", svc))
	}

	if limiter := c.limiters[svc]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return engineerr.New(engineerr.Timeout, "client.Call", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return engineerr.New(engineerr.Timeout, "client.Call", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		err := c.doOnce(ctx, baseURL, method, path, body, out)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}

		lastErr = err
		class := engineerr.ClassOf(err)
		if !engineerr.Retryable(class) {
			return err
		}
		c.log.Warn().Str("service", string(svc)).Str("path", path).Int("attempt", attempt+1).Err(err).Msg("retrying service call")
	}

	if breaker != nil {
		breaker.RecordFailure()
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, baseURL, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return engineerr.New(engineerr.Validation, "client.doOnce", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return engineerr.New(engineerr.Validation, "client.doOnce", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return engineerr.New(engineerr.Timeout, "client.doOnce", err)
		}
		return engineerr.New(engineerr.ServiceUnavailable, "client.doOnce", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return engineerr.New(engineerr.ProtocolError, "client.doOnce", err)
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return engineerr.New(engineerr.Validation, "client.doOnce", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	case resp.StatusCode >= 500:
		return engineerr.New(engineerr.ServiceUnavailable, "client.doOnce", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return engineerr.New(engineerr.ProtocolError, "client.doOnce", err)
		}
	}
	return nil
}

// backoff returns exponential backoff capped at 4 seconds per step, with
// total wait across 3 retries staying well under the enclosing tick's
// deadline (spec §4.2: "capped total wait").
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	return d
}
