// Package payments implements rampcore.PaymentProvider against Paystack and
// Flutterwave, plus the shared HTTP client and webhook signature helpers
// both adapters use.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cngnramp/backend/apperror"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 3
	defaultBackoff      = 1 * time.Second
	defaultFailureLimit = 5
	defaultResetTimeout = 60 * time.Second
)

// Client is a retrying, circuit-breaking HTTP client for calling payment
// provider REST APIs.
type Client struct {
	httpClient     *http.Client
	maxRetries     int
	retryBackoff   time.Duration
	circuitBreaker *circuitBreaker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request timeout (default 30s).
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxRetries overrides the retry attempt count (default 3).
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryBackoff overrides the base exponential backoff duration (default 1s).
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.retryBackoff = d }
}

// NewClient builds an HTTP client with sane defaults for provider calls.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		retryBackoff: defaultBackoff,
		circuitBreaker: &circuitBreaker{
			failureLimit: defaultFailureLimit,
			resetTimeout: defaultResetTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestJSON performs an HTTP request, retrying on network errors and 5xx
// responses, and decodes a successful JSON response body into out. A bearer
// token is attached when non-empty.
func (c *Client) RequestJSON(ctx context.Context, method, url, bearerToken string, body any, out any) (int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, apperror.External(apperror.PaymentProviderError, "failed to encode request body", err, false)
		}
	}

	if !c.circuitBreaker.allowRequest() {
		return 0, apperror.External(apperror.PaymentProviderError, "circuit breaker open for provider", nil, true)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return 0, apperror.External(apperror.ExternalTimeout, "request cancelled", ctx.Err(), false)
		default:
		}

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return 0, apperror.External(apperror.PaymentProviderError, "failed to build request", err, false)
		}
		req.Header.Set("Content-Type", "application/json")
		if bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+bearerToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries {
				c.sleepBackoff(attempt)
				continue
			}
			c.circuitBreaker.recordFailure()
			return 0, apperror.External(apperror.PaymentProviderError, fmt.Sprintf("request failed after %d attempts", attempt+1), err, true)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, apperror.External(apperror.PaymentProviderError, "failed to read response body", readErr, true)
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			if attempt < c.maxRetries {
				c.sleepBackoff(attempt)
				continue
			}
			c.circuitBreaker.recordFailure()
			return resp.StatusCode, apperror.External(apperror.PaymentProviderError, fmt.Sprintf("server error after %d attempts: %d", attempt+1, resp.StatusCode), lastErr, true)
		}

		c.circuitBreaker.recordSuccess()
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return resp.StatusCode, apperror.External(apperror.PaymentProviderError, "failed to decode response body", err, false)
			}
		}
		return resp.StatusCode, nil
	}

	return 0, apperror.External(apperror.PaymentProviderError, "unexpected retry exhaustion", lastErr, true)
}

func (c *Client) sleepBackoff(attempt int) {
	time.Sleep(c.retryBackoff * (1 << uint(attempt)))
}

type circuitBreaker struct {
	mu           sync.RWMutex
	failures     int
	lastFailTime time.Time
	failureLimit int
	resetTimeout time.Duration
	state        circuitState
}

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
)

func (cb *circuitBreaker) allowRequest() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateClosed {
		return true
	}
	return time.Since(cb.lastFailTime) > cb.resetTimeout
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = stateClosed
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailTime = time.Now()
	if cb.failures >= cb.failureLimit {
		cb.state = stateOpen
	}
}
