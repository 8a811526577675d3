package resiliency

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned without calling the server while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Client wraps http.Client with resilience patterns:
// - Exponential Backoff & Jitter (idempotent methods only)
// - Circuit Breaking
// - W3C Trace Context propagation
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *CircuitBreaker
}

// Option customizes a Client.
type Option func(*Client)

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithBreaker(threshold int, reset time.Duration) Option {
	return func(c *Client) { c.breaker = NewCircuitBreaker(c.breaker.name, threshold, reset) }
}

// NewClient returns a client for one upstream service.
func NewClient(name string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		breaker:    NewCircuitBreaker(name, 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes an HTTP request with resiliency patterns.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, c.breaker.name)
	}

	retries := c.maxRetries
	if !idempotent(req.Method) || (req.Body != nil && req.Body != http.NoBody && req.GetBody == nil) {
		retries = 0
	}

	var resp *http.Response
	var err error
	for i := 0; i <= retries; i++ {
		if i > 0 {
			if err := c.rewind(req); err != nil {
				c.breaker.Failure()
				return nil, err
			}
		}
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if i == retries {
			break
		}
		if resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
		}
		if werr := wait(req.Context(), c.backoff(i)); werr != nil {
			c.breaker.Failure()
			return nil, werr
		}
	}

	c.breaker.Failure()
	return resp, err
}

// State exposes the breaker state for health reporting.
func (c *Client) State() State {
	return c.breaker.State()
}

func (c *Client) rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

// backoff is base * 2^attempt + jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}
