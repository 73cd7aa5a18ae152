package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Client wraps a Runner with template validation, a per-call timeout, row
// and byte caps, and a circuit breaker so a flapping backend fails fast
// instead of queueing callers behind its timeout.
type Client struct {
	runner      Runner
	callTimeout time.Duration
	maxRows     int
	maxBytes    int
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout sets the per-call deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithRowCap sets the hard row cap applied on top of the caller's limit.
func WithRowCap(n int) ClientOption {
	return func(c *Client) { c.maxRows = n }
}

// WithByteCap sets the approximate payload cap for a result set.
func WithByteCap(n int) ClientOption {
	return func(c *Client) { c.maxBytes = n }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a warehouse client over the given runner.
func NewClient(runner Runner, opts ...ClientOption) *Client {
	c := &Client{
		runner:      runner,
		callTimeout: 15 * time.Second,
		maxRows:     10000,
		maxBytes:    4 * 1024 * 1024,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "warehouse",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes don't indicate backend health.
			return err == nil || errors.Is(err, ErrInvalid) || errors.Is(err, ErrAccessDenied)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Warehouse breaker state change",
				"from", from.String(),
				"to", to.String())
		},
	})

	return c
}

// Run validates and executes a parameterised read-only template.
// The row limit is clamped to the configured cap; results over the row or
// byte cap come back truncated rather than failing.
func (c *Client) Run(ctx context.Context, template string, params map[string]any, rowLimit int) (Result, error) {
	if err := ValidateTemplate(template, params); err != nil {
		return Result{}, err
	}

	if rowLimit <= 0 || rowLimit > c.maxRows {
		rowLimit = c.maxRows
	}

	out, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		res, err := c.runner.Run(callCtx, template, params, rowLimit)
		if err != nil {
			return Result{}, c.classify(callCtx, err)
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return Result{}, err
	}

	res := out.(Result)
	return c.cap(res, rowLimit), nil
}

// classify maps runner errors to the façade's failure classes.
func (c *Client) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return context.Canceled
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// cap applies the row and byte caps, marking the result truncated when
// either bites.
func (c *Client) cap(res Result, rowLimit int) Result {
	if len(res.Rows) > rowLimit {
		res.Rows = res.Rows[:rowLimit]
		res.Truncated = true
	}

	total := 0
	for i, row := range res.Rows {
		for k, v := range row {
			total += len(k) + len(fmt.Sprintf("%v", v))
		}
		if total > c.maxBytes {
			res.Rows = res.Rows[:i]
			res.Truncated = true
			break
		}
	}

	return res
}
