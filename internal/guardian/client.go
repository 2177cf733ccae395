package guardian

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/gzhole/skillshield/internal/logger"
)

// RetryConfig controls retries of transient provider errors.
type RetryConfig struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Client wraps a Provider with a per-call timeout and retries.
type Client struct {
	provider Provider
	timeout  time.Duration
	retry    RetryConfig
}

// NewClient creates a client. A zero timeout disables the per-call limit.
func NewClient(p Provider, timeout time.Duration, retry RetryConfig) *Client {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Client{provider: p, timeout: timeout, retry: retry}
}

// Provider returns the wrapped provider.
func (c *Client) Provider() Provider { return c.provider }

// Result is the outcome of one logical call.
type Result struct {
	Raw      string
	Attempts int
}

// Ask sends req, retrying transient failures with exponential backoff.
// The returned Result carries the last raw response and the attempt count
// even when err is non-nil.
func (c *Client) Ask(ctx context.Context, req Request) (Result, error) {
	var res Result
	err := retry.Do(
		func() error {
			res.Attempts++
			callCtx, cancel := ctx, context.CancelFunc(func() {})
			if c.timeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			}
			defer cancel()

			raw, err := c.provider.Complete(callCtx, req)
			if err != nil {
				// The parent being done is final; a per-call timeout is not.
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				return err
			}
			res.Raw = raw
			return nil
		},
		retry.RetryIf(IsTransient),
		retry.Attempts(uint(c.retry.Attempts)),
		retry.Delay(c.retry.InitialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(c.retry.MaxDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).
				WithField("provider", c.provider.Name()).
				WithField("attempt", n+1).
				WithField("max_attempts", c.retry.Attempts).
				Warn("retrying provider call")
		}),
	)
	return res, err
}

// AskArea sends an area request and parses the judgment.
func (c *Client) AskArea(ctx context.Context, req Request) (AreaJudgment, Result, error) {
	req.Kind = KindArea
	res, err := c.Ask(ctx, req)
	if err != nil {
		return AreaJudgment{}, res, err
	}
	j, err := ParseArea(res.Raw)
	return j, res, err
}

// AskIntent sends a package-intent request and parses the judgment.
func (c *Client) AskIntent(ctx context.Context, req Request) (IntentJudgment, Result, error) {
	req.Kind = KindIntent
	res, err := c.Ask(ctx, req)
	if err != nil {
		return IntentJudgment{}, res, err
	}
	j, err := ParseIntent(res.Raw)
	return j, res, err
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, per-call timeouts and network failures. Client errors such as a
// bad key and cancellation of the caller are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode == 408 || apiErr.StatusCode == 409 ||
			apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "connection reset", "timeout",
		"temporary failure", "service unavailable", "rate limit", "too many requests", "overloaded"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
