package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// RetryPolicy bounds how often a transient failure is retried.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultRetryPolicy is three attempts with a short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Retrying wraps a Gateway so that transient failures are retried with
// exponential backoff. Declines and other errors are returned at once.
type Retrying struct {
	inner  Gateway
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry wraps g with the retry policy p.
func WithRetry(g Gateway, p RetryPolicy, logger *slog.Logger) *Retrying {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{inner: g, policy: p, logger: logger}
}

func (r *Retrying) Name() string    { return r.inner.Name() }
func (r *Retrying) Unwrap() Gateway { return r.inner }

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.policy.InitialInterval),
		backoff.WithMaxInterval(r.policy.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)
}

// do runs op until it succeeds, fails permanently or runs out of attempts.
func (r *Retrying) do(ctx context.Context, name string, op func() error) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, r.backOff(ctx), func(err error, wait time.Duration) {
		r.logger.Warn("gateway call failed, retrying",
			"gateway", r.Name(), "op", name, "attempt", attempts, "wait", wait, "error", err)
	})
	if err != nil && IsTransient(err) {
		return fmt.Errorf("%w: %s %s after %d attempts: %w", ErrRetriesExhausted, r.Name(), name, attempts, err)
	}
	return err
}

func (r *Retrying) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var res *ChargeResult
	err := r.do(ctx, "charge", func() error {
		var err error
		res, err = r.inner.Charge(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Retrying) CancelRemote(ctx context.Context, gatewaySubscriptionID string) error {
	return r.do(ctx, "cancel", func() error {
		return r.inner.CancelRemote(ctx, gatewaySubscriptionID)
	})
}

// Refund returns ErrRefundNotSupported when the wrapped gateway cannot refund.
func (r *Retrying) Refund(ctx context.Context, externalID string, amount decimal.Decimal) error {
	rf, ok := r.inner.(Refunder)
	if !ok {
		return ErrRefundNotSupported
	}
	return r.do(ctx, "refund", func() error {
		return rf.Refund(ctx, externalID, amount)
	})
}

func (r *Retrying) Capture(ctx context.Context, externalID string) (*ChargeResult, error) {
	c, ok := r.inner.(Capturer)
	if !ok {
		return nil, fmt.Errorf("%s: capture not supported", r.Name())
	}
	var res *ChargeResult
	err := r.do(ctx, "capture", func() error {
		var err error
		res, err = c.Capture(ctx, externalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ParseWebhook is never retried; verification failures are not transient.
func (r *Retrying) ParseWebhook(ctx context.Context, req *http.Request, body []byte) (*WebhookEvent, error) {
	p, ok := Find[WebhookParser](r.inner)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not accept webhooks", ErrInvalidWebhook, r.Name())
	}
	return p.ParseWebhook(ctx, req, body)
}

// Find walks a chain of wrapping gateways and returns the first one
// implementing T.
func Find[T any](g Gateway) (T, bool) {
	for g != nil {
		if t, ok := g.(T); ok {
			return t, true
		}
		u, ok := g.(interface{ Unwrap() Gateway })
		if !ok {
			break
		}
		g = u.Unwrap()
	}
	var zero T
	return zero, false
}

// Supports reports whether the innermost gateway under g implements T.
// Wrappers implement every optional interface, so callers that need to
// know what the processor itself can do use this instead of a type switch.
func Supports[T any](g Gateway) bool {
	for {
		u, ok := g.(interface{ Unwrap() Gateway })
		if !ok {
			_, ok := g.(T)
			return ok
		}
		g = u.Unwrap()
	}
}
