package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RateLimited caps outbound calls to a processor. Wrap it inside
// WithRetry so every retry attempt also waits for a token.
type RateLimited struct {
	inner   Gateway
	limiter *rate.Limiter
}

// WithRateLimit wraps g with a token bucket of perSecond tokens and the given burst.
func WithRateLimit(g Gateway, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: g, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *RateLimited) Name() string    { return l.inner.Name() }
func (l *RateLimited) Unwrap() Gateway { return l.inner }

func (l *RateLimited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", l.Name(), err)
	}
	return nil
}

func (l *RateLimited) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.Charge(ctx, req)
}

func (l *RateLimited) CancelRemote(ctx context.Context, gatewaySubscriptionID string) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.inner.CancelRemote(ctx, gatewaySubscriptionID)
}

func (l *RateLimited) Refund(ctx context.Context, externalID string, amount decimal.Decimal) error {
	rf, ok := l.inner.(Refunder)
	if !ok {
		return ErrRefundNotSupported
	}
	if err := l.wait(ctx); err != nil {
		return err
	}
	return rf.Refund(ctx, externalID, amount)
}

func (l *RateLimited) Capture(ctx context.Context, externalID string) (*ChargeResult, error) {
	c, ok := l.inner.(Capturer)
	if !ok {
		return nil, fmt.Errorf("%s: capture not supported", l.Name())
	}
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return c.Capture(ctx, externalID)
}

func (l *RateLimited) ParseWebhook(ctx context.Context, req *http.Request, body []byte) (*WebhookEvent, error) {
	p, ok := Find[WebhookParser](l.inner)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not accept webhooks", ErrInvalidWebhook, l.Name())
	}
	return p.ParseWebhook(ctx, req, body)
}
