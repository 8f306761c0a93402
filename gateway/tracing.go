package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/GoCodeAlone/membership/gateway"

// Traced records a client span around every outbound processor call. Put it
// outermost so one span covers all retry attempts.
type Traced struct {
	inner  Gateway
	tracer trace.Tracer
}

// WithTracing wraps g. A nil tp uses the global tracer provider.
func WithTracing(g Gateway, tp trace.TracerProvider) *Traced {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Traced{inner: g, tracer: tp.Tracer(tracerName)}
}

func (t *Traced) Name() string    { return t.inner.Name() }
func (t *Traced) Unwrap() Gateway { return t.inner }

func (t *Traced) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("gateway.name", t.Name()))
	return t.tracer.Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("gateway.declined", IsDeclined(err)))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *Traced) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	ctx, span := t.start(ctx, "charge",
		attribute.String("gateway.idempotency_key", req.IdempotencyKey),
		attribute.String("gateway.amount", req.Amount.StringFixed(2)),
		attribute.String("gateway.currency", req.Currency))
	res, err := t.inner.Charge(ctx, req)
	if res != nil {
		span.SetAttributes(
			attribute.String("gateway.status", string(res.Status)),
			attribute.String("gateway.external_id", res.ExternalID))
	}
	finish(span, err)
	return res, err
}

func (t *Traced) CancelRemote(ctx context.Context, gatewaySubscriptionID string) error {
	ctx, span := t.start(ctx, "cancel", attribute.String("gateway.subscription_id", gatewaySubscriptionID))
	err := t.inner.CancelRemote(ctx, gatewaySubscriptionID)
	finish(span, err)
	return err
}

func (t *Traced) Refund(ctx context.Context, externalID string, amount decimal.Decimal) error {
	rf, ok := t.inner.(Refunder)
	if !ok {
		return ErrRefundNotSupported
	}
	ctx, span := t.start(ctx, "refund",
		attribute.String("gateway.external_id", externalID),
		attribute.String("gateway.amount", amount.StringFixed(2)))
	err := rf.Refund(ctx, externalID, amount)
	finish(span, err)
	return err
}

func (t *Traced) Capture(ctx context.Context, externalID string) (*ChargeResult, error) {
	c, ok := t.inner.(Capturer)
	if !ok {
		return nil, fmt.Errorf("%s: capture not supported", t.Name())
	}
	ctx, span := t.start(ctx, "capture", attribute.String("gateway.external_id", externalID))
	res, err := c.Capture(ctx, externalID)
	finish(span, err)
	return res, err
}

// ParseWebhook is not traced; the inbound HTTP span already covers it.
func (t *Traced) ParseWebhook(ctx context.Context, req *http.Request, body []byte) (*WebhookEvent, error) {
	p, ok := Find[WebhookParser](t.inner)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not accept webhooks", ErrInvalidWebhook, t.Name())
	}
	return p.ParseWebhook(ctx, req, body)
}
