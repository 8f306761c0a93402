package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	sr := tracetest.NewSpanRecorder()
	return sr, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingCoversRetriedCharge(t *testing.T) {
	sr, tp := newRecorder()
	m := NewMock("mock")
	m.FailNext(transient())
	g := WithTracing(WithRetry(m, fastPolicy(3), testLogger()), tp)

	res, err := g.Charge(context.Background(), chargeReq("sub_1_cycle_1"))
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span for the retried charge, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "gateway.charge" {
		t.Errorf("span name = %q", s.Name())
	}
	if v, _ := spanAttr(s, "gateway.idempotency_key"); v.AsString() != "sub_1_cycle_1" {
		t.Errorf("idempotency key attribute = %q", v.AsString())
	}
	if v, _ := spanAttr(s, "gateway.external_id"); v.AsString() != res.ExternalID {
		t.Errorf("external id attribute = %q, want %q", v.AsString(), res.ExternalID)
	}
	if s.Status().Code == codes.Error {
		t.Error("successful charge should not mark the span as failed")
	}
}

func TestTracingMarksDeclines(t *testing.T) {
	sr, tp := newRecorder()
	m := NewMock("mock")
	m.FailNext(&DeclinedError{Gateway: "mock", Code: "card_declined", Message: "insufficient funds"})
	g := WithTracing(m, tp)

	_, err := g.Charge(context.Background(), chargeReq("k"))
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("err = %v, want decline", err)
	}
	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Error("expected error status on declined charge")
	}
	if v, ok := spanAttr(spans[0], "gateway.declined"); !ok || !v.AsBool() {
		t.Error("expected gateway.declined=true")
	}
}

func TestTracingRefundAndCapabilities(t *testing.T) {
	sr, tp := newRecorder()
	m := NewMock("mock")
	g := WithTracing(m, tp)

	res, err := g.Charge(context.Background(), chargeReq("k"))
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := g.Refund(context.Background(), res.ExternalID, decimal.RequireFromString("19.99")); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := len(sr.Ended()); got != 2 {
		t.Errorf("expected charge and refund spans, got %d", got)
	}

	manual := WithTracing(NewManual(), tp)
	if Supports[Refunder](manual) {
		t.Error("manual gateway should not report refund support through the tracer")
	}
	if err := manual.Refund(context.Background(), "x", decimal.Zero); !errors.Is(err, ErrRefundNotSupported) {
		t.Errorf("err = %v, want ErrRefundNotSupported", err)
	}
}
