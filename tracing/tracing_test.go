package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMiddlewareRecordsServerSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	p, err := newProvider(context.Background(), DefaultConfig(), sdktrace.WithSpanProcessor(sr))
	if err != nil {
		t.Fatalf("newProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := p.Middleware(mux, "membershipd")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/products/abc", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].SpanKind().String() != "server" {
		t.Errorf("span kind = %s, want server", spans[0].SpanKind())
	}
}

func TestNewProviderAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "127.0.0.1:1"
	cfg.SampleRate = 0.5
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.TracerProvider() == nil {
		t.Fatal("expected a tracer provider")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown with no spans: %v", err)
	}
}
