package app

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/membership/billing"
	"github.com/GoCodeAlone/membership/config"
	"github.com/GoCodeAlone/membership/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "membership.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(t.Context(), cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return a
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestNew_Routes(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	if w := serve(t, h, "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}

	w := serve(t, h, "POST", "/api/v1/products", `{"name":"Basic","price":"5.00"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create product: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = serve(t, h, "POST", "/api/v1/renewals/run", "")
	if w.Code != http.StatusOK {
		t.Fatalf("renewal run: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"success"`) {
		t.Errorf("expected successful run, got %s", w.Body.String())
	}

	w = serve(t, h, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "membership_renewal_runs_total") {
		t.Errorf("expected renewal run counter in metrics output")
	}
}

func TestNew_ManualOnlyByDefault(t *testing.T) {
	a := newTestApp(t)
	names := a.Engine.Gateways().Names()
	if len(names) != 1 || names[0] != "manual" {
		t.Errorf("expected only the manual gateway, got %v", names)
	}
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "membership.db")
	cfg.Metrics.Enabled = false
	a, err := New(t.Context(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if w := serve(t, a.Handler(), "GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 with metrics disabled, got %d", w.Code)
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "membership.db")
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err := New(t.Context(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected error for unreachable redis")
	}
	if !strings.Contains(err.Error(), "redis") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApplyConfig(t *testing.T) {
	a := newTestApp(t)
	a.LogLevel = new(slog.LevelVar)

	next := config.Default()
	next.Log.Level = "error"
	next.Policy.RevokeRolesOnExpire = true
	if err := a.ApplyConfig(next, &config.Diff{Changed: []string{config.SectionLog, config.SectionPolicy}}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if a.LogLevel.Level() != slog.LevelError {
		t.Errorf("expected level error, got %v", a.LogLevel.Level())
	}
	if !a.Engine.Policy().RevokeRolesOnExpire {
		t.Error("expected engine policy to be replaced")
	}
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "membership.yaml")
	write := func(revoke bool) {
		content := fmt.Sprintf("database:\n  dsn: %q\nreload:\n  watch: true\n  debounce: 50ms\npolicy:\n  revoke_roles_on_cancel: %t\n",
			filepath.Join(dir, "membership.db"), revoke)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write(false)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a, err := New(t.Context(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if _, err := a.WatchConfig(path); err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	write(true)

	deadline := time.Now().Add(3 * time.Second)
	for !a.Engine.Policy().RevokeRolesOnCancel {
		if time.Now().After(deadline) {
			t.Fatal("policy change was not applied")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAccessRoute(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "membership.db")
	cfg.Auth.JWTSecret = "s3cret"
	a, err := New(t.Context(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	h := a.Handler()

	get := func(token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/api/v1/access", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	if w := get(""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", w.Code)
	}

	token, err := a.Auth.Issue(5)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if w := get(token); w.Code != http.StatusPaymentRequired {
		t.Fatalf("no subscription: expected 402, got %d: %s", w.Code, w.Body.String())
	}

	p, err := a.Engine.CreateProduct(t.Context(), &store.Product{Name: "Lifetime", Price: decimal.RequireFromString("10")})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	res, err := a.Engine.Checkout(t.Context(), billing.CheckoutRequest{UserID: 5, ProductID: p.ID, Gateway: "manual"})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if _, err := a.Engine.Complete(t.Context(), res.Transaction.ID, billing.CompleteOptions{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	w := get(token)
	if w.Code != http.StatusOK {
		t.Fatalf("active subscription: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"user_id":5`) {
		t.Errorf("expected caller in body, got %s", w.Body.String())
	}
}

func TestAccessRouteDisabledWithoutSecret(t *testing.T) {
	a := newTestApp(t)
	if a.Auth != nil {
		t.Fatal("expected no authenticator without a secret")
	}
	if w := serve(t, a.Handler(), "GET", "/api/v1/access", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestActivationGrantsPersistedRoles(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	p, err := a.Engine.CreateProduct(t.Context(), &store.Product{
		Name: "Gold", Price: decimal.RequireFromString("10"), Roles: []string{"gold", "member"},
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	res, err := a.Engine.Checkout(t.Context(), billing.CheckoutRequest{UserID: 12, ProductID: p.ID, Gateway: "manual"})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if _, err := a.Engine.Complete(t.Context(), res.Transaction.ID, billing.CompleteOptions{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ok, err := a.Roles.Has(t.Context(), 12, "gold")
	if err != nil || !ok {
		t.Fatalf("expected gold role to be persisted, ok=%v err=%v", ok, err)
	}
	w := serve(t, h, "GET", "/api/v1/users/12/roles", "")
	if w.Code != http.StatusOK {
		t.Fatalf("user roles: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"roles":["gold","member"]`) {
		t.Errorf("unexpected roles body: %s", w.Body.String())
	}
	if w := serve(t, h, "GET", "/api/v1/users/nope/roles", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad user id: expected 400, got %d", w.Code)
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "membership.db")
	cfg.Auth.JWTSecret = "s3cret"
	cfg.Auth.AdminUsers = []int64{1}
	a, err := New(t.Context(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	h := a.Handler()

	admin, _ := a.Auth.Issue(1)
	member, _ := a.Auth.Issue(5)
	call := func(method, path, body, token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	product := `{"name":"Basic","price":"5.00"}`
	if w := call("POST", "/api/v1/products", product, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous create product: expected 401, got %d", w.Code)
	}
	if w := call("POST", "/api/v1/products", product, member); w.Code != http.StatusForbidden {
		t.Errorf("member create product: expected 403, got %d", w.Code)
	}
	if w := call("POST", "/api/v1/products", product, admin); w.Code != http.StatusCreated {
		t.Errorf("admin create product: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := call("POST", "/api/v1/renewals/run", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous renewal run: expected 401, got %d", w.Code)
	}
	if w := call("GET", "/api/v1/users/5/roles", "", member); w.Code != http.StatusForbidden {
		t.Errorf("member user roles: expected 403, got %d", w.Code)
	}

	if w := call("GET", "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
	if w := call("POST", "/api/v1/webhooks/unknown", "{}", ""); w.Code == http.StatusUnauthorized || w.Code == http.StatusForbidden {
		t.Errorf("webhooks must not require a token, got %d", w.Code)
	}
	if w := call("GET", "/api/v1/access", "", member); w.Code != http.StatusPaymentRequired {
		t.Errorf("member access: expected 402, got %d", w.Code)
	}
}
