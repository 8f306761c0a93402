package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestAuth(t *testing.T, cfg Config) *Authenticator {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a secret")
	}
}

func TestIssueAndVerify(t *testing.T) {
	a := newTestAuth(t, Config{JWTSecret: "s3cret", Issuer: "membership"})
	tok, err := a.Issue(42)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id != 42 {
		t.Errorf("user id = %d, want 42", id)
	}
}

func TestIssueRejectsInvalidUser(t *testing.T) {
	a := newTestAuth(t, Config{JWTSecret: "s3cret"})
	if _, err := a.Issue(0); err == nil {
		t.Fatal("expected error for user 0")
	}
}

func TestVerifyRejects(t *testing.T) {
	a := newTestAuth(t, Config{JWTSecret: "s3cret", Issuer: "membership", TokenTTL: time.Hour})
	other := newTestAuth(t, Config{JWTSecret: "other", Issuer: "membership"})
	foreign := newTestAuth(t, Config{JWTSecret: "s3cret", Issuer: "someone-else"})

	expired := newTestAuth(t, Config{JWTSecret: "s3cret", Issuer: "membership", TokenTTL: time.Minute})
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }

	forged, _ := other.Issue(7)
	wrongIssuer, _ := foreign.Issue(7)
	stale, _ := expired.Issue(7)
	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "membership",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  "membership",
		Subject: "7",
	}).SignedString([]byte("s3cret"))

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"wrong secret", forged, jwt.ErrTokenSignatureInvalid},
		{"wrong issuer", wrongIssuer, jwt.ErrTokenInvalidIssuer},
		{"expired", stale, jwt.ErrTokenExpired},
		{"missing subject", noSub, jwt.ErrTokenInvalidSubject},
		{"missing expiry", noExp, jwt.ErrTokenRequiredClaimMissing},
		{"garbage", "not.a.token", jwt.ErrTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUserID(t *testing.T) {
	a := newTestAuth(t, Config{JWTSecret: "s3cret"})
	tok, err := a.Issue(9)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int64
	}{
		{"valid bearer", "Bearer " + tok, 9},
		{"lowercase scheme", "bearer " + tok, 9},
		{"missing header", "", 0},
		{"basic scheme", "Basic " + tok, 0},
		{"bad token", "Bearer nope", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := a.UserID(r); got != tt.want {
				t.Errorf("UserID = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	a := newTestAuth(t, Config{JWTSecret: "s3cret", AdminUsers: []int64{1}})
	admin, _ := a.Issue(1)
	member, _ := a.Issue(9)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"member", "Bearer " + member, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/v1/products", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			a.RequireAdmin(next).ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequireAdminWithoutAdminsLocksEveryone(t *testing.T) {
	a := newTestAuth(t, Config{JWTSecret: "s3cret"})
	tok, _ := a.Issue(1)
	r := httptest.NewRequest("GET", "/api/v1/products", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	a.RequireAdmin(http.NotFoundHandler()).ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}
