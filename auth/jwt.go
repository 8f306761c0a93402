// Package auth resolves the calling member from an HS256 bearer token.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds the shared secret used to sign and verify member tokens.
// Authentication is disabled when JWTSecret is empty.
type Config struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// AdminUsers may call the admin API. Empty locks the admin API.
	AdminUsers []int64 `yaml:"admin_users"`
}

// Enabled reports whether a signing secret is configured.
func (c Config) Enabled() bool { return c.JWTSecret != "" }

// Authenticator verifies bearer tokens whose sub claim is a numeric user id.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	admins map[int64]bool
	now    func() time.Time
}

// New creates an Authenticator from cfg.
func New(cfg Config) (*Authenticator, error) {
	if !cfg.Enabled() {
		return nil, errors.New("auth: jwt_secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	admins := make(map[int64]bool, len(cfg.AdminUsers))
	for _, id := range cfg.AdminUsers {
		admins[id] = true
	}
	return &Authenticator{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		admins: admins,
		now:    time.Now,
	}, nil
}

// Issue signs a token for userID that expires after the configured TTL.
func (a *Authenticator) Issue(userID int64) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("auth: invalid user id %d", userID)
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses tokenStr and returns the user id in its sub claim.
func (a *Authenticator) Verify(tokenStr string) (int64, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, jwt.ErrTokenSignatureInvalid
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, jwt.ErrTokenInvalidSubject
	}
	return id, nil
}

// UserID extracts the user from the request's Authorization header. It
// returns 0 unless a bearer token verifies, matching billing.UserIDFunc.
func (a *Authenticator) UserID(r *http.Request) int64 {
	header := r.Header.Get("Authorization")
	scheme, tokenStr, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
		return 0
	}
	id, err := a.Verify(tokenStr)
	if err != nil {
		return 0
	}
	return id
}

// IsAdmin reports whether userID is listed in admin_users.
func (a *Authenticator) IsAdmin(userID int64) bool { return userID > 0 && a.admins[userID] }

// RequireAdmin lets through requests carrying a verified token of an admin
// user. Anonymous callers get 401 and other users 403.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := a.UserID(r)
		switch {
		case userID == 0:
			writeError(w, http.StatusUnauthorized, "authentication required")
		case !a.IsAdmin(userID):
			writeError(w, http.StatusForbidden, "admin access required")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
