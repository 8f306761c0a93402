package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/membership/store"
)

// UserIDFunc extracts the current user from an incoming HTTP request. It
// returns 0 when the request is anonymous. The caller provides it so access
// checks are not coupled to any authentication scheme.
type UserIDFunc func(r *http.Request) int64

// UserIDFromHeader reads the user id from a request header.
func UserIDFromHeader(name string) UserIDFunc {
	return func(r *http.Request) int64 {
		id, err := strconv.ParseInt(r.Header.Get(name), 10, 64)
		if err != nil || id <= 0 {
			return 0
		}
		return id
	}
}

// HasActiveSubscription reports whether the user holds an active
// subscription to any of productIDs, or to anything when none are given.
func (e *Engine) HasActiveSubscription(ctx context.Context, userID int64, productIDs ...uuid.UUID) (bool, error) {
	f := store.SubscriptionFilter{UserID: &userID, Status: store.SubscriptionActive}
	if len(productIDs) == 0 {
		n, err := e.store.Subscriptions().Count(ctx, f)
		if err != nil {
			return false, persistErr("count subscriptions", err)
		}
		return n > 0, nil
	}
	for _, id := range productIDs {
		pid := id
		f.ProductID = &pid
		n, err := e.store.Subscriptions().Count(ctx, f)
		if err != nil {
			return false, persistErr("count subscriptions", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// CheckAccess is the non-HTTP form of AccessMiddleware. It returns
// ErrAccessDenied when the user holds none of the required subscriptions.
func (e *Engine) CheckAccess(ctx context.Context, userID int64, productIDs ...uuid.UUID) error {
	ok, err := e.HasActiveSubscription(ctx, userID, productIDs...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

// AccessMiddleware wraps an HTTP handler and rejects requests from users
// without an active subscription to one of the required products.
type AccessMiddleware struct {
	engine    *Engine
	getUserID UserIDFunc
	products  []uuid.UUID
}

// NewAccessMiddleware creates an AccessMiddleware. With no products, any
// active subscription grants access.
func NewAccessMiddleware(engine *Engine, getUserID UserIDFunc, products ...uuid.UUID) *AccessMiddleware {
	return &AccessMiddleware{
		engine:    engine,
		getUserID: getUserID,
		products:  products,
	}
}

// Wrap returns an http.Handler that checks the user's subscriptions before
// delegating to next. Anonymous requests get 401.
func (m *AccessMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := m.getUserID(r)
		if userID == 0 {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		ok, err := m.engine.HasActiveSubscription(r.Context(), userID, m.products...)
		if err != nil {
			m.engine.logger.Error("access check failed", "user", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "access check failed")
			return
		}
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":    ErrAccessDenied.Error(),
				"products": m.products,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
