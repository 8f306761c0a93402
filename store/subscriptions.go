package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/membership/migration"
)

// SQLSubscriptionStore implements SubscriptionStore over database/sql.
type SQLSubscriptionStore struct {
	q       querier
	dialect migration.Dialect
}

const subscriptionColumns = `id, user_id, product_id, status, gateway, price, tax_rate, tax_amount,
	period, period_type, trial_days, trial_amount, created_at, expires_at,
	gateway_subscription_id, gateway_customer_id, gateway_payment_method, renewal_count,
	last_payment_at, next_payment_at, cancelled_at, roles_revoked`

var subscriptionSortColumns = map[string]bool{
	"created_at":      true,
	"expires_at":      true,
	"next_payment_at": true,
	"status":          true,
	"user_id":         true,
	"product_id":      true,
	"gateway":         true,
}

func (s *SQLSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	sub.CreatedAt = ts(sub.CreatedAt)
	_, err := s.q.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		sub.ID, sub.UserID, sub.ProductID, string(sub.Status), sub.Gateway,
		sub.Price, sub.TaxRate, sub.TaxAmount, sub.Period.Count, string(sub.Period.Unit),
		sub.TrialDays, sub.TrialAmount, sub.CreatedAt, tsPtr(sub.ExpiresAt),
		nullString(sub.GatewaySubscriptionID), nullString(sub.GatewayCustomerID),
		nullString(sub.GatewayPaymentMethod), sub.RenewalCount,
		tsPtr(sub.LastPaymentAt), tsPtr(sub.NextPaymentAt), tsPtr(sub.CancelledAt), sub.RolesRevoked)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: subscription %s", ErrDuplicate, sub.ID)
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *SQLSubscriptionStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`), id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// UpdateIfStatus is the compare-and-swap write every lifecycle transition
// goes through. It is keyed on the status and renewal_count the caller read,
// so two writers that both saw cycle n cannot both record cycle n+1.
func (s *SQLSubscriptionStore) UpdateIfStatus(ctx context.Context, sub *Subscription, expected SubscriptionStatus, renewals int) error {
	res, err := s.q.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE subscriptions SET status=?, gateway=?, price=?, tax_rate=?, tax_amount=?,
			expires_at=?, gateway_subscription_id=?, gateway_customer_id=?, gateway_payment_method=?,
			renewal_count=?, last_payment_at=?, next_payment_at=?, cancelled_at=?, roles_revoked=?
		WHERE id=? AND status=? AND renewal_count=?`),
		string(sub.Status), sub.Gateway, sub.Price, sub.TaxRate, sub.TaxAmount,
		tsPtr(sub.ExpiresAt), nullString(sub.GatewaySubscriptionID), nullString(sub.GatewayCustomerID),
		nullString(sub.GatewayPaymentMethod), sub.RenewalCount, tsPtr(sub.LastPaymentAt), tsPtr(sub.NextPaymentAt), tsPtr(sub.CancelledAt),
		sub.RolesRevoked, sub.ID, string(expected), renewals)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT 1 FROM subscriptions WHERE id = ?`), sub.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check subscription %s: %w", sub.ID, err)
	}
	return fmt.Errorf("%w: subscription %s is no longer %s at renewal %d", ErrConflict, sub.ID, expected, renewals)
}

func (s *SQLSubscriptionStore) List(ctx context.Context, f SubscriptionFilter) ([]*Subscription, error) {
	w := subscriptionWhere(f)
	order, err := orderBy(f.Sort, subscriptionSortColumns, "created_at")
	if err != nil {
		return nil, err
	}
	limit, largs := limitOffset(f.Pagination)
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions` + w.String() + order + limit

	rows, err := s.q.QueryContext(ctx, s.dialect.Rebind(query), append(w.args, largs...)...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLSubscriptionStore) Count(ctx context.Context, f SubscriptionFilter) (int, error) {
	w := subscriptionWhere(f)
	var n int
	err := s.q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM subscriptions`+w.String()), w.args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

func subscriptionWhere(f SubscriptionFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.UserID != nil {
		w.add("user_id = ?", *f.UserID)
	}
	if f.ProductID != nil {
		w.add("product_id = ?", *f.ProductID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Gateway != "" {
		w.add("gateway = ?", f.Gateway)
	}
	if f.GatewaySubscriptionID != "" {
		w.add("gateway_subscription_id = ?", f.GatewaySubscriptionID)
	}
	if f.DueBy != nil {
		w.add("next_payment_at <= ?", ts(*f.DueBy))
	}
	if f.ExpiredBy != nil {
		w.add("expires_at <= ?", ts(*f.ExpiredBy))
	}
	if f.Recurring != nil {
		if *f.Recurring {
			w.addRaw("next_payment_at IS NOT NULL")
		} else {
			w.addRaw("next_payment_at IS NULL")
		}
	}
	return w
}

func scanSubscription(sc rowScanner) (*Subscription, error) {
	var (
		sub                     Subscription
		status, unit            string
		gwSubID, gwCustID, gwPM sql.NullString
		expires, last, next, c  sql.NullTime
	)
	err := sc.Scan(&sub.ID, &sub.UserID, &sub.ProductID, &status, &sub.Gateway,
		&sub.Price, &sub.TaxRate, &sub.TaxAmount, &sub.Period.Count, &unit,
		&sub.TrialDays, &sub.TrialAmount, &sub.CreatedAt, &expires,
		&gwSubID, &gwCustID, &gwPM, &sub.RenewalCount, &last, &next, &c, &sub.RolesRevoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Status = SubscriptionStatus(status)
	sub.Period.Unit = PeriodUnit(unit)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.ExpiresAt = timePtr(expires)
	sub.GatewaySubscriptionID = gwSubID.String
	sub.GatewayCustomerID = gwCustID.String
	sub.GatewayPaymentMethod = gwPM.String
	sub.LastPaymentAt = timePtr(last)
	sub.NextPaymentAt = timePtr(next)
	sub.CancelledAt = timePtr(c)
	return &sub, nil
}
