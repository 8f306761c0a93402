package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// ValidSubscriptionStatuses is the set of valid subscription status values.
var ValidSubscriptionStatuses = map[SubscriptionStatus]bool{
	SubscriptionPending:   true,
	SubscriptionActive:    true,
	SubscriptionCancelled: true,
	SubscriptionExpired:   true,
}

// TransactionStatus is the lifecycle state of a payment transaction.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "pending"
	TransactionComplete TransactionStatus = "complete"
	TransactionFailed   TransactionStatus = "failed"
	TransactionRefunded TransactionStatus = "refunded"
)

// ValidTransactionStatuses is the set of valid transaction status values.
var ValidTransactionStatuses = map[TransactionStatus]bool{
	TransactionPending:  true,
	TransactionComplete: true,
	TransactionFailed:   true,
	TransactionRefunded: true,
}

// PeriodUnit is the unit of a billing period.
type PeriodUnit string

const (
	PeriodDay   PeriodUnit = "day"
	PeriodWeek  PeriodUnit = "week"
	PeriodMonth PeriodUnit = "month"
	PeriodYear  PeriodUnit = "year"
)

// ValidPeriodUnits is the set of valid period units.
var ValidPeriodUnits = map[PeriodUnit]bool{
	PeriodDay:   true,
	PeriodWeek:  true,
	PeriodMonth: true,
	PeriodYear:  true,
}

// Period is a billing period. A zero Count means lifetime access.
type Period struct {
	Count int        `json:"count"`
	Unit  PeriodUnit `json:"unit"`
}

// Lifetime reports whether the period never elapses.
func (p Period) Lifetime() bool { return p.Count == 0 }

// AddTo advances t by n periods. Month and year steps use calendar
// arithmetic, so Jan 31 + 1 month normalises the way time.AddDate does.
func (p Period) AddTo(t time.Time, n int) time.Time {
	c := p.Count * n
	switch p.Unit {
	case PeriodDay:
		return t.AddDate(0, 0, c)
	case PeriodWeek:
		return t.AddDate(0, 0, 7*c)
	case PeriodMonth:
		return t.AddDate(0, c, 0)
	case PeriodYear:
		return t.AddDate(c, 0, 0)
	}
	return t
}

// Validate checks the count and unit.
func (p Period) Validate() error {
	if p.Count < 0 {
		return fmt.Errorf("period count must not be negative, got %d", p.Count)
	}
	if p.Count > 0 && !ValidPeriodUnits[p.Unit] {
		return fmt.Errorf("invalid period unit %q", p.Unit)
	}
	return nil
}

func (p Period) String() string {
	if p.Lifetime() {
		return "lifetime"
	}
	return fmt.Sprintf("%d %s", p.Count, p.Unit)
}

// Product is a purchasable membership definition.
type Product struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	IsRecurring bool            `json:"is_recurring"`
	Period      Period          `json:"period"`
	TrialDays   int             `json:"trial_days,omitempty"`
	TrialAmount decimal.Decimal `json:"trial_amount"`
	Roles       []string        `json:"roles"`
	CreatedAt   time.Time       `json:"created_at"`
}

// HasTrial reports whether the product starts with a trial period.
func (p *Product) HasTrial() bool { return p.TrialDays > 0 }

// ProductMeta is one key/value row extending a product.
type ProductMeta struct {
	ID        uuid.UUID `json:"id"`
	ProductID uuid.UUID `json:"product_id"`
	Key       string    `json:"meta_key"`
	Value     string    `json:"meta_value"`
}

// Subscription is one user's relationship to a product.
type Subscription struct {
	ID                    uuid.UUID          `json:"id"`
	UserID                int64              `json:"user_id"`
	ProductID             uuid.UUID          `json:"product_id"`
	Status                SubscriptionStatus `json:"status"`
	Gateway               string             `json:"gateway"`
	Price                 decimal.Decimal    `json:"price"`
	TaxRate               decimal.Decimal    `json:"tax_rate"`
	TaxAmount             decimal.Decimal    `json:"tax_amount"`
	Period                Period             `json:"period"`
	TrialDays             int                `json:"trial_days,omitempty"`
	TrialAmount           decimal.Decimal    `json:"trial_amount"`
	CreatedAt             time.Time          `json:"created_at"`
	ExpiresAt             *time.Time         `json:"expires_at,omitempty"`
	GatewaySubscriptionID string             `json:"gateway_subscription_id,omitempty"`
	GatewayCustomerID     string             `json:"gateway_customer_id,omitempty"`
	GatewayPaymentMethod  string             `json:"gateway_payment_method,omitempty"`
	RenewalCount          int                `json:"renewal_count"`
	LastPaymentAt         *time.Time         `json:"last_payment_at,omitempty"`
	NextPaymentAt         *time.Time         `json:"next_payment_at,omitempty"`
	CancelledAt           *time.Time         `json:"cancelled_at,omitempty"`
	// RolesRevoked records that a cancel or expiry took the product roles
	// away, so reactivation knows to grant them again.
	RolesRevoked          bool               `json:"roles_revoked,omitempty"`
}

// Lifetime reports whether the subscription never expires.
func (s *Subscription) Lifetime() bool { return s.ExpiresAt == nil }

// Transaction is one payment attempt or settlement.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	UserID         int64             `json:"user_id"`
	SubscriptionID *uuid.UUID        `json:"subscription_id,omitempty"`
	ProductID      uuid.UUID         `json:"product_id"`
	Status         TransactionStatus `json:"status"`
	Gateway        string            `json:"gateway"`
	Amount         decimal.Decimal   `json:"amount"`
	TaxRate        decimal.Decimal   `json:"tax_rate"`
	TaxAmount      decimal.Decimal   `json:"tax_amount"`
	Total          decimal.Decimal   `json:"total"`
	TransNum       string            `json:"trans_num"`
	GatewayTransID string            `json:"gateway_trans_id,omitempty"`
	BillingCycle   int               `json:"billing_cycle"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	FailedAt       *time.Time        `json:"failed_at,omitempty"`
	RefundedAt     *time.Time        `json:"refunded_at,omitempty"`
	Data           json.RawMessage   `json:"data,omitempty"`
}
