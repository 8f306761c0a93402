// Package gateway abstracts payment processors. A Gateway charges, cancels
// remote recurring agreements and optionally refunds; wrappers add retry
// with backoff and outbound rate limiting.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
)

// Status is the outcome of an accepted charge.
type Status string

const (
	// StatusSucceeded means funds were captured.
	StatusSucceeded Status = "succeeded"
	// StatusPending means the charge waits on an admin, the payer or a webhook.
	StatusPending Status = "pending"
)

// ChargeRequest describes one charge. IdempotencyKey is required: a
// repeated request with the same key must not charge twice.
type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	CustomerID     string
	PaymentMethod  string
	Description    string
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
}

// ChargeResult is what the processor reported for an accepted charge.
type ChargeResult struct {
	Status      Status
	ExternalID  string
	ApprovalURL string
	Raw         json.RawMessage
}

// Gateway is one payment processor integration.
type Gateway interface {
	Name() string
	// Charge returns a *DeclinedError for refused payments and a
	// *TransientError for failures worth retrying.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// CancelRemote stops a processor-side recurring agreement. An empty id
	// is a no-op.
	CancelRemote(ctx context.Context, gatewaySubscriptionID string) error
}

// Refunder is implemented by gateways that can return captured funds.
// Implementations may return ErrRefundNotSupported for specific cases.
type Refunder interface {
	Refund(ctx context.Context, externalID string, amount decimal.Decimal) error
}

// Capturer is implemented by redirect gateways whose charges need a second
// call after the payer approves.
type Capturer interface {
	Capture(ctx context.Context, externalID string) (*ChargeResult, error)
}

// WebhookKind classifies an inbound processor notification.
type WebhookKind string

const (
	WebhookPaymentSucceeded      WebhookKind = "payment.succeeded"
	WebhookPaymentFailed         WebhookKind = "payment.failed"
	WebhookPaymentApproved       WebhookKind = "payment.approved"
	WebhookSubscriptionCancelled WebhookKind = "subscription.cancelled"
	WebhookIgnored               WebhookKind = "ignored"
)

// WebhookEvent is a verified processor notification reduced to what the
// billing engine acts on.
type WebhookEvent struct {
	ID         string
	Type       string
	Kind       WebhookKind
	ExternalID string
	Reason     string
	Raw        json.RawMessage
}

// WebhookParser verifies and decodes a processor notification.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, r *http.Request, body []byte) (*WebhookEvent, error)
}
