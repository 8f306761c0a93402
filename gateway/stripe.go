package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeName is the registry name of the Stripe gateway.
const StripeName = "stripe"

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	Currency      string `yaml:"currency"`
}

// stripeAPI is the slice of the Stripe client the gateway calls.
type stripeAPI interface {
	NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
	CancelSubscription(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

type stripeBackend struct{}

func (stripeBackend) NewPaymentIntent(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(p)
}

func (stripeBackend) NewRefund(p *stripe.RefundParams) (*stripe.Refund, error) {
	return refund.New(p)
}

func (stripeBackend) CancelSubscription(id string, p *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	return subscription.Cancel(id, p)
}

// Stripe charges saved payment methods off-session with PaymentIntents.
type Stripe struct {
	webhookSecret string
	currency      string
	api           stripeAPI
}

// NewStripe creates a Stripe gateway and configures the global API key.
func NewStripe(cfg StripeConfig) *Stripe {
	stripe.Key = cfg.APIKey
	return newStripe(cfg, stripeBackend{})
}

func newStripe(cfg StripeConfig, api stripeAPI) *Stripe {
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "usd"
	}
	return &Stripe{webhookSecret: cfg.WebhookSecret, currency: currency, api: api}
}

func (s *Stripe) Name() string { return StripeName }

// Charge creates and confirms a PaymentIntent. The idempotency key is sent
// as the Idempotency-Key header so a lost response can be retried safely.
func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("stripe charge: idempotency key is required")
	}
	currency := s.currency
	if req.Currency != "" {
		currency = strings.ToLower(req.Currency)
	}
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(toMinorUnits(req.Amount)),
		Currency:    stripe.String(currency),
		Description: stripe.String(req.Description),
		Metadata:    req.Metadata,
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
		params.Confirm = stripe.Bool(true)
		params.OffSession = stripe.Bool(true)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := s.api.NewPaymentIntent(params)
	if err != nil {
		return nil, classifyStripe("charge", err)
	}

	res := &ChargeResult{ExternalID: pi.ID}
	if pi.LastResponse != nil {
		res.Raw = pi.LastResponse.RawJSON
	}
	switch {
	case pi.Status == stripe.PaymentIntentStatusSucceeded:
		res.Status = StatusSucceeded
	case pi.Status == stripe.PaymentIntentStatusCanceled,
		pi.Status == stripe.PaymentIntentStatusRequiresPaymentMethod && req.PaymentMethod != "":
		msg := string(pi.Status)
		if pi.LastPaymentError != nil {
			msg = pi.LastPaymentError.Msg
		}
		return nil, &DeclinedError{Gateway: StripeName, Code: string(pi.Status), Message: msg}
	default:
		res.Status = StatusPending
	}
	return res, nil
}

func (s *Stripe) CancelRemote(ctx context.Context, gatewaySubscriptionID string) error {
	if gatewaySubscriptionID == "" {
		return nil
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := s.api.CancelSubscription(gatewaySubscriptionID, params); err != nil {
		return classifyStripe("cancel", err)
	}
	return nil
}

// Refund returns the given amount of a PaymentIntent. A zero amount
// refunds the full charge.
func (s *Stripe) Refund(ctx context.Context, externalID string, amount decimal.Decimal) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(externalID)}
	if amount.IsPositive() {
		params.Amount = stripe.Int64(toMinorUnits(amount))
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund_" + externalID)
	if _, err := s.api.NewRefund(params); err != nil {
		return classifyStripe("refund", err)
	}
	return nil
}

// ParseWebhook validates the Stripe-Signature header and maps known events.
func (s *Stripe) ParseWebhook(_ context.Context, r *http.Request, body []byte) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: stripe signature verification failed: %v", ErrInvalidWebhook, err)
	}

	ev := &WebhookEvent{ID: event.ID, Type: string(event.Type), Kind: WebhookIgnored, Raw: body}
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: parse payment intent event: %v", ErrInvalidWebhook, err)
		}
		ev.ExternalID = pi.ID
		ev.Kind = WebhookPaymentSucceeded
		if event.Type == "payment_intent.payment_failed" {
			ev.Kind = WebhookPaymentFailed
			if pi.LastPaymentError != nil {
				ev.Reason = pi.LastPaymentError.Msg
			}
		}
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: parse subscription deleted event: %v", ErrInvalidWebhook, err)
		}
		ev.ExternalID = sub.ID
		ev.Kind = WebhookSubscriptionCancelled
	}
	return ev, nil
}

// classifyStripe sorts Stripe failures into declines, transient failures
// and plain request errors.
func classifyStripe(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &TransientError{Gateway: StripeName, Op: op, Err: err}
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		code := string(se.DeclineCode)
		if code == "" {
			code = string(se.Code)
		}
		return &DeclinedError{Gateway: StripeName, Code: code, Message: se.Msg}
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		return &TransientError{Gateway: StripeName, Op: op, Err: err}
	default:
		return fmt.Errorf("stripe %s: %w", op, err)
	}
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
