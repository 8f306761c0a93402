package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
)

// PayPalName is the registry name of the PayPal gateway.
const PayPalName = "paypal"

// PayPalConfig holds PayPal REST credentials.
type PayPalConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sandbox      bool   `yaml:"sandbox"`
	Currency     string `yaml:"currency"`
	WebhookID    string `yaml:"webhook_id"`
	ReturnURL    string `yaml:"return_url"`
	CancelURL    string `yaml:"cancel_url"`
}

// paypalAPI is the slice of *paypal.Client the gateway calls.
type paypalAPI interface {
	CreateOrderWithPaypalRequestID(ctx context.Context, intent string, purchaseUnits []paypal.PurchaseUnitRequest,
		paymentSource *paypal.PaymentSource, appContext *paypal.ApplicationContext, requestID string) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string, req paypal.CaptureOrderRequest) (*paypal.CaptureOrderResponse, error)
	RefundCapture(ctx context.Context, captureID string, req paypal.RefundCaptureRequest) (*paypal.RefundResponse, error)
	CancelSubscription(ctx context.Context, subscriptionID, cancelReason string) error
	VerifyWebhookSignature(ctx context.Context, httpReq *http.Request, webhookID string) (*paypal.VerifyWebhookResponse, error)
}

// PayPal charges through approval-redirect orders. Charge creates an order
// and reports it pending with the approval URL; Capture settles it once
// the payer has approved.
type PayPal struct {
	api paypalAPI
	cfg PayPalConfig
}

// NewPayPal creates a PayPal client and fetches an access token.
func NewPayPal(ctx context.Context, cfg PayPalConfig) (*PayPal, error) {
	base := paypal.APIBaseLive
	if cfg.Sandbox {
		base = paypal.APIBaseSandBox
	}
	client, err := paypal.NewClient(cfg.ClientID, cfg.ClientSecret, base)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	if _, err := client.GetAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("paypal access token: %w", err)
	}
	return newPayPal(cfg, client), nil
}

func newPayPal(cfg PayPalConfig, api paypalAPI) *PayPal {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &PayPal{api: api, cfg: cfg}
}

func (p *PayPal) Name() string { return PayPalName }

// Charge creates a CAPTURE order. The idempotency key doubles as the
// invoice id, which PayPal refuses to pay twice.
func (p *PayPal) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("paypal charge: idempotency key is required")
	}
	currency := p.cfg.Currency
	if req.Currency != "" {
		currency = req.Currency
	}
	units := []paypal.PurchaseUnitRequest{
		{
			ReferenceID: req.IdempotencyKey,
			InvoiceID:   req.IdempotencyKey,
			Amount: &paypal.PurchaseUnitAmount{
				Currency: currency,
				Value:    req.Amount.StringFixed(2),
			},
			Description: req.Description,
		},
	}
	appCtx := &paypal.ApplicationContext{
		ReturnURL: firstNonEmpty(req.ReturnURL, p.cfg.ReturnURL),
		CancelURL: firstNonEmpty(req.CancelURL, p.cfg.CancelURL),
	}

	// PayPal-Request-Id makes a retried create return the first order.
	order, err := p.api.CreateOrderWithPaypalRequestID(ctx, "CAPTURE", units, nil, appCtx, req.IdempotencyKey)
	if err != nil {
		return nil, classifyPayPal("charge", err)
	}
	raw, _ := json.Marshal(order)
	return &ChargeResult{
		Status:      StatusPending,
		ExternalID:  order.ID,
		ApprovalURL: approvalURL(order),
		Raw:         raw,
	}, nil
}

// Capture settles an approved order. The result carries the capture id,
// which is what refunds need.
func (p *PayPal) Capture(ctx context.Context, orderID string) (*ChargeResult, error) {
	capture, err := p.api.CaptureOrder(ctx, orderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return nil, classifyPayPal("capture", err)
	}
	if capture.Status != "COMPLETED" {
		return nil, &DeclinedError{Gateway: PayPalName, Code: capture.Status, Message: "capture not completed"}
	}
	raw, _ := json.Marshal(capture)
	id := orderID
	for _, pu := range capture.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			id = pu.Payments.Captures[0].ID
			break
		}
	}
	return &ChargeResult{Status: StatusSucceeded, ExternalID: id, Raw: raw}, nil
}

func (p *PayPal) CancelRemote(ctx context.Context, gatewaySubscriptionID string) error {
	if gatewaySubscriptionID == "" {
		return nil
	}
	if err := p.api.CancelSubscription(ctx, gatewaySubscriptionID, "cancelled by member"); err != nil {
		return classifyPayPal("cancel", err)
	}
	return nil
}

// Refund returns funds for a capture. A zero amount refunds in full.
func (p *PayPal) Refund(ctx context.Context, captureID string, amount decimal.Decimal) error {
	req := paypal.RefundCaptureRequest{}
	if amount.IsPositive() {
		req.Amount = &paypal.Money{Currency: p.cfg.Currency, Value: amount.StringFixed(2)}
	}
	if _, err := p.api.RefundCapture(ctx, captureID, req); err != nil {
		return classifyPayPal("refund", err)
	}
	return nil
}

type paypalWebhook struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
	} `json:"resource"`
}

// ParseWebhook verifies the notification with PayPal and maps known events.
func (p *PayPal) ParseWebhook(ctx context.Context, r *http.Request, body []byte) (*WebhookEvent, error) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	res, err := p.api.VerifyWebhookSignature(ctx, r, p.cfg.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("%w: paypal verification: %v", ErrInvalidWebhook, err)
	}
	if res.VerificationStatus != "SUCCESS" {
		return nil, fmt.Errorf("%w: paypal verification status %q", ErrInvalidWebhook, res.VerificationStatus)
	}

	var wh paypalWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	ev := &WebhookEvent{ID: wh.ID, Type: wh.EventType, Kind: WebhookIgnored, ExternalID: wh.Resource.ID, Raw: body}
	switch wh.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		ev.Kind = WebhookPaymentApproved
	case "PAYMENT.CAPTURE.COMPLETED":
		ev.Kind = WebhookPaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		ev.Kind = WebhookPaymentFailed
		ev.Reason = wh.Resource.StatusDetails.Reason
		if oid := wh.Resource.SupplementaryData.RelatedIDs.OrderID; oid != "" {
			ev.ExternalID = oid
		}
	case "BILLING.SUBSCRIPTION.CANCELLED":
		ev.Kind = WebhookSubscriptionCancelled
	}
	return ev, nil
}

func classifyPayPal(op string, err error) error {
	var er *paypal.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil {
		return &TransientError{Gateway: PayPalName, Op: op, Err: err}
	}
	switch code := er.Response.StatusCode; {
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return &TransientError{Gateway: PayPalName, Op: op, Err: err}
	case code == http.StatusUnprocessableEntity:
		return &DeclinedError{Gateway: PayPalName, Code: er.Name, Message: er.Message}
	default:
		return fmt.Errorf("paypal %s: %w", op, err)
	}
}

func approvalURL(order *paypal.Order) string {
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
