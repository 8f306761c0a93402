package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
)

// Mock is a test double that records calls and returns configurable
// results. Charges are deduplicated by idempotency key the way a real
// processor does.
type Mock struct {
	mu sync.Mutex

	name string

	// Calls collects every Charge request, including retries.
	Calls []ChargeRequest
	// Refunds collects refunded external IDs.
	Refunds []string
	// Cancelled collects remote subscription IDs passed to CancelRemote.
	Cancelled []string

	// ChargeStatus is the status reported for new charges. Defaults to succeeded.
	ChargeStatus Status

	// Error fields allow tests to inject failures. chargeErrs is consumed
	// one entry per Charge call.
	chargeErrs []error
	CancelErr  error
	RefundErr  error
	CaptureErr error

	byKey   map[string]*ChargeResult
	byID    map[string]*ChargeResult
	nextSeq int
}

// NewMock creates a Mock registered under name.
func NewMock(name string) *Mock {
	return &Mock{
		name:         name,
		ChargeStatus: StatusSucceeded,
		byKey:        make(map[string]*ChargeResult),
		byID:         make(map[string]*ChargeResult),
	}
}

func (m *Mock) Name() string { return m.name }

// FailNext queues errors returned by the next Charge calls, in order.
func (m *Mock) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargeErrs = append(m.chargeErrs, errs...)
}

// Settled returns the number of distinct charges the mock accepted.
func (m *Mock) Settled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// CallCount returns the number of Charge calls made so far.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *Mock) Charge(_ context.Context, req ChargeRequest) (*ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)
	if len(m.chargeErrs) > 0 {
		err := m.chargeErrs[0]
		m.chargeErrs = m.chargeErrs[1:]
		return nil, err
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%s: idempotency key is required", m.name)
	}
	if res, ok := m.byKey[req.IdempotencyKey]; ok {
		cp := *res
		return &cp, nil
	}

	m.nextSeq++
	id := fmt.Sprintf("ch_mock_%d", m.nextSeq)
	raw, _ := json.Marshal(map[string]string{
		"id":     id,
		"amount": req.Amount.StringFixed(2),
		"key":    req.IdempotencyKey,
	})
	res := &ChargeResult{Status: m.ChargeStatus, ExternalID: id, Raw: raw}
	if res.Status == "" {
		res.Status = StatusSucceeded
	}
	if res.Status == StatusPending {
		res.ApprovalURL = "https://mock.invalid/approve/" + id
	}
	m.byKey[req.IdempotencyKey] = res
	m.byID[id] = res
	cp := *res
	return &cp, nil
}

func (m *Mock) CancelRemote(_ context.Context, gatewaySubscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelErr != nil {
		return m.CancelErr
	}
	if gatewaySubscriptionID != "" {
		m.Cancelled = append(m.Cancelled, gatewaySubscriptionID)
	}
	return nil
}

func (m *Mock) Refund(_ context.Context, externalID string, _ decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RefundErr != nil {
		return m.RefundErr
	}
	if _, ok := m.byID[externalID]; !ok {
		return fmt.Errorf("%s: charge %s not found", m.name, externalID)
	}
	m.Refunds = append(m.Refunds, externalID)
	return nil
}

// Capture settles a pending charge.
func (m *Mock) Capture(_ context.Context, externalID string) (*ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CaptureErr != nil {
		return nil, m.CaptureErr
	}
	res, ok := m.byID[externalID]
	if !ok {
		return nil, fmt.Errorf("%s: charge %s not found", m.name, externalID)
	}
	res.Status = StatusSucceeded
	res.ApprovalURL = ""
	cp := *res
	return &cp, nil
}

// ParseWebhook decodes a JSON-encoded WebhookEvent without verification.
func (m *Mock) ParseWebhook(_ context.Context, _ *http.Request, body []byte) (*WebhookEvent, error) {
	var ev struct {
		ID         string      `json:"id"`
		Type       string      `json:"type"`
		Kind       WebhookKind `json:"kind"`
		ExternalID string      `json:"external_id"`
		Reason     string      `json:"reason"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if ev.Kind == "" {
		ev.Kind = WebhookIgnored
	}
	return &WebhookEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		Kind:       ev.Kind,
		ExternalID: ev.ExternalID,
		Reason:     ev.Reason,
		Raw:        body,
	}, nil
}
