package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/membership/gateway"
	"github.com/GoCodeAlone/membership/notify"
	"github.com/GoCodeAlone/membership/store"
)

var hundred = decimal.NewFromInt(100)

// computeTax returns the tax on amount at rate percent, rounded to cents,
// and the resulting total.
func computeTax(amount, rate decimal.Decimal) (tax, total decimal.Decimal) {
	tax = amount.Mul(rate).Div(hundred).Round(2)
	return tax, amount.Add(tax)
}

func newTransNum() string {
	return "TXN-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:20])
}

// RecordRequest describes a payment attempt to add to the ledger.
type RecordRequest struct {
	UserID         int64           `json:"user_id"`
	ProductID      uuid.UUID       `json:"product_id"`
	SubscriptionID *uuid.UUID      `json:"subscription_id,omitempty"`
	Gateway        string          `json:"gateway"`
	Amount         decimal.Decimal `json:"amount"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	GatewayTransID string          `json:"gateway_trans_id,omitempty"`
	BillingCycle   int             `json:"billing_cycle"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

func (req RecordRequest) validate() error {
	if req.UserID <= 0 {
		return invalid("user_id", "must be positive")
	}
	if req.ProductID == uuid.Nil {
		return invalid("product_id", "is required")
	}
	if req.Gateway == "" {
		return invalid("gateway", "is required")
	}
	if req.Amount.IsNegative() {
		return invalid("amount", "must not be negative")
	}
	if req.TaxRate.IsNegative() {
		return invalid("tax_rate", "must not be negative")
	}
	if req.BillingCycle < 0 {
		return invalid("billing_cycle", "must not be negative")
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		return invalid("data", "must be valid JSON")
	}
	return nil
}

// CompleteOptions carries what the gateway reported for a settled payment.
type CompleteOptions struct {
	GatewayTransID string          `json:"gateway_trans_id,omitempty"`
	Raw            json.RawMessage `json:"data,omitempty"`

	// asOf stamps completion and any renewal it triggers. Zero means now.
	asOf time.Time
}

// RecordTransaction adds a pending transaction. A request whose idempotency
// key is already recorded returns the existing transaction.
func (e *Engine) RecordTransaction(ctx context.Context, req RecordRequest) (*store.Transaction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := e.gateways.Get(req.Gateway); err != nil {
		return nil, invalid("gateway", "%v", err)
	}
	var txn *store.Transaction
	err := e.withTx(ctx, "record transaction", func(r store.Repos, fx *effects) error {
		var err error
		txn, _, err = e.recordIn(ctx, r, fx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// recordIn creates the transaction and reports existing=true when the
// idempotency key was already taken.
func (e *Engine) recordIn(ctx context.Context, r store.Repos, fx *effects, req RecordRequest) (txn *store.Transaction, existing bool, err error) {
	if req.IdempotencyKey != "" {
		t, err := r.Transactions().GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return t, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}
	if _, err := r.Products().Get(ctx, req.ProductID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, invalid("product_id", "product %s does not exist", req.ProductID)
		}
		return nil, false, err
	}
	if req.SubscriptionID != nil {
		sub, err := r.Subscriptions().Get(ctx, *req.SubscriptionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, invalid("subscription_id", "subscription %s does not exist", *req.SubscriptionID)
		}
		if err != nil {
			return nil, false, err
		}
		if sub.UserID != req.UserID || sub.ProductID != req.ProductID {
			return nil, false, invalid("subscription_id", "subscription %s belongs to another user or product", sub.ID)
		}
	}

	tax, total := computeTax(req.Amount, req.TaxRate)
	txn = &store.Transaction{
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		ProductID:      req.ProductID,
		Status:         store.TransactionPending,
		Gateway:        req.Gateway,
		Amount:         req.Amount,
		TaxRate:        req.TaxRate,
		TaxAmount:      tax,
		Total:          total,
		TransNum:       newTransNum(),
		GatewayTransID: req.GatewayTransID,
		BillingCycle:   req.BillingCycle,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      e.now(),
		Data:           req.Data,
	}
	if err := r.Transactions().Create(ctx, txn); err != nil {
		return nil, false, err
	}
	e.metrics.recordLedger("record", string(txn.Status))
	fx.emit(transactionEvent(notify.TransactionRecorded, txn.CreatedAt, txn))
	return txn, false, nil
}

// GetTransaction returns one transaction.
func (e *Engine) GetTransaction(ctx context.Context, id uuid.UUID) (*store.Transaction, error) {
	t, err := e.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, persistErr("get transaction", err)
	}
	return t, nil
}

// ListTransactions returns transactions matching f.
func (e *Engine) ListTransactions(ctx context.Context, f store.TransactionFilter) ([]*store.Transaction, error) {
	if f.Status != "" && !store.ValidTransactionStatuses[f.Status] {
		return nil, invalid("status", "unknown transaction status %q", f.Status)
	}
	out, err := e.store.Transactions().List(ctx, f)
	if err != nil {
		return nil, persistErr("list transactions", err)
	}
	return out, nil
}

// CountTransactions counts transactions matching f, ignoring pagination.
func (e *Engine) CountTransactions(ctx context.Context, f store.TransactionFilter) (int, error) {
	if f.Status != "" && !store.ValidTransactionStatuses[f.Status] {
		return 0, invalid("status", "unknown transaction status %q", f.Status)
	}
	n, err := e.store.Transactions().Count(ctx, f)
	if err != nil {
		return 0, persistErr("count transactions", err)
	}
	return n, nil
}

// lockTransaction takes the lock of the subscription a transaction belongs
// to, or of the transaction itself when it has none.
func (e *Engine) lockTransaction(ctx context.Context, id uuid.UUID) (func(), error) {
	t, err := e.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, persistErr("get transaction", err)
	}
	key := "transaction:" + id.String()
	if t.SubscriptionID != nil {
		key = subscriptionLockKey(*t.SubscriptionID)
	}
	return e.locker.Acquire(ctx, key, e.lockTTL)
}

// Complete settles a pending transaction. A linked pending subscription is
// activated and a linked active subscription is advanced when this is the
// payment for its next cycle, in the same unit of work.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID, opts CompleteOptions) (*store.Transaction, error) {
	release, err := e.lockTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var txn *store.Transaction
	err = e.withTx(ctx, "complete transaction", func(r store.Repos, fx *effects) error {
		var err error
		txn, err = e.completeIn(ctx, r, fx, id, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (e *Engine) completeIn(ctx context.Context, r store.Repos, fx *effects, id uuid.UUID, opts CompleteOptions) (*store.Transaction, error) {
	t, err := r.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == store.TransactionComplete {
		return t, nil
	}
	if t.Status != store.TransactionPending {
		return nil, &PreconditionError{Entity: "transaction", ID: id, Current: string(t.Status), Attempted: "complete"}
	}

	now := opts.asOf
	if now.IsZero() {
		now = e.now()
	}
	next := *t
	next.Status = store.TransactionComplete
	next.CompletedAt = &now
	if opts.GatewayTransID != "" {
		next.GatewayTransID = opts.GatewayTransID
	}
	if len(opts.Raw) > 0 {
		next.Data = opts.Raw
	}
	done, err := e.casTransaction(ctx, r, &next, store.TransactionPending, "complete")
	if err != nil {
		return nil, err
	}
	if !done {
		return r.Transactions().Get(ctx, id)
	}
	e.metrics.recordLedger("complete", string(next.Status))
	fx.emit(transactionEvent(notify.TransactionCompleted, now, &next))

	if next.SubscriptionID == nil {
		return &next, nil
	}
	sub, err := r.Subscriptions().Get(ctx, *next.SubscriptionID)
	if err != nil {
		return nil, err
	}
	switch {
	case sub.Status == store.SubscriptionPending:
		_, err = e.activateIn(ctx, r, fx, sub.ID)
	case sub.Status == store.SubscriptionActive && next.BillingCycle == sub.RenewalCount+1:
		_, err = e.renewIn(ctx, r, fx, sub.ID, next.BillingCycle, now)
	default:
		e.logger.Info("completed transaction leaves subscription unchanged",
			"transaction", id, "subscription", sub.ID, "status", sub.Status, "cycle", next.BillingCycle)
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Fail marks a pending transaction failed. When it was the payment for an
// active subscription's next cycle, the subscription expires.
func (e *Engine) Fail(ctx context.Context, id uuid.UUID, reason string) (*store.Transaction, error) {
	release, err := e.lockTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var txn *store.Transaction
	err = e.withTx(ctx, "fail transaction", func(r store.Repos, fx *effects) error {
		var err error
		txn, err = e.failIn(ctx, r, fx, id, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (e *Engine) failIn(ctx context.Context, r store.Repos, fx *effects, id uuid.UUID, reason string) (*store.Transaction, error) {
	t, err := r.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == store.TransactionFailed {
		return t, nil
	}
	if t.Status != store.TransactionPending {
		return nil, &PreconditionError{Entity: "transaction", ID: id, Current: string(t.Status), Attempted: "fail"}
	}

	now := e.now()
	next := *t
	next.Status = store.TransactionFailed
	next.FailedAt = &now
	if reason != "" {
		next.Data = mergeData(t.Data, map[string]any{"failure_reason": reason})
	}
	done, err := e.casTransaction(ctx, r, &next, store.TransactionPending, "fail")
	if err != nil {
		return nil, err
	}
	if !done {
		return r.Transactions().Get(ctx, id)
	}
	e.metrics.recordLedger("fail", string(next.Status))
	fx.emit(transactionEvent(notify.TransactionFailed, now, &next))

	if next.SubscriptionID == nil || next.BillingCycle == 0 {
		return &next, nil
	}
	sub, err := r.Subscriptions().Get(ctx, *next.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == store.SubscriptionActive && next.BillingCycle == sub.RenewalCount+1 {
		if _, err := e.expireIn(ctx, r, fx, sub.ID); err != nil {
			return nil, err
		}
	}
	return &next, nil
}

// Refund reverses a complete transaction. Gateways that can refund are
// asked to; the rest are refunded locally only.
func (e *Engine) Refund(ctx context.Context, id uuid.UUID) (*store.Transaction, error) {
	release, err := e.lockTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, persistErr("refund transaction", err)
	}
	if t.Status == store.TransactionRefunded {
		return t, nil
	}
	if t.Status != store.TransactionComplete {
		return nil, &PreconditionError{Entity: "transaction", ID: id, Current: string(t.Status), Attempted: "refund"}
	}
	if err := e.refundRemote(ctx, t); err != nil {
		return nil, err
	}

	var txn *store.Transaction
	err = e.withTx(ctx, "refund transaction", func(r store.Repos, fx *effects) error {
		cur, err := r.Transactions().Get(ctx, id)
		if err != nil {
			return err
		}
		now := e.now()
		next := *cur
		next.Status = store.TransactionRefunded
		next.RefundedAt = &now
		done, err := e.casTransaction(ctx, r, &next, store.TransactionComplete, "refund")
		if err != nil {
			return err
		}
		txn = cur
		if done {
			txn = &next
			e.metrics.recordLedger("refund", string(next.Status))
			fx.emit(transactionEvent(notify.TransactionRefunded, now, &next))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (e *Engine) refundRemote(ctx context.Context, t *store.Transaction) error {
	gw, err := e.gateways.Get(t.Gateway)
	if err != nil {
		e.logger.Warn("refunding locally, gateway not configured", "transaction", t.ID, "gateway", t.Gateway)
		return nil
	}
	rf, ok := gateway.Find[gateway.Refunder](gw)
	if !ok || !gateway.Supports[gateway.Refunder](gw) || t.GatewayTransID == "" {
		return nil
	}
	err = rf.Refund(ctx, t.GatewayTransID, t.Total)
	if errors.Is(err, gateway.ErrRefundNotSupported) {
		return nil
	}
	if err != nil {
		return &GatewayError{Op: "refund", EntityID: t.ID, Gateway: t.Gateway, Err: err}
	}
	return nil
}

// casTransaction writes next while the stored status is still expected.
// done is false when another caller already moved it to next's status.
func (e *Engine) casTransaction(ctx context.Context, r store.Repos, next *store.Transaction, expected store.TransactionStatus, op string) (done bool, err error) {
	err = r.Transactions().UpdateIfStatus(ctx, next, expected)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return false, err
	}
	cur, gerr := r.Transactions().Get(ctx, next.ID)
	if gerr != nil {
		return false, gerr
	}
	if cur.Status == next.Status {
		e.logger.Info("transaction already transitioned", "transaction", next.ID, "op", op, "status", cur.Status)
		return false, nil
	}
	return false, &PreconditionError{Entity: "transaction", ID: next.ID, Current: string(cur.Status), Attempted: op}
}

// mergeData adds fields to a transaction's stored payload. A payload that
// is not a JSON object is kept under "gateway_response".
func mergeData(raw json.RawMessage, fields map[string]any) json.RawMessage {
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil || m == nil {
			m = map[string]any{"gateway_response": json.RawMessage(raw)}
		}
	}
	for k, v := range fields {
		m[k] = v
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
