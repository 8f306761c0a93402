package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/membership/gateway"
	"github.com/GoCodeAlone/membership/store"
)

// RenewalKey is the gateway idempotency token for a subscription's billing
// cycle. Cycle 0 is the initial payment.
func RenewalKey(subscriptionID uuid.UUID, cycle int) string {
	return fmt.Sprintf("sub_%s_cycle_%d", subscriptionID, cycle)
}

// CheckoutRequest starts a purchase.
type CheckoutRequest struct {
	UserID        int64           `json:"user_id"`
	ProductID     uuid.UUID       `json:"product_id"`
	Gateway       string          `json:"gateway"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	CustomerID    string          `json:"customer_id,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	ReturnURL     string          `json:"return_url,omitempty"`
	CancelURL     string          `json:"cancel_url,omitempty"`
}

// CheckoutResult is the state a checkout left behind. ApprovalURL is set
// when the payer must confirm the charge at the gateway.
type CheckoutResult struct {
	Subscription *store.Subscription `json:"subscription"`
	Transaction  *store.Transaction  `json:"transaction"`
	ApprovalURL  string              `json:"approval_url,omitempty"`
}

// Checkout opens a pending subscription, records its initial transaction
// and charges it. A declined or failed charge fails the transaction and
// leaves the subscription pending; the result is returned along with the
// GatewayError.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	sub, err := e.CreateSubscription(ctx, CreateSubscriptionRequest{
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		Gateway:       req.Gateway,
		TaxRate:       req.TaxRate,
		CustomerID:    req.CustomerID,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}

	release, err := e.lockSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	amount := sub.Price
	if sub.TrialDays > 0 {
		amount = sub.TrialAmount
	}
	subID := sub.ID
	var txn *store.Transaction
	err = e.withTx(ctx, "record transaction", func(r store.Repos, fx *effects) error {
		var err error
		txn, _, err = e.recordIn(ctx, r, fx, RecordRequest{
			UserID:         sub.UserID,
			ProductID:      sub.ProductID,
			SubscriptionID: &subID,
			Gateway:        sub.Gateway,
			Amount:         amount,
			TaxRate:        sub.TaxRate,
			BillingCycle:   0,
			IdempotencyKey: RenewalKey(sub.ID, 0),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &CheckoutResult{Subscription: sub, Transaction: txn}
	var chargeErr error
	if txn.Total.IsZero() {
		err = e.withTx(ctx, "complete transaction", func(r store.Repos, fx *effects) error {
			var err error
			txn, err = e.completeIn(ctx, r, fx, txn.ID, CompleteOptions{})
			return err
		})
		if err != nil {
			return nil, err
		}
	} else {
		gw, err := e.gateways.Get(sub.Gateway)
		if err != nil {
			return nil, persistErr("checkout", err)
		}
		cr, cerr := e.charge(ctx, gw, sub, txn, req.ReturnURL, req.CancelURL)
		if cr != nil {
			res.ApprovalURL = cr.ApprovalURL
		}
		txn, chargeErr = e.settle(ctx, gw.Name(), txn, cr, cerr, time.Time{})
	}
	res.Transaction = txn

	if s, err := e.store.Subscriptions().Get(ctx, sub.ID); err == nil {
		res.Subscription = s
	}
	if chargeErr != nil {
		return res, chargeErr
	}
	return res, nil
}

// charge asks gw to collect txn's total under the transaction's idempotency
// key.
func (e *Engine) charge(ctx context.Context, gw gateway.Gateway, sub *store.Subscription, txn *store.Transaction,
	returnURL, cancelURL string) (*gateway.ChargeResult, error) {
	key := txn.IdempotencyKey
	if key == "" {
		key = txn.TransNum
	}
	start := time.Now()
	res, err := gw.Charge(ctx, gateway.ChargeRequest{
		Amount:         txn.Total,
		Currency:       e.currency,
		IdempotencyKey: key,
		CustomerID:     sub.GatewayCustomerID,
		PaymentMethod:  sub.GatewayPaymentMethod,
		Description:    fmt.Sprintf("Membership %s", txn.TransNum),
		ReturnURL:      returnURL,
		CancelURL:      cancelURL,
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"transaction_id":  txn.ID.String(),
			"trans_num":       txn.TransNum,
			"billing_cycle":   strconv.Itoa(txn.BillingCycle),
		},
	})
	e.metrics.recordCharge(gw.Name(), chargeOutcome(res, err), time.Since(start))
	return res, err
}

func chargeOutcome(res *gateway.ChargeResult, err error) string {
	switch {
	case gateway.IsDeclined(err):
		return "declined"
	case err != nil:
		return "error"
	case res != nil && res.Status == gateway.StatusPending:
		return "pending"
	}
	return "succeeded"
}

// settle applies a charge outcome to its transaction. The caller holds the
// subscription lock. A charge cut short by ctx leaves the transaction
// pending so the same idempotency key can be retried. A non-zero asOf
// stamps the completion in place of the engine clock.
func (e *Engine) settle(ctx context.Context, gwName string, txn *store.Transaction, res *gateway.ChargeResult, chargeErr error, asOf time.Time) (*store.Transaction, error) {
	var out *store.Transaction
	switch {
	case chargeErr == nil && res != nil && res.Status == gateway.StatusSucceeded:
		err := e.withTx(ctx, "complete transaction", func(r store.Repos, fx *effects) error {
			var err error
			out, err = e.completeIn(ctx, r, fx, txn.ID, CompleteOptions{GatewayTransID: res.ExternalID, Raw: res.Raw, asOf: asOf})
			return err
		})
		if err != nil {
			return txn, err
		}
		return out, nil

	case chargeErr == nil && res != nil:
		err := e.withTx(ctx, "record pending charge", func(r store.Repos, _ *effects) error {
			cur, err := r.Transactions().Get(ctx, txn.ID)
			if err != nil {
				return err
			}
			out = cur
			if cur.Status != store.TransactionPending || res.ExternalID == "" {
				return nil
			}
			next := *cur
			next.GatewayTransID = res.ExternalID
			if len(res.Raw) > 0 {
				next.Data = res.Raw
			}
			if _, err := e.casTransaction(ctx, r, &next, store.TransactionPending, "charge"); err != nil {
				return err
			}
			out = &next
			return nil
		})
		if err != nil {
			return txn, err
		}
		e.logger.Info("charge pending at gateway", "transaction", txn.ID, "gateway", gwName, "external_id", res.ExternalID)
		return out, nil

	case chargeErr == nil:
		chargeErr = errors.New("gateway returned no result")
	}

	gerr := &GatewayError{Op: "charge", EntityID: txn.ID, Gateway: gwName, Err: chargeErr}
	if ctx.Err() != nil {
		e.logger.Warn("charge interrupted, transaction left pending", "transaction", txn.ID, "gateway", gwName, "error", chargeErr)
		return txn, gerr
	}
	e.logger.Warn("charge failed", "transaction", txn.ID, "gateway", gwName, "declined", gateway.IsDeclined(chargeErr), "error", chargeErr)
	err := e.withTx(ctx, "fail transaction", func(r store.Repos, fx *effects) error {
		var err error
		out, err = e.failIn(ctx, r, fx, txn.ID, failureReason(chargeErr))
		return err
	})
	if err != nil {
		return txn, errors.Join(gerr, err)
	}
	return out, gerr
}

// failureReason is what the ledger keeps about a failed charge.
func failureReason(err error) string {
	var de *gateway.DeclinedError
	if errors.As(err, &de) {
		if de.Code != "" {
			return "declined: " + de.Code
		}
		return "declined"
	}
	if errors.Is(err, gateway.ErrRetriesExhausted) {
		return "gateway unavailable"
	}
	return err.Error()
}
