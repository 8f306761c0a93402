package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/GoCodeAlone/membership/gateway"
	"github.com/GoCodeAlone/membership/store"
)

// Webhook actions reported back to the caller.
const (
	ActionCompleted = "completed"
	ActionCaptured  = "captured"
	ActionFailed    = "failed"
	ActionCancelled = "cancelled"
	ActionIgnored   = "ignored"
)

// WebhookResult tells the gateway endpoint what an event did.
type WebhookResult struct {
	Event  *gateway.WebhookEvent `json:"event"`
	Action string                `json:"action"`
}

// HandleWebhook verifies and applies one gateway notification. Events that
// match nothing in the ledger are acknowledged and ignored so the gateway
// stops redelivering them.
func (e *Engine) HandleWebhook(ctx context.Context, gatewayName string, r *http.Request, body []byte) (*WebhookResult, error) {
	gw, err := e.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	parser, ok := gateway.Find[gateway.WebhookParser](gw)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not accept webhooks", gateway.ErrInvalidWebhook, gatewayName)
	}
	ev, err := parser.ParseWebhook(ctx, r, body)
	if err != nil {
		return nil, err
	}

	res := &WebhookResult{Event: ev, Action: ActionIgnored}
	switch ev.Kind {
	case gateway.WebhookPaymentSucceeded:
		err = e.onPayment(ctx, gw, ev, res, func(txn *store.Transaction) (string, error) {
			_, err := e.Complete(ctx, txn.ID, CompleteOptions{Raw: ev.Raw})
			return ActionCompleted, err
		})
	case gateway.WebhookPaymentFailed:
		err = e.onPayment(ctx, gw, ev, res, func(txn *store.Transaction) (string, error) {
			reason := ev.Reason
			if reason == "" {
				reason = ev.Type
			}
			_, err := e.Fail(ctx, txn.ID, reason)
			return ActionFailed, err
		})
	case gateway.WebhookPaymentApproved:
		err = e.onPayment(ctx, gw, ev, res, func(txn *store.Transaction) (string, error) {
			return e.capture(ctx, gw, txn)
		})
	case gateway.WebhookSubscriptionCancelled:
		err = e.onRemoteCancel(ctx, gw.Name(), ev, res)
	}
	if errors.Is(err, ErrPreconditionFailed) {
		e.logger.Info("webhook does not apply to current state", "gateway", gatewayName, "event", ev.Type, "id", ev.ID, "error", err)
		res.Action = ActionIgnored
		err = nil
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info("webhook handled", "gateway", gatewayName, "event", ev.Type, "id", ev.ID, "action", res.Action)
	return res, nil
}

func (e *Engine) onPayment(ctx context.Context, gw gateway.Gateway, ev *gateway.WebhookEvent, res *WebhookResult,
	apply func(*store.Transaction) (string, error)) error {
	if ev.ExternalID == "" {
		return nil
	}
	txn, err := e.store.Transactions().GetByGatewayTransID(ctx, gw.Name(), ev.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Info("webhook matches no transaction", "gateway", gw.Name(), "event", ev.Type, "external_id", ev.ExternalID)
		return nil
	}
	if err != nil {
		return persistErr("find transaction", err)
	}
	action, err := apply(txn)
	if err != nil {
		return err
	}
	res.Action = action
	return nil
}

// capture collects an order the payer approved at the gateway. A declined
// capture is recorded on the transaction and reported as failed.
func (e *Engine) capture(ctx context.Context, gw gateway.Gateway, txn *store.Transaction) (string, error) {
	capturer, ok := gateway.Find[gateway.Capturer](gw)
	if !ok || !gateway.Supports[gateway.Capturer](gw) {
		return "", fmt.Errorf("%w: %s cannot capture approved payments", gateway.ErrInvalidWebhook, gw.Name())
	}
	release, err := e.lockTransaction(ctx, txn.ID)
	if err != nil {
		return "", err
	}
	defer release()

	cur, err := e.store.Transactions().Get(ctx, txn.ID)
	if err != nil {
		return "", persistErr("get transaction", err)
	}
	if cur.Status != store.TransactionPending {
		return "", &PreconditionError{Entity: "transaction", ID: cur.ID, Current: string(cur.Status), Attempted: "capture"}
	}
	start := time.Now()
	cr, cerr := capturer.Capture(ctx, cur.GatewayTransID)
	e.metrics.recordCharge(gw.Name(), chargeOutcome(cr, cerr), time.Since(start))
	out, err := e.settle(ctx, gw.Name(), cur, cr, cerr, time.Time{})
	if out != nil && out.Status == store.TransactionFailed {
		return ActionFailed, nil
	}
	if err != nil {
		return "", err
	}
	return ActionCaptured, nil
}

func (e *Engine) onRemoteCancel(ctx context.Context, gwName string, ev *gateway.WebhookEvent, res *WebhookResult) error {
	if ev.ExternalID == "" {
		return nil
	}
	subs, err := e.store.Subscriptions().List(ctx, store.SubscriptionFilter{
		Gateway:               gwName,
		GatewaySubscriptionID: ev.ExternalID,
	})
	if err != nil {
		return persistErr("find subscription", err)
	}
	for _, s := range subs {
		if !CanTransition(TransitionCancel, s.Status) {
			continue
		}
		if _, err := e.cancel(ctx, s.ID, false); err != nil {
			return err
		}
		res.Action = ActionCancelled
	}
	return nil
}
