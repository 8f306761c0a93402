package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/membership/store"
)

const renewalPageSize = 100

// RenewalReport summarises one renewal check.
type RenewalReport struct {
	Now     time.Time `json:"now"`
	Due     int       `json:"due"`
	Renewed int       `json:"renewed"`
	Pending int       `json:"pending"`
	Failed  int       `json:"failed"`
	Expired int       `json:"expired"`
	Skipped int       `json:"skipped"`
	Errors  []string  `json:"errors,omitempty"`
}

type renewalOutcome string

const (
	outcomeRenewed renewalOutcome = "renewed"
	outcomePending renewalOutcome = "pending"
	outcomeFailed  renewalOutcome = "failed"
	outcomeSkipped renewalOutcome = "skipped"
	outcomeError   renewalOutcome = "error"
)

// RunRenewalCheck charges every active recurring subscription due at now
// and expires non-recurring subscriptions whose access period has elapsed.
// Running it twice with the same now charges nothing twice: a subscription
// stays due until its payment completes, and each cycle's charge reuses
// one idempotency key.
func (e *Engine) RunRenewalCheck(ctx context.Context, now time.Time) (*RenewalReport, error) {
	if now.IsZero() {
		now = e.now()
	}
	now = now.UTC().Truncate(time.Second)
	report := &RenewalReport{Now: now}

	due, err := e.collect(ctx, store.SubscriptionFilter{
		Status:    store.SubscriptionActive,
		DueBy:     &now,
		Recurring: boolPtr(true),
		Sort:      store.Sort{Column: "next_payment_at"},
	})
	if err != nil {
		e.metrics.recordRenewalRun("error")
		return nil, persistErr("list due subscriptions", err)
	}
	report.Due = len(due)

	for _, id := range due {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, err.Error())
			break
		}
		outcome, err := e.renewOne(ctx, id, now)
		e.metrics.recordRenewal(string(outcome))
		switch outcome {
		case outcomeRenewed:
			report.Renewed++
		case outcomePending:
			report.Pending++
		case outcomeFailed:
			report.Failed++
		case outcomeSkipped:
			report.Skipped++
		}
		if err != nil {
			e.logger.Error("renewal failed", "subscription", id, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
		}
	}

	elapsed, err := e.collect(ctx, store.SubscriptionFilter{
		Status:    store.SubscriptionActive,
		ExpiredBy: &now,
		Recurring: boolPtr(false),
	})
	if err != nil {
		e.metrics.recordRenewalRun("error")
		return report, persistErr("list elapsed subscriptions", err)
	}
	for _, id := range elapsed {
		expired, err := e.expireElapsed(ctx, id, now)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if expired {
			report.Expired++
			e.metrics.recordRenewal("expired")
		}
	}

	result := "ok"
	if len(report.Errors) > 0 {
		result = "partial"
	}
	e.metrics.recordRenewalRun(result)
	e.logger.Info("renewal check finished", "now", now, "due", report.Due, "renewed", report.Renewed,
		"pending", report.Pending, "failed", report.Failed, "expired", report.Expired,
		"skipped", report.Skipped, "errors", len(report.Errors))
	return report, nil
}

// collect pages through every subscription matching f before any of them
// is changed.
func (e *Engine) collect(ctx context.Context, f store.SubscriptionFilter) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for offset := 0; ; offset += renewalPageSize {
		f.Pagination = store.Pagination{Offset: offset, Limit: renewalPageSize}
		page, err := e.store.Subscriptions().List(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, s := range page {
			ids = append(ids, s.ID)
		}
		if len(page) < renewalPageSize {
			return ids, nil
		}
	}
}

// renewOne charges one due subscription. A subscription locked by another
// worker is skipped for this run.
func (e *Engine) renewOne(ctx context.Context, id uuid.UUID, now time.Time) (renewalOutcome, error) {
	release, ok, err := e.locker.TryAcquire(ctx, subscriptionLockKey(id), e.lockTTL)
	if err != nil {
		return outcomeError, err
	}
	if !ok {
		e.logger.Info("subscription busy, skipping renewal", "subscription", id)
		return outcomeSkipped, nil
	}
	defer release()

	sub, err := e.store.Subscriptions().Get(ctx, id)
	if err != nil {
		return outcomeError, persistErr("get subscription", err)
	}
	if sub.Status != store.SubscriptionActive || sub.NextPaymentAt == nil || sub.NextPaymentAt.After(now) {
		return outcomeSkipped, nil
	}
	gw, err := e.gateways.Get(sub.Gateway)
	if err != nil {
		return outcomeError, err
	}

	cycle := sub.RenewalCount + 1
	subID := sub.ID
	var (
		txn      *store.Transaction
		existing bool
	)
	err = e.withTx(ctx, "record renewal", func(r store.Repos, fx *effects) error {
		var err error
		txn, existing, err = e.recordIn(ctx, r, fx, RecordRequest{
			UserID:         sub.UserID,
			ProductID:      sub.ProductID,
			SubscriptionID: &subID,
			Gateway:        sub.Gateway,
			Amount:         sub.Price,
			TaxRate:        sub.TaxRate,
			BillingCycle:   cycle,
			IdempotencyKey: RenewalKey(sub.ID, cycle),
		})
		return err
	})
	if err != nil {
		return outcomeError, err
	}
	if existing {
		if txn.Status != store.TransactionPending {
			e.logger.Info("renewal already settled", "subscription", id, "cycle", cycle, "status", txn.Status)
			return outcomeSkipped, nil
		}
		e.logger.Info("resuming pending renewal", "subscription", id, "cycle", cycle, "transaction", txn.ID)
	}

	res, cerr := e.charge(ctx, gw, sub, txn, "", "")
	txn, err = e.settle(ctx, gw.Name(), txn, res, cerr, now)
	switch txn.Status {
	case store.TransactionComplete:
		return outcomeRenewed, err
	case store.TransactionFailed:
		// The decline is on the transaction and the subscription has expired.
		return outcomeFailed, nil
	case store.TransactionPending:
		if err != nil {
			return outcomeError, err
		}
		return outcomePending, nil
	}
	return outcomeError, err
}

// expireElapsed expires a non-recurring subscription whose access period
// ended by now.
func (e *Engine) expireElapsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	release, ok, err := e.locker.TryAcquire(ctx, subscriptionLockKey(id), e.lockTTL)
	if err != nil || !ok {
		return false, err
	}
	defer release()

	expired := false
	err = e.withTx(ctx, "expire subscription", func(r store.Repos, fx *effects) error {
		sub, err := r.Subscriptions().Get(ctx, id)
		if err != nil {
			return err
		}
		if sub.Status != store.SubscriptionActive || sub.ExpiresAt == nil || sub.ExpiresAt.After(now) || sub.NextPaymentAt != nil {
			return nil
		}
		_, err = e.expireIn(ctx, r, fx, id)
		expired = err == nil
		return err
	})
	return expired, err
}

func boolPtr(b bool) *bool { return &b }
