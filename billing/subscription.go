package billing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/membership/notify"
	"github.com/GoCodeAlone/membership/store"
)

// Transition names a subscription lifecycle operation.
type Transition string

const (
	TransitionActivate   Transition = "activate"
	TransitionRenew      Transition = "renew"
	TransitionCancel     Transition = "cancel"
	TransitionExpire     Transition = "expire"
	TransitionReactivate Transition = "reactivate"
)

type transitionRule struct {
	from []store.SubscriptionStatus
	to   store.SubscriptionStatus
}

var transitionRules = map[Transition]transitionRule{
	TransitionActivate: {
		from: []store.SubscriptionStatus{store.SubscriptionPending},
		to:   store.SubscriptionActive,
	},
	TransitionRenew: {
		from: []store.SubscriptionStatus{store.SubscriptionActive},
		to:   store.SubscriptionActive,
	},
	TransitionCancel: {
		from: []store.SubscriptionStatus{store.SubscriptionPending, store.SubscriptionActive},
		to:   store.SubscriptionCancelled,
	},
	TransitionExpire: {
		from: []store.SubscriptionStatus{store.SubscriptionActive},
		to:   store.SubscriptionExpired,
	},
	TransitionReactivate: {
		from: []store.SubscriptionStatus{store.SubscriptionCancelled, store.SubscriptionExpired},
		to:   store.SubscriptionActive,
	},
}

// CanTransition reports whether op is allowed from status.
func CanTransition(op Transition, from store.SubscriptionStatus) bool {
	rule, ok := transitionRules[op]
	if !ok {
		return false
	}
	for _, s := range rule.from {
		if s == from {
			return true
		}
	}
	return false
}

// CreateSubscriptionRequest opens a pending subscription.
type CreateSubscriptionRequest struct {
	UserID                int64           `json:"user_id"`
	ProductID             uuid.UUID       `json:"product_id"`
	Gateway               string          `json:"gateway"`
	TaxRate               decimal.Decimal `json:"tax_rate"`
	CustomerID            string          `json:"customer_id,omitempty"`
	PaymentMethod         string          `json:"payment_method,omitempty"`
	GatewaySubscriptionID string          `json:"gateway_subscription_id,omitempty"`
}

func (req CreateSubscriptionRequest) validate() error {
	if req.UserID <= 0 {
		return invalid("user_id", "must be positive")
	}
	if req.ProductID == uuid.Nil {
		return invalid("product_id", "is required")
	}
	if req.Gateway == "" {
		return invalid("gateway", "is required")
	}
	if req.TaxRate.IsNegative() {
		return invalid("tax_rate", "must not be negative")
	}
	return nil
}

// CreateSubscription stores a pending subscription priced from its product.
func (e *Engine) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*store.Subscription, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := e.gateways.Get(req.Gateway); err != nil {
		return nil, invalid("gateway", "%v", err)
	}

	var sub *store.Subscription
	err := e.withTx(ctx, "create subscription", func(r store.Repos, fx *effects) error {
		p, err := r.Products().Get(ctx, req.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return invalid("product_id", "product %s does not exist", req.ProductID)
		}
		if err != nil {
			return err
		}
		tax, _ := computeTax(p.Price, req.TaxRate)
		sub = &store.Subscription{
			UserID:                req.UserID,
			ProductID:             p.ID,
			Status:                store.SubscriptionPending,
			Gateway:               req.Gateway,
			Price:                 p.Price,
			TaxRate:               req.TaxRate,
			TaxAmount:             tax,
			Period:                p.Period,
			TrialDays:             p.TrialDays,
			TrialAmount:           p.TrialAmount,
			CreatedAt:             e.now(),
			GatewayCustomerID:     req.CustomerID,
			GatewayPaymentMethod:  req.PaymentMethod,
			GatewaySubscriptionID: req.GatewaySubscriptionID,
		}
		if err := r.Subscriptions().Create(ctx, sub); err != nil {
			return err
		}
		fx.emit(subscriptionEvent(notify.SubscriptionCreated, sub.CreatedAt, sub))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("subscription created", "subscription", sub.ID, "user", sub.UserID, "product", sub.ProductID, "gateway", sub.Gateway)
	return sub, nil
}

// GetSubscription returns one subscription.
func (e *Engine) GetSubscription(ctx context.Context, id uuid.UUID) (*store.Subscription, error) {
	s, err := e.store.Subscriptions().Get(ctx, id)
	if err != nil {
		return nil, persistErr("get subscription", err)
	}
	return s, nil
}

// ListSubscriptions returns subscriptions matching f.
func (e *Engine) ListSubscriptions(ctx context.Context, f store.SubscriptionFilter) ([]*store.Subscription, error) {
	if f.Status != "" && !store.ValidSubscriptionStatuses[f.Status] {
		return nil, invalid("status", "unknown subscription status %q", f.Status)
	}
	out, err := e.store.Subscriptions().List(ctx, f)
	if err != nil {
		return nil, persistErr("list subscriptions", err)
	}
	return out, nil
}

// CountSubscriptions counts subscriptions matching f, ignoring pagination.
func (e *Engine) CountSubscriptions(ctx context.Context, f store.SubscriptionFilter) (int, error) {
	if f.Status != "" && !store.ValidSubscriptionStatuses[f.Status] {
		return 0, invalid("status", "unknown subscription status %q", f.Status)
	}
	n, err := e.store.Subscriptions().Count(ctx, f)
	if err != nil {
		return 0, persistErr("count subscriptions", err)
	}
	return n, nil
}

// Activate moves a pending subscription to active without a gateway call,
// for payments recorded by hand.
func (e *Engine) Activate(ctx context.Context, id uuid.UUID) (*store.Subscription, error) {
	release, err := e.lockSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var sub *store.Subscription
	err = e.withTx(ctx, "activate subscription", func(r store.Repos, fx *effects) error {
		var err error
		sub, err = e.activateIn(ctx, r, fx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Cancel cancels a pending or active subscription. The gateway is asked to
// stop its recurring charge first; a failed remote call is logged and the
// local cancellation still happens.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*store.Subscription, error) {
	return e.cancel(ctx, id, true)
}

func (e *Engine) cancel(ctx context.Context, id uuid.UUID, remote bool) (*store.Subscription, error) {
	release, err := e.lockSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := e.store.Subscriptions().Get(ctx, id)
	if err != nil {
		return nil, persistErr("cancel subscription", err)
	}
	if sub.Status == store.SubscriptionCancelled {
		return sub, nil
	}
	if !CanTransition(TransitionCancel, sub.Status) {
		return nil, &PreconditionError{Entity: "subscription", ID: id, Current: string(sub.Status), Attempted: string(TransitionCancel)}
	}
	if remote {
		e.cancelRemote(ctx, sub)
	}

	err = e.withTx(ctx, "cancel subscription", func(r store.Repos, fx *effects) error {
		var err error
		sub, err = e.cancelIn(ctx, r, fx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *Engine) cancelRemote(ctx context.Context, sub *store.Subscription) {
	gw, err := e.gateways.Get(sub.Gateway)
	if err != nil {
		e.logger.Warn("remote cancel skipped", "subscription", sub.ID, "gateway", sub.Gateway, "error", err)
		return
	}
	if err := gw.CancelRemote(ctx, sub.GatewaySubscriptionID); err != nil {
		e.logger.Warn("remote cancel failed", "subscription", sub.ID, "gateway", sub.Gateway,
			"gateway_subscription", sub.GatewaySubscriptionID, "error", err)
	}
}

// Reactivate returns a cancelled or expired subscription to active. Missed
// periods are not replayed; a recurring subscription becomes due at its old
// expiry and the next renewal check charges it.
func (e *Engine) Reactivate(ctx context.Context, id uuid.UUID) (*store.Subscription, error) {
	release, err := e.lockSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var sub *store.Subscription
	err = e.withTx(ctx, "reactivate subscription", func(r store.Repos, fx *effects) error {
		terms := e.productTerms(ctx, r, id)
		now := e.now()
		regrant := false
		s, changed, err := e.transition(ctx, r, id, TransitionReactivate, func(s *store.Subscription, _ store.SubscriptionStatus) error {
			// Roles come back only if the cancel took them, whatever the
			// policy says now.
			regrant = s.RolesRevoked || s.LastPaymentAt == nil
			s.RolesRevoked = false
			s.CancelledAt = nil
			s.NextPaymentAt = nil
			if terms.recurring && !s.Period.Lifetime() {
				next := now
				if s.ExpiresAt != nil {
					next = *s.ExpiresAt
				}
				s.NextPaymentAt = &next
			}
			return nil
		})
		if err != nil {
			return err
		}
		sub = s
		if changed {
			if regrant {
				fx.grant(s, terms.roles)
			}
			fx.emit(subscriptionEvent(notify.SubscriptionReactivated, now, s))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Expire ends an active subscription now.
func (e *Engine) Expire(ctx context.Context, id uuid.UUID) (*store.Subscription, error) {
	release, err := e.lockSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var sub *store.Subscription
	err = e.withTx(ctx, "expire subscription", func(r store.Repos, fx *effects) error {
		var err error
		sub, err = e.expireIn(ctx, r, fx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// productTerms is what a transition needs to know about the product behind
// a subscription.
type productTerms struct {
	recurring bool
	roles     []string
}

// revokesOn reports whether entering status took the product roles away.
func (p Policy) revokesOn(status store.SubscriptionStatus) bool {
	switch status {
	case store.SubscriptionCancelled:
		return p.RevokeRolesOnCancel
	case store.SubscriptionExpired:
		return p.RevokeRolesOnExpire
	}
	return false
}

// productTerms loads the product of subscription id. A deleted product
// leaves the subscription non-recurring with no roles.
func (e *Engine) productTerms(ctx context.Context, r store.Repos, id uuid.UUID) productTerms {
	sub, err := r.Subscriptions().Get(ctx, id)
	if err != nil {
		return productTerms{}
	}
	t := productTerms{}
	p, err := r.Products().Get(ctx, sub.ProductID)
	if err != nil {
		e.logger.Warn("product unavailable, treating subscription as non-recurring",
			"subscription", id, "product", sub.ProductID, "error", err)
		return t
	}
	t.recurring = p.IsRecurring
	t.roles = p.Roles
	return t
}

// transition applies op to subscription id as one conditional write on its
// current status. mutate edits the record after its status has been set
// to the target. A subscription already in the target state comes back
// unchanged with changed=false.
func (e *Engine) transition(ctx context.Context, r store.Repos, id uuid.UUID, op Transition,
	mutate func(s *store.Subscription, from store.SubscriptionStatus) error) (sub *store.Subscription, changed bool, err error) {
	rule := transitionRules[op]
	cur, err := r.Subscriptions().Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !CanTransition(op, cur.Status) {
		if cur.Status == rule.to && op != TransitionRenew {
			return cur, false, nil
		}
		return nil, false, &PreconditionError{Entity: "subscription", ID: id, Current: string(cur.Status), Attempted: string(op)}
	}

	from := cur.Status
	next := *cur
	next.Status = rule.to
	if mutate != nil {
		if err := mutate(&next, from); err != nil {
			return nil, false, err
		}
	}
	err = r.Subscriptions().UpdateIfStatus(ctx, &next, from, cur.RenewalCount)
	if errors.Is(err, store.ErrConflict) {
		again, gerr := r.Subscriptions().Get(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		if again.Status == rule.to && (op != TransitionRenew || again.RenewalCount >= next.RenewalCount) {
			e.logger.Info("subscription already transitioned", "subscription", id, "op", op, "status", again.Status)
			return again, false, nil
		}
		return nil, false, &PreconditionError{Entity: "subscription", ID: id, Current: string(again.Status), Attempted: string(op)}
	}
	if err != nil {
		return nil, false, err
	}
	e.metrics.recordTransition(string(from), string(rule.to))
	e.logger.Info("subscription transition", "subscription", id, "op", op, "from", from, "to", rule.to)
	return &next, true, nil
}

// activateIn starts the first paid period of a pending subscription.
func (e *Engine) activateIn(ctx context.Context, r store.Repos, fx *effects, id uuid.UUID) (*store.Subscription, error) {
	terms := e.productTerms(ctx, r, id)
	now := e.now()
	s, changed, err := e.transition(ctx, r, id, TransitionActivate, func(s *store.Subscription, _ store.SubscriptionStatus) error {
		startPeriod(s, terms.recurring, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		fx.grant(s, terms.roles)
		fx.emit(subscriptionEvent(notify.SubscriptionActivated, now, s))
	}
	return s, nil
}

// startPeriod sets the dates of a newly active subscription. A trial
// replaces the first period; a first due date already behind now is
// measured from now instead.
func startPeriod(s *store.Subscription, recurring bool, now time.Time) {
	paid := now
	s.LastPaymentAt = &paid
	s.RolesRevoked = false
	s.CancelledAt = nil
	s.NextPaymentAt = nil
	s.ExpiresAt = nil
	if s.Period.Lifetime() {
		return
	}

	end := s.Period.AddTo(s.CreatedAt, 1)
	if s.TrialDays > 0 {
		end = s.CreatedAt.AddDate(0, 0, s.TrialDays)
	}
	if !end.After(now) {
		end = s.Period.AddTo(now, 1)
	}
	s.ExpiresAt = &end
	if recurring {
		next := end
		s.NextPaymentAt = &next
	}
}

// renewIn advances an active subscription by one period for a completed
// payment of the given billing cycle, paid at now.
func (e *Engine) renewIn(ctx context.Context, r store.Repos, fx *effects, id uuid.UUID, cycle int, now time.Time) (*store.Subscription, error) {
	s, changed, err := e.transition(ctx, r, id, TransitionRenew, func(s *store.Subscription, _ store.SubscriptionStatus) error {
		if cycle != s.RenewalCount+1 {
			return &PreconditionError{Entity: "subscription", ID: id, Current: string(store.SubscriptionActive), Attempted: "renew cycle " + strconv.Itoa(cycle)}
		}
		prev := now
		if s.NextPaymentAt != nil {
			prev = *s.NextPaymentAt
		}
		next := s.Period.AddTo(prev, 1)
		if !next.After(now) {
			next = s.Period.AddTo(now, 1)
		}
		paid := now
		s.RenewalCount = cycle
		s.LastPaymentAt = &paid
		s.NextPaymentAt = &next
		expires := next
		s.ExpiresAt = &expires
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		fx.emit(subscriptionEvent(notify.SubscriptionRenewed, now, s))
	}
	return s, nil
}

func (e *Engine) cancelIn(ctx context.Context, r store.Repos, fx *effects, id uuid.UUID) (*store.Subscription, error) {
	terms := e.productTerms(ctx, r, id)
	now := e.now()
	policy := e.Policy()
	revoke := false
	s, changed, err := e.transition(ctx, r, id, TransitionCancel, func(s *store.Subscription, from store.SubscriptionStatus) error {
		at := now
		s.CancelledAt = &at
		s.NextPaymentAt = nil
		if policy.revokesOn(store.SubscriptionCancelled) && from == store.SubscriptionActive && !s.RolesRevoked {
			s.RolesRevoked = true
			revoke = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if revoke {
			fx.revoke(s, terms.roles)
		}
		fx.emit(subscriptionEvent(notify.SubscriptionCancelled, now, s))
	}
	return s, nil
}

func (e *Engine) expireIn(ctx context.Context, r store.Repos, fx *effects, id uuid.UUID) (*store.Subscription, error) {
	terms := e.productTerms(ctx, r, id)
	now := e.now()
	policy := e.Policy()
	revoke := false
	s, changed, err := e.transition(ctx, r, id, TransitionExpire, func(s *store.Subscription, _ store.SubscriptionStatus) error {
		s.NextPaymentAt = nil
		if s.ExpiresAt == nil || s.ExpiresAt.After(now) {
			at := now
			s.ExpiresAt = &at
		}
		if policy.revokesOn(store.SubscriptionExpired) && !s.RolesRevoked {
			s.RolesRevoked = true
			revoke = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if revoke {
			fx.revoke(s, terms.roles)
		}
		fx.emit(subscriptionEvent(notify.SubscriptionExpired, now, s))
	}
	return s, nil
}
