// Package billing is the membership billing engine: the subscription state
// machine, the transaction ledger, renewal checks and the HTTP surface over
// them. Every state change goes through a compare-and-swap on the stored
// status, and multi-row changes run in one store unit of work.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/membership/gateway"
	"github.com/GoCodeAlone/membership/lock"
	"github.com/GoCodeAlone/membership/notify"
	"github.com/GoCodeAlone/membership/roles"
	"github.com/GoCodeAlone/membership/store"
)

// DefaultLockTTL bounds how long a subscription stays locked if its holder dies.
const DefaultLockTTL = 2 * time.Minute

// Policy holds the site owner's choices for side effects the engine does
// not apply by default.
type Policy struct {
	RevokeRolesOnCancel bool `yaml:"revoke_roles_on_cancel"`
	RevokeRolesOnExpire bool `yaml:"revoke_roles_on_expire"`
	CascadeProductMeta  bool `yaml:"cascade_product_meta"`
}

// Config wires an Engine. Store and Gateways are required.
type Config struct {
	Store    store.UnitOfWork
	Gateways *gateway.Registry
	Locker   lock.Locker
	Events   notify.Dispatcher
	Roles    roles.Granter
	Metrics  *Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
	Policy   Policy
	Currency string
	LockTTL  time.Duration
}

// Engine runs billing operations.
type Engine struct {
	store    store.UnitOfWork
	gateways *gateway.Registry
	locker   lock.Locker
	events   notify.Dispatcher
	roles    roles.Granter
	metrics  *Metrics
	logger   *slog.Logger
	clock    func() time.Time
	policy   atomic.Pointer[Policy]
	currency string
	lockTTL  time.Duration
}

// NewEngine creates an Engine, filling unset collaborators with in-process
// defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("billing: store is required")
	}
	if cfg.Gateways == nil {
		return nil, errors.New("billing: gateway registry is required")
	}
	e := &Engine{
		store:    cfg.Store,
		gateways: cfg.Gateways,
		locker:   cfg.Locker,
		events:   cfg.Events,
		roles:    cfg.Roles,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		currency: cfg.Currency,
		lockTTL:  cfg.LockTTL,
	}
	e.SetPolicy(cfg.Policy)
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.locker == nil {
		e.locker = lock.NewInMemoryLock()
	}
	if e.events == nil {
		e.events = notify.NewLog(e.logger)
	}
	if e.roles == nil {
		e.roles = roles.NewMemory()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.currency == "" {
		e.currency = "USD"
	}
	if e.lockTTL <= 0 {
		e.lockTTL = DefaultLockTTL
	}
	return e, nil
}

// Policy returns the engine's side-effect policy.
func (e *Engine) Policy() Policy { return *e.policy.Load() }

// SetPolicy replaces the side-effect policy. Operations already running keep
// the policy they started with.
func (e *Engine) SetPolicy(p Policy) { e.policy.Store(&p) }

// Gateways returns the gateway registry the engine charges through.
func (e *Engine) Gateways() *gateway.Registry { return e.gateways }

func (e *Engine) now() time.Time { return e.clock().UTC().Truncate(time.Second) }

func subscriptionLockKey(id uuid.UUID) string { return "subscription:" + id.String() }

// lockSubscription serialises work on one subscription, including any
// gateway call in flight for it.
func (e *Engine) lockSubscription(ctx context.Context, id uuid.UUID) (func(), error) {
	release, err := e.locker.Acquire(ctx, subscriptionLockKey(id), e.lockTTL)
	if err != nil {
		return nil, err
	}
	return release, nil
}

type roleChange struct {
	userID int64
	subID  uuid.UUID
	roles  []string
}

func (c roleChange) event(t notify.EventType, at time.Time) notify.Event {
	ev := notify.NewEvent(t, at, c.userID)
	ev.SubscriptionID = c.subID.String()
	ev.Payload = map[string]any{"roles": c.roles}
	return ev
}

// effects collects work that must only happen after a unit of work commits.
type effects struct {
	events  []notify.Event
	grants  []roleChange
	revokes []roleChange
}

func (fx *effects) emit(ev notify.Event) { fx.events = append(fx.events, ev) }

func (fx *effects) grant(s *store.Subscription, r []string) {
	if len(r) > 0 {
		fx.grants = append(fx.grants, roleChange{userID: s.UserID, subID: s.ID, roles: r})
	}
}

func (fx *effects) revoke(s *store.Subscription, r []string) {
	if len(r) > 0 {
		fx.revokes = append(fx.revokes, roleChange{userID: s.UserID, subID: s.ID, roles: r})
	}
}

// apply runs committed side effects. Failures are logged; the persisted
// state is already final. Each role change that lands is announced after
// the lifecycle events as roles.granted or roles.revoked.
func (e *Engine) apply(ctx context.Context, fx *effects) {
	now := e.now()
	var roleEvents []notify.Event
	for _, g := range fx.grants {
		if err := e.roles.Grant(ctx, g.userID, g.roles); err != nil {
			e.logger.Error("grant roles failed", "user", g.userID, "roles", g.roles, "error", err)
			continue
		}
		roleEvents = append(roleEvents, g.event(notify.RolesGranted, now))
	}
	for _, r := range fx.revokes {
		if err := e.roles.Revoke(ctx, r.userID, r.roles); err != nil {
			e.logger.Error("revoke roles failed", "user", r.userID, "roles", r.roles, "error", err)
			continue
		}
		roleEvents = append(roleEvents, r.event(notify.RolesRevoked, now))
	}
	for _, ev := range append(fx.events, roleEvents...) {
		if err := e.events.Dispatch(ctx, ev); err != nil {
			e.logger.Warn("event dispatch failed", "event", ev.Type, "id", ev.ID, "error", err)
		}
	}
}

// withTx runs fn in one unit of work and applies its effects after commit.
func (e *Engine) withTx(ctx context.Context, op string, fn func(r store.Repos, fx *effects) error) error {
	var fx effects
	if err := e.store.WithTx(ctx, func(r store.Repos) error { return fn(r, &fx) }); err != nil {
		return persistErr(op, err)
	}
	e.apply(ctx, &fx)
	return nil
}

func subscriptionEvent(t notify.EventType, at time.Time, s *store.Subscription) notify.Event {
	ev := notify.NewEvent(t, at, s.UserID)
	ev.SubscriptionID = s.ID.String()
	ev.Payload = map[string]any{
		"product_id":    s.ProductID.String(),
		"status":        string(s.Status),
		"gateway":       s.Gateway,
		"renewal_count": s.RenewalCount,
	}
	if s.NextPaymentAt != nil {
		ev.Payload["next_payment_at"] = s.NextPaymentAt.Format(time.RFC3339)
	}
	return ev
}

func transactionEvent(t notify.EventType, at time.Time, txn *store.Transaction) notify.Event {
	ev := notify.NewEvent(t, at, txn.UserID)
	ev.TransactionID = txn.ID.String()
	if txn.SubscriptionID != nil {
		ev.SubscriptionID = txn.SubscriptionID.String()
	}
	ev.Payload = map[string]any{
		"product_id":    txn.ProductID.String(),
		"trans_num":     txn.TransNum,
		"status":        string(txn.Status),
		"gateway":       txn.Gateway,
		"total":         txn.Total.StringFixed(2),
		"billing_cycle": txn.BillingCycle,
	}
	return ev
}
