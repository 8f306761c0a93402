package billing

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/membership/gateway"
	"github.com/GoCodeAlone/membership/notify"
	"github.com/GoCodeAlone/membership/roles"
	"github.com/GoCodeAlone/membership/store"
)

var t0 = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// syncBuffer lets tests read log output written from other goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	engine  *Engine
	db      *store.DB
	gw      *gateway.Mock
	events  *notify.Recorder
	roles   *roles.Memory
	clock   *testClock
	metrics *Metrics
	logs    *syncBuffer
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m, err := store.NewMigrator(ctx, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	_, err = m.Migrate(ctx)
	require.NoError(t, err)

	f := &fixture{
		db:      db,
		gw:      gateway.NewMock("mock"),
		events:  &notify.Recorder{},
		roles:   roles.NewMemory(),
		clock:   &testClock{now: t0},
		metrics: NewMetrics("test"),
		logs:    &syncBuffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	retry := gateway.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	cfg := Config{
		Store:    db,
		Gateways: gateway.NewRegistry(gateway.WithRetry(f.gw, retry, logger), gateway.NewManual()),
		Events:   f.events,
		Roles:    f.roles,
		Metrics:  f.metrics,
		Logger:   logger,
		Clock:    f.clock.Now,
		Currency: "USD",
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.engine, err = NewEngine(cfg)
	require.NoError(t, err)
	return f
}

func withPolicy(p Policy) func(*Config) {
	return func(c *Config) { c.Policy = p }
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// monthly is the 19.99 a month product most tests use.
func (f *fixture) monthly(t *testing.T) *store.Product {
	t.Helper()
	return f.product(t, &store.Product{
		Name:        "Gold",
		Price:       dec("19.99"),
		IsRecurring: true,
		Period:      store.Period{Count: 1, Unit: store.PeriodMonth},
		Roles:       []string{"gold", "member"},
	})
}

func (f *fixture) product(t *testing.T, p *store.Product) *store.Product {
	t.Helper()
	out, err := f.engine.CreateProduct(context.Background(), p)
	require.NoError(t, err)
	return out
}

func (f *fixture) subscribe(t *testing.T, p *store.Product, userID int64, gw string) *store.Subscription {
	t.Helper()
	sub, err := f.engine.CreateSubscription(context.Background(), CreateSubscriptionRequest{
		UserID:                userID,
		ProductID:             p.ID,
		Gateway:               gw,
		GatewaySubscriptionID: "remote_" + uuid.NewString()[:8],
	})
	require.NoError(t, err)
	return sub
}

// activeSub creates a subscription and completes its first payment.
func (f *fixture) activeSub(t *testing.T, p *store.Product, userID int64) (*store.Subscription, *store.Transaction) {
	t.Helper()
	ctx := context.Background()
	sub := f.subscribe(t, p, userID, "mock")
	subID := sub.ID
	txn, err := f.engine.RecordTransaction(ctx, RecordRequest{
		UserID:         userID,
		ProductID:      p.ID,
		SubscriptionID: &subID,
		Gateway:        "mock",
		Amount:         p.Price,
		IdempotencyKey: RenewalKey(sub.ID, 0),
	})
	require.NoError(t, err)
	txn, err = f.engine.Complete(ctx, txn.ID, CompleteOptions{GatewayTransID: "ch_initial_" + sub.ID.String()[:8]})
	require.NoError(t, err)
	sub, err = f.engine.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, store.SubscriptionActive, sub.Status)
	return sub, txn
}

func (f *fixture) sub(t *testing.T, id uuid.UUID) *store.Subscription {
	t.Helper()
	s, err := f.engine.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) txnCount(t *testing.T, subID uuid.UUID) int {
	t.Helper()
	n, err := f.engine.CountTransactions(context.Background(), store.TransactionFilter{SubscriptionID: &subID})
	require.NoError(t, err)
	return n
}

func countType(evs []notify.EventType, want notify.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev == want {
			n++
		}
	}
	return n
}
