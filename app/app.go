// Package app wires configuration into a running billing engine, its HTTP
// routes and the renewal scheduler.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/membership/auth"
	"github.com/GoCodeAlone/membership/billing"
	"github.com/GoCodeAlone/membership/config"
	"github.com/GoCodeAlone/membership/gateway"
	"github.com/GoCodeAlone/membership/lock"
	"github.com/GoCodeAlone/membership/notify"
	"github.com/GoCodeAlone/membership/roles"
	"github.com/GoCodeAlone/membership/scheduler"
	"github.com/GoCodeAlone/membership/store"
	"github.com/GoCodeAlone/membership/tracing"
)

// App holds the wired daemon components.
type App struct {
	DB        *store.DB
	Engine    *billing.Engine
	Metrics   *billing.Metrics
	Scheduler *scheduler.RenewalScheduler
	// Roles holds the product roles granted to members.
	Roles *store.SQLRoleStore
	// Auth is nil unless auth.jwt_secret is configured.
	Auth *auth.Authenticator
	// LogLevel, when set, is adjusted by config reloads.
	LogLevel *slog.LevelVar

	cfg     *config.Config
	logger  *slog.Logger
	tracer  *tracing.Provider
	closers []io.Closer
}

// New opens the database, applies migrations and builds the billing
// engine with every configured gateway, lock backend and event sink.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db)

	migrator, err := store.NewMigrator(ctx, db, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	applied, err := migrator.Migrate(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("Applied schema migrations", "versions", applied)
	}

	if cfg.Tracing.Enabled {
		a.tracer, err = tracing.NewProvider(ctx, cfg.Tracing)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, closerFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.tracer.Shutdown(ctx)
		}))
		logger.Info("Exporting traces", "endpoint", cfg.Tracing.Endpoint)
	}

	gateways, err := a.buildGateways(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	locker, err := a.buildLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	events, err := a.buildEvents()
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.Metrics = billing.NewMetrics(cfg.Metrics.Namespace)
	}

	a.Roles = db.UserRoles()
	var granter roles.Granter = a.Roles
	a.Engine, err = billing.NewEngine(billing.Config{
		Store:    db,
		Gateways: gateways,
		Locker:   locker,
		Events:   events,
		Roles:    granter,
		Metrics:  a.Metrics,
		Logger:   logger,
		Policy:   cfg.Policy,
		Currency: cfg.Currency,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Auth.Enabled() {
		a.Auth, err = auth.New(cfg.Auth)
		if err != nil {
			a.Close()
			return nil, err
		}
		if len(cfg.Auth.AdminUsers) == 0 {
			logger.Warn("Admin API is locked: auth.admin_users is empty")
		}
	}

	a.Scheduler, err = scheduler.New(a.Engine, scheduler.Config{
		Schedule: cfg.Renewal.Schedule,
		Locker:   locker,
		LockTTL:  cfg.Renewal.LockTTL,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildGateways(ctx context.Context) (*gateway.Registry, error) {
	gws := a.cfg.Gateways
	reg := gateway.NewRegistry(gateway.NewManual())

	wrap := func(g gateway.Gateway) gateway.Gateway {
		if gws.RateLimit.PerSecond > 0 {
			g = gateway.WithRateLimit(g, gws.RateLimit.PerSecond, gws.RateLimit.Burst)
		}
		g = gateway.WithRetry(g, a.cfg.Retry, a.logger)
		if a.tracer != nil {
			g = gateway.WithTracing(g, a.tracer.TracerProvider())
		}
		return g
	}

	if gws.StripeEnabled() {
		sc := gws.Stripe
		if sc.Currency == "" {
			sc.Currency = a.cfg.Currency
		}
		reg.Register(wrap(gateway.NewStripe(sc)))
		a.logger.Info("Registered payment gateway", "gateway", gateway.StripeName)
	}
	if gws.PayPalEnabled() {
		pc := gws.PayPal
		if pc.Currency == "" {
			pc.Currency = a.cfg.Currency
		}
		pp, err := gateway.NewPayPal(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("paypal: %w", err)
		}
		reg.Register(wrap(pp))
		a.logger.Info("Registered payment gateway", "gateway", gateway.PayPalName)
	}
	return reg, nil
}

func (a *App) buildLocker(ctx context.Context) (lock.Locker, error) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return lock.NewInMemoryLock(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr, err)
	}
	a.closers = append(a.closers, client)
	a.logger.Info("Using Redis lock backend", "addr", rc.Addr)
	return lock.NewRedisLock(client, rc.Prefix), nil
}

func (a *App) buildEvents() (notify.Dispatcher, error) {
	ec := a.cfg.Events
	events := notify.Multi{notify.NewLog(a.logger)}
	if ec.NATS.URL != "" {
		n, err := notify.NewNATS(ec.NATS.URL, ec.NATS.SubjectPrefix, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, n)
		events = append(events, n)
	}
	if len(ec.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(ec.Kafka.Brokers, ec.Kafka.Topic, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, k)
		events = append(events, k)
	}
	for _, wc := range ec.Webhooks {
		wh, err := notify.NewWebhook(wc, a.logger)
		if err != nil {
			return nil, err
		}
		events = append(events, wh)
	}
	return events, nil
}

// Handler returns the HTTP routes of the daemon. With auth configured the
// admin API under /api/v1/ needs an admin bearer token; gateway webhooks,
// health and metrics stay open.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	bh := billing.NewHandler(a.Engine, a.logger)
	bh.RegisterWebhookRoutes(mux)
	admin := mux
	if a.Auth != nil {
		admin = http.NewServeMux()
		mux.Handle("/api/v1/", a.Auth.RequireAdmin(admin))
		access := billing.NewAccessMiddleware(a.Engine, a.Auth.UserID)
		mux.Handle("GET /api/v1/access", access.Wrap(http.HandlerFunc(a.handleAccess)))
	}
	bh.RegisterAdminRoutes(admin)
	scheduler.NewHandler(a.Scheduler).RegisterRoutes(admin)
	admin.HandleFunc("GET /api/v1/users/{user_id}/roles", a.handleUserRoles)

	if a.Metrics != nil {
		mux.Handle("GET "+a.cfg.Metrics.Path, a.Metrics.Handler())
	}
	if a.tracer != nil {
		return a.tracer.Middleware(mux, "membershipd")
	}
	return mux
}

// handleAccess answers once the access middleware has let the caller in.
func (a *App) handleAccess(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user_id": a.Auth.UserID(r),
		"active":  true,
	})
}

func (a *App) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid user_id"})
		return
	}
	held, err := a.Roles.Roles(r.Context(), userID)
	if err != nil {
		a.logger.Error("list user roles failed", "user", userID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "list roles failed"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"user_id": userID, "roles": held})
}

// ApplyConfig applies the hot-reloadable sections listed in diff. The log
// format only changes on restart.
func (a *App) ApplyConfig(next *config.Config, diff *config.Diff) error {
	if diff.Has(config.SectionLog) && a.LogLevel != nil {
		a.LogLevel.Set(next.Log.SlogLevel())
	}
	if diff.Has(config.SectionPolicy) {
		a.Engine.SetPolicy(next.Policy)
	}
	return nil
}

// WatchConfig reloads path on change and applies log and policy updates.
// The returned watcher is stopped by Close.
func (a *App) WatchConfig(path string) (*config.Watcher, error) {
	reloader, err := config.NewReloader(a.cfg, a.ApplyConfig, a.logger)
	if err != nil {
		return nil, err
	}
	w := config.NewWatcher(config.NewFileSource(path), func(evt config.ChangeEvent) {
		if err := reloader.HandleChange(evt); err != nil {
			a.logger.Error("config reload failed", "source", evt.Source, "error", err)
		}
	}, config.WithWatchDebounce(a.cfg.Reload.Debounce), config.WithWatchLogger(a.logger))
	if err := w.Start(); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closerFunc(w.Stop))
	return w, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
