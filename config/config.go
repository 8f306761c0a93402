// Package config loads the membership daemon configuration from YAML with
// environment variable expansion.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/membership/auth"
	"github.com/GoCodeAlone/membership/billing"
	"github.com/GoCodeAlone/membership/gateway"
	"github.com/GoCodeAlone/membership/notify"
	"github.com/GoCodeAlone/membership/scheduler"
	"github.com/GoCodeAlone/membership/store"
	"github.com/GoCodeAlone/membership/tracing"
)

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig enables the Redis lock backend when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RenewalConfig configures the renewal scheduler.
type RenewalConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// RateLimitConfig caps outbound calls per gateway. Zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// GatewaysConfig lists the payment processors. The manual gateway is
// always registered.
type GatewaysConfig struct {
	Default   string               `yaml:"default"`
	Stripe    gateway.StripeConfig `yaml:"stripe"`
	PayPal    gateway.PayPalConfig `yaml:"paypal"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
}

// StripeEnabled reports whether Stripe credentials are configured.
func (g GatewaysConfig) StripeEnabled() bool { return g.Stripe.APIKey != "" }

// PayPalEnabled reports whether PayPal credentials are configured.
func (g GatewaysConfig) PayPalEnabled() bool {
	return g.PayPal.ClientID != "" && g.PayPal.ClientSecret != ""
}

// NATSConfig enables the NATS dispatcher when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// KafkaConfig enables the Kafka dispatcher when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// EventsConfig configures where lifecycle events are published. Events are
// always logged.
type EventsConfig struct {
	NATS     NATSConfig             `yaml:"nats"`
	Kafka    KafkaConfig            `yaml:"kafka"`
	Webhooks []notify.WebhookConfig `yaml:"webhooks"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// ReloadConfig enables watching the config file. Log and policy changes
// apply without a restart.
type ReloadConfig struct {
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// Config is the full daemon configuration.
type Config struct {
	HTTP     HTTPConfig          `yaml:"http"`
	Log      LogConfig           `yaml:"log"`
	Database store.Config        `yaml:"database"`
	Redis    RedisConfig         `yaml:"redis"`
	Renewal  RenewalConfig       `yaml:"renewal"`
	Retry    gateway.RetryPolicy `yaml:"retry"`
	Gateways GatewaysConfig      `yaml:"gateways"`
	Events   EventsConfig        `yaml:"events"`
	Policy   billing.Policy      `yaml:"policy"`
	Metrics  MetricsConfig       `yaml:"metrics"`
	Tracing  tracing.Config      `yaml:"tracing"`
	Reload   ReloadConfig        `yaml:"reload"`
	Auth     auth.Config         `yaml:"auth"`
	Currency string              `yaml:"currency"`
}

// Default returns a configuration that runs against a local SQLite file
// with only the manual gateway.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Database: store.Config{
			Driver: "sqlite",
			DSN:    "membership.db",
		},
		Redis: RedisConfig{Prefix: "membership:lock:"},
		Renewal: RenewalConfig{
			Enabled:  true,
			Schedule: scheduler.DefaultSchedule,
			LockTTL:  10 * time.Minute,
		},
		Retry: gateway.DefaultRetryPolicy(),
		Gateways: GatewaysConfig{
			Default: gateway.ManualName,
		},
		Events: EventsConfig{
			NATS:  NATSConfig{SubjectPrefix: "membership"},
			Kafka: KafkaConfig{Topic: "membership-events"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "membership",
		},
		Tracing:  tracing.DefaultConfig(),
		Reload:   ReloadConfig{Debounce: 500 * time.Millisecond},
		Auth:     auth.Config{Issuer: "membership", TokenTTL: 24 * time.Hour},
		Currency: "USD",
	}
}

// LoadEnv loads variables from .env-style files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a YAML file over Default, expands ${VAR} references from the
// environment and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default expand to the empty string.
func ExpandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDef := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDef {
			return def
		}
		return ""
	})
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "pgx", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Renewal.Enabled {
		if err := scheduler.ValidateCron(c.Renewal.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("renewal.schedule: %w", err))
		}
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.MaxInterval > 0 && c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, errors.New("retry.max_interval must not be less than retry.initial_interval"))
	}
	if rl := c.Gateways.RateLimit; rl.PerSecond < 0 || rl.Burst < 0 {
		errs = append(errs, errors.New("gateways.rate_limit values must not be negative"))
	}
	switch c.Gateways.Default {
	case gateway.ManualName:
	case gateway.StripeName:
		if !c.Gateways.StripeEnabled() {
			errs = append(errs, errors.New("gateways.default is stripe but gateways.stripe.api_key is empty"))
		}
	case gateway.PayPalName:
		if !c.Gateways.PayPalEnabled() {
			errs = append(errs, errors.New("gateways.default is paypal but paypal credentials are empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateways.default %q is not a known gateway", c.Gateways.Default))
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		errs = append(errs, errors.New("events.kafka.topic is required with brokers"))
	}
	for i, wh := range c.Events.Webhooks {
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			errs = append(errs, fmt.Errorf("events.webhooks[%d].url %q must be an http(s) URL", i, wh.URL))
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v must be between 0 and 1", c.Tracing.SampleRate))
	}
	if c.Auth.TokenTTL < 0 {
		errs = append(errs, errors.New("auth.token_ttl must not be negative"))
	}
	for i, id := range c.Auth.AdminUsers {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("auth.admin_users[%d] %d must be a positive user id", i, id))
		}
	}
	if c.Reload.Debounce < 0 {
		errs = append(errs, errors.New("reload.debounce must not be negative"))
	}
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("currency %q must be a three-letter code", c.Currency))
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the slog logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	return c.newLogger(w, c.SlogLevel())
}

// NewDynamicLogger is NewLogger with a level that can be changed later
// through the returned LevelVar.
func (c LogConfig) NewDynamicLogger(w io.Writer) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(c.SlogLevel())
	return c.newLogger(w, lv), lv
}

func (c LogConfig) newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
