package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/membership/notify"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Gateways.Default != "manual" {
		t.Errorf("expected manual default gateway, got %q", cfg.Gateways.Default)
	}
	if cfg.Policy.RevokeRolesOnCancel || cfg.Policy.RevokeRolesOnExpire || cfg.Policy.CascadeProductMeta {
		t.Error("expected every policy switch to default to false")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	t.Setenv("TEST_STRIPE_KEY", "sk_test_123")
	t.Setenv("TEST_DB_DSN", "postgres://billing@localhost/members")
	content := `
http:
  addr: ":9090"
log:
  level: debug
  format: text
database:
  driver: pgx
  dsn: ${TEST_DB_DSN}
renewal:
  schedule: "*/15 * * * *"
  lock_ttl: 5m
retry:
  max_attempts: 5
  initial_interval: 100ms
  max_interval: 3s
gateways:
  default: stripe
  stripe:
    api_key: ${TEST_STRIPE_KEY}
    webhook_secret: ${TEST_MISSING:-whsec_default}
  rate_limit:
    per_second: 10
    burst: 5
events:
  kafka:
    brokers: ["localhost:9092"]
policy:
  revoke_roles_on_expire: true
`
	dir := t.TempDir()
	fp := filepath.Join(dir, "membership.yaml")
	if err := os.WriteFile(fp, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ShutdownTimeout != 15*time.Second {
		t.Errorf("expected default shutdown timeout to survive, got %v", cfg.HTTP.ShutdownTimeout)
	}
	if cfg.Database.DSN != "postgres://billing@localhost/members" {
		t.Errorf("expected expanded dsn, got %q", cfg.Database.DSN)
	}
	if cfg.Renewal.LockTTL != 5*time.Minute {
		t.Errorf("expected lock ttl 5m, got %v", cfg.Renewal.LockTTL)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.InitialInterval != 100*time.Millisecond || cfg.Retry.MaxInterval != 3*time.Second {
		t.Errorf("unexpected retry policy: %+v", cfg.Retry)
	}
	if cfg.Gateways.Stripe.APIKey != "sk_test_123" {
		t.Errorf("expected expanded api key, got %q", cfg.Gateways.Stripe.APIKey)
	}
	if cfg.Gateways.Stripe.WebhookSecret != "whsec_default" {
		t.Errorf("expected default for unset var, got %q", cfg.Gateways.Stripe.WebhookSecret)
	}
	if !cfg.Gateways.StripeEnabled() || cfg.Gateways.PayPalEnabled() {
		t.Error("expected only stripe to be enabled")
	}
	if cfg.Gateways.RateLimit.PerSecond != 10 || cfg.Gateways.RateLimit.Burst != 5 {
		t.Errorf("unexpected rate limit: %+v", cfg.Gateways.RateLimit)
	}
	if cfg.Events.Kafka.Topic != "membership-events" {
		t.Errorf("expected default kafka topic, got %q", cfg.Events.Kafka.Topic)
	}
	if !cfg.Policy.RevokeRolesOnExpire || cfg.Policy.RevokeRolesOnCancel {
		t.Errorf("unexpected policy: %+v", cfg.Policy)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("expected 'failed to read config file' in error, got: %v", err)
	}
}

func TestParse_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != Default().HTTP.Addr {
		t.Errorf("expected default addr, got %q", cfg.HTTP.Addr)
	}
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("htp:\n  addr: :80\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"schedule", func(c *Config) { c.Renewal.Schedule = "sometimes" }, "renewal.schedule"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"intervals", func(c *Config) { c.Retry.InitialInterval = time.Minute; c.Retry.MaxInterval = time.Second }, "retry.max_interval"},
		{"rate limit", func(c *Config) { c.Gateways.RateLimit.Burst = -1 }, "rate_limit"},
		{"stripe default", func(c *Config) { c.Gateways.Default = "stripe" }, "stripe.api_key"},
		{"paypal default", func(c *Config) { c.Gateways.Default = "paypal" }, "paypal credentials"},
		{"unknown default", func(c *Config) { c.Gateways.Default = "bitcoin" }, "not a known gateway"},
		{"kafka topic", func(c *Config) { c.Events.Kafka.Brokers = []string{"k:9092"}; c.Events.Kafka.Topic = "" }, "events.kafka.topic"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"currency", func(c *Config) { c.Currency = "dollars" }, "currency"},
		{"debounce", func(c *Config) { c.Reload.Debounce = -time.Second }, "reload.debounce"},
		{"tracing endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Endpoint = "" }, "tracing.endpoint"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "tracing.sample_rate"},
		{"token ttl", func(c *Config) { c.Auth.TokenTTL = -time.Minute }, "auth.token_ttl"},
		{"admin user", func(c *Config) { c.Auth.AdminUsers = []int64{3, 0} }, "auth.admin_users[1]"},
		{"webhook url", func(c *Config) {
			c.Events.Webhooks = []notify.WebhookConfig{{URL: "ftp://example.com"}}
		}, "events.webhooks[0].url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_DisabledRenewalSkipsSchedule(t *testing.T) {
	cfg := Default()
	cfg.Renewal.Enabled = false
	cfg.Renewal.Schedule = "never"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, ".env")
	if err := os.WriteFile(fp, []byte("MEMBERSHIP_TEST_FROM_DOTENV=loaded\nMEMBERSHIP_TEST_PRESET=from-file\n"), 0644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("MEMBERSHIP_TEST_PRESET", "from-env")
	t.Cleanup(func() { os.Unsetenv("MEMBERSHIP_TEST_FROM_DOTENV") })

	if err := LoadEnv(fp, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if got := os.Getenv("MEMBERSHIP_TEST_FROM_DOTENV"); got != "loaded" {
		t.Errorf("expected loaded, got %q", got)
	}
	if got := os.Getenv("MEMBERSHIP_TEST_PRESET"); got != "from-env" {
		t.Errorf("expected existing variable to win, got %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "text"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, "k=v") {
		t.Errorf("expected text handler output, got %q", out)
	}

	buf.Reset()
	LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
	if (LogConfig{Level: "ERROR"}).SlogLevel() != slog.LevelError {
		t.Error("expected level names to be case-insensitive")
	}
}

func TestNewDynamicLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, level := LogConfig{Level: "error", Format: "text"}.NewDynamicLogger(&buf)
	logger.Info("before")
	level.Set(slog.LevelInfo)
	logger.Info("after")
	out := buf.String()
	if strings.Contains(out, "before") || !strings.Contains(out, "after") {
		t.Errorf("expected level change to take effect, got %q", out)
	}
}
