package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Webhook delivery headers.
const (
	HeaderEvent     = "X-Membership-Event"
	HeaderDelivery  = "X-Membership-Delivery"
	HeaderSignature = "X-Membership-Signature"
)

// WebhookConfig describes one HTTP endpoint that receives every event.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Secret signs the body with HMAC-SHA256; empty sends unsigned.
	Secret      string        `yaml:"secret"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Webhook POSTs each event as JSON to a configured URL. Network errors,
// 429 and 5xx responses are retried with exponential backoff; any other
// non-2xx response fails the delivery at once.
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	logger  *slog.Logger
	initial time.Duration
	max     time.Duration
}

// NewWebhook creates a Webhook dispatcher for cfg.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		initial: 500 * time.Millisecond,
		max:     30 * time.Second,
	}, nil
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhook) Dispatch(ctx context.Context, ev Event) error {
	body, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.initial),
		backoff.WithMaxInterval(w.max),
		backoff.WithMaxElapsedTime(0),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	err = backoff.RetryNotify(func() error {
		attempts++
		return w.send(ctx, ev, body)
	}, b, func(err error, wait time.Duration) {
		w.logger.Warn("webhook delivery failed, retrying",
			"url", w.cfg.URL, "event", ev.Type, "id", ev.ID, "attempt", attempts, "wait", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("deliver event %s to %s after %d attempt(s): %w", ev.ID, w.cfg.URL, attempts, err)
	}
	w.logger.Debug("Event delivered to webhook", "url", w.cfg.URL, "id", ev.ID, "attempts", attempts)
	return nil
}

func (w *Webhook) send(ctx context.Context, ev Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	if w.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(w.cfg.Secret, body))
	}

	resp, err := w.client.Do(req) //nolint:gosec // URL comes from configuration
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}
