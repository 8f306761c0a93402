package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GoCodeAlone/membership/auth"
	"github.com/GoCodeAlone/membership/scheduler"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = orig })
	return &buf
}

func tempDSN(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "membership.db")
}

func noEnv(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestMigrateRequiresSubcommand(t *testing.T) {
	if err := runMigrate(nil); err == nil {
		t.Fatal("expected error without subcommand")
	}
}

func TestMigrateUnknownSubcommand(t *testing.T) {
	err := runMigrate([]string{"sideways", "--dsn", tempDSN(t), "--env", noEnv(t)})
	if err == nil || !strings.Contains(err.Error(), "unknown subcommand") {
		t.Fatalf("expected unknown subcommand error, got %v", err)
	}
}

func TestMigrateApplyStatusRollback(t *testing.T) {
	dsn := tempDSN(t)
	env := noEnv(t)
	out := captureStdout(t)

	if err := runMigrate([]string{"status", "--dsn", dsn, "--env", env}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "Pending:") {
		t.Errorf("expected pending migrations on a fresh database, got:\n%s", out)
	}

	out.Reset()
	if err := runMigrate([]string{"apply", "--dsn", dsn, "--env", env}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(out.String(), "applied 1.0.0") {
		t.Errorf("expected 1.0.0 to be applied, got:\n%s", out)
	}

	out.Reset()
	if err := runMigrate([]string{"apply", "--dsn", dsn, "--env", env}); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !strings.Contains(out.String(), "No pending migrations.") {
		t.Errorf("expected second apply to be a no-op, got:\n%s", out)
	}

	out.Reset()
	if err := runMigrate([]string{"status", "--dsn", dsn, "--env", env}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "Schema up to date.") {
		t.Errorf("expected up-to-date schema, got:\n%s", out)
	}

	out.Reset()
	if err := runMigrate([]string{"rollback", "--to", "1.2.0", "--dsn", dsn, "--env", env}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !strings.Contains(out.String(), "reverted 1.5.0") || !strings.Contains(out.String(), "reverted 1.4.0") || !strings.Contains(out.String(), "reverted 1.3.0") {
		t.Errorf("expected 1.5.0 through 1.3.0 to be reverted, got:\n%s", out)
	}
	if strings.Contains(out.String(), "reverted 1.2.0") {
		t.Errorf("rollback went past the target:\n%s", out)
	}

	if err := runMigrate([]string{"rollback", "--to", "9.0.0", "--dsn", dsn, "--env", env}); err == nil {
		t.Error("expected error rolling back to a version above current")
	}
}

func TestRenew(t *testing.T) {
	out := captureStdout(t)
	err := runRenew([]string{"--dsn", tempDSN(t), "--env", noEnv(t), "--now", "2026-03-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	var rec scheduler.RunRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("decode run record: %v\n%s", err, out)
	}
	if rec.Status != scheduler.RunStatusSuccess {
		t.Errorf("expected success, got %s", rec.Status)
	}
	if rec.Report == nil || rec.Report.Now.Format("2006-01-02") != "2026-03-01" {
		t.Errorf("expected report evaluated at --now, got %+v", rec.Report)
	}
}

func TestRenewInvalidNow(t *testing.T) {
	err := runRenew([]string{"--dsn", tempDSN(t), "--env", noEnv(t), "--now", "yesterday"})
	if err == nil || !strings.Contains(err.Error(), "invalid --now") {
		t.Fatalf("expected invalid --now error, got %v", err)
	}
}

func TestConfigRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "membership.yaml")
	content := `
gateways:
  default: stripe
  stripe:
    api_key: sk_live_secret
    webhook_secret: whsec_secret
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out := captureStdout(t)
	if err := runConfig([]string{"--config", path, "--env", noEnv(t)}); err != nil {
		t.Fatalf("config: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "sk_live_secret") || strings.Contains(got, "whsec_secret") {
		t.Errorf("secrets leaked into output:\n%s", got)
	}
	if !strings.Contains(got, redacted) {
		t.Errorf("expected redacted marker in output:\n%s", got)
	}
	if !strings.Contains(got, "default: stripe") {
		t.Errorf("expected effective gateway default, got:\n%s", got)
	}
}

func TestConfigInvalid(t *testing.T) {
	if err := runConfig([]string{"--driver", "mysql", "--env", noEnv(t)}); err == nil {
		t.Fatal("expected validation error for unsupported driver")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Setenv("MEMBERSHIP_JWT_SECRET", "s3cret")
	dir := t.TempDir()
	path := filepath.Join(dir, "membership.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: ${MEMBERSHIP_JWT_SECRET}\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out := captureStdout(t)
	if err := runToken([]string{"--config", path, "--env", noEnv(t), "--user", "42", "--ttl", "1h"}); err != nil {
		t.Fatalf("token: %v", err)
	}

	a, err := auth.New(auth.Config{JWTSecret: "s3cret", Issuer: "membership"})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	id, err := a.Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if id != 42 {
		t.Errorf("user id = %d, want 42", id)
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	err := runToken([]string{"--env", noEnv(t), "--user", "42"})
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestTokenRequiresUser(t *testing.T) {
	if err := runToken([]string{"--env", noEnv(t)}); err == nil {
		t.Fatal("expected error without --user")
	}
}
