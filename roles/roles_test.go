package roles

import (
	"context"
	"strings"
	"testing"
)

func TestMemoryGrantRevoke(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Grant(ctx, 7, []string{"member", "gold"}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := m.Grant(ctx, 7, []string{"member"}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if got := strings.Join(m.Roles(7), ","); got != "gold,member" {
		t.Errorf("roles = %s", got)
	}

	if err := m.Revoke(ctx, 7, []string{"member", "gold"}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if ok, _ := m.Has(ctx, 7, "member"); !ok {
		t.Error("member is still granted by the second grant")
	}
	if ok, _ := m.Has(ctx, 7, "gold"); ok {
		t.Error("gold should be revoked")
	}

	_ = m.Revoke(ctx, 7, []string{"member"})
	if len(m.Roles(7)) != 0 {
		t.Errorf("roles = %v, want none", m.Roles(7))
	}
	if err := m.Revoke(ctx, 99, []string{"x"}); err != nil {
		t.Errorf("revoking from unknown user: %v", err)
	}
}
