package store

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/membership/migration"
)

// SQLRoleStore persists the roles granted to users. Each (user, role) row
// counts its grants, so revoking one subscription's roles keeps a role
// another subscription of the same user still grants.
type SQLRoleStore struct {
	q       querier
	dialect migration.Dialect
	now     func() time.Time
}

// UserRoles returns the role store on d's connection pool.
func (d *DB) UserRoles() *SQLRoleStore {
	return &SQLRoleStore{q: d.db, dialect: d.dialect, now: time.Now}
}

func (s *SQLRoleStore) Grant(ctx context.Context, userID int64, roles []string) error {
	for _, r := range roles {
		_, err := s.q.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO user_roles (user_id, role, grants, granted_at) VALUES (?,?,1,?)
			ON CONFLICT (user_id, role) DO UPDATE SET grants = user_roles.grants + 1`),
			userID, r, ts(s.now()))
		if err != nil {
			return fmt.Errorf("grant role %q to user %d: %w", r, userID, err)
		}
	}
	return nil
}

func (s *SQLRoleStore) Revoke(ctx context.Context, userID int64, roles []string) error {
	for _, r := range roles {
		if _, err := s.q.ExecContext(ctx, s.dialect.Rebind(
			`UPDATE user_roles SET grants = grants - 1 WHERE user_id = ? AND role = ?`), userID, r); err != nil {
			return fmt.Errorf("revoke role %q from user %d: %w", r, userID, err)
		}
		if _, err := s.q.ExecContext(ctx, s.dialect.Rebind(
			`DELETE FROM user_roles WHERE user_id = ? AND role = ? AND grants <= 0`), userID, r); err != nil {
			return fmt.Errorf("revoke role %q from user %d: %w", r, userID, err)
		}
	}
	return nil
}

func (s *SQLRoleStore) Has(ctx context.Context, userID int64, role string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM user_roles WHERE user_id = ? AND role = ? AND grants > 0`), userID, role).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check role %q for user %d: %w", role, userID, err)
	}
	return n > 0, nil
}

// Roles lists the roles a user holds, sorted.
func (s *SQLRoleStore) Roles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.Rebind(
		`SELECT role FROM user_roles WHERE user_id = ? AND grants > 0 ORDER BY role`), userID)
	if err != nil {
		return nil, fmt.Errorf("list roles for user %d: %w", userID, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
