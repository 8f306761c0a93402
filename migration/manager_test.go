package migration

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestManager(t *testing.T, db *sql.DB, migs ...Migration) *Manager {
	t.Helper()
	store, err := NewSQLVersionStore(context.Background(), db, SQLite)
	if err != nil {
		t.Fatalf("version store: %v", err)
	}
	m, err := NewManager(db, store, NewLocalLock(), slog.Default(), migs...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func testMigrations() []Migration {
	return []Migration{
		{
			Version:     "1.10.0",
			Description: "add notes",
			UpSQL:       `ALTER TABLE items ADD COLUMN notes TEXT`,
			DownSQL:     `ALTER TABLE items DROP COLUMN notes`,
		},
		{
			Version:     "1.0.0",
			Description: "create items",
			UpSQL:       `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
			DownSQL:     `DROP TABLE items`,
		},
		{
			Version:     "1.2.0",
			Description: "create tags",
			UpSQL: `CREATE TABLE tags (id INTEGER PRIMARY KEY, label TEXT NOT NULL);
				CREATE INDEX idx_tags_label ON tags(label)`,
			DownSQL: `DROP INDEX idx_tags_label; DROP TABLE tags`,
		},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n == 1
}

func TestManager_SortsBySemver(t *testing.T) {
	m := newTestManager(t, newTestDB(t), testMigrations()...)
	var got []string
	for _, mig := range m.Migrations() {
		got = append(got, mig.Version)
	}
	want := []string{"1.0.0", "1.2.0", "1.10.0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if m.Latest() != "1.10.0" {
		t.Errorf("latest = %s, want 1.10.0", m.Latest())
	}
}

func TestManager_RejectsBadVersions(t *testing.T) {
	db := newTestDB(t)
	store, err := NewSQLVersionStore(context.Background(), db, SQLite)
	if err != nil {
		t.Fatalf("version store: %v", err)
	}
	tests := []struct {
		name string
		migs []Migration
		want error
	}{
		{"garbage", []Migration{{Version: "one"}}, ErrInvalidVersion},
		{"base", []Migration{{Version: "0.0.0"}}, ErrInvalidVersion},
		{"prerelease", []Migration{{Version: "1.0.0-rc1"}}, ErrInvalidVersion},
		{"duplicate", []Migration{{Version: "1.0"}, {Version: "v1.0.0"}}, ErrDuplicateVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(db, store, nil, nil, tt.migs...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestManager_MigrateAppliesInOrder(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, testMigrations()...)
	ctx := context.Background()

	applied, err := m.Migrate(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("applied = %v, want 3 versions", applied)
	}
	if _, err := db.Exec(`INSERT INTO items (id, name, notes) VALUES (1, 'a', 'n')`); err != nil {
		t.Fatalf("insert with notes: %v", err)
	}
	cur, _ := m.Current(ctx)
	if cur != "1.10.0" {
		t.Errorf("current = %s, want 1.10.0", cur)
	}

	again, err := m.Migrate(ctx)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second migrate applied %v, want none", again)
	}
}

func TestManager_MigrateHaltsOnFailure(t *testing.T) {
	db := newTestDB(t)
	migs := append(testMigrations(), Migration{
		Version:     "1.11.0",
		Description: "broken",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return errors.New("boom")
		},
	}, Migration{
		Version: "1.12.0",
		UpSQL:   `CREATE TABLE never (id INTEGER)`,
	})
	m := newTestManager(t, db, migs...)
	ctx := context.Background()

	applied, err := m.Migrate(ctx)
	var merr *MigrationError
	if !errors.As(err, &merr) {
		t.Fatalf("err = %v, want *MigrationError", err)
	}
	if merr.Version != "1.11.0" || merr.Direction != Up {
		t.Errorf("error at %s %s, want 1.11.0 up", merr.Version, merr.Direction)
	}
	if len(applied) != 3 {
		t.Errorf("applied = %v, want the three steps before the failure", applied)
	}
	cur, _ := m.Current(ctx)
	if cur != "1.10.0" {
		t.Errorf("current = %s, want 1.10.0", cur)
	}
	if tableExists(t, db, "never") {
		t.Error("migration after the failure must not run")
	}
}

func TestManager_RollbackStepsDown(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, testMigrations()...)
	ctx := context.Background()
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reverted, err := m.Rollback(ctx, "1.0.0")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(reverted) != 2 || reverted[0] != "1.10.0" || reverted[1] != "1.2.0" {
		t.Fatalf("reverted = %v, want [1.10.0 1.2.0]", reverted)
	}
	cur, _ := m.Current(ctx)
	if cur != "1.0.0" {
		t.Errorf("current = %s, want 1.0.0", cur)
	}
	if tableExists(t, db, "tags") {
		t.Error("tags should be dropped")
	}
	if !tableExists(t, db, "items") {
		t.Error("items should remain")
	}
}

func TestManager_RollbackToUnregisteredVersion(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, testMigrations()...)
	ctx := context.Background()
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// 1.5.0 sits between 1.2.0 and 1.10.0; only 1.10.0 is reverted and the
	// marker lands on the registered version below it.
	if _, err := m.Rollback(ctx, "1.5.0"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	cur, _ := m.Current(ctx)
	if cur != "1.2.0" {
		t.Errorf("current = %s, want 1.2.0", cur)
	}
}

func TestManager_RollbackRejectsTargetAtOrAboveCurrent(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, testMigrations()...)
	ctx := context.Background()
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, target := range []string{"1.10.0", "2.0.0"} {
		if _, err := m.Rollback(ctx, target); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("rollback(%s) err = %v, want ErrInvalidTarget", target, err)
		}
	}
}

func TestManager_RollbackIrreversible(t *testing.T) {
	db := newTestDB(t)
	migs := append(testMigrations(), Migration{
		Version: "2.0.0",
		UpSQL:   `CREATE TABLE one_way (id INTEGER)`,
	})
	m := newTestManager(t, db, migs...)
	ctx := context.Background()
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reverted, err := m.Rollback(ctx, "1.0.0")
	if !errors.Is(err, ErrIrreversible) {
		t.Fatalf("err = %v, want ErrIrreversible", err)
	}
	if len(reverted) != 0 {
		t.Errorf("reverted = %v, want none", reverted)
	}
	cur, _ := m.Current(ctx)
	if cur != "2.0.0" {
		t.Errorf("current = %s, want 2.0.0", cur)
	}
}

func TestManager_RollbackThenMigrateRoundTrip(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, testMigrations()...)
	ctx := context.Background()
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := m.Rollback(ctx, "0.0.0"); err != nil {
		t.Fatalf("rollback to base: %v", err)
	}
	if tableExists(t, db, "items") {
		t.Fatal("items should be dropped at base")
	}
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	cur, _ := m.Current(ctx)
	if cur != "1.10.0" {
		t.Errorf("current = %s, want 1.10.0", cur)
	}
	if _, err := db.Exec(`INSERT INTO items (id, name, notes) VALUES (1, 'a', 'b')`); err != nil {
		t.Fatalf("schema not restored: %v", err)
	}

	st, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Pending) != 0 {
		t.Errorf("pending = %d, want 0", len(st.Pending))
	}
	// 3 up + 3 down + 3 up
	if len(st.History) != 9 {
		t.Errorf("history = %d entries, want 9", len(st.History))
	}
	if st.History[3].Direction != Down || st.History[3].Version != "1.10.0" {
		t.Errorf("history[3] = %+v, want 1.10.0 down", st.History[3])
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", BaseVersion},
		{"0", BaseVersion},
		{"1", "1.0.0"},
		{"1.2", "1.2.0"},
		{"v1.2.3", "1.2.3"},
	}
	for _, tt := range tests {
		got, err := Canonical(tt.in)
		if err != nil {
			t.Fatalf("Canonical(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDialectRebind(t *testing.T) {
	q := `UPDATE t SET a = ? WHERE id = ? AND b = ?`
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %s", got)
	}
	want := `UPDATE t SET a = $1 WHERE id = $2 AND b = $3`
	if got := Postgres.Rebind(q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
	if DialectFor("pgx") != Postgres || DialectFor("sqlite") != SQLite {
		t.Error("DialectFor mapping")
	}
}
