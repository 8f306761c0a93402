package migration

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const lockKey = "schema_migrations"

// Status summarises where the database stands against the registered set.
type Status struct {
	Current string
	Latest  string
	Pending []Migration
	History []LogEntry
}

// Manager applies and rolls back an ordered set of migrations. It is built
// explicitly and handed to callers; there is no package-level registry.
type Manager struct {
	db         *sql.DB
	store      VersionStore
	locker     DistributedLock
	logger     *slog.Logger
	migrations []Migration
	now        func() time.Time
}

// NewManager validates and sorts migrations ascending by version.
func NewManager(db *sql.DB, store VersionStore, locker DistributedLock, logger *slog.Logger, migrations ...Migration) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = NewLocalLock()
	}

	sorted := make([]Migration, 0, len(migrations))
	seen := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		v, err := Canonical(m.Version)
		if err != nil {
			return nil, err
		}
		if v == BaseVersion {
			return nil, fmt.Errorf("%w: %s is reserved", ErrInvalidVersion, BaseVersion)
		}
		if seen[v] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVersion, v)
		}
		seen[v] = true
		m.Version = v
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return Compare(sorted[i].Version, sorted[j].Version) < 0
	})

	return &Manager{
		db:         db,
		store:      store,
		locker:     locker,
		logger:     logger,
		migrations: sorted,
		now:        time.Now,
	}, nil
}

// Migrations returns the registered migrations in ascending order.
func (m *Manager) Migrations() []Migration {
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	return out
}

// Latest returns the highest registered version.
func (m *Manager) Latest() string {
	if len(m.migrations) == 0 {
		return BaseVersion
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Current returns the persisted version marker.
func (m *Manager) Current(ctx context.Context) (string, error) {
	return m.store.Current(ctx)
}

// Pending lists migrations newer than the marker, ascending.
func (m *Manager) Pending(ctx context.Context) ([]Migration, error) {
	current, err := m.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	return m.after(current), nil
}

// Status reports marker, latest version, pending steps and history.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	current, err := m.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	history, err := m.store.History(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Current: current,
		Latest:  m.Latest(),
		Pending: m.after(current),
		History: history,
	}, nil
}

func (m *Manager) after(current string) []Migration {
	var out []Migration
	for _, mig := range m.migrations {
		if Compare(mig.Version, current) > 0 {
			out = append(out, mig)
		}
	}
	return out
}

// Migrate applies every migration newer than the marker in ascending order.
// Each step commits on its own together with the marker update. The first
// failing step halts the run with a *MigrationError; earlier steps stay.
// It returns the versions applied by this call.
func (m *Manager) Migrate(ctx context.Context) ([]string, error) {
	release, err := m.locker.Acquire(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer release()

	current, err := m.store.Current(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, mig := range m.after(current) {
		m.logger.Info("applying migration", "version", mig.Version, "description", mig.Description)
		if err := m.step(ctx, mig, Up, mig.Version); err != nil {
			m.logger.Error("migration failed", "version", mig.Version, "direction", Up, "error", err)
			return applied, err
		}
		applied = append(applied, mig.Version)
	}
	if len(applied) == 0 {
		m.logger.Info("schema up to date", "version", current)
	}
	return applied, nil
}

// Rollback runs down steps for every migration above target and at or below
// the marker, newest first. After each step the marker moves to the next
// lower registered version rather than straight to target. Targets at or
// above the marker are rejected with ErrInvalidTarget.
func (m *Manager) Rollback(ctx context.Context, target string) ([]string, error) {
	target, err := Canonical(target)
	if err != nil {
		return nil, err
	}

	release, err := m.locker.Acquire(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer release()

	current, err := m.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if Compare(target, current) >= 0 {
		return nil, fmt.Errorf("%w: target %s is not below current %s", ErrInvalidTarget, target, current)
	}

	var reverted []string
	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if Compare(mig.Version, current) > 0 || Compare(mig.Version, target) <= 0 {
			continue
		}
		next := BaseVersion
		if i > 0 {
			next = m.migrations[i-1].Version
		}
		m.logger.Info("rolling back migration", "version", mig.Version, "to", next)
		if err := m.step(ctx, mig, Down, next); err != nil {
			m.logger.Error("migration failed", "version", mig.Version, "direction", Down, "error", err)
			return reverted, err
		}
		reverted = append(reverted, mig.Version)
	}
	return reverted, nil
}

// step runs one direction of mig in its own transaction and moves the marker
// to marker on success.
func (m *Manager) step(ctx context.Context, mig Migration, dir Direction, marker string) error {
	fail := func(err error) error {
		return &MigrationError{Version: mig.Version, Direction: dir, Description: mig.Description, Err: err}
	}
	if dir == Down && !mig.Reversible() {
		return fail(ErrIrreversible)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("begin tx: %w", err))
	}
	if err := mig.run(ctx, tx, dir); err != nil {
		_ = tx.Rollback()
		return fail(err)
	}
	entry := LogEntry{
		Version:     mig.Version,
		Direction:   dir,
		Description: mig.Description,
		Checksum:    mig.checksum(dir),
		AppliedAt:   m.now(),
	}
	if err := m.store.Set(ctx, tx, marker, entry); err != nil {
		_ = tx.Rollback()
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}
	return nil
}
