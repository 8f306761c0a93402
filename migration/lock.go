package migration

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// DistributedLock serialises migrate and rollback runs across processes.
type DistributedLock interface {
	// Acquire blocks until the lock for key is held. release must be called
	// exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// NewLock picks the lock that matches the database dialect.
func NewLock(db *sql.DB, dialect Dialect) DistributedLock {
	if dialect == Postgres {
		return NewPostgresLock(db)
	}
	return NewLocalLock()
}

// PostgresLock uses session-level advisory locks. Lock and unlock must run on
// the same session, so the lock pins one pooled connection until release.
type PostgresLock struct {
	db *sql.DB
}

// NewPostgresLock creates a new PostgresLock.
func NewPostgresLock(db *sql.DB) *PostgresLock {
	return &PostgresLock{db: db}
}

// Acquire takes pg_advisory_lock on a hash of key.
func (l *PostgresLock) Acquire(ctx context.Context, key string) (func(), error) {
	lockID := hashLockKey(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve connection for lock %q: %w", key, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", lockID, err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
			_ = conn.Close()
		})
	}
	return release, nil
}

// LocalLock is a per-key in-process lock for SQLite, which has no advisory
// locks; the database file lock covers other processes.
type LocalLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLock creates a new LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{slots: make(map[string]chan struct{})}
}

// Acquire waits for key or for ctx to end.
func (l *LocalLock) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock %q: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

// hashLockKey maps key to a non-negative int64 with FNV-1a for pg_advisory_lock.
func hashLockKey(key string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return int64(h & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // truncation is intended
}
