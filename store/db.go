package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/membership/migration"
)

// Config holds database connection configuration.
type Config struct {
	// Driver is "sqlite" or "pgx".
	Driver          string        `yaml:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// querier is the subset of *sql.DB and *sql.Tx the record stores need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a *sql.DB and provides access to all record stores. It
// implements UnitOfWork.
type DB struct {
	db      *sql.DB
	dialect migration.Dialect
	repos
}

// Open connects using cfg and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	dialect := migration.DialectFor(driver)
	dsn := cfg.DSN
	if dialect == migration.Postgres {
		driver = "pgx"
	} else {
		driver = "sqlite"
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == migration.SQLite {
		// One connection keeps :memory: databases shared and writes serial.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, dialect), nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = ":memory:"
	}
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

// New wraps an existing connection pool.
func New(db *sql.DB, dialect migration.Dialect) *DB {
	return &DB{
		db:      db,
		dialect: dialect,
		repos:   repos{q: db, dialect: dialect},
	}
}

// SQL returns the underlying *sql.DB.
func (d *DB) SQL() *sql.DB { return d.db }

// Dialect returns the SQL dialect in use.
func (d *DB) Dialect() migration.Dialect { return d.dialect }

// Close closes the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// WithTx runs fn with stores bound to a single database transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(r Repos) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(repos{q: tx, dialect: d.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// repos binds the record stores to one querier.
type repos struct {
	q       querier
	dialect migration.Dialect
}

func (r repos) Products() ProductStore {
	return &SQLProductStore{q: r.q, dialect: r.dialect}
}

func (r repos) Subscriptions() SubscriptionStore {
	return &SQLSubscriptionStore{q: r.q, dialect: r.dialect}
}

func (r repos) Transactions() TransactionStore {
	return &SQLTransactionStore{q: r.q, dialect: r.dialect}
}

// --- helpers shared by the SQL stores ---

// ts normalises times to UTC seconds so stored values compare as text in
// SQLite and match what is read back.
func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Second) }

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// whereBuilder collects AND-ed conditions using '?' placeholders.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, arg)
}

func (w *whereBuilder) addRaw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// orderBy validates s against the indexed columns of a table.
func orderBy(s Sort, allowed map[string]bool, def string) (string, error) {
	col := s.Column
	if col == "" {
		col = def
	}
	if !allowed[col] {
		return "", fmt.Errorf("%w: cannot sort by %q", ErrInvalidFilter, col)
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	// id breaks ties so pages are stable.
	return fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir), nil
}

func limitOffset(p Pagination) (string, []any) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPagination().Limit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	return " LIMIT ? OFFSET ?", []any{limit, offset}
}
