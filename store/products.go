package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/membership/migration"
)

// SQLProductStore implements ProductStore over database/sql.
type SQLProductStore struct {
	q       querier
	dialect migration.Dialect
}

const productColumns = `id, name, price, is_recurring, period, period_type, trial_days, trial_amount, roles, created_at`

func (s *SQLProductStore) Create(ctx context.Context, p *Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = ts(p.CreatedAt)
	roles, err := json.Marshal(nonNilRoles(p.Roles))
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	_, err = s.q.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO products (`+productColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.Name, p.Price, p.IsRecurring, p.Period.Count, string(p.Period.Unit),
		p.TrialDays, p.TrialAmount, string(roles), p.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: product %s", ErrDuplicate, p.ID)
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *SQLProductStore) Get(ctx context.Context, id uuid.UUID) (*Product, error) {
	row := s.q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+productColumns+` FROM products WHERE id = ?`), id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLProductStore) Update(ctx context.Context, p *Product) error {
	roles, err := json.Marshal(nonNilRoles(p.Roles))
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	res, err := s.q.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE products SET name=?, price=?, is_recurring=?, period=?, period_type=?,
			trial_days=?, trial_amount=?, roles=?
		WHERE id=?`),
		p.Name, p.Price, p.IsRecurring, p.Period.Count, string(p.Period.Unit),
		p.TrialDays, p.TrialAmount, string(roles), p.ID)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLProductStore) Delete(ctx context.Context, id uuid.UUID, cascadeMeta bool) error {
	res, err := s.q.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM products WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if cascadeMeta {
		if _, err := s.q.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM products_meta WHERE product_id = ?`), id); err != nil {
			return fmt.Errorf("delete product meta: %w", err)
		}
	}
	return nil
}

func (s *SQLProductStore) List(ctx context.Context, p Pagination) ([]*Product, error) {
	limit, args := limitOffset(p)
	rows, err := s.q.QueryContext(ctx,
		s.dialect.Rebind(`SELECT `+productColumns+` FROM products ORDER BY created_at, id`+limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		prod, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prod)
	}
	return out, rows.Err()
}

// SetMeta inserts or replaces one metadata key.
func (s *SQLProductStore) SetMeta(ctx context.Context, productID uuid.UUID, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: meta key is required", ErrInvalidFilter)
	}
	res, err := s.q.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE products_meta SET meta_value = ? WHERE product_id = ? AND meta_key = ?`),
		value, productID, key)
	if err != nil {
		return fmt.Errorf("update product meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.q.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO products_meta (id, product_id, meta_key, meta_value) VALUES (?,?,?,?)`),
		uuid.New(), productID, key, value)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: product meta %s/%s", ErrDuplicate, productID, key)
		}
		return fmt.Errorf("insert product meta: %w", err)
	}
	return nil
}

func (s *SQLProductStore) GetMeta(ctx context.Context, productID uuid.UUID, key string) (string, error) {
	var v string
	err := s.q.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT meta_value FROM products_meta WHERE product_id = ? AND meta_key = ?`),
		productID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get product meta: %w", err)
	}
	return v, nil
}

func (s *SQLProductStore) ListMeta(ctx context.Context, productID uuid.UUID) ([]*ProductMeta, error) {
	rows, err := s.q.QueryContext(ctx, s.dialect.Rebind(
		`SELECT id, product_id, meta_key, meta_value FROM products_meta WHERE product_id = ? ORDER BY meta_key`),
		productID)
	if err != nil {
		return nil, fmt.Errorf("list product meta: %w", err)
	}
	defer rows.Close()

	var out []*ProductMeta
	for rows.Next() {
		var m ProductMeta
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Key, &m.Value); err != nil {
			return nil, fmt.Errorf("scan product meta: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLProductStore) DeleteMeta(ctx context.Context, productID uuid.UUID, key string) error {
	res, err := s.q.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM products_meta WHERE product_id = ? AND meta_key = ?`), productID, key)
	if err != nil {
		return fmt.Errorf("delete product meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(sc rowScanner) (*Product, error) {
	var (
		p     Product
		unit  string
		roles string
	)
	err := sc.Scan(&p.ID, &p.Name, &p.Price, &p.IsRecurring, &p.Period.Count, &unit,
		&p.TrialDays, &p.TrialAmount, &roles, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	p.Period.Unit = PeriodUnit(unit)
	p.CreatedAt = p.CreatedAt.UTC()
	if roles != "" {
		if err := json.Unmarshal([]byte(roles), &p.Roles); err != nil {
			return nil, fmt.Errorf("decode roles for product %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func nonNilRoles(r []string) []string {
	if r == nil {
		return []string{}
	}
	return r
}
