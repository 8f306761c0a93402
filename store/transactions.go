package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/membership/migration"
)

// SQLTransactionStore implements TransactionStore over database/sql.
type SQLTransactionStore struct {
	q       querier
	dialect migration.Dialect
}

const transactionColumns = `id, user_id, subscription_id, product_id, status, gateway,
	amount, tax_rate, tax_amount, total, trans_num, gateway_trans_id,
	billing_cycle, idempotency_key, created_at, completed_at, failed_at, refunded_at, data`

// transactionSortColumns lists the indexed columns a listing may sort by.
var transactionSortColumns = map[string]bool{
	"created_at":      true,
	"completed_at":    true,
	"status":          true,
	"gateway":         true,
	"user_id":         true,
	"product_id":      true,
	"subscription_id": true,
	"trans_num":       true,
	"total":           true,
}

func (s *SQLTransactionStore) Create(ctx context.Context, t *Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = ts(t.CreatedAt)
	_, err := s.q.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.UserID, uuidPtr(t.SubscriptionID), t.ProductID, string(t.Status), t.Gateway,
		t.Amount, t.TaxRate, t.TaxAmount, t.Total, t.TransNum, nullString(t.GatewayTransID),
		t.BillingCycle, nullString(t.IdempotencyKey), t.CreatedAt,
		tsPtr(t.CompletedAt), tsPtr(t.FailedAt), tsPtr(t.RefundedAt), nullBytes(t.Data))
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: transaction %s (key %q)", ErrDuplicate, t.TransNum, t.IdempotencyKey)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *SQLTransactionStore) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return s.getOne(ctx, `id = ?`, id)
}

func (s *SQLTransactionStore) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return s.getOne(ctx, `idempotency_key = ?`, key)
}

func (s *SQLTransactionStore) GetByGatewayTransID(ctx context.Context, gateway, gatewayTransID string) (*Transaction, error) {
	return s.getOne(ctx, `gateway = ? AND gateway_trans_id = ?`, gateway, gatewayTransID)
}

func (s *SQLTransactionStore) getOne(ctx context.Context, cond string, args ...any) (*Transaction, error) {
	row := s.q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+transactionColumns+` FROM transactions WHERE `+cond), args...)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// UpdateIfStatus never touches amount, tax or total.
func (s *SQLTransactionStore) UpdateIfStatus(ctx context.Context, t *Transaction, expected TransactionStatus) error {
	res, err := s.q.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE transactions SET status=?, gateway_trans_id=?, completed_at=?, failed_at=?, refunded_at=?, data=?
		WHERE id=? AND status=?`),
		string(t.Status), nullString(t.GatewayTransID), tsPtr(t.CompletedAt), tsPtr(t.FailedAt),
		tsPtr(t.RefundedAt), nullBytes(t.Data), t.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, t.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: transaction %s is no longer %s", ErrConflict, t.ID, expected)
}

func (s *SQLTransactionStore) List(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	w := transactionWhere(f)
	order, err := orderBy(f.Sort, transactionSortColumns, "created_at")
	if err != nil {
		return nil, err
	}
	limit, largs := limitOffset(f.Pagination)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.String() + order + limit

	rows, err := s.q.QueryContext(ctx, s.dialect.Rebind(query), append(w.args, largs...)...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLTransactionStore) Count(ctx context.Context, f TransactionFilter) (int, error) {
	w := transactionWhere(f)
	var n int
	err := s.q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM transactions`+w.String()), w.args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

func transactionWhere(f TransactionFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.UserID != nil {
		w.add("user_id = ?", *f.UserID)
	}
	if f.ProductID != nil {
		w.add("product_id = ?", *f.ProductID)
	}
	if f.SubscriptionID != nil {
		w.add("subscription_id = ?", *f.SubscriptionID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Gateway != "" {
		w.add("gateway = ?", f.Gateway)
	}
	if f.CreatedFrom != nil {
		w.add("created_at >= ?", ts(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		w.add("created_at < ?", ts(*f.CreatedTo))
	}
	return w
}

func scanTransaction(sc rowScanner) (*Transaction, error) {
	var (
		t                  Transaction
		subID              uuid.NullUUID
		status             string
		gwTransID, idemKey sql.NullString
		completed, failed  sql.NullTime
		refunded           sql.NullTime
		data               []byte
	)
	err := sc.Scan(&t.ID, &t.UserID, &subID, &t.ProductID, &status, &t.Gateway,
		&t.Amount, &t.TaxRate, &t.TaxAmount, &t.Total, &t.TransNum, &gwTransID,
		&t.BillingCycle, &idemKey, &t.CreatedAt, &completed, &failed, &refunded, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	if subID.Valid {
		id := subID.UUID
		t.SubscriptionID = &id
	}
	t.Status = TransactionStatus(status)
	t.GatewayTransID = gwTransID.String
	t.IdempotencyKey = idemKey.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.CompletedAt = timePtr(completed)
	t.FailedAt = timePtr(failed)
	t.RefundedAt = timePtr(refunded)
	if len(data) > 0 {
		t.Data = data
	}
	return &t, nil
}

func uuidPtr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
