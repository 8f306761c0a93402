package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pagination holds common pagination parameters.
type Pagination struct {
	Offset int
	Limit  int
}

// DefaultPagination returns a Pagination with sensible defaults.
func DefaultPagination() Pagination {
	return Pagination{Offset: 0, Limit: 50}
}

// Sort names a column and direction. Columns outside the store's indexed
// set are rejected.
type Sort struct {
	Column string
	Desc   bool
}

// --- Product ---

// ProductStore defines persistence operations for products and their
// metadata rows.
type ProductStore interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id uuid.UUID) (*Product, error)
	Update(ctx context.Context, p *Product) error
	// Delete removes the product. Metadata rows are removed only when
	// cascadeMeta is set.
	Delete(ctx context.Context, id uuid.UUID, cascadeMeta bool) error
	List(ctx context.Context, p Pagination) ([]*Product, error)

	SetMeta(ctx context.Context, productID uuid.UUID, key, value string) error
	GetMeta(ctx context.Context, productID uuid.UUID, key string) (string, error)
	ListMeta(ctx context.Context, productID uuid.UUID) ([]*ProductMeta, error)
	DeleteMeta(ctx context.Context, productID uuid.UUID, key string) error
}

// --- Subscription ---

// SubscriptionFilter specifies criteria for listing subscriptions.
type SubscriptionFilter struct {
	UserID    *int64
	ProductID *uuid.UUID
	Status    SubscriptionStatus
	Gateway   string
	// GatewaySubscriptionID matches the processor-side agreement id.
	GatewaySubscriptionID string
	// DueBy matches next_payment_at <= DueBy.
	DueBy *time.Time
	// ExpiredBy matches expires_at <= ExpiredBy.
	ExpiredBy *time.Time
	// Recurring restricts to rows with (true) or without (false) a
	// next_payment_at.
	Recurring  *bool
	Sort       Sort
	Pagination Pagination
}

// SubscriptionStore defines persistence operations for subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// UpdateIfStatus writes s only while the stored status is still
	// expected and the stored renewal_count is still renewals. It returns
	// ErrConflict when the row moved on and ErrNotFound when it does not
	// exist.
	UpdateIfStatus(ctx context.Context, s *Subscription, expected SubscriptionStatus, renewals int) error
	List(ctx context.Context, f SubscriptionFilter) ([]*Subscription, error)
	Count(ctx context.Context, f SubscriptionFilter) (int, error)
}

// --- Transaction ---

// TransactionFilter specifies criteria for listing transactions.
type TransactionFilter struct {
	UserID         *int64
	ProductID      *uuid.UUID
	SubscriptionID *uuid.UUID
	Status         TransactionStatus
	Gateway        string
	CreatedFrom    *time.Time
	CreatedTo      *time.Time
	Sort           Sort
	Pagination     Pagination
}

// TransactionStore defines persistence operations for transactions.
// Amount, tax and total are fixed at Create.
type TransactionStore interface {
	// Create returns ErrDuplicate when the idempotency key is taken.
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	GetByGatewayTransID(ctx context.Context, gateway, gatewayTransID string) (*Transaction, error)
	// UpdateIfStatus writes status, gateway id, timestamps and data while the
	// stored status is still expected. ErrConflict otherwise.
	UpdateIfStatus(ctx context.Context, t *Transaction, expected TransactionStatus) error
	List(ctx context.Context, f TransactionFilter) ([]*Transaction, error)
	Count(ctx context.Context, f TransactionFilter) (int, error)
}

// Repos groups the record stores bound to one connection or transaction.
type Repos interface {
	Products() ProductStore
	Subscriptions() SubscriptionStore
	Transactions() TransactionStore
}

// UnitOfWork runs a function against stores sharing one database
// transaction. fn's error rolls everything back.
type UnitOfWork interface {
	Repos
	WithTx(ctx context.Context, fn func(r Repos) error) error
}
