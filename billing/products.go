package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/membership/store"
)

func validateProduct(p *store.Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name", "is required")
	}
	if p.Price.IsNegative() {
		return invalid("price", "must not be negative")
	}
	if err := p.Period.Validate(); err != nil {
		return invalid("period", "%v", err)
	}
	if p.IsRecurring && p.Period.Lifetime() {
		return invalid("period", "a recurring product needs a period")
	}
	if p.TrialDays < 0 {
		return invalid("trial_days", "must not be negative")
	}
	if p.TrialAmount.IsNegative() {
		return invalid("trial_amount", "must not be negative")
	}
	for _, r := range p.Roles {
		if strings.TrimSpace(r) == "" {
			return invalid("roles", "must not contain blank names")
		}
	}
	return nil
}

// CreateProduct stores a new product.
func (e *Engine) CreateProduct(ctx context.Context, p *store.Product) (*store.Product, error) {
	if err := validateProduct(p); err != nil {
		return nil, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now()
	}
	if err := e.store.Products().Create(ctx, p); err != nil {
		return nil, persistErr("create product", err)
	}
	e.logger.Info("product created", "product", p.ID, "name", p.Name, "recurring", p.IsRecurring, "period", p.Period.String())
	return p, nil
}

// UpdateProduct replaces a product's terms. Existing subscriptions keep the
// terms they were created with.
func (e *Engine) UpdateProduct(ctx context.Context, p *store.Product) (*store.Product, error) {
	if p.ID == uuid.Nil {
		return nil, invalid("id", "is required")
	}
	if err := validateProduct(p); err != nil {
		return nil, err
	}
	if err := e.store.Products().Update(ctx, p); err != nil {
		return nil, persistErr("update product", err)
	}
	return e.GetProduct(ctx, p.ID)
}

// GetProduct returns one product.
func (e *Engine) GetProduct(ctx context.Context, id uuid.UUID) (*store.Product, error) {
	p, err := e.store.Products().Get(ctx, id)
	if err != nil {
		return nil, persistErr("get product", err)
	}
	return p, nil
}

// ListProducts returns products oldest first.
func (e *Engine) ListProducts(ctx context.Context, page store.Pagination) ([]*store.Product, error) {
	out, err := e.store.Products().List(ctx, page)
	if err != nil {
		return nil, persistErr("list products", err)
	}
	return out, nil
}

// DeleteProduct removes a product. Its metadata rows go with it only when
// the policy asks for the cascade.
func (e *Engine) DeleteProduct(ctx context.Context, id uuid.UUID) error {
	cascade := e.Policy().CascadeProductMeta
	err := e.store.WithTx(ctx, func(r store.Repos) error {
		return r.Products().Delete(ctx, id, cascade)
	})
	if err != nil {
		return persistErr("delete product", err)
	}
	e.logger.Info("product deleted", "product", id, "cascade_meta", cascade)
	return nil
}

// SetProductMeta stores one metadata value on a product.
func (e *Engine) SetProductMeta(ctx context.Context, productID uuid.UUID, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return invalid("meta_key", "is required")
	}
	err := e.store.WithTx(ctx, func(r store.Repos) error {
		if _, err := r.Products().Get(ctx, productID); err != nil {
			return err
		}
		return r.Products().SetMeta(ctx, productID, key, value)
	})
	if err != nil {
		return persistErr("set product meta", err)
	}
	return nil
}

// ProductMeta returns every metadata row of a product.
func (e *Engine) ProductMeta(ctx context.Context, productID uuid.UUID) ([]*store.ProductMeta, error) {
	out, err := e.store.Products().ListMeta(ctx, productID)
	if err != nil {
		return nil, persistErr("list product meta", err)
	}
	return out, nil
}

// DeleteProductMeta removes one metadata key. A missing key is not an error.
func (e *Engine) DeleteProductMeta(ctx context.Context, productID uuid.UUID, key string) error {
	err := e.store.Products().DeleteMeta(ctx, productID, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return persistErr("delete product meta", err)
	}
	return nil
}
