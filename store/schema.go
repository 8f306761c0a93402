package store

import (
	"context"
	"log/slog"

	"github.com/GoCodeAlone/membership/migration"
)

// Migrations returns the billing schema history, oldest first. The DDL
// sticks to types both SQLite and PostgreSQL accept.
func Migrations() []migration.Migration {
	return []migration.Migration{
		{
			Version:     "1.0.0",
			Description: "products and product metadata",
			UpSQL: `
				CREATE TABLE products (
					id           TEXT PRIMARY KEY,
					name         TEXT NOT NULL,
					price        NUMERIC(19,4) NOT NULL DEFAULT 0,
					is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
					period       INTEGER NOT NULL DEFAULT 0,
					period_type  TEXT NOT NULL DEFAULT '',
					trial_days   INTEGER NOT NULL DEFAULT 0,
					trial_amount NUMERIC(19,4) NOT NULL DEFAULT 0,
					roles        TEXT NOT NULL DEFAULT '[]',
					created_at   TIMESTAMP NOT NULL
				);
				CREATE TABLE products_meta (
					id         TEXT PRIMARY KEY,
					product_id TEXT NOT NULL,
					meta_key   TEXT NOT NULL,
					meta_value TEXT NOT NULL DEFAULT ''
				);
				CREATE UNIQUE INDEX idx_products_meta_key ON products_meta(product_id, meta_key)`,
			DownSQL: `
				DROP INDEX idx_products_meta_key;
				DROP TABLE products_meta;
				DROP TABLE products`,
		},
		{
			Version:     "1.1.0",
			Description: "subscriptions",
			UpSQL: `
				CREATE TABLE subscriptions (
					id                      TEXT PRIMARY KEY,
					user_id                 BIGINT NOT NULL,
					product_id              TEXT NOT NULL,
					status                  TEXT NOT NULL,
					gateway                 TEXT NOT NULL,
					price                   NUMERIC(19,4) NOT NULL DEFAULT 0,
					tax_amount              NUMERIC(19,4) NOT NULL DEFAULT 0,
					period                  INTEGER NOT NULL DEFAULT 0,
					period_type             TEXT NOT NULL DEFAULT '',
					trial_days              INTEGER NOT NULL DEFAULT 0,
					trial_amount            NUMERIC(19,4) NOT NULL DEFAULT 0,
					created_at              TIMESTAMP NOT NULL,
					expires_at              TIMESTAMP,
					gateway_subscription_id TEXT,
					gateway_customer_id     TEXT,
					renewal_count           INTEGER NOT NULL DEFAULT 0,
					last_payment_at         TIMESTAMP,
					next_payment_at         TIMESTAMP,
					cancelled_at            TIMESTAMP
				);
				CREATE INDEX idx_subscriptions_user ON subscriptions(user_id);
				CREATE INDEX idx_subscriptions_status_next ON subscriptions(status, next_payment_at)`,
			DownSQL: `
				DROP INDEX idx_subscriptions_status_next;
				DROP INDEX idx_subscriptions_user;
				DROP TABLE subscriptions`,
		},
		{
			Version:     "1.2.0",
			Description: "transactions",
			UpSQL: `
				CREATE TABLE transactions (
					id               TEXT PRIMARY KEY,
					user_id          BIGINT NOT NULL,
					subscription_id  TEXT,
					product_id       TEXT NOT NULL,
					status           TEXT NOT NULL,
					gateway          TEXT NOT NULL,
					amount           NUMERIC(19,4) NOT NULL DEFAULT 0,
					tax_rate         NUMERIC(9,4) NOT NULL DEFAULT 0,
					tax_amount       NUMERIC(19,4) NOT NULL DEFAULT 0,
					total            NUMERIC(19,4) NOT NULL DEFAULT 0,
					trans_num        TEXT NOT NULL,
					gateway_trans_id TEXT,
					created_at       TIMESTAMP NOT NULL,
					completed_at     TIMESTAMP,
					failed_at        TIMESTAMP,
					refunded_at      TIMESTAMP,
					data             TEXT
				);
				CREATE UNIQUE INDEX idx_transactions_trans_num ON transactions(trans_num);
				CREATE INDEX idx_transactions_user ON transactions(user_id);
				CREATE INDEX idx_transactions_subscription ON transactions(subscription_id)`,
			DownSQL: `
				DROP INDEX idx_transactions_subscription;
				DROP INDEX idx_transactions_user;
				DROP INDEX idx_transactions_trans_num;
				DROP TABLE transactions`,
		},
		{
			Version:     "1.3.0",
			Description: "renewal idempotency, subscription tax rate, listing indexes",
			UpSQL: `
				ALTER TABLE transactions ADD COLUMN billing_cycle INTEGER NOT NULL DEFAULT 0;
				ALTER TABLE transactions ADD COLUMN idempotency_key TEXT;
				CREATE UNIQUE INDEX idx_transactions_idempotency ON transactions(idempotency_key);
				CREATE INDEX idx_transactions_gateway_trans ON transactions(gateway, gateway_trans_id);
				CREATE INDEX idx_transactions_status_created ON transactions(status, created_at);
				CREATE INDEX idx_transactions_product ON transactions(product_id);
				CREATE INDEX idx_transactions_completed ON transactions(completed_at);
				CREATE INDEX idx_transactions_total ON transactions(total);
				CREATE INDEX idx_transactions_created ON transactions(created_at);
				ALTER TABLE subscriptions ADD COLUMN tax_rate NUMERIC(9,4) NOT NULL DEFAULT 0;
				CREATE INDEX idx_subscriptions_product ON subscriptions(product_id);
				CREATE INDEX idx_subscriptions_expires ON subscriptions(status, expires_at);
				CREATE INDEX idx_subscriptions_gateway_sub ON subscriptions(gateway, gateway_subscription_id)`,
			DownSQL: `
				DROP INDEX idx_subscriptions_gateway_sub;
				DROP INDEX idx_subscriptions_expires;
				DROP INDEX idx_subscriptions_product;
				ALTER TABLE subscriptions DROP COLUMN tax_rate;
				DROP INDEX idx_transactions_created;
				DROP INDEX idx_transactions_total;
				DROP INDEX idx_transactions_completed;
				DROP INDEX idx_transactions_product;
				DROP INDEX idx_transactions_status_created;
				DROP INDEX idx_transactions_gateway_trans;
				DROP INDEX idx_transactions_idempotency;
				ALTER TABLE transactions DROP COLUMN idempotency_key;
				ALTER TABLE transactions DROP COLUMN billing_cycle`,
		},
		{
			Version:     "1.4.0",
			Description: "stored payment method for off-session renewals",
			UpSQL:       `ALTER TABLE subscriptions ADD COLUMN gateway_payment_method TEXT`,
			DownSQL:     `ALTER TABLE subscriptions DROP COLUMN gateway_payment_method`,
		},
		{
			Version:     "1.5.0",
			Description: "role revocation flag and persisted user roles",
			UpSQL: `
				ALTER TABLE subscriptions ADD COLUMN roles_revoked BOOLEAN NOT NULL DEFAULT FALSE;
				CREATE TABLE user_roles (
					user_id    BIGINT NOT NULL,
					role       TEXT NOT NULL,
					grants     INTEGER NOT NULL DEFAULT 1,
					granted_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, role)
				)`,
			DownSQL: `
				DROP TABLE user_roles;
				ALTER TABLE subscriptions DROP COLUMN roles_revoked`,
		},
	}
}

// NewMigrator builds a migration manager for the billing schema on d.
func NewMigrator(ctx context.Context, d *DB, logger *slog.Logger) (*migration.Manager, error) {
	vs, err := migration.NewSQLVersionStore(ctx, d.SQL(), d.Dialect())
	if err != nil {
		return nil, err
	}
	return migration.NewManager(d.SQL(), vs, migration.NewLock(d.SQL(), d.Dialect()), logger, Migrations()...)
}
