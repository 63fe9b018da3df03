package database

import (
	"context"
	"fmt"
)

// schema создаёт таблицы сервиса. Все выражения идемпотентны.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id         UUID PRIMARY KEY,
		name       TEXT NOT NULL,
		plan_tier  TEXT NOT NULL DEFAULT 'basic',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS businesses (
		id         UUID PRIMARY KEY,
		name       TEXT NOT NULL,
		agent_id   UUID REFERENCES agents(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS coupons (
		id              UUID PRIMARY KEY,
		business_id     UUID NOT NULL REFERENCES businesses(id),
		code            TEXT NOT NULL UNIQUE,
		title           TEXT NOT NULL DEFAULT '',
		discount_type   TEXT NOT NULL CHECK (discount_type IN ('percentage', 'fixed_gift')),
		discount_value  NUMERIC(12,2) NOT NULL DEFAULT 0,
		valid_from      TIMESTAMPTZ,
		valid_until     TIMESTAMPTZ,
		max_uses        INTEGER CHECK (max_uses IS NULL OR max_uses > 0),
		use_count       INTEGER NOT NULL DEFAULT 0 CHECK (use_count >= 0),
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		sharing_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT coupons_use_count_bounded CHECK (max_uses IS NULL OR use_count <= max_uses)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_coupons_business ON coupons (business_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS share_links (
		id          UUID PRIMARY KEY,
		coupon_id   UUID NOT NULL REFERENCES coupons(id),
		agent_id    UUID REFERENCES agents(id),
		shared_by   UUID NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ,
		consumed_by UUID
	)`,
	`CREATE TABLE IF NOT EXISTS redemption_attempts (
		id                UUID PRIMARY KEY,
		coupon_id         UUID REFERENCES coupons(id),
		coupon_code       TEXT NOT NULL,
		business_id       UUID,
		redeemer_id       UUID NOT NULL,
		share_link_id     UUID,
		idempotency_token TEXT,
		outcome           TEXT NOT NULL CHECK (outcome IN ('committed', 'rejected')),
		rejection_reason  TEXT,
		order_amount      NUMERIC(12,2),
		discount_amount   NUMERIC(12,2) NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_redemption_token ON redemption_attempts (redeemer_id, idempotency_token) WHERE idempotency_token IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_redemption_share_link ON redemption_attempts (share_link_id) WHERE share_link_id IS NOT NULL AND outcome = 'committed'`,
	`CREATE INDEX IF NOT EXISTS idx_redemption_coupon ON redemption_attempts (coupon_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_redemption_business ON redemption_attempts (business_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS commission_entries (
		id            UUID PRIMARY KEY,
		agent_id      UUID NOT NULL REFERENCES agents(id),
		redemption_id UUID NOT NULL REFERENCES redemption_attempts(id),
		kind          TEXT NOT NULL CHECK (kind IN ('direct_sale', 'viral_share')),
		amount        NUMERIC(12,2) NOT NULL CHECK (amount >= 0),
		created_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (redemption_id, kind)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commission_agent ON commission_entries (agent_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id           UUID PRIMARY KEY,
		topic        TEXT NOT NULL,
		event_key    TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON event_outbox (created_at) WHERE published_at IS NULL`,
}

// Migrate применяет схему базы данных
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
