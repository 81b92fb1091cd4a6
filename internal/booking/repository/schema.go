package repository

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		role TEXT NOT NULL,
		balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
		blocked_until TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS spots (
		id UUID PRIMARY KEY,
		garage_id UUID NOT NULL,
		label TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS spots_garage_idx ON spots (garage_id)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id UUID PRIMARY KEY,
		driver_id UUID NOT NULL REFERENCES accounts (id),
		garage_id UUID NOT NULL,
		spot_id UUID NOT NULL REFERENCES spots (id),
		status TEXT NOT NULL,
		estimated_arrival_time TIMESTAMPTZ NOT NULL,
		reservation_expiry_time TIMESTAMPTZ NOT NULL,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		estimated_cost_cents BIGINT NOT NULL CHECK (estimated_cost_cents >= 0),
		actual_cost_cents BIGINT CHECK (actual_cost_cents >= 0),
		confirmed_late_at TIMESTAMPTZ,
		late_alert_sent BOOLEAN NOT NULL DEFAULT false,
		reminder_sent BOOLEAN NOT NULL DEFAULT false,
		waiting_ms BIGINT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		CHECK (reservation_expiry_time >= estimated_arrival_time)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bookings_active_driver_uq ON bookings (driver_id)
		WHERE status IN ('pending', 'awaiting_response', 'confirmed_late', 'confirmed')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bookings_active_spot_uq ON bookings (spot_id)
		WHERE status IN ('pending', 'awaiting_response', 'confirmed_late', 'confirmed')`,
	`CREATE INDEX IF NOT EXISTS bookings_garage_created_idx ON bookings (garage_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		from_account UUID REFERENCES accounts (id),
		to_account UUID REFERENCES accounts (id),
		amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notification_outbox (
		id BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		published BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the tables the Postgres store relies on.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
