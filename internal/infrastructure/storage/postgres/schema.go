package postgres

import (
	"context"
	"fmt"
)

// schema is applied by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS seq_sequences (
		id                uuid PRIMARY KEY,
		name              text NOT NULL,
		description       text NOT NULL DEFAULT '',
		current_value     bigint NOT NULL,
		increment_by      bigint NOT NULL CHECK (increment_by >= 1),
		initial_value     bigint NOT NULL,
		min_value         bigint NOT NULL,
		max_value         bigint NOT NULL,
		prefix            text NOT NULL DEFAULT '',
		suffix            text NOT NULL DEFAULT '',
		pad_length        integer NOT NULL DEFAULT 0,
		pad_char          text NOT NULL DEFAULT '0',
		pattern           text NOT NULL DEFAULT '',
		format_rules      jsonb NOT NULL DEFAULT '[]',
		segmented         boolean NOT NULL DEFAULT false,
		key_kind          text NOT NULL DEFAULT '',
		key_field         text NOT NULL DEFAULT '',
		active            boolean NOT NULL DEFAULT true,
		version           bigint NOT NULL DEFAULT 1,
		created_at        timestamptz NOT NULL,
		updated_at        timestamptz NOT NULL,
		lease_held        boolean NOT NULL DEFAULT false,
		lease_holder      text,
		lease_acquired_at timestamptz,
		lease_expires_at  timestamptz
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS seq_sequences_name_uq ON seq_sequences (lower(name))`,

	`CREATE TABLE IF NOT EXISTS seq_segment_counters (
		sequence_id  uuid NOT NULL REFERENCES seq_sequences (id),
		segment_key  text NOT NULL,
		value        bigint NOT NULL,
		last_used_at timestamptz NOT NULL,
		PRIMARY KEY (sequence_id, segment_key)
	)`,

	`CREATE TABLE IF NOT EXISTS seq_assignments (
		sequence_id   uuid NOT NULL REFERENCES seq_sequences (id),
		entity_type   text NOT NULL,
		entity_id     text NOT NULL,
		perm_reserve  boolean NOT NULL DEFAULT false,
		perm_use      boolean NOT NULL DEFAULT false,
		perm_admin    boolean NOT NULL DEFAULT false,
		daily_limit   bigint NOT NULL DEFAULT 0,
		monthly_limit bigint NOT NULL DEFAULT 0,
		assigned_at   timestamptz NOT NULL,
		PRIMARY KEY (sequence_id, entity_type, entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS seq_assignments_entity_idx ON seq_assignments (entity_type, entity_id)`,

	`CREATE TABLE IF NOT EXISTS seq_usage (
		sequence_id uuid NOT NULL REFERENCES seq_sequences (id),
		entity_id   text NOT NULL,
		period      text NOT NULL,
		used        bigint NOT NULL DEFAULT 0,
		PRIMARY KEY (sequence_id, entity_id, period)
	)`,

	`CREATE TABLE IF NOT EXISTS seq_blocks (
		id           uuid PRIMARY KEY,
		sequence_id  uuid NOT NULL REFERENCES seq_sequences (id),
		segment_key  text NOT NULL DEFAULT '',
		entity_id    text NOT NULL DEFAULT '',
		start_value  bigint NOT NULL,
		end_value    bigint NOT NULL,
		step         bigint NOT NULL,
		used_values  bigint[] NOT NULL DEFAULT '{}',
		status       text NOT NULL,
		reserved_at  timestamptz NOT NULL,
		activated_at timestamptz,
		completed_at timestamptz,
		closed_at    timestamptz,
		expires_at   timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS seq_blocks_sequence_idx ON seq_blocks (sequence_id, reserved_at)`,
	`CREATE INDEX IF NOT EXISTS seq_blocks_open_idx ON seq_blocks (expires_at) WHERE status IN ('reserved', 'active')`,

	`CREATE TABLE IF NOT EXISTS seq_reservations (
		id           uuid PRIMARY KEY,
		sequence_id  uuid NOT NULL REFERENCES seq_sequences (id),
		segment_key  text NOT NULL DEFAULT '',
		entity_id    text NOT NULL DEFAULT '',
		value        bigint NOT NULL,
		formatted    text NOT NULL,
		status       text NOT NULL,
		reserved_at  timestamptz NOT NULL,
		expires_at   timestamptz NOT NULL,
		committed_at timestamptz,
		actor_id     text NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS seq_reservations_pending_idx ON seq_reservations (expires_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS seq_audit (
		id                  uuid PRIMARY KEY,
		sequence_id         uuid NOT NULL REFERENCES seq_sequences (id),
		created_at          timestamptz NOT NULL,
		action              text NOT NULL,
		value               bigint,
		end_value           bigint,
		segment_key         text NOT NULL DEFAULT '',
		block_id            uuid,
		reservation_id      uuid,
		actor_id            text NOT NULL,
		actor_name          text NOT NULL DEFAULT '',
		metadata            jsonb,
		metadata_compressed bytea,
		compression_algo    text NOT NULL DEFAULT 'none'
	)`,
	`CREATE INDEX IF NOT EXISTS seq_audit_sequence_idx ON seq_audit (sequence_id, created_at DESC)`,
}

// Migrate creates the tables used by Store.
func Migrate(ctx context.Context, pool *Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
