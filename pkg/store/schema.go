// Package store owns the relational schema of the trust core and the
// database open/bootstrap helpers. Postgres is the system of record; sqlite
// backs portable audit snapshots for offline verification.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the full Postgres layout, idempotent to reapply.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_chain_head (
		shard      TEXT PRIMARY KEY,
		seq        BIGINT NOT NULL,
		hash       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_event (
		id         UUID PRIMARY KEY,
		shard      TEXT NOT NULL,
		seq        BIGINT NOT NULL,
		type       TEXT NOT NULL,
		payload    JSONB NOT NULL,
		ts         TIMESTAMPTZ NOT NULL,
		prev_hash  TEXT,
		hash       TEXT NOT NULL,
		signature  TEXT NOT NULL,
		signer_kid TEXT NOT NULL,
		UNIQUE (shard, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS signer_registry (
		kid         TEXT PRIMARY KEY,
		algorithm   TEXT NOT NULL,
		public_key  TEXT NOT NULL,
		deployed_at TIMESTAMPTZ NOT NULL,
		description TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		key           TEXT NOT NULL,
		method        TEXT NOT NULL,
		path          TEXT NOT NULL,
		request_hash  TEXT NOT NULL,
		response_code INT,
		response_body BYTEA,
		created_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ,
		PRIMARY KEY (key, method, path)
	)`,
	`CREATE TABLE IF NOT EXISTS policy (
		id             UUID PRIMARY KEY,
		name           TEXT NOT NULL,
		version        INT NOT NULL,
		severity       TEXT NOT NULL,
		rule           TEXT NOT NULL,
		effect         TEXT,
		canary_percent INT NOT NULL DEFAULT 0,
		state          TEXT NOT NULL,
		created_by     TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		UNIQUE (name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS policy_history (
		id         UUID PRIMARY KEY,
		policy_id  UUID NOT NULL REFERENCES policy(id),
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		actor      TEXT,
		upgrade_id UUID,
		ts         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS upgrade (
		id               UUID PRIMARY KEY,
		manifest         JSONB NOT NULL,
		manifest_hash    TEXT NOT NULL,
		state            TEXT NOT NULL,
		kernel_signature TEXT,
		kernel_kid       TEXT,
		ratify_deadline  TIMESTAMPTZ,
		reject_reason    TEXT,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS upgrade_approval (
		upgrade_id  UUID NOT NULL REFERENCES upgrade(id),
		approver_id TEXT NOT NULL,
		signature   TEXT NOT NULL,
		notes       TEXT,
		ts          TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (upgrade_id, approver_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_journal (
		journal_id TEXT PRIMARY KEY,
		context    JSONB,
		fx         JSONB,
		posted_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_line (
		journal_id TEXT NOT NULL REFERENCES ledger_journal(journal_id),
		line_no    INT NOT NULL,
		account_id TEXT NOT NULL,
		side       TEXT NOT NULL,
		amount     BIGINT NOT NULL,
		currency   TEXT NOT NULL,
		meta       JSONB,
		PRIMARY KEY (journal_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_proof (
		proof_id   UUID PRIMARY KEY,
		from_ts    TIMESTAMPTZ NOT NULL,
		to_ts      TIMESTAMPTZ NOT NULL,
		hash       TEXT NOT NULL,
		signer_kid TEXT NOT NULL,
		signature  TEXT NOT NULL,
		ts         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_event_shard_seq ON audit_event (shard, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_journal_posted ON ledger_journal (posted_at, journal_id)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_state ON policy (state)`,
	`CREATE INDEX IF NOT EXISTS idx_upgrade_state ON upgrade (state)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency (created_at)`,
}

// Bootstrap applies the schema. Safe to run on every startup.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}
