package db

import (
	"context"
	"fmt"
)

// Schema creates the tables holding persisted pipeline runs. It is
// idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id              UUID PRIMARY KEY,
    genesis         TEXT NOT NULL,
    supply          BIGINT NOT NULL,
    processed_count BIGINT NOT NULL,
    account_count   BIGINT NOT NULL,
    applied_count   BIGINT NOT NULL,
    elapsed_seconds DOUBLE PRECISION NOT NULL,
    throughput      DOUBLE PRECISION NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processed_transactions (
    run_id       UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq          BIGINT NOT NULL,
    tx_id        TEXT NOT NULL,
    identity     TEXT NOT NULL,
    from_address TEXT NOT NULL,
    to_address   TEXT NOT NULL,
    amount       BIGINT NOT NULL CHECK (amount > 0),
    data         TEXT NOT NULL,
    signature    TEXT NOT NULL DEFAULT '',
    public_key   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, seq),
    UNIQUE (run_id, identity)
);

CREATE TABLE IF NOT EXISTS balances (
    run_id  UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    address TEXT NOT NULL,
    balance BIGINT NOT NULL CHECK (balance >= 0),
    PRIMARY KEY (run_id, address)
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at DESC);
`

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
