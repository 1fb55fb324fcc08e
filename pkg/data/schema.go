package data

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		key_hash      TEXT PRIMARY KEY,
		address       TEXT NOT NULL,
		public_key    BYTEA NOT NULL,
		updated_at    BIGINT NOT NULL,
		score         BIGINT NOT NULL DEFAULT 0,
		assign_count  BIGINT NOT NULL DEFAULT 0,
		fulfill_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS nonces (
		consumer   TEXT PRIMARY KEY,
		next_nonce BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS request_status (
		fingerprint      TEXT PRIMARY KEY,
		consumer         TEXT NOT NULL,
		nonce            BIGINT NOT NULL,
		escalation_order TEXT[] NOT NULL,
		finalized_by     TEXT NOT NULL DEFAULT '',
		UNIQUE (consumer, nonce)
	)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id          UUID PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		recipient   TEXT NOT NULL,
		amount      BIGINT NOT NULL,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_fingerprint ON transfers (fingerprint)`,
}

// initSchema applies the schema inside a single transaction.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema: %w", err)
	}
	return nil
}
