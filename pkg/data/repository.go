package data

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"oracle_coordinator/pkg/oracle"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// PostgresStore implements oracle.Store on PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects, verifies the connection and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close releases all database resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// SaveWorker upserts a worker binding and its counters.
func (s *PostgresStore) SaveWorker(ctx context.Context, w oracle.Worker, st oracle.Stat) error {
	query := `
		INSERT INTO workers (
			key_hash, address, public_key, updated_at,
			score, assign_count, fulfill_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key_hash) DO UPDATE SET
			address = EXCLUDED.address,
			public_key = EXCLUDED.public_key,
			updated_at = EXCLUDED.updated_at,
			score = EXCLUDED.score,
			assign_count = EXCLUDED.assign_count,
			fulfill_count = EXCLUDED.fulfill_count`

	_, err := s.pool.Exec(ctx, query,
		w.KeyHash.String(), w.Address, w.PublicKey, int64(w.UpdatedAt),
		int64(st.Score), int64(st.AssignCount), int64(st.FulfillCount),
	)
	if err != nil {
		return fmt.Errorf("upserting worker: %w", err)
	}
	return nil
}

// DeleteWorker removes a worker row.
func (s *PostgresStore) DeleteWorker(ctx context.Context, id oracle.KeyHash) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE key_hash = $1`, id.String())
	if err != nil {
		return fmt.Errorf("deleting worker: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkers returns every persisted worker with its counters.
func (s *PostgresStore) ListWorkers(ctx context.Context) ([]oracle.StoredWorker, error) {
	query := `
		SELECT key_hash, address, public_key, updated_at,
		       score, assign_count, fulfill_count
		FROM workers
		ORDER BY updated_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer rows.Close()

	var workers []oracle.StoredWorker
	for rows.Next() {
		var (
			keyHash                            string
			sw                                 oracle.StoredWorker
			updatedAt, score, assigns, fulfils int64
		)
		err := rows.Scan(&keyHash, &sw.Worker.Address, &sw.Worker.PublicKey,
			&updatedAt, &score, &assigns, &fulfils)
		if err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		kh, err := parseKeyHash(keyHash)
		if err != nil {
			return nil, err
		}
		sw.Worker.KeyHash = kh
		sw.Worker.UpdatedAt = uint64(updatedAt)
		sw.Stat = oracle.Stat{
			Score:        uint32(score),
			AssignCount:  uint64(assigns),
			FulfillCount: uint64(fulfils),
		}
		workers = append(workers, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker rows: %w", err)
	}
	return workers, nil
}

// SaveNonce upserts the next nonce for a consumer.
func (s *PostgresStore) SaveNonce(ctx context.Context, consumer string, next uint64) error {
	query := `
		INSERT INTO nonces (consumer, next_nonce) VALUES ($1, $2)
		ON CONFLICT (consumer) DO UPDATE SET next_nonce = EXCLUDED.next_nonce`

	if _, err := s.pool.Exec(ctx, query, consumer, int64(next)); err != nil {
		return fmt.Errorf("upserting nonce: %w", err)
	}
	return nil
}

// ListNonces returns the per-consumer nonce counters.
func (s *PostgresStore) ListNonces(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.pool.Query(ctx, `SELECT consumer, next_nonce FROM nonces`)
	if err != nil {
		return nil, fmt.Errorf("querying nonces: %w", err)
	}
	defer rows.Close()

	nonces := make(map[string]uint64)
	for rows.Next() {
		var consumer string
		var next int64
		if err := rows.Scan(&consumer, &next); err != nil {
			return nil, fmt.Errorf("scanning nonce row: %w", err)
		}
		nonces[consumer] = uint64(next)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nonce rows: %w", err)
	}
	return nonces, nil
}

// SaveRequestStatus inserts the audit record for a fingerprint. Statuses
// are never deleted; a duplicate insert is a conflict.
func (s *PostgresStore) SaveRequestStatus(ctx context.Context, ss oracle.StoredStatus) error {
	query := `
		INSERT INTO request_status (
			fingerprint, consumer, nonce, escalation_order, finalized_by
		) VALUES ($1, $2, $3, $4, $5)`

	order := make([]string, len(ss.Status.Order))
	for i, id := range ss.Status.Order {
		order[i] = id.String()
	}
	finalizer := ""
	if !ss.Status.FinalizedBy.IsZero() {
		finalizer = ss.Status.FinalizedBy.String()
	}

	_, err := s.pool.Exec(ctx, query,
		ss.Status.Fingerprint.String(), ss.Consumer, int64(ss.Nonce), order, finalizer)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting request status: %w", err)
	}
	return nil
}

// SetFinalizer records the finalizing worker, write-once.
func (s *PostgresStore) SetFinalizer(ctx context.Context, fp oracle.Fingerprint, finalizer oracle.KeyHash) error {
	query := `
		UPDATE request_status SET finalized_by = $2
		WHERE fingerprint = $1 AND finalized_by = ''`

	result, err := s.pool.Exec(ctx, query, fp.String(), finalizer.String())
	if err != nil {
		return fmt.Errorf("setting finalizer: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// ClearFinalizer reverts a finalizer commit after a failed fulfillment.
func (s *PostgresStore) ClearFinalizer(ctx context.Context, fp oracle.Fingerprint) error {
	query := `UPDATE request_status SET finalized_by = '' WHERE fingerprint = $1`
	if _, err := s.pool.Exec(ctx, query, fp.String()); err != nil {
		return fmt.Errorf("clearing finalizer: %w", err)
	}
	return nil
}

// ListRequestStatuses returns the full request audit trail.
func (s *PostgresStore) ListRequestStatuses(ctx context.Context) ([]oracle.StoredStatus, error) {
	query := `
		SELECT fingerprint, consumer, nonce, escalation_order, finalized_by
		FROM request_status
		ORDER BY consumer, nonce`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying request statuses: %w", err)
	}
	defer rows.Close()

	var statuses []oracle.StoredStatus
	for rows.Next() {
		var (
			fingerprint, finalizer string
			order                  []string
			ss                     oracle.StoredStatus
			nonce                  int64
		)
		if err := rows.Scan(&fingerprint, &ss.Consumer, &nonce, &order, &finalizer); err != nil {
			return nil, fmt.Errorf("scanning request status row: %w", err)
		}
		ss.Nonce = uint64(nonce)
		fpBytes, err := hex.DecodeString(fingerprint)
		if err != nil || len(fpBytes) != len(ss.Status.Fingerprint) {
			return nil, fmt.Errorf("malformed fingerprint %q", fingerprint)
		}
		copy(ss.Status.Fingerprint[:], fpBytes)
		for _, o := range order {
			kh, err := parseKeyHash(o)
			if err != nil {
				return nil, err
			}
			ss.Status.Order = append(ss.Status.Order, kh)
		}
		if finalizer != "" {
			kh, err := parseKeyHash(finalizer)
			if err != nil {
				return nil, err
			}
			ss.Status.FinalizedBy = kh
		}
		statuses = append(statuses, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request status rows: %w", err)
	}
	return statuses, nil
}

// SaveTransfer records a settlement receipt.
func (s *PostgresStore) SaveTransfer(ctx context.Context, t oracle.Transfer) error {
	query := `
		INSERT INTO transfers (id, fingerprint, recipient, amount, kind, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Fingerprint.String(), t.Recipient, int64(t.Amount),
		string(t.Kind), string(t.Status), time.Now().UTC())
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting transfer: %w", err)
	}
	return nil
}

// GetRequestStatus retrieves one status row by fingerprint.
func (s *PostgresStore) GetRequestStatus(ctx context.Context, fp oracle.Fingerprint) (*oracle.StoredStatus, error) {
	query := `
		SELECT fingerprint, consumer, nonce, escalation_order, finalized_by
		FROM request_status
		WHERE fingerprint = $1`

	var (
		fingerprint, finalizer string
		order                  []string
		ss                     oracle.StoredStatus
		nonce                  int64
	)
	err := s.pool.QueryRow(ctx, query, fp.String()).
		Scan(&fingerprint, &ss.Consumer, &nonce, &order, &finalizer)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying request status: %w", err)
	}
	ss.Nonce = uint64(nonce)
	ss.Status.Fingerprint = fp
	for _, o := range order {
		kh, err := parseKeyHash(o)
		if err != nil {
			return nil, err
		}
		ss.Status.Order = append(ss.Status.Order, kh)
	}
	if finalizer != "" {
		kh, err := parseKeyHash(finalizer)
		if err != nil {
			return nil, err
		}
		ss.Status.FinalizedBy = kh
	}
	return &ss, nil
}

func parseKeyHash(s string) (oracle.KeyHash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != oracle.KeyHashSize {
		return oracle.KeyHash{}, fmt.Errorf("malformed key hash %q", s)
	}
	var kh oracle.KeyHash
	copy(kh[:], raw)
	return kh, nil
}

func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
