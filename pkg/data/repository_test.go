package data

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"oracle_coordinator/pkg/oracle"
)

func setupTestStore(t *testing.T) *PostgresStore {
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	logger := zaptest.NewLogger(t)
	store, err := NewPostgresStore(context.Background(), connStr, logger)
	require.NoError(t, err)

	clearTestData(t, store)
	return store
}

func clearTestData(t *testing.T, store *PostgresStore) {
	ctx := context.Background()
	queries := []string{
		"DELETE FROM transfers",
		"DELETE FROM request_status",
		"DELETE FROM nonces",
		"DELETE FROM workers",
	}
	for _, query := range queries {
		_, err := store.pool.Exec(ctx, query)
		require.NoError(t, err)
	}
}

func TestWorkerPersistence(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	t.Run("UpsertAndList", func(t *testing.T) {
		w := testWorker(1)
		require.NoError(t, store.SaveWorker(ctx, w, oracle.Stat{Score: 5, AssignCount: 1}))

		// Second save with new counters overwrites the row.
		require.NoError(t, store.SaveWorker(ctx, w, oracle.Stat{Score: 9, AssignCount: 2}))

		workers, err := store.ListWorkers(ctx)
		require.NoError(t, err)
		require.Len(t, workers, 1)
		assert.Equal(t, w.KeyHash, workers[0].Worker.KeyHash)
		assert.Equal(t, w.Address, workers[0].Worker.Address)
		assert.Equal(t, w.PublicKey, workers[0].Worker.PublicKey)
		assert.Equal(t, uint32(9), workers[0].Stat.Score)
		assert.Equal(t, uint64(2), workers[0].Stat.AssignCount)
	})

	t.Run("Delete", func(t *testing.T) {
		w := testWorker(2)
		require.NoError(t, store.SaveWorker(ctx, w, oracle.Stat{}))
		require.NoError(t, store.DeleteWorker(ctx, w.KeyHash))
		assert.ErrorIs(t, store.DeleteWorker(ctx, w.KeyHash), ErrNotFound)
	})
}

func TestNoncePersistence(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	require.NoError(t, store.SaveNonce(ctx, "consumer-1", 1))
	require.NoError(t, store.SaveNonce(ctx, "consumer-1", 5))
	require.NoError(t, store.SaveNonce(ctx, "consumer-2", 3))

	nonces, err := store.ListNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"consumer-1": 5, "consumer-2": 3}, nonces)
}

func TestRequestStatusPersistence(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	fp := oracle.Fingerprint{1, 2}
	ss := oracle.StoredStatus{
		Consumer: "consumer-1",
		Nonce:    0,
		Status: oracle.RequestStatus{
			Fingerprint: fp,
			Order:       []oracle.KeyHash{testKeyHash(1), testKeyHash(2), testKeyHash(3)},
		},
	}

	t.Run("InsertOnce", func(t *testing.T) {
		require.NoError(t, store.SaveRequestStatus(ctx, ss))
		assert.ErrorIs(t, store.SaveRequestStatus(ctx, ss), ErrDuplicate)
	})

	t.Run("OrderRoundTrips", func(t *testing.T) {
		got, err := store.GetRequestStatus(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, ss.Consumer, got.Consumer)
		assert.Equal(t, ss.Status.Order, got.Status.Order)
		assert.True(t, got.Status.FinalizedBy.IsZero())
	})

	t.Run("FinalizerIsWriteOnce", func(t *testing.T) {
		require.NoError(t, store.SetFinalizer(ctx, fp, testKeyHash(2)))
		assert.ErrorIs(t, store.SetFinalizer(ctx, fp, testKeyHash(3)), ErrDuplicate)

		got, err := store.GetRequestStatus(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, testKeyHash(2), got.Status.FinalizedBy)
	})

	t.Run("ClearReopensTheSlot", func(t *testing.T) {
		require.NoError(t, store.ClearFinalizer(ctx, fp))
		require.NoError(t, store.SetFinalizer(ctx, fp, testKeyHash(3)))
	})

	t.Run("ListReturnsAll", func(t *testing.T) {
		other := ss
		other.Nonce = 1
		other.Status.Fingerprint = oracle.Fingerprint{4, 5}
		require.NoError(t, store.SaveRequestStatus(ctx, other))

		statuses, err := store.ListRequestStatuses(ctx)
		require.NoError(t, err)
		assert.Len(t, statuses, 2)
	})

	t.Run("UnknownFingerprint", func(t *testing.T) {
		_, err := store.GetRequestStatus(ctx, oracle.Fingerprint{9, 9})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransferPersistence(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	transfer := oracle.Transfer{
		ID:          uuid.New().String(),
		Fingerprint: oracle.Fingerprint{7},
		Recipient:   "treasury",
		Amount:      5,
		Kind:        oracle.TransferConstantFee,
		Status:      oracle.TransferCompleted,
	}

	require.NoError(t, store.SaveTransfer(ctx, transfer))
	assert.ErrorIs(t, store.SaveTransfer(ctx, transfer), ErrDuplicate)
}
