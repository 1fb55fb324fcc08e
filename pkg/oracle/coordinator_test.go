package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/sha3"
)

type fakeStore struct {
	mu               sync.Mutex
	workers          map[KeyHash]StoredWorker
	nonces           map[string]uint64
	statuses         map[Fingerprint]StoredStatus
	transfers        []Transfer
	failSetFinalizer bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workers:  make(map[KeyHash]StoredWorker),
		nonces:   make(map[string]uint64),
		statuses: make(map[Fingerprint]StoredStatus),
	}
}

func (s *fakeStore) SaveWorker(_ context.Context, w Worker, st Stat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.KeyHash] = StoredWorker{Worker: w, Stat: st}
	return nil
}

func (s *fakeStore) DeleteWorker(_ context.Context, id KeyHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

func (s *fakeStore) ListWorkers(_ context.Context) ([]StoredWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredWorker, 0, len(s.workers))
	for _, sw := range s.workers {
		out = append(out, sw)
	}
	return out, nil
}

func (s *fakeStore) SaveNonce(_ context.Context, consumer string, next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[consumer] = next
	return nil
}

func (s *fakeStore) ListNonces(_ context.Context) (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.nonces))
	for k, v := range s.nonces {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) SaveRequestStatus(_ context.Context, ss StoredStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[ss.Status.Fingerprint] = ss
	return nil
}

func (s *fakeStore) SetFinalizer(_ context.Context, fp Fingerprint, finalizer KeyHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSetFinalizer {
		return errors.New("store unavailable")
	}
	ss := s.statuses[fp]
	ss.Status.FinalizedBy = finalizer
	s.statuses[fp] = ss
	return nil
}

func (s *fakeStore) ClearFinalizer(_ context.Context, fp Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.statuses[fp]
	ss.Status.FinalizedBy = KeyHash{}
	s.statuses[fp] = ss
	return nil
}

func (s *fakeStore) ListRequestStatuses(_ context.Context) ([]StoredStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredStatus, 0, len(s.statuses))
	for _, ss := range s.statuses {
		out = append(out, ss)
	}
	return out, nil
}

func (s *fakeStore) SaveTransfer(_ context.Context, t Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, t)
	return nil
}

func (s *fakeStore) transfersOf(kind TransferKind) []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transfer
	for _, t := range s.transfers {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

type fakeSettler struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]uint64
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{fail: make(map[string]bool), calls: make(map[string]uint64)}
}

func (s *fakeSettler) Transfer(_ context.Context, recipient string, amount, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[recipient] {
		return errors.New("transfer rejected")
	}
	s.calls[recipient] += amount
	return nil
}

func (s *fakeSettler) paid(recipient string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[recipient]
}

type fakeCallback struct {
	mu     sync.Mutex
	values []RandomValue
	err    error
}

func (c *fakeCallback) Invoke(_ context.Context, _ string, _ Fingerprint, value RandomValue, _ uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.values = append(c.values, value)
	return nil
}

const testTreasury = "treasury-addr"

type coordFixture struct {
	c        *Coordinator
	store    *fakeStore
	settler  *fakeSettler
	callback *fakeCallback
	keys     []*WorkerKey
	ids      []KeyHash
	now      uint64
}

// newCoordFixture wires a coordinator with fakes and registers n workers
// holding real signing keys.
func newCoordFixture(t *testing.T, n int) *coordFixture {
	t.Helper()
	f := &coordFixture{
		store:    newFakeStore(),
		settler:  newFakeSettler(),
		callback: &fakeCallback{},
	}
	cfg := testConfig()
	cfg.VerifyGasOverhead = 50
	cfg.ConstantFee = 5
	cfg.Treasury = testTreasury

	c, err := NewCoordinator(CoordinatorOptions{
		Config:   cfg,
		Store:    f.store,
		Auth:     NewAllowList([]string{"admin"}),
		Verifier: SignatureVerifier{},
		Settler:  f.settler,
		Callback: f.callback,
		Now:      func() uint64 { return f.now },
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	f.c = c

	pubs := make([][]byte, n)
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		key, err := GenerateWorkerKey()
		require.NoError(t, err)
		f.keys = append(f.keys, key)
		pubs[i] = key.Pub
		addrs[i] = testAddr(i)
	}
	if n > 0 {
		ids, err := c.AddWorkers(context.Background(), "admin", pubs, addrs)
		require.NoError(t, err)
		f.ids = ids
	}
	return f
}

func (f *coordFixture) setScores(t *testing.T, scores []uint32) {
	t.Helper()
	require.NoError(t, f.c.Registry().UpdateRecord(func(rec *Record) error {
		for i, s := range scores {
			rec.Stats[f.ids[i]].Score = s
		}
		return nil
	}))
}

func (f *coordFixture) createParams() CreateParams {
	return CreateParams{
		Requester:        "alice",
		Consumer:         "consumer-1",
		RefundAddr:       "refund-1",
		CallbackGasLimit: 100,
		GasPrice:         1,
		GasFee:           200,
	}
}

// fulfillmentRequest reconstructs the request a worker submits with its
// proof; every field must match the creation-time values.
func (f *coordFixture) fulfillmentRequest(nonce, createdAt uint64) RandomRequest {
	p := f.createParams()
	return RandomRequest{
		Requester:        p.Requester,
		Consumer:         p.Consumer,
		RefundAddr:       p.RefundAddr,
		Nonce:            nonce,
		CallbackGasLimit: p.CallbackGasLimit,
		GasPrice:         p.GasPrice,
		GasFee:           p.GasFee,
		ConstantFee:      5,
		CreatedAt:        createdAt,
	}
}

func (f *coordFixture) prove(t *testing.T, fp Fingerprint, workerIdx int) []byte {
	t.Helper()
	seed := ExpectedSeed(fp, f.ids[workerIdx], f.keys[workerIdx].Pub)
	proof, err := f.keys[workerIdx].Prove(seed)
	require.NoError(t, err)
	return proof
}

func TestCoordinatorCreateRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("RanksAscendingAndCreditsLowest", func(t *testing.T) {
		f := newCoordFixture(t, 5)
		f.setScores(t, []uint32{10, 20, 30, 5, 15})

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		assert.Equal(t, uint64(0), nonce)

		order, err := f.c.GetEscalationOrder(fp)
		require.NoError(t, err)
		want := []KeyHash{f.ids[3], f.ids[0], f.ids[4], f.ids[1], f.ids[2]}
		assert.Equal(t, want, order)

		info, err := f.c.GetWorkerInfo(f.ids[3])
		require.NoError(t, err)
		assert.Equal(t, uint32(1005), info.Score)
		assert.Equal(t, uint64(1), info.AssignCount)

		view := f.c.GetRequestStatus(fp)
		assert.Equal(t, RequestStatePending, view.State)
	})

	t.Run("NoncesAreMonotonicPerConsumer", func(t *testing.T) {
		f := newCoordFixture(t, 2)

		_, n0, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		_, n1, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		assert.Equal(t, uint64(0), n0)
		assert.Equal(t, uint64(1), n1)

		other := f.createParams()
		other.Consumer = "consumer-2"
		_, n2, err := f.c.CreateRequest(ctx, "admin", other)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), n2)
	})

	t.Run("DistinctNoncesYieldDistinctFingerprints", func(t *testing.T) {
		f := newCoordFixture(t, 1)

		fp0, _, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		fp1, _, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		assert.NotEqual(t, fp0, fp1)
	})

	t.Run("DuplicateNonceLeavesScoresUntouched", func(t *testing.T) {
		f := newCoordFixture(t, 2)

		_, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)

		before := make(map[KeyHash]Stat)
		for _, id := range f.ids {
			_, st, ok := f.c.registry.GetWorker(id)
			require.True(t, ok)
			before[id] = st
		}

		// Wind the counter back to the already-stored nonce, as after a
		// restart that lost the counter write.
		f.c.mu.Lock()
		f.c.nonces["consumer-1"] = nonce
		f.c.mu.Unlock()

		for attempt := 0; attempt < 2; attempt++ {
			_, _, err = f.c.CreateRequest(ctx, "admin", f.createParams())
			require.ErrorIs(t, err, ErrDuplicateNonce)
		}

		// Rejection is free of side effects: no bonus, no assign count.
		for _, id := range f.ids {
			_, st, ok := f.c.registry.GetWorker(id)
			require.True(t, ok)
			assert.Equal(t, before[id], st)
		}
	})

	t.Run("RejectsUnauthorizedCaller", func(t *testing.T) {
		f := newCoordFixture(t, 1)
		_, _, err := f.c.CreateRequest(ctx, "stranger", f.createParams())
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("RejectsUnderfundedRequest", func(t *testing.T) {
		f := newCoordFixture(t, 1)
		p := f.createParams()
		p.GasFee = 100 // below gasPrice*(limit+overhead)
		_, _, err := f.c.CreateRequest(ctx, "admin", p)
		assert.ErrorIs(t, err, ErrFeeTooLow)
	})

	t.Run("RejectsMissingFields", func(t *testing.T) {
		f := newCoordFixture(t, 1)
		p := f.createParams()
		p.Consumer = ""
		_, _, err := f.c.CreateRequest(ctx, "admin", p)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("FailsWithEmptyPool", func(t *testing.T) {
		f := newCoordFixture(t, 0)
		_, _, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		assert.ErrorIs(t, err, ErrWorkerNotFound)
	})
}

func TestCoordinatorFulfillRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("EscalatedFulfillment", func(t *testing.T) {
		f := newCoordFixture(t, 5)
		f.setScores(t, []uint32{10, 20, 30, 5, 15})

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)

		// 45 elapsed with a 20-block window puts rank 2 on duty, which
		// is the third-lowest score at creation time.
		f.now = 45
		req := f.fulfillmentRequest(nonce, 0)
		require.Equal(t, fp, req.Fingerprint())

		proof := f.prove(t, fp, 4)
		rank, err := f.c.FulfillRequest(ctx, f.ids[4], req, proof)
		require.NoError(t, err)
		assert.Equal(t, 2, rank)

		view := f.c.GetRequestStatus(fp)
		assert.Equal(t, RequestStateFinalized, view.State)
		assert.Equal(t, f.ids[4], view.FinalizedBy)

		// Fallback fulfillment earns the flat lower bound.
		info, err := f.c.GetWorkerInfo(f.ids[4])
		require.NoError(t, err)
		assert.Equal(t, uint32(25), info.Score)
		assert.Equal(t, uint64(1), info.FulfillCount)

		// Treasury fee, worker payment and refund all settled.
		assert.Equal(t, uint64(5), f.settler.paid(testTreasury))
		assert.Equal(t, uint64(150), f.settler.paid(testAddr(4)))
		assert.Equal(t, uint64(50), f.settler.paid("refund-1"))

		require.Len(t, f.callback.values, 1)
		assert.Equal(t, RandomValue(sha3.Sum256(proof)), f.callback.values[0])
	})

	t.Run("RejectsCallerOutsideItsWindow", func(t *testing.T) {
		f := newCoordFixture(t, 5)
		f.setScores(t, []uint32{10, 20, 30, 5, 15})

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)

		f.now = 45
		req := f.fulfillmentRequest(nonce, 0)
		// The assigned primary is too late: rank 2 owns this window.
		_, err = f.c.FulfillRequest(ctx, f.ids[3], req, f.prove(t, fp, 3))
		assert.ErrorIs(t, err, ErrNotAuthorizedForRank)
	})

	t.Run("PrimarySpendsMoreWhenFaster", func(t *testing.T) {
		f := newCoordFixture(t, 5)
		f.setScores(t, []uint32{10, 20, 30, 5, 15})

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)

		f.now = 5
		req := f.fulfillmentRequest(nonce, 0)
		rank, err := f.c.FulfillRequest(ctx, f.ids[3], req, f.prove(t, fp, 3))
		require.NoError(t, err)
		assert.Equal(t, 0, rank)

		// Bonus 1000 on score 5, then a primary cost of 10 + (20-5)/1.
		info, err := f.c.GetWorkerInfo(f.ids[3])
		require.NoError(t, err)
		assert.Equal(t, uint32(980), info.Score)
	})

	t.Run("FinalizesExactlyOnce", func(t *testing.T) {
		f := newCoordFixture(t, 2)

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		order, err := f.c.GetEscalationOrder(fp)
		require.NoError(t, err)
		primary := indexOfKey(f.ids, order[0])

		req := f.fulfillmentRequest(nonce, 0)
		proof := f.prove(t, fp, primary)
		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, proof)
		require.NoError(t, err)

		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, proof)
		assert.ErrorIs(t, err, ErrAlreadyFinalized)
	})

	t.Run("DeadlineExceededPastLastRank", func(t *testing.T) {
		f := newCoordFixture(t, 2)

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)

		// Two ranks, 20 blocks each: the window closes at 40.
		f.now = 40
		req := f.fulfillmentRequest(nonce, 0)
		_, err = f.c.FulfillRequest(ctx, f.ids[0], req, f.prove(t, fp, 0))
		assert.ErrorIs(t, err, ErrDeadlineExceeded)
	})

	t.Run("RejectsUnknownRequest", func(t *testing.T) {
		f := newCoordFixture(t, 2)

		_, _, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)

		req := f.fulfillmentRequest(99, 0)
		_, err = f.c.FulfillRequest(ctx, f.ids[0], req, []byte("proof"))
		assert.ErrorIs(t, err, ErrUnknownOrStaleRequest)
	})

	t.Run("InvalidProofRevertsFinalizer", func(t *testing.T) {
		f := newCoordFixture(t, 2)

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		order, err := f.c.GetEscalationOrder(fp)
		require.NoError(t, err)
		primary := indexOfKey(f.ids, order[0])

		req := f.fulfillmentRequest(nonce, 0)
		badProof, err := f.keys[primary].Prove([]byte("wrong seed"))
		require.NoError(t, err)
		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, badProof)
		assert.ErrorIs(t, err, ErrInvalidProof)

		// The slot reopened; a correct proof still goes through.
		assert.Equal(t, RequestStatePending, f.c.GetRequestStatus(fp).State)
		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, f.prove(t, fp, primary))
		assert.NoError(t, err)
	})

	t.Run("PaymentFailureRevertsFinalizer", func(t *testing.T) {
		f := newCoordFixture(t, 2)
		f.settler.fail[testTreasury] = true

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		order, err := f.c.GetEscalationOrder(fp)
		require.NoError(t, err)
		primary := indexOfKey(f.ids, order[0])

		req := f.fulfillmentRequest(nonce, 0)
		proof := f.prove(t, fp, primary)
		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, proof)
		require.ErrorIs(t, err, ErrTransferFailed)
		assert.Equal(t, RequestStatePending, f.c.GetRequestStatus(fp).State)

		failed := f.store.transfersOf(TransferConstantFee)
		require.Len(t, failed, 1)
		assert.Equal(t, TransferFailed, failed[0].Status)

		f.settler.fail[testTreasury] = false
		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, proof)
		assert.NoError(t, err)
	})

	t.Run("RefundFailureTolerated", func(t *testing.T) {
		f := newCoordFixture(t, 2)
		f.settler.fail["refund-1"] = true

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		order, err := f.c.GetEscalationOrder(fp)
		require.NoError(t, err)
		primary := indexOfKey(f.ids, order[0])

		req := f.fulfillmentRequest(nonce, 0)
		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, f.prove(t, fp, primary))
		require.NoError(t, err)
		assert.Equal(t, RequestStateFinalized, f.c.GetRequestStatus(fp).State)

		refunds := f.store.transfersOf(TransferRefund)
		require.Len(t, refunds, 1)
		assert.Equal(t, TransferFailed, refunds[0].Status)
	})

	t.Run("CallbackFailureTolerated", func(t *testing.T) {
		f := newCoordFixture(t, 2)
		f.callback.err = errors.New("consumer reverted")

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		order, err := f.c.GetEscalationOrder(fp)
		require.NoError(t, err)
		primary := indexOfKey(f.ids, order[0])

		req := f.fulfillmentRequest(nonce, 0)
		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, f.prove(t, fp, primary))
		assert.NoError(t, err)
		assert.Equal(t, RequestStateFinalized, f.c.GetRequestStatus(fp).State)
	})

	t.Run("StoreFinalizerFailureAborts", func(t *testing.T) {
		f := newCoordFixture(t, 2)
		f.store.failSetFinalizer = true

		fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
		require.NoError(t, err)
		order, err := f.c.GetEscalationOrder(fp)
		require.NoError(t, err)
		primary := indexOfKey(f.ids, order[0])

		req := f.fulfillmentRequest(nonce, 0)
		_, err = f.c.FulfillRequest(ctx, f.ids[primary], req, f.prove(t, fp, primary))
		require.Error(t, err)
		assert.Equal(t, RequestStatePending, f.c.GetRequestStatus(fp).State)
	})

	t.Run("RejectsZeroCaller", func(t *testing.T) {
		f := newCoordFixture(t, 1)
		_, err := f.c.FulfillRequest(ctx, KeyHash{}, RandomRequest{}, nil)
		assert.ErrorIs(t, err, ErrZeroIdentifier)
	})
}

func indexOfKey(ids []KeyHash, id KeyHash) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}

func TestFingerprintLocks(t *testing.T) {
	locks := newFingerprintLocks()
	fp := Fingerprint{1}
	other := Fingerprint{2}

	require.True(t, locks.TryLock(fp))
	assert.False(t, locks.TryLock(fp))
	// Unrelated fingerprints are never blocked.
	assert.True(t, locks.TryLock(other))

	locks.Unlock(fp)
	assert.True(t, locks.TryLock(fp))
}

func TestCoordinatorWorkerOps(t *testing.T) {
	ctx := context.Background()

	t.Run("AddDerivesIdentifiers", func(t *testing.T) {
		f := newCoordFixture(t, 2)
		for i, id := range f.ids {
			assert.Equal(t, KeyHashFromBytes(f.keys[i].Pub), id)
		}
	})

	t.Run("MutationsRequireAuthorization", func(t *testing.T) {
		f := newCoordFixture(t, 1)

		_, err := f.c.AddWorkers(ctx, "stranger", [][]byte{f.keys[0].Pub}, []string{testAddr(9)})
		assert.ErrorIs(t, err, ErrUnauthorized)
		err = f.c.UpdateWorkers(ctx, "stranger", f.ids, []string{testAddr(9)})
		assert.ErrorIs(t, err, ErrUnauthorized)
		err = f.c.RemoveWorkers(ctx, "stranger", f.ids)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("RemoveDropsPersistedWorker", func(t *testing.T) {
		f := newCoordFixture(t, 2)
		require.NoError(t, f.c.RemoveWorkers(ctx, "admin", f.ids[:1]))

		_, err := f.c.GetWorkerInfo(f.ids[0])
		assert.ErrorIs(t, err, ErrWorkerNotFound)
		workers, err := f.store.ListWorkers(ctx)
		require.NoError(t, err)
		assert.Len(t, workers, 1)
	})

	t.Run("UnknownWorkerInfo", func(t *testing.T) {
		f := newCoordFixture(t, 1)
		_, err := f.c.GetWorkerInfo(testID(99))
		assert.ErrorIs(t, err, ErrWorkerNotFound)
	})
}

func TestCoordinatorRestore(t *testing.T) {
	ctx := context.Background()

	f := newCoordFixture(t, 2)
	fp, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
	require.NoError(t, err)
	order, err := f.c.GetEscalationOrder(fp)
	require.NoError(t, err)
	primary := indexOfKey(f.ids, order[0])

	// A second coordinator over the same store picks up where the first
	// left off.
	restored, err := NewCoordinator(CoordinatorOptions{
		Config: &Config{
			AssignDelta:       1000,
			FulfillLower:      10,
			FulfillUpper:      100,
			BlockInterval:     1,
			MaxResponseBlocks: 20,
			PeriodBlocks:      100,
			VerifyGasOverhead: 50,
			ConstantFee:       5,
			Treasury:          testTreasury,
		},
		Store:    f.store,
		Auth:     NewAllowList([]string{"admin"}),
		Verifier: SignatureVerifier{},
		Settler:  f.settler,
		Callback: f.callback,
		Now:      func() uint64 { return f.now },
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))

	// The assignment bonus survives the restart.
	info, err := restored.GetWorkerInfo(order[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), info.Score)
	assert.Equal(t, uint64(1), info.AssignCount)

	// Nonce allocation continues, it does not restart from zero.
	_, next, err := restored.CreateRequest(ctx, "admin", f.createParams())
	require.NoError(t, err)
	assert.Equal(t, nonce+1, next)

	// The restored status is fulfillable.
	req := f.fulfillmentRequest(nonce, 0)
	rank, err := restored.FulfillRequest(ctx, f.ids[primary], req, f.prove(t, fp, primary))
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
	assert.Equal(t, RequestStateFinalized, restored.GetRequestStatus(fp).State)
}

func TestCoordinatorRestoreHealsLostNonceCounter(t *testing.T) {
	ctx := context.Background()

	f := newCoordFixture(t, 2)
	_, nonce, err := f.c.CreateRequest(ctx, "admin", f.createParams())
	require.NoError(t, err)

	// Drop the persisted counter, keeping the status row: the write-through
	// of the counter failed before the restart.
	f.store.mu.Lock()
	delete(f.store.nonces, "consumer-1")
	f.store.mu.Unlock()

	restored, err := NewCoordinator(CoordinatorOptions{
		Config:   f.c.cfg,
		Store:    f.store,
		Auth:     NewAllowList([]string{"admin"}),
		Verifier: SignatureVerifier{},
		Settler:  f.settler,
		Callback: f.callback,
		Now:      func() uint64 { return f.now },
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))

	// The counter is rebuilt past the stored statuses, so the consumer is
	// not stuck on duplicates.
	_, next, err := restored.CreateRequest(ctx, "admin", f.createParams())
	require.NoError(t, err)
	assert.Equal(t, nonce+1, next)
}
