package oracle

import (
	"context"
	"sync"
)

// Store is the durable persistence boundary. The coordinator keeps the
// authoritative state in memory and writes through; implementations live
// in pkg/data.
type Store interface {
	SaveWorker(ctx context.Context, w Worker, st Stat) error
	DeleteWorker(ctx context.Context, id KeyHash) error
	ListWorkers(ctx context.Context) ([]StoredWorker, error)

	SaveNonce(ctx context.Context, consumer string, next uint64) error
	ListNonces(ctx context.Context) (map[string]uint64, error)

	SaveRequestStatus(ctx context.Context, s StoredStatus) error
	SetFinalizer(ctx context.Context, fp Fingerprint, finalizer KeyHash) error
	ClearFinalizer(ctx context.Context, fp Fingerprint) error
	ListRequestStatuses(ctx context.Context) ([]StoredStatus, error)

	SaveTransfer(ctx context.Context, t Transfer) error
}

// StoredWorker pairs a worker with its stat for persistence.
type StoredWorker struct {
	Worker Worker
	Stat   Stat
}

// StoredStatus carries a request status plus the (consumer, nonce) key it
// is stored under.
type StoredStatus struct {
	Consumer string
	Nonce    uint64
	Status   RequestStatus
}

// Transfer is a settlement receipt.
type Transfer struct {
	ID          string
	Fingerprint Fingerprint
	Recipient   string
	Amount      uint64
	Kind        TransferKind
	Status      TransferStatus
}

// TransferKind labels the three per-fulfillment transfers.
type TransferKind string

const (
	TransferConstantFee   TransferKind = "constant_fee"
	TransferWorkerPayment TransferKind = "worker_payment"
	TransferRefund        TransferKind = "refund"
)

// TransferStatus records the settlement outcome.
type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Settler moves funds at fulfillment time.
type Settler interface {
	Transfer(ctx context.Context, recipient string, amount, gasStipend uint64) error
}

// CallbackInvoker delivers the random value to the consumer under a gas
// budget. A callback failure never propagates to the fulfillment.
type CallbackInvoker interface {
	Invoke(ctx context.Context, consumer string, fp Fingerprint, value RandomValue, gasLimit uint64) error
}

// fingerprintLocks is the per-request finalization guard: a try-lock per
// fingerprint rather than a process-wide flag, so unrelated fulfillments
// never block each other.
type fingerprintLocks struct {
	held map[Fingerprint]struct{}
	mu   sync.Mutex
}

func newFingerprintLocks() *fingerprintLocks {
	return &fingerprintLocks{held: make(map[Fingerprint]struct{})}
}

// TryLock acquires the guard for fp, reporting false if a fulfillment for
// the same fingerprint is already mid-flight.
func (l *fingerprintLocks) TryLock(fp Fingerprint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[fp]; busy {
		return false
	}
	l.held[fp] = struct{}{}
	return true
}

// Unlock releases the guard. Must be called on every exit path.
func (l *fingerprintLocks) Unlock(fp Fingerprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, fp)
}
