package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type nonceKey struct {
	consumer string
	nonce    uint64
}

// Coordinator composes the registry, reputation ledger and request
// lifecycle into the externally observable operation set.
type Coordinator struct {
	cfg      *Config
	registry *Registry
	ledger   *Ledger
	store    Store
	auth     Authorizer
	verifier ProofVerifier
	settler  Settler
	callback CallbackInvoker
	now      TimeSource
	logger   *zap.Logger

	statuses map[Fingerprint]*RequestStatus
	byNonce  map[nonceKey]Fingerprint
	nonces   map[string]uint64
	locks    *fingerprintLocks
	mu       sync.RWMutex
}

// CoordinatorOptions carries the collaborators a Coordinator is wired
// with.
type CoordinatorOptions struct {
	Config   *Config
	Store    Store
	Auth     Authorizer
	Verifier ProofVerifier
	Settler  Settler
	Callback CallbackInvoker
	Now      TimeSource
	Events   chan<- PeriodEvent
	Logger   *zap.Logger
}

// NewCoordinator validates the configuration and assembles a coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if opts.Store == nil || opts.Auth == nil || opts.Verifier == nil ||
		opts.Settler == nil || opts.Callback == nil || opts.Now == nil {
		return nil, fmt.Errorf("missing coordinator collaborator")
	}
	return &Coordinator{
		cfg:      opts.Config,
		registry: NewRegistry(opts.Now, opts.Logger),
		ledger:   NewLedger(opts.Logger, opts.Events),
		store:    opts.Store,
		auth:     opts.Auth,
		verifier: opts.Verifier,
		settler:  opts.Settler,
		callback: opts.Callback,
		now:      opts.Now,
		logger:   opts.Logger,
		statuses: make(map[Fingerprint]*RequestStatus),
		byNonce:  make(map[nonceKey]Fingerprint),
		nonces:   make(map[string]uint64),
		locks:    newFingerprintLocks(),
	}, nil
}

// Registry exposes the worker registry for read paths and maintenance.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Ledger exposes the reputation ledger for maintenance and snapshots.
func (c *Coordinator) Ledger() *Ledger { return c.ledger }

// CreateParams are the caller-supplied request fields; nonce, creation
// time and the constant fee are assigned by the coordinator.
type CreateParams struct {
	Requester        string
	Consumer         string
	RefundAddr       string
	CallbackGasLimit uint64
	GasPrice         uint64
	GasFee           uint64
}

// EstimateFee returns the total fee a request must carry: the flat
// treasury fee plus gas for verification and the consumer callback.
func (c *Coordinator) EstimateFee(gasPrice, callbackGasLimit uint64) uint64 {
	return c.cfg.ConstantFee + gasPrice*(callbackGasLimit+c.cfg.VerifyGasOverhead)
}

// CreateRequest allocates a nonce, fingerprints the request, computes the
// escalation order from the current reputation ranking and persists both.
// Returns the fingerprint and the assigned nonce.
func (c *Coordinator) CreateRequest(ctx context.Context, caller string, p CreateParams) (Fingerprint, uint64, error) {
	if !c.auth.IsAuthorizedCaller(caller) {
		return Fingerprint{}, 0, ErrUnauthorized
	}

	now := c.now()
	req := RandomRequest{
		Requester:        p.Requester,
		Consumer:         p.Consumer,
		RefundAddr:       p.RefundAddr,
		CallbackGasLimit: p.CallbackGasLimit,
		GasPrice:         p.GasPrice,
		GasFee:           p.GasFee,
		ConstantFee:      c.cfg.ConstantFee,
		CreatedAt:        now,
	}
	if err := req.Validate(); err != nil {
		return Fingerprint{}, 0, err
	}
	if req.GasFee+req.ConstantFee < c.EstimateFee(req.GasPrice, req.CallbackGasLimit) {
		return Fingerprint{}, 0, ErrFeeTooLow
	}

	// Nonce allocation and the duplicate check come before any ledger
	// mutation: a rejected create must leave scores untouched. The lock is
	// held across the ranking so concurrent creates for one consumer
	// cannot race the counter.
	c.mu.Lock()
	req.Nonce = c.nonces[req.Consumer]
	key := nonceKey{consumer: req.Consumer, nonce: req.Nonce}
	if stored, ok := c.byNonce[key]; ok && !stored.IsZero() {
		c.mu.Unlock()
		return Fingerprint{}, 0, ErrDuplicateNonce
	}

	var order []KeyHash
	err := c.registry.UpdateRecord(func(rec *Record) error {
		ranked, err := c.ledger.OnRequestCreated(rec, c.cfg, now)
		if err != nil {
			return err
		}
		order = ranked
		return nil
	})
	if err != nil {
		c.mu.Unlock()
		return Fingerprint{}, 0, fmt.Errorf("ranking workers: %w", err)
	}

	fp := req.Fingerprint()
	c.nonces[req.Consumer] = req.Nonce + 1
	status := &RequestStatus{Fingerprint: fp, Order: order}
	c.statuses[fp] = status
	c.byNonce[key] = fp
	c.mu.Unlock()

	if err := c.store.SaveNonce(ctx, req.Consumer, req.Nonce+1); err != nil {
		c.logger.Error("Persisting nonce failed", zap.Error(err))
	}
	if err := c.store.SaveRequestStatus(ctx, StoredStatus{
		Consumer: req.Consumer,
		Nonce:    req.Nonce,
		Status:   *status,
	}); err != nil {
		c.logger.Error("Persisting request status failed",
			zap.String("fingerprint", fp.String()), zap.Error(err))
	}
	c.persistWorker(ctx, order[0])

	c.logger.Info("Request created",
		zap.String("fingerprint", fp.String()),
		zap.String("consumer", req.Consumer),
		zap.Uint64("nonce", req.Nonce),
		zap.String("assigned", order[0].String()))

	return fp, req.Nonce, nil
}

// FulfillRequest verifies that the caller is the worker whose escalation
// window is open, finalizes the request exactly once, then runs proof
// verification, settlement, scoring and the consumer callback. Returns
// the rank position that was accepted.
//
// State ordering: the finalizer is committed before any external
// collaborator runs, under the still-held per-fingerprint lock, and is
// rolled back only on verification or payee-transfer failure. The lock
// makes that rollback invisible to concurrent attempts.
func (c *Coordinator) FulfillRequest(ctx context.Context, caller KeyHash, req RandomRequest, proof []byte) (int, error) {
	if caller.IsZero() {
		return 0, ErrZeroIdentifier
	}
	fp := req.Fingerprint()

	if !c.locks.TryLock(fp) {
		return 0, ErrLocked
	}
	defer c.locks.Unlock(fp)

	c.mu.RLock()
	stored, ok := c.byNonce[nonceKey{consumer: req.Consumer, nonce: req.Nonce}]
	status := c.statuses[fp]
	c.mu.RUnlock()
	if !ok || stored != fp || status == nil {
		return 0, ErrUnknownOrStaleRequest
	}
	if !status.FinalizedBy.IsZero() {
		return 0, ErrAlreadyFinalized
	}

	now := c.now()
	var elapsed uint64
	if now > req.CreatedAt {
		elapsed = now - req.CreatedAt
	}
	rankIndex := int(elapsed / c.cfg.MaxResponseBlocks)
	if rankIndex >= len(status.Order) {
		return 0, ErrDeadlineExceeded
	}
	if status.Order[rankIndex] != caller {
		return 0, ErrNotAuthorizedForRank
	}

	pub, ok := c.registry.PublicKeyOf(caller)
	if !ok {
		// Worker left the pool after the order snapshot; its proof can
		// no longer be checked against a declared key.
		return 0, ErrNotAuthorizedForRank
	}

	c.mu.Lock()
	status.FinalizedBy = caller
	c.mu.Unlock()
	if err := c.store.SetFinalizer(ctx, fp, caller); err != nil {
		c.revertFinalizer(ctx, fp, status)
		return 0, fmt.Errorf("committing finalizer: %w", err)
	}

	value, err := c.verifier.Verify(proof, ExpectedSeed(fp, caller, pub), pub)
	if err != nil {
		c.revertFinalizer(ctx, fp, status)
		return 0, err
	}

	if err := c.settle(ctx, fp, caller, &req); err != nil {
		c.revertFinalizer(ctx, fp, status)
		return 0, err
	}

	err = c.registry.UpdateRecord(func(rec *Record) error {
		c.ledger.OnRequestFulfilled(rec, c.cfg, caller, rankIndex, elapsed, now)
		return nil
	})
	if err != nil {
		c.logger.Error("Scoring fulfillment failed", zap.Error(err))
	}
	c.persistWorker(ctx, caller)

	if err := c.callback.Invoke(ctx, req.Consumer, fp, value, req.CallbackGasLimit); err != nil {
		c.logger.Warn("Consumer callback failed",
			zap.String("fingerprint", fp.String()),
			zap.String("consumer", req.Consumer),
			zap.Error(err))
	}

	c.refund(ctx, fp, &req)

	c.logger.Info("Request fulfilled",
		zap.String("fingerprint", fp.String()),
		zap.String("worker", caller.String()),
		zap.Int("rank", rankIndex),
		zap.Uint64("elapsed", elapsed))

	return rankIndex, nil
}

// settle pays the treasury fee and the worker. Either transfer failing
// aborts the fulfillment.
func (c *Coordinator) settle(ctx context.Context, fp Fingerprint, worker KeyHash, req *RandomRequest) error {
	if err := c.transfer(ctx, fp, c.cfg.Treasury, req.ConstantFee, TransferConstantFee); err != nil {
		return err
	}

	workerAddr, ok := c.registry.AddressOf(worker)
	if !ok {
		return ErrWorkerNotFound
	}
	payment := req.GasPrice * (req.CallbackGasLimit + c.cfg.VerifyGasOverhead)
	return c.transfer(ctx, fp, workerAddr, payment, TransferWorkerPayment)
}

// refund returns the unspent remainder to the requester-specified refund
// address. A failed refund is tolerated: it is recorded and logged but
// the fulfillment stands.
func (c *Coordinator) refund(ctx context.Context, fp Fingerprint, req *RandomRequest) {
	spent := req.GasPrice * (req.CallbackGasLimit + c.cfg.VerifyGasOverhead)
	if req.GasFee <= spent {
		return
	}
	if err := c.transfer(ctx, fp, req.RefundAddr, req.GasFee-spent, TransferRefund); err != nil {
		c.logger.Warn("Refund transfer failed",
			zap.String("fingerprint", fp.String()),
			zap.String("refundAddr", req.RefundAddr),
			zap.Error(err))
	}
}

func (c *Coordinator) transfer(ctx context.Context, fp Fingerprint, recipient string, amount uint64, kind TransferKind) error {
	receipt := Transfer{
		ID:          uuid.New().String(),
		Fingerprint: fp,
		Recipient:   recipient,
		Amount:      amount,
		Kind:        kind,
		Status:      TransferCompleted,
	}
	err := c.settler.Transfer(ctx, recipient, amount, 0)
	if err != nil {
		receipt.Status = TransferFailed
	}
	if saveErr := c.store.SaveTransfer(ctx, receipt); saveErr != nil {
		c.logger.Error("Persisting transfer receipt failed",
			zap.String("receipt", receipt.ID), zap.Error(saveErr))
	}
	if err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrTransferFailed, kind, recipient, err)
	}
	return nil
}

func (c *Coordinator) revertFinalizer(ctx context.Context, fp Fingerprint, status *RequestStatus) {
	c.mu.Lock()
	status.FinalizedBy = KeyHash{}
	c.mu.Unlock()
	if err := c.store.ClearFinalizer(ctx, fp); err != nil {
		c.logger.Error("Reverting finalizer failed",
			zap.String("fingerprint", fp.String()), zap.Error(err))
	}
}

func (c *Coordinator) persistWorker(ctx context.Context, id KeyHash) {
	w, st, ok := c.registry.GetWorker(id)
	if !ok {
		return
	}
	if err := c.store.SaveWorker(ctx, w, st); err != nil {
		c.logger.Error("Persisting worker failed",
			zap.String("worker", id.String()), zap.Error(err))
	}
}

// AddWorkers registers workers from their declared public keys and
// addresses; identifiers are derived, never caller-chosen.
func (c *Coordinator) AddWorkers(ctx context.Context, caller string, pubs [][]byte, addrs []string) ([]KeyHash, error) {
	if !c.auth.IsAuthorizedCaller(caller) {
		return nil, ErrUnauthorized
	}
	if len(pubs) != len(addrs) {
		return nil, ErrLengthMismatch
	}
	ids := make([]KeyHash, len(pubs))
	for i, pub := range pubs {
		if len(pub) == 0 {
			return nil, ErrZeroIdentifier
		}
		ids[i] = KeyHashFromBytes(pub)
	}
	if err := c.registry.Add(ids, addrs, pubs); err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.persistWorker(ctx, id)
	}
	return ids, nil
}

// UpdateWorkers rebinds worker addresses.
func (c *Coordinator) UpdateWorkers(ctx context.Context, caller string, ids []KeyHash, addrs []string) error {
	if !c.auth.IsAuthorizedCaller(caller) {
		return ErrUnauthorized
	}
	if err := c.registry.Update(ids, addrs); err != nil {
		return err
	}
	for _, id := range ids {
		c.persistWorker(ctx, id)
	}
	return nil
}

// RemoveWorkers tombstones workers and drops their stats.
func (c *Coordinator) RemoveWorkers(ctx context.Context, caller string, ids []KeyHash) error {
	if !c.auth.IsAuthorizedCaller(caller) {
		return ErrUnauthorized
	}
	if err := c.registry.Remove(ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.store.DeleteWorker(ctx, id); err != nil {
			c.logger.Error("Deleting persisted worker failed",
				zap.String("worker", id.String()), zap.Error(err))
		}
	}
	return nil
}

// WorkerInfo is the read-model for a registered worker.
type WorkerInfo struct {
	KeyHash      KeyHash
	Address      string
	Score        uint32
	AssignCount  uint64
	FulfillCount uint64
	UpdatedAt    uint64
}

// GetWorkerInfo returns a worker's binding and counters.
func (c *Coordinator) GetWorkerInfo(id KeyHash) (WorkerInfo, error) {
	w, st, ok := c.registry.GetWorker(id)
	if !ok {
		return WorkerInfo{}, ErrWorkerNotFound
	}
	return WorkerInfo{
		KeyHash:      w.KeyHash,
		Address:      w.Address,
		Score:        st.Score,
		AssignCount:  st.AssignCount,
		FulfillCount: st.FulfillCount,
		UpdatedAt:    w.UpdatedAt,
	}, nil
}

// GetEscalationOrder returns the ranked worker sequence snapshotted at
// request creation.
func (c *Coordinator) GetEscalationOrder(fp Fingerprint) ([]KeyHash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.statuses[fp]
	if !ok {
		return nil, ErrUnknownOrStaleRequest
	}
	order := make([]KeyHash, len(status.Order))
	copy(order, status.Order)
	return order, nil
}

// RequestStatusView is the read-model for a request.
type RequestStatusView struct {
	Fingerprint Fingerprint
	State       RequestState
	Order       []KeyHash
	FinalizedBy KeyHash
}

// GetRequestStatus reports the lifecycle state for a fingerprint. Unknown
// fingerprints are Unseen, not an error.
func (c *Coordinator) GetRequestStatus(fp Fingerprint) RequestStatusView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.statuses[fp]
	if !ok {
		return RequestStatusView{Fingerprint: fp, State: RequestStateUnseen}
	}
	order := make([]KeyHash, len(status.Order))
	copy(order, status.Order)
	return RequestStatusView{
		Fingerprint: fp,
		State:       status.State(),
		Order:       order,
		FinalizedBy: status.FinalizedBy,
	}
}

// Restore rehydrates workers, nonces and request statuses from the store
// after a restart.
func (c *Coordinator) Restore(ctx context.Context) error {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("loading workers: %w", err)
	}
	if len(workers) > 0 {
		ids := make([]KeyHash, len(workers))
		addrs := make([]string, len(workers))
		pubs := make([][]byte, len(workers))
		for i, sw := range workers {
			ids[i] = sw.Worker.KeyHash
			addrs[i] = sw.Worker.Address
			pubs[i] = sw.Worker.PublicKey
		}
		if err := c.registry.Add(ids, addrs, pubs); err != nil {
			return fmt.Errorf("restoring workers: %w", err)
		}
		err = c.registry.UpdateRecord(func(rec *Record) error {
			for _, sw := range workers {
				st := sw.Stat
				rec.Stats[sw.Worker.KeyHash] = &st
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	nonces, err := c.store.ListNonces(ctx)
	if err != nil {
		return fmt.Errorf("loading nonces: %w", err)
	}
	statuses, err := c.store.ListRequestStatuses(ctx)
	if err != nil {
		return fmt.Errorf("loading request statuses: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for consumer, next := range nonces {
		c.nonces[consumer] = next
	}
	for _, ss := range statuses {
		status := ss.Status
		c.statuses[status.Fingerprint] = &status
		c.byNonce[nonceKey{consumer: ss.Consumer, nonce: ss.Nonce}] = status.Fingerprint
		// The nonce counter may trail the statuses if a counter write was
		// lost; the next counter must clear every stored nonce or the
		// consumer is wedged on permanent duplicates.
		if next := ss.Nonce + 1; c.nonces[ss.Consumer] < next {
			c.nonces[ss.Consumer] = next
		}
	}
	c.logger.Info("State restored",
		zap.Int("workers", len(workers)),
		zap.Int("requests", len(statuses)))
	return nil
}
