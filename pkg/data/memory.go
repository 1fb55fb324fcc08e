package data

import (
	"context"
	"sync"

	"oracle_coordinator/pkg/oracle"
)

// MemoryStore is an in-process oracle.Store used by tests and as the
// default when no database is configured.
type MemoryStore struct {
	workers   map[oracle.KeyHash]oracle.StoredWorker
	nonces    map[string]uint64
	statuses  map[oracle.Fingerprint]oracle.StoredStatus
	transfers []oracle.Transfer
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:  make(map[oracle.KeyHash]oracle.StoredWorker),
		nonces:   make(map[string]uint64),
		statuses: make(map[oracle.Fingerprint]oracle.StoredStatus),
	}
}

func (m *MemoryStore) SaveWorker(_ context.Context, w oracle.Worker, st oracle.Stat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.KeyHash] = oracle.StoredWorker{Worker: w, Stat: st}
	return nil
}

func (m *MemoryStore) DeleteWorker(_ context.Context, id oracle.KeyHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; !ok {
		return ErrNotFound
	}
	delete(m.workers, id)
	return nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]oracle.StoredWorker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workers := make([]oracle.StoredWorker, 0, len(m.workers))
	for _, sw := range m.workers {
		workers = append(workers, sw)
	}
	return workers, nil
}

func (m *MemoryStore) SaveNonce(_ context.Context, consumer string, next uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[consumer] = next
	return nil
}

func (m *MemoryStore) ListNonces(_ context.Context) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nonces := make(map[string]uint64, len(m.nonces))
	for consumer, next := range m.nonces {
		nonces[consumer] = next
	}
	return nonces, nil
}

func (m *MemoryStore) SaveRequestStatus(_ context.Context, ss oracle.StoredStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statuses[ss.Status.Fingerprint]; ok {
		return ErrDuplicate
	}
	m.statuses[ss.Status.Fingerprint] = ss
	return nil
}

func (m *MemoryStore) SetFinalizer(_ context.Context, fp oracle.Fingerprint, finalizer oracle.KeyHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.statuses[fp]
	if !ok {
		return ErrNotFound
	}
	if !ss.Status.FinalizedBy.IsZero() {
		return ErrDuplicate
	}
	ss.Status.FinalizedBy = finalizer
	m.statuses[fp] = ss
	return nil
}

func (m *MemoryStore) ClearFinalizer(_ context.Context, fp oracle.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.statuses[fp]
	if !ok {
		return ErrNotFound
	}
	ss.Status.FinalizedBy = oracle.KeyHash{}
	m.statuses[fp] = ss
	return nil
}

func (m *MemoryStore) ListRequestStatuses(_ context.Context) ([]oracle.StoredStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make([]oracle.StoredStatus, 0, len(m.statuses))
	for _, ss := range m.statuses {
		statuses = append(statuses, ss)
	}
	return statuses, nil
}

func (m *MemoryStore) SaveTransfer(_ context.Context, t oracle.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, t)
	return nil
}

// Transfers returns a copy of the recorded receipts, useful in tests.
func (m *MemoryStore) Transfers() []oracle.Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]oracle.Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}
