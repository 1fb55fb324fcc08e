package oracle

import (
	"fmt"
	"sync"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Registry maintains the bijective mapping between worker identifiers and
// network addresses, and owns the Record aggregate. Batch mutations are
// atomic per call: the whole batch is validated before anything changes.
type Registry struct {
	rec     *Record
	slots   map[KeyHash]int
	byAddr  map[string]KeyHash
	workers map[KeyHash]*Worker
	now     TimeSource
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewRegistry creates a registry around a fresh Record.
func NewRegistry(now TimeSource, logger *zap.Logger) *Registry {
	return &Registry{
		rec:     NewRecord(),
		slots:   make(map[KeyHash]int),
		byAddr:  make(map[string]KeyHash),
		workers: make(map[KeyHash]*Worker),
		now:     now,
		logger:  logger,
	}
}

// validateAddress requires a parseable multiaddr so registered endpoints
// are dialable, not free-form strings.
func validateAddress(addr string) error {
	if addr == "" {
		return ErrEmptyAddress
	}
	if _, err := multiaddr.NewMultiaddr(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyAddress, err)
	}
	return nil
}

// Add registers a batch of workers. ids, addrs and pubs are paired
// arrays; identifiers must be fresh and addresses unbound.
func (r *Registry) Add(ids []KeyHash, addrs []string, pubs [][]byte) error {
	if len(ids) != len(addrs) || len(ids) != len(pubs) {
		return ErrLengthMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seenID := make(map[KeyHash]struct{}, len(ids))
	seenAddr := make(map[string]struct{}, len(addrs))
	for i, id := range ids {
		if id.IsZero() {
			return ErrZeroIdentifier
		}
		if err := validateAddress(addrs[i]); err != nil {
			return err
		}
		if len(pubs[i]) == 0 {
			return fmt.Errorf("%w: missing public key", ErrInvalidRequest)
		}
		if _, dup := seenID[id]; dup {
			return ErrWorkerExists
		}
		if _, dup := seenAddr[addrs[i]]; dup {
			return ErrAddressInUse
		}
		if _, exists := r.slots[id]; exists {
			return ErrWorkerExists
		}
		if _, bound := r.byAddr[addrs[i]]; bound {
			return ErrAddressInUse
		}
		seenID[id] = struct{}{}
		seenAddr[addrs[i]] = struct{}{}
	}

	at := r.now()
	for i, id := range ids {
		r.rec.Workers = append(r.rec.Workers, id)
		r.rec.LiveCount++
		r.rec.Stats[id] = &Stat{}
		r.slots[id] = len(r.rec.Workers) - 1
		r.byAddr[addrs[i]] = id
		r.workers[id] = &Worker{
			KeyHash:   id,
			Address:   addrs[i],
			PublicKey: pubs[i],
			UpdatedAt: at,
		}
		r.logger.Info("Worker registered",
			zap.String("worker", id.String()),
			zap.String("address", addrs[i]))
	}
	return nil
}

// Update rebinds addresses for existing workers without touching their
// score history.
func (r *Registry) Update(ids []KeyHash, addrs []string) error {
	if len(ids) != len(addrs) {
		return ErrLengthMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seenAddr := make(map[string]struct{}, len(addrs))
	for i, id := range ids {
		if id.IsZero() {
			return ErrZeroIdentifier
		}
		if err := validateAddress(addrs[i]); err != nil {
			return err
		}
		if _, exists := r.slots[id]; !exists {
			return ErrWorkerNotFound
		}
		if _, dup := seenAddr[addrs[i]]; dup {
			return ErrAddressInUse
		}
		if bound, ok := r.byAddr[addrs[i]]; ok && bound != id {
			return ErrAddressInUse
		}
		seenAddr[addrs[i]] = struct{}{}
	}

	at := r.now()
	for i, id := range ids {
		w := r.workers[id]
		delete(r.byAddr, w.Address)
		w.Address = addrs[i]
		w.UpdatedAt = at
		r.byAddr[addrs[i]] = id
	}
	return nil
}

// Remove tombstones workers in place. Slots are never compacted, so
// indices held elsewhere stay valid; the Stat entry is deleted outright
// (a re-added worker starts from a zero score).
func (r *Registry) Remove(ids []KeyHash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[KeyHash]struct{}, len(ids))
	for _, id := range ids {
		if id.IsZero() {
			return ErrZeroIdentifier
		}
		if _, dup := seen[id]; dup {
			return ErrWorkerNotFound
		}
		if _, exists := r.slots[id]; !exists {
			return ErrWorkerNotFound
		}
		seen[id] = struct{}{}
	}

	for _, id := range ids {
		slot := r.slots[id]
		r.rec.Workers[slot] = KeyHash{}
		r.rec.LiveCount--
		delete(r.rec.Stats, id)
		delete(r.slots, id)
		w := r.workers[id]
		delete(r.byAddr, w.Address)
		delete(r.workers, id)
		r.logger.Info("Worker removed", zap.String("worker", id.String()))
	}
	return nil
}

// ListLive returns the live identifiers in slot order.
func (r *Registry) ListLive() []KeyHash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec.liveWorkers()
}

// AddressOf resolves a worker's network address.
func (r *Registry) AddressOf(id KeyHash) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return "", false
	}
	return w.Address, true
}

// IdentifierOf resolves the worker bound to an address.
func (r *Registry) IdentifierOf(addr string) (KeyHash, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

// GetWorker returns a copy of the worker record plus its current stat.
func (r *Registry) GetWorker(id KeyHash) (Worker, Stat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, Stat{}, false
	}
	var st Stat
	if s := r.rec.Stats[id]; s != nil {
		st = *s
	}
	return *w, st, true
}

// PublicKeyOf returns the declared public key for a worker.
func (r *Registry) PublicKeyOf(id KeyHash) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.PublicKey, true
}

// UpdateRecord runs f with exclusive access to the aggregate. The ledger
// operates on the Record through this hook.
func (r *Registry) UpdateRecord(f func(*Record) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r.rec)
}

// ViewRecord runs f with shared access to the aggregate.
func (r *Registry) ViewRecord(f func(*Record)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f(r.rec)
}
