package oracle

import (
	"math"

	"go.uber.org/zap"
)

// Record is the global scoring aggregate: the worker slot sequence, the
// live count, per-worker stats and the per-period cumulative score sums.
// It is always passed explicitly so the ledger stays testable on bare
// state; locking is the owner's concern.
type Record struct {
	// Workers is append-only. Slot 0 is a reserved sentinel and removed
	// workers are tombstoned in place with the zero identifier, so slot
	// indices stay stable across removals.
	Workers    []KeyHash
	LiveCount  int
	Stats      map[KeyHash]*Stat
	PeriodSums map[uint64]uint64
	Period     PeriodState
}

// NewRecord returns an empty aggregate with the sentinel slot in place.
func NewRecord() *Record {
	return &Record{
		Workers:    make([]KeyHash, 1),
		Stats:      make(map[KeyHash]*Stat),
		PeriodSums: make(map[uint64]uint64),
	}
}

// liveWorkers collects the non-tombstoned identifiers in slot order.
func (r *Record) liveWorkers() []KeyHash {
	live := make([]KeyHash, 0, r.LiveCount)
	for _, id := range r.Workers[1:] {
		if id.IsZero() {
			continue
		}
		live = append(live, id)
	}
	return live
}

// Ledger applies the reputation scoring rules to a Record.
type Ledger struct {
	logger *zap.Logger
	events chan<- PeriodEvent
}

// NewLedger creates a ledger. events may be nil; when set, period
// transitions are delivered with a non-blocking send.
func NewLedger(logger *zap.Logger, events chan<- PeriodEvent) *Ledger {
	return &Ledger{logger: logger, events: events}
}

// OnRequestCreated runs the assignment pass: advance the period if due
// (decaying every live worker by the previous period's average), rank the
// live set ascending by score, and credit the lowest-scored worker with
// the assignment bonus. Returns the full ranking, most-eligible first.
func (l *Ledger) OnRequestCreated(rec *Record, cfg *Config, now uint64) ([]KeyHash, error) {
	l.maybeAdvancePeriod(rec, cfg, now)

	ids := rec.liveWorkers()
	if len(ids) == 0 {
		return nil, ErrWorkerNotFound
	}
	scores := make([]uint64, len(ids))
	for i, id := range ids {
		if st := rec.Stats[id]; st != nil {
			scores[i] = uint64(st.Score)
		}
	}
	if err := sortByScore(ids, scores); err != nil {
		return nil, err
	}

	l.applyScored(rec, ids[0], func(st *Stat) {
		st.Score = clampAdd(st.Score, cfg.AssignDelta)
		st.AssignCount++
	})

	l.logger.Debug("Assigned request",
		zap.String("worker", ids[0].String()),
		zap.Int("candidates", len(ids)),
		zap.Uint64("period", rec.Period.Current))

	return ids, nil
}

// OnRequestFulfilled applies the fulfillment score delta for the worker
// that responded at the given escalation position. A primary response
// (order 0) spends reputation, and spends more the faster it lands: the
// primary already collected the assignment bonus, so fast service is the
// paid-for baseline. A fallback response (order > 0) earns the flat lower
// bound for covering a missed deadline.
func (l *Ledger) OnRequestFulfilled(rec *Record, cfg *Config, worker KeyHash, fulfillOrder int, elapsed, now uint64) {
	l.maybeAdvancePeriod(rec, cfg, now)

	l.applyScored(rec, worker, func(st *Stat) {
		if fulfillOrder == 0 {
			st.Score = clampSub(st.Score, primaryCost(cfg, elapsed))
		} else {
			st.Score = clampAdd(st.Score, cfg.FulfillLower)
		}
		st.FulfillCount++
	})
}

// primaryCost computes the reputation spent by a rank-0 fulfillment,
// clamped to the configured upper bound.
func primaryCost(cfg *Config, elapsed uint64) uint32 {
	remaining := uint64(0)
	if elapsed < cfg.MaxResponseBlocks {
		remaining = cfg.MaxResponseBlocks - elapsed
	}
	cost := uint64(cfg.FulfillLower) + remaining/cfg.BlockInterval
	if cost > uint64(cfg.FulfillUpper) {
		cost = uint64(cfg.FulfillUpper)
	}
	return uint32(cost)
}

// applyScored wraps a score mutation with before/after reconciliation
// into the current period's cumulative sum, so the running sum always
// reflects the current period no matter when within it an update lands.
func (l *Ledger) applyScored(rec *Record, id KeyHash, mutate func(*Stat)) {
	st := rec.Stats[id]
	if st == nil {
		return
	}
	before := st.Score
	mutate(st)
	after := st.Score

	sum := rec.PeriodSums[rec.Period.Current]
	if after >= before {
		sum += uint64(after - before)
	} else {
		delta := uint64(before - after)
		if sum > delta {
			sum -= delta
		} else {
			sum = 0
		}
	}
	rec.PeriodSums[rec.Period.Current] = sum
}

// maybeAdvancePeriod performs the lazy period transition and the
// decay-and-redistribute pass. Every live worker loses the previous
// period's average score; workers at or below the average reset to zero
// rather than going negative, which caps the downside of inactivity.
// The decay pass itself is not reconciled into any period sum: the new
// period starts its sum from whatever events land in it.
func (l *Ledger) maybeAdvancePeriod(rec *Record, cfg *Config, now uint64) {
	prev := rec.Period.Current
	advanced, current := rec.Period.TryAdvance(now, cfg.PeriodBlocks)
	if !advanced {
		return
	}

	if rec.LiveCount > 0 {
		avg := rec.PeriodSums[prev] / uint64(rec.LiveCount)
		if avg > 0 {
			decay := uint32(avg)
			if avg > math.MaxUint32 {
				decay = math.MaxUint32
			}
			for _, id := range rec.liveWorkers() {
				if st := rec.Stats[id]; st != nil {
					st.Score = clampSub(st.Score, decay)
				}
			}
		}
	}

	l.logger.Info("Period advanced",
		zap.Uint64("period", current),
		zap.Uint64("at", now))

	if l.events != nil {
		select {
		case l.events <- PeriodEvent{Period: current, At: now}:
		default:
		}
	}
}

// LedgerSnapshot is a read-only view of the aggregate for observability.
type LedgerSnapshot struct {
	Period       uint64
	LiveWorkers  int
	PeriodSum    uint64
	TotalScore   uint64
	AverageScore float64
}

// Snapshot summarizes the current record state.
func (l *Ledger) Snapshot(rec *Record) LedgerSnapshot {
	snap := LedgerSnapshot{
		Period:      rec.Period.Current,
		LiveWorkers: rec.LiveCount,
		PeriodSum:   rec.PeriodSums[rec.Period.Current],
	}
	for _, id := range rec.liveWorkers() {
		if st := rec.Stats[id]; st != nil {
			snap.TotalScore += uint64(st.Score)
		}
	}
	if snap.LiveWorkers > 0 {
		snap.AverageScore = float64(snap.TotalScore) / float64(snap.LiveWorkers)
	}
	return snap
}

// PrunePeriodSums drops sums older than the retention horizon. Called by
// maintenance, never by the scoring path: the current and previous
// period sums are always kept.
func (l *Ledger) PrunePeriodSums(rec *Record, keep uint64) int {
	if rec.Period.Current <= keep {
		return 0
	}
	cutoff := rec.Period.Current - keep
	pruned := 0
	for p := range rec.PeriodSums {
		if p < cutoff {
			delete(rec.PeriodSums, p)
			pruned++
		}
	}
	return pruned
}

func clampAdd(score, delta uint32) uint32 {
	sum := uint64(score) + uint64(delta)
	if sum > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(sum)
}

func clampSub(score, delta uint32) uint32 {
	if delta >= score {
		return 0
	}
	return score - delta
}
