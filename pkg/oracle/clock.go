package oracle

// PeriodState is the monotonic scoring-period counter. All scoring
// operations are scoped to Current; transitions are computed lazily from
// the caller-supplied logical time.
type PeriodState struct {
	Current       uint64
	LastUpdatedAt uint64
}

// PeriodEvent is emitted whenever the period counter advances.
type PeriodEvent struct {
	Period uint64
	At     uint64
}

// TryAdvance moves the counter forward if at least one full period has
// elapsed since the last transition. Multiple elapsed periods collapse
// into a single jump. The counter never rewinds: a now before the last
// transition is a no-op.
func (p *PeriodState) TryAdvance(now, periodBlocks uint64) (bool, uint64) {
	if now < p.LastUpdatedAt+periodBlocks {
		return false, p.Current
	}
	p.Current += (now - p.LastUpdatedAt) / periodBlocks
	p.LastUpdatedAt = now
	return true, p.Current
}
