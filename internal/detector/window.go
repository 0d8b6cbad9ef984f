package detector

import (
	"time"

	"github.com/shopspring/decimal"

	"vault-watcher/internal/registry"
)

type point struct {
	at    time.Time
	value decimal.Decimal
}

// VaultWindow retains the balance extremes of the last MaxChangePeriod.
//
// Two monotonic deques hold the candidates for the running minimum and maximum, so
// each Observe costs O(1) amortized. Entries older than the period are evicted lazily
// when the next sample arrives.
type VaultWindow struct {
	rule registry.VaultRule

	mins deque[point]
	maxs deque[point]

	last   point
	seeded bool
}

// VaultVerdict is the outcome of one vault sample.
type VaultVerdict struct {
	Status Status
	// First marks the sample that seeded the window.
	First bool
	// Delta is the largest swing between the new balance and any balance in the window.
	Delta decimal.Decimal
	// Reference is the window extreme the delta was measured against.
	Reference decimal.Decimal
	// Span is the time between the reference sample and the new sample.
	Span time.Duration
	// Previous is the balance of the preceding accepted sample.
	Previous decimal.Decimal
	Min      decimal.Decimal
	Max      decimal.Decimal
	// BelowMinimum is set when the rule carries a MinBalance and the balance is under it.
	BelowMinimum bool
}

// NewVaultWindow returns an empty window for the rule.
func NewVaultWindow(rule registry.VaultRule) *VaultWindow {
	return &VaultWindow{rule: rule}
}

// Observe evicts expired extremes, inserts the sample and classifies it.
// Samples not strictly newer than the last accepted one are reported Stale and change nothing.
func (w *VaultWindow) Observe(s Sample) VaultVerdict {
	if w.seeded && !s.At.After(w.last.at) {
		return VaultVerdict{Status: Stale, Previous: w.last.value}
	}

	previous := w.last.value
	first := !w.seeded

	w.evict(s.At.Add(-w.rule.MaxChangePeriod))
	w.insert(point{at: s.At, value: s.Balance})
	w.last = point{at: s.At, value: s.Balance}
	w.seeded = true

	lo, hi := w.mins.Front(), w.maxs.Front()
	up := s.Balance.Sub(lo.value)
	down := hi.value.Sub(s.Balance)

	verdict := VaultVerdict{
		Status:   Normal,
		First:    first,
		Previous: previous,
		Min:      lo.value,
		Max:      hi.value,
	}
	if first {
		verdict.Previous = s.Balance
	}
	if up.GreaterThanOrEqual(down) {
		verdict.Delta, verdict.Reference, verdict.Span = up, lo.value, s.At.Sub(lo.at)
	} else {
		verdict.Delta, verdict.Reference, verdict.Span = down, hi.value, s.At.Sub(hi.at)
	}
	if verdict.Delta.GreaterThan(w.rule.MaxChange) {
		verdict.Status = Anomalous
	}
	if w.rule.MinBalance != nil && s.Balance.LessThan(*w.rule.MinBalance) {
		verdict.BelowMinimum = true
	}
	return verdict
}

// Extremes returns the current window minimum and maximum.
func (w *VaultWindow) Extremes() (lo, hi decimal.Decimal, ok bool) {
	if !w.seeded {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return w.mins.Front().value, w.maxs.Front().value, true
}

// Last returns the most recent accepted sample time and balance.
func (w *VaultWindow) Last() (time.Time, decimal.Decimal, bool) {
	return w.last.at, w.last.value, w.seeded
}

func (w *VaultWindow) evict(cutoff time.Time) {
	for w.mins.Len() > 0 && w.mins.Front().at.Before(cutoff) {
		w.mins.PopFront()
	}
	for w.maxs.Len() > 0 && w.maxs.Front().at.Before(cutoff) {
		w.maxs.PopFront()
	}
}

func (w *VaultWindow) insert(p point) {
	for w.mins.Len() > 0 && w.mins.Back().value.GreaterThanOrEqual(p.value) {
		w.mins.PopBack()
	}
	w.mins.PushBack(p)

	for w.maxs.Len() > 0 && w.maxs.Back().value.LessThanOrEqual(p.value) {
		w.maxs.PopBack()
	}
	w.maxs.PushBack(p)
}
