package detector

import "time"

// Baseline holds the last seen fingerprint of a program account.
type Baseline struct {
	value  string
	detail string
	at     time.Time
	set    bool
}

// ProgramVerdict is the outcome of one program sample.
type ProgramVerdict struct {
	Status Status
	First  bool
	// Previous is the fingerprint the sample was compared against.
	Previous       string
	PreviousDetail string
	PreviousAt     time.Time
}

// Observe compares the sample with the baseline. A differing fingerprint is anomalous
// and immediately becomes the new baseline, so a persisting change is reported once.
func (b *Baseline) Observe(s Sample) ProgramVerdict {
	if !b.set {
		b.value, b.detail, b.at, b.set = s.Fingerprint, s.Detail, s.At, true
		return ProgramVerdict{Status: Normal, First: true, Previous: s.Fingerprint, PreviousDetail: s.Detail, PreviousAt: s.At}
	}
	if !s.At.After(b.at) {
		return ProgramVerdict{Status: Stale, Previous: b.value, PreviousDetail: b.detail, PreviousAt: b.at}
	}

	verdict := ProgramVerdict{Status: Normal, Previous: b.value, PreviousDetail: b.detail, PreviousAt: b.at}
	if s.Fingerprint != b.value {
		verdict.Status = Anomalous
		b.value, b.detail = s.Fingerprint, s.Detail
	}
	b.at = s.At
	return verdict
}

// Value returns the current baseline fingerprint.
func (b *Baseline) Value() (string, bool) { return b.value, b.set }
