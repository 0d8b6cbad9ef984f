package detector

import "time"

// Debouncer decides whether an anomalous verdict becomes a notification.
//
// In suppressing mode an episode starts with the first anomaly and ends with the next
// normal sample; inside an episode re-notification waits for the interval. In
// pass-through mode every anomaly notifies.
type Debouncer struct {
	interval    time.Duration
	passThrough bool

	active      bool
	lastAlertAt time.Time
}

// NewDebouncer returns a suppressing debouncer with the minimum inter-alert interval.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// NewPassThrough returns a debouncer that notifies every anomaly.
func NewPassThrough() *Debouncer {
	return &Debouncer{passThrough: true}
}

// ShouldNotify folds the evaluator verdict into the episode state.
func (d *Debouncer) ShouldNotify(anomalous bool, now time.Time) bool {
	if !anomalous {
		if !d.passThrough {
			d.active = false
		}
		return false
	}

	if d.passThrough || !d.active || now.Sub(d.lastAlertAt) >= d.interval {
		d.active = true
		d.lastAlertAt = now
		return true
	}
	return false
}

// Active reports whether an episode is open.
func (d *Debouncer) Active() bool { return d.active }

// LastAlertAt returns the time of the last notification, if any.
func (d *Debouncer) LastAlertAt() (time.Time, bool) {
	return d.lastAlertAt, !d.lastAlertAt.IsZero()
}
