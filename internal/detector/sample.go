// Package detector classifies account samples against their rules.
//
// Every type here is owned by exactly one account's polling task and is not safe
// for concurrent use.
package detector

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one observation of an account.
type Sample struct {
	At time.Time
	// Balance is set for vault samples.
	Balance decimal.Decimal
	// Fingerprint is set for program samples.
	Fingerprint string
	// Detail is optional human readable context for the observed content.
	Detail string
}

// Status classifies a sample.
type Status int

const (
	// Normal samples are within their rule.
	Normal Status = iota
	// Anomalous samples violate their rule.
	Anomalous
	// Stale samples arrived out of order or duplicated the last sample; they are ignored.
	Stale
)

func (s Status) String() string {
	switch s {
	case Normal:
		return "normal"
	case Anomalous:
		return "anomalous"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}
