package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Alert rules.
const (
	RuleMaxChange     = "max_change"
	RuleProgramChange = "program_change"
	RuleLowBalance    = "low_balance"
)

// SampleRecord is one accepted observation of an account.
type SampleRecord struct {
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"timestamp"`
	// Balance is set for vaults.
	Balance *decimal.Decimal `json:"balance,omitempty"`
	// Fingerprint is set for programs.
	Fingerprint string `json:"fingerprint,omitempty"`
	Anomalous   bool   `json:"anomalous"`
}

// AlertRecord captures a notification that was emitted.
type AlertRecord struct {
	ID        uuid.UUID        `json:"id"`
	AccountID string           `json:"account_id"`
	Name      string           `json:"name"`
	Address   string           `json:"address"`
	Rule      string           `json:"rule"`
	Observed  *decimal.Decimal `json:"observed,omitempty"`
	Reference *decimal.Decimal `json:"reference,omitempty"`
	Delta     *decimal.Decimal `json:"delta,omitempty"`
	Message   string           `json:"message"`
	SampleAt  time.Time        `json:"sample_at"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewAlertRecord stamps a fresh identifier and creation time.
func NewAlertRecord(accountID, name, address, rule, message string, sampleAt time.Time) AlertRecord {
	return AlertRecord{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      name,
		Address:   address,
		Rule:      rule,
		Message:   message,
		SampleAt:  sampleAt,
		CreatedAt: time.Now().UTC(),
	}
}
