package registry

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxNameLength bounds display names.
const MaxNameLength = 50

// Kind distinguishes the monitored account families.
type Kind int

const (
	// KindVault is a balance-bearing account with a bounded-change rule.
	KindVault Kind = iota + 1
	// KindProgram is an executable account whose content must never change.
	KindProgram
)

func (k Kind) String() string {
	switch k {
	case KindVault:
		return "vault"
	case KindProgram:
		return "program"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// VaultRule holds the per-vault rule parameters.
type VaultRule struct {
	MaxChange       decimal.Decimal
	MaxChangePeriod time.Duration
	// MinBalance is optional; nil disables the low-balance rule.
	MinBalance *decimal.Decimal
}

// Account is one immutable monitored account.
type Account struct {
	ID      string
	Name    string
	Address string
	Kind    Kind
	// Vault is set for KindVault only.
	Vault *VaultRule
	// Token optionally names an ERC-20 contract whose balance of Address is watched (EVM only).
	Token string
}

// IsVault reports whether the account carries a bounded-change rule.
func (a Account) IsVault() bool { return a.Kind == KindVault }

func (a Account) String() string {
	return fmt.Sprintf("%s %s (%s)", a.Kind, a.Name, a.Address)
}
