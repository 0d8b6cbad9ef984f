package detector

import "vault-watcher/internal/registry"

// Verdict combines the rule outcomes of one sample.
type Verdict struct {
	Status  Status
	Vault   *VaultVerdict
	Program *ProgramVerdict
}

// LowBalance reports whether a vault sample is under its minimum balance.
func (v Verdict) LowBalance() bool {
	return v.Vault != nil && v.Status != Stale && v.Vault.BelowMinimum
}

// Evaluator owns the window or baseline of one account.
type Evaluator struct {
	account  registry.Account
	window   *VaultWindow
	baseline *Baseline
}

// NewEvaluator prepares empty state for the account.
func NewEvaluator(acct registry.Account) *Evaluator {
	e := &Evaluator{account: acct}
	if acct.IsVault() && acct.Vault != nil {
		e.window = NewVaultWindow(*acct.Vault)
	} else {
		e.baseline = &Baseline{}
	}
	return e
}

// Evaluate classifies the sample and updates the owned state.
func (e *Evaluator) Evaluate(s Sample) Verdict {
	if e.window != nil {
		v := e.window.Observe(s)
		return Verdict{Status: v.Status, Vault: &v}
	}
	v := e.baseline.Observe(s)
	return Verdict{Status: v.Status, Program: &v}
}

// Window exposes the vault window, nil for programs.
func (e *Evaluator) Window() *VaultWindow { return e.window }

// Baseline exposes the program baseline, nil for vaults.
func (e *Evaluator) Baseline() *Baseline { return e.baseline }
