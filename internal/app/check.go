package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"vault-watcher/internal/detector"
	"vault-watcher/internal/registry"
)

const checkConcurrency = 4

type checkResult struct {
	account registry.Account
	sample  detector.Sample
	err     error
}

// Check validates the registry and samples every account once.
func (a *App) Check(ctx context.Context) error {
	reg, err := a.loadRegistry()
	if err != nil {
		return err
	}
	smp, err := a.newSampler()
	if err != nil {
		return err
	}

	accounts := reg.Accounts()
	results := make([]checkResult, len(accounts))

	var g errgroup.Group
	g.SetLimit(checkConcurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			sample, err := smp.Sample(ctx, acct)
			results[i] = checkResult{account: acct, sample: sample, err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Account\tKind\tAddress\tValue\tStatus")
	for _, r := range results {
		status := "ok"
		value := ""
		if r.err != nil {
			failed++
			status = sanitizeInline(r.err.Error())
		} else if r.account.IsVault() {
			value = r.sample.Balance.String()
		} else {
			value = r.sample.Detail
			if value == "" {
				value = r.sample.Fingerprint
			}
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", r.account.Name, r.account.Kind, r.account.Address, value, status)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("check: %d of %d accounts failed", failed, len(accounts))
	}
	return nil
}
