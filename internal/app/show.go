package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"vault-watcher/internal/storage"
)

// Show prints recent samples, or recent alerts with opts.Alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlerts(a.Out, alerts)
	}

	accountID := ""
	if opts.Account != "" {
		acct, err := a.resolveAccount(opts.Account)
		if err != nil {
			return err
		}
		accountID = acct.ID
	}

	samples, err := store.ListRecentSamples(ctx, accountID, opts.Limit)
	if err != nil {
		return err
	}
	return writeSamples(a.Out, samples)
}

func writeSamples(out io.Writer, samples []storage.SampleRecord) error {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAccount\tKind\tValue\tAnomalous")
	for _, sample := range samples {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\n",
			sample.At.UTC().Format(time.RFC3339),
			sample.Name,
			sample.Kind,
			sampleValue(sample),
			sample.Anomalous,
		)
	}
	return writer.Flush()
}

func writeAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tAccount\tRule\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Name,
			alert.Rule,
			sanitizeInline(alert.Message),
		)
	}
	return writer.Flush()
}

func sampleValue(s storage.SampleRecord) string {
	if s.Balance != nil {
		return s.Balance.String()
	}
	if len(s.Fingerprint) > 16 {
		return s.Fingerprint[:16]
	}
	return s.Fingerprint
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(v), "\n", " | ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
