package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"vault-watcher/internal/registry"
	"vault-watcher/internal/storage"
)

// Export renders one account's history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Account == "" {
		return errors.New("--account is required")
	}

	acct, err := a.resolveAccount(opts.Account)
	if err != nil {
		return err
	}
	if opts.PNGPath != "" && !acct.IsVault() {
		return fmt.Errorf("account %s is a program; --png only applies to vaults", acct.Name)
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.RefreshPeriod)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListSamplesBetween(ctx, acct.ID, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("account", acct.Name).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Str("account", acct.Name).Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeBalancePNG(opts.PNGPath, acct, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) resolveAccount(key string) (registry.Account, error) {
	reg, err := registry.Load(a.Config.AccountsFile, a.Config.Ledger.Chain)
	if err != nil {
		return registry.Account{}, err
	}
	acct, ok := reg.Find(key)
	if !ok {
		return registry.Account{}, fmt.Errorf("account %q not found in %s", key, a.Config.AccountsFile)
	}
	return acct, nil
}

func downsampleSamples(samples []storage.SampleRecord, max int) []storage.SampleRecord {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.SampleRecord, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.SampleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"timestamp", "account_id", "name", "address", "kind", "balance", "fingerprint", "anomalous"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		balance := ""
		if sample.Balance != nil {
			balance = sample.Balance.String()
		}
		record := []string{
			sample.At.UTC().Format(time.RFC3339Nano),
			sample.AccountID,
			sample.Name,
			sample.Address,
			sample.Kind,
			balance,
			sample.Fingerprint,
			strconv.FormatBool(sample.Anomalous),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeBalancePNG(path string, acct registry.Account, samples []storage.SampleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(samples))
	balance := make([]float64, 0, len(samples))
	var anomalyX []time.Time
	var anomalyY []float64

	for _, sample := range samples {
		if sample.Balance == nil {
			continue
		}
		v := sample.Balance.InexactFloat64()
		x = append(x, sample.At)
		balance = append(balance, v)
		if sample.Anomalous {
			anomalyX = append(anomalyX, sample.At)
			anomalyY = append(anomalyY, v)
		}
	}
	if len(x) < 2 {
		return errors.New("need at least two balance samples to render a chart")
	}

	balanceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Balance",
			XValues: x,
			YValues: balance,
		},
	}
	if len(anomalyX) > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "Anomalous",
			XValues: anomalyX,
			YValues: anomalyY,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
				DotColor:    chart.ColorRed,
			},
		})
	}

	graph := chart.Chart{
		Title:  fmt.Sprintf("%s (%s)", acct.Name, acct.Address),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Balance",
			ValueFormatter: balanceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
