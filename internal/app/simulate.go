package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"vault-watcher/internal/alerting"
	"vault-watcher/internal/detector"
	"vault-watcher/internal/monitor"
	"vault-watcher/internal/registry"
)

// SimulateOptions 描述一次模拟：对指定账户依次喂入合成数值。
type SimulateOptions struct {
	Account string
	// Values 为 vault 余额或 program 指纹，按顺序使用。
	Values []string
	Step   time.Duration
	Notify bool
}

// scriptedSampler 按顺序返回预先构造的样本。
type scriptedSampler struct {
	samples []detector.Sample
	next    int
}

func (s *scriptedSampler) Sample(context.Context, registry.Account) (detector.Sample, error) {
	if s.next >= len(s.samples) {
		return detector.Sample{}, errors.New("simulation exhausted")
	}
	sample := s.samples[s.next]
	s.next++
	return sample, nil
}

var _ monitor.Sampler = (*scriptedSampler)(nil)

// SimulateAlert 通过合成数值走一遍检测、去抖与告警流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Values) == 0 {
		return errors.New("至少需要一个 --value")
	}
	if opts.Step <= 0 {
		opts.Step = a.Config.Scheduler.RefreshPeriod
	}

	acct, err := a.resolveAccount(opts.Account)
	if err != nil {
		return err
	}

	samples, err := syntheticSamples(acct, opts.Values, opts.Step, time.Now().UTC())
	if err != nil {
		return err
	}

	var notifiers []alerting.Notifier
	if opts.Notify {
		if !a.Config.Alerting.Enabled {
			return errors.New("alerting 未启用")
		}
		notifiers = alerting.FromConfig(a.Config.Alerting, a.Logger)
		if len(notifiers) == 0 {
			return errors.New("未配置任何告警通道")
		}
	}

	engine := monitor.New([]registry.Account{acct}, &scriptedSampler{samples: samples}, a.engineOptions(), a.Logger)
	for _, n := range notifiers {
		engine.AddNotifier(n)
	}
	engine.Start(ctx)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Step\tTime (UTC)\tValue\tStatus\tNotified")
	for i := range samples {
		res, err := engine.Tick(ctx, acct.ID)
		if err != nil {
			engine.Close()
			return err
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n", i+1, res.Sample.At.Format(time.RFC3339), opts.Values[i], res.Verdict.Status, strings.Join(res.Notified, ","))
	}
	engine.Close()
	return writer.Flush()
}

func syntheticSamples(acct registry.Account, values []string, step time.Duration, start time.Time) ([]detector.Sample, error) {
	samples := make([]detector.Sample, 0, len(values))
	for i, raw := range values {
		s := detector.Sample{At: start.Add(time.Duration(i) * step)}
		if acct.IsVault() {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("value %d (%q): %w", i+1, raw, err)
			}
			s.Balance = v
		} else {
			s.Fingerprint = raw
			s.Detail = "simulated " + raw
		}
		samples = append(samples, s)
	}
	return samples, nil
}
