// Package monitor runs the per-account pipeline: sample, evaluate, persist, notify.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vault-watcher/internal/alerting"
	"vault-watcher/internal/config"
	"vault-watcher/internal/detector"
	"vault-watcher/internal/dispatch"
	"vault-watcher/internal/logging"
	"vault-watcher/internal/metrics"
	"vault-watcher/internal/registry"
	"vault-watcher/internal/retry"
	"vault-watcher/internal/sampler"
	"vault-watcher/internal/scheduler"
	"vault-watcher/internal/storage"
)

// ErrUnknownAccount is returned by Tick for an id outside the registry.
var ErrUnknownAccount = errors.New("monitor: unknown account")

// Sampler reads one account.
type Sampler interface {
	Sample(ctx context.Context, acct registry.Account) (detector.Sample, error)
}

// Options tune the engine.
type Options struct {
	AlertInterval      time.Duration
	LowBalanceInterval time.Duration
	Dispatch           config.DispatchConfig
}

// Result describes one completed tick.
type Result struct {
	Sample  detector.Sample
	Verdict detector.Verdict
	// Notified lists the rules that produced a notification.
	Notified []string
}

// tracker is the state owned by one account's task.
type tracker struct {
	mu         sync.Mutex
	account    registry.Account
	evaluator  *detector.Evaluator
	anomaly    *detector.Debouncer
	lowBalance *detector.Debouncer
	log        zerolog.Logger
}

// Engine owns one tracker per account and the outbound queues.
type Engine struct {
	accounts []registry.Account
	trackers map[string]*tracker
	sampler  Sampler
	opts     Options
	logger   zerolog.Logger
	started  time.Time

	samples   []*dispatch.Queue[storage.SampleRecord]
	alerts    []*dispatch.Queue[storage.AlertRecord]
	notifiers []*dispatch.Queue[alerting.Notification]
}

// New prepares empty trackers for every account.
func New(accounts []registry.Account, s Sampler, opts Options, logger zerolog.Logger) *Engine {
	e := &Engine{
		accounts: accounts,
		trackers: make(map[string]*tracker, len(accounts)),
		sampler:  s,
		opts:     opts,
		logger:   logger.With().Str("component", "engine").Logger(),
		started:  time.Now(),
	}
	for _, acct := range accounts {
		t := &tracker{
			account:   acct,
			evaluator: detector.NewEvaluator(acct),
			log:       logging.ForAccount(e.logger, acct.ID, acct.Name, acct.Address),
		}
		if acct.IsVault() {
			t.anomaly = detector.NewDebouncer(opts.AlertInterval)
			t.lowBalance = detector.NewDebouncer(opts.LowBalanceInterval)
		} else {
			t.anomaly = detector.NewPassThrough()
		}
		e.trackers[acct.ID] = t
	}
	return e
}

func (e *Engine) queueOptions(name string) dispatch.Options {
	d := e.opts.Dispatch
	return dispatch.Options{
		Name:    name,
		Size:    d.QueueSize,
		Workers: d.Workers,
		Timeout: d.Timeout,
		Policy:  retry.Policy{MaxAttempts: d.MaxAttempts, BaseDelay: d.BaseDelay, MaxDelay: d.MaxDelay},
	}
}

// AddSampleSink routes accepted samples to sink through its own queue.
func (e *Engine) AddSampleSink(name string, sink storage.SampleSink) {
	q := dispatch.New(e.queueOptions("samples_"+name), sink.AppendSample, e.logger)
	e.samples = append(e.samples, q)
}

// AddAlertSink routes emitted alerts to sink through its own queue.
func (e *Engine) AddAlertSink(name string, sink storage.AlertSink) {
	q := dispatch.New(e.queueOptions("alerts_"+name), sink.RecordAlert, e.logger)
	e.alerts = append(e.alerts, q)
}

// AddNotifier routes notifications to n through its own queue.
func (e *Engine) AddNotifier(n alerting.Notifier) {
	channel := n.Name()
	q := dispatch.New(e.queueOptions("notify_"+channel), func(ctx context.Context, note alerting.Notification) error {
		if err := n.Notify(ctx, note); err != nil {
			metrics.NotificationsTotal.WithLabelValues(channel, "error").Inc()
			return err
		}
		metrics.NotificationsTotal.WithLabelValues(channel, "sent").Inc()
		return nil
	}, e.logger)
	e.notifiers = append(e.notifiers, q)
}

// Start launches the queue workers.
func (e *Engine) Start(ctx context.Context) {
	for _, q := range e.samples {
		q.Start(ctx)
	}
	for _, q := range e.alerts {
		q.Start(ctx)
	}
	for _, q := range e.notifiers {
		q.Start(ctx)
	}
}

// Close flushes and stops every queue.
func (e *Engine) Close() {
	for _, q := range e.samples {
		q.Close()
	}
	for _, q := range e.alerts {
		q.Close()
	}
	for _, q := range e.notifiers {
		q.Close()
	}
}

// Accounts returns the number of monitored accounts.
func (e *Engine) Accounts() int { return len(e.accounts) }

// Started returns the engine creation time.
func (e *Engine) Started() time.Time { return e.started }

// Jobs returns one scheduler job per account, in registry order.
func (e *Engine) Jobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(e.accounts))
	for _, acct := range e.accounts {
		id := acct.ID
		jobs = append(jobs, scheduler.Job{ID: id, Tick: func(ctx context.Context, _ time.Time) error {
			_, err := e.Tick(ctx, id)
			return err
		}})
	}
	return jobs
}

// Tick samples one account and folds the result into its state. A failed sample leaves
// the state untouched. A sample completed after ctx ended is discarded.
func (e *Engine) Tick(ctx context.Context, accountID string) (Result, error) {
	t, ok := e.trackers[accountID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	sample, err := e.sampler.Sample(ctx, t.account)
	metrics.SampleDuration.WithLabelValues(accountID).Observe(time.Since(start).Seconds())
	if err != nil {
		e.recordFailure(t, err)
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		metrics.PollsTotal.WithLabelValues(accountID, "abandoned").Inc()
		t.log.Warn().Msg("tick abandoned at shutdown, discarding sample")
		return Result{}, err
	}

	verdict := t.evaluator.Evaluate(sample)
	result := Result{Sample: sample, Verdict: verdict}
	if verdict.Status == detector.Stale {
		metrics.PollsTotal.WithLabelValues(accountID, "stale").Inc()
		t.log.Debug().Time("sample_at", sample.At).Msg("stale sample ignored")
		return result, nil
	}
	metrics.PollsTotal.WithLabelValues(accountID, "ok").Inc()
	metrics.LastSampleTime.WithLabelValues(accountID).Set(float64(sample.At.Unix()))

	e.persist(t, sample, verdict)

	if verdict.Vault != nil {
		result.Notified = e.handleVault(t, sample, *verdict.Vault)
	} else {
		result.Notified = e.handleProgram(t, sample, *verdict.Program)
	}
	return result, nil
}

func (e *Engine) recordFailure(t *tracker, err error) {
	var se *sampler.SampleError
	result := "transient"
	if errors.As(err, &se) && se.Kind == sampler.Structural {
		result = "structural"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		result = "abandoned"
	}
	metrics.PollsTotal.WithLabelValues(t.account.ID, result).Inc()

	if result == "structural" {
		t.log.Error().Err(err).Msg("sample failed, check the account configuration")
		return
	}
	t.log.Warn().Err(err).Str("result", result).Msg("sample failed")
}

func (e *Engine) persist(t *tracker, sample detector.Sample, verdict detector.Verdict) {
	if len(e.samples) == 0 {
		return
	}
	rec := storage.SampleRecord{
		AccountID: t.account.ID,
		Name:      t.account.Name,
		Address:   t.account.Address,
		Kind:      t.account.Kind.String(),
		At:        sample.At,
		Anomalous: verdict.Status == detector.Anomalous,
	}
	if t.account.IsVault() {
		balance := sample.Balance
		rec.Balance = &balance
	} else {
		rec.Fingerprint = sample.Fingerprint
	}
	for _, q := range e.samples {
		q.Enqueue(rec)
	}
}

func (e *Engine) handleVault(t *tracker, sample detector.Sample, v detector.VaultVerdict) []string {
	acct := t.account
	balance, _ := sample.Balance.Float64()
	metrics.LastBalance.WithLabelValues(acct.ID).Set(balance)

	var notified []string
	anomalous := v.Status == detector.Anomalous
	if anomalous {
		metrics.AnomaliesTotal.WithLabelValues(acct.ID, storage.RuleMaxChange).Inc()
		t.log.Warn().
			Str("balance", sample.Balance.String()).
			Str("reference", v.Reference.String()).
			Str("delta", v.Delta.String()).
			Str("max_change", acct.Vault.MaxChange.String()).
			Dur("span", v.Span).
			Msg("balance change exceeds limit")
	}
	if t.anomaly.ShouldNotify(anomalous, sample.At) {
		note := e.baseNote(acct, storage.RuleMaxChange, sample.At)
		note.Current, note.Previous, note.Reference, note.Delta = sample.Balance, v.Previous, v.Reference, v.Delta
		note.MaxChange, note.Span, note.Period = acct.Vault.MaxChange, v.Span, acct.Vault.MaxChangePeriod

		rec := storage.NewAlertRecord(acct.ID, acct.Name, acct.Address, storage.RuleMaxChange, alerting.RenderMessage(note), sample.At)
		current, ref, delta := sample.Balance, v.Reference, v.Delta
		rec.Observed, rec.Reference, rec.Delta = &current, &ref, &delta
		e.emit(t, note, rec)
		notified = append(notified, storage.RuleMaxChange)
	}

	if acct.Vault.MinBalance == nil {
		return notified
	}
	below := v.BelowMinimum
	if below {
		metrics.AnomaliesTotal.WithLabelValues(acct.ID, storage.RuleLowBalance).Inc()
		t.log.Warn().Str("balance", sample.Balance.String()).Str("minimum", acct.Vault.MinBalance.String()).Msg("balance below minimum")
	}
	if t.lowBalance.ShouldNotify(below, sample.At) {
		note := e.baseNote(acct, storage.RuleLowBalance, sample.At)
		note.Current, note.Previous, note.Minimum = sample.Balance, v.Previous, *acct.Vault.MinBalance

		rec := storage.NewAlertRecord(acct.ID, acct.Name, acct.Address, storage.RuleLowBalance, alerting.RenderMessage(note), sample.At)
		current, minimum := sample.Balance, *acct.Vault.MinBalance
		rec.Observed, rec.Reference = &current, &minimum
		e.emit(t, note, rec)
		notified = append(notified, storage.RuleLowBalance)
	}
	return notified
}

func (e *Engine) handleProgram(t *tracker, sample detector.Sample, v detector.ProgramVerdict) []string {
	acct := t.account
	anomalous := v.Status == detector.Anomalous
	if anomalous {
		metrics.AnomaliesTotal.WithLabelValues(acct.ID, storage.RuleProgramChange).Inc()
		t.log.Warn().
			Str("previous", v.Previous).
			Str("current", sample.Fingerprint).
			Str("detail", sample.Detail).
			Msg("program content changed")
	}
	if !t.anomaly.ShouldNotify(anomalous, sample.At) {
		return nil
	}

	note := e.baseNote(acct, storage.RuleProgramChange, sample.At)
	note.PreviousFingerprint, note.PreviousDetail = v.Previous, v.PreviousDetail
	note.CurrentFingerprint, note.CurrentDetail = sample.Fingerprint, sample.Detail

	rec := storage.NewAlertRecord(acct.ID, acct.Name, acct.Address, storage.RuleProgramChange, alerting.RenderMessage(note), sample.At)
	e.emit(t, note, rec)
	return []string{storage.RuleProgramChange}
}

func (e *Engine) baseNote(acct registry.Account, rule string, at time.Time) alerting.Notification {
	return alerting.Notification{
		AccountID: acct.ID,
		Name:      acct.Name,
		Address:   acct.Address,
		Kind:      acct.Kind.String(),
		Rule:      rule,
		At:        at,
	}
}

func (e *Engine) emit(t *tracker, note alerting.Notification, rec storage.AlertRecord) {
	t.log.Info().Str("rule", note.Rule).Str("alert_id", rec.ID.String()).Int("channels", len(e.notifiers)).Msg("dispatching alert")
	for _, q := range e.notifiers {
		q.Enqueue(note)
	}
	for _, q := range e.alerts {
		q.Enqueue(rec)
	}
}
