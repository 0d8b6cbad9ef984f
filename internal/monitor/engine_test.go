package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-watcher/internal/alerting"
	"vault-watcher/internal/config"
	"vault-watcher/internal/detector"
	"vault-watcher/internal/registry"
	"vault-watcher/internal/sampler"
	"vault-watcher/internal/storage"
)

var t0 = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

type step struct {
	sample detector.Sample
	err    error
}

// scriptedSampler replays per-account samples in order.
type scriptedSampler struct {
	mu    sync.Mutex
	steps map[string][]step
}

func (s *scriptedSampler) push(id string, st step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps == nil {
		s.steps = map[string][]step{}
	}
	s.steps[id] = append(s.steps[id], st)
}

func (s *scriptedSampler) Sample(_ context.Context, acct registry.Account) (detector.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.steps[acct.ID]
	if len(queue) == 0 {
		return detector.Sample{}, errors.New("no scripted sample")
	}
	s.steps[acct.ID] = queue[1:]
	return queue[0].sample, queue[0].err
}

type memorySink struct {
	mu      sync.Mutex
	samples []storage.SampleRecord
	alerts  []storage.AlertRecord
}

func (m *memorySink) AppendSample(_ context.Context, rec storage.SampleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, rec)
	return nil
}

func (m *memorySink) RecordAlert(_ context.Context, rec storage.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, rec)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func vaultAccount(id string, maxChange int64, minBalance *decimal.Decimal) registry.Account {
	return registry.Account{
		ID: id, Name: id, Address: "addr-" + id, Kind: registry.KindVault,
		Vault: &registry.VaultRule{MaxChange: decimal.NewFromInt(maxChange), MaxChangePeriod: time.Minute, MinBalance: minBalance},
	}
}

func balance(offset time.Duration, v int64) step {
	return step{sample: detector.Sample{At: t0.Add(offset), Balance: decimal.NewFromInt(v)}}
}

type harness struct {
	engine   *Engine
	sampler  *scriptedSampler
	sink     *memorySink
	notifier *recordingNotifier
}

func newHarness(t *testing.T, accounts ...registry.Account) *harness {
	t.Helper()
	h := &harness{sampler: &scriptedSampler{}, sink: &memorySink{}, notifier: &recordingNotifier{}}
	h.engine = New(accounts, h.sampler, Options{
		AlertInterval:      30 * time.Minute,
		LowBalanceInterval: 5 * time.Minute,
		Dispatch:           config.DispatchConfig{QueueSize: 64, Workers: 1, MaxAttempts: 1, Timeout: time.Second},
	}, zerolog.Nop())
	h.engine.AddSampleSink("memory", h.sink)
	h.engine.AddAlertSink("memory", h.sink)
	h.engine.AddNotifier(h.notifier)
	h.engine.Start(context.Background())
	return h
}

func (h *harness) tick(t *testing.T, id string) Result {
	t.Helper()
	res, err := h.engine.Tick(context.Background(), id)
	require.NoError(t, err)
	return res
}

func TestEngineAlertsOnceForSustainedSpike(t *testing.T) {
	h := newHarness(t, vaultAccount("v", 100, nil))
	h.sampler.push("v", balance(0, 100))
	h.sampler.push("v", balance(5*time.Second, 100))
	h.sampler.push("v", balance(10*time.Second, 250))
	h.sampler.push("v", balance(15*time.Second, 260))

	h.tick(t, "v")
	h.tick(t, "v")
	res := h.tick(t, "v")
	assert.Equal(t, detector.Anomalous, res.Verdict.Status)
	assert.Equal(t, []string{storage.RuleMaxChange}, res.Notified)
	assert.True(t, res.Verdict.Vault.Delta.Equal(decimal.NewFromInt(150)))

	res = h.tick(t, "v")
	assert.Equal(t, detector.Anomalous, res.Verdict.Status)
	assert.Empty(t, res.Notified)

	h.engine.Close()
	require.Len(t, h.notifier.notes, 1)
	note := h.notifier.notes[0]
	assert.Equal(t, "v", note.AccountID)
	assert.True(t, note.Delta.Equal(decimal.NewFromInt(150)))
	assert.True(t, note.Previous.Equal(decimal.NewFromInt(100)))

	require.Len(t, h.sink.samples, 4)
	assert.True(t, h.sink.samples[2].Anomalous)
	require.Len(t, h.sink.alerts, 1)
	assert.Equal(t, storage.RuleMaxChange, h.sink.alerts[0].Rule)
}

func TestEngineProgramChangeNotifiesOnce(t *testing.T) {
	prog := registry.Account{ID: "p", Name: "amm", Address: "addr-p", Kind: registry.KindProgram}
	h := newHarness(t, prog)
	for i, fp := range []string{"hashA", "hashA", "hashB", "hashB"} {
		h.sampler.push("p", step{sample: detector.Sample{At: t0.Add(time.Duration(i) * time.Second), Fingerprint: fp}})
	}

	var notified []string
	for range 4 {
		notified = append(notified, h.tick(t, "p").Notified...)
	}
	h.engine.Close()

	assert.Equal(t, []string{storage.RuleProgramChange}, notified)
	require.Len(t, h.notifier.notes, 1)
	assert.Equal(t, "hashA", h.notifier.notes[0].PreviousFingerprint)
	assert.Equal(t, "hashB", h.notifier.notes[0].CurrentFingerprint)
	require.Len(t, h.sink.samples, 4)
	assert.Nil(t, h.sink.samples[0].Balance)
}

func TestEngineLowBalanceIsIndependent(t *testing.T) {
	minimum := decimal.NewFromInt(50)
	h := newHarness(t, vaultAccount("v", 1000, &minimum))
	h.sampler.push("v", balance(0, 60))
	h.sampler.push("v", balance(time.Minute, 40))
	h.sampler.push("v", balance(2*time.Minute, 39))
	h.sampler.push("v", balance(7*time.Minute, 38))

	assert.Empty(t, h.tick(t, "v").Notified)
	assert.Equal(t, []string{storage.RuleLowBalance}, h.tick(t, "v").Notified)
	assert.Empty(t, h.tick(t, "v").Notified)
	assert.Equal(t, []string{storage.RuleLowBalance}, h.tick(t, "v").Notified)
	h.engine.Close()

	require.Len(t, h.notifier.notes, 2)
	assert.True(t, h.notifier.notes[0].Minimum.Equal(minimum))
}

func TestEngineFailedSampleLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, vaultAccount("v", 100, nil))
	h.sampler.push("v", balance(0, 100))
	h.sampler.push("v", step{err: &sampler.SampleError{AccountID: "v", Kind: sampler.Transient, Attempts: 3, Err: errors.New("timeout")}})
	h.sampler.push("v", balance(20*time.Second, 150))

	h.tick(t, "v")
	_, err := h.engine.Tick(context.Background(), "v")
	var se *sampler.SampleError
	require.ErrorAs(t, err, &se)

	res := h.tick(t, "v")
	assert.Equal(t, detector.Normal, res.Verdict.Status)
	assert.True(t, res.Verdict.Vault.Previous.Equal(decimal.NewFromInt(100)))
	h.engine.Close()
	assert.Len(t, h.sink.samples, 2)
}

func TestEngineAccountsAreIsolated(t *testing.T) {
	h := newHarness(t, vaultAccount("a", 10, nil), vaultAccount("b", 10, nil))
	h.sampler.push("a", balance(0, 0))
	h.sampler.push("a", balance(time.Second, 100))
	h.sampler.push("b", balance(0, 1000))
	h.sampler.push("b", balance(time.Second, 1005))

	h.tick(t, "a")
	h.tick(t, "b")
	assert.Equal(t, detector.Anomalous, h.tick(t, "a").Verdict.Status)
	assert.Equal(t, detector.Normal, h.tick(t, "b").Verdict.Status)
	h.engine.Close()
}

func TestEngineStaleSampleIsIgnored(t *testing.T) {
	h := newHarness(t, vaultAccount("v", 10, nil))
	h.sampler.push("v", balance(time.Second, 100))
	h.sampler.push("v", balance(time.Second, 900))

	h.tick(t, "v")
	res := h.tick(t, "v")
	assert.Equal(t, detector.Stale, res.Verdict.Status)
	assert.Empty(t, res.Notified)
	h.engine.Close()
	assert.Len(t, h.sink.samples, 1)
	assert.Empty(t, h.notifier.notes)
}

func TestEngineDiscardsAbandonedTick(t *testing.T) {
	h := newHarness(t, vaultAccount("v", 10, nil))
	h.sampler.push("v", balance(0, 100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Tick(ctx, "v")
	assert.ErrorIs(t, err, context.Canceled)
	h.engine.Close()
	assert.Empty(t, h.sink.samples)
}

func TestEngineUnknownAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Tick(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownAccount)
	h.engine.Close()
}

func TestEngineJobsFollowRegistryOrder(t *testing.T) {
	h := newHarness(t, vaultAccount("a", 1, nil), vaultAccount("b", 1, nil))
	defer h.engine.Close()

	jobs := h.engine.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)
	assert.Equal(t, 2, h.engine.Accounts())
}
