package sampler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-watcher/internal/config"
	"vault-watcher/internal/ledger"
	"vault-watcher/internal/registry"
)

type stubSource struct {
	calls   atomic.Int32
	failN   int32
	failErr error
	balance decimal.Decimal
	data    []byte
}

func (s *stubSource) Balance(context.Context, registry.Account) (decimal.Decimal, error) {
	if n := s.calls.Add(1); n <= s.failN {
		return decimal.Decimal{}, s.failErr
	}
	return s.balance, nil
}

func (s *stubSource) AccountData(context.Context, registry.Account) ([]byte, error) {
	if n := s.calls.Add(1); n <= s.failN {
		return nil, s.failErr
	}
	return s.data, nil
}

func (s *stubSource) Describe(data []byte) string { return "described" }

var fastRetry = config.SamplerConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func vault() registry.Account {
	return registry.Account{ID: "v1", Name: "vault", Address: "addr", Kind: registry.KindVault,
		Vault: &registry.VaultRule{MaxChange: decimal.NewFromInt(1), MaxChangePeriod: time.Minute}}
}

func TestSampleRetriesTransientErrors(t *testing.T) {
	src := &stubSource{failN: 2, failErr: errors.New("connection reset"), balance: decimal.NewFromInt(42)}
	s := New(src, fastRetry, zerolog.Nop())
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	sample, err := s.Sample(context.Background(), vault())
	require.NoError(t, err)
	assert.True(t, sample.Balance.Equal(decimal.NewFromInt(42)))
	assert.Equal(t, fixed, sample.At)
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestSampleExhaustsBudget(t *testing.T) {
	src := &stubSource{failN: 100, failErr: errors.New("timeout")}
	s := New(src, fastRetry, zerolog.Nop())

	_, err := s.Sample(context.Background(), vault())
	var se *SampleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Transient, se.Kind)
	assert.Equal(t, 3, se.Attempts)
	assert.Equal(t, "v1", se.AccountID)
}

func TestSampleDoesNotRetryStructuralErrors(t *testing.T) {
	src := &stubSource{failN: 100, failErr: ledger.ErrAccountNotFound}
	s := New(src, fastRetry, zerolog.Nop())

	_, err := s.Sample(context.Background(), vault())
	var se *SampleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Structural, se.Kind)
	assert.Equal(t, 1, se.Attempts)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestSampleProgramFingerprint(t *testing.T) {
	src := &stubSource{data: []byte("program bytes")}
	s := New(src, fastRetry, zerolog.Nop())

	acct := registry.Account{ID: "p1", Name: "prog", Address: "addr", Kind: registry.KindProgram}
	sample, err := s.Sample(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint([]byte("program bytes")), sample.Fingerprint)
	assert.Len(t, sample.Fingerprint, 64)
	assert.Equal(t, "described", sample.Detail)
	assert.NotEqual(t, Fingerprint([]byte("program bytez")), sample.Fingerprint)
}

func TestSampleStopsOnCancel(t *testing.T) {
	src := &stubSource{failN: 100, failErr: errors.New("timeout")}
	s := New(src, config.SamplerConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Sample(ctx, vault())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
