// Package sampler turns ledger reads into detector samples under a bounded retry budget.
package sampler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-watcher/internal/config"
	"vault-watcher/internal/detector"
	"vault-watcher/internal/ledger"
	"vault-watcher/internal/logging"
	"vault-watcher/internal/registry"
	"vault-watcher/internal/retry"
)

// ErrorKind separates failures worth retrying next tick from configuration problems.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Structural
)

func (k ErrorKind) String() string {
	if k == Structural {
		return "structural"
	}
	return "transient"
}

// SampleError is a failed sample. It is scoped to a single tick of a single account.
type SampleError struct {
	AccountID string
	Kind      ErrorKind
	Attempts  int
	Err       error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample %s: %s after %d attempt(s): %v", e.AccountID, e.Kind, e.Attempts, e.Err)
}

func (e *SampleError) Unwrap() error { return e.Err }

// Sampler reads one account per call.
type Sampler struct {
	source ledger.Source
	policy retry.Policy
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a sampler from the retry section of the configuration.
func New(source ledger.Source, cfg config.SamplerConfig, logger zerolog.Logger) *Sampler {
	return &Sampler{
		source: source,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Jitter:      cfg.Jitter,
			Classify:    classify,
		},
		logger: logger.With().Str("component", "sampler").Logger(),
		now:    time.Now,
	}
}

func classify(err error) retry.Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Fatal
	}
	if ledger.IsStructural(err) {
		return retry.Fatal
	}
	return retry.Retryable
}

// Sample reads the account and stamps the result with the time the read completed.
func (s *Sampler) Sample(ctx context.Context, acct registry.Account) (detector.Sample, error) {
	log := logging.ForAccount(s.logger, acct.ID, acct.Name, acct.Address)

	policy := s.policy
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("sample attempt failed, retrying")
	}

	var sample detector.Sample
	attempts, err := retry.DoCount(ctx, policy, func(ctx context.Context) error {
		var err error
		sample, err = s.read(ctx, acct)
		return err
	})
	if err != nil {
		kind := Transient
		if ledger.IsStructural(err) {
			kind = Structural
		}
		return detector.Sample{}, &SampleError{AccountID: acct.ID, Kind: kind, Attempts: int(attempts), Err: err}
	}
	return sample, nil
}

func (s *Sampler) read(ctx context.Context, acct registry.Account) (detector.Sample, error) {
	if acct.IsVault() {
		balance, err := s.source.Balance(ctx, acct)
		if err != nil {
			return detector.Sample{}, err
		}
		return detector.Sample{At: s.now(), Balance: balance}, nil
	}

	data, err := s.source.AccountData(ctx, acct)
	if err != nil {
		return detector.Sample{}, err
	}
	sample := detector.Sample{At: s.now(), Balance: decimal.Zero, Fingerprint: Fingerprint(data)}
	if d, ok := s.source.(ledger.Describer); ok {
		sample.Detail = d.Describe(data)
	}
	return sample, nil
}

// Fingerprint is the hex sha256 of program content.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
