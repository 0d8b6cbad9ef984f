// Package ledger reads balances and account content from the monitored chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"vault-watcher/internal/config"
	"vault-watcher/internal/registry"
)

// ErrAccountNotFound reports that the ledger has no account at the address.
var ErrAccountNotFound = errors.New("ledger: account not found")

// Source is the fallible network read surface the sampler depends on.
type Source interface {
	// Balance returns the current decimal balance of a vault account.
	Balance(ctx context.Context, acct registry.Account) (decimal.Decimal, error)
	// AccountData returns the executable content of a program account.
	AccountData(ctx context.Context, acct registry.Account) ([]byte, error)
}

// Describer renders human readable context for program content, used in alert messages.
type Describer interface {
	Describe(data []byte) string
}

// DecodeError reports a response that could not be mapped to a value. It is never retried.
type DecodeError struct {
	Address string
	What    string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger: decode %s for %s", e.What, e.Address)
	}
	return fmt.Sprintf("ledger: decode %s for %s: %v", e.What, e.Address, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsStructural reports errors that retrying within the same tick cannot fix.
func IsStructural(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccountNotFound) {
		return true
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32600, -32601, -32602:
			return true
		}
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode
		return code >= 400 && code < 500 && code != 408 && code != 429
	}
	return false
}

// New builds the Source for the configured chain.
func New(cfg config.LedgerConfig, logger zerolog.Logger) (Source, error) {
	switch cfg.Chain {
	case config.ChainSolana:
		return NewSolana(SolanaOptions{
			RPCURL:     cfg.RPCURL,
			Commitment: cfg.Commitment,
			Timeout:    cfg.RequestTimeout,
			RateLimit:  cfg.RateLimit,
			RateBurst:  cfg.RateBurst,
		}, logger), nil
	case config.ChainEVM:
		return NewEVM(EVMOptions{
			RPCURL:    cfg.RPCURL,
			Timeout:   cfg.RequestTimeout,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
		}, logger), nil
	default:
		return nil, &config.ConfigError{Field: "ledger.chain", Reason: fmt.Sprintf("unsupported chain %q", cfg.Chain)}
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// callContext applies the shared rate limit and per-request timeout.
func callContext(ctx context.Context, limiter *rate.Limiter, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	return callCtx, cancel, nil
}
