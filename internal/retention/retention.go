// Package retention prunes old persisted samples on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"vault-watcher/internal/metrics"
	"vault-watcher/internal/storage"
)

// lockKey serialises pruning across replicas sharing one PostgreSQL database.
const lockKey int64 = 0x7661756c74

// Pruner deletes samples older than MaxAge.
type Pruner struct {
	store  storage.Pruner
	maxAge time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewPruner builds a Pruner.
func NewPruner(store storage.Pruner, maxAge time.Duration, logger zerolog.Logger) *Pruner {
	return &Pruner{
		store:  store,
		maxAge: maxAge,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}
}

// RunOnce prunes once. When the store supports advisory locks and another process holds
// the lock, it does nothing.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if locker, ok := p.store.(storage.AdvisoryLocker); ok {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, lockKey)
		if err != nil {
			return 0, fmt.Errorf("retention lock: %w", err)
		}
		if !acquired {
			p.logger.Debug().Msg("another instance holds the retention lock, skipping")
			return 0, nil
		}
		defer unlock()
	}

	cutoff := p.now().Add(-p.maxAge)
	n, err := p.store.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	metrics.PrunedSamples.Add(float64(n))
	p.logger.Info().Time("cutoff", cutoff).Int64("deleted", n).Msg("pruned old samples")
	return n, nil
}

// Service runs a Pruner on a cron schedule.
type Service struct {
	cron   *cron.Cron
	pruner *Pruner
	logger zerolog.Logger
}

// NewService registers the pruner under schedule (standard five-field spec or descriptor like @daily).
func NewService(ctx context.Context, schedule string, pruner *Pruner) (*Service, error) {
	s := &Service{cron: cron.New(), pruner: pruner, logger: pruner.logger}
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := pruner.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("retention run failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("register retention schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the cron and blocks until ctx ends, then waits for a running prune.
func (s *Service) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info().Msg("retention scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("retention scheduler stopped")
	return nil
}
