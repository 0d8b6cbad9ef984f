package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vault-watcher/internal/alerting"
	"vault-watcher/internal/config"
	"vault-watcher/internal/ledger"
	"vault-watcher/internal/metrics"
	"vault-watcher/internal/monitor"
	"vault-watcher/internal/registry"
	"vault-watcher/internal/retention"
	"vault-watcher/internal/sampler"
	"vault-watcher/internal/scheduler"
	"vault-watcher/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) loadRegistry() (*registry.Registry, error) {
	reg, err := registry.Load(a.Config.AccountsFile, a.Config.Ledger.Chain)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Int("accounts", reg.Len()).Str("file", a.Config.AccountsFile).Msg("account registry loaded")
	return reg, nil
}

func (a *App) newSampler() (*sampler.Sampler, error) {
	source, err := ledger.New(a.Config.Ledger, a.Logger)
	if err != nil {
		return nil, err
	}
	return sampler.New(source, a.Config.Sampler, a.Logger), nil
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	if !a.Config.Database.Enabled() {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) requireStore(ctx context.Context) (storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; set database.dsn or database.sqlite_path")
	}
	return store, closeStore, nil
}

func (a *App) engineOptions() monitor.Options {
	return monitor.Options{
		AlertInterval:      a.Config.Detector.AlertInterval,
		LowBalanceInterval: a.Config.Detector.LowBalanceInterval,
		Dispatch:           a.Config.Dispatch,
	}
}

func (a *App) schedulerOptions(accounts int) scheduler.Options {
	opts := scheduler.Options{
		Interval:    a.Config.Scheduler.RefreshPeriod,
		GracePeriod: a.Config.Scheduler.GracePeriod,
	}
	if a.Config.Scheduler.Stagger && accounts > 1 {
		opts.Stagger = a.Config.Scheduler.RefreshPeriod / time.Duration(accounts)
	}
	return opts
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := a.loadRegistry()
	if err != nil {
		return err
	}
	smp, err := a.newSampler()
	if err != nil {
		return err
	}

	engine := monitor.New(reg.Accounts(), smp, a.engineOptions(), a.Logger)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database not configured; persistence disabled")
	} else {
		defer closeStore()
		engine.AddSampleSink(a.Config.Database.Driver, store)
		engine.AddAlertSink(a.Config.Database.Driver, store)
	}

	if a.Config.Kafka.Enabled {
		sink, err := storage.NewKafkaSink(a.Config.Kafka)
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka producer")
			}
		}()
		engine.AddSampleSink("kafka", sink)
		engine.AddAlertSink("kafka", sink)
	}

	notifiers := alerting.FromConfig(a.Config.Alerting, a.Logger)
	if len(notifiers) == 0 {
		a.Logger.Warn().Msg("no alerting channel configured; anomalies are only logged")
	}
	for _, n := range notifiers {
		engine.AddNotifier(n)
	}

	engine.Start(ctx)
	defer engine.Close()

	g, gctx := errgroup.WithContext(ctx)

	var status *metrics.Server
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		status = metrics.NewServer(addr, engine, a.Logger)
		g.Go(func() error { return status.Run(gctx) })
	}

	if a.Config.Retention.Enabled {
		if store == nil {
			a.Logger.Warn().Msg("retention enabled without a database; ignoring")
		} else {
			pruner := retention.NewPruner(store, a.Config.Retention.MaxAge, a.Logger)
			svc, err := retention.NewService(gctx, a.Config.Retention.Schedule, pruner)
			if err != nil {
				return err
			}
			g.Go(func() error { return svc.Run(gctx) })
		}
	}

	sched := scheduler.New(a.schedulerOptions(reg.Len()), a.Logger)
	g.Go(func() error {
		if status != nil {
			status.SetReady(true)
		}
		return sched.Run(gctx, engine.Jobs())
	})

	a.Logger.Info().Int("accounts", reg.Len()).Dur("refresh_period", a.Config.Scheduler.RefreshPeriod).Msg("starting monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return fmt.Errorf("run: %w", err)
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Account   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Account string
	Limit   int
	Alerts  bool
}
