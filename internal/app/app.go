package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"sofr-tracker/internal/alerting"
	"sofr-tracker/internal/config"
	"sofr-tracker/internal/fetcher"
	"sofr-tracker/internal/logging"
	"sofr-tracker/internal/model"
	"sofr-tracker/internal/runlock"
	"sofr-tracker/internal/service"
	"sofr-tracker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

func (a *App) newSources() (service.Sources, error) {
	policy, err := fetcher.ParseMissingPrimaryPolicy(a.Config.Sync.MissingPrimaryRate)
	if err != nil {
		return service.Sources{}, err
	}

	nyfed := fetcher.HTTPOptions{
		BaseURL:   a.Config.Upstream.NYFed.BaseURL,
		Timeout:   a.Config.Upstream.NYFed.RequestTimeout,
		UserAgent: a.Config.Upstream.NYFed.UserAgent,
	}
	fred := a.Config.Upstream.FRED

	return service.Sources{
		SOFR: fetcher.NewRates(fetcher.RateSOFR, fetcher.RatesOptions{HTTPOptions: nyfed, MissingPrimary: policy}, a.Logger),
		EFFR: fetcher.NewRates(fetcher.RateEFFR, fetcher.RatesOptions{HTTPOptions: nyfed, MissingPrimary: policy}, a.Logger),
		Policy: fetcher.NewPolicy(fetcher.PolicyOptions{
			HTTPOptions: fetcher.HTTPOptions{
				BaseURL:   fred.BaseURL,
				Timeout:   fred.RequestTimeout,
				UserAgent: fred.UserAgent,
			},
			IORBSeries: fred.IORBSeries,
			SRFSeries:  fred.SRFSeries,
			RRPSeries:  fred.RRPSeries,
		}, a.Logger),
		Repo: fetcher.NewRepoOperations(fetcher.RepoOptions{HTTPOptions: nyfed}, a.Logger),
	}, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return alerting.Nop{}
	}
	cfg := a.Config.Alerting.Telegram
	telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.App.Name, 10*time.Second, a.Logger)
	return alerting.NewCooldown(telegram, a.Config.Alerting.Cooldown)
}

// newLocker returns the configured run lock and a func releasing its resources.
func (a *App) newLocker(store *storage.Store) (runlock.Locker, func()) {
	switch a.Config.Lock.Backend {
	case config.LockPostgres:
		return runlock.NewPostgres(store, a.Config.Lock.AdvisoryKey), func() {}
	case config.LockRedis:
		client := runlock.NewRedisClient(a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB)
		locker := runlock.NewRedis(client, a.Config.Lock.RedisKey, a.Config.Lock.TTL, a.Logger)
		return locker, func() { _ = client.Close() }
	default:
		return runlock.Noop{}, func() {}
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// newPipeline opens the store and wires a pipeline over it. The returned
// closer releases every resource opened here.
func (a *App) newPipeline(ctx context.Context) (*service.Pipeline, *storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	sources, err := a.newSources()
	if err != nil {
		closeStore()
		return nil, nil, nil, err
	}
	locker, closeLocker := a.newLocker(store)

	pipeline := service.NewPipeline(sources, store, a.Logger, service.WithLocker(locker))
	closer := func() {
		closeLocker()
		closeStore()
	}
	return pipeline, store, closer, nil
}

// SyncOptions configure the sync command.
type SyncOptions struct {
	// Days overrides sync.lookback_days when non-negative.
	Days int
}

// Sync runs one incremental pass and prints its summary.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	pipeline, _, closer, err := a.newPipeline(ctx)
	if err != nil {
		return err
	}
	defer closer()

	result, err := pipeline.RunSync(ctx, a.Config.ResolveLookback(opts.Days))
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return a.printResult(result)
}

func (a *App) printResult(result model.SyncResult) error {
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Run\t%s (%s)\n", result.RunID, result.Kind)
	fmt.Fprintf(w, "Window\t%s .. %s\n", result.StartDate, result.EndDate)
	for _, s := range model.AllSeries {
		fmt.Fprintf(w, "%s\t%d rows\n", s, result.Count(s))
	}
	fmt.Fprintf(w, "Duration\t%dms\n", result.DurationMs)
	return w.Flush()
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return storage.Migrate(a.Config.Database.DSN, a.Config.Database.MigrationsPath, a.Logger)
}
