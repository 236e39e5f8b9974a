package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sofr-tracker/internal/fetcher"
	"sofr-tracker/internal/logging"
	"sofr-tracker/internal/model"
	"sofr-tracker/internal/runlock"
	"sofr-tracker/internal/storage"
)

var (
	// ErrInvalidWindow rejects negative lookbacks and malformed or inverted windows.
	ErrInvalidWindow = errors.New("invalid sync window")
	// ErrRunInProgress is returned when another pass holds the run lock.
	ErrRunInProgress = errors.New("sync run already in progress")
)

// Sources bundles the upstream adapters of one pass.
type Sources struct {
	SOFR   fetcher.RateFetcher
	EFFR   fetcher.RateFetcher
	Policy fetcher.PolicyRateFetcher
	Repo   fetcher.RepoOperationFetcher
}

// Pipeline fetches every series for a window and upserts it.
type Pipeline struct {
	sources Sources
	gateway storage.Gateway
	locker  runlock.Locker
	now     func() time.Time
	logger  zerolog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLocker guards every pass with l.
func WithLocker(l runlock.Locker) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.locker = l
		}
	}
}

// WithClock overrides the wall clock used for windows and metadata.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipeline wires sources into gateway.
func NewPipeline(sources Sources, gateway storage.Gateway, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		sources: sources,
		gateway: gateway,
		locker:  runlock.Noop{},
		now:     time.Now,
		logger:  logging.Component(logger, "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunSync refreshes the trailing lookbackDays window ending today (UTC).
func (p *Pipeline) RunSync(ctx context.Context, lookbackDays int) (model.SyncResult, error) {
	if lookbackDays < 0 {
		return model.SyncResult{}, fmt.Errorf("%w: lookback days %d is negative", ErrInvalidWindow, lookbackDays)
	}
	window := model.LookbackWindow(p.now(), lookbackDays)

	release, err := p.acquire(ctx)
	if err != nil {
		return model.SyncResult{}, err
	}
	defer release()

	result, err := p.run(ctx, model.RunSync, window)
	if err != nil {
		return model.SyncResult{}, err
	}

	if err := p.writeMetadata(ctx,
		model.MetaLastSync, p.now().UTC().Format(time.RFC3339),
		model.MetaLastSyncEndDate, window.End,
	); err != nil {
		return model.SyncResult{}, err
	}
	return result, nil
}

// Backfill loads an explicit historical window. Size is unbounded.
func (p *Pipeline) Backfill(ctx context.Context, start, end string) (model.SyncResult, error) {
	window := model.Window{Start: start, End: end}
	if err := window.Validate(); err != nil {
		return model.SyncResult{}, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}

	release, err := p.acquire(ctx)
	if err != nil {
		return model.SyncResult{}, err
	}
	defer release()

	result, err := p.run(ctx, model.RunBackfill, window)
	if err != nil {
		return model.SyncResult{}, err
	}

	if err := p.writeMetadata(ctx,
		model.MetaBackfillStart, window.Start,
		model.MetaBackfillEnd, window.End,
		model.MetaBackfillCompleted, p.now().UTC().Format(time.RFC3339),
	); err != nil {
		return model.SyncResult{}, err
	}
	return result, nil
}

// acquire takes the run lock for a whole pass, metadata included.
func (p *Pipeline) acquire(ctx context.Context) (func(), error) {
	release, err := p.locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return release, nil
}

// run fans out the four series. Siblings are never cancelled: a series that
// fails leaves the others to commit, and the first error is returned.
func (p *Pipeline) run(ctx context.Context, kind model.RunKind, window model.Window) (model.SyncResult, error) {
	runID := uuid.NewString()
	started := p.now()
	logger := p.logger.With().
		Str("run_id", runID).
		Str("kind", string(kind)).
		Str("start", window.Start).
		Str("end", window.End).
		Logger()
	logger.Info().Msg("pass started")

	var counts [4]int
	var g errgroup.Group
	g.Go(func() error {
		n, err := p.syncSOFR(ctx, window)
		counts[0] = n
		return p.seriesErr(logger, model.SeriesSOFR, n, err)
	})
	g.Go(func() error {
		n, err := p.syncEFFR(ctx, window)
		counts[1] = n
		return p.seriesErr(logger, model.SeriesEFFR, n, err)
	})
	g.Go(func() error {
		n, err := p.syncPolicy(ctx, window)
		counts[2] = n
		return p.seriesErr(logger, model.SeriesPolicy, n, err)
	})
	g.Go(func() error {
		n, err := p.syncRepo(ctx, window)
		counts[3] = n
		return p.seriesErr(logger, model.SeriesRRP, n, err)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("pass failed")
		return model.SyncResult{}, err
	}

	result := model.SyncResult{
		Kind:       kind,
		RunID:      runID,
		Counts:     make(map[model.Series]int, len(model.AllSeries)),
		StartDate:  window.Start,
		EndDate:    window.End,
		DurationMs: p.now().Sub(started).Milliseconds(),
	}
	for i, s := range model.AllSeries {
		result.Counts[s] = counts[i]
	}

	logger.Info().
		Int("sofr", counts[0]).
		Int("effr", counts[1]).
		Int("policy", counts[2]).
		Int("rrp", counts[3]).
		Int64("duration_ms", result.DurationMs).
		Msg("pass completed")
	return result, nil
}

func (p *Pipeline) seriesErr(logger zerolog.Logger, series model.Series, n int, err error) error {
	if err != nil {
		logger.Warn().Err(err).Str("series", string(series)).Msg("series failed")
		return fmt.Errorf("%s: %w", series, err)
	}
	logger.Debug().Str("series", string(series)).Int("rows", n).Msg("series upserted")
	return nil
}

func (p *Pipeline) syncSOFR(ctx context.Context, window model.Window) (int, error) {
	rows, err := p.sources.SOFR.FetchRates(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	return p.gateway.UpsertSOFR(ctx, rows)
}

func (p *Pipeline) syncEFFR(ctx context.Context, window model.Window) (int, error) {
	rows, err := p.sources.EFFR.FetchRates(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	return p.gateway.UpsertEFFR(ctx, rows)
}

func (p *Pipeline) syncPolicy(ctx context.Context, window model.Window) (int, error) {
	rows, err := p.sources.Policy.FetchPolicyRates(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	return p.gateway.UpsertPolicyRates(ctx, rows)
}

func (p *Pipeline) syncRepo(ctx context.Context, window model.Window) (int, error) {
	rows, err := p.sources.Repo.FetchRepoOperations(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	return p.gateway.UpsertRepoOperations(ctx, rows)
}

// writeMetadata stores key/value pairs in order.
func (p *Pipeline) writeMetadata(ctx context.Context, kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if err := p.gateway.SetMetadata(ctx, kv[i], kv[i+1]); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}
	return nil
}
