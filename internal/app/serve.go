package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sofr-tracker/internal/alerting"
	"sofr-tracker/internal/httpapi"
	"sofr-tracker/internal/model"
	"sofr-tracker/internal/scheduler"
	"sofr-tracker/internal/service"
)

const shutdownTimeout = 15 * time.Second

// Serve runs the read API and, when enabled, the scheduled sync until a
// termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pipeline, store, closer, err := a.newPipeline(ctx)
	if err != nil {
		return err
	}
	defer closer()

	handler := httpapi.NewHandler(store, pipeline, httpapi.Options{
		DefaultRangeMonths:  a.Config.HTTP.DefaultRangeMonth,
		DefaultLookbackDays: a.Config.Sync.LookbackDays,
	}, a.Logger)
	server := &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      httpapi.NewRouter(handler, a.Config.HTTP.Mode),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}

	var (
		sched *scheduler.Scheduler
		job   scheduler.Job
	)
	if a.Config.Scheduler.Enabled {
		job = a.scheduledSync(pipeline, a.newNotifier())
		sched = scheduler.New(a.Logger)
		if err := sched.Add("sync", a.Config.Scheduler.Cron, job); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return server.Shutdown(shutdownCtx)
	})

	if sched != nil {
		g.Go(func() error {
			if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		if a.Config.Scheduler.RunOnStart {
			g.Go(func() error {
				if err := job(gctx); err != nil {
					a.Logger.Error().Err(err).Msg("startup sync failed")
				}
				return nil
			})
		}
	} else {
		a.Logger.Info().Msg("scheduler disabled; sync only on demand")
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}

// scheduledSync runs the trailing-window sync and notifies on failure. A pass
// skipped because another holds the lock is not a failure.
func (a *App) scheduledSync(pipeline *service.Pipeline, notifier alerting.Notifier) scheduler.Job {
	days := a.Config.Sync.LookbackDays
	return func(ctx context.Context) error {
		_, err := pipeline.RunSync(ctx, days)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, service.ErrRunInProgress):
			a.Logger.Info().Msg("scheduled sync skipped: run in progress elsewhere")
			return nil
		case errors.Is(err, context.Canceled):
			return err
		}

		now := time.Now()
		note := alerting.Notification{
			Kind:       model.RunSync,
			Trigger:    "scheduler",
			Window:     model.LookbackWindow(now, days),
			Err:        err,
			OccurredAt: now,
		}
		if notifyErr := notifier.Notify(ctx, note); notifyErr != nil {
			a.Logger.Error().Err(notifyErr).Msg("failed to dispatch failure notification")
		}
		return err
	}
}
