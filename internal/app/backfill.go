package app

import (
	"context"
	"fmt"
	"time"

	"sofr-tracker/internal/model"
)

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Start string
	// End defaults to today (UTC).
	End string
}

// Backfill loads an explicit historical window in one pass.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.End == "" {
		opts.End = model.FormatDate(time.Now())
	}

	pipeline, _, closer, err := a.newPipeline(ctx)
	if err != nil {
		return err
	}
	defer closer()

	a.Logger.Info().Str("start", opts.Start).Str("end", opts.End).Msg("starting backfill")
	result, err := pipeline.Backfill(ctx, opts.Start, opts.End)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	return a.printResult(result)
}
