package fetcher

import (
	"context"

	"sofr-tracker/internal/model"
)

// RateFetcher retrieves daily overnight reference rate observations.
type RateFetcher interface {
	FetchRates(ctx context.Context, window model.Window) ([]model.RateObservation, error)
}

// PolicyRateFetcher retrieves the administered policy rate corridor.
type PolicyRateFetcher interface {
	FetchPolicyRates(ctx context.Context, window model.Window) ([]model.PolicyRateRow, error)
}

// RepoOperationFetcher retrieves reverse repo operation results.
type RepoOperationFetcher interface {
	FetchRepoOperations(ctx context.Context, window model.Window) ([]model.RepoOperationRow, error)
}
