package model

// RunKind distinguishes routine syncs from historical backfills.
type RunKind string

const (
	RunSync     RunKind = "sync"
	RunBackfill RunKind = "backfill"
)

// SyncResult summarises one completed pass.
type SyncResult struct {
	Kind       RunKind        `json:"kind"`
	RunID      string         `json:"runId"`
	Counts     map[Series]int `json:"counts"`
	StartDate  string         `json:"startDate"`
	EndDate    string         `json:"endDate"`
	DurationMs int64          `json:"durationMs"`
}

// Count returns the rows written for s.
func (r SyncResult) Count(s Series) int {
	return r.Counts[s]
}
