package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-day format used by every upstream and table key.
const DateLayout = "2006-01-02"

// Series names the destination tables synchronised by the pipeline.
type Series string

const (
	SeriesSOFR   Series = "sofr"
	SeriesEFFR   Series = "effr"
	SeriesPolicy Series = "policy"
	SeriesRRP    Series = "rrp"
)

// AllSeries lists every series in the order they are reported.
var AllSeries = []Series{SeriesSOFR, SeriesEFFR, SeriesPolicy, SeriesRRP}

// RateObservation is one published day of an overnight reference rate.
// TargetLow/TargetHigh are only populated for EFFR.
type RateObservation struct {
	Date           string
	Rate           decimal.Decimal
	P1             decimal.NullDecimal
	P25            decimal.NullDecimal
	P75            decimal.NullDecimal
	P99            decimal.NullDecimal
	TargetLow      decimal.NullDecimal
	TargetHigh     decimal.NullDecimal
	VolumeBillions decimal.NullDecimal
}

// PercentilesOrdered reports whether the present percentiles are non-decreasing.
// Upstream does not guarantee it and nothing rejects rows that fail.
func (o RateObservation) PercentilesOrdered() bool {
	prev := decimal.NullDecimal{}
	for _, p := range []decimal.NullDecimal{o.P1, o.P25, o.P75, o.P99} {
		if !p.Valid {
			continue
		}
		if prev.Valid && p.Decimal.LessThan(prev.Decimal) {
			return false
		}
		prev = p
	}
	return true
}

// PolicyRateRow is the per-date union of the administered policy rates.
type PolicyRateRow struct {
	Date string
	IORB decimal.NullDecimal
	SRF  decimal.NullDecimal
	RRP  decimal.NullDecimal
}

// RepoOperationRow aggregates the reverse repo operations of one day.
type RepoOperationRow struct {
	Date                        string
	TotalAcceptedBillions       decimal.NullDecimal
	ParticipatingCounterparties null.Int
	MMFAcceptedBillions         decimal.NullDecimal
	GSEAcceptedBillions         decimal.NullDecimal
}

// SyncMetadata is a single key of the run history log.
type SyncMetadata struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Metadata keys written by the pipeline.
const (
	MetaLastSync          = "last_sync"
	MetaLastSyncEndDate   = "last_sync_end_date"
	MetaBackfillStart     = "backfill_start"
	MetaBackfillEnd       = "backfill_end"
	MetaBackfillCompleted = "backfill_completed"
)

// ErrInvalidDate reports a value that is not a YYYY-MM-DD calendar day.
var ErrInvalidDate = errors.New("invalid calendar date")

// ParseDate validates and parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t, nil
}

// FormatDate renders t as a calendar day in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Window is an inclusive calendar-day range.
type Window struct {
	Start string
	End   string
}

// Validate checks both bounds parse and Start is not after End.
func (w Window) Validate() error {
	start, err := ParseDate(w.Start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := ParseDate(w.End)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if start.After(end) {
		return fmt.Errorf("start %s is after end %s", w.Start, w.End)
	}
	return nil
}

// Contains reports whether date falls inside the window. Lexicographic
// comparison is exact for the fixed ISO layout.
func (w Window) Contains(date string) bool {
	return date >= w.Start && date <= w.End
}

// LookbackWindow returns [today-days, today] for the UTC day of now.
func LookbackWindow(now time.Time, days int) Window {
	today := now.UTC()
	return Window{
		Start: FormatDate(today.AddDate(0, 0, -days)),
		End:   FormatDate(today),
	}
}
