package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpreadKind selects a derived spread series.
type SpreadKind string

const (
	SpreadSOFRPercentile SpreadKind = "sofr-percentile"
	SpreadSOFRRRP        SpreadKind = "sofr-rrp"
	SpreadEFFRRRP        SpreadKind = "effr-rrp"
)

// ParseSpreadKind validates a spread name.
func ParseSpreadKind(s string) (SpreadKind, bool) {
	switch k := SpreadKind(s); k {
	case SpreadSOFRPercentile, SpreadSOFRRRP, SpreadEFFRRRP:
		return k, true
	default:
		return "", false
	}
}

// DatedValue is one point of a derived series.
type DatedValue struct {
	Date  string          `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// TableCounts reports stored rows per table.
type TableCounts struct {
	SOFR   int64 `json:"sofr_count"`
	EFFR   int64 `json:"effr_count"`
	Policy int64 `json:"policy_count"`
	RRP    int64 `json:"rrp_count"`
}

// Status summarises the store for operators.
type Status struct {
	Metadata     map[string]string    `json:"metadata"`
	UpdatedAt    map[string]time.Time `json:"updated_at"`
	Counts       TableCounts          `json:"counts"`
	EarliestDate *string              `json:"earliest_date"`
	LatestDate   *string              `json:"latest_date"`
}
