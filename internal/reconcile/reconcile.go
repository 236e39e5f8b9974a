// Package reconcile merges independently dated single-value series into
// per-date rows.
package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Point is one dated observation of a sparse series. An invalid Value means
// the upstream published the date without a number.
type Point struct {
	Date  string
	Value decimal.NullDecimal
}

// Series is a named sparse sequence of points.
type Series struct {
	Name   string
	Points []Point
}

// Row holds the values of every input series for one date. Values[i]
// belongs to the i-th series passed to Merge and is null when that series
// has no point on Date.
type Row struct {
	Date   string
	Values []decimal.NullDecimal
}

// Merge builds the date union of all series and projects each series'
// values onto it. Output is sorted ascending by date; the result does not
// depend on the order points appear within a series. When a series repeats a
// date, its last point wins.
func Merge(series ...Series) []Row {
	index := make(map[string]*Row)
	for _, s := range series {
		for _, p := range s.Points {
			if p.Date == "" {
				continue
			}
			if _, ok := index[p.Date]; !ok {
				index[p.Date] = &Row{Date: p.Date, Values: make([]decimal.NullDecimal, len(series))}
			}
		}
	}

	for i, s := range series {
		for _, p := range s.Points {
			row, ok := index[p.Date]
			if !ok {
				continue
			}
			row.Values[i] = p.Value
		}
	}

	rows := make([]Row, 0, len(index))
	for _, row := range index {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	return rows
}
