package httpapi

import "fmt"

// Markers lists calendar dates that tend to stress funding markets.
type Markers struct {
	QuarterEnds  []string `json:"quarterEnds"`
	TaxDeadlines []string `json:"taxDeadlines"`
}

// MarkersAround returns quarter ends and corporate tax deadlines for the
// year before, of, and after year.
func MarkersAround(year int) Markers {
	m := Markers{
		QuarterEnds:  make([]string, 0, 12),
		TaxDeadlines: make([]string, 0, 12),
	}
	for y := year - 1; y <= year+1; y++ {
		for _, md := range []string{"03-31", "06-30", "09-30", "12-31"} {
			m.QuarterEnds = append(m.QuarterEnds, fmt.Sprintf("%d-%s", y, md))
		}
		for _, md := range []string{"01-15", "04-15", "06-15", "09-15"} {
			m.TaxDeadlines = append(m.TaxDeadlines, fmt.Sprintf("%d-%s", y, md))
		}
	}
	return m
}
