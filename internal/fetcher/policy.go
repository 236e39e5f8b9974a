package fetcher

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sofr-tracker/internal/model"
	"sofr-tracker/internal/reconcile"
)

const (
	defaultFREDBaseURL = "https://fred.stlouisfed.org"
	fredGraphCSVPath   = "/graph/fredgraph.csv"

	// Default FRED series identifiers for the policy corridor.
	SeriesIORB = "IORB"
	SeriesSRF  = "SRFTSYD"
	SeriesRRP  = "RRPONTSYAWARD"
)

// PolicyOptions parameterise the policy rate adapter.
type PolicyOptions struct {
	HTTPOptions
	IORBSeries string
	SRFSeries  string
	RRPSeries  string
}

// Policy reads the IORB, SRF and RRP award rate series from FRED and merges
// them into one row per date.
type Policy struct {
	http   httpSource
	series [3]string
}

// NewPolicy constructs the policy rate adapter.
func NewPolicy(opts PolicyOptions, logger zerolog.Logger) *Policy {
	return &Policy{
		http: newHTTPSource("fred", defaultFREDBaseURL, opts.HTTPOptions, logger),
		series: [3]string{
			firstNonEmpty(opts.IORBSeries, SeriesIORB),
			firstNonEmpty(opts.SRFSeries, SeriesSRF),
			firstNonEmpty(opts.RRPSeries, SeriesRRP),
		},
	}
}

// FetchPolicyRates fetches the three series concurrently; any failure fails
// the whole fetch.
func (p *Policy) FetchPolicyRates(ctx context.Context, window model.Window) ([]model.PolicyRateRow, error) {
	var fetched [3]reconcile.Series
	var g errgroup.Group
	for i, id := range p.series {
		g.Go(func() error {
			points, err := p.FetchSeries(ctx, id, window)
			if err != nil {
				return err
			}
			fetched[i] = reconcile.Series{Name: id, Points: points}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := reconcile.Merge(fetched[0], fetched[1], fetched[2])
	rows := make([]model.PolicyRateRow, 0, len(merged))
	for _, m := range merged {
		rows = append(rows, model.PolicyRateRow{
			Date: m.Date,
			IORB: m.Values[0],
			SRF:  m.Values[1],
			RRP:  m.Values[2],
		})
	}
	return rows, nil
}

// FetchSeries downloads one FRED series as date/value points.
func (p *Policy) FetchSeries(ctx context.Context, seriesID string, window model.Window) ([]reconcile.Point, error) {
	query := url.Values{}
	query.Set("id", seriesID)
	query.Set("cosd", window.Start)
	query.Set("coed", window.End)

	payload, err := p.http.get(ctx, fredGraphCSVPath, query, "text/csv")
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", seriesID, err)
	}
	return p.parseCSV(seriesID, payload)
}

// parseCSV reads `date,value` lines after the header. Missing sentinels and
// unparseable values become null; lines without a date are skipped.
func (p *Policy) parseCSV(seriesID string, payload []byte) ([]reconcile.Point, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	points := make([]reconcile.Point, 0)
	header := true
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				p.http.anomaly("", seriesID, parseErr.Error())
				continue
			}
			return nil, fmt.Errorf("read %s csv: %w", seriesID, err)
		}
		if header {
			header = false
			continue
		}
		if len(fields) == 0 {
			continue
		}

		date := strings.TrimSpace(fields[0])
		if date == "" {
			continue
		}
		if _, err := model.ParseDate(date); err != nil {
			p.http.anomaly(date, seriesID+".date", date)
			continue
		}

		var raw string
		if len(fields) > 1 {
			raw = fields[1]
		}
		value, ok := parseToken(raw)
		if !ok {
			p.http.anomaly(date, seriesID, raw)
		}
		points = append(points, reconcile.Point{Date: date, Value: value})
	}
	return points, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var _ PolicyRateFetcher = (*Policy)(nil)
