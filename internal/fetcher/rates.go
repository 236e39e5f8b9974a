package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sofr-tracker/internal/model"
)

const (
	defaultNYFedBaseURL = "https://markets.newyorkfed.org"
	sofrSearchPath      = "/api/rates/secured/sofr/search.json"
	effrSearchPath      = "/api/rates/unsecured/effr/search.json"
)

// Field names observed across NY Fed reference rate payload revisions.
var (
	primaryRateKeys = []string{"percentRate", "percentile50", "medianRate", "averageRate"}
	billionsKeys    = []string{"volumeInBillions"}
	rawVolumeKeys   = []string{"tradingVolume"}
)

// MissingPrimaryPolicy decides what happens to an observation published
// without its headline rate.
type MissingPrimaryPolicy string

const (
	// PrimaryZero stores the observation with a rate of 0. This keeps
	// compatibility with rows already written by earlier versions.
	PrimaryZero MissingPrimaryPolicy = "zero"
	// PrimarySkip drops the observation.
	PrimarySkip MissingPrimaryPolicy = "skip"
)

// ParseMissingPrimaryPolicy validates a configured policy name.
func ParseMissingPrimaryPolicy(s string) (MissingPrimaryPolicy, error) {
	switch p := MissingPrimaryPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PrimaryZero:
		return PrimaryZero, nil
	case PrimarySkip:
		return PrimarySkip, nil
	default:
		return "", fmt.Errorf("unknown missing primary rate policy %q", s)
	}
}

// RateKind selects which reference rate an adapter reads.
type RateKind string

const (
	RateSOFR RateKind = "sofr"
	RateEFFR RateKind = "effr"
)

// RatesOptions parameterise a reference rate adapter.
type RatesOptions struct {
	HTTPOptions
	MissingPrimary MissingPrimaryPolicy
}

// Rates reads SOFR or EFFR observations from the NY Fed Markets API.
type Rates struct {
	kind   RateKind
	path   string
	policy MissingPrimaryPolicy
	http   httpSource
}

// NewRates constructs a reference rate adapter for kind.
func NewRates(kind RateKind, opts RatesOptions, logger zerolog.Logger) *Rates {
	path := sofrSearchPath
	if kind == RateEFFR {
		path = effrSearchPath
	}
	policy := opts.MissingPrimary
	if policy == "" {
		policy = PrimaryZero
	}
	return &Rates{
		kind:   kind,
		path:   path,
		policy: policy,
		http:   newHTTPSource("nyfed_"+string(kind), defaultNYFedBaseURL, opts.HTTPOptions, logger),
	}
}

type refRatesResponse struct {
	RefRates []record `json:"refRates"`
}

// FetchRates returns one observation per published date in window.
func (r *Rates) FetchRates(ctx context.Context, window model.Window) ([]model.RateObservation, error) {
	query := url.Values{}
	query.Set("startDate", window.Start)
	query.Set("endDate", window.End)

	payload, err := r.http.get(ctx, r.path, query, "application/json")
	if err != nil {
		return nil, err
	}

	var res refRatesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", r.kind, err)
	}

	out := make([]model.RateObservation, 0, len(res.RefRates))
	for _, rec := range res.RefRates {
		obs, ok := r.normalize(rec)
		if !ok {
			continue
		}
		if !obs.PercentilesOrdered() {
			r.http.logger.Debug().Str("date", obs.Date).Msg("percentiles not monotonic")
		}
		out = append(out, obs)
	}
	return out, nil
}

func (r *Rates) normalize(rec record) (model.RateObservation, bool) {
	date := rec.str("effectiveDate")
	if _, err := model.ParseDate(date); err != nil {
		r.http.anomaly(date, "effectiveDate", date)
		return model.RateObservation{}, false
	}

	obs := model.RateObservation{
		Date: date,
		P1:   r.field(rec, date, "percentile1"),
		P25:  r.field(rec, date, "percentile25"),
		P75:  r.field(rec, date, "percentile75"),
		P99:  r.field(rec, date, "percentile99"),
	}

	primary := r.field(rec, date, primaryRateKeys...)
	if primary.Valid {
		obs.Rate = primary.Decimal
	} else {
		if r.policy == PrimarySkip {
			r.http.logger.Warn().Str("date", date).Msg("observation without primary rate skipped")
			return model.RateObservation{}, false
		}
		r.http.logger.Warn().Str("date", date).Msg("observation without primary rate stored as zero")
		obs.Rate = decimal.Zero
	}

	if r.kind == RateEFFR {
		obs.TargetLow = r.field(rec, date, "targetRateLow")
		obs.TargetHigh = r.field(rec, date, "targetRateHigh")
	}

	if rec.has(billionsKeys...) {
		obs.VolumeBillions = r.field(rec, date, billionsKeys...)
	} else {
		obs.VolumeBillions = toBillions(r.field(rec, date, rawVolumeKeys...))
	}
	return obs, true
}

// field reads the first present of keys; unparseable values become null.
func (r *Rates) field(rec record, date string, keys ...string) decimal.NullDecimal {
	key, raw, ok := rec.first(keys...)
	if !ok {
		return decimal.NullDecimal{}
	}
	v, parsed := parseJSONValue(raw)
	if !parsed {
		r.http.anomaly(date, key, string(raw))
	}
	return v
}

var _ RateFetcher = (*Rates)(nil)
