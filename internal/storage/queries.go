package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"sofr-tracker/internal/model"
)

const (
	listSOFRSQL = `SELECT date, rate, p1, p25, p75, p99, volume_billions
    FROM sofr_rates
    WHERE date >= $1 AND date <= $2
    ORDER BY date;`

	listEFFRSQL = `SELECT date, rate, p1, p25, p75, p99, target_low, target_high, volume_billions
    FROM effr_rates
    WHERE date >= $1 AND date <= $2
    ORDER BY date;`

	listPolicySQL = `SELECT date, iorb, srf, rrp
    FROM policy_rates
    WHERE date >= $1 AND date <= $2
    ORDER BY date;`

	listRepoSQL = `SELECT date, total_accepted_billions, participating_counterparties, mmf_accepted_billions, gse_accepted_billions
    FROM rrp_operations
    WHERE date >= $1 AND date <= $2
    ORDER BY date;`

	sofrPercentileSpreadSQL = `SELECT date, (p99 - p1) AS value
    FROM sofr_rates
    WHERE date >= $1 AND date <= $2 AND p99 IS NOT NULL AND p1 IS NOT NULL
    ORDER BY date;`

	sofrRRPSpreadSQL = `SELECT s.date, (s.rate - p.rrp) AS value
    FROM sofr_rates s
    JOIN policy_rates p ON s.date = p.date
    WHERE s.date >= $1 AND s.date <= $2 AND p.rrp IS NOT NULL
    ORDER BY s.date;`

	effrRRPSpreadSQL = `SELECT e.date, (e.rate - p.rrp) AS value
    FROM effr_rates e
    JOIN policy_rates p ON e.date = p.date
    WHERE e.date >= $1 AND e.date <= $2 AND p.rrp IS NOT NULL
    ORDER BY e.date;`

	sofrVolumeSQL = `SELECT date, volume_billions AS value
    FROM sofr_rates
    WHERE date >= $1 AND date <= $2 AND volume_billions IS NOT NULL
    ORDER BY date;`

	listMetadataSQL = `SELECT key, value, updated_at FROM sync_metadata ORDER BY key;`

	countsSQL = `SELECT
        (SELECT COUNT(*) FROM sofr_rates)     AS sofr_count,
        (SELECT COUNT(*) FROM effr_rates)     AS effr_count,
        (SELECT COUNT(*) FROM policy_rates)   AS policy_count,
        (SELECT COUNT(*) FROM rrp_operations) AS rrp_count,
        (SELECT MIN(date) FROM sofr_rates)    AS earliest_date,
        (SELECT MAX(date) FROM sofr_rates)    AS latest_date;`
)

var spreadQueries = map[SpreadKind]string{
	SpreadSOFRPercentile: sofrPercentileSpreadSQL,
	SpreadSOFRRRP:        sofrRRPSpreadSQL,
	SpreadEFFRRRP:        effrRRPSpreadSQL,
}

// ListSOFR lists stored SOFR observations within window.
func (s *Store) ListSOFR(ctx context.Context, window model.Window) ([]model.RateObservation, error) {
	return listWindow(ctx, s, "sofr rates", listSOFRSQL, window, func(rows pgx.Rows) (model.RateObservation, error) {
		var (
			date                      time.Time
			rate                      string
			p1, p25, p75, p99, volume *string
		)
		if err := rows.Scan(&date, &rate, &p1, &p25, &p75, &p99, &volume); err != nil {
			return model.RateObservation{}, err
		}
		return buildObservation(date, rate, p1, p25, p75, p99, nil, nil, volume)
	})
}

// ListEFFR lists stored EFFR observations within window.
func (s *Store) ListEFFR(ctx context.Context, window model.Window) ([]model.RateObservation, error) {
	return listWindow(ctx, s, "effr rates", listEFFRSQL, window, func(rows pgx.Rows) (model.RateObservation, error) {
		var (
			date                          time.Time
			rate                          string
			p1, p25, p75, p99             *string
			targetLow, targetHigh, volume *string
		)
		if err := rows.Scan(&date, &rate, &p1, &p25, &p75, &p99, &targetLow, &targetHigh, &volume); err != nil {
			return model.RateObservation{}, err
		}
		return buildObservation(date, rate, p1, p25, p75, p99, targetLow, targetHigh, volume)
	})
}

// ListPolicyRates lists stored policy corridor rows within window.
func (s *Store) ListPolicyRates(ctx context.Context, window model.Window) ([]model.PolicyRateRow, error) {
	return listWindow(ctx, s, "policy rates", listPolicySQL, window, func(rows pgx.Rows) (model.PolicyRateRow, error) {
		var (
			date           time.Time
			iorb, srf, rrp *string
		)
		if err := rows.Scan(&date, &iorb, &srf, &rrp); err != nil {
			return model.PolicyRateRow{}, err
		}
		row := model.PolicyRateRow{Date: model.FormatDate(date)}
		var err error
		if row.IORB, err = parseNullable(iorb); err != nil {
			return row, err
		}
		if row.SRF, err = parseNullable(srf); err != nil {
			return row, err
		}
		row.RRP, err = parseNullable(rrp)
		return row, err
	})
}

// ListRepoOperations lists stored reverse repo rows within window.
func (s *Store) ListRepoOperations(ctx context.Context, window model.Window) ([]model.RepoOperationRow, error) {
	return listWindow(ctx, s, "rrp operations", listRepoSQL, window, func(rows pgx.Rows) (model.RepoOperationRow, error) {
		var (
			date            time.Time
			total, mmf, gse *string
			counterparties  *int64
		)
		if err := rows.Scan(&date, &total, &counterparties, &mmf, &gse); err != nil {
			return model.RepoOperationRow{}, err
		}
		row := model.RepoOperationRow{
			Date:                        model.FormatDate(date),
			ParticipatingCounterparties: null.IntFromPtr(counterparties),
		}
		var err error
		if row.TotalAcceptedBillions, err = parseNullable(total); err != nil {
			return row, err
		}
		if row.MMFAcceptedBillions, err = parseNullable(mmf); err != nil {
			return row, err
		}
		row.GSEAcceptedBillions, err = parseNullable(gse)
		return row, err
	})
}

// ListSpread lists a derived spread series within window.
func (s *Store) ListSpread(ctx context.Context, kind SpreadKind, window model.Window) ([]DatedValue, error) {
	query, ok := spreadQueries[kind]
	if !ok {
		return nil, fmt.Errorf("unknown spread type %q", kind)
	}
	return listWindow(ctx, s, string(kind)+" spread", query, window, scanDatedValue)
}

// ListSOFRVolume lists SOFR traded volume in billions within window.
func (s *Store) ListSOFRVolume(ctx context.Context, window model.Window) ([]DatedValue, error) {
	return listWindow(ctx, s, "sofr volume", sofrVolumeSQL, window, scanDatedValue)
}

// Status reports run metadata, table counts and the stored SOFR date range.
func (s *Store) Status(ctx context.Context) (Status, error) {
	pool, err := s.getPool()
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Metadata:  make(map[string]string),
		UpdatedAt: make(map[string]time.Time),
	}

	rows, err := pool.Query(ctx, listMetadataSQL)
	if err != nil {
		return Status{}, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var meta model.SyncMetadata
		if err := rows.Scan(&meta.Key, &meta.Value, &meta.UpdatedAt); err != nil {
			return Status{}, err
		}
		status.Metadata[meta.Key] = meta.Value
		status.UpdatedAt[meta.Key] = meta.UpdatedAt
	}
	if rows.Err() != nil {
		return Status{}, rows.Err()
	}

	var earliest, latest *time.Time
	if err := pool.QueryRow(ctx, countsSQL).Scan(
		&status.Counts.SOFR,
		&status.Counts.EFFR,
		&status.Counts.Policy,
		&status.Counts.RRP,
		&earliest,
		&latest,
	); err != nil {
		return Status{}, fmt.Errorf("count rows: %w", err)
	}
	status.EarliestDate = formatOptionalDate(earliest)
	status.LatestDate = formatOptionalDate(latest)
	return status, nil
}

func listWindow[T any](ctx context.Context, s *Store, what, query string, window model.Window, scan func(pgx.Rows) (T, error)) ([]T, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	start, err := model.ParseDate(window.Start)
	if err != nil {
		return nil, err
	}
	end, err := model.ParseDate(window.End)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanDatedValue(rows pgx.Rows) (DatedValue, error) {
	var (
		date  time.Time
		value string
	)
	if err := rows.Scan(&date, &value); err != nil {
		return DatedValue{}, err
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return DatedValue{}, fmt.Errorf("parse value: %w", err)
	}
	return DatedValue{Date: model.FormatDate(date), Value: d}, nil
}

func buildObservation(date time.Time, rate string, p1, p25, p75, p99, targetLow, targetHigh, volume *string) (model.RateObservation, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return model.RateObservation{}, fmt.Errorf("parse rate: %w", err)
	}
	obs := model.RateObservation{Date: model.FormatDate(date), Rate: r}

	fields := []struct {
		dst *decimal.NullDecimal
		src *string
	}{
		{&obs.P1, p1}, {&obs.P25, p25}, {&obs.P75, p75}, {&obs.P99, p99},
		{&obs.TargetLow, targetLow}, {&obs.TargetHigh, targetHigh},
		{&obs.VolumeBillions, volume},
	}
	for _, f := range fields {
		v, err := parseNullable(f.src)
		if err != nil {
			return model.RateObservation{}, err
		}
		*f.dst = v
	}
	return obs, nil
}

func parseNullable(v *string) (decimal.NullDecimal, error) {
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse numeric %q: %w", *v, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func formatOptionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := model.FormatDate(*t)
	return &s
}
