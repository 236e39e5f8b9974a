package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"sofr-tracker/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrPersistence wraps every rejected write batch.
	ErrPersistence = errors.New("persistence failure")
)

const (
	upsertSOFRSQL = `INSERT INTO sofr_rates (
        date, rate, p1, p25, p75, p99, volume_billions
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (date) DO UPDATE
    SET
        rate            = EXCLUDED.rate,
        p1              = EXCLUDED.p1,
        p25             = EXCLUDED.p25,
        p75             = EXCLUDED.p75,
        p99             = EXCLUDED.p99,
        volume_billions = EXCLUDED.volume_billions;`

	upsertEFFRSQL = `INSERT INTO effr_rates (
        date, rate, p1, p25, p75, p99, target_low, target_high, volume_billions
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (date) DO UPDATE
    SET
        rate            = EXCLUDED.rate,
        p1              = EXCLUDED.p1,
        p25             = EXCLUDED.p25,
        p75             = EXCLUDED.p75,
        p99             = EXCLUDED.p99,
        target_low      = EXCLUDED.target_low,
        target_high     = EXCLUDED.target_high,
        volume_billions = EXCLUDED.volume_billions;`

	upsertPolicySQL = `INSERT INTO policy_rates (
        date, iorb, srf, rrp
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (date) DO UPDATE
    SET
        iorb = EXCLUDED.iorb,
        srf  = EXCLUDED.srf,
        rrp  = EXCLUDED.rrp;`

	upsertRepoSQL = `INSERT INTO rrp_operations (
        date,
        total_accepted_billions,
        participating_counterparties,
        mmf_accepted_billions,
        gse_accepted_billions
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (date) DO UPDATE
    SET
        total_accepted_billions      = EXCLUDED.total_accepted_billions,
        participating_counterparties = EXCLUDED.participating_counterparties,
        mmf_accepted_billions        = EXCLUDED.mmf_accepted_billions,
        gse_accepted_billions        = EXCLUDED.gse_accepted_billions;`

	upsertMetadataSQL = `INSERT INTO sync_metadata (key, value, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (key) DO UPDATE
    SET value      = EXCLUDED.value,
        updated_at = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Gateway is the write side used by the synchronisation pipeline. Each
// upsert call is atomic for its table only and returns the rows written.
type Gateway interface {
	UpsertSOFR(ctx context.Context, rows []model.RateObservation) (int, error)
	UpsertEFFR(ctx context.Context, rows []model.RateObservation) (int, error)
	UpsertPolicyRates(ctx context.Context, rows []model.PolicyRateRow) (int, error)
	UpsertRepoOperations(ctx context.Context, rows []model.RepoOperationRow) (int, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Reader exposes stored series to the read API and exports.
type Reader interface {
	ListSOFR(ctx context.Context, window model.Window) ([]model.RateObservation, error)
	ListEFFR(ctx context.Context, window model.Window) ([]model.RateObservation, error)
	ListPolicyRates(ctx context.Context, window model.Window) ([]model.PolicyRateRow, error)
	ListRepoOperations(ctx context.Context, window model.Window) ([]model.RepoOperationRow, error)
	ListSpread(ctx context.Context, kind SpreadKind, window model.Window) ([]DatedValue, error)
	ListSOFRVolume(ctx context.Context, window model.Window) ([]DatedValue, error)
	Status(ctx context.Context) (Status, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements Gateway and Reader on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// session locks die with the connection; drop it rather than reuse it
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSOFR writes SOFR observations, overwriting existing dates.
func (s *Store) UpsertSOFR(ctx context.Context, rows []model.RateObservation) (int, error) {
	rows = dedupeByDate(rows, func(r model.RateObservation) string { return r.Date })
	return s.upsertBatch(ctx, "sofr_rates", upsertSOFRSQL, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		date, err := model.ParseDate(r.Date)
		if err != nil {
			return nil, err
		}
		return []any{date, r.Rate.String(), numeric(r.P1), numeric(r.P25), numeric(r.P75), numeric(r.P99), numeric(r.VolumeBillions)}, nil
	})
}

// UpsertEFFR writes EFFR observations, overwriting existing dates.
func (s *Store) UpsertEFFR(ctx context.Context, rows []model.RateObservation) (int, error) {
	rows = dedupeByDate(rows, func(r model.RateObservation) string { return r.Date })
	return s.upsertBatch(ctx, "effr_rates", upsertEFFRSQL, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		date, err := model.ParseDate(r.Date)
		if err != nil {
			return nil, err
		}
		return []any{
			date, r.Rate.String(),
			numeric(r.P1), numeric(r.P25), numeric(r.P75), numeric(r.P99),
			numeric(r.TargetLow), numeric(r.TargetHigh), numeric(r.VolumeBillions),
		}, nil
	})
}

// UpsertPolicyRates writes policy corridor rows, overwriting existing dates.
func (s *Store) UpsertPolicyRates(ctx context.Context, rows []model.PolicyRateRow) (int, error) {
	rows = dedupeByDate(rows, func(r model.PolicyRateRow) string { return r.Date })
	return s.upsertBatch(ctx, "policy_rates", upsertPolicySQL, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		date, err := model.ParseDate(r.Date)
		if err != nil {
			return nil, err
		}
		return []any{date, numeric(r.IORB), numeric(r.SRF), numeric(r.RRP)}, nil
	})
}

// UpsertRepoOperations writes reverse repo rows, overwriting existing dates.
func (s *Store) UpsertRepoOperations(ctx context.Context, rows []model.RepoOperationRow) (int, error) {
	rows = dedupeByDate(rows, func(r model.RepoOperationRow) string { return r.Date })
	return s.upsertBatch(ctx, "rrp_operations", upsertRepoSQL, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		date, err := model.ParseDate(r.Date)
		if err != nil {
			return nil, err
		}
		return []any{
			date,
			numeric(r.TotalAcceptedBillions),
			r.ParticipatingCounterparties.Ptr(),
			numeric(r.MMFAcceptedBillions),
			numeric(r.GSEAcceptedBillions),
		}, nil
	})
}

// SetMetadata records key=value with the current timestamp.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertMetadataSQL, key, value); err != nil {
		return fmt.Errorf("%w: set metadata %s: %w", ErrPersistence, key, err)
	}
	return nil
}

// upsertBatch queues one statement per row and sends them inside a single
// transaction, so a table's batch lands entirely or not at all.
func (s *Store) upsertBatch(ctx context.Context, table, query string, n int, args func(i int) ([]any, error)) (int, error) {
	if n == 0 {
		return 0, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	batch := &pgx.Batch{}
	for i := 0; i < n; i++ {
		values, err := args(i)
		if err != nil {
			return 0, fmt.Errorf("%w: %s row %d: %w", ErrPersistence, table, i, err)
		}
		batch.Queue(query, values...)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < n; i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return err
			}
		}
		return results.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("%w: upsert %s: %w", ErrPersistence, table, err)
	}
	return n, nil
}

// dedupeByDate keeps the last row for each date, ordered by where that last
// row appeared.
func dedupeByDate[T any](rows []T, date func(T) string) []T {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[date(r)] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]T, 0, len(last))
	for i, r := range rows {
		if last[date(r)] == i {
			out = append(out, r)
		}
	}
	return out
}

// numeric renders a nullable decimal as a NUMERIC parameter.
func numeric(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

var (
	_ Gateway        = (*Store)(nil)
	_ Reader         = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
