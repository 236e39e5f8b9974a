package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sofr-tracker/internal/fetcher"
	"sofr-tracker/internal/model"
	"sofr-tracker/internal/service"
	"sofr-tracker/internal/storage"
)

type readerMock struct{ mock.Mock }

func (m *readerMock) ListSOFR(ctx context.Context, w model.Window) ([]model.RateObservation, error) {
	args := m.Called(ctx, w)
	rows, _ := args.Get(0).([]model.RateObservation)
	return rows, args.Error(1)
}

func (m *readerMock) ListEFFR(ctx context.Context, w model.Window) ([]model.RateObservation, error) {
	args := m.Called(ctx, w)
	rows, _ := args.Get(0).([]model.RateObservation)
	return rows, args.Error(1)
}

func (m *readerMock) ListPolicyRates(ctx context.Context, w model.Window) ([]model.PolicyRateRow, error) {
	args := m.Called(ctx, w)
	rows, _ := args.Get(0).([]model.PolicyRateRow)
	return rows, args.Error(1)
}

func (m *readerMock) ListRepoOperations(ctx context.Context, w model.Window) ([]model.RepoOperationRow, error) {
	args := m.Called(ctx, w)
	rows, _ := args.Get(0).([]model.RepoOperationRow)
	return rows, args.Error(1)
}

func (m *readerMock) ListSpread(ctx context.Context, kind storage.SpreadKind, w model.Window) ([]storage.DatedValue, error) {
	args := m.Called(ctx, kind, w)
	rows, _ := args.Get(0).([]storage.DatedValue)
	return rows, args.Error(1)
}

func (m *readerMock) ListSOFRVolume(ctx context.Context, w model.Window) ([]storage.DatedValue, error) {
	args := m.Called(ctx, w)
	rows, _ := args.Get(0).([]storage.DatedValue)
	return rows, args.Error(1)
}

func (m *readerMock) Status(ctx context.Context) (storage.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(storage.Status), args.Error(1)
}

var _ storage.Reader = (*readerMock)(nil)

type runnerMock struct{ mock.Mock }

func (m *runnerMock) RunSync(ctx context.Context, days int) (model.SyncResult, error) {
	args := m.Called(ctx, days)
	return args.Get(0).(model.SyncResult), args.Error(1)
}

func (m *runnerMock) Backfill(ctx context.Context, start, end string) (model.SyncResult, error) {
	args := m.Called(ctx, start, end)
	return args.Get(0).(model.SyncResult), args.Error(1)
}

var testNow = time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)

func newTestRouter(reader *readerMock, runner *runnerMock) *gin.Engine {
	h := NewHandler(reader, runner, Options{
		DefaultRangeMonths:  3,
		DefaultLookbackDays: 7,
		Now:                 func() time.Time { return testNow },
	}, zerolog.Nop())
	return NewRouter(h, gin.TestMode)
}

func do(t *testing.T, r http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestGetRatesDefaultsToTrailingMonths(t *testing.T) {
	reader := &readerMock{}
	window := model.Window{Start: "2024-01-15", End: "2024-04-15"}
	reader.On("ListSOFR", mock.Anything, window).Return([]model.RateObservation{
		{Date: "2024-01-02", Rate: decimal.RequireFromString("5.32"), P1: nd("5.26")},
	}, nil)
	reader.On("ListEFFR", mock.Anything, window).Return([]model.RateObservation{
		{Date: "2024-01-02", Rate: decimal.RequireFromString("5.33"), TargetLow: nd("5.25"), TargetHigh: nd("5.5")},
	}, nil)
	reader.On("ListPolicyRates", mock.Anything, window).Return(nil, nil)

	rec := do(t, newTestRouter(reader, &runnerMock{}), http.MethodGet, "/api/rates")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var body map[string][]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["sofr"], 1)
	assert.Equal(t, 5.32, body["sofr"][0]["rate"])
	assert.Nil(t, body["sofr"][0]["p99"])
	assert.Equal(t, 5.5, body["effr"][0]["target_high"])
	assert.Equal(t, "2024-01-02", body["effr"][0]["date"])
	assert.Empty(t, body["policy"])
	reader.AssertExpectations(t)
}

func TestGetRatesRejectsBadWindow(t *testing.T) {
	rec := do(t, newTestRouter(&readerMock{}, &runnerMock{}), http.MethodGet, "/api/rates?start=2024-05-01&end=2024-04-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, newTestRouter(&readerMock{}, &runnerMock{}), http.MethodGet, "/api/volume?start=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSpreads(t *testing.T) {
	reader := &readerMock{}
	window := model.Window{Start: "2024-01-01", End: "2024-01-31"}
	reader.On("ListSpread", mock.Anything, storage.SpreadSOFRRRP, window).Return([]storage.DatedValue{
		{Date: "2024-01-02", Value: decimal.RequireFromString("0.02")},
	}, nil)
	router := newTestRouter(reader, &runnerMock{})

	rec := do(t, router, http.MethodGet, "/api/spreads?type=sofr-rrp&start=2024-01-01&end=2024-01-31")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"date":"2024-01-02","value":0.02}]`, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/spreads?type=iorb-rrp")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid spread type")
}

func TestGetRRP(t *testing.T) {
	reader := &readerMock{}
	reader.On("ListRepoOperations", mock.Anything, mock.Anything).Return([]model.RepoOperationRow{
		{Date: "2024-01-02", TotalAcceptedBillions: nd("5"), ParticipatingCounterparties: null.IntFrom(3)},
		{Date: "2024-01-03", TotalAcceptedBillions: nd("0")},
	}, nil)

	rec := do(t, newTestRouter(reader, &runnerMock{}), http.MethodGet, "/api/rrp")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"date":"2024-01-02","total_accepted_billions":5,"participating_counterparties":3,"mmf_accepted_billions":null,"gse_accepted_billions":null},
		{"date":"2024-01-03","total_accepted_billions":0,"participating_counterparties":null,"mmf_accepted_billions":null,"gse_accepted_billions":null}
	]`, rec.Body.String())
}

func TestGetMarkers(t *testing.T) {
	rec := do(t, newTestRouter(&readerMock{}, &runnerMock{}), http.MethodGet, "/api/markers")
	require.Equal(t, http.StatusOK, rec.Code)

	var m Markers
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Len(t, m.QuarterEnds, 12)
	assert.Len(t, m.TaxDeadlines, 12)
	assert.Equal(t, "2023-03-31", m.QuarterEnds[0])
	assert.Equal(t, "2025-09-15", m.TaxDeadlines[11])
}

func TestGetStatus(t *testing.T) {
	earliest, latest := "2018-04-02", "2024-04-12"
	reader := &readerMock{}
	reader.On("Status", mock.Anything).Return(storage.Status{
		Metadata:     map[string]string{model.MetaLastSync: "2024-04-12T06:00:00Z"},
		Counts:       storage.TableCounts{SOFR: 1500, EFFR: 1490, Policy: 700, RRP: 1200},
		EarliestDate: &earliest,
		LatestDate:   &latest,
	}, nil)

	rec := do(t, newTestRouter(reader, &runnerMock{}), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"metadata":{"last_sync":"2024-04-12T06:00:00Z"},
		"counts":{"sofr_count":1500,"effr_count":1490,"policy_count":700,"rrp_count":1200,
			"earliest_date":"2018-04-02","latest_date":"2024-04-12"}
	}`, rec.Body.String())
}

func TestPostSync(t *testing.T) {
	runner := &runnerMock{}
	result := model.SyncResult{Kind: model.RunSync, RunID: "r1", Counts: map[model.Series]int{model.SeriesSOFR: 5}}
	runner.On("RunSync", mock.Anything, 7).Return(result, nil).Once()
	runner.On("RunSync", mock.Anything, 30).Return(result, nil).Once()
	router := newTestRouter(&readerMock{}, runner)

	rec := do(t, router, http.MethodPost, "/api/sync")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"runId":"r1"`)

	rec = do(t, router, http.MethodPost, "/api/sync?days=30")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/sync?days=week")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	runner.AssertExpectations(t)
}

func TestPostSyncErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: lookback days -1 is negative", service.ErrInvalidWindow), http.StatusBadRequest},
		{service.ErrRunInProgress, http.StatusConflict},
		{fmt.Errorf("rrp: fetch: %w", &fetcher.UpstreamError{Source: "nyfed_rrp", Status: 503}), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		runner := &runnerMock{}
		runner.On("RunSync", mock.Anything, mock.Anything).Return(model.SyncResult{}, tt.err)
		rec := do(t, newTestRouter(&readerMock{}, runner), http.MethodPost, "/api/sync?days=-1")
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
	}
}

func TestPostBackfill(t *testing.T) {
	runner := &runnerMock{}
	runner.On("Backfill", mock.Anything, "2024-01-01", "2024-04-15").
		Return(model.SyncResult{Kind: model.RunBackfill, StartDate: "2024-01-01", EndDate: "2024-04-15"}, nil)
	router := newTestRouter(&readerMock{}, runner)

	rec := do(t, router, http.MethodPost, "/api/backfill?start=2024-01-01")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"kind":"backfill"`))

	rec = do(t, router, http.MethodPost, "/api/backfill")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "start date required")
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestRouter(&readerMock{}, &runnerMock{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunTriggersOutliveClient(t *testing.T) {
	live := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
	runner := &runnerMock{}
	runner.On("RunSync", live, 7).Return(model.SyncResult{Kind: model.RunSync}, nil).Once()
	runner.On("Backfill", live, "2018-04-02", "2024-04-15").Return(model.SyncResult{Kind: model.RunBackfill}, nil).Once()
	router := newTestRouter(&readerMock{}, runner)

	for _, target := range []string{"/api/sync", "/api/backfill?start=2018-04-02"} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, target, nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, target)
	}
	runner.AssertExpectations(t)
}
