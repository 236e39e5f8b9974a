package service

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"sofr-tracker/internal/fetcher"
	"sofr-tracker/internal/model"
	"sofr-tracker/internal/runlock"
	"sofr-tracker/internal/storage"
)

type rateFetcherMock struct{ mock.Mock }

func (m *rateFetcherMock) FetchRates(ctx context.Context, w model.Window) ([]model.RateObservation, error) {
	args := m.Called(ctx, w)
	rows, _ := args.Get(0).([]model.RateObservation)
	return rows, args.Error(1)
}

type policyFetcherMock struct{ mock.Mock }

func (m *policyFetcherMock) FetchPolicyRates(ctx context.Context, w model.Window) ([]model.PolicyRateRow, error) {
	args := m.Called(ctx, w)
	rows, _ := args.Get(0).([]model.PolicyRateRow)
	return rows, args.Error(1)
}

type repoFetcherMock struct{ mock.Mock }

func (m *repoFetcherMock) FetchRepoOperations(ctx context.Context, w model.Window) ([]model.RepoOperationRow, error) {
	args := m.Called(ctx, w)
	rows, _ := args.Get(0).([]model.RepoOperationRow)
	return rows, args.Error(1)
}

// memoryGateway keeps one row per date per table, overwriting on conflict.
type memoryGateway struct {
	mu       sync.Mutex
	sofr     map[string]model.RateObservation
	effr     map[string]model.RateObservation
	policy   map[string]model.PolicyRateRow
	rrp      map[string]model.RepoOperationRow
	metadata map[string]string
	failRRP  error
	// onMetadata runs before each metadata write.
	onMetadata func(key string)
}

func newMemoryGateway() *memoryGateway {
	return &memoryGateway{
		sofr:     map[string]model.RateObservation{},
		effr:     map[string]model.RateObservation{},
		policy:   map[string]model.PolicyRateRow{},
		rrp:      map[string]model.RepoOperationRow{},
		metadata: map[string]string{},
	}
}

func (g *memoryGateway) UpsertSOFR(_ context.Context, rows []model.RateObservation) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range rows {
		g.sofr[r.Date] = r
	}
	return len(rows), nil
}

func (g *memoryGateway) UpsertEFFR(_ context.Context, rows []model.RateObservation) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range rows {
		g.effr[r.Date] = r
	}
	return len(rows), nil
}

func (g *memoryGateway) UpsertPolicyRates(_ context.Context, rows []model.PolicyRateRow) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range rows {
		g.policy[r.Date] = r
	}
	return len(rows), nil
}

func (g *memoryGateway) UpsertRepoOperations(_ context.Context, rows []model.RepoOperationRow) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failRRP != nil {
		return 0, g.failRRP
	}
	for _, r := range rows {
		g.rrp[r.Date] = r
	}
	return len(rows), nil
}

func (g *memoryGateway) SetMetadata(_ context.Context, key, value string) error {
	if g.onMetadata != nil {
		g.onMetadata(key)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metadata[key] = value
	return nil
}

func (g *memoryGateway) sofrDates() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	dates := make([]string, 0, len(g.sofr))
	for d := range g.sofr {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

var _ storage.Gateway = (*memoryGateway)(nil)

type heldLocker struct{}

func (heldLocker) Acquire(context.Context) (func(), error) { return nil, runlock.ErrHeld }

// trackingLocker records whether a pass currently holds it.
type trackingLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
}

func (l *trackingLocker) Acquire(context.Context) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, runlock.ErrHeld
	}
	l.held = true
	l.acquired++
	return func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}, nil
}

func (l *trackingLocker) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(dec(s)) }

var (
	fixedNow   = time.Date(2024, 1, 3, 15, 30, 0, 0, time.UTC)
	scenarioWt = model.Window{Start: "2024-01-01", End: "2024-01-03"}
)

func scenarioSOFR() []model.RateObservation {
	return []model.RateObservation{
		{Date: "2024-01-01", Rate: dec("5.31"), P1: nd("5.25"), P25: nd("5.29"), P75: nd("5.33"), P99: nd("5.40"), VolumeBillions: nd("1850")},
		{Date: "2024-01-02", Rate: dec("5.32"), P1: nd("5.26"), P25: nd("5.30"), P75: nd("5.34")},
		{Date: "2024-01-03", Rate: dec("5.33"), P1: nd("5.27"), P25: nd("5.31"), P75: nd("5.35"), P99: nd("5.45")},
	}
}

type PipelineSuite struct {
	suite.Suite
	sofr    *rateFetcherMock
	effr    *rateFetcherMock
	policy  *policyFetcherMock
	repo    *repoFetcherMock
	gateway *memoryGateway
	ctx     context.Context
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.sofr = &rateFetcherMock{}
	s.effr = &rateFetcherMock{}
	s.policy = &policyFetcherMock{}
	s.repo = &repoFetcherMock{}
	s.gateway = newMemoryGateway()
	s.ctx = context.Background()
}

func (s *PipelineSuite) pipeline(opts ...Option) *Pipeline {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewPipeline(Sources{SOFR: s.sofr, EFFR: s.effr, Policy: s.policy, Repo: s.repo}, s.gateway, zerolog.Nop(), opts...)
}

func (s *PipelineSuite) expectScenario() {
	s.sofr.On("FetchRates", mock.Anything, scenarioWt).Return(scenarioSOFR(), nil)
	s.effr.On("FetchRates", mock.Anything, scenarioWt).Return([]model.RateObservation{
		{Date: "2024-01-02", Rate: dec("5.33"), TargetLow: nd("5.25"), TargetHigh: nd("5.50")},
	}, nil)
	s.policy.On("FetchPolicyRates", mock.Anything, scenarioWt).Return([]model.PolicyRateRow{
		{Date: "2024-01-01", RRP: nd("5.30")},
		{Date: "2024-01-02", IORB: nd("5.40"), SRF: nd("5.50"), RRP: nd("5.30")},
	}, nil)
	s.repo.On("FetchRepoOperations", mock.Anything, scenarioWt).Return([]model.RepoOperationRow{
		{Date: "2024-01-02", TotalAcceptedBillions: nd("5"), ParticipatingCounterparties: null.IntFrom(2), MMFAcceptedBillions: nd("4"), GSEAcceptedBillions: nd("1")},
	}, nil)
}

func (s *PipelineSuite) TestRunSyncEndToEnd() {
	s.expectScenario()

	result, err := s.pipeline().RunSync(s.ctx, 2)
	s.Require().NoError(err)

	s.Equal(model.RunSync, result.Kind)
	s.NotEmpty(result.RunID)
	s.Equal("2024-01-01", result.StartDate)
	s.Equal("2024-01-03", result.EndDate)
	s.Equal(3, result.Count(model.SeriesSOFR))
	s.Equal(1, result.Count(model.SeriesEFFR))
	s.Equal(2, result.Count(model.SeriesPolicy))
	s.Equal(1, result.Count(model.SeriesRRP))

	s.Equal([]string{"2024-01-01", "2024-01-02", "2024-01-03"}, s.gateway.sofrDates())
	s.False(s.gateway.sofr["2024-01-02"].P99.Valid, "missing p99 stays null")
	s.True(s.gateway.sofr["2024-01-03"].P99.Decimal.Equal(dec("5.45")))
	s.True(s.gateway.rrp["2024-01-02"].TotalAcceptedBillions.Decimal.Equal(dec("5")))

	s.Equal("2024-01-03T15:30:00Z", s.gateway.metadata[model.MetaLastSync])
	s.Equal("2024-01-03", s.gateway.metadata[model.MetaLastSyncEndDate])
}

func (s *PipelineSuite) TestRunSyncIsIdempotent() {
	s.expectScenario()
	p := s.pipeline()

	_, err := p.RunSync(s.ctx, 2)
	s.Require().NoError(err)
	first := maps.Clone(s.gateway.sofr)

	_, err = p.RunSync(s.ctx, 2)
	s.Require().NoError(err)
	s.Len(s.gateway.sofr, 3)
	s.Equal(first, s.gateway.sofr)
	s.Len(s.gateway.policy, 2)
}

func (s *PipelineSuite) TestLaterRunOverwritesDate() {
	s.sofr.On("FetchRates", mock.Anything, scenarioWt).Return(scenarioSOFR(), nil).Once()
	revised := scenarioSOFR()
	revised[1].Rate = dec("5.35")
	revised[1].P99 = nd("5.50")
	s.sofr.On("FetchRates", mock.Anything, scenarioWt).Return(revised, nil).Once()
	s.effr.On("FetchRates", mock.Anything, scenarioWt).Return(nil, nil)
	s.policy.On("FetchPolicyRates", mock.Anything, scenarioWt).Return(nil, nil)
	s.repo.On("FetchRepoOperations", mock.Anything, scenarioWt).Return(nil, nil)

	p := s.pipeline()
	_, err := p.Backfill(s.ctx, "2024-01-01", "2024-01-03")
	s.Require().NoError(err)
	_, err = p.Backfill(s.ctx, "2024-01-01", "2024-01-03")
	s.Require().NoError(err)

	row := s.gateway.sofr["2024-01-02"]
	s.True(row.Rate.Equal(dec("5.35")))
	s.True(row.P99.Decimal.Equal(dec("5.50")))
}

func (s *PipelineSuite) TestPartialFailureCommitsSiblings() {
	s.sofr.On("FetchRates", mock.Anything, scenarioWt).Return(scenarioSOFR(), nil)
	s.effr.On("FetchRates", mock.Anything, scenarioWt).Return([]model.RateObservation{{Date: "2024-01-02", Rate: dec("5.33")}}, nil)
	s.policy.On("FetchPolicyRates", mock.Anything, scenarioWt).Return([]model.PolicyRateRow{{Date: "2024-01-02", IORB: nd("5.40")}}, nil)
	upstream := &fetcher.UpstreamError{Source: "nyfed_rrp", Status: 503, Err: fetcher.ErrUpstreamUnavailable}
	s.repo.On("FetchRepoOperations", mock.Anything, scenarioWt).Return(nil, upstream)

	_, err := s.pipeline().RunSync(s.ctx, 2)
	s.Require().Error(err)
	s.ErrorIs(err, fetcher.ErrUpstreamUnavailable)
	s.Contains(err.Error(), "rrp")

	s.Len(s.gateway.sofr, 3)
	s.Len(s.gateway.effr, 1)
	s.Len(s.gateway.policy, 1)
	s.Empty(s.gateway.rrp)
	s.Empty(s.gateway.metadata, "failed pass writes no metadata")
}

func (s *PipelineSuite) TestPersistenceFailureSurfaces() {
	s.expectScenario()
	s.gateway.failRRP = errors.Join(storage.ErrPersistence, errors.New("deadlock detected"))

	_, err := s.pipeline().Backfill(s.ctx, "2024-01-01", "2024-01-03")
	s.ErrorIs(err, storage.ErrPersistence)
	s.NotContains(s.gateway.metadata, model.MetaBackfillCompleted)
}

func (s *PipelineSuite) TestBackfillMetadata() {
	s.expectScenario()

	result, err := s.pipeline().Backfill(s.ctx, "2024-01-01", "2024-01-03")
	s.Require().NoError(err)
	s.Equal(model.RunBackfill, result.Kind)
	s.Equal("2024-01-01", s.gateway.metadata[model.MetaBackfillStart])
	s.Equal("2024-01-03", s.gateway.metadata[model.MetaBackfillEnd])
	s.Equal("2024-01-03T15:30:00Z", s.gateway.metadata[model.MetaBackfillCompleted])
	s.NotContains(s.gateway.metadata, model.MetaLastSync)
}

func (s *PipelineSuite) TestInvalidWindows() {
	p := s.pipeline()

	_, err := p.RunSync(s.ctx, -1)
	s.ErrorIs(err, ErrInvalidWindow)

	_, err = p.Backfill(s.ctx, "2024-02-01", "2024-01-01")
	s.ErrorIs(err, ErrInvalidWindow)

	_, err = p.Backfill(s.ctx, "2024-13-01", "2024-12-31")
	s.ErrorIs(err, ErrInvalidWindow)
	s.ErrorIs(err, model.ErrInvalidDate)

	s.sofr.AssertNotCalled(s.T(), "FetchRates", mock.Anything, mock.Anything)
}

func (s *PipelineSuite) TestZeroLookbackSyncsToday() {
	today := model.Window{Start: "2024-01-03", End: "2024-01-03"}
	s.sofr.On("FetchRates", mock.Anything, today).Return(nil, nil)
	s.effr.On("FetchRates", mock.Anything, today).Return(nil, nil)
	s.policy.On("FetchPolicyRates", mock.Anything, today).Return(nil, nil)
	s.repo.On("FetchRepoOperations", mock.Anything, today).Return(nil, nil)

	result, err := s.pipeline().RunSync(s.ctx, 0)
	s.Require().NoError(err)
	s.Equal(0, result.Count(model.SeriesSOFR))
	s.Equal("2024-01-03", s.gateway.metadata[model.MetaLastSyncEndDate])
}

func (s *PipelineSuite) TestRunInProgress() {
	_, err := s.pipeline(WithLocker(heldLocker{})).RunSync(s.ctx, 7)
	s.ErrorIs(err, ErrRunInProgress)
	s.sofr.AssertNotCalled(s.T(), "FetchRates", mock.Anything, mock.Anything)
	s.Empty(s.gateway.metadata)
}

func (s *PipelineSuite) TestRunLockCoversMetadata() {
	s.expectScenario()
	locker := &trackingLocker{}
	heldDuring := map[string]bool{}
	s.gateway.onMetadata = func(key string) { heldDuring[key] = locker.isHeld() }
	p := s.pipeline(WithLocker(locker))

	_, err := p.RunSync(s.ctx, 2)
	s.Require().NoError(err)
	_, err = p.Backfill(s.ctx, "2024-01-01", "2024-01-03")
	s.Require().NoError(err)

	s.Equal(map[string]bool{
		model.MetaLastSync:          true,
		model.MetaLastSyncEndDate:   true,
		model.MetaBackfillStart:     true,
		model.MetaBackfillEnd:       true,
		model.MetaBackfillCompleted: true,
	}, heldDuring)
	s.False(locker.isHeld(), "released after the pass")
	s.Equal(2, locker.acquired)
}
