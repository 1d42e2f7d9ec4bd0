package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/health"
	"github.com/aristath/catalyst-engine/internal/news"
)

func TestHealthProbeJobThrottlesByCadence(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	monitor := health.New(map[domain.ServiceName]string{domain.ServiceScanner: srv.URL}, zerolog.Nop())
	job := NewHealthProbeJob(monitor, time.UTC, time.Second)

	require.NoError(t, job.Run())
	require.NoError(t, job.Run())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

type fakeNewsStore struct {
	securities map[string]domain.SecurityID
	nextSecID  int64
	times      map[domain.TimeID]time.Time
	nextTimeID int64
	events     map[string]*domain.NewsEvent
	nextID     int64
}

func newFakeNewsStore() *fakeNewsStore {
	return &fakeNewsStore{
		securities: make(map[string]domain.SecurityID),
		times:      make(map[domain.TimeID]time.Time),
		events:     make(map[string]*domain.NewsEvent),
	}
}

func (f *fakeNewsStore) ResolveSecurity(ctx context.Context, ticker string) (domain.SecurityID, error) {
	if id, ok := f.securities[ticker]; ok {
		return id, nil
	}
	f.nextSecID++
	id := domain.SecurityID(f.nextSecID)
	f.securities[ticker] = id
	return id, nil
}

func (f *fakeNewsStore) ResolveTime(ctx context.Context, ts time.Time) (domain.TimeID, error) {
	f.nextTimeID++
	id := domain.TimeID(f.nextTimeID)
	f.times[id] = ts
	return id, nil
}

func (f *fakeNewsStore) InsertNewsEvent(ctx context.Context, e *domain.NewsEvent) (bool, error) {
	if _, exists := f.events[e.DedupKey]; exists {
		return false, nil
	}
	f.nextID++
	e.ID = f.nextID
	f.events[e.DedupKey] = e
	return true, nil
}

func (f *fakeNewsStore) UnprocessedImpactBatch(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]*domain.NewsEvent, error) {
	return nil, nil
}
func (f *fakeNewsStore) UpdateObservedImpact(ctx context.Context, newsID int64, impactPct float64) error {
	return nil
}
func (f *fakeNewsStore) IncrementImpactAttempt(ctx context.Context, newsID int64) error { return nil }
func (f *fakeNewsStore) SecurityByID(ctx context.Context, id domain.SecurityID) (*domain.Security, error) {
	return &domain.Security{ID: id, Ticker: "ACME"}, nil
}
func (f *fakeNewsStore) AppendRiskEvent(ctx context.Context, e *domain.RiskEvent) error { return nil }

type fakeSource struct {
	items []news.RawItem
}

func (s *fakeSource) Name() string         { return "wire" }
func (s *fakeSource) Reliability() float64 { return 0.8 }
func (s *fakeSource) FetchRecent(ctx context.Context, since time.Time) ([]news.RawItem, error) {
	return s.items, nil
}

func TestNewsIngestJobAdvancesWatermark(t *testing.T) {
	store := newFakeNewsStore()
	src := &fakeSource{items: []news.RawItem{
		{Ticker: "ACME", Headline: "ACME announces merger", URL: "http://x/1", Source: "wire", EventTime: time.Now()},
	}}
	intake := news.New(store, nil, []news.Source{src}, news.Config{}, zerolog.Nop())
	job := NewNewsIngestJob(intake, time.Hour)

	before := job.watermark
	require.NoError(t, job.Run())
	assert.True(t, job.watermark.After(before))
	assert.Len(t, store.events, 1)
}

func TestNewsImpactJobDelegatesToIntake(t *testing.T) {
	store := newFakeNewsStore()
	intake := news.New(store, nil, nil, news.Config{}, zerolog.Nop())
	job := NewNewsImpactJob(intake)
	assert.Equal(t, "news_impact", job.Name())
	require.NoError(t, job.Run())
}

type fakeCycleStore struct {
	active *domain.TradingCycle
}

func (f *fakeCycleStore) LoadActiveCycle(ctx context.Context) (*domain.TradingCycle, error) {
	return f.active, nil
}

type fakeCoordinator struct {
	calls []string
}

func (f *fakeCoordinator) RunMarkToMarket(ctx context.Context, cycleID string) error {
	f.calls = append(f.calls, cycleID)
	return nil
}

func TestMarkToMarketJobMarksActiveCycle(t *testing.T) {
	store := &fakeCycleStore{active: &domain.TradingCycle{ID: "c1", Status: domain.CycleActive}}
	coordinator := &fakeCoordinator{}
	job := NewMarkToMarketJob(store, coordinator)

	require.NoError(t, job.Run())
	assert.Equal(t, []string{"c1"}, coordinator.calls)
}

func TestMarkToMarketJobNoopWithoutActiveCycle(t *testing.T) {
	store := &fakeCycleStore{}
	coordinator := &fakeCoordinator{}
	job := NewMarkToMarketJob(store, coordinator)

	require.NoError(t, job.Run())
	assert.Empty(t, coordinator.calls)
}

type fakeRollupStore struct {
	cycleIDs  []string
	positions map[string][]*domain.Position
	params    map[string]*domain.RiskParameter
	saved     []*domain.DailyRiskMetric
}

func (f *fakeRollupStore) CycleIDsActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	return f.cycleIDs, nil
}

func (f *fakeRollupStore) ClosedPositionsBetween(ctx context.Context, cycleID string, from, to time.Time) ([]*domain.Position, error) {
	return f.positions[cycleID], nil
}

func (f *fakeRollupStore) EffectiveRiskParameters(ctx context.Context, asOf time.Time) (map[string]*domain.RiskParameter, error) {
	return f.params, nil
}

func (f *fakeRollupStore) UpsertDailyMetric(ctx context.Context, m *domain.DailyRiskMetric) error {
	f.saved = append(f.saved, m)
	return nil
}

func TestRiskRollupJobAggregatesClosedPositions(t *testing.T) {
	closedAt := time.Now()
	store := &fakeRollupStore{
		cycleIDs: []string{"cycle1"},
		positions: map[string][]*domain.Position{
			"cycle1": {
				{ID: "p1", EntryPrice: 100, Quantity: 10, RealizedPnL: 200, ClosedAt: &closedAt},
				{ID: "p2", EntryPrice: 50, Quantity: 20, RealizedPnL: -50, ClosedAt: &closedAt},
			},
		},
		params: map[string]*domain.RiskParameter{
			domain.ParamDailyLossBudget: {Name: domain.ParamDailyLossBudget, Value: 1000},
		},
	}
	job := NewRiskRollupJob(store, time.UTC)
	require.NoError(t, job.Run())

	require.Len(t, store.saved, 1)
	m := store.saved[0]
	assert.Equal(t, "cycle1", m.CycleID)
	assert.Equal(t, 2, m.TradeCount)
	assert.Equal(t, 1, m.WinCount)
	assert.InDelta(t, 150.0, m.PnL, 0.001)
	assert.InDelta(t, 0.5, m.WinRate, 0.001)
	assert.False(t, m.LossLimitHit)
}

func TestRiskRollupJobSkipsCyclesWithNoClosedPositions(t *testing.T) {
	store := &fakeRollupStore{cycleIDs: []string{"cycle1"}, positions: map[string][]*domain.Position{}}
	job := NewRiskRollupJob(store, time.UTC)
	require.NoError(t, job.Run())
	assert.Empty(t, store.saved)
}
