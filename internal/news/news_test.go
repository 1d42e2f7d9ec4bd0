package news

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/catalyst-engine/internal/domain"
)

type fakeStore struct {
	securities map[string]domain.SecurityID
	nextSecID  int64
	times      map[domain.TimeID]time.Time
	nextTimeID int64

	events     map[string]*domain.NewsEvent // by dedup key
	nextID     int64
	allByID    map[int64]*domain.NewsEvent
	riskEvents []*domain.RiskEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		securities: make(map[string]domain.SecurityID),
		times:      make(map[domain.TimeID]time.Time),
		events:     make(map[string]*domain.NewsEvent),
		allByID:    make(map[int64]*domain.NewsEvent),
	}
}

func (f *fakeStore) ResolveSecurity(ctx context.Context, ticker string) (domain.SecurityID, error) {
	if id, ok := f.securities[ticker]; ok {
		return id, nil
	}
	f.nextSecID++
	id := domain.SecurityID(f.nextSecID)
	f.securities[ticker] = id
	return id, nil
}

func (f *fakeStore) ResolveTime(ctx context.Context, ts time.Time) (domain.TimeID, error) {
	f.nextTimeID++
	id := domain.TimeID(f.nextTimeID)
	f.times[id] = ts
	return id, nil
}

func (f *fakeStore) InsertNewsEvent(ctx context.Context, e *domain.NewsEvent) (bool, error) {
	if _, exists := f.events[e.DedupKey]; exists {
		return false, nil
	}
	f.nextID++
	e.ID = f.nextID
	f.events[e.DedupKey] = e
	f.allByID[e.ID] = e
	return true, nil
}

func (f *fakeStore) UnprocessedImpactBatch(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]*domain.NewsEvent, error) {
	var out []*domain.NewsEvent
	for _, e := range f.allByID {
		if e.ObservedImpactPct != nil || e.ImpactAttempts >= maxAttempts {
			continue
		}
		if eventTime, ok := f.times[e.TimeID]; ok && eventTime.After(olderThan) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateObservedImpact(ctx context.Context, newsID int64, impactPct float64) error {
	f.allByID[newsID].ObservedImpactPct = &impactPct
	return nil
}

func (f *fakeStore) IncrementImpactAttempt(ctx context.Context, newsID int64) error {
	f.allByID[newsID].ImpactAttempts++
	return nil
}

func (f *fakeStore) SecurityByID(ctx context.Context, id domain.SecurityID) (*domain.Security, error) {
	for ticker, secID := range f.securities {
		if secID == id {
			return &domain.Security{ID: id, Ticker: ticker}, nil
		}
	}
	return nil, assertErr("security not found")
}

func (f *fakeStore) AppendRiskEvent(ctx context.Context, e *domain.RiskEvent) error {
	f.riskEvents = append(f.riskEvents, e)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeSource struct {
	name  string
	items []RawItem
	err   error
}

func (s *fakeSource) Name() string         { return s.name }
func (s *fakeSource) Reliability() float64 { return 0.8 }
func (s *fakeSource) FetchRecent(ctx context.Context, since time.Time) ([]RawItem, error) {
	return s.items, s.err
}

type fakePriceClient struct {
	prices map[string]float64 // keyed "ticker:as_of"
	err    error
}

func (c *fakePriceClient) Call(ctx context.Context, svc domain.ServiceName, method, path string, body, out any) error {
	if c.err != nil {
		return c.err
	}
	resp := out.(*struct {
		Price float64 `json:"price"`
	})
	resp.Price = c.prices[path]
	return nil
}

func TestIngestDedupIdempotent(t *testing.T) {
	store := newFakeStore()
	src := &fakeSource{name: "wire", items: []RawItem{
		{Ticker: "ACME", Headline: "ACME reports record earnings", URL: "http://x/1", Source: "wire", Sentiment: 0.6, Relevance: 0.9, EventTime: time.Now()},
	}}
	intake := New(store, nil, []Source{src}, Config{}, zerolog.Nop())

	require.NoError(t, intake.RunIngest(context.Background(), time.Now().Add(-time.Hour)))
	require.NoError(t, intake.RunIngest(context.Background(), time.Now().Add(-time.Hour)))

	assert.Len(t, store.events, 1)
	for _, e := range store.events {
		assert.Equal(t, domain.CatalystEarnings, e.CatalystType)
		assert.Equal(t, domain.SentimentPositive, e.SentimentLabel)
	}
}

func TestImpactLoopComputesPercentChange(t *testing.T) {
	store := newFakeStore()
	secID, _ := store.ResolveSecurity(context.Background(), "ACME")
	timeID, _ := store.ResolveTime(context.Background(), time.Now().Add(-10*time.Minute))
	store.allByID[1] = &domain.NewsEvent{ID: 1, SecurityID: secID, TimeID: timeID, DedupKey: "k1"}
	store.nextID = 1

	prices := &fakePriceClient{prices: map[string]float64{
		"/api/v1/price?symbol=ACME&as_of=event":            100,
		"/api/v1/price?symbol=ACME&as_of=event_plus_delay": 105,
	}}
	intake := New(store, prices, nil, Config{}, zerolog.Nop())

	require.NoError(t, intake.RunImpact(context.Background()))
	require.NotNil(t, store.allByID[1].ObservedImpactPct)
	assert.InDelta(t, 5.0, *store.allByID[1].ObservedImpactPct, 0.001)
}

func TestImpactLoopSkipsEventsWithinDelayWindow(t *testing.T) {
	store := newFakeStore()
	secID, _ := store.ResolveSecurity(context.Background(), "ACME")
	timeID, _ := store.ResolveTime(context.Background(), time.Now())
	store.allByID[1] = &domain.NewsEvent{ID: 1, SecurityID: secID, TimeID: timeID, DedupKey: "k1"}
	store.nextID = 1

	prices := &fakePriceClient{prices: map[string]float64{
		"/api/v1/price?symbol=ACME&as_of=event":            100,
		"/api/v1/price?symbol=ACME&as_of=event_plus_delay": 105,
	}}
	intake := New(store, prices, nil, Config{ImpactDelay: 5 * time.Minute}, zerolog.Nop())

	require.NoError(t, intake.RunImpact(context.Background()))
	assert.Nil(t, store.allByID[1].ObservedImpactPct)
}

func TestImpactLoopRetriesThenGivesUpWithRiskEvent(t *testing.T) {
	store := newFakeStore()
	secID, _ := store.ResolveSecurity(context.Background(), "ACME")
	timeID, _ := store.ResolveTime(context.Background(), time.Now().Add(-10*time.Minute))
	store.allByID[1] = &domain.NewsEvent{ID: 1, SecurityID: secID, TimeID: timeID, DedupKey: "k1", ImpactAttempts: 4}
	store.nextID = 1

	prices := &fakePriceClient{err: assertErr("price service down")}
	intake := New(store, prices, nil, Config{MaxImpactRetries: 5}, zerolog.Nop())

	require.NoError(t, intake.RunImpact(context.Background()))
	assert.Equal(t, 5, store.allByID[1].ImpactAttempts)
	require.Len(t, store.riskEvents, 1)
	assert.Equal(t, "news_impact_permanent_failure", store.riskEvents[0].Type)
}
