package reducer

import (
	"context"
	"encoding/json"
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

	scanResults []*domain.ScanResult
	nextScanID  int64
	selected    []int64

	news         map[domain.SecurityID][]*domain.NewsEvent
	riskParams   map[string]*domain.RiskParameter
	openPosCount int
	events       []*domain.RiskEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		securities: make(map[string]domain.SecurityID),
		times:      make(map[domain.TimeID]time.Time),
		news:       make(map[domain.SecurityID][]*domain.NewsEvent),
		riskParams: make(map[string]*domain.RiskParameter),
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

func (f *fakeStore) BulkInsertScanResults(ctx context.Context, results []*domain.ScanResult) error {
	for _, r := range results {
		f.nextScanID++
		r.ID = f.nextScanID
		f.scanResults = append(f.scanResults, r)
	}
	return nil
}

func (f *fakeStore) MarkSelected(ctx context.Context, ids []int64) error {
	f.selected = ids
	for rank, id := range ids {
		for _, r := range f.scanResults {
			if r.ID == id {
				r.Selected = true
				r.Rank = rank + 1
			}
		}
	}
	return nil
}

func (f *fakeStore) TopNScanResults(ctx context.Context, cycleID string, scanTime time.Time, n int) ([]*domain.ScanResult, error) {
	var matching []*domain.ScanResult
	for _, r := range f.scanResults {
		if r.CycleID == cycleID && r.ScanTime.Equal(scanTime) {
			matching = append(matching, r)
		}
	}
	// simple descending insertion sort by composite score, stable enough for small test sets
	for i := 1; i < len(matching); i++ {
		for j := i; j > 0 && matching[j].CompositeScore > matching[j-1].CompositeScore; j-- {
			matching[j], matching[j-1] = matching[j-1], matching[j]
		}
	}
	if len(matching) > n {
		matching = matching[:n]
	}
	return matching, nil
}

func (f *fakeStore) RecentNewsForSecurity(ctx context.Context, securityID domain.SecurityID, sinceUnixTS int64) ([]*domain.NewsEvent, error) {
	return f.news[securityID], nil
}

func (f *fakeStore) TimeByID(ctx context.Context, id domain.TimeID) (*domain.TimePoint, error) {
	return &domain.TimePoint{ID: id, Timestamp: f.times[id]}, nil
}

func (f *fakeStore) addNews(secID domain.SecurityID, sentiment, relevance, reliability float64, at time.Time) {
	f.nextTimeID++
	tid := domain.TimeID(f.nextTimeID)
	f.times[tid] = at
	f.news[secID] = append(f.news[secID], &domain.NewsEvent{
		SecurityID: secID, TimeID: tid, SentimentScore: sentiment, Relevance: relevance, SourceReliability: reliability,
	})
}

func (f *fakeStore) EffectiveRiskParameters(ctx context.Context, asOf time.Time) (map[string]*domain.RiskParameter, error) {
	return f.riskParams, nil
}

func (f *fakeStore) OpenPositionCount(ctx context.Context, cycleID string) (int, error) {
	return f.openPosCount, nil
}

func (f *fakeStore) AppendRiskEvent(ctx context.Context, e *domain.RiskEvent) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) setWeights(momentum, volume, catalyst, technical float64) {
	f.riskParams[domain.ParamMomentumWeight] = &domain.RiskParameter{Name: domain.ParamMomentumWeight, Value: momentum}
	f.riskParams[domain.ParamVolumeWeight] = &domain.RiskParameter{Name: domain.ParamVolumeWeight, Value: volume}
	f.riskParams[domain.ParamCatalystWeight] = &domain.RiskParameter{Name: domain.ParamCatalystWeight, Value: catalyst}
	f.riskParams[domain.ParamTechnicalWeight] = &domain.RiskParameter{Name: domain.ParamTechnicalWeight, Value: technical}
}

// fakeClient stubs every downstream service call the reducer makes.
type fakeClient struct {
	universe       []candidateFixture
	patternScore   float64
	technicalScore float64
	failPattern    map[string]bool
	failTechnical  map[string]bool
	riskApprovals  map[string]bool
}

type candidateFixture struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    int64   `json:"volume"`
	ChangePct float64 `json:"change_pct"`
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		failPattern:   make(map[string]bool),
		failTechnical: make(map[string]bool),
		riskApprovals: make(map[string]bool),
	}
}

func (c *fakeClient) Call(ctx context.Context, svc domain.ServiceName, method, path string, body, out any) error {
	switch svc {
	case domain.ServiceScanner:
		return decodeInto(out, map[string]any{"candidates": c.universe})
	case domain.ServicePattern:
		symbol := body.(map[string]string)["symbol"]
		if c.failPattern[symbol] {
			return assertErr("pattern call failed")
		}
		return decodeInto(out, map[string]any{"score": c.patternScore})
	case domain.ServiceTechnical:
		symbol := body.(map[string]string)["symbol"]
		if c.failTechnical[symbol] {
			return assertErr("technical call failed")
		}
		return decodeInto(out, map[string]any{"score": c.technicalScore})
	case domain.ServiceRiskManager:
		symbol := body.(map[string]any)["symbol"].(string)
		return decodeInto(out, map[string]any{"approved": c.riskApprovals[symbol], "reason": "risk limit"})
	default:
		return assertErr("unexpected service call")
	}
}

// decodeInto mimics the real Client's JSON response decoding without
// needing the server round trip.
func decodeInto(out any, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestRunTickMonotonicReduction(t *testing.T) {
	store := newFakeStore()
	store.setWeights(0.2, 0.1, 0.4, 0.3)
	store.openPosCount = 0

	client := newFakeClient()
	for i := 0; i < 3; i++ {
		sym := string(rune('A' + i))
		client.universe = append(client.universe, candidateFixture{Symbol: sym, Price: 10, Volume: 1000, ChangePct: 2})
		client.riskApprovals[sym] = true
	}
	client.patternScore = 70
	client.technicalScore = 80

	for sym := range client.riskApprovals {
		secID, _ := store.ResolveSecurity(context.Background(), sym)
		store.addNews(secID, 0.5, 0.8, 0.9, time.Now().Add(-time.Hour))
	}

	r := New(store, client, nil, nil, Config{SelectionCap: 2}, zerolog.Nop())
	cycle := &domain.TradingCycle{ID: "c1", MaxPositions: 5}
	scanTime := time.Now()

	require.NoError(t, r.RunTick(context.Background(), cycle, scanTime))
	assert.LessOrEqual(t, len(store.selected), 2)
	assert.Len(t, store.scanResults, 3)
}

func TestTechnicalStageDropsFailingSymbol(t *testing.T) {
	store := newFakeStore()
	store.setWeights(0.2, 0.1, 0.4, 0.3)

	client := newFakeClient()
	client.universe = []candidateFixture{{Symbol: "OK", Price: 10}, {Symbol: "BAD", Price: 10}}
	client.riskApprovals["OK"] = true
	client.riskApprovals["BAD"] = true
	client.patternScore = 50
	client.technicalScore = 60
	client.failTechnical["BAD"] = true

	r := New(store, client, nil, nil, Config{}, zerolog.Nop())
	cycle := &domain.TradingCycle{ID: "c1", MaxPositions: 5}

	require.NoError(t, r.RunTick(context.Background(), cycle, time.Now()))
	require.Len(t, store.scanResults, 1)
	assert.Equal(t, "technical_stage_drop", store.events[0].Type)
}

func TestSelectionBoundedByCapacity(t *testing.T) {
	store := newFakeStore()
	store.setWeights(0.2, 0.1, 0.4, 0.3)
	store.openPosCount = 4

	client := newFakeClient()
	client.universe = []candidateFixture{{Symbol: "X"}, {Symbol: "Y"}}
	client.riskApprovals["X"] = true
	client.riskApprovals["Y"] = true
	client.patternScore = 50
	client.technicalScore = 50

	r := New(store, client, nil, nil, Config{SelectionCap: 5}, zerolog.Nop())
	cycle := &domain.TradingCycle{ID: "c1", MaxPositions: 5} // capacity = 5-4 = 1

	require.NoError(t, r.RunTick(context.Background(), cycle, time.Now()))
	assert.Len(t, store.selected, 1)
}

func TestMissingWeightIsValidationError(t *testing.T) {
	store := newFakeStore() // no weights seeded
	client := newFakeClient()
	r := New(store, client, nil, nil, Config{}, zerolog.Nop())

	err := r.RunTick(context.Background(), &domain.TradingCycle{ID: "c1", MaxPositions: 5}, time.Now())
	require.Error(t, err)
}

type fakeHealthGate struct {
	deny map[domain.ServiceName]bool
}

func (h *fakeHealthGate) AdmitStage(mandatory ...domain.ServiceName) bool {
	for _, svc := range mandatory {
		if h.deny[svc] {
			return false
		}
	}
	return true
}

func TestUnhealthyServiceSkipsStageWithRiskEvent(t *testing.T) {
	store := newFakeStore()
	store.setWeights(0.2, 0.1, 0.4, 0.3)

	client := newFakeClient()
	client.universe = []candidateFixture{{Symbol: "X"}}
	client.riskApprovals["X"] = true

	health := &fakeHealthGate{deny: map[domain.ServiceName]bool{domain.ServiceScanner: true}}
	r := New(store, client, nil, health, Config{}, zerolog.Nop())

	require.NoError(t, r.RunTick(context.Background(), &domain.TradingCycle{ID: "c1", MaxPositions: 5}, time.Now()))

	assert.Empty(t, store.scanResults)
	require.Len(t, store.events, 1)
	assert.Equal(t, "stage_admission_denied", store.events[0].Type)
}

func TestRiskStageRejectsUnapproved(t *testing.T) {
	store := newFakeStore()
	store.setWeights(0.2, 0.1, 0.4, 0.3)

	client := newFakeClient()
	client.universe = []candidateFixture{{Symbol: "Z"}}
	client.riskApprovals["Z"] = false
	client.patternScore = 50
	client.technicalScore = 50

	r := New(store, client, nil, nil, Config{}, zerolog.Nop())
	require.NoError(t, r.RunTick(context.Background(), &domain.TradingCycle{ID: "c1", MaxPositions: 5}, time.Now()))

	assert.Empty(t, store.scanResults)
	require.Len(t, store.events, 1)
	assert.Equal(t, "risk_validation_rejected", store.events[0].Type)
}
