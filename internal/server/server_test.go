package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
	"github.com/aristath/catalyst-engine/internal/health"
)

type fakeEngine struct {
	started         []*domain.TradingCycle
	pauseErr        error
	failStart       error
	emergencyReason string
}

func (f *fakeEngine) StartCycle(ctx context.Context, c *domain.TradingCycle) error {
	if f.failStart != nil {
		return f.failStart
	}
	f.started = append(f.started, c)
	return nil
}
func (f *fakeEngine) Pause(ctx context.Context, cycleID string) error        { return f.pauseErr }
func (f *fakeEngine) Resume(ctx context.Context, cycleID string) error       { return nil }
func (f *fakeEngine) Stop(ctx context.Context, cycleID, reason string) error { return nil }
func (f *fakeEngine) EmergencyStop(ctx context.Context, cycleID, reason string) error {
	f.emergencyReason = reason
	return nil
}

type fakeStore struct {
	cycle     *domain.TradingCycle
	cycleErr  error
	positions []*domain.Position
	events    []*domain.RiskEvent
}

func (f *fakeStore) CycleByID(ctx context.Context, cycleID string) (*domain.TradingCycle, error) {
	if f.cycleErr != nil {
		return nil, f.cycleErr
	}
	return f.cycle, nil
}
func (f *fakeStore) RecentRiskEvents(ctx context.Context, limit int) ([]*domain.RiskEvent, error) {
	return f.events, nil
}
func (f *fakeStore) OpenPositionsForCycle(ctx context.Context, cycleID string) ([]*domain.Position, error) {
	return f.positions, nil
}

type fakeHealth struct{}

func (fakeHealth) Snapshot() map[domain.ServiceName]domain.HealthStatus {
	return map[domain.ServiceName]domain.HealthStatus{domain.ServiceTrading: domain.HealthHealthy}
}

func (fakeHealth) SelfCheck() health.ProcessStats {
	return health.ProcessStats{CPUPercent: 1.5, MemoryPercent: 12.5}
}

func newTestServer(engine *fakeEngine, store *fakeStore) *Server {
	n := 0
	return New(Config{
		Log:    zerolog.Nop(),
		Engine: engine,
		Store:  store,
		Health: fakeHealth{},
		Port:   0,
		IDGen: func() string {
			n++
			return "cycle-gen"
		},
	})
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotNil(t, body.Data)
}

func TestHandleCreateCycle(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine, &fakeStore{})

	payload, _ := json.Marshal(createCycleRequest{Mode: domain.ModeNormal, MaxPositions: 5, RiskLevel: 0.5})
	req := httptest.NewRequest(http.MethodPost, "/api/cycles", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, engine.started, 1)
	assert.Equal(t, "cycle-gen", engine.started[0].ID)
}

func TestHandleCreateCycleSurfacesValidationError(t *testing.T) {
	engine := &fakeEngine{failStart: engineerr.New(engineerr.Validation, "cycle.StartCycle", assertErr("bad max_positions"))}
	srv := newTestServer(engine, &fakeStore{})

	payload, _ := json.Marshal(createCycleRequest{MaxPositions: 99})
	req := httptest.NewRequest(http.MethodPost, "/api/cycles", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestHandleGetCycle(t *testing.T) {
	store := &fakeStore{cycle: &domain.TradingCycle{ID: "c1", Status: domain.CycleActive}}
	srv := newTestServer(&fakeEngine{}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/cycles/c1", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePauseCycleSurfacesEngineError(t *testing.T) {
	engine := &fakeEngine{pauseErr: engineerr.New(engineerr.Validation, "cycle.Pause", assertErr("illegal transition"))}
	srv := newTestServer(engine, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/cycles/c1/pause", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEmergencyStopDefaultsReason(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(engine, &fakeStore{})
	req := httptest.NewRequest(http.MethodPost, "/api/cycles/c1/emergency-stop", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator-initiated emergency stop", engine.emergencyReason)
}

func TestHandleListRiskEvents(t *testing.T) {
	store := &fakeStore{events: []*domain.RiskEvent{{Type: "x", Severity: domain.SeverityInfo}}}
	srv := newTestServer(&fakeEngine{}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/risk/events", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
