package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/catalyst-engine/internal/domain"
)

func TestAggregateStatuses(t *testing.T) {
	assert.Equal(t, domain.HealthOffline, aggregate(nil))
	assert.Equal(t, domain.HealthHealthy, aggregate([]bool{true, true, true}))
	assert.Equal(t, domain.HealthDegraded, aggregate([]bool{true, false}))
	assert.Equal(t, domain.HealthUnhealthy, aggregate([]bool{false, false, true, false, false}))
	assert.Equal(t, domain.HealthOffline, aggregate([]bool{false, false, false}))
}

func TestProbeAllAndAdmitStage(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	m := New(map[domain.ServiceName]string{
		domain.ServiceScanner: up.URL,
		domain.ServiceNews:    down.URL,
	}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		m.ProbeAll(context.Background())
	}

	assert.Equal(t, domain.HealthHealthy, m.Status(domain.ServiceScanner))
	assert.Equal(t, domain.HealthOffline, m.Status(domain.ServiceNews))

	assert.True(t, m.AdmitStage(domain.ServiceScanner))
	assert.False(t, m.AdmitStage(domain.ServiceNews))
}

func TestCadenceFor(t *testing.T) {
	assert.Equal(t, "2m0s", CadenceFor(domain.SessionRegular).String())
	assert.Equal(t, "5m0s", CadenceFor(domain.SessionClosed).String())
}
