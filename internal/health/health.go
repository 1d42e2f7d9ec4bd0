// Package health implements the Health Monitor: periodic liveness probing
// of every downstream service, aggregating recent outcomes into a status
// used to gate stage admission (spec.md §4.3).
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/catalyst-engine/internal/domain"
)

// outcomeWindow is how many of the most recent probe outcomes are
// aggregated into a status.
const outcomeWindow = 5

// Monitor probes every configured downstream service and exposes an
// aggregated snapshot.
type Monitor struct {
	baseURLs map[domain.ServiceName]string
	http     *http.Client
	log      zerolog.Logger

	mu       sync.RWMutex
	outcomes map[domain.ServiceName][]bool // true = healthy probe
}

// New builds a Health Monitor over the given service base URLs.
func New(baseURLs map[domain.ServiceName]string, log zerolog.Logger) *Monitor {
	return &Monitor{
		baseURLs: baseURLs,
		http:     &http.Client{Timeout: 5 * time.Second},
		log:      log.With().Str("component", "health_monitor").Logger(),
		outcomes: make(map[domain.ServiceName][]bool),
	}
}

// ProbeAll probes every configured service's /health endpoint once. Meant
// to be driven by a scheduler at the session-aware cadence from
// CadenceFor.
func (m *Monitor) ProbeAll(ctx context.Context) {
	for svc, base := range m.baseURLs {
		ok := m.probeOne(ctx, base)
		m.record(svc, ok)
	}
}

func (m *Monitor) probeOne(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (m *Monitor) record(svc domain.ServiceName, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := append(m.outcomes[svc], ok)
	if len(hist) > outcomeWindow {
		hist = hist[len(hist)-outcomeWindow:]
	}
	m.outcomes[svc] = hist
}

// Status returns the aggregated status for one service.
func (m *Monitor) Status(svc domain.ServiceName) domain.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return aggregate(m.outcomes[svc])
}

// Snapshot returns the aggregated status for every configured service.
func (m *Monitor) Snapshot() map[domain.ServiceName]domain.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.ServiceName]domain.HealthStatus, len(m.outcomes))
	for svc := range m.baseURLs {
		out[svc] = aggregate(m.outcomes[svc])
	}
	return out
}

// aggregate turns a recent-outcomes history into a status. No probes yet
// is reported as offline: admission gates treat "never seen healthy" the
// same as "currently down".
func aggregate(hist []bool) domain.HealthStatus {
	if len(hist) == 0 {
		return domain.HealthOffline
	}
	healthyCount := 0
	for _, ok := range hist {
		if ok {
			healthyCount++
		}
	}
	ratio := float64(healthyCount) / float64(len(hist))
	switch {
	case ratio == 1:
		return domain.HealthHealthy
	case ratio >= 0.5:
		return domain.HealthDegraded
	case healthyCount > 0:
		return domain.HealthUnhealthy
	default:
		return domain.HealthOffline
	}
}

// CadenceFor returns the probe interval for the current market session,
// per spec.md §4.3: 2 minutes during session windows, 5 minutes otherwise.
func CadenceFor(session domain.MarketSession) time.Duration {
	if session == domain.SessionClosed {
		return 5 * time.Minute
	}
	return 2 * time.Minute
}

// ProcessStats is the engine's own resource footprint, folded into the
// /health endpoint alongside downstream service status.
type ProcessStats struct {
	CPUPercent    float64
	MemoryPercent float64
}

// SelfCheck samples this process's CPU and memory usage. Uses a short
// 100ms CPU sample so the health endpoint stays fast.
func (m *Monitor) SelfCheck() ProcessStats {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to sample cpu percent")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to sample memory stats")
		return ProcessStats{CPUPercent: cpuAvg}
	}
	return ProcessStats{CPUPercent: cpuAvg, MemoryPercent: memStat.UsedPercent}
}

// AdmitStage reports whether a stage may proceed given the services it
// mandates: every mandatory service must be at least degraded.
func (m *Monitor) AdmitStage(mandatory ...domain.ServiceName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, svc := range mandatory {
		status := aggregate(m.outcomes[svc])
		if status == domain.HealthUnhealthy || status == domain.HealthOffline {
			return false
		}
	}
	return true
}
