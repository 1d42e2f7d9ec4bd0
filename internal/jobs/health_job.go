package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/catalyst-engine/internal/cycle"
	"github.com/aristath/catalyst-engine/internal/health"
)

// HealthProbeJob drives the Health Monitor's dual cadence (2 min in session
// windows, 5 min otherwise) from a single fixed cron tick: it probes every
// minute but only actually calls out to downstream services once
// health.CadenceFor's interval for the current session has elapsed
// (spec.md §4.3). Fixed cron schedules can't express a cadence that
// changes with market session, so the job self-throttles instead.
type HealthProbeJob struct {
	monitor *health.Monitor
	loc     *time.Location
	timeout time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewHealthProbeJob builds a job that should be registered on a fixed,
// fine-grained cron schedule (e.g. "@every 1m").
func NewHealthProbeJob(monitor *health.Monitor, loc *time.Location, timeout time.Duration) *HealthProbeJob {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthProbeJob{monitor: monitor, loc: loc, timeout: timeout}
}

func (j *HealthProbeJob) Name() string { return "health_probe" }

func (j *HealthProbeJob) Run() error {
	now := time.Now()
	session := cycle.CurrentSession(now, j.loc)
	cadence := health.CadenceFor(session)

	j.mu.Lock()
	due := j.last.IsZero() || now.Sub(j.last) >= cadence
	if due {
		j.last = now
	}
	j.mu.Unlock()
	if !due {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	j.monitor.ProbeAll(ctx)
	return nil
}
