package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/catalyst-engine/internal/news"
)

// NewsIngestJob drives the News Intake ingest loop on a cron cadence,
// tracking its own watermark between runs so each pass only asks sources
// for items since the last successful poll (spec.md §4.4).
type NewsIngestJob struct {
	intake *news.Intake

	mu        sync.Mutex
	watermark time.Time
}

// NewNewsIngestJob builds an ingest job. initialLookback bounds how far
// back the first run reaches before a watermark exists.
func NewNewsIngestJob(intake *news.Intake, initialLookback time.Duration) *NewsIngestJob {
	return &NewsIngestJob{intake: intake, watermark: time.Now().Add(-initialLookback)}
}

func (j *NewsIngestJob) Name() string { return "news_ingest" }

func (j *NewsIngestJob) Run() error {
	j.mu.Lock()
	since := j.watermark
	j.mu.Unlock()

	now := time.Now()
	if err := j.intake.RunIngest(context.Background(), since); err != nil {
		return err
	}

	j.mu.Lock()
	j.watermark = now
	j.mu.Unlock()
	return nil
}

// NewsImpactJob drives the News Intake impact loop, backfilling observed
// price impact for events whose delay window has elapsed.
type NewsImpactJob struct {
	intake *news.Intake
}

// NewNewsImpactJob builds an impact-loop job.
func NewNewsImpactJob(intake *news.Intake) *NewsImpactJob {
	return &NewsImpactJob{intake: intake}
}

func (j *NewsImpactJob) Name() string { return "news_impact" }

func (j *NewsImpactJob) Run() error {
	return j.intake.RunImpact(context.Background())
}
