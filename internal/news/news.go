// Package news implements the News Intake component: an ingest loop that
// normalizes and classifies raw news items, and an impact loop that backfills
// observed price impact once enough time has passed (spec.md §4.4).
package news

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// Store is the subset of the Store Gateway the news component needs.
type Store interface {
	ResolveSecurity(ctx context.Context, ticker string) (domain.SecurityID, error)
	ResolveTime(ctx context.Context, ts time.Time) (domain.TimeID, error)
	InsertNewsEvent(ctx context.Context, e *domain.NewsEvent) (inserted bool, err error)
	UnprocessedImpactBatch(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]*domain.NewsEvent, error)
	UpdateObservedImpact(ctx context.Context, newsID int64, impactPct float64) error
	IncrementImpactAttempt(ctx context.Context, newsID int64) error
	SecurityByID(ctx context.Context, id domain.SecurityID) (*domain.Security, error)
	AppendRiskEvent(ctx context.Context, e *domain.RiskEvent) error
}

// PriceClient fetches point-in-time prices from the price/technical service,
// used by the impact loop.
type PriceClient interface {
	Call(ctx context.Context, svc domain.ServiceName, method, path string, body, out any) error
}

// RawItem is one normalized item returned by a Source before catalyst/
// sentiment classification.
type RawItem struct {
	Ticker    string
	Headline  string
	URL       string
	Source    string
	Sentiment float64 // [-1,1], pre-computed by the provider or a sentiment model
	Relevance float64 // [0,1]
	EventTime time.Time
}

// Source is one configured news feed the ingest loop polls.
type Source interface {
	Name() string
	Reliability() float64
	FetchRecent(ctx context.Context, since time.Time) ([]RawItem, error)
}

// Config bounds the impact loop's retry/batch behavior.
type Config struct {
	ImpactDelay      time.Duration
	ImpactBatchSize  int
	MaxImpactRetries int
}

func defaultConfig(cfg Config) Config {
	if cfg.ImpactDelay <= 0 {
		cfg.ImpactDelay = 5 * time.Minute
	}
	if cfg.ImpactBatchSize <= 0 {
		cfg.ImpactBatchSize = 50
	}
	if cfg.MaxImpactRetries <= 0 {
		cfg.MaxImpactRetries = 5
	}
	return cfg
}

// Intake runs the ingest and impact loops.
type Intake struct {
	store   Store
	prices  PriceClient
	sources []Source
	cfg     Config
	log     zerolog.Logger
}

// New builds a News Intake component.
func New(store Store, prices PriceClient, sources []Source, cfg Config, log zerolog.Logger) *Intake {
	return &Intake{
		store:   store,
		prices:  prices,
		sources: sources,
		cfg:     defaultConfig(cfg),
		log:     log.With().Str("component", "news_intake").Logger(),
	}
}

// RunIngest polls every configured source for items since the given
// watermark, normalizes, classifies, and writes each via the Store Gateway.
// Dedup is idempotent: re-ingesting the same item is a no-op.
func (n *Intake) RunIngest(ctx context.Context, since time.Time) error {
	for _, src := range n.sources {
		items, err := src.FetchRecent(ctx, since)
		if err != nil {
			n.log.Warn().Str("source", src.Name()).Err(err).Msg("ingest: source fetch failed")
			continue
		}
		for _, item := range items {
			if err := n.ingestOne(ctx, src, item); err != nil {
				if engineerr.ClassOf(err) == engineerr.StoreUnavailable {
					return err
				}
				n.log.Warn().Str("source", src.Name()).Err(err).Msg("ingest: dropping malformed item")
			}
		}
	}
	return nil
}

func (n *Intake) ingestOne(ctx context.Context, src Source, item RawItem) error {
	secID, err := n.store.ResolveSecurity(ctx, item.Ticker)
	if err != nil {
		return err
	}
	timeID, err := n.store.ResolveTime(ctx, item.EventTime)
	if err != nil {
		return err
	}

	e := &domain.NewsEvent{
		SecurityID:        secID,
		TimeID:            timeID,
		Headline:          item.Headline,
		Source:            item.Source,
		URL:               item.URL,
		SentimentLabel:    classifySentiment(item.Sentiment),
		SentimentScore:    item.Sentiment,
		Relevance:         item.Relevance,
		CatalystType:      domain.ClassifyCatalyst(item.Headline),
		SourceReliability: src.Reliability(),
		DedupKey:          dedupKey(item.Source, item.URL, item.Headline),
	}

	inserted, err := n.store.InsertNewsEvent(ctx, e)
	if err != nil {
		return err
	}
	if inserted {
		n.log.Info().Str("ticker", item.Ticker).Str("catalyst", string(e.CatalystType)).Msg("news ingested")
	}
	return nil
}

// classifySentiment buckets a continuous sentiment score into the coarse
// label the domain model carries alongside it.
func classifySentiment(score float64) domain.SentimentLabel {
	switch {
	case score > 0.15:
		return domain.SentimentPositive
	case score < -0.15:
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}

// dedupKey is source + a hash of URL-or-headline, matching the dedup_key
// unique constraint in the schema.
func dedupKey(source, url, headline string) string {
	basis := url
	if basis == "" {
		basis = headline
	}
	sum := sha256.Sum256([]byte(basis))
	return source + ":" + hex.EncodeToString(sum[:16])
}

// RunImpact processes one bounded batch of NewsEvents still missing
// observed price impact. Rows whose event-time + ImpactDelay hasn't yet
// elapsed are left for a later pass (spec.md §4.4, §8 price-impact-delayed-
// job invariant).
func (n *Intake) RunImpact(ctx context.Context) error {
	now := time.Now()
	olderThan := now.Add(-n.cfg.ImpactDelay)
	batch, err := n.store.UnprocessedImpactBatch(ctx, olderThan, n.cfg.MaxImpactRetries, n.cfg.ImpactBatchSize)
	if err != nil {
		return err
	}
	for _, e := range batch {
		if err := n.processImpact(ctx, e, now); err != nil {
			n.log.Warn().Int64("news_id", e.ID).Err(err).Msg("impact loop: lookup failed, retrying later")
			if incErr := n.store.IncrementImpactAttempt(ctx, e.ID); incErr != nil {
				return incErr
			}
			if e.ImpactAttempts+1 >= n.cfg.MaxImpactRetries {
				newsID := e.ID
				_ = n.store.AppendRiskEvent(ctx, &domain.RiskEvent{
					Type: "news_impact_permanent_failure", Severity: domain.SeverityWarning,
					SecurityID: &e.SecurityID, Message: "price-impact lookup exhausted retries",
					Data: map[string]any{"news_id": newsID}, CreatedAt: now,
				})
			}
		}
	}
	return nil
}

func (n *Intake) processImpact(ctx context.Context, e *domain.NewsEvent, now time.Time) error {
	sec, err := n.store.SecurityByID(ctx, e.SecurityID)
	if err != nil {
		return err
	}

	var baseline, after struct {
		Price float64 `json:"price"`
	}
	if err := n.prices.Call(ctx, domain.ServiceTechnical, http.MethodGet,
		"/api/v1/price?symbol="+sec.Ticker+"&as_of=event", nil, &baseline); err != nil {
		return err
	}
	if err := n.prices.Call(ctx, domain.ServiceTechnical, http.MethodGet,
		"/api/v1/price?symbol="+sec.Ticker+"&as_of=event_plus_delay", nil, &after); err != nil {
		return err
	}
	if baseline.Price == 0 {
		return engineerr.New(engineerr.DataIntegrity, "news.processImpact", errZeroBaseline)
	}

	impactPct := (after.Price - baseline.Price) / baseline.Price * 100
	return n.store.UpdateObservedImpact(ctx, e.ID, impactPct)
}

var errZeroBaseline = errors.New("baseline price is zero")
