package news

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
)

// ServiceSource polls the downstream news service (spec.md §6's closed
// service set) for raw items since a watermark. It is the production
// Source every configured feed key in NewsSourceKeys resolves to.
type ServiceSource struct {
	name        string
	reliability float64
	client      PriceClient // same Call(ctx, svc, method, path, body, out) shape the impact loop uses
}

// NewServiceSource builds a Source backed by the News service, tagged with
// a feed name and a reliability weight in [0,1] that ingest stores on each
// NewsEvent and the Candidate Reducer's catalyst scoring multiplies in.
func NewServiceSource(name string, reliability float64, client PriceClient) *ServiceSource {
	return &ServiceSource{name: name, reliability: reliability, client: client}
}

func (s *ServiceSource) Name() string         { return s.name }
func (s *ServiceSource) Reliability() float64 { return s.reliability }

type feedItem struct {
	Ticker    string    `json:"ticker"`
	Headline  string    `json:"headline"`
	URL       string    `json:"url"`
	Sentiment float64   `json:"sentiment"`
	Relevance float64   `json:"relevance"`
	EventTime time.Time `json:"event_time"`
}

// FetchRecent asks the news service for every item published since. The
// feed key distinguishes multiple configured feeds on the same
// downstream service (e.g. "wire" vs "filings").
func (s *ServiceSource) FetchRecent(ctx context.Context, since time.Time) ([]RawItem, error) {
	var resp struct {
		Items []feedItem `json:"items"`
	}
	path := fmt.Sprintf("/api/v1/news/feed?feed=%s&since=%s", s.name, since.UTC().Format(time.RFC3339))
	if err := s.client.Call(ctx, domain.ServiceNews, "GET", path, nil, &resp); err != nil {
		return nil, err
	}

	items := make([]RawItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		items = append(items, RawItem{
			Ticker:    it.Ticker,
			Headline:  it.Headline,
			URL:       it.URL,
			Source:    s.name,
			Sentiment: it.Sentiment,
			Relevance: it.Relevance,
			EventTime: it.EventTime,
		})
	}
	return items, nil
}
