// Package reducer implements the Candidate Reducer: the multi-stage
// scoring/filter engine that narrows a universe of symbols down to a
// final selection each tick (spec.md §4.5).
package reducer

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// Store is the subset of the Store Gateway the reducer needs.
type Store interface {
	ResolveSecurity(ctx context.Context, ticker string) (domain.SecurityID, error)
	BulkInsertScanResults(ctx context.Context, results []*domain.ScanResult) error
	MarkSelected(ctx context.Context, ids []int64) error
	TopNScanResults(ctx context.Context, cycleID string, scanTime time.Time, n int) ([]*domain.ScanResult, error)
	RecentNewsForSecurity(ctx context.Context, securityID domain.SecurityID, sinceUnixTS int64) ([]*domain.NewsEvent, error)
	TimeByID(ctx context.Context, id domain.TimeID) (*domain.TimePoint, error)
	EffectiveRiskParameters(ctx context.Context, asOf time.Time) (map[string]*domain.RiskParameter, error)
	OpenPositionCount(ctx context.Context, cycleID string) (int, error)
	AppendRiskEvent(ctx context.Context, e *domain.RiskEvent) error
}

// Client is the subset of the Service Client the reducer needs.
type Client interface {
	Call(ctx context.Context, svc domain.ServiceName, method, path string, body, out any) error
}

// HealthGate is the subset of the Health Monitor the reducer consults
// before admitting each stage that reaches a downstream service (spec.md
// §2, §4.3): a stage whose mandatory services aren't at least degraded is
// skipped rather than run with a dead dependency.
type HealthGate interface {
	AdmitStage(mandatory ...domain.ServiceName) bool
}

// PositionSubmitter hands selected candidates on to the Position
// Coordinator once the reducer has marked them selected.
type PositionSubmitter interface {
	SubmitSelections(ctx context.Context, cycle *domain.TradingCycle, selections []Selection) error
}

// Selection is one fully-scored candidate that survived every stage.
type Selection struct {
	ScanResultID int64
	SecurityID   domain.SecurityID
	Ticker       string
	Price        float64
	Composite    float64
}

// Config bounds the reducer's fan-out and stage sizes.
type Config struct {
	FanOut              int
	UniverseCap         int
	CatalystCap         int
	TechnicalCap        int
	RiskCap             int
	SelectionCap        int
	CatalystLookback    time.Duration
	MinCatalystStrength float64
}

func defaultConfig(cfg Config) Config {
	if cfg.FanOut <= 0 {
		cfg.FanOut = 10
	}
	if cfg.UniverseCap <= 0 {
		cfg.UniverseCap = 100
	}
	if cfg.CatalystCap <= 0 {
		cfg.CatalystCap = 35
	}
	if cfg.TechnicalCap <= 0 {
		cfg.TechnicalCap = 20
	}
	if cfg.RiskCap <= 0 {
		cfg.RiskCap = 10
	}
	if cfg.SelectionCap <= 0 {
		cfg.SelectionCap = 5
	}
	if cfg.CatalystLookback <= 0 {
		cfg.CatalystLookback = 24 * time.Hour
	}
	return cfg
}

// Reducer runs the fixed five-stage pipeline.
type Reducer struct {
	store     Store
	client    Client
	submitter PositionSubmitter
	health    HealthGate
	cfg       Config
	log       zerolog.Logger
}

// New builds a Candidate Reducer. health may be nil (every stage is then
// admitted unconditionally), but production wiring should always supply
// the Health Monitor so stage admission is actually gated (spec.md §4.3).
func New(store Store, client Client, submitter PositionSubmitter, health HealthGate, cfg Config, log zerolog.Logger) *Reducer {
	return &Reducer{
		store:     store,
		client:    client,
		submitter: submitter,
		health:    health,
		cfg:       defaultConfig(cfg),
		log:       log.With().Str("component", "candidate_reducer").Logger(),
	}
}

// admitStage reports whether a stage may proceed, logging a risk event and
// returning false when its mandatory services aren't at least degraded
// (spec.md §4.3: "stages whose mandatory services are not at least
// degraded are skipped ... rather than producing partial results").
func (r *Reducer) admitStage(ctx context.Context, cycleID, stage string, mandatory ...domain.ServiceName) bool {
	if r.health == nil || r.health.AdmitStage(mandatory...) {
		return true
	}
	r.log.Warn().Str("cycle", cycleID).Str("stage", stage).Msg("stage skipped: mandatory service unhealthy")
	_ = r.store.AppendRiskEvent(ctx, &domain.RiskEvent{
		Type: "stage_admission_denied", Severity: domain.SeverityWarning,
		CycleID: &cycleID, Message: "stage " + stage + " skipped: mandatory service unhealthy",
		Data: map[string]any{"stage": stage}, CreatedAt: time.Now(),
	})
	return false
}

type candidate struct {
	ticker         string
	securityID     domain.SecurityID
	price          float64
	volume         int64
	changePct      float64
	momentumScore  float64
	volumeScore    float64
	catalystScore  float64
	technicalScore float64
	composite      float64
	lastEventTime  time.Time
}

// RunTick executes one full pipeline pass for cycle at scanTime. Reduction
// is monotonic across stages by construction (spec §8).
func (r *Reducer) RunTick(ctx context.Context, cycle *domain.TradingCycle, scanTime time.Time) error {
	weights, err := r.compositeWeights(ctx)
	if err != nil {
		return err
	}

	if !r.admitStage(ctx, cycle.ID, "universe", domain.ServiceScanner) {
		return nil
	}
	universe, err := r.universeStage(ctx)
	if err != nil {
		return err
	}
	r.log.Info().Str("cycle", cycle.ID).Int("count", len(universe)).Msg("universe stage")
	if len(universe) == 0 {
		return nil
	}

	afterCatalyst, err := r.catalystStage(ctx, universe)
	if err != nil {
		return err
	}
	r.log.Info().Str("cycle", cycle.ID).Int("count", len(afterCatalyst)).Msg("catalyst stage")

	if !r.admitStage(ctx, cycle.ID, "technical", domain.ServicePattern, domain.ServiceTechnical) {
		return nil
	}
	afterTechnical := r.technicalStage(ctx, cycle.ID, afterCatalyst)
	r.log.Info().Str("cycle", cycle.ID).Int("count", len(afterTechnical)).Msg("technical stage")

	if !r.admitStage(ctx, cycle.ID, "risk", domain.ServiceRiskManager) {
		return nil
	}
	afterRisk := r.riskStage(ctx, cycle.ID, afterTechnical)
	r.log.Info().Str("cycle", cycle.ID).Int("count", len(afterRisk)).Msg("risk stage")

	for _, c := range afterRisk {
		c.composite = domain.Composite(c.momentumScore, c.volumeScore, c.catalystScore, c.technicalScore, weights)
	}

	selected, err := r.selectionStage(ctx, cycle, afterRisk, scanTime)
	if err != nil {
		return err
	}
	r.log.Info().Str("cycle", cycle.ID).Int("count", len(selected)).Msg("selection stage")

	if len(selected) == 0 || r.submitter == nil {
		return nil
	}
	return r.submitter.SubmitSelections(ctx, cycle, selected)
}

// compositeWeights sources the composite score's weights exclusively from
// effective RiskParameters, with no hard-coded fallback (spec.md §9): an
// operator who misconfigures or forgets to seed a weight gets a clear
// validation failure on the next tick rather than a silently-defaulted
// score.
func (r *Reducer) compositeWeights(ctx context.Context) (domain.CompositeWeights, error) {
	params, err := r.store.EffectiveRiskParameters(ctx, time.Now())
	if err != nil {
		return domain.CompositeWeights{}, err
	}
	momentum, err := requireWeight(params, domain.ParamMomentumWeight)
	if err != nil {
		return domain.CompositeWeights{}, err
	}
	volume, err := requireWeight(params, domain.ParamVolumeWeight)
	if err != nil {
		return domain.CompositeWeights{}, err
	}
	catalyst, err := requireWeight(params, domain.ParamCatalystWeight)
	if err != nil {
		return domain.CompositeWeights{}, err
	}
	technical, err := requireWeight(params, domain.ParamTechnicalWeight)
	if err != nil {
		return domain.CompositeWeights{}, err
	}
	return domain.CompositeWeights{Momentum: momentum, Volume: volume, Catalyst: catalyst, Technical: technical}, nil
}

func requireWeight(params map[string]*domain.RiskParameter, name string) (float64, error) {
	p, ok := params[name]
	if !ok {
		return 0, engineerr.New(engineerr.Validation, "reducer.compositeWeights",
			fmt.Errorf("no effective risk parameter for %q", name))
	}
	return p.Value, nil
}

// universeStage calls the scanner service for actively traded symbols
// (spec §4.5 stage 1).
func (r *Reducer) universeStage(ctx context.Context) ([]*candidate, error) {
	var resp struct {
		Candidates []struct {
			Symbol    string  `json:"symbol"`
			Price     float64 `json:"price"`
			Volume    int64   `json:"volume"`
			ChangePct float64 `json:"change_pct"`
		} `json:"candidates"`
	}
	err := r.client.Call(ctx, domain.ServiceScanner, http.MethodPost, "/api/v1/scan",
		map[string]int{"hours_back": 24}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]*candidate, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		if len(out) >= r.cfg.UniverseCap {
			break
		}
		secID, err := r.store.ResolveSecurity(ctx, c.Symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, &candidate{
			ticker: c.Symbol, securityID: secID, price: c.Price, volume: c.Volume, changePct: c.ChangePct,
		})
	}
	return out, nil
}

// catalystStage scores each candidate against its recent NewsEvents and
// retains the top CatalystCap (spec §4.5 stage 2).
func (r *Reducer) catalystStage(ctx context.Context, candidates []*candidate) ([]*candidate, error) {
	since := time.Now().Add(-r.cfg.CatalystLookback).Unix()
	for _, c := range candidates {
		events, err := r.store.RecentNewsForSecurity(ctx, c.securityID, since)
		if err != nil {
			return nil, err
		}
		c.catalystScore, c.lastEventTime, err = r.scoreCatalyst(ctx, events)
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].catalystScore != candidates[j].catalystScore {
			return candidates[i].catalystScore > candidates[j].catalystScore
		}
		return candidates[i].lastEventTime.After(candidates[j].lastEventTime)
	})

	return capCandidates(candidates, r.cfg.CatalystCap), nil
}

// scoreCatalyst is a documented weighted sum of source-reliability and
// recency over qualifying news events (spec §4.5).
func (r *Reducer) scoreCatalyst(ctx context.Context, events []*domain.NewsEvent) (float64, time.Time, error) {
	var score float64
	var latest time.Time
	now := time.Now()
	for _, e := range events {
		strength := (e.SentimentScore + 1) / 2 * e.Relevance * 100
		if strength < r.cfg.MinCatalystStrength {
			continue
		}
		tp, err := r.store.TimeByID(ctx, e.TimeID)
		if err != nil {
			return 0, time.Time{}, err
		}
		ageHours := now.Sub(tp.Timestamp).Hours()
		recencyWeight := 1.0
		if ageHours > 0 {
			recencyWeight = 1.0 / (1.0 + ageHours/24.0)
		}
		score += strength * e.SourceReliability * recencyWeight
		if tp.Timestamp.After(latest) {
			latest = tp.Timestamp
		}
	}
	if score > 100 {
		score = 100
	}
	return score, latest, nil
}

// technicalStage calls pattern and technical services concurrently per
// symbol, bounded by FanOut; a symbol for which either call fails is
// dropped, not scored zero (spec §4.5 stage 3).
func (r *Reducer) technicalStage(ctx context.Context, cycleID string, candidates []*candidate) []*candidate {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FanOut)

	results := make([]*candidate, len(candidates))
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			pattern, technical, err := r.fetchPatternAndTechnical(gctx, c.ticker)
			if err != nil {
				r.log.Warn().Str("symbol", c.ticker).Err(err).Msg("technical stage: dropping candidate")
				_ = r.store.AppendRiskEvent(context.Background(), &domain.RiskEvent{
					Type: "technical_stage_drop", Severity: domain.SeverityWarning,
					CycleID: &cycleID, Message: "pattern/technical call failed for " + c.ticker,
					Data: map[string]any{"symbol": c.ticker}, CreatedAt: time.Now(),
				})
				return nil
			}
			c.technicalScore = (pattern + technical) / 2
			c.momentumScore = technical
			c.volumeScore = volumeScoreFromChange(c.changePct)
			results[i] = c
			return nil
		})
	}
	_ = g.Wait()

	survivors := make([]*candidate, 0, len(results))
	for _, c := range results {
		if c != nil {
			survivors = append(survivors, c)
		}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].technicalScore > survivors[j].technicalScore
	})
	return capCandidates(survivors, r.cfg.TechnicalCap)
}

func volumeScoreFromChange(changePct float64) float64 {
	v := changePct
	if v < 0 {
		v = -v
	}
	if v > 100 {
		v = 100
	}
	return v
}

func (r *Reducer) fetchPatternAndTechnical(ctx context.Context, symbol string) (pattern, technical float64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var resp struct {
			Score float64 `json:"score"`
		}
		if err := r.client.Call(gctx, domain.ServicePattern, http.MethodPost, "/api/v1/patterns/detect",
			map[string]string{"symbol": symbol, "timeframe": "1d"}, &resp); err != nil {
			return err
		}
		pattern = resp.Score
		return nil
	})
	g.Go(func() error {
		var resp struct {
			Score float64 `json:"score"`
		}
		if err := r.client.Call(gctx, domain.ServiceTechnical, http.MethodPost, "/api/v1/indicators/calculate",
			map[string]string{"symbol": symbol, "timeframe": "1d"}, &resp); err != nil {
			return err
		}
		technical = resp.Score
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return pattern, technical, nil
}

// riskStage validates each candidate against the risk manager and retains
// up to RiskCap (spec §4.5 stage 4).
func (r *Reducer) riskStage(ctx context.Context, cycleID string, candidates []*candidate) []*candidate {
	out := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if len(out) >= r.cfg.RiskCap {
			break
		}
		var resp struct {
			Approved bool   `json:"approved"`
			Reason   string `json:"reason"`
		}
		err := r.client.Call(ctx, domain.ServiceRiskManager, http.MethodPost, "/api/v1/validate-trade",
			map[string]any{"symbol": c.ticker, "side": "buy", "quantity": 0}, &resp)
		if err != nil {
			r.log.Warn().Str("symbol", c.ticker).Err(err).Msg("risk stage: validation call failed, dropping candidate")
			continue
		}
		if !resp.Approved {
			r.log.Info().Str("symbol", c.ticker).Str("reason", resp.Reason).Msg("risk stage: rejected")
			_ = r.store.AppendRiskEvent(ctx, &domain.RiskEvent{
				Type: "risk_validation_rejected", Severity: domain.SeverityInfo,
				CycleID: &cycleID, Message: resp.Reason,
				Data: map[string]any{"symbol": c.ticker}, CreatedAt: time.Now(),
			})
			continue
		}
		out = append(out, c)
	}
	return out
}

// selectionStage picks the final top-N by composite score, bounded by
// (cycle.max_positions - open_positions), writes ScanResults, and marks
// the winners selected (spec §4.5 stage 5).
func (r *Reducer) selectionStage(ctx context.Context, cycle *domain.TradingCycle, candidates []*candidate, scanTime time.Time) ([]Selection, error) {
	scanResults := make([]*domain.ScanResult, len(candidates))
	for i, c := range candidates {
		scanResults[i] = &domain.ScanResult{
			CycleID: cycle.ID, SecurityID: c.securityID, ScanTime: scanTime,
			MomentumScore: c.momentumScore, VolumeScore: c.volumeScore,
			CatalystScore: c.catalystScore, TechnicalScore: c.technicalScore,
			CompositeScore: c.composite, Price: c.price, Volume: c.volume, ChangePct: c.changePct,
		}
	}
	if err := r.store.BulkInsertScanResults(ctx, scanResults); err != nil {
		return nil, err
	}

	openCount, err := r.store.OpenPositionCount(ctx, cycle.ID)
	if err != nil {
		return nil, err
	}
	capacity := cycle.MaxPositions - openCount
	if capacity < 0 {
		capacity = 0
	}
	limit := r.cfg.SelectionCap
	if capacity < limit {
		limit = capacity
	}
	if limit <= 0 {
		return nil, nil
	}

	tickerBySecurity := make(map[domain.SecurityID]string, len(candidates))
	for _, c := range candidates {
		tickerBySecurity[c.securityID] = c.ticker
	}

	winners, err := r.store.TopNScanResults(ctx, cycle.ID, scanTime, limit)
	if err != nil {
		return nil, err
	}
	if len(winners) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(winners))
	selections := make([]Selection, len(winners))
	for i, w := range winners {
		ids[i] = w.ID
		selections[i] = Selection{
			ScanResultID: w.ID,
			SecurityID:   w.SecurityID,
			Ticker:       tickerBySecurity[w.SecurityID],
			Price:        w.Price,
			Composite:    w.CompositeScore,
		}
	}
	if err := r.store.MarkSelected(ctx, ids); err != nil {
		return nil, err
	}
	return selections, nil
}

func capCandidates(c []*candidate, n int) []*candidate {
	if n < 0 {
		n = 0
	}
	if len(c) <= n {
		return c
	}
	return c[:n]
}
