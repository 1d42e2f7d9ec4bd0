package jobs

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/catalyst-engine/internal/domain"
)

// RiskRollupStore is the subset of the Store Gateway the daily rollup job
// needs.
type RiskRollupStore interface {
	CycleIDsActiveSince(ctx context.Context, since time.Time) ([]string, error)
	ClosedPositionsBetween(ctx context.Context, cycleID string, from, to time.Time) ([]*domain.Position, error)
	EffectiveRiskParameters(ctx context.Context, asOf time.Time) (map[string]*domain.RiskParameter, error)
	UpsertDailyMetric(ctx context.Context, m *domain.DailyRiskMetric) error
}

// RiskRollupJob aggregates each active cycle's closed positions for the
// prior day into one daily_risk_metrics row (spec.md §7 risk-reporting
// surface), computing win rate, max drawdown, and a Sharpe ratio with
// gonum/stat the way the teacher's trader-go pkg/formulas does.
type RiskRollupJob struct {
	store RiskRollupStore
	loc   *time.Location
}

// NewRiskRollupJob builds the daily rollup job. loc is the exchange
// timezone used to bound the "day" being rolled up.
func NewRiskRollupJob(store RiskRollupStore, loc *time.Location) *RiskRollupJob {
	if loc == nil {
		loc = time.UTC
	}
	return &RiskRollupJob{store: store, loc: loc}
}

func (j *RiskRollupJob) Name() string { return "daily_risk_rollup" }

func (j *RiskRollupJob) Run() error {
	ctx := context.Background()
	now := time.Now().In(j.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, j.loc).Add(-24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	cycleIDs, err := j.store.CycleIDsActiveSince(ctx, dayStart.Add(-30*24*time.Hour))
	if err != nil {
		return err
	}

	params, err := j.store.EffectiveRiskParameters(ctx, now)
	if err != nil {
		return err
	}
	dailyBudget := 0.0
	if p, ok := params[domain.ParamDailyLossBudget]; ok {
		dailyBudget = p.Value
	}

	for _, cycleID := range cycleIDs {
		positions, err := j.store.ClosedPositionsBetween(ctx, cycleID, dayStart, dayEnd)
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			continue
		}
		metric := rollupCycle(dayStart, cycleID, positions, dailyBudget)
		if err := j.store.UpsertDailyMetric(ctx, metric); err != nil {
			return err
		}
	}
	return nil
}

func rollupCycle(date time.Time, cycleID string, positions []*domain.Position, dailyBudget float64) *domain.DailyRiskMetric {
	returns := make([]float64, 0, len(positions))
	m := &domain.DailyRiskMetric{Date: date, CycleID: cycleID, TradeCount: len(positions)}

	cumulative := 0.0
	peak := 0.0
	maxDrawdown := 0.0
	for _, p := range positions {
		m.PnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			m.WinCount++
		}
		returns = append(returns, p.RealizedPnL)

		exposure := p.EntryPrice * p.Quantity
		if exposure > m.PeakExposure {
			m.PeakExposure = exposure
		}

		cumulative += p.RealizedPnL
		if cumulative > peak {
			peak = cumulative
		}
		if drawdown := peak - cumulative; drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	m.MaxDrawdown = maxDrawdown
	if m.TradeCount > 0 {
		m.WinRate = float64(m.WinCount) / float64(m.TradeCount)
	}
	m.Sharpe = sharpeRatio(returns)
	m.LossLimitHit = dailyBudget > 0 && m.PnL <= -dailyBudget
	if dailyBudget > 0 {
		m.RiskBudgetUsedPct = math.Min(100, math.Max(0, -m.PnL/dailyBudget*100))
	}
	return m
}

// sharpeRatio is the mean-over-stddev of per-trade realized P&L, scaled by
// the square root of the number of trades, matching
// the teacher's pkg/formulas.Mean/StdDev shape but scoped to one day's
// closed trades rather than daily price returns.
func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	stdDev := stat.StdDev(returns, nil)
	if stdDev == 0 {
		return 0
	}
	return mean / stdDev * math.Sqrt(float64(len(returns)))
}
