package jobs

import (
	"context"

	"github.com/aristath/catalyst-engine/internal/domain"
)

// MarkToMarketStore is the subset of the Store Gateway the mark-to-market
// job needs to find the cycle whose open positions should be marked.
type MarkToMarketStore interface {
	LoadActiveCycle(ctx context.Context) (*domain.TradingCycle, error)
}

// Coordinator is the subset of the Position Coordinator the job drives.
type Coordinator interface {
	RunMarkToMarket(ctx context.Context, cycleID string) error
}

// MarkToMarketJob drives the Position Coordinator's mark-to-market loop on
// a fixed cadence (default 60s, spec.md §4.7): each pass loads the single
// active-family cycle, if any, and recomputes unrealized P&L and MFE/MAE
// for its open positions, firing stop-loss/take-profit exits along the way.
// A cycle with no open positions is a cheap no-op pass.
type MarkToMarketJob struct {
	store       MarkToMarketStore
	coordinator Coordinator
}

// NewMarkToMarketJob builds the mark-to-market job.
func NewMarkToMarketJob(store MarkToMarketStore, coordinator Coordinator) *MarkToMarketJob {
	return &MarkToMarketJob{store: store, coordinator: coordinator}
}

func (j *MarkToMarketJob) Name() string { return "mark_to_market" }

func (j *MarkToMarketJob) Run() error {
	ctx := context.Background()
	cycle, err := j.store.LoadActiveCycle(ctx)
	if err != nil {
		return err
	}
	if cycle == nil {
		return nil
	}
	return j.coordinator.RunMarkToMarket(ctx, cycle.ID)
}
