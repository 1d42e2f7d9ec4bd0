package store

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: "file:" + t.Name() + "?mode=memory&cache=shared", Profile: ProfileStandard, MaxOpenConns: 4})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolveSecurityIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id1, err := db.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)
	id2, err := db.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	other, err := db.ResolveSecurity(ctx, "MSFT")
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)
}

func TestResolveTimeIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	id1, err := db.ResolveTime(ctx, ts)
	require.NoError(t, err)
	id2, err := db.ResolveTime(ctx, ts)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestAtMostOneActiveCycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c1 := &domain.TradingCycle{ID: "c1", Mode: domain.ModeNormal, Status: domain.CycleActive,
		ScanCadenceSecs: 900, MaxPositions: 5, RiskLevel: 0.5, StartedAt: time.Now()}
	require.NoError(t, db.CreateCycle(ctx, c1))

	c2 := &domain.TradingCycle{ID: "c2", Mode: domain.ModeNormal, Status: domain.CycleActive,
		ScanCadenceSecs: 900, MaxPositions: 5, RiskLevel: 0.5, StartedAt: time.Now()}
	err := db.CreateCycle(ctx, c2)
	require.Error(t, err)
	assert.Equal(t, engineerr.Validation, engineerr.ClassOf(err))

	active, err := db.LoadActiveCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "c1", active.ID)
}

func TestCycleTransitions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c := &domain.TradingCycle{ID: "c1", Mode: domain.ModeNormal, Status: domain.CycleIdle,
		ScanCadenceSecs: 900, MaxPositions: 5, RiskLevel: 0.5, StartedAt: time.Now()}
	require.NoError(t, db.CreateCycle(ctx, c))

	require.NoError(t, db.TransitionCycle(ctx, "c1", domain.CycleActive, ""))

	err := db.TransitionCycle(ctx, "c1", domain.CycleStopped, "")
	require.Error(t, err)
	assert.Equal(t, engineerr.Validation, engineerr.ClassOf(err))

	require.NoError(t, db.TransitionCycle(ctx, "c1", domain.CycleStopping, ""))
	require.NoError(t, db.TransitionCycle(ctx, "c1", domain.CycleStopped, "operator request"))

	loaded, err := db.CycleByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStopped, loaded.Status)
	assert.Equal(t, "operator request", loaded.StopReason)
}

func TestTransitionCycleRejectsSecondActive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c1 := &domain.TradingCycle{ID: "c1", Mode: domain.ModeNormal, Status: domain.CycleIdle,
		ScanCadenceSecs: 900, MaxPositions: 5, RiskLevel: 0.5, StartedAt: time.Now()}
	require.NoError(t, db.CreateCycle(ctx, c1))
	c2 := &domain.TradingCycle{ID: "c2", Mode: domain.ModeNormal, Status: domain.CycleIdle,
		ScanCadenceSecs: 900, MaxPositions: 5, RiskLevel: 0.5, StartedAt: time.Now()}
	require.NoError(t, db.CreateCycle(ctx, c2))

	require.NoError(t, db.TransitionCycle(ctx, "c1", domain.CycleActive, ""))

	err := db.TransitionCycle(ctx, "c2", domain.CycleActive, "")
	require.Error(t, err)
	assert.Equal(t, engineerr.Validation, engineerr.ClassOf(err))
}

func TestNewsDedupIdempotence(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	secID, err := db.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)
	timeID, err := db.ResolveTime(ctx, time.Now())
	require.NoError(t, err)

	e := &domain.NewsEvent{
		SecurityID: secID, TimeID: timeID, Headline: "Acme beats earnings",
		Source: "wire", DedupKey: "wire:abc123", CatalystType: domain.CatalystEarnings,
		SentimentLabel: domain.SentimentPositive,
	}

	inserted1, err := db.InsertNewsEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted1)

	inserted2, err := db.InsertNewsEvent(ctx, e)
	require.NoError(t, err)
	assert.False(t, inserted2)
}

func TestScanResultsTopN(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	secA, _ := db.ResolveSecurity(ctx, "AAPL")
	secB, _ := db.ResolveSecurity(ctx, "MSFT")
	scanTime := time.Now()

	err := db.BulkInsertScanResults(ctx, []*domain.ScanResult{
		{CycleID: "c1", SecurityID: secA, ScanTime: scanTime, CompositeScore: 80, Price: 150},
		{CycleID: "c1", SecurityID: secB, ScanTime: scanTime, CompositeScore: 95, Price: 300},
	})
	require.NoError(t, err)

	top, err := db.TopNScanResults(ctx, "c1", scanTime, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, secB, top[0].SecurityID)
}

func TestPositionLinkageInvariant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	secID, err := db.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)

	c := &domain.TradingCycle{ID: "c1", Mode: domain.ModeNormal, Status: domain.CycleActive,
		ScanCadenceSecs: 900, MaxPositions: 5, RiskLevel: 0.5, StartedAt: time.Now()}
	require.NoError(t, db.CreateCycle(ctx, c))

	entryOrder := &domain.Order{ID: "o1", CycleID: "c1", SecurityID: secID, Side: domain.SideBuy,
		Type: domain.OrderMarket, Quantity: 10, TIF: domain.TIFDay, Status: domain.OrderPending}
	require.NoError(t, db.InsertOrder(ctx, entryOrder))

	// Opening before fill must fail.
	pos := &domain.Position{ID: "p1", CycleID: "c1", SecurityID: secID, Side: domain.PositionLong,
		Quantity: 10, EntryPrice: 150, StopLoss: 140, TakeProfit: 170, OpenedAt: time.Now(), EntryOrderID: "o1"}
	err = db.OpenPosition(ctx, pos)
	require.Error(t, err)
	assert.Equal(t, engineerr.DataIntegrity, engineerr.ClassOf(err))

	fillPrice := 150.0
	fillQty := 10.0
	require.NoError(t, db.UpdateOrderStatus(ctx, "o1", domain.OrderFilled, &fillPrice, &fillQty, nil))

	require.NoError(t, db.OpenPosition(ctx, pos))

	open, err := db.OpenPositionsForCycle(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p1", open[0].ID)
}

func TestEffectiveRiskParameters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, db.UpsertRiskParameter(ctx, &domain.RiskParameter{
		Name: domain.ParamATRMultiplier, Value: 2.0, Unit: domain.UnitMultiplier,
		EffectiveFrom: now.Add(-time.Hour), Origin: "seed",
	}))

	params, err := db.EffectiveRiskParameters(ctx, now)
	require.NoError(t, err)
	require.Contains(t, params, domain.ParamATRMultiplier)
	assert.Equal(t, 2.0, params[domain.ParamATRMultiplier].Value)
}
