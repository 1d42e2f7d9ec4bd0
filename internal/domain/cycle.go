package domain

import "time"

// CycleMode is a closed enum of risk postures a trading cycle runs under.
type CycleMode string

const (
	ModeAggressive   CycleMode = "aggressive"
	ModeNormal       CycleMode = "normal"
	ModeConservative CycleMode = "conservative"
)

// CycleStatus is a closed enum of trading-cycle states (spec §4.6).
type CycleStatus string

const (
	CycleIdle             CycleStatus = "idle"
	CycleActive           CycleStatus = "active"
	CyclePaused           CycleStatus = "paused"
	CycleStopping         CycleStatus = "stopping"
	CycleStopped          CycleStatus = "stopped"
	CycleEmergencyStopped CycleStatus = "emergency_stopped"
	CycleCompleted        CycleStatus = "completed"
)

// legalTransitions enumerates the cycle state machine from spec.md §4.6.
// Anything not listed here is illegal.
var legalTransitions = map[CycleStatus][]CycleStatus{
	CycleIdle:     {CycleActive},
	CycleActive:   {CyclePaused, CycleStopping, CycleEmergencyStopped, CycleCompleted},
	CyclePaused:   {CycleActive, CycleCompleted},
	CycleStopping: {CycleStopped},
	CycleStopped:  {CycleCompleted},
}

// CanTransition reports whether the state machine permits moving from
// from to to.
func CanTransition(from, to CycleStatus) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ActiveStatuses is the set of statuses counted against the
// at-most-one-active-cycle invariant.
var ActiveStatuses = []CycleStatus{CycleActive, CyclePaused, CycleStopping}

// CycleMetrics accumulates counters carried on the cycle row.
type CycleMetrics struct {
	PositionsOpened int
	PositionsClosed int
	RiskEventsCount int
}

// TradingCycle is one operator-initiated run of the pipeline.
type TradingCycle struct {
	ID              string
	Mode            CycleMode
	Status          CycleStatus
	ScanCadenceSecs int
	MaxPositions    int // 1-10
	RiskLevel       float64
	StartedAt       time.Time
	StoppedAt       *time.Time
	StopReason      string
	Configuration   map[string]any
	Metrics         CycleMetrics
}

// IsActiveFamily reports whether the cycle counts against the
// at-most-one-active-cycle invariant.
func (c *TradingCycle) IsActiveFamily() bool {
	for _, s := range ActiveStatuses {
		if c.Status == s {
			return true
		}
	}
	return false
}
