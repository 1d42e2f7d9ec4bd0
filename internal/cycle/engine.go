// Package cycle implements the Cycle Engine: the trading-cycle state
// machine and the session-aware scheduler that drives the Candidate
// Reducer on each tick (spec.md §4.6).
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// Reducer is the subset of the Candidate Reducer the engine needs. Kept as
// an interface so the reducer's full dependency graph doesn't leak into
// this package's tests.
type Reducer interface {
	RunTick(ctx context.Context, cycle *domain.TradingCycle, scanTime time.Time) error
}

// Store is the subset of the Store Gateway the Cycle Engine needs.
type Store interface {
	CreateCycle(ctx context.Context, c *domain.TradingCycle) error
	TransitionCycle(ctx context.Context, cycleID string, to domain.CycleStatus, reason string) error
	LoadActiveCycle(ctx context.Context) (*domain.TradingCycle, error)
	CycleByID(ctx context.Context, cycleID string) (*domain.TradingCycle, error)
	AppendRiskEvent(ctx context.Context, e *domain.RiskEvent) error
}

// Liquidator is the subset of the Position Coordinator the engine needs to
// exit every open position on emergency stop (spec.md §4.6: "all open
// positions are scheduled for exit via market orders").
type Liquidator interface {
	RunEmergencyLiquidation(ctx context.Context, cycleID string) error
}

// Engine runs at most one trading cycle at a time and drives its tick
// schedule.
type Engine struct {
	store      Store
	reducer    Reducer
	liquidator Liquidator
	log        zerolog.Logger
	loc        *time.Location

	mu      sync.Mutex
	running map[string]*runningCycle
}

type runningCycle struct {
	cancel    context.CancelFunc
	pause     chan bool // true = pause, false = resume
	stop      chan string
	emergency chan struct{}
	ticking   bool
}

// New builds a Cycle Engine. liquidator may be nil in tests that don't
// exercise EmergencyStop; production wiring always supplies the Position
// Coordinator.
func New(store Store, reducer Reducer, liquidator Liquidator, loc *time.Location, log zerolog.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:      store,
		reducer:    reducer,
		liquidator: liquidator,
		log:        log.With().Str("component", "cycle_engine").Logger(),
		loc:        loc,
		running:    make(map[string]*runningCycle),
	}
}

// StartCycle validates parameters, enforces the at-most-one-active-cycle
// invariant via the store, and launches the scheduling goroutine.
func (e *Engine) StartCycle(ctx context.Context, c *domain.TradingCycle) error {
	if c.MaxPositions < 1 || c.MaxPositions > 10 {
		return engineerr.New(engineerr.Validation, "cycle.StartCycle", fmt.Errorf("max_positions out of [1,10]: %d", c.MaxPositions))
	}
	if c.RiskLevel < 0 || c.RiskLevel > 1 {
		return engineerr.New(engineerr.Validation, "cycle.StartCycle", fmt.Errorf("risk_level out of [0,1]: %f", c.RiskLevel))
	}
	c.Status = domain.CycleIdle
	c.StartedAt = time.Now()

	if err := e.store.CreateCycle(ctx, c); err != nil {
		return err
	}
	if err := e.store.TransitionCycle(ctx, c.ID, domain.CycleActive, ""); err != nil {
		return err
	}
	c.Status = domain.CycleActive

	e.launch(c)
	return nil
}

func (e *Engine) launch(c *domain.TradingCycle) {
	rc := &runningCycle{
		pause:     make(chan bool),
		stop:      make(chan string),
		emergency: make(chan struct{}),
	}
	e.mu.Lock()
	e.running[c.ID] = rc
	e.mu.Unlock()

	go e.scheduleLoop(c.ID, rc)
}

// Pause transitions an active cycle to paused.
func (e *Engine) Pause(ctx context.Context, cycleID string) error {
	if err := e.store.TransitionCycle(ctx, cycleID, domain.CyclePaused, ""); err != nil {
		return err
	}
	e.mu.Lock()
	rc := e.running[cycleID]
	e.mu.Unlock()
	if rc != nil {
		select {
		case rc.pause <- true:
		default:
		}
	}
	return nil
}

// Resume transitions a paused cycle back to active.
func (e *Engine) Resume(ctx context.Context, cycleID string) error {
	if err := e.store.TransitionCycle(ctx, cycleID, domain.CycleActive, ""); err != nil {
		return err
	}
	e.mu.Lock()
	rc := e.running[cycleID]
	e.mu.Unlock()
	if rc != nil {
		select {
		case rc.pause <- false:
		default:
		}
	}
	return nil
}

// Stop gracefully stops a cycle: the in-flight tick completes, no new
// ticks start.
func (e *Engine) Stop(ctx context.Context, cycleID, reason string) error {
	if err := e.store.TransitionCycle(ctx, cycleID, domain.CycleStopping, reason); err != nil {
		return err
	}
	e.mu.Lock()
	rc := e.running[cycleID]
	e.mu.Unlock()
	if rc != nil {
		select {
		case rc.stop <- reason:
		default:
		}
	}
	return nil
}

// EmergencyStop cancels the in-flight tick immediately, transitions the
// cycle to emergency_stopped, and schedules every open position for market
// exit via the Position Coordinator (spec.md §4.6).
func (e *Engine) EmergencyStop(ctx context.Context, cycleID, reason string) error {
	e.mu.Lock()
	rc := e.running[cycleID]
	var cancel context.CancelFunc
	if rc != nil {
		cancel = rc.cancel
		delete(e.running, cycleID) // claim it so a concurrent EmergencyStop can't double-close rc.emergency
	}
	e.mu.Unlock()
	if rc != nil {
		if cancel != nil {
			cancel()
		}
		close(rc.emergency)
	}
	if err := e.store.TransitionCycle(ctx, cycleID, domain.CycleEmergencyStopped, reason); err != nil {
		return err
	}
	if err := e.store.AppendRiskEvent(ctx, &domain.RiskEvent{
		Type: "cycle_emergency_stop", Severity: domain.SeverityCritical,
		CycleID: &cycleID, Message: reason, Data: map[string]any{}, CreatedAt: time.Now(),
	}); err != nil {
		return err
	}
	if e.liquidator == nil {
		return nil
	}
	return e.liquidator.RunEmergencyLiquidation(ctx, cycleID)
}

// scheduleLoop drives the session-aware tick cadence for one cycle. Only
// one tick runs at a time; overlapping ticks are skipped with a logged
// event (spec §4.6, §5).
func (e *Engine) scheduleLoop(cycleID string, rc *runningCycle) {
	paused := false
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case reason := <-rc.stop:
			e.log.Info().Str("cycle", cycleID).Str("reason", reason).Msg("cycle stopping gracefully")
			e.finishStopping(cycleID)
			e.cleanup(cycleID)
			return

		case <-rc.emergency:
			e.log.Warn().Str("cycle", cycleID).Msg("cycle emergency stopped")
			e.cleanup(cycleID)
			return

		case p := <-rc.pause:
			paused = p

		case <-timer.C:
			if paused {
				timer.Reset(time.Second)
				continue
			}
			e.runTick(cycleID, rc)
			session := CurrentSession(time.Now(), e.loc)
			timer.Reset(time.Duration(session.TickInterval()) * time.Second)
		}
	}
}

func (e *Engine) runTick(cycleID string, rc *runningCycle) {
	e.mu.Lock()
	if rc.ticking {
		e.mu.Unlock()
		e.log.Warn().Str("cycle", cycleID).Msg("tick skipped: previous tick still running")
		return
	}
	rc.ticking = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		rc.ticking = false
		e.mu.Unlock()
	}()

	session := CurrentSession(time.Now(), e.loc)
	budget := time.Duration(session.TickInterval())*time.Second - 5*time.Second
	if budget <= 0 {
		budget = time.Duration(session.TickInterval()) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	e.mu.Lock()
	rc.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	ctx2 := context.Background()
	cycle, err := e.store.CycleByID(ctx2, cycleID)
	if err != nil {
		e.log.Error().Err(err).Str("cycle", cycleID).Msg("failed to load cycle for tick")
		return
	}
	if cycle.Status != domain.CycleActive {
		return
	}

	if err := e.reducer.RunTick(ctx, cycle, time.Now()); err != nil {
		e.log.Error().Err(err).Str("cycle", cycleID).Msg("tick failed")
		if engineerr.ClassOf(err) == engineerr.StoreUnavailable {
			_ = e.store.TransitionCycle(context.Background(), cycleID, domain.CycleEmergencyStopped, "store unavailable during tick")
		}
	}
}

func (e *Engine) finishStopping(cycleID string) {
	if err := e.store.TransitionCycle(context.Background(), cycleID, domain.CycleStopped, ""); err != nil {
		e.log.Error().Err(err).Str("cycle", cycleID).Msg("failed to finalize stop")
	}
}

func (e *Engine) cleanup(cycleID string) {
	e.mu.Lock()
	delete(e.running, cycleID)
	e.mu.Unlock()
}
