package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// CreateCycle inserts a new cycle in the status it carries (the Cycle Engine
// passes domain.CycleIdle) and atomically checks
// the at-most-one-active-cycle invariant before the caller transitions it
// to active. The check and insert happen in one transaction so no two
// concurrent "start cycle" calls can both win.
func (db *DB) CreateCycle(ctx context.Context, c *domain.TradingCycle) error {
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		active, err := loadActiveTx(ctx, tx)
		if err != nil {
			return err
		}
		if active != nil {
			return engineerr.New(engineerr.Validation, "store.CreateCycle",
				fmt.Errorf("cycle %s is already %s", active.ID, active.Status))
		}

		cfgJSON, err := json.Marshal(c.Configuration)
		if err != nil {
			return engineerr.New(engineerr.Validation, "store.CreateCycle", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO trading_cycles
				(cycle_id, mode, status, scan_cadence_secs, max_positions, risk_level, started_at, configuration)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Mode, c.Status, c.ScanCadenceSecs, c.MaxPositions, c.RiskLevel,
			c.StartedAt.UTC().Format(time.RFC3339Nano), string(cfgJSON))
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.CreateCycle", err)
		}
		return nil
	})
}

// LoadActiveCycle returns the single cycle in {active, paused, stopping},
// or nil if none exists, per the at-most-one-active-cycle invariant.
func (db *DB) LoadActiveCycle(ctx context.Context) (*domain.TradingCycle, error) {
	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.LoadActiveCycle", err)
	}
	defer tx.Rollback()
	return loadActiveTx(ctx, tx)
}

func loadActiveTx(ctx context.Context, tx *sql.Tx) (*domain.TradingCycle, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT cycle_id, mode, status, scan_cadence_secs, max_positions, risk_level,
		       started_at, stopped_at, stop_reason, configuration,
		       positions_opened, positions_closed, risk_events_count
		FROM trading_cycles
		WHERE status IN ('active', 'paused', 'stopping')
		LIMIT 2`)
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.loadActiveTx", err)
	}
	defer rows.Close()

	var found []*domain.TradingCycle
	for rows.Next() {
		c, err := scanCycleRow(rows)
		if err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.loadActiveTx", err)
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.loadActiveTx", err)
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, engineerr.New(engineerr.DataIntegrity, "store.loadActiveTx",
			fmt.Errorf("invariant violated: %d cycles active simultaneously", len(found)))
	}
}

// TransitionCycle applies a guarded state transition. Illegal transitions
// are rejected with a validation error; never applied. A transition into
// CycleActive re-checks the at-most-one-active-cycle invariant inside this
// same transaction, closing the TOCTOU window between CreateCycle's check
// (at idle) and a later idle/paused -> active transition.
func (db *DB) TransitionCycle(ctx context.Context, cycleID string, to domain.CycleStatus, stopReason string) error {
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		var from domain.CycleStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM trading_cycles WHERE cycle_id = ?`, cycleID).Scan(&from)
		if err == sql.ErrNoRows {
			return engineerr.New(engineerr.Validation, "store.TransitionCycle", fmt.Errorf("cycle %s not found", cycleID))
		}
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.TransitionCycle", err)
		}
		if !domain.CanTransition(from, to) {
			return engineerr.New(engineerr.Validation, "store.TransitionCycle",
				fmt.Errorf("illegal transition %s -> %s", from, to))
		}
		if to == domain.CycleActive {
			active, err := loadActiveTx(ctx, tx)
			if err != nil {
				return err
			}
			if active != nil && active.ID != cycleID {
				return engineerr.New(engineerr.Validation, "store.TransitionCycle",
					fmt.Errorf("cycle %s is already %s", active.ID, active.Status))
			}
		}

		var stoppedAt any
		if to == domain.CycleStopped || to == domain.CycleEmergencyStopped || to == domain.CycleCompleted {
			stoppedAt = time.Now().UTC().Format(time.RFC3339Nano)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE trading_cycles SET status = ?, stopped_at = ?, stop_reason = ? WHERE cycle_id = ?`,
			to, stoppedAt, stopReason, cycleID)
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.TransitionCycle", err)
		}
		return nil
	})
}

// AppendCycleMetric increments the accumulated counters on a cycle row.
func (db *DB) AppendCycleMetric(ctx context.Context, cycleID string, positionsOpenedDelta, positionsClosedDelta, riskEventsDelta int) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE trading_cycles
		SET positions_opened = positions_opened + ?,
		    positions_closed = positions_closed + ?,
		    risk_events_count = risk_events_count + ?
		WHERE cycle_id = ?`,
		positionsOpenedDelta, positionsClosedDelta, riskEventsDelta, cycleID)
	if err != nil {
		return engineerr.New(engineerr.StoreUnavailable, "store.AppendCycleMetric", err)
	}
	return nil
}

// CycleByID loads a single cycle by its external identifier.
func (db *DB) CycleByID(ctx context.Context, cycleID string) (*domain.TradingCycle, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT cycle_id, mode, status, scan_cadence_secs, max_positions, risk_level,
		       started_at, stopped_at, stop_reason, configuration,
		       positions_opened, positions_closed, risk_events_count
		FROM trading_cycles WHERE cycle_id = ?`, cycleID)

	c, err := scanCycleRow(row)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.Validation, "store.CycleByID", fmt.Errorf("cycle %s not found", cycleID))
	}
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.CycleByID", err)
	}
	return c, nil
}

// CycleIDsActiveSince returns every cycle that was started on or after
// since, or is still in an active-family status, used by the daily
// risk-metrics rollup job to know which cycles to aggregate.
func (db *DB) CycleIDsActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT cycle_id FROM trading_cycles
		WHERE started_at >= ? OR status IN ('active', 'paused', 'stopping')`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.CycleIDsActiveSince", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.CycleIDsActiveSince", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycleRow(row rowScanner) (*domain.TradingCycle, error) {
	var c domain.TradingCycle
	var startedAt string
	var stoppedAt sql.NullString
	var cfgJSON string

	err := row.Scan(&c.ID, &c.Mode, &c.Status, &c.ScanCadenceSecs, &c.MaxPositions, &c.RiskLevel,
		&startedAt, &stoppedAt, &c.StopReason, &cfgJSON,
		&c.Metrics.PositionsOpened, &c.Metrics.PositionsClosed, &c.Metrics.RiskEventsCount)
	if err != nil {
		return nil, err
	}

	c.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, err
	}
	if stoppedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, stoppedAt.String)
		if err != nil {
			return nil, err
		}
		c.StoppedAt = &t
	}
	c.Configuration = map[string]any{}
	if cfgJSON != "" {
		_ = json.Unmarshal([]byte(cfgJSON), &c.Configuration)
	}
	return &c, nil
}
