package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// OpenPosition links a filled entry order to a new position, in one
// single-row transaction, satisfying the position-order linkage invariant
// (spec §8): an open position always has exactly one filled entry order.
func (db *DB) OpenPosition(ctx context.Context, p *domain.Position) error {
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		var entryStatus domain.OrderStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, p.EntryOrderID).Scan(&entryStatus)
		if err == sql.ErrNoRows {
			return engineerr.New(engineerr.DataIntegrity, "store.OpenPosition", sql.ErrNoRows)
		}
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.OpenPosition", err)
		}
		if entryStatus != domain.OrderFilled {
			return engineerr.New(engineerr.DataIntegrity, "store.OpenPosition",
				errNotFilled(p.EntryOrderID, entryStatus))
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions
				(id, cycle_id, security_id, side, quantity, entry_price, stop_loss, take_profit,
				 status, opened_at, entry_order_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.CycleID, p.SecurityID, p.Side, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit,
			domain.PositionOpen, p.OpenedAt.UTC().Format(time.RFC3339Nano), p.EntryOrderID)
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.OpenPosition", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE orders SET position_id = ? WHERE id = ?`, p.ID, p.EntryOrderID)
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.OpenPosition", err)
		}
		return nil
	})
}

// ClosePosition links the exit order and marks the position closed.
func (db *DB) ClosePosition(ctx context.Context, positionID, exitOrderID string, exitPrice, realizedPnL float64, closeReason string, closedAt time.Time) error {
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		var exitStatus domain.OrderStatus
		var openedAtRaw string
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, exitOrderID).Scan(&exitStatus)
		if err == sql.ErrNoRows {
			return engineerr.New(engineerr.DataIntegrity, "store.ClosePosition", sql.ErrNoRows)
		}
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.ClosePosition", err)
		}
		if exitStatus != domain.OrderFilled {
			return engineerr.New(engineerr.DataIntegrity, "store.ClosePosition", errNotFilled(exitOrderID, exitStatus))
		}

		if err := tx.QueryRowContext(ctx, `SELECT opened_at FROM positions WHERE id = ?`, positionID).Scan(&openedAtRaw); err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.ClosePosition", err)
		}
		openedAt, err := parseTimeLoose(openedAtRaw)
		if err != nil {
			return engineerr.New(engineerr.DataIntegrity, "store.ClosePosition", err)
		}
		if closedAt.Before(openedAt) {
			return engineerr.New(engineerr.DataIntegrity, "store.ClosePosition",
				errClosedBeforeOpened(positionID))
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE positions
			SET status = ?, exit_price = ?, realized_pnl = ?, close_reason = ?, closed_at = ?, exit_order_id = ?
			WHERE id = ?`,
			domain.PositionClosed, exitPrice, realizedPnL, closeReason,
			closedAt.UTC().Format(time.RFC3339Nano), exitOrderID, positionID)
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.ClosePosition", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE orders SET position_id = ? WHERE id = ?`, positionID, exitOrderID)
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.ClosePosition", err)
		}
		return nil
	})
}

// BulkUpdateUnrealizedPnL applies the mark-to-market loop's recomputed
// unrealized P&L and MFE/MAE in one transaction: a single prepared UPDATE
// executed once per position, not one multi-row statement.
func (db *DB) BulkUpdateUnrealizedPnL(ctx context.Context, updates []domain.PositionMark) error {
	if len(updates) == 0 {
		return nil
	}
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE positions SET unrealized_pnl = ?, mfe = ?, mae = ? WHERE id = ?`)
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.BulkUpdateUnrealizedPnL", err)
		}
		defer stmt.Close()
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.UnrealizedPnL, u.MFE, u.MAE, u.PositionID); err != nil {
				return engineerr.New(engineerr.StoreUnavailable, "store.BulkUpdateUnrealizedPnL", err)
			}
		}
		return nil
	})
}

// OpenPositionsForCycle returns all positions still carrying live exposure
// for a cycle.
func (db *DB) OpenPositionsForCycle(ctx context.Context, cycleID string) ([]*domain.Position, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, cycle_id, security_id, side, quantity, entry_price, exit_price, stop_loss,
		       take_profit, status, opened_at, closed_at, realized_pnl, unrealized_pnl, mfe, mae,
		       close_reason, entry_order_id, exit_order_id
		FROM positions
		WHERE cycle_id = ? AND status IN ('open', 'partial', 'risk_reduced')`, cycleID)
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.OpenPositionsForCycle", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.OpenPositionsForCycle", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenPositionCount returns the number of open-family positions for a
// cycle, used to bound the Candidate Reducer's selection stage.
func (db *DB) OpenPositionCount(ctx context.Context, cycleID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE cycle_id = ? AND status IN ('open', 'partial', 'risk_reduced')`, cycleID).Scan(&n)
	if err != nil {
		return 0, engineerr.New(engineerr.StoreUnavailable, "store.OpenPositionCount", err)
	}
	return n, nil
}

// ClosedPositionsBetween returns every position in a cycle closed within
// [from, to), used by the daily risk-metrics rollup job.
func (db *DB) ClosedPositionsBetween(ctx context.Context, cycleID string, from, to time.Time) ([]*domain.Position, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, cycle_id, security_id, side, quantity, entry_price, exit_price, stop_loss,
		       take_profit, status, opened_at, closed_at, realized_pnl, unrealized_pnl, mfe, mae,
		       close_reason, entry_order_id, exit_order_id
		FROM positions
		WHERE cycle_id = ? AND status = 'closed' AND closed_at >= ? AND closed_at < ?`,
		cycleID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.ClosedPositionsBetween", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.ClosedPositionsBetween", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPositionRow(rows *sql.Rows) (*domain.Position, error) {
	var p domain.Position
	var exitPrice sql.NullFloat64
	var openedAt string
	var closedAt sql.NullString
	var exitOrderID sql.NullString

	if err := rows.Scan(&p.ID, &p.CycleID, &p.SecurityID, &p.Side, &p.Quantity, &p.EntryPrice,
		&exitPrice, &p.StopLoss, &p.TakeProfit, &p.Status, &openedAt, &closedAt, &p.RealizedPnL,
		&p.UnrealizedPnL, &p.MFE, &p.MAE, &p.CloseReason, &p.EntryOrderID, &exitOrderID); err != nil {
		return nil, err
	}
	t, err := parseTimeLoose(openedAt)
	if err != nil {
		return nil, err
	}
	p.OpenedAt = t
	if exitPrice.Valid {
		v := exitPrice.Float64
		p.ExitPrice = &v
	}
	if closedAt.Valid {
		t, err := parseTimeLoose(closedAt.String)
		if err != nil {
			return nil, err
		}
		p.ClosedAt = &t
	}
	if exitOrderID.Valid {
		v := exitOrderID.String
		p.ExitOrderID = &v
	}
	return &p, nil
}
