package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// EffectiveRiskParameters returns every RiskParameter whose window covers
// asOf, keyed by name. If a name has more than one effective row (an
// operator edit mistake), the most recently set effective-from wins.
func (db *DB) EffectiveRiskParameters(ctx context.Context, asOf time.Time) (map[string]*domain.RiskParameter, error) {
	ts := asOf.UTC().Format(time.RFC3339Nano)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT name, value, unit, effective_from, effective_until, origin
		FROM risk_parameters
		WHERE effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)
		ORDER BY effective_from ASC`, ts, ts)
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.EffectiveRiskParameters", err)
	}
	defer rows.Close()

	out := map[string]*domain.RiskParameter{}
	for rows.Next() {
		var p domain.RiskParameter
		var from string
		var until sql.NullString
		if err := rows.Scan(&p.Name, &p.Value, &p.Unit, &from, &until, &p.Origin); err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.EffectiveRiskParameters", err)
		}
		p.EffectiveFrom, err = parseTimeLoose(from)
		if err != nil {
			return nil, engineerr.New(engineerr.DataIntegrity, "store.EffectiveRiskParameters", err)
		}
		if until.Valid {
			t, err := parseTimeLoose(until.String)
			if err != nil {
				return nil, engineerr.New(engineerr.DataIntegrity, "store.EffectiveRiskParameters", err)
			}
			p.EffectiveUntil = &t
		}
		out[p.Name] = &p // last write (most recent effective_from) wins
	}
	return out, rows.Err()
}

// UpsertRiskParameter inserts a new row for a named parameter; it never
// modifies an existing row. EffectiveRiskParameters prefers the row with the
// latest effective-from, so the new row supersedes older ones from then on.
// Used at bootstrap to load configs/risk_parameters.yaml.
func (db *DB) UpsertRiskParameter(ctx context.Context, p *domain.RiskParameter) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO risk_parameters (name, value, unit, effective_from, effective_until, origin)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, p.Value, p.Unit, p.EffectiveFrom.UTC().Format(time.RFC3339Nano),
		nullableTime(p.EffectiveUntil), p.Origin)
	if err != nil {
		return engineerr.New(engineerr.StoreUnavailable, "store.UpsertRiskParameter", err)
	}
	return nil
}

// AppendRiskEvent writes an audit row. A failed insert is returned as a
// StoreUnavailable error; there is no alerting-sink fallback for this
// write, and several callers discard the error.
func (db *DB) AppendRiskEvent(ctx context.Context, e *domain.RiskEvent) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return engineerr.New(engineerr.Internal, "store.AppendRiskEvent", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO risk_events (type, severity, cycle_id, security_id, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.Severity, e.CycleID, e.SecurityID, e.Message, string(dataJSON),
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return engineerr.New(engineerr.StoreUnavailable, "store.AppendRiskEvent", err)
	}
	return nil
}

// RecentRiskEvents returns the most recent risk events, newest first, for
// the operator surface.
func (db *DB) RecentRiskEvents(ctx context.Context, limit int) ([]*domain.RiskEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, type, severity, cycle_id, security_id, message, data, created_at,
		       acknowledged, acknowledged_at, acknowledged_by
		FROM risk_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.RecentRiskEvents", err)
	}
	defer rows.Close()

	var out []*domain.RiskEvent
	for rows.Next() {
		var e domain.RiskEvent
		var cycleID, ackBy sql.NullString
		var securityID sql.NullInt64
		var dataJSON, createdAt string
		var ackAt sql.NullString
		var acked int
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &cycleID, &securityID, &e.Message,
			&dataJSON, &createdAt, &acked, &ackAt, &ackBy); err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.RecentRiskEvents", err)
		}
		if cycleID.Valid {
			v := cycleID.String
			e.CycleID = &v
		}
		if securityID.Valid {
			v := domain.SecurityID(securityID.Int64)
			e.SecurityID = &v
		}
		e.Data = map[string]any{}
		_ = json.Unmarshal([]byte(dataJSON), &e.Data)
		t, err := parseTimeLoose(createdAt)
		if err != nil {
			return nil, engineerr.New(engineerr.DataIntegrity, "store.RecentRiskEvents", err)
		}
		e.CreatedAt = t
		e.Acknowledged = acked != 0
		if ackAt.Valid {
			t, _ := parseTimeLoose(ackAt.String)
			e.AcknowledgedAt = &t
		}
		e.AcknowledgedBy = ackBy.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// UpsertDailyMetric writes or replaces the (date, cycle) aggregate row.
func (db *DB) UpsertDailyMetric(ctx context.Context, m *domain.DailyRiskMetric) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO daily_risk_metrics
			(date, cycle_id, pnl, trade_count, win_count, win_rate, peak_exposure, max_drawdown,
			 sharpe, loss_limit_hit, emergency_stop_triggered, risk_budget_used_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, cycle_id) DO UPDATE SET
			pnl = excluded.pnl, trade_count = excluded.trade_count, win_count = excluded.win_count,
			win_rate = excluded.win_rate, peak_exposure = excluded.peak_exposure,
			max_drawdown = excluded.max_drawdown, sharpe = excluded.sharpe,
			loss_limit_hit = excluded.loss_limit_hit,
			emergency_stop_triggered = excluded.emergency_stop_triggered,
			risk_budget_used_pct = excluded.risk_budget_used_pct`,
		m.Date.UTC().Format("2006-01-02"), m.CycleID, m.PnL, m.TradeCount, m.WinCount, m.WinRate,
		m.PeakExposure, m.MaxDrawdown, m.Sharpe, boolToInt(m.LossLimitHit),
		boolToInt(m.EmergencyStopTriggered), m.RiskBudgetUsedPct)
	if err != nil {
		return engineerr.New(engineerr.StoreUnavailable, "store.UpsertDailyMetric", err)
	}
	return nil
}
