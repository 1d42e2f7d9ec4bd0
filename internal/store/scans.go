package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// BulkInsertScanResults writes the given rows for (cycle, scan time) in one
// transaction, per spec.md §4.1.
func (db *DB) BulkInsertScanResults(ctx context.Context, results []*domain.ScanResult) error {
	if len(results) == 0 {
		return nil
	}
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO scan_results
				(cycle_id, security_id, scan_time, momentum_score, volume_score,
				 catalyst_score, technical_score, composite_score, price, volume,
				 change_pct, selected, rank)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.BulkInsertScanResults", err)
		}
		defer stmt.Close()

		for _, r := range results {
			_, err := stmt.ExecContext(ctx,
				r.CycleID, r.SecurityID, r.ScanTime.UTC().Format(time.RFC3339Nano),
				r.MomentumScore, r.VolumeScore, r.CatalystScore, r.TechnicalScore,
				r.CompositeScore, r.Price, r.Volume, r.ChangePct, boolToInt(r.Selected), r.Rank)
			if err != nil {
				return engineerr.New(engineerr.StoreUnavailable, "store.BulkInsertScanResults", err)
			}
		}
		return nil
	})
}

// MarkSelected flags the given scan result IDs as selected with ranks
// 1..N, in the order given.
func (db *DB) MarkSelected(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE scan_results SET selected = 1, rank = ? WHERE id = ?`)
		if err != nil {
			return engineerr.New(engineerr.StoreUnavailable, "store.MarkSelected", err)
		}
		defer stmt.Close()
		for i, id := range ids {
			if _, err := stmt.ExecContext(ctx, i+1, id); err != nil {
				return engineerr.New(engineerr.StoreUnavailable, "store.MarkSelected", err)
			}
		}
		return nil
	})
}

// TopNScanResults reads the top-N scan results for a cycle/scan-time by
// composite score, descending.
func (db *DB) TopNScanResults(ctx context.Context, cycleID string, scanTime time.Time, n int) ([]*domain.ScanResult, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, cycle_id, security_id, scan_time, momentum_score, volume_score,
		       catalyst_score, technical_score, composite_score, price, volume,
		       change_pct, selected, rank
		FROM scan_results
		WHERE cycle_id = ? AND scan_time = ?
		ORDER BY composite_score DESC
		LIMIT ?`, cycleID, scanTime.UTC().Format(time.RFC3339Nano), n)
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.TopNScanResults", err)
	}
	defer rows.Close()

	var out []*domain.ScanResult
	for rows.Next() {
		r, err := scanScanResultRow(rows)
		if err != nil {
			return nil, engineerr.New(engineerr.StoreUnavailable, "store.TopNScanResults", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.TopNScanResults", err)
	}
	return out, nil
}

func scanScanResultRow(rows *sql.Rows) (*domain.ScanResult, error) {
	var r domain.ScanResult
	var scanTime string
	var selected int
	if err := rows.Scan(&r.ID, &r.CycleID, &r.SecurityID, &scanTime, &r.MomentumScore, &r.VolumeScore,
		&r.CatalystScore, &r.TechnicalScore, &r.CompositeScore, &r.Price, &r.Volume,
		&r.ChangePct, &selected, &r.Rank); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, scanTime)
	if err != nil {
		return nil, err
	}
	r.ScanTime = ts
	r.Selected = selected != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
