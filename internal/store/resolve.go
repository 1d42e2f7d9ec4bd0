package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// ResolveSecurity is the only accepted way to translate a ticker into its
// surrogate key. Idempotent: returns the existing row if present, creates
// it otherwise (spec §3, §6).
func (db *DB) ResolveSecurity(ctx context.Context, ticker string) (domain.SecurityID, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, `SELECT id FROM securities WHERE ticker = ?`, ticker).Scan(&id)
	if err == nil {
		return domain.SecurityID(id), nil
	}
	if err != sql.ErrNoRows {
		return 0, engineerr.New(engineerr.StoreUnavailable, "store.ResolveSecurity", err)
	}

	res, err := db.conn.ExecContext(ctx, `INSERT INTO securities (ticker, sector) VALUES (?, '')`, ticker)
	if err != nil {
		return 0, engineerr.New(engineerr.StoreUnavailable, "store.ResolveSecurity", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, engineerr.New(engineerr.Internal, "store.ResolveSecurity", err)
	}
	return domain.SecurityID(newID), nil
}

// ResolveTime is the only accepted way to translate a raw timestamp into
// its surrogate key. Idempotent on exact timestamp match.
func (db *DB) ResolveTime(ctx context.Context, ts time.Time) (domain.TimeID, error) {
	key := ts.UTC().Format(time.RFC3339Nano)

	var id int64
	err := db.conn.QueryRowContext(ctx, `SELECT id FROM time_points WHERE timestamp = ?`, key).Scan(&id)
	if err == nil {
		return domain.TimeID(id), nil
	}
	if err != sql.ErrNoRows {
		return 0, engineerr.New(engineerr.StoreUnavailable, "store.ResolveTime", err)
	}

	res, err := db.conn.ExecContext(ctx, `INSERT INTO time_points (timestamp) VALUES (?)`, key)
	if err != nil {
		return 0, engineerr.New(engineerr.StoreUnavailable, "store.ResolveTime", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, engineerr.New(engineerr.Internal, "store.ResolveTime", err)
	}
	return domain.TimeID(newID), nil
}

// SecurityByID loads a resolved security back by its surrogate key.
func (db *DB) SecurityByID(ctx context.Context, id domain.SecurityID) (*domain.Security, error) {
	var s domain.Security
	err := db.conn.QueryRowContext(ctx, `SELECT id, ticker, sector FROM securities WHERE id = ?`, id).
		Scan(&s.ID, &s.Ticker, &s.Sector)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.DataIntegrity, "store.SecurityByID", fmt.Errorf("security %d not found", id))
	}
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.SecurityByID", err)
	}
	return &s, nil
}

// TimeByID loads a resolved time point back by its surrogate key.
func (db *DB) TimeByID(ctx context.Context, id domain.TimeID) (*domain.TimePoint, error) {
	var tp domain.TimePoint
	var raw string
	err := db.conn.QueryRowContext(ctx, `SELECT id, timestamp FROM time_points WHERE id = ?`, id).
		Scan(&tp.ID, &raw)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.DataIntegrity, "store.TimeByID", fmt.Errorf("time point %d not found", id))
	}
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.TimeByID", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, engineerr.New(engineerr.DataIntegrity, "store.TimeByID", err)
	}
	tp.Timestamp = ts
	return &tp, nil
}
