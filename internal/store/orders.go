package store

import (
	"context"
	"database/sql"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// InsertOrder writes a new order row, typically in domain.OrderPending.
func (db *DB) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO orders
			(id, cycle_id, security_id, side, type, quantity, limit_price, stop_price,
			 tif, status, submitted_at, fill_price, fill_quantity, fees, reject_reason, position_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CycleID, o.SecurityID, o.Side, o.Type, o.Quantity, o.LimitPrice, o.StopPrice,
		o.TIF, o.Status, nullableTime(o.SubmittedAt), o.FillPrice, o.FillQuantity, o.Fees, o.RejectReason, o.PositionID)
	if err != nil {
		return engineerr.New(engineerr.StoreUnavailable, "store.InsertOrder", err)
	}
	return nil
}

// UpdateOrderStatus updates status, fill details, and the position linkage
// once established.
func (db *DB) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, fillPrice, fillQty *float64, positionID *string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE orders SET status = ?, fill_price = ?, fill_quantity = ?, position_id = COALESCE(?, position_id)
		WHERE id = ?`, status, fillPrice, fillQty, positionID, orderID)
	if err != nil {
		return engineerr.New(engineerr.StoreUnavailable, "store.UpdateOrderStatus", err)
	}
	return nil
}

// OrderByID loads a single order.
func (db *DB) OrderByID(ctx context.Context, orderID string) (*domain.Order, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, cycle_id, security_id, side, type, quantity, limit_price, stop_price,
		       tif, status, submitted_at, fill_price, fill_quantity, fees, reject_reason, position_id
		FROM orders WHERE id = ?`, orderID)
	o, err := scanOrderRow(row)
	if err == sql.ErrNoRows {
		return nil, engineerr.New(engineerr.Validation, "store.OrderByID", sql.ErrNoRows)
	}
	if err != nil {
		return nil, engineerr.New(engineerr.StoreUnavailable, "store.OrderByID", err)
	}
	return o, nil
}

func scanOrderRow(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var submittedAt sql.NullString
	if err := row.Scan(&o.ID, &o.CycleID, &o.SecurityID, &o.Side, &o.Type, &o.Quantity,
		&o.LimitPrice, &o.StopPrice, &o.TIF, &o.Status, &submittedAt, &o.FillPrice,
		&o.FillQuantity, &o.Fees, &o.RejectReason, &o.PositionID); err != nil {
		return nil, err
	}
	if submittedAt.Valid {
		t, err := parseTimeLoose(submittedAt.String)
		if err != nil {
			return nil, err
		}
		o.SubmittedAt = &t
	}
	return &o, nil
}
