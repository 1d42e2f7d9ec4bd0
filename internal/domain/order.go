package domain

import "time"

// OrderSide is a closed enum.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is a closed enum.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// TimeInForce is a closed enum.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus is a closed enum.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partial"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Order is a single broker order, locally tracked.
type Order struct {
	ID           string // broker-assigned, or locally generated until then
	CycleID      string
	SecurityID   SecurityID
	Side         OrderSide
	Type         OrderType
	Quantity     float64
	LimitPrice   *float64
	StopPrice    *float64
	TIF          TimeInForce
	Status       OrderStatus
	SubmittedAt  *time.Time
	FillPrice    *float64
	FillQuantity *float64
	Fees         float64
	RejectReason string

	// PositionID links the order to the position it opened or closed, once
	// that linkage exists. Nullable on purpose (spec §9, cyclic relations).
	PositionID *string
}
