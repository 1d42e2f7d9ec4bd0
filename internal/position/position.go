// Package position implements the Position Coordinator: order submission,
// mark-to-market, exit decisions, and emergency liquidation (spec.md §4.7).
package position

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
	"github.com/aristath/catalyst-engine/internal/reducer"
)

// Store is the subset of the Store Gateway the coordinator needs.
type Store interface {
	InsertOrder(ctx context.Context, o *domain.Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, fillPrice, fillQty *float64, positionID *string) error
	OrderByID(ctx context.Context, orderID string) (*domain.Order, error)
	OpenPosition(ctx context.Context, p *domain.Position) error
	ClosePosition(ctx context.Context, positionID, exitOrderID string, exitPrice, realizedPnL float64, closeReason string, closedAt time.Time) error
	OpenPositionsForCycle(ctx context.Context, cycleID string) ([]*domain.Position, error)
	BulkUpdateUnrealizedPnL(ctx context.Context, updates []domain.PositionMark) error
	EffectiveRiskParameters(ctx context.Context, asOf time.Time) (map[string]*domain.RiskParameter, error)
	AppendRiskEvent(ctx context.Context, e *domain.RiskEvent) error
}

// Broker is the subset of the Service Client the coordinator needs to reach
// the trading and technical services.
type Broker interface {
	Call(ctx context.Context, svc domain.ServiceName, method, path string, body, out any) error
}

// Config bounds the coordinator's loop cadence and liquidation deadline.
type Config struct {
	MarkToMarketInterval time.Duration
	EmergencyExitDeadline time.Duration
	BrokerRetries         int
}

func defaultConfig(cfg Config) Config {
	if cfg.MarkToMarketInterval <= 0 {
		cfg.MarkToMarketInterval = 60 * time.Second
	}
	if cfg.EmergencyExitDeadline <= 0 {
		cfg.EmergencyExitDeadline = 30 * time.Second
	}
	if cfg.BrokerRetries <= 0 {
		cfg.BrokerRetries = 5
	}
	return cfg
}

// modeMultiplier maps a cycle's risk mode to a position-sizing multiplier.
// Fixed, documented mapping (spec.md §9 Open Question resolution): no
// per-mode RiskParameter override, since the mode itself already expresses
// the operator's risk appetite.
func modeMultiplier(mode domain.CycleMode) float64 {
	switch mode {
	case domain.ModeAggressive:
		return 1.5
	case domain.ModeConservative:
		return 0.5
	default:
		return 1.0
	}
}

// Coordinator owns order submission, mark-to-market, exit decisions, and
// emergency liquidation for one or more cycles' open positions.
type Coordinator struct {
	store  Store
	broker Broker
	cfg    Config
	log    zerolog.Logger

	mu          sync.Mutex // serializes order submission per cycle (spec §5)
	idGenerator func() string
}

// New builds a Position Coordinator. idGenerator produces new order/position
// IDs; callers should pass a UUID generator in production.
func New(store Store, broker Broker, idGenerator func() string, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		broker:      broker,
		cfg:         defaultConfig(cfg),
		log:         log.With().Str("component", "position_coordinator").Logger(),
		idGenerator: idGenerator,
	}
}

// SubmitSelections implements reducer.PositionSubmitter: it serializes order
// submission for one cycle's selected candidates so the open-positions <
// max_positions invariant stays exact (spec.md §5).
func (c *Coordinator) SubmitSelections(ctx context.Context, cycle *domain.TradingCycle, selections []reducer.Selection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	params, err := c.store.EffectiveRiskParameters(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, sel := range selections {
		if err := c.submitOne(ctx, cycle, sel, params); err != nil {
			c.log.Warn().Str("ticker", sel.Ticker).Err(err).Msg("order submission failed, dropping selection")
			_ = c.store.AppendRiskEvent(ctx, &domain.RiskEvent{
				Type: "order_submission_failed", Severity: domain.SeverityWarning,
				CycleID: &cycle.ID, Message: err.Error(),
				Data: map[string]any{"ticker": sel.Ticker}, CreatedAt: time.Now(),
			})
		}
	}
	return nil
}

func (c *Coordinator) submitOne(ctx context.Context, cycle *domain.TradingCycle, sel reducer.Selection, params map[string]*domain.RiskParameter) error {
	baseSize := valueOr(params, domain.ParamBasePositionSize, 1000)
	atrMultiplier := valueOr(params, domain.ParamATRMultiplier, 2.0)
	minRR := valueOr(params, domain.ParamMinRiskRewardRatio, 2.0)

	quantity := (baseSize * modeMultiplier(cycle.Mode) * cycle.RiskLevel) / sel.Price
	if quantity <= 0 {
		return fmt.Errorf("computed non-positive quantity for %s", sel.Ticker)
	}

	atr, err := c.fetchATR(ctx, sel.Ticker)
	if err != nil {
		return err
	}
	stopLoss := sel.Price - atr*atrMultiplier
	riskDistance := sel.Price - stopLoss
	takeProfit := sel.Price + riskDistance*minRR

	orderID := c.idGenerator()
	order := &domain.Order{
		ID: orderID, CycleID: cycle.ID, SecurityID: sel.SecurityID,
		Side: domain.SideBuy, Type: domain.OrderMarket, Quantity: quantity,
		TIF: domain.TIFDay, Status: domain.OrderPending,
	}
	if err := c.store.InsertOrder(ctx, order); err != nil {
		return err
	}

	fillPrice, fillQty, err := c.submitToBroker(ctx, order)
	if err != nil {
		_ = c.store.UpdateOrderStatus(ctx, orderID, domain.OrderRejected, nil, nil, nil)
		return err
	}

	if err := c.store.UpdateOrderStatus(ctx, orderID, domain.OrderFilled, &fillPrice, &fillQty, nil); err != nil {
		return err
	}

	positionID := c.idGenerator()
	pos := &domain.Position{
		ID: positionID, CycleID: cycle.ID, SecurityID: sel.SecurityID,
		Side: domain.PositionLong, Quantity: fillQty, EntryPrice: fillPrice,
		StopLoss: stopLoss, TakeProfit: takeProfit, Status: domain.PositionOpen,
		OpenedAt: time.Now(), EntryOrderID: orderID,
	}
	return c.store.OpenPosition(ctx, pos)
}

func (c *Coordinator) fetchATR(ctx context.Context, ticker string) (float64, error) {
	var resp struct {
		ATR float64 `json:"atr"`
	}
	err := c.broker.Call(ctx, domain.ServiceTechnical, http.MethodPost, "/api/v1/indicators/calculate",
		map[string]string{"symbol": ticker, "timeframe": "1d"}, &resp)
	return resp.ATR, err
}

// submitToBroker posts the order to the trading service. Broker failures on
// entry are not retried (spec.md §4.7 failure table).
func (c *Coordinator) submitToBroker(ctx context.Context, order *domain.Order) (fillPrice, fillQty float64, err error) {
	var resp struct {
		FillPrice    float64 `json:"fill_price"`
		FillQuantity float64 `json:"fill_quantity"`
		Status       string  `json:"status"`
	}
	if err := c.broker.Call(ctx, domain.ServiceTrading, http.MethodPost, "/api/v1/orders", order, &resp); err != nil {
		return 0, 0, engineerr.New(engineerr.BrokerFailure, "position.submitToBroker", err)
	}
	if resp.Status != "filled" {
		return 0, 0, engineerr.New(engineerr.BrokerFailure, "position.submitToBroker", fmt.Errorf("order not filled: status=%s", resp.Status))
	}
	return resp.FillPrice, resp.FillQuantity, nil
}

func valueOr(params map[string]*domain.RiskParameter, name string, fallback float64) float64 {
	if p, ok := params[name]; ok {
		return p.Value
	}
	return fallback
}

// RunMarkToMarket fetches live prices for every open position in the given
// cycle in one batched call and persists a single bulk update (spec.md
// §4.7).
func (c *Coordinator) RunMarkToMarket(ctx context.Context, cycleID string) error {
	positions, err := c.store.OpenPositionsForCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	prices, err := c.fetchLivePrices(ctx, positions)
	if err != nil {
		return err
	}

	updates := make([]domain.PositionMark, 0, len(positions))
	var toExit []*domain.Position
	for _, p := range positions {
		price, ok := prices[p.SecurityID]
		if !ok {
			continue
		}
		unrealized := (price - p.EntryPrice) * p.Quantity
		mfe := p.MFE
		if unrealized > mfe {
			mfe = unrealized
		}
		mae := p.MAE
		if unrealized < mae {
			mae = unrealized
		}
		updates = append(updates, domain.PositionMark{PositionID: p.ID, UnrealizedPnL: unrealized, MFE: mfe, MAE: mae})

		if crossesExit(p, price) {
			toExit = append(toExit, p)
		}
	}

	if err := c.store.BulkUpdateUnrealizedPnL(ctx, updates); err != nil {
		return err
	}

	for _, p := range toExit {
		if err := c.exitPosition(ctx, p, prices[p.SecurityID], "stop_loss_or_take_profit"); err != nil {
			c.log.Warn().Str("position", p.ID).Err(err).Msg("exit order failed")
		}
	}
	return nil
}

func crossesExit(p *domain.Position, price float64) bool {
	switch p.Side {
	case domain.PositionShort:
		return price <= p.TakeProfit || price >= p.StopLoss
	default:
		return price <= p.StopLoss || price >= p.TakeProfit
	}
}

func (c *Coordinator) fetchLivePrices(ctx context.Context, positions []*domain.Position) (map[domain.SecurityID]float64, error) {
	var resp struct {
		Prices map[string]float64 `json:"prices"`
	}
	ids := make([]domain.SecurityID, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, p.SecurityID)
	}
	if err := c.broker.Call(ctx, domain.ServiceTechnical, http.MethodPost, "/api/v1/prices/batch",
		map[string]any{"security_ids": ids}, &resp); err != nil {
		return nil, err
	}
	out := make(map[domain.SecurityID]float64, len(resp.Prices))
	for k, v := range resp.Prices {
		var id int64
		if _, err := fmt.Sscanf(k, "%d", &id); err == nil {
			out[domain.SecurityID(id)] = v
		}
	}
	return out, nil
}

func (c *Coordinator) exitPosition(ctx context.Context, p *domain.Position, price float64, reason string) error {
	orderID := c.idGenerator()
	order := &domain.Order{
		ID: orderID, CycleID: p.CycleID, SecurityID: p.SecurityID,
		Side: domain.SideSell, Type: domain.OrderMarket, Quantity: p.Quantity,
		TIF: domain.TIFDay, Status: domain.OrderPending, PositionID: &p.ID,
	}
	if err := c.store.InsertOrder(ctx, order); err != nil {
		return err
	}
	fillPrice, fillQty, err := c.submitToBroker(ctx, order)
	if err != nil {
		_ = c.store.UpdateOrderStatus(ctx, orderID, domain.OrderRejected, nil, nil, nil)
		return err
	}
	if err := c.store.UpdateOrderStatus(ctx, orderID, domain.OrderFilled, &fillPrice, &fillQty, &p.ID); err != nil {
		return err
	}
	realizedPnL := (fillPrice - p.EntryPrice) * fillQty
	return c.store.ClosePosition(ctx, p.ID, orderID, fillPrice, realizedPnL, reason, time.Now())
}

// RunEmergencyLiquidation submits market exits for every open position in a
// cycle, waits up to EmergencyExitDeadline, and records unfilled exits as
// emergency-severity risk events for manual intervention (spec.md §4.7).
func (c *Coordinator) RunEmergencyLiquidation(ctx context.Context, cycleID string) error {
	positions, err := c.store.OpenPositionsForCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	deadlineCtx, cancel := context.WithTimeout(context.Background(), c.cfg.EmergencyExitDeadline)
	defer cancel()

	prices, err := c.fetchLivePrices(deadlineCtx, positions)
	if err != nil {
		prices = map[domain.SecurityID]float64{}
	}

	for _, p := range positions {
		if err := c.liquidateWithRetry(deadlineCtx, p, prices[p.SecurityID]); err != nil {
			_ = c.store.AppendRiskEvent(ctx, &domain.RiskEvent{
				Type: "emergency_liquidation_failed", Severity: domain.SeverityEmergency,
				CycleID: &cycleID, SecurityID: &p.SecurityID, Message: err.Error(),
				Data: map[string]any{"position_id": p.ID}, CreatedAt: time.Now(),
			})
			continue
		}
		_ = c.store.AppendRiskEvent(ctx, &domain.RiskEvent{
			Type: "emergency_liquidation_exit", Severity: domain.SeverityInfo,
			CycleID: &cycleID, SecurityID: &p.SecurityID, Message: "position exited during emergency liquidation",
			Data: map[string]any{"position_id": p.ID}, CreatedAt: time.Now(),
		})
	}
	return nil
}

// liquidateWithRetry retries broker submission on the emergency-exit path up
// to BrokerRetries times (spec.md §4.7 failure table row 4).
func (c *Coordinator) liquidateWithRetry(ctx context.Context, p *domain.Position, price float64) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.BrokerRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.exitPosition(ctx, p, price, "emergency_liquidation"); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
