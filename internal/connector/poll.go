package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/bitget/rest"
	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/positions"

	"go.uber.org/zap"
)

func (c *Connector) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("poll cycle incomplete", zap.Error(err))
			}
		}
	}
}

// Poll runs one reconciliation cycle: balances, positions, then every tracked order.
// Orders whose fills could not be fetched stay awaiting fills until a later cycle succeeds.
func (c *Connector) Poll(ctx context.Context) error {
	err := errors.Join(
		c.pollBalances(ctx),
		c.pollPositions(ctx),
		c.pollOrders(ctx),
	)
	c.mu.Lock()
	c.lastPoll = c.now()
	c.lastPollErr = err
	c.mu.Unlock()
	return err
}

func (c *Connector) pollBalances(ctx context.Context) error {
	var entries []map[string]any
	for _, productType := range c.productTypes() {
		data, err := c.rest.Get(ctx, bitget.PathAccounts, url.Values{"productType": {productType}}, true)
		if err != nil {
			return fmt.Errorf("accounts %s: %w", productType, err)
		}
		entries = append(entries, bitget.Maps(data)...)
	}
	c.ledger.ReplaceAll(parseAccounts(entries))
	return nil
}

func (c *Connector) pollPositions(ctx context.Context) error {
	var errs []error
	for _, productType := range c.productTypes() {
		data, err := c.rest.Get(ctx, bitget.PathAllPositions, url.Values{"productType": {productType}}, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("positions %s: %w", productType, err))
			continue
		}
		c.applyPositionSnapshot(productType, bitget.Maps(data))
	}
	return errors.Join(errs...)
}

func (c *Connector) applyPositionSnapshot(productType string, entries []map[string]any) {
	snapshot := make([]positions.Position, 0, len(entries))
	for _, entry := range entries {
		p, err := parsePosition(entry, c.symbols)
		if err != nil {
			c.log.Debug("skipping position entry", zap.String("product_type", productType), zap.Error(err))
			continue
		}
		snapshot = append(snapshot, p)
	}
	for range c.book.ApplySnapshot(productType, snapshot) {
		c.metrics.PositionsRemoved.Inc()
	}
}

func (c *Connector) pollOrders(ctx context.Context) error {
	var errs []error
	for _, order := range c.tracker.Updatable() {
		if err := c.refreshOrder(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", order.ClientOrderID, err))
		}
	}
	for _, id := range c.unconfirmedOrders() {
		order, ok := c.tracker.Get(id)
		if ok && !order.State.IsTerminal() && order.ExchangeOrderID == "" {
			if err := c.refreshOrder(ctx, order); err != nil {
				errs = append(errs, fmt.Errorf("unconfirmed order %s: %w", id, err))
				continue
			}
		}
		c.settlePlacement(ctx, id)
	}
	for _, order := range c.tracker.AwaitingFills() {
		if err := c.fetchFills(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("fills %s: %w", order.ClientOrderID, err))
			continue
		}
		// the venue has no more fills to give
		if c.tracker.FinalizeFills(order.ClientOrderID) {
			c.log.Warn("order completed with unobserved fills", zap.String("client_order_id", order.ClientOrderID))
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) refreshOrder(ctx context.Context, order orders.Order) error {
	detail, err := c.orderDetail(ctx, order.TradingPair, order.ClientOrderID, order.ExchangeOrderID)
	switch {
	case rest.IsOrderNotFound(err) || (err == nil && len(detail) == 0):
		c.tracker.ProcessOrderNotFound(order.ClientOrderID)
		return nil
	case rest.IsTimestampError(err):
		c.log.Debug("order status skipped until clock resync", zap.String("client_order_id", order.ClientOrderID))
		return nil
	case err != nil:
		return err
	}
	state, err := c.statuses.Lookup(bitget.StringFromMap(detail, "state", "status"))
	if err != nil {
		c.log.Warn("unmapped order status", zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
		return nil
	}
	executed := bitget.DecimalFromMap(detail, "baseVolume")
	if executed.GreaterThan(order.ExecutedBase) || state == orders.StateFilled {
		if err := c.fetchFills(ctx, withExchangeID(order, bitget.StringFromMap(detail, "orderId"))); err != nil {
			c.log.Warn("order fills fetch failed", zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
		}
	}
	c.tracker.ProcessOrderUpdate(orders.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: bitget.StringFromMap(detail, "orderId"),
		TradingPair:     order.TradingPair,
		State:           state,
		Time:            bitget.TimeFromMillis(detail, "uTime"),
	})
	return nil
}

func (c *Connector) orderDetail(ctx context.Context, pair, clientOrderID, exchangeOrderID string) (map[string]any, error) {
	symbol, err := c.symbols.ExchangeSymbol(pair)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"symbol":      {symbol},
		"productType": {c.productType(pair)},
	}
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	} else {
		params.Set("clientOid", clientOrderID)
	}
	data, err := c.rest.Get(ctx, bitget.PathOrderDetail, params, true)
	if err != nil {
		return nil, err
	}
	m, _ := bitget.ToMap(data)
	return m, nil
}

func (c *Connector) fetchFills(ctx context.Context, order orders.Order) error {
	if order.ExchangeOrderID == "" {
		return nil
	}
	symbol, err := c.symbols.ExchangeSymbol(order.TradingPair)
	if err != nil {
		return err
	}
	data, err := c.rest.Get(ctx, bitget.PathOrderFills, url.Values{
		"orderId":     {order.ExchangeOrderID},
		"symbol":      {symbol},
		"productType": {c.productType(order.TradingPair)},
	}, true)
	if err != nil {
		return err
	}
	m, _ := bitget.ToMap(data)
	for _, fill := range bitget.Maps(m["fillList"]) {
		trade, err := tradeFromFill(fill, order.TradingPair, order.ClientOrderID)
		if err != nil {
			c.log.Warn("skipping malformed fill", zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
			continue
		}
		c.applyTrade(trade)
	}
	return nil
}

func (c *Connector) applyTrade(trade orders.TradeUpdate) {
	if !c.tracker.ProcessTradeUpdate(trade) {
		c.metrics.FillsDuplicate.Inc()
	}
}

// restorePending re-tracks orders a previous run placed but never saw terminal.
func (c *Connector) restorePending(ctx context.Context) error {
	placements, err := c.exec.Pending(ctx)
	if err != nil {
		return err
	}
	for _, p := range placements {
		pair, err := c.symbols.TradingPair(p.Symbol)
		if err != nil {
			c.exec.Forget(ctx, p.ClientOrderID)
			continue
		}
		detail, err := c.orderDetail(ctx, pair, p.ClientOrderID, p.ExchangeOrderID)
		if rest.IsOrderNotFound(err) || (err == nil && len(detail) == 0) {
			c.exec.Forget(ctx, p.ClientOrderID)
			continue
		}
		if err != nil {
			c.log.Warn("pending order lookup failed", zap.String("client_order_id", p.ClientOrderID), zap.Error(err))
			continue
		}
		state, err := c.statuses.Lookup(bitget.StringFromMap(detail, "state", "status"))
		if err != nil || state.IsTerminal() {
			c.exec.Forget(ctx, p.ClientOrderID)
			continue
		}
		c.tracker.StartTracking(orders.NewOrder{
			ClientOrderID: p.ClientOrderID,
			TradingPair:   pair,
			Type:          orders.OrderType(strings.ToUpper(bitget.StringFromMap(detail, "orderType"))),
			Side:          orders.Side(strings.ToUpper(bitget.StringFromMap(detail, "side"))),
			Price:         bitget.DecimalFromMap(detail, "price"),
			Amount:        bitget.DecimalFromMap(detail, "size"),
			Action:        positionAction(bitget.StringFromMap(detail, "tradeSide")),
			Leverage:      bitget.IntFromMap(detail, 0, "leverage"),
			CreatedAt:     time.UnixMilli(p.PlacedAtMS),
		})
		c.tracker.ProcessOrderUpdate(orders.OrderUpdate{
			ClientOrderID:   p.ClientOrderID,
			ExchangeOrderID: p.ExchangeOrderID,
			TradingPair:     pair,
			State:           state,
		})
		c.log.Info("restored pending order", zap.String("client_order_id", p.ClientOrderID), zap.String("state", state.String()))
	}
	return nil
}

func withExchangeID(order orders.Order, exchangeOrderID string) orders.Order {
	if order.ExchangeOrderID == "" {
		order.ExchangeOrderID = exchangeOrderID
	}
	return order
}
