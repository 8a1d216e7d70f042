package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/bitget/rest"
	"bg-perp-connector/internal/exec"
	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/positions"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownOrder   = errors.New("unknown order")
	ErrBelowMinimum   = errors.New("order amount below minimum")
	ErrInvalidAmount  = errors.New("order amount must be positive")
	ErrActionRequired = errors.New("position action is required in hedge mode")
)

type OrderRequest struct {
	// ClientOrderID is generated when empty. Reusing one makes the request a no-op.
	ClientOrderID string
	TradingPair   string
	Side          orders.Side
	Type          orders.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	Action        orders.PositionAction
}

func NewClientOrderID() string {
	return "bgp-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PlaceOrder tracks the order and submits it. The returned id is the client order id.
func (c *Connector) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	symbol, err := c.symbols.ExchangeSymbol(req.TradingPair)
	if err != nil {
		return "", err
	}
	if req.Type == "" {
		req.Type = orders.OrderTypeLimit
	}
	amount, price := c.quantize(req.TradingPair, req.Amount, req.Price)
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	if rule, ok := c.symbols.Rule(req.TradingPair); ok && rule.MinOrderSize.IsPositive() && amount.LessThan(rule.MinOrderSize) {
		return "", fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, rule.MinOrderSize)
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = NewClientOrderID()
	}
	action := req.Action
	if action == "" {
		action = orders.ActionNil
	}
	if c.book.Mode() == positions.ModeHedge && action == orders.ActionNil {
		return "", ErrActionRequired
	}
	leverage := c.book.Leverage(req.TradingPair)
	if !c.tracker.StartTracking(orders.NewOrder{
		ClientOrderID: clientID,
		TradingPair:   req.TradingPair,
		Type:          req.Type,
		Side:          req.Side,
		Price:         price,
		Amount:        amount,
		Action:        action,
		Leverage:      leverage,
	}) {
		c.log.Debug("duplicate order submission ignored", zap.String("client_order_id", clientID))
		return clientID, nil
	}

	order := exec.Order{
		ClientOrderID: clientID,
		Symbol:        symbol,
		ProductType:   c.productType(req.TradingPair),
		MarginCoin:    c.ledger.CollateralFor(req.TradingPair),
		MarginMode:    bitget.MarginModeValue(c.book.MarginMode()),
		Side:          strings.ToLower(string(req.Side)),
		OrderType:     strings.ToLower(string(req.Type)),
		Size:          amount.String(),
		Force:         "gtc",
	}
	if req.Type == orders.OrderTypeLimit {
		order.Price = price.String()
	}
	if c.book.Mode() == positions.ModeHedge {
		if action == orders.ActionClose {
			order.Side = oppositeSide(order.Side)
		}
		order.TradeSide = strings.ToLower(string(action))
	}

	exchangeID, err := c.exec.PlaceOrder(ctx, order)
	if err != nil {
		if errors.Is(err, exec.ErrUnconfirmed) || rest.IsDuplicateOrder(err) {
			return clientID, c.resolvePlacement(ctx, req.TradingPair, clientID, err)
		}
		c.log.Warn("order submission failed",
			zap.String("client_order_id", clientID),
			zap.String("trading_pair", req.TradingPair),
			zap.Error(err),
		)
		c.tracker.Fail(clientID, err.Error())
		return clientID, err
	}
	c.metrics.OrdersSubmitted.Inc()
	c.tracker.ProcessOrderUpdate(orders.OrderUpdate{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     req.TradingPair,
		State:           orders.StateOpen,
		Time:            c.now(),
	})
	return clientID, nil
}

// resolvePlacement handles a submit whose outcome is unknown. The order stays PENDING_CREATE and is
// looked up by client order id now and on every poll until the venue reports it or it is declared lost.
func (c *Connector) resolvePlacement(ctx context.Context, pair, clientOrderID string, cause error) error {
	c.log.Warn("order submission unconfirmed",
		zap.String("client_order_id", clientOrderID),
		zap.String("trading_pair", pair),
		zap.Error(cause),
	)
	c.mu.Lock()
	c.unconfirmed[clientOrderID] = struct{}{}
	c.mu.Unlock()
	if !errors.Is(cause, exec.ErrUnconfirmed) {
		cause = fmt.Errorf("%w: %w", exec.ErrUnconfirmed, cause)
	}
	detail, err := c.orderDetail(ctx, pair, clientOrderID, "")
	switch {
	case rest.IsOrderNotFound(err) || (err == nil && len(detail) == 0):
		return cause
	case err != nil:
		c.log.Warn("placement lookup failed", zap.String("client_order_id", clientOrderID), zap.Error(err))
		return cause
	}
	state, err := c.statuses.Lookup(bitget.StringFromMap(detail, "state", "status"))
	if err != nil {
		c.log.Warn("unmapped order status", zap.String("client_order_id", clientOrderID), zap.Error(err))
		return cause
	}
	c.metrics.OrdersSubmitted.Inc()
	c.tracker.ProcessOrderUpdate(orders.OrderUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: bitget.StringFromMap(detail, "orderId"),
		TradingPair:     pair,
		State:           state,
		Time:            c.now(),
	})
	c.settlePlacement(ctx, clientOrderID)
	return nil
}

// settlePlacement stops rechecking an unconfirmed placement once it is bound to a venue id or terminal.
func (c *Connector) settlePlacement(ctx context.Context, clientOrderID string) {
	order, ok := c.tracker.Get(clientOrderID)
	if ok && !order.State.IsTerminal() && order.ExchangeOrderID == "" {
		return
	}
	if ok && !order.State.IsTerminal() {
		if symbol, err := c.symbols.ExchangeSymbol(order.TradingPair); err == nil {
			c.exec.Confirm(ctx, clientOrderID, order.ExchangeOrderID, symbol)
		}
	}
	c.mu.Lock()
	delete(c.unconfirmed, clientOrderID)
	c.mu.Unlock()
}

func (c *Connector) unconfirmedOrders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.unconfirmed))
	for id := range c.unconfirmed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelOrder requests a cancel. The order stays PENDING_CANCEL until the venue reports it canceled.
func (c *Connector) CancelOrder(ctx context.Context, clientOrderID string) error {
	order, ok := c.tracker.Get(clientOrderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientOrderID)
	}
	if order.State.IsTerminal() {
		return nil
	}
	symbol, err := c.symbols.ExchangeSymbol(order.TradingPair)
	if err != nil {
		return err
	}
	err = c.exec.CancelOrder(ctx, exec.CancelRequest{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Symbol:          symbol,
		ProductType:     c.productType(order.TradingPair),
		MarginCoin:      c.ledger.CollateralFor(order.TradingPair),
	})
	if err != nil {
		if rest.IsOrderNotFound(err) {
			c.tracker.ProcessOrderNotFound(clientOrderID)
			return nil
		}
		return err
	}
	c.tracker.ProcessOrderUpdate(orders.OrderUpdate{
		ClientOrderID: clientOrderID,
		TradingPair:   order.TradingPair,
		State:         orders.StatePendingCancel,
		Time:          c.now(),
	})
	return nil
}

func (c *Connector) quantize(pair string, amount, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	rule, ok := c.symbols.Rule(pair)
	if !ok {
		return amount, price
	}
	if rule.MinBaseIncrement.IsPositive() {
		amount = amount.Div(rule.MinBaseIncrement).Floor().Mul(rule.MinBaseIncrement)
	}
	if rule.MinPriceIncrement.IsPositive() && price.IsPositive() {
		price = price.Div(rule.MinPriceIncrement).Round(0).Mul(rule.MinPriceIncrement)
	}
	return amount, price
}

func oppositeSide(side string) string {
	if side == "buy" {
		return "sell"
	}
	return "buy"
}

// OrderAPI sends placement and cancel requests for the executor.
type OrderAPI struct {
	rest RESTClient
}

func NewOrderAPI(client RESTClient) *OrderAPI {
	return &OrderAPI{rest: client}
}

func (a *OrderAPI) PlaceOrder(ctx context.Context, order exec.Order) (string, error) {
	body := map[string]any{
		"marginCoin":  order.MarginCoin,
		"symbol":      order.Symbol,
		"productType": order.ProductType,
		"size":        order.Size,
		"force":       order.Force,
		"clientOid":   order.ClientOrderID,
		"side":        order.Side,
		"marginMode":  order.MarginMode,
		"orderType":   order.OrderType,
	}
	if order.Price != "" {
		body["price"] = order.Price
	}
	if order.TradeSide != "" {
		body["tradeSide"] = order.TradeSide
	}
	if order.ReduceOnly {
		body["reduceOnly"] = "YES"
	}
	data, err := a.rest.Post(ctx, bitget.PathPlaceOrder, body, true)
	if err != nil {
		return "", err
	}
	m, _ := bitget.ToMap(data)
	orderID := bitget.StringFromMap(m, "orderId")
	if orderID == "" {
		return "", fmt.Errorf("place order %s: missing order id", order.ClientOrderID)
	}
	return orderID, nil
}

// LookupOrder asks the venue for a placement by client order id.
func (a *OrderAPI) LookupOrder(ctx context.Context, order exec.Order) (string, bool, error) {
	data, err := a.rest.Get(ctx, bitget.PathOrderDetail, url.Values{
		"symbol":      {order.Symbol},
		"productType": {order.ProductType},
		"clientOid":   {order.ClientOrderID},
	}, true)
	if rest.IsOrderNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	m, _ := bitget.ToMap(data)
	orderID := bitget.StringFromMap(m, "orderId")
	return orderID, orderID != "", nil
}

func (a *OrderAPI) CancelOrder(ctx context.Context, req exec.CancelRequest) error {
	body := map[string]any{
		"symbol":      req.Symbol,
		"productType": req.ProductType,
		"marginCoin":  req.MarginCoin,
	}
	if req.ExchangeOrderID != "" {
		body["orderId"] = req.ExchangeOrderID
	} else {
		body["clientOid"] = req.ClientOrderID
	}
	_, err := a.rest.Post(ctx, bitget.PathCancelOrder, body, true)
	return err
}
