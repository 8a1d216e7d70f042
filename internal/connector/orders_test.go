package connector

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"bg-perp-connector/internal/bitget/rest"
	"bg-perp-connector/internal/exec"
	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/positions"
)

func placeBuy(t *testing.T, h *harness, clientID string) string {
	t.Helper()
	id, err := h.c.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: clientID,
		TradingPair:   "BTC-USDT",
		Side:          orders.SideBuy,
		Type:          orders.OrderTypeLimit,
		Amount:        dec("1.0"),
		Price:         dec("10000"),
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return id
}

func withLeverage(t *testing.T, h *harness, leverage int) {
	t.Helper()
	if ok, reason := h.c.SetLeverage(context.Background(), "BTC-USDT", leverage); !ok {
		t.Fatalf("set leverage: %s", reason)
	}
}

func TestPlaceOrderReservesMarginThenFillsOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	withLeverage(t, h, 10)
	id := placeBuy(t, h, "O1")

	order, ok := h.c.Order(id)
	if !ok || order.State != orders.StateOpen || order.ExchangeOrderID != "E1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if got := h.c.AvailableBalance("USDT"); got != "9000" {
		t.Fatalf("expected 9000 available after open, got %s", got)
	}
	body := h.rest.callsTo("/api/v2/mix/order/place-order")[0].body
	if body["side"] != "buy" || body["orderType"] != "limit" || body["size"] != "1" || body["price"] != "10000" ||
		body["clientOid"] != "O1" || body["marginCoin"] != "USDT" || body["marginMode"] != "crossed" || body["force"] != "gtc" {
		t.Fatalf("unexpected place body %v", body)
	}
	if _, ok := body["tradeSide"]; ok {
		t.Fatalf("one-way orders carry no tradeSide")
	}

	h.c.handlePrivate([]byte(`{"action":"snapshot","arg":{"instType":"USDT-FUTURES","channel":"orders","instId":"default"},"data":[
		{"instId":"BTCUSDT","orderId":"E1","clientOid":"O1","tradeId":"T1","fillPrice":"10000","baseVolume":"1.0",
		 "fillFee":"-6","fillFeeCoin":"USDT","tradeSide":"open","status":"filled","fillTime":"1700000001000"}]}`))

	order, ok = h.c.Order(id)
	if !ok || order.State != orders.StateFilled || !order.ExecutedBase.Equal(dec("1.0")) {
		t.Fatalf("expected filled order, got %+v", order)
	}
	if len(h.c.Orders()) != 0 {
		t.Fatalf("filled order should leave the tracked set")
	}

	h.rest.onGet("/api/v2/mix/order/fills", func(url.Values) (any, error) {
		return map[string]any{"fillList": []any{map[string]any{
			"tradeId": "T1", "orderId": "E1", "price": "10000", "baseVolume": "1.0", "cTime": "1700000001000",
			"tradeSide": "open", "feeDetail": []any{map[string]any{"deduction": "no", "feeCoin": "USDT", "totalFee": "-6"}},
		}}}, nil
	})
	if err := h.c.fetchFills(context.Background(), order); err != nil {
		t.Fatalf("fetch fills: %v", err)
	}
	order, _ = h.c.Order(id)
	if !order.ExecutedBase.Equal(dec("1.0")) || !order.Fees["USDT"].Equal(dec("6")) {
		t.Fatalf("duplicate fill applied: %+v", order)
	}
	if got := h.c.AvailableBalance("USDT"); got != "9000" {
		t.Fatalf("filled order keeps its margin, got %s", got)
	}
}

func TestCancelReleasesReservedMargin(t *testing.T) {
	h := newHarness(t, nil, nil)
	withLeverage(t, h, 10)
	id := placeBuy(t, h, "")

	if err := h.c.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	order, _ := h.c.Order(id)
	if order.State != orders.StatePendingCancel {
		t.Fatalf("expected pending cancel, got %s", order.State)
	}
	cancelBody := h.rest.callsTo("/api/v2/mix/order/cancel-order")[0].body
	if cancelBody["orderId"] != "E1" || cancelBody["symbol"] != "BTCUSDT" {
		t.Fatalf("unexpected cancel body %v", cancelBody)
	}
	if got := h.c.AvailableBalance("USDT"); got != "9000" {
		t.Fatalf("margin stays reserved until canceled, got %s", got)
	}

	h.c.handlePrivate([]byte(`{"arg":{"instType":"USDT-FUTURES","channel":"orders","instId":"default"},"data":[
		{"instId":"BTCUSDT","orderId":"E1","clientOid":"` + id + `","status":"canceled"}]}`))
	order, _ = h.c.Order(id)
	if order.State != orders.StateCanceled {
		t.Fatalf("expected canceled, got %s", order.State)
	}
	if got := h.c.AvailableBalance("USDT"); got != "10000" {
		t.Fatalf("expected margin released, got %s", got)
	}
}

func TestDuplicateClientOrderIDSubmitsOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	placeBuy(t, h, "O2")
	placeBuy(t, h, "O2")
	if got := len(h.rest.callsTo("/api/v2/mix/order/place-order")); got != 1 {
		t.Fatalf("expected one submission, got %d", got)
	}
	if got := len(h.c.Orders()); got != 1 {
		t.Fatalf("expected one tracked order, got %d", got)
	}
}

func TestRejectedPlacementFailsOrder(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rest.onPost("/api/v2/mix/order/place-order", func(map[string]any) (any, error) {
		return nil, &rest.APIError{HTTPStatus: 400, Code: "40762", Msg: "The order amount exceeds the balance"}
	})
	id, err := h.c.PlaceOrder(context.Background(), OrderRequest{
		TradingPair: "BTC-USDT", Side: orders.SideBuy, Amount: dec("1"), Price: dec("10000"),
	})
	var apiErr *rest.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	order, ok := h.c.Order(id)
	if !ok || order.State != orders.StateFailed || order.FailureReason == "" {
		t.Fatalf("expected failed order, got %+v", order)
	}
	if got := h.c.AvailableBalance("USDT"); got != "10000" {
		t.Fatalf("rejected order must not reserve margin, got %s", got)
	}
}

func TestPlaceOrderValidatesAmount(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.c.PlaceOrder(context.Background(), OrderRequest{
		TradingPair: "BTC-USDT", Side: orders.SideBuy, Amount: dec("0.0004"), Price: dec("10000"),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected amount rounded to zero rejected, got %v", err)
	}
	if _, err := h.c.PlaceOrder(context.Background(), OrderRequest{TradingPair: "ETH-USDT", Amount: dec("1")}); err == nil {
		t.Fatalf("expected unknown pair rejected")
	}
}

func TestHedgeCloseFlipsSide(t *testing.T) {
	h := newHarness(t, nil, nil)
	if ok, reason := h.c.SetPositionMode(context.Background(), positions.ModeHedge); !ok {
		t.Fatalf("set mode: %s", reason)
	}
	_, err := h.c.PlaceOrder(context.Background(), OrderRequest{
		TradingPair: "BTC-USDT",
		Side:        orders.SideSell,
		Type:        orders.OrderTypeMarket,
		Amount:      dec("0.5"),
		Action:      orders.ActionClose,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	body := h.rest.callsTo("/api/v2/mix/order/place-order")[0].body
	if body["side"] != "buy" || body["tradeSide"] != "close" || body["orderType"] != "market" {
		t.Fatalf("unexpected hedge close body %v", body)
	}
	if _, ok := body["price"]; ok {
		t.Fatalf("market orders carry no price")
	}
	if got := h.c.AvailableBalance("USDT"); got != "10000" {
		t.Fatalf("closing orders reserve nothing, got %s", got)
	}
}

func TestCancelNotFoundCountsTowardLost(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := placeBuy(t, h, "O3")
	h.rest.onPost("/api/v2/mix/order/cancel-order", func(map[string]any) (any, error) {
		return nil, &rest.APIError{HTTPStatus: 400, Code: "40768", Msg: "Order does not exist"}
	})
	for i := 0; i < 3; i++ {
		if err := h.c.CancelOrder(context.Background(), id); err != nil && i < 2 {
			t.Fatalf("cancel %d: %v", i, err)
		}
	}
	order, _ := h.c.Order(id)
	if order.State != orders.StateFailed || order.FailureReason != orders.ReasonLost {
		t.Fatalf("expected lost order, got %+v", order)
	}
}

func TestUnconfirmedPlacementResolvedByClientOrderID(t *testing.T) {
	venue := newFakeREST()
	posts := 0
	venue.onPost("/api/v2/mix/order/place-order", func(map[string]any) (any, error) {
		posts++
		if posts == 1 {
			return nil, errors.New("read tcp: connection reset by peer")
		}
		return nil, &rest.APIError{HTTPStatus: 400, Code: "40786", Msg: "Duplicate clientOid"}
	})
	lookups := 0
	venue.onGet("/api/v2/mix/order/detail", func(p url.Values) (any, error) {
		if p.Get("clientOid") != "O1" || p.Get("orderId") != "" {
			t.Errorf("expected lookup by client order id, got %v", p)
		}
		lookups++
		if lookups == 1 {
			return map[string]any{}, nil
		}
		return map[string]any{"orderId": "E1", "clientOid": "O1", "state": "live", "baseVolume": "0"}, nil
	})
	store := newMemoryStore()
	h := newHarnessWith(t, venue, store, exec.Options{
		MaxTries:       3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Retryable:      rest.IsRetryable,
		Unconfirmed:    rest.IsUnconfirmed,
	})
	withLeverage(t, h, 10)

	id := placeBuy(t, h, "O1")
	if posts != 2 || lookups != 2 {
		t.Fatalf("expected two submits and two lookups, got %d and %d", posts, lookups)
	}
	order, ok := h.c.Order(id)
	if !ok || order.State != orders.StateOpen || order.ExchangeOrderID != "E1" {
		t.Fatalf("duplicate after an unclear submit must not fail the order, got %+v", order)
	}
	if got := h.c.AvailableBalance("USDT"); got != "9000" {
		t.Fatalf("expected margin reserved once the venue confirmed, got %s", got)
	}
	if _, ok := store.data["cloid:O1"]; !ok {
		t.Fatalf("expected resolved placement persisted")
	}

	h.c.handlePrivate([]byte(`{"action":"snapshot","arg":{"instType":"USDT-FUTURES","channel":"orders","instId":"default"},"data":[
		{"instId":"BTCUSDT","orderId":"E1","clientOid":"O1","tradeId":"T1","fillPrice":"10000","baseVolume":"1.0",
		 "fillFee":"-6","fillFeeCoin":"USDT","tradeSide":"open","status":"filled","fillTime":"1700000001000"}]}`))
	order, _ = h.c.Order(id)
	if order.State != orders.StateFilled || !order.ExecutedBase.Equal(dec("1.0")) {
		t.Fatalf("expected fill applied to the resolved order, got %+v", order)
	}
}

func TestUnconfirmedPlacementRecheckedOnPoll(t *testing.T) {
	venue := newFakeREST()
	venue.onPost("/api/v2/mix/order/place-order", func(map[string]any) (any, error) {
		return nil, errors.New("context deadline exceeded")
	})
	h := newHarnessWith(t, venue, nil, exec.Options{MaxTries: 1, Unconfirmed: rest.IsUnconfirmed})

	id, err := h.c.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "O1",
		TradingPair:   "BTC-USDT",
		Side:          orders.SideBuy,
		Amount:        dec("1"),
		Price:         dec("10000"),
	})
	if !errors.Is(err, exec.ErrUnconfirmed) {
		t.Fatalf("expected unconfirmed error, got %v", err)
	}
	order, ok := h.c.Order(id)
	if !ok || order.State != orders.StatePendingCreate {
		t.Fatalf("expected order kept pending create, got %+v", order)
	}

	venue.onGet("/api/v2/mix/order/detail", func(p url.Values) (any, error) {
		if p.Get("clientOid") != "O1" {
			t.Errorf("expected lookup by client order id, got %v", p)
		}
		return map[string]any{"orderId": "E7", "clientOid": "O1", "state": "live", "baseVolume": "0"}, nil
	})
	if err := h.c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	order, _ = h.c.Order(id)
	if order.State != orders.StateOpen || order.ExchangeOrderID != "E7" {
		t.Fatalf("expected poll to bind the venue order, got %+v", order)
	}
	if got := len(h.c.unconfirmedOrders()); got != 0 {
		t.Fatalf("expected placement settled, %d still unconfirmed", got)
	}
}

func TestUnconfirmedPlacementLostWhenVenueNeverReportsIt(t *testing.T) {
	venue := newFakeREST()
	venue.onPost("/api/v2/mix/order/place-order", func(map[string]any) (any, error) {
		return nil, &rest.APIError{HTTPStatus: 503, Msg: "service unavailable"}
	})
	h := newHarnessWith(t, venue, nil, exec.Options{MaxTries: 1, Unconfirmed: rest.IsUnconfirmed})
	if _, err := h.c.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "O1", TradingPair: "BTC-USDT", Side: orders.SideBuy, Amount: dec("1"), Price: dec("10000"),
	}); !errors.Is(err, exec.ErrUnconfirmed) {
		t.Fatalf("expected unconfirmed error, got %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = h.c.Poll(context.Background())
	}
	order, _ := h.c.Order("O1")
	if order.State != orders.StateFailed || order.FailureReason != orders.ReasonLost {
		t.Fatalf("expected lost order after repeated not found, got %+v", order)
	}
	if got := len(h.c.unconfirmedOrders()); got != 0 {
		t.Fatalf("expected lost placement dropped, %d still unconfirmed", got)
	}
}

func TestHedgeModeRequiresPositionAction(t *testing.T) {
	h := newHarness(t, nil, nil)
	if ok, reason := h.c.SetPositionMode(context.Background(), positions.ModeHedge); !ok {
		t.Fatalf("set mode: %s", reason)
	}
	_, err := h.c.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "O9",
		TradingPair:   "BTC-USDT",
		Side:          orders.SideBuy,
		Amount:        dec("1"),
		Price:         dec("10000"),
	})
	if !errors.Is(err, ErrActionRequired) {
		t.Fatalf("expected action required, got %v", err)
	}
	if _, ok := h.c.Order("O9"); ok {
		t.Fatalf("rejected order must not be tracked")
	}
	if got := len(h.rest.callsTo("/api/v2/mix/order/place-order")); got != 0 {
		t.Fatalf("expected nothing submitted, got %d", got)
	}
}
