package connector

import (
	"context"
	"net/url"
	"testing"

	"bg-perp-connector/internal/bitget/rest"
	"bg-perp-connector/internal/exec"
	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/positions"

	"go.uber.org/zap"
)

func TestPollCompletesOrderFromDetailAndFills(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := placeBuy(t, h, "O1")
	h.rest.onGet("/api/v2/mix/order/detail", func(p url.Values) (any, error) {
		if p.Get("orderId") != "E1" {
			t.Errorf("expected lookup by exchange id, got %v", p)
		}
		return map[string]any{"orderId": "E1", "clientOid": "O1", "state": "filled", "baseVolume": "1"}, nil
	})
	h.rest.onGet("/api/v2/mix/order/fills", func(url.Values) (any, error) {
		return map[string]any{"fillList": []any{map[string]any{
			"tradeId": "T9", "orderId": "E1", "price": "10000", "baseVolume": "1", "cTime": "1700000001000",
			"tradeSide": "open", "feeDetail": []any{map[string]any{"deduction": "no", "feeCoin": "USDT", "totalFee": "-6"}},
		}}}, nil
	})
	if err := h.c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	order, _ := h.c.Order(id)
	if order.State != orders.StateFilled || !order.ExecutedBase.Equal(dec("1")) || !order.Fees["USDT"].Equal(dec("6")) {
		t.Fatalf("unexpected order after poll %+v", order)
	}
}

func TestPollFinalizesFilledOrderWithoutFills(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := placeBuy(t, h, "O1")
	h.rest.onGet("/api/v2/mix/order/detail", func(url.Values) (any, error) {
		return map[string]any{"orderId": "E1", "state": "filled", "baseVolume": "1"}, nil
	})
	h.rest.onGet("/api/v2/mix/order/fills", func(url.Values) (any, error) {
		return map[string]any{"fillList": []any{}}, nil
	})
	if err := h.c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(h.c.Orders()) != 0 {
		t.Fatalf("expected order finalized")
	}
	order, _ := h.c.Order(id)
	if order.State != orders.StateFilled {
		t.Fatalf("expected filled, got %s", order.State)
	}
}

func TestPollNotFoundMarksOrderLostAtLimit(t *testing.T) {
	h := newHarness(t, nil, nil)
	withLeverage(t, h, 10)
	id := placeBuy(t, h, "O1")
	h.rest.onGet("/api/v2/mix/order/detail", func(url.Values) (any, error) {
		return nil, &rest.APIError{HTTPStatus: 400, Code: "40768", Msg: "Order does not exist"}
	})
	for i := 1; i <= 2; i++ {
		_ = h.c.Poll(context.Background())
		if order, _ := h.c.Order(id); order.State != orders.StateOpen {
			t.Fatalf("poll %d: expected still open, got %s", i, order.State)
		}
	}
	h.rest.onGet("/api/v2/mix/account/accounts", func(url.Values) (any, error) { return accounts("10000", "9000"), nil })
	_ = h.c.Poll(context.Background())
	order, _ := h.c.Order(id)
	if order.State != orders.StateFailed || order.FailureReason != orders.ReasonLost {
		t.Fatalf("expected lost order, got %+v", order)
	}
	if got := h.c.AvailableBalance("USDT"); got != "10000" {
		t.Fatalf("expected lost order margin released, got %s", got)
	}
}

func TestPollTimestampErrorKeepsState(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := placeBuy(t, h, "O1")
	h.rest.onGet("/api/v2/mix/order/detail", func(url.Values) (any, error) {
		return nil, &rest.APIError{HTTPStatus: 400, Code: "40008", Msg: "Request timestamp expired"}
	})
	for i := 0; i < 5; i++ {
		if err := h.c.Poll(context.Background()); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if order, _ := h.c.Order(id); order.State != orders.StateOpen {
		t.Fatalf("timestamp errors must not count as not found, got %s", order.State)
	}
}

func TestPollKeepsOrderAwaitingFillsUntilFillsFetched(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := placeBuy(t, h, "O1")
	h.rest.onGet("/api/v2/mix/order/detail", func(url.Values) (any, error) {
		return map[string]any{"orderId": "E1", "state": "filled", "baseVolume": "1"}, nil
	})
	h.rest.onGet("/api/v2/mix/order/fills", func(url.Values) (any, error) {
		return nil, &rest.APIError{HTTPStatus: 400, Code: "40008", Msg: "Request timestamp expired"}
	})
	for i := 0; i < 3; i++ {
		if err := h.c.Poll(context.Background()); err == nil {
			t.Fatalf("poll %d: expected fills error reported", i)
		}
		if got := len(h.c.Orders()); got != 1 {
			t.Fatalf("poll %d: order must stay tracked until its fills are fetched, got %d", i, got)
		}
	}

	h.rest.onGet("/api/v2/mix/order/fills", func(url.Values) (any, error) {
		return map[string]any{"fillList": []any{map[string]any{
			"tradeId": "T9", "orderId": "E1", "price": "10000", "baseVolume": "1", "cTime": "1700000001000",
			"tradeSide": "open", "feeDetail": []any{map[string]any{"deduction": "no", "feeCoin": "USDT", "totalFee": "-6"}},
		}}}, nil
	})
	if err := h.c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	order, _ := h.c.Order(id)
	if len(h.c.Orders()) != 0 || !order.ExecutedBase.Equal(dec("1")) || !order.Fees["USDT"].Equal(dec("6")) {
		t.Fatalf("expected order completed with its fill, got %+v", order)
	}
}

func TestPollRecordsErrorInStatus(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rest.onGet("/api/v2/mix/account/accounts", func(url.Values) (any, error) {
		return nil, &rest.APIError{HTTPStatus: 502, Msg: "bad gateway"}
	})
	if err := h.c.Poll(context.Background()); err == nil {
		t.Fatalf("expected poll error")
	}
	if h.c.Status().LastPollError == "" {
		t.Fatalf("expected error in status")
	}
	if got := h.c.AvailableBalance("USDT"); got != "10000" {
		t.Fatalf("failed poll must keep previous balances, got %s", got)
	}
}

func TestPollPositionsSnapshotRemovesClosed(t *testing.T) {
	rest := newFakeREST()
	rest.onGet("/api/v2/mix/position/all-position", func(url.Values) (any, error) { return longPosition("2"), nil })
	h := newHarness(t, rest, nil)
	if got := h.c.Positions(); len(got) != 1 || got[0].Side != positions.SideLong {
		t.Fatalf("expected long position, got %+v", got)
	}
	rest.onGet("/api/v2/mix/position/all-position", func(url.Values) (any, error) { return []any{}, nil })
	if err := h.c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := h.c.Positions(); len(got) != 0 {
		t.Fatalf("expected position removed, got %+v", got)
	}
}

func TestStartRestoresPersistedOrders(t *testing.T) {
	store := newMemoryStore()
	first := newHarness(t, nil, store)
	id := placeBuy(t, first, "O7")

	rest := newFakeREST()
	rest.onGet("/api/v2/mix/order/detail", func(p url.Values) (any, error) {
		return map[string]any{
			"orderId": "E1", "clientOid": id, "state": "live", "side": "buy", "orderType": "limit",
			"price": "10000", "size": "1", "leverage": "5", "tradeSide": "open",
		}, nil
	})
	second := newHarness(t, rest, store)
	order, ok := second.c.Order(id)
	if !ok || order.State != orders.StateOpen || order.ExchangeOrderID != "E1" || !order.Amount.Equal(dec("1")) {
		t.Fatalf("expected restored order, got %+v", order)
	}
	placeBuy(t, second, id)
	if got := len(rest.callsTo("/api/v2/mix/order/place-order")); got != 0 {
		t.Fatalf("restored order must not be resubmitted, got %d", got)
	}
}

func TestStartForgetsTerminalPersistedOrders(t *testing.T) {
	store := newMemoryStore()
	first := newHarness(t, nil, store)
	placeBuy(t, first, "O8")

	rest := newFakeREST()
	rest.onGet("/api/v2/mix/order/detail", func(url.Values) (any, error) {
		return map[string]any{"orderId": "E1", "state": "filled"}, nil
	})
	second := newHarness(t, rest, store)
	if len(second.c.Orders()) != 0 {
		t.Fatalf("terminal orders are not restored")
	}
	pending, err := exec.New(NewOrderAPI(rest), store, exec.Options{}, zap.NewNop()).Pending(context.Background())
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected placement forgotten, got %v %v", pending, err)
	}
}
