package connector

import (
	"testing"

	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/orders"
)

func TestPositionActionMapping(t *testing.T) {
	cases := map[string]orders.PositionAction{
		"open":              orders.ActionOpen,
		"buy_single":        orders.ActionOpen,
		"sell_single":       orders.ActionOpen,
		"close":             orders.ActionClose,
		"reduce_close_long": orders.ActionClose,
		"burst_close_short": orders.ActionClose,
		"reduce_buy_single": orders.ActionClose,
		"":                  orders.ActionNil,
	}
	for in, want := range cases {
		if got := positionAction(in); got != want {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
}

func TestTradeFromFillUsesDeductionFee(t *testing.T) {
	trade, err := tradeFromFill(map[string]any{
		"tradeId":    "T1",
		"orderId":    "E1",
		"price":      "20000",
		"baseVolume": "0.5",
		"cTime":      "1700000000000",
		"tradeSide":  "close",
		"feeDetail": []any{map[string]any{
			"deduction": "yes", "feeCoin": "usdt", "totalDeductionFee": "-3", "totalFee": "-6",
		}},
	}, "BTC-USDT", "O1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if trade.Fee.Type != orders.FeeDeductedFromReturns || !trade.Fee.AmountIn("USDT").Equal(dec("3")) {
		t.Fatalf("unexpected fee %+v", trade.Fee)
	}
	if !trade.FillQuote.Equal(dec("10000")) || trade.Source != orders.SourceREST || trade.ClientOrderID != "O1" {
		t.Fatalf("unexpected trade %+v", trade)
	}
	if _, err := tradeFromFill(map[string]any{"price": "1"}, "BTC-USDT", "O1"); err == nil {
		t.Fatalf("expected error without trade id")
	}
}

func TestFeeTypeFollowsPositionActionNotDeduction(t *testing.T) {
	trade, err := tradeFromFill(map[string]any{
		"tradeId":    "T3",
		"orderId":    "E1",
		"price":      "20000",
		"baseVolume": "0.5",
		"cTime":      "1700000000000",
		"tradeSide":  "open",
		"feeDetail": []any{map[string]any{
			"deduction": "yes", "feeCoin": "USDT", "totalDeductionFee": "-2", "totalFee": "-6",
		}},
	}, "BTC-USDT", "O1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if trade.Fee.Type != orders.FeeBilledSeparately {
		t.Fatalf("opening fills are billed separately even with deduction, got %v", trade.Fee.Type)
	}
	if !trade.Fee.AmountIn("USDT").Equal(dec("2")) {
		t.Fatalf("deduction selects the deduction fee amount, got %+v", trade.Fee)
	}
	if got := feeTypeFor(orders.ActionNil); got != orders.FeeDeductedFromReturns {
		t.Fatalf("expected fills without an action deducted from returns, got %v", got)
	}
}

func TestTradeFromOrderPushFallsBackToOrderPrice(t *testing.T) {
	trade, ok := tradeFromOrderPush(map[string]any{
		"tradeId": "T2", "clientOid": "O1", "orderId": "E1", "price": "100", "baseVolume": "2",
		"fillFee": "-0.1", "fillFeeCoin": "USDT", "tradeSide": "open",
	}, "BTC-USDT")
	if !ok {
		t.Fatalf("expected trade")
	}
	if !trade.FillPrice.Equal(dec("100")) || !trade.FillQuote.Equal(dec("200")) || trade.Fee.Type != orders.FeeBilledSeparately {
		t.Fatalf("unexpected trade %+v", trade)
	}
	if _, ok := tradeFromOrderPush(map[string]any{"status": "live"}, "BTC-USDT"); ok {
		t.Fatalf("status-only push carries no trade")
	}
}

func TestParseAccountsSumsAcrossEntries(t *testing.T) {
	got := parseAccounts([]map[string]any{
		{"marginCoin": "USDT", "accountEquity": "100", "crossedMaxAvailable": "80"},
		{"marginCoin": "USDT", "accountEquity": "50", "crossedMaxAvailable": "40"},
		{"marginCoin": "BTC", "accountEquity": "1", "crossedMaxAvailable": "1",
			"assetList": []any{map[string]any{"coin": "ETH", "balance": "2", "available": "1.5"}}},
	})
	byAsset := map[string][2]string{}
	for _, b := range got {
		byAsset[b.Asset] = [2]string{b.Total.String(), b.Available.String()}
	}
	if byAsset["USDT"] != [2]string{"150", "120"} || byAsset["ETH"] != [2]string{"2", "1.5"} || byAsset["BTC"] != [2]string{"1", "1"} {
		t.Fatalf("unexpected balances %v", byAsset)
	}
}

func TestParsePositionRejectsUnknownSymbol(t *testing.T) {
	symbols := bitget.NewSymbolMap()
	symbols.Add(bitget.TradingRule{TradingPair: "BTC-USDT", Symbol: "BTCUSDT"})
	if _, err := parsePosition(map[string]any{"symbol": "ETHUSDT", "holdSide": "long", "total": "1"}, symbols); err == nil {
		t.Fatalf("expected unknown symbol error")
	}
	if _, err := parsePosition(map[string]any{"symbol": "BTCUSDT", "total": "1"}, symbols); err == nil {
		t.Fatalf("expected missing hold side error")
	}
}
