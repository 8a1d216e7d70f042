package connector

import (
	"errors"
	"fmt"
	"strings"

	"bg-perp-connector/internal/balance"
	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/funding"
	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/positions"

	"github.com/shopspring/decimal"
)

var errMissingField = errors.New("missing field")

func positionAction(tradeSide string) orders.PositionAction {
	switch side := strings.ToLower(tradeSide); {
	case side == "open" || side == "buy_single" || side == "sell_single":
		return orders.ActionOpen
	case strings.Contains(side, "close") || strings.HasPrefix(side, "reduce"):
		return orders.ActionClose
	default:
		return orders.ActionNil
	}
}

// feeTypeFor bills opening fees on top of cost and takes closing fees out of the proceeds.
func feeTypeFor(action orders.PositionAction) orders.FeeType {
	if action == orders.ActionOpen {
		return orders.FeeBilledSeparately
	}
	return orders.FeeDeductedFromReturns
}

// tradeFromFill normalizes one entry of the REST fills list.
func tradeFromFill(m map[string]any, pair string, clientOrderID string) (orders.TradeUpdate, error) {
	tradeID := bitget.StringFromMap(m, "tradeId")
	if tradeID == "" {
		return orders.TradeUpdate{}, fmt.Errorf("fill: %w: tradeId", errMissingField)
	}
	price := bitget.DecimalFromMap(m, "price")
	base := bitget.DecimalFromMap(m, "baseVolume")
	action := positionAction(bitget.StringFromMap(m, "tradeSide"))
	var fee orders.Fee
	if details := bitget.Maps(m["feeDetail"]); len(details) > 0 {
		detail := details[0]
		amount := bitget.DecimalFromMap(detail, "totalFee")
		if bitget.StringFromMap(detail, "deduction") == "yes" {
			amount = bitget.DecimalFromMap(detail, "totalDeductionFee")
		}
		fee = orders.FlatFee(feeTypeFor(action), orders.TokenAmount{
			Asset:  strings.ToUpper(bitget.StringFromMap(detail, "feeCoin")),
			Amount: amount,
		})
	} else {
		fee = orders.FlatFee(feeTypeFor(action))
	}
	return orders.TradeUpdate{
		TradeID:         tradeID,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: bitget.StringFromMap(m, "orderId"),
		TradingPair:     pair,
		FillTime:        bitget.TimeFromMillis(m, "cTime"),
		FillPrice:       price,
		FillBase:        base,
		FillQuote:       price.Mul(base),
		Fee:             fee,
		Action:          action,
		Source:          orders.SourceREST,
	}, nil
}

// tradeFromOrderPush normalizes the fill carried by an orders channel push.
func tradeFromOrderPush(m map[string]any, pair string) (orders.TradeUpdate, bool) {
	tradeID := bitget.StringFromMap(m, "tradeId")
	if tradeID == "" {
		return orders.TradeUpdate{}, false
	}
	price := bitget.DecimalFromMap(m, "fillPrice", "price")
	base := bitget.DecimalFromMap(m, "baseVolume")
	action := positionAction(bitget.StringFromMap(m, "tradeSide"))
	fee := orders.FlatFee(feeTypeFor(action), orders.TokenAmount{
		Asset:  strings.ToUpper(bitget.StringFromMap(m, "fillFeeCoin")),
		Amount: bitget.DecimalFromMap(m, "fillFee"),
	})
	return orders.TradeUpdate{
		TradeID:         tradeID,
		ClientOrderID:   bitget.StringFromMap(m, "clientOid"),
		ExchangeOrderID: bitget.StringFromMap(m, "orderId"),
		TradingPair:     pair,
		FillTime:        bitget.TimeFromMillis(m, "fillTime", "uTime"),
		FillPrice:       price,
		FillBase:        base,
		FillQuote:       price.Mul(base),
		Fee:             fee,
		Action:          action,
		Source:          orders.SourceWS,
	}, true
}

// parsePosition reads a REST all-position entry or a positions channel entry.
func parsePosition(m map[string]any, symbols *bitget.SymbolMap) (positions.Position, error) {
	symbol := bitget.StringFromMap(m, "symbol", "instId")
	pair, err := symbols.TradingPair(symbol)
	if err != nil {
		return positions.Position{}, err
	}
	var side positions.Side
	switch strings.ToLower(bitget.StringFromMap(m, "holdSide")) {
	case "long":
		side = positions.SideLong
	case "short":
		side = positions.SideShort
	default:
		return positions.Position{}, fmt.Errorf("position %s: %w: holdSide", symbol, errMissingField)
	}
	amount := bitget.DecimalFromMap(m, "total")
	if side == positions.SideShort {
		amount = amount.Neg()
	}
	return positions.Position{
		TradingPair:   pair,
		Side:          side,
		Amount:        amount,
		EntryPrice:    bitget.DecimalFromMap(m, "openPriceAvg"),
		UnrealizedPnL: bitget.DecimalFromMap(m, "unrealizedPL"),
		Leverage:      bitget.IntFromMap(m, 0, "leverage"),
		UpdatedAt:     bitget.TimeFromMillis(m, "uTime", "cTime"),
	}, nil
}

// parseAccounts sums the margin coin and nested asset balances of every account entry.
func parseAccounts(entries []map[string]any) []balance.Balance {
	totals := make(map[string]balance.Balance)
	add := func(asset string, total, available decimal.Decimal) {
		asset = strings.ToUpper(asset)
		if asset == "" {
			return
		}
		b := totals[asset]
		b.Asset = asset
		b.Total = b.Total.Add(total)
		b.Available = b.Available.Add(available)
		totals[asset] = b
	}
	for _, entry := range entries {
		add(bitget.StringFromMap(entry, "marginCoin"),
			bitget.DecimalFromMap(entry, "accountEquity"),
			bitget.DecimalFromMap(entry, "crossedMaxAvailable"))
		for _, asset := range bitget.Maps(entry["assetList"]) {
			add(bitget.StringFromMap(asset, "coin"),
				bitget.DecimalFromMap(asset, "balance"),
				bitget.DecimalFromMap(asset, "available"))
		}
	}
	out := make([]balance.Balance, 0, len(totals))
	for _, b := range totals {
		out = append(out, b)
	}
	return out
}

// parseTicker turns a ticker push into a complete funding record.
func parseTicker(m map[string]any, symbols *bitget.SymbolMap) (funding.Info, error) {
	symbol := bitget.StringFromMap(m, "instId", "symbol")
	pair, err := symbols.TradingPair(symbol)
	if err != nil {
		return funding.Info{}, err
	}
	if _, ok := m["fundingRate"]; !ok {
		return funding.Info{}, fmt.Errorf("ticker %s: %w: fundingRate", symbol, errMissingField)
	}
	return funding.Info{
		TradingPair: pair,
		IndexPrice:  bitget.DecimalFromMap(m, "indexPrice"),
		MarkPrice:   bitget.DecimalFromMap(m, "markPrice"),
		Rate:        bitget.DecimalFromMap(m, "fundingRate"),
		NextFunding: bitget.TimeFromMillis(m, "nextFundingTime"),
	}, nil
}
