package bitget

import (
	"strings"

	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/positions"
)

const (
	DefaultRESTURL       = "https://api.bitget.com"
	DefaultPublicWSURL   = "wss://ws.bitget.com/v2/ws/public"
	DefaultPrivateWSURL  = "wss://ws.bitget.com/v2/ws/private"
	SuccessCode          = "00000"
	TimestampErrorCode   = "40008"
	TimestampErrorText   = "Request timestamp expired"
	DuplicateOrderCode   = "40786"
	DuplicateOrderText   = "Duplicate clientOid"
	ActivePositionsError = "Cannot change position because active positions exist"
)

const (
	ProductUSDTFutures = "USDT-FUTURES"
	ProductUSDCFutures = "USDC-FUTURES"
	ProductCoinFutures = "COIN-FUTURES"
)

var ProductTypes = []string{ProductUSDTFutures, ProductUSDCFutures, ProductCoinFutures}

const (
	PathServerTime       = "/api/v2/public/time"
	PathContracts        = "/api/v2/mix/market/contracts"
	PathTicker           = "/api/v2/mix/market/ticker"
	PathCurrentFundRate  = "/api/v2/mix/market/current-fund-rate"
	PathSymbolPrice      = "/api/v2/mix/market/symbol-price"
	PathFundingTime      = "/api/v2/mix/market/funding-time"
	PathAccounts         = "/api/v2/mix/account/accounts"
	PathSetLeverage      = "/api/v2/mix/account/set-leverage"
	PathSetMarginMode    = "/api/v2/mix/account/set-margin-mode"
	PathSetPositionMode  = "/api/v2/mix/account/set-position-mode"
	PathAccountBill      = "/api/v2/mix/account/bill"
	PathAllPositions     = "/api/v2/mix/position/all-position"
	PathPlaceOrder       = "/api/v2/mix/order/place-order"
	PathCancelOrder      = "/api/v2/mix/order/cancel-order"
	PathOrderDetail      = "/api/v2/mix/order/detail"
	PathOrderFills       = "/api/v2/mix/order/fills"
	WSChannelTicker      = "ticker"
	WSChannelOrders      = "orders"
	WSChannelPositions   = "positions"
	WSChannelAccount     = "account"
	BillFundingFeeType   = "contract_settle_fee"
	PositionModeOneWay   = "one_way_mode"
	PositionModeHedge    = "hedge_mode"
	MarginModeCrossed    = "crossed"
	MarginModeIsolated   = "isolated"
	DefaultWSAccountCoin = "default"
)

// OrderNotFoundCodes are the venue codes that mean the order id is unknown to the matching engine.
var OrderNotFoundCodes = map[string]struct{}{
	"40768": {},
	"80011": {},
	"40819": {},
	"43020": {},
	"43025": {},
	"43001": {},
	"45057": {},
	"31007": {},
	"43033": {},
}

var orderStatusTable = map[string]orders.State{
	"live":             orders.StateOpen,
	"new":              orders.StateOpen,
	"init":             orders.StateOpen,
	"partially_filled": orders.StatePartiallyFilled,
	"partial_fill":     orders.StatePartiallyFilled,
	"filled":           orders.StateFilled,
	"full_fill":        orders.StateFilled,
	"cancelled":        orders.StateCanceled,
	"canceled":         orders.StateCanceled,
}

// RequiredOrderStatuses are the states the REST detail and the orders channel report.
var RequiredOrderStatuses = []string{"live", "new", "partially_filled", "filled", "cancelled", "canceled"}

func OrderStatuses() (orders.StatusMap, error) {
	return orders.NewStatusMap(orderStatusTable, RequiredOrderStatuses...)
}

// ProductTypeFor picks the product family from the quote asset.
func ProductTypeFor(pair string) string {
	_, quote, _ := strings.Cut(strings.ToUpper(pair), "-")
	switch quote {
	case "USDT":
		return ProductUSDTFutures
	case "USDC":
		return ProductUSDCFutures
	default:
		return ProductCoinFutures
	}
}

func PositionModeValue(mode positions.Mode) string {
	if mode == positions.ModeHedge {
		return PositionModeHedge
	}
	return PositionModeOneWay
}

func ParsePositionMode(value string) (positions.Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case PositionModeHedge:
		return positions.ModeHedge, true
	case PositionModeOneWay:
		return positions.ModeOneWay, true
	}
	return "", false
}

func MarginModeValue(mode positions.MarginMode) string {
	if mode == positions.MarginIsolated {
		return MarginModeIsolated
	}
	return MarginModeCrossed
}

func ParseMarginMode(value string) (positions.MarginMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case MarginModeIsolated:
		return positions.MarginIsolated, true
	case MarginModeCrossed, "cross":
		return positions.MarginCross, true
	}
	return "", false
}
