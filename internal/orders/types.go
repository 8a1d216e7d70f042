package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type State int

const (
	StatePendingCreate State = iota
	StateOpen
	StatePartiallyFilled
	StatePendingCancel
	StateFilled
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePendingCreate:
		return "PENDING_CREATE"
	case StateOpen:
		return "OPEN"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatePendingCancel:
		return "PENDING_CANCEL"
	case StateFilled:
		return "FILLED"
	case StateCanceled:
		return "CANCELED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) IsTerminal() bool {
	return s == StateFilled || s == StateCanceled || s == StateFailed
}

func (s State) valid() bool {
	return s >= StatePendingCreate && s <= StateFailed
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// PositionAction only matters in hedge mode.
type PositionAction string

const (
	ActionOpen  PositionAction = "OPEN"
	ActionClose PositionAction = "CLOSE"
	ActionNil   PositionAction = "NIL"
)

type Source string

const (
	SourceREST Source = "rest"
	SourceWS   Source = "ws"
)

// Order is a copy of a tracked in-flight order. Mutating it does not affect the tracker.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Type            OrderType
	Side            Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Action          PositionAction
	Leverage        int
	State           State
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExecutedBase    decimal.Decimal
	ExecutedQuote   decimal.Decimal
	Fees            map[string]decimal.Decimal
	FailureReason   string
}

func (o Order) Remaining() decimal.Decimal {
	rem := o.Amount.Sub(o.ExecutedBase)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

func (o Order) AverageFillPrice() decimal.Decimal {
	if o.ExecutedBase.IsZero() {
		return decimal.Zero
	}
	return o.ExecutedQuote.Div(o.ExecutedBase)
}

func (o Order) IsFullyFilled() bool {
	return o.Amount.IsPositive() && o.ExecutedBase.GreaterThanOrEqual(o.Amount)
}

func (o Order) clone() Order {
	out := o
	if o.Fees != nil {
		out.Fees = make(map[string]decimal.Decimal, len(o.Fees))
		for asset, amount := range o.Fees {
			out.Fees[asset] = amount
		}
	}
	return out
}

type NewOrder struct {
	ClientOrderID string
	TradingPair   string
	Type          OrderType
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Action        PositionAction
	Leverage      int
	CreatedAt     time.Time
}

// OrderUpdate carries a venue status for an order identified by client id, exchange id, or both.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	State           State
	Time            time.Time
}

// TradeUpdate is one fill, normalized from either the REST fills endpoint or a stream push.
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	FillTime        time.Time
	FillPrice       decimal.Decimal
	FillBase        decimal.Decimal
	FillQuote       decimal.Decimal
	Fee             Fee
	Action          PositionAction
	Source          Source
}
