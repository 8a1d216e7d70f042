package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersSubmitted  Counter
	OrdersFailed     Counter
	OrdersLost       Counter
	FillsApplied     Counter
	FillsDuplicate   Counter
	PositionsRemoved Counter
	WSReconnects     Counter
	ClockResyncs     Counter
	FundingPayments  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersSubmitted:  n,
		OrdersFailed:     n,
		OrdersLost:       n,
		FillsApplied:     n,
		FillsDuplicate:   n,
		PositionsRemoved: n,
		WSReconnects:     n,
		ClockResyncs:     n,
		FundingPayments:  n,
	}
}
