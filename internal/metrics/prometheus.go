package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "bitget_perp_connector"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
	}
	p.Metrics = &Metrics{
		OrdersSubmitted:  p.counter("orders_submitted_total", "Total number of orders accepted by the venue."),
		OrdersFailed:     p.counter("orders_failed_total", "Total number of orders that ended in FAILED."),
		OrdersLost:       p.counter("orders_lost_total", "Total number of orders failed after repeated not-found responses."),
		FillsApplied:     p.counter("fills_applied_total", "Total number of fills applied to tracked orders."),
		FillsDuplicate:   p.counter("fills_duplicate_total", "Total number of fills dropped as already applied or untracked."),
		PositionsRemoved: p.counter("positions_removed_total", "Total number of positions removed by a snapshot or a zero update."),
		WSReconnects:     p.counter("ws_reconnects_total", "Total number of websocket reconnects."),
		ClockResyncs:     p.counter("clock_resyncs_total", "Total number of server time resynchronizations."),
		FundingPayments:  p.counter("funding_payments_total", "Total number of funding payments observed."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
