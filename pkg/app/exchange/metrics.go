package exchange

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/uhyunpark/tokenex/pkg/app/core"
	"github.com/uhyunpark/tokenex/pkg/app/core/orderbook"
)

type Metrics struct {
	Events     *prometheus.CounterVec
	Rejections *prometheus.CounterVec
	OpenOrders prometheus.Gauge
}

// NewMetrics registers the exchange collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenex",
			Subsystem: "exchange",
			Name:      "events_total",
			Help:      "Events appended to the exchange log, by kind.",
		}, []string{"kind"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenex",
			Subsystem: "exchange",
			Name:      "rejections_total",
			Help:      "Rejected exchange operations, by operation and reason.",
		}, []string{"op", "reason"}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokenex",
			Subsystem: "exchange",
			Name:      "open_orders",
			Help:      "Orders currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Rejections, m.OpenOrders)
	}
	return m
}

func nopMetrics() *Metrics { return NewMetrics(nil) }

func (m *Metrics) observeEvent(kind core.EventKind) {
	m.Events.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeRejection(op string, err error) {
	m.Rejections.WithLabelValues(op, Reason(err)).Inc()
}

func (m *Metrics) setOpenOrders(book *orderbook.OrderBook) {
	m.OpenOrders.Set(float64(book.OpenCount()))
}

// Reason names the failure class of an exchange error
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, core.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, core.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, core.ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, core.ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "internal"
	}
}
