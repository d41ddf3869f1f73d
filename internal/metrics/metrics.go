// Package metrics exposes engine counters to Prometheus. Event-driven
// counters are fed from the bus; store and adapter statistics are read lazily
// at scrape time through registered callbacks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"multibroker-trading-bot/internal/events"
)

// Metrics owns a private registry so tests can run side by side.
type Metrics struct {
	registry *prometheus.Registry

	TradesOpened    prometheus.Counter
	TradesClosed    *prometheus.CounterVec
	Signals         *prometheus.CounterVec
	OrdersRejected  prometheus.Counter
	Pauses          prometheus.Counter
	Drifts          *prometheus.CounterVec
	CandlesIngested prometheus.Counter
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_trades_opened_total",
			Help: "Positions opened.",
		}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_trades_closed_total",
			Help: "Exits by reason.",
		}, []string{"reason"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Signal evaluations by direction.",
		}, []string{"direction"}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_orders_rejected_total",
			Help: "Orders the venue rejected.",
		}),
		Pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_trading_pauses_total",
			Help: "Times trading was paused.",
		}),
		Drifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_reconcile_drifts_total",
			Help: "Reconciliation findings by severity.",
		}, []string{"severity"}),
		CandlesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_candles_ingested_total",
			Help: "Candles accepted into the store.",
		}),
	}
	m.registry.MustRegister(
		m.TradesOpened, m.TradesClosed, m.Signals,
		m.OrdersRejected, m.Pauses, m.Drifts, m.CandlesIngested,
	)
	return m
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBus subscribes the counters to engine events.
func (m *Metrics) ObserveBus(bus *events.Bus) {
	bus.Subscribe(events.TypeTradeOpened, func(events.Event) { m.TradesOpened.Inc() })
	bus.Subscribe(events.TypeTradeClosed, func(e events.Event) {
		reason, _ := e.Data["reason"].(string)
		if reason == "" {
			reason = "unknown"
		}
		m.TradesClosed.WithLabelValues(reason).Inc()
	})
	bus.Subscribe(events.TypeSignal, func(e events.Event) {
		direction, _ := e.Data["direction"].(string)
		if direction == "" {
			direction = "unknown"
		}
		m.Signals.WithLabelValues(direction).Inc()
	})
	bus.Subscribe(events.TypeTradingPaused, func(events.Event) { m.Pauses.Inc() })
	bus.Subscribe(events.TypeDriftDetected, func(e events.Event) {
		severity, _ := e.Data["severity"].(string)
		if severity == "" {
			severity = "unknown"
		}
		m.Drifts.WithLabelValues(severity).Inc()
	})
}

// RegisterStoreStats exposes candle-store counters as gauges read at scrape
// time.
func (m *Metrics) RegisterStoreStats(droppedOutOfOrder, cacheInvalidations func() int64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bot_candles_dropped_out_of_order",
		Help: "Out-of-order candles dropped by the store.",
	}, func() float64 { return float64(droppedOutOfOrder()) }))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bot_candle_cache_invalidations",
		Help: "Read-cache invalidations in the store.",
	}, func() float64 { return float64(cacheInvalidations()) }))
}
