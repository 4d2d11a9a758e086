package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты резерва для метки result.
const (
	ReserveOK          = "ok"
	ReserveOutOfStock  = "out_of_stock"
	ReserveUnavailable = "unavailable"
	ReserveNotFound    = "not_found"
	ReserveError       = "error"
)

// Исходы оформления для метки outcome.
const (
	CheckoutCompleted = "completed"
	CheckoutCanceled  = "canceled"
	CheckoutFailed    = "failed"
)

// ShopMetrics содержит метрики магазина: резервы, оформление и выдача заказов.
type ShopMetrics struct {
	reservations *prometheus.CounterVec
	releases     prometheus.Counter

	checkoutsStarted  prometheus.Counter
	checkoutsFinished *prometheus.CounterVec
	activeCheckouts   prometheus.Gauge

	ordersCreated    *prometheus.CounterVec
	ordersIssued     prometheus.Counter
	finalizeDuration prometheus.Histogram

	cartsExpired prometheus.Counter
	outboxEvents *prometheus.CounterVec
}

// NewShopMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewShopMetrics() *ShopMetrics {
	return NewShopMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewShopMetricsWithRegisterer регистрирует метрики в указанном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewShopMetricsWithRegisterer(registerer prometheus.Registerer) *ShopMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ShopMetrics{
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cmbot_reservations_total",
			Help: "Total number of stock reservation attempts grouped by result",
		}, []string{"result"}),
		releases: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cmbot_releases_total",
			Help: "Total number of reserved units returned to stock",
		}),
		checkoutsStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cmbot_checkouts_started_total",
			Help: "Total number of checkout sessions started",
		}),
		checkoutsFinished: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cmbot_checkouts_finished_total",
			Help: "Total number of checkout sessions finished grouped by outcome",
		}, []string{"outcome"}),
		activeCheckouts: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "cmbot_active_checkouts",
			Help: "Number of users currently in a checkout session",
		}),
		ordersCreated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cmbot_orders_created_total",
			Help: "Total number of orders written to the pending ledger",
		}, []string{"method"}),
		ordersIssued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cmbot_orders_issued_total",
			Help: "Total number of orders moved to history",
		}),
		finalizeDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "cmbot_order_finalize_duration_seconds",
			Help:    "Duration of order finalization in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		cartsExpired: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cmbot_carts_expired_total",
			Help: "Total number of idle carts released by the sweeper",
		}),
		outboxEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cmbot_outbox_events_total",
			Help: "Total number of lifecycle events enqueued to outbox",
		}, []string{"type"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordReservation учитывает попытку резерва с результатом result.
func (m *ShopMetrics) RecordReservation(result string) {
	m.reservations.WithLabelValues(result).Inc()
}

// RecordReleases учитывает n возвращённых на склад единиц.
func (m *ShopMetrics) RecordReleases(n int) {
	if n <= 0 {
		return
	}
	m.releases.Add(float64(n))
}

// RecordCheckoutStarted учитывает новую сессию оформления.
func (m *ShopMetrics) RecordCheckoutStarted() {
	m.checkoutsStarted.Inc()
	m.activeCheckouts.Inc()
}

// RecordCheckoutFinished закрывает сессию оформления с исходом outcome.
func (m *ShopMetrics) RecordCheckoutFinished(outcome string) {
	m.checkoutsFinished.WithLabelValues(outcome).Inc()
	m.activeCheckouts.Dec()
}

// RecordOrderCreated учитывает записанный заказ и время финализации.
func (m *ShopMetrics) RecordOrderCreated(method string, duration time.Duration) {
	m.ordersCreated.WithLabelValues(method).Inc()
	m.finalizeDuration.Observe(duration.Seconds())
}

// RecordOrderIssued учитывает выдачу заказа.
func (m *ShopMetrics) RecordOrderIssued() {
	m.ordersIssued.Inc()
}

// RecordCartExpired учитывает корзину, освобождённую по таймауту.
func (m *ShopMetrics) RecordCartExpired() {
	m.cartsExpired.Inc()
}

// RecordOutboxEvent учитывает событие, поставленное в outbox.
func (m *ShopMetrics) RecordOutboxEvent(eventType string) {
	m.outboxEvents.WithLabelValues(eventType).Inc()
}
