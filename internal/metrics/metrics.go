// Package metrics holds the Prometheus collectors for the sales backend.
//
// Each Metrics value owns its registry so tests can build isolated instances.
// All methods are safe on a nil receiver.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "salesdash"

type Metrics struct {
	registry *prometheus.Registry

	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	batchesStored    prometheus.Counter
	lineItemsStored  prometheus.Counter
	saleIDRetries    prometheus.Counter
	forecastOutcomes *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		batchesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sales",
			Name:      "batches_stored_total",
			Help:      "Sale batches persisted under a fresh sale id.",
		}),
		lineItemsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sales",
			Name:      "line_items_stored_total",
			Help:      "Line items persisted.",
		}),
		saleIDRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sales",
			Name:      "sale_id_retries_total",
			Help:      "Sale id allocations retried after a serialization failure or collision.",
		}),
		forecastOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forecast",
				Name:      "requests_total",
				Help:      "Forecast lookups by outcome.",
			},
			[]string{"outcome"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups by cache name and result.",
			},
			[]string{"cache", "result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestDuration,
		m.requestTotal,
		m.batchesStored,
		m.lineItemsStored,
		m.saleIDRetries,
		m.forecastOutcomes,
		m.cacheLookups,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveHTTP records one served request. route must be the route pattern,
// not the raw path.
func (m *Metrics) ObserveHTTP(method string, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	m.requestTotal.WithLabelValues(method, route, code).Inc()
}

func (m *Metrics) BatchStored(itemCount int) {
	if m == nil {
		return
	}
	m.batchesStored.Inc()
	m.lineItemsStored.Add(float64(itemCount))
}

func (m *Metrics) SaleIDRetry() {
	if m == nil {
		return
	}
	m.saleIDRetries.Inc()
}

func (m *Metrics) ForecastOutcome(outcome string) {
	if m == nil {
		return
	}
	m.forecastOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}
