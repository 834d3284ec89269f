package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Allocation outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic and quota allocation.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	allocationOps   *prometheus.CounterVec
	allocationTime  *prometheus.HistogramVec
	txRetries       *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	allocationOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_operations_total",
		Help: "Recipient lifecycle operations by outcome and error code",
	}, []string{"operation", "outcome", "code"})

	allocationTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "allocation_operation_duration_seconds",
		Help:    "Duration of recipient lifecycle operations including lock waits",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	txRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_tx_retries_total",
		Help: "Allocation transactions retried after a transient conflict",
	}, []string{"scope"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Recipient notifications handed to the broker",
	}, []string{"outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, allocationOps, allocationTime, txRetries, notifications, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		allocationOps:   allocationOps,
		allocationTime:  allocationTime,
		txRetries:       txRetries,
		notifications:   notifications,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveAllocation records the outcome of a lifecycle operation. code is the
// typed error code on failure and empty on success.
func (m *MetricsService) ObserveAllocation(operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if code != "" {
		outcome = OutcomeFailure
	}
	m.allocationOps.WithLabelValues(operation, outcome, code).Inc()
	m.allocationTime.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTxRetry counts a retried allocation transaction.
func (m *MetricsService) RecordTxRetry(scope string) {
	if m == nil {
		return
	}
	m.txRetries.WithLabelValues(scope).Inc()
}

// RecordNotification counts a notification publish attempt outcome.
func (m *MetricsService) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}
