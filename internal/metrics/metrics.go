// Package metrics exposes the coordinator's Prometheus collectors behind
// package-level observe functions so callers never hold collector handles.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	apiRequests        *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	jobTransitions     *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	deliveryFailures   *prometheus.CounterVec
	janitorReaped      *prometheus.CounterVec
	longPollWaiters    prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveAPIRequest records one completed HTTP request.
func ObserveAPIRequest(method, route string, code int, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	apiRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	apiRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncJobTransition records one job status transition.
func IncJobTransition(from, to string) {
	mu.RLock()
	defer mu.RUnlock()
	jobTransitions.WithLabelValues(from, to).Inc()
}

// IncMessageSent records a message accepted by a transport.
func IncMessageSent(transport, messageType string) {
	mu.RLock()
	defer mu.RUnlock()
	messagesSent.WithLabelValues(transport, messageType).Inc()
}

// IncDeliveryFailure records a transport send that could not deliver.
func IncDeliveryFailure(transport string) {
	mu.RLock()
	defer mu.RUnlock()
	deliveryFailures.WithLabelValues(transport).Inc()
}

// AddJanitorReaped records rows reconciled by one janitor phase.
func AddJanitorReaped(phase string, n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	janitorReaped.WithLabelValues(phase).Add(float64(n))
}

// IncLongPollWaiters tracks a poller entering its wait.
func IncLongPollWaiters() {
	mu.RLock()
	defer mu.RUnlock()
	longPollWaiters.Inc()
}

// DecLongPollWaiters tracks a poller leaving its wait.
func DecLongPollWaiters() {
	mu.RLock()
	defer mu.RUnlock()
	longPollWaiters.Dec()
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dffmpeg",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dffmpeg",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration by method and route.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 1, 5, 20, 30, 60},
	}, []string{"method", "route"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dffmpeg",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Job status transitions by origin and destination state.",
	}, []string{"from", "to"})

	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dffmpeg",
		Subsystem: "fabric",
		Name:      "messages_sent_total",
		Help:      "Messages handed to a transport by transport and type.",
	}, []string{"transport", "type"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dffmpeg",
		Subsystem: "fabric",
		Name:      "delivery_failures_total",
		Help:      "Transport sends that did not deliver.",
	}, []string{"transport"})

	reaped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dffmpeg",
		Subsystem: "janitor",
		Name:      "reaped_total",
		Help:      "Rows reconciled by janitor phase.",
	}, []string{"phase"})

	waiters := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dffmpeg",
		Subsystem: "fabric",
		Name:      "longpoll_waiters",
		Help:      "Pollers currently parked waiting for messages.",
	})

	registry.MustRegister(requests, durations, transitions, sent, failures, reaped, waiters)

	reg = registry
	apiRequests = requests
	apiRequestDuration = durations
	jobTransitions = transitions
	messagesSent = sent
	deliveryFailures = failures
	janitorReaped = reaped
	longPollWaiters = waiters
}
