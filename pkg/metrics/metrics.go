// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the gateway's Prometheus metrics on a dedicated
// registry so tests can construct isolated instances.
type Collector struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	relayBytes     prometheus.Counter
	upstreamErrors *prometheus.CounterVec
}

// New constructs a collector with all metrics registered.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barrix_requests_total",
			Help: "Requests handled, by handler and outcome.",
		}, []string{"handler", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "barrix_request_duration_seconds",
			Help:    "Request handling duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		relayBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barrix_relay_bytes_total",
			Help: "Bytes relayed from the upstream provider to callers.",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barrix_upstream_errors_total",
			Help: "Upstream failures, by HTTP status (0 for transport errors).",
		}, []string{"status"}),
	}

	registry.MustRegister(c.requests, c.duration, c.relayBytes, c.upstreamErrors)
	return c
}

// ObserveRequest records one handled request.
func (c *Collector) ObserveRequest(handler, outcome string, elapsed time.Duration) {
	c.requests.WithLabelValues(handler, outcome).Inc()
	c.duration.WithLabelValues(handler).Observe(elapsed.Seconds())
}

// AddRelayBytes accounts bytes forwarded to a caller.
func (c *Collector) AddRelayBytes(n int) {
	c.relayBytes.Add(float64(n))
}

// ObserveUpstreamError records a failed upstream call. Transport-level
// failures that never produced a response are recorded with status 0.
func (c *Collector) ObserveUpstreamError(status int) {
	c.upstreamErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Handler returns the exposition endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
