// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the Prometheus instrumentation for the API server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and the instruments the server updates.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	TasksCompleted   *prometheus.CounterVec
	ReviewsDecided   *prometheus.CounterVec
	ChangesetsOpened prometheus.Counter
	WSConnections    prometheus.Gauge
}

// New creates a registry with the process and Go collectors plus the
// MapRoulette instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maproulette",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maproulette",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maproulette",
			Name:      "tasks_completed_total",
			Help:      "Task completions by resulting status.",
		}, []string{"status"}),
		ReviewsDecided: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maproulette",
			Name:      "reviews_decided_total",
			Help:      "Review decisions by resulting status.",
		}, []string{"status"}),
		ChangesetsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "maproulette",
			Name:      "osm_changesets_opened_total",
			Help:      "Changesets opened against the OSM API.",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "maproulette",
			Name:      "websocket_connections",
			Help:      "Currently connected websocket clients.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every request with the counter and latency
// histogram.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
