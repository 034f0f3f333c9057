// Package metrics defines the Prometheus collectors used by the replication
// core and exposes an HTTP handler for scraping. All recording helpers are
// safe to call on a nil *Metrics so components can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for a node.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SessionsActive       *prometheus.GaugeVec
	SessionsTotal        *prometheus.CounterVec
	BytesServed          *prometheus.CounterVec
	BytesFetched         *prometheus.CounterVec
	ReplicationDuration  *prometheus.HistogramVec
	ReplicationsTotal    *prometheus.CounterVec
	BackupsTotal         *prometheus.CounterVec
	LockWait             *prometheus.HistogramVec
	CommitsTotal         *prometheus.CounterVec
	Generation           *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "replication_sessions_active",
				Help: "Replication sessions currently pinning a generation.",
			},
			[]string{"index"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replication_sessions_total",
				Help: "Replication session transitions by event (opened, released, expired).",
			},
			[]string{"index", "event"},
		),
		BytesServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replication_bytes_served_total",
				Help: "Bytes streamed to replicas by a master.",
			},
			[]string{"index"},
		),
		BytesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replication_bytes_fetched_total",
				Help: "Bytes pulled from a master by a replica.",
			},
			[]string{"index"},
		),
		ReplicationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "replication_duration_seconds",
				Help:    "Duration of replication pulls by strategy.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"index", "strategy"},
		),
		ReplicationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replications_total",
				Help: "Replication pulls by strategy and outcome.",
			},
			[]string{"index", "strategy", "status"},
		),
		BackupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backups_total",
				Help: "Backup operations by status.",
			},
			[]string{"index", "status"},
		),
		LockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gate_lock_wait_seconds",
				Help:    "Time spent waiting to acquire a concurrency gate lock.",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"index", "lock"},
		),
		CommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_commits_total",
				Help: "Index commits by status.",
			},
			[]string{"index", "status"},
		),
		Generation: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_generation",
				Help: "Current visible generation of each index.",
			},
			[]string{"index"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SessionsActive,
		m.SessionsTotal,
		m.BytesServed,
		m.BytesFetched,
		m.ReplicationDuration,
		m.ReplicationsTotal,
		m.BackupsTotal,
		m.LockWait,
		m.CommitsTotal,
		m.Generation,
	)

	return m
}

func (m *Metrics) SessionOpened(index string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(index).Inc()
	m.SessionsTotal.WithLabelValues(index, "opened").Inc()
}

// SessionClosed records a session leaving the registry; event is
// "released" or "expired".
func (m *Metrics) SessionClosed(index, event string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(index).Dec()
	m.SessionsTotal.WithLabelValues(index, event).Inc()
}

func (m *Metrics) Served(index string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesServed.WithLabelValues(index).Add(float64(n))
}

func (m *Metrics) Fetched(index string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesFetched.WithLabelValues(index).Add(float64(n))
}

func (m *Metrics) Replicated(index, strategy string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.ReplicationsTotal.WithLabelValues(index, strategy, status).Inc()
	m.ReplicationDuration.WithLabelValues(index, strategy).Observe(d.Seconds())
}

func (m *Metrics) BackedUp(index string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.BackupsTotal.WithLabelValues(index, status).Inc()
}

func (m *Metrics) Committed(index string, generation int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CommitsTotal.WithLabelValues(index, "failure").Inc()
		return
	}
	m.CommitsTotal.WithLabelValues(index, "success").Inc()
	m.Generation.WithLabelValues(index).Set(float64(generation))
}

func (m *Metrics) SetGeneration(index string, generation int64) {
	if m == nil {
		return
	}
	m.Generation.WithLabelValues(index).Set(float64(generation))
}

func (m *Metrics) ObserveLockWait(index, lock string, d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.WithLabelValues(index, lock).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
