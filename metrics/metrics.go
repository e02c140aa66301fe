// Package metrics exposes the service's Prometheus collectors and serves
// them on a separate listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/mzekb/mze-storage/reaper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process on a private registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the request and backend collectors along
// with the Go runtime and process collectors.
func NewMetrics(namespace string) (*Metrics, error) {
	m := &Metrics{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_backend_calls_total",
			Help:      "Payload backend calls by backend, operation and outcome",
		}, []string{"backend", "op", "outcome"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blob_backend_call_duration_seconds",
			Help:      "Payload backend call latency by backend and operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.backendCalls,
		m.backendDuration,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string, d time.Duration) {
	m.requests.WithLabelValues(method, route, status).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveBackendCall records one payload backend call.
func (m *Metrics) ObserveBackendCall(backend, op, outcome string, d time.Duration) {
	m.backendCalls.WithLabelValues(backend, op, outcome).Inc()
	m.backendDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

// RegisterReaper exports the reaper's counters and its queue length.
func (m *Metrics) RegisterReaper(r *reaper.Reaper) error {
	counter := func(name, help string, value func(reaper.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: "reaper",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(r.Stats())) })
	}

	for _, c := range []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: "reaper",
			Name:      "pending",
			Help:      "Tombstoned records waiting for removal",
		}, func() float64 { return float64(len(r.Pending())) }),
		counter("scheduled_total", "Removals scheduled", func(s reaper.Stats) int64 { return s.Scheduled }),
		counter("cancelled_total", "Removals cancelled by new references", func(s reaper.Stats) int64 { return s.Cancelled }),
		counter("purged_total", "Records physically removed", func(s reaper.Stats) int64 { return s.Purged }),
		counter("failed_total", "Removal attempts that failed", func(s reaper.Stats) int64 { return s.Failed }),
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsServer serves /metrics on its own address.
type MetricsServer struct {
	*Metrics
	srv *http.Server
}

// New creates the collectors for namespace and a server for them on addr.
func New(namespace, addr string) (*MetricsServer, error) {
	m, err := NewMetrics(namespace)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &MetricsServer{
		Metrics: m,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
