package mcp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects prometheus metrics for MCP requests, tool executions and, when mounted on
// the SSE listener, HTTP requests. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	mcpReqCnt  *prometheus.CounterVec
	mcpReqDur  *prometheus.HistogramVec
	mcpReqInfl *prometheus.GaugeVec

	toolExecCnt  *prometheus.CounterVec
	toolExecDur  *prometheus.HistogramVec
	toolExecInfl *prometheus.GaugeVec
}

// MetricsOption represents the options for Metrics.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace       string
	buckets         []float64
	registerRuntime bool
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

// Tool execution statuses used as the status label.
const (
	toolStatusSuccess = "success"
	toolStatusError   = "error"
)

// NewMetrics creates a Metrics with its own registry.
func NewMetrics(options ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace:       "mcp",
		buckets:         prometheus.DefBuckets,
		registerRuntime: true,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	ns := cfg.namespace

	r := prometheus.NewRegistry()
	if cfg.registerRuntime {
		r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		r.MustRegister(collectors.NewGoCollector())
	}

	m := &Metrics{
		registry: r,
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "http_requests_total",
		}, []string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.buckets,
		}, []string{"method", "route", "status"}),
		httpInfl: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "http_requests_inflight",
		}, []string{"route"}),
		mcpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "requests_total",
		}, []string{"method", "status"}),
		mcpReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "request_duration_seconds", Buckets: cfg.buckets,
		}, []string{"method"}),
		mcpReqInfl: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "requests_inflight",
		}, []string{"method"}),
		toolExecCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tool_execution_total",
		}, []string{"tool_name", "status"}),
		toolExecDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "tool_execution_duration_seconds", Buckets: cfg.buckets,
		}, []string{"tool_name", "status"}),
		toolExecInfl: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "tool_execution_inflight_requests",
		}, []string{"tool_name"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.httpInfl)
	r.MustRegister(m.mcpReqCnt, m.mcpReqDur, m.mcpReqInfl)
	r.MustRegister(m.toolExecCnt, m.toolExecDur, m.toolExecInfl)
	return m
}

// WithMetricsNamespace sets the metric namespace, "mcp" by default.
func WithMetricsNamespace(ns string) MetricsOption {
	return func(c *metricsConfig) {
		c.namespace = ns
	}
}

// WithMetricsBuckets sets the histogram buckets.
func WithMetricsBuckets(buckets []float64) MetricsOption {
	return func(c *metricsConfig) {
		c.buckets = buckets
	}
}

// WithoutRuntimeMetrics leaves the process and Go runtime collectors out of the registry.
func WithoutRuntimeMetrics() MetricsOption {
	return func(c *metricsConfig) {
		c.registerRuntime = false
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) requestStarted(method string) {
	if m == nil {
		return
	}
	m.mcpReqInfl.WithLabelValues(method).Inc()
}

func (m *Metrics) requestFinished(method string, since time.Time, err error) {
	if m == nil {
		return
	}
	status := toolStatusSuccess
	if err != nil {
		status = toolStatusError
	}
	m.mcpReqCnt.WithLabelValues(method, status).Inc()
	m.mcpReqDur.WithLabelValues(method).Observe(time.Since(since).Seconds())
	m.mcpReqInfl.WithLabelValues(method).Dec()
}

func (m *Metrics) toolStarted(tool string) {
	if m == nil {
		return
	}
	m.toolExecInfl.WithLabelValues(tool).Inc()
}

func (m *Metrics) toolFinished(tool string, since time.Time, status string) {
	if m == nil {
		return
	}
	m.toolExecCnt.WithLabelValues(tool, status).Inc()
	m.toolExecDur.WithLabelValues(tool, status).Observe(time.Since(since).Seconds())
	m.toolExecInfl.WithLabelValues(tool).Dec()
}

// instrument wraps an HTTP handler with request counters labelled by route.
func (m *Metrics) instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInfl.WithLabelValues(route).Inc()
		defer m.httpInfl.WithLabelValues(route).Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		status := strconv.Itoa(rec.status)
		m.httpReqCnt.WithLabelValues(r.Method, route, status).Inc()
		m.httpDur.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
