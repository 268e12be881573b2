// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency. LLM calls run far longer than
// typical API calls, so the upper end reaches the upstream deadline.
var defaultBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ErrorsTotal   *prometheus.CounterVec
	StreamedBytes *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aperture_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aperture_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aperture_proxy_upstream_request_duration_seconds",
			Help:    "Time until the upstream response head arrives, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"provider"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_proxy_upstream_responses_total",
			Help: "Total upstream responses by provider and status code.",
		}, []string{"provider", "status_code"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_proxy_errors_total",
			Help: "Total proxy failures by error kind.",
		}, []string{"kind"}),

		StreamedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_proxy_streamed_bytes_total",
			Help: "Total event-stream bytes relayed to callers.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ErrorsTotal,
		m.StreamedBytes,
	)

	return m
}

// NormalizeMethod maps anything outside the standard method set to "other"
// so a caller cannot mint label values.
func NormalizeMethod(method string) string {
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
		return method
	default:
		return "other"
	}
}

// pathLabels are the path prefixes that get their own label value.
var pathLabels = []string{
	"/v1/messages",
	"/v1/chat/completions",
	"/v1/responses",
	"/v1/models",
	"/healthz",
	"/proxy/status",
	"/metrics",
	"/events",
}

// NormalizePath returns the matching entry of pathLabels, or "other".
func NormalizePath(path string) string {
	for _, p := range pathLabels {
		rest, ok := strings.CutPrefix(path, p)
		if ok && (rest == "" || rest[0] == '/' || rest[0] == '?') {
			return p
		}
	}
	return "other"
}
