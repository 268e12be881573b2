package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aperture-proxy/internal/config"
	"aperture-proxy/internal/metrics"
)

// RegisterRoutes sends every method and path on the proxy listener to the
// proxy pipeline.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	// Any covers echo's standard method set only; other methods land here.
	e.RouteNotFound("/*", proxy.Handle)
}

// RegisterAdminRoutes wires the health, status, metrics and event routes
// onto the admin listener. m may be nil when metrics are disabled.
func RegisterAdminRoutes(e *echo.Echo, cfg *config.Config, health *HealthHandler, ev *EventsHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/events", ev.Stream)

	if m != nil && cfg.MetricsEnabled() {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
