package handler

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"aperture-proxy/internal/events"
	"aperture-proxy/internal/metrics"
	"aperture-proxy/internal/model"
	"aperture-proxy/internal/service"
)

// ProxyHandler adapts Echo to the proxy pipeline. Every method and path on
// the proxy listener ends up here.
type ProxyHandler struct {
	service  *service.ProxyService
	notifier events.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The notifier and metrics are optional.
func NewProxyHandler(svc *service.ProxyService, n events.Notifier, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	if n == nil {
		n = events.Nop{}
	}
	return &ProxyHandler{
		service:  svc,
		notifier: n,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle runs the request through the pipeline. The pipeline writes the
// response itself; only failures before anything was written come back here.
func (h *ProxyHandler) Handle(c echo.Context) error {
	res := c.Response()

	id := res.Header().Get(echo.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
		res.Header().Set(echo.HeaderXRequestID, id)
	}

	err := h.service.Proxy(res, model.NewProxyRequest(c.Request(), id))
	if err == nil {
		return nil
	}
	if res.Committed {
		h.logger.Warn("error after response was committed",
			"request_id", id,
			"err", service.SanitizeError(err),
		)
		return nil
	}
	return h.mapError(c, id, err)
}

func (h *ProxyHandler) mapError(c echo.Context, id string, err error) error {
	status, msg := service.Classify(err)
	kind := service.KindOf(err)

	h.logger.Error("proxy error",
		"request_id", id,
		"kind", kind.String(),
		"status", status,
		"err", service.SanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if h.metrics != nil {
		h.metrics.ErrorsTotal.WithLabelValues(kind.String()).Inc()
	}
	h.notifier.Notify(events.ProxyError(id, msg))

	return c.JSON(status, map[string]string{
		"error": msg,
	})
}
