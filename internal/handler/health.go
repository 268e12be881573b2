package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"aperture-proxy/internal/config"
)

// Version is the build version, typed so the container can inject it.
type Version string

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ProxyURL      string `json:"proxy_url"`
	AnthropicURL  string `json:"anthropic_url"`
	OpenAIURL     string `json:"openai_url"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HealthHandler answers liveness and status probes on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	started time.Time
}

func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, started: time.Now()}
}

func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports where the proxy listens and where each provider's traffic
// is forwarded.
func (h *HealthHandler) Status(c echo.Context) error {
	targets := h.cfg.Upstream.Targets()
	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		ProxyURL:      h.cfg.Server.URL(),
		AnthropicURL:  targets.AnthropicURL,
		OpenAIURL:     targets.OpenAIURL,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}
