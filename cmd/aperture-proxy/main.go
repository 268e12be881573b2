package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"aperture-proxy/internal/client"
	"aperture-proxy/internal/config"
	"aperture-proxy/internal/events"
	"aperture-proxy/internal/handler"
	"aperture-proxy/internal/metrics"
	"aperture-proxy/internal/middleware"
	"aperture-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// envFiles are loaded before flags are parsed. Variables already set in the
// environment win.
var envFiles = []string{".env", "../.env"}

const checkDialTimeout = 500 * time.Millisecond

type cli struct {
	config.CLI `embed:""`

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve struct{} `cmd:"" default:"withargs" help:"Run the proxy (default)."`
	Check struct{} `cmd:"" help:"Report whether a proxy is listening on the configured address."`
}

func main() {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	var c cli
	kctx := kong.Parse(&c,
		kong.Name("aperture-proxy"),
		kong.Description("Transparent local proxy for LLM provider APIs."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	switch kctx.Command() {
	case "check":
		running, err := check(&c.CLI)
		kctx.FatalIfErrorf(err)
		if !running {
			os.Exit(1)
		}
	default:
		fx.New(fx.WithLogger(newFxLogger), appOptions(&c.CLI)).Run()
	}
}

func appOptions(c *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return c },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			events.NewHub,
			func(h *events.Hub) events.Notifier { return h },
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewEventsHandler,
			newEcho,
			newAdminEcho,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			registerAdminRoutes,
			warnConfigPermissions,
			startServer,
			startAdminServer,
		),
	)
}

// check dials the configured proxy address and prints whether something is
// listening there.
func check(c *config.CLI) (bool, error) {
	cfg, err := config.Load(c)
	if err != nil {
		return false, err
	}

	conn, err := net.DialTimeout("tcp", cfg.Server.Addr(), checkDialTimeout)
	if err != nil {
		fmt.Printf("no proxy running at %s\n", cfg.Server.URL())
		return false, nil
	}
	_ = conn.Close()

	fmt.Printf("proxy running at %s\n", cfg.Server.URL())
	return true, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Log.Format, "text") {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newFxLogger routes container events to the application logger. Routine
// lifecycle events are debug noise; failures still log at error level.
func newFxLogger(logger *slog.Logger) fxevent.Logger {
	l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
	l.UseLogLevel(slog.LevelDebug)
	return l
}

// newMetrics returns nil when metrics are disabled; every consumer accepts that.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.MetricsEnabled() {
		return nil
	}
	return metrics.New()
}

func newEcho(logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow clients. WriteTimeout stays disabled
	// so long event streams are not cut off; the upstream deadline bounds
	// buffered responses.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger.With("component", "access_log")))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.StripHopByHop())

	return e
}

// adminEcho is the Echo instance behind the admin listener. It is a distinct
// type so the container can tell it apart from the proxy's.
type adminEcho struct {
	*echo.Echo
}

func newAdminEcho(logger *slog.Logger, m *metrics.Metrics) *adminEcho {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger.With("component", "admin_access_log")))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.SecurityHeaders())

	return &adminEcho{Echo: e}
}

func registerAdminRoutes(a *adminEcho, cfg *config.Config, health *handler.HealthHandler, ev *handler.EventsHandler, m *metrics.Metrics) {
	handler.RegisterAdminRoutes(a.Echo, cfg, health, ev, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// serve binds addr in the start hook, so a taken port fails startup, and
// serves in the background until stopped.
func serve(lc fx.Lifecycle, e *echo.Echo, name, addr string, logger *slog.Logger, beforeStop func()) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s listener on %s: %w", name, addr, err)
			}
			logger.Info("starting server", "listener", name, "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "listener", name, "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "listener", name)
			if beforeStop != nil {
				beforeStop()
			}
			return e.Shutdown(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	serve(lc, e, "proxy", cfg.Server.Addr(), logger, nil)
	logger.Info("proxy configured",
		"url", cfg.Server.URL(),
		"anthropic_url", cfg.Upstream.AnthropicURL,
		"openai_url", cfg.Upstream.OpenAIURL,
		"body_max_bytes", cfg.Server.BodyMaxBytes,
		"timeout_seconds", cfg.Upstream.TimeoutSeconds,
	)
}

// startAdminServer runs the admin listener when enabled. Websocket
// observers are hijacked connections that Shutdown does not wait for, so
// the hub is closed first to end their streams.
func startAdminServer(lc fx.Lifecycle, a *adminEcho, hub *events.Hub, cfg *config.Config, logger *slog.Logger) {
	if !cfg.AdminEnabled() {
		logger.Info("admin listener disabled")
		return
	}
	serve(lc, a.Echo, "admin", cfg.AdminAddr(), logger, hub.Close)
}
