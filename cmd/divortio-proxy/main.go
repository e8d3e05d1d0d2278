package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"divortio-proxy/internal/assets"
	"divortio-proxy/internal/cache"
	"divortio-proxy/internal/client"
	"divortio-proxy/internal/config"
	"divortio-proxy/internal/cookieglob"
	"divortio-proxy/internal/handler"
	"divortio-proxy/internal/metrics"
	"divortio-proxy/internal/middleware"
	"divortio-proxy/internal/mod"
	"divortio-proxy/internal/proxify"
	"divortio-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("divortio-proxy"),
		kong.Description("Stealth reverse proxy that serves arbitrary upstream sites under one wildcard domain."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newEcho,
			metrics.New,
			newProxifier,
			newCookiePatterns,
			newCache,
			newModRegistry,
			newTrafficRegistry,
			newAssetGenerator,
			client.New,
			service.New,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off a long-running
	// streamed proxy response. The upstream client timeout, ReadTimeout,
	// and IdleTimeout provide the slow-client protection instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.StripHopByHopHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	return e
}

func newProxifier(cfg *config.Config) *proxify.Proxifier {
	return proxify.New(cfg.RootDomain)
}

func newCookiePatterns(cfg *config.Config) (*cookieglob.MatcherSet, error) {
	patterns := append([]string{}, cfg.Cookies.RootPassthrough...)
	patterns = append(patterns, cfg.Cookies.ProxyPassthrough...)
	return cookieglob.Compile(patterns)
}

func newCache(cfg *config.Config) (*cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	return cache.New(10000, cfg.Cache.TTLSeconds, cfg.Cache.CacheableTypes)
}

// newModRegistry builds the HTML-rewriting Mod Framework registry. Concrete
// Mods are registered per deployment, not hardcoded here; an empty registry
// is a no-op HTML passthrough.
func newModRegistry(cfg *config.Config) (*mod.Registry, error) {
	return mod.NewRegistry(nil)
}

// newTrafficRegistry builds the request-level Mod Framework registry. Like
// newModRegistry, concrete TrafficMods are a deployment-time concern.
func newTrafficRegistry(cfg *config.Config) *mod.TrafficRegistry {
	return mod.NewTrafficRegistry(nil)
}

func newAssetGenerator(cfg *config.Config) *assets.Generator {
	return assets.New(cfg.RootDomain)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, cch *cache.Cache, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "root_domain", cfg.RootDomain)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			if cch != nil {
				cch.Close()
			}
			return e.Shutdown(ctx)
		},
	})
}
