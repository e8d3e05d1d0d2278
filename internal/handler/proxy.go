package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"divortio-proxy/internal/service"
)

// ProxyHandler adapts the orchestrator's ResponseWriter-based pipeline to
// echo.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle runs the per-request pipeline. The pipeline writes directly to
// c.Response() as it streams; Handle only maps a returned error to a status
// code when nothing has been written yet.
func (h *ProxyHandler) Handle(c echo.Context) error {
	err := h.service.Forward(c.Response(), c.Request())
	if err == nil {
		return nil
	}
	return h.mapError(c, err)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrLanding) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "not found",
		})
	}

	h.logger.Error("proxy error", "err", err, "host", c.Request().Host, "path", c.Request().URL.Path)

	if errors.Is(err, context.DeadlineExceeded) {
		return jsonProxyError(c, http.StatusGatewayTimeout, "upstream request timed out")
	}

	if errors.Is(err, context.Canceled) {
		return jsonProxyError(c, http.StatusBadGateway, "client disconnected")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return jsonProxyError(c, http.StatusBadGateway, "upstream host unreachable")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return jsonProxyError(c, http.StatusBadGateway, "upstream connection failed")
	}

	return jsonProxyError(c, http.StatusInternalServerError, "Proxy Error")
}

// jsonProxyError writes the generic error envelope, per the error-boundary
// contract, with no caching of error bodies.
func jsonProxyError(c echo.Context, status int, message string) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(status, map[string]string{
		"error":     message,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
