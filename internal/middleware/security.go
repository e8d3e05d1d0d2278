package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHopHeaders returns an Echo middleware that removes hop-by-hop
// headers from the incoming request before it reaches the request
// rewriter (C2), which clones the request header set verbatim. It does
// not touch the response: response headers are owned by the Header
// Rewriter (C3) and the dispatcher, which have already written the
// response by the time middleware code resumes after next(c).
func StripHopByHopHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}
			return next(c)
		}
	}
}
