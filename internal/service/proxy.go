// Package service implements the Request Orchestrator (C11): the
// per-request pipeline that ties the asset generator, edge cache, URL
// resolver, mod framework, WebSocket tunnel, request rewriter, upstream
// fetch, and response dispatcher together.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"divortio-proxy/internal/assets"
	"divortio-proxy/internal/cache"
	"divortio-proxy/internal/client"
	"divortio-proxy/internal/config"
	"divortio-proxy/internal/cookieglob"
	"divortio-proxy/internal/dispatch"
	"divortio-proxy/internal/metrics"
	"divortio-proxy/internal/mod"
	"divortio-proxy/internal/proxify"
	"divortio-proxy/internal/reqrewrite"
	"divortio-proxy/internal/resolver"
	"divortio-proxy/internal/wsproxy"
)

const assetPrefix = "/__divortio_"

const interceptorTagFmt = `<script>self.__CFG__={rootDomain:%q}</script><script src="/__divortio_interceptor.js" async></script>`

// ErrNotFound is returned to the caller when the request hostname isn't a
// subdomain of the configured root domain.
var ErrNotFound = resolver.ErrNotProxyable

// ErrLanding is returned when the request hostname is the bare root
// domain and carries no usable redirect target; the caller answers it
// with a 404.
var ErrLanding = resolver.ErrLanding

// ProxyService implements the per-request proxying pipeline.
type ProxyService struct {
	client         *client.UpstreamClient
	cfg            *config.Config
	logger         *slog.Logger
	proxifier      *proxify.Proxifier
	cookiePatterns *cookieglob.MatcherSet
	cache          *cache.Cache
	mods           *mod.Registry
	traffic        *mod.TrafficRegistry
	assets         *assets.Generator
	metrics        *metrics.Metrics
}

// New creates a ProxyService.
func New(
	c *client.UpstreamClient,
	cfg *config.Config,
	logger *slog.Logger,
	proxifier *proxify.Proxifier,
	cookiePatterns *cookieglob.MatcherSet,
	cch *cache.Cache,
	mods *mod.Registry,
	traffic *mod.TrafficRegistry,
	assetGen *assets.Generator,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		client:         c,
		cfg:            cfg,
		logger:         logger.With("component", "proxy_service"),
		proxifier:      proxifier,
		cookiePatterns: cookiePatterns,
		cache:          cch,
		mods:           mods,
		traffic:        traffic,
		assets:         assetGen,
		metrics:        m,
	}
}

// Forward runs the full per-request pipeline and writes the final response
// to w. It returns an error only when no response has been written yet;
// callers map the error to a status code (ErrNotFound and ErrLanding →
// 404, anything else → 502/500). A rewrite error after the response has
// started is logged instead of returned.
func (s *ProxyService) Forward(w http.ResponseWriter, r *http.Request) error {
	if handled, err := s.serveAsset(w, r); handled {
		return err
	}

	target, err := resolver.Resolve(r.Host, r.URL.Path, r.URL.RawQuery, s.cfg.RootDomain)
	if err != nil {
		if errors.Is(err, resolver.ErrLanding) {
			return s.handleLanding(w, r)
		}
		return err
	}

	if r.Method == http.MethodGet && s.cache != nil {
		if s.serveFromCache(w, r) {
			return nil
		}
	}

	if s.traffic != nil {
		result, err := s.traffic.Execute(target)
		if err != nil {
			return fmt.Errorf("traffic mod: %w", err)
		}
		if result != nil {
			writeModResponse(w, result)
			return nil
		}
	}

	if websocket.IsWebSocketUpgrade(r) {
		if s.metrics != nil {
			s.metrics.WebsocketSessions.Inc()
			defer s.metrics.WebsocketSessions.Dec()
		}
		if err := wsproxy.Tunnel(w, r, target, s.logger); err != nil {
			if s.metrics != nil {
				s.metrics.WebsocketErrors.WithLabelValues("tunnel").Inc()
			}
			s.logger.Error("websocket tunnel failed", "err", err, "target", target.Host)
		}
		return nil
	}

	upstreamReq, err := reqrewrite.Build(r.Context(), r, target, s.cfg.RootDomain, s.cookiePatterns)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		return fmt.Errorf("upstream fetch: %w", err)
	}
	defer resp.Body.Close()

	cacheable := r.Method == http.MethodGet && s.cache != nil && s.cache.Cacheable(resp.StatusCode, resp.Header)
	cacheKey := ""
	if cacheable {
		cacheKey = cache.Key(r)
	}

	body := decompressBody(resp.Body, resp.Header.Get("Content-Encoding"), s.logger)
	defer body.Close()

	opts := dispatch.Options{
		Proxifier:    s.proxifier,
		RootDomain:   s.cfg.RootDomain,
		CacheHit:     false,
		InjectHead:   s.injectHead(),
		BodyMaxBytes: s.cfg.Server.BodyMaxBytes,
	}
	if s.mods != nil {
		opts.Bindings = s.mods.Bindings(r.Host)
	}

	for k, v := range resp.Header {
		w.Header()[k] = v
	}

	flush := &headerFlushWriter{w: w, status: resp.StatusCode}

	var dispatchErr error
	if cacheable {
		var buf strings.Builder
		tee := &teeWriter{w: flush, b: &buf}
		dispatchErr = dispatch.Dispatch(tee, w.Header(), resp.StatusCode, body, target, opts)
		if dispatchErr == nil {
			s.cache.Set(cacheKey, resp.StatusCode, w.Header(), []byte(buf.String()))
		}
	} else {
		dispatchErr = dispatch.Dispatch(flush, w.Header(), resp.StatusCode, body, target, opts)
	}
	if dispatchErr != nil && !flush.wroteHeader {
		return dispatchErr
	}
	if !flush.wroteHeader {
		w.WriteHeader(resp.StatusCode)
	}
	if dispatchErr != nil {
		s.logger.Warn("response rewrite failed after the response started", "err", dispatchErr, "target", target.Host)
	}
	return nil
}

// serveAsset handles the three generated-script endpoints, independent of
// the request's host. handled is false for every other path.
func (s *ProxyService) serveAsset(w http.ResponseWriter, r *http.Request) (handled bool, err error) {
	if !strings.HasPrefix(r.URL.Path, assetPrefix) {
		return false, nil
	}
	switch r.URL.Path {
	case "/__divortio_interceptor.js":
		return true, s.assets.Interceptor(w)
	case "/__divortio_sw.js":
		if !s.cfg.Feature.ServiceWorker {
			http.NotFound(w, r)
			return true, nil
		}
		return true, s.assets.ServiceWorker(w)
	case "/__divortio_sw_injector.js":
		if !s.cfg.Feature.ServiceWorker {
			http.NotFound(w, r)
			return true, nil
		}
		return true, s.assets.SWInjector(w, r.URL.Query().Get("target"))
	default:
		return false, nil
	}
}

// handleLanding resolves a "?target" redirect query on the root domain, or
// returns ErrLanding when the query is empty or not a usable target.
func (s *ProxyService) handleLanding(w http.ResponseWriter, r *http.Request) error {
	if r.URL.RawQuery == "" {
		return ErrLanding
	}
	dest, err := resolver.ParseRootRedirect(r.URL.RawQuery, s.cfg.RootDomain)
	if err != nil {
		return ErrLanding
	}
	http.Redirect(w, r, dest, http.StatusFound)
	return nil
}

// serveFromCache writes the cached entry for r, if present, and reports
// whether it did.
func (s *ProxyService) serveFromCache(w http.ResponseWriter, r *http.Request) bool {
	entry, ok := s.cache.Get(cache.Key(r))
	if !ok {
		return false
	}
	for k, v := range entry.Header {
		w.Header()[k] = v
	}
	w.Header().Set("X-Proxy-Cache", "HIT")
	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
	return true
}

// injectHead returns the <head>-injected markup the HTML streamer adds to
// every rewritten page, or "" when stealth mode is disabled.
func (s *ProxyService) injectHead() string {
	if !s.cfg.Feature.StealthMode {
		return ""
	}
	return fmt.Sprintf(interceptorTagFmt, s.cfg.RootDomain)
}

func writeModResponse(w http.ResponseWriter, result *mod.Response) {
	for k, v := range result.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(result.StatusCode)
	if len(result.Body) > 0 {
		_, _ = w.Write(result.Body)
	}
}

// headerFlushWriter defers WriteHeader until the first Write, so callers
// can keep mutating the response header up to the moment body bytes are
// about to be sent.
type headerFlushWriter struct {
	w           http.ResponseWriter
	status      int
	wroteHeader bool
}

func (f *headerFlushWriter) Write(p []byte) (int, error) {
	if !f.wroteHeader {
		f.w.WriteHeader(f.status)
		f.wroteHeader = true
	}
	return f.w.Write(p)
}

// teeWriter mirrors every Write into both the live response and an
// in-memory buffer, used to capture the rewritten bytes for the cache
// write without forcing the HTML streamer to buffer its output.
type teeWriter struct {
	w io.Writer
	b *strings.Builder
}

func (t *teeWriter) Write(p []byte) (int, error) {
	t.b.Write(p)
	return t.w.Write(p)
}
