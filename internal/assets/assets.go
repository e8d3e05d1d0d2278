// Package assets implements the Asset Generator (C10): it serves the
// client-side interceptor, the proxy's own service worker, and a
// service-worker injector, all templated with the configured root domain.
package assets

import (
	"bytes"
	"net/http"
	"text/template"
)

const interceptorSource = `self.__CFG__ = {rootDomain: {{printf "%q" .RootDomain}}};
(function () {
  const ROOT = self.__CFG__.rootDomain;
  function isProxied(host) {
    return host === ROOT || host.endsWith("." + ROOT);
  }
  self.__d_rw = function (specifier) {
    return specifier;
  };
  if (typeof fetch === "function") {
    const nativeFetch = fetch;
    self.fetch = function (input, init) {
      return nativeFetch(input, init);
    };
  }
})();
`

const serviceWorkerSource = `self.__CFG__ = {rootDomain: {{printf "%q" .RootDomain}}};
self.addEventListener("install", function (event) {
  self.skipWaiting();
});
self.addEventListener("activate", function (event) {
  event.waitUntil(self.clients.claim());
});
self.addEventListener("fetch", function (event) {
  event.respondWith(fetch(event.request));
});
`

const swInjectorSource = `importScripts({{printf "%q" .InterceptorPath}});
importScripts({{printf "%q" .TargetSW}});
`

var (
	interceptorTmpl   = template.Must(template.New("interceptor").Parse(interceptorSource))
	serviceWorkerTmpl = template.Must(template.New("sw").Parse(serviceWorkerSource))
	swInjectorTmpl    = template.Must(template.New("sw_injector").Parse(swInjectorSource))
)

// Generator renders the generated script endpoints for a fixed root domain.
type Generator struct {
	RootDomain string
}

// New builds a Generator for rootDomain.
func New(rootDomain string) *Generator {
	return &Generator{RootDomain: rootDomain}
}

// Interceptor writes the client-side interceptor script.
func (g *Generator) Interceptor(w http.ResponseWriter) error {
	setCommonHeaders(w)
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=43200")
	return interceptorTmpl.Execute(w, g)
}

// ServiceWorker writes the proxy's own service worker script.
func (g *Generator) ServiceWorker(w http.ResponseWriter) error {
	setCommonHeaders(w)
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=43200")
	w.Header().Set("Service-Worker-Allowed", "/")
	return serviceWorkerTmpl.Execute(w, g)
}

// SWInjector writes the service-worker injector wrapper for target, the
// URL of the page's own service worker script (already query-decoded by
// the caller). It writes a 400 if target is missing.
func (g *Generator) SWInjector(w http.ResponseWriter, target string) error {
	if target == "" {
		http.Error(w, "missing target parameter", http.StatusBadRequest)
		return nil
	}

	setCommonHeaders(w)
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Service-Worker-Allowed", "/")

	var buf bytes.Buffer
	err := swInjectorTmpl.Execute(&buf, map[string]string{
		"InterceptorPath": "/__divortio_interceptor.js",
		"TargetSW":        target,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func setCommonHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")
}
