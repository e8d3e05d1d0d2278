// Package headerrewrite implements the Header Rewriter (C3): pure
// functions over http.Header applied to the upstream response before body
// handling, so the proxy's presence never leaks through response metadata.
package headerrewrite

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"divortio-proxy/internal/proxify"
)

// dropHeaders are removed from every upstream response: encoding/framing
// headers the proxy recomputes itself, plus headers that either name the
// real origin or constrain embedding in ways that break proxying.
var dropHeaders = []string{
	"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection",
	"Keep-Alive", "Referrer-Policy", "Content-Security-Policy-Report-Only",
	"X-Frame-Options", "Cross-Origin-Opener-Policy", "Cross-Origin-Embedder-Policy",
	"Permissions-Policy", "Report-To", "NEL", "Alt-Svc", "Refresh", "SourceMap",
	"X-SourceMap", "X-DNS-Prefetch-Control", "Clear-Site-Data", "Accept-CH",
}

var privateCacheControl = regexp.MustCompile(`(?i)private|no-store|no-cache`)

var cspRelaxation = map[string]string{
	"script-src":  "'unsafe-inline' 'unsafe-eval' * data:",
	"style-src":   "'unsafe-inline' * data:",
	"connect-src": "* data: blob:",
	"img-src":     "* data: blob:",
}

// Sanitize deletes the headers in dropHeaders.
func Sanitize(h http.Header) {
	for _, name := range dropHeaders {
		h.Del(name)
	}
}

// RewriteSetCookie rewrites every Set-Cookie value: keeps the name=value
// pair, strips prior Domain/Secure/SameSite attributes, pins Domain to
// rootDomain (unless the cookie name uses the __Host- prefix, which
// forbids a Domain attribute), and always appends Secure; SameSite=Lax.
func RewriteSetCookie(h http.Header, rootDomain string) {
	values := h.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}
	h.Del("Set-Cookie")
	for _, v := range values {
		h.Add("Set-Cookie", rewriteOneCookie(v, rootDomain))
	}
}

func rewriteOneCookie(raw, rootDomain string) string {
	parts := strings.Split(raw, ";")
	nameValue := strings.TrimSpace(parts[0])
	name, _, _ := strings.Cut(nameValue, "=")

	out := []string{nameValue}
	for _, p := range parts[1:] {
		attr := strings.TrimSpace(p)
		lower := strings.ToLower(attr)
		if strings.HasPrefix(lower, "domain=") || strings.HasPrefix(lower, "secure") || strings.HasPrefix(lower, "samesite") {
			continue
		}
		out = append(out, attr)
	}

	if !strings.HasPrefix(name, "__Host-") {
		out = append(out, "Domain="+rootDomain)
	}
	out = append(out, "Secure", "SameSite=Lax")
	return strings.Join(out, "; ")
}

// RewriteLocation resolves the Location header against targetURL and
// rewrites it to a ProxyURL.
func RewriteLocation(h http.Header, p *proxify.Proxifier, targetURL *url.URL) {
	loc := h.Get("Location")
	if loc == "" {
		return
	}
	h.Set("Location", p.Proxify(loc, targetURL))
}

// RewriteLink rewrites the Link header: entries whose rel includes
// preconnect or dns-prefetch are dropped; surviving entries have their
// <url> form and any imagesrcset="…" attribute rewritten.
func RewriteLink(h http.Header, p *proxify.Proxifier, base *url.URL) {
	raw := h.Get("Link")
	if raw == "" {
		return
	}

	entries := splitLinkHeader(raw)
	kept := make([]string, 0, len(entries))
	for _, entry := range entries {
		if linkRelMatches(entry, "preconnect") || linkRelMatches(entry, "dns-prefetch") {
			continue
		}
		kept = append(kept, rewriteLinkEntry(entry, p, base))
	}

	if len(kept) == 0 {
		h.Del("Link")
		return
	}
	h.Set("Link", strings.Join(kept, ", "))
}

var linkURLPattern = regexp.MustCompile(`<([^>]*)>`)
var linkRelPattern = regexp.MustCompile(`(?i)rel\s*=\s*"?([^";]+)"?`)
var linkImageSrcsetPattern = regexp.MustCompile(`(?i)imagesrcset\s*=\s*"([^"]*)"`)

func splitLinkHeader(raw string) []string {
	// Link entries are comma-separated, but commas can appear inside the
	// imagesrcset value; split on ", <" boundaries instead of bare ",".
	var out []string
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == ',' && strings.HasPrefix(strings.TrimLeft(raw[i+1:], " \t"), "<") {
			if trimmed := strings.TrimSpace(raw[start:i]); trimmed != "" {
				out = append(out, trimmed)
			}
			start = i + 1
		}
	}
	if trimmed := strings.TrimSpace(raw[start:]); trimmed != "" {
		out = append(out, trimmed)
	}
	return out
}

func linkRelMatches(entry, rel string) bool {
	m := linkRelPattern.FindStringSubmatch(entry)
	if m == nil {
		return false
	}
	for _, r := range strings.Fields(m[1]) {
		if strings.EqualFold(r, rel) {
			return true
		}
	}
	return false
}

func rewriteLinkEntry(entry string, p *proxify.Proxifier, base *url.URL) string {
	entry = linkURLPattern.ReplaceAllStringFunc(entry, func(m string) string {
		inner := m[1 : len(m)-1]
		return "<" + p.Proxify(inner, base) + ">"
	})
	entry = linkImageSrcsetPattern.ReplaceAllStringFunc(entry, func(m string) string {
		sub := linkImageSrcsetPattern.FindStringSubmatch(m)
		return `imagesrcset="` + rewriteSrcset(sub[1], p, base) + `"`
	})
	return entry
}

// rewriteSrcset implements the srcset rewrite rule shared with the HTML
// streamer: split on ",", proxify each "url descriptor" pair's URL, keep
// the descriptor, rejoin with ", ".
func rewriteSrcset(raw string, p *proxify.Proxifier, base *url.URL) string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		fields[0] = p.Proxify(fields[0], base)
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}

// containsAllTokens reports whether every space-separated token in tokens
// already appears among the space-separated tokens of existing, so a
// directive isn't relaxed twice when RelaxCSP runs on its own output.
func containsAllTokens(existing, tokens string) bool {
	have := map[string]bool{}
	for _, t := range strings.Fields(existing) {
		have[t] = true
	}
	for _, t := range strings.Fields(tokens) {
		if !have[t] {
			return false
		}
	}
	return true
}

// RelaxCSP removes upgrade-insecure-requests and appends proxy-relaxing
// tokens to script-src/style-src/connect-src/img-src, adding any directive
// that's absent.
func RelaxCSP(h http.Header) {
	raw := h.Get("Content-Security-Policy")
	if raw == "" {
		return
	}

	directives := map[string]string{}
	var order []string
	for _, part := range strings.Split(raw, ";") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		name, rest, _ := strings.Cut(trimmed, " ")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "upgrade-insecure-requests" {
			continue
		}
		directives[name] = strings.TrimSpace(rest)
		order = append(order, name)
	}

	for name, tokens := range cspRelaxation {
		if existing, ok := directives[name]; ok {
			if !containsAllTokens(existing, tokens) {
				directives[name] = existing + " " + tokens
			}
		} else {
			directives[name] = tokens
			order = append(order, name)
		}
	}

	out := make([]string, 0, len(order))
	for _, name := range order {
		val := directives[name]
		if val == "" {
			out = append(out, name)
		} else {
			out = append(out, name+" "+val)
		}
	}
	h.Set("Content-Security-Policy", strings.Join(out, "; "))
}

// RewriteCORS rewrites Access-Control-Allow-Origin when it names a concrete
// origin whose hostname is a suffix of (or equal to) the target hostname.
func RewriteCORS(h http.Header, rootDomain, targetHost string) {
	origin := h.Get("Access-Control-Allow-Origin")
	if origin == "" || origin == "*" {
		return
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return
	}
	host := u.Hostname()
	if host != targetHost && !strings.HasSuffix(targetHost, "."+host) {
		return
	}
	h.Set("Access-Control-Allow-Origin", u.Scheme+"://"+host+"."+rootDomain)
}

// Finalize applies the headers that always land on the final response
// regardless of content type: X-Robots-Tag and, on cache hits, X-Proxy-Cache.
func Finalize(h http.Header, cacheHit bool) {
	h.Set("X-Robots-Tag", "noindex, nofollow")
	if cacheHit {
		h.Set("X-Proxy-Cache", "HIT")
	}
}

// IsCacheableCacheControl reports whether a Cache-Control value permits
// edge caching (used by the cache write safety filter, C8).
func IsCacheableCacheControl(value string) bool {
	return !privateCacheControl.MatchString(value)
}
