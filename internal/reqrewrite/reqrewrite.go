// Package reqrewrite builds the sanitized upstream request from an incoming
// proxied request (C2): it strips leak headers, rewrites Referer/Origin back
// to the real origin, and filters cookies that must never reach upstream.
package reqrewrite

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"divortio-proxy/internal/cookieglob"
	"divortio-proxy/internal/model"
	"divortio-proxy/internal/resolver"
)

// leakHeaders are stripped case-insensitively from every outbound upstream
// request; they would otherwise reveal the proxy's own infrastructure or the
// client's real address to the upstream origin.
var leakHeaders = []string{
	"x-forwarded-for", "x-forwarded-proto", "x-real-ip", "via",
	"cf-connecting-ip", "cf-ipcountry", "cf-ray", "cf-visitor",
}

// leakHeaderPrefixes are stripped by prefix match (case-insensitive).
var leakHeaderPrefixes = []string{"cf-access-", "x-cf-"}

// Build constructs the outgoing *http.Request toward target, applying
// header stripping, Referer/Origin rewrite, and cookie filtering. The
// request body is forwarded unchanged, including streaming bodies.
func Build(ctx context.Context, r *http.Request, target model.Target, rootDomain string, cookiePatterns *cookieglob.MatcherSet) (*http.Request, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, target.URL.String(), r.Body)
	if err != nil {
		return nil, err
	}

	out.Header = cloneHeader(r.Header)
	out.Host = target.Host
	out.Header.Set("Host", target.Host)

	stripLeakHeaders(out.Header)
	rewriteIdentityHeader(out.Header, "Referer", rootDomain)
	rewriteIdentityHeader(out.Header, "Origin", rootDomain)
	filterCookies(out.Header, cookiePatterns)

	return out, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

func stripLeakHeaders(h http.Header) {
	for _, name := range leakHeaders {
		h.Del(name)
	}
	for key := range h {
		lower := strings.ToLower(key)
		for _, prefix := range leakHeaderPrefixes {
			if strings.HasPrefix(lower, prefix) {
				h.Del(key)
				break
			}
		}
	}
}

// rewriteIdentityHeader rewrites a Referer/Origin value that points back at
// the proxy: it resolves the value's hostname back to the real upstream URL
// via the resolver; on parse failure, it deletes the header entirely rather
// than leak the proxy's own domain upstream.
func rewriteIdentityHeader(h http.Header, name, rootDomain string) {
	val := h.Get(name)
	if val == "" {
		return
	}

	u, err := url.Parse(val)
	if err != nil {
		h.Del(name)
		return
	}

	if !strings.HasSuffix(u.Hostname(), "."+rootDomain) && u.Hostname() != rootDomain {
		// Value doesn't point at the proxy at all: leave it untouched.
		return
	}

	target, err := resolver.Resolve(u.Host, u.Path, u.RawQuery, rootDomain)
	if err != nil {
		h.Del(name)
		return
	}

	if name == "Origin" {
		// Origin never carries a path/query.
		h.Set(name, target.URL.Scheme+"://"+target.URL.Host)
		return
	}
	h.Set(name, target.URL.String())
}

func filterCookies(h http.Header, patterns *cookieglob.MatcherSet) {
	raw := h.Get("Cookie")
	if raw == "" {
		return
	}

	parts := strings.Split(raw, ";")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		name, _, _ := strings.Cut(trimmed, "=")
		if patterns.Match(strings.TrimSpace(name)) {
			continue
		}
		kept = append(kept, trimmed)
	}

	if len(kept) == 0 {
		h.Del("Cookie")
		return
	}
	h.Set("Cookie", strings.Join(kept, "; "))
}
