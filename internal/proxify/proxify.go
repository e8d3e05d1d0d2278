// Package proxify implements the shared absolute-URL → proxy-URL mapping
// primitive (C4) used by every content rewriter.
package proxify

import (
	"errors"
	"net/url"
	"strings"
)

// skipSchemes are URL prefixes that are never rewritten: they don't name a
// fetchable network resource under the proxy's control.
var skipSchemes = []string{"data:", "blob:", "javascript:", "chrome-extension:", "mailto:", "tel:"}

// Proxifier converts absolute URLs on any origin into ProxyURLs under the
// root domain. It precomputes the root-domain suffix once, since the hot
// path calls Proxify on every URL-bearing attribute of every document.
type Proxifier struct {
	rootDomain string
	dotSuffix  string // ".{root_domain}"
}

// New creates a Proxifier for the given root domain.
func New(rootDomain string) *Proxifier {
	return &Proxifier{
		rootDomain: rootDomain,
		dotSuffix:  "." + rootDomain,
	}
}

// RootDomain returns the configured root domain.
func (p *Proxifier) RootDomain() string {
	return p.rootDomain
}

// IsProxied reports whether hostname already ends with the root domain
// suffix (C4 idempotence rule).
func (p *Proxifier) IsProxied(hostname string) bool {
	return strings.HasSuffix(hostname, p.dotSuffix) || hostname == p.rootDomain
}

// Host returns the ProxyURL hostname for a given upstream hostname.
func (p *Proxifier) Host(upstreamHost string) string {
	return upstreamHost + p.dotSuffix
}

// Proxify rewrites raw (an attribute/CSS/JSON URL value, absolute or
// relative) against base into a ProxyURL string: non-network schemes pass
// through unchanged, already-proxied URLs pass through unchanged
// (idempotence), and ws/wss map onto wss.
func (p *Proxifier) Proxify(raw string, base *url.URL) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return raw
	}
	lower := strings.ToLower(trimmed)
	for _, s := range skipSchemes {
		if strings.HasPrefix(lower, s) {
			return raw
		}
	}

	resolved, err := resolveAgainst(trimmed, base)
	if err != nil {
		return raw
	}

	if p.IsProxied(resolved.Hostname()) {
		return raw
	}

	scheme := resolved.Scheme
	switch scheme {
	case "ws":
		scheme = "wss"
	case "wss":
		scheme = "wss"
	case "http", "https":
		scheme = "https"
	default:
		// Unknown scheme (e.g. already scheme-relative oddities): leave as-is.
		return raw
	}

	out := url.URL{
		Scheme:   scheme,
		Host:     p.Host(resolved.Hostname()),
		Path:     resolved.EscapedPath(),
		RawQuery: resolved.RawQuery,
		Fragment: resolved.Fragment,
	}
	return out.String()
}

// resolveAgainst parses raw and, when it is relative, resolves it against
// base. A relative raw with a nil base is an error.
func resolveAgainst(raw string, base *url.URL) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if base == nil {
		return nil, errors.New("proxify: relative URL without a base")
	}
	return base.ResolveReference(u), nil
}
