// Package resolver decodes the upstream target from a proxied request's
// hostname and enforces the domain lock that keeps this proxy from being an
// open relay (C1).
package resolver

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"divortio-proxy/internal/model"
)

// ErrNotProxyable is returned when a request's hostname does not end with
// the configured root domain, or the encoded target host is empty.
var ErrNotProxyable = errors.New("resolver: request is not proxyable")

// ErrLanding is returned when the request hostname equals the root domain,
// whether or not a redirect query is present.
var ErrLanding = errors.New("resolver: landing page request")

// Resolve decodes the upstream Target from an incoming request's hostname
// and path: it strips the request's own port, rejects the landing page
// host, strips the root domain suffix, and rejects any host that isn't
// actually a subdomain of it.
func Resolve(reqHost, path, rawQuery, rootDomain string) (model.Target, error) {
	host := stripPort(reqHost)

	if host == rootDomain {
		return model.Target{}, ErrLanding
	}

	suffix := "." + rootDomain
	if !strings.HasSuffix(host, suffix) {
		return model.Target{}, ErrNotProxyable
	}

	targetHost := strings.TrimSuffix(host, suffix)
	if targetHost == "" {
		return model.Target{}, ErrNotProxyable
	}

	raw := "https://" + targetHost + path
	if rawQuery != "" {
		raw += "?" + rawQuery
	}

	u, err := url.Parse(raw)
	if err != nil {
		return model.Target{}, fmt.Errorf("%w: %v", ErrNotProxyable, err)
	}

	return model.Target{Host: targetHost, URL: u}, nil
}

// ParseRootRedirect handles a GET to the root domain carrying a query
// string, interpreted as a user-typed target (?example.com or
// ?https://example.com/x). It returns the ProxyURL (as a string) to
// redirect the client to, or an error if the query cannot be decoded as a
// target; the service answers such an error as a landing request (404).
func ParseRootRedirect(rawQuery, rootDomain string) (string, error) {
	if rawQuery == "" {
		return "", fmt.Errorf("resolver: empty redirect query")
	}

	decoded, err := url.QueryUnescape(rawQuery)
	if err != nil {
		return "", fmt.Errorf("resolver: decode redirect query: %w", err)
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return "", fmt.Errorf("resolver: empty redirect target")
	}

	if !strings.Contains(decoded, "://") {
		decoded = "https://" + decoded
	}

	u, err := url.Parse(decoded)
	if err != nil {
		return "", fmt.Errorf("resolver: parse redirect target: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("resolver: redirect target has no host")
	}

	proxyHost := u.Hostname() + "." + rootDomain
	result := url.URL{
		Scheme:   "https",
		Host:     proxyHost,
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}
	return result.String(), nil
}

// stripPort removes an optional ":port" suffix from a Host header value,
// including bracketed IPv6 literals.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
