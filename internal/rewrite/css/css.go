// Package css rewrites URL-bearing constructs in CSS text (C5): @import,
// image-set(), and the general url(...) form.
package css

import (
	"net/url"
	"regexp"
	"strings"

	"divortio-proxy/internal/proxify"
)

var sourceMapLine = regexp.MustCompile(`(?m)^.*/\*#\s*sourceMappingURL=.*\*/\s*$\n?`)

// urlFunc matches url(...), with or without quotes, capturing the quote
// character (if any) and the inner value.
var urlFunc = regexp.MustCompile(`url\(\s*(['"]?)([^'")]*)['"]?\s*\)`)

// importRule matches @import "..." and @import url(...).
var importRule = regexp.MustCompile(`@import\s+(?:url\(\s*)?(['"])([^'"]*)(['"])\s*\)?`)

// Rewrite rewrites all URL-bearing constructs in a CSS document against
// base, returning the transformed bytes. Content-Length must be
// recalculated by the caller from len(result).
func Rewrite(body []byte, p *proxify.Proxifier, base *url.URL) []byte {
	text := string(body)
	text = sourceMapLine.ReplaceAllString(text, "")

	text = importRule.ReplaceAllStringFunc(text, func(m string) string {
		sub := importRule.FindStringSubmatch(m)
		raw := sub[2]
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "data:") {
			return m
		}
		return `@import "` + p.Proxify(raw, base) + `"`
	})

	text = urlFunc.ReplaceAllStringFunc(text, func(m string) string {
		sub := urlFunc.FindStringSubmatch(m)
		quote, raw := sub[1], sub[2]
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "data:") {
			return m
		}
		rewritten := p.Proxify(raw, base)
		if quote == "" {
			quote = `"`
		}
		return "url(" + quote + rewritten + quote + ")"
	})

	return []byte(text)
}
