// Package xmlrw rewrites URL-bearing constructs in XML-family documents
// (RSS, Atom, sitemaps) using targeted regexes over the whole buffered
// document rather than a full XML parser, leaving everything outside the
// matched URLs unchanged, like the CSS rewriter (C5).
package xmlrw

import (
	"net/url"
	"regexp"
	"strings"

	"divortio-proxy/internal/proxify"
)

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(<\?xml-stylesheet[^>]*\bhref=")([^"]*)(")`),
	regexp.MustCompile(`(?i)(<link>)([^<]*)(</link>)`),
	regexp.MustCompile(`(?i)(<[a-zA-Z0-9:]*link[^>]*\bhref=")([^"]*)(")`),
	regexp.MustCompile(`(?i)(<enclosure[^>]*\burl=")([^"]*)(")`),
	regexp.MustCompile(`(?i)(<media:content[^>]*\burl=")([^"]*)(")`),
	regexp.MustCompile(`(?i)(<loc>)([^<]*)(</loc>)`),
	regexp.MustCompile(`(?i)(<image:loc>)([^<]*)(</image:loc>)`),
}

// Rewrite applies each targeted pattern in turn, proxifying the captured
// URL unless it already points at the proxy.
func Rewrite(body []byte, p *proxify.Proxifier, base *url.URL) []byte {
	text := string(body)
	for _, re := range patterns {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			sub := re.FindStringSubmatch(m)
			raw := strings.TrimSpace(sub[2])
			if raw == "" {
				return m
			}
			return sub[1] + p.Proxify(raw, base) + sub[3]
		})
	}
	return []byte(text)
}
