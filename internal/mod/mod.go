// Package mod implements the Mod Framework (C12): pluggable text/URL
// rewriters that are scoped to a subset of requests by domain pattern and
// to a subset of elements by CSS selector, and instantiated fresh per
// matching request.
package mod

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"divortio-proxy/internal/model"
	"divortio-proxy/internal/rewrite/htmlrw"
)

// HandlerFactory builds a fresh htmlrw.Binding for one request, seeded
// with the Mod's DefaultArgs.
type HandlerFactory func(args map[string]string) htmlrw.Binding

// Mod is one pluggable rewriter: it applies only on requests whose
// outer host matches DomainPattern, and only to elements its Selector
// matches.
type Mod struct {
	ID             string
	Selector       string
	DomainPattern  string
	HandlerFactory HandlerFactory
	DefaultArgs    map[string]string

	compiled cascadia.Sel
}

// Registry holds the configured set of Mods and instantiates the subset
// that applies to a given request host.
type Registry struct {
	mods []*Mod
}

// NewRegistry compiles each Mod's selector once and returns a Registry.
// It fails with the compile error of the first Mod whose selector is
// invalid.
func NewRegistry(mods []*Mod) (*Registry, error) {
	r := &Registry{}
	for _, m := range mods {
		sel, err := cascadia.Compile(m.Selector)
		if err != nil {
			return nil, err
		}
		m.compiled = sel
		r.mods = append(r.mods, m)
	}
	return r, nil
}

// Bindings returns the htmlrw.Binding set for every registered Mod whose
// DomainPattern matches host (no per-Mod enabled flag is consulted, so
// every registered Mod is active), each wrapping a Match predicate evaluated
// against a synthetic single-node tree built from the streamer's
// open-tag name and attributes (there is no DOM available mid-stream).
func (r *Registry) Bindings(host string) []htmlrw.Binding {
	var out []htmlrw.Binding
	for _, m := range r.mods {
		if !DomainPattern(m.DomainPattern).Matches(host) {
			continue
		}
		sel := m.compiled
		handler := m.HandlerFactory(m.DefaultArgs)
		out = append(out, htmlrw.Binding{
			Match: func(tag string, attrs []html.Attribute) bool {
				return sel.Match(syntheticNode(tag, attrs))
			},
			Rewrite: handler.Rewrite,
		})
	}
	return out
}

// syntheticNode builds a single *html.Node standing in for one open tag,
// enough for cascadia's tag/attribute/pseudo-class matchers (it has no
// parent, siblings, or children, so structural selectors like
// descendant combinators never match).
func syntheticNode(tag string, attrs []html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Lookup([]byte(tag)),
		Data:     tag,
		Attr:     attrs,
	}
}

// Response is a fully-formed short-circuit response a TrafficMod returns
// instead of letting the request reach the upstream fetch.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TrafficMod inspects a resolved target before the upstream fetch and may
// short-circuit the request with a Response (e.g. a block page or a
// redirect) instead of letting it proceed.
type TrafficMod struct {
	ID            string
	DomainPattern string
	Execute       func(target model.Target, args map[string]string) (*Response, error)
	DefaultArgs   map[string]string
}

// TrafficRegistry holds the configured set of TrafficMods.
type TrafficRegistry struct {
	mods []*TrafficMod
}

// NewTrafficRegistry returns a TrafficRegistry over mods.
func NewTrafficRegistry(mods []*TrafficMod) *TrafficRegistry {
	return &TrafficRegistry{mods: mods}
}

// Execute runs every registered TrafficMod whose DomainPattern matches
// target.Host (no per-mod enabled flag is consulted), in order, and
// returns the first short-circuit Response. A
// nil Response with a nil error means no mod wants to intervene.
func (r *TrafficRegistry) Execute(target model.Target) (*Response, error) {
	for _, m := range r.mods {
		if !DomainPattern(m.DomainPattern).Matches(target.Host) {
			continue
		}
		resp, err := m.Execute(target, m.DefaultArgs)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// DomainPattern is one of: "*" (every host), "*.root" (root and every
// subdomain of root), or an exact host.
type DomainPattern string

// Matches reports whether host satisfies the pattern.
func (p DomainPattern) Matches(host string) bool {
	pattern := string(p)
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		root := pattern[2:]
		return host == root || strings.HasSuffix(host, "."+root)
	default:
		return host == pattern
	}
}

// TextRewriterMod builds a HandlerFactory that rewrites matched text
// either via a single (pattern, replacement) pair or, when args holds
// more than one key, via a dictionary compiled to a single alternation
// regex with keys ordered longest-first so a short key never shadows a
// longer one that contains it.
func TextRewriterMod(args map[string]string) htmlrw.Binding {
	if len(args) == 1 {
		for pattern, replacement := range args {
			re := regexp.MustCompile(pattern)
			return htmlrw.Binding{Rewrite: func(text string) string {
				return re.ReplaceAllString(text, replacement)
			}}
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	escaped := make([]string, len(keys))
	for i, k := range keys {
		escaped[i] = regexp.QuoteMeta(k)
	}
	dict := regexp.MustCompile(strings.Join(escaped, "|"))

	return htmlrw.Binding{Rewrite: func(text string) string {
		return dict.ReplaceAllStringFunc(text, func(match string) string {
			return args[match]
		})
	}}
}
