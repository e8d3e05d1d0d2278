// Package htmlrw implements the streaming HTML transformer (C6): a
// chunk-in, chunk-out rewriter built on golang.org/x/net/html's tokenizer
// so no document is ever fully buffered in memory.
package htmlrw

import (
	"bytes"
	"io"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"divortio-proxy/internal/proxify"
	"divortio-proxy/internal/rewrite/css"
	"divortio-proxy/internal/rewrite/jsonrw"
)

// unsafeAncestors are tags inside which mod text rewriting never applies.
var unsafeAncestors = map[string]bool{
	"style": true, "svg": true, "noscript": true, "textarea": true,
	"pre": true, "code": true,
}

// urlAttrTable maps a tag name to the attribute names on it that carry a
// single URL to proxify.
var urlAttrTable = map[string][]string{
	"a":          {"href", "ping"},
	"link":       {"href"},
	"area":       {"href"},
	"base":       {"href"},
	"img":        {"src", "longdesc"},
	"script":     {"src"},
	"iframe":     {"src", "longdesc"},
	"embed":      {"src"},
	"source":     {"src"},
	"track":      {"src"},
	"video":      {"src", "poster"},
	"audio":      {"src"},
	"object":     {"data", "codebase", "archive"},
	"image":      {"href"},
	"input":      {"src", "formaction"},
	"form":       {"action"},
	"button":     {"formaction"},
	"html":       {"manifest"},
	"body":       {"background"},
	"applet":     {"codebase", "archive"},
	"frame":      {"src", "longdesc"},
	"blockquote": {"cite"},
	"del":        {"cite"},
	"ins":        {"cite"},
	"q":          {"cite"},
}

var svgPresentationAttrs = map[string]bool{
	"fill": true, "stroke": true, "filter": true, "mask": true,
	"clip-path": true, "href": true, "xlink:href": true,
}

var srcsetTags = map[string]bool{"img": true, "source": true}

var refreshURLToken = regexp.MustCompile(`(?i)(\d*\s*;\s*url=)([^;]*)`)
var jsLocationAssign = regexp.MustCompile(`location\s*=\s*["']https?://[^"']*["']`)

// Binding lets the Mod Framework (C12) register a text rewriter scoped to a
// CSS-selector-derived predicate over the currently open tag.
type Binding struct {
	Match   func(tag string, attrs []html.Attribute) bool
	Rewrite func(text string) string
}

// Options configures a single Transform call.
type Options struct {
	Proxifier  *proxify.Proxifier
	Base       *url.URL
	InjectHead string // raw markup inserted right after the first <head> open tag
	Bindings   []Binding
}

// Transform reads HTML from r token by token and writes the rewritten
// stream to w, never buffering more than the current token (except for the
// content of <script type="importmap"|"speculationrules"> elements, which
// must be parsed as whole JSON documents).
func Transform(w io.Writer, r io.Reader, opts Options) error {
	z := html.NewTokenizer(r)

	var ancestors []openTag
	unsafeDepth := 0
	injectedHead := false

	bufferingScript := false
	var scriptKind string
	var scriptBuf bytes.Buffer

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return err
			}
			return nil

		case html.DoctypeToken, html.CommentToken:
			if _, err := w.Write(z.Raw()); err != nil {
				return err
			}

		case html.TextToken:
			raw := string(z.Text())
			if bufferingScript {
				scriptBuf.WriteString(raw)
				continue
			}

			currentTag := ""
			var currentAttrs []html.Attribute
			if len(ancestors) > 0 {
				currentTag = ancestors[len(ancestors)-1].name
				currentAttrs = ancestors[len(ancestors)-1].attrs
			}
			text := raw
			if unsafeDepth == 0 {
				text = applyBindings(text, currentTag, currentAttrs, ancestors, opts.Bindings)
			}
			tok := html.Token{Type: html.TextToken, Data: text}
			if _, err := io.WriteString(w, tok.String()); err != nil {
				return err
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			rewriteTag(&tok, opts, len(ancestors) > 0 && inSVG(ancestors))

			if tok.Data == "script" {
				if kind := scriptBufferKind(tok.Attr); kind != "" {
					bufferingScript = true
					scriptKind = kind
					scriptBuf.Reset()
				}
			}

			if _, err := io.WriteString(w, tok.String()); err != nil {
				return err
			}

			if !injectedHead && tok.Data == "head" && opts.InjectHead != "" {
				if _, err := io.WriteString(w, opts.InjectHead); err != nil {
					return err
				}
				injectedHead = true
			}

			if tt == html.StartTagToken {
				ancestors = append(ancestors, openTag{name: tok.Data, attrs: tok.Attr})
				if unsafeAncestors[tok.Data] {
					unsafeDepth++
				}
			}

		case html.EndTagToken:
			tok := z.Token()

			if bufferingScript && tok.Data == "script" {
				rewritten := rewriteScriptJSON(scriptBuf.String(), scriptKind, opts)
				if _, err := io.WriteString(w, rewritten); err != nil {
					return err
				}
				bufferingScript = false
				scriptBuf.Reset()
			}

			if _, err := io.WriteString(w, tok.String()); err != nil {
				return err
			}

			if len(ancestors) > 0 && ancestors[len(ancestors)-1].name == tok.Data {
				if unsafeAncestors[tok.Data] {
					unsafeDepth--
				}
				ancestors = ancestors[:len(ancestors)-1]
			}
		}
	}
}

// openTag is one entry of the ancestor stack Transform maintains while
// streaming: the tag name plus the attributes it was opened with, so a
// Mod Framework Binding's Match can evaluate attribute/class/id
// selectors against the tag currently enclosing a text node.
type openTag struct {
	name  string
	attrs []html.Attribute
}

func inSVG(ancestors []openTag) bool {
	for i := len(ancestors) - 1; i >= 0; i-- {
		if ancestors[i].name == "svg" {
			return true
		}
	}
	return false
}

func scriptBufferKind(attrs []html.Attribute) string {
	for _, a := range attrs {
		if strings.EqualFold(a.Key, "type") {
			switch strings.ToLower(strings.TrimSpace(a.Val)) {
			case "importmap":
				return "importmap"
			case "speculationrules":
				return "speculationrules"
			}
		}
	}
	return ""
}

// rewriteTag mutates tok's attributes in place per the URL/srcset/style/meta
// rewrite rules, plus integrity stripping.
func rewriteTag(tok *html.Token, opts Options, insideSVG bool) {
	names := urlAttrTable[tok.Data]
	svgMode := tok.Data != "" && insideSVG

	for i := range tok.Attr {
		attr := &tok.Attr[i]
		key := strings.ToLower(attr.Key)

		switch {
		case key == "integrity" && (tok.Data == "script" || tok.Data == "link"):
			attr.Val = ""
			continue
		case key == "srcset" && srcsetTags[tok.Data]:
			attr.Val = rewriteSrcset(attr.Val, opts)
			continue
		case key == "style":
			attr.Val = string(css.Rewrite([]byte(attr.Val), opts.Proxifier, opts.Base))
			continue
		case tok.Data == "meta" && key == "content":
			attr.Val = rewriteMetaContent(tok.Attr, attr.Val, opts)
			continue
		case svgMode && svgPresentationAttrs[key]:
			attr.Val = rewriteURLValue(attr.Val, opts)
			continue
		}

		if containsName(names, key) {
			attr.Val = rewriteURLValue(attr.Val, opts)
		}
	}

	// Drop integrity from script/link: content rewriting invalidates the hash.
	if tok.Data == "script" || tok.Data == "link" {
		kept := tok.Attr[:0]
		for _, a := range tok.Attr {
			if !strings.EqualFold(a.Key, "integrity") {
				kept = append(kept, a)
			}
		}
		tok.Attr = kept
	}
}

func containsName(names []string, key string) bool {
	for _, n := range names {
		if n == key {
			return true
		}
	}
	return false
}

// rewriteURLValue applies the attribute-level skip/neutralize/proxify rules:
// data: is left untouched, javascript: is neutralized rather than proxified,
// everything else goes through the Proxifier.
func rewriteURLValue(val string, opts Options) string {
	trimmed := strings.TrimSpace(val)
	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "":
		return val
	case strings.HasPrefix(lower, "data:"):
		return val
	case strings.HasPrefix(lower, "javascript:"):
		return jsLocationAssign.ReplaceAllString(val, `location='#'`)
	default:
		return opts.Proxifier.Proxify(val, opts.Base)
	}
}

func rewriteSrcset(val string, opts Options) string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		fields[0] = opts.Proxifier.Proxify(fields[0], opts.Base)
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}

func rewriteMetaContent(attrs []html.Attribute, content string, opts Options) string {
	httpEquiv := attrVal(attrs, "http-equiv")
	if strings.EqualFold(httpEquiv, "refresh") {
		return refreshURLToken.ReplaceAllStringFunc(content, func(m string) string {
			sub := refreshURLToken.FindStringSubmatch(m)
			return sub[1] + opts.Proxifier.Proxify(strings.TrimSpace(sub[2]), opts.Base)
		})
	}

	name := strings.ToLower(attrVal(attrs, "property"))
	if name == "" {
		name = strings.ToLower(attrVal(attrs, "name"))
	}
	if isOpenGraphURLMeta(name) {
		trimmed := strings.TrimSpace(content)
		if strings.HasPrefix(trimmed, "http") || strings.HasPrefix(trimmed, "/") {
			return opts.Proxifier.Proxify(content, opts.Base)
		}
	}
	return content
}

func isOpenGraphURLMeta(name string) bool {
	if !strings.HasPrefix(name, "og:") && !strings.HasPrefix(name, "twitter:") {
		return false
	}
	return strings.Contains(name, "url") || strings.Contains(name, "image")
}

func attrVal(attrs []html.Attribute, key string) string {
	for _, a := range attrs {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// rewriteScriptJSON JSON-parses the buffered text of an import map or
// speculation rules script, proxifies URL values throughout, and
// re-serializes. On parse failure the original text passes through.
func rewriteScriptJSON(raw, kind string, opts Options) string {
	body := []byte(raw)
	switch kind {
	case "importmap":
		out := jsonrw.Walk(body, opts.Proxifier, opts.Base)
		out = jsonrw.RewriteScopes(out, opts.Proxifier, opts.Base)
		return string(out)
	case "speculationrules":
		return string(jsonrw.Walk(body, opts.Proxifier, opts.Base))
	default:
		return raw
	}
}

// applyBindings runs every matching mod's text rewriter over text, in
// registration order, guarding <script> replacements against matches
// adjacent to URL/JSON-like punctuation.
func applyBindings(text, currentTag string, currentAttrs []html.Attribute, ancestors []openTag, bindings []Binding) string {
	if len(bindings) == 0 {
		return text
	}
	inScript := currentTag == "script" || containsTagName(ancestors, "script")

	for _, b := range bindings {
		if !b.Match(currentTag, currentAttrs) {
			continue
		}
		rewritten := b.Rewrite(text)
		if inScript && looksLikeURLOrJSONEdit(text, rewritten) {
			continue
		}
		text = rewritten
	}
	return text
}

// looksLikeURLOrJSONEdit is a guard on mod text rewrites inside <script>: if
// the characters immediately surrounding the first changed region are any
// of / . @ - : the match is likely inside a URL or JSON token rather than
// free text, and the edit is rejected.
func looksLikeURLOrJSONEdit(before, after string) bool {
	if before == after {
		return false
	}
	const guardChars = "/.@-:"

	prefix := commonPrefixLen(before, after)
	suffix := commonSuffixLen(before[prefix:], after[prefix:])
	start, end := prefix, len(before)-suffix
	if start > end {
		start, end = end, start
	}

	if start > 0 && strings.IndexByte(guardChars, before[start-1]) >= 0 {
		return true
	}
	if end < len(before) && strings.IndexByte(guardChars, before[end]) >= 0 {
		return true
	}
	return false
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonSuffixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

func containsTagName(ancestors []openTag, name string) bool {
	for _, a := range ancestors {
		if a.name == name {
			return true
		}
	}
	return false
}
