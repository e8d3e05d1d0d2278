// Package dispatch implements the Response Dispatcher (C7): it runs the
// Header Rewriter over every upstream response, then routes the body to
// the right content rewriter by Content-Type.
package dispatch

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"divortio-proxy/internal/headerrewrite"
	"divortio-proxy/internal/model"
	"divortio-proxy/internal/proxify"
	"divortio-proxy/internal/rewrite/css"
	"divortio-proxy/internal/rewrite/htmlrw"
	"divortio-proxy/internal/rewrite/jsonrw"
	"divortio-proxy/internal/rewrite/jsrw"
	"divortio-proxy/internal/rewrite/xmlrw"
)

// defaultMaxBufferedBody is the buffered-rewrite cap used when Options
// doesn't specify one (e.g. a caller that never loaded config).
const defaultMaxBufferedBody = 16 << 20

// bufferPool recycles the byte buffers rewriteBuffered reads upstream
// bodies into, so repeated CSS/JS/JSON/XML rewrites don't allocate a new
// backing array per request.
var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// shortcutStatus reports whether status skips CSP/Link rewriting and body
// transformation; the sanitize, Set-Cookie, Location, CORS and final
// headers still apply.
func shortcutStatus(status int) bool {
	if status == 204 || status == 304 {
		return true
	}
	return status >= 300 && status < 400
}

// Options carries the dependencies Dispatch needs to rewrite a response.
type Options struct {
	Proxifier  *proxify.Proxifier
	RootDomain string
	CacheHit   bool
	Bindings   []htmlrw.Binding
	InjectHead string
	// BodyMaxBytes caps how much of a CSS/JS/JSON/XML response body the
	// buffered rewriters will hold in memory; bodies over this size pass
	// through unmodified. Zero means defaultMaxBufferedBody.
	BodyMaxBytes int64
}

func (o Options) maxBufferedBody() int64 {
	if o.BodyMaxBytes <= 0 {
		return defaultMaxBufferedBody
	}
	return o.BodyMaxBytes
}

// Dispatch rewrites header in place, then writes the final body bytes to
// w. It keeps mutating header (e.g. Content-Length for buffered rewrites)
// until just before its first write to w, so the caller must not send
// header and status until w receives its first byte. For shortcut
// statuses nothing is written to w.
func Dispatch(w io.Writer, header http.Header, status int, body io.Reader, target model.Target, opts Options) error {
	headerrewrite.Sanitize(header)
	headerrewrite.RewriteSetCookie(header, opts.RootDomain)
	headerrewrite.RewriteLocation(header, opts.Proxifier, target.URL)
	headerrewrite.RewriteCORS(header, opts.RootDomain, target.Host)
	headerrewrite.Finalize(header, opts.CacheHit)

	if shortcutStatus(status) {
		return nil
	}

	headerrewrite.RelaxCSP(header)
	headerrewrite.RewriteLink(header, opts.Proxifier, target.URL)

	contentType := header.Get("Content-Type")
	return dispatchBody(w, header, contentType, body, target.URL, opts)
}

func dispatchBody(w io.Writer, header http.Header, contentType string, body io.Reader, base *url.URL, opts Options) error {
	lower := strings.ToLower(contentType)

	switch {
	case strings.Contains(lower, "text/html"):
		injected := ""
		if opts.InjectHead != "" {
			injected = opts.InjectHead
		}
		return htmlrw.Transform(w, body, htmlrw.Options{
			Proxifier:  opts.Proxifier,
			Base:       base,
			InjectHead: injected,
			Bindings:   opts.Bindings,
		})

	case strings.Contains(lower, "javascript"):
		return rewriteBuffered(w, header, body, opts.maxBufferedBody(), func(b []byte) []byte {
			return jsrw.Rewrite(b)
		})

	case strings.Contains(lower, "text/css"):
		return rewriteBuffered(w, header, body, opts.maxBufferedBody(), func(b []byte) []byte {
			return css.Rewrite(b, opts.Proxifier, base)
		})

	case strings.Contains(lower, "application/json"), strings.Contains(lower, "application/manifest+json"):
		return rewriteBuffered(w, header, body, opts.maxBufferedBody(), func(b []byte) []byte {
			return jsonrw.Walk(b, opts.Proxifier, base)
		})

	case strings.Contains(lower, "xml"):
		return rewriteBuffered(w, header, body, opts.maxBufferedBody(), func(b []byte) []byte {
			return xmlrw.Rewrite(b, opts.Proxifier, base)
		})

	case strings.Contains(lower, "application/pdf"):
		header.Set("Content-Disposition", "attachment")
		_, err := io.Copy(w, body)
		return err

	default:
		_, err := io.Copy(w, body)
		return err
	}
}

// rewriteBuffered reads up to maxBytes+1 of body into a pooled buffer,
// applies transform, and recomputes Content-Length against the
// transformed byte length. These MIME parsers operate on whole documents
// (unlike the HTML streamer), so buffering is unavoidable; when the body
// exceeds maxBytes, it falls through to an unmodified passthrough of the
// already-read prefix plus the remainder of body, rather than buffering
// an unbounded amount into memory.
func rewriteBuffered(w io.Writer, header http.Header, body io.Reader, maxBytes int64, transform func([]byte) []byte) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if _, err := buf.ReadFrom(io.LimitReader(body, maxBytes+1)); err != nil {
		return err
	}

	if int64(buf.Len()) > maxBytes {
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		_, err := io.Copy(w, body)
		return err
	}

	out := transform(buf.Bytes())
	header.Set("Content-Length", strconv.Itoa(len(out)))
	_, err := w.Write(out)
	return err
}
