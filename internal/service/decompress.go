package service

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"strings"

	"github.com/andybalholm/brotli"
)

// decompressBody wraps body in a decoder for encoding, the value of the
// upstream Content-Encoding header, so the content rewriters downstream
// always see decoded text. Unrecognized or identity encodings pass the
// body through unchanged. A gzip stream that fails to open returns the
// original body rather than erroring the whole response.
func decompressBody(body io.ReadCloser, encoding string, logger *slog.Logger) io.ReadCloser {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		// gzip.NewReader consumes the header bytes it reads, so the header is
		// checked on a peeked copy first and a failing body loses nothing.
		br := bufio.NewReader(body)
		peek, _ := br.Peek(br.Size())
		if _, err := gzip.NewReader(bytes.NewReader(peek)); err != nil {
			logger.Warn("gzip reader init failed, passing body through undecoded", "err", err)
			return &decodedBody{r: br, closers: []io.Closer{body}}
		}
		reader, err := gzip.NewReader(br)
		if err != nil {
			logger.Warn("gzip reader init failed, passing body through undecoded", "err", err)
			return &decodedBody{r: br, closers: []io.Closer{body}}
		}
		return &decodedBody{r: reader, closers: []io.Closer{reader, body}}
	case "br", "brotli":
		return &decodedBody{r: brotli.NewReader(body), closers: []io.Closer{body}}
	default:
		return body
	}
}

// decodedBody adapts a decoding io.Reader plus the set of underlying
// closers (the decoder itself, when it has one, and the original body)
// into a single io.ReadCloser.
type decodedBody struct {
	r       io.Reader
	closers []io.Closer
}

func (d *decodedBody) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *decodedBody) Close() error {
	var firstErr error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
