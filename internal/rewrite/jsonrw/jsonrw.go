// Package jsonrw walks arbitrary JSON documents and proxifies every string
// value that looks like an absolute URL (C5). It backs the generic JSON
// body handler as well as the HTML streamer's Import Map and Speculation
// Rules handlers.
package jsonrw

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"divortio-proxy/internal/proxify"
)

// Walk parses body as JSON and proxifies every string field that begins
// with "http://" or "https://", returning the re-serialized document. On parse
// failure it returns body unchanged, matching the dispatcher's pass-through
// fallback.
func Walk(body []byte, p *proxify.Proxifier, base *url.URL) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}

	out := string(body)
	root := gjson.ParseBytes(body)
	visited := map[string]bool{}

	out = walkValue(out, "", root, p, base, visited)
	return []byte(out)
}

// walkValue recurses into objects and arrays, rewriting matching leaves via
// sjson.Set at their computed path. visited records every object/array
// path already walked, so no path is walked twice.
func walkValue(doc, path string, v gjson.Result, p *proxify.Proxifier, base *url.URL, visited map[string]bool) string {
	switch {
	case v.IsObject():
		key := path + "#object"
		if visited[key] {
			return doc
		}
		visited[key] = true
		v.ForEach(func(k, val gjson.Result) bool {
			childPath := joinPath(path, k.String())
			doc = walkValue(doc, childPath, val, p, base, visited)
			return true
		})
		return doc

	case v.IsArray():
		key := path + "#array"
		if visited[key] {
			return doc
		}
		visited[key] = true
		idx := 0
		v.ForEach(func(_, val gjson.Result) bool {
			childPath := joinPath(path, strconv.Itoa(idx))
			doc = walkValue(doc, childPath, val, p, base, visited)
			idx++
			return true
		})
		return doc

	case v.Type == gjson.String:
		s := v.String()
		lower := strings.ToLower(s)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			return doc
		}
		rewritten := p.Proxify(s, base)
		if rewritten == s {
			return doc
		}
		updated, err := sjson.Set(doc, path, rewritten)
		if err != nil {
			return doc
		}
		return updated

	default:
		return doc
	}
}

func joinPath(prefix, segment string) string {
	escaped := strings.ReplaceAll(segment, ".", "\\.")
	if prefix == "" {
		return escaped
	}
	return prefix + "." + escaped
}

// RewriteScopes additionally rewrites the keys of an Import Map's "scopes"
// object, which are themselves URLs (the keys cannot be reached by Walk's
// value-only recursion since gjson/sjson address values by path, not keys).
func RewriteScopes(body []byte, p *proxify.Proxifier, base *url.URL) []byte {
	scopes := gjson.GetBytes(body, "scopes")
	if !scopes.IsObject() {
		return body
	}

	doc := string(body)
	rewritten := map[string]gjson.Result{}
	scopes.ForEach(func(k, v gjson.Result) bool {
		rewritten[k.String()] = v
		return true
	})

	updated, err := sjson.Delete(doc, "scopes")
	if err != nil {
		return body
	}
	for key, v := range rewritten {
		newKey := p.Proxify(key, base)
		updated, err = sjson.SetRaw(updated, "scopes."+strings.ReplaceAll(newKey, ".", "\\."), v.Raw)
		if err != nil {
			return body
		}
	}
	return []byte(updated)
}
