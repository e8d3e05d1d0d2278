// Package jsrw applies the two text-level JavaScript transforms the
// Response Dispatcher needs before forwarding a script body (C5/C7):
// stripping the source map comment and hooking dynamic import().
package jsrw

import "regexp"

var sourceMapComment = regexp.MustCompile(`(?m)//#\s*sourceMappingURL=.*$`)
var dynamicImport = regexp.MustCompile(`\bimport\s*\(`)

// Rewrite strips the //# sourceMappingURL=… comment and rewrites every
// dynamic import( call to import(self.__d_rw( so the interceptor can see
// and proxify module specifiers resolved at runtime.
func Rewrite(body []byte) []byte {
	text := sourceMapComment.ReplaceAll(body, nil)
	text = dynamicImport.ReplaceAll(text, []byte("import(self.__d_rw("))
	return text
}
