package main

import "strings"

// htmlEscaper replaces in a single pass, so the "&" introduced by an entity is never
// escaped again within the same call.
var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// EscapeHTML makes arbitrary text safe to embed in popup markup, both as element
// content and inside a double-quoted attribute value. It is not idempotent.
func EscapeHTML(text string) string {
	return htmlEscaper.Replace(text)
}
