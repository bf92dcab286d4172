// Package render produces Graphviz DOT and HTML output from partition results.
package render

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var labelEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
)

// dotEscape escapes s for DOT HTML-like labels. Demangled C++ names carry
// angle brackets.
func dotEscape(s string) string { return labelEscaper.Replace(s) }

// dotID maps a function name to a DOT identifier. Bytes outside
// [A-Za-z0-9_] are hex-encoded.
func dotID(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 2)
	b.WriteString("n_")
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// truncLabel shortens s to at most max runes.
func truncLabel(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}

// SafeFileName maps a function name to a file name without path separators
// or shell metacharacters.
func SafeFileName(name string) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
