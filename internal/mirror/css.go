package mirror

import (
	"regexp"
	"strings"
)

// Matches url(...) with a bare, single-quoted, or double-quoted argument.
var cssURLPattern = regexp.MustCompile(`(?i)url\(([^)]*)\)`)

// CSSURL is one url(...) occurrence in a stylesheet.
type CSSURL struct {
	Value string // inner string, unquoted and trimmed

	start, end int // byte offsets of the full url(...) match
}

// FindCSSURLs scans CSS text for url(...) references. Inline data: URIs are
// excluded; they are never fetched or rewritten.
func FindCSSURLs(css string) []CSSURL {
	matches := cssURLPattern.FindAllStringSubmatchIndex(css, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]CSSURL, 0, len(matches))
	for _, m := range matches {
		inner := unquoteCSSValue(css[m[2]:m[3]])
		if strings.HasPrefix(strings.ToLower(inner), "data:") {
			continue
		}
		out = append(out, CSSURL{Value: inner, start: m[0], end: m[1]})
	}
	return out
}

// RewriteCSSURLs replaces each discovered url(...) whose value the replace
// callback accepts with url(<replacement>). Rejected matches stay untouched.
func RewriteCSSURLs(css string, replace func(value string) (string, bool)) string {
	refs := FindCSSURLs(css)
	if len(refs) == 0 {
		return css
	}
	var b strings.Builder
	b.Grow(len(css))
	last := 0
	for _, ref := range refs {
		repl, ok := replace(ref.Value)
		if !ok {
			continue
		}
		b.WriteString(css[last:ref.start])
		b.WriteString("url(")
		b.WriteString(repl)
		b.WriteString(")")
		last = ref.end
	}
	b.WriteString(css[last:])
	return b.String()
}

func unquoteCSSValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			v = v[1 : len(v)-1]
		}
	}
	return strings.TrimSpace(v)
}
