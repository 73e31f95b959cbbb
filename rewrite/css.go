package rewrite

import (
	"regexp"
	"strings"
)

// reCSSURL matches url(...) references with unquoted, single-quoted, or
// double-quoted contents.
var reCSSURL = regexp.MustCompile(`url\s*\(\s*["']?([^"')]+)["']?\s*\)`)

// CSS rewrites url(...) references in a stylesheet or style attribute.
// data: and fragment-only references are skipped; everything else goes
// through the reverse mapping, which already leaves media URLs alone under a
// bypass policy. The original quote style is preserved.
func CSS(css string, p Page) string {
	if css == "" || !strings.Contains(css, "url(") {
		return css
	}

	return reCSSURL.ReplaceAllStringFunc(css, func(m string) string {
		sub := reCSSURL.FindStringSubmatch(m)
		ref := strings.TrimSpace(sub[1])

		if strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "#") {
			return m
		}

		rewritten := URL(ref, p)
		switch {
		case strings.Contains(m, `"`):
			return `url("` + rewritten + `")`
		case strings.Contains(m, `'`):
			return `url('` + rewritten + `')`
		default:
			return `url(` + rewritten + `)`
		}
	})
}
