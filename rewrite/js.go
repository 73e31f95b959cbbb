package rewrite

import (
	"regexp"
	"strings"
)

// The JS pass recognises four navigation idioms, each with single or double
// quoted string literals:
//
//	window.location.href = "URL"
//	location.href = "URL"        (no window. prefix)
//	location.replace("URL")
//	location = "URL"             (no window. prefix)
//
// Go's regexp has no look-behind, so the bare-location patterns instead
// capture one preceding character and require it not to be part of a dotted
// member expression. The prefix capture is re-emitted verbatim.
var (
	reLocationHref = regexp.MustCompile(
		`((?:window\.)?location\.href\s*=\s*)(["'])([^"']+)(["'])`)
	reLocationReplace = regexp.MustCompile(
		`(location\.replace\s*\(\s*)(["'])([^"']+)(["'])(\s*\))`)
	reLocationAssign = regexp.MustCompile(
		`(^|[^.\w])(location\s*=\s*)(["'])([^"']+)(["'])`)
)

// JS rewrites the recognised redirect idioms in one inline script, passing
// each captured URL through the reverse mapping. Quote characters are
// preserved. Anything the patterns do not match is left untouched.
func JS(js string, p Page) string {
	if js == "" || !strings.Contains(js, "location") {
		return js
	}

	js = reLocationHref.ReplaceAllStringFunc(js, func(m string) string {
		sub := reLocationHref.FindStringSubmatch(m)
		return sub[1] + sub[2] + URL(sub[3], p) + sub[4]
	})

	js = reLocationReplace.ReplaceAllStringFunc(js, func(m string) string {
		sub := reLocationReplace.FindStringSubmatch(m)
		return sub[1] + sub[2] + URL(sub[3], p) + sub[4] + sub[5]
	})

	js = reLocationAssign.ReplaceAllStringFunc(js, func(m string) string {
		sub := reLocationAssign.FindStringSubmatch(m)
		return sub[1] + sub[2] + sub[3] + URL(sub[4], p) + sub[5]
	})

	return js
}
