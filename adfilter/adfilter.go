// Package adfilter strips known ad and analytics nodes from HTML and
// optionally injects operator-supplied ad markup and tracker scripts.
//
// The two passes are independent: Clean runs before the URL rewriter so
// tracker URLs are never wasted on rewriting, Inject runs after it so
// operator content is never rewritten. Clean is idempotent; Inject is
// intentionally not: each invocation appends another copy, so the pipeline
// calls it exactly once.
package adfilter

import (
	"strings"

	"github.com/robertkrimen/otto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/mirrorpx/mirrorpx/registry"
)

// SrcPatterns are substrings matched (lowercased) against script and iframe
// src attributes. The tables are data, not logic: extending them requires no
// code changes.
var SrcPatterns = []string{
	"doubleclick",
	"googlesyndication",
	"adsystem",
	"adservice",
	"adsbygoogle",
	"googletagmanager",
	"google-analytics",
	"googleadservices",
}

// InlinePatterns are substrings matched against inline script bodies.
var InlinePatterns = []string{
	"gtag(",
	"ga(",
	"GoogleAnalyticsObject",
	"fbq(",
	"_gaq",
	"dataLayer",
}

// Clean removes ad and analytics nodes from htmlIn according to cfg.
// When both RemoveAds and RemoveAnalytics are false the input is returned
// byte-for-byte; otherwise the document is reparsed and re-serialised with
// matching <script> and <iframe> elements dropped.
func Clean(htmlIn string, cfg registry.EffectiveConfig) string {
	if !cfg.RemoveAds && !cfg.RemoveAnalytics {
		return htmlIn
	}

	doc, err := html.Parse(strings.NewReader(htmlIn))
	if err != nil {
		// Unparseable input passes through; the rewriter downstream makes
		// the same call.
		return htmlIn
	}

	var doomed []*html.Node
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.DataAtom {
		case atom.Script:
			if src, ok := attr(n, "src"); ok {
				if matchesAny(strings.ToLower(src), SrcPatterns) {
					doomed = append(doomed, n)
				}
				return
			}
			if matchesAny(text(n), InlinePatterns) {
				doomed = append(doomed, n)
			}
		case atom.Iframe:
			if src, ok := attr(n, "src"); ok && matchesAny(strings.ToLower(src), SrcPatterns) {
				doomed = append(doomed, n)
			}
		}
	})

	for _, n := range doomed {
		n.Parent.RemoveChild(n)
	}

	return render(doc)
}

// Inject appends operator-supplied content to the document per cfg:
// CustomAdHTML fragment children become the last children of <body> when
// InjectAds is set, and CustomTrackerJS becomes a trailing <script> in
// <body>, falling back to <head> and then <html>. Returns the input
// byte-for-byte when there is nothing to inject.
func Inject(htmlIn string, cfg registry.EffectiveConfig) string {
	injectAd := cfg.InjectAds && cfg.CustomAdHTML != ""
	injectJS := cfg.CustomTrackerJS != ""
	if !injectAd && !injectJS {
		return htmlIn
	}

	doc, err := html.Parse(strings.NewReader(htmlIn))
	if err != nil {
		return htmlIn
	}

	body := findElement(doc, atom.Body)

	if injectAd && body != nil {
		for _, child := range parseFragment(cfg.CustomAdHTML, body) {
			body.AppendChild(child)
		}
	}

	if injectJS {
		script := &html.Node{Type: html.ElementNode, DataAtom: atom.Script, Data: "script"}
		script.AppendChild(&html.Node{Type: html.TextNode, Data: cfg.CustomTrackerJS})
		switch {
		case body != nil:
			body.AppendChild(script)
		case findElement(doc, atom.Head) != nil:
			findElement(doc, atom.Head).AppendChild(script)
		case findElement(doc, atom.Html) != nil:
			findElement(doc, atom.Html).AppendChild(script)
		}
	}

	return render(doc)
}

// ValidateTrackerJS compiles operator-supplied tracker JS and returns the
// syntax error, if any. Called at registry load so a typo is logged instead
// of being discovered in every mirrored page's console.
func ValidateTrackerJS(js string) error {
	if js == "" {
		return nil
	}
	_, err := otto.New().Compile("custom_tracker.js", js)
	return err
}

// parseFragment parses markup in the context of parent and returns the
// resulting nodes detached and ready for AppendChild.
func parseFragment(markup string, parent *html.Node) []*html.Node {
	nodes, err := html.ParseFragment(strings.NewReader(markup), parent)
	if err != nil {
		return nil
	}
	return nodes
}

// walk calls fn for every node in depth-first document order.
func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// findElement returns the first element with the given atom, or nil.
func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

// attr returns the value of the named attribute and whether it exists.
func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// text concatenates the immediate text children of n.
func text(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// matchesAny reports whether s contains any of the patterns.
func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// render serialises a parsed document back to a string.
func render(doc *html.Node) string {
	var b strings.Builder
	if err := html.Render(&b, doc); err != nil {
		return ""
	}
	return b.String()
}
