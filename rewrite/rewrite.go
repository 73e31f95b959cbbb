// Package rewrite implements the HTML/CSS/JS rewriting engine that keeps
// every link, form target, asset reference, and scripted navigation inside
// the mirror namespace.
//
// The engine operates on a parsed HTML tree (golang.org/x/net/html) for
// attributes and uses shallow regex substitution for inline JS and CSS. The
// JS pass deliberately recognises only a fixed set of redirect idioms;
// aliased forms like "var l = location; l.href = …" are out of scope, and a
// full JS parser would buy little for the latency it costs.
package rewrite

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/mirrorpx/mirrorpx/registry"
	"github.com/mirrorpx/mirrorpx/urlmap"
)

// Page carries the per-request context every URL decision needs: which
// mirror host served the request, the roots being mapped between, the origin
// URL of the current page (the base for relative references), and the
// effective configuration.
type Page struct {
	MirrorHost string
	MirrorRoot string
	SourceRoot string
	OriginURL  string
	Config     registry.EffectiveConfig
}

// URL reverse-maps a single URL found in origin content onto the mirror.
//
// Pass-through URLs (data:, javascript:, mailto:, #fragment) come back
// unchanged, as do media URLs under a bypass policy and external URLs when
// external proxying is disabled. In-namespace hosts map symmetrically onto
// the mirror root; external hosts are path-encoded under the mirror root.
func URL(raw string, p Page) string {
	if urlmap.IsPassthroughURL(raw) {
		return raw
	}

	abs := urlmap.MakeAbsolute(raw, p.OriginURL)

	if urlmap.IsMediaURL(abs) && p.Config.MediaPolicy == registry.MediaBypass {
		return abs
	}

	u, err := url.Parse(abs)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	host := u.Hostname()

	if urlmap.HostWithinRoot(host, p.SourceRoot) {
		mirrorHost := urlmap.OriginHostToMirrorHost(host, p.SourceRoot, p.MirrorRoot)
		return "https://" + mirrorHost + pathQueryFragment(u)
	}

	if !p.Config.ProxyExternalDomains {
		return abs
	}
	// External URLs are anchored at the mirror root, not the request host, so
	// an external link on a subdomain page does not pick up that subdomain.
	return "https://" + p.MirrorRoot + urlmap.EncodeExternalPath(host, pathQueryFragment(u))
}

// pathQueryFragment reassembles path?query#fragment preserving raw bytes.
func pathQueryFragment(u *url.URL) string {
	s := u.EscapedPath()
	if s == "" {
		s = "/"
	}
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		s += "#" + u.EscapedFragment()
	}
	return s
}

// sweptAttrs maps element types to the URL-valued attribute rewritten on
// them. srcset is handled separately because its value is a URL list.
var sweptAttrs = map[atom.Atom]string{
	atom.A:      "href",
	atom.Form:   "action",
	atom.Iframe: "src",
	atom.Link:   "href",
	atom.Script: "src",
	atom.Img:    "src",
	atom.Source: "src",
	atom.Video:  "src",
	atom.Audio:  "src",
	atom.Base:   "href",
}

// HTML rewrites a full HTML document: the attribute sweep over sweptAttrs,
// img srcset lists, inline JS redirect idioms (when enabled), and CSS
// url(...) references in <style> elements and style attributes.
func HTML(htmlIn string, p Page) string {
	if htmlIn == "" {
		return htmlIn
	}

	doc, err := html.Parse(strings.NewReader(htmlIn))
	if err != nil {
		return htmlIn
	}

	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			rewriteElement(n, p)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)

	var b strings.Builder
	if err := html.Render(&b, doc); err != nil {
		return htmlIn
	}
	return b.String()
}

// rewriteElement applies every applicable pass to one element node.
func rewriteElement(n *html.Node, p Page) {
	if attrName, swept := sweptAttrs[n.DataAtom]; swept {
		setAttr(n, attrName, func(v string) string { return URL(v, p) })
	}

	if n.DataAtom == atom.Img {
		setAttr(n, "srcset", func(v string) string { return Srcset(v, p) })
	}

	switch n.DataAtom {
	case atom.Script:
		if _, hasSrc := getAttr(n, "src"); !hasSrc && p.Config.RewriteJSRedirects {
			setText(n, func(js string) string { return JS(js, p) })
		}
	case atom.Style:
		setText(n, func(css string) string { return CSS(css, p) })
	}

	// Inline style attributes get the CSS pass only when they reference a
	// URL at all; the substring check keeps the regex off the hot path.
	setAttr(n, "style", func(v string) string {
		if !strings.Contains(v, "url(") {
			return v
		}
		return CSS(v, p)
	})
}

// Srcset rewrites a srcset attribute value. Each comma-separated candidate
// is "URL [descriptor]"; the URL part is rewritten and the descriptor
// re-emitted unchanged.
func Srcset(srcset string, p Page) string {
	parts := strings.Split(srcset, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.LastIndexByte(part, ' '); i >= 0 {
			u := strings.TrimSpace(part[:i])
			descriptor := part[i+1:]
			out = append(out, URL(u, p)+" "+descriptor)
		} else {
			out = append(out, URL(part, p))
		}
	}
	return strings.Join(out, ", ")
}

// getAttr returns the value of the named attribute and whether it exists.
func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// setAttr rewrites the named attribute in place when present and non-empty.
func setAttr(n *html.Node, name string, fn func(string) string) {
	for i := range n.Attr {
		if n.Attr[i].Key == name && n.Attr[i].Val != "" {
			n.Attr[i].Val = fn(n.Attr[i].Val)
			return
		}
	}
}

// setText rewrites the concatenated text children of n in place. Elements
// whose scripts or styles are split across several text nodes are collapsed
// into one; browsers see identical content either way.
func setText(n *html.Node, fn func(string) string) {
	var b strings.Builder
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			count++
		}
	}
	if count == 0 {
		return
	}
	original := b.String()
	rewritten := fn(original)
	if rewritten == original {
		return
	}

	// Drop all existing text children and install the rewritten content.
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.TextNode {
			n.RemoveChild(c)
		}
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: rewritten})
}
