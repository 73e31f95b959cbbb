// Package urlmap implements the bidirectional host and URL mapping between a
// mirror namespace and its origin namespace.
//
// Forward mapping (mirror → origin) runs on request ingress and turns the
// incoming mirror host and path into the origin URL to fetch. Reverse mapping
// (origin → mirror) runs on redirects and inside the HTML rewriter and turns
// origin URLs back into mirror URLs so the user agent never leaves the mirror.
//
// External domains are carried inside the mirror path: the origin URL
// https://cdn.example.net/lib.js becomes /cdn.example.net/lib.js on the
// mirror host. A first path segment containing a dot and no spaces is
// interpreted as such an encoded external host on the way back in.
package urlmap

import (
	"net/url"
	"strings"
)

// IsEncodedExternalHost reports whether a path segment looks like an encoded
// external domain. A segment qualifies when it contains at least one dot and
// no spaces.
func IsEncodedExternalHost(segment string) bool {
	return strings.Contains(segment, ".") && !strings.Contains(segment, " ")
}

// MirrorHostToOriginHost maps a mirror host to its origin host.
//
//	mirror.com, mirror.com, source.com     → source.com
//	xyz.abc.mirror.com, mirror.com, source.com → xyz.abc.source.com
//
// A host that matches neither exactly nor as a subdomain is returned
// unchanged; site lookup has already guaranteed a match on the hot path.
func MirrorHostToOriginHost(mirrorHost, mirrorRoot, sourceRoot string) string {
	if mirrorHost == mirrorRoot {
		return sourceRoot
	}
	if prefix, ok := strings.CutSuffix(mirrorHost, "."+mirrorRoot); ok {
		return prefix + "." + sourceRoot
	}
	return mirrorHost
}

// OriginHostToMirrorHost is the inverse of MirrorHostToOriginHost.
//
//	source.com → mirror.com
//	xyz.source.com → xyz.mirror.com
func OriginHostToMirrorHost(originHost, sourceRoot, mirrorRoot string) string {
	if originHost == sourceRoot {
		return mirrorRoot
	}
	if prefix, ok := strings.CutSuffix(originHost, "."+sourceRoot); ok {
		return prefix + "." + mirrorRoot
	}
	return originHost
}

// HostWithinRoot reports whether host equals root or is a subdomain of it.
func HostWithinRoot(host, root string) bool {
	return host == root || strings.HasSuffix(host, "."+root)
}

// StripPort removes a :port suffix from a request host, if present.
func StripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// BuildOriginURL performs the forward mapping: given the incoming mirror host
// and path (with optional ?query already attached), produce the origin URL.
//
// Rules:
//  1. If the first path segment looks like an encoded external domain, the
//     target is https://<segment><rest-of-path>.
//  2. Otherwise the mirror host is mapped to the origin host and the path is
//     appended verbatim.
//
// The scheme is always https; origins that only speak plain HTTP answer with
// a redirect the proxy intercepts like any other.
func BuildOriginURL(mirrorHost, mirrorPath, sourceRoot, mirrorRoot string) string {
	if !strings.HasPrefix(mirrorPath, "/") {
		mirrorPath = "/" + mirrorPath
	}

	// Separate the path from the query so segment inspection never sees
	// query bytes; the query is re-attached untouched.
	path, query, hasQuery := strings.Cut(mirrorPath, "?")
	if hasQuery {
		query = "?" + query
	}

	first, rest, hasRest := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if first == "" {
		return "https://" + MirrorHostToOriginHost(mirrorHost, mirrorRoot, sourceRoot) + "/" + query
	}

	if IsEncodedExternalHost(first) {
		if !hasRest || rest == "" {
			return "https://" + first + "/" + query
		}
		return "https://" + first + "/" + rest + query
	}

	originHost := MirrorHostToOriginHost(mirrorHost, mirrorRoot, sourceRoot)
	return "https://" + originHost + path + query
}

// EncodeExternalPath encodes an external URL's host and path as a mirror
// path: ("cdn.example.net", "/lib.js") → "/cdn.example.net/lib.js".
func EncodeExternalPath(externalHost, externalPath string) string {
	if !strings.HasPrefix(externalPath, "/") {
		externalPath = "/" + externalPath
	}
	return "/" + externalHost + externalPath
}

// IsPassthroughURL reports whether a URL must never be rewritten: data:,
// javascript:, mailto:, and fragment-only references address the current
// document or the user agent, not the origin.
func IsPassthroughURL(raw string) bool {
	return raw == "" ||
		strings.HasPrefix(raw, "data:") ||
		strings.HasPrefix(raw, "javascript:") ||
		strings.HasPrefix(raw, "mailto:") ||
		strings.HasPrefix(raw, "#")
}

// MakeAbsolute resolves raw against base (the origin URL of the current
// page). Protocol-relative URLs inherit the base scheme. Pass-through URLs
// and unparseable inputs are returned unchanged.
func MakeAbsolute(raw, base string) string {
	if IsPassthroughURL(raw) {
		return raw
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return raw
	}
	if strings.HasPrefix(raw, "//") {
		return baseURL.Scheme + ":" + raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return baseURL.ResolveReference(ref).String()
}

// pathWithQueryFragment reassembles path?query#fragment from a parsed URL,
// preserving the raw (undecoded) forms byte-for-byte.
func pathWithQueryFragment(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		p += "#" + u.EscapedFragment()
	}
	return p
}

// OriginURLToMirror performs the reverse mapping for redirect Locations: an
// absolute origin URL becomes the mirror URL the user agent should be sent
// to.
//
// In-namespace hosts (sourceRoot or a subdomain) are mapped symmetrically
// onto the mirror root. External hosts are always path-encoded under the
// request's own mirror host; a redirect must stay on the mirror regardless of
// the external-domain policy, otherwise the user agent escapes mid-flow.
func OriginURLToMirror(originURL, sourceRoot, mirrorRoot, mirrorHost string) string {
	u, err := url.Parse(originURL)
	if err != nil || u.Hostname() == "" {
		return originURL
	}

	host := u.Hostname()
	if HostWithinRoot(host, sourceRoot) {
		return "https://" + OriginHostToMirrorHost(host, sourceRoot, mirrorRoot) + pathWithQueryFragment(u)
	}

	return "https://" + mirrorHost + EncodeExternalPath(host, pathWithQueryFragment(u))
}
