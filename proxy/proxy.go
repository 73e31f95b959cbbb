// Package proxy contains the request orchestrator: the single catch-all
// handler that admits, resolves, fetches, transforms, and emits every mirror
// request.
//
// The per-request flow is linear: rate-limit admission, admin-host guard,
// site lookup, forward URL mapping, SSRF gate, effective config, session and
// cookie-jar handling, upstream fetch, then one of the redirect, HTML
// transform, or passthrough emit paths. Terminal policy failures short-cut
// with 403/404/413/429/502. Exactly one observability event is emitted per
// request regardless of outcome.
package proxy

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mirrorpx/mirrorpx/adfilter"
	"github.com/mirrorpx/mirrorpx/config"
	"github.com/mirrorpx/mirrorpx/cookiejar"
	"github.com/mirrorpx/mirrorpx/events"
	"github.com/mirrorpx/mirrorpx/logger"
	"github.com/mirrorpx/mirrorpx/metrics"
	"github.com/mirrorpx/mirrorpx/ratelimit"
	"github.com/mirrorpx/mirrorpx/registry"
	"github.com/mirrorpx/mirrorpx/rewrite"
	"github.com/mirrorpx/mirrorpx/session"
	"github.com/mirrorpx/mirrorpx/ssrf"
	"github.com/mirrorpx/mirrorpx/urlmap"
)

// forwardedHeaders is the allow-list of client request headers passed to the
// origin. Everything else, client Cookie headers included, is dropped;
// upstream cookies come from the jar, never from the user agent.
//
// Accept-Encoding is deliberately absent: the transport negotiates its own
// encoding so it can decompress transparently, which the rewriter depends on.
var forwardedHeaders = []string{
	"User-Agent",
	"Accept",
	"Accept-Language",
	"Content-Type",
	"Referer",
}

// strippedHeaders are origin response headers never relayed to the user
// agent. Security policy headers would break framing of the mirror, and the
// encoding/length trio no longer describes the transformed body.
var strippedHeaders = map[string]bool{
	"Set-Cookie":                  true,
	"Content-Security-Policy":     true,
	"Strict-Transport-Security":   true,
	"X-Frame-Options":             true,
	"Access-Control-Allow-Origin": true,
	"Content-Encoding":            true,
	"Transfer-Encoding":           true,
	"Content-Length":              true,
}

// redirectHeaders are the only origin headers relayed on the 3xx path.
// Location is handled separately because it is rewritten.
var redirectHeaders = []string{"Cache-Control", "Expires"}

// sizeExemptPrefixes are content types the size gate never applies to;
// large media is expected and streamed, large documents are not.
var sizeExemptPrefixes = []string{"image/", "video/", "audio/", "application/octet-stream"}

// Handler is the proxy orchestrator. All fields must be set; use New.
type Handler struct {
	settings *config.Settings
	registry *registry.Registry
	global   *registry.GlobalStore
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	jar      cookiejar.Store
	guard    *ssrf.Guard
	client   *http.Client
	metrics  *metrics.Metrics
	events   events.Sink
	log      *logger.Logger
}

// New wires an orchestrator from its collaborators.
func New(settings *config.Settings, reg *registry.Registry, global *registry.GlobalStore,
	limiter *ratelimit.Limiter, sessions *session.Manager, jar cookiejar.Store,
	guard *ssrf.Guard, client *http.Client, m *metrics.Metrics, sink events.Sink,
	log *logger.Logger) *Handler {
	return &Handler{
		settings: settings,
		registry: reg,
		global:   global,
		limiter:  limiter,
		sessions: sessions,
		jar:      jar,
		guard:    guard,
		client:   client,
		metrics:  m,
		events:   sink,
		log:      log,
	}
}

// outcome accumulates what the event sink needs; finish emits exactly once.
type outcome struct {
	start      time.Time
	clientIP   string
	mirrorHost string
	originURL  string
	userAgent  string
}

func (h *Handler) finish(o *outcome, status int, msg string) {
	h.events.Emit(events.RequestEvent{
		Timestamp:  time.Now(),
		Level:      events.LevelForStatus(status),
		Message:    msg,
		ClientIP:   o.clientIP,
		MirrorHost: o.mirrorHost,
		OriginURL:  o.originURL,
		StatusCode: status,
		LatencyMS:  time.Since(o.start).Milliseconds(),
		UserAgent:  o.userAgent,
	})
}

// fail writes a proxy-originated error as a plain-text body.
func fail(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// ServeHTTP runs the full request pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordRequest()

	mirrorHost := urlmap.StripPort(r.Host)
	o := &outcome{
		start:      time.Now(),
		clientIP:   clientIP(r),
		mirrorHost: mirrorHost,
		userAgent:  r.UserAgent(),
	}

	// Admission.
	if h.settings.EnableRateLimiting {
		if allowed, _ := h.limiter.Allow(o.clientIP); !allowed {
			retry := h.limiter.RetryAfter(o.clientIP)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(retry))
			fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			h.metrics.RecordRateLimited()
			h.finish(o, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	// Admin traffic must never traverse the proxy.
	if mirrorHost == urlmap.StripPort(h.settings.AdminHost) {
		fail(w, http.StatusNotFound, "not found")
		h.metrics.RecordSiteMiss()
		h.finish(o, http.StatusNotFound, "admin host blocked on proxy route")
		return
	}

	site := h.registry.FindByHost(mirrorHost)
	if site == nil {
		fail(w, http.StatusNotFound, "no mirror configured for this host")
		h.metrics.RecordSiteMiss()
		h.finish(o, http.StatusNotFound, "no site for host")
		return
	}

	originURL := urlmap.BuildOriginURL(mirrorHost, r.URL.RequestURI(), site.SourceRoot, site.MirrorRoot)
	o.originURL = originURL

	if safe, reason := h.guard.Check(originURL); !safe {
		fail(w, http.StatusForbidden, "origin blocked: "+reason)
		h.metrics.RecordBlockedSSRF()
		h.finish(o, http.StatusForbidden, "origin blocked: "+reason)
		return
	}

	cfg := registry.Effective(site, h.global.Get())

	// Session acquisition (cookie-jar mode only).
	var (
		sessionID  string
		newSession string
	)
	if cfg.SessionMode == registry.SessionCookieJar {
		sessionID, newSession = h.acquireSession(r)
	}

	originHost := hostOf(originURL)

	upstream, err := h.buildUpstreamRequest(r, originURL, originHost, site.ID, sessionID)
	if err != nil {
		fail(w, http.StatusBadGateway, "upstream request failed")
		h.metrics.RecordUpstreamError()
		h.finish(o, http.StatusBadGateway, "build upstream request: "+err.Error())
		return
	}

	resp, err := h.client.Do(upstream)
	if err != nil {
		fail(w, http.StatusBadGateway, "upstream fetch failed")
		h.metrics.RecordUpstreamError()
		h.finish(o, http.StatusBadGateway, "upstream fetch failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	// Persist upstream cookies before any emit path.
	if cfg.SessionMode == registry.SessionCookieJar && sessionID != "" {
		if setCookies := resp.Header.Values("Set-Cookie"); len(setCookies) > 0 {
			if err := h.jar.Store(r.Context(), site.ID, sessionID, originHost, setCookies); err != nil {
				h.log.Errorf("cookie store write for site %d host %s: %v", site.ID, originHost, err)
			}
		}
	}

	// Redirect interception.
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			h.emitRedirect(w, resp, loc, originURL, site, mirrorHost, newSession)
			h.metrics.RecordRedirect()
			h.finish(o, resp.StatusCode, "redirect rewritten")
			return
		}
	}

	// Size gate on declared lengths for non-media content.
	contentType := resp.Header.Get("Content-Type")
	if tooLarge(resp.ContentLength, contentType, h.settings.MaxResponseSizeBytes()) {
		fail(w, http.StatusRequestEntityTooLarge, "response too large")
		h.finish(o, http.StatusRequestEntityTooLarge, "declared length exceeds cap")
		return
	}

	if strings.Contains(contentType, "text/html") {
		h.emitHTML(w, resp, cfg, site, mirrorHost, originURL, newSession)
		h.metrics.RecordProxiedPage()
		h.finish(o, resp.StatusCode, "page proxied")
		return
	}

	h.emitPassthrough(w, resp, newSession)
	h.finish(o, resp.StatusCode, "resource proxied")
}

// acquireSession verifies the incoming session cookie, minting a fresh one
// when it is absent or invalid. newSession is the signed value to emit on
// the response, empty when the presented cookie was valid.
func (h *Handler) acquireSession(r *http.Request) (sessionID, newSession string) {
	if c, err := r.Cookie(session.CookieName); err == nil {
		if id, ok := h.sessions.Verify(c.Value); ok {
			return id, ""
		}
	}
	signed, id, err := h.sessions.Mint()
	if err != nil {
		// Without randomness there is no session; serve stateless.
		h.log.Errorf("session mint: %v", err)
		return "", ""
	}
	return id, signed
}

// buildUpstreamRequest constructs the origin request: incoming method and
// body, the forwarded header allow-list, origin Host, Referer mapped into
// the origin namespace, and the jar-driven Cookie header.
func (h *Handler) buildUpstreamRequest(r *http.Request, originURL, originHost string, siteID int, sessionID string) (*http.Request, error) {
	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, r.Body)
	if err != nil {
		return nil, err
	}

	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			upstream.Header.Set(name, v)
		}
	}
	upstream.Host = originHost
	if r.Header.Get("Referer") != "" {
		upstream.Header.Set("Referer", originURL)
	}

	if sessionID != "" {
		cookies, err := h.jar.Get(r.Context(), siteID, sessionID, originHost)
		if err != nil {
			h.log.Errorf("cookie store read for site %d host %s: %v", siteID, originHost, err)
		} else if len(cookies) > 0 {
			upstream.Header.Set("Cookie", cookies.Header())
		}
	}

	return upstream, nil
}

// emitRedirect relays a 3xx with its Location reverse-mapped onto the mirror
// and only the redirect-safe headers preserved.
func (h *Handler) emitRedirect(w http.ResponseWriter, resp *http.Response, location, originURL string, site *registry.Site, mirrorHost, newSession string) {
	abs := urlmap.MakeAbsolute(location, originURL)
	mapped := urlmap.OriginURLToMirror(abs, site.SourceRoot, site.MirrorRoot, mirrorHost)

	w.Header().Set("Location", mapped)
	for _, name := range redirectHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	setSessionCookie(w, newSession)
	w.WriteHeader(resp.StatusCode)
}

// emitHTML buffers the origin body and runs the transform chain: ad and
// analytics cleaning, URL rewriting, operator content injection.
func (h *Handler) emitHTML(w http.ResponseWriter, resp *http.Response, cfg registry.EffectiveConfig, site *registry.Site, mirrorHost, originURL, newSession string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(w, http.StatusBadGateway, "upstream read failed")
		return
	}

	page := rewrite.Page{
		MirrorHost: mirrorHost,
		MirrorRoot: site.MirrorRoot,
		SourceRoot: site.SourceRoot,
		OriginURL:  originURL,
		Config:     cfg,
	}

	out := adfilter.Clean(string(body), cfg)
	out = rewrite.HTML(out, page)
	out = adfilter.Inject(out, cfg)

	copyFilteredHeaders(w, resp)
	setSessionCookie(w, newSession)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	io.WriteString(w, out)
}

// emitPassthrough streams a non-HTML body with filtered headers.
func (h *Handler) emitPassthrough(w http.ResponseWriter, resp *http.Response, newSession string) {
	copyFilteredHeaders(w, resp)
	setSessionCookie(w, newSession)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The response is already committed; nothing to do but log.
		h.log.Debugf("passthrough copy: %v", err)
	}
}

// copyFilteredHeaders relays origin headers minus the strip set.
func copyFilteredHeaders(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		if strippedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
}

// setSessionCookie emits the freshly minted session cookie, if any.
func setSessionCookie(w http.ResponseWriter, newSession string) {
	if newSession != "" {
		http.SetCookie(w, session.NewCookie(newSession))
	}
}

// tooLarge applies the declared-length size gate. Media content types are
// exempt; responses without a declared length pass.
func tooLarge(contentLength int64, contentType string, maxBytes int64) bool {
	if contentLength <= 0 || maxBytes <= 0 {
		return false
	}
	ct := strings.ToLower(contentType)
	for _, prefix := range sizeExemptPrefixes {
		if strings.HasPrefix(ct, prefix) {
			return false
		}
	}
	return contentLength > maxBytes
}

// clientIP extracts the client address from the connection, dropping the
// port. The proxy trusts the transport, not forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hostOf returns the hostname of an absolute URL, empty on parse failure.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
