package proxy_test

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirrorpx/mirrorpx/config"
	"github.com/mirrorpx/mirrorpx/cookiejar"
	"github.com/mirrorpx/mirrorpx/events"
	"github.com/mirrorpx/mirrorpx/logger"
	"github.com/mirrorpx/mirrorpx/metrics"
	"github.com/mirrorpx/mirrorpx/proxy"
	"github.com/mirrorpx/mirrorpx/ratelimit"
	"github.com/mirrorpx/mirrorpx/registry"
	"github.com/mirrorpx/mirrorpx/session"
	"github.com/mirrorpx/mirrorpx/ssrf"
)

// roundTripFunc stubs the upstream transport so tests control every origin
// response without real network traffic.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func originResponse(status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// harness bundles the orchestrator with the collaborators tests poke at.
type harness struct {
	handler  *proxy.Handler
	settings *config.Settings
	limiter  *ratelimit.Limiter
	jar      *cookiejar.Memory
	sessions *session.Manager
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, site *registry.Site, rt roundTripFunc) *harness {
	t.Helper()

	settings := config.DefaultSettings()
	settings.SecretKey = "0123456789abcdef0123456789abcdef"
	settings.AdminHost = "admin.test"
	settings.EnableRateLimiting = false
	settings.RateLimitRequests = 1
	settings.MaxResponseSizeMB = 1

	reg := registry.NewRegistry()
	if site != nil {
		if err := reg.Replace([]*registry.Site{site}); err != nil {
			t.Fatalf("Replace: %v", err)
		}
	}

	guard := &ssrf.Guard{
		Lookup: func(host string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("93.184.216.34")}, nil
		},
	}

	client := &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	h := &harness{
		settings: settings,
		limiter:  ratelimit.New(settings.RateLimitRequests, time.Minute),
		jar:      cookiejar.NewMemory(),
		sessions: session.New(settings.SecretKey),
		metrics:  metrics.New(),
	}
	h.handler = proxy.New(settings, reg, registry.NewGlobalStore(), h.limiter,
		h.sessions, h.jar, guard, client, h.metrics, events.Nop{},
		logger.New(io.Discard, "test", logger.LevelError))
	return h
}

func testSite() *registry.Site {
	return &registry.Site{ID: 1, MirrorRoot: "mirror.test", SourceRoot: "source.test", Enabled: true}
}

func TestServeHTTP_ForwardAndHeaderFiltering(t *testing.T) {
	var upstream *http.Request
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		upstream = r
		header := http.Header{}
		header.Set("Content-Type", "text/plain")
		header.Set("Set-Cookie", "leak=1")
		header.Set("Content-Security-Policy", "default-src 'self'")
		header.Set("X-Frame-Options", "DENY")
		header.Set("X-Custom", "kept")
		return originResponse(200, header, "hello"), nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://mirror.test/foo/bar?q=1", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("X-Forwarded-For", "6.6.6.6")
	req.Header.Set("Cookie", "client=cookie")

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body: got %q", rec.Body.String())
	}

	if upstream == nil {
		t.Fatal("upstream never called")
	}
	if got := upstream.URL.String(); got != "https://source.test/foo/bar?q=1" {
		t.Errorf("origin URL: got %q", got)
	}
	if upstream.Host != "source.test" {
		t.Errorf("upstream Host: got %q, want source.test", upstream.Host)
	}
	if upstream.Header.Get("User-Agent") != "test-agent" {
		t.Error("User-Agent not forwarded")
	}
	if upstream.Header.Get("Accept-Language") != "en" {
		t.Error("Accept-Language not forwarded")
	}
	if upstream.Header.Get("X-Forwarded-For") != "" {
		t.Error("non-allow-listed header forwarded")
	}
	if upstream.Header.Get("Cookie") != "" {
		t.Error("client Cookie header must never be forwarded")
	}

	if rec.Header().Get("Set-Cookie") != "" {
		t.Error("Set-Cookie must be stripped")
	}
	if rec.Header().Get("Content-Security-Policy") != "" || rec.Header().Get("X-Frame-Options") != "" {
		t.Error("security policy headers must be stripped")
	}
	if rec.Header().Get("X-Custom") != "kept" {
		t.Error("unlisted origin headers must pass through")
	}
}

func TestServeHTTP_SubdomainAndExternalForward(t *testing.T) {
	var got []string
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		got = append(got, r.URL.String())
		return originResponse(200, nil, "ok"), nil
	})

	for _, u := range []string{
		"http://xyz.mirror.test/abc",
		"http://mirror.test/cdn.ext.net/lib.js",
	} {
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u, nil))
		if rec.Code != 200 {
			t.Fatalf("%s: status %d", u, rec.Code)
		}
	}

	want := []string{"https://xyz.source.test/abc", "https://cdn.ext.net/lib.js"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("origin URL %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestServeHTTP_HTMLRewritten(t *testing.T) {
	page := `<html><body><a href="/wiki/Go">go</a></body></html>`
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Content-Type", "text/html; charset=utf-8")
		return originResponse(200, header, page), nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/", nil))

	if rec.Code != 200 {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `href="https://mirror.test/wiki/Go"`) {
		t.Errorf("link not rewritten:\n%s", rec.Body.String())
	}
	if h.metrics.Snapshot().ProxiedPages != 1 {
		t.Error("proxied page counter not incremented")
	}
}

func TestServeHTTP_RedirectRewritten(t *testing.T) {
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Location", "https://xyz.source.test/q")
		header.Set("Cache-Control", "no-store")
		header.Set("X-Other", "dropped")
		return originResponse(302, header, ""), nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/start", nil))

	if rec.Code != 302 {
		t.Fatalf("status: got %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://xyz.mirror.test/q" {
		t.Errorf("Location: got %q, want https://xyz.mirror.test/q", got)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("Cache-Control should survive the redirect path")
	}
	if rec.Header().Get("X-Other") != "" {
		t.Error("only Location, Cache-Control, and Expires may survive a redirect")
	}
}

func TestServeHTTP_RelativeRedirect(t *testing.T) {
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Location", "/login")
		return originResponse(301, header, ""), nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/account", nil))

	if got := rec.Header().Get("Location"); got != "https://mirror.test/login" {
		t.Errorf("Location: got %q, want https://mirror.test/login", got)
	}
}

func TestServeHTTP_SiteMiss(t *testing.T) {
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		t.Fatal("upstream must not be called for unknown hosts")
		return nil, nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://unknown.test/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}

func TestServeHTTP_AdminHostBlocked(t *testing.T) {
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		t.Fatal("upstream must not be called for the admin host")
		return nil, nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://admin.test/panel", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}

func TestServeHTTP_SSRFBlocked(t *testing.T) {
	// A site shadowing localhost is blocked by the literal check before any
	// lookup happens.
	site := testSite()
	site.SourceRoot = "localhost"
	h := newHarness(t, site, func(r *http.Request) (*http.Response, error) {
		t.Fatal("upstream must not be called for blocked origins")
		return nil, nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: got %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "localhost") {
		t.Errorf("body should name the violation: %q", rec.Body.String())
	}
	if h.metrics.Snapshot().BlockedSSRF != 1 {
		t.Error("blocked counter not incremented")
	}
}

func TestServeHTTP_RateLimited(t *testing.T) {
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		return originResponse(200, nil, "ok"), nil
	})
	h.settings.EnableRateLimiting = true

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/", nil))
	if rec.Code != 200 {
		t.Fatalf("first request: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("X-RateLimit-Limit: got %q, want 1", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining: got %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("Retry-After and X-RateLimit-Reset must be present on 429")
	}
}

func TestServeHTTP_UpstreamFailure(t *testing.T) {
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", rec.Code)
	}
	if h.metrics.Snapshot().UpstreamErrors != 1 {
		t.Error("upstream error counter not incremented")
	}
}

func TestServeHTTP_SizeGate(t *testing.T) {
	big := int64(2 * 1024 * 1024) // cap in the harness is 1 MB
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Content-Type", "text/html")
		resp := originResponse(200, header, "")
		resp.ContentLength = big
		return resp, nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/big", nil))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", rec.Code)
	}
}

func TestServeHTTP_SizeGateExemptsMedia(t *testing.T) {
	big := int64(2 * 1024 * 1024)
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("Content-Type", "video/mp4")
		resp := originResponse(200, header, "frames")
		resp.ContentLength = big
		return resp, nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/movie.mp4", nil))
	if rec.Code != 200 {
		t.Errorf("status: got %d, want 200 for oversized media", rec.Code)
	}
}

func TestServeHTTP_CookieJarRoundTrip(t *testing.T) {
	mode := registry.SessionCookieJar
	site := testSite()
	site.SessionMode = &mode

	var lastCookieHeader string
	h := newHarness(t, site, func(r *http.Request) (*http.Response, error) {
		lastCookieHeader = r.Header.Get("Cookie")
		header := http.Header{}
		header.Set("Content-Type", "text/html")
		header.Add("Set-Cookie", "sid=1; Path=/; HttpOnly")
		header.Add("Set-Cookie", "theme=dark")
		return originResponse(200, header, "<html><body>ok</body></html>"), nil
	})

	// First request: no session, one is minted and emitted.
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/", nil))
	if rec.Code != 200 {
		t.Fatalf("first request: got %d", rec.Code)
	}
	if lastCookieHeader != "" {
		t.Errorf("first upstream call should carry no Cookie header, got %q", lastCookieHeader)
	}

	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("px_session_id not emitted on first cookie-jar request")
	}
	if !sessionCookie.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if rec.Header().Values("Set-Cookie") == nil {
		t.Fatal("no Set-Cookie emitted")
	}
	// Origin cookies must not leak to the user agent.
	for _, c := range rec.Result().Cookies() {
		if c.Name == "sid" || c.Name == "theme" {
			t.Errorf("origin cookie %q leaked to the user agent", c.Name)
		}
	}

	// Second request presents the session; the jar drives the Cookie header.
	req := httptest.NewRequest(http.MethodGet, "http://mirror.test/", nil)
	req.AddCookie(sessionCookie)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if lastCookieHeader != "sid=1; theme=dark" {
		t.Errorf("second upstream Cookie header: got %q, want %q", lastCookieHeader, "sid=1; theme=dark")
	}
	// No fresh session is minted for a valid cookie.
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			t.Error("valid session must not be re-minted")
		}
	}
}

func TestServeHTTP_StatelessIgnoresCookies(t *testing.T) {
	var sawCookie string
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		sawCookie = r.Header.Get("Cookie")
		header := http.Header{}
		header.Add("Set-Cookie", "sid=1")
		return originResponse(200, header, "ok"), nil
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mirror.test/", nil))

	if sawCookie != "" {
		t.Errorf("stateless mode forwarded a Cookie header: %q", sawCookie)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			t.Error("stateless mode must not mint sessions")
		}
	}
	if h.jar.Len() != 0 {
		t.Error("stateless mode must not persist cookies")
	}
}

func TestServeHTTP_PostBodyForwarded(t *testing.T) {
	var method, body string
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		method = r.Method
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		return originResponse(200, nil, "ok"), nil
	})

	req := httptest.NewRequest(http.MethodPost, "http://mirror.test/submit", strings.NewReader("a=1&b=2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if method != http.MethodPost {
		t.Errorf("method: got %q, want POST", method)
	}
	if body != "a=1&b=2" {
		t.Errorf("body: got %q, want a=1&b=2", body)
	}
}

func TestServeHTTP_RefererMappedToOrigin(t *testing.T) {
	var referer string
	h := newHarness(t, testSite(), func(r *http.Request) (*http.Response, error) {
		referer = r.Header.Get("Referer")
		return originResponse(200, nil, "ok"), nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://mirror.test/page", nil)
	req.Header.Set("Referer", "http://mirror.test/previous")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if referer != "https://source.test/page" {
		t.Errorf("Referer: got %q, want the request's own origin URL", referer)
	}
}
