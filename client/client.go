// Package client builds the shared upstream HTTP client used for every
// origin fetch. One client serves all sites and sessions; per-session state
// (cookies) lives in the proxy's own jar, never in the client.
package client

import (
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/mirrorpx/mirrorpx/egress"
)

// transportDefaults groups transport-layer knobs that are set once at
// construction time. Sized for many concurrent visitors fanning out to a
// modest set of origin hosts.
type transportDefaults struct {
	maxIdleConns        int
	maxIdleConnsPerHost int
	maxConnsPerHost     int
}

var defaultTransport = transportDefaults{
	maxIdleConns:        500,
	maxIdleConnsPerHost: 100,
	maxConnsPerHost:     200,
}

// Options configures the upstream client.
type Options struct {
	// Timeout is the end-to-end budget for one origin fetch, headers and
	// body included.
	Timeout time.Duration

	// Rotator distributes fetches over an egress proxy pool. Nil or an
	// empty pool means direct egress.
	Rotator *egress.Rotator

	// ImpersonateTLS handshakes with a Chrome ClientHello instead of the
	// Go default. Applies to direct connections only; fetches routed
	// through an egress proxy handshake with the standard stack, and the
	// client stays on HTTP/1.1 because protocol negotiation happens inside
	// the impersonated handshake.
	ImpersonateTLS bool
}

// New constructs the shared upstream *http.Client.
//
// Redirects are never followed: the proxy rewrites Location headers itself,
// so the client must surface 3xx responses verbatim. The transport keeps the
// default DisableCompression=false so gzip bodies arrive decoded and the
// rewriter always sees plain HTML.
func New(opts Options) (*http.Client, error) {
	t := &http.Transport{
		DisableKeepAlives: false,

		MaxIdleConns:        defaultTransport.maxIdleConns,
		MaxIdleConnsPerHost: defaultTransport.maxIdleConnsPerHost,
		MaxConnsPerHost:     defaultTransport.maxConnsPerHost,

		// Evict idle connections after 90 s so we do not hold dead sockets.
		IdleConnTimeout: 90 * time.Second,

		// TLS handshakes that stall for more than 10 s are aborted.
		TLSHandshakeTimeout: 10 * time.Second,

		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.Rotator != nil && opts.Rotator.Count() > 0 {
		rot := opts.Rotator
		t.Proxy = func(*http.Request) (*url.URL, error) {
			return rot.Next(), nil
		}
	}

	if opts.ImpersonateTLS {
		t.DialTLSContext = UTLSDialer(utls.HelloChrome_Auto)
	} else {
		// Negotiate h2 with origins that support it. Skipped under
		// impersonation: the custom TLS dialer owns ALPN there.
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, err
		}
	}

	return &http.Client{
		Transport: t,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
