// MirrorPx is a multi-tenant transparent mirroring reverse proxy.
//
// Startup sequence:
//  1. Load configuration (JSON file or defaults) and validate the secret.
//  2. Load the site registry and global defaults from the sites file.
//  3. Load the egress proxy list (optional).
//  4. Initialise metrics, the event sink, and the upstream HTTP client.
//  5. Start the rate-limiter maintenance loop.
//  6. Start the ops server and the proxy server.
//  7. Block until OS signals SIGINT or SIGTERM, then drain and shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mirrorpx/mirrorpx/adfilter"
	"github.com/mirrorpx/mirrorpx/client"
	"github.com/mirrorpx/mirrorpx/config"
	"github.com/mirrorpx/mirrorpx/cookiejar"
	"github.com/mirrorpx/mirrorpx/egress"
	"github.com/mirrorpx/mirrorpx/events"
	"github.com/mirrorpx/mirrorpx/logger"
	"github.com/mirrorpx/mirrorpx/metrics"
	"github.com/mirrorpx/mirrorpx/ops"
	"github.com/mirrorpx/mirrorpx/proxy"
	"github.com/mirrorpx/mirrorpx/ratelimit"
	"github.com/mirrorpx/mirrorpx/registry"
	"github.com/mirrorpx/mirrorpx/session"
	"github.com/mirrorpx/mirrorpx/ssrf"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON settings file (optional; uses defaults if omitted)")
	flag.Parse()

	// ── Configuration ──────────────────────────────────────────────────────
	var settings *config.Settings
	if *configFile != "" {
		var err error
		settings, err = config.LoadSettings(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load settings from %q: %v\n", *configFile, err)
			os.Exit(1)
		}
	} else {
		settings = config.DefaultSettings()
	}

	log := logger.New(os.Stderr, "mirrorpx", logger.ParseLevel(settings.LogLevel))
	log.Info("mirrorpx starting up")
	if *configFile != "" {
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		log.Info("using default configuration")
	}

	if err := settings.Validate(); err != nil {
		log.Errorf("invalid settings: %v", err)
		os.Exit(1)
	}

	// ── Site registry ──────────────────────────────────────────────────────
	reg := registry.NewRegistry()
	global := registry.NewGlobalStore()
	if settings.SitesFile != "" {
		if err := registry.LoadFile(settings.SitesFile, reg, global); err != nil {
			log.Errorf("load sites from %q: %v", settings.SitesFile, err)
			os.Exit(1)
		}
		log.Infof("loaded %d sites from %q", reg.Len(), settings.SitesFile)
	} else {
		log.Info("no sites file configured; every request will miss")
	}

	// Bad operator JS is served anyway; surface it once here instead of in
	// every visitor's console.
	if js := global.Get().CustomTrackerJS; js != "" {
		if err := adfilter.ValidateTrackerJS(js); err != nil {
			log.Errorf("global custom_tracker_js does not compile: %v", err)
		}
	}
	for _, site := range reg.Sites() {
		if site.CustomTrackerJS == nil {
			continue
		}
		if err := adfilter.ValidateTrackerJS(*site.CustomTrackerJS); err != nil {
			log.Errorf("site %d custom_tracker_js does not compile: %v", site.ID, err)
		}
	}

	// ── Egress pool ────────────────────────────────────────────────────────
	rotator, err := egress.LoadFile(settings.EgressProxyFile)
	if err != nil {
		log.Errorf("load egress proxies: %v", err)
		os.Exit(1)
	}
	if rotator.Count() > 0 {
		log.Infof("loaded %d egress proxies from %q", rotator.Count(), settings.EgressProxyFile)
	} else {
		log.Info("no egress proxies configured; fetching origins directly")
	}

	// ── Upstream client ────────────────────────────────────────────────────
	upstream, err := client.New(client.Options{
		Timeout:        settings.RequestTimeout,
		Rotator:        rotator,
		ImpersonateTLS: settings.ImpersonateBrowserTLS,
	})
	if err != nil {
		log.Errorf("build upstream client: %v", err)
		os.Exit(1)
	}

	// ── Core collaborators ─────────────────────────────────────────────────
	m := metrics.New()
	sink := events.NewLog(os.Stdout)
	window := time.Duration(settings.RateLimitWindow) * time.Second
	limiter := ratelimit.New(settings.RateLimitRequests, window)
	sessions := session.New(settings.SecretKey)
	jar := cookiejar.NewMemory()
	guard := ssrf.New()

	handler := proxy.New(settings, reg, global, limiter, sessions, jar, guard,
		upstream, m, sink, log)

	// ── Rate-limiter maintenance ───────────────────────────────────────────
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Cleanup()
			case <-cleanupDone:
				return
			}
		}
	}()

	// ── Ops server ─────────────────────────────────────────────────────────
	opsSrv := &http.Server{
		Addr:    settings.OpsAddr,
		Handler: ops.New(m, reg, jar).Routes(),
	}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("ops server: %v", err)
		}
	}()
	log.Infof("ops server listening on %s", settings.OpsAddr)

	// ── Proxy server ───────────────────────────────────────────────────────
	// One catch-all mount; every method and path belongs to the mirror.
	router := chi.NewRouter()
	router.Handle("/*", handler)

	proxySrv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("proxy server: %v", err)
			os.Exit(1)
		}
	}()
	log.Infof("proxy listening on %s", settings.ListenAddr)

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println() // newline after ^C
	log.Infof("received signal %s; shutting down", sig)

	close(cleanupDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := proxySrv.Shutdown(ctx); err != nil {
		log.Errorf("proxy shutdown: %v", err)
	}
	if err := opsSrv.Shutdown(ctx); err != nil {
		log.Errorf("ops shutdown: %v", err)
	}

	snap := m.Snapshot()
	log.Infof("final metrics – total: %d | pages: %d | redirects: %d | blocked: %d | upstream errors: %d | rps: %.1f",
		snap.TotalRequests, snap.ProxiedPages, snap.Redirects, snap.BlockedSSRF,
		snap.UpstreamErrors, snap.RequestsPerSecond)
	log.Info("mirrorpx shut down cleanly")
}
