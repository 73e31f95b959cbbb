// Package registry holds the site definitions and configuration the proxy
// core consults on every request: which mirror roots exist, which origins
// they shadow, and the effective per-request configuration merged from
// per-site overrides and global defaults.
//
// The registry is read-mostly. Sites are created and mutated by the external
// admin surface and loaded here from its JSON export; the core only reads. A
// stale read during a reload is acceptable; a request served under the old
// configuration is indistinguishable from one that arrived a moment earlier.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mirrorpx/mirrorpx/urlmap"
)

// MediaPolicy selects how media and download URLs are handled by the
// rewriter and the size gate.
type MediaPolicy string

const (
	// MediaBypass leaves media URLs pointing at the origin.
	MediaBypass MediaPolicy = "bypass"
	// MediaProxy routes media through the mirror like any other resource.
	MediaProxy MediaPolicy = "proxy"
	// MediaSizeLimited proxies media subject to the response size cap.
	MediaSizeLimited MediaPolicy = "size_limited"
)

// SessionMode selects whether a site partitions upstream cookies per user.
type SessionMode string

const (
	// SessionStateless forwards no cookies in either direction.
	SessionStateless SessionMode = "stateless"
	// SessionCookieJar maintains a per-session per-origin cookie jar.
	SessionCookieJar SessionMode = "cookie_jar"
)

// Site is one configured mirror mapping. Override fields are pointers:
// nil means "inherit the global default".
type Site struct {
	ID         int    `json:"id"`
	MirrorRoot string `json:"mirror_root"`
	SourceRoot string `json:"source_root"`
	Enabled    bool   `json:"enabled"`

	ProxySubdomains      *bool        `json:"proxy_subdomains,omitempty"`
	ProxyExternalDomains *bool        `json:"proxy_external_domains,omitempty"`
	RewriteJSRedirects   *bool        `json:"rewrite_js_redirects,omitempty"`
	RemoveAds            *bool        `json:"remove_ads,omitempty"`
	InjectAds            *bool        `json:"inject_ads,omitempty"`
	RemoveAnalytics      *bool        `json:"remove_analytics,omitempty"`
	MediaPolicy          *MediaPolicy `json:"media_policy,omitempty"`
	SessionMode          *SessionMode `json:"session_mode,omitempty"`
	CustomAdHTML         *string      `json:"custom_ad_html,omitempty"`
	CustomTrackerJS      *string      `json:"custom_tracker_js,omitempty"`
}

// GlobalConfig is the singleton default configuration. All flag and enum
// fields are concrete; only the custom content fields may be empty.
type GlobalConfig struct {
	ProxySubdomains      bool        `json:"proxy_subdomains"`
	ProxyExternalDomains bool        `json:"proxy_external_domains"`
	RewriteJSRedirects   bool        `json:"rewrite_js_redirects"`
	RemoveAds            bool        `json:"remove_ads"`
	InjectAds            bool        `json:"inject_ads"`
	RemoveAnalytics      bool        `json:"remove_analytics"`
	MediaPolicy          MediaPolicy `json:"media_policy"`
	SessionMode          SessionMode `json:"session_mode"`
	CustomAdHTML         string      `json:"custom_ad_html"`
	CustomTrackerJS      string      `json:"custom_tracker_js"`
}

// DefaultGlobalConfig mirrors the defaults the admin surface seeds on first
// run: subdomain and external proxying on, all content filters off,
// media proxied, stateless sessions.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		ProxySubdomains:      true,
		ProxyExternalDomains: true,
		MediaPolicy:          MediaProxy,
		SessionMode:          SessionStateless,
	}
}

// EffectiveConfig is the per-request configuration record: each field is the
// site's override when present, else the global value. It is immutable for
// the duration of one request.
type EffectiveConfig struct {
	ProxySubdomains      bool
	ProxyExternalDomains bool
	RewriteJSRedirects   bool
	RemoveAds            bool
	InjectAds            bool
	RemoveAnalytics      bool
	MediaPolicy          MediaPolicy
	SessionMode          SessionMode
	CustomAdHTML         string
	CustomTrackerJS      string
}

// Effective merges site overrides onto the global defaults.
func Effective(site *Site, g GlobalConfig) EffectiveConfig {
	eff := EffectiveConfig{
		ProxySubdomains:      g.ProxySubdomains,
		ProxyExternalDomains: g.ProxyExternalDomains,
		RewriteJSRedirects:   g.RewriteJSRedirects,
		RemoveAds:            g.RemoveAds,
		InjectAds:            g.InjectAds,
		RemoveAnalytics:      g.RemoveAnalytics,
		MediaPolicy:          g.MediaPolicy,
		SessionMode:          g.SessionMode,
		CustomAdHTML:         g.CustomAdHTML,
		CustomTrackerJS:      g.CustomTrackerJS,
	}
	if site == nil {
		return eff
	}
	if site.ProxySubdomains != nil {
		eff.ProxySubdomains = *site.ProxySubdomains
	}
	if site.ProxyExternalDomains != nil {
		eff.ProxyExternalDomains = *site.ProxyExternalDomains
	}
	if site.RewriteJSRedirects != nil {
		eff.RewriteJSRedirects = *site.RewriteJSRedirects
	}
	if site.RemoveAds != nil {
		eff.RemoveAds = *site.RemoveAds
	}
	if site.InjectAds != nil {
		eff.InjectAds = *site.InjectAds
	}
	if site.RemoveAnalytics != nil {
		eff.RemoveAnalytics = *site.RemoveAnalytics
	}
	if site.MediaPolicy != nil {
		eff.MediaPolicy = *site.MediaPolicy
	}
	if site.SessionMode != nil {
		eff.SessionMode = *site.SessionMode
	}
	if site.CustomAdHTML != nil {
		eff.CustomAdHTML = *site.CustomAdHTML
	}
	if site.CustomTrackerJS != nil {
		eff.CustomTrackerJS = *site.CustomTrackerJS
	}
	return eff
}

// Registry is the in-process site table. A RWMutex guards the slice so a
// reload can swap it while requests read concurrently.
type Registry struct {
	mu    sync.RWMutex
	sites []*Site
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Replace swaps the full site list after validating it. Mirror roots must be
// non-empty and unique; source roots must be non-empty.
func (r *Registry) Replace(sites []*Site) error {
	seen := make(map[string]int, len(sites))
	for _, s := range sites {
		if s.MirrorRoot == "" {
			return fmt.Errorf("registry: site %d: mirror_root must not be empty", s.ID)
		}
		if s.SourceRoot == "" {
			return fmt.Errorf("registry: site %d: source_root must not be empty", s.ID)
		}
		if prev, dup := seen[s.MirrorRoot]; dup {
			return fmt.Errorf("registry: mirror_root %q claimed by both site %d and site %d", s.MirrorRoot, prev, s.ID)
		}
		seen[s.MirrorRoot] = s.ID
	}

	r.mu.Lock()
	r.sites = sites
	r.mu.Unlock()
	return nil
}

// FindByHost returns the enabled site whose mirror_root exactly equals host
// or is a DNS suffix of it, with any :port stripped first. A host matches at
// most one site because mirror roots are unique and non-overlapping by
// operator convention.
func (r *Registry) FindByHost(host string) *Site {
	host = urlmap.StripPort(host)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sites {
		if !s.Enabled {
			continue
		}
		if urlmap.HostWithinRoot(host, s.MirrorRoot) {
			return s
		}
	}
	return nil
}

// Sites returns a snapshot of the registered site list.
func (r *Registry) Sites() []*Site {
	r.mu.RLock()
	out := make([]*Site, len(r.sites))
	copy(out, r.sites)
	r.mu.RUnlock()
	return out
}

// Len returns the number of registered sites, enabled or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.sites)
	r.mu.RUnlock()
	return n
}

// GlobalStore holds the GlobalConfig singleton. Get creates a defaulted
// config on first access so a missing row never fails a request.
type GlobalStore struct {
	mu     sync.RWMutex
	cfg    *GlobalConfig
	loaded bool
}

// NewGlobalStore creates an empty store; the first Get returns defaults.
func NewGlobalStore() *GlobalStore {
	return &GlobalStore{}
}

// Get returns the current global configuration, creating defaults on first
// access.
func (gs *GlobalStore) Get() GlobalConfig {
	gs.mu.RLock()
	if gs.loaded {
		cfg := *gs.cfg
		gs.mu.RUnlock()
		return cfg
	}
	gs.mu.RUnlock()

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if !gs.loaded {
		def := DefaultGlobalConfig()
		gs.cfg = &def
		gs.loaded = true
	}
	return *gs.cfg
}

// Set replaces the global configuration.
func (gs *GlobalStore) Set(cfg GlobalConfig) {
	gs.mu.Lock()
	gs.cfg = &cfg
	gs.loaded = true
	gs.mu.Unlock()
}

// sitesFile is the on-disk JSON shape exported by the admin surface.
type sitesFile struct {
	Global *GlobalConfig `json:"global,omitempty"`
	Sites  []*Site       `json:"sites"`
}

// LoadFile reads a sites JSON file into the registry and global store.
// The file carries the full site list plus optional global defaults:
//
//	{"global": {...}, "sites": [{"id":1, "mirror_root":"mirror.example", ...}]}
func LoadFile(filename string, r *Registry, gs *GlobalStore) error {
	f, err := os.Open(filename) // #nosec G304 – filename is an operator-supplied config path
	if err != nil {
		return fmt.Errorf("registry: open %q: %w", filename, err)
	}
	defer f.Close()

	var sf sitesFile
	dec := json.NewDecoder(f)
	if err := dec.Decode(&sf); err != nil {
		return fmt.Errorf("registry: decode %q: %w", filename, err)
	}

	if err := r.Replace(sf.Sites); err != nil {
		return err
	}
	if sf.Global != nil {
		gs.Set(*sf.Global)
	}
	return nil
}
