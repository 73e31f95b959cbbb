// Package config provides configuration management for MirrorPx.
// It supports JSON-based configuration loading with safe defaults suitable
// for a single-process deployment fronting many mirror sites.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Settings holds all tunable parameters for the mirror proxy.
// The struct is loaded once at startup and then shared across goroutines as a
// read-only value, making it inherently thread-safe after initialization.
type Settings struct {
	// ListenAddr is the address the user-agent-facing proxy server binds to,
	// e.g. ":8080". Every mirror hostname must resolve to this listener.
	ListenAddr string `json:"listen_addr"`

	// OpsAddr is the address of the operator status server (/healthz,
	// /metricsz). Leave empty to disable it. This listener must never be
	// exposed to end users.
	OpsAddr string `json:"ops_addr"`

	// AdminHost is the hostname reserved for the administrative surface.
	// Requests arriving at the proxy with this Host header are answered 404
	// so admin traffic can never traverse the mirror pipeline.
	AdminHost string `json:"admin_host"`

	// SecretKey signs px_session_id cookies (HMAC-SHA256). Use at least 32
	// bytes of entropy in production; session partitions are only as strong
	// as this key.
	SecretKey string `json:"secret_key"`

	// SitesFile is the path to the JSON site registry (mirror_root →
	// source_root mappings plus per-site overrides and global defaults).
	SitesFile string `json:"sites_file"`

	// EnableRateLimiting toggles per-client-IP admission control.
	EnableRateLimiting bool `json:"enable_rate_limiting"`

	// RateLimitRequests is the maximum number of admitted requests per
	// client IP within one RateLimitWindow.
	RateLimitRequests int `json:"rate_limit_requests"`

	// RateLimitWindow is the sliding-window length in seconds.
	RateLimitWindow int `json:"rate_limit_window"`

	// MaxResponseSizeMB caps the declared Content-Length of non-media origin
	// responses. Larger responses are refused with 413 before the body is
	// read.
	MaxResponseSizeMB int `json:"max_response_size_mb"`

	// RequestTimeout is the end-to-end timeout for one upstream fetch,
	// including connection setup, TLS handshake, and reading the response
	// headers and body. Uses time.Duration JSON encoding.
	RequestTimeout time.Duration `json:"request_timeout"`

	// EgressProxyFile is the path to a newline-delimited file of egress
	// proxy addresses rotated round-robin across upstream fetches. Empty
	// means direct connections.
	EgressProxyFile string `json:"egress_proxy_file"`

	// ImpersonateBrowserTLS switches the upstream TLS handshake to a Chrome
	// ClientHello fingerprint. Some origins refuse connections whose TLS
	// fingerprint does not look like a browser; mirroring those origins
	// fails without this.
	ImpersonateBrowserTLS bool `json:"impersonate_browser_tls"`

	// LogLevel selects the minimum process log level: "debug", "info", or
	// "error".
	LogLevel string `json:"log_level"`
}

// LoadSettings reads a JSON file at filename and deserialises it into a
// Settings. It returns an error if the file cannot be opened or if the JSON
// is malformed. Zero-value fields retain Go's zero values, so callers should
// run Validate after loading.
func LoadSettings(filename string) (*Settings, error) {
	f, err := os.Open(filename) // #nosec G304 – filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	var s Settings
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields() // catch typos in config files early
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return &s, nil
}

// DefaultSettings returns a *Settings pre-filled with production-sensible
// defaults. Callers are free to mutate the returned struct before passing it
// to other components; each call returns a fresh independent copy.
//
// SecretKey has no usable default; Validate rejects the empty value so a
// deployment cannot silently run with forgeable sessions.
func DefaultSettings() *Settings {
	return &Settings{
		ListenAddr:         ":8080",
		OpsAddr:            ":9090",
		AdminHost:          "admin.localhost",
		SitesFile:          "sites.json",
		EnableRateLimiting: true,
		RateLimitRequests:  60,
		RateLimitWindow:    60,
		MaxResponseSizeMB:  15,
		RequestTimeout:     15 * time.Second,
		LogLevel:           "info",
	}
}

// Validate reports configuration mistakes that would make the proxy unsafe
// or unable to start. It is deliberately strict about SecretKey because a
// guessable key lets an attacker forge session partitions.
func (s *Settings) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if len(s.SecretKey) < 32 {
		return fmt.Errorf("config: secret_key must be at least 32 bytes, got %d", len(s.SecretKey))
	}
	if s.RateLimitRequests <= 0 {
		return fmt.Errorf("config: rate_limit_requests must be > 0, got %d", s.RateLimitRequests)
	}
	if s.RateLimitWindow <= 0 {
		return fmt.Errorf("config: rate_limit_window must be > 0, got %d", s.RateLimitWindow)
	}
	if s.MaxResponseSizeMB <= 0 {
		return fmt.Errorf("config: max_response_size_mb must be > 0, got %d", s.MaxResponseSizeMB)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be > 0, got %v", s.RequestTimeout)
	}
	return nil
}

// MaxResponseSizeBytes converts the configured megabyte cap to bytes.
func (s *Settings) MaxResponseSizeBytes() int64 {
	return int64(s.MaxResponseSizeMB) * 1024 * 1024
}
