// Package metrics tracks proxy-wide counters with atomic operations.
// All methods are safe for concurrent use from request goroutines.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics holds monotonically increasing counters for the lifetime of the
// process. A zero value is not usable; call New.
type Metrics struct {
	totalRequests  atomic.Int64
	proxiedPages   atomic.Int64
	redirects      atomic.Int64
	blockedSSRF    atomic.Int64
	rateLimited    atomic.Int64
	upstreamErrors atomic.Int64
	siteMisses     atomic.Int64

	startTime time.Time
}

// New creates a Metrics with the uptime clock started.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() { m.totalRequests.Add(1) }

// RecordProxiedPage increments the counter of HTML pages served through the
// transform pipeline.
func (m *Metrics) RecordProxiedPage() { m.proxiedPages.Add(1) }

// RecordRedirect increments the counter of rewritten upstream redirects.
func (m *Metrics) RecordRedirect() { m.redirects.Add(1) }

// RecordBlockedSSRF increments the counter of requests refused by the
// address guard.
func (m *Metrics) RecordBlockedSSRF() { m.blockedSSRF.Add(1) }

// RecordRateLimited increments the counter of 429 responses.
func (m *Metrics) RecordRateLimited() { m.rateLimited.Add(1) }

// RecordUpstreamError increments the counter of failed origin fetches.
func (m *Metrics) RecordUpstreamError() { m.upstreamErrors.Add(1) }

// RecordSiteMiss increments the counter of requests for unconfigured hosts.
func (m *Metrics) RecordSiteMiss() { m.siteMisses.Add(1) }

// RequestsPerSecond returns the average request rate since startup.
func (m *Metrics) RequestsPerSecond() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.totalRequests.Load()) / elapsed
}

// Snapshot is a point-in-time copy of all counters, shaped for JSON.
type Snapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	ProxiedPages      int64   `json:"proxied_pages"`
	Redirects         int64   `json:"redirects"`
	BlockedSSRF       int64   `json:"blocked_ssrf"`
	RateLimited       int64   `json:"rate_limited"`
	UpstreamErrors    int64   `json:"upstream_errors"`
	SiteMisses        int64   `json:"site_misses"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
}

// Snapshot returns a consistent-enough copy of the counters. Counters are
// read individually; exactness across counters is not required for
// monitoring.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests:     m.totalRequests.Load(),
		ProxiedPages:      m.proxiedPages.Load(),
		Redirects:         m.redirects.Load(),
		BlockedSSRF:       m.blockedSSRF.Load(),
		RateLimited:       m.rateLimited.Load(),
		UpstreamErrors:    m.upstreamErrors.Load(),
		SiteMisses:        m.siteMisses.Load(),
		RequestsPerSecond: m.RequestsPerSecond(),
		UptimeSeconds:     int64(time.Since(m.startTime).Seconds()),
	}
}
