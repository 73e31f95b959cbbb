// Package events defines the structured per-request observability event and
// the sinks it can be written to. Exactly one event is emitted for every
// request the proxy terminates, successful or not.
package events

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Level classifies an event. Proxy-originated 4xx outcomes are warnings,
// 5xx outcomes are errors, everything else is informational.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// LevelForStatus maps an HTTP status code the proxy emitted to an event
// level.
func LevelForStatus(status int) Level {
	switch {
	case status >= 500:
		return LevelError
	case status >= 400:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// RequestEvent is the transient record produced once per request.
// OriginURL is empty when the request failed before the origin URL was
// computed (rate limit, admin host, site miss).
type RequestEvent struct {
	Timestamp  time.Time
	Level      Level
	Message    string
	ClientIP   string
	MirrorHost string
	OriginURL  string
	StatusCode int
	LatencyMS  int64
	UserAgent  string
}

// Sink receives request events. Implementations must be safe for concurrent
// use; the proxy emits from every request goroutine.
type Sink interface {
	Emit(RequestEvent)
}

// Log is a Sink writing one JSON line per event via zerolog, with the key
// set consumed by the operator's log pipeline: timestamp, level, logger,
// message, client_ip, mirror_host, origin_url, status_code, latency_ms,
// user_agent.
type Log struct {
	zl zerolog.Logger
}

// NewLog creates a Log sink writing to w.
func NewLog(w io.Writer) *Log {
	return &Log{zl: zerolog.New(w).With().Str("logger", "proxy").Logger()}
}

// Emit implements Sink.
func (l *Log) Emit(e RequestEvent) {
	var ev *zerolog.Event
	switch e.Level {
	case LevelError:
		ev = l.zl.Error()
	case LevelWarning:
		ev = l.zl.Warn()
	default:
		ev = l.zl.Info()
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	ev.Time("timestamp", ts).
		Str("client_ip", e.ClientIP).
		Str("mirror_host", e.MirrorHost).
		Str("origin_url", e.OriginURL).
		Int("status_code", e.StatusCode).
		Int64("latency_ms", e.LatencyMS).
		Str("user_agent", e.UserAgent).
		Msg(e.Message)
}

// Nop is a Sink that discards events. Used in tests and as a safe default.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(RequestEvent) {}
