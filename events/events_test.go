package events_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mirrorpx/mirrorpx/events"
)

func TestLevelForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   events.Level
	}{
		{200, events.LevelInfo},
		{302, events.LevelInfo},
		{404, events.LevelWarning},
		{429, events.LevelWarning},
		{502, events.LevelError},
	}
	for _, tt := range tests {
		if got := events.LevelForStatus(tt.status); got != tt.want {
			t.Errorf("LevelForStatus(%d): got %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestLog_EmitKeys(t *testing.T) {
	var buf bytes.Buffer
	sink := events.NewLog(&buf)

	sink.Emit(events.RequestEvent{
		Timestamp:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Level:      events.LevelInfo,
		Message:    "page proxied",
		ClientIP:   "1.2.3.4",
		MirrorHost: "mirror.com",
		OriginURL:  "https://source.com/",
		StatusCode: 200,
		LatencyMS:  42,
		UserAgent:  "test-agent",
	})

	line := strings.TrimSpace(buf.String())
	if strings.Count(line, "\n") != 0 {
		t.Fatalf("expected one line, got %q", line)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("event is not valid JSON: %v\n%s", err, line)
	}
	for _, key := range []string{
		"timestamp", "level", "logger", "message",
		"client_ip", "mirror_host", "origin_url",
		"status_code", "latency_ms", "user_agent",
	} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("event missing key %q: %s", key, line)
		}
	}
	if decoded["status_code"] != float64(200) {
		t.Errorf("status_code: got %v, want 200", decoded["status_code"])
	}
	if decoded["message"] != "page proxied" {
		t.Errorf("message: got %v", decoded["message"])
	}
}

func TestLog_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	events.NewLog(&buf).Emit(events.RequestEvent{
		Level:      events.LevelError,
		StatusCode: 502,
		Message:    "upstream fetch failed",
	})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["level"] != "error" {
		t.Errorf("level: got %v, want error", decoded["level"])
	}
}

func TestNop(t *testing.T) {
	// Must not panic.
	events.Nop{}.Emit(events.RequestEvent{})
}
