// Package cookiejar persists name/value cookie maps per
// (site, session, origin host) triple.
//
// The jar is a coarse approximation of browser cookie handling by design:
// only the name=value pair of each Set-Cookie header is stored. Path, Domain,
// Secure, HttpOnly, and expiry attributes are discarded, and entries never
// expire automatically; retention is operator policy. Every origin host gets
// its own row, so two subdomains of the same source never see each other's
// cookies even though a browser's Domain matching might have shared them.
package cookiejar

import (
	"context"
	"strings"
	"sync"
)

// Cookie is one stored name/value pair.
type Cookie struct {
	Name  string
	Value string
}

// Cookies is an ordered cookie list. Order is first-insertion order, which
// is what the upstream Cookie header preserves.
type Cookies []Cookie

// Header renders the list as a Cookie request header value:
// "name1=value1; name2=value2". Empty lists render as "".
func (cs Cookies) Header() string {
	if len(cs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range cs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}

// Map returns the list as a name→value map. Later entries win on duplicate
// names, though a well-formed jar never contains duplicates.
func (cs Cookies) Map() map[string]string {
	m := make(map[string]string, len(cs))
	for _, c := range cs {
		m[c.Name] = c.Value
	}
	return m
}

// Get returns the value for name and whether it is present.
func (cs Cookies) Get(name string) (string, bool) {
	for _, c := range cs {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Store is the persistence interface the proxy core requires. Implementations
// must provide read/write atomicity per (siteID, sessionID, originHost) row;
// readers may observe any prior committed state.
type Store interface {
	// Get returns the stored cookies for the triple, possibly empty.
	Get(ctx context.Context, siteID int, sessionID, originHost string) (Cookies, error)

	// Store parses the name=value prefix of each Set-Cookie header and
	// merges the results into the triple's row, last write wins per name.
	// Empty inputs are no-ops.
	Store(ctx context.Context, siteID int, sessionID, originHost string, setCookieHeaders []string) error
}

// ParseSetCookie extracts the name/value pair from one Set-Cookie header,
// i.e. everything before the first ';' split on the first '='. Attribute
// clauses are discarded. ok is false for headers without an '=' in the first
// clause; the caller skips those silently.
func ParseSetCookie(header string) (c Cookie, ok bool) {
	pair, _, _ := strings.Cut(header, ";")
	name, value, found := strings.Cut(pair, "=")
	if !found {
		return Cookie{}, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Cookie{}, false
	}
	return Cookie{Name: name, Value: strings.TrimSpace(value)}, true
}

// jarKey identifies one cookie jar row. Site is referenced by integer id
// only; the jar never holds a pointer back into the registry.
type jarKey struct {
	siteID     int
	sessionID  string
	originHost string
}

// Memory is an in-process Store. A single RWMutex guards the map; rows are
// copied on read so callers can never observe concurrent mutation.
type Memory struct {
	mu   sync.RWMutex
	rows map[jarKey]Cookies
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[jarKey]Cookies)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, siteID int, sessionID, originHost string) (Cookies, error) {
	m.mu.RLock()
	row := m.rows[jarKey{siteID, sessionID, originHost}]
	out := make(Cookies, len(row))
	copy(out, row)
	m.mu.RUnlock()
	return out, nil
}

// Store implements Store. New names append in arrival order; existing names
// are overwritten in place so the row keeps its first-insertion order.
func (m *Memory) Store(_ context.Context, siteID int, sessionID, originHost string, setCookieHeaders []string) error {
	if len(setCookieHeaders) == 0 {
		return nil
	}

	parsed := make(Cookies, 0, len(setCookieHeaders))
	for _, h := range setCookieHeaders {
		if c, ok := ParseSetCookie(h); ok {
			parsed = append(parsed, c)
		}
	}
	if len(parsed) == 0 {
		return nil
	}

	key := jarKey{siteID, sessionID, originHost}
	m.mu.Lock()
	row := m.rows[key]
	for _, c := range parsed {
		row = merge(row, c)
	}
	m.rows[key] = row
	m.mu.Unlock()
	return nil
}

// merge overwrites an existing cookie with the same name or appends.
func merge(row Cookies, c Cookie) Cookies {
	for i := range row {
		if row[i].Name == c.Name {
			row[i].Value = c.Value
			return row
		}
	}
	return append(row, c)
}

// Len returns the number of jar rows currently held. Exposed for the ops
// status endpoint.
func (m *Memory) Len() int {
	m.mu.RLock()
	n := len(m.rows)
	m.mu.RUnlock()
	return n
}
