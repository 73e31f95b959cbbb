// Package session mints and verifies the HMAC-signed opaque identifiers that
// partition the cookie jar. The user agent carries the identifier in an
// HttpOnly cookie named px_session_id; its value is
//
//	<token>.<hex(HMAC-SHA256(secret, token))>
//
// The token itself is 32 random bytes, URL-safe base64 encoded. The server
// stores nothing per session: possession of a validly signed token IS the
// session. Secret rotation invalidates every outstanding session and is an
// operator decision outside this package.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// CookieName is the session cookie emitted to user agents.
const CookieName = "px_session_id"

// cookieMaxAge is 30 days in seconds.
const cookieMaxAge = 30 * 24 * 60 * 60

// tokenBytes is the entropy of a freshly minted session identifier.
const tokenBytes = 32

// Manager signs and verifies session identifiers with a fixed secret.
// The zero value is unusable; construct with New. Safe for concurrent use:
// the secret is never mutated after construction.
type Manager struct {
	secret []byte
}

// New creates a Manager signing with secret. The caller (config validation)
// is responsible for ensuring the secret carries enough entropy.
func New(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// Mint generates a fresh session identifier and returns its signed cookie
// value together with the bare identifier used as the jar partition key.
func (m *Manager) Mint() (signed, id string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("session: read random: %w", err)
	}
	id = base64.RawURLEncoding.EncodeToString(buf)
	return id + "." + m.sign(id), id, nil
}

// Verify checks a signed cookie value and returns the bare session
// identifier on success. Any malformed input (no separator, bad signature,
// tampered token) yields ok == false; the caller proceeds as if no session
// was presented.
func (m *Manager) Verify(signed string) (id string, ok bool) {
	i := strings.LastIndexByte(signed, '.')
	if i <= 0 || i == len(signed)-1 {
		return "", false
	}
	id, sig := signed[:i], signed[i+1:]
	if hmac.Equal([]byte(m.sign(id)), []byte(sig)) {
		return id, true
	}
	return "", false
}

// sign returns the lowercase hex HMAC-SHA256 of id under the manager secret.
func (m *Manager) sign(id string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewCookie wraps a signed session value in the cookie the proxy emits:
// HttpOnly, SameSite=Lax, Max-Age 30 days. Secure is left off because the
// TLS terminator in front of the proxy owns that decision.
func NewCookie(signed string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
