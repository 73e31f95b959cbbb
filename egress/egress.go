// Package egress manages an optional pool of outbound proxy servers.
// When configured, origin fetches are distributed round-robin across the
// pool, spreading upstream traffic over several egress addresses.
package egress

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Rotator hands out egress proxy URLs round-robin. Safe for concurrent use.
type Rotator struct {
	mu      sync.Mutex
	proxies []*url.URL
	next    int
}

// LoadFile reads an egress proxy list, one URL per line. Blank lines and
// lines starting with # are skipped. An empty filename yields an empty
// rotator, which is valid and means direct egress.
func LoadFile(filename string) (*Rotator, error) {
	r := &Rotator{}
	if filename == "" {
		return r, nil
	}

	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("egress: open proxy file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("egress: invalid proxy URL %q: %w", line, err)
		}
		r.proxies = append(r.proxies, u)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("egress: read proxy file: %w", err)
	}

	return r, nil
}

// Next returns the next proxy URL in rotation, or nil when the pool is
// empty.
func (r *Rotator) Next() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.proxies) == 0 {
		return nil
	}
	u := r.proxies[r.next]
	r.next = (r.next + 1) % len(r.proxies)
	return u
}

// Count returns the pool size.
func (r *Rotator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}
