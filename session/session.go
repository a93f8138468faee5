// Package session owns the per-IP cookie state.  Each source IP accumulates
// cookies through home-page bootstraps; data requests from that IP carry
// exactly those cookies and no others, so an origin that binds cookies to the
// connecting address never sees a mismatch.
package session

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one IP's cookie store.
//
// Thread-safety: a single RWMutex guards the cookie slice and the refresh
// bookkeeping.  Refreshes write under the full lock, so their cookie updates
// become visible to readers atomically.  lastAccess is an atomic because the
// fetch path touches it on every request and must not contend with refreshes.
type Session struct {
	mu             sync.RWMutex
	cookies        []*http.Cookie
	lastRefresh    time.Time
	earliestExpiry time.Time

	lastAccess atomic.Int64 // unix nanoseconds
}

// NewSession returns an empty, never-refreshed session.
func NewSession() *Session {
	s := &Session{}
	s.Touch()
	return s
}

// Touch records use of the session now.
func (s *Session) Touch() {
	s.lastAccess.Store(time.Now().UnixNano())
}

// LastAccess returns the time of the most recent Touch.
func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// Fresh reports whether the cookies can be used without a refresh: at least
// one cookie is stored, the last refresh completed within maxAge, and no
// cookie expires within slack.
func (s *Session) Fresh(slack, maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRefresh.IsZero() {
		return false
	}
	if len(s.cookies) == 0 {
		return false
	}
	if time.Since(s.lastRefresh) > maxAge {
		return false
	}
	if !s.earliestExpiry.IsZero() && time.Until(s.earliestExpiry) < slack {
		return false
	}
	return true
}

// Invalidate forgets that a refresh ever happened, forcing the next
// EnsureFresh to hit the origin.  Cookies stay in place; a refresh merges
// over them rather than starting blank, matching how a browser behaves when
// it revisits the home page.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.lastRefresh = time.Time{}
	s.mu.Unlock()
}

// MarkRefreshed records a completed refresh.
func (s *Session) MarkRefreshed() {
	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.mu.Unlock()
}

// LastRefresh returns when the last completed refresh finished.
func (s *Session) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// SetCookies merges cookies from a response served by host into the store.
//
// Normalisation mirrors jar behavior: an empty Domain becomes the response
// host, a leading dot is stripped, MaxAge is converted to an absolute expiry,
// and session cookies (no expiry at all) are kept for ttl.  A negative
// MaxAge deletes the matching cookie.  Matching for replacement is by
// (name, domain, path).
func (s *Session) SetCookies(host string, cookies []*http.Cookie, ttl time.Duration) {
	if len(cookies) == 0 {
		return
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		nc := *c
		if nc.Domain == "" {
			nc.Domain = host
		}
		nc.Domain = strings.TrimPrefix(strings.ToLower(nc.Domain), ".")
		if nc.Path == "" {
			nc.Path = "/"
		}

		if nc.MaxAge < 0 {
			s.deleteLocked(nc.Name, nc.Domain, nc.Path)
			continue
		}
		switch {
		case nc.MaxAge > 0:
			nc.Expires = now.Add(time.Duration(nc.MaxAge) * time.Second)
		case nc.Expires.IsZero():
			nc.Expires = now.Add(ttl)
		}
		if !nc.Expires.After(now) {
			s.deleteLocked(nc.Name, nc.Domain, nc.Path)
			continue
		}
		s.upsertLocked(&nc)
	}
	s.recomputeExpiryLocked()
}

func (s *Session) deleteLocked(name, domain, path string) {
	out := s.cookies[:0]
	for _, c := range s.cookies {
		if c.Name == name && c.Domain == domain && c.Path == path {
			continue
		}
		out = append(out, c)
	}
	s.cookies = out
}

func (s *Session) upsertLocked(nc *http.Cookie) {
	for i, c := range s.cookies {
		if c.Name == nc.Name && c.Domain == nc.Domain && c.Path == nc.Path {
			s.cookies[i] = nc
			return
		}
	}
	s.cookies = append(s.cookies, nc)
}

func (s *Session) recomputeExpiryLocked() {
	s.earliestExpiry = time.Time{}
	for _, c := range s.cookies {
		if s.earliestExpiry.IsZero() || c.Expires.Before(s.earliestExpiry) {
			s.earliestExpiry = c.Expires
		}
	}
}

// PruneExpired drops every cookie whose expiry has passed and recomputes the
// earliest expiry over the remainder.  It returns the number of cookies
// dropped.
func (s *Session) PruneExpired() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cookies[:0]
	for _, c := range s.cookies {
		if c.Expires.After(now) {
			out = append(out, c)
		}
	}
	dropped := len(s.cookies) - len(out)
	s.cookies = out
	if dropped > 0 {
		s.recomputeExpiryLocked()
	}
	return dropped
}

// CookiesFor returns the unexpired cookies applicable to host: domain equal
// to host or a parent domain of it.  The returned slice is a copy.
func (s *Session) CookiesFor(host string) []*http.Cookie {
	host = strings.ToLower(host)
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*http.Cookie
	for _, c := range s.cookies {
		if !c.Expires.After(now) {
			continue
		}
		if host == c.Domain || strings.HasSuffix(host, "."+c.Domain) {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out
}

// CookieCount returns the number of stored cookies, expired ones included
// until the next PruneExpired drops them.
func (s *Session) CookieCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cookies)
}

// EarliestExpiry returns the soonest cookie expiry, or the zero time when no
// cookies are stored.
func (s *Session) EarliestExpiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.earliestExpiry
}

// CookieHeader renders cookies as a cookie request header value.
func CookieHeader(cookies []*http.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range cookies {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}
