package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/firasghr/GoEgressFleet/client"
	"github.com/firasghr/GoEgressFleet/fingerprint"
	"github.com/firasghr/GoEgressFleet/metrics"
)

const (
	maxRedirectHops   = 5
	bootstrapAttempts = 3
	bootstrapRetryGap = 500 * time.Millisecond
	maxBootstrapBody  = 4 << 20
)

// Options tunes refresh behavior.
type Options struct {
	// HomeURL is the page fetched to collect cookies.
	HomeURL string

	// RefreshTimeout bounds one whole refresh, semaphore wait included.
	RefreshTimeout time.Duration

	// MaxConcurrent caps simultaneous refreshes across all IPs.
	MaxConcurrent int64

	// ExpirySlack triggers a refresh when any cookie expires within it.
	ExpirySlack time.Duration

	// MaxAge forces a refresh when the last one is older than it.
	MaxAge time.Duration

	// CookieTTL is the assumed lifetime of session cookies that carry no
	// expiry of their own.
	CookieTTL time.Duration
}

// Manager hands out sessions by IP key and keeps their cookies fresh.
//
// Refresh coordination is two-layered: a singleflight group collapses
// concurrent refreshes of the same IP into one origin visit whose result all
// callers share, and a weighted semaphore caps refreshes across different
// IPs so a cold start cannot stampede the home origin.
type Manager struct {
	opts     Options
	sessions *xsync.Map[string, *Session]
	group    singleflight.Group
	sem      *semaphore.Weighted
	stats    *metrics.Stats
}

// NewManager returns a manager enforcing opts.  stats may be nil.
func NewManager(opts Options, stats *metrics.Stats) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 5
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	return &Manager{
		opts:     opts,
		sessions: xsync.NewMap[string, *Session](),
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		stats:    stats,
	}
}

// SessionFor returns the session for key, creating it on first use.
func (m *Manager) SessionFor(key string) *Session {
	s, _ := m.sessions.LoadOrCompute(key, func() (*Session, bool) {
		return NewSession(), false
	})
	return s
}

// Remove drops key's session.  Called by the janitor when the IP's whole
// binding is reclaimed.
func (m *Manager) Remove(key string) {
	m.sessions.Delete(key)
}

// LastAccess returns when key's session was last touched, without creating
// one for keys never seen.
func (m *Manager) LastAccess(key string) (time.Time, bool) {
	s, ok := m.sessions.Load(key)
	if !ok {
		return time.Time{}, false
	}
	return s.LastAccess(), true
}

// EnsureFresh makes key's session usable, refreshing it through c with p's
// headers if needed.  Expired cookies are pruned before the freshness check
// so a cookie that aged out in place cannot hold the session stale.
// Concurrent callers for the same key share one refresh.  Cancelling ctx
// detaches the caller from a shared refresh without stopping it; the refresh
// completes on its own budget and later callers see its result.
func (m *Manager) EnsureFresh(ctx context.Context, key string, c *http.Client, p fingerprint.Persona) error {
	sess := m.SessionFor(key)
	sess.Touch()
	sess.PruneExpired()
	if sess.Fresh(m.opts.ExpirySlack, m.opts.MaxAge) {
		return nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		return nil, m.refresh(key, sess, c, p)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh performs one rate-limited bootstrap.  It deliberately runs on its
// own deadline, detached from any single caller, because its result is
// shared across everyone waiting on the singleflight key.
func (m *Manager) refresh(key string, sess *Session, c *http.Client, p fingerprint.Persona) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RefreshTimeout)
	defer cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("session: refresh slot for %s: %w", key, err)
	}
	defer m.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < bootstrapAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bootstrapRetryGap):
			case <-ctx.Done():
				return fmt.Errorf("session: refresh %s: %w", key, ctx.Err())
			}
		}
		if err := m.bootstrap(ctx, sess, c, p); err != nil {
			lastErr = err
			log.Warn().Err(err).Str("key", key).Int("attempt", attempt+1).
				Msg("session: bootstrap attempt failed")
			continue
		}
		sess.MarkRefreshed()
		if m.stats != nil {
			m.stats.RecordSessionRefresh()
		}
		log.Debug().Str("key", key).Int("cookies", sess.CookieCount()).
			Msg("session: refreshed")
		return nil
	}
	return fmt.Errorf("session: refresh %s: %w", key, lastErr)
}

// bootstrap walks the home page like a navigating browser: it follows
// redirects by hand, sends the cookies gathered so far on every hop, and
// harvests set-cookie from every response along the chain, not just the
// final one.
func (m *Manager) bootstrap(ctx context.Context, sess *Session, c *http.Client, p fingerprint.Persona) error {
	target := m.opts.HomeURL
	base := client.NavigationHeaders(p)

	for hop := 0; hop < maxRedirectHops; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("session: build home request %q: %w", target, err)
		}
		h := base.Clone()
		if cookies := sess.CookiesFor(req.URL.Hostname()); len(cookies) > 0 {
			h.Add("cookie", CookieHeader(cookies))
		}
		h.ApplyToRequest(req)

		resp, err := c.Do(req)
		if err != nil {
			return fmt.Errorf("session: home request: %w", err)
		}
		sess.SetCookies(resp.Request.URL.Hostname(), resp.Cookies(), m.opts.CookieTTL)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBootstrapBody))
		resp.Body.Close()

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			if loc == "" {
				return fmt.Errorf("session: redirect %d from %s without location", resp.StatusCode, target)
			}
			next, err := resp.Request.URL.Parse(loc)
			if err != nil {
				return fmt.Errorf("session: bad redirect %q: %w", loc, err)
			}
			target = next.String()
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("session: home returned %d", resp.StatusCode)
		}
		return nil
	}
	return fmt.Errorf("session: more than %d redirects from %s", maxRedirectHops, m.opts.HomeURL)
}

// Invalidate forces key's next EnsureFresh to hit the origin.
func (m *Manager) Invalidate(key string) {
	if s, ok := m.sessions.Load(key); ok {
		s.Invalidate()
	}
}

// Stats is the /health view of session state.
type Stats struct {
	ActiveSessions int       `json:"active_sessions"`
	CookiesCached  int       `json:"cookies_cached"`
	EarliestExpiry time.Time `json:"earliest_expiry,omitzero"`
}

// Snapshot aggregates across every live session.
func (m *Manager) Snapshot() Stats {
	var st Stats
	m.sessions.Range(func(_ string, s *Session) bool {
		st.ActiveSessions++
		st.CookiesCached += s.CookieCount()
		if e := s.EarliestExpiry(); !e.IsZero() {
			if st.EarliestExpiry.IsZero() || e.Before(st.EarliestExpiry) {
				st.EarliestExpiry = e
			}
		}
		return true
	})
	return st
}
