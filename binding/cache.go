package binding

import (
	"math/rand/v2"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"

	"github.com/firasghr/GoEgressFleet/client"
	"github.com/firasghr/GoEgressFleet/fingerprint"
	"github.com/firasghr/GoEgressFleet/session"
)

// DefaultKey is the binding key used when no source address is in play,
// e.g. when the dialer falls back to kernel source selection.
const DefaultKey = "default"

// Key maps a source address to its binding key.
func Key(addr netip.Addr) string {
	if !addr.IsValid() {
		return DefaultKey
	}
	return addr.String()
}

// Binding is the sticky identity of one source IP.
type Binding struct {
	// Persona is chosen once, at first use, and never changes while the
	// binding lives.  An IP that flips fingerprints is an automation tell.
	Persona fingerprint.Persona

	// DNT mirrors how a fraction of real users enable do-not-track.  Like
	// the persona, the coin is tossed once per binding.
	DNT bool
}

// CacheOptions configures the binding cache.
type CacheOptions struct {
	// Transport configures each binding's HTTP client.
	Transport client.TransportConfig

	// Health configures each binding's circuit breaker.
	Health HealthOptions

	// CleanInterval is how often the janitor scans.  Zero means 5m.
	CleanInterval time.Duration

	// IdleAfter is the inactivity age at which a binding is reclaimed.
	// Zero means 30m.
	IdleAfter time.Duration
}

// Cache holds the per-IP maps.  Creation is first-writer-wins through
// LoadOrCompute; losers of a racing create discard their candidate and use
// the winner's, so two goroutines can never split one IP across two
// personas.
type Cache struct {
	registry *fingerprint.Registry
	sessions *session.Manager
	opts     CacheOptions

	bindings *xsync.Map[string, Binding]
	clients  *xsync.Map[string, *http.Client]
	health   *xsync.Map[string, *Health]

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCache returns an empty cache.  Call StartJanitor to begin reclaiming
// idle bindings and Close on shutdown.
func NewCache(registry *fingerprint.Registry, sessions *session.Manager, opts CacheOptions) *Cache {
	if opts.CleanInterval <= 0 {
		opts.CleanInterval = 5 * time.Minute
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = 30 * time.Minute
	}
	return &Cache{
		registry: registry,
		sessions: sessions,
		opts:     opts,
		bindings: xsync.NewMap[string, Binding](),
		clients:  xsync.NewMap[string, *http.Client](),
		health:   xsync.NewMap[string, *Health](),
		stopCh:   make(chan struct{}),
	}
}

// BindingFor returns key's identity, assigning one on first use.
func (c *Cache) BindingFor(key string) Binding {
	b, _ := c.bindings.LoadOrCompute(key, func() (Binding, bool) {
		nb := Binding{
			Persona: c.registry.Random(),
			DNT:     rand.IntN(2) == 0,
		}
		log.Debug().Str("key", key).Str("persona", nb.Persona.Name).Bool("dnt", nb.DNT).
			Msg("binding: assigned persona")
		return nb, false
	})
	return b
}

// ClientFor returns key's HTTP client, building it on first use from the
// binding's persona and the given source address.
func (c *Cache) ClientFor(key string, local netip.Addr) *http.Client {
	cl, _ := c.clients.LoadOrCompute(key, func() (*http.Client, bool) {
		return client.NewClient(c.BindingFor(key).Persona, local, c.opts.Transport), false
	})
	return cl
}

// HealthFor returns key's circuit breaker, creating it closed on first use.
func (c *Cache) HealthFor(key string) *Health {
	h, _ := c.health.LoadOrCompute(key, func() (*Health, bool) {
		return NewHealth(c.opts.Health), false
	})
	return h
}

// Touch marks key as in use now.  The janitor measures idleness from here.
func (c *Cache) Touch(key string) {
	c.sessions.SessionFor(key).Touch()
}

// Size returns the number of cached clients, the /health "connection cache
// size" figure.
func (c *Cache) Size() int { return c.clients.Size() }

// ReclaimIdle drops every binding idle since before cutoff: persona, client
// (with its pooled connections), health record, and cookie session go
// together.  Pool statistics are untouched; they describe the address, not
// the binding.  Returns the number of bindings reclaimed.
func (c *Cache) ReclaimIdle(cutoff time.Time) int {
	var idle []string
	c.bindings.Range(func(key string, _ Binding) bool {
		if last, ok := c.sessions.LastAccess(key); ok && last.Before(cutoff) {
			idle = append(idle, key)
		}
		return true
	})

	for _, key := range idle {
		if cl, ok := c.clients.Load(key); ok {
			cl.CloseIdleConnections()
		}
		c.bindings.Delete(key)
		c.clients.Delete(key)
		c.health.Delete(key)
		c.sessions.Remove(key)
	}
	if len(idle) > 0 {
		log.Info().Int("reclaimed", len(idle)).Msg("binding: janitor reclaimed idle bindings")
	}
	return len(idle)
}

// StartJanitor launches the periodic idle scan.
func (c *Cache) StartJanitor() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.CleanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.ReclaimIdle(time.Now().Add(-c.opts.IdleAfter))
			}
		}
	}()
}

// Close stops the janitor and drops every pooled connection.  Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	c.clients.Range(func(_ string, cl *http.Client) bool {
		cl.CloseIdleConnections()
		return true
	})
}
