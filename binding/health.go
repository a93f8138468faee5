// Package binding ties each source IP to the rest of its identity: the
// persona chosen for it, the HTTP client bound to it, its cookie session,
// and its circuit-breaker health record.  Everything lives and dies
// together: the janitor reclaims the whole tuple at once, never a part.
package binding

import (
	"sync"
	"sync/atomic"
	"time"
)

// HealthOptions tunes the per-IP circuit breaker.
type HealthOptions struct {
	// FailureThreshold is the failure ratio above which the circuit opens.
	// Zero means 0.8.
	FailureThreshold float64

	// MinRequests is the request volume required before the ratio is
	// trusted.  Zero means 20.
	MinRequests int64

	// RecoveryTime is how long an open circuit waits before admitting one
	// probe.  Zero means 5m.
	RecoveryTime time.Duration
}

func (o HealthOptions) withDefaults() HealthOptions {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 0.8
	}
	if o.MinRequests <= 0 {
		o.MinRequests = 20
	}
	if o.RecoveryTime <= 0 {
		o.RecoveryTime = 5 * time.Minute
	}
	return o
}

// Health is one IP's circuit breaker.
//
// Counters are atomics and the open flag is an atomic bool, so the closed
// fast path costs two atomic ops and no lock.  The opening timestamp and
// the probe flag change rarely and sit behind a short mutex.
type Health struct {
	opts HealthOptions

	total    atomic.Int64
	success  atomic.Int64
	failures atomic.Int64
	open     atomic.Bool

	mu       sync.Mutex
	openedAt time.Time
	probing  bool
}

// NewHealth returns a closed breaker.
func NewHealth(opts HealthOptions) *Health {
	return &Health{opts: opts.withDefaults()}
}

// Allow reports whether a request may proceed.  A closed circuit always
// admits.  An open circuit admits exactly one probe once RecoveryTime has
// passed since it opened; everyone else is turned away until the probe's
// outcome is known.
func (h *Health) Allow() bool {
	if !h.open.Load() {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.probing {
		return false
	}
	if time.Since(h.openedAt) < h.opts.RecoveryTime {
		return false
	}
	h.probing = true
	return true
}

// RecordResult folds one terminal outcome into the record.
//
// While the circuit is open, only the probe's outcome counts: a successful
// probe closes the circuit and resets the window, a failed probe restarts
// the recovery clock.  Results from requests admitted before the circuit
// opened are discarded so a burst of stragglers cannot double-open it.
func (h *Health) RecordResult(success bool) {
	if h.open.Load() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.probing {
			return
		}
		h.probing = false
		if success {
			h.total.Store(0)
			h.success.Store(0)
			h.failures.Store(0)
			h.open.Store(false)
			return
		}
		h.openedAt = time.Now()
		return
	}

	h.total.Add(1)
	if success {
		h.success.Add(1)
		return
	}
	h.failures.Add(1)

	total := h.total.Load()
	if total < h.opts.MinRequests {
		return
	}
	if float64(h.failures.Load())/float64(total) <= h.opts.FailureThreshold {
		return
	}
	h.mu.Lock()
	if !h.open.Load() {
		h.open.Store(true)
		h.openedAt = time.Now()
		h.probing = false
	}
	h.mu.Unlock()
}

// IsOpen reports whether the circuit currently rejects requests.
func (h *Health) IsOpen() bool { return h.open.Load() }

// Totals returns the current window's counters.
func (h *Health) Totals() (total, success, failures int64) {
	return h.total.Load(), h.success.Load(), h.failures.Load()
}
