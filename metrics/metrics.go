// Package metrics aggregates fleet-wide request counters.
//
// Counters are plain atomics so the fetch hot path never takes a lock; the
// same updates are mirrored into Prometheus collectors for scraping.  The
// aggregate is owned by the engine and snapshotted on demand for /health.
//
// Counting rules: Total, Success, and Failed move exactly once per terminal
// outcome, so Total == Success + Failed holds at every instant.  The
// per-class error counters move once per failed attempt, retries included,
// which is why their sum can exceed Failed.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// ErrorClass buckets one failed attempt for the error breakdown.
type ErrorClass string

const (
	Err403     ErrorClass = "403"
	Err429     ErrorClass = "429"
	Err503     ErrorClass = "503"
	Err5xx     ErrorClass = "5xx"
	ErrTimeout ErrorClass = "timeout"
	ErrNetwork ErrorClass = "network"
)

// Stats is the fleet-wide counter aggregate.
type Stats struct {
	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64

	err403      atomic.Int64
	err429      atomic.Int64
	err503      atomic.Int64
	err5xx      atomic.Int64
	errTimeout  atomic.Int64
	errNetwork  atomic.Int64

	retries          atomic.Int64
	rejected         atomic.Int64
	sessionRefreshes atomic.Int64
	bytesFetched     atomic.Int64

	personaUse *xsync.Map[string, *xsync.Counter]
	startTime  time.Time
}

// New returns a zeroed aggregate with the uptime clock started.
func New() *Stats {
	return &Stats{
		personaUse: xsync.NewMap[string, *xsync.Counter](),
		startTime:  time.Now(),
	}
}

// RecordOutcome folds one terminal outcome into the aggregate.
func (s *Stats) RecordOutcome(success bool, persona string, bytes int64, duration time.Duration) {
	s.total.Add(1)
	if success {
		s.success.Add(1)
	} else {
		s.failed.Add(1)
	}
	if bytes > 0 {
		s.bytesFetched.Add(bytes)
	}
	if persona != "" {
		c, _ := s.personaUse.LoadOrCompute(persona, func() (*xsync.Counter, bool) {
			return xsync.NewCounter(), false
		})
		c.Add(1)
	}
	requestsTotal.Inc()
	requestDuration.Observe(duration.Seconds())
	if persona != "" {
		personaRequests.WithLabelValues(persona).Inc()
	}
	if success {
		requestsSucceeded.Inc()
	} else {
		requestsFailed.Inc()
	}
	if bytes > 0 {
		bytesTotal.Add(float64(bytes))
	}
}

// RecordError buckets one failed attempt.  Called per attempt, not per
// terminal outcome.
func (s *Stats) RecordError(c ErrorClass) {
	switch c {
	case Err403:
		s.err403.Add(1)
	case Err429:
		s.err429.Add(1)
	case Err503:
		s.err503.Add(1)
	case Err5xx:
		s.err5xx.Add(1)
	case ErrTimeout:
		s.errTimeout.Add(1)
	case ErrNetwork:
		s.errNetwork.Add(1)
	default:
		return
	}
	attemptErrors.WithLabelValues(string(c)).Inc()
}

// RecordRetry counts one attempt beyond a request's first.
func (s *Stats) RecordRetry() {
	s.retries.Add(1)
	retriesTotal.Inc()
}

// RecordRejected counts one admission rejection (circuit open, shutdown).
func (s *Stats) RecordRejected(reason string) {
	s.rejected.Add(1)
	rejectedTotal.WithLabelValues(reason).Inc()
}

// RecordSessionRefresh counts one completed cookie-session refresh.
func (s *Stats) RecordSessionRefresh() {
	s.sessionRefreshes.Add(1)
	sessionRefreshes.Inc()
}

// RecordQueueWait observes how long a job sat in the dispatch queue.  Only
// the Prometheus histogram keeps it; the /health snapshot has no use for a
// distribution.
func (s *Stats) RecordQueueWait(d time.Duration) {
	queueWait.Observe(d.Seconds())
}

// SessionRefreshes returns the completed refresh count.
func (s *Stats) SessionRefreshes() int64 { return s.sessionRefreshes.Load() }

// Snapshot is a point-in-time copy of every counter, shaped for /health.
type Snapshot struct {
	UptimeSeconds     float64          `json:"uptime_seconds"`
	RequestsPerSecond float64          `json:"requests_per_second"`
	TotalRequests     int64            `json:"total_requests"`
	SuccessCount      int64            `json:"success_count"`
	FailedCount       int64            `json:"failed_count"`
	Error403Count     int64            `json:"error_403_count"`
	Error429Count     int64            `json:"error_429_count"`
	Error503Count     int64            `json:"error_503_count"`
	Error5xxCount     int64            `json:"error_5xx_count"`
	TimeoutCount      int64            `json:"timeout_count"`
	NetworkErrorCount int64            `json:"network_error_count"`
	RetryCount        int64            `json:"retry_count"`
	RejectedCount     int64            `json:"rejected_count"`
	SessionRefreshes  int64            `json:"session_refresh_count"`
	BytesFetched      int64            `json:"bytes_fetched"`
	PersonaUse        map[string]int64 `json:"persona_use"`
}

// Snapshot returns the current counter values.  Loads are individually
// atomic, not collectively, which is fine for monitoring reads.
func (s *Stats) Snapshot() Snapshot {
	elapsed := time.Since(s.startTime).Seconds()
	snap := Snapshot{
		UptimeSeconds:     elapsed,
		TotalRequests:     s.total.Load(),
		SuccessCount:      s.success.Load(),
		FailedCount:       s.failed.Load(),
		Error403Count:     s.err403.Load(),
		Error429Count:     s.err429.Load(),
		Error503Count:     s.err503.Load(),
		Error5xxCount:     s.err5xx.Load(),
		TimeoutCount:      s.errTimeout.Load(),
		NetworkErrorCount: s.errNetwork.Load(),
		RetryCount:        s.retries.Load(),
		RejectedCount:     s.rejected.Load(),
		SessionRefreshes:  s.sessionRefreshes.Load(),
		BytesFetched:      s.bytesFetched.Load(),
		PersonaUse:        make(map[string]int64),
	}
	if elapsed > 0 {
		snap.RequestsPerSecond = float64(snap.TotalRequests) / elapsed
	}
	s.personaUse.Range(func(name string, c *xsync.Counter) bool {
		snap.PersonaUse[name] = c.Value()
		return true
	})
	return snap
}
