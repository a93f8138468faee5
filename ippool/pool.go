// Package ippool manages the pool of IPv6 source addresses the fleet binds
// outbound sockets to.
//
// Addresses are derived once, at startup, by appending a decimal ordinal to
// the prefix text: prefix 2001:db8:: with start 1001 and count 4 yields
// 2001:db8::1001 through 2001:db8::1004.  Every derived address carries its
// own rolling request statistics so selection can steer around addresses the
// origin has started punishing.
//
// Design choices:
//   - Selection state is a single atomic counter; per-address stats are
//     atomics too.  Nothing in the hot path takes a lock.
//   - An address is only judged unhealthy after a warmup volume, so a single
//     early failure cannot sideline a fresh address.
//   - Health steering degrades, never blocks: when every address looks bad,
//     HealthyNext falls back to plain rotation instead of refusing work.
package ippool

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Options tunes the health judgment applied by HealthyNext.
type Options struct {
	// FailureThreshold is the failure ratio above which a warmed-up address
	// is considered unhealthy.  Zero means use the default of 0.5.
	FailureThreshold float64

	// WarmupRequests is the number of recorded requests before health
	// judgment applies.  Zero means use the default of 10.
	WarmupRequests int64

	// MaxAvgLatency marks a warmed-up address unhealthy when its average
	// request latency exceeds it.  Zero means use the default of 10s.
	MaxAvgLatency time.Duration
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 0.5
	}
	if o.WarmupRequests <= 0 {
		o.WarmupRequests = 10
	}
	if o.MaxAvgLatency <= 0 {
		o.MaxAvgLatency = 10 * time.Second
	}
	return o
}

// addrStats is the per-address rolling tally.  All fields are atomics; min
// and max latency use CAS loops since there is no atomic min/max primitive.
type addrStats struct {
	total      atomic.Int64
	success    atomic.Int64
	failed     atomic.Int64
	latencySum atomic.Int64 // nanoseconds
	latencyMin atomic.Int64 // nanoseconds, 0 = unset
	latencyMax atomic.Int64 // nanoseconds
	lastUsed   atomic.Int64 // unix nanoseconds
}

func (s *addrStats) record(success bool, latency time.Duration) {
	s.total.Add(1)
	if success {
		s.success.Add(1)
	} else {
		s.failed.Add(1)
	}
	ns := latency.Nanoseconds()
	if ns < 0 {
		ns = 0
	}
	s.latencySum.Add(ns)
	for {
		cur := s.latencyMin.Load()
		if cur != 0 && cur <= ns {
			break
		}
		if s.latencyMin.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := s.latencyMax.Load()
		if cur >= ns {
			break
		}
		if s.latencyMax.CompareAndSwap(cur, ns) {
			break
		}
	}
	s.lastUsed.Store(time.Now().UnixNano())
}

// healthy reports whether the address qualifies for health-steered
// selection under the given options.
func (s *addrStats) healthy(opts Options) bool {
	total := s.total.Load()
	if total < opts.WarmupRequests {
		return true
	}
	if float64(s.failed.Load())/float64(total) > opts.FailureThreshold {
		return false
	}
	if time.Duration(s.latencySum.Load()/total) > opts.MaxAvgLatency {
		return false
	}
	return true
}

// Pool is the derived address set.  Immutable after New; all mutation is
// confined to the per-address stats.
type Pool struct {
	prefix string
	addrs  []netip.Addr
	stats  []*addrStats
	index  map[netip.Addr]int
	next   atomic.Uint64
	opts   Options
	start  time.Time
}

// New derives count addresses by appending the decimal ordinals start
// through start+count-1 to the prefix text: prefix 2001:db8:: with start
// 1001 yields 2001:db8::1001, 2001:db8::1002, and so on.  An ordinal whose
// digits do not form a valid trailing group for the prefix is rejected.
func New(prefix string, start, count int, opts Options) (*Pool, error) {
	if start < 0 {
		return nil, fmt.Errorf("ippool: start %d is negative", start)
	}
	if count < 1 {
		return nil, fmt.Errorf("ippool: count %d, need at least one address", count)
	}

	p := &Pool{
		prefix: prefix,
		addrs:  make([]netip.Addr, count),
		stats:  make([]*addrStats, count),
		index:  make(map[netip.Addr]int, count),
		opts:   opts.withDefaults(),
		start:  time.Now(),
	}
	for i := 0; i < count; i++ {
		s := prefix + strconv.Itoa(start+i)
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("ippool: derive address %q: %w", s, err)
		}
		if !addr.Is6() || addr.Is4In6() {
			return nil, fmt.Errorf("ippool: derived %q is not an IPv6 address", s)
		}
		p.addrs[i] = addr
		p.stats[i] = &addrStats{}
		p.index[addr] = i
	}
	return p, nil
}

// Next returns the next address in round-robin order.
func (p *Pool) Next() netip.Addr {
	n := p.next.Add(1) - 1
	return p.addrs[n%uint64(len(p.addrs))]
}

// Random returns a uniformly chosen address.
func (p *Pool) Random() netip.Addr {
	return p.addrs[rand.IntN(len(p.addrs))]
}

// HealthyNext returns the least-used healthy address.  When no address
// qualifies it logs a warning and falls back to round-robin so the fleet
// keeps moving even under blanket punishment.
func (p *Pool) HealthyNext() netip.Addr {
	best := -1
	var bestTotal int64
	for i, s := range p.stats {
		if !s.healthy(p.opts) {
			continue
		}
		t := s.total.Load()
		if best == -1 || t < bestTotal {
			best = i
			bestTotal = t
		}
	}
	if best == -1 {
		log.Warn().Str("prefix", p.prefix).Int("count", len(p.addrs)).
			Msg("ippool: no healthy address, falling back to rotation")
		return p.Next()
	}
	return p.addrs[best]
}

// RecordRequest folds one finished request into the stats of addr.  Unknown
// addresses (caller-pinned IPs outside the pool) are ignored.
func (p *Pool) RecordRequest(addr netip.Addr, success bool, latency time.Duration) {
	i, ok := p.index[addr]
	if !ok {
		return
	}
	p.stats[i].record(success, latency)
}

// Contains reports whether addr belongs to the pool.
func (p *Pool) Contains(addr netip.Addr) bool {
	_, ok := p.index[addr]
	return ok
}

// Addrs returns the derived addresses in pool order.  The slice is a copy.
func (p *Pool) Addrs() []netip.Addr {
	out := make([]netip.Addr, len(p.addrs))
	copy(out, p.addrs)
	return out
}

// Len returns the number of addresses in the pool.
func (p *Pool) Len() int { return len(p.addrs) }

// AddrStats is the externally visible snapshot of one address.
type AddrStats struct {
	Addr       string        `json:"addr"`
	Total      int64         `json:"total"`
	Success    int64         `json:"success"`
	Failed     int64         `json:"failed"`
	AvgLatency time.Duration `json:"avg_latency"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	LastUsed   time.Time     `json:"last_used"`
	Healthy    bool          `json:"healthy"`
}

// PoolStats is the snapshot of the whole pool.  The aggregate fields are
// derived from the per-address records at snapshot time.
type PoolStats struct {
	Prefix         string        `json:"prefix"`
	Count          int           `json:"count"`
	TotalRequests  int64         `json:"total_requests"`
	AvgPerAddr     float64       `json:"avg_per_addr"`
	MaxPerAddr     int64         `json:"max_per_addr"`
	MinPerAddr     int64         `json:"min_per_addr"`
	Imbalance      float64       `json:"imbalance"`
	SuccessRate    float64       `json:"success_rate"`
	AvgLatency     time.Duration `json:"avg_latency"`
	Uptime         time.Duration `json:"uptime"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	Addrs          []AddrStats   `json:"addrs"`
}

// Snapshot returns a point-in-time copy of every address's stats plus the
// pool-wide aggregates.
func (p *Pool) Snapshot() PoolStats {
	out := PoolStats{Prefix: p.prefix, Count: len(p.addrs), Addrs: make([]AddrStats, len(p.addrs))}
	var success, latencySum int64
	for i, s := range p.stats {
		total := s.total.Load()
		as := AddrStats{
			Addr:       p.addrs[i].String(),
			Total:      total,
			Success:    s.success.Load(),
			Failed:     s.failed.Load(),
			MinLatency: time.Duration(s.latencyMin.Load()),
			MaxLatency: time.Duration(s.latencyMax.Load()),
			Healthy:    s.healthy(p.opts),
		}
		if total > 0 {
			as.AvgLatency = time.Duration(s.latencySum.Load() / total)
		}
		if ts := s.lastUsed.Load(); ts > 0 {
			as.LastUsed = time.Unix(0, ts)
		}
		out.Addrs[i] = as

		out.TotalRequests += total
		success += as.Success
		latencySum += s.latencySum.Load()
		if total > out.MaxPerAddr {
			out.MaxPerAddr = total
		}
		if i == 0 || total < out.MinPerAddr {
			out.MinPerAddr = total
		}
	}

	out.Uptime = time.Since(p.start)
	if out.TotalRequests > 0 {
		out.AvgPerAddr = float64(out.TotalRequests) / float64(len(p.addrs))
		out.Imbalance = float64(out.MaxPerAddr) / out.AvgPerAddr
		out.SuccessRate = float64(success) / float64(out.TotalRequests)
		out.AvgLatency = time.Duration(latencySum / out.TotalRequests)
		if secs := out.Uptime.Seconds(); secs > 0 {
			out.RequestsPerSec = float64(out.TotalRequests) / secs
		}
	}
	return out
}
