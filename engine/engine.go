package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/firasghr/GoEgressFleet/binding"
	"github.com/firasghr/GoEgressFleet/client"
	"github.com/firasghr/GoEgressFleet/config"
	"github.com/firasghr/GoEgressFleet/ippool"
	"github.com/firasghr/GoEgressFleet/metrics"
	"github.com/firasghr/GoEgressFleet/session"
)

// Options customises a single fetch.
type Options struct {
	// SourceIP pins the fetch to an explicit IPv6 source address instead of
	// letting the pool choose.  The address does not have to belong to the
	// pool, but it must be bound on a local interface or every attempt will
	// fail at connect time.
	SourceIP string

	// Timeout overrides the per-attempt deadline.  Zero means the configured
	// request timeout.
	Timeout time.Duration

	// Headers are layered over the persona's header set, replacing any that
	// collide.  Keys are sent as given, so callers should use lowercase.
	Headers map[string]string
}

// Result is a completed fetch.  On terminal origin failures (403 after the
// forced refresh, exhausted 429/503/5xx retries) the Result still carries the
// last origin response so callers can relay status, headers, and body.
type Result struct {
	Status   int
	Headers  http.Header
	Body     []byte
	SourceIP netip.Addr
	Persona  string
	Attempts int
	Duration time.Duration
}

// Engine runs fetches through per-IP identities.
//
// Design choices:
//   - One terminal outcome per admitted fetch: success and failure are
//     recorded exactly once against the pool, the IP's circuit breaker, and
//     the aggregate stats, no matter how many attempts ran.
//   - Rejections (validation, open circuit, shutdown) happen before
//     admission and only move the rejected counter, so they can never feed
//     the breaker that caused them.
//   - Every attempt rebuilds the request from scratch: fresh deadline, fresh
//     persona headers, fresh cookie snapshot.  A refresh landing between
//     attempts is picked up automatically.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	pool     *ippool.Pool
	cache    *binding.Cache
	sessions *session.Manager
	stats    *metrics.Stats

	allowed      map[string]struct{}
	sessionHosts map[string]struct{}
	homeReferer  string
	homeOrigin   string

	shuttingDown atomic.Bool
}

// New wires an Engine from its already-constructed parts.
func New(cfg *config.Config, pool *ippool.Pool, cache *binding.Cache, sessions *session.Manager, stats *metrics.Stats) *Engine {
	e := &Engine{
		cfg:          cfg,
		pool:         pool,
		cache:        cache,
		sessions:     sessions,
		stats:        stats,
		allowed:      make(map[string]struct{}, len(cfg.AllowedHosts)),
		sessionHosts: make(map[string]struct{}, len(cfg.SessionHosts)),
	}
	for _, h := range cfg.AllowedHosts {
		e.allowed[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	for _, h := range cfg.SessionHosts {
		e.sessionHosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	if hu, err := url.Parse(cfg.HomeURL); err == nil && hu.Host != "" {
		e.homeReferer = cfg.HomeURL
		e.homeOrigin = hu.Scheme + "://" + hu.Host
	}
	return e
}

// BeginShutdown makes every subsequent Fetch fail fast with SHUTTING_DOWN.
// In-flight fetches are unaffected; the dispatcher drains those.
func (e *Engine) BeginShutdown() {
	if e.shuttingDown.CompareAndSwap(false, true) {
		log.Info().Msg("engine: shutdown begun, rejecting new fetches")
	}
}

// ShuttingDown reports whether BeginShutdown has been called.
func (e *Engine) ShuttingDown() bool { return e.shuttingDown.Load() }

// Fetch retrieves url through one of the fleet's identities.  It validates
// the target against the whitelist, picks (or accepts) a source IP, checks
// that IP's circuit breaker, makes sure its cookie session is usable when the
// host needs one, and then runs the retry loop.
//
// The returned error is nil only for a usable origin answer (2xx/3xx, or 4xx
// other than 403/429).  Terminal failures that saw an origin response return
// both a non-nil *Error and a Result carrying that response.
func (e *Engine) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	if e.shuttingDown.Load() {
		e.stats.RecordRejected("shutdown")
		return nil, newError(KindShuttingDown, 0, "draining, not accepting work")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		e.stats.RecordRejected("validation")
		return nil, wrapError(KindValidation, err, "parse url %q", rawURL)
	}
	if u.Scheme != "https" {
		e.stats.RecordRejected("validation")
		return nil, newError(KindValidation, 0, "scheme %q not allowed, use https", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := e.allowed[host]; !ok {
		e.stats.RecordRejected("validation")
		return nil, newError(KindValidation, 0, "host %q not whitelisted", host)
	}

	addr, err := e.sourceFor(opts.SourceIP)
	if err != nil {
		e.stats.RecordRejected("validation")
		return nil, err
	}

	key := binding.Key(addr)
	health := e.cache.HealthFor(key)
	if !health.Allow() {
		e.stats.RecordRejected("circuit_open")
		return nil, newError(KindCircuitOpen, 0, "circuit open for %s", key)
	}

	e.cache.Touch(key)
	bind := e.cache.BindingFor(key)
	cl := e.cache.ClientFor(key, addr)

	sessionHost := false
	if _, ok := e.sessionHosts[host]; ok {
		sessionHost = true
		if err := e.sessions.EnsureFresh(ctx, key, cl, bind.Persona); err != nil {
			if ctx.Err() != nil {
				e.record(addr, key, bind.Persona.Name, false, time.Now(), 0, 0)
				return nil, ctx.Err()
			}
			// Stale cookies beat no fetch at all.  If the origin disagrees
			// it answers 403, and that path forces a refresh below.
			log.Warn().Err(err).Str("key", key).
				Msg("engine: session refresh failed, proceeding with cached cookies")
		}
	}

	return e.run(ctx, u, host, addr, key, bind, cl, sessionHost, opts)
}

// sourceFor resolves the source address for one fetch.
func (e *Engine) sourceFor(override string) (netip.Addr, error) {
	if override == "" {
		return e.pool.HealthyNext(), nil
	}
	addr, err := netip.ParseAddr(override)
	if err != nil {
		return netip.Addr{}, wrapError(KindValidation, err, "source ip %q", override)
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, newError(KindValidation, 0, "source ip %q is not IPv6", override)
	}
	return addr, nil
}

// run is the retry loop.  attempt is the 0-based index into the backoff
// schedule; a 403-triggered replay decrements it so the free retry does not
// consume one of the caller's slots.
func (e *Engine) run(ctx context.Context, u *url.URL, host string, addr netip.Addr, key string, bind binding.Binding, cl *http.Client, sessionHost bool, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.RequestTimeout
	}

	start := time.Now()
	attempts := 0
	forcedRefresh := false

	for attempt := 0; ; attempt++ {
		attempts++
		attemptStart := time.Now()
		resp, err := e.do(ctx, timeout, cl, u, host, key, bind, sessionHost, opts.Headers)
		if err != nil {
			attemptNet := time.Since(attemptStart)
			if ctx.Err() != nil {
				e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
				return nil, ctx.Err()
			}
			kind := classifyErr(err)
			e.stats.RecordError(errorClass(kind))
			if attempt >= e.cfg.MaxRetries {
				e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
				return nil, wrapError(kind, err, "GET %s after %d attempts", u.Host, attempts)
			}
			if werr := e.wait(ctx, backoffDelay(kind, attempt, e.cfg.BaseRetryDelay, "")); werr != nil {
				e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
				return nil, werr
			}
			e.stats.RecordRetry()
			continue
		}

		kind, retryable := classifyStatus(resp.StatusCode)
		if kind == "" {
			body, hdr, rerr := readBody(resp)
			attemptNet := time.Since(attemptStart)
			if rerr != nil {
				if ctx.Err() != nil {
					e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
					return nil, ctx.Err()
				}
				kind := classifyErr(rerr)
				e.stats.RecordError(errorClass(kind))
				if attempt >= e.cfg.MaxRetries {
					e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
					return nil, wrapError(kind, rerr, "read body from %s", u.Host)
				}
				if werr := e.wait(ctx, backoffDelay(kind, attempt, e.cfg.BaseRetryDelay, "")); werr != nil {
					e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
					return nil, werr
				}
				e.stats.RecordRetry()
				continue
			}
			e.record(addr, key, bind.Persona.Name, true, start, attemptNet, int64(len(body)))
			return &Result{
				Status:   resp.StatusCode,
				Headers:  hdr,
				Body:     body,
				SourceIP: addr,
				Persona:  bind.Persona.Name,
				Attempts: attempts,
				Duration: time.Since(start),
			}, nil
		}

		attemptNet := time.Since(attemptStart)
		e.stats.RecordError(errorClass(kind))
		retryAfter := resp.Header.Get("Retry-After")

		if kind == KindForbidden {
			if sessionHost && attempt == 0 && !forcedRefresh {
				// A 403 on the very first attempt from a session host
				// usually means our cookies went stale server-side.
				// Rebuild the session and replay immediately, once.  Later
				// 403s are terminal.
				drainBody(resp)
				forcedRefresh = true
				e.sessions.Invalidate(key)
				if rerr := e.sessions.EnsureFresh(ctx, key, cl, bind.Persona); rerr != nil {
					if ctx.Err() != nil {
						e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
						return nil, ctx.Err()
					}
					log.Warn().Err(rerr).Str("key", key).
						Msg("engine: forced session refresh failed, replaying anyway")
				}
				e.stats.RecordRetry()
				attempt--
				continue
			}
			res := e.terminalResult(resp, addr, bind.Persona.Name, attempts, start)
			e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
			return res, newError(KindForbidden, resp.StatusCode, "origin %s refused the request", u.Host)
		}

		if !retryable || attempt >= e.cfg.MaxRetries {
			res := e.terminalResult(resp, addr, bind.Persona.Name, attempts, start)
			e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
			return res, newError(kind, resp.StatusCode, "origin %s: status %d after %d attempts", u.Host, resp.StatusCode, attempts)
		}
		drainBody(resp)
		if werr := e.wait(ctx, backoffDelay(kind, attempt, e.cfg.BaseRetryDelay, retryAfter)); werr != nil {
			e.record(addr, key, bind.Persona.Name, false, start, attemptNet, 0)
			return nil, werr
		}
		e.stats.RecordRetry()
	}
}

// do runs a single attempt.  The attempt gets its own deadline, its own
// header set, and a point-in-time snapshot of the session's cookies.  The
// returned response body keeps the attempt context alive until closed.
func (e *Engine) do(ctx context.Context, timeout time.Duration, cl *http.Client, u *url.URL, host, key string, bind binding.Binding, sessionHost bool, extra map[string]string) (*http.Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}

	xo := client.XHROptions{TargetHost: host, DNT: bind.DNT}
	if sessionHost {
		xo.Referer = e.homeReferer
		xo.Origin = e.homeOrigin
	}
	h := client.XHRHeaders(bind.Persona, xo)
	for k, v := range extra {
		h.Set(k, v)
	}
	if sessionHost {
		if cookies := e.sessions.SessionFor(key).CookiesFor(host); len(cookies) > 0 {
			h.Set("cookie", session.CookieHeader(cookies))
		}
	}
	h.ApplyToRequest(req)

	resp, err := cl.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// record books the single terminal outcome of an admitted fetch.  The pool's
// per-address latency gets only the last attempt's network time, netTime;
// backoff sleeps and forced session refreshes stay out of it.  The outcome
// duration keeps the whole fetch, measured from start.
func (e *Engine) record(addr netip.Addr, key, persona string, success bool, start time.Time, netTime time.Duration, bytes int64) {
	e.pool.RecordRequest(addr, success, netTime)
	e.cache.HealthFor(key).RecordResult(success)
	e.stats.RecordOutcome(success, persona, bytes, time.Since(start))
}

// terminalResult drains the final origin response into a Result so callers
// can relay it alongside the terminal error.
func (e *Engine) terminalResult(resp *http.Response, addr netip.Addr, persona string, attempts int, start time.Time) *Result {
	body, hdr, err := readBody(resp)
	if err != nil {
		body, hdr = nil, resp.Header.Clone()
	}
	return &Result{
		Status:   resp.StatusCode,
		Headers:  hdr,
		Body:     body,
		SourceIP: addr,
		Persona:  persona,
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

// wait sleeps for d or until ctx is cancelled.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readBody consumes and inflates a response body, returning headers with the
// now-inaccurate Content-Encoding and Content-Length stripped.
func readBody(resp *http.Response) ([]byte, http.Header, error) {
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, nil, err
	}
	if len(raw) > maxBodySize {
		return nil, nil, fmt.Errorf("engine: response body exceeds %d bytes", maxBodySize)
	}
	body, err := decompress(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, nil, err
	}
	hdr := resp.Header.Clone()
	hdr.Del("Content-Encoding")
	hdr.Del("Content-Length")
	return body, hdr, nil
}

// drainBody discards an intermediate response so the connection can be
// reused for the next attempt.
func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 256<<10))
	_ = resp.Body.Close()
}

// cancelBody ties an attempt's context to its response body lifetime.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
