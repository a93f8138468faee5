package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/firasghr/GoEgressFleet/binding"
	"github.com/firasghr/GoEgressFleet/client"
	"github.com/firasghr/GoEgressFleet/config"
	"github.com/firasghr/GoEgressFleet/engine"
	"github.com/firasghr/GoEgressFleet/fingerprint"
	"github.com/firasghr/GoEgressFleet/ippool"
	"github.com/firasghr/GoEgressFleet/metrics"
	"github.com/firasghr/GoEgressFleet/session"
)

// newH2Origin starts an HTTP/2 TLS origin on the IPv6 loopback so fetches
// can bind the pool's ::1 source address.
func newH2Origin(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = ln
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

type fleet struct {
	cfg      *config.Config
	pool     *ippool.Pool
	stats    *metrics.Stats
	sessions *session.Manager
	cache    *binding.Cache
	eng      *engine.Engine
}

// newFleet wires a full engine over the IPv6 loopback.  mutate runs before
// any component is constructed so tests can point HomeURL at their origin
// and tune retry or breaker knobs.
func newFleet(t *testing.T, mutate func(*config.Config)) *fleet {
	t.Helper()
	cfg := config.Default()
	cfg.AllowedHosts = []string{"::1"}
	cfg.SessionHosts = nil
	cfg.HomeURL = ""
	cfg.MaxRetries = 2
	cfg.BaseRetryDelay = time.Millisecond
	cfg.RequestTimeout = 10 * time.Second
	cfg.InsecureTLS = true
	cfg.IPv6Prefix = "::"
	cfg.IPv6Start = 1
	cfg.IPv6Count = 1
	if mutate != nil {
		mutate(cfg)
	}

	pool, err := ippool.New(cfg.IPv6Prefix, cfg.IPv6Start, cfg.IPv6Count, ippool.Options{
		FailureThreshold: cfg.PoolFailureThreshold,
		WarmupRequests:   cfg.PoolWarmupRequests,
		MaxAvgLatency:    cfg.PoolMaxAvgLatency,
	})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	stats := metrics.New()
	sessions := session.NewManager(session.Options{
		HomeURL:        cfg.HomeURL,
		RefreshTimeout: cfg.SessionRefreshTimeout,
		MaxConcurrent:  int64(cfg.MaxConcurrentRefresh),
		ExpirySlack:    cfg.SessionExpirySlack,
		MaxAge:         cfg.SessionMaxAge,
		CookieTTL:      cfg.SessionCookieTTL,
	}, stats)
	cache := binding.NewCache(fingerprint.NewRegistry(), sessions, binding.CacheOptions{
		Transport: client.TransportConfig{
			DialTimeout:        5 * time.Second,
			InsecureSkipVerify: cfg.InsecureTLS,
		},
		Health: binding.HealthOptions{
			FailureThreshold: cfg.CircuitFailureThreshold,
			MinRequests:      cfg.CircuitMinRequests,
			RecoveryTime:     cfg.CircuitRecoveryTime,
		},
	})
	t.Cleanup(cache.Close)

	return &fleet{
		cfg:      cfg,
		pool:     pool,
		stats:    stats,
		sessions: sessions,
		cache:    cache,
		eng:      engine.New(cfg, pool, cache, sessions, stats),
	}
}

func TestEngine_SuccessfulFetchRecordsEverything(t *testing.T) {
	var gotUA atomic.Value
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("tile-payload"))
	}))
	f := newFleet(t, nil)

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/tile", engine.Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.Status)
	}
	if string(res.Body) != "tile-payload" {
		t.Errorf("expected body %q, got %q", "tile-payload", res.Body)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}
	if want := netip.MustParseAddr("::1"); res.SourceIP != want {
		t.Errorf("expected source %s, got %s", want, res.SourceIP)
	}
	if res.Duration <= 0 {
		t.Errorf("expected positive duration, got %s", res.Duration)
	}

	p, ok := fingerprint.NewRegistry().ByName(res.Persona)
	if !ok {
		t.Fatalf("result persona %q not in catalog", res.Persona)
	}
	if ua, _ := gotUA.Load().(string); ua != p.UserAgent {
		t.Errorf("origin saw user-agent %q, persona %q sends %q", ua, p.Name, p.UserAgent)
	}

	snap := f.stats.Snapshot()
	if snap.TotalRequests != 1 || snap.SuccessCount != 1 || snap.FailedCount != 0 {
		t.Errorf("expected 1/1/0 totals, got %d/%d/%d", snap.TotalRequests, snap.SuccessCount, snap.FailedCount)
	}
	if snap.BytesFetched != int64(len("tile-payload")) {
		t.Errorf("expected %d bytes fetched, got %d", len("tile-payload"), snap.BytesFetched)
	}
	if snap.PersonaUse[res.Persona] != 1 {
		t.Errorf("expected persona_use[%s]=1, got %d", res.Persona, snap.PersonaUse[res.Persona])
	}

	ps := f.pool.Snapshot()
	if ps.Addrs[0].Total != 1 || ps.Addrs[0].Success != 1 {
		t.Errorf("expected pool to record 1 success, got total=%d success=%d", ps.Addrs[0].Total, ps.Addrs[0].Success)
	}
}

func TestEngine_ValidationRejections(t *testing.T) {
	f := newFleet(t, nil)

	cases := []struct {
		name string
		url  string
		opts engine.Options
	}{
		{"plain http", "http://[::1]/x", engine.Options{}},
		{"unlisted host", "https://example.com/x", engine.Options{}},
		{"unparsable url", "https://%zz", engine.Options{}},
		{"ipv4 source", "https://[::1]/x", engine.Options{SourceIP: "192.168.1.1"}},
		{"garbage source", "https://[::1]/x", engine.Options{SourceIP: "not-an-ip"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.eng.Fetch(context.Background(), tc.url, tc.opts)
			if engine.KindOf(err) != engine.KindValidation {
				t.Errorf("expected VALIDATION, got %v", err)
			}
			if res != nil {
				t.Errorf("expected nil result, got %+v", res)
			}
		})
	}

	snap := f.stats.Snapshot()
	if snap.RejectedCount != int64(len(cases)) {
		t.Errorf("expected %d rejections, got %d", len(cases), snap.RejectedCount)
	}
	if snap.TotalRequests != 0 {
		t.Errorf("rejections must not count as requests, got total=%d", snap.TotalRequests)
	}
}

func TestEngine_ShutdownRejectsNewFetches(t *testing.T) {
	f := newFleet(t, nil)

	f.eng.BeginShutdown()
	if !f.eng.ShuttingDown() {
		t.Fatal("expected ShuttingDown to report true")
	}
	_, err := f.eng.Fetch(context.Background(), "https://[::1]/x", engine.Options{})
	if engine.KindOf(err) != engine.KindShuttingDown {
		t.Errorf("expected SHUTTING_DOWN, got %v", err)
	}
	if snap := f.stats.Snapshot(); snap.RejectedCount != 1 {
		t.Errorf("expected 1 rejection, got %d", snap.RejectedCount)
	}
}

func TestEngine_PlainErrorStatusIsSuccessOutcome(t *testing.T) {
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such tile"))
	}))
	f := newFleet(t, nil)

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/missing", engine.Options{})
	if err != nil {
		t.Fatalf("404 should not be an error: %v", err)
	}
	if res.Status != http.StatusNotFound || string(res.Body) != "no such tile" {
		t.Errorf("expected 404 %q, got %d %q", "no such tile", res.Status, res.Body)
	}
	if res.Attempts != 1 {
		t.Errorf("404 must not be retried, got %d attempts", res.Attempts)
	}
	if snap := f.stats.Snapshot(); snap.SuccessCount != 1 || snap.FailedCount != 0 {
		t.Errorf("404 is a success outcome, got success=%d failed=%d", snap.SuccessCount, snap.FailedCount)
	}
}

func TestEngine_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	f := newFleet(t, nil)

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/flaky", engine.Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	snap := f.stats.Snapshot()
	if snap.RetryCount != 2 {
		t.Errorf("expected 2 retries, got %d", snap.RetryCount)
	}
	if snap.Error5xxCount != 2 {
		t.Errorf("expected 2 recorded 5xx attempts, got %d", snap.Error5xxCount)
	}
	if snap.TotalRequests != 1 || snap.SuccessCount != 1 {
		t.Errorf("one fetch is one request, got total=%d success=%d", snap.TotalRequests, snap.SuccessCount)
	}
}

func TestEngine_ExhaustedRetriesReturnLastResponse(t *testing.T) {
	var hits atomic.Int64
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	f := newFleet(t, func(c *config.Config) { c.MaxRetries = 1 })

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/down", engine.Options{})
	if engine.KindOf(err) != engine.KindUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if engine.StatusOf(err) != http.StatusServiceUnavailable {
		t.Errorf("expected error status 503, got %d", engine.StatusOf(err))
	}
	if res == nil || res.Status != http.StatusServiceUnavailable || string(res.Body) != "maintenance" {
		t.Fatalf("expected last 503 response alongside the error, got %+v", res)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("MaxRetries=1 means 2 attempts, origin saw %d", got)
	}
	snap := f.stats.Snapshot()
	if snap.TotalRequests != 1 || snap.FailedCount != 1 {
		t.Errorf("expected one failed request, got total=%d failed=%d", snap.TotalRequests, snap.FailedCount)
	}
	if snap.Error503Count != 2 {
		t.Errorf("expected 2 recorded 503 attempts, got %d", snap.Error503Count)
	}
}

func TestEngine_RateLimitHonorsRetryAfter(t *testing.T) {
	var hits atomic.Int64
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("after the wait"))
	}))
	f := newFleet(t, nil)

	start := time.Now()
	res, err := f.eng.Fetch(context.Background(), srv.URL+"/limited", engine.Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("expected to wait close to the advertised 1s, waited %s", elapsed)
	}
	if res.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Attempts)
	}
	if snap := f.stats.Snapshot(); snap.Error429Count != 1 {
		t.Errorf("expected 1 recorded 429 attempt, got %d", snap.Error429Count)
	}

	// The advertised wait is fetch time, not address latency.
	ps := f.pool.Snapshot()
	if ps.Addrs[0].Total != 1 {
		t.Fatalf("expected one pool outcome, got %d", ps.Addrs[0].Total)
	}
	if got := ps.Addrs[0].AvgLatency; got >= 900*time.Millisecond {
		t.Errorf("address latency includes the backoff wait: %s", got)
	}
}

// sessionOrigin serves a cookie-issuing home page and a data path that only
// answers when the request carries the sid cookie from the n-th bootstrap.
func sessionOrigin(t *testing.T, acceptFrom int64) (*httptest.Server, *atomic.Int64, *atomic.Int64) {
	t.Helper()
	var homeHits, dataHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		n := homeHits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: fmt.Sprintf("v%d", n)})
		_, _ = w.Write([]byte("home"))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		dataHits.Add(1)
		if c, err := r.Cookie("sid"); err == nil {
			var n int64
			if _, serr := fmt.Sscanf(c.Value, "v%d", &n); serr == nil && n >= acceptFrom {
				_, _ = w.Write([]byte("fresh data"))
				return
			}
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	})
	return newH2Origin(t, mux), &homeHits, &dataHits
}

func TestEngine_ForbiddenForcesOneSessionRefresh(t *testing.T) {
	srv, homeHits, dataHits := sessionOrigin(t, 2)
	f := newFleet(t, func(c *config.Config) {
		c.SessionHosts = []string{"::1"}
		c.HomeURL = srv.URL + "/home"
	})

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/data", engine.Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "fresh data" {
		t.Errorf("expected refreshed fetch to succeed, got %q", res.Body)
	}
	if res.Attempts != 2 {
		t.Errorf("expected initial attempt plus one replay, got %d", res.Attempts)
	}
	if got := homeHits.Load(); got != 2 {
		t.Errorf("expected bootstrap + forced refresh = 2 home hits, got %d", got)
	}
	if got := dataHits.Load(); got != 2 {
		t.Errorf("expected 2 data hits, got %d", got)
	}
	snap := f.stats.Snapshot()
	if snap.SessionRefreshes != 2 {
		t.Errorf("expected 2 session refreshes, got %d", snap.SessionRefreshes)
	}
	if snap.Error403Count != 1 {
		t.Errorf("expected 1 recorded 403 attempt, got %d", snap.Error403Count)
	}
	if snap.TotalRequests != 1 || snap.SuccessCount != 1 {
		t.Errorf("expected one successful request, got total=%d success=%d", snap.TotalRequests, snap.SuccessCount)
	}
}

func TestEngine_SecondForbiddenIsTerminal(t *testing.T) {
	srv, homeHits, dataHits := sessionOrigin(t, 99)
	f := newFleet(t, func(c *config.Config) {
		c.SessionHosts = []string{"::1"}
		c.HomeURL = srv.URL + "/home"
	})

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/data", engine.Options{})
	if engine.KindOf(err) != engine.KindForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if res == nil || res.Status != http.StatusForbidden || string(res.Body) != "denied" {
		t.Fatalf("expected the 403 response alongside the error, got %+v", res)
	}
	if got := dataHits.Load(); got != 2 {
		t.Errorf("403 gets exactly one replay, origin saw %d data hits", got)
	}
	if got := homeHits.Load(); got != 2 {
		t.Errorf("expected bootstrap + forced refresh = 2 home hits, got %d", got)
	}
	snap := f.stats.Snapshot()
	if snap.FailedCount != 1 {
		t.Errorf("expected one failed request, got %d", snap.FailedCount)
	}
	if snap.Error403Count != 2 {
		t.Errorf("expected 2 recorded 403 attempts, got %d", snap.Error403Count)
	}
}

func TestEngine_LateForbiddenGetsNoFreeReplay(t *testing.T) {
	var homeHits, dataHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		homeHits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "v1"})
		_, _ = w.Write([]byte("home"))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if dataHits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	})
	srv := newH2Origin(t, mux)
	f := newFleet(t, func(c *config.Config) {
		c.SessionHosts = []string{"::1"}
		c.HomeURL = srv.URL + "/home"
	})

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/data", engine.Options{})
	if engine.KindOf(err) != engine.KindForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if res == nil || res.Status != http.StatusForbidden {
		t.Fatalf("expected the 403 response alongside the error, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("expected 503 attempt plus terminal 403, got %d attempts", res.Attempts)
	}
	if got := homeHits.Load(); got != 1 {
		t.Errorf("403 past the first attempt earns no forced refresh, got %d home hits", got)
	}
	if got := dataHits.Load(); got != 2 {
		t.Errorf("expected 503 then terminal 403, origin saw %d data hits", got)
	}
}

func TestEngine_CircuitOpenShortCircuits(t *testing.T) {
	var hits atomic.Int64
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	f := newFleet(t, func(c *config.Config) {
		c.MaxRetries = 0
		c.CircuitMinRequests = 2
		c.CircuitFailureThreshold = 0.5
	})

	for i := 0; i < 2; i++ {
		if _, err := f.eng.Fetch(context.Background(), srv.URL+"/err", engine.Options{}); engine.KindOf(err) != engine.KindServerError {
			t.Fatalf("fetch %d: expected SERVER_ERROR, got %v", i, err)
		}
	}
	_, err := f.eng.Fetch(context.Background(), srv.URL+"/err", engine.Options{})
	if engine.KindOf(err) != engine.KindCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("open circuit must not contact the origin, saw %d hits", got)
	}
	snap := f.stats.Snapshot()
	if snap.TotalRequests != 2 {
		t.Errorf("rejected fetch must not count as a request, got total=%d", snap.TotalRequests)
	}
	if snap.RejectedCount != 1 {
		t.Errorf("expected 1 rejection, got %d", snap.RejectedCount)
	}
}

func TestEngine_SourceOverrideSkipsPool(t *testing.T) {
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pinned"))
	}))
	f := newFleet(t, func(c *config.Config) {
		// A pool the test never routes through; the override must win.
		c.IPv6Prefix = "fd00::"
		c.IPv6Start = 1
		c.IPv6Count = 1
	})

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/t", engine.Options{SourceIP: "::1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if want := netip.MustParseAddr("::1"); res.SourceIP != want {
		t.Errorf("expected pinned source %s, got %s", want, res.SourceIP)
	}
	for _, as := range f.pool.Snapshot().Addrs {
		if as.Total != 0 {
			t.Errorf("pool address %s should be untouched, recorded %d requests", as.Addr, as.Total)
		}
	}
}

func TestEngine_ParentCancelAbortsBackoff(t *testing.T) {
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	f := newFleet(t, func(c *config.Config) {
		c.MaxRetries = 3
		c.BaseRetryDelay = 10 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := f.eng.Fetch(ctx, srv.URL+"/err", engine.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation should preempt the backoff sleep, took %s", elapsed)
	}
	snap := f.stats.Snapshot()
	if snap.TotalRequests != 1 || snap.FailedCount != 1 {
		t.Errorf("a cancelled fetch is one failed request, got total=%d failed=%d", snap.TotalRequests, snap.FailedCount)
	}
}

func TestEngine_TLSFailureClassifiedAsNetwork(t *testing.T) {
	// A plain-HTTP origin on the whitelisted host: the uTLS handshake can
	// never complete, so every attempt dies in the dial.
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	f := newFleet(t, func(c *config.Config) { c.MaxRetries = 0 })

	res, err := f.eng.Fetch(context.Background(), "https://"+srv.Listener.Addr().String()+"/x", engine.Options{})
	if engine.KindOf(err) != engine.KindNetwork {
		t.Fatalf("expected NETWORK, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result without a TLS session, got %+v", res)
	}
	snap := f.stats.Snapshot()
	if snap.NetworkErrorCount != 1 {
		t.Errorf("expected 1 recorded network error, got %d", snap.NetworkErrorCount)
	}
	if snap.FailedCount != 1 {
		t.Errorf("expected 1 failed request, got %d", snap.FailedCount)
	}
	if ps := f.pool.Snapshot(); ps.Addrs[0].Failed != 1 {
		t.Errorf("expected the pool to record the failure, got %+v", ps.Addrs[0])
	}
}

func TestEngine_SlowOriginClassifiedAsTimeout(t *testing.T) {
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	f := newFleet(t, func(c *config.Config) { c.MaxRetries = 0 })

	res, err := f.eng.Fetch(context.Background(), srv.URL+"/slow", engine.Options{Timeout: 50 * time.Millisecond})
	if engine.KindOf(err) != engine.KindTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result without an origin response, got %+v", res)
	}
	snap := f.stats.Snapshot()
	if snap.TimeoutCount != 1 {
		t.Errorf("expected 1 recorded timeout, got %d", snap.TimeoutCount)
	}
	if snap.FailedCount != 1 {
		t.Errorf("expected 1 failed request, got %d", snap.FailedCount)
	}
}

func TestEngine_DecompressesEncodedBodies(t *testing.T) {
	const plain = "inflate me, I dare you"
	mux := http.NewServeMux()
	mux.HandleFunc("/gzip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte(plain))
		_ = zw.Close()
	})
	mux.HandleFunc("/br", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		_, _ = bw.Write([]byte(plain))
		_ = bw.Close()
	})
	mux.HandleFunc("/deflate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "deflate")
		zw := zlib.NewWriter(w)
		_, _ = zw.Write([]byte(plain))
		_ = zw.Close()
	})
	srv := newH2Origin(t, mux)
	f := newFleet(t, nil)

	for _, path := range []string{"/gzip", "/br", "/deflate"} {
		t.Run(path[1:], func(t *testing.T) {
			res, err := f.eng.Fetch(context.Background(), srv.URL+path, engine.Options{})
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if string(res.Body) != plain {
				t.Errorf("expected inflated body %q, got %q", plain, res.Body)
			}
			if enc := res.Headers.Get("Content-Encoding"); enc != "" {
				t.Errorf("Content-Encoding should be stripped after inflation, got %q", enc)
			}
		})
	}
}

func TestEngine_CallerHeadersOverridePersona(t *testing.T) {
	var gotEpoch, gotUA atomic.Value
	srv := newH2Origin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEpoch.Store(r.Header.Get("X-Tile-Epoch"))
		gotUA.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("ok"))
	}))
	f := newFleet(t, nil)

	_, err := f.eng.Fetch(context.Background(), srv.URL+"/t", engine.Options{
		Headers: map[string]string{
			"x-tile-epoch": "993",
			"user-agent":   "custom-agent/1.0",
		},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, _ := gotEpoch.Load().(string); got != "993" {
		t.Errorf("expected x-tile-epoch to reach the origin, got %q", got)
	}
	if got, _ := gotUA.Load().(string); got != "custom-agent/1.0" {
		t.Errorf("expected caller user-agent to win, got %q", got)
	}
}
