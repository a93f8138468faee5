// Package monitor exposes the operator HTTP API for the egress fleet.
//
// It serves:
//   - GET /health: full fleet state as JSON (always 200; the payload is
//     the signal)
//   - GET /proxy?url=<URL>&ipv6=<IP>&timeout_ms=<N>: a thin HTTP adapter
//     over the fetch engine, relaying the origin's answer with its headers
//     copied through under X-Origin-* keys
//   - GET /events: SSE stream of per-job completion events
//
// Every route passes through panic recovery, request logging, and an
// optional per-client token-bucket limiter.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/firasghr/GoEgressFleet/binding"
	"github.com/firasghr/GoEgressFleet/config"
	"github.com/firasghr/GoEgressFleet/dispatch"
	"github.com/firasghr/GoEgressFleet/engine"
	"github.com/firasghr/GoEgressFleet/events"
	"github.com/firasghr/GoEgressFleet/ippool"
	"github.com/firasghr/GoEgressFleet/metrics"
	"github.com/firasghr/GoEgressFleet/session"
)

// ─── Data types ───────────────────────────────────────────────────────────────

// HealthPayload is the /health document.  The aggregate counters flatten to
// the top level; subsystem snapshots nest under their own keys.
type HealthPayload struct {
	metrics.Snapshot
	ShuttingDown        bool             `json:"shutting_down"`
	Sessions            session.Stats    `json:"sessions"`
	ConnectionCacheSize int              `json:"connection_cache_size"`
	Queue               QueueInfo        `json:"queue"`
	Pool                ippool.PoolStats `json:"pool"`
}

// QueueInfo describes the dispatch queue at snapshot time.
type QueueInfo struct {
	Depth   int `json:"depth"`
	Workers int `json:"workers"`
}

// Deps are the already-constructed fleet components the API reads from.
type Deps struct {
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Stats      *metrics.Stats
	Sessions   *session.Manager
	Cache      *binding.Cache
	Pool       *ippool.Pool
	Bus        *events.Bus[events.RequestEvent]
}

// ─── Server ───────────────────────────────────────────────────────────────────

// Server is the operator API.  It only ever reads fleet state; the one write
// path, /proxy, goes through the dispatcher like any other client.
type Server struct {
	cfg  *config.Config
	deps Deps

	limiters *xsync.Map[string, *rate.Limiter]

	mux *http.ServeMux
	srv *http.Server
}

// New builds the API server.  Call ListenAndServe to start it.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		limiters: xsync.NewMap[string, *rate.Limiter](),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/proxy", s.handleProxy)
	s.mux.HandleFunc("/events", s.handleEvents)
	return s
}

// Handler returns the full middleware chain, outermost first: recovery, then
// logging, then rate limiting, then routing.
func (s *Server) Handler() http.Handler {
	return s.withRecovery(s.withLogging(s.withRateLimit(s.mux)))
}

// ListenAndServe blocks serving the API on cfg's listen address.
// WriteTimeout stays disabled: /events is a long-lived SSE stream.
func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	log.Info().Str("addr", s.srv.Addr).Msg("monitor: operator API listening")
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).
					Msg("monitor: handler panicked")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("monitor: request")
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if !s.cfg.RateLimitEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}
		limiter, _ := s.limiters.LoadOrCompute(key, func() (*rate.Limiter, bool) {
			return rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst), false
		})
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status for the access log while keeping the
// Flusher contract SSE needs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ─── /health ──────────────────────────────────────────────────────────────────

// handleHealth is a pure read of fleet state: two calls with no intervening
// fetch report identical counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := HealthPayload{
		Snapshot:            s.deps.Stats.Snapshot(),
		ShuttingDown:        s.deps.Engine.ShuttingDown(),
		Sessions:            s.deps.Sessions.Snapshot(),
		ConnectionCacheSize: s.deps.Cache.Size(),
		Queue: QueueInfo{
			Depth:   s.deps.Dispatcher.QueueDepth(),
			Workers: s.deps.Dispatcher.Workers(),
		},
		Pool: s.deps.Pool.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("monitor: encode health")
	}
}

// ─── /proxy ───────────────────────────────────────────────────────────────────

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	opts := engine.Options{SourceIP: q.Get("ipv6")}
	if ms := q.Get("timeout_ms"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			http.Error(w, "timeout_ms must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.Timeout = time.Duration(n) * time.Millisecond
	}

	ticket, err := s.deps.Dispatcher.Submit(r.Context(), target, opts)
	if err != nil {
		// Queue full or dispatcher stopped: explicit backpressure.
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	select {
	case out := <-ticket.Done:
		s.writeProxyOutcome(w, out)
	case <-r.Context().Done():
		// Client went away; the job observes the same dead context.
	}
}

// writeProxyOutcome translates a job outcome into the /proxy response.  Any
// outcome that carries an origin response relays it; pre-origin failures map
// to 400/502/503 by kind.
func (s *Server) writeProxyOutcome(w http.ResponseWriter, out dispatch.Outcome) {
	if out.Result != nil {
		res := out.Result
		for k, vv := range res.Headers {
			for _, v := range vv {
				w.Header().Add("X-Origin-"+k, v)
			}
		}
		if ct := res.Headers.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("X-Status-Code", strconv.Itoa(res.Status))
		w.Header().Set("X-Duration-Ms", strconv.FormatInt(out.Total.Milliseconds(), 10))
		if res.Persona != "" {
			w.Header().Set("X-Browser-Profile", res.Persona)
		}
		if res.SourceIP.IsValid() {
			w.Header().Set("X-Source-IP", res.SourceIP.String())
		}
		w.WriteHeader(res.Status)
		if _, err := w.Write(res.Body); err != nil {
			log.Debug().Err(err).Msg("monitor: client dropped mid-body")
		}
		return
	}

	status := http.StatusBadGateway
	switch engine.KindOf(out.Err) {
	case engine.KindValidation:
		status = http.StatusBadRequest
	case engine.KindCircuitOpen, engine.KindUnavailable, engine.KindShuttingDown:
		status = http.StatusServiceUnavailable
	case engine.KindRateLimited:
		status = http.StatusTooManyRequests
	case engine.KindTimeout, engine.KindNetwork:
		status = http.StatusBadGateway
	default:
		if errors.Is(out.Err, dispatch.ErrQueueFull) || errors.Is(out.Err, dispatch.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
	}
	http.Error(w, fmt.Sprintf("fetch failed: %v", out.Err), status)
}

// ─── /events ──────────────────────────────────────────────────────────────────

// handleEvents streams per-job completion events over SSE until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, cancel := s.deps.Bus.Subscribe(r.Context())
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := sseWrite(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sseWrite(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
