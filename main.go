// GoEgressFleet is a fleet of per-IP fingerprinted HTTP/2 fetchers.
//
// Startup sequence:
//  1. Parse flags and load configuration (YAML file plus FLEET_* env).
//  2. Install the global zerolog logger and validate the config.
//  3. Build the IPv6 source pool, metrics, and the session manager.
//  4. Build the binding cache (persona/client/session/breaker per IP) and
//     start its janitor.
//  5. Create the fetch engine and start the dispatcher workers.
//  6. Serve the operator API (/health, /proxy, /events) and, on its own
//     port, the Prometheus listener.
//  7. Block until SIGINT or SIGTERM, then drain: reject new fetches, let
//     in-flight jobs finish inside the grace window, release sockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/firasghr/GoEgressFleet/binding"
	"github.com/firasghr/GoEgressFleet/client"
	"github.com/firasghr/GoEgressFleet/config"
	"github.com/firasghr/GoEgressFleet/dispatch"
	"github.com/firasghr/GoEgressFleet/engine"
	"github.com/firasghr/GoEgressFleet/events"
	"github.com/firasghr/GoEgressFleet/fingerprint"
	"github.com/firasghr/GoEgressFleet/ippool"
	"github.com/firasghr/GoEgressFleet/logger"
	"github.com/firasghr/GoEgressFleet/metrics"
	"github.com/firasghr/GoEgressFleet/monitor"
	"github.com/firasghr/GoEgressFleet/session"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to YAML config file (optional; defaults plus FLEET_* env apply if omitted)")
	flag.Parse()

	// ── Configuration ──────────────────────────────────────────────────────
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goegressfleet: %v\n", err)
		os.Exit(1)
	}

	// ── Logger ─────────────────────────────────────────────────────────────
	// Validate logs its corrections, so the logger must exist first.
	logger.Setup(cfg.LogLevel, cfg.LogPretty)
	cfg.Validate()
	log.Info().
		Str("listen", cfg.ListenAddr()).
		Int("workers", cfg.Workers).
		Int("pool_size", cfg.IPv6Count).
		Strs("allowed_hosts", cfg.AllowedHosts).
		Msg("GoEgressFleet starting up")

	// ── Source pool ────────────────────────────────────────────────────────
	pool, err := ippool.New(cfg.IPv6Prefix, cfg.IPv6Start, cfg.IPv6Count, ippool.Options{
		FailureThreshold: cfg.PoolFailureThreshold,
		WarmupRequests:   cfg.PoolWarmupRequests,
		MaxAvgLatency:    cfg.PoolMaxAvgLatency,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("source pool construction failed")
	}
	log.Info().Str("prefix", cfg.IPv6Prefix).Int("count", pool.Len()).Msg("source pool ready")

	// ── Metrics and sessions ───────────────────────────────────────────────
	stats := metrics.New()
	sessions := session.NewManager(session.Options{
		HomeURL:        cfg.HomeURL,
		RefreshTimeout: cfg.SessionRefreshTimeout,
		MaxConcurrent:  int64(cfg.MaxConcurrentRefresh),
		ExpirySlack:    cfg.SessionExpirySlack,
		MaxAge:         cfg.SessionMaxAge,
		CookieTTL:      cfg.SessionCookieTTL,
	}, stats)

	// ── Binding cache ──────────────────────────────────────────────────────
	cache := binding.NewCache(fingerprint.NewRegistry(), sessions, binding.CacheOptions{
		Transport: client.TransportConfig{
			DialTimeout:        10 * time.Second,
			ReadIdleTimeout:    30 * time.Second,
			InsecureSkipVerify: cfg.InsecureTLS,
		},
		Health: binding.HealthOptions{
			FailureThreshold: cfg.CircuitFailureThreshold,
			MinRequests:      cfg.CircuitMinRequests,
			RecoveryTime:     cfg.CircuitRecoveryTime,
		},
		CleanInterval: cfg.ResourceCleanInterval,
		IdleAfter:     cfg.SessionInactiveTime,
	})
	cache.StartJanitor()

	// ── Engine and dispatcher ──────────────────────────────────────────────
	eng := engine.New(cfg, pool, cache, sessions, stats)
	bus := events.New[events.RequestEvent](256)
	disp := dispatch.New(eng, bus, stats, dispatch.Options{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
	})
	disp.Start()

	// ── Operator API ───────────────────────────────────────────────────────
	srv := monitor.New(cfg, monitor.Deps{
		Engine:     eng,
		Dispatcher: disp,
		Stats:      stats,
		Sessions:   sessions,
		Cache:      cache,
		Pool:       pool,
		Bus:        bus,
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("operator API server failed")
		}
	}()

	// ── Prometheus listener ────────────────────────────────────────────────
	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:        cfg.MetricsAddr(),
			Handler:     mux,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr()).Msg("prometheus listener starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("prometheus listener failed")
			}
		}()
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println() // newline after ^C
	log.Info().Str("signal", sig.String()).Msg("received signal; shutting down")

	// Reject new fetches while queued and in-flight jobs drain.  The operator
	// API stays up through the drain so /health reports the progress.
	eng.BeginShutdown()
	if clean := disp.Stop(cfg.ShutdownGrace); !clean {
		log.Warn().Dur("grace", cfg.ShutdownGrace).Msg("grace window expired; in-flight jobs were cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("operator API shutdown")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("prometheus listener shutdown")
		}
	}

	// Close idle HTTP/2 connections and stop the janitor.
	cache.Close()

	snap := stats.Snapshot()
	log.Info().
		Int64("total", snap.TotalRequests).
		Int64("success", snap.SuccessCount).
		Int64("failed", snap.FailedCount).
		Int64("retries", snap.RetryCount).
		Int64("rejected", snap.RejectedCount).
		Int64("bytes_fetched", snap.BytesFetched).
		Float64("rps", snap.RequestsPerSecond).
		Msg("final metrics")
	log.Info().Msg("GoEgressFleet shut down cleanly")
}
