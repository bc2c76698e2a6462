// Package main is the entry point for tickergate, the circuit-breaking edge
// gateway in front of the trading APIs. It loads configuration, builds the
// per-upstream breakers and the middleware stack, starts the HTTP server,
// and drains gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/argie33/algo-sub012/internal/admin"
	"github.com/argie33/algo-sub012/internal/auth"
	"github.com/argie33/algo-sub012/internal/breaker"
	"github.com/argie33/algo-sub012/internal/config"
	"github.com/argie33/algo-sub012/internal/health"
	"github.com/argie33/algo-sub012/internal/logging"
	"github.com/argie33/algo-sub012/internal/metrics"
	"github.com/argie33/algo-sub012/internal/middleware"
	"github.com/argie33/algo-sub012/internal/ratelimit"
	"github.com/argie33/algo-sub012/internal/tlsutil"
	"github.com/argie33/algo-sub012/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/tickergate.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upstreams", len(cfg.Upstreams),
		"breaker_threshold", cfg.Breaker.FailureThreshold,
		"breaker_cooldown", cfg.Breaker.Cooldown.String(),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// One breaker per upstream, never a process-wide one: a dead market-data
	// feed must not block order submission.
	registry := breaker.NewRegistry(breakerDefaults(cfg), logger)

	router, err := upstream.New(cfg.Upstreams, cfg.Breaker, registry, logger)
	if err != nil {
		logger.Error("failed to build upstream router", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.Upstreams, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	requiresAuth := func(path string) bool {
		u, ok := router.Match(path)
		return ok && u.AuthRequired
	}
	upstreamFor := func(path string) string {
		if u, ok := router.Match(path); ok {
			return u.Name
		}
		return ""
	}

	// Recovery → RequestID → SecurityHeaders → Logging → Deadline → CORS →
	// BodyLimit → RateLimit → Auth → Router
	var handler http.Handler = router
	handler = auth.Middleware(cfg.Auth, requiresAuth, logger)(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.Logging(logger, upstreamFor)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	reloader := config.NewReloader(*configPath, cfg, logger)

	// Probes, metrics, and the admin API bypass the client middleware stack.
	mux := http.NewServeMux()
	health.New(cfg.Upstreams, registry, logger).RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	if cfg.Admin.Enabled {
		admin.New(reloader, limiter, registry, cfg.Upstreams, cfg.Admin.IPAllowlist, logger).RegisterRoutes(mux)
		logger.Info("admin API registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit, newCfg.Upstreams)
		registry.UpdateConfig(breakerDefaults(newCfg), breakerOverrides(newCfg))
		// Upstream topology changes (base URLs, prefixes) still require a
		// restart; the router is built once.
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			var cl *tlsutil.CertLoader
			cl, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
			if err != nil {
				logger.Error("failed to load TLS certificate", "error", err)
				os.Exit(1)
			}
			defer cl.Stop()
			srv.TLSConfig = tlsutil.ServerConfig(cfg.Server.TLS, cl)
			logger.Info("starting gateway with TLS", "addr", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("starting gateway", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

func breakerDefaults(cfg *config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}
}

func breakerOverrides(cfg *config.Config) map[string]breaker.Config {
	overrides := make(map[string]breaker.Config, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		bc := u.BreakerOrDefault(cfg.Breaker)
		overrides[u.Name] = breaker.Config{
			FailureThreshold: bc.FailureThreshold,
			Cooldown:         bc.Cooldown,
		}
	}
	return overrides
}
