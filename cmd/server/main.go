// Package main is the entry point for the sequence allocation API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"consecutive/internal/bootstrap"
	"consecutive/internal/config"
	"consecutive/internal/domain/auth"
	"consecutive/internal/domain/sequence"
	v1 "consecutive/internal/infrastructure/http/v1"
	"consecutive/internal/infrastructure/http/v1/handlers"
	"consecutive/internal/infrastructure/metrics"
	"consecutive/pkg/logger"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger())
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Errorw("server failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Server, log *logger.Logger) error {
	log.Infow("starting consecutive server", "env", cfg.Env, "store", cfg.Storage.Backend)

	var reg *prometheus.Registry
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	engine, err := bootstrap.Open(ctx, cfg.Engine, log, registerer(reg))
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer engine.Close()

	// --- Router ---
	checks := make(map[string]handlers.ReadinessCheck, len(engine.Checks))
	for name, check := range engine.Checks {
		checks[name] = handlers.ReadinessCheck(check)
	}
	routerCfg := v1.RouterConfig{
		Service:         engine.Service,
		Logger:          log,
		JWTValidator:    auth.NewJWTService(cfg.JWT),
		ReadinessChecks: checks,
		Debug:           cfg.Development,
	}
	if reg != nil {
		routerCfg.HTTPMetrics = metrics.NewHTTP(reg)
		routerCfg.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      v1.NewRouter(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.SweeperEnabled {
		sweeper := sequence.NewSweeper(engine.Service, cfg.SweepInterval, log)
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	return g.Wait()
}

// registerer maps a nil registry to a nil interface so Open skips metrics.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}
