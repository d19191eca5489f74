// Package main is the entry point for the sequence expiry worker. It sweeps expired
// blocks and reservations for servers that run with SWEEPER_ENABLED=false.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"consecutive/internal/bootstrap"
	"consecutive/internal/config"
	"consecutive/internal/domain/sequence"
	"consecutive/pkg/logger"
)

const poolStatsInterval = time.Hour

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger())
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()

	log.Info("starting consecutive worker")

	engine, err := bootstrap.Open(ctx, cfg.Engine, log, nil)
	if err != nil {
		log.Fatalw("failed to open engine", "error", err)
	}
	defer engine.Close()

	if len(os.Args) > 1 && os.Args[1] == "--once" {
		res, err := engine.Service.CleanupExpiredReservations(ctx)
		if err != nil {
			log.Fatalw("cleanup failed", "error", err)
		}
		log.Infow("cleanup finished", "expired", res.ExpiredCount, "skipped", res.Skipped)
		return
	}

	worker := &Worker{
		sweeper: sequence.NewSweeper(engine.Service, cfg.SweepInterval, log),
		engine:  engine,
		log:     log.WithComponent("worker"),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// Worker runs the sweeper and periodically reports pool usage.
type Worker struct {
	sweeper *sequence.Sweeper
	engine  *bootstrap.Engine
	log     *logger.Logger
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.sweeper.Run(ctx); err != nil {
			w.log.Errorw("sweeper stopped with error", "error", err)
		}
	}()

	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.engine.LogPoolStats(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			w.engine.LogPoolStats(ctx)
		}
	}
}
