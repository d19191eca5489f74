package sequence

import (
	"context"
	"time"

	"consecutive/pkg/logger"
)

// DefaultSweepInterval is used when a Sweeper has no interval.
const DefaultSweepInterval = 30 * time.Second

// Cleaner expires overdue reservations.
type Cleaner interface {
	CleanupExpiredReservations(ctx context.Context) (CleanupResult, error)
}

// Sweeper drives CleanupExpiredReservations on a fixed interval.
type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration
	log      *logger.Logger
}

// NewSweeper creates a sweeper. A nil log uses the default logger.
func NewSweeper(cleaner Cleaner, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Sweeper{
		cleaner:  cleaner,
		interval: interval,
		log:      log.WithComponent("sweeper"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Infow("sweeper started", "interval", w.interval)
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	result, err := w.cleaner.CleanupExpiredReservations(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Errorw("cleanup failed", "error", err, "expired", result.ExpiredCount)
		return
	}
	if result.ExpiredCount > 0 || result.Skipped > 0 {
		w.log.Infow("cleanup completed",
			"expired", result.ExpiredCount,
			"blocks", result.Blocks,
			"reservations", result.Reservations,
			"skipped", result.Skipped,
		)
	}
}
