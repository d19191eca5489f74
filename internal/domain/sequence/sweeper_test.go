package sequence_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"consecutive/internal/domain/sequence"
	"consecutive/pkg/logger"
)

type countingCleaner struct {
	calls atomic.Int32
	err   error
}

func (c *countingCleaner) CleanupExpiredReservations(context.Context) (sequence.CleanupResult, error) {
	c.calls.Add(1)
	return sequence.CleanupResult{ExpiredCount: 1}, c.err
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	cleaner := &countingCleaner{}
	sweeper := sequence.NewSweeper(cleaner, 5*time.Millisecond, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_KeepsRunningAfterErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	cleaner := &countingCleaner{err: errors.New("store unavailable")}
	sweeper := sequence.NewSweeper(cleaner, 2*time.Millisecond, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sweeper.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestSweeper_ExpiresThroughService(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})
	r, err := f.svc.ReserveSingle(context.Background(), def.ID, sequence.SingleOptions{TTL: time.Second}, alice)
	assert.NoError(t, err)
	f.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sequence.NewSweeper(f.svc, time.Hour, logger.Nop()).Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		got, err := f.svc.GetReservation(context.Background(), r.ID)
		return err == nil && got.Status == sequence.ReservationExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
