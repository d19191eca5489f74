package sequence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
)

func TestBlock_UseUntilExhausted(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1, Prefix: "LD-", PadLength: 4})
	ctx := context.Background()

	block, err := f.svc.ReserveBlock(ctx, def.ID, 5, sequence.BlockOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, sequence.BlockReserved, block.Status)
	assert.Equal(t, int64(1), block.StartValue)
	assert.Equal(t, int64(5), block.EndValue)

	var (
		values    []int64
		formatted []string
		last      *sequence.BlockReservation
	)
	for i := 0; i < 5; i++ {
		used, err := f.svc.UseFromBlock(ctx, block.ID, alice)
		require.NoError(t, err)
		values = append(values, used.Value)
		formatted = append(formatted, used.Formatted)
		last = used.Block
		if i == 0 {
			assert.Equal(t, sequence.BlockActive, used.Block.Status)
			assert.NotNil(t, used.Block.ActivatedAt)
		}
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, values)
	assert.Equal(t, "LD-0001", formatted[0])
	assert.Equal(t, "LD-0005", formatted[4])
	assert.Equal(t, sequence.BlockCompleted, last.Status)
	assert.NotNil(t, last.CompletedAt)

	_, err = f.svc.UseFromBlock(ctx, block.ID, alice)
	assert.True(t, apperror.IsBlockExhausted(err))

	stored, err := f.svc.GetBlock(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, sequence.BlockCompleted, stored.Status)
	assert.Len(t, stored.UsedValues, 5)
}

func TestBlock_StepFollowsIncrement(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 10, IncrementBy: 10})
	ctx := context.Background()

	block, err := f.svc.ReserveBlock(ctx, def.ID, 3, sequence.BlockOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(30), block.EndValue)

	for _, want := range []int64{10, 20, 30} {
		used, err := f.svc.UseFromBlock(ctx, block.ID, alice)
		require.NoError(t, err)
		assert.Equal(t, want, used.Value)
	}
}

func TestBlock_CancelLeavesGap(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})
	ctx := context.Background()

	block, err := f.svc.ReserveBlock(ctx, def.ID, 10, sequence.BlockOptions{}, alice)
	require.NoError(t, err)
	_, err = f.svc.UseFromBlock(ctx, block.ID, alice)
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelReservation(ctx, block.ID, alice))

	_, err = f.svc.UseFromBlock(ctx, block.ID, alice)
	assert.True(t, apperror.IsReservationInvalid(err))

	err = f.svc.CancelReservation(ctx, block.ID, alice)
	assert.True(t, apperror.IsReservationInvalid(err))

	// the counter is not rolled back
	r, err := f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(11), r.Start)

	history, err := f.svc.History(ctx, def.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sequence.AuditIncrement, history[0].Action)
	assert.Equal(t, sequence.AuditRelease, history[1].Action)
	assert.Equal(t, int64(2), *history[1].Value)
	assert.Equal(t, int64(10), *history[1].EndValue)
}

func TestBlock_CommitClosesBlock(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})
	ctx := context.Background()

	block, err := f.svc.ReserveBlock(ctx, def.ID, 3, sequence.BlockOptions{}, alice)
	require.NoError(t, err)
	_, err = f.svc.UseFromBlock(ctx, block.ID, alice)
	require.NoError(t, err)

	require.NoError(t, f.svc.CommitReservation(ctx, block.ID, alice))
	require.NoError(t, f.svc.CommitReservation(ctx, block.ID, alice), "commit is idempotent")

	stored, err := f.svc.GetBlock(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, sequence.BlockCompleted, stored.Status)

	_, err = f.svc.UseFromBlock(ctx, block.ID, alice)
	assert.True(t, apperror.IsBlockExhausted(err))

	err = f.svc.CancelReservation(ctx, block.ID, alice)
	assert.True(t, apperror.IsReservationInvalid(err))
}

func TestBlock_ExhaustionIsAtomic(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1, MaxValue: 4})
	ctx := context.Background()

	_, err := f.svc.ReserveBlock(ctx, def.ID, 5, sequence.BlockOptions{}, alice)
	assert.True(t, apperror.IsSequenceExhausted(err))

	blocks, err := f.svc.ListBlocks(ctx, def.ID)
	require.NoError(t, err)
	assert.Empty(t, blocks)
	assert.Equal(t, int64(0), f.counter(t, def, ""))
}

func TestBlock_TTLExpiry(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})
	ctx := context.Background()

	block, err := f.svc.ReserveBlock(ctx, def.ID, 4, sequence.BlockOptions{TTL: time.Minute}, alice)
	require.NoError(t, err)
	require.NotNil(t, block.ExpiresAt)

	f.clock.Advance(2 * time.Minute)

	_, err = f.svc.UseFromBlock(ctx, block.ID, alice)
	assert.True(t, apperror.IsReservationInvalid(err))

	// the expiry was persisted even though the use failed
	stored, err := f.svc.GetBlock(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, sequence.BlockExpired, stored.Status)
	assert.Contains(t, f.actions(t, def), sequence.AuditExpire)
}

func TestBlock_NotFound(t *testing.T) {
	f := newFixture(t, patientPolicy())

	_, err := f.svc.UseFromBlock(context.Background(), id.New(), alice)
	assert.True(t, apperror.IsNotFound(err))

	err = f.svc.CommitReservation(context.Background(), id.New(), alice)
	assert.True(t, apperror.IsNotFound(err))
}

func TestSingle_CommitAndRelease(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1, Prefix: "F"})
	ctx := context.Background()

	r1, err := f.svc.ReserveSingle(ctx, def.ID, sequence.SingleOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Value)
	assert.Equal(t, "F1", r1.Formatted)
	assert.Equal(t, sequence.ReservationPending, r1.Status)
	assert.Equal(t, f.clock.Now().Add(sequence.DefaultReservationTTL), r1.ExpiresAt)

	require.NoError(t, f.svc.CommitReservation(ctx, r1.ID, alice))
	require.NoError(t, f.svc.CommitReservation(ctx, r1.ID, alice))

	committed, err := f.svc.GetReservation(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, sequence.ReservationCommitted, committed.Status)
	assert.NotNil(t, committed.CommittedAt)

	r2, err := f.svc.ReserveSingle(ctx, def.ID, sequence.SingleOptions{TTL: time.Minute}, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Value)

	require.NoError(t, f.svc.ReleaseReservation(ctx, r2.ID, alice))
	err = f.svc.CommitReservation(ctx, r2.ID, alice)
	assert.True(t, apperror.IsReservationInvalid(err))
	err = f.svc.ReleaseReservation(ctx, r2.ID, alice)
	assert.True(t, apperror.IsReservationInvalid(err))

	// released values are never reissued
	r3, err := f.svc.ReserveSingle(ctx, def.ID, sequence.SingleOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r3.Value)
}

func TestCleanupExpiredReservations(t *testing.T) {
	f := newFixture(t, patientPolicy())
	ctx := context.Background()
	a := f.create(t, sequence.Definition{Name: "a", InitialValue: 1})
	b := f.create(t, sequence.Definition{Name: "b", InitialValue: 1})

	shortA, err := f.svc.ReserveSingle(ctx, a.ID, sequence.SingleOptions{TTL: time.Minute}, alice)
	require.NoError(t, err)
	longA, err := f.svc.ReserveSingle(ctx, a.ID, sequence.SingleOptions{TTL: time.Hour}, alice)
	require.NoError(t, err)
	committedA, err := f.svc.ReserveSingle(ctx, a.ID, sequence.SingleOptions{TTL: time.Minute}, alice)
	require.NoError(t, err)
	require.NoError(t, f.svc.CommitReservation(ctx, committedA.ID, alice))
	blockB, err := f.svc.ReserveBlock(ctx, b.ID, 3, sequence.BlockOptions{TTL: 30 * time.Second}, alice)
	require.NoError(t, err)

	result, err := f.svc.CleanupExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExpiredCount)

	f.clock.Advance(5 * time.Minute)

	result, err = f.svc.CleanupExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExpiredCount)
	assert.Equal(t, 1, result.Blocks)
	assert.Equal(t, 1, result.Reservations)

	expired, err := f.svc.GetReservation(ctx, shortA.ID)
	require.NoError(t, err)
	assert.Equal(t, sequence.ReservationExpired, expired.Status)

	pending, err := f.svc.GetReservation(ctx, longA.ID)
	require.NoError(t, err)
	assert.Equal(t, sequence.ReservationPending, pending.Status)

	block, err := f.svc.GetBlock(ctx, blockB.ID)
	require.NoError(t, err)
	assert.Equal(t, sequence.BlockExpired, block.Status)

	err = f.svc.CommitReservation(ctx, shortA.ID, alice)
	assert.True(t, apperror.IsReservationInvalid(err))

	// a second sweep finds nothing
	result, err = f.svc.CleanupExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExpiredCount)

	history, err := f.svc.History(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, sequence.AuditExpire, history[0].Action)
	assert.Equal(t, sequence.SystemActor.ID, history[0].Actor.ID)
}

func TestCleanupExpiredReservations_SkipsBusySequence(t *testing.T) {
	f := newFixture(t, sequence.LeasePolicy{
		Attempts:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		Deadline:    100 * time.Millisecond,
	})
	def := f.create(t, sequence.Definition{InitialValue: 1})
	ctx := context.Background()

	_, err := f.svc.ReserveSingle(ctx, def.ID, sequence.SingleOptions{TTL: time.Second}, alice)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	f.store.ForceLease(def.ID, sequence.Lease{
		Held:      true,
		HolderID:  "other/holder",
		ExpiresAt: f.clock.Now().Add(time.Minute),
	})

	result, err := f.svc.CleanupExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExpiredCount)
	assert.Equal(t, 1, result.Skipped)
}
