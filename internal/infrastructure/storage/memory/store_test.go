package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
)

var t0 = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

func newDefinition(name string) *sequence.Definition {
	return &sequence.Definition{
		ID:          id.New(),
		Name:        name,
		IncrementBy: 1,
		MaxValue:    100,
		Active:      true,
		Segmentation: sequence.Segmentation{
			Counters: map[string]sequence.SegmentCounter{},
		},
	}
}

func TestStore_LeaseCompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	def := newDefinition("invoices")
	require.NoError(t, s.CreateDefinition(ctx, def))

	lease, ok, err := s.TryAcquireLease(ctx, def.ID, "a", t0, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Second), lease.ExpiresAt)

	current, ok, err := s.TryAcquireLease(ctx, def.ID, "b", t0.Add(time.Second), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "a", current.HolderID)

	// b reclaims after expiry; a's late release must not clobber it
	_, ok, err = s.TryAcquireLease(ctx, def.ID, "b", t0.Add(6*time.Second), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := s.ReleaseLease(ctx, def.ID, "a")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.ReleaseLease(ctx, def.ID, "b")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestStore_FencedWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	def := newDefinition("invoices")
	require.NoError(t, s.CreateDefinition(ctx, def))

	_, ok, err := s.TryAcquireLease(ctx, def.ID, "owner", t0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	err = s.SetCounter(ctx, "stale", def.ID, "", 5, t0)
	assert.True(t, apperror.IsLeaseLost(err))

	require.NoError(t, s.SetCounter(ctx, "owner", def.ID, "", 5, t0))
	require.NoError(t, s.SetCounter(ctx, "", def.ID, "", 6, t0), "empty fence skips the check")

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.CurrentValue)
}

func TestStore_RollbackRestoresState(t *testing.T) {
	s := New()
	ctx := context.Background()
	def := newDefinition("invoices")
	def.Segmentation.Enabled = true
	require.NoError(t, s.CreateDefinition(ctx, def))

	boom := errors.New("boom")
	blockID := id.New()
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.SetCounter(ctx, "", def.ID, "2024", 10, t0))
		require.NoError(t, s.InsertBlock(ctx, "", &sequence.BlockReservation{
			ID: blockID, SequenceID: def.ID, StartValue: 1, EndValue: 10, Step: 1, Status: sequence.BlockReserved,
		}))
		require.NoError(t, s.AddUsage(ctx, "", def.ID, "acme", []string{"2024-05-01", "2024-05"}, 10))
		require.NoError(t, s.UpsertAssignment(ctx, "", sequence.Assignment{SequenceID: def.ID, EntityType: "company", EntityID: "acme"}))
		require.NoError(t, s.AppendAudit(ctx, &sequence.AuditEntry{ID: id.New(), SequenceID: def.ID, Action: sequence.AuditReserve}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	_, seen := got.Segmentation.Counters["2024"]
	assert.False(t, seen)
	assert.Empty(t, got.Assignments)

	_, err = s.GetBlock(ctx, blockID)
	assert.True(t, apperror.IsNotFound(err))

	used, err := s.Usage(ctx, def.ID, "acme", "2024-05")
	require.NoError(t, err)
	assert.Zero(t, used)

	history, err := s.History(ctx, def.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_NamesAreUniqueIgnoringCase(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateDefinition(ctx, newDefinition("Invoices")))

	err := s.CreateDefinition(ctx, newDefinition("invoices"))
	assert.True(t, apperror.IsConflict(err))

	got, err := s.GetDefinitionByName(ctx, "INVOICES")
	require.NoError(t, err)
	assert.Equal(t, "Invoices", got.Name)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	def := newDefinition("invoices")
	require.NoError(t, s.CreateDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	got.CurrentValue = 99
	got.Segmentation.Counters["x"] = sequence.SegmentCounter{Value: 1}

	again, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Zero(t, again.CurrentValue)
	assert.Empty(t, again.Segmentation.Counters)
}

func TestStore_ListExpirable(t *testing.T) {
	s := New()
	ctx := context.Background()
	a, b := newDefinition("a"), newDefinition("b")
	require.NoError(t, s.CreateDefinition(ctx, a))
	require.NoError(t, s.CreateDefinition(ctx, b))

	expires := t0.Add(time.Minute)
	require.NoError(t, s.InsertBlock(ctx, "", &sequence.BlockReservation{
		ID: id.New(), SequenceID: a.ID, StartValue: 1, EndValue: 2, Step: 1, Status: sequence.BlockActive, ExpiresAt: &expires,
	}))
	require.NoError(t, s.InsertReservation(ctx, "", &sequence.Reservation{
		ID: id.New(), SequenceID: b.ID, Value: 1, Status: sequence.ReservationCommitted, ExpiresAt: expires,
	}))

	due, err := s.ListExpirable(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListExpirable(ctx, expires)
	require.NoError(t, err)
	assert.Equal(t, []id.ID{a.ID}, due)
}

func TestStore_CommitRechecksFence(t *testing.T) {
	s := New()
	ctx := context.Background()
	def := newDefinition("invoices")
	require.NoError(t, s.CreateDefinition(ctx, def))

	_, ok, err := s.TryAcquireLease(ctx, def.ID, "a", t0, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	otherEntry := sequence.AuditEntry{ID: id.New(), SequenceID: def.ID, Action: sequence.AuditIncrement}
	err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.SetCounter(ctx, "a", def.ID, "", 1, t0))
		require.NoError(t, s.AppendAudit(ctx, &sequence.AuditEntry{ID: id.New(), SequenceID: def.ID, Action: sequence.AuditIncrement}))

		got, err := s.GetDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Zero(t, got.CurrentValue, "queued writes stay private")

		// a stalls past its lease and b takes over
		_, ok, err := s.TryAcquireLease(ctx, def.ID, "b", t0.Add(6*time.Second), 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.SetCounter(context.Background(), "b", def.ID, "", 1, t0))
		require.NoError(t, s.AppendAudit(context.Background(), &otherEntry))
		return nil
	})
	assert.True(t, apperror.IsLeaseLost(err))

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.CurrentValue)

	history, err := s.History(ctx, def.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, otherEntry.ID, history[0].ID)
}

func TestStore_FailedCommitAppliesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	taken := newDefinition("taken")
	require.NoError(t, s.CreateDefinition(ctx, taken))
	def := newDefinition("invoices")

	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.CreateDefinition(ctx, def))
		require.NoError(t, s.SetCounter(ctx, "", taken.ID, "", 7, t0))
		require.NoError(t, s.AppendAudit(ctx, &sequence.AuditEntry{ID: id.New(), SequenceID: taken.ID, Action: sequence.AuditReset}))
		return s.CreateDefinition(ctx, newDefinition("TAKEN"))
	})
	assert.True(t, apperror.IsConflict(err), "name conflicts surface at commit")

	_, err = s.GetDefinition(ctx, def.ID)
	assert.True(t, apperror.IsNotFound(err))

	got, err := s.GetDefinition(ctx, taken.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentValue)

	history, err := s.History(ctx, taken.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
