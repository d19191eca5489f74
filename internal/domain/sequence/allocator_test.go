package sequence_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/storage/memory"
	"consecutive/pkg/logger"
)

func TestAllocate_FirstValueIsInitialValue(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 100, IncrementBy: 5})

	r, err := f.svc.Allocate(context.Background(), def.ID, 3, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)

	assert.Equal(t, int64(100), r.Start)
	assert.Equal(t, int64(110), r.End)
	assert.Equal(t, []int64{100, 105, 110}, r.Values())
	assert.Equal(t, int64(110), f.counter(t, def, ""))
}

func TestAllocate_Formatted(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1, Prefix: "INV-", PadLength: 3})

	r, err := f.svc.Allocate(context.Background(), def.ID, 2, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-001", "INV-002"}, r.Formatted)
}

func TestAllocate_InvalidQuantity(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})

	for _, q := range []int64{0, -3, sequence.MaxQuantity + 1} {
		_, err := f.svc.Allocate(context.Background(), def.ID, q, sequence.AllocateOptions{}, alice)
		assert.True(t, apperror.IsInvalidArgument(err), "quantity %d", q)
	}
	assert.Equal(t, int64(0), f.counter(t, def, ""))
}

func TestAllocate_UnknownSequence(t *testing.T) {
	f := newFixture(t, patientPolicy())

	_, err := f.svc.Allocate(context.Background(), id.New(), 1, sequence.AllocateOptions{}, alice)
	assert.True(t, apperror.IsNotFound(err))
}

func TestAllocate_ConcurrentUniqueness(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})

	const workers = 64
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ranges []sequence.Range
		errs   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(q int64) {
			defer wg.Done()
			r, err := f.svc.Allocate(context.Background(), def.ID, q, sequence.AllocateOptions{}, alice)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ranges = append(ranges, r)
		}(int64(i%3 + 1))
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, ranges, workers)

	seen := make(map[int64]struct{})
	var total int64
	for _, r := range ranges {
		for _, v := range r.Values() {
			_, dup := seen[v]
			require.False(t, dup, "value %d issued twice", v)
			seen[v] = struct{}{}
		}
		total += r.Count()
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	for i := 1; i < len(ranges); i++ {
		assert.Less(t, ranges[i-1].End, ranges[i].Start)
	}
	assert.Equal(t, total, f.counter(t, def, ""))
}

func TestAllocate_Monotonic(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1, IncrementBy: 2})

	var last int64 = -1
	for i := 0; i < 20; i++ {
		r, err := f.svc.Allocate(context.Background(), def.ID, int64(i%4+1), sequence.AllocateOptions{}, alice)
		require.NoError(t, err)
		assert.Greater(t, r.Start, last)
		last = r.End
	}
}

func TestReset_NextAllocationFollowsValue(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})
	ctx := context.Background()

	_, err := f.svc.Allocate(ctx, def.ID, 20, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)

	_, err = f.svc.Reset(ctx, def.ID, 7, "", root)
	require.NoError(t, err)

	r, err := f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(8), r.Start)

	assert.Equal(t, []sequence.AuditAction{
		sequence.AuditCreate, sequence.AuditIncrement, sequence.AuditReset, sequence.AuditIncrement,
	}, f.actions(t, def))
}

func TestReset_OutOfBounds(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1, MinValue: 1, MaxValue: 50})

	_, err := f.svc.Reset(context.Background(), def.ID, 51, "", root)
	assert.True(t, apperror.IsInvalidArgument(err))

	_, err = f.svc.Reset(context.Background(), def.ID, -1, "", root)
	assert.True(t, apperror.IsInvalidArgument(err))

	// resetting to min-inc makes the next value minValue
	_, err = f.svc.Reset(context.Background(), def.ID, 0, "", root)
	assert.NoError(t, err)
}

func TestAllocate_ExhaustionLeavesCounter(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1, MaxValue: 10})
	ctx := context.Background()

	_, err := f.svc.Allocate(ctx, def.ID, 9, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)
	require.Equal(t, int64(9), f.counter(t, def, ""))

	_, err = f.svc.Allocate(ctx, def.ID, 2, sequence.AllocateOptions{}, alice)
	require.Error(t, err)
	assert.True(t, apperror.IsSequenceExhausted(err))
	assert.Equal(t, int64(9), f.counter(t, def, ""))

	// exhaustion is audited; the last value is still available
	assert.Equal(t, sequence.AuditExhaust, f.actions(t, def)[2])

	r, err := f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Start)

	_, err = f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, alice)
	assert.True(t, apperror.IsSequenceExhausted(err))
}

func TestAllocate_OverflowIsExhaustion(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1, IncrementBy: 1 << 62})

	_, err := f.svc.Allocate(context.Background(), def.ID, 3, sequence.AllocateOptions{}, alice)
	assert.True(t, apperror.IsSequenceExhausted(err))
	assert.Equal(t, int64(1-(1<<62)), f.counter(t, def, ""))
}

func TestAllocate_LeaseRecovery(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})

	// a holder that crashed an hour ago
	f.store.ForceLease(def.ID, sequence.Lease{
		Held:       true,
		HolderID:   "crashed/worker",
		AcquiredAt: f.clock.Now().Add(-time.Hour),
		ExpiresAt:  f.clock.Now().Add(-time.Hour).Add(5 * time.Second),
	})

	r, err := f.svc.Allocate(context.Background(), def.ID, 1, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Start)

	current, err := f.svc.GetSequence(context.Background(), def.ID)
	require.NoError(t, err)
	assert.False(t, current.Lease.Held)
}

// stallingStore runs during once, just before the first usage write, to model
// a holder that stalls past its lease.
type stallingStore struct {
	*memory.Store
	once   sync.Once
	during func()
}

func (s *stallingStore) AddUsage(ctx context.Context, holder string, sequenceID id.ID, entityID string, periods []string, n int64) error {
	s.once.Do(s.during)
	return s.Store.AddUsage(ctx, holder, sequenceID, entityID, periods, n)
}

func TestAllocate_LeaseTakenOverMidSection(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})
	ctx := context.Background()

	_, err := f.svc.AssignToEntity(ctx, def.ID, "user", "alice", sequence.Permissions{Reserve: true}, sequence.Limits{}, root)
	require.NoError(t, err)

	var (
		taken    sequence.Range
		takenErr error
	)
	stalled := &stallingStore{Store: f.store}
	stalled.during = func() {
		f.clock.Advance(6 * time.Second)
		taken, takenErr = f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, alice)
	}
	slow := sequence.NewService(sequence.Config{
		Store:  stalled,
		Policy: patientPolicy(),
		Clock:  f.clock.Now,
		Logger: logger.Nop(),
	})

	_, err = slow.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, alice)
	assert.True(t, apperror.IsLeaseLost(err), "got %v", err)

	require.NoError(t, takenErr)
	assert.Equal(t, int64(1), taken.Start, "the stalled holder's write stays invisible")
	assert.Equal(t, int64(1), f.counter(t, def, ""), "the stalled holder's rollback leaves the new holder's counter alone")

	issued := []int64{taken.Start}
	for range 3 {
		r, err := f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, alice)
		require.NoError(t, err)
		issued = append(issued, r.Start)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, issued)

	used, err := f.store.Usage(ctx, def.ID, "alice", f.clock.Now().UTC().Format("2006-01"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), used)
	assert.Equal(t, []sequence.AuditAction{
		sequence.AuditCreate, sequence.AuditUpdate,
		sequence.AuditIncrement, sequence.AuditIncrement, sequence.AuditIncrement, sequence.AuditIncrement,
	}, f.actions(t, def))
}

func TestAllocate_BusyIsBoundedAndNotAudited(t *testing.T) {
	f := newFixture(t, sequence.LeasePolicy{
		TTL:         5 * time.Second,
		Attempts:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		Deadline:    time.Second,
	})
	def := f.create(t, sequence.Definition{InitialValue: 1})

	f.store.ForceLease(def.ID, sequence.Lease{
		Held:       true,
		HolderID:   "other/holder",
		AcquiredAt: f.clock.Now(),
		ExpiresAt:  f.clock.Now().Add(time.Minute),
	})

	started := time.Now()
	_, err := f.svc.Allocate(context.Background(), def.ID, 1, sequence.AllocateOptions{}, alice)
	require.Error(t, err)
	assert.True(t, apperror.IsBusy(err))
	assert.Less(t, time.Since(started), time.Second)

	assert.Equal(t, int64(0), f.counter(t, def, ""))
	assert.Equal(t, []sequence.AuditAction{sequence.AuditCreate}, f.actions(t, def))
}

func TestAllocate_CallerDeadlineBeforeLease(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})

	f.store.ForceLease(def.ID, sequence.Lease{
		Held:      true,
		HolderID:  "other/holder",
		ExpiresAt: f.clock.Now().Add(time.Minute),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, alice)
	assert.True(t, apperror.IsBusy(err))
	assert.Equal(t, int64(0), f.counter(t, def, ""))
}

func TestAllocate_SegmentIsolation(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{
		InitialValue: 1,
		Segmentation: sequence.Segmentation{Enabled: true, KeyKind: sequence.SegmentYear},
	})
	ctx := context.Background()

	a, err := f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{SegmentKey: "2024"}, alice)
	require.NoError(t, err)
	b, err := f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{SegmentKey: "2025"}, alice)
	require.NoError(t, err)
	a2, err := f.svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{SegmentKey: "2024"}, alice)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Start)
	assert.Equal(t, int64(1), b.Start)
	assert.Equal(t, int64(2), a2.Start)
	assert.Equal(t, int64(2), f.counter(t, def, "2024"))
	assert.Equal(t, int64(1), f.counter(t, def, "2025"))

	current, err := f.svc.GetSequence(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.CurrentValue)
}

func TestAllocate_SegmentKeyRules(t *testing.T) {
	f := newFixture(t, patientPolicy())
	ctx := context.Background()

	plain := f.create(t, sequence.Definition{Name: "plain", InitialValue: 1})
	_, err := f.svc.Allocate(ctx, plain.ID, 1, sequence.AllocateOptions{SegmentKey: "2024"}, alice)
	assert.True(t, apperror.IsInvalidArgument(err))

	segmented := f.create(t, sequence.Definition{
		Name:         "segmented",
		InitialValue: 1,
		Segmentation: sequence.Segmentation{Enabled: true},
	})
	_, err = f.svc.Allocate(ctx, segmented.ID, 1, sequence.AllocateOptions{}, alice)
	assert.True(t, apperror.IsInvalidArgument(err))
}

func TestAllocate_InactiveSequence(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})

	require.NoError(t, f.svc.DeleteSequence(context.Background(), def.ID, root))

	_, err := f.svc.Allocate(context.Background(), def.ID, 1, sequence.AllocateOptions{}, alice)
	assert.True(t, apperror.HasCode(err, apperror.CodeSequenceInactive))
}
