package sequence_test

import (
	"context"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consecutive/internal/core/apperror"
	"consecutive/internal/domain/sequence"
)

func TestCreateSequence(t *testing.T) {
	f := newFixture(t, patientPolicy())
	ctx := context.Background()

	def := f.create(t, sequence.Definition{Name: "invoices", InitialValue: 1})
	assert.Equal(t, int64(1), def.IncrementBy)
	assert.Equal(t, int64(math.MaxInt64), def.MaxValue)
	assert.Equal(t, int64(0), def.CurrentValue)
	assert.True(t, def.Active)
	assert.Equal(t, int64(1), def.Version)

	_, err := f.svc.CreateSequence(ctx, &sequence.Definition{Name: "invoices"}, root)
	assert.True(t, apperror.IsConflict(err))

	byName, err := f.svc.GetSequenceByName(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, def.ID, byName.ID)

	_, err = f.svc.GetSequenceByName(ctx, "missing")
	assert.True(t, apperror.IsNotFound(err))
}

func TestCreateSequence_Validation(t *testing.T) {
	f := newFixture(t, patientPolicy())
	ctx := context.Background()

	tests := []struct {
		name string
		def  sequence.Definition
	}{
		{name: "missing name", def: sequence.Definition{}},
		{name: "negative increment", def: sequence.Definition{Name: "a", IncrementBy: -1}},
		{name: "initial above max", def: sequence.Definition{Name: "a", InitialValue: 20, MaxValue: 10}},
		{name: "initial below min", def: sequence.Definition{Name: "a", InitialValue: 1, MinValue: 5}},
		{name: "pad char too long", def: sequence.Definition{Name: "a", PadChar: "ab"}},
		{name: "unknown rule type", def: sequence.Definition{Name: "a", FormatRules: []sequence.FormatRule{{Type: "roman"}}}},
		{name: "key field without segmentation", def: sequence.Definition{Name: "a", Segmentation: sequence.Segmentation{KeyField: "year"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSequence(ctx, &tt.def, root)
			assert.True(t, apperror.IsInvalidArgument(err), "got %v", err)
		})
	}

	all, err := f.svc.ListSequences(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateSequence(t *testing.T) {
	f := newFixture(t, patientPolicy())
	ctx := context.Background()
	def := f.create(t, sequence.Definition{Name: "invoices", InitialValue: 1, MaxValue: 100})
	f.create(t, sequence.Definition{Name: "loads", InitialValue: 1})

	_, err := f.svc.Allocate(ctx, def.ID, 5, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)

	prefix := "FAC-"
	pattern := "{PREFIX}{VALUE:3}"
	updated, err := f.svc.UpdateSequence(ctx, def.ID, sequence.Patch{Prefix: &prefix, Pattern: &pattern}, root)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, int64(5), updated.CurrentValue, "update never touches the counter")

	formatted, err := f.svc.FormatValue(ctx, def.ID, 42, "")
	require.NoError(t, err)
	assert.Equal(t, "FAC-042", formatted)

	taken := "loads"
	_, err = f.svc.UpdateSequence(ctx, def.ID, sequence.Patch{Name: &taken}, root)
	assert.True(t, apperror.IsConflict(err))

	low := int64(0)
	_, err = f.svc.UpdateSequence(ctx, def.ID, sequence.Patch{MaxValue: &low}, root)
	assert.True(t, apperror.IsInvalidArgument(err))

	current, err := f.svc.GetSequence(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), current.MaxValue, "failed update is rolled back")
	assert.Equal(t, "FAC-", current.Prefix)

	assert.Equal(t, []sequence.AuditAction{
		sequence.AuditCreate, sequence.AuditIncrement, sequence.AuditUpdate,
	}, f.actions(t, def))
}

func TestDeleteSequence(t *testing.T) {
	f := newFixture(t, patientPolicy())
	ctx := context.Background()
	def := f.create(t, sequence.Definition{InitialValue: 1})

	require.NoError(t, f.svc.DeleteSequence(ctx, def.ID, root))
	require.NoError(t, f.svc.DeleteSequence(ctx, def.ID, root))

	current, err := f.svc.GetSequence(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, current.Active)

	_, err = f.svc.ReserveSingle(ctx, def.ID, sequence.SingleOptions{}, alice)
	assert.True(t, apperror.HasCode(err, apperror.CodeSequenceInactive))

	assert.Equal(t, []sequence.AuditAction{sequence.AuditCreate, sequence.AuditDelete}, f.actions(t, def))
}

func TestFormatValue_PatternAndRules(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{
		InitialValue: 1,
		Prefix:       "FAC-",
		Pattern:      "{PREFIX}{YEAR}-{VALUE:4}",
	})

	first, err := f.svc.FormatValue(context.Background(), def.ID, 42, "")
	require.NoError(t, err)
	second, err := f.svc.FormatValue(context.Background(), def.ID, 42, "")
	require.NoError(t, err)

	assert.Equal(t, "FAC-2024-0042", first)
	assert.Equal(t, first, second)
}

func TestStats(t *testing.T) {
	f := newFixture(t, patientPolicy())
	ctx := context.Background()
	def := f.create(t, sequence.Definition{InitialValue: 1, MaxValue: 8})

	_, err := f.svc.Allocate(ctx, def.ID, 3, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx, def.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Current)
	require.NotNil(t, st.Next)
	assert.Equal(t, int64(4), *st.Next)
	assert.Equal(t, int64(3), st.Issued)
	assert.Equal(t, int64(5), st.Remaining)
	assert.Equal(t, int64(8), st.Capacity)
	assert.True(t, st.Utilization.Equal(decimal.RequireFromString("37.5")), "got %s", st.Utilization)
	assert.False(t, st.Exhausted)

	_, err = f.svc.Allocate(ctx, def.ID, 5, sequence.AllocateOptions{}, alice)
	require.NoError(t, err)

	st, err = f.svc.Stats(ctx, def.ID, "")
	require.NoError(t, err)
	assert.Nil(t, st.Next)
	assert.True(t, st.Exhausted)
	assert.True(t, st.Utilization.Equal(decimal.NewFromInt(100)))
}

func TestStats_Unbounded(t *testing.T) {
	f := newFixture(t, patientPolicy())
	def := f.create(t, sequence.Definition{InitialValue: 1})

	st, err := f.svc.Stats(context.Background(), def.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), st.Capacity)
	assert.True(t, st.Utilization.IsZero())
}
