package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/storage/memory"
	"consecutive/pkg/logger"
)

const seedDoc = `
sequences:
  - name: invoices
    prefix: "INV-"
    padLength: 6
    initialValue: 1
    assignments:
      - entityType: company
        entityId: acme
        permissions: {reserve: true, use: true}
        limits: {daily: 1000}
  - name: orders
    segmentation:
      enabled: true
      keyKind: year
`

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(seedDoc))
	require.NoError(t, err)
	require.Len(t, f.Sequences, 2)

	inv := f.Sequences[0]
	assert.Equal(t, "INV-", inv.Prefix)
	assert.Equal(t, 6, inv.PadLength)
	require.Len(t, inv.Assignments, 1)
	assert.True(t, inv.Assignments[0].Permissions.Reserve)
	assert.Equal(t, int64(1000), inv.Assignments[0].Limits.Daily)

	assert.True(t, f.Sequences[1].Segmentation.Enabled)
	assert.Equal(t, sequence.SegmentKind("year"), f.Sequences[1].Segmentation.KeyKind)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("sequences:\n  - name: x\n    prefx: A\n"))
	require.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, f.Sequences)
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc := sequence.NewService(sequence.Config{Store: memory.New(), Logger: logger.Nop()})

	f, err := Parse(strings.NewReader(seedDoc))
	require.NoError(t, err)

	res, err := Apply(ctx, svc, f)
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 2, Assignments: 1}, res)

	res, err = Apply(ctx, svc, f)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 2}, res)

	def, err := svc.GetSequenceByName(ctx, "invoices")
	require.NoError(t, err)
	require.Len(t, def.Assignments, 1)
	assert.Equal(t, "acme", def.Assignments[0].EntityID)
}
