package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
)

func TestAuditCodec(t *testing.T) {
	codec, err := newAuditCodec(64)
	require.NoError(t, err)

	blockID := id.New()
	value := int64(7)

	tests := []struct {
		name     string
		metadata map[string]any
		algo     CompressionAlgo
	}{
		{name: "no metadata", algo: CompressionNone},
		{name: "small metadata stays inline", metadata: map[string]any{"gap": "8-10"}, algo: CompressionNone},
		{name: "large metadata is compressed", metadata: map[string]any{"note": strings.Repeat("x", 500)}, algo: CompressionZstd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &sequence.AuditEntry{
				ID:         id.New(),
				SequenceID: id.New(),
				Timestamp:  now,
				Action:     sequence.AuditUse,
				Value:      &value,
				BlockID:    &blockID,
				Actor:      sequence.Actor{ID: "alice", Name: "Alice"},
				Metadata:   tt.metadata,
			}

			row, err := codec.encode(entry)
			require.NoError(t, err)
			assert.Equal(t, tt.algo, row.CompressionAlgo)
			if tt.algo == CompressionZstd {
				assert.Nil(t, row.Metadata)
				assert.NotEmpty(t, row.MetadataCompressed)
			}

			got, err := codec.decode(&row)
			require.NoError(t, err)
			assert.Equal(t, *entry, got)
		})
	}
}
