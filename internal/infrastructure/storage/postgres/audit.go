package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"

	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
)

// CompressionAlgo specifies the compression algorithm used for audit metadata.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

const defaultCompressThreshold = 10 * 1024 // bytes

// auditRow is the seq_audit row.
type auditRow struct {
	ID                 id.ID           `db:"id"`
	SequenceID         id.ID           `db:"sequence_id"`
	CreatedAt          time.Time       `db:"created_at"`
	Action             string          `db:"action"`
	Value              *int64          `db:"value"`
	EndValue           *int64          `db:"end_value"`
	SegmentKey         string          `db:"segment_key"`
	BlockID            *id.ID          `db:"block_id"`
	ReservationID      *id.ID          `db:"reservation_id"`
	ActorID            string          `db:"actor_id"`
	ActorName          string          `db:"actor_name"`
	Metadata           json.RawMessage `db:"metadata"`
	MetadataCompressed []byte          `db:"metadata_compressed"`
	CompressionAlgo    CompressionAlgo `db:"compression_algo"`
}

var auditColumns = ExtractDBColumns[auditRow]()

// auditCodec moves audit metadata in and out of its stored form. Metadata larger
// than threshold is zstd-compressed into metadata_compressed.
type auditCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

func newAuditCodec(threshold int) (*auditCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &auditCodec{encoder: encoder, decoder: decoder, threshold: threshold}, nil
}

func (c *auditCodec) encode(e *sequence.AuditEntry) (auditRow, error) {
	row := auditRow{
		ID:              e.ID,
		SequenceID:      e.SequenceID,
		CreatedAt:       e.Timestamp,
		Action:          string(e.Action),
		Value:           e.Value,
		EndValue:        e.EndValue,
		SegmentKey:      e.SegmentKey,
		BlockID:         e.BlockID,
		ReservationID:   e.ReservationID,
		ActorID:         e.Actor.ID,
		ActorName:       e.Actor.Name,
		CompressionAlgo: CompressionNone,
	}
	if len(e.Metadata) == 0 {
		return row, nil
	}

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return auditRow{}, fmt.Errorf("marshal audit metadata: %w", err)
	}
	if len(meta) > c.threshold {
		row.MetadataCompressed = c.encoder.EncodeAll(meta, nil)
		row.CompressionAlgo = CompressionZstd
		return row, nil
	}
	row.Metadata = meta
	return row, nil
}

func (c *auditCodec) decode(row *auditRow) (sequence.AuditEntry, error) {
	e := sequence.AuditEntry{
		ID:            row.ID,
		SequenceID:    row.SequenceID,
		Timestamp:     row.CreatedAt,
		Action:        sequence.AuditAction(row.Action),
		Value:         row.Value,
		EndValue:      row.EndValue,
		SegmentKey:    row.SegmentKey,
		BlockID:       row.BlockID,
		ReservationID: row.ReservationID,
		Actor:         sequence.Actor{ID: row.ActorID, Name: row.ActorName},
	}

	meta := row.Metadata
	if row.CompressionAlgo == CompressionZstd && len(row.MetadataCompressed) > 0 {
		decompressed, err := c.decoder.DecodeAll(row.MetadataCompressed, nil)
		if err != nil {
			return sequence.AuditEntry{}, fmt.Errorf("decompress audit metadata: %w", err)
		}
		meta = decompressed
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return sequence.AuditEntry{}, fmt.Errorf("unmarshal audit metadata: %w", err)
		}
	}
	return e, nil
}

// AppendAudit implements sequence.AuditStore.
func (s *Store) AppendAudit(ctx context.Context, entry *sequence.AuditEntry) error {
	row, err := s.audit.encode(entry)
	if err != nil {
		return err
	}
	return s.exec(ctx, Builder().Insert(tableAudit).SetMap(StructToMap(row)))
}

func historyQuery(sequenceID id.ID, limit int) squirrel.SelectBuilder {
	q := Builder().Select(auditColumns...).From(tableAudit).
		Where(squirrel.Eq{"sequence_id": sequenceID}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}

// History implements sequence.AuditStore.
func (s *Store) History(ctx context.Context, sequenceID id.ID, limit int) ([]sequence.AuditEntry, error) {
	sql, args, err := historyQuery(sequenceID, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []auditRow
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	entries := make([]sequence.AuditEntry, 0, len(rows))
	for i := range rows {
		e, err := s.audit.decode(&rows[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
