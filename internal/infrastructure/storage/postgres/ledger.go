package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
)

var (
	blockColumns       = ExtractDBColumns[sequence.BlockReservation]()
	reservationColumns = ExtractDBColumns[sequence.Reservation]()
)

func blockMap(b *sequence.BlockReservation) map[string]any {
	m := StructToMap(b)
	if b.UsedValues == nil {
		m["used_values"] = []int64{}
	}
	return m
}

// InsertBlock implements sequence.LedgerStore.
func (s *Store) InsertBlock(ctx context.Context, holder string, block *sequence.BlockReservation) error {
	if err := s.fence(ctx, block.SequenceID, holder); err != nil {
		return err
	}
	return s.exec(ctx, Builder().Insert(tableBlocks).SetMap(blockMap(block)))
}

func saveBlockQuery(block *sequence.BlockReservation) squirrel.UpdateBuilder {
	m := blockMap(block)
	delete(m, "id")
	return Builder().Update(tableBlocks).SetMap(m).Where(squirrel.Eq{"id": block.ID})
}

// SaveBlock implements sequence.LedgerStore.
func (s *Store) SaveBlock(ctx context.Context, holder string, block *sequence.BlockReservation) error {
	if err := s.fence(ctx, block.SequenceID, holder); err != nil {
		return err
	}
	return s.execOne(ctx, saveBlockQuery(block), "block", block.ID)
}

// GetBlock implements sequence.LedgerStore.
func (s *Store) GetBlock(ctx context.Context, blockID id.ID) (*sequence.BlockReservation, error) {
	sql, args, err := Builder().Select(blockColumns...).From(tableBlocks).
		Where(squirrel.Eq{"id": blockID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var block sequence.BlockReservation
	if err := pgxscan.Get(ctx, s.txm.GetQuerier(ctx), &block, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("block", blockID.String())
		}
		return nil, fmt.Errorf("get block: %w", err)
	}
	return &block, nil
}

// ListBlocks implements sequence.LedgerStore.
func (s *Store) ListBlocks(ctx context.Context, sequenceID id.ID) ([]*sequence.BlockReservation, error) {
	return s.selectBlocks(ctx, Builder().Select(blockColumns...).From(tableBlocks).
		Where(squirrel.Eq{"sequence_id": sequenceID}).
		OrderBy("reserved_at", "start_value"))
}

func (s *Store) selectBlocks(ctx context.Context, q squirrel.SelectBuilder) ([]*sequence.BlockReservation, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var blocks []*sequence.BlockReservation
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &blocks, sql, args...); err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return blocks, nil
}

// InsertReservation implements sequence.LedgerStore.
func (s *Store) InsertReservation(ctx context.Context, holder string, r *sequence.Reservation) error {
	if err := s.fence(ctx, r.SequenceID, holder); err != nil {
		return err
	}
	return s.exec(ctx, Builder().Insert(tableReservations).SetMap(StructToMap(r)))
}

// SaveReservation implements sequence.LedgerStore.
func (s *Store) SaveReservation(ctx context.Context, holder string, r *sequence.Reservation) error {
	if err := s.fence(ctx, r.SequenceID, holder); err != nil {
		return err
	}
	q := Builder().Update(tableReservations).
		Set("status", r.Status).
		Set("committed_at", r.CommittedAt).
		Set("expires_at", r.ExpiresAt).
		Where(squirrel.Eq{"id": r.ID})
	return s.execOne(ctx, q, "reservation", r.ID)
}

// GetReservation implements sequence.LedgerStore.
func (s *Store) GetReservation(ctx context.Context, reservationID id.ID) (*sequence.Reservation, error) {
	sql, args, err := Builder().Select(reservationColumns...).From(tableReservations).
		Where(squirrel.Eq{"id": reservationID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var r sequence.Reservation
	if err := pgxscan.Get(ctx, s.txm.GetQuerier(ctx), &r, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("reservation", reservationID.String())
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &r, nil
}

var openBlockStatuses = []string{string(sequence.BlockReserved), string(sequence.BlockActive)}

func blocksDue(now time.Time) squirrel.And {
	return squirrel.And{
		squirrel.Eq{"status": openBlockStatuses},
		squirrel.LtOrEq{"expires_at": now},
	}
}

func reservationsDue(now time.Time) squirrel.And {
	return squirrel.And{
		squirrel.Eq{"status": string(sequence.ReservationPending)},
		squirrel.LtOrEq{"expires_at": now},
	}
}

func listExpirableQuery(now time.Time) (string, []any, error) {
	// Halves keep "?" placeholders; the outer builder numbers them all.
	blocks, blockArgs, err := squirrel.Select("sequence_id").From(tableBlocks).Where(blocksDue(now)).ToSql()
	if err != nil {
		return "", nil, err
	}
	reservations := squirrel.Select("sequence_id").From(tableReservations).Where(reservationsDue(now))

	return Builder().Select("sequence_id").
		FromSelect(reservations.Prefix(blocks+" UNION", blockArgs...), "due").
		OrderBy("sequence_id").
		ToSql()
}

// ListExpirable implements sequence.LedgerStore.
func (s *Store) ListExpirable(ctx context.Context, now time.Time) ([]id.ID, error) {
	sql, args, err := listExpirableQuery(now)
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var ids []id.ID
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &ids, sql, args...); err != nil {
		return nil, fmt.Errorf("list expirable: %w", err)
	}
	return ids, nil
}

// ExpirableFor implements sequence.LedgerStore.
func (s *Store) ExpirableFor(ctx context.Context, sequenceID id.ID, now time.Time) ([]*sequence.BlockReservation, []*sequence.Reservation, error) {
	blocks, err := s.selectBlocks(ctx, Builder().Select(blockColumns...).From(tableBlocks).
		Where(squirrel.Eq{"sequence_id": sequenceID}).
		Where(blocksDue(now)).
		OrderBy("start_value"))
	if err != nil {
		return nil, nil, err
	}

	sql, args, err := Builder().Select(reservationColumns...).From(tableReservations).
		Where(squirrel.Eq{"sequence_id": sequenceID}).
		Where(reservationsDue(now)).
		OrderBy("value").
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("build query: %w", err)
	}
	var reservations []*sequence.Reservation
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &reservations, sql, args...); err != nil {
		return nil, nil, fmt.Errorf("list expirable reservations: %w", err)
	}
	return blocks, reservations, nil
}

func (s *Store) exec(ctx context.Context, q squirrel.Sqlizer) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build statement: %w", err)
	}
	if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// execOne runs q and reports NotFound when it touched no row.
func (s *Store) execOne(ctx context.Context, q squirrel.Sqlizer, entity string, ref id.ID) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build statement: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound(entity, ref.String())
	}
	return nil
}
