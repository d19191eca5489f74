package sequence

import (
	"context"
	"errors"
	"time"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
)

// BlockOptions are the optional arguments of ReserveBlock.
type BlockOptions struct {
	SegmentKey string
	EntityID   string
	// TTL, when positive, lets the sweeper expire the block if it is still open.
	TTL time.Duration
}

// SingleOptions are the optional arguments of ReserveSingle.
type SingleOptions struct {
	SegmentKey string
	EntityID   string
	// TTL defaults to the service reservation TTL.
	TTL time.Duration
}

// UseResult is the value handed out by UseFromBlock.
type UseResult struct {
	Value     int64             `json:"value"`
	Formatted string            `json:"formatted"`
	Block     *BlockReservation `json:"block"`
}

// CleanupResult reports a sweep.
type CleanupResult struct {
	ExpiredCount int `json:"expiredCount"`
	Blocks       int `json:"blocks"`
	Reservations int `json:"reservations"`
	// Skipped counts sequences left for the next sweep because they were busy.
	Skipped int `json:"skipped"`
}

// ReserveBlock claims a contiguous range and tracks it in the ledger for staged use.
func (s *Service) ReserveBlock(ctx context.Context, sequenceID id.ID, quantity int64, opts BlockOptions, actor Actor) (*BlockReservation, error) {
	ctx, span := startSpan(ctx, "reserve_block", sequenceID)
	defer span.End()

	if err := checkQuantity(quantity); err != nil {
		return nil, err
	}
	if opts.TTL < 0 {
		return nil, apperror.NewInvalidArgument("ttl must not be negative")
	}

	var (
		block     *BlockReservation
		exhausted error
	)
	err := s.withLease(ctx, sequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		r, err := s.advance(ctx, fence, def, quantity, AllocateOptions{SegmentKey: opts.SegmentKey, EntityID: opts.EntityID}, actor)
		if apperror.IsSequenceExhausted(err) {
			exhausted = err
			return s.auditExhausted(ctx, def, quantity, opts.SegmentKey, actor)
		}
		if err != nil {
			return err
		}

		now := s.now()
		b := &BlockReservation{
			ID:         id.New(),
			SequenceID: sequenceID,
			SegmentKey: opts.SegmentKey,
			EntityID:   owner(opts.EntityID, actor),
			StartValue: r.Start,
			EndValue:   r.End,
			Step:       r.Step,
			UsedValues: []int64{},
			Status:     BlockReserved,
			ReservedAt: now,
		}
		if opts.TTL > 0 {
			expires := now.Add(opts.TTL)
			b.ExpiresAt = &expires
		}
		if err := s.store.InsertBlock(ctx, fence, b); err != nil {
			return err
		}
		block = b

		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: sequenceID,
			Action:     AuditReserve,
			Value:      int64Ptr(b.StartValue),
			EndValue:   int64Ptr(b.EndValue),
			SegmentKey: b.SegmentKey,
			BlockID:    idPtr(b.ID),
			Actor:      actor,
			Metadata:   entityMetadata(opts.EntityID, quantity),
		})
	})
	if err == nil {
		err = exhausted
	}
	if err != nil {
		if apperror.IsSequenceExhausted(err) {
			s.observer.Exhausted(sequenceID.String())
			s.log(ctx).Warnw("sequence exhausted", "sequence_id", sequenceID, "segment", opts.SegmentKey, "quantity", quantity)
		}
		return nil, err
	}

	s.observer.Allocated(sequenceID.String(), quantity, "block")
	s.log(ctx).Debugw("block reserved", "sequence_id", sequenceID, "block_id", block.ID, "start", block.StartValue, "end", block.EndValue)
	return block, nil
}

// owner is the entity a block or reservation is held for. Only that entity, or a
// system admin, may use or close it.
func owner(entityID string, actor Actor) string {
	if entityID != "" {
		return entityID
	}
	return actor.Entity()
}

// UseFromBlock consumes the next unused value of a block and returns it formatted.
func (s *Service) UseFromBlock(ctx context.Context, blockID id.ID, actor Actor) (*UseResult, error) {
	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "use_block", block.SequenceID)
	defer span.End()

	var (
		result  *UseResult
		invalid error
	)
	err = s.withLease(ctx, block.SequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		b, err := s.store.GetBlock(ctx, blockID)
		if err != nil {
			return err
		}
		if err := s.checkPermission(def, actor, b.EntityID, ActionUse); err != nil {
			return err
		}

		now := s.now()
		if expired, err := s.expireBlockIfDue(ctx, fence, b, now); err != nil {
			return err
		} else if expired {
			invalid = apperror.NewReservationInvalid(b.ID.String(), string(b.Status))
			return nil
		}

		switch b.Status {
		case BlockCompleted:
			return apperror.NewBlockExhausted(b.ID.String())
		case BlockCancelled, BlockExpired:
			return apperror.NewReservationInvalid(b.ID.String(), string(b.Status))
		}

		value, ok := b.next()
		if !ok {
			return apperror.NewBlockExhausted(b.ID.String())
		}
		b.UsedValues = append(b.UsedValues, value)
		if b.Status == BlockReserved {
			b.Status = BlockActive
			b.ActivatedAt = &now
		}
		if b.Remaining() == 0 {
			b.Status = BlockCompleted
			b.CompletedAt = &now
		}
		if err := s.store.SaveBlock(ctx, fence, b); err != nil {
			return err
		}

		result = &UseResult{
			Value:     value,
			Formatted: Format(def, value, b.SegmentKey, now),
			Block:     b,
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: b.SequenceID,
			Action:     AuditUse,
			Value:      int64Ptr(value),
			SegmentKey: b.SegmentKey,
			BlockID:    idPtr(b.ID),
			Actor:      actor,
			Metadata:   map[string]any{"formatted": result.Formatted},
		})
	})
	if err == nil {
		err = invalid
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CommitReservation marks ref as durably consumed. ref is either a pending single-value
// reservation or a block; committing a block closes it and leaves its unused values as
// a gap. Committing an already committed reservation is a no-op.
func (s *Service) CommitReservation(ctx context.Context, ref id.ID, actor Actor) error {
	r, err := s.store.GetReservation(ctx, ref)
	switch {
	case err == nil:
		return s.commitSingle(ctx, r, actor)
	case !apperror.IsNotFound(err):
		return err
	}

	b, err := s.store.GetBlock(ctx, ref)
	if err != nil {
		if apperror.IsNotFound(err) {
			return apperror.NewNotFound("reservation", ref.String())
		}
		return err
	}
	return s.commitBlock(ctx, b, actor)
}

func (s *Service) commitSingle(ctx context.Context, r *Reservation, actor Actor) error {
	ctx, span := startSpan(ctx, "commit", r.SequenceID)
	defer span.End()

	var invalid error
	err := s.withLease(ctx, r.SequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		res, err := s.store.GetReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		if err := s.checkPermission(def, actor, res.EntityID, ActionUse); err != nil {
			return err
		}

		now := s.now()
		if expired, err := s.expireReservationIfDue(ctx, fence, res, now); err != nil {
			return err
		} else if expired {
			invalid = apperror.NewReservationInvalid(res.ID.String(), string(res.Status))
			return nil
		}

		switch res.Status {
		case ReservationCommitted:
			return nil
		case ReservationReleased, ReservationExpired:
			return apperror.NewReservationInvalid(res.ID.String(), string(res.Status))
		}

		res.Status = ReservationCommitted
		res.CommittedAt = &now
		if err := s.store.SaveReservation(ctx, fence, res); err != nil {
			return err
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID:    res.SequenceID,
			Action:        AuditCommit,
			Value:         int64Ptr(res.Value),
			SegmentKey:    res.SegmentKey,
			ReservationID: idPtr(res.ID),
			Actor:         actor,
		})
	})
	if err == nil {
		err = invalid
	}
	return err
}

func (s *Service) commitBlock(ctx context.Context, block *BlockReservation, actor Actor) error {
	ctx, span := startSpan(ctx, "commit", block.SequenceID)
	defer span.End()

	var invalid error
	err := s.withLease(ctx, block.SequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		b, err := s.store.GetBlock(ctx, block.ID)
		if err != nil {
			return err
		}
		if err := s.checkPermission(def, actor, b.EntityID, ActionUse); err != nil {
			return err
		}

		now := s.now()
		if expired, err := s.expireBlockIfDue(ctx, fence, b, now); err != nil {
			return err
		} else if expired {
			invalid = apperror.NewReservationInvalid(b.ID.String(), string(b.Status))
			return nil
		}

		switch b.Status {
		case BlockCompleted:
			return nil
		case BlockCancelled, BlockExpired:
			return apperror.NewReservationInvalid(b.ID.String(), string(b.Status))
		}

		unused := b.Remaining()
		b.Status = BlockCompleted
		b.CompletedAt = &now
		if err := s.store.SaveBlock(ctx, fence, b); err != nil {
			return err
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: b.SequenceID,
			Action:     AuditCommit,
			Value:      int64Ptr(b.StartValue),
			EndValue:   int64Ptr(b.EndValue),
			SegmentKey: b.SegmentKey,
			BlockID:    idPtr(b.ID),
			Actor:      actor,
			Metadata:   map[string]any{"used": len(b.UsedValues), "gap": unused},
		})
	})
	if err == nil {
		err = invalid
	}
	return err
}

// CancelReservation abandons an open block. The counter is not rolled back; the unused
// values become a permanent gap.
func (s *Service) CancelReservation(ctx context.Context, blockID id.ID, actor Actor) error {
	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "cancel_block", block.SequenceID)
	defer span.End()

	err = s.withLease(ctx, block.SequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		b, err := s.store.GetBlock(ctx, blockID)
		if err != nil {
			return err
		}
		if err := s.checkPermission(def, actor, b.EntityID, ActionUse); err != nil {
			return err
		}
		if b.Status.Terminal() {
			return apperror.NewReservationInvalid(b.ID.String(), string(b.Status))
		}

		gapStart, _ := b.next()
		now := s.now()
		b.Status = BlockCancelled
		b.ClosedAt = &now
		if err := s.store.SaveBlock(ctx, fence, b); err != nil {
			return err
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: b.SequenceID,
			Action:     AuditRelease,
			Value:      int64Ptr(gapStart),
			EndValue:   int64Ptr(b.EndValue),
			SegmentKey: b.SegmentKey,
			BlockID:    idPtr(b.ID),
			Actor:      actor,
			Metadata:   map[string]any{"gap": b.Remaining()},
		})
	})
	if err != nil {
		return err
	}

	s.log(ctx).Infow("block cancelled", "sequence_id", block.SequenceID, "block_id", blockID)
	return nil
}

// ReserveSingle puts one value on hold until it is committed, released or expired.
func (s *Service) ReserveSingle(ctx context.Context, sequenceID id.ID, opts SingleOptions, actor Actor) (*Reservation, error) {
	ctx, span := startSpan(ctx, "reserve_single", sequenceID)
	defer span.End()

	ttl := opts.TTL
	if ttl < 0 {
		return nil, apperror.NewInvalidArgument("ttl must not be negative")
	}
	if ttl == 0 {
		ttl = s.reservationTTL
	}

	var (
		reservation *Reservation
		exhausted   error
	)
	err := s.withLease(ctx, sequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		r, err := s.advance(ctx, fence, def, 1, AllocateOptions{SegmentKey: opts.SegmentKey, EntityID: opts.EntityID}, actor)
		if apperror.IsSequenceExhausted(err) {
			exhausted = err
			return s.auditExhausted(ctx, def, 1, opts.SegmentKey, actor)
		}
		if err != nil {
			return err
		}

		now := s.now()
		res := &Reservation{
			ID:         id.New(),
			SequenceID: sequenceID,
			SegmentKey: opts.SegmentKey,
			EntityID:   owner(opts.EntityID, actor),
			Value:      r.Start,
			Formatted:  Format(def, r.Start, opts.SegmentKey, now),
			Status:     ReservationPending,
			ReservedAt: now,
			ExpiresAt:  now.Add(ttl),
			ActorID:    actor.ID,
		}
		if err := s.store.InsertReservation(ctx, fence, res); err != nil {
			return err
		}
		reservation = res

		return s.appendAudit(ctx, &AuditEntry{
			SequenceID:    sequenceID,
			Action:        AuditReserve,
			Value:         int64Ptr(res.Value),
			SegmentKey:    res.SegmentKey,
			ReservationID: idPtr(res.ID),
			Actor:         actor,
			Metadata:      map[string]any{"expiresAt": res.ExpiresAt},
		})
	})
	if err == nil {
		err = exhausted
	}
	if err != nil {
		if apperror.IsSequenceExhausted(err) {
			s.observer.Exhausted(sequenceID.String())
			s.log(ctx).Warnw("sequence exhausted", "sequence_id", sequenceID, "segment", opts.SegmentKey)
		}
		return nil, err
	}

	s.observer.Allocated(sequenceID.String(), 1, "single")
	return reservation, nil
}

// ReleaseReservation abandons a pending single-value reservation. The value is never
// reissued.
func (s *Service) ReleaseReservation(ctx context.Context, reservationID id.ID, actor Actor) error {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "release", r.SequenceID)
	defer span.End()

	return s.withLease(ctx, r.SequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		res, err := s.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if err := s.checkPermission(def, actor, res.EntityID, ActionUse); err != nil {
			return err
		}
		if res.Status != ReservationPending {
			return apperror.NewReservationInvalid(res.ID.String(), string(res.Status))
		}

		res.Status = ReservationReleased
		if err := s.store.SaveReservation(ctx, fence, res); err != nil {
			return err
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID:    res.SequenceID,
			Action:        AuditRelease,
			Value:         int64Ptr(res.Value),
			SegmentKey:    res.SegmentKey,
			ReservationID: idPtr(res.ID),
			Actor:         actor,
		})
	})
}

// GetBlock returns a block reservation.
func (s *Service) GetBlock(ctx context.Context, blockID id.ID) (*BlockReservation, error) {
	return s.store.GetBlock(ctx, blockID)
}

// ListBlocks returns the blocks of a sequence, oldest first.
func (s *Service) ListBlocks(ctx context.Context, sequenceID id.ID) ([]*BlockReservation, error) {
	if _, err := s.store.GetDefinition(ctx, sequenceID); err != nil {
		return nil, err
	}
	return s.store.ListBlocks(ctx, sequenceID)
}

// GetReservation returns a single-value reservation.
func (s *Service) GetReservation(ctx context.Context, reservationID id.ID) (*Reservation, error) {
	return s.store.GetReservation(ctx, reservationID)
}

// CleanupExpiredReservations expires every pending reservation and open block whose
// TTL has passed. Each sequence is swept under its own lease; busy sequences are left
// for the next run.
func (s *Service) CleanupExpiredReservations(ctx context.Context) (CleanupResult, error) {
	ctx, span := tracer.Start(ctx, "sequence.cleanup")
	defer span.End()

	var result CleanupResult
	sequences, err := s.store.ListExpirable(ctx, s.now())
	if err != nil {
		return result, err
	}

	var errs []error
	for _, sequenceID := range sequences {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		blocks, singles, err := s.sweepSequence(ctx, sequenceID)
		switch {
		case apperror.IsBusy(err):
			result.Skipped++
			s.log(ctx).Debugw("sweep skipped busy sequence", "sequence_id", sequenceID)
			continue
		case err != nil:
			errs = append(errs, err)
			s.log(ctx).Errorw("sweep failed", "sequence_id", sequenceID, "error", err)
			continue
		}
		result.Blocks += blocks
		result.Reservations += singles
	}
	result.ExpiredCount = result.Blocks + result.Reservations

	if result.Blocks > 0 {
		s.observer.Expired("block", result.Blocks)
	}
	if result.Reservations > 0 {
		s.observer.Expired("single", result.Reservations)
	}
	if result.ExpiredCount > 0 {
		s.log(ctx).Infow("expired reservations", "blocks", result.Blocks, "reservations", result.Reservations)
	}
	return result, errors.Join(errs...)
}

func (s *Service) sweepSequence(ctx context.Context, sequenceID id.ID) (blocks, singles int, err error) {
	err = s.withLease(ctx, sequenceID, SystemActor, func(ctx context.Context, fence string, _ *Definition) error {
		blocks, singles = 0, 0
		now := s.now()
		openBlocks, pending, err := s.store.ExpirableFor(ctx, sequenceID, now)
		if err != nil {
			return err
		}
		for _, b := range openBlocks {
			expired, err := s.expireBlockIfDue(ctx, fence, b, now)
			if err != nil {
				return err
			}
			if expired {
				blocks++
			}
		}
		for _, r := range pending {
			expired, err := s.expireReservationIfDue(ctx, fence, r, now)
			if err != nil {
				return err
			}
			if expired {
				singles++
			}
		}
		return nil
	})
	return blocks, singles, err
}

// expireBlockIfDue closes an open block whose TTL has passed and audits the gap.
func (s *Service) expireBlockIfDue(ctx context.Context, fence string, b *BlockReservation, now time.Time) (bool, error) {
	if b.Status.Terminal() || b.ExpiresAt == nil || now.Before(*b.ExpiresAt) {
		return false, nil
	}
	gapStart, _ := b.next()
	b.Status = BlockExpired
	b.ClosedAt = &now
	if err := s.store.SaveBlock(ctx, fence, b); err != nil {
		return false, err
	}
	return true, s.appendAudit(ctx, &AuditEntry{
		SequenceID: b.SequenceID,
		Action:     AuditExpire,
		Value:      int64Ptr(gapStart),
		EndValue:   int64Ptr(b.EndValue),
		SegmentKey: b.SegmentKey,
		BlockID:    idPtr(b.ID),
		Actor:      SystemActor,
		Metadata:   map[string]any{"gap": b.Remaining()},
	})
}

// expireReservationIfDue expires a pending reservation whose TTL has passed.
func (s *Service) expireReservationIfDue(ctx context.Context, fence string, r *Reservation, now time.Time) (bool, error) {
	if r.Status != ReservationPending || now.Before(r.ExpiresAt) {
		return false, nil
	}
	r.Status = ReservationExpired
	if err := s.store.SaveReservation(ctx, fence, r); err != nil {
		return false, err
	}
	return true, s.appendAudit(ctx, &AuditEntry{
		SequenceID:    r.SequenceID,
		Action:        AuditExpire,
		Value:         int64Ptr(r.Value),
		SegmentKey:    r.SegmentKey,
		ReservationID: idPtr(r.ID),
		Actor:         SystemActor,
	})
}
