package sequence

import (
	"context"
	"math"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
)

const (
	// MaxQuantity bounds a single allocation or block.
	MaxQuantity = 100_000

	// MaxFormattedValues bounds how many values an allocation renders.
	MaxFormattedValues = 1_000
)

// AllocateOptions are the optional arguments of an allocation.
type AllocateOptions struct {
	SegmentKey string
	// EntityID is the entity the request is made for. Defaults to the actor.
	EntityID string
}

// Allocate advances the counter by quantity steps and returns the claimed range. The
// range is never reissued, even if the caller never uses it.
func (s *Service) Allocate(ctx context.Context, sequenceID id.ID, quantity int64, opts AllocateOptions, actor Actor) (Range, error) {
	ctx, span := startSpan(ctx, "allocate", sequenceID)
	defer span.End()

	if err := checkQuantity(quantity); err != nil {
		return Range{}, err
	}

	var (
		result    Range
		exhausted error
	)
	err := s.withLease(ctx, sequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		r, err := s.advance(ctx, fence, def, quantity, opts, actor)
		if apperror.IsSequenceExhausted(err) {
			exhausted = err
			return s.auditExhausted(ctx, def, quantity, opts.SegmentKey, actor)
		}
		if err != nil {
			return err
		}

		if err := s.appendAudit(ctx, &AuditEntry{
			SequenceID: sequenceID,
			Action:     AuditIncrement,
			Value:      int64Ptr(r.Start),
			EndValue:   int64Ptr(r.End),
			SegmentKey: r.SegmentKey,
			Actor:      actor,
			Metadata:   entityMetadata(opts.EntityID, quantity),
		}); err != nil {
			return err
		}

		if r.Count() <= MaxFormattedValues {
			now := s.now()
			values := r.Values()
			r.Formatted = make([]string, len(values))
			for i, v := range values {
				r.Formatted[i] = Format(def, v, r.SegmentKey, now)
			}
		}
		result = r
		return nil
	})
	if err == nil {
		err = exhausted
	}
	if err != nil {
		if apperror.IsSequenceExhausted(err) {
			s.observer.Exhausted(sequenceID.String())
			s.log(ctx).Warnw("sequence exhausted", "sequence_id", sequenceID, "segment", opts.SegmentKey, "quantity", quantity)
		}
		return Range{}, err
	}

	s.observer.Allocated(sequenceID.String(), quantity, "range")
	s.log(ctx).Debugw("range allocated", "sequence_id", sequenceID, "segment", result.SegmentKey, "start", result.Start, "end", result.End)
	return result, nil
}

// advance is the allocation step shared by every operation that claims values. It
// must run inside withLease. Nothing is persisted when it returns an error.
func (s *Service) advance(ctx context.Context, fence string, def *Definition, quantity int64, opts AllocateOptions, actor Actor) (Range, error) {
	if !def.Active {
		return Range{}, apperror.NewSequenceInactive(def.ID.String())
	}
	if err := checkSegmentKey(def, opts.SegmentKey); err != nil {
		return Range{}, err
	}
	assignment, err := authorize(def, actor, opts.EntityID, ActionReserve)
	if err != nil {
		return Range{}, err
	}

	current := def.Counter(opts.SegmentKey)
	start, end, ok := nextRange(current, def.IncrementBy, quantity)
	if !ok || end > def.MaxValue {
		requested := end
		if !ok {
			requested = math.MaxInt64
		}
		return Range{}, apperror.NewSequenceExhausted(def.ID.String(), requested, def.MaxValue).
			WithDetail("current", current).
			WithDetail("quantity", quantity)
	}

	now := s.now()
	if err := s.checkQuota(ctx, def, assignment, quantity, now); err != nil {
		return Range{}, err
	}

	if err := s.store.SetCounter(ctx, fence, def.ID, opts.SegmentKey, end, now); err != nil {
		return Range{}, err
	}
	setCounter(def, opts.SegmentKey, end, now)

	if err := s.recordUsage(ctx, fence, def, assignment, quantity, now); err != nil {
		return Range{}, err
	}

	return Range{
		SequenceID: def.ID,
		SegmentKey: opts.SegmentKey,
		Start:      start,
		End:        end,
		Step:       def.IncrementBy,
	}, nil
}

// nextRange computes [current+inc, current+quantity*inc]. ok is false on int64 overflow.
func nextRange(current, inc, quantity int64) (start, end int64, ok bool) {
	if current > math.MaxInt64-inc {
		return 0, 0, false
	}
	start = current + inc
	steps := quantity - 1
	if steps > 0 && inc > (math.MaxInt64-start)/steps {
		return start, 0, false
	}
	return start, start + steps*inc, true
}

// auditExhausted records a refused allocation. The counter is left untouched.
func (s *Service) auditExhausted(ctx context.Context, def *Definition, quantity int64, segmentKey string, actor Actor) error {
	return s.appendAudit(ctx, &AuditEntry{
		SequenceID: def.ID,
		Action:     AuditExhaust,
		Value:      int64Ptr(def.Counter(segmentKey)),
		SegmentKey: segmentKey,
		Actor:      actor,
		Metadata: map[string]any{
			"quantity": quantity,
			"maxValue": def.MaxValue,
		},
	})
}

func checkQuantity(quantity int64) error {
	if quantity < 1 {
		return apperror.NewInvalidArgument("quantity must be at least 1").WithDetail("quantity", quantity)
	}
	if quantity > MaxQuantity {
		return apperror.NewInvalidArgument("quantity too large").
			WithDetail("quantity", quantity).
			WithDetail("max", MaxQuantity)
	}
	return nil
}

func entityMetadata(entityID string, quantity int64) map[string]any {
	m := map[string]any{"quantity": quantity}
	if entityID != "" {
		m["entityId"] = entityID
	}
	return m
}
