package sequence

import (
	"context"
	"time"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
)

// Quota period layouts. Usage is bucketed per UTC day and month.
const (
	dailyPeriodLayout   = "2006-01-02"
	monthlyPeriodLayout = "2006-01"
)

// AssignToEntity binds a sequence to an entity, replacing an existing binding of the
// same entity.
func (s *Service) AssignToEntity(ctx context.Context, sequenceID id.ID, entityType, entityID string, perms Permissions, limits Limits, actor Actor) (*Assignment, error) {
	ctx, span := startSpan(ctx, "assign", sequenceID)
	defer span.End()

	a := Assignment{
		SequenceID:  sequenceID,
		EntityType:  entityType,
		EntityID:    entityID,
		Permissions: perms,
		Limits:      limits,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	err := s.withLease(ctx, sequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		if err := s.checkPermission(def, actor, "", ActionAdmin); err != nil {
			return err
		}
		a.AssignedAt = s.now()
		if err := s.store.UpsertAssignment(ctx, fence, a); err != nil {
			return err
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: sequenceID,
			Action:     AuditUpdate,
			Actor:      actor,
			Metadata: map[string]any{
				"assign":      entityType + ":" + entityID,
				"permissions": perms,
				"limits":      limits,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Infow("sequence assigned", "sequence_id", sequenceID, "entity_type", entityType, "entity_id", entityID)
	return &a, nil
}

// RevokeAssignment removes the binding between a sequence and an entity.
func (s *Service) RevokeAssignment(ctx context.Context, sequenceID id.ID, entityType, entityID string, actor Actor) error {
	ctx, span := startSpan(ctx, "revoke", sequenceID)
	defer span.End()

	err := s.withLease(ctx, sequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		if err := s.checkPermission(def, actor, "", ActionAdmin); err != nil {
			return err
		}
		removed, err := s.store.DeleteAssignment(ctx, fence, sequenceID, entityType, entityID)
		if err != nil {
			return err
		}
		if !removed {
			return apperror.NewNotFound("assignment", entityType+":"+entityID)
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: sequenceID,
			Action:     AuditUpdate,
			Actor:      actor,
			Metadata:   map[string]any{"revoke": entityType + ":" + entityID},
		})
	})
	if err != nil {
		return err
	}

	s.log(ctx).Infow("assignment revoked", "sequence_id", sequenceID, "entity_type", entityType, "entity_id", entityID)
	return nil
}

// ListAssignments returns every binding of an entity across sequences.
func (s *Service) ListAssignments(ctx context.Context, entityType, entityID string) ([]Assignment, error) {
	if entityType == "" || entityID == "" {
		return nil, apperror.NewInvalidArgument("entity type and id are required")
	}
	return s.store.ListAssignments(ctx, entityType, entityID)
}

// CheckPermission reports whether actor, acting for entityID (or its own entity when
// empty), may perform action on the sequence.
func (s *Service) CheckPermission(ctx context.Context, sequenceID id.ID, actor Actor, entityID string, action Action) error {
	def, err := s.store.GetDefinition(ctx, sequenceID)
	if err != nil {
		return err
	}
	return s.checkPermission(def, actor, entityID, action)
}

func (s *Service) checkPermission(def *Definition, actor Actor, entityID string, action Action) error {
	_, err := authorize(def, actor, entityID, action)
	return err
}

// authorize applies the permission policy and returns the assignment that governs the
// request, if any. Non-admins may only act for their own entity. System admins bypass
// the check and sequences without assignments are open to everyone.
func authorize(def *Definition, actor Actor, entityID string, action Action) (*Assignment, error) {
	entity := entityID
	if entity == "" {
		entity = actor.Entity()
	}
	if !actor.ActsFor(entity) {
		return nil, apperror.NewForbidden("actor may not act for entity").
			WithDetail("sequence_id", def.ID.String()).
			WithDetail("actor_id", actor.ID).
			WithDetail("entity_id", entity)
	}

	var match *Assignment
	for i := range def.Assignments {
		a := &def.Assignments[i]
		if a.EntityID != entity {
			continue
		}
		if match == nil || (!match.Permissions.Allows(action) && a.Permissions.Allows(action)) {
			match = a
		}
	}

	switch {
	case actor.Admin, len(def.Assignments) == 0:
		return match, nil
	case match != nil && match.Permissions.Allows(action):
		return match, nil
	default:
		return nil, apperror.NewForbidden("entity lacks "+string(action)+" permission on sequence").
			WithDetail("sequence_id", def.ID.String()).
			WithDetail("entity_id", entity).
			WithDetail("action", string(action))
	}
}

// quotaPeriods returns the usage buckets of at.
func quotaPeriods(at time.Time) (daily, monthly string) {
	at = at.UTC()
	return at.Format(dailyPeriodLayout), at.Format(monthlyPeriodLayout)
}

// checkQuota rejects a request that would push the entity past its daily or monthly
// limit. It must run inside the critical section.
func (s *Service) checkQuota(ctx context.Context, def *Definition, a *Assignment, quantity int64, at time.Time) error {
	if a == nil {
		return nil
	}
	daily, monthly := quotaPeriods(at)

	check := func(limit int64, period, name string) error {
		if limit <= 0 {
			return nil
		}
		used, err := s.store.Usage(ctx, def.ID, a.EntityID, period)
		if err != nil {
			return err
		}
		if used+quantity > limit {
			return apperror.NewQuotaExceeded(a.EntityID, name, limit, used).
				WithDetail("requested", quantity)
		}
		return nil
	}

	if err := check(a.Limits.Daily, daily, "daily"); err != nil {
		return err
	}
	return check(a.Limits.Monthly, monthly, "monthly")
}

// recordUsage adds quantity to the entity's usage buckets.
func (s *Service) recordUsage(ctx context.Context, fence string, def *Definition, a *Assignment, quantity int64, at time.Time) error {
	if a == nil {
		return nil
	}
	daily, monthly := quotaPeriods(at)
	return s.store.AddUsage(ctx, fence, def.ID, a.EntityID, []string{daily, monthly}, quantity)
}
