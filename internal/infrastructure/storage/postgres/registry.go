package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
)

type assignmentRow struct {
	SequenceID   id.ID     `db:"sequence_id"`
	EntityType   string    `db:"entity_type"`
	EntityID     string    `db:"entity_id"`
	PermReserve  bool      `db:"perm_reserve"`
	PermUse      bool      `db:"perm_use"`
	PermAdmin    bool      `db:"perm_admin"`
	DailyLimit   int64     `db:"daily_limit"`
	MonthlyLimit int64     `db:"monthly_limit"`
	AssignedAt   time.Time `db:"assigned_at"`
}

var assignmentColumns = ExtractDBColumns[assignmentRow]()

func toAssignmentRow(a sequence.Assignment) assignmentRow {
	return assignmentRow{
		SequenceID:   a.SequenceID,
		EntityType:   a.EntityType,
		EntityID:     a.EntityID,
		PermReserve:  a.Permissions.Reserve,
		PermUse:      a.Permissions.Use,
		PermAdmin:    a.Permissions.Admin,
		DailyLimit:   a.Limits.Daily,
		MonthlyLimit: a.Limits.Monthly,
		AssignedAt:   a.AssignedAt,
	}
}

func (r assignmentRow) assignment() sequence.Assignment {
	return sequence.Assignment{
		SequenceID: r.SequenceID,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Permissions: sequence.Permissions{
			Reserve: r.PermReserve,
			Use:     r.PermUse,
			Admin:   r.PermAdmin,
		},
		Limits: sequence.Limits{
			Daily:   r.DailyLimit,
			Monthly: r.MonthlyLimit,
		},
		AssignedAt: r.AssignedAt,
	}
}

func upsertAssignmentQuery(a sequence.Assignment) squirrel.InsertBuilder {
	return Builder().Insert(tableAssignments).
		SetMap(StructToMap(toAssignmentRow(a))).
		Suffix(`ON CONFLICT (sequence_id, entity_type, entity_id) DO UPDATE SET
			perm_reserve = EXCLUDED.perm_reserve,
			perm_use = EXCLUDED.perm_use,
			perm_admin = EXCLUDED.perm_admin,
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			assigned_at = EXCLUDED.assigned_at`)
}

// UpsertAssignment implements sequence.AssignmentStore.
func (s *Store) UpsertAssignment(ctx context.Context, holder string, a sequence.Assignment) error {
	if err := s.fence(ctx, a.SequenceID, holder); err != nil {
		return err
	}
	return s.exec(ctx, upsertAssignmentQuery(a))
}

// DeleteAssignment implements sequence.AssignmentStore.
func (s *Store) DeleteAssignment(ctx context.Context, holder string, sequenceID id.ID, entityType, entityID string) (bool, error) {
	if err := s.fence(ctx, sequenceID, holder); err != nil {
		return false, err
	}

	sql, args, err := Builder().Delete(tableAssignments).
		Where(squirrel.Eq{"sequence_id": sequenceID, "entity_type": entityType, "entity_id": entityID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAssignments implements sequence.AssignmentStore.
func (s *Store) ListAssignments(ctx context.Context, entityType, entityID string) ([]sequence.Assignment, error) {
	return s.loadAssignments(ctx, squirrel.Eq{"entity_type": entityType, "entity_id": entityID})
}

func (s *Store) loadAssignments(ctx context.Context, where squirrel.Sqlizer) ([]sequence.Assignment, error) {
	sql, args, err := Builder().Select(assignmentColumns...).From(tableAssignments).
		Where(where).
		OrderBy("assigned_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []assignmentRow
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	out := make([]sequence.Assignment, len(rows))
	for i, r := range rows {
		out[i] = r.assignment()
	}
	return out, nil
}

// Usage implements sequence.UsageStore.
func (s *Store) Usage(ctx context.Context, sequenceID id.ID, entityID, period string) (int64, error) {
	sql, args, err := Builder().Select("COALESCE(SUM(used), 0)").From(tableUsage).
		Where(squirrel.Eq{"sequence_id": sequenceID, "entity_id": entityID, "period": period}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var used int64
	if err := s.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&used); err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return used, nil
}

func addUsageQueries(sequenceID id.ID, entityID string, periods []string, n int64) []squirrel.Sqlizer {
	out := make([]squirrel.Sqlizer, 0, len(periods))
	for _, period := range periods {
		out = append(out, Builder().Insert(tableUsage).
			Columns("sequence_id", "entity_id", "period", "used").
			Values(sequenceID, entityID, period, n).
			Suffix("ON CONFLICT (sequence_id, entity_id, period) DO UPDATE SET used = seq_usage.used + EXCLUDED.used"))
	}
	return out
}

// AddUsage implements sequence.UsageStore. Periods are upserted in one batch.
func (s *Store) AddUsage(ctx context.Context, holder string, sequenceID id.ID, entityID string, periods []string, n int64) error {
	if len(periods) == 0 {
		return nil
	}
	if err := s.fence(ctx, sequenceID, holder); err != nil {
		return err
	}
	return s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.batch.ExecuteBatch(ctx, addUsageQueries(sequenceID, entityID, periods, n))
	})
}
