package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgconn"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
)

const (
	tableSequences    = "seq_sequences"
	tableCounters     = "seq_segment_counters"
	tableAssignments  = "seq_assignments"
	tableUsage        = "seq_usage"
	tableBlocks       = "seq_blocks"
	tableReservations = "seq_reservations"
	tableAudit        = "seq_audit"

	pgUniqueViolation = "23505"
)

// Store implements sequence.Store on PostgreSQL.
//
// Fenced writes verify inside the current transaction that the caller still holds the
// sequence lease. The check locks the sequence row, so a competing reclaim waits for
// the transaction to finish.
type Store struct {
	txm   *TxManager
	batch *BatchExecutor
	audit *auditCodec
}

// NewStore creates a store on top of txm.
func NewStore(txm *TxManager) (*Store, error) {
	codec, err := newAuditCodec(defaultCompressThreshold)
	if err != nil {
		return nil, err
	}
	return &Store{
		txm:   txm,
		batch: NewBatchExecutor(txm),
		audit: codec,
	}, nil
}

var _ sequence.Store = (*Store)(nil)

// Builder returns a new squirrel builder with PostgreSQL placeholder format.
func Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// RunInTransaction implements tx.Manager.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.txm.RunInTransaction(ctx, fn)
}

// sequenceRow is the seq_sequences row.
type sequenceRow struct {
	ID              id.ID      `db:"id"`
	Name            string     `db:"name"`
	Description     string     `db:"description"`
	CurrentValue    int64      `db:"current_value"`
	IncrementBy     int64      `db:"increment_by"`
	InitialValue    int64      `db:"initial_value"`
	MinValue        int64      `db:"min_value"`
	MaxValue        int64      `db:"max_value"`
	Prefix          string     `db:"prefix"`
	Suffix          string     `db:"suffix"`
	PadLength       int        `db:"pad_length"`
	PadChar         string     `db:"pad_char"`
	Pattern         string     `db:"pattern"`
	FormatRules     []byte     `db:"format_rules"`
	Segmented       bool       `db:"segmented"`
	KeyKind         string     `db:"key_kind"`
	KeyField        string     `db:"key_field"`
	Active          bool       `db:"active"`
	Version         int64      `db:"version"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	LeaseHeld       bool       `db:"lease_held"`
	LeaseHolder     *string    `db:"lease_holder"`
	LeaseAcquiredAt *time.Time `db:"lease_acquired_at"`
	LeaseExpiresAt  *time.Time `db:"lease_expires_at"`
}

var sequenceColumns = ExtractDBColumns[sequenceRow]()

func toSequenceRow(def *sequence.Definition) (sequenceRow, error) {
	rules := def.FormatRules
	if rules == nil {
		rules = []sequence.FormatRule{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return sequenceRow{}, fmt.Errorf("marshal format rules: %w", err)
	}
	return sequenceRow{
		ID:           def.ID,
		Name:         def.Name,
		Description:  def.Description,
		CurrentValue: def.CurrentValue,
		IncrementBy:  def.IncrementBy,
		InitialValue: def.InitialValue,
		MinValue:     def.MinValue,
		MaxValue:     def.MaxValue,
		Prefix:       def.Prefix,
		Suffix:       def.Suffix,
		PadLength:    def.PadLength,
		PadChar:      def.PadChar,
		Pattern:      def.Pattern,
		FormatRules:  rulesJSON,
		Segmented:    def.Segmentation.Enabled,
		KeyKind:      string(def.Segmentation.KeyKind),
		KeyField:     def.Segmentation.KeyField,
		Active:       def.Active,
		Version:      def.Version,
		CreatedAt:    def.CreatedAt,
		UpdatedAt:    def.UpdatedAt,
	}, nil
}

func (r *sequenceRow) toDefinition() (*sequence.Definition, error) {
	def := &sequence.Definition{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		CurrentValue: r.CurrentValue,
		IncrementBy:  r.IncrementBy,
		InitialValue: r.InitialValue,
		MinValue:     r.MinValue,
		MaxValue:     r.MaxValue,
		Prefix:       r.Prefix,
		Suffix:       r.Suffix,
		PadLength:    r.PadLength,
		PadChar:      r.PadChar,
		Pattern:      r.Pattern,
		Segmentation: sequence.Segmentation{
			Enabled:  r.Segmented,
			KeyKind:  sequence.SegmentKind(r.KeyKind),
			KeyField: r.KeyField,
			Counters: map[string]sequence.SegmentCounter{},
		},
		Active:    r.Active,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.FormatRules) > 0 {
		if err := json.Unmarshal(r.FormatRules, &def.FormatRules); err != nil {
			return nil, fmt.Errorf("unmarshal format rules of %s: %w", r.ID, err)
		}
	}
	def.Lease = leaseFromRow(r.LeaseHeld, r.LeaseHolder, r.LeaseAcquiredAt, r.LeaseExpiresAt)
	return def, nil
}

func leaseFromRow(held bool, holder *string, acquiredAt, expiresAt *time.Time) sequence.Lease {
	l := sequence.Lease{Held: held}
	if holder != nil {
		l.HolderID = *holder
	}
	if acquiredAt != nil {
		l.AcquiredAt = *acquiredAt
	}
	if expiresAt != nil {
		l.ExpiresAt = *expiresAt
	}
	return l
}

// ---- definitions ----

// CreateDefinition implements sequence.DefinitionStore.
func (s *Store) CreateDefinition(ctx context.Context, def *sequence.Definition) error {
	row, err := toSequenceRow(def)
	if err != nil {
		return err
	}

	sql, args, err := Builder().Insert(tableSequences).SetMap(StructToMap(row)).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperror.NewDuplicate("sequence", "name", def.Name).WithCause(err)
		}
		return fmt.Errorf("insert %s: %w", tableSequences, err)
	}
	return nil
}

func selectSequences() squirrel.SelectBuilder {
	return Builder().Select(sequenceColumns...).From(tableSequences)
}

// GetDefinition implements sequence.DefinitionStore.
func (s *Store) GetDefinition(ctx context.Context, sequenceID id.ID) (*sequence.Definition, error) {
	return s.getOne(ctx, selectSequences().Where(squirrel.Eq{"id": sequenceID}), sequenceID.String())
}

// GetDefinitionByName implements sequence.DefinitionStore.
func (s *Store) GetDefinitionByName(ctx context.Context, name string) (*sequence.Definition, error) {
	q := selectSequences().Where(squirrel.Expr("lower(name) = lower(?)", name))
	return s.getOne(ctx, q, name)
}

func (s *Store) getOne(ctx context.Context, q squirrel.SelectBuilder, ref string) (*sequence.Definition, error) {
	sql, args, err := q.Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row sequenceRow
	if err := pgxscan.Get(ctx, s.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("sequence", ref)
		}
		return nil, fmt.Errorf("get sequence: %w", err)
	}

	defs, err := s.hydrate(ctx, []sequenceRow{row})
	if err != nil {
		return nil, err
	}
	return defs[0], nil
}

// ListDefinitions implements sequence.DefinitionStore.
func (s *Store) ListDefinitions(ctx context.Context) ([]*sequence.Definition, error) {
	return s.list(ctx, selectSequences().OrderBy("name"))
}

// ListDefinitionsByEntity implements sequence.DefinitionStore.
func (s *Store) ListDefinitionsByEntity(ctx context.Context, entityType, entityID string) ([]*sequence.Definition, error) {
	q := selectSequences().
		Where(squirrel.Expr(
			"id IN (SELECT sequence_id FROM "+tableAssignments+" WHERE entity_type = ? AND entity_id = ?)",
			entityType, entityID,
		)).
		OrderBy("name")
	return s.list(ctx, q)
}

func (s *Store) list(ctx context.Context, q squirrel.SelectBuilder) ([]*sequence.Definition, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []sequenceRow
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return s.hydrate(ctx, rows)
}

// hydrate converts rows and attaches segment counters and assignments.
func (s *Store) hydrate(ctx context.Context, rows []sequenceRow) ([]*sequence.Definition, error) {
	if len(rows) == 0 {
		return []*sequence.Definition{}, nil
	}

	defs := make([]*sequence.Definition, len(rows))
	byID := make(map[id.ID]*sequence.Definition, len(rows))
	ids := make([]id.ID, len(rows))
	for i := range rows {
		def, err := rows[i].toDefinition()
		if err != nil {
			return nil, err
		}
		defs[i] = def
		byID[def.ID] = def
		ids[i] = def.ID
	}

	counters, err := s.loadCounters(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range counters {
		byID[c.SequenceID].Segmentation.Counters[c.SegmentKey] = sequence.SegmentCounter{
			Value:      c.Value,
			LastUsedAt: c.LastUsedAt,
		}
	}

	assignments, err := s.loadAssignments(ctx, squirrel.Eq{"sequence_id": ids})
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		def := byID[a.SequenceID]
		def.Assignments = append(def.Assignments, a)
	}
	return defs, nil
}

// SaveDefinition implements sequence.DefinitionStore.
func (s *Store) SaveDefinition(ctx context.Context, holder string, def *sequence.Definition) error {
	row, err := toSequenceRow(def)
	if err != nil {
		return err
	}

	q := Builder().Update(tableSequences).
		Set("name", row.Name).
		Set("description", row.Description).
		Set("current_value", row.CurrentValue).
		Set("increment_by", row.IncrementBy).
		Set("min_value", row.MinValue).
		Set("max_value", row.MaxValue).
		Set("prefix", row.Prefix).
		Set("suffix", row.Suffix).
		Set("pad_length", row.PadLength).
		Set("pad_char", row.PadChar).
		Set("pattern", row.Pattern).
		Set("format_rules", row.FormatRules).
		Set("key_kind", row.KeyKind).
		Set("key_field", row.KeyField).
		Set("active", row.Active).
		Set("version", row.Version).
		Set("updated_at", row.UpdatedAt).
		Where(squirrel.Eq{"id": def.ID})

	err = s.execFenced(ctx, fencedUpdate(q, holder), def.ID, holder)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return apperror.NewDuplicate("sequence", "name", def.Name).WithCause(err)
	}
	return err
}

// ---- lease ----

func acquireLeaseQuery(sequenceID id.ID, holder string, now time.Time, ttl time.Duration) squirrel.UpdateBuilder {
	return Builder().Update(tableSequences).
		Set("lease_held", true).
		Set("lease_holder", holder).
		Set("lease_acquired_at", now).
		Set("lease_expires_at", now.Add(ttl)).
		Where(squirrel.Eq{"id": sequenceID}).
		Where(squirrel.Or{
			squirrel.Expr("NOT lease_held"),
			squirrel.LtOrEq{"lease_expires_at": now},
		}).
		Suffix("RETURNING lease_held, lease_holder, lease_acquired_at, lease_expires_at")
}

type leaseRow struct {
	Held       bool       `db:"lease_held"`
	Holder     *string    `db:"lease_holder"`
	AcquiredAt *time.Time `db:"lease_acquired_at"`
	ExpiresAt  *time.Time `db:"lease_expires_at"`
}

func (r leaseRow) lease() sequence.Lease {
	return leaseFromRow(r.Held, r.Holder, r.AcquiredAt, r.ExpiresAt)
}

// TryAcquireLease implements sequence.LeaseStore as one conditional UPDATE.
func (s *Store) TryAcquireLease(ctx context.Context, sequenceID id.ID, holder string, now time.Time, ttl time.Duration) (sequence.Lease, bool, error) {
	sql, args, err := acquireLeaseQuery(sequenceID, holder, now, ttl).ToSql()
	if err != nil {
		return sequence.Lease{}, false, fmt.Errorf("build lease update: %w", err)
	}

	q := s.txm.GetQuerier(ctx)
	var acquired leaseRow
	err = pgxscan.Get(ctx, q, &acquired, sql, args...)
	if err == nil {
		return acquired.lease(), true, nil
	}
	if !pgxscan.NotFound(err) {
		return sequence.Lease{}, false, fmt.Errorf("acquire lease: %w", err)
	}

	// Either the lease is busy or the sequence does not exist.
	sql, args, err = Builder().
		Select("lease_held", "lease_holder", "lease_acquired_at", "lease_expires_at").
		From(tableSequences).
		Where(squirrel.Eq{"id": sequenceID}).
		ToSql()
	if err != nil {
		return sequence.Lease{}, false, fmt.Errorf("build lease query: %w", err)
	}
	var current leaseRow
	if err := pgxscan.Get(ctx, q, &current, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return sequence.Lease{}, false, apperror.NewNotFound("sequence", sequenceID.String())
		}
		return sequence.Lease{}, false, fmt.Errorf("read lease: %w", err)
	}
	return current.lease(), false, nil
}

func releaseLeaseQuery(sequenceID id.ID, holder string) squirrel.UpdateBuilder {
	return Builder().Update(tableSequences).
		Set("lease_held", false).
		Set("lease_holder", nil).
		Set("lease_acquired_at", nil).
		Set("lease_expires_at", nil).
		Where(squirrel.Eq{"id": sequenceID, "lease_holder": holder})
}

// ReleaseLease implements sequence.LeaseStore.
func (s *Store) ReleaseLease(ctx context.Context, sequenceID id.ID, holder string) (bool, error) {
	sql, args, err := releaseLeaseQuery(sequenceID, holder).ToSql()
	if err != nil {
		return false, fmt.Errorf("build lease release: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ---- fencing ----

// fencedUpdate restricts an UPDATE of seq_sequences to rows whose lease belongs to holder.
func fencedUpdate(q squirrel.UpdateBuilder, holder string) squirrel.UpdateBuilder {
	if holder == "" {
		return q
	}
	return q.Where(squirrel.Eq{"lease_held": true, "lease_holder": holder})
}

func fenceQuery(sequenceID id.ID, holder string) squirrel.SelectBuilder {
	return Builder().Select("1").
		From(tableSequences).
		Where(squirrel.Eq{"id": sequenceID, "lease_held": true, "lease_holder": holder}).
		Suffix("FOR UPDATE")
}

// fence verifies the lease before a write to a child table.
func (s *Store) fence(ctx context.Context, sequenceID id.ID, holder string) error {
	if holder == "" {
		return nil
	}
	sql, args, err := fenceQuery(sequenceID, holder).ToSql()
	if err != nil {
		return fmt.Errorf("build fence: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("check lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.lostOrMissing(ctx, sequenceID, holder)
	}
	return nil
}

// execFenced runs a fenced UPDATE of seq_sequences and explains a zero-row result.
func (s *Store) execFenced(ctx context.Context, q squirrel.UpdateBuilder, sequenceID id.ID, holder string) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", tableSequences, err)
	}
	if tag.RowsAffected() == 0 {
		return s.lostOrMissing(ctx, sequenceID, holder)
	}
	return nil
}

func (s *Store) lostOrMissing(ctx context.Context, sequenceID id.ID, holder string) error {
	sql, args, err := Builder().Select("1").From(tableSequences).Where(squirrel.Eq{"id": sequenceID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("check sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("sequence", sequenceID.String())
	}
	return apperror.NewLeaseLost(sequenceID.String()).WithDetail("holder", holder)
}

// ---- counters ----

type counterRow struct {
	SequenceID id.ID     `db:"sequence_id"`
	SegmentKey string    `db:"segment_key"`
	Value      int64     `db:"value"`
	LastUsedAt time.Time `db:"last_used_at"`
}

func (s *Store) loadCounters(ctx context.Context, ids []id.ID) ([]counterRow, error) {
	sql, args, err := Builder().
		Select(ExtractDBColumns[counterRow]()...).
		From(tableCounters).
		Where(squirrel.Eq{"sequence_id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []counterRow
	if err := pgxscan.Select(ctx, s.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	return rows, nil
}

func upsertCounterQuery(sequenceID id.ID, segmentKey string, value int64, at time.Time) squirrel.InsertBuilder {
	return Builder().Insert(tableCounters).
		Columns("sequence_id", "segment_key", "value", "last_used_at").
		Values(sequenceID, segmentKey, value, at).
		Suffix("ON CONFLICT (sequence_id, segment_key) DO UPDATE SET value = EXCLUDED.value, last_used_at = EXCLUDED.last_used_at")
}

// SetCounter implements sequence.CounterStore.
func (s *Store) SetCounter(ctx context.Context, holder string, sequenceID id.ID, segmentKey string, value int64, at time.Time) error {
	if segmentKey == "" {
		q := Builder().Update(tableSequences).
			Set("current_value", value).
			Where(squirrel.Eq{"id": sequenceID})
		return s.execFenced(ctx, fencedUpdate(q, holder), sequenceID, holder)
	}

	if err := s.fence(ctx, sequenceID, holder); err != nil {
		return err
	}
	sql, args, err := upsertCounterQuery(sequenceID, segmentKey, value, at).ToSql()
	if err != nil {
		return fmt.Errorf("build counter upsert: %w", err)
	}
	if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upsert counter: %w", err)
	}
	return nil
}
