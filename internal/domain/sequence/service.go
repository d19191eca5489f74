package sequence

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
	"consecutive/pkg/logger"
)

var tracer = otel.Tracer("consecutive/sequence")

// DefaultReservationTTL is used by ReserveSingle when the caller passes no TTL.
const DefaultReservationTTL = 15 * time.Minute

// Config wires the engine.
type Config struct {
	Store Store

	// Locker defaults to a StoreLocker over Store.
	Locker Locker

	Policy         LeasePolicy
	ReservationTTL time.Duration

	// Clock is injected for tests; defaults to time.Now.
	Clock func() time.Time

	Observer Observer
	Logger   *logger.Logger
}

// Service is the sequence allocation engine. It is safe for concurrent use; all
// mutation of one sequence is serialized through its lease.
type Service struct {
	store          Store
	locker         Locker
	policy         LeasePolicy
	reservationTTL time.Duration
	clock          func() time.Time
	observer       Observer
	logger         *logger.Logger
}

// NewService creates the engine.
func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewStoreLocker(cfg.Store, clock)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	ttl := cfg.ReservationTTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Service{
		store:          cfg.Store,
		locker:         locker,
		policy:         cfg.Policy.normalized(),
		reservationTTL: ttl,
		clock:          clock,
		observer:       observer,
		logger:         log.WithComponent("sequence"),
	}
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) log(ctx context.Context) *logger.Logger {
	return s.logger.WithContext(ctx)
}

func startSpan(ctx context.Context, op string, sequenceID id.ID) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sequence."+op, trace.WithAttributes(
		attribute.String("sequence.id", sequenceID.String()),
	))
}

// CreateSequence registers a new sequence. The counter starts one step before
// InitialValue so that the first allocation returns InitialValue.
func (s *Service) CreateSequence(ctx context.Context, def *Definition, actor Actor) (*Definition, error) {
	if def == nil {
		return nil, apperror.NewInvalidArgument("definition is required")
	}
	def = def.Clone()
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	def.ID = id.New()
	def.CurrentValue = def.InitialValue - def.IncrementBy
	def.Segmentation.Counters = map[string]SegmentCounter{}
	def.Lease = Lease{}
	def.Assignments = nil
	def.Active = true
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now

	ctx, span := startSpan(ctx, "create", def.ID)
	defer span.End()

	err := s.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.CreateDefinition(ctx, def); err != nil {
			return err
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: def.ID,
			Action:     AuditCreate,
			Actor:      actor,
			Metadata:   map[string]any{"name": def.Name, "initialValue": def.InitialValue},
		})
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Infow("sequence created", "sequence_id", def.ID, "name", def.Name)
	return def, nil
}

// GetSequence returns the sequence with its counters, lease and assignments.
func (s *Service) GetSequence(ctx context.Context, sequenceID id.ID) (*Definition, error) {
	return s.store.GetDefinition(ctx, sequenceID)
}

// GetSequenceByName resolves a sequence by its unique name.
func (s *Service) GetSequenceByName(ctx context.Context, name string) (*Definition, error) {
	return s.store.GetDefinitionByName(ctx, name)
}

// ListSequences returns every sequence, active or not.
func (s *Service) ListSequences(ctx context.Context) ([]*Definition, error) {
	return s.store.ListDefinitions(ctx)
}

// ListByEntity returns the sequences assigned to an entity.
func (s *Service) ListByEntity(ctx context.Context, entityType, entityID string) ([]*Definition, error) {
	if entityType == "" || entityID == "" {
		return nil, apperror.NewInvalidArgument("entity type and id are required")
	}
	return s.store.ListDefinitionsByEntity(ctx, entityType, entityID)
}

// Patch lists the updatable configuration fields; nil fields are left unchanged.
// Counters are never patched, use Reset.
type Patch struct {
	Name        *string
	Description *string
	IncrementBy *int64
	MinValue    *int64
	MaxValue    *int64
	Prefix      *string
	Suffix      *string
	PadLength   *int
	PadChar     *string
	Pattern     *string
	FormatRules *[]FormatRule
	KeyKind     *SegmentKind
	KeyField    *string
}

func (p Patch) applyTo(def *Definition) []string {
	var changed []string
	set := func(name string, apply func()) {
		apply()
		changed = append(changed, name)
	}
	if p.Name != nil {
		set("name", func() { def.Name = *p.Name })
	}
	if p.Description != nil {
		set("description", func() { def.Description = *p.Description })
	}
	if p.IncrementBy != nil {
		set("incrementBy", func() { def.IncrementBy = *p.IncrementBy })
	}
	if p.MinValue != nil {
		set("minValue", func() { def.MinValue = *p.MinValue })
	}
	if p.MaxValue != nil {
		set("maxValue", func() { def.MaxValue = *p.MaxValue })
	}
	if p.Prefix != nil {
		set("prefix", func() { def.Prefix = *p.Prefix })
	}
	if p.Suffix != nil {
		set("suffix", func() { def.Suffix = *p.Suffix })
	}
	if p.PadLength != nil {
		set("padLength", func() { def.PadLength = *p.PadLength })
	}
	if p.PadChar != nil {
		set("padChar", func() { def.PadChar = *p.PadChar })
	}
	if p.Pattern != nil {
		set("pattern", func() { def.Pattern = *p.Pattern })
	}
	if p.FormatRules != nil {
		set("formatRules", func() { def.FormatRules = append([]FormatRule(nil), (*p.FormatRules)...) })
	}
	if p.KeyKind != nil {
		set("keyKind", func() { def.Segmentation.KeyKind = *p.KeyKind })
	}
	if p.KeyField != nil {
		set("keyField", func() { def.Segmentation.KeyField = *p.KeyField })
	}
	return changed
}

// UpdateSequence applies a configuration patch under the sequence lease.
func (s *Service) UpdateSequence(ctx context.Context, sequenceID id.ID, patch Patch, actor Actor) (*Definition, error) {
	ctx, span := startSpan(ctx, "update", sequenceID)
	defer span.End()

	var updated *Definition
	err := s.withLease(ctx, sequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		if err := s.checkPermission(def, actor, "", ActionAdmin); err != nil {
			return err
		}

		if patch.Name != nil && *patch.Name != def.Name {
			if existing, err := s.store.GetDefinitionByName(ctx, *patch.Name); err == nil && existing.ID != def.ID {
				return apperror.NewDuplicate("sequence", "name", *patch.Name)
			} else if err != nil && !apperror.IsNotFound(err) {
				return err
			}
		}

		changed := patch.applyTo(def)
		if len(changed) == 0 {
			updated = def
			return nil
		}
		if err := def.Validate(); err != nil {
			return err
		}

		def.UpdatedAt = s.now()
		def.Version++
		if err := s.store.SaveDefinition(ctx, fence, def); err != nil {
			return err
		}
		updated = def
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: sequenceID,
			Action:     AuditUpdate,
			Actor:      actor,
			Metadata:   map[string]any{"fields": changed},
		})
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Infow("sequence updated", "sequence_id", sequenceID)
	return updated, nil
}

// DeleteSequence deactivates the sequence. History, blocks and counters are kept so
// issued numbers stay traceable.
func (s *Service) DeleteSequence(ctx context.Context, sequenceID id.ID, actor Actor) error {
	ctx, span := startSpan(ctx, "delete", sequenceID)
	defer span.End()

	err := s.withLease(ctx, sequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		if err := s.checkPermission(def, actor, "", ActionAdmin); err != nil {
			return err
		}
		if !def.Active {
			return nil
		}
		def.Active = false
		def.UpdatedAt = s.now()
		def.Version++
		if err := s.store.SaveDefinition(ctx, fence, def); err != nil {
			return err
		}
		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: sequenceID,
			Action:     AuditDelete,
			Actor:      actor,
		})
	})
	if err != nil {
		return err
	}

	s.log(ctx).Infow("sequence deactivated", "sequence_id", sequenceID)
	return nil
}

// Reset sets the counter so the next allocation yields value+IncrementBy. It is the
// only way out of SEQUENCE_EXHAUSTED besides raising MaxValue.
func (s *Service) Reset(ctx context.Context, sequenceID id.ID, value int64, segmentKey string, actor Actor) (*Definition, error) {
	ctx, span := startSpan(ctx, "reset", sequenceID)
	defer span.End()

	var result *Definition
	err := s.withLease(ctx, sequenceID, actor, func(ctx context.Context, fence string, def *Definition) error {
		if err := s.checkPermission(def, actor, "", ActionAdmin); err != nil {
			return err
		}
		if err := checkSegmentKey(def, segmentKey); err != nil {
			return err
		}
		if value < def.MinValue-def.IncrementBy || value > def.MaxValue {
			return apperror.NewInvalidArgument("reset value outside sequence bounds").
				WithDetail("value", value).
				WithDetail("minValue", def.MinValue).
				WithDetail("maxValue", def.MaxValue)
		}

		previous := def.Counter(segmentKey)
		now := s.now()
		if err := s.store.SetCounter(ctx, fence, sequenceID, segmentKey, value, now); err != nil {
			return err
		}
		setCounter(def, segmentKey, value, now)
		result = def

		return s.appendAudit(ctx, &AuditEntry{
			SequenceID: sequenceID,
			Action:     AuditReset,
			Value:      &value,
			SegmentKey: segmentKey,
			Actor:      actor,
			Metadata:   map[string]any{"previous": previous},
		})
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Infow("sequence reset", "sequence_id", sequenceID, "segment", segmentKey, "value", value)
	return result, nil
}

// FormatValue renders value with the sequence's current format configuration. It
// reads without the lease.
func (s *Service) FormatValue(ctx context.Context, sequenceID id.ID, value int64, segmentKey string) (string, error) {
	def, err := s.store.GetDefinition(ctx, sequenceID)
	if err != nil {
		return "", err
	}
	return Format(def, value, segmentKey, s.now()), nil
}

func setCounter(def *Definition, segmentKey string, value int64, at time.Time) {
	if !def.Segmentation.Enabled {
		def.CurrentValue = value
		return
	}
	if def.Segmentation.Counters == nil {
		def.Segmentation.Counters = map[string]SegmentCounter{}
	}
	def.Segmentation.Counters[segmentKey] = SegmentCounter{Value: value, LastUsedAt: at}
}

// checkSegmentKey enforces that segmented sequences get a key and plain ones do not.
func checkSegmentKey(def *Definition, segmentKey string) error {
	if def.Segmentation.Enabled && segmentKey == "" {
		return apperror.NewInvalidArgument("segment key is required for a segmented sequence").
			WithDetail("keyKind", def.Segmentation.KeyKind)
	}
	if !def.Segmentation.Enabled && segmentKey != "" {
		return apperror.NewInvalidArgument("sequence is not segmented").
			WithDetail("segmentKey", segmentKey)
	}
	if len(segmentKey) > 64 {
		return apperror.NewInvalidArgument("segment key too long")
	}
	return nil
}
