// Package sequence provides the sequence allocation engine: named counters that hand out
// unique, formatted document numbers (invoices, loads, transfer documents) to concurrent
// callers, with segmentation, block reservations, TTL holds and an audit trail.
package sequence

import (
	"math"
	"sort"
	"time"

	"consecutive/internal/core/id"
)

// SegmentKind describes what a segment key stands for. The engine never derives the
// key itself; callers pass "2024" or "ACME" and the kind is informational.
type SegmentKind string

const (
	SegmentYear    SegmentKind = "year"
	SegmentMonth   SegmentKind = "month"
	SegmentDay     SegmentKind = "day"
	SegmentCompany SegmentKind = "company"
	SegmentBranch  SegmentKind = "branch"
	SegmentCustom  SegmentKind = "custom"
)

// RuleType is the kind of a format rule.
type RuleType string

const (
	RulePrefix    RuleType = "prefix"
	RuleSuffix    RuleType = "suffix"
	RulePadding   RuleType = "padding"
	RuleDate      RuleType = "date"
	RuleSeparator RuleType = "separator"
	RuleLiteral   RuleType = "literal"
	RuleCustom    RuleType = "custom"
)

// FormatRule is one element of an ordered rule list, used when no pattern is set.
type FormatRule struct {
	Type       RuleType `json:"type" yaml:"type" validate:"required,oneof=prefix suffix padding date separator literal custom"`
	Value      string   `json:"value,omitempty" yaml:"value"`
	DateFormat string   `json:"dateFormat,omitempty" yaml:"dateFormat"`
	Position   int      `json:"position" yaml:"position"`
}

// SegmentCounter is the state of one independent counter inside a segmented sequence.
type SegmentCounter struct {
	Value      int64     `json:"value"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// Segmentation configures per-key counters.
// When Enabled, Definition.CurrentValue is never mutated.
type Segmentation struct {
	Enabled  bool                      `json:"enabled" yaml:"enabled"`
	KeyKind  SegmentKind               `json:"keyKind,omitempty" yaml:"keyKind" validate:"omitempty,oneof=year month day company branch custom"`
	KeyField string                    `json:"keyField,omitempty" yaml:"keyField"`
	Counters map[string]SegmentCounter `json:"counters,omitempty" yaml:"-"`
}

// Lease is the persisted mutual-exclusion state of a sequence.
type Lease struct {
	Held       bool      `json:"held"`
	HolderID   string    `json:"holderId,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

// Busy reports whether the lease blocks other holders at now.
func (l Lease) Busy(now time.Time) bool {
	return l.Held && now.Before(l.ExpiresAt)
}

// Definition is the root entity: one named counter configuration.
type Definition struct {
	ID          id.ID  `db:"id" json:"id"`
	Name        string `db:"name" json:"name" validate:"required,max=128"`
	Description string `db:"description" json:"description,omitempty" validate:"max=1024"`

	CurrentValue int64 `db:"current_value" json:"currentValue"`
	IncrementBy  int64 `db:"increment_by" json:"incrementBy" validate:"min=1"`
	InitialValue int64 `db:"initial_value" json:"initialValue"`
	MinValue     int64 `db:"min_value" json:"minValue"`
	MaxValue     int64 `db:"max_value" json:"maxValue"`

	Prefix      string       `db:"prefix" json:"prefix,omitempty" validate:"max=64"`
	Suffix      string       `db:"suffix" json:"suffix,omitempty" validate:"max=64"`
	PadLength   int          `db:"pad_length" json:"padLength" validate:"min=0,max=32"`
	PadChar     string       `db:"pad_char" json:"padChar,omitempty" validate:"max=1"`
	Pattern     string       `db:"pattern" json:"pattern,omitempty" validate:"max=256"`
	FormatRules []FormatRule `db:"-" json:"formatRules,omitempty" validate:"dive"`

	Segmentation Segmentation `db:"-" json:"segmentation"`
	Lease        Lease        `db:"-" json:"lease"`
	Assignments  []Assignment `db:"-" json:"assignments,omitempty"`

	Active    bool      `db:"active" json:"active"`
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Counter returns the last allocated value for segmentKey (or the global counter).
// A segment that has never been used starts one step before InitialValue.
func (d *Definition) Counter(segmentKey string) int64 {
	if !d.Segmentation.Enabled {
		return d.CurrentValue
	}
	if c, ok := d.Segmentation.Counters[segmentKey]; ok {
		return c.Value
	}
	return d.InitialValue - d.IncrementBy
}

// SortedRules returns format rules ordered by position. Equal positions keep
// their declaration order.
func (d *Definition) SortedRules() []FormatRule {
	rules := make([]FormatRule, len(d.FormatRules))
	copy(rules, d.FormatRules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Position < rules[j].Position })
	return rules
}

// Clone returns a deep copy safe to hand to another goroutine.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.FormatRules = append([]FormatRule(nil), d.FormatRules...)
	c.Assignments = append([]Assignment(nil), d.Assignments...)
	if d.Segmentation.Counters != nil {
		c.Segmentation.Counters = make(map[string]SegmentCounter, len(d.Segmentation.Counters))
		for k, v := range d.Segmentation.Counters {
			c.Segmentation.Counters[k] = v
		}
	}
	return &c
}

// applyDefaults fills the zero values a caller may omit on create.
func (d *Definition) applyDefaults() {
	if d.IncrementBy == 0 {
		d.IncrementBy = 1
	}
	if d.MaxValue == 0 {
		d.MaxValue = math.MaxInt64
	}
	if d.PadChar == "" {
		d.PadChar = "0"
	}
	if d.Segmentation.Enabled && d.Segmentation.KeyKind == "" {
		d.Segmentation.KeyKind = SegmentCustom
	}
}

// Permissions is the per-entity scope on a sequence.
type Permissions struct {
	Reserve bool `json:"reserve" yaml:"reserve"`
	Use     bool `json:"use" yaml:"use"`
	Admin   bool `json:"admin" yaml:"admin"`
}

// Allows reports whether the permission set grants action.
func (p Permissions) Allows(action Action) bool {
	switch action {
	case ActionReserve:
		return p.Reserve || p.Admin
	case ActionUse:
		return p.Use || p.Admin
	case ActionAdmin:
		return p.Admin
	default:
		return false
	}
}

// Limits are usage quotas in allocated values; zero means unlimited.
type Limits struct {
	Daily   int64 `json:"daily,omitempty" yaml:"daily" validate:"min=0"`
	Monthly int64 `json:"monthly,omitempty" yaml:"monthly" validate:"min=0"`
}

// Assignment binds a sequence to a consuming entity.
type Assignment struct {
	SequenceID  id.ID       `json:"sequenceId"`
	EntityType  string      `json:"entityType" validate:"required,max=64"`
	EntityID    string      `json:"entityId" validate:"required,max=128"`
	Permissions Permissions `json:"permissions"`
	Limits      Limits      `json:"limits"`
	AssignedAt  time.Time   `json:"assignedAt"`
}

// Action is a permission scope checked before honoring a request.
type Action string

const (
	ActionReserve Action = "reserve"
	ActionUse     Action = "use"
	ActionAdmin   Action = "admin"
)

// BlockStatus is the lifecycle state of a block reservation.
type BlockStatus string

const (
	BlockReserved  BlockStatus = "reserved"
	BlockActive    BlockStatus = "active"
	BlockCompleted BlockStatus = "completed"
	BlockCancelled BlockStatus = "cancelled"
	BlockExpired   BlockStatus = "expired"
)

// Terminal reports whether the block can no longer change.
func (s BlockStatus) Terminal() bool {
	return s == BlockCompleted || s == BlockCancelled || s == BlockExpired
}

// BlockReservation is a contiguous range claimed for staged consumption.
type BlockReservation struct {
	ID          id.ID       `db:"id" json:"blockId"`
	SequenceID  id.ID       `db:"sequence_id" json:"sequenceId"`
	SegmentKey  string      `db:"segment_key" json:"segmentKey,omitempty"`
	EntityID    string      `db:"entity_id" json:"entityId,omitempty"`
	StartValue  int64       `db:"start_value" json:"startValue"`
	EndValue    int64       `db:"end_value" json:"endValue"`
	Step        int64       `db:"step" json:"step"`
	UsedValues  []int64     `db:"used_values" json:"usedValues"`
	Status      BlockStatus `db:"status" json:"status"`
	ReservedAt  time.Time   `db:"reserved_at" json:"reservedAt"`
	ActivatedAt *time.Time  `db:"activated_at" json:"activatedAt,omitempty"`
	CompletedAt *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
	ClosedAt    *time.Time  `db:"closed_at" json:"closedAt,omitempty"`
	ExpiresAt   *time.Time  `db:"expires_at" json:"expiresAt,omitempty"`
}

// Size is the number of values in the block.
func (b *BlockReservation) Size() int64 {
	return (b.EndValue-b.StartValue)/b.Step + 1
}

// Remaining is the number of unused values.
func (b *BlockReservation) Remaining() int64 {
	return b.Size() - int64(len(b.UsedValues))
}

// next returns the next unused value and whether one exists.
func (b *BlockReservation) next() (int64, bool) {
	v := b.StartValue + int64(len(b.UsedValues))*b.Step
	return v, v <= b.EndValue
}

// ReservationStatus is the lifecycle state of a single-value hold.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a single value put on hold until committed or expired.
type Reservation struct {
	ID          id.ID             `db:"id" json:"id"`
	SequenceID  id.ID             `db:"sequence_id" json:"sequenceId"`
	SegmentKey  string            `db:"segment_key" json:"segmentKey,omitempty"`
	EntityID    string            `db:"entity_id" json:"entityId,omitempty"`
	Value       int64             `db:"value" json:"value"`
	Formatted   string            `db:"formatted" json:"formatted"`
	Status      ReservationStatus `db:"status" json:"status"`
	ReservedAt  time.Time         `db:"reserved_at" json:"reservedAt"`
	ExpiresAt   time.Time         `db:"expires_at" json:"expiresAt"`
	CommittedAt *time.Time        `db:"committed_at" json:"committedAt,omitempty"`
	ActorID     string            `db:"actor_id" json:"actorId,omitempty"`
}

// AuditAction is the kind of a state-changing action.
type AuditAction string

const (
	AuditCreate    AuditAction = "create"
	AuditIncrement AuditAction = "increment"
	AuditReset     AuditAction = "reset"
	AuditUpdate    AuditAction = "update"
	AuditDelete    AuditAction = "delete"
	AuditReserve   AuditAction = "reserve"
	AuditUse       AuditAction = "use"
	AuditRelease   AuditAction = "release"
	AuditExpire    AuditAction = "expire"
	AuditCommit    AuditAction = "commit"
	AuditExhaust   AuditAction = "exhaust"
)

// Actor identifies who performed an action. EntityID is the entity the caller's
// credentials are bound to.
type Actor struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	EntityID string `json:"entityId,omitempty"`
	Admin    bool   `json:"-"`
}

// Entity is the entity the actor acts for when a request names none.
func (a Actor) Entity() string {
	if a.EntityID != "" {
		return a.EntityID
	}
	return a.ID
}

// ActsFor reports whether the actor may make requests on behalf of entity. Only
// system admins act for entities other than their own.
func (a Actor) ActsFor(entity string) bool {
	return a.Admin || entity == a.ID || entity == a.Entity()
}

// SystemActor is used for sweeps triggered by the scheduler.
var SystemActor = Actor{ID: "system", Name: "reservation sweeper", Admin: true}

// AuditEntry is an append-only history record.
type AuditEntry struct {
	ID            id.ID          `json:"id"`
	SequenceID    id.ID          `json:"sequenceId"`
	Timestamp     time.Time      `json:"timestamp"`
	Action        AuditAction    `json:"action"`
	Value         *int64         `json:"value,omitempty"`
	EndValue      *int64         `json:"endValue,omitempty"`
	SegmentKey    string         `json:"segmentKey,omitempty"`
	BlockID       *id.ID         `json:"blockId,omitempty"`
	ReservationID *id.ID         `json:"reservationId,omitempty"`
	Actor         Actor          `json:"actor"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Range is the result of an allocation.
type Range struct {
	SequenceID id.ID  `json:"sequenceId"`
	SegmentKey string `json:"segmentKey,omitempty"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Step       int64  `json:"step"`

	// Formatted holds the rendered values, in order, when the range has at most
	// MaxFormattedValues values.
	Formatted []string `json:"formatted,omitempty"`
}

// Count is the number of values in the range.
func (r Range) Count() int64 {
	return (r.End-r.Start)/r.Step + 1
}

// Values enumerates the range.
func (r Range) Values() []int64 {
	out := make([]int64, 0, r.Count())
	for v := r.Start; ; v += r.Step {
		out = append(out, v)
		if v >= r.End {
			break
		}
	}
	return out
}
