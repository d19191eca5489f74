package sequence

import (
	"context"
	"time"

	"consecutive/internal/core/id"
	"consecutive/internal/core/tx"
)

// Fenced writes take the holder of the current lease. A store rejects the write with
// apperror.CodeLeaseLost when the persisted lease no longer belongs to holder. An empty
// holder skips the check (leases managed outside the store, see lease.RedisLocker).

// DefinitionStore persists sequence definitions.
type DefinitionStore interface {
	// CreateDefinition inserts def. Duplicate names fail with apperror.CodeConflict.
	CreateDefinition(ctx context.Context, def *Definition) error

	// GetDefinition loads the definition with counters, lease and assignments.
	GetDefinition(ctx context.Context, sequenceID id.ID) (*Definition, error)

	// GetDefinitionByName looks a definition up by its unique name.
	GetDefinitionByName(ctx context.Context, name string) (*Definition, error)

	ListDefinitions(ctx context.Context) ([]*Definition, error)

	// ListDefinitionsByEntity returns the sequences assigned to an entity.
	ListDefinitionsByEntity(ctx context.Context, entityType, entityID string) ([]*Definition, error)

	// SaveDefinition writes configuration fields, the global counter and Active.
	SaveDefinition(ctx context.Context, holder string, def *Definition) error
}

// LeaseStore is the compare-and-set primitive behind the store-backed lease lock.
type LeaseStore interface {
	// TryAcquireLease succeeds only if the lease is free or expired at now. On
	// contention it returns the current lease and false.
	TryAcquireLease(ctx context.Context, sequenceID id.ID, holder string, now time.Time, ttl time.Duration) (Lease, bool, error)

	// ReleaseLease clears the lease only if holder still owns it.
	ReleaseLease(ctx context.Context, sequenceID id.ID, holder string) (bool, error)
}

// CounterStore advances counters inside a critical section.
type CounterStore interface {
	// SetCounter stores the last allocated value of segmentKey, or of the global
	// counter when segmentKey is empty.
	SetCounter(ctx context.Context, holder string, sequenceID id.ID, segmentKey string, value int64, at time.Time) error
}

// LedgerStore persists block and single-value reservations.
type LedgerStore interface {
	InsertBlock(ctx context.Context, holder string, block *BlockReservation) error
	SaveBlock(ctx context.Context, holder string, block *BlockReservation) error
	GetBlock(ctx context.Context, blockID id.ID) (*BlockReservation, error)
	ListBlocks(ctx context.Context, sequenceID id.ID) ([]*BlockReservation, error)

	InsertReservation(ctx context.Context, holder string, r *Reservation) error
	SaveReservation(ctx context.Context, holder string, r *Reservation) error
	GetReservation(ctx context.Context, reservationID id.ID) (*Reservation, error)

	// ListExpirable returns the sequences owning pending reservations or open blocks
	// whose expiry is at or before now.
	ListExpirable(ctx context.Context, now time.Time) ([]id.ID, error)

	// ExpirableFor returns the expirable blocks and reservations of one sequence.
	ExpirableFor(ctx context.Context, sequenceID id.ID, now time.Time) ([]*BlockReservation, []*Reservation, error)
}

// AssignmentStore persists the assignment registry.
type AssignmentStore interface {
	UpsertAssignment(ctx context.Context, holder string, a Assignment) error
	DeleteAssignment(ctx context.Context, holder string, sequenceID id.ID, entityType, entityID string) (bool, error)
	ListAssignments(ctx context.Context, entityType, entityID string) ([]Assignment, error)
}

// UsageStore counts values allocated per entity and period, for quota enforcement.
type UsageStore interface {
	Usage(ctx context.Context, sequenceID id.ID, entityID, period string) (int64, error)
	AddUsage(ctx context.Context, holder string, sequenceID id.ID, entityID string, periods []string, n int64) error
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// History returns entries newest first; limit <= 0 means no limit.
	History(ctx context.Context, sequenceID id.ID, limit int) ([]AuditEntry, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	tx.Manager
	DefinitionStore
	LeaseStore
	CounterStore
	LedgerStore
	AssignmentStore
	UsageStore
	AuditStore
}
