// Package memory implements sequence.Store in process memory.
//
// All state sits behind one mutex. Writes made inside a transaction are queued
// in a journal carried by the context and applied in one critical section at
// commit, after every lease fence they were made under is checked again. A
// rolled back transaction never touched shared state. Reads inside a
// transaction see committed state only.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
)

// Store is an in-memory sequence.Store.
type Store struct {
	mu sync.Mutex

	sequences    map[id.ID]*sequence.Definition
	names        map[string]id.ID
	blocks       map[id.ID]*sequence.BlockReservation
	reservations map[id.ID]*sequence.Reservation
	usage        map[usageKey]int64
	audit        map[id.ID][]sequence.AuditEntry
}

type usageKey struct {
	sequenceID id.ID
	entityID   string
	period     string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sequences:    make(map[id.ID]*sequence.Definition),
		names:        make(map[string]id.ID),
		blocks:       make(map[id.ID]*sequence.BlockReservation),
		reservations: make(map[id.ID]*sequence.Reservation),
		usage:        make(map[usageKey]int64),
		audit:        make(map[id.ID][]sequence.AuditEntry),
	}
}

var _ sequence.Store = (*Store)(nil)

type txKey struct{}

// journal holds the writes of one transaction until commit.
type journal struct {
	writes []pendingWrite
}

// pendingWrite is one fenced mutation. apply runs with s.mu held and returns the step
// that reverts it.
type pendingWrite struct {
	sequenceID id.ID
	holder     string
	apply      func() (undo func(), err error)
}

// RunInTransaction implements tx.Manager.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*journal); ok {
		return fn(ctx)
	}

	j := &journal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		return err
	}
	return s.commit(j)
}

// commit applies the journal in one critical section. Every fence is checked
// again first, so a holder whose lease was taken over mid-transaction writes
// nothing.
func (s *Store) commit(j *journal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range j.writes {
		if err := s.fenceHolds(w); err != nil {
			return err
		}
	}

	undo := make([]func(), 0, len(j.writes))
	for _, w := range j.writes {
		revert, err := w.apply()
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
			return err
		}
		undo = append(undo, revert)
	}
	return nil
}

// write applies w at once, or queues it when ctx carries a transaction.
func (s *Store) write(ctx context.Context, w pendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fenceHolds(w); err != nil {
		return err
	}
	if j, ok := ctx.Value(txKey{}).(*journal); ok {
		j.writes = append(j.writes, w)
		return nil
	}
	_, err := w.apply()
	return err
}

func (s *Store) fenceHolds(w pendingWrite) error {
	if w.holder == "" {
		return nil
	}
	_, err := s.checkFence(w.sequenceID, w.holder)
	return err
}

// checkFence rejects writes from a holder that no longer owns the lease. Callers hold s.mu.
func (s *Store) checkFence(sequenceID id.ID, holder string) (*sequence.Definition, error) {
	def, ok := s.sequences[sequenceID]
	if !ok {
		return nil, apperror.NewNotFound("sequence", sequenceID.String())
	}
	if holder != "" && (!def.Lease.Held || def.Lease.HolderID != holder) {
		return nil, apperror.NewLeaseLost(sequenceID.String()).WithDetail("holder", holder)
	}
	return def, nil
}

// ---- definitions ----

// CreateDefinition implements sequence.DefinitionStore.
func (s *Store) CreateDefinition(ctx context.Context, def *sequence.Definition) error {
	stored := def.Clone()
	return s.write(ctx, pendingWrite{sequenceID: def.ID, apply: func() (func(), error) {
		key := nameKey(stored.Name)
		if _, exists := s.names[key]; exists {
			return nil, apperror.NewDuplicate("sequence", "name", stored.Name)
		}
		s.sequences[stored.ID] = stored
		s.names[key] = stored.ID
		return func() {
			delete(s.sequences, stored.ID)
			delete(s.names, key)
		}, nil
	}})
}

// GetDefinition implements sequence.DefinitionStore.
func (s *Store) GetDefinition(_ context.Context, sequenceID id.ID) (*sequence.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.sequences[sequenceID]
	if !ok {
		return nil, apperror.NewNotFound("sequence", sequenceID.String())
	}
	return def.Clone(), nil
}

// GetDefinitionByName implements sequence.DefinitionStore.
func (s *Store) GetDefinitionByName(_ context.Context, name string) (*sequence.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sequenceID, ok := s.names[nameKey(name)]
	if !ok {
		return nil, apperror.NewNotFound("sequence", name)
	}
	return s.sequences[sequenceID].Clone(), nil
}

// ListDefinitions implements sequence.DefinitionStore.
func (s *Store) ListDefinitions(_ context.Context) ([]*sequence.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*sequence.Definition, 0, len(s.sequences))
	for _, def := range s.sequences {
		out = append(out, def.Clone())
	}
	sortDefinitions(out)
	return out, nil
}

// ListDefinitionsByEntity implements sequence.DefinitionStore.
func (s *Store) ListDefinitionsByEntity(_ context.Context, entityType, entityID string) ([]*sequence.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sequence.Definition
	for _, def := range s.sequences {
		if slices.ContainsFunc(def.Assignments, func(a sequence.Assignment) bool {
			return a.EntityType == entityType && a.EntityID == entityID
		}) {
			out = append(out, def.Clone())
		}
	}
	sortDefinitions(out)
	return out, nil
}

// SaveDefinition implements sequence.DefinitionStore. Counters, lease and
// assignments are owned by their own operations and kept as stored.
func (s *Store) SaveDefinition(ctx context.Context, holder string, def *sequence.Definition) error {
	next := def.Clone()
	return s.write(ctx, pendingWrite{sequenceID: def.ID, holder: holder, apply: func() (func(), error) {
		current, err := s.checkFence(next.ID, "")
		if err != nil {
			return nil, err
		}

		oldKey, newKey := nameKey(current.Name), nameKey(next.Name)
		if oldKey != newKey {
			if _, taken := s.names[newKey]; taken {
				return nil, apperror.NewDuplicate("sequence", "name", next.Name)
			}
		}

		updated := next.Clone()
		updated.Segmentation.Counters = current.Segmentation.Counters
		updated.Lease = current.Lease
		updated.Assignments = current.Assignments

		s.sequences[next.ID] = updated
		delete(s.names, oldKey)
		s.names[newKey] = next.ID
		return func() {
			delete(s.names, newKey)
			s.names[oldKey] = next.ID
			s.sequences[next.ID] = current
		}, nil
	}})
}

// ---- lease ----

// TryAcquireLease implements sequence.LeaseStore.
func (s *Store) TryAcquireLease(_ context.Context, sequenceID id.ID, holder string, now time.Time, ttl time.Duration) (sequence.Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.sequences[sequenceID]
	if !ok {
		return sequence.Lease{}, false, apperror.NewNotFound("sequence", sequenceID.String())
	}
	if def.Lease.Busy(now) {
		return def.Lease, false, nil
	}

	updated := def.Clone()
	updated.Lease = sequence.Lease{
		Held:       true,
		HolderID:   holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.sequences[sequenceID] = updated
	return updated.Lease, true, nil
}

// ReleaseLease implements sequence.LeaseStore.
func (s *Store) ReleaseLease(_ context.Context, sequenceID id.ID, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.sequences[sequenceID]
	if !ok {
		return false, apperror.NewNotFound("sequence", sequenceID.String())
	}
	if !def.Lease.Held || def.Lease.HolderID != holder {
		return false, nil
	}

	updated := def.Clone()
	updated.Lease = sequence.Lease{}
	s.sequences[sequenceID] = updated
	return true, nil
}

// ForceLease overwrites the persisted lease, simulating a holder that crashed
// or is still working.
func (s *Store) ForceLease(sequenceID id.ID, lease sequence.Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def, ok := s.sequences[sequenceID]; ok {
		updated := def.Clone()
		updated.Lease = lease
		s.sequences[sequenceID] = updated
	}
}

// ---- counters ----

// SetCounter implements sequence.CounterStore.
func (s *Store) SetCounter(ctx context.Context, holder string, sequenceID id.ID, segmentKey string, value int64, at time.Time) error {
	return s.write(ctx, pendingWrite{sequenceID: sequenceID, holder: holder, apply: func() (func(), error) {
		current, err := s.checkFence(sequenceID, "")
		if err != nil {
			return nil, err
		}

		updated := current.Clone()
		if segmentKey == "" {
			updated.CurrentValue = value
		} else {
			if updated.Segmentation.Counters == nil {
				updated.Segmentation.Counters = map[string]sequence.SegmentCounter{}
			}
			updated.Segmentation.Counters[segmentKey] = sequence.SegmentCounter{Value: value, LastUsedAt: at}
		}
		s.sequences[sequenceID] = updated
		return func() { s.sequences[sequenceID] = current }, nil
	}})
}

// ---- ledger ----

// InsertBlock implements sequence.LedgerStore.
func (s *Store) InsertBlock(ctx context.Context, holder string, block *sequence.BlockReservation) error {
	stored := cloneBlock(block)
	return s.write(ctx, pendingWrite{sequenceID: block.SequenceID, holder: holder, apply: func() (func(), error) {
		if _, err := s.checkFence(stored.SequenceID, ""); err != nil {
			return nil, err
		}
		if _, exists := s.blocks[stored.ID]; exists {
			return nil, apperror.NewConflict("block already exists").WithDetail("block_id", stored.ID.String())
		}
		s.blocks[stored.ID] = stored
		return func() { delete(s.blocks, stored.ID) }, nil
	}})
}

// SaveBlock implements sequence.LedgerStore.
func (s *Store) SaveBlock(ctx context.Context, holder string, block *sequence.BlockReservation) error {
	stored := cloneBlock(block)
	return s.write(ctx, pendingWrite{sequenceID: block.SequenceID, holder: holder, apply: func() (func(), error) {
		previous, ok := s.blocks[stored.ID]
		if !ok || previous.SequenceID != stored.SequenceID {
			return nil, apperror.NewNotFound("block", stored.ID.String())
		}
		s.blocks[stored.ID] = stored
		return func() { s.blocks[stored.ID] = previous }, nil
	}})
}

// GetBlock implements sequence.LedgerStore.
func (s *Store) GetBlock(_ context.Context, blockID id.ID) (*sequence.BlockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[blockID]
	if !ok {
		return nil, apperror.NewNotFound("block", blockID.String())
	}
	return cloneBlock(b), nil
}

// ListBlocks implements sequence.LedgerStore.
func (s *Store) ListBlocks(_ context.Context, sequenceID id.ID) ([]*sequence.BlockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sequence.BlockReservation
	for _, b := range s.blocks {
		if b.SequenceID == sequenceID {
			out = append(out, cloneBlock(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ReservedAt.Before(out[j].ReservedAt)
		}
		return out[i].StartValue < out[j].StartValue
	})
	return out, nil
}

// InsertReservation implements sequence.LedgerStore.
func (s *Store) InsertReservation(ctx context.Context, holder string, r *sequence.Reservation) error {
	stored := cloneReservation(r)
	return s.write(ctx, pendingWrite{sequenceID: r.SequenceID, holder: holder, apply: func() (func(), error) {
		if _, err := s.checkFence(stored.SequenceID, ""); err != nil {
			return nil, err
		}
		if _, exists := s.reservations[stored.ID]; exists {
			return nil, apperror.NewConflict("reservation already exists").WithDetail("reservation_id", stored.ID.String())
		}
		s.reservations[stored.ID] = stored
		return func() { delete(s.reservations, stored.ID) }, nil
	}})
}

// SaveReservation implements sequence.LedgerStore.
func (s *Store) SaveReservation(ctx context.Context, holder string, r *sequence.Reservation) error {
	stored := cloneReservation(r)
	return s.write(ctx, pendingWrite{sequenceID: r.SequenceID, holder: holder, apply: func() (func(), error) {
		previous, ok := s.reservations[stored.ID]
		if !ok || previous.SequenceID != stored.SequenceID {
			return nil, apperror.NewNotFound("reservation", stored.ID.String())
		}
		s.reservations[stored.ID] = stored
		return func() { s.reservations[stored.ID] = previous }, nil
	}})
}

// GetReservation implements sequence.LedgerStore.
func (s *Store) GetReservation(_ context.Context, reservationID id.ID) (*sequence.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, apperror.NewNotFound("reservation", reservationID.String())
	}
	return cloneReservation(r), nil
}

// ListExpirable implements sequence.LedgerStore.
func (s *Store) ListExpirable(_ context.Context, now time.Time) ([]id.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[id.ID]struct{})
	for _, b := range s.blocks {
		if blockDue(b, now) {
			seen[b.SequenceID] = struct{}{}
		}
	}
	for _, r := range s.reservations {
		if reservationDue(r, now) {
			seen[r.SequenceID] = struct{}{}
		}
	}

	out := make([]id.ID, 0, len(seen))
	for sequenceID := range seen {
		out = append(out, sequenceID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// ExpirableFor implements sequence.LedgerStore.
func (s *Store) ExpirableFor(_ context.Context, sequenceID id.ID, now time.Time) ([]*sequence.BlockReservation, []*sequence.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blocks []*sequence.BlockReservation
	for _, b := range s.blocks {
		if b.SequenceID == sequenceID && blockDue(b, now) {
			blocks = append(blocks, cloneBlock(b))
		}
	}
	var reservations []*sequence.Reservation
	for _, r := range s.reservations {
		if r.SequenceID == sequenceID && reservationDue(r, now) {
			reservations = append(reservations, cloneReservation(r))
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].StartValue < blocks[j].StartValue })
	sort.Slice(reservations, func(i, j int) bool { return reservations[i].Value < reservations[j].Value })
	return blocks, reservations, nil
}

// ---- assignments ----

// UpsertAssignment implements sequence.AssignmentStore.
func (s *Store) UpsertAssignment(ctx context.Context, holder string, a sequence.Assignment) error {
	return s.write(ctx, pendingWrite{sequenceID: a.SequenceID, holder: holder, apply: func() (func(), error) {
		current, err := s.checkFence(a.SequenceID, "")
		if err != nil {
			return nil, err
		}

		updated := current.Clone()
		i := slices.IndexFunc(updated.Assignments, func(x sequence.Assignment) bool {
			return x.EntityType == a.EntityType && x.EntityID == a.EntityID
		})
		if i >= 0 {
			updated.Assignments[i] = a
		} else {
			updated.Assignments = append(updated.Assignments, a)
		}
		s.sequences[a.SequenceID] = updated
		return func() { s.sequences[a.SequenceID] = current }, nil
	}})
}

// DeleteAssignment implements sequence.AssignmentStore. The result reflects
// committed state when the call is made.
func (s *Store) DeleteAssignment(ctx context.Context, holder string, sequenceID id.ID, entityType, entityID string) (bool, error) {
	matches := func(x sequence.Assignment) bool {
		return x.EntityType == entityType && x.EntityID == entityID
	}

	s.mu.Lock()
	current, err := s.checkFence(sequenceID, holder)
	found := err == nil && slices.ContainsFunc(current.Assignments, matches)
	s.mu.Unlock()
	if err != nil || !found {
		return false, err
	}

	err = s.write(ctx, pendingWrite{sequenceID: sequenceID, holder: holder, apply: func() (func(), error) {
		current, err := s.checkFence(sequenceID, "")
		if err != nil {
			return nil, err
		}
		updated := current.Clone()
		updated.Assignments = slices.DeleteFunc(updated.Assignments, matches)
		s.sequences[sequenceID] = updated
		return func() { s.sequences[sequenceID] = current }, nil
	}})
	return err == nil, err
}

// ListAssignments implements sequence.AssignmentStore.
func (s *Store) ListAssignments(_ context.Context, entityType, entityID string) ([]sequence.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []sequence.Assignment
	for _, def := range s.sequences {
		for _, a := range def.Assignments {
			if a.EntityType == entityType && a.EntityID == entityID {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

// ---- usage ----

// Usage implements sequence.UsageStore.
func (s *Store) Usage(_ context.Context, sequenceID id.ID, entityID, period string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[usageKey{sequenceID, entityID, period}], nil
}

// AddUsage implements sequence.UsageStore.
func (s *Store) AddUsage(ctx context.Context, holder string, sequenceID id.ID, entityID string, periods []string, n int64) error {
	periods = slices.Clone(periods)
	return s.write(ctx, pendingWrite{sequenceID: sequenceID, holder: holder, apply: func() (func(), error) {
		if _, err := s.checkFence(sequenceID, ""); err != nil {
			return nil, err
		}
		for _, period := range periods {
			s.usage[usageKey{sequenceID, entityID, period}] += n
		}
		return func() {
			for _, period := range periods {
				s.usage[usageKey{sequenceID, entityID, period}] -= n
			}
		}, nil
	}})
}

// ---- audit ----

// AppendAudit implements sequence.AuditStore.
func (s *Store) AppendAudit(ctx context.Context, entry *sequence.AuditEntry) error {
	stored := *entry
	return s.write(ctx, pendingWrite{sequenceID: entry.SequenceID, apply: func() (func(), error) {
		s.audit[stored.SequenceID] = append(s.audit[stored.SequenceID], stored)
		return func() {
			entries := s.audit[stored.SequenceID]
			s.audit[stored.SequenceID] = entries[:len(entries)-1]
		}, nil
	}})
}

// History implements sequence.AuditStore.
func (s *Store) History(_ context.Context, sequenceID id.ID, limit int) ([]sequence.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.audit[sequenceID]
	out := make([]sequence.AuditEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, entries[i])
	}
	return out, nil
}

// ---- helpers ----

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sortDefinitions(defs []*sequence.Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}

func blockDue(b *sequence.BlockReservation, now time.Time) bool {
	return !b.Status.Terminal() && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

func reservationDue(r *sequence.Reservation, now time.Time) bool {
	return r.Status == sequence.ReservationPending && !now.Before(r.ExpiresAt)
}

func cloneBlock(b *sequence.BlockReservation) *sequence.BlockReservation {
	c := *b
	c.UsedValues = append([]int64{}, b.UsedValues...)
	return &c
}

func cloneReservation(r *sequence.Reservation) *sequence.Reservation {
	c := *r
	return &c
}
