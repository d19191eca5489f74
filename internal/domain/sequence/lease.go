package sequence

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"consecutive/internal/core/apperror"
	"consecutive/internal/core/id"
)

// ErrLeaseHeld is returned by a Locker when another holder owns an unexpired lease.
var ErrLeaseHeld = errors.New("sequence lease held")

// LeaseToken proves ownership of a sequence lease.
type LeaseToken struct {
	SequenceID id.ID
	Holder     string
	ExpiresAt  time.Time
	// Fence is passed to fenced store writes. Lockers that keep the lease
	// outside the store leave it empty.
	Fence string
}

// Locker is the lease lock guarding every mutation of one sequence.
type Locker interface {
	// Acquire makes a single attempt. It returns ErrLeaseHeld on contention.
	Acquire(ctx context.Context, sequenceID id.ID, holder string, ttl time.Duration) (LeaseToken, error)

	// Release gives the lease back if token still owns it. Releasing a lease
	// that was already reclaimed by someone else is a no-op.
	Release(ctx context.Context, token LeaseToken) error
}

// StoreLocker implements Locker as compare-and-set on the persisted lease field, so
// the same logic holds for one process or several instances sharing a store.
type StoreLocker struct {
	store LeaseStore
	now   func() time.Time
}

// NewStoreLocker creates a store-backed locker.
func NewStoreLocker(store LeaseStore, now func() time.Time) *StoreLocker {
	if now == nil {
		now = time.Now
	}
	return &StoreLocker{store: store, now: now}
}

// Acquire implements Locker.
func (l *StoreLocker) Acquire(ctx context.Context, sequenceID id.ID, holder string, ttl time.Duration) (LeaseToken, error) {
	lease, ok, err := l.store.TryAcquireLease(ctx, sequenceID, holder, l.now(), ttl)
	if err != nil {
		return LeaseToken{}, err
	}
	if !ok {
		return LeaseToken{}, fmt.Errorf("%w by %s until %s", ErrLeaseHeld, lease.HolderID, lease.ExpiresAt.Format(time.RFC3339Nano))
	}
	return LeaseToken{
		SequenceID: sequenceID,
		Holder:     holder,
		ExpiresAt:  lease.ExpiresAt,
		Fence:      holder,
	}, nil
}

// Release implements Locker.
func (l *StoreLocker) Release(ctx context.Context, token LeaseToken) error {
	_, err := l.store.ReleaseLease(ctx, token.SequenceID, token.Holder)
	return err
}

var _ Locker = (*StoreLocker)(nil)

// LeasePolicy bounds how long a caller waits for a busy sequence.
type LeasePolicy struct {
	// TTL is the lease duration. It must exceed the worst-case critical section.
	TTL time.Duration
	// Attempts is the total number of acquisition attempts.
	Attempts int
	// BaseBackoff is the wait before the second attempt; it doubles per attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration
	// Deadline caps the whole acquisition, waits included.
	Deadline time.Duration
}

// DefaultLeasePolicy returns the production defaults.
func DefaultLeasePolicy() LeasePolicy {
	return LeasePolicy{
		TTL:         5 * time.Second,
		Attempts:    4,
		BaseBackoff: 25 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
		Deadline:    2 * time.Second,
	}
}

func (p LeasePolicy) normalized() LeasePolicy {
	def := DefaultLeasePolicy()
	if p.TTL <= 0 {
		p.TTL = def.TTL
	}
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = def.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Deadline <= 0 {
		p.Deadline = def.Deadline
	}
	return p
}

// backoff returns the jittered wait before attempt (1-based retry index).
func (p LeasePolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff << (attempt - 1)
	if d <= 0 || d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	// up to 50% jitter so contending callers spread out
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}

// acquireLease runs the bounded retry loop. It never blocks past the policy
// deadline or the caller's context, and nothing is mutated before it returns a token.
func (s *Service) acquireLease(ctx context.Context, sequenceID id.ID, actor Actor) (LeaseToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.Deadline)
	defer cancel()

	holder := id.NewHolder(actor.ID)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < s.policy.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(s.policy.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.observer.LeaseWait(sequenceID.String(), attempt, false, time.Since(start))
				return LeaseToken{}, apperror.NewBusy(sequenceID.String(), attempt).WithCause(ctx.Err())
			case <-timer.C:
			}
		}

		token, err := s.locker.Acquire(ctx, sequenceID, holder, s.policy.TTL)
		if err == nil {
			s.observer.LeaseWait(sequenceID.String(), attempt+1, true, time.Since(start))
			return token, nil
		}
		if !errors.Is(err, ErrLeaseHeld) {
			if ctx.Err() != nil {
				return LeaseToken{}, apperror.NewBusy(sequenceID.String(), attempt+1).WithCause(err)
			}
			return LeaseToken{}, err
		}
		lastErr = err
	}

	s.observer.LeaseWait(sequenceID.String(), s.policy.Attempts, false, time.Since(start))
	return LeaseToken{}, apperror.NewBusy(sequenceID.String(), s.policy.Attempts).WithCause(lastErr)
}

// withLease runs fn as the critical section of sequenceID. The definition is loaded
// after the lease is taken. fn runs inside one store transaction on a context that
// ignores caller cancellation, and the lease is released on every exit path.
func (s *Service) withLease(ctx context.Context, sequenceID id.ID, actor Actor, fn func(ctx context.Context, fence string, def *Definition) error) error {
	token, err := s.acquireLease(ctx, sequenceID, actor)
	if err != nil {
		return err
	}

	critical := context.WithoutCancel(ctx)
	defer func() {
		if err := s.locker.Release(critical, token); err != nil {
			s.log(critical).Warnw("lease release failed", "sequence_id", sequenceID, "holder", token.Holder, "error", err)
		}
	}()

	return s.store.RunInTransaction(critical, func(txCtx context.Context) error {
		def, err := s.store.GetDefinition(txCtx, sequenceID)
		if err != nil {
			return err
		}
		return fn(txCtx, token.Fence, def)
	})
}
