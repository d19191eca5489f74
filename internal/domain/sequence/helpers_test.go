package sequence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/storage/memory"
	"consecutive/pkg/logger"
)

var (
	alice = sequence.Actor{ID: "alice", Name: "Alice"}
	bob   = sequence.Actor{ID: "bob", Name: "Bob"}
	carol = sequence.Actor{ID: "carol", Name: "Carol", EntityID: "acme"}
	root  = sequence.Actor{ID: "root", Name: "Root", Admin: true}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *sequence.Service
	store *memory.Store
	clock *fakeClock
}

// patientPolicy lets many goroutines queue on one lease without surfacing Busy.
func patientPolicy() sequence.LeasePolicy {
	return sequence.LeasePolicy{
		TTL:         5 * time.Second,
		Attempts:    10_000,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		Deadline:    30 * time.Second,
	}
}

func newFixture(t *testing.T, policy sequence.LeasePolicy) *fixture {
	t.Helper()

	store := memory.New()
	clock := newFakeClock(time.Date(2024, time.June, 15, 9, 30, 0, 0, time.UTC))
	svc := sequence.NewService(sequence.Config{
		Store:  store,
		Policy: policy,
		Clock:  clock.Now,
		Logger: logger.Nop(),
	})
	return &fixture{svc: svc, store: store, clock: clock}
}

func (f *fixture) create(t *testing.T, def sequence.Definition) *sequence.Definition {
	t.Helper()
	if def.Name == "" {
		def.Name = "invoices"
	}
	created, err := f.svc.CreateSequence(context.Background(), &def, root)
	require.NoError(t, err)
	return created
}

func (f *fixture) counter(t *testing.T, def *sequence.Definition, segmentKey string) int64 {
	t.Helper()
	current, err := f.svc.GetSequence(context.Background(), def.ID)
	require.NoError(t, err)
	return current.Counter(segmentKey)
}

func (f *fixture) actions(t *testing.T, def *sequence.Definition) []sequence.AuditAction {
	t.Helper()
	entries, err := f.svc.History(context.Background(), def.ID, 0)
	require.NoError(t, err)

	out := make([]sequence.AuditAction, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.Action
	}
	return out
}
