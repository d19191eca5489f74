package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeasePolicy_Normalized(t *testing.T) {
	p := LeasePolicy{Attempts: 7}.normalized()

	assert.Equal(t, 7, p.Attempts)
	assert.Equal(t, DefaultLeasePolicy().TTL, p.TTL)
	assert.Equal(t, DefaultLeasePolicy().Deadline, p.Deadline)
}

func TestLeasePolicy_BackoffBounds(t *testing.T) {
	p := DefaultLeasePolicy()

	for attempt := 1; attempt <= 12; attempt++ {
		want := p.BaseBackoff << (attempt - 1)
		if want > p.MaxBackoff || want <= 0 {
			want = p.MaxBackoff
		}
		for i := 0; i < 50; i++ {
			d := p.backoff(attempt)
			assert.GreaterOrEqual(t, d, want/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, want, "attempt %d", attempt)
		}
	}
}

func TestLease_Busy(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, Lease{}.Busy(now))
	assert.True(t, Lease{Held: true, ExpiresAt: now.Add(time.Second)}.Busy(now))
	assert.False(t, Lease{Held: true, ExpiresAt: now}.Busy(now), "expired lease can be reclaimed")
}
