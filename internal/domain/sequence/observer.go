package sequence

import "time"

// Observer receives engine events for metrics. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// LeaseWait reports one lease acquisition, successful or not.
	LeaseWait(sequenceID string, attempts int, acquired bool, wait time.Duration)

	// Allocated reports values handed out; kind is "range", "block" or "single".
	Allocated(sequenceID string, quantity int64, kind string)

	Exhausted(sequenceID string)

	// Expired reports reservations closed by a sweep; kind is "block" or "single".
	Expired(kind string, n int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) LeaseWait(string, int, bool, time.Duration) {}
func (NopObserver) Allocated(string, int64, string) {}
func (NopObserver) Exhausted(string) {}
func (NopObserver) Expired(string, int) {}

var _ Observer = NopObserver{}
