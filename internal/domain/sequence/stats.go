package sequence

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"consecutive/internal/core/id"
)

// Stats describes the consumption of one counter.
type Stats struct {
	SequenceID id.ID  `json:"sequenceId"`
	SegmentKey string `json:"segmentKey,omitempty"`
	Current    int64  `json:"current"`

	// Next is the value the next allocation would return; nil when exhausted.
	Next *int64 `json:"next,omitempty"`

	Issued    int64 `json:"issued"`
	Remaining int64 `json:"remaining"`
	Capacity  int64 `json:"capacity"`
	Exhausted bool  `json:"exhausted"`

	// Utilization is the issued share of capacity in percent, two decimals.
	Utilization decimal.Decimal `json:"utilization"`
}

// Stats reports how far a counter has progressed. It reads without the lease.
func (s *Service) Stats(ctx context.Context, sequenceID id.ID, segmentKey string) (*Stats, error) {
	def, err := s.store.GetDefinition(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if err := checkSegmentKey(def, segmentKey); err != nil {
		return nil, err
	}
	return computeStats(def, segmentKey), nil
}

func computeStats(def *Definition, segmentKey string) *Stats {
	current := def.Counter(segmentKey)
	inc := decimal.NewFromInt(def.IncrementBy)
	base := decimal.NewFromInt(def.InitialValue).Sub(inc)

	// counts are computed in decimal since max-initial overflows int64 for unbounded sequences
	capacity := decimal.NewFromInt(def.MaxValue).Sub(base).Div(inc).Floor()
	issued := decimal.NewFromInt(current).Sub(base).Div(inc).Floor()
	if issued.IsNegative() {
		issued = decimal.Zero
	}
	remaining := capacity.Sub(issued)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	st := &Stats{
		SequenceID:  def.ID,
		SegmentKey:  segmentKey,
		Current:     current,
		Issued:      clampInt64(issued),
		Remaining:   clampInt64(remaining),
		Capacity:    clampInt64(capacity),
		Utilization: decimal.Zero,
		Exhausted:   remaining.IsZero(),
	}
	if capacity.IsPositive() {
		st.Utilization = issued.Div(capacity).Mul(decimal.NewFromInt(100)).Round(2)
	}
	if _, end, ok := nextRange(current, def.IncrementBy, 1); ok && end <= def.MaxValue {
		st.Next = int64Ptr(end)
	}
	return st
}

func clampInt64(d decimal.Decimal) int64 {
	if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	return d.IntPart()
}
