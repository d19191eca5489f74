package sequence

import (
	"context"

	"consecutive/internal/core/id"
)

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 100

// appendAudit stamps and writes an entry. It runs inside the caller's transaction so
// the entry commits or rolls back with the mutation it describes.
func (s *Service) appendAudit(ctx context.Context, entry *AuditEntry) error {
	if id.IsNil(entry.ID) {
		entry.ID = id.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if entry.Actor.ID == "" {
		entry.Actor = Actor{ID: "anonymous"}
	}
	return s.store.AppendAudit(ctx, entry)
}

// History returns the newest audit entries of a sequence. It reads without the lease.
func (s *Service) History(ctx context.Context, sequenceID id.ID, limit int) ([]AuditEntry, error) {
	if _, err := s.store.GetDefinition(ctx, sequenceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.store.History(ctx, sequenceID, limit)
}

func int64Ptr(v int64) *int64 { return &v }

func idPtr(v id.ID) *id.ID { return &v }
