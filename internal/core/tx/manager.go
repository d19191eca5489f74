// Package tx provides transaction management abstractions.
// The sequence engine depends on Manager so that a critical section
// (counter advance, ledger write and audit append) commits as one unit
// without knowing which store sits underneath.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
//
// Domain services depend on this interface, not concrete implementations.
// The Postgres implementation lives in infrastructure/storage/postgres,
// the in-process one in infrastructure/storage/memory.
type Manager interface {
	// RunInTransaction executes fn within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
