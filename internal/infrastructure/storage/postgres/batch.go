package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// BatchExecutor sends several statements of one transaction in a single round-trip.
type BatchExecutor struct {
	txManager *TxManager
}

// NewBatchExecutor creates a new batch executor.
func NewBatchExecutor(txManager *TxManager) *BatchExecutor {
	return &BatchExecutor{txManager: txManager}
}

// ExecuteBatch executes the statements in order and fails on the first error.
// It must run inside a transaction.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, statements []squirrel.Sqlizer) error {
	tx := e.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("ExecuteBatch requires transaction context")
	}

	batch := &pgx.Batch{}
	for _, stmt := range statements {
		sql, args, err := stmt.ToSql()
		if err != nil {
			return fmt.Errorf("build batch statement: %w", err)
		}
		batch.Queue(sql, args...)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range statements {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement failed: %w", err)
		}
	}
	return nil
}
