package store

import (
	"context"

	"tradecore/internal/store/model"
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction.
	Rollback() error

	// Signals returns the signal decision repository within this transaction.
	Signals() SignalRepository
}

// Store is the entry point for database access.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)
	// Close closes the store connection.
	Close() error
}

// SignalFilter narrows a signal decision listing. Zero values match everything.
type SignalFilter struct {
	RunID        string
	Symbol       string
	AcceptedOnly bool
	Limit        int
}

// SignalRepository handles signal decision persistence.
type SignalRepository interface {
	InsertBatch(ctx context.Context, rows []model.SignalDecisionModel) error
	List(ctx context.Context, filter SignalFilter) ([]model.SignalDecisionModel, error)
	CountByReason(ctx context.Context, runID string) (map[string]int, error)
}
