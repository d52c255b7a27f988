package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Processes
	CreateProcess(ctx context.Context, rec *ProcessRecord) error
	GetProcess(ctx context.Context, id string) (*ProcessRecord, error)
	UpdateProcess(ctx context.Context, id string, update ProcessUpdate) error
	ListProcesses(ctx context.Context, filter ProcessFilter) ([]*ProcessRecord, error)
	DeleteProcess(ctx context.Context, id string) error

	// Retention
	ListExpired(ctx context.Context, completedBefore time.Time, limit int) ([]string, error)

	// Step State (materialized view)
	UpsertStepState(ctx context.Context, state *StepState) error
	ListStepStates(ctx context.Context, processID string) ([]*StepState, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, processID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
