// Package ledger persists optimization runs, actions, and their append-only
// event history. Two implementations exist: a Postgres ledger for production
// and an in-memory ledger for tests and single-node evaluation.
//
// Write ordering is the ledger's core contract. RecordRollbackSpec must be
// durable before the control-plane apply it covers, and MarkActionApplied
// must be durable before a rollback watch is scheduled. Callers rely on a
// returned nil error meaning "persisted", not "queued".
package ledger

import (
	"context"
	"time"

	"github.com/kubilitics/zeroscale/pkg/model"
)

// RecoverableAction is an applied action whose rollback watch must be
// re-established after a restart, joined with the run fields the monitor
// needs to rebuild the watch deadline.
type RecoverableAction struct {
	Action          model.OptimizationAction
	RollbackTimeout time.Duration
	SafetyChecks    bool
}

// Ledger is the durable record of optimization activity.
type Ledger interface {
	// CreateRun persists a new run and all of its planned actions.
	CreateRun(ctx context.Context, run *model.OptimizationRun) error

	// StartRun moves a pending run to running.
	StartRun(ctx context.Context, runID string, at time.Time) error

	// CompleteRun moves a running run to a terminal status and stamps its
	// rollback expiry when the run remains recoverable.
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, rollbackExpiresAt *time.Time, at time.Time) error

	// GetRun returns the run with its actions, or a RUN_NOT_FOUND error.
	GetRun(ctx context.Context, runID string) (*model.OptimizationRun, error)

	// MarkActionExecuting moves a planned action to executing.
	MarkActionExecuting(ctx context.Context, actionID string, at time.Time) error

	// RecordRollbackSpec persists the configuration rollback would restore.
	// It must complete before the corresponding control-plane mutation.
	RecordRollbackSpec(ctx context.Context, actionID string, spec model.ReplicaSpec) error

	// MarkActionApplied moves an executing action to applied and records
	// whether a rollback is available for it.
	MarkActionApplied(ctx context.Context, actionID string, rollbackAvailable bool, at time.Time) error

	// MarkActionFailed moves an action to failed with a reason.
	MarkActionFailed(ctx context.Context, actionID string, reason string, at time.Time) error

	// RecordRollbackOutcome resolves an applied action's rollback. A
	// succeeded outcome moves the action to rolled_back; a failed outcome
	// leaves it applied with the error recorded for manual intervention.
	RecordRollbackOutcome(ctx context.Context, actionID string, outcome model.RollbackOutcome, detail string, at time.Time) error

	// ClearRollbackAvailable retires the rollback window for a run and all
	// of its still-recoverable actions.
	ClearRollbackAvailable(ctx context.Context, runID string, at time.Time) error

	// ListRecoverableActions returns applied actions that still hold an
	// active rollback window, across all runs.
	ListRecoverableActions(ctx context.Context) ([]RecoverableAction, error)

	// ListPurgeableRuns returns terminal runs with no live rollback window
	// that completed before the given instant.
	ListPurgeableRuns(ctx context.Context, olderThan time.Time) ([]string, error)

	// DeleteRun removes a run with its actions and events. Callers archive
	// the run first; deletion is not recoverable.
	DeleteRun(ctx context.Context, runID string) error

	// AppendEvent adds one entry to a run's audit history.
	AppendEvent(ctx context.Context, event model.Event) error

	// ListEvents returns a run's audit history in append order.
	ListEvents(ctx context.Context, runID string) ([]model.Event, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}
