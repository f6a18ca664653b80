package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// MemoryLedger is an in-memory Ledger guarded by a single RWMutex. Runs are
// deep-copied on the way in and out so callers can never mutate ledger state
// through a shared pointer.
type MemoryLedger struct {
	mu      sync.RWMutex
	runs    map[string]*model.OptimizationRun
	events  []model.Event
	nextID  int64
	actions map[string]string // action ID -> run ID
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		runs:    make(map[string]*model.OptimizationRun),
		actions: make(map[string]string),
		nextID:  1,
	}
}

// CreateRun persists a new run and all of its planned actions.
func (l *MemoryLedger) CreateRun(_ context.Context, run *model.OptimizationRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := copyRun(run)
	l.runs[run.ID] = stored
	for i := range stored.Actions {
		l.actions[stored.Actions[i].ID] = run.ID
	}
	l.appendLocked(model.Event{RunID: run.ID, Type: model.EventRunCreated, Timestamp: run.CreatedAt})
	return nil
}

// StartRun moves a pending run to running.
func (l *MemoryLedger) StartRun(_ context.Context, runID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return runNotFound(runID)
	}
	run.Status = model.RunRunning
	run.StartedAt = timePtr(at)
	l.appendLocked(model.Event{RunID: runID, Type: model.EventRunStarted, Timestamp: at})
	return nil
}

// CompleteRun moves a running run to a terminal status.
func (l *MemoryLedger) CompleteRun(_ context.Context, runID string, status model.RunStatus, rollbackExpiresAt *time.Time, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return runNotFound(runID)
	}
	run.Status = status
	run.CompletedAt = timePtr(at)
	run.RollbackExpiresAt = copyTimePtr(rollbackExpiresAt)
	run.RollbackAvailable = rollbackExpiresAt != nil
	l.appendLocked(model.Event{RunID: runID, Type: model.EventRunCompleted, Detail: string(status), Timestamp: at})
	return nil
}

// GetRun returns a deep copy of the run.
func (l *MemoryLedger) GetRun(_ context.Context, runID string) (*model.OptimizationRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	run, ok := l.runs[runID]
	if !ok {
		return nil, runNotFound(runID)
	}
	return copyRun(run), nil
}

// MarkActionExecuting moves a planned action to executing.
func (l *MemoryLedger) MarkActionExecuting(_ context.Context, actionID string, at time.Time) error {
	return l.updateAction(actionID, func(a *model.OptimizationAction) {
		a.Status = model.ActionExecuting
	}, model.Event{Type: model.EventActionExecuting, Timestamp: at})
}

// RecordRollbackSpec persists the configuration rollback would restore.
func (l *MemoryLedger) RecordRollbackSpec(_ context.Context, actionID string, spec model.ReplicaSpec) error {
	return l.updateAction(actionID, func(a *model.OptimizationAction) {
		a.RollbackSpec = spec
	}, model.Event{})
}

// MarkActionApplied moves an executing action to applied.
func (l *MemoryLedger) MarkActionApplied(_ context.Context, actionID string, rollbackAvailable bool, at time.Time) error {
	return l.updateAction(actionID, func(a *model.OptimizationAction) {
		a.Status = model.ActionApplied
		a.RollbackAvailable = rollbackAvailable
		a.AppliedAt = timePtr(at)
		if !rollbackAvailable {
			a.RollbackOutcome = model.RollbackNotAttempted
		}
	}, model.Event{Type: model.EventActionApplied, Timestamp: at})
}

// MarkActionFailed moves an action to failed with a reason.
func (l *MemoryLedger) MarkActionFailed(_ context.Context, actionID string, reason string, at time.Time) error {
	return l.updateAction(actionID, func(a *model.OptimizationAction) {
		a.Status = model.ActionFailed
		a.Error = reason
		a.RollbackAvailable = false
		a.RollbackOutcome = model.RollbackNotAttempted
		a.ResolvedAt = timePtr(at)
	}, model.Event{Type: model.EventActionFailed, Detail: reason, Timestamp: at})
}

// RecordRollbackOutcome resolves an applied action's rollback.
func (l *MemoryLedger) RecordRollbackOutcome(_ context.Context, actionID string, outcome model.RollbackOutcome, detail string, at time.Time) error {
	return l.updateAction(actionID, func(a *model.OptimizationAction) {
		a.RollbackOutcome = outcome
		a.RollbackAvailable = false
		a.ResolvedAt = timePtr(at)
		switch outcome {
		case model.RollbackSucceeded:
			a.Status = model.ActionRolledBack
		case model.RollbackFailed:
			a.RollbackError = detail
		}
	}, model.Event{Type: model.EventRollbackResolved, Detail: string(outcome), Timestamp: at})
}

// ClearRollbackAvailable retires the rollback window for a run.
func (l *MemoryLedger) ClearRollbackAvailable(_ context.Context, runID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return runNotFound(runID)
	}
	run.RollbackAvailable = false
	for i := range run.Actions {
		a := &run.Actions[i]
		if a.RollbackAvailable {
			a.RollbackAvailable = false
			a.RollbackOutcome = model.RollbackNotAttempted
			a.ResolvedAt = timePtr(at)
		}
	}
	l.appendLocked(model.Event{RunID: runID, Type: model.EventRollbackExpired, Timestamp: at})
	return nil
}

// ListRecoverableActions returns applied actions with an active rollback window.
func (l *MemoryLedger) ListRecoverableActions(_ context.Context) ([]RecoverableAction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []RecoverableAction
	for _, run := range l.runs {
		for i := range run.Actions {
			a := run.Actions[i]
			if a.Status == model.ActionApplied && a.RollbackAvailable {
				out = append(out, RecoverableAction{
					Action:          a,
					RollbackTimeout: run.RollbackTimeout,
					SafetyChecks:    run.SafetyChecks,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action.ID < out[j].Action.ID })
	return out, nil
}

// ListPurgeableRuns returns terminal runs whose rollback window is retired
// and that completed before olderThan.
func (l *MemoryLedger) ListPurgeableRuns(_ context.Context, olderThan time.Time) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for id, run := range l.runs {
		if !terminalStatus(run.Status) || run.RollbackAvailable {
			continue
		}
		if run.CompletedAt != nil && run.CompletedAt.Before(olderThan) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DeleteRun removes a run with its actions and events.
func (l *MemoryLedger) DeleteRun(_ context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return runNotFound(runID)
	}
	for i := range run.Actions {
		delete(l.actions, run.Actions[i].ID)
	}
	delete(l.runs, runID)

	kept := l.events[:0]
	for _, e := range l.events {
		if e.RunID != runID {
			kept = append(kept, e)
		}
	}
	l.events = kept
	return nil
}

func terminalStatus(status model.RunStatus) bool {
	switch status {
	case model.RunCompleted, model.RunFailed, model.RunRolledBack:
		return true
	}
	return false
}

// AppendEvent adds one entry to a run's audit history.
func (l *MemoryLedger) AppendEvent(_ context.Context, event model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.appendLocked(event)
	return nil
}

// ListEvents returns a run's audit history in append order.
func (l *MemoryLedger) ListEvents(_ context.Context, runID string) ([]model.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Event
	for _, e := range l.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ping always succeeds for the in-memory ledger.
func (l *MemoryLedger) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory ledger.
func (l *MemoryLedger) Close() error { return nil }

// updateAction applies mutate to the stored action and appends the event
// when it carries a type. The event's run and action IDs are filled in.
func (l *MemoryLedger) updateAction(actionID string, mutate func(*model.OptimizationAction), event model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	runID, ok := l.actions[actionID]
	if !ok {
		return actionNotFound(actionID)
	}
	run := l.runs[runID]
	action := run.Action(actionID)
	if action == nil {
		return actionNotFound(actionID)
	}
	mutate(action)

	if event.Type != "" {
		event.RunID = runID
		event.ActionID = actionID
		l.appendLocked(event)
	}
	return nil
}

// appendLocked assigns the next event ID and stores the event. Caller holds
// the write lock.
func (l *MemoryLedger) appendLocked(event model.Event) {
	event.ID = l.nextID
	l.nextID++
	l.events = append(l.events, event)
}

func copyRun(run *model.OptimizationRun) *model.OptimizationRun {
	out := *run
	out.Actions = make([]model.OptimizationAction, len(run.Actions))
	copy(out.Actions, run.Actions)
	for i := range out.Actions {
		out.Actions[i].AppliedAt = copyTimePtr(out.Actions[i].AppliedAt)
		out.Actions[i].ResolvedAt = copyTimePtr(out.Actions[i].ResolvedAt)
	}
	out.RollbackExpiresAt = copyTimePtr(run.RollbackExpiresAt)
	out.StartedAt = copyTimePtr(run.StartedAt)
	out.CompletedAt = copyTimePtr(run.CompletedAt)
	return &out
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

func runNotFound(runID string) error {
	return &zerrors.OptimizerError{
		Code:      zerrors.CodeRunNotFound,
		Message:   "run not found: " + runID,
		Component: "ledger",
	}
}

func actionNotFound(actionID string) error {
	return &zerrors.OptimizerError{
		Code:      zerrors.CodeRunNotFound,
		Message:   "action not found: " + actionID,
		Component: "ledger",
	}
}
