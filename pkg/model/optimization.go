package model

import "time"

// ActionType identifies the kind of optimization an action performs.
type ActionType string

// Supported action types.
const (
	ActionZeroPodScaling ActionType = "zero_pod_scaling"
)

// ActionStatus is the lifecycle state of a single optimization action.
type ActionStatus string

// Action lifecycle states. Planned actions move to executing, then to
// applied or failed. Applied actions may later move to rolled_back, driven
// by the rollback monitor or an operator.
const (
	ActionPlanned    ActionStatus = "planned"
	ActionExecuting  ActionStatus = "executing"
	ActionApplied    ActionStatus = "applied"
	ActionFailed     ActionStatus = "failed"
	ActionRolledBack ActionStatus = "rolled_back"
)

// RiskLevel grades the blast radius of an action.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RollbackOutcome records what happened to an action's safety-net rollback.
type RollbackOutcome string

// Rollback outcomes.
const (
	RollbackPending      RollbackOutcome = "pending"
	RollbackSucceeded    RollbackOutcome = "succeeded"
	RollbackFailed       RollbackOutcome = "failed"
	RollbackNotAttempted RollbackOutcome = "not_attempted"
)

// OptimizationAction is one planned or executed change against a workload.
//
// RollbackSpec is captured from the live workload immediately before the
// action is applied and is immutable thereafter. It duplicates OriginalSpec
// deliberately so the audit trail of what rollback would restore survives
// any later edits to the original-spec field.
type OptimizationAction struct {
	ID    string     `json:"id"`
	RunID string     `json:"run_id"`
	Type  ActionType `json:"type"`

	Workload WorkloadRef `json:"workload"`

	OriginalSpec ReplicaSpec `json:"original_spec"`
	TargetSpec   ReplicaSpec `json:"target_spec"`
	RollbackSpec ReplicaSpec `json:"rollback_spec"`

	Status ActionStatus `json:"status"`
	Error  string       `json:"error,omitempty"`

	EstimatedMonthlySavings float64   `json:"estimated_monthly_savings"`
	Risk                    RiskLevel `json:"risk"`

	// BaselineBusinessRate is the workload's business request rate measured
	// at plan time, in requests per second. The rollback monitor's traffic
	// trigger compares against this denominator.
	BaselineBusinessRate float64 `json:"baseline_business_rate"`

	RollbackAvailable bool            `json:"rollback_available"`
	RollbackOutcome   RollbackOutcome `json:"rollback_outcome"`
	RollbackError     string          `json:"rollback_error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// RunStatus is the lifecycle state of an optimization run.
type RunStatus string

// Run lifecycle states.
const (
	RunPending    RunStatus = "pending"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
)

// ExecutionMode selects the batch discipline for a run.
type ExecutionMode string

// Execution modes.
const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// OptimizationRun aggregates one batch of actions sharing a single
// invocation. It exclusively owns its actions: expiring the run invalidates
// its actions for rollback purposes.
type OptimizationRun struct {
	ID string `json:"id"`

	Namespace     string        `json:"namespace"`
	LabelSelector string        `json:"label_selector,omitempty"`
	DryRun        bool          `json:"dry_run"`
	SafetyChecks  bool          `json:"safety_checks"`
	Mode          ExecutionMode `json:"mode"`

	RollbackTimeout time.Duration `json:"rollback_timeout"`

	Status RunStatus `json:"status"`

	Actions []OptimizationAction `json:"actions"`

	RollbackAvailable bool       `json:"rollback_available"`
	RollbackExpiresAt *time.Time `json:"rollback_expires_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Action returns the run's action with the given ID, or nil.
func (r *OptimizationRun) Action(id string) *OptimizationAction {
	for i := range r.Actions {
		if r.Actions[i].ID == id {
			return &r.Actions[i]
		}
	}
	return nil
}

// RollbackExpired reports whether the run's rollback window has lapsed at
// the given instant.
func (r *OptimizationRun) RollbackExpired(now time.Time) bool {
	return r.RollbackExpiresAt != nil && now.After(*r.RollbackExpiresAt)
}

// EventType labels an entry in the append-only run event log.
type EventType string

// Ledger event types.
const (
	EventRunCreated       EventType = "run_created"
	EventRunStarted       EventType = "run_started"
	EventRunCompleted     EventType = "run_completed"
	EventActionExecuting  EventType = "action_executing"
	EventActionApplied    EventType = "action_applied"
	EventActionFailed     EventType = "action_failed"
	EventWatchScheduled   EventType = "watch_scheduled"
	EventRollbackTrigger  EventType = "rollback_triggered"
	EventRollbackResolved EventType = "rollback_resolved"
	EventRollbackExpired  EventType = "rollback_expired"
)

// Event is one append-only entry in a run's audit history.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	ActionID  string    `json:"action_id,omitempty"`
	Type      EventType `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
