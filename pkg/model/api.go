package model

import "time"

// ZeroPodRequest is the body of POST /api/v1/optimize/zero-pod.
type ZeroPodRequest struct {
	Namespace     string `json:"namespace"`
	LabelSelector string `json:"label_selector,omitempty"`

	DryRun       bool   `json:"dry_run"`
	SafetyChecks bool   `json:"safety_checks"`
	Mode         string `json:"mode,omitempty"` // "sequential" (default) or "parallel"

	// RollbackTimeoutSeconds overrides the configured safety-watch duration.
	// Zero means use the server default.
	RollbackTimeoutSeconds int `json:"rollback_timeout_seconds,omitempty"`
}

// ZeroPodResponse is returned from a submission. A run with no actions is a
// successful, empty result rather than an error.
type ZeroPodResponse struct {
	RunID        string    `json:"run_id"`
	Status       RunStatus `json:"status"`
	ActionCount  int       `json:"action_count"`
	DryRun       bool      `json:"dry_run"`
	SafetyChecks bool      `json:"safety_checks"`
	Message      string    `json:"message,omitempty"`
}

// RollbackResponse summarizes an operator-triggered rollback.
type RollbackResponse struct {
	RunID     string                  `json:"run_id"`
	Requested int                     `json:"requested"`
	Results   []ActionRollbackResult `json:"results"`
}

// ActionRollbackResult is the per-action outcome of an operator rollback.
type ActionRollbackResult struct {
	ActionID string          `json:"action_id"`
	Workload WorkloadRef     `json:"workload"`
	Outcome  RollbackOutcome `json:"outcome"`
	Error    string          `json:"error,omitempty"`
}

// StatusResponse is the ledger view returned by GET /api/v1/optimize/status/{id}.
type StatusResponse struct {
	Run    *OptimizationRun `json:"run"`
	Events []Event          `json:"events,omitempty"`
}

// ErrorResponse is the uniform error body for all API failures.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
