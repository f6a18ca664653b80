package errors

import (
	"fmt"
	"sync"
	"time"

	"github.com/kubilitics/zeroscale/pkg/model"
)

// Code represents a typed error code carried on alerts and API responses.
type Code string

// Optimizer error codes.
const (
	CodeInsufficientData Code = "INSUFFICIENT_DATA"
	CodeControlPlane     Code = "CONTROL_PLANE_ERROR"
	CodeRollbackConflict Code = "ROLLBACK_CONFLICT"
	CodeRollbackFailed   Code = "ROLLBACK_FAILED"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeRunNotFound      Code = "RUN_NOT_FOUND"
	CodeRollbackExpired  Code = "ROLLBACK_EXPIRED"
	CodeTrafficSource    Code = "TRAFFIC_SOURCE_ERROR"
	CodeWatchLost        Code = "WATCH_LOST"
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// InsufficientDataError reports a traffic window that cannot be filled.
// It marks a workload as "not eligible", never as "idle".
type InsufficientDataError struct {
	Workload model.WorkloadRef
	Got      int
	Want     int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient traffic data for %s: %d samples, need %d", e.Workload, e.Got, e.Want)
}

// ControlPlaneError wraps a failed call against the cluster control plane.
// Transient for apply (retried with backoff), terminal for rollback.
type ControlPlaneError struct {
	Op       string
	Workload model.WorkloadRef
	Err      error
}

func (e *ControlPlaneError) Error() string {
	return fmt.Sprintf("control plane %s failed for %s: %v", e.Op, e.Workload, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *ControlPlaneError) Unwrap() error { return e.Err }

// RollbackConflictError reports that a workload's live configuration has
// diverged from both the original and the target spec. Restoring it blindly
// is unsafe; manual reconciliation is required.
type RollbackConflictError struct {
	Workload model.WorkloadRef
	Current  model.ReplicaSpec
	Original model.ReplicaSpec
	Target   model.ReplicaSpec
}

func (e *RollbackConflictError) Error() string {
	return fmt.Sprintf("rollback conflict for %s: live replicas=%d match neither original=%d nor target=%d",
		e.Workload, e.Current.Replicas, e.Original.Replicas, e.Target.Replicas)
}

// ValidationError rejects a malformed request before any plan is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// OptimizerError is a typed, reportable error with code and component,
// collected for the readiness and status surfaces.
type OptimizerError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *OptimizerError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *OptimizerError) Unwrap() error {
	return e.Err
}

// entry wraps an OptimizerError with its last-reported time for expiry tracking.
type entry struct {
	err        OptimizerError
	lastReport time.Time
}

// ErrorCollector is a thread-safe store for active optimizer errors.
// Errors are keyed by Code+Component and auto-expire after 5 minutes
// if not re-reported.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewErrorCollector creates an ErrorCollector with the given clock.
func NewErrorCollector(clock Clock) *ErrorCollector {
	return &ErrorCollector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// key builds the dedup key for an error.
func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *ErrorCollector) Report(err OptimizerError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	k := key(err.Code, err.Component)
	ec.entries[k] = entry{
		err:        err,
		lastReport: ec.clock.Now(),
	}
}

// GetActiveErrors returns all errors reported within the TTL window.
func (ec *ErrorCollector) GetActiveErrors() []OptimizerError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]OptimizerError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	return codes
}

// Clear removes all tracked errors.
func (ec *ErrorCollector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.entries = make(map[string]entry)
}
