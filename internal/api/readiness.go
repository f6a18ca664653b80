package api

import (
	"context"
	"log/slog"
)

// Pinger is the reachability probe the readiness check runs against the
// ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AvailabilityChecker is the reachability probe for the traffic source.
type AvailabilityChecker interface {
	IsAvailable(ctx context.Context) bool
}

// Readiness gates /readyz on the dependencies a run cannot proceed
// without. The traffic source is advisory: an unreachable source degrades
// planning but must not take the rollback API offline.
type Readiness struct {
	Ledger Pinger
	Source AvailabilityChecker
}

// IsReady implements ReadinessChecker.
func (r Readiness) IsReady(ctx context.Context) bool {
	if r.Ledger == nil || r.Ledger.Ping(ctx) != nil {
		return false
	}
	if r.Source != nil && !r.Source.IsAvailable(ctx) {
		slog.Debug("traffic source unavailable, planning degraded")
	}
	return true
}
