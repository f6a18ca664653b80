// Package alert delivers operator notifications for events that need a
// human: rollback failures, rollback conflicts, and lost watches. Alerts are
// fire-and-forget; delivery failure is logged, never propagated into the
// control flow that raised the alert.
package alert

import (
	"context"
	"log/slog"
	"time"

	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/observability"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// Severity grades an alert for routing on the receiving side.
type Severity string

// Alert severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity  Severity          `json:"severity"`
	Code      zerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Workload  model.WorkloadRef `json:"workload,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	ActionID  string            `json:"action_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Alerter delivers alerts. Implementations must tolerate concurrent calls.
type Alerter interface {
	Fire(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts to the structured log. It is the fallback when no
// webhook is configured, so rollback failures are never silent.
type LogAlerter struct {
	metrics *observability.Metrics
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(metrics *observability.Metrics) *LogAlerter {
	return &LogAlerter{metrics: metrics}
}

// Fire logs the alert at a level matching its severity.
func (l *LogAlerter) Fire(_ context.Context, alert Alert) {
	attrs := []any{
		"code", string(alert.Code),
		"workload", alert.Workload.String(),
		"run_id", alert.RunID,
		"action_id", alert.ActionID,
	}
	switch alert.Severity {
	case SeverityCritical:
		slog.Error("ALERT: "+alert.Message, attrs...)
	default:
		slog.Warn("ALERT: "+alert.Message, attrs...)
	}
	if l.metrics != nil {
		l.metrics.AlertsFired.WithLabelValues(string(alert.Severity)).Inc()
	}
}
