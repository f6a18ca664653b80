// Package decision turns classified traffic into zero-scale plans.
// Ineligibility is a normal outcome: the engine returns no action, never an
// error, for workloads that should stay up.
package decision

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/kubilitics/zeroscale/pkg/model"
)

// Config holds the eligibility thresholds and the risk rule table.
type Config struct {
	// ConfidenceThreshold is the minimum idle-confidence; higher is more
	// conservative.
	ConfidenceThreshold float64

	// CPUThresholdPct and MemoryThresholdPct cap usage as a percentage of
	// the workload's requests over the analysis window.
	CPUThresholdPct    float64
	MemoryThresholdPct float64

	// ExcludedNamespaces and ExcludedSelectors name workloads that must
	// never be zero-scaled (system components, operators).
	ExcludedNamespaces []string
	ExcludedSelectors  []string

	// RiskReplicaThreshold raises risk to at least medium for workloads
	// running more replicas than this.
	RiskReplicaThreshold int32
}

// Engine plans zero-scale actions from workload snapshots and classified
// traffic. It is pure computation over already-fetched data.
type Engine struct {
	cfg      Config
	cost     CostModel
	excluded []labels.Selector
	logger   *slog.Logger
}

// NewEngine creates an Engine. Malformed exclusion selectors are rejected.
func NewEngine(cfg Config, cost CostModel, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	excluded := make([]labels.Selector, 0, len(cfg.ExcludedSelectors))
	for _, raw := range cfg.ExcludedSelectors {
		sel, err := labels.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decision: invalid exclusion selector %q: %w", raw, err)
		}
		excluded = append(excluded, sel)
	}
	return &Engine{cfg: cfg, cost: cost, excluded: excluded, logger: logger}, nil
}

// Plan decides whether the workload is a zero-scale candidate and, if so,
// returns the planned action. A nil action with nil error means the
// workload is ineligible.
//
// The returned action's OriginalSpec and RollbackSpec hold the selection
// snapshot; the executor re-captures both from the live cluster immediately
// before applying.
func (e *Engine) Plan(w *model.Workload, cls model.ClassificationResult, now time.Time) *model.OptimizationAction {
	if reason := e.ineligible(w, cls); reason != "" {
		e.logger.Debug("workload not eligible for zero-scaling",
			"workload", w.Ref.String(), "reason", reason)
		return nil
	}

	original := w.CurrentSpec()
	target := model.ReplicaSpec{Replicas: 0, Containers: original.Containers}

	action := &model.OptimizationAction{
		ID:       uuid.New().String(),
		Type:     model.ActionZeroPodScaling,
		Workload: w.Ref,

		OriginalSpec: original,
		TargetSpec:   target,
		RollbackSpec: original,

		Status: model.ActionPlanned,

		EstimatedMonthlySavings: e.cost.MonthlyCost(original) - e.cost.MonthlyCost(target),
		Risk:                    e.risk(w),

		BaselineBusinessRate: cls.BusinessRate(),

		RollbackOutcome: model.RollbackNotAttempted,
		CreatedAt:       now,
	}
	return action
}

// ineligible returns a non-empty reason when the workload must not be
// zero-scaled.
func (e *Engine) ineligible(w *model.Workload, cls model.ClassificationResult) string {
	if w.Protected {
		return "protected"
	}
	if w.Replicas == 0 {
		return "already at zero replicas"
	}
	for _, ns := range e.cfg.ExcludedNamespaces {
		if w.Ref.Namespace == ns {
			return "excluded namespace"
		}
	}
	lbls := labels.Set(w.Labels)
	for _, sel := range e.excluded {
		if sel.Matches(lbls) {
			return "matches exclusion selector"
		}
	}
	if cls.BusinessCount > 0 {
		return "business traffic observed"
	}
	if cls.Confidence < e.cfg.ConfidenceThreshold {
		return "idle confidence below threshold"
	}
	if pct := usagePct(w.CPUUsage, w.TotalCPURequest()); pct >= e.cfg.CPUThresholdPct {
		return "cpu usage above threshold"
	}
	if pct := usagePct(w.MemoryUsage, w.TotalMemoryRequest()); pct >= e.cfg.MemoryThresholdPct {
		return "memory usage above threshold"
	}
	return ""
}

// risk applies the deterministic risk rule table.
func (e *Engine) risk(w *model.Workload) model.RiskLevel {
	risk := model.RiskLow
	if e.cfg.RiskReplicaThreshold > 0 && w.Replicas > e.cfg.RiskReplicaThreshold {
		risk = model.RiskMedium
	}
	if w.Stateful {
		risk = model.RiskHigh
	}
	return risk
}

// usagePct returns usage as a percentage of requested, treating a workload
// with no requests as fully unknown (100%) so it is never scaled on the
// basis of missing data.
func usagePct(usage, requested int64) float64 {
	if requested <= 0 {
		return 100
	}
	return float64(usage) / float64(requested) * 100
}
