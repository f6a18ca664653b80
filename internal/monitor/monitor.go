// Package monitor runs the safety-net rollback watches. One goroutine per
// applied action polls the workload's traffic until business traffic
// returns, the rollback window lapses, or an operator intervenes.
//
// Rollback is attempted at most once per action and is never retried. A
// failed rollback escalates to an alert; automation re-trying a mutation
// that just failed against a diverged cluster is how outages compound.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kubilitics/zeroscale/internal/alert"
	"github.com/kubilitics/zeroscale/internal/classifier"
	"github.com/kubilitics/zeroscale/internal/controlplane"
	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/executor"
	"github.com/kubilitics/zeroscale/internal/ledger"
	"github.com/kubilitics/zeroscale/internal/observability"
	"github.com/kubilitics/zeroscale/internal/traffic"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// Rollback triggers, recorded on events and metrics.
const (
	TriggerTraffic  = "traffic"
	TriggerOperator = "operator"
)

// Watch outcomes, recorded on metrics.
const (
	outcomeRolledBack = "rolled_back"
	outcomeExpired    = "expired"
	outcomeCanceled   = "canceled"
)

// Config carries the monitor's tunables.
type Config struct {
	// PollInterval is the traffic poll cadence for active watches.
	PollInterval time.Duration
	// TriggerRatio scales the baseline business rate into the rollback
	// threshold. Business traffic above TriggerRatio * baseline trips the
	// rollback; with a zero baseline any business request trips it.
	TriggerRatio float64
}

// watch is one supervised rollback watch.
type watch struct {
	action   model.OptimizationAction
	deadline time.Time
	cancel   context.CancelFunc
}

// Monitor owns all active rollback watches.
type Monitor struct {
	source       traffic.Source
	classifier   *classifier.Classifier
	controlPlane controlplane.Client
	ledger       ledger.Ledger
	alerter      alert.Alerter
	metrics      *observability.Metrics
	clock        zerrors.Clock
	cfg          Config

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	watches map[string]*watch // keyed by action ID
	wg      sync.WaitGroup
}

// New creates a Monitor. Start must be called before Schedule.
func New(source traffic.Source, cls *classifier.Classifier, cp controlplane.Client, led ledger.Ledger, alerter alert.Alerter, metrics *observability.Metrics, clock zerrors.Clock, cfg Config) *Monitor {
	return &Monitor{
		source:       source,
		classifier:   cls,
		controlPlane: cp,
		ledger:       led,
		alerter:      alerter,
		metrics:      metrics,
		clock:        clock,
		cfg:          cfg,
		watches:      make(map[string]*watch),
	}
}

// Start binds the monitor to its base context. Watches outlive the request
// that created them but not this context.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Stop cancels every active watch and blocks until their goroutines exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Schedule establishes a rollback watch for an applied action. The deadline
// derives from the persisted apply time, so a watch re-established after a
// restart honors the original window rather than restarting it. A deadline
// already in the past expires the action immediately.
func (m *Monitor) Schedule(action model.OptimizationAction, timeout time.Duration) {
	appliedAt := m.clock.Now()
	if action.AppliedAt != nil {
		appliedAt = *action.AppliedAt
	}
	deadline := appliedAt.Add(timeout)

	m.mu.Lock()
	if m.ctx == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		slog.Warn("watch rejected, monitor not running", "action_id", action.ID)
		return
	}
	if _, exists := m.watches[action.ID]; exists {
		m.mu.Unlock()
		return
	}

	wctx, cancel := context.WithCancel(m.ctx)
	w := &watch{action: action, deadline: deadline, cancel: cancel}
	m.watches[action.ID] = w
	m.wg.Add(1)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveWatches.Inc()
	}
	slog.Info("rollback watch scheduled",
		"action_id", action.ID,
		"workload", action.Workload.String(),
		"deadline", deadline.Format(time.RFC3339),
	)

	go m.run(wctx, w)
}

// Reconcile re-establishes watches for applied actions found in the ledger
// at startup. Actions whose window already lapsed are expired on the spot.
func (m *Monitor) Reconcile(ctx context.Context) error {
	recoverable, err := m.ledger.ListRecoverableActions(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list recoverable actions: %w", err)
	}

	now := m.clock.Now()
	for _, rec := range recoverable {
		if !rec.SafetyChecks {
			continue
		}
		action := rec.Action
		deadline := now.Add(rec.RollbackTimeout)
		if action.AppliedAt != nil {
			deadline = action.AppliedAt.Add(rec.RollbackTimeout)
		}

		if now.After(deadline) {
			m.expire(ctx, action)
			continue
		}
		m.Schedule(action, rec.RollbackTimeout)
		if m.metrics != nil {
			m.metrics.ReconciledWatches.Inc()
		}
	}

	if len(recoverable) > 0 {
		slog.Info("watch reconciliation complete", "recoverable_actions", len(recoverable))
	}
	return nil
}

// run is one watch goroutine. Cancellation is checked every tick.
func (m *Monitor) run(ctx context.Context, w *watch) {
	defer m.wg.Done()
	defer m.remove(w.action.ID)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	lastPoll := m.clock.Now()
	if w.action.AppliedAt != nil {
		lastPoll = *w.action.AppliedAt
	}

	for {
		select {
		case <-ctx.Done():
			m.recordOutcome(outcomeCanceled)
			return
		case <-ticker.C:
		}

		now := m.clock.Now()
		if now.After(w.deadline) {
			m.expire(context.Background(), w.action)
			m.recordOutcome(outcomeExpired)
			return
		}

		triggered, err := m.pollOnce(ctx, w, lastPoll, now)
		if err != nil {
			// A misbehaving traffic source must never cause a rollback.
			slog.Warn("traffic poll failed",
				"action_id", w.action.ID,
				"workload", w.action.Workload.String(),
				"error", err,
			)
			if m.metrics != nil {
				m.metrics.TrafficPolls.WithLabelValues("error").Inc()
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.TrafficPolls.WithLabelValues("ok").Inc()
		}
		lastPoll = now

		if triggered {
			// The rollback itself runs on a fresh context: a canceled base
			// context must not abandon a rollback already decided on.
			m.rollback(context.Background(), &w.action, TriggerTraffic)
			m.recordOutcome(outcomeRolledBack)
			return
		}
	}
}

// pollOnce samples one window and decides whether business traffic returned.
func (m *Monitor) pollOnce(ctx context.Context, w *watch, since, until time.Time) (bool, error) {
	samples, err := m.source.Sample(ctx, w.action.Workload, since, until)
	if err != nil {
		return false, err
	}

	// Anything not attributable to a probe counts toward the trigger.
	// Unknown traffic wakes the workload back up; only health checks are
	// safe to ignore.
	_, counts := m.classifier.Label(samples)
	nonProbe := counts.Business + counts.Unknown
	if nonProbe == 0 {
		return false, nil
	}

	window := until.Sub(since).Seconds()
	if window <= 0 {
		return false, nil
	}
	rate := float64(nonProbe) / window

	baseline := w.action.BaselineBusinessRate
	if baseline <= 0 {
		// Any business request against a workload that had none is a signal.
		return true, nil
	}
	return rate > m.cfg.TriggerRatio*baseline, nil
}

// RollbackRun performs an operator-initiated rollback of every recoverable
// action in the run. Active watches for those actions are canceled first so
// the traffic trigger cannot race the operator.
func (m *Monitor) RollbackRun(ctx context.Context, run *model.OptimizationRun) []model.ActionRollbackResult {
	results := make([]model.ActionRollbackResult, 0, len(run.Actions))

	for i := range run.Actions {
		action := run.Actions[i]
		if action.Status != model.ActionApplied || !action.RollbackAvailable {
			continue
		}

		m.cancelWatch(action.ID)

		err := m.rollback(ctx, &action, TriggerOperator)
		result := model.ActionRollbackResult{
			ActionID: action.ID,
			Workload: action.Workload,
			Outcome:  model.RollbackSucceeded,
		}
		if err != nil {
			result.Outcome = model.RollbackFailed
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

// rollback restores the action's rollback spec. It is idempotent against an
// already-restored workload and refuses to touch a workload whose live spec
// matches neither the target nor the rollback anchor.
func (m *Monitor) rollback(ctx context.Context, action *model.OptimizationAction, trigger string) error {
	now := m.clock.Now()
	if err := m.ledger.AppendEvent(ctx, model.Event{
		RunID:     action.RunID,
		ActionID:  action.ID,
		Type:      model.EventRollbackTrigger,
		Detail:    trigger,
		Timestamp: now,
	}); err != nil {
		slog.Warn("append rollback event failed", "action_id", action.ID, "error", err)
	}

	err := m.restore(ctx, action)
	if err != nil {
		m.recordRollback(ctx, action, model.RollbackFailed, err.Error(), trigger)
		m.alerter.Fire(ctx, alert.Alert{
			Severity:  alert.SeverityCritical,
			Code:      zerrors.CodeRollbackFailed,
			Message:   fmt.Sprintf("rollback failed for %s: %v", action.Workload, err),
			Workload:  action.Workload,
			RunID:     action.RunID,
			ActionID:  action.ID,
			Timestamp: m.clock.Now(),
		})
		return err
	}

	m.recordRollback(ctx, action, model.RollbackSucceeded, "", trigger)
	slog.Info("rollback succeeded",
		"action_id", action.ID,
		"workload", action.Workload.String(),
		"trigger", trigger,
	)
	return nil
}

// restore performs the control-plane side of a rollback.
func (m *Monitor) restore(ctx context.Context, action *model.OptimizationAction) error {
	current, err := m.controlPlane.GetReplicaSpec(ctx, action.Workload)
	if err != nil {
		return err
	}

	switch {
	case current.Equal(action.RollbackSpec):
		// Already restored, nothing to write.
	case current.Equal(action.TargetSpec):
		if err := m.controlPlane.SetReplicaSpec(ctx, action.Workload, action.RollbackSpec); err != nil {
			return err
		}
	default:
		return &zerrors.RollbackConflictError{
			Workload: action.Workload,
			Current:  current,
			Original: action.RollbackSpec,
			Target:   action.TargetSpec,
		}
	}

	if err := m.controlPlane.RemoveAnnotation(ctx, action.Workload, executor.AnnotationManagedBy); err != nil {
		slog.Warn("remove annotation failed", "workload", action.Workload.String(), "error", err)
	}
	return nil
}

// recordRollback persists the outcome and bumps metrics.
func (m *Monitor) recordRollback(ctx context.Context, action *model.OptimizationAction, outcome model.RollbackOutcome, detail, trigger string) {
	if err := m.ledger.RecordRollbackOutcome(ctx, action.ID, outcome, detail, m.clock.Now()); err != nil {
		slog.Error("record rollback outcome failed", "action_id", action.ID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.RollbacksTotal.WithLabelValues(string(outcome), trigger).Inc()
	}
}

// expire retires an action whose rollback window lapsed without a trigger.
func (m *Monitor) expire(ctx context.Context, action model.OptimizationAction) {
	now := m.clock.Now()
	if err := m.ledger.RecordRollbackOutcome(ctx, action.ID, model.RollbackNotAttempted, "rollback window expired", now); err != nil {
		slog.Error("expire action failed", "action_id", action.ID, "error", err)
	}
	if err := m.ledger.AppendEvent(ctx, model.Event{
		RunID:     action.RunID,
		ActionID:  action.ID,
		Type:      model.EventRollbackExpired,
		Timestamp: now,
	}); err != nil {
		slog.Warn("append expiry event failed", "action_id", action.ID, "error", err)
	}
	if err := m.controlPlane.RemoveAnnotation(ctx, action.Workload, executor.AnnotationManagedBy); err != nil {
		slog.Warn("remove annotation failed", "workload", action.Workload.String(), "error", err)
	}
	slog.Info("rollback window expired",
		"action_id", action.ID,
		"workload", action.Workload.String(),
	)
}

// cancelWatch stops one watch without waiting for its goroutine.
func (m *Monitor) cancelWatch(actionID string) {
	m.mu.Lock()
	w, ok := m.watches[actionID]
	m.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// ActiveWatchCount returns the number of running watches. Readiness use.
func (m *Monitor) ActiveWatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

func (m *Monitor) remove(actionID string) {
	m.mu.Lock()
	delete(m.watches, actionID)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveWatches.Dec()
	}
}

func (m *Monitor) recordOutcome(outcome string) {
	if m.metrics != nil {
		m.metrics.WatchOutcomes.WithLabelValues(outcome).Inc()
	}
}

var _ executor.WatchScheduler = (*Monitor)(nil)
