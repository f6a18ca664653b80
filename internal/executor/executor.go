// Package executor applies planned optimization actions against the cluster.
//
// The write-ahead ordering is the package's contract with the rollback
// subsystem: the rollback spec is persisted before the control-plane
// mutation, and the applied status is persisted before the rollback watch is
// scheduled. A crash at any point leaves the ledger able to reconstruct what
// was in flight.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kubilitics/zeroscale/internal/controlplane"
	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/ledger"
	"github.com/kubilitics/zeroscale/internal/observability"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// AnnotationManagedBy marks a workload as scaled by this service. The value
// is the owning run ID.
const AnnotationManagedBy = "zeroscale.kubilitics.io/managed-by"

// WatchScheduler establishes a rollback watch for an applied action. The
// executor calls it only after the applied status is durable.
type WatchScheduler interface {
	Schedule(action model.OptimizationAction, timeout time.Duration)
}

// Config carries the executor's tunables.
type Config struct {
	// MaxRetries is the number of re-attempts after a failed apply.
	MaxRetries int
	// Concurrency bounds parallel-mode workers.
	Concurrency int
	// RetryBaseDelay is the first backoff step; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// Executor drives runs through their action lifecycle.
type Executor struct {
	controlPlane controlplane.Client
	ledger       ledger.Ledger
	watches      WatchScheduler
	metrics      *observability.Metrics
	clock        zerrors.Clock
	cfg          Config
}

// New creates an Executor. watches may be nil when safety checks are
// globally disabled.
func New(cp controlplane.Client, led ledger.Ledger, watches WatchScheduler, metrics *observability.Metrics, clock zerrors.Clock, cfg Config) *Executor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Executor{
		controlPlane: cp,
		ledger:       led,
		watches:      watches,
		metrics:      metrics,
		clock:        clock,
		cfg:          cfg,
	}
}

// ExecuteRun moves a pending run to a terminal status, applying each action
// in the run's execution mode. The returned error covers ledger failures
// only; individual action failures are recorded per action and never abort
// the batch.
func (e *Executor) ExecuteRun(ctx context.Context, run *model.OptimizationRun) error {
	start := e.clock.Now()
	if err := e.ledger.StartRun(ctx, run.ID, start); err != nil {
		return fmt.Errorf("executor: start run %s: %w", run.ID, err)
	}

	switch run.Mode {
	case model.ModeParallel:
		e.executeParallel(ctx, run)
	default:
		for i := range run.Actions {
			e.executeAction(ctx, run, &run.Actions[i])
		}
	}

	// Re-read the run so the terminal status reflects what the ledger
	// actually recorded, not this goroutine's view.
	stored, err := e.ledger.GetRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("executor: reload run %s: %w", run.ID, err)
	}

	now := e.clock.Now()
	status := runStatus(stored)
	var expiresAt *time.Time
	if anyRecoverable(stored) {
		t := now.Add(run.RollbackTimeout)
		expiresAt = &t
	}
	if err := e.ledger.CompleteRun(ctx, run.ID, status, expiresAt, now); err != nil {
		return fmt.Errorf("executor: complete run %s: %w", run.ID, err)
	}

	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
		e.metrics.RunDuration.Observe(now.Sub(start).Seconds())
	}
	slog.Info("run finished",
		"run_id", run.ID,
		"status", string(status),
		"actions", len(stored.Actions),
		"duration_ms", now.Sub(start).Milliseconds(),
	)
	return nil
}

// executeParallel runs actions through a bounded worker pool.
func (e *Executor) executeParallel(ctx context.Context, run *model.OptimizationRun) {
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup

	for i := range run.Actions {
		action := &run.Actions[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.executeAction(ctx, run, action)
		}()
	}
	wg.Wait()
}

// executeAction drives one action from planned to applied or failed.
func (e *Executor) executeAction(ctx context.Context, run *model.OptimizationRun, action *model.OptimizationAction) {
	if err := e.ledger.MarkActionExecuting(ctx, action.ID, e.clock.Now()); err != nil {
		slog.Error("mark executing failed", "action_id", action.ID, "error", err)
		return
	}

	current, err := e.controlPlane.GetReplicaSpec(ctx, action.Workload)
	if err != nil {
		e.failAction(ctx, action, fmt.Sprintf("read live spec: %v", err))
		return
	}
	if current.Replicas == 0 {
		// Nothing to scale down and nothing meaningful to roll back to.
		e.failAction(ctx, action, "workload already at zero replicas")
		return
	}

	// The rollback anchor is the live spec at this instant, not the spec
	// observed at plan time. It must be durable before any mutation.
	if err := e.ledger.RecordRollbackSpec(ctx, action.ID, current); err != nil {
		e.failAction(ctx, action, fmt.Sprintf("persist rollback spec: %v", err))
		return
	}
	action.RollbackSpec = current

	if run.DryRun {
		e.markApplied(ctx, run, action, false)
		return
	}

	if err := e.applyWithRetry(ctx, action); err != nil {
		e.failAction(ctx, action, err.Error())
		return
	}

	if err := e.controlPlane.Annotate(ctx, action.Workload, AnnotationManagedBy, run.ID); err != nil {
		// The scale-down already happened; a missing annotation is not
		// worth failing the action over.
		slog.Warn("annotate failed", "workload", action.Workload.String(), "error", err)
	}

	e.markApplied(ctx, run, action, run.SafetyChecks)
}

// applyWithRetry performs the control-plane mutation with bounded
// exponential backoff. Context cancellation stops the retry loop.
func (e *Executor) applyWithRetry(ctx context.Context, action *model.OptimizationAction) error {
	var lastErr error
	delay := e.cfg.RetryBaseDelay

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.ApplyRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("apply canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = e.controlPlane.SetReplicaSpec(ctx, action.Workload, action.TargetSpec)
		if lastErr == nil {
			return nil
		}

		var cpErr *zerrors.ControlPlaneError
		if !errors.As(lastErr, &cpErr) {
			break
		}
	}
	return fmt.Errorf("apply after %d attempts: %w", e.cfg.MaxRetries+1, lastErr)
}

// markApplied records the applied status and, once it is durable, schedules
// the rollback watch.
func (e *Executor) markApplied(ctx context.Context, run *model.OptimizationRun, action *model.OptimizationAction, rollbackAvailable bool) {
	now := e.clock.Now()
	if err := e.ledger.MarkActionApplied(ctx, action.ID, rollbackAvailable, now); err != nil {
		slog.Error("mark applied failed", "action_id", action.ID, "error", err)
		return
	}
	action.Status = model.ActionApplied
	action.RollbackAvailable = rollbackAvailable
	action.AppliedAt = &now

	if e.metrics != nil {
		e.metrics.ActionsExecuted.WithLabelValues(string(model.ActionApplied)).Inc()
	}

	if rollbackAvailable && e.watches != nil {
		e.watches.Schedule(*action, run.RollbackTimeout)
		if err := e.ledger.AppendEvent(ctx, model.Event{
			RunID:     run.ID,
			ActionID:  action.ID,
			Type:      model.EventWatchScheduled,
			Detail:    fmt.Sprintf("timeout %s", run.RollbackTimeout),
			Timestamp: e.clock.Now(),
		}); err != nil {
			slog.Warn("append watch event failed", "action_id", action.ID, "error", err)
		}
	}
}

func (e *Executor) failAction(ctx context.Context, action *model.OptimizationAction, reason string) {
	if err := e.ledger.MarkActionFailed(ctx, action.ID, reason, e.clock.Now()); err != nil {
		slog.Error("mark failed failed", "action_id", action.ID, "error", err)
	}
	action.Status = model.ActionFailed
	action.Error = reason

	if e.metrics != nil {
		e.metrics.ActionsExecuted.WithLabelValues(string(model.ActionFailed)).Inc()
	}
	slog.Warn("action failed", "action_id", action.ID, "workload", action.Workload.String(), "reason", reason)
}

// runStatus derives the terminal run status from its actions. A run with no
// successfully applied action is failed; anything else completed. The
// rolled_back status is owned by the monitor, not the executor.
func runStatus(run *model.OptimizationRun) model.RunStatus {
	if len(run.Actions) == 0 {
		return model.RunCompleted
	}
	for i := range run.Actions {
		if run.Actions[i].Status == model.ActionApplied {
			return model.RunCompleted
		}
	}
	return model.RunFailed
}

func anyRecoverable(run *model.OptimizationRun) bool {
	for i := range run.Actions {
		if run.Actions[i].Status == model.ActionApplied && run.Actions[i].RollbackAvailable {
			return true
		}
	}
	return false
}
