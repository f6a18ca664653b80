// Package service composes workload selection, traffic classification,
// planning, and execution behind the operations the HTTP API exposes.
// Submission is synchronous up to run creation; execution runs on a
// service-owned goroutine so a disconnecting client never interrupts a
// half-applied batch.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/zeroscale/internal/classifier"
	"github.com/kubilitics/zeroscale/internal/decision"
	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/ledger"
	"github.com/kubilitics/zeroscale/internal/traffic"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// WorkloadSelector snapshots the candidate workloads for a run.
type WorkloadSelector interface {
	Select(ctx context.Context, namespace, labelSelector string) ([]model.Workload, error)
}

// Runner executes a created run against the control plane.
type Runner interface {
	ExecuteRun(ctx context.Context, run *model.OptimizationRun) error
}

// RollbackRunner restores every recoverable action in a run.
type RollbackRunner interface {
	RollbackRun(ctx context.Context, run *model.OptimizationRun) []model.ActionRollbackResult
}

// Config holds the service-level timing knobs.
type Config struct {
	// AnalysisWindow is how far back planning looks at traffic.
	AnalysisWindow time.Duration

	// SampleTimeout bounds each per-workload traffic-source call.
	SampleTimeout time.Duration

	// DefaultRollbackTimeout applies when a request does not override it.
	DefaultRollbackTimeout time.Duration

	// RetentionPeriod is how long terminal runs stay in the ledger before
	// the sweeper archives and deletes them. Zero disables sweeping.
	RetentionPeriod time.Duration

	// RetentionSweepInterval is how often the sweeper runs. Zero means
	// one hour.
	RetentionSweepInterval time.Duration
}

// Service implements the optimize operations.
type Service struct {
	selector   WorkloadSelector
	source     traffic.Source
	classifier *classifier.Classifier
	engine     *decision.Engine
	executor   Runner
	rollbacks  RollbackRunner
	ledger     ledger.Ledger
	archive    *ledger.Archive
	errs       *zerrors.ErrorCollector
	clock      zerrors.Clock
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service. archive may be nil or disabled.
func New(sel WorkloadSelector, source traffic.Source, cls *classifier.Classifier, engine *decision.Engine, exec Runner, rollbacks RollbackRunner, led ledger.Ledger, archive *ledger.Archive, errs *zerrors.ErrorCollector, clock zerrors.Clock, cfg Config) *Service {
	if clock == nil {
		clock = zerrors.RealClock{}
	}
	return &Service{
		selector:   sel,
		source:     source,
		classifier: cls,
		engine:     engine,
		executor:   exec,
		rollbacks:  rollbacks,
		ledger:     led,
		archive:    archive,
		errs:       errs,
		clock:      clock,
		cfg:        cfg,
	}
}

// Start binds the base context for asynchronous run execution and launches
// the retention sweeper when one is configured.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.RetentionPeriod > 0 {
		interval := s.cfg.RetentionSweepInterval
		if interval <= 0 {
			interval = time.Hour
		}
		s.wg.Add(1)
		go s.sweepLoop(interval)
	}
}

// Stop cancels in-flight execution and waits for run goroutines to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SubmitZeroPod plans and launches a zero-pod scaling run. Workloads that
// cannot be analyzed are skipped, never failed: a run with zero actions is
// a successful, empty result.
func (s *Service) SubmitZeroPod(ctx context.Context, req model.ZeroPodRequest) (*model.ZeroPodResponse, error) {
	if req.Namespace == "" {
		return nil, &zerrors.ValidationError{Field: "namespace", Reason: "required"}
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	workloads, err := s.selector.Select(ctx, req.Namespace, req.LabelSelector)
	if err != nil {
		s.report(zerrors.CodeControlPlane, "selector", err)
		return nil, err
	}

	now := s.clock.Now()
	since := now.Add(-s.cfg.AnalysisWindow)

	actions := make([]model.OptimizationAction, 0, len(workloads))
	for i := range workloads {
		if action := s.planWorkload(ctx, &workloads[i], since, now); action != nil {
			actions = append(actions, *action)
		}
	}

	timeout := s.cfg.DefaultRollbackTimeout
	if req.RollbackTimeoutSeconds > 0 {
		timeout = time.Duration(req.RollbackTimeoutSeconds) * time.Second
	}

	run := &model.OptimizationRun{
		ID:              uuid.New().String(),
		Namespace:       req.Namespace,
		LabelSelector:   req.LabelSelector,
		DryRun:          req.DryRun,
		SafetyChecks:    req.SafetyChecks,
		Mode:            mode,
		RollbackTimeout: timeout,
		Status:          model.RunPending,
		Actions:         actions,
		CreatedAt:       now,
	}
	for i := range run.Actions {
		run.Actions[i].RunID = run.ID
	}

	if err := s.ledger.CreateRun(ctx, run); err != nil {
		s.report(zerrors.CodeRunNotFound, "ledger", err)
		return nil, fmt.Errorf("create run: %w", err)
	}

	slog.Info("zero-pod run created",
		"run_id", run.ID,
		"namespace", run.Namespace,
		"workloads", len(workloads),
		"actions", len(actions),
		"dry_run", run.DryRun,
	)

	s.launch(run)

	resp := &model.ZeroPodResponse{
		RunID:        run.ID,
		Status:       run.Status,
		ActionCount:  len(actions),
		DryRun:       run.DryRun,
		SafetyChecks: run.SafetyChecks,
	}
	if len(actions) == 0 {
		resp.Message = "no eligible workloads"
	}
	return resp, nil
}

// planWorkload samples, classifies, and plans one workload. A nil return
// means the workload is skipped for this run.
func (s *Service) planWorkload(ctx context.Context, w *model.Workload, since, now time.Time) *model.OptimizationAction {
	sctx := ctx
	if s.cfg.SampleTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, s.cfg.SampleTimeout)
		defer cancel()
	}

	window, err := s.source.Sample(sctx, w.Ref, since, now)
	if err != nil {
		slog.Warn("traffic sample failed, workload skipped",
			"workload", w.Ref.String(), "source", s.source.Name(), "error", err)
		s.report(zerrors.CodeTrafficSource, "traffic", err)
		return nil
	}

	cls, err := s.classifier.Classify(w.Ref, window)
	if err != nil {
		var insufficient *zerrors.InsufficientDataError
		if errors.As(err, &insufficient) {
			slog.Debug("insufficient traffic data, workload skipped",
				"workload", w.Ref.String(),
				"samples", insufficient.Got,
				"required", insufficient.Want,
			)
		} else {
			slog.Warn("classification failed, workload skipped",
				"workload", w.Ref.String(), "error", err)
		}
		return nil
	}

	return s.engine.Plan(w, cls, now)
}

// launch executes the run on the service's base context so client
// disconnects cannot orphan a half-applied batch.
func (s *Service) launch(run *model.OptimizationRun) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.executor.ExecuteRun(s.ctx, run); err != nil {
			slog.Error("run execution failed", "run_id", run.ID, "error", err)
			s.report(zerrors.CodeControlPlane, "executor", err)
		}
		s.archiveIfRetired(run.ID)
	}()
}

// Rollback performs an operator-initiated rollback of the run. A lapsed
// rollback window is a distinct, typed failure so callers can tell "too
// late" apart from "no such run".
func (s *Service) Rollback(ctx context.Context, runID string) (*model.RollbackResponse, error) {
	run, err := s.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if run.RollbackExpired(now) {
		return nil, &zerrors.OptimizerError{
			Code:      zerrors.CodeRollbackExpired,
			Message:   fmt.Sprintf("rollback window for run %s expired at %s", runID, run.RollbackExpiresAt.UTC().Format(time.RFC3339)),
			Component: "service",
			Timestamp: now.Unix(),
		}
	}

	results := s.rollbacks.RollbackRun(ctx, run)

	if len(results) > 0 && allSucceeded(results) {
		if err := s.ledger.CompleteRun(ctx, runID, model.RunRolledBack, nil, s.clock.Now()); err != nil {
			slog.Error("mark run rolled back failed", "run_id", runID, "error", err)
		}
	}
	s.archiveIfRetired(runID)

	return &model.RollbackResponse{
		RunID:     runID,
		Requested: len(results),
		Results:   results,
	}, nil
}

// Status returns the ledger view of a run. Runs already evicted to the
// archive are served from there.
func (s *Service) Status(ctx context.Context, runID string) (*model.StatusResponse, error) {
	run, err := s.ledger.GetRun(ctx, runID)
	if err != nil {
		if s.archive != nil && s.archive.Enabled() {
			if archived, events, aerr := s.archive.Read(runID); aerr == nil {
				return &model.StatusResponse{Run: archived, Events: events}, nil
			}
		}
		return nil, err
	}

	events, err := s.ledger.ListEvents(ctx, runID)
	if err != nil {
		slog.Warn("list events failed", "run_id", runID, "error", err)
	}
	return &model.StatusResponse{Run: run, Events: events}, nil
}

// archiveIfRetired snapshots a terminal run to the archive once its
// rollback window no longer holds live state.
func (s *Service) archiveIfRetired(runID string) {
	if s.archive == nil || !s.archive.Enabled() {
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	run, err := s.ledger.GetRun(ctx, runID)
	if err != nil {
		slog.Warn("archive lookup failed", "run_id", runID, "error", err)
		return
	}
	if !terminal(run.Status) || run.RollbackAvailable {
		return
	}

	events, err := s.ledger.ListEvents(ctx, runID)
	if err != nil {
		slog.Warn("archive event lookup failed", "run_id", runID, "error", err)
	}
	if err := s.archive.Write(run, events, s.clock.Now()); err != nil {
		slog.Warn("archive write failed", "run_id", runID, "error", err)
	}
}

// sweepLoop periodically retires runs older than the retention period.
func (s *Service) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep archives and deletes terminal runs past the retention period. The
// archive write happens before the delete so a failed sweep never loses
// the audit record.
func (s *Service) sweep() {
	cutoff := s.clock.Now().Add(-s.cfg.RetentionPeriod)
	ids, err := s.ledger.ListPurgeableRuns(s.ctx, cutoff)
	if err != nil {
		slog.Warn("retention sweep failed", "error", err)
		return
	}

	for _, id := range ids {
		s.archiveIfRetired(id)
		if err := s.ledger.DeleteRun(s.ctx, id); err != nil {
			slog.Warn("retention delete failed", "run_id", id, "error", err)
			continue
		}
		slog.Info("run retired from ledger", "run_id", id)
	}
}

func (s *Service) report(code zerrors.Code, component string, err error) {
	if s.errs == nil {
		return
	}
	s.errs.Report(zerrors.OptimizerError{
		Code:      code,
		Message:   err.Error(),
		Component: component,
		Timestamp: s.clock.Now().Unix(),
		Err:       err,
	})
}

func parseMode(raw string) (model.ExecutionMode, error) {
	switch raw {
	case "", string(model.ModeSequential):
		return model.ModeSequential, nil
	case string(model.ModeParallel):
		return model.ModeParallel, nil
	default:
		return "", &zerrors.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", raw)}
	}
}

func allSucceeded(results []model.ActionRollbackResult) bool {
	for _, r := range results {
		if r.Outcome != model.RollbackSucceeded {
			return false
		}
	}
	return true
}

func terminal(status model.RunStatus) bool {
	switch status {
	case model.RunCompleted, model.RunFailed, model.RunRolledBack:
		return true
	}
	return false
}
