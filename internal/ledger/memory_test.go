package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/pkg/model"
)

func testRun(id string) *model.OptimizationRun {
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &model.OptimizationRun{
		ID:              id,
		Namespace:       "staging",
		Mode:            model.ModeSequential,
		SafetyChecks:    true,
		RollbackTimeout: 30 * time.Minute,
		Status:          model.RunPending,
		CreatedAt:       created,
		Actions: []model.OptimizationAction{{
			ID:     id + "-a1",
			RunID:  id,
			Type:   model.ActionZeroPodScaling,
			Status: model.ActionPlanned,
			Workload: model.WorkloadRef{
				Namespace: "staging", Name: "legacy-api", Kind: model.KindDeployment,
			},
			OriginalSpec:    model.ReplicaSpec{Replicas: 3},
			TargetSpec:      model.ReplicaSpec{Replicas: 0},
			RollbackSpec:    model.ReplicaSpec{Replicas: 3},
			RollbackOutcome: model.RollbackPending,
			CreatedAt:       created,
		}},
	}
}

func TestMemoryLedgerRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	run := testRun("run-1")

	require.NoError(t, l.CreateRun(ctx, run))
	require.NoError(t, l.StartRun(ctx, "run-1", run.CreatedAt.Add(time.Second)))

	expires := run.CreatedAt.Add(31 * time.Minute)
	require.NoError(t, l.CompleteRun(ctx, "run-1", model.RunCompleted, &expires, run.CreatedAt.Add(time.Minute)))

	got, err := l.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.True(t, got.RollbackAvailable)
	require.NotNil(t, got.RollbackExpiresAt)
	assert.Equal(t, expires, *got.RollbackExpiresAt)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	events, err := l.ListEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventRunCreated, events[0].Type)
	assert.Equal(t, model.EventRunStarted, events[1].Type)
	assert.Equal(t, model.EventRunCompleted, events[2].Type)
	assert.Equal(t, string(model.RunCompleted), events[2].Detail)
}

func TestMemoryLedgerRunNotFound(t *testing.T) {
	l := NewMemoryLedger()

	_, err := l.GetRun(context.Background(), "missing")
	require.Error(t, err)

	var oe *zerrors.OptimizerError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, zerrors.CodeRunNotFound, oe.Code)
}

func TestMemoryLedgerActionLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	run := testRun("run-2")
	require.NoError(t, l.CreateRun(ctx, run))

	at := run.CreatedAt.Add(time.Second)
	actionID := "run-2-a1"
	require.NoError(t, l.MarkActionExecuting(ctx, actionID, at))
	require.NoError(t, l.RecordRollbackSpec(ctx, actionID, model.ReplicaSpec{Replicas: 5}))
	require.NoError(t, l.MarkActionApplied(ctx, actionID, true, at.Add(time.Second)))

	got, err := l.GetRun(ctx, "run-2")
	require.NoError(t, err)
	a := got.Action(actionID)
	require.NotNil(t, a)
	assert.Equal(t, model.ActionApplied, a.Status)
	assert.Equal(t, int32(5), a.RollbackSpec.Replicas)
	assert.True(t, a.RollbackAvailable)
	require.NotNil(t, a.AppliedAt)
}

func TestMemoryLedgerRollbackOutcomeSucceeded(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.CreateRun(ctx, testRun("run-3")))
	actionID := "run-3-a1"

	at := time.Now()
	require.NoError(t, l.MarkActionApplied(ctx, actionID, true, at))
	require.NoError(t, l.RecordRollbackOutcome(ctx, actionID, model.RollbackSucceeded, "", at.Add(time.Minute)))

	got, err := l.GetRun(ctx, "run-3")
	require.NoError(t, err)
	a := got.Action(actionID)
	assert.Equal(t, model.ActionRolledBack, a.Status)
	assert.Equal(t, model.RollbackSucceeded, a.RollbackOutcome)
	assert.False(t, a.RollbackAvailable)
	require.NotNil(t, a.ResolvedAt)
}

func TestMemoryLedgerRollbackOutcomeFailedKeepsApplied(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.CreateRun(ctx, testRun("run-4")))
	actionID := "run-4-a1"

	at := time.Now()
	require.NoError(t, l.MarkActionApplied(ctx, actionID, true, at))
	require.NoError(t, l.RecordRollbackOutcome(ctx, actionID, model.RollbackFailed, "replica count diverged", at.Add(time.Minute)))

	got, err := l.GetRun(ctx, "run-4")
	require.NoError(t, err)
	a := got.Action(actionID)
	assert.Equal(t, model.ActionApplied, a.Status)
	assert.Equal(t, model.RollbackFailed, a.RollbackOutcome)
	assert.Equal(t, "replica count diverged", a.RollbackError)
	assert.False(t, a.RollbackAvailable)
}

func TestMemoryLedgerMarkActionFailed(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.CreateRun(ctx, testRun("run-5")))

	require.NoError(t, l.MarkActionFailed(ctx, "run-5-a1", "workload already at zero replicas", time.Now()))

	got, err := l.GetRun(ctx, "run-5")
	require.NoError(t, err)
	a := got.Action("run-5-a1")
	assert.Equal(t, model.ActionFailed, a.Status)
	assert.Equal(t, "workload already at zero replicas", a.Error)
	assert.Equal(t, model.RollbackNotAttempted, a.RollbackOutcome)
}

func TestMemoryLedgerListRecoverableActions(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.CreateRun(ctx, testRun("run-6")))
	require.NoError(t, l.CreateRun(ctx, testRun("run-7")))

	at := time.Now()
	require.NoError(t, l.MarkActionApplied(ctx, "run-6-a1", true, at))
	require.NoError(t, l.MarkActionApplied(ctx, "run-7-a1", false, at))

	recoverable, err := l.ListRecoverableActions(ctx)
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	assert.Equal(t, "run-6-a1", recoverable[0].Action.ID)
	assert.Equal(t, 30*time.Minute, recoverable[0].RollbackTimeout)
	assert.True(t, recoverable[0].SafetyChecks)
}

func TestMemoryLedgerClearRollbackAvailable(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.CreateRun(ctx, testRun("run-8")))

	at := time.Now()
	require.NoError(t, l.MarkActionApplied(ctx, "run-8-a1", true, at))
	expires := at.Add(30 * time.Minute)
	require.NoError(t, l.CompleteRun(ctx, "run-8", model.RunCompleted, &expires, at))

	require.NoError(t, l.ClearRollbackAvailable(ctx, "run-8", expires))

	got, err := l.GetRun(ctx, "run-8")
	require.NoError(t, err)
	assert.False(t, got.RollbackAvailable)
	a := got.Action("run-8-a1")
	assert.False(t, a.RollbackAvailable)
	assert.Equal(t, model.RollbackNotAttempted, a.RollbackOutcome)

	recoverable, err := l.ListRecoverableActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, recoverable)
}

func TestMemoryLedgerGetRunReturnsCopy(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.CreateRun(ctx, testRun("run-9")))

	first, err := l.GetRun(ctx, "run-9")
	require.NoError(t, err)
	first.Actions[0].Status = model.ActionFailed
	first.Status = model.RunFailed

	second, err := l.GetRun(ctx, "run-9")
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, second.Status)
	assert.Equal(t, model.ActionPlanned, second.Actions[0].Status)
}

func TestMemoryLedgerAppendEvent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.CreateRun(ctx, testRun("run-10")))

	require.NoError(t, l.AppendEvent(ctx, model.Event{
		RunID:    "run-10",
		ActionID: "run-10-a1",
		Type:     model.EventWatchScheduled,
		Detail:   "deadline 30m",
	}))

	events, err := l.ListEvents(ctx, "run-10")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventWatchScheduled, events[1].Type)
	assert.Greater(t, events[1].ID, events[0].ID)
}

func TestMemoryLedgerPurge(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	old := testRun("run-old")
	require.NoError(t, l.CreateRun(ctx, old))
	require.NoError(t, l.StartRun(ctx, old.ID, old.CreatedAt))
	require.NoError(t, l.CompleteRun(ctx, old.ID, model.RunCompleted, nil, old.CreatedAt.Add(time.Minute)))

	recent := testRun("run-recent")
	require.NoError(t, l.CreateRun(ctx, recent))
	require.NoError(t, l.StartRun(ctx, recent.ID, recent.CreatedAt))
	require.NoError(t, l.CompleteRun(ctx, recent.ID, model.RunCompleted, nil, recent.CreatedAt.Add(48*time.Hour)))

	// Still recoverable: must never be purged regardless of age.
	held := testRun("run-held")
	expires := held.CreatedAt.Add(30 * time.Minute)
	require.NoError(t, l.CreateRun(ctx, held))
	require.NoError(t, l.StartRun(ctx, held.ID, held.CreatedAt))
	require.NoError(t, l.CompleteRun(ctx, held.ID, model.RunCompleted, &expires, held.CreatedAt.Add(time.Minute)))

	cutoff := old.CreatedAt.Add(24 * time.Hour)
	ids, err := l.ListPurgeableRuns(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-old"}, ids)

	require.NoError(t, l.DeleteRun(ctx, "run-old"))

	_, err = l.GetRun(ctx, "run-old")
	require.Error(t, err)

	events, err := l.ListEvents(ctx, "run-old")
	require.NoError(t, err)
	assert.Empty(t, events)

	// The action index must not resurrect deleted actions.
	err = l.MarkActionExecuting(ctx, "run-old-a1", time.Now())
	require.Error(t, err)

	_, err = l.GetRun(ctx, "run-recent")
	require.NoError(t, err)
}

func TestMemoryLedgerDeleteUnknownRun(t *testing.T) {
	l := NewMemoryLedger()
	err := l.DeleteRun(context.Background(), "missing")
	require.Error(t, err)
}
