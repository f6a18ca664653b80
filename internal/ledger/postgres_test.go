package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/zeroscale/pkg/model"
)

func newMockLedger(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newPostgresLedgerWithDB(db), mock
}

func specJSON(t *testing.T, spec model.ReplicaSpec) []byte {
	t.Helper()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	return raw
}

func TestPostgresCreateRunCommitsRunActionsAndEvent(t *testing.T) {
	l, mock := newMockLedger(t)
	run := testRun("run-pg-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO optimization_runs").
		WithArgs(run.ID, run.Namespace, "", false, true, "sequential",
			int64(1800), "pending", false, run.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO optimization_actions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, l.CreateRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateRunRollsBackOnActionInsertFailure(t *testing.T) {
	l, mock := newMockLedger(t)
	run := testRun("run-pg-2")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO optimization_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO optimization_actions").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	require.Error(t, l.CreateRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordRollbackSpecBeforeApply(t *testing.T) {
	l, mock := newMockLedger(t)
	spec := model.ReplicaSpec{Replicas: 3}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE optimization_actions SET rollback_spec").
		WithArgs("a-1", specJSON(t, spec)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.RecordRollbackSpec(context.Background(), "a-1", spec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkActionAppliedWritesEvent(t *testing.T) {
	l, mock := newMockLedger(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE optimization_actions SET status = 'applied'").
		WithArgs("a-1", true, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT run_id FROM optimization_actions").
		WithArgs("a-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}).AddRow("run-pg-3"))
	mock.ExpectExec("INSERT INTO run_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, l.MarkActionApplied(context.Background(), "a-1", true, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateMissingActionReturnsNotFound(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE optimization_actions SET status = 'executing'").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := l.MarkActionExecuting(context.Background(), "missing", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action not found")
}

func TestPostgresGetRunScansActions(t *testing.T) {
	l, mock := newMockLedger(t)
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	spec3 := specJSON(t, model.ReplicaSpec{Replicas: 3})
	spec0 := specJSON(t, model.ReplicaSpec{Replicas: 0})

	runRows := sqlmock.NewRows([]string{
		"id", "namespace", "label_selector", "dry_run", "safety_checks", "mode",
		"rollback_timeout_seconds", "status", "rollback_available",
		"rollback_expires_at", "created_at", "started_at", "completed_at",
	}).AddRow("run-pg-4", "staging", "", false, true, "sequential",
		int64(1800), "completed", true, created.Add(31*time.Minute), created, created, created.Add(time.Minute))
	mock.ExpectQuery("SELECT id, namespace").WithArgs("run-pg-4").WillReturnRows(runRows)

	actionRows := sqlmock.NewRows([]string{
		"id", "run_id", "type", "workload_namespace", "workload_name", "workload_kind",
		"original_spec", "target_spec", "rollback_spec", "status", "error",
		"estimated_monthly_savings", "risk", "baseline_business_rate",
		"rollback_available", "rollback_outcome", "rollback_error",
		"created_at", "applied_at", "resolved_at",
	}).AddRow("a-1", "run-pg-4", "zero_pod_scaling", "staging", "legacy-api", "Deployment",
		spec3, spec0, spec3, "applied", "",
		43.5, "low", 0.0, true, "pending", "", created, created.Add(time.Minute), nil)
	mock.ExpectQuery("FROM optimization_actions WHERE run_id").WithArgs("run-pg-4").WillReturnRows(actionRows)

	run, err := l.GetRun(context.Background(), "run-pg-4")
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, 30*time.Minute, run.RollbackTimeout)
	require.Len(t, run.Actions, 1)
	a := run.Actions[0]
	assert.Equal(t, int32(3), a.RollbackSpec.Replicas)
	assert.Equal(t, int32(0), a.TargetSpec.Replicas)
	assert.Equal(t, model.ActionApplied, a.Status)
	require.NotNil(t, a.AppliedAt)
	assert.Nil(t, a.ResolvedAt)
}

func TestPostgresGetRunNotFound(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT id, namespace").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := l.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestPostgresListRecoverableActionsJoinsRunFields(t *testing.T) {
	l, mock := newMockLedger(t)
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	spec3 := specJSON(t, model.ReplicaSpec{Replicas: 3})
	spec0 := specJSON(t, model.ReplicaSpec{Replicas: 0})

	rows := sqlmock.NewRows([]string{
		"id", "run_id", "type", "workload_namespace", "workload_name", "workload_kind",
		"original_spec", "target_spec", "rollback_spec", "status", "error",
		"estimated_monthly_savings", "risk", "baseline_business_rate",
		"rollback_available", "rollback_outcome", "rollback_error",
		"created_at", "applied_at", "resolved_at",
		"rollback_timeout_seconds", "safety_checks",
	}).AddRow("a-1", "run-pg-5", "zero_pod_scaling", "staging", "legacy-api", "Deployment",
		spec3, spec0, spec3, "applied", "",
		43.5, "low", 0.2, true, "pending", "", created, created.Add(time.Minute), nil,
		int64(1800), true)
	mock.ExpectQuery("JOIN optimization_runs").WillReturnRows(rows)

	recoverable, err := l.ListRecoverableActions(context.Background())
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	assert.Equal(t, 30*time.Minute, recoverable[0].RollbackTimeout)
	assert.True(t, recoverable[0].SafetyChecks)
	assert.Equal(t, "a-1", recoverable[0].Action.ID)
}

func TestPostgresClearRollbackAvailable(t *testing.T) {
	l, mock := newMockLedger(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE optimization_runs SET rollback_available = FALSE").
		WithArgs("run-pg-6").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE optimization_actions SET rollback_available = FALSE").
		WithArgs("run-pg-6", at).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO run_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, l.ClearRollbackAvailable(context.Background(), "run-pg-6", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListPurgeableRuns(t *testing.T) {
	l, mock := newMockLedger(t)
	cutoff := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id FROM optimization_runs").
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-a").AddRow("run-b"))

	ids, err := l.ListPurgeableRuns(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a", "run-b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteRun(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM run_events").
		WithArgs("run-a").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM optimization_runs").
		WithArgs("run-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.DeleteRun(context.Background(), "run-a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteUnknownRun(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM run_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM optimization_runs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := l.DeleteRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
