package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kubilitics/zeroscale/pkg/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresLedger is the production Ledger. Every mutation commits before the
// method returns; the executor's write-ahead ordering depends on that.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens a connection pool against the given DSN, verifies
// connectivity, and applies migrations.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}

	l := &PostgresLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("ledger: run migrations: %w", err)
	}
	return l, nil
}

// newPostgresLedgerWithDB wraps an existing pool without migrating. Test use.
func newPostgresLedgerWithDB(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) migrate() error {
	schema, err := migrationsFS.ReadFile("migrations/001_schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := l.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// CreateRun persists a run and its actions in one transaction.
func (l *PostgresLedger) CreateRun(ctx context.Context, run *model.OptimizationRun) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin create run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO optimization_runs (
			id, namespace, label_selector, dry_run, safety_checks, mode,
			rollback_timeout_seconds, status, rollback_available, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.Namespace, run.LabelSelector, run.DryRun, run.SafetyChecks,
		string(run.Mode), int64(run.RollbackTimeout.Seconds()), string(run.Status),
		run.RollbackAvailable, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert run %s: %w", run.ID, err)
	}

	for i := range run.Actions {
		a := &run.Actions[i]
		original, target, rollback, err := marshalSpecs(a)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO optimization_actions (
				id, run_id, type, workload_namespace, workload_name, workload_kind,
				original_spec, target_spec, rollback_spec, status, error,
				estimated_monthly_savings, risk, baseline_business_rate,
				rollback_available, rollback_outcome, rollback_error, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			a.ID, a.RunID, string(a.Type),
			a.Workload.Namespace, a.Workload.Name, a.Workload.Kind,
			original, target, rollback, string(a.Status), a.Error,
			a.EstimatedMonthlySavings, string(a.Risk), a.BaselineBusinessRate,
			a.RollbackAvailable, string(a.RollbackOutcome), a.RollbackError, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("ledger: insert action %s: %w", a.ID, err)
		}
	}

	if err := appendEventTx(ctx, tx, model.Event{RunID: run.ID, Type: model.EventRunCreated, Timestamp: run.CreatedAt}); err != nil {
		return err
	}
	return tx.Commit()
}

// StartRun moves a pending run to running.
func (l *PostgresLedger) StartRun(ctx context.Context, runID string, at time.Time) error {
	return l.updateRun(ctx, runID,
		`UPDATE optimization_runs SET status = 'running', started_at = $2 WHERE id = $1`,
		[]interface{}{runID, at},
		model.Event{RunID: runID, Type: model.EventRunStarted, Timestamp: at})
}

// CompleteRun moves a running run to a terminal status.
func (l *PostgresLedger) CompleteRun(ctx context.Context, runID string, status model.RunStatus, rollbackExpiresAt *time.Time, at time.Time) error {
	return l.updateRun(ctx, runID,
		`UPDATE optimization_runs SET status = $2, completed_at = $3,
			rollback_expires_at = $4, rollback_available = $5 WHERE id = $1`,
		[]interface{}{runID, string(status), at, rollbackExpiresAt, rollbackExpiresAt != nil},
		model.Event{RunID: runID, Type: model.EventRunCompleted, Detail: string(status), Timestamp: at})
}

// GetRun returns the run with its actions.
func (l *PostgresLedger) GetRun(ctx context.Context, runID string) (*model.OptimizationRun, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, namespace, label_selector, dry_run, safety_checks, mode,
			rollback_timeout_seconds, status, rollback_available,
			rollback_expires_at, created_at, started_at, completed_at
		FROM optimization_runs WHERE id = $1`, runID)

	var run model.OptimizationRun
	var mode, status string
	var timeoutSeconds int64
	var expiresAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.Namespace, &run.LabelSelector, &run.DryRun,
		&run.SafetyChecks, &mode, &timeoutSeconds, &status, &run.RollbackAvailable,
		&expiresAt, &run.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, runNotFound(runID)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan run %s: %w", runID, err)
	}
	run.Mode = model.ExecutionMode(mode)
	run.Status = model.RunStatus(status)
	run.RollbackTimeout = time.Duration(timeoutSeconds) * time.Second
	run.RollbackExpiresAt = nullTimePtr(expiresAt)
	run.StartedAt = nullTimePtr(startedAt)
	run.CompletedAt = nullTimePtr(completedAt)

	run.Actions, err = l.listActions(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (l *PostgresLedger) listActions(ctx context.Context, runID string) ([]model.OptimizationAction, error) {
	rows, err := l.db.QueryContext(ctx, actionColumns+` FROM optimization_actions WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list actions for %s: %w", runID, err)
	}
	defer rows.Close()

	var actions []model.OptimizationAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// MarkActionExecuting moves a planned action to executing.
func (l *PostgresLedger) MarkActionExecuting(ctx context.Context, actionID string, at time.Time) error {
	return l.updateAction(ctx, actionID,
		`UPDATE optimization_actions SET status = 'executing' WHERE id = $1`,
		[]interface{}{actionID},
		model.Event{ActionID: actionID, Type: model.EventActionExecuting, Timestamp: at})
}

// RecordRollbackSpec persists the configuration rollback would restore.
func (l *PostgresLedger) RecordRollbackSpec(ctx context.Context, actionID string, spec model.ReplicaSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("ledger: marshal rollback spec for %s: %w", actionID, err)
	}
	return l.updateAction(ctx, actionID,
		`UPDATE optimization_actions SET rollback_spec = $2 WHERE id = $1`,
		[]interface{}{actionID, raw}, model.Event{})
}

// MarkActionApplied moves an executing action to applied.
func (l *PostgresLedger) MarkActionApplied(ctx context.Context, actionID string, rollbackAvailable bool, at time.Time) error {
	return l.updateAction(ctx, actionID,
		`UPDATE optimization_actions SET status = 'applied', rollback_available = $2,
			rollback_outcome = CASE WHEN $2 THEN rollback_outcome ELSE 'not_attempted' END,
			applied_at = $3 WHERE id = $1`,
		[]interface{}{actionID, rollbackAvailable, at},
		model.Event{ActionID: actionID, Type: model.EventActionApplied, Timestamp: at})
}

// MarkActionFailed moves an action to failed with a reason.
func (l *PostgresLedger) MarkActionFailed(ctx context.Context, actionID string, reason string, at time.Time) error {
	return l.updateAction(ctx, actionID,
		`UPDATE optimization_actions SET status = 'failed', error = $2,
			rollback_available = FALSE, rollback_outcome = 'not_attempted',
			resolved_at = $3 WHERE id = $1`,
		[]interface{}{actionID, reason, at},
		model.Event{ActionID: actionID, Type: model.EventActionFailed, Detail: reason, Timestamp: at})
}

// RecordRollbackOutcome resolves an applied action's rollback.
func (l *PostgresLedger) RecordRollbackOutcome(ctx context.Context, actionID string, outcome model.RollbackOutcome, detail string, at time.Time) error {
	return l.updateAction(ctx, actionID,
		`UPDATE optimization_actions SET rollback_outcome = $2,
			rollback_available = FALSE, resolved_at = $3,
			status = CASE WHEN $2 = 'succeeded' THEN 'rolled_back' ELSE status END,
			rollback_error = CASE WHEN $2 = 'failed' THEN $4 ELSE rollback_error END
		WHERE id = $1`,
		[]interface{}{actionID, string(outcome), at, detail},
		model.Event{ActionID: actionID, Type: model.EventRollbackResolved, Detail: string(outcome), Timestamp: at})
}

// ClearRollbackAvailable retires the rollback window for a run.
func (l *PostgresLedger) ClearRollbackAvailable(ctx context.Context, runID string, at time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin clear rollback: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE optimization_runs SET rollback_available = FALSE WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("ledger: clear run rollback %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return runNotFound(runID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE optimization_actions SET rollback_available = FALSE,
			rollback_outcome = 'not_attempted', resolved_at = $2
		WHERE run_id = $1 AND rollback_available`, runID, at)
	if err != nil {
		return fmt.Errorf("ledger: clear action rollback for %s: %w", runID, err)
	}

	if err := appendEventTx(ctx, tx, model.Event{RunID: runID, Type: model.EventRollbackExpired, Timestamp: at}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRecoverableActions returns applied actions with an active rollback window.
func (l *PostgresLedger) ListRecoverableActions(ctx context.Context) ([]RecoverableAction, error) {
	rows, err := l.db.QueryContext(ctx, actionColumns+`, r.rollback_timeout_seconds, r.safety_checks
		FROM optimization_actions a
		JOIN optimization_runs r ON r.id = a.run_id
		WHERE a.status = 'applied' AND a.rollback_available
		ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list recoverable actions: %w", err)
	}
	defer rows.Close()

	var out []RecoverableAction
	for rows.Next() {
		rec, err := scanRecoverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListPurgeableRuns returns terminal runs whose rollback window is retired
// and that completed before olderThan.
func (l *PostgresLedger) ListPurgeableRuns(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id FROM optimization_runs
		WHERE status IN ('completed', 'failed', 'rolled_back')
			AND NOT rollback_available
			AND completed_at IS NOT NULL AND completed_at < $1
		ORDER BY id`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("ledger: list purgeable runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan purgeable run: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteRun removes a run with its actions and events. Actions are removed
// by the cascading foreign key.
func (l *PostgresLedger) DeleteRun(ctx context.Context, runID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin delete run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("ledger: delete events for %s: %w", runID, err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM optimization_runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("ledger: delete run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return runNotFound(runID)
	}
	return tx.Commit()
}

// AppendEvent adds one entry to a run's audit history.
func (l *PostgresLedger) AppendEvent(ctx context.Context, event model.Event) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, action_id, type, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		event.RunID, event.ActionID, string(event.Type), event.Detail, event.Timestamp)
	if err != nil {
		return fmt.Errorf("ledger: append event for %s: %w", event.RunID, err)
	}
	return nil
}

// ListEvents returns a run's audit history in append order.
func (l *PostgresLedger) ListEvents(ctx context.Context, runID string) ([]model.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, run_id, action_id, type, detail, timestamp
		FROM run_events WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var typ string
		if err := rows.Scan(&e.ID, &e.RunID, &e.ActionID, &typ, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		e.Type = model.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping reports whether the database is reachable.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close releases the connection pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// updateRun runs one UPDATE plus its event inside a transaction and converts
// zero rows affected into a RUN_NOT_FOUND error.
func (l *PostgresLedger) updateRun(ctx context.Context, runID, query string, args []interface{}, event model.Event) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin update run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ledger: update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return runNotFound(runID)
	}

	if event.Type != "" {
		if err := appendEventTx(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// updateAction mirrors updateRun for action rows, resolving the run ID for
// the event from the action row itself.
func (l *PostgresLedger) updateAction(ctx context.Context, actionID, query string, args []interface{}, event model.Event) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin update action: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ledger: update action %s: %w", actionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return actionNotFound(actionID)
	}

	if event.Type != "" {
		row := tx.QueryRowContext(ctx, `SELECT run_id FROM optimization_actions WHERE id = $1`, actionID)
		if err := row.Scan(&event.RunID); err != nil {
			return fmt.Errorf("ledger: resolve run for action %s: %w", actionID, err)
		}
		if err := appendEventTx(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func appendEventTx(ctx context.Context, tx *sql.Tx, event model.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, action_id, type, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		event.RunID, event.ActionID, string(event.Type), event.Detail, event.Timestamp)
	if err != nil {
		return fmt.Errorf("ledger: append event for %s: %w", event.RunID, err)
	}
	return nil
}

// actionColumns is the shared SELECT list for action scans. The alias a is
// harmless for unjoined queries.
const actionColumns = `SELECT a.id, a.run_id, a.type, a.workload_namespace, a.workload_name,
	a.workload_kind, a.original_spec, a.target_spec, a.rollback_spec, a.status,
	a.error, a.estimated_monthly_savings, a.risk, a.baseline_business_rate,
	a.rollback_available, a.rollback_outcome, a.rollback_error,
	a.created_at, a.applied_at, a.resolved_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (model.OptimizationAction, error) {
	var a model.OptimizationAction
	var typ, status, risk, outcome string
	var original, target, rollback []byte
	var appliedAt, resolvedAt sql.NullTime

	err := row.Scan(&a.ID, &a.RunID, &typ,
		&a.Workload.Namespace, &a.Workload.Name, &a.Workload.Kind,
		&original, &target, &rollback, &status, &a.Error,
		&a.EstimatedMonthlySavings, &risk, &a.BaselineBusinessRate,
		&a.RollbackAvailable, &outcome, &a.RollbackError,
		&a.CreatedAt, &appliedAt, &resolvedAt)
	if err != nil {
		return a, fmt.Errorf("ledger: scan action: %w", err)
	}

	a.Type = model.ActionType(typ)
	a.Status = model.ActionStatus(status)
	a.Risk = model.RiskLevel(risk)
	a.RollbackOutcome = model.RollbackOutcome(outcome)
	a.AppliedAt = nullTimePtr(appliedAt)
	a.ResolvedAt = nullTimePtr(resolvedAt)

	if err := json.Unmarshal(original, &a.OriginalSpec); err != nil {
		return a, fmt.Errorf("ledger: decode original spec for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(target, &a.TargetSpec); err != nil {
		return a, fmt.Errorf("ledger: decode target spec for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(rollback, &a.RollbackSpec); err != nil {
		return a, fmt.Errorf("ledger: decode rollback spec for %s: %w", a.ID, err)
	}
	return a, nil
}

func scanRecoverable(row rowScanner) (RecoverableAction, error) {
	var rec RecoverableAction
	a := &rec.Action
	var typ, status, risk, outcome string
	var original, target, rollback []byte
	var appliedAt, resolvedAt sql.NullTime
	var timeoutSeconds int64

	err := row.Scan(&a.ID, &a.RunID, &typ,
		&a.Workload.Namespace, &a.Workload.Name, &a.Workload.Kind,
		&original, &target, &rollback, &status, &a.Error,
		&a.EstimatedMonthlySavings, &risk, &a.BaselineBusinessRate,
		&a.RollbackAvailable, &outcome, &a.RollbackError,
		&a.CreatedAt, &appliedAt, &resolvedAt,
		&timeoutSeconds, &rec.SafetyChecks)
	if err != nil {
		return rec, fmt.Errorf("ledger: scan recoverable action: %w", err)
	}

	a.Type = model.ActionType(typ)
	a.Status = model.ActionStatus(status)
	a.Risk = model.RiskLevel(risk)
	a.RollbackOutcome = model.RollbackOutcome(outcome)
	a.AppliedAt = nullTimePtr(appliedAt)
	a.ResolvedAt = nullTimePtr(resolvedAt)
	rec.RollbackTimeout = time.Duration(timeoutSeconds) * time.Second

	if err := json.Unmarshal(original, &a.OriginalSpec); err != nil {
		return rec, fmt.Errorf("ledger: decode original spec for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(target, &a.TargetSpec); err != nil {
		return rec, fmt.Errorf("ledger: decode target spec for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(rollback, &a.RollbackSpec); err != nil {
		return rec, fmt.Errorf("ledger: decode rollback spec for %s: %w", a.ID, err)
	}
	return rec, nil
}

func marshalSpecs(a *model.OptimizationAction) (original, target, rollback []byte, err error) {
	if original, err = json.Marshal(a.OriginalSpec); err != nil {
		return nil, nil, nil, fmt.Errorf("ledger: marshal original spec for %s: %w", a.ID, err)
	}
	if target, err = json.Marshal(a.TargetSpec); err != nil {
		return nil, nil, nil, fmt.Errorf("ledger: marshal target spec for %s: %w", a.ID, err)
	}
	if rollback, err = json.Marshal(a.RollbackSpec); err != nil {
		return nil, nil, nil, fmt.Errorf("ledger: marshal rollback spec for %s: %w", a.ID, err)
	}
	return original, target, rollback, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	c := t.Time
	return &c
}

var _ Ledger = (*PostgresLedger)(nil)
var _ Ledger = (*MemoryLedger)(nil)
