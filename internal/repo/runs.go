package repo

import (
	"context"
	"database/sql"
	"time"

	"forgeline/internal/domain"
)

func (r Repo) InsertWorkflowRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	parallel := 0
	if run.Parallel {
		parallel = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_runs(id,project_id,status,parallel,last_error,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Status, parallel, nullableStringPtr(run.LastError), run.CreatedAt, run.UpdatedAt, nullableStringPtr(run.CompletedAt))
	return err
}

func scanRun(scan func(dest ...any) error) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var parallel int
	var lastErr, completedAt sql.NullString
	err := scan(&run.ID, &run.ProjectID, &run.Status, &parallel, &lastErr, &run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return run, err
	}
	run.Parallel = parallel == 1
	if lastErr.Valid {
		run.LastError = &lastErr.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

const runColumns = `id,project_id,status,parallel,last_error,created_at,updated_at,completed_at`

func (r Repo) GetWorkflowRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id=?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// LatestWorkflowRun returns the most recent run for a project.
func (r Repo) LatestWorkflowRun(ctx context.Context, projectID string) (domain.WorkflowRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE project_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, projectID)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// ActiveWorkflowRun returns the running run for a project, if any.
func (r Repo) ActiveWorkflowRun(ctx context.Context, projectID string) (domain.WorkflowRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE project_id=? AND status='running' LIMIT 1`, projectID)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) UpdateRunStatus(ctx context.Context, tx *sql.Tx, runID, status string, lastError *string, now string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	var completedAt any
	switch status {
	case "succeeded", "failed", "canceled":
		completedAt = now
	}
	res, err := exec(ctx, `UPDATE workflow_runs SET status=?, last_error=?, updated_at=?, completed_at=COALESCE(?, completed_at) WHERE id=?`,
		status, nullableStringPtr(lastError), now, completedAt, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunStatusIf flips a run's status only when it still has the expected
// one. The driver uses it so a late completion never overwrites a
// cancellation that landed first.
func (r Repo) UpdateRunStatusIf(ctx context.Context, runID, from, to string, lastError *string, now string) (bool, error) {
	var completedAt any
	switch to {
	case "succeeded", "failed", "canceled":
		completedAt = now
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_runs SET status=?, last_error=?, updated_at=?, completed_at=COALESCE(?, completed_at) WHERE id=? AND status=?`,
		to, nullableStringPtr(lastError), now, completedAt, runID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) InsertWorkflowStep(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(run_id,name,seq,status,attempts,agent_type,last_error,started_at,finished_at,duration_ms)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.RunID, s.Name, s.Seq, s.Status, s.Attempts, s.AgentType, nullableStringPtr(s.LastError),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.FinishedAt), nullableInt64Ptr(s.DurationMS))
	return err
}

// UpdateWorkflowStep persists a step's status before control returns to the
// driver, keeping the run record the durable source of truth.
func (r Repo) UpdateWorkflowStep(ctx context.Context, s domain.WorkflowStep) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_steps SET status=?, attempts=?, last_error=?, started_at=?, finished_at=?, duration_ms=? WHERE run_id=? AND name=?`,
		s.Status, s.Attempts, nullableStringPtr(s.LastError), nullableStringPtr(s.StartedAt),
		nullableStringPtr(s.FinishedAt), nullableInt64Ptr(s.DurationMS), s.RunID, s.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListWorkflowSteps(ctx context.Context, runID string) ([]domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,name,seq,status,attempts,agent_type,last_error,started_at,finished_at,duration_ms FROM workflow_steps WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStep
	for rows.Next() {
		var s domain.WorkflowStep
		var lastErr, startedAt, finishedAt sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&s.RunID, &s.Name, &s.Seq, &s.Status, &s.Attempts, &s.AgentType, &lastErr, &startedAt, &finishedAt, &duration); err != nil {
			return nil, err
		}
		if lastErr.Valid {
			s.LastError = &lastErr.String
		}
		if startedAt.Valid {
			s.StartedAt = &startedAt.String
		}
		if finishedAt.Valid {
			s.FinishedAt = &finishedAt.String
		}
		if duration.Valid {
			s.DurationMS = &duration.Int64
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SaveStepResult stores the immutable output payload of a finished step.
// INSERT OR IGNORE keeps the first write; results are never overwritten.
func (r Repo) SaveStepResult(ctx context.Context, rec domain.StepResultRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO step_results(run_id,step_name,output_json,created_at) VALUES (?,?,?,?)`,
		rec.RunID, rec.StepName, rec.OutputJSON, rec.CreatedAt)
	return err
}

func (r Repo) GetStepResult(ctx context.Context, runID, stepName string) (domain.StepResultRecord, error) {
	var rec domain.StepResultRecord
	err := r.DB.QueryRowContext(ctx, `SELECT run_id,step_name,output_json,created_at FROM step_results WHERE run_id=? AND step_name=?`, runID, stepName).
		Scan(&rec.RunID, &rec.StepName, &rec.OutputJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) ListStepResults(ctx context.Context, runID string) ([]domain.StepResultRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,step_name,output_json,created_at FROM step_results WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepResultRecord
	for rows.Next() {
		var rec domain.StepResultRecord
		if err := rows.Scan(&rec.RunID, &rec.StepName, &rec.OutputJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountRunsByStatus aggregates run counts across all projects.
func (r Repo) CountRunsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// DeleteTerminalRunsBefore removes succeeded/failed/canceled runs completed
// before the cutoff and returns how many were deleted.
func (r Repo) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE status IN ('succeeded','failed','canceled') AND completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
