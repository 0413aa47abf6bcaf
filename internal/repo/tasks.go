package repo

import (
	"context"
	"database/sql"
	"strings"

	"forgeline/internal/domain"
)

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,capability,title,description,priority,status,assignee_id,output_json,last_error,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Capability, t.Title, nullable(t.Description), string(t.Priority), t.Status,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.OutputJSON), nullableStringPtr(t.LastError),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE tasks SET capability=?, title=?, description=?, priority=?, status=?, assignee_id=?, output_json=?, last_error=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Capability, t.Title, nullable(t.Description), string(t.Priority), t.Status,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.OutputJSON), nullableStringPtr(t.LastError),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, assignee, output, lastErr, completedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Capability, &t.Title, &description, &t.Priority, &t.Status,
		&assignee, &output, &lastErr, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.Description = description.String
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if output.Valid {
		t.OutputJSON = &output.String
	}
	if lastErr.Valid {
		t.LastError = &lastErr.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

const taskColumns = `id,project_id,capability,title,description,priority,status,assignee_id,output_json,last_error,created_at,updated_at,completed_at`

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	Capability string
	AssigneeID string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Capability != "" {
		clauses = append(clauses, "capability=?")
		args = append(args, f.Capability)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListReadyTasks returns pending tasks whose dependencies are all completed,
// dependency-ordered admission for the coding fan-out.
func (r Repo) ListReadyTasks(ctx context.Context, projectID, capability string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE project_id=? AND capability=? AND status='pending'
AND NOT EXISTS (
    SELECT 1 FROM task_deps d
    JOIN tasks dep ON dep.id=d.depends_on_task_id
    WHERE d.task_id=tasks.id AND dep.status != 'completed'
)
ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, projectID, capability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// HasUnmetDependencies reports whether any dependency of a task is incomplete.
func (r Repo) HasUnmetDependencies(ctx context.Context, taskID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM task_deps d
JOIN tasks dep ON dep.id=d.depends_on_task_id
WHERE d.task_id=? AND dep.status != 'completed' LIMIT 1`, taskID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) AddTaskDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// BlockActiveTasks moves every pending or in-progress task of a project to
// blocked. Cancellation path; runs inside the caller's transaction.
func (r Repo) BlockActiveTasks(ctx context.Context, tx *sql.Tx, projectID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status='blocked', updated_at=? WHERE project_id=? AND status IN ('pending','in_progress')`, now, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReopenTasks returns a project's failed and blocked tasks of one capability
// to pending so a retried or resumed step re-executes them instead of seeing
// an empty ready set.
func (r Repo) ReopenTasks(ctx context.Context, projectID, capability, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status='pending', assignee_id=NULL, last_error=NULL, updated_at=? WHERE project_id=? AND capability=? AND status IN ('failed','blocked')`,
		now, projectID, capability)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
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
