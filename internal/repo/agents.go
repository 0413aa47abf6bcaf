package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,project_id,type,status,current_task_id,last_activity,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, string(a.Type), a.Status, nullableStringPtr(a.CurrentTaskID), a.LastActivity, a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var taskID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,type,status,current_task_id,last_activity,created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.ProjectID, &a.Type, &a.Status, &taskID, &a.LastActivity, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if taskID.Valid {
		a.CurrentTaskID = &taskID.String
	}
	return a, err
}

type AgentFilters struct {
	ProjectID string
	Type      string
	Status    string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	query := `SELECT id,project_id,type,status,current_task_id,last_activity,created_at FROM agents WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY last_activity ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var taskID sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Type, &a.Status, &taskID, &a.LastActivity, &a.CreatedAt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			a.CurrentTaskID = &taskID.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ClaimAgent flips an idle agent to working in a single compare-and-swap
// update. Zero rows affected means another claimer won the race.
func (r Repo) ClaimAgent(ctx context.Context, agentID, taskID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE agents SET status='working', current_task_id=?, last_activity=? WHERE id=? AND status='idle'`,
		nullable(taskID), now, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseAgent returns an agent to idle and clears its assignment.
func (r Repo) ReleaseAgent(ctx context.Context, agentID, status, now string) error {
	if status == "" {
		status = "idle"
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE agents SET status=?, current_task_id=NULL, last_activity=? WHERE id=?`, status, now, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseProjectAgents forces every non-idle agent of a project back to idle.
// Used by cancellation so a later run never inherits a stuck 'working' agent.
func (r Repo) ReleaseProjectAgents(ctx context.Context, tx *sql.Tx, projectID, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE agents SET status='idle', current_task_id=NULL, last_activity=? WHERE project_id=? AND status != 'idle'`, now, projectID)
	return err
}

// CountWorkingAgents reports how many agents of a type are mid-task.
func (r Repo) CountWorkingAgents(ctx context.Context, agentType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE type=? AND status='working'`, agentType).Scan(&n)
	return n, err
}
