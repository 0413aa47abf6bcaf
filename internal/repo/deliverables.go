package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(id,project_id,title,acceptance_criteria,status,agent_type,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Title, nullable(d.AcceptanceCriteria), d.Status, nullable(d.AgentType),
		d.CreatedAt, d.UpdatedAt, nullableStringPtr(d.CompletedAt))
	return err
}

func (r Repo) UpdateDeliverableStatus(ctx context.Context, id, status, now string) error {
	var completedAt any
	if status == "completed" {
		completedAt = now
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE deliverables SET status=?, updated_at=?, completed_at=COALESCE(?, completed_at) WHERE id=?`,
		status, now, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDeliverables(ctx context.Context, projectID string) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,COALESCE(acceptance_criteria,''),status,COALESCE(agent_type,''),created_at,updated_at,completed_at FROM deliverables WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		var d domain.Deliverable
		var completedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Title, &d.AcceptanceCriteria, &d.Status, &d.AgentType, &d.CreatedAt, &d.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			d.CompletedAt = &completedAt.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// DeliverableProgress returns total and completed deliverable counts.
func (r Repo) DeliverableProgress(ctx context.Context, projectID string) (total, completed int, err error) {
	err = r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0) FROM deliverables WHERE project_id=?`,
		projectID).Scan(&total, &completed)
	return total, completed, err
}
