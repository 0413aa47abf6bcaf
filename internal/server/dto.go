package server

import (
	"encoding/json"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/orchestrator"
	"forgeline/internal/workflow"
)

type CreateProjectRequest struct {
	Name        string  `json:"name" example:"billing-service"`
	Description *string `json:"description,omitempty"`
	TechStack   *string `json:"tech_stack,omitempty" example:"go,sqlite"`
}

type StartWorkflowRequest struct {
	Parallel *bool `json:"parallel,omitempty"`
}

type CancelWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResumeWorkflowRequest struct {
	FromStep string `json:"from_step,omitempty" example:"coding"`
}

type CompleteTaskRequest struct {
	Output  json.RawMessage `json:"output,omitempty"`
	Failure string          `json:"failure,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
	TechStack   string `json:"tech_stack,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		State:       p.State,
		Description: p.Description,
		TechStack:   p.TechStack,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type RunResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Status      string  `json:"status"`
	Parallel    bool    `json:"parallel"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func runResponse(run domain.WorkflowRun) RunResponse {
	return RunResponse{
		ID:          run.ID,
		ProjectID:   run.ProjectID,
		Status:      run.Status,
		Parallel:    run.Parallel,
		LastError:   run.LastError,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
	}
}

type StatusResponse struct {
	Project ProjectResponse       `json:"project"`
	Metrics domain.ProjectMetrics `json:"metrics"`
	Run     *domain.RunProgress   `json:"run,omitempty"`
}

func statusResponse(s orchestrator.ProjectStatus) StatusResponse {
	return StatusResponse{
		Project: projectResponse(s.Project),
		Metrics: s.Metrics,
		Run:     s.Run,
	}
}

type TaskResponse struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Capability  string          `json:"capability"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	AssigneeID  *string         `json:"assignee_id,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	res := TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		Capability:  t.Capability,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Status:      t.Status,
		AssigneeID:  t.AssigneeID,
		DependsOn:   t.DependsOn,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.OutputJSON != nil && json.Valid([]byte(*t.OutputJSON)) {
		res.Output = json.RawMessage(*t.OutputJSON)
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

type AgentResponse struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
	LastActivity  string  `json:"last_activity"`
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, AgentResponse{
			ID:            a.ID,
			ProjectID:     a.ProjectID,
			Type:          string(a.Type),
			Status:        a.Status,
			CurrentTaskID: a.CurrentTaskID,
			LastActivity:  a.LastActivity,
		})
	}
	return res
}

type AssignmentResponse struct {
	Task  TaskResponse  `json:"task"`
	Agent AgentResponse `json:"agent"`
}

type DeliverableResponse struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	AcceptanceCriteria string  `json:"acceptance_criteria,omitempty"`
	Status             string  `json:"status"`
	AgentType          string  `json:"agent_type,omitempty"`
	CompletedAt        *string `json:"completed_at,omitempty"`
}

func mapDeliverables(items []domain.Deliverable) []DeliverableResponse {
	res := make([]DeliverableResponse, 0, len(items))
	for _, d := range items {
		res = append(res, DeliverableResponse{
			ID:                 d.ID,
			Title:              d.Title,
			AcceptanceCriteria: d.AcceptanceCriteria,
			Status:             d.Status,
			AgentType:          d.AgentType,
			CompletedAt:        d.CompletedAt,
		})
	}
	return res
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StateHistoryResponse struct {
	Seq         int    `json:"seq"`
	State       string `json:"state"`
	EnteredAt   string `json:"entered_at"`
	Reason      string `json:"reason,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

func mapHistory(items []domain.StateHistoryEntry) []StateHistoryResponse {
	res := make([]StateHistoryResponse, 0, len(items))
	for _, h := range items {
		res = append(res, StateHistoryResponse{
			Seq:         h.Seq,
			State:       h.State,
			EnteredAt:   h.EnteredAt,
			Reason:      h.Reason,
			TriggeredBy: h.TriggeredBy,
		})
	}
	return res
}

type RunDetailResponse struct {
	Run      RunResponse                    `json:"run"`
	Progress domain.RunProgress             `json:"progress"`
	Outputs  map[string]workflow.StepOutput `json:"outputs,omitempty"`
}

type ProjectConfigResponse struct {
	Config *config.Config `json:"config"`
}
