package domain

// AgentType enumerates the fixed set of worker roles.
type AgentType string

const (
	AgentCoordinator AgentType = "coordinator"
	AgentArchitect   AgentType = "architect"
	AgentPlanner     AgentType = "planner"
	AgentCoder       AgentType = "coder"
	AgentTester      AgentType = "tester"
	AgentQA          AgentType = "qa"
	AgentDeployer    AgentType = "deployer"
)

// AgentTypes lists every agent type in a stable order.
func AgentTypes() []AgentType {
	return []AgentType{
		AgentCoordinator, AgentArchitect, AgentPlanner,
		AgentCoder, AgentTester, AgentQA, AgentDeployer,
	}
}

// Priority orders work admission within a queue.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to a sortable weight; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state" enum:"created,planning,architecture,task_breakdown,development,testing,integration,deployment_prep,deployment,validation,maintenance,completed,paused,cancelled,failed"`
	Description string `json:"description,omitempty"`
	TechStack   string `json:"tech_stack,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// StateHistoryEntry is one immutable record of a lifecycle transition.
type StateHistoryEntry struct {
	ProjectID   string `json:"project_id"`
	Seq         int    `json:"seq"`
	State       string `json:"state"`
	EnteredAt   string `json:"entered_at" format:"date-time"`
	Reason      string `json:"reason,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

type Deliverable struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	Title              string  `json:"title"`
	AcceptanceCriteria string  `json:"acceptance_criteria,omitempty"`
	Status             string  `json:"status" enum:"not_started,in_progress,review,completed,blocked"`
	AgentType          string  `json:"agent_type,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
}

type Agent struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Type          AgentType `json:"type" enum:"coordinator,architect,planner,coder,tester,qa,deployer"`
	Status        string    `json:"status" enum:"idle,working,waiting,error,completed"`
	CurrentTaskID *string   `json:"current_task_id,omitempty"`
	LastActivity  string    `json:"last_activity" format:"date-time"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
}

type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Capability  string   `json:"capability"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority" enum:"urgent,high,medium,low"`
	Status      string   `json:"status" enum:"pending,in_progress,completed,failed,blocked"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	OutputJSON  *string  `json:"output_json,omitempty"`
	LastError   *string  `json:"last_error,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

type WorkflowRun struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Status      string  `json:"status" enum:"running,succeeded,failed,canceled"`
	Parallel    bool    `json:"parallel"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type WorkflowStep struct {
	RunID      string  `json:"run_id"`
	Name       string  `json:"name"`
	Seq        int     `json:"seq"`
	Status     string  `json:"status" enum:"pending,running,succeeded,failed,skipped"`
	Attempts   int     `json:"attempts"`
	AgentType  string  `json:"agent_type"`
	LastError  *string `json:"last_error,omitempty"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	DurationMS *int64  `json:"duration_ms,omitempty"`
}

// StepResultRecord stores the immutable payload a finished step produced.
type StepResultRecord struct {
	RunID      string `json:"run_id"`
	StepName   string `json:"step_name"`
	OutputJSON string `json:"output_json"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ProjectMetrics summarizes task, deliverable and run progress for a project.
type ProjectMetrics struct {
	TasksByStatus        map[string]int `json:"tasks_by_status"`
	DeliverablesTotal    int            `json:"deliverables_total"`
	DeliverablesComplete int            `json:"deliverables_complete"`
	ProgressPercent      float64        `json:"progress_percent"`
}

// RunProgress mirrors the per-run progress summary exposed by status queries.
type RunProgress struct {
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"`
	TotalSteps int            `json:"total_steps"`
	Completed  int            `json:"completed_steps"`
	Percentage float64        `json:"percentage"`
	Steps      []WorkflowStep `json:"steps"`
}
