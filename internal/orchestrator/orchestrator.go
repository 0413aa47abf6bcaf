// Package orchestrator is the boundary in front of the engine: project
// creation, workflow control and status queries. It owns lifecycle
// transitions; the workflow engine reports milestones through hooks and
// never touches project state itself.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/lifecycle"
	"forgeline/internal/queue"
	"forgeline/internal/registry"
	"forgeline/internal/repo"
	"forgeline/internal/services"
	"forgeline/internal/workflow"
)

type Orchestrator struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Engine   *workflow.Engine
	Registry *registry.Registry
	Pool     *queue.Pool
	Config   *config.Config
	Now      func() time.Time
	Log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires the full scheduling stack over one database handle and starts
// the queue dispatchers.
func New(ctx context.Context, conn *sql.DB, cfg *config.Config) *Orchestrator {
	r := repo.Repo{DB: conn}
	reg := registry.New(r, events.Writer{DB: conn})
	pool := queue.NewPool(reg, cfg.Agents)
	pool.Start(ctx)
	eng := workflow.New(conn, cfg, reg, pool, services.FromConfig(cfg))
	o := &Orchestrator{
		DB:       conn,
		Repo:     r,
		Events:   events.Writer{DB: conn},
		Engine:   eng,
		Registry: reg,
		Pool:     pool,
		Config:   cfg,
		Now:      time.Now,
		Log:      slog.Default(),
		locks:    map[string]*sync.Mutex{},
	}
	eng.Hooks = o.hooks()
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// projectLock serializes lifecycle transitions per project.
func (o *Orchestrator) projectLock(projectID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[projectID] = l
	}
	return l
}

// Transition applies a validated lifecycle transition: state flip, history
// entry and audit event land in one transaction.
func (o *Orchestrator) Transition(ctx context.Context, projectID, to, reason, triggeredBy string) error {
	lock := o.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()
	project, err := o.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := lifecycle.Validate(lifecycle.State(project.State), lifecycle.State(to)); err != nil {
		return err
	}
	now := o.now().UTC().Format(time.RFC3339)
	tx, err := o.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateProjectState(ctx, tx, projectID, to, reason, triggeredBy, now); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, "project.state_changed", projectID, "project", projectID, triggeredBy,
		events.EventPayload{"from": project.State, "to": to, "reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// maybeTransition applies a milestone transition, swallowing only the
// invalid-transition case (the project may already be past the milestone,
// e.g. after a resume).
func (o *Orchestrator) maybeTransition(ctx context.Context, projectID, to, reason string) {
	err := o.Transition(ctx, projectID, to, reason, "workflow")
	if err == nil || errors.Is(err, lifecycle.ErrInvalidTransition) {
		return
	}
	o.Log.Error("milestone transition", "project", projectID, "to", to, "err", err)
}

// hooks maps workflow milestones onto lifecycle states.
func (o *Orchestrator) hooks() workflow.Hooks {
	startStates := map[string]string{
		workflow.StepArchitectureDesign: string(lifecycle.StateArchitecture),
		workflow.StepTaskCreation:       string(lifecycle.StateTaskBreakdown),
		workflow.StepWorkAssignment:     string(lifecycle.StateDevelopment),
		workflow.StepCoding:             string(lifecycle.StateDevelopment),
		workflow.StepTesting:            string(lifecycle.StateTesting),
		workflow.StepQA:                 string(lifecycle.StateTesting),
		workflow.StepDeployment:         string(lifecycle.StateDeployment),
	}
	return workflow.Hooks{
		OnStepStart: func(ctx context.Context, run domain.WorkflowRun, step string) {
			if to, ok := startStates[step]; ok {
				o.maybeTransition(ctx, run.ProjectID, to, "step "+step+" started")
			}
		},
		OnStepSuccess: func(ctx context.Context, run domain.WorkflowRun, step string, out workflow.StepOutput) {
			switch step {
			case workflow.StepCoding:
				o.maybeTransition(ctx, run.ProjectID, string(lifecycle.StateTesting), "coding completed")
			case workflow.StepQA:
				if out.QA != nil && out.QA.Approved {
					o.maybeTransition(ctx, run.ProjectID, string(lifecycle.StateIntegration), "qa approved")
					o.maybeTransition(ctx, run.ProjectID, string(lifecycle.StateDeploymentPrep), "qa approved")
				}
			case workflow.StepDeployment:
				o.maybeTransition(ctx, run.ProjectID, string(lifecycle.StateValidation), "deployment completed")
			}
		},
		OnRunFinished: func(ctx context.Context, run domain.WorkflowRun) {
			switch run.Status {
			case "succeeded":
				outputs, err := o.Engine.Outputs(ctx, run.ID)
				if err != nil {
					o.Log.Error("load run outputs", "run", run.ID, "err", err)
					return
				}
				// A run that ended on a QA rejection has no deployment
				// result; the project stays where QA left it.
				if _, deployed := outputs[workflow.StepDeployment]; deployed {
					o.maybeTransition(ctx, run.ProjectID, string(lifecycle.StateCompleted), "workflow run succeeded")
				}
			case "failed":
				o.maybeTransition(ctx, run.ProjectID, string(lifecycle.StateFailed), errMessage(run))
			}
		},
	}
}

func errMessage(run domain.WorkflowRun) string {
	if run.LastError != nil {
		return *run.LastError
	}
	return "workflow run failed"
}

// CreateProjectOptions describes a new project. Config falls back to the
// generated default when nil.
type CreateProjectOptions struct {
	Name        string
	Description string
	TechStack   string
	Config      *config.Config
	ActorID     string
}

// CreateProject creates the project row in state created, provisions its
// agents from the agent-type table, seeds deliverables and persists the
// config snapshot.
func (o *Orchestrator) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, fmt.Errorf("project name required")
	}
	cfg := opts.Config
	projectID := uuid.NewString()
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, err
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "orchestrator"
	}
	now := o.now().UTC().Format(time.RFC3339)
	project := domain.Project{
		ID: projectID, Name: opts.Name, State: string(lifecycle.StateCreated),
		Description: opts.Description, TechStack: opts.TechStack,
		CreatedAt: now, UpdatedAt: now,
	}
	tx, err := o.DB.Begin()
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertProject(ctx, tx, project); err != nil {
		return domain.Project{}, err
	}
	if err := o.Repo.UpdateProjectState(ctx, tx, projectID, project.State, "project created", actor, now); err != nil {
		return domain.Project{}, err
	}
	for _, agentType := range domain.AgentTypes() {
		profile := cfg.Agent(string(agentType))
		for i := 0; i < profile.PoolSize; i++ {
			agent := domain.Agent{
				ID: uuid.NewString(), ProjectID: projectID, Type: agentType,
				Status: "idle", LastActivity: now, CreatedAt: now,
			}
			if err := o.Repo.InsertAgent(ctx, tx, agent); err != nil {
				return domain.Project{}, err
			}
		}
	}
	for _, spec := range cfg.Deliverables {
		deliverable := domain.Deliverable{
			ID: uuid.NewString(), ProjectID: projectID, Title: spec.Title,
			AcceptanceCriteria: spec.AcceptanceCriteria, Status: "not_started",
			AgentType: spec.AgentType, CreatedAt: now, UpdatedAt: now,
		}
		if err := o.Repo.InsertDeliverable(ctx, tx, deliverable); err != nil {
			return domain.Project{}, err
		}
	}
	if err := o.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return domain.Project{}, err
	}
	if err := o.Events.Append(ctx, tx, "project.created", projectID, "project", projectID, actor,
		events.EventPayload{"name": opts.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

// StartWorkflowOptions tunes a run start.
type StartWorkflowOptions struct {
	Parallel *bool
	ActorID  string
}

// StartWorkflow launches the development pipeline for a freshly created
// project and moves it into planning. Paused projects resume instead.
func (o *Orchestrator) StartWorkflow(ctx context.Context, projectID string, opts StartWorkflowOptions) (domain.WorkflowRun, error) {
	project, err := o.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	switch lifecycle.State(project.State) {
	case lifecycle.StateCreated:
		// The project must be in planning before the driver's first
		// milestone fires, or the forward path would skip a state.
		if err := o.Transition(ctx, projectID, string(lifecycle.StatePlanning), "workflow started", actorOr(opts.ActorID)); err != nil {
			return domain.WorkflowRun{}, err
		}
	case lifecycle.StatePlanning:
		// A previous start attempt moved the project but never got a run
		// going; the single-active-run check below still applies.
	case lifecycle.StatePaused:
		return domain.WorkflowRun{}, fmt.Errorf("project %s is paused; resume the workflow instead", projectID)
	default:
		return domain.WorkflowRun{}, fmt.Errorf("project %s in state %s cannot start a workflow", projectID, project.State)
	}
	return o.Engine.Start(ctx, projectID, workflow.StartOptions{Parallel: opts.Parallel})
}

// CancelWorkflow stops the active run and pauses the project. Paused is the
// resumable holding state; AbandonProject is the terminal exit.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, projectID, reason, actorID string) (domain.WorkflowRun, error) {
	run, err := o.Engine.Cancel(ctx, projectID, reason)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := o.Transition(ctx, projectID, string(lifecycle.StatePaused), reason, actorOr(actorID)); err != nil {
		return run, err
	}
	return run, nil
}

// ResumeWorkflow re-drives the paused project's latest run from fromStep (or
// the first unfinished step). The milestone hooks move the project out of
// paused as the restart step begins.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, projectID, fromStep, actorID string) (domain.WorkflowRun, error) {
	project, err := o.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if lifecycle.State(project.State) != lifecycle.StatePaused {
		return domain.WorkflowRun{}, fmt.Errorf("project %s is %s, only paused projects resume", projectID, project.State)
	}
	return o.Engine.Resume(ctx, projectID, fromStep)
}

// AbandonProject cancels any active run and moves the project to the
// terminal cancelled state.
func (o *Orchestrator) AbandonProject(ctx context.Context, projectID, reason, actorID string) error {
	if _, err := o.Engine.Cancel(ctx, projectID, reason); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return o.Transition(ctx, projectID, string(lifecycle.StateCancelled), reason, actorOr(actorID))
}

func actorOr(actorID string) string {
	if actorID == "" {
		return "orchestrator"
	}
	return actorID
}

// ProjectStatus is the aggregate view returned by Status.
type ProjectStatus struct {
	Project domain.Project        `json:"project"`
	Metrics domain.ProjectMetrics `json:"metrics"`
	Run     *domain.RunProgress   `json:"run,omitempty"`
}

// Status reports project state, task/deliverable metrics and the latest
// run's progress.
func (o *Orchestrator) Status(ctx context.Context, projectID string) (ProjectStatus, error) {
	project, err := o.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	counts, err := o.Repo.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	total, completed, err := o.Repo.DeliverableProgress(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	status := ProjectStatus{
		Project: project,
		Metrics: domain.ProjectMetrics{
			TasksByStatus:     counts,
			DeliverablesTotal: total, DeliverablesComplete: completed,
		},
	}
	if total > 0 {
		status.Metrics.ProgressPercent = 100 * float64(completed) / float64(total)
	}
	run, err := o.Repo.LatestWorkflowRun(ctx, projectID)
	switch {
	case err == nil:
		progress, err := o.Engine.Progress(ctx, run.ID)
		if err != nil {
			return ProjectStatus{}, err
		}
		status.Run = &progress
	case errors.Is(err, repo.ErrNotFound):
	default:
		return ProjectStatus{}, err
	}
	return status, nil
}

// CoordinatorStatus aggregates engine-wide counters.
type CoordinatorStatus struct {
	Projects     int            `json:"projects"`
	RunsByStatus map[string]int `json:"runs_by_status"`
	QueuedByType map[string]int `json:"queued_by_type"`
}

func (o *Orchestrator) CoordinatorStatus(ctx context.Context) (CoordinatorStatus, error) {
	projects, err := o.Repo.ListProjects(ctx)
	if err != nil {
		return CoordinatorStatus{}, err
	}
	runs, err := o.Repo.CountRunsByStatus(ctx)
	if err != nil {
		return CoordinatorStatus{}, err
	}
	return CoordinatorStatus{
		Projects:     len(projects),
		RunsByStatus: runs,
		QueuedByType: o.Pool.QueuedByType(),
	}, nil
}

// AssignTask manually matches and claims an agent for a pending task.
func (o *Orchestrator) AssignTask(ctx context.Context, taskID string) (domain.Task, domain.Agent, error) {
	task, err := o.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.Agent{}, err
	}
	if task.Status != "pending" {
		return domain.Task{}, domain.Agent{}, fmt.Errorf("task %s is %s, only pending tasks can be assigned", taskID, task.Status)
	}
	unmet, err := o.Repo.HasUnmetDependencies(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.Agent{}, err
	}
	if unmet {
		return domain.Task{}, domain.Agent{}, fmt.Errorf("%w: task %s", workflow.ErrDependencyUnmet, taskID)
	}
	agent, err := o.Engine.Matcher.Assign(ctx, task)
	if err != nil {
		return domain.Task{}, domain.Agent{}, err
	}
	task, err = o.Engine.Matcher.MarkAssigned(ctx, task, agent, o.now())
	if err != nil {
		return domain.Task{}, domain.Agent{}, err
	}
	_ = o.Events.AppendDB(ctx, "task.assigned", task.ProjectID, "task", task.ID, "orchestrator",
		events.EventPayload{"agent_id": agent.ID})
	return task, agent, nil
}

// CompleteTask finishes a manually assigned task and releases its agent.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string, output string, failure error) (domain.Task, error) {
	task, err := o.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != "in_progress" {
		return domain.Task{}, fmt.Errorf("task %s is %s, only in-progress tasks complete", taskID, task.Status)
	}
	now := o.now().UTC().Format(time.RFC3339)
	task.UpdatedAt = now
	if failure != nil {
		msg := failure.Error()
		task.Status = "failed"
		task.LastError = &msg
	} else {
		task.Status = "completed"
		task.CompletedAt = &now
		if output != "" {
			task.OutputJSON = &output
		}
		task.LastError = nil
	}
	if err := o.Repo.UpdateTask(ctx, nil, task); err != nil {
		return domain.Task{}, err
	}
	if task.AssigneeID != nil {
		agent, err := o.Repo.GetAgent(ctx, *task.AssigneeID)
		if err == nil {
			_ = o.Registry.Release(ctx, agent, "idle")
		}
	}
	_ = o.Events.AppendDB(ctx, "task."+task.Status, task.ProjectID, "task", task.ID, "orchestrator", nil)
	return task, nil
}

// CleanupRuns deletes terminal runs completed before now-olderThan.
func (o *Orchestrator) CleanupRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := o.now().Add(-olderThan)
	deleted, err := o.Repo.DeleteTerminalRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		_ = o.Events.AppendDB(ctx, "workflow.runs_cleaned", "", "workflow_run", "", "orchestrator",
			events.EventPayload{"deleted": deleted, "cutoff": cutoff.UTC().Format(time.RFC3339)})
	}
	return deleted, nil
}
