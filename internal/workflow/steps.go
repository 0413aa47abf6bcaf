package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/matcher"
	"forgeline/internal/queue"
	"forgeline/internal/repo"
	"forgeline/internal/services"
)

// ErrDependencyUnmet marks tasks that can never become ready in this run
// because a dependency failed or forms a cycle.
var ErrDependencyUnmet = errors.New("task dependencies unmet")

// contextFor queries the search service for supporting snippets. Search is
// best effort: a failure degrades to an empty context.
func (e *Engine) contextFor(ctx context.Context, projectID, query string) []string {
	snippets, err := e.Services.Search.Search(ctx, projectID, query, 5)
	if err != nil {
		e.Log.Warn("semantic search unavailable", "project", projectID, "err", err)
		return nil
	}
	return snippets
}

func (e *Engine) generate(ctx context.Context, agentType domain.AgentType, prompt string, searchContext []string) (string, error) {
	profile := e.Config.Agent(string(agentType))
	res, err := e.Services.Generation.Generate(ctx, services.GenerationRequest{
		Model:   profile.Model,
		System:  profile.SystemPrompt,
		Prompt:  prompt,
		Context: searchContext,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (e *Engine) stepArchitecture(ctx context.Context, run domain.WorkflowRun, _ domain.Agent) (StepOutput, error) {
	project, err := e.Repo.GetProject(ctx, run.ProjectID)
	if err != nil {
		return StepOutput{}, err
	}
	searchContext := e.contextFor(ctx, run.ProjectID, "architecture "+project.TechStack)
	prompt := fmt.Sprintf("Design the architecture for %q. Description: %s. Tech stack: %s.",
		project.Name, project.Description, project.TechStack)
	doc, err := e.generate(ctx, domain.AgentArchitect, prompt, searchContext)
	if err != nil {
		return StepOutput{}, fmt.Errorf("architecture design: %w", err)
	}
	var components []string
	for _, d := range e.Config.Deliverables {
		components = append(components, d.Title)
	}
	return StepOutput{
		Step:         StepArchitectureDesign,
		Architecture: &ArchitectureOutput{Document: doc, Components: components},
	}, nil
}

// stepTaskCreation breaks the plan into coding tasks, one per configured
// deliverable. Task rows are the durable unit the coding step fans out over.
func (e *Engine) stepTaskCreation(ctx context.Context, run domain.WorkflowRun, _ domain.Agent) (StepOutput, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.Begin()
	if err != nil {
		return StepOutput{}, err
	}
	defer tx.Rollback()

	var taskIDs []string
	titles := make([]string, 0, len(e.Config.Deliverables))
	for _, d := range e.Config.Deliverables {
		titles = append(titles, d.Title)
	}
	if len(titles) == 0 {
		titles = []string{"Implement project"}
	}
	for _, title := range titles {
		searchContext := e.contextFor(ctx, run.ProjectID, title)
		description, err := e.generate(ctx, domain.AgentPlanner, "Describe the implementation work for: "+title, searchContext)
		if err != nil {
			return StepOutput{}, fmt.Errorf("task creation: %w", err)
		}
		task := domain.Task{
			ID:          uuid.NewString(),
			ProjectID:   run.ProjectID,
			Capability:  "coding",
			Title:       title,
			Description: description,
			Priority:    domain.PriorityMedium,
			Status:      "pending",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			return StepOutput{}, err
		}
		if err := e.Events.Append(ctx, tx, "task.created", run.ProjectID, "task", task.ID, "workflow",
			events.EventPayload{"title": title, "run_id": run.ID}); err != nil {
			return StepOutput{}, err
		}
		taskIDs = append(taskIDs, task.ID)
	}
	if err := tx.Commit(); err != nil {
		return StepOutput{}, err
	}
	return StepOutput{
		Step:  StepTaskCreation,
		Tasks: &TaskCreationOutput{TaskIDs: taskIDs, Created: len(taskIDs)},
	}, nil
}

// stepWorkAssignment verifies every pending task's capability has agents
// provisioned and checks the dependency graph is acyclic before the fan-out.
func (e *Engine) stepWorkAssignment(ctx context.Context, run domain.WorkflowRun, _ domain.Agent) (StepOutput, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: run.ProjectID, Status: "pending"})
	if err != nil {
		return StepOutput{}, err
	}
	deps := make(map[string][]string, len(tasks))
	for i := range tasks {
		tasks[i].DependsOn, err = e.Repo.ListTaskDependencies(ctx, tasks[i].ID)
		if err != nil {
			return StepOutput{}, err
		}
		deps[tasks[i].ID] = tasks[i].DependsOn
	}
	if err := validateAcyclic(deps); err != nil {
		return StepOutput{}, err
	}
	byType := map[string]int{}
	for _, t := range tasks {
		agentType, err := matcher.AgentTypeFor(t.Capability)
		if err != nil {
			return StepOutput{}, err
		}
		agents, err := e.Repo.ListAgents(ctx, repo.AgentFilters{ProjectID: run.ProjectID, Type: string(agentType)})
		if err != nil {
			return StepOutput{}, err
		}
		if len(agents) == 0 {
			return StepOutput{}, fmt.Errorf("no %s agents provisioned for task %q", agentType, t.Title)
		}
		byType[string(agentType)]++
	}
	return StepOutput{
		Step:       StepWorkAssignment,
		Assignment: &AssignmentOutput{Planned: len(tasks), ByType: byType},
	}, nil
}

// validateAcyclic rejects dependency graphs with cycles via a three-color DFS.
func validateAcyclic(deps map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("%w: dependency cycle through task %s", ErrDependencyUnmet, id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// runCodingStep fans pending coding tasks out over the coder queue in
// dependency-ordered waves: a task is admitted once every dependency
// completed. With parallel execution off the waves degrade to one task at a
// time. The step fails only when the failure ratio crosses the configured
// threshold; isolated task failures are tolerated.
func (e *Engine) runCodingStep(ctx context.Context, run domain.WorkflowRun) (StepOutput, error) {
	// Tasks left failed by an earlier attempt, or blocked by a cancel, go back
	// to pending first, so a retry or resume re-executes them rather than
	// passing vacuously over an empty ready set.
	reopened, err := e.Repo.ReopenTasks(ctx, run.ProjectID, "coding", e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return StepOutput{}, err
	}
	if reopened > 0 {
		e.Log.Info("reopened coding tasks", "project", run.ProjectID, "count", reopened)
	}
	var total, completed, failed, blocked int
	for {
		ready, err := e.Repo.ListReadyTasks(ctx, run.ProjectID, "coding")
		if err != nil {
			return StepOutput{}, err
		}
		if len(ready) == 0 {
			break
		}
		if !run.Parallel {
			ready = ready[:1]
		}
		results := make(chan queue.Result, len(ready))
		for _, task := range ready {
			task := task
			err := e.Pool.Enqueue(domain.AgentCoder, queue.Work{
				ID:        task.ID,
				ProjectID: run.ProjectID,
				Priority:  task.Priority,
				Ctx:       ctx,
				Execute: func(ctx context.Context, agent domain.Agent) error {
					return e.executeCodingTask(ctx, task, agent)
				},
				OnComplete: func(res queue.Result) { results <- res },
			})
			if err != nil {
				return StepOutput{}, err
			}
		}
		for range ready {
			select {
			case res := <-results:
				total++
				if res.Err != nil {
					failed++
				} else {
					completed++
				}
			case <-ctx.Done():
				return StepOutput{}, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return StepOutput{}, err
		}
	}
	// Tasks still pending here can never run: a dependency failed or was
	// blocked. They count against the threshold like failures.
	stranded, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: run.ProjectID, Status: "pending"})
	if err != nil {
		return StepOutput{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, t := range stranded {
		if t.Capability != "coding" {
			continue
		}
		t.Status = "blocked"
		t.UpdatedAt = now
		reason := ErrDependencyUnmet.Error()
		t.LastError = &reason
		if err := e.Repo.UpdateTask(ctx, nil, t); err != nil {
			return StepOutput{}, err
		}
		total++
		blocked++
	}
	out := StepOutput{Step: StepCoding, Coding: &CodingOutput{Total: total, Completed: completed, Failed: failed + blocked}}
	if total > 0 {
		out.Coding.FailRatio = float64(failed+blocked) / float64(total)
	}
	if out.Coding.FailRatio > e.Config.Workflow.CodingFailureThreshold {
		return out, fmt.Errorf("coding failure ratio %.2f exceeds threshold %.2f (%d of %d tasks failed)",
			out.Coding.FailRatio, e.Config.Workflow.CodingFailureThreshold, failed+blocked, total)
	}
	return out, nil
}

// executeCodingTask runs one coding task on a claimed coder agent.
func (e *Engine) executeCodingTask(ctx context.Context, task domain.Task, agent domain.Agent) error {
	now := e.now().UTC().Format(time.RFC3339)
	task.Status = "in_progress"
	task.AssigneeID = &agent.ID
	task.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, nil, task); err != nil {
		return err
	}
	searchContext := e.contextFor(ctx, task.ProjectID, task.Title)
	code, err := e.generate(ctx, domain.AgentCoder, fmt.Sprintf("Implement task %q: %s", task.Title, task.Description), searchContext)
	finished := e.now().UTC().Format(time.RFC3339)
	task.UpdatedAt = finished
	if err != nil {
		task.Status = "failed"
		msg := err.Error()
		task.LastError = &msg
		if uerr := e.Repo.UpdateTask(ctx, nil, task); uerr != nil {
			return uerr
		}
		_ = e.Events.AppendDB(ctx, "task.failed", task.ProjectID, "task", task.ID, "workflow",
			events.EventPayload{"error": msg})
		return err
	}
	output := fmt.Sprintf(`{"artifact":%q}`, code)
	task.Status = "completed"
	task.OutputJSON = &output
	task.LastError = nil
	task.CompletedAt = &finished
	if err := e.Repo.UpdateTask(ctx, nil, task); err != nil {
		return err
	}
	_ = e.Events.AppendDB(ctx, "task.completed", task.ProjectID, "task", task.ID, "workflow", nil)
	return nil
}

func (e *Engine) stepTesting(ctx context.Context, run domain.WorkflowRun, _ domain.Agent) (StepOutput, error) {
	report, err := e.Services.Sandbox.RunTests(ctx, run.ProjectID)
	if err != nil {
		return StepOutput{}, fmt.Errorf("testing: %w", err)
	}
	out := StepOutput{
		Step:    StepTesting,
		Testing: &TestingOutput{Passed: report.Passed, Failed: report.Failed, Summary: report.Summary},
	}
	if report.Failed > 0 {
		return out, fmt.Errorf("testing: %d tests failed", report.Failed)
	}
	return out, nil
}

// stepQA gates deployment: approval requires a clean test report and every
// coding task completed. A rejection is a verdict, not an error.
func (e *Engine) stepQA(ctx context.Context, run domain.WorkflowRun, _ domain.Agent) (StepOutput, error) {
	var notes []string
	approved := true

	rec, err := e.Repo.GetStepResult(ctx, run.ID, StepTesting)
	if err != nil {
		return StepOutput{}, fmt.Errorf("qa: load testing result: %w", err)
	}
	testing, err := DecodeStepOutput(rec.OutputJSON)
	if err != nil {
		return StepOutput{}, err
	}
	if testing.Testing.Failed > 0 {
		approved = false
		notes = append(notes, fmt.Sprintf("%d failing tests", testing.Testing.Failed))
	}

	counts, err := e.Repo.CountTasksByStatus(ctx, run.ProjectID)
	if err != nil {
		return StepOutput{}, err
	}
	if incomplete := counts["failed"] + counts["blocked"] + counts["pending"] + counts["in_progress"]; incomplete > 0 {
		approved = false
		notes = append(notes, fmt.Sprintf("%d tasks incomplete", incomplete))
	}
	if approved {
		notes = append(notes, "all acceptance criteria satisfied")
	}
	return StepOutput{
		Step: StepQA,
		QA:   &QAOutput{Approved: approved, Notes: strings.Join(notes, "; ")},
	}, nil
}

func (e *Engine) stepDeployment(ctx context.Context, run domain.WorkflowRun, _ domain.Agent) (StepOutput, error) {
	plan, err := e.generate(ctx, domain.AgentDeployer, "Produce the deployment plan for the completed project.", nil)
	if err != nil {
		return StepOutput{}, fmt.Errorf("deployment: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	deliverables, err := e.Repo.ListDeliverables(ctx, run.ProjectID)
	if err != nil {
		return StepOutput{}, err
	}
	for _, d := range deliverables {
		if d.Status == "completed" {
			continue
		}
		if err := e.Repo.UpdateDeliverableStatus(ctx, d.ID, "completed", now); err != nil {
			return StepOutput{}, err
		}
	}
	return StepOutput{
		Step:       StepDeployment,
		Deployment: &DeploymentOutput{Environment: "production", Notes: plan},
	}, nil
}
