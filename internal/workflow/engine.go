// Package workflow drives a project's development pipeline: an ordered set
// of durable steps executed on agents through the work queues, with per-step
// retry, resume over the same run, and cooperative cancellation.
package workflow

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
	"forgeline/internal/matcher"
	"forgeline/internal/queue"
	"forgeline/internal/registry"
	"forgeline/internal/repo"
	"forgeline/internal/services"
)

// ErrRunActive rejects a second concurrent run for the same project.
var ErrRunActive = errors.New("workflow run already active")

// ErrRunLimit rejects new runs once the global running ceiling is reached.
var ErrRunLimit = errors.New("max concurrent workflow runs reached")

// Hooks let the orchestrator observe run milestones without the engine
// knowing about project lifecycle states.
type Hooks struct {
	OnStepStart   func(ctx context.Context, run domain.WorkflowRun, step string)
	OnStepSuccess func(ctx context.Context, run domain.WorkflowRun, step string, out StepOutput)
	OnRunFinished func(ctx context.Context, run domain.WorkflowRun)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *registry.Registry
	Matcher  *matcher.Matcher
	Pool     *queue.Pool
	Services services.Set
	Config   *config.Config
	Now      func() time.Time
	Log      *slog.Logger
	Hooks    Hooks

	mu     sync.Mutex
	active map[string]*runHandle
}

type runHandle struct {
	projectID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(conn *sql.DB, cfg *config.Config, reg *registry.Registry, pool *queue.Pool, svcs services.Set) *Engine {
	r := repo.Repo{DB: conn}
	return &Engine{
		DB:       conn,
		Repo:     r,
		Events:   events.Writer{DB: conn},
		Registry: reg,
		Matcher:  matcher.New(reg, r, cfg.Agents),
		Pool:     pool,
		Services: svcs,
		Config:   cfg,
		Now:      time.Now,
		Log:      slog.Default(),
		active:   map[string]*runHandle{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartOptions tunes a new run. Parallel overrides the config default.
type StartOptions struct {
	Parallel *bool
}

// Start creates a run with its step plan and launches the driver. At most
// one run per project may be active; step records exist before the driver
// touches them so a crash leaves a resumable plan behind.
func (e *Engine) Start(ctx context.Context, projectID string, opts StartOptions) (domain.WorkflowRun, error) {
	if _, err := e.Repo.ActiveWorkflowRun(ctx, projectID); err == nil {
		return domain.WorkflowRun{}, fmt.Errorf("%w: project %s", ErrRunActive, projectID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowRun{}, err
	}
	if limit := e.Config.Workflow.MaxConcurrentRuns; limit > 0 {
		counts, err := e.Repo.CountRunsByStatus(ctx)
		if err != nil {
			return domain.WorkflowRun{}, err
		}
		if counts["running"] >= limit {
			return domain.WorkflowRun{}, fmt.Errorf("%w: limit %d", ErrRunLimit, limit)
		}
	}
	parallel := e.Config.Workflow.ParallelExecution
	if opts.Parallel != nil {
		parallel = *opts.Parallel
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.WorkflowRun{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    "running",
		Parallel:  parallel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.Begin()
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkflowRun(ctx, tx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	for i, name := range StepOrder() {
		agentType, _ := AgentTypeForStep(name)
		step := domain.WorkflowStep{
			RunID: run.ID, Name: name, Seq: i + 1,
			Status: "pending", AgentType: string(agentType),
		}
		if err := e.Repo.InsertWorkflowStep(ctx, tx, step); err != nil {
			return domain.WorkflowRun{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "workflow.started", projectID, "workflow_run", run.ID, "orchestrator",
		events.EventPayload{"parallel": parallel}); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	e.launch(run)
	return run, nil
}

// Resume re-drives the latest non-running run of a project over the SAME run
// id. Previously succeeded steps become skipped and keep their stored
// results; everything from the restart point on is reset to pending. An
// empty fromStep resumes at the first step that never succeeded.
func (e *Engine) Resume(ctx context.Context, projectID, fromStep string) (domain.WorkflowRun, error) {
	run, err := e.Repo.LatestWorkflowRun(ctx, projectID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if run.Status == "running" {
		return domain.WorkflowRun{}, fmt.Errorf("%w: project %s", ErrRunActive, projectID)
	}
	steps, err := e.Repo.ListWorkflowSteps(ctx, run.ID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	restart := -1
	if fromStep == "" {
		for i, s := range steps {
			if s.Status != "succeeded" && s.Status != "skipped" {
				restart = i
				break
			}
		}
		if restart == -1 {
			return domain.WorkflowRun{}, fmt.Errorf("run %s has no step left to resume", run.ID)
		}
	} else {
		for i, s := range steps {
			if s.Name == fromStep {
				restart = i
				break
			}
		}
		if restart == -1 {
			return domain.WorkflowRun{}, fmt.Errorf("unknown step %q", fromStep)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	var skip []string
	for i := range steps {
		s := steps[i]
		if i < restart {
			if s.Status == "succeeded" {
				s.Status = "skipped"
				if err := e.Repo.UpdateWorkflowStep(ctx, s); err != nil {
					return domain.WorkflowRun{}, err
				}
				skip = append(skip, s.Name)
			}
			continue
		}
		s.Status = "pending"
		s.Attempts = 0
		s.LastError = nil
		s.StartedAt = nil
		s.FinishedAt = nil
		s.DurationMS = nil
		if err := e.Repo.UpdateWorkflowStep(ctx, s); err != nil {
			return domain.WorkflowRun{}, err
		}
	}
	if err := e.Repo.UpdateRunStatus(ctx, nil, run.ID, "running", nil, now); err != nil {
		return domain.WorkflowRun{}, err
	}
	run.Status = "running"
	run.UpdatedAt = now
	run.CompletedAt = nil
	_ = e.Events.AppendDB(ctx, "workflow.resumed", projectID, "workflow_run", run.ID, "orchestrator",
		events.EventPayload{"from_step": steps[restart].Name, "skipped": skip})
	e.launch(run)
	return run, nil
}

// Cancel stops the active run of a project: the driver context is canceled,
// the run is marked canceled, open tasks move to blocked and the project's
// agents return to idle. Safe to call for a run whose driver died with the
// process.
func (e *Engine) Cancel(ctx context.Context, projectID, reason string) (domain.WorkflowRun, error) {
	run, err := e.Repo.ActiveWorkflowRun(ctx, projectID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	e.mu.Lock()
	handle := e.active[run.ID]
	e.mu.Unlock()
	if handle != nil {
		handle.cancel()
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.Begin()
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer tx.Rollback()
	cause := reason
	if cause == "" {
		cause = "canceled"
	}
	if err := e.Repo.UpdateRunStatus(ctx, tx, run.ID, "canceled", &cause, now); err != nil {
		return domain.WorkflowRun{}, err
	}
	if _, err := e.Repo.BlockActiveTasks(ctx, tx, projectID, now); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := e.Repo.ReleaseProjectAgents(ctx, tx, projectID, now); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.canceled", projectID, "workflow_run", run.ID, "orchestrator",
		events.EventPayload{"reason": reason}); err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowRun{}, err
	}
	run.Status = "canceled"
	run.LastError = &cause
	return run, nil
}

// Wait returns a channel closed when the run's driver exits. Already-idle
// runs get a closed channel.
func (e *Engine) Wait(runID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.active[runID]; ok {
		return h.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (e *Engine) launch(run domain.WorkflowRun) {
	// The driver outlives the caller's request context on purpose; only
	// Cancel stops it.
	ctx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{projectID: run.ProjectID, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.active[run.ID] = handle
	e.mu.Unlock()
	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
			close(handle.done)
		}()
		e.drive(ctx, run)
	}()
}

// drive executes the step plan in order. Every status change is persisted
// before the driver moves on, so a restart can rebuild exactly where the run
// stopped.
func (e *Engine) drive(ctx context.Context, run domain.WorkflowRun) {
	steps, err := e.Repo.ListWorkflowSteps(ctx, run.ID)
	if err != nil {
		e.finishRun(run, "failed", err)
		return
	}
	for _, step := range steps {
		if step.Status == "succeeded" || step.Status == "skipped" {
			continue
		}
		if e.Hooks.OnStepStart != nil {
			e.Hooks.OnStepStart(ctx, run, step.Name)
		}
		// With parallel execution the sandbox environment is prepared while
		// coding runs; both must finish before the run advances to testing.
		var setupDone chan error
		if run.Parallel && step.Name == StepCoding {
			setupDone = make(chan error, 1)
			go func() {
				setupDone <- e.Services.Sandbox.Prepare(ctx, run.ProjectID)
			}()
		}
		out, err := e.executeWithRetry(ctx, run, step)
		if err == nil && setupDone != nil {
			if serr := <-setupDone; serr != nil {
				err = fmt.Errorf("testing setup: %w", serr)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				// Cancel already wrote the run's terminal state.
				e.Log.Info("run canceled", "run", run.ID, "step", step.Name)
				return
			}
			e.finishRun(run, "failed", fmt.Errorf("step %s: %w", step.Name, err))
			return
		}
		if e.Hooks.OnStepSuccess != nil {
			e.Hooks.OnStepSuccess(ctx, run, step.Name, out)
		}
		if step.Name == StepQA && out.QA != nil && !out.QA.Approved {
			// A QA rejection ends the run cleanly; deployment never gets a
			// result and can be re-driven via resume once issues are fixed.
			e.skipRemaining(ctx, run, step.Seq)
			_ = e.Events.AppendDB(ctx, "workflow.qa_rejected", run.ProjectID, "workflow_run", run.ID, "workflow",
				events.EventPayload{"notes": out.QA.Notes})
			e.finishRun(run, "succeeded", nil)
			return
		}
	}
	e.finishRun(run, "succeeded", nil)
}

func (e *Engine) executeWithRetry(ctx context.Context, run domain.WorkflowRun, step domain.WorkflowStep) (StepOutput, error) {
	policy := e.Config.Workflow.Retry
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		startedAt := e.now().UTC()
		started := startedAt.Format(time.RFC3339)
		step.Status = "running"
		step.Attempts = attempt
		step.LastError = nil
		step.StartedAt = &started
		step.FinishedAt = nil
		step.DurationMS = nil
		if err := e.Repo.UpdateWorkflowStep(ctx, step); err != nil {
			return StepOutput{}, err
		}
		out, err := e.executeStep(ctx, run, step.Name)
		finishedAt := e.now().UTC()
		finished := finishedAt.Format(time.RFC3339)
		duration := finishedAt.Sub(startedAt).Milliseconds()
		step.FinishedAt = &finished
		step.DurationMS = &duration
		if err == nil {
			payload, encErr := out.Encode()
			if encErr != nil {
				err = encErr
			} else if saveErr := e.Repo.SaveStepResult(ctx, domain.StepResultRecord{
				RunID: run.ID, StepName: step.Name, OutputJSON: payload, CreatedAt: finished,
			}); saveErr != nil {
				err = saveErr
			}
		}
		if err == nil {
			step.Status = "succeeded"
			if perr := e.Repo.UpdateWorkflowStep(ctx, step); perr != nil {
				return StepOutput{}, perr
			}
			_ = e.Events.AppendDB(ctx, "workflow.step_succeeded", run.ProjectID, "workflow_step", step.Name, "workflow",
				events.EventPayload{"run_id": run.ID, "attempts": attempt, "duration_ms": duration})
			return out, nil
		}
		msg := err.Error()
		step.Status = "failed"
		step.LastError = &msg
		if perr := e.Repo.UpdateWorkflowStep(context.WithoutCancel(ctx), step); perr != nil {
			return StepOutput{}, perr
		}
		_ = e.Events.AppendDB(context.WithoutCancel(ctx), "workflow.step_failed", run.ProjectID, "workflow_step", step.Name, "workflow",
			events.EventPayload{"run_id": run.ID, "attempt": attempt, "error": msg})
		lastErr = err
		if ctx.Err() != nil {
			return StepOutput{}, ctx.Err()
		}
		if attempt < maxAttempts {
			e.Log.Warn("step failed, retrying", "run", run.ID, "step", step.Name, "attempt", attempt, "err", err)
			select {
			case <-time.After(policy.Delay(attempt)):
			case <-ctx.Done():
				return StepOutput{}, ctx.Err()
			}
		}
	}
	return StepOutput{}, fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr)
}

// executeStep routes a step to its executor. The coding step is the
// fan-out coordinator and runs on the driver; every other step is one work
// item on its agent type's queue.
func (e *Engine) executeStep(ctx context.Context, run domain.WorkflowRun, name string) (StepOutput, error) {
	if name == StepCoding {
		return e.runCodingStep(ctx, run)
	}
	var fn func(context.Context, domain.WorkflowRun, domain.Agent) (StepOutput, error)
	switch name {
	case StepArchitectureDesign:
		fn = e.stepArchitecture
	case StepTaskCreation:
		fn = e.stepTaskCreation
	case StepWorkAssignment:
		fn = e.stepWorkAssignment
	case StepTesting:
		fn = e.stepTesting
	case StepQA:
		fn = e.stepQA
	case StepDeployment:
		fn = e.stepDeployment
	default:
		return StepOutput{}, fmt.Errorf("unknown workflow step %q", name)
	}
	return e.runOnAgent(ctx, run, name, fn)
}

// runOnAgent executes a step body as a single work item, so step execution
// respects queue priority, the concurrency ceiling and agent availability.
func (e *Engine) runOnAgent(ctx context.Context, run domain.WorkflowRun, stepName string, fn func(context.Context, domain.WorkflowRun, domain.Agent) (StepOutput, error)) (StepOutput, error) {
	agentType, err := AgentTypeForStep(stepName)
	if err != nil {
		return StepOutput{}, err
	}
	results := make(chan queue.Result, 1)
	var out StepOutput
	err = e.Pool.Enqueue(agentType, queue.Work{
		ID:        run.ID + ":" + stepName,
		ProjectID: run.ProjectID,
		Priority:  domain.PriorityHigh,
		Ctx:       ctx,
		Execute: func(ctx context.Context, agent domain.Agent) error {
			o, err := fn(ctx, run, agent)
			if err != nil {
				return err
			}
			out = o
			return nil
		},
		OnComplete: func(r queue.Result) { results <- r },
	})
	if err != nil {
		return StepOutput{}, err
	}
	select {
	case r := <-results:
		if r.Err != nil {
			return StepOutput{}, r.Err
		}
		return out, nil
	case <-ctx.Done():
		// The result channel is buffered, so the late completion is not lost
		// and the queue goroutine never blocks on it.
		return StepOutput{}, ctx.Err()
	}
}

func (e *Engine) skipRemaining(ctx context.Context, run domain.WorkflowRun, afterSeq int) {
	steps, err := e.Repo.ListWorkflowSteps(ctx, run.ID)
	if err != nil {
		e.Log.Error("list steps for skip", "run", run.ID, "err", err)
		return
	}
	for _, s := range steps {
		if s.Seq <= afterSeq || s.Status == "succeeded" {
			continue
		}
		s.Status = "skipped"
		if err := e.Repo.UpdateWorkflowStep(ctx, s); err != nil {
			e.Log.Error("skip step", "run", run.ID, "step", s.Name, "err", err)
		}
	}
}

func (e *Engine) finishRun(run domain.WorkflowRun, status string, cause error) {
	ctx := context.Background()
	now := e.now().UTC().Format(time.RFC3339)
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}
	flipped, err := e.Repo.UpdateRunStatusIf(ctx, run.ID, "running", status, lastError, now)
	if err != nil {
		e.Log.Error("finish run", "run", run.ID, "err", err)
		return
	}
	if !flipped {
		return
	}
	run.Status = status
	run.LastError = lastError
	_ = e.Events.AppendDB(ctx, "workflow."+status, run.ProjectID, "workflow_run", run.ID, "workflow",
		events.EventPayload{"error": errString(cause)})
	if e.Hooks.OnRunFinished != nil {
		e.Hooks.OnRunFinished(ctx, run)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Progress summarizes a run for status queries.
func (e *Engine) Progress(ctx context.Context, runID string) (domain.RunProgress, error) {
	run, err := e.Repo.GetWorkflowRun(ctx, runID)
	if err != nil {
		return domain.RunProgress{}, err
	}
	steps, err := e.Repo.ListWorkflowSteps(ctx, runID)
	if err != nil {
		return domain.RunProgress{}, err
	}
	progress := domain.RunProgress{RunID: run.ID, Status: run.Status, TotalSteps: len(steps), Steps: steps}
	for _, s := range steps {
		if s.Status == "succeeded" || s.Status == "skipped" {
			progress.Completed++
		}
	}
	if progress.TotalSteps > 0 {
		progress.Percentage = 100 * float64(progress.Completed) / float64(progress.TotalSteps)
	}
	return progress, nil
}

// Outputs decodes every stored step result of a run.
func (e *Engine) Outputs(ctx context.Context, runID string) (map[string]StepOutput, error) {
	records, err := e.Repo.ListStepResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	res := make(map[string]StepOutput, len(records))
	for _, rec := range records {
		out, err := DecodeStepOutput(rec.OutputJSON)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", rec.StepName, err)
		}
		res[rec.StepName] = out
	}
	return res, nil
}
