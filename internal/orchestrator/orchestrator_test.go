package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/lifecycle"
	"forgeline/internal/migrate"
	"forgeline/internal/orchestrator"
	"forgeline/internal/registry"
	"forgeline/internal/repo"
	"forgeline/internal/services"
	"forgeline/internal/workflow"
)

type testEnv struct {
	Orch   *orchestrator.Orchestrator
	Config *config.Config
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("placeholder")
	cfg.Workflow.Retry.InitialBackoff = config.Duration(time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return testEnv{Orch: orchestrator.New(ctx, conn, cfg), Config: cfg, Ctx: context.Background()}
}

func createProject(t *testing.T, env testEnv) domain.Project {
	t.Helper()
	project, err := env.Orch.CreateProject(env.Ctx, orchestrator.CreateProjectOptions{
		Name: "demo", Description: "demo project", TechStack: "go", Config: env.Config,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

func waitRun(t *testing.T, env testEnv, runID string) domain.WorkflowRun {
	t.Helper()
	select {
	case <-env.Orch.Engine.Wait(runID):
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish in time")
	}
	run, err := env.Orch.Repo.GetWorkflowRun(env.Ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

// gatedSandbox blocks the testing step until released.
type gatedSandbox struct {
	entered   chan struct{}
	enterOnce sync.Once
	gate      chan struct{}
}

func (s *gatedSandbox) Prepare(context.Context, string) error { return nil }

func (s *gatedSandbox) RunTests(ctx context.Context, _ string) (services.SandboxReport, error) {
	s.enterOnce.Do(func() { close(s.entered) })
	select {
	case <-s.gate:
		return services.SandboxReport{Passed: 1}, nil
	case <-ctx.Done():
		return services.SandboxReport{}, ctx.Err()
	}
}

func TestCreateProjectProvisionsAgentsAndDeliverables(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)

	if project.State != string(lifecycle.StateCreated) {
		t.Fatalf("project state %s", project.State)
	}
	agents, err := env.Orch.Repo.ListAgents(env.Ctx, repo.AgentFilters{ProjectID: project.ID})
	if err != nil {
		t.Fatal(err)
	}
	wantAgents := 0
	for _, agentType := range domain.AgentTypes() {
		wantAgents += env.Config.Agent(string(agentType)).PoolSize
	}
	if len(agents) != wantAgents {
		t.Fatalf("expected %d agents, got %d", wantAgents, len(agents))
	}
	for _, a := range agents {
		if a.Status != "idle" {
			t.Fatalf("agent %s not idle", a.ID)
		}
	}
	deliverables, err := env.Orch.Repo.ListDeliverables(env.Ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliverables) != len(env.Config.Deliverables) {
		t.Fatalf("expected %d deliverables, got %d", len(env.Config.Deliverables), len(deliverables))
	}
	stored, err := env.Orch.Repo.GetProjectConfig(env.Ctx, project.ID)
	if err != nil {
		t.Fatalf("config snapshot missing: %v", err)
	}
	if stored.Project.ID != project.ID {
		t.Fatalf("config snapshot project id %s", stored.Project.ID)
	}
	history, err := env.Orch.Repo.ListStateHistory(env.Ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].State != string(lifecycle.StateCreated) {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestWorkflowDrivesLifecycleToCompleted(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)

	run, err := env.Orch.StartWorkflow(env.Ctx, project.ID, orchestrator.StartWorkflowOptions{})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	final := waitRun(t, env, run.ID)
	if final.Status != "succeeded" {
		t.Fatalf("run status %s, last error %v", final.Status, final.LastError)
	}
	stored, err := env.Orch.Repo.GetProject(env.Ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != string(lifecycle.StateCompleted) {
		t.Fatalf("project state %s", stored.State)
	}
	history, err := env.Orch.Repo.ListStateHistory(env.Ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	var states []string
	for _, h := range history {
		states = append(states, h.State)
	}
	want := "created,planning,architecture,task_breakdown,development,testing,integration,deployment_prep,deployment,validation,completed"
	if got := strings.Join(states, ","); got != want {
		t.Fatalf("history\n got %s\nwant %s", got, want)
	}
	// every history entry is sequential
	for i, h := range history {
		if h.Seq != i+1 {
			t.Fatalf("history seq broken at %d: %+v", i, h)
		}
	}
}

func TestStartWorkflowRejectedOutsideCreated(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)
	run, err := env.Orch.StartWorkflow(env.Ctx, project.ID, orchestrator.StartWorkflowOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, env, run.ID)
	if _, err := env.Orch.StartWorkflow(env.Ctx, project.ID, orchestrator.StartWorkflowOptions{}); err == nil {
		t.Fatal("expected start to be rejected after completion")
	}
}

func TestCancelPausesProjectThenResumeCompletes(t *testing.T) {
	sandbox := &gatedSandbox{entered: make(chan struct{}), gate: make(chan struct{})}
	env := newTestEnv(t, nil)
	env.Orch.Engine.Services.Sandbox = sandbox
	project := createProject(t, env)

	run, err := env.Orch.StartWorkflow(env.Ctx, project.ID, orchestrator.StartWorkflowOptions{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-sandbox.entered:
	case <-time.After(30 * time.Second):
		t.Fatal("never reached testing step")
	}
	canceled, err := env.Orch.CancelWorkflow(env.Ctx, project.ID, "pausing for review", "operator")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != "canceled" {
		t.Fatalf("run status %s", canceled.Status)
	}
	select {
	case <-env.Orch.Engine.Wait(run.ID):
	case <-time.After(5 * time.Second):
		t.Fatal("driver still blocked after cancel")
	}

	stored, err := env.Orch.Repo.GetProject(env.Ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != string(lifecycle.StatePaused) {
		t.Fatalf("project state %s, want paused", stored.State)
	}
	working, err := env.Orch.Repo.ListAgents(env.Ctx, repo.AgentFilters{ProjectID: project.ID, Status: "working"})
	if err != nil {
		t.Fatal(err)
	}
	if len(working) != 0 {
		t.Fatalf("%d agents left working", len(working))
	}

	close(sandbox.gate)
	resumed, err := env.Orch.ResumeWorkflow(env.Ctx, project.ID, "", "operator")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != run.ID {
		t.Fatal("resume must reuse the run id")
	}
	final := waitRun(t, env, resumed.ID)
	if final.Status != "succeeded" {
		t.Fatalf("resumed run status %s (%v)", final.Status, final.LastError)
	}
	stored, _ = env.Orch.Repo.GetProject(env.Ctx, project.ID)
	if stored.State != string(lifecycle.StateCompleted) {
		t.Fatalf("project state %s after resume", stored.State)
	}
}

func TestResumeRequiresPausedProject(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)
	if _, err := env.Orch.ResumeWorkflow(env.Ctx, project.ID, "", ""); err == nil {
		t.Fatal("expected resume of non-paused project to fail")
	}
}

func TestAbandonProjectIsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)
	if err := env.Orch.AbandonProject(env.Ctx, project.ID, "scope dropped", "owner"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	stored, err := env.Orch.Repo.GetProject(env.Ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != string(lifecycle.StateCancelled) {
		t.Fatalf("project state %s", stored.State)
	}
	err = env.Orch.Transition(env.Ctx, project.ID, string(lifecycle.StateDevelopment), "", "owner")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected terminal state to reject transitions, got %v", err)
	}
}

func TestStatusReportsMetricsAndProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)
	run, err := env.Orch.StartWorkflow(env.Ctx, project.ID, orchestrator.StartWorkflowOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, env, run.ID)

	status, err := env.Orch.Status(env.Ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Run == nil || status.Run.Status != "succeeded" {
		t.Fatalf("unexpected run progress %+v", status.Run)
	}
	if status.Run.Percentage != 100 {
		t.Fatalf("run percentage %f", status.Run.Percentage)
	}
	if status.Metrics.ProgressPercent != 100 {
		t.Fatalf("deliverable progress %f", status.Metrics.ProgressPercent)
	}
	if status.Metrics.TasksByStatus["completed"] != len(env.Config.Deliverables) {
		t.Fatalf("task metrics %+v", status.Metrics.TasksByStatus)
	}
}

func TestCoordinatorStatusCounts(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)
	run, err := env.Orch.StartWorkflow(env.Ctx, project.ID, orchestrator.StartWorkflowOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, env, run.ID)

	status, err := env.Orch.CoordinatorStatus(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Projects != 1 {
		t.Fatalf("projects %d", status.Projects)
	}
	if status.RunsByStatus["succeeded"] != 1 {
		t.Fatalf("runs %+v", status.RunsByStatus)
	}
	if len(status.QueuedByType) != len(domain.AgentTypes()) {
		t.Fatalf("queues %+v", status.QueuedByType)
	}
}

func TestAssignAndCompleteTaskManually(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := env.Orch.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	task := domain.Task{ID: "manual-1", ProjectID: project.ID, Capability: "coding",
		Title: "hotfix", Priority: domain.PriorityUrgent, Status: "pending", CreatedAt: now, UpdatedAt: now}
	if err := env.Orch.Repo.InsertTask(env.Ctx, tx, task); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	assigned, agent, err := env.Orch.AssignTask(env.Ctx, "manual-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Status != "in_progress" || agent.Type != domain.AgentCoder {
		t.Fatalf("assignment %+v on %+v", assigned, agent)
	}
	// a second assignment of the same task is rejected
	if _, _, err := env.Orch.AssignTask(env.Ctx, "manual-1"); err == nil {
		t.Fatal("expected double assignment to fail")
	}

	completed, err := env.Orch.CompleteTask(env.Ctx, "manual-1", `{"ok":true}`, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != "completed" {
		t.Fatalf("task status %s", completed.Status)
	}
	released, err := env.Orch.Repo.GetAgent(env.Ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if released.Status != "idle" {
		t.Fatalf("agent status %s after completion", released.Status)
	}
}

func TestAssignTaskWithUnmetDependencyRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := env.Orch.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"dep-1", "main-1"} {
		task := domain.Task{ID: id, ProjectID: project.ID, Capability: "coding", Title: id,
			Priority: domain.PriorityMedium, Status: "pending", CreatedAt: now, UpdatedAt: now}
		if err := env.Orch.Repo.InsertTask(env.Ctx, tx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.Orch.Repo.AddTaskDependencies(env.Ctx, tx, "main-1", []string{"dep-1"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Orch.AssignTask(env.Ctx, "main-1"); !errors.Is(err, workflow.ErrDependencyUnmet) {
		t.Fatalf("expected ErrDependencyUnmet, got %v", err)
	}
}

func TestCleanupRemovesOldTerminalRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	project := createProject(t, env)
	run, err := env.Orch.StartWorkflow(env.Ctx, project.ID, orchestrator.StartWorkflowOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, env, run.ID)

	// nothing young enough to delete
	deleted, err := env.Orch.CleanupRuns(env.Ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Fatalf("deleted %d runs too eagerly", deleted)
	}
	env.Orch.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	deleted, err = env.Orch.CleanupRuns(env.Ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 run deleted, got %d", deleted)
	}
	if _, err := env.Orch.Repo.GetWorkflowRun(env.Ctx, run.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("run still present: %v", err)
	}
}

func TestNoAgentAvailableSurfacesFromManualAssign(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		profile := cfg.Agents["coder"]
		profile.PoolSize = 1
		cfg.Agents["coder"] = profile
	})
	project := createProject(t, env)
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := env.Orch.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"m-1", "m-2"} {
		task := domain.Task{ID: id, ProjectID: project.ID, Capability: "coding", Title: id,
			Priority: domain.PriorityMedium, Status: "pending", CreatedAt: now, UpdatedAt: now}
		if err := env.Orch.Repo.InsertTask(env.Ctx, tx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Orch.AssignTask(env.Ctx, "m-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Orch.AssignTask(env.Ctx, "m-2"); !errors.Is(err, registry.ErrNoAgentAvailable) {
		t.Fatalf("expected ErrNoAgentAvailable, got %v", err)
	}
}
