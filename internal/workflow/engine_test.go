package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/migrate"
	"forgeline/internal/queue"
	"forgeline/internal/registry"
	"forgeline/internal/repo"
	"forgeline/internal/services"
	"forgeline/internal/workflow"
)

type testEnv struct {
	Engine *workflow.Engine
	Repo   repo.Repo
	Config *config.Config
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *services.Set)) testEnv {
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
	cfg := config.Default("proj-1")
	svcs := services.Set{
		Generation: services.LocalGeneration{},
		Search:     services.NoopSearch{},
		Sandbox:    services.LocalSandbox{},
	}
	if mutate != nil {
		mutate(cfg, &svcs)
	}
	r := repo.Repo{DB: conn}
	reg := registry.New(r, events.Writer{DB: conn})
	pool := queue.NewPool(reg, cfg.Agents)
	poolCtx, cancelPool := context.WithCancel(context.Background())
	t.Cleanup(cancelPool)
	pool.Start(poolCtx)

	eng := workflow.New(conn, cfg, reg, pool, svcs)

	ctx := context.Background()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	project := domain.Project{ID: "proj-1", Name: "demo", State: "created",
		Description: "demo project", TechStack: "go", CreatedAt: now, UpdatedAt: now}
	if err := r.InsertProject(ctx, tx, project); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	for _, agentType := range domain.AgentTypes() {
		profile := cfg.Agent(string(agentType))
		for i := 0; i < profile.PoolSize; i++ {
			agent := domain.Agent{
				ID: fmt.Sprintf("%s-%d", agentType, i), ProjectID: "proj-1",
				Type: agentType, Status: "idle", LastActivity: now, CreatedAt: now,
			}
			if err := r.InsertAgent(ctx, tx, agent); err != nil {
				t.Fatalf("insert agent: %v", err)
			}
		}
	}
	for i, d := range cfg.Deliverables {
		del := domain.Deliverable{
			ID: fmt.Sprintf("del-%d", i), ProjectID: "proj-1", Title: d.Title,
			AcceptanceCriteria: d.AcceptanceCriteria, Status: "not_started",
			AgentType: d.AgentType, CreatedAt: now, UpdatedAt: now,
		}
		if err := r.InsertDeliverable(ctx, tx, del); err != nil {
			t.Fatalf("insert deliverable: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return testEnv{Engine: eng, Repo: r, Config: cfg, Ctx: ctx}
}

func waitRun(t *testing.T, env testEnv, runID string) domain.WorkflowRun {
	t.Helper()
	select {
	case <-env.Engine.Wait(runID):
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish in time")
	}
	run, err := env.Repo.GetWorkflowRun(env.Ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func stepByName(t *testing.T, env testEnv, runID, name string) domain.WorkflowStep {
	t.Helper()
	steps, err := env.Repo.ListWorkflowSteps(env.Ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("step %s not found", name)
	return domain.WorkflowStep{}
}

// flakySandbox fails the first N calls, then passes.
type flakySandbox struct {
	failures int32
}

func (s *flakySandbox) Prepare(context.Context, string) error { return nil }

func (s *flakySandbox) RunTests(context.Context, string) (services.SandboxReport, error) {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return services.SandboxReport{}, errors.New("sandbox unavailable")
	}
	return services.SandboxReport{Passed: 3}, nil
}

// gatedSandbox blocks until released, to hold a run mid-testing.
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

// gatedGeneration blocks coding prompts until released, passing everything
// else through.
type gatedGeneration struct {
	entered   chan struct{}
	enterOnce sync.Once
	gate      chan struct{}
}

func (g *gatedGeneration) Generate(ctx context.Context, req services.GenerationRequest) (services.GenerationResult, error) {
	if strings.Contains(req.Prompt, "Implement task") {
		g.enterOnce.Do(func() { close(g.entered) })
		select {
		case <-g.gate:
		case <-ctx.Done():
			return services.GenerationResult{}, ctx.Err()
		}
	}
	return services.LocalGeneration{}.Generate(ctx, req)
}

// trackingSandbox records when Prepare ran relative to the testing step.
type trackingSandbox struct {
	prepared           int32
	testedAfterPrepare int32
}

func (s *trackingSandbox) Prepare(context.Context, string) error {
	atomic.AddInt32(&s.prepared, 1)
	return nil
}

func (s *trackingSandbox) RunTests(context.Context, string) (services.SandboxReport, error) {
	if atomic.LoadInt32(&s.prepared) > 0 {
		atomic.AddInt32(&s.testedAfterPrepare, 1)
	}
	return services.SandboxReport{Passed: 1}, nil
}

// failingGeneration fails coding prompts containing a marker, passing
// everything else through.
type failingGeneration struct {
	marker string
}

func (g failingGeneration) Generate(ctx context.Context, req services.GenerationRequest) (services.GenerationResult, error) {
	if strings.Contains(req.Prompt, "Implement task") && strings.Contains(req.Prompt, g.marker) {
		return services.GenerationResult{}, fmt.Errorf("provider rejected prompt")
	}
	return services.LocalGeneration{}.Generate(ctx, req)
}

func TestRunHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run = waitRun(t, env, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("run status %s, last error %v", run.Status, run.LastError)
	}
	steps, err := env.Repo.ListWorkflowSteps(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 7 {
		t.Fatalf("expected 7 steps, got %d", len(steps))
	}
	for _, s := range steps {
		if s.Status != "succeeded" {
			t.Fatalf("step %s status %s", s.Name, s.Status)
		}
	}
	outputs, err := env.Engine.Outputs(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 7 {
		t.Fatalf("expected 7 step results, got %d", len(outputs))
	}
	if !outputs[workflow.StepQA].QA.Approved {
		t.Fatal("expected QA approval")
	}
	counts, err := env.Repo.CountTasksByStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != len(env.Config.Deliverables) {
		t.Fatalf("expected %d completed tasks, got %v", len(env.Config.Deliverables), counts)
	}
	agents, err := env.Repo.ListAgents(env.Ctx, repo.AgentFilters{ProjectID: "proj-1", Status: "working"})
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 0 {
		t.Fatalf("agents left working after run: %d", len(agents))
	}
	total, completed, err := env.Repo.DeliverableProgress(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if completed != total {
		t.Fatalf("deliverables incomplete: %d/%d", completed, total)
	}
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	sandbox := &flakySandbox{failures: 2}
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		cfg.Workflow.Retry.InitialBackoff = config.Duration(time.Millisecond)
		svcs.Sandbox = sandbox
	})
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	run = waitRun(t, env, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("run status %s, last error %v", run.Status, run.LastError)
	}
	testing_ := stepByName(t, env, run.ID, workflow.StepTesting)
	if testing_.Attempts != 3 {
		t.Fatalf("expected 3 attempts on testing step, got %d", testing_.Attempts)
	}
}

func TestStepExhaustsRetriesFailsRun(t *testing.T) {
	sandbox := &flakySandbox{failures: 100}
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		cfg.Workflow.Retry.InitialBackoff = config.Duration(time.Millisecond)
		svcs.Sandbox = sandbox
	})
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	run = waitRun(t, env, run.ID)
	if run.Status != "failed" {
		t.Fatalf("run status %s", run.Status)
	}
	if run.LastError == nil || !strings.Contains(*run.LastError, "exhausted 3 attempts") {
		t.Fatalf("unexpected last error %v", run.LastError)
	}
	step := stepByName(t, env, run.ID, workflow.StepTesting)
	if step.Status != "failed" || step.Attempts != 3 {
		t.Fatalf("testing step %s attempts %d", step.Status, step.Attempts)
	}
	// later steps never started
	for _, name := range []string{workflow.StepQA, workflow.StepDeployment} {
		if s := stepByName(t, env, run.ID, name); s.Status != "pending" {
			t.Fatalf("step %s status %s", name, s.Status)
		}
	}
}

func TestResumeSkipsSucceededSteps(t *testing.T) {
	sandbox := &flakySandbox{failures: 3}
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		cfg.Workflow.Retry.InitialBackoff = config.Duration(time.Millisecond)
		svcs.Sandbox = sandbox
	})
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	run = waitRun(t, env, run.ID)
	if run.Status != "failed" {
		t.Fatalf("expected first run to fail, got %s", run.Status)
	}
	archResult, err := env.Repo.GetStepResult(env.Ctx, run.ID, workflow.StepArchitectureDesign)
	if err != nil {
		t.Fatal(err)
	}

	resumed, err := env.Engine.Resume(env.Ctx, "proj-1", "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != run.ID {
		t.Fatalf("resume must reuse run id, got %s vs %s", resumed.ID, run.ID)
	}
	resumedRun := waitRun(t, env, resumed.ID)
	if resumedRun.Status != "succeeded" {
		t.Fatalf("resumed run status %s, last error %v", resumedRun.Status, resumedRun.LastError)
	}
	for _, name := range []string{workflow.StepArchitectureDesign, workflow.StepTaskCreation, workflow.StepWorkAssignment, workflow.StepCoding} {
		if s := stepByName(t, env, run.ID, name); s.Status != "skipped" {
			t.Fatalf("step %s expected skipped, got %s", name, s.Status)
		}
	}
	for _, name := range []string{workflow.StepTesting, workflow.StepQA, workflow.StepDeployment} {
		if s := stepByName(t, env, run.ID, name); s.Status != "succeeded" {
			t.Fatalf("step %s expected succeeded, got %s", name, s.Status)
		}
	}
	// Skipped steps keep their original stored results.
	after, err := env.Repo.GetStepResult(env.Ctx, run.ID, workflow.StepArchitectureDesign)
	if err != nil {
		t.Fatal(err)
	}
	if after.OutputJSON != archResult.OutputJSON || after.CreatedAt != archResult.CreatedAt {
		t.Fatal("skipped step result was rewritten")
	}
	// Tasks created by the first run were not duplicated.
	counts, err := env.Repo.CountTasksByStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != len(env.Config.Deliverables) {
		t.Fatalf("task counts after resume: %v", counts)
	}
}

func TestCancelMidRunThenResume(t *testing.T) {
	sandbox := &gatedSandbox{entered: make(chan struct{}), gate: make(chan struct{})}
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		cfg.Workflow.Retry.InitialBackoff = config.Duration(time.Millisecond)
		svcs.Sandbox = sandbox
	})
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-sandbox.entered:
	case <-time.After(30 * time.Second):
		t.Fatal("run never reached the testing step")
	}
	canceled, err := env.Engine.Cancel(env.Ctx, "proj-1", "operator request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != "canceled" {
		t.Fatalf("run status %s", canceled.Status)
	}
	// The driver must observe the cancel at its suspension point and exit
	// promptly, not wait out the in-flight collaborator call.
	select {
	case <-env.Engine.Wait(run.ID):
	case <-time.After(5 * time.Second):
		t.Fatal("driver still blocked after cancel")
	}

	stored, err := env.Repo.GetWorkflowRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != "canceled" {
		t.Fatalf("cancellation overwritten: %s", stored.Status)
	}
	working, err := env.Repo.ListAgents(env.Ctx, repo.AgentFilters{ProjectID: "proj-1", Status: "working"})
	if err != nil {
		t.Fatal(err)
	}
	if len(working) != 0 {
		t.Fatalf("agents still working after cancel: %d", len(working))
	}

	// Resume over the same run completes the remaining steps.
	close(sandbox.gate)
	resumed, err := env.Engine.Resume(env.Ctx, "proj-1", "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	final := waitRun(t, env, resumed.ID)
	if final.Status != "succeeded" {
		t.Fatalf("resumed run status %s, last error %v", final.Status, final.LastError)
	}
}

func TestCodingThresholdFailureFailsRun(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		cfg.Workflow.Retry.InitialBackoff = config.Duration(time.Millisecond)
		svcs.Generation = failingGeneration{marker: "Implement task"}
	})
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	run = waitRun(t, env, run.ID)
	if run.Status != "failed" {
		t.Fatalf("run must fail when every coding task fails, got %s", run.Status)
	}
	if run.LastError == nil || !strings.Contains(*run.LastError, "coding failure ratio") {
		t.Fatalf("unexpected last error %v", run.LastError)
	}
	step := stepByName(t, env, run.ID, workflow.StepCoding)
	if step.Status != "failed" || step.Attempts != 3 {
		t.Fatalf("coding step %s attempts %d", step.Status, step.Attempts)
	}
	// Each retry re-executed the tasks instead of passing over an empty set.
	counts, err := env.Repo.CountTasksByStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts["failed"] != len(env.Config.Deliverables) {
		t.Fatalf("task counts after exhausted retries: %v", counts)
	}
	for _, name := range []string{workflow.StepTesting, workflow.StepQA, workflow.StepDeployment} {
		if s := stepByName(t, env, run.ID, name); s.Status != "pending" {
			t.Fatalf("step %s status %s", name, s.Status)
		}
	}
}

func TestCancelMidCodingThenResumeCompletes(t *testing.T) {
	generation := &gatedGeneration{entered: make(chan struct{}), gate: make(chan struct{})}
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		cfg.Workflow.Retry.InitialBackoff = config.Duration(time.Millisecond)
		svcs.Generation = generation
	})
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-generation.entered:
	case <-time.After(30 * time.Second):
		t.Fatal("run never reached the coding step")
	}
	if _, err := env.Engine.Cancel(env.Ctx, "proj-1", "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-env.Engine.Wait(run.ID):
	case <-time.After(5 * time.Second):
		t.Fatal("driver still blocked after cancel")
	}
	counts, err := env.Repo.CountTasksByStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts["blocked"] == 0 {
		t.Fatalf("expected blocked tasks after cancel, got %v", counts)
	}

	// Resume must reopen the blocked tasks and drive them to completion.
	close(generation.gate)
	resumed, err := env.Engine.Resume(env.Ctx, "proj-1", "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	final := waitRun(t, env, resumed.ID)
	if final.Status != "succeeded" {
		t.Fatalf("resumed run status %s, last error %v", final.Status, final.LastError)
	}
	counts, err = env.Repo.CountTasksByStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != len(env.Config.Deliverables) || counts["blocked"] != 0 {
		t.Fatalf("task counts after resume: %v", counts)
	}
}

func TestQARejectionEndsRunClean(t *testing.T) {
	var marker string
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		// One coding task fails, within the raised threshold, so the coding
		// step passes but QA sees incomplete work.
		marker = cfg.Deliverables[0].Title
		cfg.Workflow.CodingFailureThreshold = 0.9
		cfg.Workflow.Retry.InitialBackoff = config.Duration(time.Millisecond)
		svcs.Generation = failingGeneration{marker: marker}
	})
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	run = waitRun(t, env, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("QA rejection must not fail the run: %s (%v)", run.Status, run.LastError)
	}
	outputs, err := env.Engine.Outputs(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	qa, ok := outputs[workflow.StepQA]
	if !ok || qa.QA == nil {
		t.Fatal("missing qa result")
	}
	if qa.QA.Approved {
		t.Fatal("expected QA rejection")
	}
	if _, ok := outputs[workflow.StepDeployment]; ok {
		t.Fatal("deployment must not produce a result after QA rejection")
	}
	if s := stepByName(t, env, run.ID, workflow.StepDeployment); s.Status != "skipped" {
		t.Fatalf("deployment step status %s", s.Status)
	}
}

func TestParallelRunPreparesSandboxDuringCoding(t *testing.T) {
	sandbox := &trackingSandbox{}
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		svcs.Sandbox = sandbox
	})
	parallel := true
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{Parallel: &parallel})
	if err != nil {
		t.Fatal(err)
	}
	run = waitRun(t, env, run.ID)
	if run.Status != "succeeded" {
		t.Fatalf("run status %s, last error %v", run.Status, run.LastError)
	}
	if got := atomic.LoadInt32(&sandbox.prepared); got != 1 {
		t.Fatalf("sandbox prepared %d times", got)
	}
	if atomic.LoadInt32(&sandbox.testedAfterPrepare) == 0 {
		t.Fatal("testing step ran before the sandbox environment was prepared")
	}
}

func TestSecondStartRejectedWhileRunning(t *testing.T) {
	sandbox := &gatedSandbox{entered: make(chan struct{}), gate: make(chan struct{})}
	env := newTestEnv(t, func(cfg *config.Config, svcs *services.Set) {
		svcs.Sandbox = sandbox
	})
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-sandbox.entered
	if _, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{}); !errors.Is(err, workflow.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	close(sandbox.gate)
	waitRun(t, env, run.ID)
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := env.Repo.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"t-a", "t-b"} {
		task := domain.Task{ID: id, ProjectID: "proj-1", Capability: "coding", Title: id,
			Priority: domain.PriorityMedium, Status: "pending", CreatedAt: now, UpdatedAt: now}
		if err := env.Repo.InsertTask(env.Ctx, tx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.Repo.AddTaskDependencies(env.Ctx, tx, "t-a", []string{"t-b"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.AddTaskDependencies(env.Ctx, tx, "t-b", []string{"t-a"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	run, err := env.Engine.Start(env.Ctx, "proj-1", workflow.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	run = waitRun(t, env, run.ID)
	if run.Status != "failed" {
		t.Fatalf("expected run to fail on dependency cycle, got %s", run.Status)
	}
	if run.LastError == nil || !strings.Contains(*run.LastError, "dependency cycle") {
		t.Fatalf("unexpected error %v", run.LastError)
	}
}
