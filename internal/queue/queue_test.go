package queue_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/migrate"
	"forgeline/internal/queue"
	"forgeline/internal/registry"
	"forgeline/internal/repo"
)

type testEnv struct {
	Repo     repo.Repo
	Registry *registry.Registry
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	r := repo.Repo{DB: conn}
	reg := registry.New(r, events.Writer{DB: conn})
	ctx := context.Background()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertProject(ctx, tx, domain.Project{ID: "proj-1", Name: "test", State: "created", CreatedAt: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return testEnv{Repo: r, Registry: reg, Ctx: ctx}
}

func seedAgents(t *testing.T, env testEnv, agentType domain.AgentType, n int) {
	t.Helper()
	tx, err := env.Repo.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
		err := env.Repo.InsertAgent(env.Ctx, tx, domain.Agent{
			ID: string(agentType) + "-" + string(rune('a'+i)), ProjectID: "proj-1",
			Type: agentType, Status: "idle", LastActivity: ts, CreatedAt: ts,
		})
		if err != nil {
			t.Fatalf("insert agent: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func waitDone(t *testing.T, done chan struct{}, want int) {
	t.Helper()
	for i := 0; i < want; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, want)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	env := newTestEnv(t)
	seedAgents(t, env, domain.AgentCoder, 1)

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	q := queue.New(domain.AgentCoder, 1, env.Registry)
	q.Start(ctx)

	gate := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{}, 8)
	var mu sync.Mutex
	var order []string

	record := func(id string) func(context.Context, domain.Agent) error {
		return func(context.Context, domain.Agent) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}
	complete := func(queue.Result) { done <- struct{}{} }

	// Occupy the single slot so the remaining items queue up and sort.
	err := q.Enqueue(queue.Work{
		ID: "gate", ProjectID: "proj-1", Priority: domain.PriorityUrgent,
		Execute: func(context.Context, domain.Agent) error {
			close(started)
			<-gate
			return nil
		},
		OnComplete: complete,
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	for _, w := range []queue.Work{
		{ID: "low", ProjectID: "proj-1", Priority: domain.PriorityLow, Execute: record("low"), OnComplete: complete},
		{ID: "medium-1", ProjectID: "proj-1", Priority: domain.PriorityMedium, Execute: record("medium-1"), OnComplete: complete},
		{ID: "urgent", ProjectID: "proj-1", Priority: domain.PriorityUrgent, Execute: record("urgent"), OnComplete: complete},
		{ID: "medium-2", ProjectID: "proj-1", Priority: domain.PriorityMedium, Execute: record("medium-2"), OnComplete: complete},
	} {
		if err := q.Enqueue(w); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)
	waitDone(t, done, 5)

	mu.Lock()
	got := strings.Join(order, ",")
	mu.Unlock()
	if got != "urgent,medium-1,medium-2,low" {
		t.Fatalf("unexpected execution order: %s", got)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	env := newTestEnv(t)
	seedAgents(t, env, domain.AgentTester, 5)

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	q := queue.New(domain.AgentTester, 2, env.Registry)
	q.Start(ctx)

	var inflight, peak int32
	gate := make(chan struct{})
	done := make(chan struct{}, 6)
	for i := 0; i < 6; i++ {
		err := q.Enqueue(queue.Work{
			ID: "w-" + string(rune('a'+i)), ProjectID: "proj-1", Priority: domain.PriorityMedium,
			Execute: func(context.Context, domain.Agent) error {
				cur := atomic.AddInt32(&inflight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
						break
					}
				}
				<-gate
				atomic.AddInt32(&inflight, -1)
				return nil
			},
			OnComplete: func(queue.Result) { done <- struct{}{} },
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// Let the first pair start, then open the gate for everyone.
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&inflight) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("first two items never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)
	waitDone(t, done, 6)

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("concurrency ceiling exceeded: peak %d", p)
	}
}

func TestBackPressureUntilAgentReleased(t *testing.T) {
	env := newTestEnv(t)
	// No QA agents yet: the item must wait, not fail.
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	q := queue.New(domain.AgentQA, 1, env.Registry)
	q.Start(ctx)

	done := make(chan struct{}, 1)
	err := q.Enqueue(queue.Work{
		ID: "review", ProjectID: "proj-1", Priority: domain.PriorityHigh,
		Execute:    func(context.Context, domain.Agent) error { return nil },
		OnComplete: func(queue.Result) { done <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
		t.Fatal("item ran with no agent available")
	case <-time.After(100 * time.Millisecond):
	}
	if q.Len() != 1 {
		t.Fatalf("expected item to stay queued, len=%d", q.Len())
	}

	seedAgents(t, env, domain.AgentQA, 1)
	env.Registry.Wake()
	waitDone(t, done, 1)
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, len=%d", q.Len())
	}
}

func TestPanicReportedAsFailure(t *testing.T) {
	env := newTestEnv(t)
	seedAgents(t, env, domain.AgentCoder, 1)

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	q := queue.New(domain.AgentCoder, 1, env.Registry)
	q.Start(ctx)

	results := make(chan queue.Result, 1)
	err := q.Enqueue(queue.Work{
		ID: "boom", ProjectID: "proj-1", Priority: domain.PriorityMedium,
		Execute:    func(context.Context, domain.Agent) error { panic("kaboom") },
		OnComplete: func(res queue.Result) { results <- res },
	})
	if err != nil {
		t.Fatal(err)
	}
	var res queue.Result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("no completion after panic")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "panicked") {
		t.Fatalf("expected panic failure, got %v", res.Err)
	}
	agent, err := env.Repo.GetAgent(env.Ctx, res.Agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != "idle" {
		t.Fatalf("agent not released after panic: %s", agent.Status)
	}
}

func TestOnCompleteFiresExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	seedAgents(t, env, domain.AgentCoder, 2)

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	q := queue.New(domain.AgentCoder, 2, env.Registry)
	q.Start(ctx)

	var calls int32
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		err := q.Enqueue(queue.Work{
			ID: "n-" + string(rune('a'+i)), ProjectID: "proj-1", Priority: domain.PriorityMedium,
			Execute: func(context.Context, domain.Agent) error { return nil },
			OnComplete: func(queue.Result) {
				atomic.AddInt32(&calls, 1)
				done <- struct{}{}
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	waitDone(t, done, 10)
	if c := atomic.LoadInt32(&calls); c != 10 {
		t.Fatalf("expected 10 completions, got %d", c)
	}
}

func TestSubmitterCancelInterruptsExecution(t *testing.T) {
	env := newTestEnv(t)
	seedAgents(t, env, domain.AgentTester, 1)

	poolCtx, cancelPool := context.WithCancel(env.Ctx)
	defer cancelPool()
	q := queue.New(domain.AgentTester, 1, env.Registry)
	q.Start(poolCtx)

	workCtx, cancelWork := context.WithCancel(env.Ctx)
	started := make(chan struct{})
	results := make(chan queue.Result, 1)
	err := q.Enqueue(queue.Work{
		ID: "slow", ProjectID: "proj-1", Priority: domain.PriorityHigh, Ctx: workCtx,
		Execute: func(ctx context.Context, _ domain.Agent) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		OnComplete: func(res queue.Result) { results <- res },
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	cancelWork()

	var res queue.Result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight item never observed the submitter cancel")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "context canceled") {
		t.Fatalf("expected cancellation error, got %v", res.Err)
	}
	agent, err := env.Repo.GetAgent(env.Ctx, res.Agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != "idle" {
		t.Fatalf("agent not released after cancel: %s", agent.Status)
	}
}

func TestQueuedItemNeverStartsAfterSubmitterCancel(t *testing.T) {
	env := newTestEnv(t)
	// No agents, so the item waits in the queue when its submitter cancels.
	poolCtx, cancelPool := context.WithCancel(env.Ctx)
	defer cancelPool()
	q := queue.New(domain.AgentArchitect, 1, env.Registry)
	q.Start(poolCtx)

	workCtx, cancelWork := context.WithCancel(env.Ctx)
	var ran int32
	results := make(chan queue.Result, 1)
	err := q.Enqueue(queue.Work{
		ID: "stale", ProjectID: "proj-1", Priority: domain.PriorityMedium, Ctx: workCtx,
		Execute: func(context.Context, domain.Agent) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
		OnComplete: func(res queue.Result) { results <- res },
	})
	if err != nil {
		t.Fatal(err)
	}
	cancelWork()
	seedAgents(t, env, domain.AgentArchitect, 1)
	env.Registry.Wake()

	var res queue.Result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("canceled item never completed")
	}
	if res.Err == nil {
		t.Fatal("expected the canceled item to fail")
	}
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("queued-but-not-started item executed after cancel")
	}
}

func TestCancellationDrainsWaitingItems(t *testing.T) {
	env := newTestEnv(t)
	// No agents: items stay queued until the context is canceled.
	ctx, cancel := context.WithCancel(env.Ctx)
	q := queue.New(domain.AgentDeployer, 1, env.Registry)
	q.Start(ctx)

	results := make(chan queue.Result, 3)
	for i := 0; i < 3; i++ {
		err := q.Enqueue(queue.Work{
			ID: "d-" + string(rune('a'+i)), ProjectID: "proj-1", Priority: domain.PriorityMedium,
			Execute:    func(context.Context, domain.Agent) error { return nil },
			OnComplete: func(res queue.Result) { results <- res },
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			if res.Err == nil {
				t.Fatalf("expected drain error for %s", res.WorkID)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("drain never completed")
		}
	}
	if err := q.Enqueue(queue.Work{ID: "late", ProjectID: "proj-1", Execute: func(context.Context, domain.Agent) error { return nil }}); err != queue.ErrStopped {
		t.Fatalf("expected ErrStopped after drain, got %v", err)
	}
}
