// Package queue provides per-agent-type work queues with priority admission
// and a bounded number of concurrently executing items.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/registry"
)

// ErrStopped is returned by Enqueue after the queue's context ended.
var ErrStopped = errors.New("queue stopped")

// Result reports the outcome of one work item.
type Result struct {
	WorkID string
	Agent  domain.Agent
	Err    error
}

// Work is one unit submitted to a queue. Execute runs on a claimed agent;
// OnComplete fires exactly once, whether the item ran, panicked, or was
// drained by cancellation.
//
// Ctx is the submitter's context. Canceling it fails the item if it has not
// started and interrupts Execute if it has; the item also stops when the
// queue's own context ends.
type Work struct {
	ID         string
	ProjectID  string
	Priority   domain.Priority
	Ctx        context.Context
	Execute    func(ctx context.Context, agent domain.Agent) error
	OnComplete func(Result)
}

type item struct {
	work Work
	rank int
	seq  uint64
	once sync.Once
}

func (it *item) complete(res Result) {
	it.once.Do(func() {
		if it.work.OnComplete != nil {
			it.work.OnComplete(res)
		}
	})
}

// Queue admits work for a single agent type. Items wait in priority order
// (urgent first, FIFO within a priority) and run only while the number of
// in-flight items is below MaxConcurrent AND an idle agent of the type can
// be claimed. Agent scarcity is back pressure, not an error.
type Queue struct {
	AgentType     domain.AgentType
	MaxConcurrent int
	Registry      *registry.Registry

	mu      sync.Mutex
	waiting []*item
	seq     uint64
	running int32
	stopped bool
	notify  chan struct{}
}

func New(agentType domain.AgentType, maxConcurrent int, reg *registry.Registry) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		AgentType:     agentType,
		MaxConcurrent: maxConcurrent,
		Registry:      reg,
		notify:        make(chan struct{}, 1),
	}
}

// Enqueue admits a work item. It never blocks; the dispatcher picks the item
// up when capacity and an agent are available.
func (q *Queue) Enqueue(w Work) error {
	if w.ID == "" {
		return fmt.Errorf("work item id required")
	}
	if w.Execute == nil {
		return fmt.Errorf("work item %s has no execute func", w.ID)
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.seq++
	it := &item{work: w, rank: w.Priority.Rank(), seq: q.seq}
	q.waiting = append(q.waiting, it)
	sort.SliceStable(q.waiting, func(i, j int) bool {
		if q.waiting[i].rank != q.waiting[j].rank {
			return q.waiting[i].rank < q.waiting[j].rank
		}
		return q.waiting[i].seq < q.waiting[j].seq
	})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Len reports how many items are waiting for admission.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Running reports how many items are executing right now.
func (q *Queue) Running() int {
	return int(atomic.LoadInt32(&q.running))
}

// Start launches the dispatch loop. It returns when ctx is canceled, after
// draining every waiting item with the context error.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

func (q *Queue) run(ctx context.Context) {
	wake := q.Registry.Subscribe()
	for {
		it, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				q.drain(ctx.Err())
				return
			case <-q.notify:
			case <-wake:
			}
			continue
		}
		// A queued item whose submitter already canceled must never start.
		if it.work.Ctx != nil && it.work.Ctx.Err() != nil {
			it.complete(Result{WorkID: it.work.ID, Err: it.work.Ctx.Err()})
			continue
		}
		agent, err := q.Registry.Claim(ctx, it.work.ProjectID, q.AgentType, it.work.ID)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrAssignmentConflict):
				// Another claimer stole every candidate between list and CAS;
				// the freshly listed state may already differ, so retry now.
				q.requeue(it)
			case errors.Is(err, registry.ErrNoAgentAvailable):
				q.requeue(it)
				select {
				case <-ctx.Done():
					q.drain(ctx.Err())
					return
				case <-wake:
				case <-q.notify:
				}
			default:
				it.complete(Result{WorkID: it.work.ID, Err: err})
			}
			continue
		}
		atomic.AddInt32(&q.running, 1)
		go q.execute(ctx, it, agent)
	}
}

// pop removes the head item when an execution slot is free.
func (q *Queue) pop() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 || int(atomic.LoadInt32(&q.running)) >= q.MaxConcurrent {
		return nil, false
	}
	it := q.waiting[0]
	q.waiting = q.waiting[1:]
	return it, true
}

// requeue puts an item back at the head of its priority band.
func (q *Queue) requeue(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := sort.Search(len(q.waiting), func(i int) bool {
		if q.waiting[i].rank != it.rank {
			return q.waiting[i].rank > it.rank
		}
		return q.waiting[i].seq >= it.seq
	})
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[idx+1:], q.waiting[idx:])
	q.waiting[idx] = it
}

func (q *Queue) execute(ctx context.Context, it *item, agent domain.Agent) {
	err := q.invoke(ctx, it, agent)
	// Release outside the work item's context: the agent must return to idle
	// even when the run was canceled mid-item.
	_ = q.Registry.Release(context.Background(), agent, "idle")
	it.complete(Result{WorkID: it.work.ID, Agent: agent, Err: err})
	atomic.AddInt32(&q.running, -1)
	q.signal()
}

// invoke runs the item, converting a panic into a failure result so one bad
// work item never takes the dispatcher down. Execute sees a context that ends
// when either the submitter's context or the queue's context does.
func (q *Queue) invoke(ctx context.Context, it *item, agent domain.Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work item %s panicked: %v", it.work.ID, r)
		}
	}()
	if it.work.Ctx != nil {
		merged, cancel := context.WithCancel(it.work.Ctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		ctx = merged
	}
	return it.work.Execute(ctx, agent)
}

// drain fails every waiting item and rejects further admission.
func (q *Queue) drain(cause error) {
	q.mu.Lock()
	q.stopped = true
	pending := q.waiting
	q.waiting = nil
	q.mu.Unlock()
	for _, it := range pending {
		it.complete(Result{WorkID: it.work.ID, Err: fmt.Errorf("queue %s draining: %w", q.AgentType, cause)})
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pool owns one queue per agent type, sized from the agent-type table.
type Pool struct {
	queues map[domain.AgentType]*Queue
}

func NewPool(reg *registry.Registry, agents map[string]config.AgentProfile) *Pool {
	p := &Pool{queues: make(map[domain.AgentType]*Queue, len(agents))}
	for _, agentType := range domain.AgentTypes() {
		maxConcurrent := 1
		if profile, ok := agents[string(agentType)]; ok {
			maxConcurrent = profile.MaxConcurrent
		}
		p.queues[agentType] = New(agentType, maxConcurrent, reg)
	}
	return p
}

// Start launches every queue's dispatcher.
func (p *Pool) Start(ctx context.Context) {
	for _, q := range p.queues {
		q.Start(ctx)
	}
}

// Enqueue routes a work item to the queue of the given agent type.
func (p *Pool) Enqueue(agentType domain.AgentType, w Work) error {
	q, ok := p.queues[agentType]
	if !ok {
		return fmt.Errorf("no queue for agent type %s", agentType)
	}
	return q.Enqueue(w)
}

// Queue returns the queue for an agent type, or nil.
func (p *Pool) Queue(agentType domain.AgentType) *Queue {
	return p.queues[agentType]
}

// QueuedByType snapshots waiting counts for status reporting.
func (p *Pool) QueuedByType() map[string]int {
	res := make(map[string]int, len(p.queues))
	for agentType, q := range p.queues {
		res[string(agentType)] = q.Len()
	}
	return res
}
