// Package registry tracks agent availability and owns the atomic idle ->
// working claim. An agent's status row is a single-writer resource: only the
// queue that claimed it may release it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

// ErrNoAgentAvailable is transient: callers leave the work queued and retry
// after any agent returns to idle.
var ErrNoAgentAvailable = errors.New("no agent available")

// ErrAssignmentConflict means another claimer won the compare-and-swap;
// retry immediately with a fresh candidate list.
var ErrAssignmentConflict = errors.New("agent assignment conflict")

type Registry struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu   sync.Mutex
	subs []chan struct{}
}

func New(r repo.Repo, ev events.Writer) *Registry {
	return &Registry{
		Repo:   r,
		Events: ev,
		Now:    time.Now,
	}
}

func (g *Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Idle returns idle agents of a type, ordered by earliest last activity.
func (g *Registry) Idle(ctx context.Context, projectID string, agentType domain.AgentType) ([]domain.Agent, error) {
	return g.Repo.ListAgents(ctx, repo.AgentFilters{
		ProjectID: projectID,
		Type:      string(agentType),
		Status:    "idle",
	})
}

// Claim picks an idle agent of the requested type and atomically flips it to
// working. The CAS on agent status closes the race of two tasks claiming the
// same agent: losing a CAS moves on to the next candidate, and only when
// every candidate was stolen does the claim report a conflict.
func (g *Registry) Claim(ctx context.Context, projectID string, agentType domain.AgentType, taskID string) (domain.Agent, error) {
	candidates, err := g.Idle(ctx, projectID, agentType)
	if err != nil {
		return domain.Agent{}, err
	}
	if len(candidates) == 0 {
		return domain.Agent{}, fmt.Errorf("%w: type %s", ErrNoAgentAvailable, agentType)
	}
	now := g.now().UTC().Format(time.RFC3339)
	for _, candidate := range candidates {
		won, err := g.Repo.ClaimAgent(ctx, candidate.ID, taskID, now)
		if err != nil {
			return domain.Agent{}, err
		}
		if !won {
			continue
		}
		candidate.Status = "working"
		candidate.LastActivity = now
		if taskID != "" {
			candidate.CurrentTaskID = &taskID
		}
		_ = g.Events.AppendDB(ctx, "agent.claimed", candidate.ProjectID, "agent", candidate.ID, "scheduler",
			events.EventPayload{"type": string(agentType), "task_id": taskID})
		return candidate, nil
	}
	return domain.Agent{}, fmt.Errorf("%w: type %s", ErrAssignmentConflict, agentType)
}

// Release returns a claimed agent to idle and wakes waiting dispatchers.
func (g *Registry) Release(ctx context.Context, agent domain.Agent, status string) error {
	now := g.now().UTC().Format(time.RFC3339)
	if err := g.Repo.ReleaseAgent(ctx, agent.ID, status, now); err != nil {
		return err
	}
	_ = g.Events.AppendDB(ctx, "agent.released", agent.ProjectID, "agent", agent.ID, "scheduler",
		events.EventPayload{"type": string(agent.Type), "status": status})
	g.Wake()
	return nil
}

// Wake signals every subscribed dispatcher that capacity may have freed up.
// Non-blocking; a pending signal per subscriber is enough.
func (g *Registry) Wake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a signal whenever an agent is
// released. Queue dispatch loops block on it while waiting for capacity.
func (g *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}
