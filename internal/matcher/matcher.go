// Package matcher maps a task's required capability to a compatible agent
// type and selects the best idle candidate.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/registry"
	"forgeline/internal/repo"
)

// capabilityTable is the fixed capability -> agent type mapping.
var capabilityTable = map[string]domain.AgentType{
	"coordination": domain.AgentCoordinator,
	"architecture": domain.AgentArchitect,
	"planning":     domain.AgentPlanner,
	"coding":       domain.AgentCoder,
	"testing":      domain.AgentTester,
	"qa":           domain.AgentQA,
	"deployment":   domain.AgentDeployer,
}

// AgentTypeFor resolves a capability to its agent type.
func AgentTypeFor(capability string) (domain.AgentType, error) {
	t, ok := capabilityTable[capability]
	if !ok {
		return "", fmt.Errorf("unknown capability %q", capability)
	}
	return t, nil
}

// Capabilities lists the known capabilities.
func Capabilities() []string {
	return []string{"coordination", "architecture", "planning", "coding", "testing", "qa", "deployment"}
}

type Matcher struct {
	Registry *registry.Registry
	Repo     repo.Repo
	// Agents is the immutable agent-type table loaded at process start.
	Agents map[string]config.AgentProfile
}

func New(reg *registry.Registry, r repo.Repo, agents map[string]config.AgentProfile) *Matcher {
	return &Matcher{Registry: reg, Repo: r, Agents: agents}
}

// score ranks a candidate type: affinity for the capability minus a penalty
// for how many agents of that type are already working.
func (m *Matcher) score(ctx context.Context, agentType domain.AgentType, capability string) (int, error) {
	affinity := 0
	if profile, ok := m.Agents[string(agentType)]; ok {
		affinity = profile.PriorityScores[capability]
	}
	load, err := m.Repo.CountWorkingAgents(ctx, string(agentType))
	if err != nil {
		return 0, err
	}
	return affinity - load, nil
}

// candidateTypes returns every type able to serve a capability: the fixed
// table's type first, then any type whose profile carries a positive priority
// score for it.
func (m *Matcher) candidateTypes(capability string) ([]domain.AgentType, error) {
	primary, err := AgentTypeFor(capability)
	if err != nil {
		return nil, err
	}
	types := []domain.AgentType{primary}
	for _, agentType := range domain.AgentTypes() {
		if agentType == primary {
			continue
		}
		if profile, ok := m.Agents[string(agentType)]; ok && profile.PriorityScores[capability] > 0 {
			types = append(types, agentType)
		}
	}
	return types, nil
}

// Assign selects and atomically claims an agent for the task. Candidate types
// are ranked by score, highest first; within a type the registry claims the
// least recently active idle agent, which is also the tie-break between
// equally scored types via the stable sort. The claim and the status flip are
// a single compare-and-swap inside the registry, so two tasks can never hold
// the same agent.
func (m *Matcher) Assign(ctx context.Context, task domain.Task) (domain.Agent, error) {
	types, err := m.candidateTypes(task.Capability)
	if err != nil {
		return domain.Agent{}, err
	}
	scores := make(map[domain.AgentType]int, len(types))
	for _, agentType := range types {
		s, err := m.score(ctx, agentType, task.Capability)
		if err != nil {
			return domain.Agent{}, err
		}
		scores[agentType] = s
	}
	sort.SliceStable(types, func(i, j int) bool { return scores[types[i]] > scores[types[j]] })
	lastErr := fmt.Errorf("%w: capability %s", registry.ErrNoAgentAvailable, task.Capability)
	for _, agentType := range types {
		agent, err := m.Registry.Claim(ctx, task.ProjectID, agentType, task.ID)
		if err == nil {
			return agent, nil
		}
		if errors.Is(err, registry.ErrNoAgentAvailable) || errors.Is(err, registry.ErrAssignmentConflict) {
			lastErr = err
			continue
		}
		return domain.Agent{}, err
	}
	return domain.Agent{}, lastErr
}

// MarkAssigned records the assignment on the task row.
func (m *Matcher) MarkAssigned(ctx context.Context, task domain.Task, agent domain.Agent, now time.Time) (domain.Task, error) {
	ts := now.UTC().Format(time.RFC3339)
	task.AssigneeID = &agent.ID
	task.Status = "in_progress"
	task.UpdatedAt = ts
	if err := m.Repo.UpdateTask(ctx, nil, task); err != nil {
		return task, err
	}
	return task, nil
}
