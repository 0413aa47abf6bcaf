package workflow

import (
	"encoding/json"
	"fmt"

	"forgeline/internal/domain"
)

// Canonical step names, in execution order.
const (
	StepArchitectureDesign = "architecture_design"
	StepTaskCreation       = "task_creation"
	StepWorkAssignment     = "work_assignment"
	StepCoding             = "coding"
	StepTesting            = "testing"
	StepQA                 = "qa"
	StepDeployment         = "deployment"
)

// StepOrder returns the canonical step sequence.
func StepOrder() []string {
	return []string{
		StepArchitectureDesign,
		StepTaskCreation,
		StepWorkAssignment,
		StepCoding,
		StepTesting,
		StepQA,
		StepDeployment,
	}
}

var stepAgentTypes = map[string]domain.AgentType{
	StepArchitectureDesign: domain.AgentArchitect,
	StepTaskCreation:       domain.AgentPlanner,
	StepWorkAssignment:     domain.AgentCoordinator,
	StepCoding:             domain.AgentCoder,
	StepTesting:            domain.AgentTester,
	StepQA:                 domain.AgentQA,
	StepDeployment:         domain.AgentDeployer,
}

// AgentTypeForStep returns the agent type responsible for a step.
func AgentTypeForStep(name string) (domain.AgentType, error) {
	t, ok := stepAgentTypes[name]
	if !ok {
		return "", fmt.Errorf("unknown workflow step %q", name)
	}
	return t, nil
}

// StepOutput is the typed result a finished step persists. Exactly one
// variant pointer is set, matching Step; consumers switch on Step and read
// the corresponding field instead of probing loose maps.
type StepOutput struct {
	Step         string              `json:"step"`
	Architecture *ArchitectureOutput `json:"architecture,omitempty"`
	Tasks        *TaskCreationOutput `json:"tasks,omitempty"`
	Assignment   *AssignmentOutput   `json:"assignment,omitempty"`
	Coding       *CodingOutput       `json:"coding,omitempty"`
	Testing      *TestingOutput      `json:"testing,omitempty"`
	QA           *QAOutput           `json:"qa,omitempty"`
	Deployment   *DeploymentOutput   `json:"deployment,omitempty"`
}

type ArchitectureOutput struct {
	Document   string   `json:"document"`
	Components []string `json:"components,omitempty"`
}

type TaskCreationOutput struct {
	TaskIDs []string `json:"task_ids"`
	Created int      `json:"created"`
}

type AssignmentOutput struct {
	Planned int            `json:"planned"`
	ByType  map[string]int `json:"by_type,omitempty"`
}

type CodingOutput struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	FailRatio float64 `json:"fail_ratio"`
}

type TestingOutput struct {
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Summary string `json:"summary,omitempty"`
}

type QAOutput struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

type DeploymentOutput struct {
	Environment string `json:"environment"`
	Notes       string `json:"notes,omitempty"`
}

// Encode serializes the output for the step_results table.
func (o StepOutput) Encode() (string, error) {
	if err := o.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeStepOutput parses a stored step result payload.
func DecodeStepOutput(payload string) (StepOutput, error) {
	var o StepOutput
	if err := json.Unmarshal([]byte(payload), &o); err != nil {
		return o, fmt.Errorf("decode step output: %w", err)
	}
	return o, o.validate()
}

func (o StepOutput) validate() error {
	var set int
	checks := []struct {
		step string
		ok   bool
	}{
		{StepArchitectureDesign, o.Architecture != nil},
		{StepTaskCreation, o.Tasks != nil},
		{StepWorkAssignment, o.Assignment != nil},
		{StepCoding, o.Coding != nil},
		{StepTesting, o.Testing != nil},
		{StepQA, o.QA != nil},
		{StepDeployment, o.Deployment != nil},
	}
	for _, c := range checks {
		if c.ok {
			set++
			if o.Step != c.step {
				return fmt.Errorf("step output variant %s does not match step %q", c.step, o.Step)
			}
		}
	}
	if set != 1 {
		return fmt.Errorf("step output for %q must carry exactly one variant, has %d", o.Step, set)
	}
	return nil
}
