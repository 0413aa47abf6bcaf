package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models forgeline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Agents       map[string]AgentProfile `yaml:"agents" json:"agents"`
	Workflow     WorkflowConfig          `yaml:"workflow" json:"workflow"`
	Services     ServicesConfig          `yaml:"services" json:"services"`
	Deliverables []DeliverableSpec       `yaml:"deliverables" json:"deliverables"`
	Webhooks     []WebhookConfig         `yaml:"webhooks" json:"webhooks"`
}

// AgentProfile is the static per-type row of the agent table: one entry per
// agent type, loaded once at process start and passed by reference into the
// scheduler and matcher.
type AgentProfile struct {
	Model          string         `yaml:"model" json:"model"`
	SystemPrompt   string         `yaml:"system_prompt" json:"system_prompt"`
	Tools          []string       `yaml:"tools" json:"tools"`
	PoolSize       int            `yaml:"pool_size" json:"pool_size"`
	MaxConcurrent  int            `yaml:"max_concurrent" json:"max_concurrent"`
	PriorityScores map[string]int `yaml:"priority_scores" json:"priority_scores"`
}

type WorkflowConfig struct {
	ParallelExecution      bool        `yaml:"parallel_execution" json:"parallel_execution"`
	Retry                  RetryPolicy `yaml:"retry" json:"retry"`
	CodingFailureThreshold float64     `yaml:"coding_failure_threshold" json:"coding_failure_threshold"`
	MaxConcurrentRuns      int         `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
}

// RetryPolicy controls per-step retries: maxAttempts total tries, backoff
// initialBackoff * base^(attempt-1) between them.
type RetryPolicy struct {
	MaxAttempts    int      `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff"`
	Base           float64  `yaml:"base" json:"base"`
}

// Delay returns the wait before retrying after the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.InitialBackoff.Std())
	for i := 1; i < attempt; i++ {
		d *= p.Base
	}
	return time.Duration(d)
}

// Duration parses human-readable values ("500ms", "1m") in YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(data, `"`))
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type ServicesConfig struct {
	Generation struct {
		BaseURL string   `yaml:"base_url" json:"base_url"`
		Timeout Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"generation" json:"generation"`
	Search struct {
		BaseURL string `yaml:"base_url" json:"base_url"`
	} `yaml:"search" json:"search"`
	Sandbox struct {
		BaseURL string `yaml:"base_url" json:"base_url"`
	} `yaml:"sandbox" json:"sandbox"`
}

type DeliverableSpec struct {
	Title              string `yaml:"title" json:"title"`
	AcceptanceCriteria string `yaml:"acceptance_criteria" json:"acceptance_criteria"`
	AgentType          string `yaml:"agent_type" json:"agent_type"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with fl project config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

var validAgentTypes = map[string]struct{}{
	"coordinator": {}, "architect": {}, "planner": {},
	"coder": {}, "tester": {}, "qa": {}, "deployer": {},
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents is required")
	}
	for name, profile := range c.Agents {
		if _, ok := validAgentTypes[name]; !ok {
			return fmt.Errorf("config.agents contains unknown agent type %s", name)
		}
		if profile.PoolSize <= 0 {
			return fmt.Errorf("agent %s pool_size must be > 0", name)
		}
		if profile.MaxConcurrent <= 0 {
			return fmt.Errorf("agent %s max_concurrent must be > 0", name)
		}
	}
	if c.Workflow.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.workflow.retry.max_attempts must be > 0")
	}
	if c.Workflow.Retry.Base < 1 {
		return fmt.Errorf("config.workflow.retry.base must be >= 1")
	}
	if c.Workflow.CodingFailureThreshold < 0 || c.Workflow.CodingFailureThreshold > 1 {
		return fmt.Errorf("config.workflow.coding_failure_threshold must be in [0,1]")
	}
	for _, d := range c.Deliverables {
		if d.Title == "" {
			return fmt.Errorf("config.deliverables entry missing title")
		}
		if d.AgentType != "" {
			if _, ok := validAgentTypes[d.AgentType]; !ok {
				return fmt.Errorf("deliverable %s references unknown agent type %s", d.Title, d.AgentType)
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d] missing url", i)
		}
	}
	return nil
}

// Agent returns the profile for a type, or a zero profile if absent.
func (c *Config) Agent(agentType string) AgentProfile {
	return c.Agents[agentType]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: software-project

agents:
  coordinator:
    model: claude-sonnet
    system_prompt: "You coordinate the other agents and resolve conflicts between their outputs."
    tools: [project_notes, todo_manager]
    pool_size: 1
    max_concurrent: 1
    priority_scores:
      coordination: 10
  architect:
    model: claude-opus
    system_prompt: "You design system architecture from project requirements."
    tools: [semantic_search, project_notes]
    pool_size: 2
    max_concurrent: 2
    priority_scores:
      architecture: 10
  planner:
    model: claude-sonnet
    system_prompt: "You break architecture into concrete, dependency-ordered tasks."
    tools: [todo_manager, project_notes]
    pool_size: 2
    max_concurrent: 2
    priority_scores:
      planning: 10
  coder:
    model: gpt-codex
    system_prompt: "You implement tasks as working code that satisfies acceptance criteria."
    tools: [semantic_search, project_notes]
    pool_size: 5
    max_concurrent: 5
    priority_scores:
      coding: 10
  tester:
    model: gpt-codex
    system_prompt: "You write and run tests against generated code."
    tools: [semantic_search]
    pool_size: 3
    max_concurrent: 3
    priority_scores:
      testing: 10
  qa:
    model: claude-opus
    system_prompt: "You review deliverables against acceptance criteria and approve or reject."
    tools: [project_notes]
    pool_size: 2
    max_concurrent: 2
    priority_scores:
      qa: 10
  deployer:
    model: claude-sonnet
    system_prompt: "You prepare and execute deployment plans."
    tools: []
    pool_size: 1
    max_concurrent: 1
    priority_scores:
      deployment: 10

workflow:
  parallel_execution: false
  retry:
    max_attempts: 3
    initial_backoff: 500ms
    base: 2
  coding_failure_threshold: 0.2
  max_concurrent_runs: 5

services:
  generation:
    base_url: ""
    timeout: 60s
  search:
    base_url: ""
  sandbox:
    base_url: ""

deliverables:
  - title: Architecture document
    acceptance_criteria: "Covers components, data model and interfaces"
    agent_type: architect
  - title: Implementation
    acceptance_criteria: "All planned tasks completed"
    agent_type: coder
  - title: Test suite
    acceptance_criteria: "Tests pass in the sandbox"
    agent_type: tester
`
