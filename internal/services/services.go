// Package services holds the external collaborators of the workflow engine.
// Each is an interface with an HTTP client for real deployments and a
// deterministic local fallback so the engine runs without any backing
// service configured.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forgeline/internal/config"
)

// GenerationRequest asks a provider/model pair for content. Provider and
// model come from the agent profile of the step's agent type.
type GenerationRequest struct {
	Model   string   `json:"model"`
	System  string   `json:"system,omitempty"`
	Prompt  string   `json:"prompt"`
	Context []string `json:"context,omitempty"`
}

type GenerationResult struct {
	Text string `json:"text"`
}

type Generation interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// SemanticSearch retrieves context snippets for a query. Failures are
// degraded by callers to an empty context, never a step failure.
type SemanticSearch interface {
	Search(ctx context.Context, projectID, query string, limit int) ([]string, error)
}

// SandboxReport summarizes a test execution in the sandbox.
type SandboxReport struct {
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Summary string `json:"summary,omitempty"`
}

// Sandbox prepares an isolated environment per project and runs tests in it.
// Prepare is idempotent so parallel runs can call it ahead of the testing step.
type Sandbox interface {
	Prepare(ctx context.Context, projectID string) error
	RunTests(ctx context.Context, projectID string) (SandboxReport, error)
}

// Set bundles the collaborators handed to the workflow engine.
type Set struct {
	Generation Generation
	Search     SemanticSearch
	Sandbox    Sandbox
}

// FromConfig wires HTTP clients for every service with a base URL and local
// fallbacks for the rest.
func FromConfig(cfg *config.Config) Set {
	set := Set{
		Generation: LocalGeneration{},
		Search:     NoopSearch{},
		Sandbox:    LocalSandbox{},
	}
	if cfg == nil {
		return set
	}
	if cfg.Services.Generation.BaseURL != "" {
		timeout := cfg.Services.Generation.Timeout.Std()
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		set.Generation = &HTTPGeneration{
			BaseURL: cfg.Services.Generation.BaseURL,
			Client:  &http.Client{Timeout: timeout},
		}
	}
	if cfg.Services.Search.BaseURL != "" {
		set.Search = &HTTPSearch{
			BaseURL: cfg.Services.Search.BaseURL,
			Client:  &http.Client{Timeout: 10 * time.Second},
		}
	}
	if cfg.Services.Sandbox.BaseURL != "" {
		set.Sandbox = &HTTPSandbox{
			BaseURL: cfg.Services.Sandbox.BaseURL,
			Client:  &http.Client{Timeout: 5 * time.Minute},
		}
	}
	return set
}

// HTTPGeneration posts requests to a generation gateway.
type HTTPGeneration struct {
	BaseURL string
	Client  *http.Client
}

func (g *HTTPGeneration) Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error) {
	var res GenerationResult
	if err := postJSON(ctx, g.Client, g.BaseURL+"/v1/generate", req, &res); err != nil {
		return res, fmt.Errorf("generation: %w", err)
	}
	return res, nil
}

type HTTPSearch struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPSearch) Search(ctx context.Context, projectID, query string, limit int) ([]string, error) {
	req := map[string]any{"project_id": projectID, "query": query, "limit": limit}
	var res struct {
		Snippets []string `json:"snippets"`
	}
	if err := postJSON(ctx, s.Client, s.BaseURL+"/v1/search", req, &res); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return res.Snippets, nil
}

type HTTPSandbox struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPSandbox) Prepare(ctx context.Context, projectID string) error {
	req := map[string]any{"project_id": projectID}
	if err := postJSON(ctx, s.Client, s.BaseURL+"/v1/environments", req, nil); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	return nil
}

func (s *HTTPSandbox) RunTests(ctx context.Context, projectID string) (SandboxReport, error) {
	req := map[string]any{"project_id": projectID}
	var res SandboxReport
	if err := postJSON(ctx, s.Client, s.BaseURL+"/v1/tests/run", req, &res); err != nil {
		return res, fmt.Errorf("sandbox: %w", err)
	}
	return res, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// LocalGeneration produces deterministic placeholder content, enough to
// exercise the pipeline without a gateway.
type LocalGeneration struct{}

func (LocalGeneration) Generate(_ context.Context, req GenerationRequest) (GenerationResult, error) {
	prompt := req.Prompt
	if len(prompt) > 80 {
		prompt = prompt[:80]
	}
	return GenerationResult{Text: fmt.Sprintf("[%s] %s", req.Model, prompt)}, nil
}

// NoopSearch always returns an empty context.
type NoopSearch struct{}

func (NoopSearch) Search(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

// LocalSandbox reports a clean run.
type LocalSandbox struct{}

func (LocalSandbox) Prepare(context.Context, string) error { return nil }

func (LocalSandbox) RunTests(context.Context, string) (SandboxReport, error) {
	return SandboxReport{Passed: 1, Summary: "local sandbox: no tests executed"}, nil
}
